// engram-mcp exposes the memory substrate over MCP stdio so agent
// frontends can search and store memories, schedule reminders, and
// kick off a proactive scan without going through the daemon.
//
// All logging goes to stderr; stdout carries only JSON-RPC.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/vthunder/engram/internal/config"
	"github.com/vthunder/engram/internal/embedding"
	"github.com/vthunder/engram/internal/llm"
	"github.com/vthunder/engram/internal/memory"
	"github.com/vthunder/engram/internal/proactive"
	"github.com/vthunder/engram/internal/relation"
	"github.com/vthunder/engram/internal/store"
)

func main() {
	// Log to stderr so stdout is clean for JSON-RPC
	log.SetOutput(os.Stderr)
	log.SetPrefix("[engram-mcp] ")

	if err := godotenv.Load(); err == nil {
		log.Println("Loaded .env file")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := os.MkdirAll(cfg.StatePath, 0755); err != nil {
		log.Fatalf("Failed to create state directory: %v", err)
	}

	db, err := store.Open(cfg.StatePath)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer db.Close()

	embedder := embedding.NewCached(
		embedding.NewFallback(embedding.NewOllama(cfg.OllamaURL, cfg.OllamaEmbedModel), nil), 0, 0)

	var provider llm.Provider = llm.NewAnthropic(llm.AnthropicConfig{
		APIKey:   cfg.AnthropicAPIKey,
		Model:    cfg.AnthropicModel,
		Endpoint: cfg.AnthropicEndpoint,
	})
	if !provider.IsAvailable() {
		provider = llm.NewOllama(cfg.OllamaURL, cfg.OllamaModel)
		log.Println("No Anthropic key, using local model")
	}

	memories := memory.NewStore(db, embedder, provider)
	memories.SetRelationDetector(relation.NewDetector(db, embedder, provider))

	t := &tools{
		db:        db,
		memories:  memories,
		evaluator: proactive.New(db, provider),
	}

	s := server.NewMCPServer(
		"engram",
		"1.0.0",
		server.WithToolCapabilities(true),
	)

	s.AddTool(searchTool(), t.handleSearch)
	s.AddTool(addTool(), t.handleAdd)
	s.AddTool(statsTool(), t.handleStats)
	s.AddTool(reminderTool(), t.handleReminder)
	s.AddTool(scanTool(), t.handleScan)

	log.Printf("Serving 5 tools over stdio (state: %s)", cfg.StatePath)
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "Server error: %v\n", err)
		os.Exit(1)
	}
}

// tools holds the shared substrate handles the handlers close over.
type tools struct {
	db        *store.DB
	memories  *memory.Store
	evaluator *proactive.Evaluator
}

func searchTool() mcp.Tool {
	return mcp.NewTool("memory_search",
		mcp.WithDescription("Search a user's memories by hybrid keyword+semantic relevance. Returns scored matches, most relevant first."),
		mcp.WithString("user_id",
			mcp.Required(),
			mcp.Description("User whose memories to search"),
		),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("Natural-language search query"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum results to return (default 10)"),
		),
		mcp.WithString("category",
			mcp.Description("Restrict to one category: preference, fact, event, relationship, insight"),
		),
		mcp.WithBoolean("rerank",
			mcp.Description("Re-order the top hits with the LLM before returning. Slower but more precise. Default: false"),
		),
	)
}

func (t *tools) handleSearch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := req.Params.Arguments.(map[string]any)
	userID, _ := args["user_id"].(string)
	query, _ := args["query"].(string)

	if userID == "" {
		return mcp.NewToolResultError("user_id is required"), nil
	}
	if strings.TrimSpace(query) == "" {
		return mcp.NewToolResultError("query is required"), nil
	}

	opts := memory.SearchOptions{}
	if l, ok := args["limit"].(float64); ok {
		opts.Limit = int(l)
	}
	if c, ok := args["category"].(string); ok && c != "" {
		cat := store.Category(c)
		if !store.ValidCategory(cat) {
			return mcp.NewToolResultError(fmt.Sprintf("unknown category: %s", c)), nil
		}
		opts.Category = cat
	}
	if r, ok := args["rerank"].(bool); ok {
		opts.Rerank = r
	}

	results, err := t.memories.Search(ctx, userID, query, opts)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("search failed: %v", err)), nil
	}
	if len(results) == 0 {
		return mcp.NewToolResultText("No memories matched."), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d memories:\n", len(results))
	for i, r := range results {
		fmt.Fprintf(&b, "%d. [%.3f] (%s) %s\n", i+1, r.Score, r.Memory.Category, r.Memory.Content)
		fmt.Fprintf(&b, "   id: %s\n", r.Memory.ID)
	}
	return mcp.NewToolResultText(b.String()), nil
}

func addTool() mcp.Tool {
	return mcp.NewTool("memory_add",
		mcp.WithDescription("Store a memory about a user. Near-duplicates of an existing memory reinforce it instead of creating a new entry."),
		mcp.WithString("user_id",
			mcp.Required(),
			mcp.Description("User the memory belongs to"),
		),
		mcp.WithString("content",
			mcp.Required(),
			mcp.Description("The memory text, one self-contained statement"),
		),
		mcp.WithString("category",
			mcp.Description("One of: preference, fact, event, relationship, insight. Default: fact"),
		),
		mcp.WithNumber("importance",
			mcp.Description("Importance 1-10; drives initial prominence"),
		),
	)
}

func (t *tools) handleAdd(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := req.Params.Arguments.(map[string]any)
	userID, _ := args["user_id"].(string)
	content, _ := args["content"].(string)

	if userID == "" {
		return mcp.NewToolResultError("user_id is required"), nil
	}
	if strings.TrimSpace(content) == "" {
		return mcp.NewToolResultError("content is required"), nil
	}

	addReq := memory.AddRequest{
		UserID:  userID,
		Content: content,
		Source:  "mcp",
	}
	if c, ok := args["category"].(string); ok && c != "" {
		cat := store.Category(c)
		if !store.ValidCategory(cat) {
			return mcp.NewToolResultError(fmt.Sprintf("unknown category: %s", c)), nil
		}
		addReq.Category = cat
	}
	if imp, ok := args["importance"].(float64); ok {
		addReq.Importance = int(imp)
	}

	res, err := t.memories.Add(ctx, addReq)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to store memory: %v", err)), nil
	}

	if res.Reinforced {
		log.Printf("Reinforced memory %s", res.Memory.ID)
		return mcp.NewToolResultText(fmt.Sprintf(
			"Reinforced existing memory %s (prominence %.2f): %s",
			res.Memory.ID, res.Memory.Prominence, res.Memory.Content)), nil
	}
	log.Printf("Stored memory %s", res.Memory.ID)
	return mcp.NewToolResultText(fmt.Sprintf(
		"Stored memory %s (%s)", res.Memory.ID, res.Memory.Category)), nil
}

func statsTool() mcp.Tool {
	return mcp.NewTool("memory_stats",
		mcp.WithDescription("Summarize a user's memory store: active/dormant/total counts, per-category breakdown, session summaries, embedding cache hit rate."),
		mcp.WithString("user_id",
			mcp.Required(),
			mcp.Description("User to summarize"),
		),
	)
}

func (t *tools) handleStats(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := req.Params.Arguments.(map[string]any)
	userID, _ := args["user_id"].(string)

	if userID == "" {
		return mcp.NewToolResultError("user_id is required"), nil
	}

	stats, err := t.memories.GetStats(userID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to gather stats: %v", err)), nil
	}

	out, err := json.MarshalIndent(stats, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal stats: %v", err)), nil
	}
	return mcp.NewToolResultText(string(out)), nil
}

func reminderTool() mcp.Tool {
	return mcp.NewTool("schedule_reminder",
		mcp.WithDescription("Schedule a reminder for a user. The daemon delivers it when the trigger time arrives. User reminders fire even during quiet hours."),
		mcp.WithString("user_id",
			mcp.Required(),
			mcp.Description("User to remind"),
		),
		mcp.WithString("message",
			mcp.Required(),
			mcp.Description("Reminder text to deliver"),
		),
		mcp.WithString("trigger_at",
			mcp.Required(),
			mcp.Description("When to fire: RFC3339, '2006-01-02 15:04', '15:04' (today or tomorrow), or a duration like '2h' or 'in 30 minutes'"),
		),
		mcp.WithString("recurrence",
			mcp.Description("Repeat schedule: daily, weekly, weekdays, or weekends. Repeats at the trigger time's hour and minute."),
		),
	)
}

func (t *tools) handleReminder(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := req.Params.Arguments.(map[string]any)
	userID, _ := args["user_id"].(string)
	message, _ := args["message"].(string)
	when, _ := args["trigger_at"].(string)

	if userID == "" {
		return mcp.NewToolResultError("user_id is required"), nil
	}
	if strings.TrimSpace(message) == "" {
		return mcp.NewToolResultError("message is required"), nil
	}

	triggerAt, err := parseTriggerTime(when, time.Now())
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("bad trigger_at: %v", err)), nil
	}

	item := &store.ScheduledItem{
		UserID:    userID,
		Source:    "user",
		Kind:      "nudge",
		Type:      "reminder",
		Message:   message,
		TriggerAt: triggerAt.UnixMilli(),
	}

	recInfo := ""
	if rec, ok := args["recurrence"].(string); ok && rec != "" {
		switch rec {
		case "daily", "weekly", "weekdays", "weekends":
		default:
			return mcp.NewToolResultError(fmt.Sprintf("unknown recurrence: %s", rec)), nil
		}
		r := &store.Recurrence{Type: rec, Hour: triggerAt.Hour(), Minute: triggerAt.Minute()}
		if rec == "weekly" {
			r.DayOfWeek = int(triggerAt.Weekday())
		}
		item.Recurring = r
		recInfo = fmt.Sprintf(", repeats %s", rec)
	}

	if err := t.db.AddScheduledItem(item); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to schedule: %v", err)), nil
	}

	log.Printf("Scheduled reminder %s for %s", item.ID, triggerAt.Format(time.RFC3339))
	return mcp.NewToolResultText(fmt.Sprintf(
		"Reminder scheduled for %s%s (ID: %s)",
		triggerAt.Format("Mon Jan 2 15:04"), recInfo, item.ID)), nil
}

func scanTool() mcp.Tool {
	return mcp.NewTool("proactive_scan",
		mcp.WithDescription("Scan all users for gaps worth raising (stale goals, anomalies, unresolved threads), triage them with the LLM, and queue the survivors as agent-sourced items."),
	)
}

func (t *tools) handleScan(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	queued, err := t.evaluator.Run(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("scan failed: %v", err)), nil
	}
	if queued == 0 {
		return mcp.NewToolResultText("Scan complete, nothing worth raising."), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Scan complete, queued %d proactive items.", queued)), nil
}

// parseTriggerTime accepts absolute timestamps and relative durations.
// A bare time of day means today, or tomorrow if it already passed.
func parseTriggerTime(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("trigger_at is required")
	}

	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}

	formats := []string{
		"2006-01-02T15:04:05",
		"2006-01-02 15:04",
		"2006-01-02",
	}
	for _, f := range formats {
		if t, err := time.ParseInLocation(f, s, now.Location()); err == nil {
			return t, nil
		}
	}

	if t, err := time.ParseInLocation("15:04", s, now.Location()); err == nil {
		t = time.Date(now.Year(), now.Month(), now.Day(), t.Hour(), t.Minute(), 0, 0, now.Location())
		if t.Before(now) {
			t = t.Add(24 * time.Hour)
		}
		return t, nil
	}

	rel := strings.TrimPrefix(strings.ToLower(s), "in ")
	rel = strings.ReplaceAll(rel, " ", "")
	suffixes := []struct {
		suffix string
		unit   time.Duration
	}{
		{"minutes", time.Minute}, {"minute", time.Minute}, {"mins", time.Minute}, {"min", time.Minute},
		{"hours", time.Hour}, {"hour", time.Hour}, {"hrs", time.Hour}, {"hr", time.Hour},
		{"days", 24 * time.Hour}, {"day", 24 * time.Hour}, {"d", 24 * time.Hour},
	}
	for _, p := range suffixes {
		if strings.HasSuffix(rel, p.suffix) {
			if n, err := strconv.Atoi(strings.TrimSuffix(rel, p.suffix)); err == nil && n > 0 {
				return now.Add(time.Duration(n) * p.unit), nil
			}
			break
		}
	}
	if d, err := time.ParseDuration(rel); err == nil && d > 0 {
		return now.Add(d), nil
	}

	return time.Time{}, fmt.Errorf("unrecognized time %q", s)
}
