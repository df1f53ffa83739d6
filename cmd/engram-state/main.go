package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/vthunder/engram/internal/journal"
	"github.com/vthunder/engram/internal/store"
)

func main() {
	statePath := os.Getenv("ENGRAM_STATE_PATH")
	if statePath == "" {
		statePath = "state"
	}

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(0)
	}
	cmd := os.Args[1]

	if cmd == "help" || cmd == "-h" || cmd == "--help" {
		printUsage()
		return
	}
	if cmd == "journal" {
		// Journal lives in a flat file, no DB needed
		handleJournal(statePath, os.Args[2:])
		return
	}

	db, err := store.Open(statePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	switch cmd {
	case "summary":
		handleSummary(db)
	case "users":
		handleUsers(db)
	case "memories":
		handleMemories(db, os.Args[2:])
	case "queue":
		handleQueue(db, os.Args[2:])
	case "profile":
		handleProfile(db, os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`engram-state - Inspect the memory substrate (read-only)

Usage: engram-state <command> [options]

Commands:
  summary                  Row counts and queue status
  users                    List known user IDs

  memories --user=<id>     Top memories by prominence
    --by=utility           Sort by prominence x ln(1+accesses)
    --by=recent            Sort by creation time
    --category=<cat>       Restrict to one category
    -n 50                  How many to show (default 20)

  queue                    Scheduled item counts by status
  queue --user=<id>        A user's items, soonest first
    --status=pending       Restrict to one status

  profile --user=<id>      Static profile, dynamic state, patterns

  journal                  Recent maintenance journal entries
    -n 50                  How many to show (default 20)

Environment:
  ENGRAM_STATE_PATH        State directory (default: "state")`)
}

func handleSummary(db *store.DB) {
	stats, err := db.Stats()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Substrate Summary")
	fmt.Println("=================")
	fmt.Printf("Memories:   %d total, %d latest, %d superseded\n",
		stats["memories"], stats["memories_latest"], stats["memories_superseded"])
	fmt.Printf("Relations:  %d\n", stats["memory_relations"])
	fmt.Printf("Sessions:   %d (%d messages, %d summaries)\n",
		stats["sessions"], stats["session_messages"], stats["session_summaries"])
	fmt.Printf("Scheduled:  %d\n", stats["scheduled_items"])

	byStatus, err := db.CountScheduledByStatus()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if len(byStatus) > 0 {
		fmt.Println("\nQueue")
		fmt.Println("=====")
		for _, st := range []store.ItemStatus{
			store.StatusPending, store.StatusProcessing, store.StatusFired,
			store.StatusActed, store.StatusExpired,
		} {
			if n := byStatus[st]; n > 0 {
				fmt.Printf("%-12s %d\n", st, n)
			}
		}
	}
}

func handleUsers(db *store.DB) {
	users, err := db.UserIDs()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if len(users) == 0 {
		fmt.Println("No users yet.")
		return
	}
	for _, u := range users {
		stats, err := db.MemoryStatsForUser(u)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s  (%d memories, avg prominence %.2f)\n", u, stats.Latest, stats.AvgProminence)
	}
}

func handleMemories(db *store.DB, args []string) {
	fs := flag.NewFlagSet("memories", flag.ExitOnError)
	user := fs.String("user", "", "User ID (required)")
	by := fs.String("by", "prominence", "Sort order: prominence, utility, recent")
	category := fs.String("category", "", "Restrict to one category")
	n := fs.Int("n", 20, "How many to show")
	fs.Parse(args)

	if *user == "" {
		fmt.Fprintln(os.Stderr, "Error: --user is required")
		os.Exit(1)
	}

	latest := true
	filters := store.MemoryFilters{IsLatest: &latest}
	if *category != "" {
		cat := store.Category(*category)
		if !store.ValidCategory(cat) {
			fmt.Fprintf(os.Stderr, "Error: unknown category %q\n", *category)
			os.Exit(1)
		}
		filters.Category = cat
	}

	mems, err := db.GetMemoriesByUser(*user, filters)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	switch *by {
	case "prominence":
		sort.SliceStable(mems, func(i, j int) bool { return mems[i].Prominence > mems[j].Prominence })
	case "utility":
		sort.SliceStable(mems, func(i, j int) bool { return utility(mems[i]) > utility(mems[j]) })
	case "recent":
		// GetMemoriesByUser already returns newest-first
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown sort order %q\n", *by)
		os.Exit(1)
	}
	if *n > 0 && len(mems) > *n {
		mems = mems[:*n]
	}

	fmt.Printf("Memories for %s (%d shown, by %s)\n", *user, len(mems), *by)
	fmt.Println("=========================================")
	for _, m := range mems {
		fmt.Printf("%.3f  (%s) %s\n", m.Prominence, m.Category, m.Content)
		fmt.Printf("       id=%s accesses=%d utility=%.3f created=%s\n",
			m.ID, m.AccessCount, utility(m), formatMs(m.CreatedAt))
	}
}

// utility mirrors the archival score the gardener uses.
func utility(m *store.Memory) float64 {
	return m.Prominence * math.Log(1+float64(m.AccessCount))
}

func handleQueue(db *store.DB, args []string) {
	fs := flag.NewFlagSet("queue", flag.ExitOnError)
	user := fs.String("user", "", "User ID")
	status := fs.String("status", "", "Restrict to one status")
	fs.Parse(args)

	if *user == "" {
		byStatus, err := db.CountScheduledByStatus()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if len(byStatus) == 0 {
			fmt.Println("Queue is empty.")
			return
		}
		fmt.Println("Scheduled Items")
		fmt.Println("===============")
		for _, st := range []store.ItemStatus{
			store.StatusPending, store.StatusProcessing, store.StatusFired,
			store.StatusActed, store.StatusExpired,
		} {
			if n := byStatus[st]; n > 0 {
				fmt.Printf("%-12s %d\n", st, n)
			}
		}
		return
	}

	var statuses []store.ItemStatus
	if *status != "" {
		statuses = append(statuses, store.ItemStatus(*status))
	}
	items, err := db.GetScheduledItemsForUser(*user, statuses...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if len(items) == 0 {
		fmt.Printf("No scheduled items for %s.\n", *user)
		return
	}

	now := time.Now().UnixMilli()
	fmt.Printf("Scheduled items for %s (%d)\n", *user, len(items))
	fmt.Println("==============================")
	for _, it := range items {
		overdue := ""
		if it.Status == store.StatusPending && it.TriggerAt <= now {
			overdue = " OVERDUE"
		}
		rec := ""
		if it.Recurring != nil {
			rec = fmt.Sprintf(" repeats=%s", it.Recurring.Type)
		}
		fmt.Printf("%s [%s/%s]%s%s\n  %s\n  trigger=%s id=%s\n",
			it.Status, it.Source, it.Kind, rec, overdue,
			truncate(it.Message, 100), formatMs(it.TriggerAt), it.ID)
		if it.Result != nil && it.Result.Response != "" {
			fmt.Printf("  result: %s\n", truncate(it.Result.Response, 100))
		}
	}
}

func handleProfile(db *store.DB, args []string) {
	fs := flag.NewFlagSet("profile", flag.ExitOnError)
	user := fs.String("user", "", "User ID (required)")
	fs.Parse(args)

	if *user == "" {
		fmt.Fprintln(os.Stderr, "Error: --user is required")
		os.Exit(1)
	}

	entries, err := db.GetStaticProfile(*user)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Static profile (%d entries)\n", len(entries))
	fmt.Println("===========================")
	for _, e := range entries {
		fmt.Printf("%-20s %s (confidence %.2f)\n", e.Key, e.Value, e.Confidence)
	}

	dyn, err := db.GetDynamicProfile(*user)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("\nDynamic profile")
	fmt.Println("===============")
	if dyn == nil {
		fmt.Println("(none)")
	} else {
		fmt.Printf("Mood:            %s\n", orDash(dyn.CurrentMood))
		fmt.Printf("Recent topics:   %s\n", orDash(strings.Join(dyn.RecentTopics, ", ")))
		fmt.Printf("Active projects: %s\n", orDash(strings.Join(dyn.ActiveProjects, ", ")))
		if dyn.LastInteractionAt > 0 {
			fmt.Printf("Last seen:       %s\n", formatMs(dyn.LastInteractionAt))
		}
	}

	patterns, observations, err := db.GetBehavioralPatterns(*user)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("\nBehavioral patterns (%d observations)\n", observations)
	fmt.Println("=====================================")
	if patterns == nil {
		fmt.Println("(none)")
		return
	}
	data, _ := json.MarshalIndent(patterns, "", "  ")
	fmt.Println(string(data))
}

func handleJournal(statePath string, args []string) {
	fs := flag.NewFlagSet("journal", flag.ExitOnError)
	n := fs.Int("n", 20, "How many entries to show")
	fs.Parse(args)

	entries, err := journal.New(statePath).Recent(*n)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if len(entries) == 0 {
		fmt.Println("Journal is empty.")
		return
	}

	fmt.Printf("Journal (%d entries)\n", len(entries))
	fmt.Println("====================")
	for _, e := range entries {
		line := fmt.Sprintf("%s  %-12s", e.Timestamp.Format("2006-01-02 15:04:05"), e.Kind)
		if len(e.Counts) > 0 {
			keys := make([]string, 0, len(e.Counts))
			for k := range e.Counts {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			parts := make([]string, 0, len(keys))
			for _, k := range keys {
				parts = append(parts, fmt.Sprintf("%s=%d", k, e.Counts[k]))
			}
			line += " " + strings.Join(parts, " ")
		}
		if e.DurationMs > 0 {
			line += fmt.Sprintf(" (%.0fms)", e.DurationMs)
		}
		if e.Note != "" {
			line += " " + e.Note
		}
		fmt.Println(line)
	}
}

func formatMs(ms int64) string {
	if ms <= 0 {
		return "-"
	}
	return time.UnixMilli(ms).Format("2006-01-02 15:04")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
