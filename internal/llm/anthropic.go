package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

const (
	// DefaultAnthropicModel is the default Claude model
	DefaultAnthropicModel = "claude-sonnet-4-5-20250929"
	// DefaultAnthropicEndpoint is the default Anthropic API endpoint
	DefaultAnthropicEndpoint = "https://api.anthropic.com/v1/messages"
	// DefaultMaxTokens is the default maximum tokens per request
	DefaultMaxTokens = 4096
	// DefaultTimeout is the default HTTP timeout
	DefaultTimeout = 60 * time.Second

	anthropicVersion = "2023-06-01"
)

// AnthropicConfig holds configuration for the Anthropic client.
type AnthropicConfig struct {
	APIKey    string
	Model     string // Default: claude-sonnet-4-5-20250929
	Endpoint  string // Default: https://api.anthropic.com/v1/messages
	Timeout   time.Duration
	MaxTokens int // Default: 4096
}

// Anthropic is a Provider over the Anthropic Messages API.
type Anthropic struct {
	apiKey     string
	model      string
	endpoint   string
	maxTokens  int
	httpClient *http.Client
}

// NewAnthropic creates an Anthropic provider. Env vars
// ANTHROPIC_DEFAULT_MODEL and ANTHROPIC_API_ENDPOINT override the
// built-in defaults when the config leaves them empty.
func NewAnthropic(cfg AnthropicConfig) *Anthropic {
	if cfg.Model == "" {
		if envModel := os.Getenv("ANTHROPIC_DEFAULT_MODEL"); envModel != "" {
			cfg.Model = envModel
		} else {
			cfg.Model = DefaultAnthropicModel
		}
	}
	if cfg.Endpoint == "" {
		if envEndpoint := os.Getenv("ANTHROPIC_API_ENDPOINT"); envEndpoint != "" {
			cfg.Endpoint = envEndpoint
		} else {
			cfg.Endpoint = DefaultAnthropicEndpoint
		}
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}

	return &Anthropic{
		apiKey:    cfg.APIKey,
		model:     cfg.Model,
		endpoint:  cfg.Endpoint,
		maxTokens: cfg.MaxTokens,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

// Name returns the provider name.
func (c *Anthropic) Name() string {
	return "anthropic"
}

// IsAvailable reports whether the client has credentials to call the API.
func (c *Anthropic) IsAvailable() bool {
	return c.apiKey != ""
}

// messagesRequest is the wire shape of the Messages API request.
type messagesRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	System      string    `json:"system,omitempty"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature *float64  `json:"temperature,omitempty"`
	Tools       []Tool    `json:"tools,omitempty"`
}

// messagesResponse is the wire shape of the Messages API response.
type messagesResponse struct {
	Content    []ContentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Model      string         `json:"model"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Complete sends the request to the Messages API.
func (c *Anthropic) Complete(ctx context.Context, req Request) (*Response, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("anthropic api key not configured")
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.maxTokens
	}

	wire := messagesRequest{
		Model:     c.model,
		Messages:  req.Messages,
		System:    req.System,
		MaxTokens: maxTokens,
		Tools:     req.Tools,
	}
	if req.Temperature != 0 {
		t := req.Temperature
		wire.Temperature = &t
	}

	body, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to call anthropic: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var wireResp messagesResponse
	if err := json.Unmarshal(respBody, &wireResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		if wireResp.Error != nil {
			return nil, fmt.Errorf("anthropic %d: %s: %s", httpResp.StatusCode, wireResp.Error.Type, wireResp.Error.Message)
		}
		return nil, fmt.Errorf("anthropic %d: %s", httpResp.StatusCode, string(respBody))
	}

	return &Response{
		Content:    wireResp.Content,
		StopReason: wireResp.StopReason,
		Model:      wireResp.Model,
		Usage: Usage{
			InputTokens:  wireResp.Usage.InputTokens,
			OutputTokens: wireResp.Usage.OutputTokens,
		},
	}, nil
}
