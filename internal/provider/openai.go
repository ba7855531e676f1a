package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/jasonkneen/curator/pkg/types"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	defaultTimeout = 300 * time.Second

	// Token estimation constants following OpenAI's counting rules:
	// every message carries framing overhead, every reply is primed
	// with an assistant prefix, content is roughly 4 chars per token.
	tokensPerMessage = 4
	tokensReplyPrime = 2
	charsPerToken    = 4
)

// OpenAIConfig configures an OpenAI-compatible chat-completions client.
type OpenAIConfig struct {
	Name              string // provider identifier, defaults to "openai"
	BaseURL           string
	APIKey            string
	Timeout           time.Duration
	MaxOutputTokens   int     // output-token ceiling used for estimation
	RequestsPerSecond float64 // transport-level pacing, 0 disables
}

// OpenAI talks to any OpenAI-compatible chat completions endpoint,
// including Azure deployments and local inference servers.
type OpenAI struct {
	name            string
	url             string
	apiKey          string
	httpClient      *http.Client
	pacer           *rate.Limiter
	maxOutputTokens int
}

// NewOpenAI creates an OpenAI-compatible provider client.
func NewOpenAI(cfg OpenAIConfig) *OpenAI {
	if cfg.Name == "" {
		cfg.Name = "openai"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxOutputTokens == 0 {
		cfg.MaxOutputTokens = 1024
	}
	var pacer *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		pacer = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return &OpenAI{
		name:            cfg.Name,
		url:             strings.TrimSuffix(cfg.BaseURL, "/") + "/chat/completions",
		apiKey:          cfg.APIKey,
		httpClient:      &http.Client{Timeout: cfg.Timeout},
		pacer:           pacer,
		maxOutputTokens: cfg.MaxOutputTokens,
	}
}

func (c *OpenAI) Name() string { return c.name }

type chatCompletionRequest struct {
	Model    string          `json:"model"`
	Messages []types.Message `json:"messages"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *apiError `json:"error,omitempty"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    any    `json:"code"`
}

// Send submits a chat completion request and maps failures onto the
// engine's error taxonomy.
func (c *OpenAI) Send(ctx context.Context, req types.Request) (*Response, error) {
	if c.pacer != nil {
		if err := c.pacer.Wait(ctx); err != nil {
			return nil, err
		}
	}

	body, err := c.buildBody(req)
	if err != nil {
		return nil, &Error{Kind: ErrorKindRequest, Message: "encode request body", Cause: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Kind: ErrorKindRequest, Message: "build request", Cause: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if strings.Contains(c.url, "/deployments") {
		// Azure deployments authenticate with api-key instead of Bearer.
		httpReq.Header.Set("api-key", c.apiKey)
	} else {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &Error{Kind: ErrorKindTransport, Message: "request failed", Cause: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Kind: ErrorKindTransport, Message: "read response body", Cause: err}
	}

	var parsed chatCompletionResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		if kindErr := classifyStatus(resp.StatusCode, string(raw)); kindErr != nil {
			return nil, kindErr
		}
		return nil, &Error{Kind: ErrorKindTransport, Message: "decode response body", Cause: err}
	}

	if parsed.Error != nil {
		return nil, classifyAPIError(resp.StatusCode, parsed.Error)
	}
	if kindErr := classifyStatus(resp.StatusCode, string(raw)); kindErr != nil {
		return nil, kindErr
	}
	if len(parsed.Choices) == 0 {
		return nil, &Error{Kind: ErrorKindTransport, Message: "response contained no choices"}
	}

	return &Response{
		Message: parsed.Choices[0].Message.Content,
		Raw:     raw,
		Usage: types.TokenUsage{
			Prompt:     parsed.Usage.PromptTokens,
			Completion: parsed.Usage.CompletionTokens,
			Total:      parsed.Usage.TotalTokens,
		},
	}, nil
}

func (c *OpenAI) buildBody(req types.Request) ([]byte, error) {
	payload := map[string]any{
		"model":    req.Model,
		"messages": req.Messages,
	}
	for k, v := range req.Params {
		payload[k] = v
	}
	return json.Marshal(payload)
}

// EstimateTokens estimates the total token cost of a request: prompt
// tokens by message-framing rules plus the configured output ceiling.
func (c *OpenAI) EstimateTokens(req types.Request) int {
	n := tokensReplyPrime
	for _, m := range req.Messages {
		n += tokensPerMessage
		n += len(m.Content) / charsPerToken
		n += len(m.Role) / charsPerToken
	}
	return n + c.maxOutputTokens
}

func classifyStatus(status int, body string) error {
	switch {
	case status == http.StatusOK:
		return nil
	case status == http.StatusTooManyRequests:
		return &Error{Kind: ErrorKindRateLimit, StatusCode: status, Message: "too many requests"}
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &Error{Kind: ErrorKindAuth, StatusCode: status, Message: "authentication failed"}
	case status >= 500:
		return &Error{Kind: ErrorKindTransport, StatusCode: status, Message: "server error"}
	case status >= 400:
		return &Error{Kind: ErrorKindRequest, StatusCode: status, Message: fmt.Sprintf("request rejected: %s", truncate(body, 200))}
	default:
		return nil
	}
}

func classifyAPIError(status int, apiErr *apiError) error {
	msg := apiErr.Message
	switch {
	case status == http.StatusTooManyRequests || strings.Contains(strings.ToLower(msg), "rate limit"):
		return &Error{Kind: ErrorKindRateLimit, StatusCode: status, Message: msg}
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &Error{Kind: ErrorKindAuth, StatusCode: status, Message: msg}
	case status >= 500 || status == 0:
		return &Error{Kind: ErrorKindTransport, StatusCode: status, Message: msg}
	default:
		return &Error{Kind: ErrorKindRequest, StatusCode: status, Message: msg}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
