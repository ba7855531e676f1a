package types

// Message roles understood by chat-style providers.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single turn in a chat-style prompt.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is one prompt-generation request derived from a source row.
// It is immutable once created; RowID is the position of the row in the
// source dataset and stays stable across resumed runs.
type Request struct {
	RowID    int            `json:"row_id"`
	Provider string         `json:"provider"`
	Model    string         `json:"model"`
	Messages []Message      `json:"messages"`
	Params   map[string]any `json:"params,omitempty"`
	Schema   string         `json:"schema,omitempty"`
}

// TokenUsage holds token accounting reported by a provider.
type TokenUsage struct {
	Prompt     int `json:"prompt_tokens"`
	Completion int `json:"completion_tokens"`
	Total      int `json:"total_tokens"`
}

// Record is a validated response for a Request.
type Record struct {
	Message string         `json:"message"`
	Fields  map[string]any `json:"fields,omitempty"`
	Usage   TokenUsage     `json:"usage"`
}
