// Package kiro implements the Claude-via-Kiro (CodeWhisperer) upstream
// adapter: token lifecycle, request construction, streamed event parsing, and
// health signalling toward the provider pool.
package kiro

import "encoding/json"

// Upstream URL templates; region is substituted at call time.
const (
	refreshURLTemplate    = "https://prod.%s.auth.desktop.kiro.dev/refreshToken"
	refreshIDCURLTemplate = "https://oidc.%s.amazonaws.com/token"
	generateURLTemplate   = "https://q.%s.amazonaws.com/generateAssistantResponse"
	amazonQURLTemplate    = "https://codewhisperer.%s.amazonaws.com/SendMessageStreaming"
	usageLimitURLTemplate = "https://q.%s.amazonaws.com/getUsageLimits"

	defaultRegion = "us-east-1"
)

// Request is the Anthropic-shaped request the gateway accepts.
type Request struct {
	Model      string            `json:"model"`
	System     json.RawMessage   `json:"system,omitempty"` // string or []block
	Messages   []Message         `json:"messages"`
	Tools      []json.RawMessage `json:"tools,omitempty"`
	ToolChoice json.RawMessage   `json:"tool_choice,omitempty"`
	MaxTokens  int               `json:"max_tokens,omitempty"`
	Thinking   *Thinking         `json:"thinking,omitempty"`
	Stream     bool              `json:"stream,omitempty"`
	Metadata   json.RawMessage   `json:"metadata,omitempty"`
}

// Message is one conversation turn; Content is a string or a block array.
type Message struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// Thinking mirrors Anthropic's extended-thinking switch.
type Thinking struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

// EventType enumerates the parsed upstream stream events.
type EventType string

const (
	EventContent      EventType = "content"
	EventToolUse      EventType = "toolUse"
	EventToolUseInput EventType = "toolUseInput"
	EventToolUseStop  EventType = "toolUseStop"
	EventContextUsage EventType = "contextUsage"
)

// Event is one parsed upstream stream event.
type Event struct {
	Type                   EventType
	Text                   string // EventContent
	Name                   string // EventToolUse
	ToolUseID              string // EventToolUse
	Input                  string // EventToolUse (initial) / EventToolUseInput
	ContextUsagePercentage float64
}

// kiroModelIDs maps public Claude model names to Kiro model ids. Haiku and
// Opus use the dotted form; Sonnet uses the uppercase form.
var kiroModelIDs = map[string]string{
	"claude-haiku-4-5":           "claude-haiku-4.5",
	"claude-haiku-4-5-20251001":  "claude-haiku-4.5",
	"claude-opus-4-5":            "claude-opus-4.5",
	"claude-opus-4-5-20251101":   "claude-opus-4.5",
	"claude-sonnet-4-5":          "CLAUDE_SONNET_4_5_20250929_V1_0",
	"claude-sonnet-4-5-20250929": "CLAUDE_SONNET_4_5_20250929_V1_0",
	"claude-sonnet-4-20250514":   "CLAUDE_SONNET_4_20250514_V1_0",
	"claude-3-7-sonnet-20250219": "CLAUDE_3_7_SONNET_20250219_V1_0",
}

// MapModelID resolves a public model name to the Kiro model id; unknown
// models fall back to the current Sonnet.
func MapModelID(model string) string {
	if id, ok := kiroModelIDs[model]; ok {
		return id
	}
	return "CLAUDE_SONNET_4_5_20250929_V1_0"
}
