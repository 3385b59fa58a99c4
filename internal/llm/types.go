package llm

import "time"

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one chat turn.
type Message struct {
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// FunctionCall names a tool and its arguments.
type FunctionCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolCall is a native tool invocation proposed by the model.
type ToolCall struct {
	ID       string       `json:"id,omitempty"`
	Function FunctionCall `json:"function"`
}

// ToolSpec advertises a tool to providers that support native tool
// calling. Parameters is a JSON Schema object.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// ChatResponse is the provider-neutral completion result.
type ChatResponse struct {
	Model     string
	CreatedAt time.Time
	Message   Message
	Done      bool

	InputTokens  int
	OutputTokens int

	TotalDuration time.Duration
	EvalDuration  time.Duration
}

// StreamEventKind identifies a stream event.
type StreamEventKind int

const (
	// KindToken is an incremental text token.
	KindToken StreamEventKind = iota
	// KindDone ends the stream; Response carries final metadata.
	KindDone
)

// StreamEvent is a single streaming event.
type StreamEvent struct {
	Kind     StreamEventKind
	Token    string
	Response *ChatResponse
}

// StreamCallback receives streaming events.
type StreamCallback func(event StreamEvent)
