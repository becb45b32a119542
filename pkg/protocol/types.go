package protocol

import (
	"encoding/json"
	"time"
)

// EventKind identifies the variant carried by a StreamEvent.
type EventKind string

const (
	// EventSystemInit is the agent's session handshake.
	EventSystemInit EventKind = "system_init"

	// EventText is assistant body text.
	EventText EventKind = "text"

	// EventToolUse is a tool invocation, or any structured record the
	// decoder does not classify further.
	EventToolUse EventKind = "tool_use"

	// EventToolResult carries the output of a tool invocation.
	EventToolResult EventKind = "tool_result"

	// EventUsage carries token counts and computed cost.
	EventUsage EventKind = "usage"

	// EventResult marks the end of the agent's turn.
	EventResult EventKind = "result"

	// EventUnparsed is a stdout line that was not a JSON object.
	EventUnparsed EventKind = "unparsed"
)

// StreamEvent is one decoded unit of agent output. Only the fields relevant
// to Kind are populated.
type StreamEvent struct {
	Kind EventKind `json:"kind"`

	// SystemInit / Result
	SessionID  string   `json:"session_id,omitempty"`
	Model      string   `json:"model,omitempty"`
	Tools      []string `json:"tools,omitempty"`
	MCPServers []string `json:"mcp_servers,omitempty"`

	// Text
	Body     string `json:"body,omitempty"`
	Thinking bool   `json:"thinking,omitempty"`

	// ToolUse / ToolResult
	ToolName  string          `json:"tool_name,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	Content   string          `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`

	// Usage
	Usage  *Usage  `json:"usage,omitempty"`
	Totals *Totals `json:"totals,omitempty"`

	// Result
	ReportedCost float64       `json:"reported_cost,omitempty"`
	Duration     time.Duration `json:"duration,omitempty"`

	// Raw is the original line for structured records, RawLine the
	// verbatim text of an unparsed one.
	Raw     json.RawMessage `json:"raw,omitempty"`
	RawLine string          `json:"raw_line,omitempty"`
}

// Usage is the token accounting of a single usage record plus its
// computed cost.
type Usage struct {
	InputTokens         int     `json:"input_tokens"`
	OutputTokens        int     `json:"output_tokens"`
	CacheCreationTokens int     `json:"cache_creation_input_tokens"`
	CacheReadTokens     int     `json:"cache_read_input_tokens"`
	Cost                float64 `json:"cost"`
}

// Totals are the running figures of a session.
type Totals struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	Cost         float64 `json:"cost"`
	Requests     int     `json:"requests"`
}

// PermissionRequest is the body of a <id>.request file written by the
// approval tool.
type PermissionRequest struct {
	ID        string          `json:"id"`
	ToolName  string          `json:"toolName"`
	Input     json.RawMessage `json:"input"`
	Timestamp time.Time       `json:"timestamp"`
}

// PermissionResponse is the body of a <id>.response file.
type PermissionResponse struct {
	ID        string    `json:"id"`
	Approved  bool      `json:"approved"`
	Timestamp time.Time `json:"timestamp"`
}

// Decision is the terminal state of a permission request.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionDenied   Decision = "denied"
)

// DecisionSource records what resolved a permission request.
type DecisionSource string

const (
	SourceOperator DecisionSource = "operator"
	SourceRule     DecisionSource = "rule"
	SourceTimeout  DecisionSource = "timeout"
	SourceShutdown DecisionSource = "shutdown"
)
