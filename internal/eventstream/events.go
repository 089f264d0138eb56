// Package eventstream turns the upstream's framed streaming body into a typed
// sequence of semantic events.
package eventstream

import "encoding/json"

// Event is the closed set of things the upstream stream can say. The
// synthesizer switches over these exhaustively.
type Event interface {
	event()
}

type TextDelta struct {
	Text string
}

type ToolCallStart struct {
	ToolUseID string
	Name      string
}

type ToolCallInputDelta struct {
	ToolUseID string
	Fragment  string
}

type ToolCallStop struct {
	ToolUseID string
}

type Usage struct {
	PromptTokens     int
	CompletionTokens int
	// Credits and whatever else the upstream reports alongside token counts,
	// carried opaquely.
	Extra map[string]json.RawMessage
}

type ContextUsage struct {
	Percent float64
}

// StreamEnd is the final event of every stream. FinishReason is "stop",
// "tool_calls", or "error"; Err holds the parse diagnostic in the error case.
type StreamEnd struct {
	FinishReason string
	Err          error
}

func (TextDelta) event()          {}
func (ToolCallStart) event()      {}
func (ToolCallInputDelta) event() {}
func (ToolCallStop) event()       {}
func (Usage) event()              {}
func (ContextUsage) event()       {}
func (StreamEnd) event()          {}
