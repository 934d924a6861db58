// Package llm defines the provider-neutral request and response shapes
// the conversation loop speaks, the backend error taxonomy, and the
// OpenAI Responses API client that implements them.
package llm

import (
	"context"
	"encoding/json"
)

// Client is the interface the conversation loop submits turns through.
type Client interface {
	// Respond submits one request and returns the model's reply. Errors
	// are one of *TimeoutError, *RateLimitError, *DanglingToolCallError,
	// *APIError, or a transport error.
	Respond(ctx context.Context, req *Request) (*Response, error)
}

// ToolChoiceAuto lets the model decide whether to call a tool.
const ToolChoiceAuto = "auto"

// Request is a single backend submission.
type Request struct {
	Model string

	// Instructions is the system preamble for this call. With a
	// continuation token the backend already holds earlier turns, so
	// callers send a short reminder here instead of the full prompt.
	Instructions string

	Input []Item

	// PreviousResponseID is the continuation token. Empty starts a new
	// thread.
	PreviousResponseID string

	Tools      []ToolDef
	ToolChoice string
}

// ItemKind discriminates request input items.
type ItemKind int

const (
	// ItemMessage is a plain role/text message.
	ItemMessage ItemKind = iota

	// ItemToolOutput acknowledges a tool call by id.
	ItemToolOutput
)

// Item is one element of a request's input list.
type Item struct {
	Kind ItemKind

	// Role and Text are set for ItemMessage.
	Role string
	Text string

	// CallID and Output are set for ItemToolOutput.
	CallID string
	Output string
}

// UserMessage returns a user-role message item.
func UserMessage(text string) Item {
	return Item{Kind: ItemMessage, Role: "user", Text: text}
}

// ToolOutput returns a tool result item for callID.
func ToolOutput(callID, output string) Item {
	return Item{Kind: ItemToolOutput, CallID: callID, Output: output}
}

// ToolDef declares a callable function to the model.
type ToolDef struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ToolCall is a function invocation requested by the model.
type ToolCall struct {
	CallID    string
	Name      string
	Arguments json.RawMessage
}

// Usage carries the token counters reported for one call.
type Usage struct {
	InputTokens       int
	CachedInputTokens int
	OutputTokens      int
	TotalTokens       int
}

// Split reports whether the backend broke usage down into input and
// output tokens. When it did not, only TotalTokens is meaningful.
func (u Usage) Split() bool {
	return u.InputTokens > 0 || u.OutputTokens > 0
}

// Total returns TotalTokens, or the sum of input and output when the
// backend left the total out.
func (u Usage) Total() int {
	if u.TotalTokens > 0 {
		return u.TotalTokens
	}
	return u.InputTokens + u.OutputTokens
}

// Response is the backend's reply to one Request.
type Response struct {
	// ID is the new continuation token.
	ID    string
	Model string

	// Text holds the free-text segments in output order.
	Text      []string
	ToolCalls []ToolCall
	Usage     Usage
}
