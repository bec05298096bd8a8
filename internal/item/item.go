// Package item defines the Conversation Item data model: the tagged-variant
// unit exchanged between the turn engine and the model, and staged for
// delivery to the UI observer.
package item

import "time"

// Role identifies the sender of a message item.
type Role string

const (
	RoleUser      Role = "user"
	RoleSystem    Role = "system"
	RoleAssistant Role = "assistant"
)

// ContentPart is one piece of a message's content.
type ContentPart struct {
	Text     string `json:"text,omitempty"`
	ImageRef string `json:"image_ref,omitempty"`
	FileRef  string `json:"file_ref,omitempty"`
	Refusal  string `json:"refusal,omitempty"`
}

// ReasoningPart is one {headline, text} pair within a reasoning summary.
type ReasoningPart struct {
	Headline string `json:"headline,omitempty"`
	Text     string `json:"text"`
}

// Kind discriminates the Item tagged variant.
type Kind string

const (
	KindMessage            Kind = "message"
	KindFunctionCall       Kind = "function_call"
	KindFunctionCallOutput Kind = "function_call_output"
	KindReasoning          Kind = "reasoning"
)

// Item is the tagged variant representing one conversation item. Exactly
// one of the per-kind fields is meaningful, selected by Kind.
type Item struct {
	Kind Kind `json:"kind"`

	// Message fields (Kind == KindMessage).
	Role    Role          `json:"role,omitempty"`
	Content []ContentPart `json:"content,omitempty"`

	// Function call fields (Kind == KindFunctionCall).
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"` // JSON-encoded

	// Function call output fields (Kind == KindFunctionCallOutput).
	// CallID is reused from above; Output carries the opaque result string.
	Output       string         `json:"output,omitempty"`
	ExitCode     *int           `json:"exit_code,omitempty"`
	DurationSecs *float64       `json:"duration_seconds,omitempty"`

	// Reasoning summary fields (Kind == KindReasoning).
	Summary  []ReasoningPart `json:"summary,omitempty"`
	Duration *time.Duration  `json:"duration,omitempty"`
}

// NewUserMessage builds a plain single-text user message item.
func NewUserMessage(text string) Item {
	return Item{Kind: KindMessage, Role: RoleUser, Content: []ContentPart{{Text: text}}}
}

// NewSystemMessage builds a plain single-text system message item.
func NewSystemMessage(text string) Item {
	return Item{Kind: KindMessage, Role: RoleSystem, Content: []ContentPart{{Text: text}}}
}

// NewFunctionCall builds a function-call item awaiting an output.
func NewFunctionCall(callID, name, argumentsJSON string) Item {
	return Item{Kind: KindFunctionCall, CallID: callID, Name: name, Arguments: argumentsJSON}
}

// NewFunctionCallOutput builds the item that answers a function call.
func NewFunctionCallOutput(callID, output string, exitCode int, duration time.Duration) Item {
	ec := exitCode
	secs := duration.Seconds()
	return Item{
		Kind:         KindFunctionCallOutput,
		CallID:       callID,
		Output:       output,
		ExitCode:     &ec,
		DurationSecs: &secs,
	}
}

// AbortedOutput is the synthetic function_call_output the engine must
// synthesize for every pending-abort call-id it carries into a new run:
// {"output":"aborted","metadata":{"exit_code":1,"duration_seconds":0}}.
func AbortedOutput(callID string) Item {
	ec := 1
	secs := 0.0
	return Item{
		Kind:         KindFunctionCallOutput,
		CallID:       callID,
		Output:       "aborted",
		ExitCode:     &ec,
		DurationSecs: &secs,
	}
}

// Text concatenates a message item's text content parts.
func (it Item) Text() string {
	var out string
	for _, p := range it.Content {
		out += p.Text
	}
	return out
}
