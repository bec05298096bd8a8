// Package modelclient defines the backend-agnostic streaming contract the
// Turn Engine drives. Concrete backends
// live in modelclient/openai and modelclient/anthropic.
package modelclient

import (
	"context"

	"github.com/agentturn/turnengine/internal/item"
)

// ToolDef is a tool definition registered with the model.
type ToolDef struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ShellToolDef is the tool definition for the shell command executor. It is backend-agnostic; each client translates it to its own wire
// shape.
func ShellToolDef() ToolDef {
	return ToolDef{
		Name:        "shell",
		Description: "Runs a shell command, and returns its output.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"command": map[string]any{
					"type":  "array",
					"items": map[string]any{"type": "string"},
				},
				"workdir": map[string]any{"type": "string"},
				"timeout": map[string]any{"type": "number", "description": "milliseconds"},
			},
			"required": []string{"command"},
		},
	}
}

// Request is one streamed-turn request.
type Request struct {
	Model              string
	Instructions       string
	Input              []item.Item
	PreviousResponseID string
	Tools              []ToolDef
}

// EventKind discriminates a streamed Event.
type EventKind string

const (
	// EventOutputItemDone corresponds to response.output_item.done{item}.
	EventOutputItemDone EventKind = "output_item.done"
	// EventCompleted corresponds to response.completed{response}.
	EventCompleted EventKind = "completed"
)

// Event is one item from the model's event stream, normalized across
// backends.
type Event struct {
	Kind EventKind

	// valid when Kind == EventOutputItemDone
	Item item.Item

	// valid when Kind == EventCompleted
	ResponseID     string
	ResponseStatus string
	Output         []item.Item
}

// Stream is a single streaming turn in progress.
type Stream interface {
	// Next advances to the next event, returning false at end-of-stream or
	// on error (check Err()).
	Next() bool
	Event() Event
	Err() error
	Close() error
}

// Client opens a streamed turn against a model backend.
type Client interface {
	Stream(ctx context.Context, req Request) (Stream, error)
}
