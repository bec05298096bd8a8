// Package anthropic adapts the Anthropic Messages API streaming client to
// the modelclient.Client contract, normalizing its content-block event
// stream into the Responses-API-shaped events the Turn Engine expects:
// per-index content-block accumulation via ssestream, translated into
// this module's item.Item shape.
package anthropic

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/agentturn/turnengine/internal/item"
	"github.com/agentturn/turnengine/internal/modelclient"
	"github.com/agentturn/turnengine/internal/transport"
)

// Client wraps an Anthropic SDK client, offered as the secondary backend
// demonstrating the engine's multi-provider polymorphism.
type Client struct {
	sdk sdk.Client
}

// New constructs a Client. sessionID tags every outgoing request for log
// correlation (internal/transport).
func New(apiKey, baseURL string, timeout time.Duration, sessionID string) *Client {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(transport.New(sessionID)),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(timeout))
	}
	return &Client{sdk: sdk.NewClient(opts...)}
}

func (c *Client) Stream(ctx context.Context, req modelclient.Request) (modelclient.Stream, error) {
	params := sdk.MessageNewParams{
		Model:     sdk.Model(req.Model),
		MaxTokens: 8192,
		System:    []sdk.TextBlockParam{{Text: req.Instructions}},
		Messages:  toMessages(req.Input),
	}
	for _, t := range req.Tools {
		params.Tools = append(params.Tools, toAnthropicTool(t))
	}

	stream := c.sdk.Messages.NewStreaming(ctx, params)
	return &anthropicStream{stream: stream, blocks: make(map[int64]*block)}, nil
}

// block accumulates one content block's streamed deltas until its stop
// event.
type block struct {
	kind string // "text", "tool_use", "thinking"
	text strings.Builder

	toolID    string
	toolName  string
	toolJSON  strings.Builder
}

type anthropicStream struct {
	stream *ssestream.Stream[sdk.MessageStreamEventUnion]
	blocks map[int64]*block

	pending []modelclient.Event
	current modelclient.Event

	completedOutput []item.Item
}

func (s *anthropicStream) Next() bool {
	for len(s.pending) == 0 {
		if !s.stream.Next() {
			return false
		}
		s.handle(s.stream.Current())
	}
	s.current = s.pending[0]
	s.pending = s.pending[1:]
	return true
}

func (s *anthropicStream) Event() modelclient.Event { return s.current }
func (s *anthropicStream) Err() error                { return s.stream.Err() }
func (s *anthropicStream) Close() error               { return s.stream.Close() }

func (s *anthropicStream) handle(event sdk.MessageStreamEventUnion) {
	switch ev := event.AsAny().(type) {
	case sdk.ContentBlockStartEvent:
		idx := ev.Index
		b := &block{}
		switch start := ev.ContentBlock.AsAny().(type) {
		case sdk.TextBlock:
			b.kind = "text"
		case sdk.ToolUseBlock:
			b.kind = "tool_use"
			b.toolID = start.ID
			b.toolName = start.Name
		case sdk.ThinkingBlock:
			b.kind = "thinking"
		}
		s.blocks[idx] = b

	case sdk.ContentBlockDeltaEvent:
		idx := ev.Index
		b := s.blocks[idx]
		if b == nil {
			return
		}
		switch delta := ev.Delta.AsAny().(type) {
		case sdk.TextDelta:
			b.text.WriteString(delta.Text)
		case sdk.InputJSONDelta:
			b.toolJSON.WriteString(delta.PartialJSON)
		case sdk.ThinkingDelta:
			b.text.WriteString(delta.Thinking)
		}

	case sdk.ContentBlockStopEvent:
		idx := ev.Index
		b := s.blocks[idx]
		if b == nil {
			return
		}
		delete(s.blocks, idx)
		it, ok := b.toItem()
		if !ok {
			return
		}
		s.completedOutput = append(s.completedOutput, it)
		s.pending = append(s.pending, modelclient.Event{Kind: modelclient.EventOutputItemDone, Item: it})

	case sdk.MessageStopEvent:
		s.pending = append(s.pending, modelclient.Event{
			Kind:   modelclient.EventCompleted,
			Output: s.completedOutput,
		})
	}
}

func (b *block) toItem() (item.Item, bool) {
	switch b.kind {
	case "text":
		return item.Item{
			Kind:    item.KindMessage,
			Role:    item.RoleAssistant,
			Content: []item.ContentPart{{Text: b.text.String()}},
		}, true
	case "tool_use":
		return item.NewFunctionCall(b.toolID, b.toolName, b.toolJSON.String()), true
	case "thinking":
		return item.Item{
			Kind:    item.KindReasoning,
			Summary: []item.ReasoningPart{{Text: b.text.String()}},
		}, true
	default:
		return item.Item{}, false
	}
}

func toMessages(items []item.Item) []sdk.MessageParam {
	out := make([]sdk.MessageParam, 0, len(items))
	for _, it := range items {
		switch it.Kind {
		case item.KindMessage:
			role := sdk.MessageParamRoleUser
			if it.Role == item.RoleAssistant {
				role = sdk.MessageParamRoleAssistant
			}
			out = append(out, sdk.MessageParam{
				Role:    role,
				Content: []sdk.ContentBlockParamUnion{{OfText: &sdk.TextBlockParam{Text: it.Text()}}},
			})
		case item.KindFunctionCall:
			out = append(out, sdk.MessageParam{
				Role: sdk.MessageParamRoleAssistant,
				Content: []sdk.ContentBlockParamUnion{{OfToolUse: &sdk.ToolUseBlockParam{
					ID:    it.CallID,
					Name:  it.Name,
					Input: decodeToolInput(it.Arguments),
				}}},
			})
		case item.KindFunctionCallOutput:
			out = append(out, sdk.MessageParam{
				Role: sdk.MessageParamRoleUser,
				Content: []sdk.ContentBlockParamUnion{{OfToolResult: &sdk.ToolResultBlockParam{
					ToolUseID: it.CallID,
					Content:   []sdk.ToolResultBlockParamContentUnion{{OfText: &sdk.TextBlockParam{Text: it.Output}}},
				}}},
			})
		}
	}
	return out
}

// decodeToolInput turns a function call's JSON-encoded arguments string back
// into a JSON value. ToolUseBlockParam.Input is marshaled by the SDK as
// whatever Go value it holds, so passing the raw arguments string through
// unchanged would re-encode it as a JSON string literal instead of the
// object Anthropic expects for "input".
func decodeToolInput(argumentsJSON string) any {
	if argumentsJSON == "" {
		return map[string]any{}
	}
	var v any
	if err := json.Unmarshal([]byte(argumentsJSON), &v); err != nil {
		return map[string]any{}
	}
	return v
}

func toAnthropicTool(t modelclient.ToolDef) sdk.ToolUnionParam {
	schema := sdk.ToolInputSchemaParam{
		Type:       "object",
		Properties: t.Parameters["properties"],
	}
	if required, ok := t.Parameters["required"]; ok {
		schema.ExtraFields = map[string]any{"required": required}
	}
	return sdk.ToolUnionParam{OfTool: &sdk.ToolParam{
		Name:        t.Name,
		Description: sdk.String(t.Description),
		InputSchema: schema,
	}}
}
