// Package openai adapts the OpenAI Responses API streaming client to the
// modelclient.Client contract, translating the Responses API's native
// streaming event names (response.output_item.done, response.completed)
// into the engine's normalized event shape.
package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"
	"github.com/openai/openai-go/responses"
	"github.com/openai/openai-go/shared"

	"github.com/agentturn/turnengine/internal/item"
	"github.com/agentturn/turnengine/internal/modelclient"
	"github.com/agentturn/turnengine/internal/transport"
)

// Client wraps an openai.Client configured from the engine's config layer
// (OPENAI_API_KEY, OPENAI_BASE_URL).
type Client struct {
	sdk openai.Client
}

// New constructs a Client. timeout bounds each HTTP round-trip
// (OPENAI_TIMEOUT_MS). sessionID tags every outgoing request for log
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
	return &Client{sdk: openai.NewClient(opts...)}
}

// Stream opens a streamed Responses API turn.
func (c *Client) Stream(ctx context.Context, req modelclient.Request) (modelclient.Stream, error) {
	params := responses.ResponseNewParams{
		Model:        shared.ResponsesModel(req.Model),
		Instructions: openai.String(req.Instructions),
		Input:        responses.ResponseNewParamsInputUnion{OfInputItemList: toInputItems(req.Input)},
		Stream:       openai.Bool(true),
	}
	if req.PreviousResponseID != "" {
		params.PreviousResponseID = openai.String(req.PreviousResponseID)
	}
	for _, t := range req.Tools {
		params.Tools = append(params.Tools, toResponsesTool(t))
	}

	stream := c.sdk.Responses.NewStreaming(ctx, params)
	return &openaiStream{stream: stream, start: time.Now()}, nil
}

type openaiStream struct {
	stream *ssestream.Stream[responses.ResponseStreamEventUnion]
	event  modelclient.Event
	start  time.Time
}

func (s *openaiStream) Next() bool {
	for s.stream.Next() {
		raw := s.stream.Current()
		ev, ok := translate(raw)
		if ok {
			s.event = ev
			return true
		}
		// Event types the engine does not care about (response.created,
		// deltas, etc.) are skipped without surfacing to the caller.
	}
	return false
}

func (s *openaiStream) Event() modelclient.Event { return s.event }
func (s *openaiStream) Err() error                { return s.stream.Err() }
func (s *openaiStream) Close() error               { return s.stream.Close() }

// translate maps one Responses API stream event to the engine's normalized
// Event shape.
func translate(raw responses.ResponseStreamEventUnion) (modelclient.Event, bool) {
	switch v := raw.AsAny().(type) {
	case responses.ResponseOutputItemDoneEvent:
		it, ok := fromOutputItem(v.Item)
		if !ok {
			return modelclient.Event{}, false
		}
		return modelclient.Event{Kind: modelclient.EventOutputItemDone, Item: it}, true

	case responses.ResponseCompletedEvent:
		out := make([]item.Item, 0, len(v.Response.Output))
		for _, o := range v.Response.Output {
			if it, ok := fromOutputItem(o); ok {
				out = append(out, it)
			}
		}
		return modelclient.Event{
			Kind:           modelclient.EventCompleted,
			ResponseID:     v.Response.ID,
			ResponseStatus: string(v.Response.Status),
			Output:         out,
		}, true

	default:
		return modelclient.Event{}, false
	}
}

// fromOutputItem converts one Responses API output item union into the
// engine's Conversation Item shape.
func fromOutputItem(raw responses.ResponseOutputItemUnion) (item.Item, bool) {
	switch v := raw.AsAny().(type) {
	case responses.ResponseOutputMessage:
		var parts []item.ContentPart
		for _, c := range v.Content {
			if text, ok := c.AsAny().(responses.ResponseOutputText); ok {
				parts = append(parts, item.ContentPart{Text: text.Text})
			}
		}
		return item.Item{Kind: item.KindMessage, Role: item.RoleAssistant, Content: parts}, true

	case responses.ResponseFunctionToolCall:
		return item.NewFunctionCall(v.CallID, v.Name, v.Arguments), true

	case responses.ResponseReasoningItem:
		var parts []item.ReasoningPart
		for _, s := range v.Summary {
			parts = append(parts, item.ReasoningPart{Text: s.Text})
		}
		return item.Item{Kind: item.KindReasoning, Summary: parts}, true

	default:
		return item.Item{}, false
	}
}

func toInputItems(items []item.Item) []responses.ResponseInputItemUnionParam {
	out := make([]responses.ResponseInputItemUnionParam, 0, len(items))
	for _, it := range items {
		switch it.Kind {
		case item.KindMessage:
			out = append(out, responses.ResponseInputItemParamOfMessage(it.Text(), responses.EasyInputMessageRole(it.Role)))
		case item.KindFunctionCall:
			out = append(out, responses.ResponseInputItemParamOfFunctionCall(it.Arguments, it.CallID, it.Name))
		case item.KindFunctionCallOutput:
			out = append(out, responses.ResponseInputItemParamOfFunctionCallOutput(it.CallID, outputPayload(it)))
		}
	}
	return out
}

// outputPayload renders a function_call_output's body, embedding exit_code
// and duration_seconds as metadata.
func outputPayload(it item.Item) string {
	payload := map[string]any{"output": it.Output}
	meta := map[string]any{}
	if it.ExitCode != nil {
		meta["exit_code"] = *it.ExitCode
	}
	if it.DurationSecs != nil {
		meta["duration_seconds"] = *it.DurationSecs
	}
	if len(meta) > 0 {
		payload["metadata"] = meta
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Sprintf(`{"output":%q}`, it.Output)
	}
	return string(b)
}

func toResponsesTool(t modelclient.ToolDef) responses.ToolUnionParam {
	return responses.ToolParamOfFunction(t.Name, t.Parameters, false)
}
