package turnengine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/agentturn/turnengine/internal/item"
	"github.com/agentturn/turnengine/internal/modelclient"
	"github.com/agentturn/turnengine/internal/policy"
	"github.com/agentturn/turnengine/internal/sandbox"
	"github.com/agentturn/turnengine/internal/toolexec"
)

// fakeStream replays a fixed list of events, one per Next() call.
type fakeStream struct {
	events []modelclient.Event
	idx    int
	closed bool
}

func (s *fakeStream) Next() bool {
	if s.idx >= len(s.events) {
		return false
	}
	s.idx++
	return true
}
func (s *fakeStream) Event() modelclient.Event { return s.events[s.idx-1] }
func (s *fakeStream) Err() error                { return nil }
func (s *fakeStream) Close() error               { s.closed = true; return nil }

// fakeClient returns a scripted sequence of streams, one per call to Stream.
type fakeClient struct {
	mu      sync.Mutex
	scripts [][]modelclient.Event
	calls   int
}

func (c *fakeClient) Stream(ctx context.Context, req modelclient.Request) (modelclient.Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.calls >= len(c.scripts) {
		return &fakeStream{events: []modelclient.Event{{Kind: modelclient.EventCompleted}}}, nil
	}
	events := c.scripts[c.calls]
	c.calls++
	return &fakeStream{events: events}, nil
}

func newTestHandler() *toolexec.Handler {
	return &toolexec.Handler{
		Approval:      policy.FullAuto,
		WritableRoots: []string{"/work"},
		Resolve:       func(candidate string) (string, error) { return "/work/" + candidate, nil },
		Sandbox: func(ctx context.Context, argv []string, opts sandbox.Options) sandbox.Result {
			return sandbox.Result{ExitCode: 0, Stdout: "ok\n"}
		},
	}
}

func collectItems() (func(item.Item), func() []item.Item) {
	var mu sync.Mutex
	var got []item.Item
	return func(it item.Item) {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, it)
		}, func() []item.Item {
			mu.Lock()
			defer mu.Unlock()
			out := make([]item.Item, len(got))
			copy(out, got)
			return out
		}
}

func TestRunDeliversMessageAndCompletesWithoutToolCalls(t *testing.T) {
	onItem, items := collectItems()
	client := &fakeClient{scripts: [][]modelclient.Event{
		{
			{Kind: modelclient.EventOutputItemDone, Item: item.NewUserMessage("hello back")},
			{Kind: modelclient.EventCompleted, ResponseID: "resp-1"},
		},
	}}

	var lastResponseID string
	e := New(Config{
		Model:            "test-model",
		Approval:         policy.FullAuto,
		Client:           client,
		Exec:             newTestHandler(),
		OnItem:           onItem,
		OnLastResponseID: func(id string) { lastResponseID = id },
	})

	err := e.Run(context.Background(), []item.Item{item.NewUserMessage("hi")}, "")
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	time.Sleep(50 * time.Millisecond)

	// The caller's input is staged for delivery alongside the model output.
	got := items()
	if len(got) != 2 {
		t.Fatalf("items = %+v, want the input and the model message", got)
	}
	texts := map[string]bool{got[0].Text(): true, got[1].Text(): true}
	if !texts["hi"] || !texts["hello back"] {
		t.Fatalf("items = %+v, want texts \"hi\" and \"hello back\"", got)
	}
	if lastResponseID != "resp-1" {
		t.Errorf("lastResponseID = %q", lastResponseID)
	}
	if e.State() != StateDone {
		t.Errorf("state = %v, want StateDone", e.State())
	}
}

func TestRunExecutesFunctionCallAndLoopsToSecondTurn(t *testing.T) {
	onItem, items := collectItems()
	client := &fakeClient{scripts: [][]modelclient.Event{
		{
			{Kind: modelclient.EventOutputItemDone, Item: item.NewFunctionCall("call-1", "shell", `{"argv":["echo","hi"]}`)},
			{Kind: modelclient.EventCompleted, Output: []item.Item{item.NewFunctionCall("call-1", "shell", `{"argv":["echo","hi"]}`)}},
		},
		{
			{Kind: modelclient.EventOutputItemDone, Item: item.NewUserMessage("done")},
			{Kind: modelclient.EventCompleted},
		},
	}}

	e := New(Config{
		Model:    "test-model",
		Approval: policy.FullAuto,
		Client:   client,
		Exec:     newTestHandler(),
		OnItem:   onItem,
	})

	if err := e.Run(context.Background(), []item.Item{item.NewUserMessage("run echo")}, ""); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	got := items()
	if len(got) == 0 || got[len(got)-1].Text() != "done" {
		t.Fatalf("items = %+v, want last item text \"done\"", got)
	}
	if client.calls != 2 {
		t.Errorf("client.calls = %d, want 2", client.calls)
	}
}

func TestCancelSuppressesLateDelivery(t *testing.T) {
	onItem, items := collectItems()
	client := &fakeClient{scripts: [][]modelclient.Event{
		{
			{Kind: modelclient.EventOutputItemDone, Item: item.NewUserMessage("should not appear")},
			{Kind: modelclient.EventCompleted},
		},
	}}

	e := New(Config{
		Model:    "test-model",
		Approval: policy.FullAuto,
		Client:   client,
		Exec:     newTestHandler(),
		OnItem:   onItem,
	})

	done := make(chan struct{})
	go func() {
		e.Run(context.Background(), []item.Item{item.NewUserMessage("hi")}, "")
		close(done)
	}()

	// The fake stream resolves synchronously, so by the time Run's goroutine
	// gets scheduled the item is already staged with a pending 10ms delivery
	// timer; canceling shortly after must still suppress it.
	time.Sleep(time.Millisecond)
	e.Cancel()
	<-done
	time.Sleep(50 * time.Millisecond)

	if got := items(); len(got) != 0 {
		t.Errorf("items = %+v, want none delivered after cancel", got)
	}
}

func TestPendingAbortLedgerDrainsAtNextRunStart(t *testing.T) {
	onItem, items := collectItems()

	// A recording client captures the turn_input it was asked to send, so
	// the test can confirm the synthesized aborted output was prepended.
	var captured modelclient.Request
	client := &recordingClient{
		onStream: func(req modelclient.Request) { captured = req },
		events:   []modelclient.Event{{Kind: modelclient.EventCompleted}},
	}

	e := New(Config{
		Model:    "test-model",
		Approval: policy.FullAuto,
		Client:   client,
		Exec:     newTestHandler(),
		OnItem:   onItem,
	})

	// Simulate a prior run that left call-1 unanswered (e.g. canceled
	// mid-stream after the function call but before response.completed).
	e.addPendingAbort("call-1")

	if err := e.Run(context.Background(), []item.Item{item.NewUserMessage("continue")}, ""); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	e.mu.Lock()
	remaining := len(e.pendingAborts)
	e.mu.Unlock()
	if remaining != 0 {
		t.Errorf("pendingAborts = %d entries after Run, want 0 (drained at run start)", remaining)
	}

	if len(captured.Input) == 0 || captured.Input[0].Kind != item.KindFunctionCallOutput || captured.Input[0].CallID != "call-1" || captured.Input[0].Output != "aborted" {
		t.Fatalf("captured.Input[0] = %+v, want synthesized aborted output for call-1", captured.Input)
	}
	_ = items
}

// recordingClient captures the request it received and replays a fixed
// event list, for asserting on the exact turn_input sent.
type recordingClient struct {
	onStream func(modelclient.Request)
	events   []modelclient.Event
}

func (c *recordingClient) Stream(ctx context.Context, req modelclient.Request) (modelclient.Stream, error) {
	if c.onStream != nil {
		c.onStream(req)
	}
	return &fakeStream{events: c.events}, nil
}

func TestTerminateRejectsSubsequentRuns(t *testing.T) {
	onItem, _ := collectItems()
	client := &fakeClient{scripts: [][]modelclient.Event{
		{{Kind: modelclient.EventCompleted}},
	}}

	e := New(Config{
		Model:    "test-model",
		Approval: policy.FullAuto,
		Client:   client,
		Exec:     newTestHandler(),
		OnItem:   onItem,
	})

	e.Terminate()

	err := e.Run(context.Background(), []item.Item{item.NewUserMessage("hi")}, "")
	if err != ErrTerminated {
		t.Fatalf("err = %v, want ErrTerminated", err)
	}
}
