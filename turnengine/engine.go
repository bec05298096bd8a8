// Package turnengine implements the Turn Engine state machine:
// the bidirectional streaming loop between the caller, a tool-enabled model
// backend, and the Exec Handler: a signal-driven lifecycle with sequential
// tool dispatch and structured operational logging, generalized to a
// generation-fenced, staged-delivery engine driving an arbitrary
// modelclient.Client across providers.
package turnengine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/agentturn/turnengine/internal/item"
	"github.com/agentturn/turnengine/internal/log"
	"github.com/agentturn/turnengine/internal/modelclient"
	"github.com/agentturn/turnengine/internal/policy"
	"github.com/agentturn/turnengine/internal/retry"
	"github.com/agentturn/turnengine/internal/toolexec"
	"go.uber.org/zap"
)

// stageDelay and flushDelay implement the two-phase deferred-delivery
// scheme.
const (
	stageDelay = 10 * time.Millisecond
	flushDelay = 30 * time.Millisecond
)

const systemPreamble = "You are an autonomous coding agent operating in a sandboxed workspace. " +
	"Use the shell tool to inspect and modify files. Prefer small, verifiable steps."

// State names the Turn Engine's position in the state machine.
type State int

const (
	StateIdle State = iota
	StateAwaitingStream
	StateDraining
	StateApplyingTools
	StateFlushing
	StateDone
	StateCancelled
)

// ErrTerminated is returned by Run once the engine has been terminated.
var ErrTerminated = errors.New("turnengine: engine terminated")

var errCanceledMidRun = errors.New("turnengine: run canceled")

// Config bundles the engine's observer callbacks and fixed parameters. The
// approval callback lives on Exec (toolexec.Handler.Confirm).
type Config struct {
	Model         string
	Approval      policy.Approval
	Instructions  string
	WritableRoots []string

	OnItem           func(item.Item)
	OnLoading        func(bool)
	OnLastResponseID func(string)

	Client modelclient.Client
	Exec   *toolexec.Handler

	// RetryBaseBackoff overrides the rate-limit backoff base (zero means
	// retry.DefaultBaseBackoff; the demo harness sets it from
	// OPENAI_RATE_LIMIT_RETRY_WAIT_MS).
	RetryBaseBackoff time.Duration
}

type stagedSlot struct {
	generation uint64
	item       *item.Item // nulled once delivered or flushed
}

// Engine is the Turn Engine plus Session State. One
// Engine instance supports at most one in-flight Run at a time; cancel()
// plus a new Run is the intended pattern for interrupting work. Concurrent
// Run calls on one instance are not supported.
type Engine struct {
	cfg Config

	mu             sync.Mutex
	state          State
	generation     uint64
	canceled       bool
	terminated     bool
	lastResponseID string
	pendingAborts  []string
	execCancel     context.CancelFunc

	masterCtx    context.Context
	masterCancel context.CancelFunc

	stageMu sync.Mutex
	staged  []*stagedSlot
}

// New constructs an Engine from cfg.
func New(cfg Config) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{cfg: cfg, state: StateIdle, masterCtx: ctx, masterCancel: cancel}
}

// State returns the engine's current state (test/introspection hook; the
// state machine is otherwise implicit in Run's control flow).
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// Run drives one user turn to completion. input is
// the caller-provided items for this turn; previousResponseID seeds the
// first request's previous_response_id if the caller is resuming a prior
// exchange (on later iterations within this Run, the engine uses its own
// internally tracked last response id).
func (e *Engine) Run(ctx context.Context, input []item.Item, previousResponseID string) error {
	e.mu.Lock()
	if e.terminated {
		e.mu.Unlock()
		return ErrTerminated
	}
	e.generation++
	gen := e.generation
	e.canceled = false
	if previousResponseID != "" {
		e.lastResponseID = previousResponseID
	}
	runCtx, cancel := context.WithCancel(e.masterCtx)
	e.execCancel = cancel
	pending := e.pendingAborts
	e.pendingAborts = nil
	e.mu.Unlock()

	// Satisfy the tool-call contract for any call-ids left unanswered by a
	// prior cancellation: the remote API rejects a request that references a
	// prior call-id with no matching output.
	turnInput := input
	if len(pending) > 0 {
		aborted := make([]item.Item, len(pending))
		for i, id := range pending {
			aborted[i] = item.AbortedOutput(id)
		}
		turnInput = append(aborted, turnInput...)
	}

	e.setState(StateAwaitingStream)
	e.emitLoading(true)

	turnStart := time.Now()
	var runErr error

loop:
	for len(turnInput) > 0 {
		if e.isHalted(gen) {
			runErr = errCanceledMidRun
			break
		}

		e.setState(StateDraining)
		e.stageAll(gen, turnInput)

		e.setState(StateAwaitingStream)
		stream, err := e.openStreamWithRetry(runCtx, gen, turnInput)
		if err != nil {
			runErr = err
			break
		}

		e.setState(StateApplyingTools)
		next, err := e.consumeStream(runCtx, gen, stream)
		stream.Close()
		if err != nil {
			runErr = err
			break loop
		}
		turnInput = next
	}

	e.setState(StateFlushing)
	e.flush(gen)
	e.emitLoading(false)

	if e.isHalted(gen) {
		e.setState(StateCancelled)
	} else {
		e.setState(StateDone)
	}

	_ = turnStart
	if errors.Is(runErr, errCanceledMidRun) || errors.Is(runErr, toolexec.ErrTerminalCancel) {
		return nil
	}
	return runErr
}

// consumeStream reads events from an open stream until response.completed
// or an error, returning the next turn_input.
func (e *Engine) consumeStream(ctx context.Context, gen uint64, stream modelclient.Stream) ([]item.Item, error) {
	turnStart := time.Now()

	for stream.Next() {
		if e.isHalted(gen) {
			return nil, errCanceledMidRun
		}

		ev := stream.Event()
		switch ev.Kind {
		case modelclient.EventOutputItemDone:
			it := ev.Item
			switch it.Kind {
			case item.KindReasoning:
				d := time.Since(turnStart)
				it.Duration = &d
				e.stage(gen, it)
			case item.KindFunctionCall:
				e.addPendingAbort(it.CallID)
			default:
				e.stage(gen, it)
			}

		case modelclient.EventCompleted:
			if ev.ResponseID != "" {
				e.mu.Lock()
				e.lastResponseID = ev.ResponseID
				e.mu.Unlock()
				if e.cfg.OnLastResponseID != nil {
					e.cfg.OnLastResponseID(ev.ResponseID)
				}
			}
			return e.processCompletedOutput(ctx, gen, ev.Output)
		}
	}

	if err := stream.Err(); err != nil {
		return nil, e.handleStreamError(gen, err)
	}
	return nil, e.handleStreamError(gen, errors.New("stream closed before response.completed"))
}

// processCompletedOutput dispatches each function-call in the authoritative
// output list through the Exec Handler and assembles the next turn_input.
func (e *Engine) processCompletedOutput(ctx context.Context, gen uint64, output []item.Item) ([]item.Item, error) {
	var next []item.Item

	for _, it := range output {
		if it.Kind != item.KindFunctionCall {
			continue
		}
		e.removePendingAbort(it.CallID)

		toolName := it.Name
		outItem, extra, err := e.cfg.Exec.Handle(ctx, it.CallID, toolName, it.Arguments)
		if err != nil {
			if errors.Is(err, toolexec.ErrTerminalCancel) {
				e.Cancel()
				return nil, toolexec.ErrTerminalCancel
			}
			outItem = item.NewFunctionCallOutput(it.CallID, fmt.Sprintf("internal error: %v", err), 1, 0)
		}

		next = append(next, outItem)
		next = append(next, extra...)
	}

	return next, nil
}

// openStreamWithRetry opens a streamed turn, retrying transient failures
// with a short linear backoff and rate-limit failures with exponential
// backoff (or the server's hint).
func (e *Engine) openStreamWithRetry(ctx context.Context, gen uint64, turnInput []item.Item) (modelclient.Stream, error) {
	req := modelclient.Request{
		Model:              e.cfg.Model,
		Instructions:       systemPreamble + "\n\n" + e.cfg.Instructions,
		Input:              turnInput,
		PreviousResponseID: e.getLastResponseID(),
		Tools:              []modelclient.ToolDef{modelclient.ShellToolDef()},
	}

	base := e.cfg.RetryBaseBackoff
	if base <= 0 {
		base = retry.DefaultBaseBackoff
	}

	var lastErr error
	for attempt := 1; attempt <= retry.MaxAttempts; attempt++ {
		if e.isHalted(gen) {
			return nil, errCanceledMidRun
		}

		stream, err := e.cfg.Client.Stream(ctx, req)
		if err == nil {
			return stream, nil
		}
		lastErr = err

		c := retry.Classify(err)
		shouldRetry, wait := retry.Retryable(c, attempt, base)
		if !shouldRetry {
			e.stage(gen, item.NewSystemMessage(retry.TerminalMessage(c)))
			return nil, err
		}

		retry.LogRetry(attempt, retry.MaxAttempts, c, wait)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	// Unreachable in practice: Retryable(attempt=MaxAttempts, ...) always
	// returns false, so the loop above returns via the !shouldRetry path
	// before falling out here. Kept as a defensive fallback with the same
	// terminal-message construction used there.
	c := retry.Classify(lastErr)
	e.stage(gen, item.NewSystemMessage(retry.TerminalMessage(c)))
	return nil, lastErr
}

// handleStreamError classifies a mid-stream failure and surfaces a
// dedicated terminal message.
func (e *Engine) handleStreamError(gen uint64, err error) error {
	c := retry.Classify(&retry.StreamClosedError{Err: err})
	e.stage(gen, item.NewSystemMessage(retry.TerminalMessage(c)))
	log.L().Error("stream closed before completion", zap.Error(err))
	return err
}

// stageAll stages every item in items.
func (e *Engine) stageAll(gen uint64, items []item.Item) {
	for _, it := range items {
		e.stage(gen, it)
	}
}

// stage appends it to the staged array and schedules its deferred delivery.
func (e *Engine) stage(gen uint64, it item.Item) {
	cp := it
	slot := &stagedSlot{generation: gen, item: &cp}

	e.stageMu.Lock()
	e.staged = append(e.staged, slot)
	e.stageMu.Unlock()

	time.AfterFunc(stageDelay, func() { e.deliver(gen, slot) })
}

// deliver emits slot's item if the generation is still current and the run
// has not been canceled or terminated.
func (e *Engine) deliver(gen uint64, slot *stagedSlot) {
	if e.isHalted(gen) {
		return
	}

	e.stageMu.Lock()
	it := slot.item
	slot.item = nil
	e.stageMu.Unlock()

	if it != nil && e.cfg.OnItem != nil {
		e.cfg.OnItem(*it)
	}
}

// flush waits flushDelay to let a near-simultaneous cancel land, then emits
// any staged items not yet delivered, for the given generation only.
func (e *Engine) flush(gen uint64) {
	time.Sleep(flushDelay)

	if e.isHalted(gen) {
		return
	}

	e.stageMu.Lock()
	remaining := e.staged
	e.staged = nil
	e.stageMu.Unlock()

	for _, slot := range remaining {
		if slot.generation != gen {
			continue
		}
		e.stageMu.Lock()
		it := slot.item
		slot.item = nil
		e.stageMu.Unlock()
		if it != nil && e.cfg.OnItem != nil {
			e.cfg.OnItem(*it)
		}
	}
}

// Cancel halts the in-flight run without tearing down the engine.
func (e *Engine) Cancel() {
	e.mu.Lock()
	if e.execCancel != nil {
		e.execCancel()
	}
	e.canceled = true
	ctx, cancel := context.WithCancel(e.masterCtx)
	_ = ctx
	e.execCancel = cancel
	if len(e.pendingAborts) == 0 {
		e.lastResponseID = ""
	}
	e.generation++
	e.mu.Unlock()

	e.emitLoading(false)
}

// Terminate subsumes all in-flight operations; subsequent Run calls fail
// with ErrTerminated.
func (e *Engine) Terminate() {
	e.mu.Lock()
	e.terminated = true
	e.mu.Unlock()
	e.masterCancel()
}

func (e *Engine) isHalted(gen uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.canceled || e.terminated || gen != e.generation
}

func (e *Engine) addPendingAbort(callID string) {
	e.mu.Lock()
	e.pendingAborts = append(e.pendingAborts, callID)
	e.mu.Unlock()
}

func (e *Engine) removePendingAbort(callID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, id := range e.pendingAborts {
		if id == callID {
			e.pendingAborts = append(e.pendingAborts[:i], e.pendingAborts[i+1:]...)
			return
		}
	}
}

func (e *Engine) getLastResponseID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastResponseID
}

func (e *Engine) emitLoading(loading bool) {
	if e.cfg.OnLoading != nil {
		e.cfg.OnLoading(loading)
	}
}
