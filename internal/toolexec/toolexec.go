// Package toolexec implements the Exec Handler: it normalizes a
// tool call into an argv, classifies it, and dispatches to the patch engine,
// the sandbox executor, or the approval callback.
package toolexec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/agentturn/turnengine/internal/classifier"
	"github.com/agentturn/turnengine/internal/item"
	"github.com/agentturn/turnengine/internal/patch"
	"github.com/agentturn/turnengine/internal/policy"
	"github.com/agentturn/turnengine/internal/sandbox"
	"golang.org/x/sync/errgroup"
)

// shellToolName and containerExecName are the recognized tool-call names
// that route through this handler.
const (
	shellToolName     = "shell"
	containerExecName = "container.exec"
)

// maxExplainRounds bounds the EXPLAIN/re-ask loop so a misbehaving approval
// callback cannot hang a turn forever.
const maxExplainRounds = 5

// ErrTerminalCancel is returned by Handle when the user's decision is
// NO_EXIT — the caller must propagate this as a terminal cancellation of the
// run.
var ErrTerminalCancel = errors.New("toolexec: NO_EXIT cancellation")

// Decision is the user's response to an approval prompt.
type Decision string

const (
	DecisionYes        Decision = "YES"
	DecisionYesAlways   Decision = "YES_ALWAYS"
	DecisionExplain     Decision = "EXPLAIN"
	DecisionNoContinue  Decision = "NO_CONTINUE"
	DecisionNoExit      Decision = "NO_EXIT"
)

// Confirmation is the approval callback's response.
type Confirmation struct {
	Decision    Decision
	CustomDeny  string
	Explanation string
}

// ConfirmFunc is the caller-supplied approval callback. patchSummary is
// empty unless the command is a patch application, in which case it lists
// the files the patch would touch.
type ConfirmFunc func(ctx context.Context, argv []string, patchSummary string) (Confirmation, error)

// FS bundles the filesystem callbacks the patch engine applies operations
// through.
type FS struct {
	Exists patch.ExistsFunc
	Read   patch.ReadFunc
	Write  patch.WriteFunc
	Delete patch.DeleteFunc
}

// SandboxFunc runs a command, matching sandbox.Exec's signature. Overridable
// in tests.
type SandboxFunc func(ctx context.Context, argv []string, opts sandbox.Options) sandbox.Result

// Handler wires the classifier, patch engine, and sandbox executor together
// behind the Exec Handler contract.
type Handler struct {
	Approval      policy.Approval
	WritableRoots []string
	Resolve       classifier.PathResolver
	Confirm       ConfirmFunc
	FS            FS
	Sandbox       SandboxFunc
}

// toolArguments is the normalized {argv, workdir?, timeout_ms?} shape.
type toolArguments struct {
	Argv      []string `json:"argv"`
	Workdir   string   `json:"workdir,omitempty"`
	TimeoutMs *float64 `json:"timeout_ms,omitempty"`
}

// Handle normalizes and runs one tool call, returning the function_call_output
// that must answer callID plus any additional synthetic items produced along
// the way.
func (h *Handler) Handle(ctx context.Context, callID, toolName, rawArguments string) (item.Item, []item.Item, error) {
	if toolName != shellToolName && toolName != containerExecName {
		return item.NewFunctionCallOutput(callID, fmt.Sprintf("unsupported tool: %s", toolName), 1, 0), nil, nil
	}

	var args toolArguments
	if err := json.Unmarshal([]byte(rawArguments), &args); err != nil {
		return item.NewFunctionCallOutput(callID, fmt.Sprintf("invalid arguments: %s", rawArguments), 1, 0), nil, nil
	}
	// The registered shell tool definition names these fields "command" and
	// "timeout"; fold them into the normalized shape.
	var wire struct {
		Command []string `json:"command"`
		Timeout *float64 `json:"timeout"`
	}
	_ = json.Unmarshal([]byte(rawArguments), &wire)
	if len(args.Argv) == 0 {
		args.Argv = wire.Command
	}
	if args.TimeoutMs == nil {
		args.TimeoutMs = wire.Timeout
	}

	assessment := classifier.Classify(args.Argv, h.Approval, h.WritableRoots, h.Resolve)

	switch assessment.Kind {
	case policy.AssessReject:
		return item.NewFunctionCallOutput(callID, assessment.RejectReason, 1, 0), nil, nil

	case policy.AssessAutoApprove:
		return h.dispatch(ctx, callID, args, assessment.Patch, assessment.RunInSandbox)

	case policy.AssessAskUser:
		return h.askUser(ctx, callID, args, assessment.Patch)

	default:
		return item.NewFunctionCallOutput(callID, "internal error: unhandled assessment", 1, 0), nil, nil
	}
}

// askUser drives the approval callback's decision loop.
func (h *Handler) askUser(ctx context.Context, callID string, args toolArguments, p *patch.Patch) (item.Item, []item.Item, error) {
	var synthetic []item.Item
	summary := patchSummary(p)

	for round := 0; round < maxExplainRounds; round++ {
		// The approval prompt runs under a context derived from the run's:
		// if the run is canceled while a human is mid-prompt, the group's
		// derived context cancels and the callback can give up waiting for
		// input instead of blocking the process indefinitely.
		group, gctx := errgroup.WithContext(ctx)
		var conf Confirmation
		group.Go(func() error {
			c, err := h.Confirm(gctx, args.Argv, summary)
			conf = c
			return err
		})
		if err := group.Wait(); err != nil {
			return item.NewFunctionCallOutput(callID, fmt.Sprintf("approval callback error: %v", err), 1, 0), synthetic, nil
		}

		switch conf.Decision {
		case DecisionYes, DecisionYesAlways:
			out, _, err := h.dispatch(ctx, callID, args, p, false)
			return out, synthetic, err

		case DecisionExplain:
			if conf.Explanation != "" {
				synthetic = append(synthetic, item.NewSystemMessage(conf.Explanation))
			}
			continue

		case DecisionNoContinue:
			deny := conf.CustomDeny
			if deny == "" {
				deny = "command rejected by user"
			}
			return item.NewFunctionCallOutput(callID, deny, 1, 0), synthetic, nil

		case DecisionNoExit:
			return item.Item{}, synthetic, ErrTerminalCancel

		default:
			return item.NewFunctionCallOutput(callID, fmt.Sprintf("unrecognized decision: %s", conf.Decision), 1, 0), synthetic, nil
		}
	}

	return item.NewFunctionCallOutput(callID, "too many EXPLAIN rounds without a decision", 1, 0), synthetic, nil
}

// dispatch runs the approved command: through the patch engine if p is
// non-nil, otherwise through the sandbox executor.
func (h *Handler) dispatch(ctx context.Context, callID string, args toolArguments, p *patch.Patch, runInSandbox bool) (item.Item, []item.Item, error) {
	if p != nil {
		return h.applyPatch(callID, p), nil, nil
	}

	start := time.Now()
	sandboxFn := h.Sandbox
	if sandboxFn == nil {
		sandboxFn = sandbox.Exec
	}

	var timeout time.Duration
	if args.TimeoutMs != nil {
		timeout = time.Duration(*args.TimeoutMs) * time.Millisecond
	}

	res := sandboxFn(ctx, args.Argv, sandbox.Options{
		Workdir:       args.Workdir,
		Timeout:       timeout,
		Sandbox:       runInSandbox,
		WritableRoots: h.WritableRoots,
	})

	output := shapeExecOutput(res)
	out := item.NewFunctionCallOutput(callID, output, res.ExitCode, time.Since(start))
	return out, nil, nil
}

func (h *Handler) applyPatch(callID string, p *patch.Patch) item.Item {
	start := time.Now()
	summary, err := patch.Process(p, h.FS.Exists, h.FS.Read, h.FS.Write, h.FS.Delete)
	if err != nil {
		return item.NewFunctionCallOutput(callID, err.Error(), 1, time.Since(start))
	}
	return item.NewFunctionCallOutput(callID, summary, 0, time.Since(start))
}

func shapeExecOutput(res sandbox.Result) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[EXIT CODE] %d\n", res.ExitCode)
	sb.WriteString("[STDOUT]\n")
	sb.WriteString(res.Stdout)
	if res.StdoutTruncated {
		sb.WriteString("\n...[stdout truncated]")
	}
	sb.WriteString("\n[STDERR]\n")
	sb.WriteString(res.Stderr)
	if res.StderrTruncated {
		sb.WriteString("\n...[stderr truncated]")
	}
	if res.TimedOut {
		sb.WriteString("\n[TIMED OUT]")
	}
	return sb.String()
}

func patchSummary(p *patch.Patch) string {
	if p == nil {
		return ""
	}
	var sb strings.Builder
	for _, path := range p.FilesAdded() {
		fmt.Fprintf(&sb, "add %s\n", path)
	}
	for _, path := range p.FilesNeeded() {
		fmt.Fprintf(&sb, "update/delete %s\n", path)
	}
	return sb.String()
}
