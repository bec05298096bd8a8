// Command turnenginedemo is a minimal stdio wiring harness for the turn
// engine core. It is not a CLI product: no flags, no config files, no
// history/markdown rendering.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/agentturn/turnengine/internal/config"
	"github.com/agentturn/turnengine/internal/item"
	"github.com/agentturn/turnengine/internal/log"
	"github.com/agentturn/turnengine/internal/modelclient"
	"github.com/agentturn/turnengine/internal/modelclient/anthropic"
	"github.com/agentturn/turnengine/internal/modelclient/openai"
	"github.com/agentturn/turnengine/internal/policy"
	"github.com/agentturn/turnengine/internal/sandbox"
	"github.com/agentturn/turnengine/internal/toolexec"
	"github.com/agentturn/turnengine/turnengine"
)

// stdin is shared by the turn-input loop and the approval prompt so both
// read through one buffered reader instead of racing two over the same fd.
var stdin = bufio.NewScanner(os.Stdin)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		return 1
	}
	log.SetDebug(cfg.Debug)
	logger := log.WithSession(cfg.SessionID)

	cwd, err := os.Getwd()
	if err != nil {
		fmt.Fprintln(os.Stderr, "getwd:", err)
		return 1
	}
	writableRoots := []string{cwd, os.TempDir()}

	client := buildClient(cfg)

	handler := &toolexec.Handler{
		Approval:      policy.AutoEdit,
		WritableRoots: writableRoots,
		Resolve:       resolvePath,
		Confirm:       confirmOnStdin,
		FS:            osFS(),
		Sandbox:       sandbox.Exec,
	}

	eng := turnengine.New(turnengine.Config{
		Model:    os.Getenv("TURNENGINE_MODEL"),
		Approval: policy.AutoEdit,
		Client:   client,
		Exec:     handler,
		OnItem:   printItem,
		OnLoading: func(loading bool) {
			if loading {
				fmt.Fprint(os.Stderr, "... ")
			}
		},
		OnLastResponseID: func(id string) {
			logger.Debug("response completed", zap.String("response_id", id))
		},
		RetryBaseBackoff: time.Duration(cfg.RetryWaitMs) * time.Millisecond,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		logger.Info("interrupt received, canceling turn")
		eng.Cancel()
	}()

	logger.Info("turn engine demo ready", zap.String("provider", cfg.Provider))

	fmt.Fprint(os.Stderr, "> ")
	for stdin.Scan() {
		text := stdin.Text()
		if text == "" {
			fmt.Fprint(os.Stderr, "> ")
			continue
		}
		if err := eng.Run(ctx, []item.Item{item.NewUserMessage(text)}, ""); err != nil {
			fmt.Fprintln(os.Stderr, "run:", err)
		}
		fmt.Fprint(os.Stderr, "> ")
	}

	eng.Terminate()
	return 0
}

func buildClient(cfg *config.Config) modelclient.Client {
	timeout := time.Duration(cfg.TimeoutMs) * time.Millisecond
	switch cfg.Provider {
	case "anthropic":
		return anthropic.New(cfg.AnthropicAPIKey, cfg.AnthropicBaseURL, timeout, cfg.SessionID)
	default:
		return openai.New(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, timeout, cfg.SessionID)
	}
}

func printItem(it item.Item) {
	switch it.Kind {
	case item.KindMessage:
		fmt.Printf("\n[%s] %s\n", it.Role, it.Text())
	case item.KindReasoning:
		for _, s := range it.Summary {
			fmt.Printf("\n[reasoning] %s\n", s.Text)
		}
	case item.KindFunctionCallOutput:
		fmt.Printf("\n[tool %s] %s\n", it.CallID, it.Output)
	}
}

// confirmOnStdin is the get_command_confirmation callback, prompting on the demo's own stdin/stderr.
func confirmOnStdin(ctx context.Context, argv []string, patchSummary string) (toolexec.Confirmation, error) {
	fmt.Fprintf(os.Stderr, "\napprove command %v? [y/N/explain] ", argv)
	if patchSummary != "" {
		fmt.Fprintf(os.Stderr, "\npatch touches:\n%s", patchSummary)
	}

	if !stdin.Scan() {
		return toolexec.Confirmation{Decision: toolexec.DecisionNoExit}, nil
	}
	switch stdin.Text() {
	case "y", "Y", "yes":
		return toolexec.Confirmation{Decision: toolexec.DecisionYes}, nil
	case "explain", "e":
		return toolexec.Confirmation{Decision: toolexec.DecisionExplain, Explanation: "this command was classified as needing approval"}, nil
	default:
		return toolexec.Confirmation{Decision: toolexec.DecisionNoContinue, CustomDeny: "declined by operator"}, nil
	}
}

func resolvePath(candidate string) (string, error) {
	if filepath.IsAbs(candidate) {
		return filepath.Clean(candidate), nil
	}
	abs, err := filepath.Abs(candidate)
	if err != nil {
		return "", err
	}
	return filepath.Clean(abs), nil
}

func osFS() toolexec.FS {
	return toolexec.FS{
		Exists: func(path string) bool {
			_, err := os.Stat(path)
			return err == nil
		},
		Read: func(path string) ([]byte, error) {
			return os.ReadFile(path)
		},
		Write: func(path string, content []byte) error {
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return err
			}
			return os.WriteFile(path, content, 0o644)
		},
		Delete: func(path string) error {
			return os.Remove(path)
		},
	}
}

