// Package log provides the structured logger shared across the engine's
// internal packages. It keeps a SetOutput seam for test redirection,
// backed by go.uber.org/zap instead of bare fmt.Fprintf.
package log

import (
	"io"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu     sync.Mutex
	level  = zap.NewAtomicLevelAt(zap.InfoLevel)
	sink   = zapcore.AddSync(os.Stderr)
	logger = build()
)

func build() *zap.Logger {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "ts"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(cfg), sink, level)
	return zap.New(core)
}

// L returns the shared structured logger.
func L() *zap.Logger {
	mu.Lock()
	defer mu.Unlock()
	return logger
}

// WithSession returns the shared logger with a session_id field attached,
// so every log line from one run of the demo harness can be correlated.
func WithSession(sessionID string) *zap.Logger {
	return L().With(zap.String("session_id", sessionID))
}

// SetOutput redirects log output to w.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	if w == nil {
		w = io.Discard
	}
	sink = zapcore.AddSync(w)
	logger = build()
}

// SetDebug raises the level to Debug when true, Info otherwise.
func SetDebug(debug bool) {
	if debug {
		level.SetLevel(zap.DebugLevel)
	} else {
		level.SetLevel(zap.InfoLevel)
	}
}
