// Package retry classifies model-API errors into a small taxonomy and
// computes backoff delays for the Turn Engine's streaming request retry
// loop, generalized to a typed error taxonomy shared by both model-client
// backends rather than raw *http.Response handling.
package retry

import (
	"errors"
	"math/rand"
	"net"
	"regexp"
	"strconv"
	"time"

	"github.com/agentturn/turnengine/internal/log"
	"go.uber.org/zap"
)

// MaxAttempts is the retry ceiling for a single streaming request.
const MaxAttempts = 5

// DefaultBaseBackoff is the default rate-limit backoff base; callers override it
// with a non-zero base (the demo harness passes OPENAI_RATE_LIMIT_RETRY_WAIT_MS).
const DefaultBaseBackoff = 2500 * time.Millisecond

// Kind discriminates the error taxonomy used for retry decisions.
type Kind string

const (
	// KindTransient covers connection timeouts, connection errors, and
	// HTTP 5xx — retryable with a short backoff of 500ms per attempt plus
	// jitter.
	KindTransient Kind = "transient"
	// KindRateLimit covers HTTP 429 or a typed rate_limit_exceeded code —
	// retryable with exponential backoff honoring a server hint.
	KindRateLimit Kind = "rate_limit"
	// KindContextOverflow is non-retryable: context-length-exceeded.
	KindContextOverflow Kind = "context_overflow"
	// KindClientError is non-retryable: 4xx other than 429.
	KindClientError Kind = "client_error"
	// KindModelNotFound is non-retryable: invalid_request_error{code=model_not_found}.
	KindModelNotFound Kind = "model_not_found"
	// KindStreamClosed is non-retryable: the stream transport closed prematurely.
	KindStreamClosed Kind = "stream_closed"
	// KindUnknown is anything the classifier could not place; treated as
	// non-retryable to fail safe.
	KindUnknown Kind = "unknown"
)

// APIError is the shape a model-client backend's error must expose so this
// package can classify it without depending on either SDK directly.
type APIError interface {
	error
	StatusCode() int
	Code() string // e.g. "rate_limit_exceeded", "invalid_request_error", "model_not_found"
	RequestID() string
}

// typedAPIError is optionally implemented by an APIError to expose the
// provider's error category (e.g. "invalid_request_error",
// "rate_limit_error"), distinct from the more specific Code. Not every
// backend error surfaces this, so it's probed with a type assertion rather
// than added to APIError itself.
type typedAPIError interface {
	Type() string
}

func errorType(e APIError) string {
	if t, ok := e.(typedAPIError); ok {
		return t.Type()
	}
	return ""
}

// StreamClosedError marks a premature close of the stream transport.
type StreamClosedError struct{ Err error }

func (e *StreamClosedError) Error() string { return "stream closed prematurely: " + e.Err.Error() }
func (e *StreamClosedError) Unwrap() error { return e.Err }

// Classification is the result of classifying one error.
type Classification struct {
	Kind       Kind
	StatusCode int
	Code       string
	Type       string // provider error category, when the backend exposes one
	RequestID  string
	Message    string
	RetryAfter time.Duration // zero unless the server supplied a hint
}

var retryAfterRE = regexp.MustCompile(`(?i)(?:re)?try (?:again )?in (\d+(?:\.\d+)?)\s*s`)

// contextOverflowMessageRE matches the message shape an invalid_request_error
// uses for an oversized context window when no dedicated error code is set.
var contextOverflowMessageRE = regexp.MustCompile(`(?i)max_tokens is too large`)

// Classify inspects err and assigns it to the error taxonomy above.
func Classify(err error) Classification {
	var apiErr APIError
	if errors.As(err, &apiErr) {
		return classifyAPIError(apiErr)
	}

	var closed *StreamClosedError
	if errors.As(err, &closed) {
		return Classification{Kind: KindStreamClosed, Message: closed.Error()}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return Classification{Kind: KindTransient, Message: err.Error()}
	}

	return Classification{Kind: KindUnknown, Message: err.Error()}
}

func classifyAPIError(e APIError) Classification {
	c := Classification{
		StatusCode: e.StatusCode(),
		Code:       e.Code(),
		Type:       errorType(e),
		RequestID:  e.RequestID(),
		Message:    e.Error(),
	}

	switch {
	case e.Code() == "model_not_found":
		c.Kind = KindModelNotFound
	case e.Code() == "context_length_exceeded":
		c.Kind = KindContextOverflow
	case e.StatusCode() >= 400 && e.StatusCode() < 500 && e.StatusCode() != 429 && contextOverflowMessageRE.MatchString(e.Error()):
		c.Kind = KindContextOverflow
	case e.StatusCode() == 429 || e.Code() == "rate_limit_exceeded":
		c.Kind = KindRateLimit
		c.RetryAfter = parseRetryHint(e.Error())
	case e.StatusCode() >= 500:
		c.Kind = KindTransient
	case e.StatusCode() >= 400:
		c.Kind = KindClientError
	default:
		c.Kind = KindUnknown
	}
	return c
}

func parseRetryHint(message string) time.Duration {
	m := retryAfterRE.FindStringSubmatch(message)
	if m == nil {
		return 0
	}
	secs, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0
	}
	return time.Duration(secs * float64(time.Second))
}

// Retryable reports whether attempt (1-indexed, already made) should be
// followed by another attempt, and if so, how long to wait first.
func Retryable(c Classification, attempt int, base time.Duration) (retry bool, wait time.Duration) {
	if attempt >= MaxAttempts {
		return false, 0
	}
	switch c.Kind {
	case KindTransient:
		return true, jittered(500 * time.Millisecond * time.Duration(attempt))
	case KindRateLimit:
		if c.RetryAfter > 0 {
			return true, c.RetryAfter
		}
		return true, backoff(attempt, base)
	default:
		return false, 0
	}
}

// backoff computes base * 2^(attempt-1).
func backoff(attempt int, base time.Duration) time.Duration {
	if base <= 0 {
		base = DefaultBaseBackoff
	}
	return base * time.Duration(1<<uint(attempt-1))
}

func jittered(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return d + time.Duration(rand.Int63n(int64(d)/2+1))
}

// LogRetry emits a structured log line for an observed retry.
func LogRetry(attempt, max int, c Classification, wait time.Duration) {
	log.L().Warn("model request retry",
		zap.Int("attempt", attempt),
		zap.Int("max_attempts", max),
		zap.String("kind", string(c.Kind)),
		zap.Int("status_code", c.StatusCode),
		zap.String("code", c.Code),
		zap.Duration("wait", wait),
	)
}

// TerminalMessage renders the dedicated system message for a non-retryable
// classification.
func TerminalMessage(c Classification) string {
	switch c.Kind {
	case KindContextOverflow:
		return "The conversation exceeded the model's context window. Start a new session or trim the input."
	case KindModelNotFound:
		return "The configured model was not found by the API. Check OPENAI_BASE_URL and the model name."
	case KindRateLimit:
		msg := "Rate limit reached. Error details: status=" + strconv.Itoa(c.StatusCode)
		if c.Type != "" {
			msg += ", type=" + c.Type
		}
		if c.Code != "" {
			msg += ", code=" + c.Code
		}
		if c.RequestID != "" {
			msg += ", request_id=" + c.RequestID
		}
		msg += ", message=" + c.Message
		return msg
	case KindClientError:
		msg := "The model API rejected the request (" + strconv.Itoa(c.StatusCode) + ")."
		if c.RequestID != "" {
			msg += " request_id=" + c.RequestID
		}
		if c.Message != "" {
			msg += ": " + c.Message
		}
		return msg
	case KindStreamClosed:
		return "The connection to the model API closed unexpectedly."
	default:
		return "The model API request failed: " + c.Message
	}
}
