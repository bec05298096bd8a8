package retry

import (
	"errors"
	"strings"
	"testing"
	"time"
)

type fakeAPIError struct {
	status    int
	code      string
	errType   string
	requestID string
	msg       string
}

func (e *fakeAPIError) Error() string     { return e.msg }
func (e *fakeAPIError) StatusCode() int   { return e.status }
func (e *fakeAPIError) Code() string      { return e.code }
func (e *fakeAPIError) RequestID() string { return e.requestID }
func (e *fakeAPIError) Type() string      { return e.errType }

func TestClassifyRateLimit(t *testing.T) {
	c := Classify(&fakeAPIError{status: 429, msg: "rate limited, retry in 7s"})
	if c.Kind != KindRateLimit {
		t.Fatalf("Kind = %v, want rate_limit", c.Kind)
	}
	if c.RetryAfter != 7*time.Second {
		t.Errorf("RetryAfter = %v, want 7s", c.RetryAfter)
	}
}

func TestClassifyRateLimitByCode(t *testing.T) {
	c := Classify(&fakeAPIError{status: 200, code: "rate_limit_exceeded", msg: "slow down"})
	if c.Kind != KindRateLimit {
		t.Fatalf("Kind = %v, want rate_limit", c.Kind)
	}
}

func TestClassifyServerError(t *testing.T) {
	c := Classify(&fakeAPIError{status: 503, msg: "unavailable"})
	if c.Kind != KindTransient {
		t.Fatalf("Kind = %v, want transient", c.Kind)
	}
}

func TestClassifyClientError(t *testing.T) {
	c := Classify(&fakeAPIError{status: 400, msg: "bad request", requestID: "req-1"})
	if c.Kind != KindClientError {
		t.Fatalf("Kind = %v, want client_error", c.Kind)
	}
}

func TestClassifyContextOverflow(t *testing.T) {
	c := Classify(&fakeAPIError{status: 400, code: "context_length_exceeded"})
	if c.Kind != KindContextOverflow {
		t.Fatalf("Kind = %v, want context_overflow", c.Kind)
	}
}

func TestClassifyContextOverflowByMessage(t *testing.T) {
	c := Classify(&fakeAPIError{
		status:  400,
		errType: "invalid_request_error",
		msg:     "This model's maximum context length is 8192 tokens. max_tokens is too large: 9000",
	})
	if c.Kind != KindContextOverflow {
		t.Fatalf("Kind = %v, want context_overflow", c.Kind)
	}
}

func TestClassifyModelNotFound(t *testing.T) {
	c := Classify(&fakeAPIError{status: 400, code: "model_not_found"})
	if c.Kind != KindModelNotFound {
		t.Fatalf("Kind = %v, want model_not_found", c.Kind)
	}
}

func TestClassifyStreamClosed(t *testing.T) {
	c := Classify(&StreamClosedError{Err: errors.New("EOF")})
	if c.Kind != KindStreamClosed {
		t.Fatalf("Kind = %v, want stream_closed", c.Kind)
	}
}

func TestRetryableExhaustsAfterMaxAttempts(t *testing.T) {
	c := Classification{Kind: KindTransient}
	retry, _ := Retryable(c, MaxAttempts, DefaultBaseBackoff)
	if retry {
		t.Error("expected no retry at the attempt ceiling")
	}
}

func TestRetryableNonRetryableKinds(t *testing.T) {
	for _, k := range []Kind{KindContextOverflow, KindClientError, KindModelNotFound, KindStreamClosed, KindUnknown} {
		retry, _ := Retryable(Classification{Kind: k}, 1, DefaultBaseBackoff)
		if retry {
			t.Errorf("Kind %v should not be retryable", k)
		}
	}
}

func TestBackoffDoublesPerAttempt(t *testing.T) {
	base := 1000 * time.Millisecond
	if got := backoff(1, base); got != base {
		t.Errorf("backoff(1) = %v, want %v", got, base)
	}
	if got := backoff(2, base); got != 2*base {
		t.Errorf("backoff(2) = %v, want %v", got, 2*base)
	}
	if got := backoff(3, base); got != 4*base {
		t.Errorf("backoff(3) = %v, want %v", got, 4*base)
	}
}

func TestRetryableRateLimitUsesServerHintOverBackoff(t *testing.T) {
	c := Classification{Kind: KindRateLimit, RetryAfter: 42 * time.Second}
	retry, wait := Retryable(c, 1, DefaultBaseBackoff)
	if !retry || wait != 42*time.Second {
		t.Errorf("retry=%v wait=%v, want true/42s", retry, wait)
	}
}

func TestTerminalMessageMentionsRequestID(t *testing.T) {
	msg := TerminalMessage(Classification{Kind: KindClientError, StatusCode: 400, RequestID: "req-42"})
	if !strings.Contains(msg, "req-42") {
		t.Fatalf("TerminalMessage = %q, want it to mention request id req-42", msg)
	}
}

func TestTerminalMessageRateLimitIncludesStructuredDetails(t *testing.T) {
	msg := TerminalMessage(Classification{
		Kind:       KindRateLimit,
		StatusCode: 429,
		Type:       "rate_limit_error",
		Code:       "rate_limit_exceeded",
		RequestID:  "req-7",
		Message:    "Please try again in 1.3s",
	})
	for _, want := range []string{"Rate limit reached", "status=429", "type=rate_limit_error", "code=rate_limit_exceeded", "message=Please try again in 1.3s"} {
		if !strings.Contains(msg, want) {
			t.Errorf("TerminalMessage = %q, want it to contain %q", msg, want)
		}
	}
}
