// Package transport decorates outgoing model-API requests with operational
// headers. Both model-client backends delegate authentication to their
// official SDKs (option.WithAPIKey), so the only job left for this package
// is attaching a session-correlation header both backends are wired
// through.
package transport

import "net/http"

const sessionHeader = "X-Turn-Engine-Session"

// HeaderTripper decorates every outgoing request with a fixed header set
// before delegating to the underlying RoundTripper.
type HeaderTripper struct {
	Base    http.RoundTripper
	Headers map[string]string
}

func (t *HeaderTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	cloned := req.Clone(req.Context())
	for k, v := range t.Headers {
		cloned.Header.Set(k, v)
	}
	return base.RoundTrip(cloned)
}

// New builds an *http.Client that tags every request with sessionID, so
// API-side request logs can be correlated with the engine's own
// structured logging (internal/log.WithSession).
func New(sessionID string) *http.Client {
	return &http.Client{Transport: &HeaderTripper{
		Headers: map[string]string{sessionHeader: sessionID},
	}}
}
