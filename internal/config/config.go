// Package config loads the handful of environment variables the turn engine
// core recognizes directly. Everything else — model name, approval policy,
// writable roots, instructions text — is supplied by the caller through
// constructor options; the engine itself is not responsible for on-disk
// configuration, profiles, or flag parsing.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/google/uuid"
)

// Config holds the environment-derived knobs the core consumes.
type Config struct {
	OpenAIAPIKey    string // OPENAI_API_KEY (required unless Provider is "anthropic")
	OpenAIBaseURL   string // OPENAI_BASE_URL (default "https://api.openai.com/v1")
	AnthropicAPIKey string // ANTHROPIC_API_KEY (required when Provider is "anthropic")
	AnthropicBaseURL string // ANTHROPIC_BASE_URL
	Provider        string // TURNENGINE_PROVIDER: "openai" (default) or "anthropic"
	TimeoutMs       int    // OPENAI_TIMEOUT_MS (default 600000)
	RetryWaitMs     int    // OPENAI_RATE_LIMIT_RETRY_WAIT_MS (default 2500)
	Debug           bool   // DEBUG (enables diagnostic logging)

	// SessionID correlates one run's log lines and, were persistence in
	// scope, would name its rollout file. Generated fresh on every Load.
	SessionID string
}

const (
	defaultBaseURL   = "https://api.openai.com/v1"
	defaultTimeoutMs = 600_000
	defaultRetryWait = 2_500
)

// Load reads the recognized environment variables and returns a validated
// Config. Exactly one of OPENAI_API_KEY/ANTHROPIC_API_KEY is required,
// selected by TURNENGINE_PROVIDER; everything else has a default.
func Load() (*Config, error) {
	c := &Config{SessionID: uuid.NewString()}

	c.Provider = os.Getenv("TURNENGINE_PROVIDER")
	if c.Provider == "" {
		c.Provider = "openai"
	}

	c.OpenAIAPIKey = os.Getenv("OPENAI_API_KEY")
	c.OpenAIBaseURL = os.Getenv("OPENAI_BASE_URL")
	if c.OpenAIBaseURL == "" {
		c.OpenAIBaseURL = defaultBaseURL
	}
	c.AnthropicAPIKey = os.Getenv("ANTHROPIC_API_KEY")
	c.AnthropicBaseURL = os.Getenv("ANTHROPIC_BASE_URL")

	switch c.Provider {
	case "openai":
		if c.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY is required")
		}
	case "anthropic":
		if c.AnthropicAPIKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY is required")
		}
	default:
		return nil, fmt.Errorf("unrecognized TURNENGINE_PROVIDER %q", c.Provider)
	}

	var err error
	c.TimeoutMs, err = envInt("OPENAI_TIMEOUT_MS", defaultTimeoutMs)
	if err != nil {
		return nil, err
	}

	c.RetryWaitMs, err = envInt("OPENAI_RATE_LIMIT_RETRY_WAIT_MS", defaultRetryWait)
	if err != nil {
		return nil, err
	}

	c.Debug = envBool("DEBUG")

	return c, nil
}

// envInt reads an environment variable as int, returning def if unset.
func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q: %w", key, v, err)
	}
	return n, nil
}

// envBool treats any value other than "", "0", or "false" as true.
func envBool(key string) bool {
	switch os.Getenv(key) {
	case "", "0", "false":
		return false
	default:
		return true
	}
}
