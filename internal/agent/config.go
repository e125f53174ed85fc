package agent

import (
	"log/slog"
	"time"

	"github.com/IMEsec-USP/vumos-common/internal/configstore"
	"github.com/IMEsec-USP/vumos-common/internal/observability"
)

// DefaultStatusExpiry is how long a manager trusts a status update.
const DefaultStatusExpiry = 60 * time.Second

// Config holds the configuration for a Service
type Config struct {
	// ID is the identity of the agent (optional, defaults to VUMOS_ID or the hostname)
	ID string

	// Name is the human-readable name of the agent
	Name string

	// Description is a brief description of what the agent does
	Description string

	// Parameters declares the typed configuration the agent accepts
	Parameters []configstore.Parameter

	// StatusExpiry is announced in hello messages; status updates are sent
	// every three quarters of it (optional, defaults to 60s)
	StatusExpiry time.Duration

	// AcceptServiceMessages disables the default of dropping envelopes whose
	// source is another service
	AcceptServiceMessages bool

	// Callback receives every envelope the protocol does not handle itself (optional)
	Callback Callback

	// Logger, Metrics and Traces are optional
	Logger  *slog.Logger
	Metrics *observability.MetricsManager
	Traces  *observability.TraceManager
}

// WithDefaults returns a new Config with default values applied for optional fields
func (c *Config) WithDefaults() *Config {
	config := *c

	if config.StatusExpiry <= 0 {
		config.StatusExpiry = DefaultStatusExpiry
	}

	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	config.Parameters = append([]configstore.Parameter(nil), c.Parameters...)

	return &config
}

// Validate checks if the required configuration fields are set
func (c *Config) Validate() error {
	if c.Name == "" {
		return ErrMissingName
	}
	return nil
}

// heartbeatInterval is the delay between two status updates.
func (c *Config) heartbeatInterval() time.Duration {
	return c.StatusExpiry * 3 / 4
}
