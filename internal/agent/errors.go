package agent

import "errors"

var (
	ErrMissingName         = errors.New("agent name is required")
	ErrMissingTransport    = errors.New("transport is required")
	ErrMissingRegistry     = errors.New("configuration registry is required")
	ErrMissingIdentity     = errors.New("agent identity could not be resolved")
	ErrNotConnected        = errors.New("agent is not connected")
	ErrAgentAlreadyRunning = errors.New("agent is already running")

	// ErrDomainTask wraps failures of user callbacks and scheduled tasks.
	ErrDomainTask = errors.New("domain task failed")
)

// Values of the error_kind log attribute.
const (
	kindMalformed     = "malformed_envelope"
	kindTransport     = "transport_failure"
	kindUnknownKey    = "unknown_configuration_key"
	kindCoercion      = "configuration_coercion_failure"
	kindDomainTask    = "domain_task_failure"
	kindConfiguration = "configuration_failure"
)
