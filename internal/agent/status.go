package agent

import "strings"

// Well known status codes.
const (
	StatusRed     = "red"
	StatusGreen   = "green"
	StatusIdle    = "idle"
	StatusRunning = "running"
)

// Status is the health an agent reports to managers.
type Status struct {
	Code    string
	Message string
}

// NewStatus returns a Status with a lowercased code.
func NewStatus(code, message string) Status {
	return Status{Code: strings.ToLower(code), Message: message}
}

func initialStatus() Status {
	return NewStatus(StatusRed, "[ERROR] Service still has no status set")
}
