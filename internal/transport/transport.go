// Package transport defines the publish/subscribe boundary agents talk through.
//
// A Transport delivers opaque byte payloads addressed to a subject. Delivery is
// at least once, unordered and may be broadcast to many subscribers. Each
// publish carries a reply subject so receivers can answer the sender directly.
package transport

import (
	"context"
	"errors"
)

// ErrTransport is wrapped by every publish or subscribe failure of an adapter.
var ErrTransport = errors.New("transport failure")

// ErrClosed is returned after Close.
var ErrClosed = errors.New("transport closed")

// Subjects shared by every participant.
const (
	BroadcastSubject = "broadcast"
	directedPrefix   = "service."
)

// DirectedSubject returns the subject only the participant id listens on.
func DirectedSubject(id string) string {
	return directedPrefix + id
}

// Msg is one delivery.
type Msg struct {
	Subject string
	Reply   string
	Data    []byte
}

// Handler consumes deliveries. Implementations must be safe for concurrent use:
// adapters invoke handlers from their own goroutines.
type Handler func(ctx context.Context, msg *Msg)

// Subscription is an active interest in a subject.
type Subscription interface {
	Unsubscribe() error
}

// Transport is implemented by the memory, gRPC and ZeroMQ adapters.
type Transport interface {
	Subscribe(ctx context.Context, subject string, h Handler) (Subscription, error)
	Publish(ctx context.Context, subject, reply string, data []byte) error
	Close() error
}
