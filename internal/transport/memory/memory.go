// Package memory is an in-process Transport. Every delivery runs in its own
// goroutine, so handlers observe the same concurrency as with a network bus.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/IMEsec-USP/vumos-common/internal/transport"
)

// Bus routes published messages to subscribers of the exact subject.
type Bus struct {
	logger *slog.Logger

	mu     sync.RWMutex
	subs   map[string]map[string]transport.Handler
	closed bool
	wg     sync.WaitGroup
}

// New creates an empty Bus.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		logger: logger.With("component", "memory_bus"),
		subs:   make(map[string]map[string]transport.Handler),
	}
}

type subscription struct {
	bus     *Bus
	subject string
	id      string
	once    sync.Once
}

func (s *subscription) Unsubscribe() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		defer s.bus.mu.Unlock()
		delete(s.bus.subs[s.subject], s.id)
		if len(s.bus.subs[s.subject]) == 0 {
			delete(s.bus.subs, s.subject)
		}
	})
	return nil
}

func (b *Bus) Subscribe(ctx context.Context, subject string, h transport.Handler) (transport.Subscription, error) {
	if subject == "" || h == nil {
		return nil, fmt.Errorf("%w: subscribe needs a subject and a handler", transport.ErrTransport)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("%w: %w", transport.ErrTransport, transport.ErrClosed)
	}

	id := uuid.NewString()
	if b.subs[subject] == nil {
		b.subs[subject] = make(map[string]transport.Handler)
	}
	b.subs[subject][id] = h

	b.logger.Debug("subscribed", "subject", subject, "subscription_id", id)
	return &subscription{bus: b, subject: subject, id: id}, nil
}

func (b *Bus) Publish(ctx context.Context, subject, reply string, data []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fmt.Errorf("%w: %w", transport.ErrTransport, transport.ErrClosed)
	}

	for _, h := range b.subs[subject] {
		payload := make([]byte, len(data))
		copy(payload, data)
		msg := &transport.Msg{Subject: subject, Reply: reply, Data: payload}

		b.wg.Add(1)
		go func(h transport.Handler) {
			defer b.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("Recovered from panic in handler",
						"subject", subject,
						"panic", r,
					)
				}
			}()
			h(context.WithoutCancel(ctx), msg)
		}(h)
	}
	return nil
}

// Wait blocks until every delivery started so far has returned.
func (b *Bus) Wait() {
	b.wg.Wait()
}

func (b *Bus) Close() error {
	b.mu.Lock()
	b.closed = true
	b.subs = make(map[string]map[string]transport.Handler)
	b.mu.Unlock()

	b.wg.Wait()
	return nil
}
