package agent

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IMEsec-USP/vumos-common/internal/configstore"
	"github.com/IMEsec-USP/vumos-common/internal/message"
	"github.com/IMEsec-USP/vumos-common/internal/observability"
	"github.com/IMEsec-USP/vumos-common/internal/transport"
)

// Callback handles an envelope whose tag is not part of the coordination
// protocol. A returned error or a panic is logged and never stops the agent.
type Callback func(ctx context.Context, svc *Service, env *message.Envelope) error

// LoopFunc is a long running activity started by Run. It must return once
// ctx is done or the service stops running.
type LoopFunc func(ctx context.Context)

type namedLoop struct {
	name string
	fn   LoopFunc
}

// Service is one agent taking part in the coordination protocol.
type Service struct {
	config    *Config
	id        string
	transport transport.Transport
	registry  *configstore.Registry

	logger  *slog.Logger
	metrics *observability.MetricsManager
	traces  *observability.TraceManager

	statusMu sync.RWMutex
	status   Status

	running  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}

	mu        sync.Mutex
	subs      []transport.Subscription
	loops     []namedLoop
	runActive bool
}

// New creates a Service and declares its parameters in registry, pruning
// stale keys and seeding defaults.
func New(ctx context.Context, config *Config, t transport.Transport, registry *configstore.Registry) (*Service, error) {
	config = config.WithDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if t == nil {
		return nil, ErrMissingTransport
	}
	if registry == nil {
		return nil, ErrMissingRegistry
	}

	id, err := ResolveID(config.ID)
	if err != nil {
		return nil, err
	}

	if err := registry.Declare(ctx, config.Parameters); err != nil {
		return nil, fmt.Errorf("declaring parameters: %w", err)
	}

	s := &Service{
		config:    config,
		id:        id,
		transport: t,
		registry:  registry,
		logger:    config.Logger.With("agent_id", id),
		metrics:   config.Metrics,
		traces:    config.Traces,
		status:    initialStatus(),
		stopCh:    make(chan struct{}),
	}
	s.running.Store(true)

	return s, nil
}

// ResolveID picks the explicit id, then VUMOS_ID, then the hostname.
func ResolveID(explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if id := os.Getenv("VUMOS_ID"); id != "" {
		return id, nil
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "", fmt.Errorf("%w: %v", ErrMissingIdentity, err)
	}
	return host, nil
}

func (s *Service) ID() string { return s.id }

func (s *Service) Name() string { return s.config.Name }

func (s *Service) Description() string { return s.config.Description }

func (s *Service) Logger() *slog.Logger { return s.logger }

// Metrics returns the metrics manager, possibly nil.
func (s *Service) Metrics() *observability.MetricsManager { return s.metrics }

// Traces returns the trace manager, possibly nil.
func (s *Service) Traces() *observability.TraceManager { return s.traces }

// DirectedSubject is the subject only this agent listens on.
func (s *Service) DirectedSubject() string {
	return transport.DirectedSubject(s.id)
}

// Registry returns the typed configuration of the agent.
func (s *Service) Registry() *configstore.Registry {
	return s.registry
}

// GetConfig returns the current value of a declared parameter.
func (s *Service) GetConfig(ctx context.Context, key string) (any, error) {
	return s.registry.Get(ctx, key)
}

// SetStatus replaces the status reported by the next heartbeat.
func (s *Service) SetStatus(status Status) {
	status.Code = NewStatus(status.Code, "").Code

	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	s.status = status
}

func (s *Service) Status() Status {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	return s.status
}

// Running reports whether Stop has not been called yet.
func (s *Service) Running() bool {
	return s.running.Load()
}

// Stop asks every loop to return after its current iteration.
func (s *Service) Stop() {
	s.running.Store(false)
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// Sleep waits for d and reports whether the loop should continue. It returns
// early with false when ctx is done or the service stops.
func (s *Service) Sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return s.Running()
	case <-ctx.Done():
		return false
	case <-s.stopCh:
		return false
	}
}

// Connect subscribes to the broadcast and directed subjects and announces
// the agent. With a durable registry the stored configuration is announced too.
func (s *Service) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, subject := range []string{transport.BroadcastSubject, s.DirectedSubject()} {
		sub, err := s.transport.Subscribe(ctx, subject, s.handle)
		if err != nil {
			s.closeSubsLocked()
			return fmt.Errorf("subscribing to %s: %w", subject, err)
		}
		s.subs = append(s.subs, sub)
	}

	s.logger.InfoContext(ctx, "Agent connected",
		"name", s.config.Name,
		"directed_subject", s.DirectedSubject(),
	)

	if err := s.SendHello(ctx, ""); err != nil {
		return err
	}
	if s.registry.Durable() {
		if err := s.SendConfigurationChanged(ctx, ""); err != nil {
			return err
		}
	}
	return nil
}

// AddLoop registers a loop started by Run next to the heartbeat.
func (s *Service) AddLoop(name string, fn LoopFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loops = append(s.loops, namedLoop{name: name, fn: fn})
}

// Run starts the heartbeat and every registered loop and blocks until all of
// them return.
func (s *Service) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.runActive {
		s.mu.Unlock()
		return ErrAgentAlreadyRunning
	}
	if len(s.subs) == 0 {
		s.mu.Unlock()
		return ErrNotConnected
	}
	s.runActive = true
	loops := append([]namedLoop{{name: "heartbeat", fn: s.heartbeat}}, s.loops...)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.runActive = false
		s.mu.Unlock()
	}()

	s.logger.InfoContext(ctx, "Agent started",
		"name", s.config.Name,
		"loops", len(loops),
	)

	var wg sync.WaitGroup
	for _, l := range loops {
		wg.Add(1)
		go func(l namedLoop) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					s.logger.ErrorContext(ctx, "Loop panicked",
						"loop", l.name,
						"panic", r,
						"error_kind", kindDomainTask,
					)
				}
			}()
			l.fn(ctx)
		}(l)
	}
	wg.Wait()

	s.logger.InfoContext(context.WithoutCancel(ctx), "Agent stopped")
	return nil
}

func (s *Service) heartbeat(ctx context.Context) {
	interval := s.config.heartbeatInterval()
	for s.Running() {
		if err := s.SendStatus(ctx, ""); err != nil {
			s.logger.ErrorContext(ctx, "Failed to send status",
				"loop", "heartbeat",
				"error", err,
				"error_kind", kindTransport,
			)
		} else {
			s.metrics.IncrementHeartbeats(ctx, s.Status().Code)
		}
		if !s.Sleep(ctx, interval) {
			return
		}
	}
}

// Close releases the subscriptions. The transport is owned by the caller.
func (s *Service) Close() error {
	s.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeSubsLocked()
}

func (s *Service) closeSubsLocked() error {
	var firstErr error
	for _, sub := range s.subs {
		if err := sub.Unsubscribe(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.subs = nil
	return firstErr
}
