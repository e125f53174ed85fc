package zmqbus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	zmq "github.com/pebbe/zmq4"

	"github.com/IMEsec-USP/vumos-common/internal/observability"
	"github.com/IMEsec-USP/vumos-common/internal/transport"
)

const receiveTimeout = 250 * time.Millisecond

// Config groups the collaborators of a Bus. Every field is optional.
type Config struct {
	Logger  *slog.Logger
	Metrics *observability.MetricsManager
	Traces  *observability.TraceManager
}

// Bus is a transport.Transport over a ZeroMQ Proxy. The SUB socket takes
// every subject and the Bus filters on exact match locally.
type Bus struct {
	logger  *slog.Logger
	metrics *observability.MetricsManager
	traces  *observability.TraceManager

	zctx *zmq.Context

	pubMu sync.Mutex
	pub   *zmq.Socket

	mu     sync.RWMutex
	subs   map[string]map[string]transport.Handler
	closed bool

	done     chan struct{}
	loopDone chan struct{}
	wg       sync.WaitGroup
}

var _ transport.Transport = (*Bus)(nil)

// Dial connects to the XSUB endpoint at publishAddr and the XPUB endpoint
// at subscribeAddr of a Proxy.
func Dial(publishAddr, subscribeAddr string, cfg Config) (*Bus, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	zctx, err := zmq.NewContext()
	if err != nil {
		return nil, fmt.Errorf("%w: zmq context: %v", transport.ErrTransport, err)
	}

	pub, err := zctx.NewSocket(zmq.PUB)
	if err != nil {
		_ = zctx.Term()
		return nil, fmt.Errorf("%w: pub socket: %v", transport.ErrTransport, err)
	}
	sub, err := zctx.NewSocket(zmq.SUB)
	if err != nil {
		_ = pub.Close()
		_ = zctx.Term()
		return nil, fmt.Errorf("%w: sub socket: %v", transport.ErrTransport, err)
	}

	fail := func(step string, err error) (*Bus, error) {
		_ = pub.Close()
		_ = sub.Close()
		_ = zctx.Term()
		return nil, fmt.Errorf("%w: %s: %v", transport.ErrTransport, step, err)
	}

	if err := pub.SetLinger(0); err != nil {
		return fail("pub linger", err)
	}
	if err := sub.SetLinger(0); err != nil {
		return fail("sub linger", err)
	}
	if err := pub.Connect(publishAddr); err != nil {
		return fail("connect "+publishAddr, err)
	}
	if err := sub.Connect(subscribeAddr); err != nil {
		return fail("connect "+subscribeAddr, err)
	}
	if err := sub.SetSubscribe(""); err != nil {
		return fail("subscribe", err)
	}
	if err := sub.SetRcvtimeo(receiveTimeout); err != nil {
		return fail("receive timeout", err)
	}

	b := &Bus{
		logger:   logger.With("component", "zmq_bus"),
		metrics:  cfg.Metrics,
		traces:   cfg.Traces,
		zctx:     zctx,
		pub:      pub,
		subs:     make(map[string]map[string]transport.Handler),
		done:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	go b.receiveLoop(sub)

	b.logger.Info("Connected to zmq proxy",
		"publish_addr", publishAddr,
		"subscribe_addr", subscribeAddr,
	)
	return b, nil
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

	b.logger.DebugContext(ctx, "subscribed", "subject", subject, "subscription_id", id)
	return &subscription{bus: b, subject: subject, id: id}, nil
}

func (b *Bus) Publish(ctx context.Context, subject, reply string, data []byte) error {
	f := &frame{
		Subject: subject,
		payload: payload{Reply: reply, Data: data, Headers: make(map[string]string)},
	}
	b.traces.InjectTraceContext(ctx, f.Headers)

	parts, err := encodeFrame(f)
	if err != nil {
		return fmt.Errorf("%w: %v", transport.ErrTransport, err)
	}

	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	if b.pub == nil {
		return fmt.Errorf("%w: %w", transport.ErrTransport, transport.ErrClosed)
	}
	if _, err := b.pub.SendMessage(parts[0], parts[1]); err != nil {
		return fmt.Errorf("%w: publish to %s: %v", transport.ErrTransport, subject, err)
	}
	return nil
}

// receiveLoop owns the SUB socket until Close.
func (b *Bus) receiveLoop(sub *zmq.Socket) {
	defer close(b.loopDone)
	defer sub.Close()

	for {
		select {
		case <-b.done:
			return
		default:
		}

		parts, err := sub.RecvMessageBytes(0)
		if err != nil {
			if zmq.AsErrno(err) == zmq.ETERM {
				return
			}
			// The receive timeout surfaces as EAGAIN.
			continue
		}

		f, err := decodeFrame(parts)
		if err != nil {
			b.logger.Warn("Dropping invalid message", "error", err)
			b.metrics.IncrementEnvelopeErrors(context.Background(), "", "receive_error")
			continue
		}
		b.deliver(f)
	}
}

func (b *Bus) deliver(f *frame) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, h := range b.subs[f.Subject] {
		ctx := b.traces.ExtractTraceContext(context.Background(), f.Headers)
		ctx, span := b.traces.StartConsumeSpan(ctx, "zmq", f.Subject)
		msg := &transport.Msg{Subject: f.Subject, Reply: f.Reply, Data: append([]byte(nil), f.Data...)}

		b.wg.Add(1)
		go func(h transport.Handler) {
			defer b.wg.Done()
			defer span.End()
			defer func() {
				if r := recover(); r != nil {
					b.logger.ErrorContext(ctx, "Recovered from panic in handler",
						"subject", f.Subject,
						"panic", r,
					)
				}
			}()
			h(ctx, msg)
		}(h)
	}
}

func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.subs = make(map[string]map[string]transport.Handler)
	b.mu.Unlock()

	close(b.done)
	<-b.loopDone

	b.pubMu.Lock()
	err := b.pub.Close()
	b.pub = nil
	b.pubMu.Unlock()

	b.wg.Wait()

	if termErr := b.zctx.Term(); termErr != nil && err == nil {
		err = termErr
	}
	if err != nil {
		return fmt.Errorf("%w: %v", transport.ErrTransport, err)
	}
	return nil
}
