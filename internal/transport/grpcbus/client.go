package grpcbus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/IMEsec-USP/vumos-common/internal/observability"
	"github.com/IMEsec-USP/vumos-common/internal/transport"
)

// ClientConfig groups the collaborators of a Client. Every field is optional.
type ClientConfig struct {
	Logger  *slog.Logger
	Metrics *observability.MetricsManager
	Traces  *observability.TraceManager
}

// Client is a transport.Transport backed by a remote Broker.
type Client struct {
	conn    *grpc.ClientConn
	logger  *slog.Logger
	metrics *observability.MetricsManager
	traces  *observability.TraceManager

	mu      sync.Mutex
	streams map[string]context.CancelFunc
	closed  bool
	wg      sync.WaitGroup
}

var _ transport.Transport = (*Client)(nil)

// Dial creates a Client for the broker at addr. The connection is
// established lazily by the first call.
func Dial(addr string, cfg ClientConfig, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	}, opts...)

	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to connect to broker at %s: %v", transport.ErrTransport, addr, err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		conn:    conn,
		logger:  logger.With("component", "grpc_bus"),
		metrics: cfg.Metrics,
		traces:  cfg.Traces,
		streams: make(map[string]context.CancelFunc),
	}, nil
}

type subscription struct {
	client *Client
	id     string
	once   sync.Once
}

func (s *subscription) Unsubscribe() error {
	s.once.Do(func() {
		s.client.mu.Lock()
		cancel := s.client.streams[s.id]
		delete(s.client.streams, s.id)
		s.client.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	})
	return nil
}

// Subscribe opens a stream for subject and returns once the broker has
// registered it. The stream lives until Unsubscribe or Close; ctx only
// bounds the registration.
func (c *Client) Subscribe(ctx context.Context, subject string, h transport.Handler) (transport.Subscription, error) {
	if subject == "" || h == nil {
		return nil, fmt.Errorf("%w: subscribe needs a subject and a handler", transport.ErrTransport)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %w", transport.ErrTransport, transport.ErrClosed)
	}
	streamCtx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()
	c.streams[id] = cancel
	c.mu.Unlock()

	sub := &subscription{client: c, id: id}

	stop := context.AfterFunc(ctx, cancel)
	stream, err := c.openStream(streamCtx, subject)
	stop()
	if err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("%w: subscribe to %s: %v", transport.ErrTransport, subject, err)
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.receive(streamCtx, subject, stream, h)
	}()

	c.logger.DebugContext(ctx, "subscribed", "subject", subject, "subscription_id", id)
	return sub, nil
}

func (c *Client) openStream(ctx context.Context, subject string) (grpc.ClientStream, error) {
	desc := &eventBusServiceDesc.Streams[0]
	stream, err := c.conn.NewStream(ctx, desc, subscribeMethod)
	if err != nil {
		return nil, err
	}

	req, err := structpb.NewStruct(map[string]any{fieldSubject: subject})
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(req); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}

	ack := new(structpb.Struct)
	if err := stream.RecvMsg(ack); err != nil {
		return nil, err
	}
	if ack.GetFields()[fieldSubscriberID].GetStringValue() == "" {
		return nil, errors.New("broker did not acknowledge the subscription")
	}
	return stream, nil
}

func (c *Client) receive(ctx context.Context, subject string, stream grpc.ClientStream, h transport.Handler) {
	for {
		in := new(structpb.Struct)
		err := stream.RecvMsg(in)
		if err == io.EOF {
			c.logger.Info("Subscription stream ended", "subject", subject)
			return
		}
		if err != nil {
			if ctx.Err() != nil || status.Code(err) == codes.Canceled {
				return
			}
			c.logger.Error("Error receiving frame", "subject", subject, "error", err)
			c.metrics.IncrementEnvelopeErrors(context.Background(), "", "receive_error")
			return
		}

		f, err := frameFromStruct(in)
		if err != nil {
			c.logger.Warn("Dropping invalid frame", "subject", subject, "error", err)
			continue
		}

		msgCtx := c.traces.ExtractTraceContext(context.Background(), f.Headers)
		msgCtx, span := c.traces.StartConsumeSpan(msgCtx, "grpc", f.Subject)

		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			defer span.End()
			defer func() {
				if r := recover(); r != nil {
					c.logger.ErrorContext(msgCtx, "Recovered from panic in handler",
						"subject", f.Subject,
						"panic", r,
					)
				}
			}()
			h(msgCtx, &transport.Msg{Subject: f.Subject, Reply: f.Reply, Data: f.Data})
		}()
	}
}

func (c *Client) Publish(ctx context.Context, subject, reply string, data []byte) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return fmt.Errorf("%w: %w", transport.ErrTransport, transport.ErrClosed)
	}

	f := &frame{
		ID:      uuid.NewString(),
		Subject: subject,
		Reply:   reply,
		Data:    data,
		Headers: make(map[string]string),
	}
	c.traces.InjectTraceContext(ctx, f.Headers)

	in, err := f.toStruct()
	if err != nil {
		return fmt.Errorf("%w: %v", transport.ErrTransport, err)
	}

	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, publishMethod, in, out); err != nil {
		return fmt.Errorf("%w: publish to %s: %v", transport.ErrTransport, subject, err)
	}
	return nil
}

// Close cancels every stream, waits for running handlers and closes the
// connection.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancels := make([]context.CancelFunc, 0, len(c.streams))
	for _, cancel := range c.streams {
		cancels = append(cancels, cancel)
	}
	c.streams = make(map[string]context.CancelFunc)
	c.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	c.wg.Wait()

	if err := c.conn.Close(); err != nil {
		return fmt.Errorf("%w: %v", transport.ErrTransport, err)
	}
	return nil
}
