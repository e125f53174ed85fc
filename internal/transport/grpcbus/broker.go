package grpcbus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/IMEsec-USP/vumos-common/internal/dedupe"
	"github.com/IMEsec-USP/vumos-common/internal/observability"
)

const (
	sendTimeout      = 5 * time.Second
	subscriberBuffer = 64
)

// Broker implements EventBusServer. It keeps one channel per open
// Subscribe stream and routes each published frame to the streams of the
// exact subject.
type Broker struct {
	logger  *slog.Logger
	metrics *observability.MetricsManager
	traces  *observability.TraceManager
	seen    *dedupe.Cache

	mu          sync.RWMutex
	subscribers map[string]map[string]chan *structpb.Struct

	done      chan struct{}
	closeOnce sync.Once
}

// BrokerConfig groups the collaborators of a Broker. Every field is optional.
type BrokerConfig struct {
	Logger  *slog.Logger
	Metrics *observability.MetricsManager
	Traces  *observability.TraceManager
	// Dedupe drops frames whose id was already routed. Nil disables it.
	Dedupe *dedupe.Cache
}

func NewBroker(cfg BrokerConfig) *Broker {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		logger:      logger.With("component", "broker"),
		metrics:     cfg.Metrics,
		traces:      cfg.Traces,
		seen:        cfg.Dedupe,
		subscribers: make(map[string]map[string]chan *structpb.Struct),
		done:        make(chan struct{}),
	}
}

// Close ends every open Subscribe stream.
func (b *Broker) Close() {
	b.closeOnce.Do(func() { close(b.done) })
}

// Subscribers returns the number of open Subscribe streams.
func (b *Broker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := 0
	for _, subs := range b.subscribers {
		n += len(subs)
	}
	return n
}

func (b *Broker) Publish(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	f, err := frameFromStruct(in)
	if err != nil {
		b.metrics.IncrementBrokerErrors(ctx, "", "validation_error")
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	ctx = b.traces.ExtractTraceContext(ctx, f.Headers)
	ctx, span := b.traces.StartPublishSpan(ctx, "grpc", f.Subject, "")
	defer span.End()
	b.traces.AddComponentAttribute(span, "broker")

	if b.seen != nil && b.seen.CheckAndMark(f.ID) {
		b.logger.DebugContext(ctx, "Dropping duplicate frame",
			"frame_id", f.ID,
			"subject", f.Subject,
		)
		b.metrics.IncrementBrokerDuplicates(ctx)
		return structpb.NewStruct(map[string]any{fieldDuplicate: true})
	}

	b.mu.RLock()
	targets := make([]chan *structpb.Struct, 0, len(b.subscribers[f.Subject]))
	for _, ch := range b.subscribers[f.Subject] {
		targets = append(targets, ch)
	}
	b.mu.RUnlock()

	if len(targets) == 0 {
		b.logger.DebugContext(ctx, "No subscribers for subject", "subject", f.Subject)
		b.traces.SetSpanSuccess(span)
		return structpb.NewStruct(map[string]any{fieldDuplicate: false})
	}

	// Carry the broker span to the subscribers.
	f.Headers = make(map[string]string)
	b.traces.InjectTraceContext(ctx, f.Headers)
	out, err := f.toStruct()
	if err != nil {
		b.traces.RecordError(span, err)
		b.metrics.IncrementBrokerErrors(ctx, f.Subject, "encode_error")
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	sendCtx := context.WithoutCancel(ctx)
	for _, ch := range targets {
		go func(ch chan *structpb.Struct) {
			defer func() {
				if r := recover(); r != nil {
					b.logger.ErrorContext(sendCtx, "Recovered from panic while routing frame",
						"frame_id", f.ID,
						"panic", r,
					)
					b.metrics.IncrementBrokerErrors(sendCtx, f.Subject, "panic")
				}
			}()

			select {
			case ch <- out:
				b.metrics.IncrementBrokerRouted(sendCtx, f.Subject)
			case <-b.done:
			case <-time.After(sendTimeout):
				b.logger.WarnContext(sendCtx, "Timeout routing frame",
					"frame_id", f.ID,
					"subject", f.Subject,
				)
				b.metrics.IncrementBrokerErrors(sendCtx, f.Subject, "timeout")
			}
		}(ch)
	}

	b.traces.SetSpanSuccess(span)
	b.logger.DebugContext(ctx, "Frame routed",
		"frame_id", f.ID,
		"subject", f.Subject,
		"subscribers", len(targets),
	)
	return structpb.NewStruct(map[string]any{fieldDuplicate: false})
}

func (b *Broker) Subscribe(req *structpb.Struct, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	ctx := stream.Context()

	subject := req.GetFields()[fieldSubject].GetStringValue()
	if subject == "" {
		return status.Error(codes.InvalidArgument, "subject cannot be empty")
	}

	id := uuid.NewString()
	ch := make(chan *structpb.Struct, subscriberBuffer)

	b.mu.Lock()
	if b.subscribers[subject] == nil {
		b.subscribers[subject] = make(map[string]chan *structpb.Struct)
	}
	b.subscribers[subject][id] = ch
	b.mu.Unlock()
	b.metrics.AddBrokerSubscribers(ctx, 1)

	defer func() {
		b.mu.Lock()
		delete(b.subscribers[subject], id)
		if len(b.subscribers[subject]) == 0 {
			delete(b.subscribers, subject)
		}
		b.mu.Unlock()
		b.metrics.AddBrokerSubscribers(context.WithoutCancel(ctx), -1)
		b.logger.Info("Subscriber left", "subscriber_id", id, "subject", subject)
	}()

	b.logger.InfoContext(ctx, "Subscriber joined", "subscriber_id", id, "subject", subject)

	// The first frame acknowledges the registration.
	ack, err := structpb.NewStruct(map[string]any{
		fieldSubscriberID: id,
		fieldSubject:      subject,
	})
	if err != nil {
		return status.Error(codes.Internal, err.Error())
	}
	if err := stream.Send(ack); err != nil {
		return err
	}

	for {
		select {
		case out := <-ch:
			if err := stream.Send(out); err != nil {
				b.logger.ErrorContext(ctx, "Error sending frame to subscriber",
					"subscriber_id", id,
					"error", err,
				)
				b.metrics.IncrementBrokerErrors(ctx, subject, "send_error")
				return err
			}
		case <-ctx.Done():
			return nil
		case <-b.done:
			return nil
		}
	}
}
