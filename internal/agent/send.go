package agent

import (
	"context"
	"fmt"

	"github.com/IMEsec-USP/vumos-common/internal/message"
	"github.com/IMEsec-USP/vumos-common/internal/transport"
)

// SendMessage publishes a new envelope. An empty to broadcasts it; otherwise
// it is targeted at the subject to.
func (s *Service) SendMessage(ctx context.Context, tag string, data map[string]any, to string) error {
	return s.SendMessageProcessed(ctx, tag, data, to, nil)
}

// SendMessageProcessed publishes an envelope continuing the processed chain
// of an earlier one, stamped by this agent for data.
func (s *Service) SendMessageProcessed(ctx context.Context, tag string, data map[string]any, to string, processed []message.Processed) error {
	if data == nil {
		data = map[string]any{}
	}

	stamped, err := message.MarkProcessed(processed, s.id, data)
	if err != nil {
		return err
	}

	mode, subject := message.ModeBroadcast, transport.BroadcastSubject
	if to != "" {
		mode, subject = message.ModeTargeted, to
	}

	payload, err := message.Encode(&message.Envelope{
		ID:        s.id,
		Message:   tag,
		Source:    message.SourceService,
		Mode:      mode,
		Processed: stamped,
		Data:      data,
	})
	if err != nil {
		return fmt.Errorf("encoding %s: %w", tag, err)
	}

	ctx, span := s.traces.StartPublishSpan(ctx, "vumos", subject, tag)
	defer span.End()

	if err := s.transport.Publish(ctx, subject, s.DirectedSubject(), payload); err != nil {
		s.traces.RecordError(span, err)
		s.metrics.IncrementEnvelopeErrors(ctx, tag, kindTransport)
		return fmt.Errorf("publishing %s to %s: %w", tag, subject, err)
	}

	s.traces.SetSpanSuccess(span)
	s.metrics.IncrementEnvelopesPublished(ctx, tag, string(mode))
	s.logger.DebugContext(ctx, "Envelope published",
		"message", tag,
		"subject", subject,
	)
	return nil
}

// SendHello announces the agent.
func (s *Service) SendHello(ctx context.Context, to string) error {
	return s.SendMessage(ctx, message.TagHello, map[string]any{
		"name":          s.config.Name,
		"description":   s.config.Description,
		"status_expiry": s.config.StatusExpiry.Seconds(),
	}, to)
}

// SendStatus reports the current status.
func (s *Service) SendStatus(ctx context.Context, to string) error {
	status := s.Status()
	return s.SendMessage(ctx, message.TagStatusUpdate, map[string]any{
		"code":    status.Code,
		"message": status.Message,
	}, to)
}

// SendConfigurationChanged publishes the full configuration snapshot.
func (s *Service) SendConfigurationChanged(ctx context.Context, to string) error {
	snapshot, err := s.registry.Snapshot(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to read configuration snapshot",
			"error", err,
			"error_kind", kindConfiguration,
		)
		return fmt.Errorf("reading configuration snapshot: %w", err)
	}

	configurations := make([]any, len(snapshot))
	for i, p := range snapshot {
		configurations[i] = p.Map()
	}

	return s.SendMessage(ctx, message.TagConfigurationChanged, map[string]any{
		"configurations": configurations,
	}, to)
}

// SendTargetData reports a discovered target.
func (s *Service) SendTargetData(ctx context.Context, ipAddress string, domains []string, extra any, to string) error {
	if domains == nil {
		domains = []string{}
	}
	return s.SendMessage(ctx, message.TagDataTarget, map[string]any{
		"ip_address": ipAddress,
		"domains":    domains,
		"extra":      extra,
	}, to)
}

// ServiceInfo holds the optional fields of a service report.
type ServiceInfo struct {
	Name     string
	Protocol string
	Version  string
	Extra    any
}

// SendServiceData reports a network service found on a target. Empty
// optional fields are left out of the payload.
func (s *Service) SendServiceData(ctx context.Context, ipAddress string, port int, info ServiceInfo, to string) error {
	data := map[string]any{
		"ip_address": ipAddress,
		"port":       port,
	}
	if info.Name != "" {
		data["name"] = info.Name
	}
	if info.Protocol != "" {
		data["protocol"] = info.Protocol
	}
	if info.Version != "" {
		data["version"] = info.Version
	}
	if info.Extra != nil {
		data["extra"] = info.Extra
	}
	return s.SendMessage(ctx, message.TagDataService, data, to)
}
