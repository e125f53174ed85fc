package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/IMEsec-USP/vumos-common/internal/configstore"
	"github.com/IMEsec-USP/vumos-common/internal/message"
	"github.com/IMEsec-USP/vumos-common/internal/observability"
	"github.com/IMEsec-USP/vumos-common/internal/transport"
)

// handle is the transport handler of both subscriptions. Envelopes are
// dropped, in order, when this agent already processed the same payload,
// when they come from this agent, or when they come from another service
// and the agent only listens to managers.
func (s *Service) handle(ctx context.Context, msg *transport.Msg) {
	env, err := message.Decode(msg.Data)
	if err != nil {
		s.logger.WarnContext(ctx, "Dropping malformed envelope",
			"subject", msg.Subject,
			"error", err,
			"error_kind", kindMalformed,
		)
		s.metrics.IncrementEnvelopesReceived(ctx, "", observability.OutcomeMalformed)
		return
	}

	timer := s.metrics.StartTimer()
	defer timer(ctx, env.Message)

	ctx, span := s.traces.StartEnvelopeSpan(ctx, s.id, env.Message, string(env.Source), msg.Subject)
	defer span.End()

	switch {
	case message.AlreadyHandled(env.Processed, s.id, env.Data):
		s.metrics.IncrementEnvelopesReceived(ctx, env.Message, observability.OutcomeDuplicate)
		return
	case env.ID == s.id:
		s.metrics.IncrementEnvelopesReceived(ctx, env.Message, observability.OutcomeSelf)
		return
	case env.Source == message.SourceService && !s.config.AcceptServiceMessages:
		s.metrics.IncrementEnvelopesReceived(ctx, env.Message, observability.OutcomeIgnoredSource)
		return
	}

	s.metrics.IncrementEnvelopesReceived(ctx, env.Message, observability.OutcomeDispatched)
	s.logger.DebugContext(ctx, "Envelope received",
		"message", env.Message,
		"from", env.ID,
		"source", env.Source,
		"mode", env.Mode,
	)

	if err := s.dispatch(ctx, env, msg.Reply); err != nil {
		s.traces.RecordError(span, err)
		return
	}
	s.traces.SetSpanSuccess(span)
}

func (s *Service) dispatch(ctx context.Context, env *message.Envelope, reply string) error {
	switch env.Message {
	case message.TagHello:
		return s.onHello(ctx, env, reply)
	case message.TagConfigurationChange:
		return s.onConfigurationChange(ctx, env)
	case message.TagStatusUpdate:
		return nil
	default:
		return s.runCallback(ctx, env)
	}
}

func (s *Service) onHello(ctx context.Context, env *message.Envelope, reply string) error {
	var errs []error

	if env.Mode == message.ModeBroadcast {
		errs = append(errs, s.SendHello(ctx, reply))
	}
	if env.Source == message.SourceManager {
		errs = append(errs,
			s.SendStatus(ctx, reply),
			s.SendConfigurationChanged(ctx, reply),
		)
	}

	if err := errors.Join(errs...); err != nil {
		s.logger.ErrorContext(ctx, "Failed to answer hello",
			"to", reply,
			"error", err,
			"error_kind", kindTransport,
		)
		return err
	}
	return nil
}

// onConfigurationChange applies every entry it can and always announces the
// resulting configuration.
func (s *Service) onConfigurationChange(ctx context.Context, env *message.Envelope) error {
	entries, _ := env.Data["configurations"].([]any)

	for i, raw := range entries {
		entry, ok := raw.(map[string]any)
		if !ok {
			s.logger.WarnContext(ctx, "Skipping configuration entry that is not an object", "index", i)
			continue
		}
		key, _ := entry["key"].(string)
		value, _ := entry["value"].(map[string]any)

		current, hasCurrent := value["current"]
		if key == "" || !hasCurrent {
			s.logger.WarnContext(ctx, "Skipping incomplete configuration entry", "index", i, "key", key)
			continue
		}

		if declared, err := s.registry.Type(key); err == nil {
			if sent, _ := value["type"].(string); sent != "" && configstore.ValueType(sent) != declared {
				s.logger.WarnContext(ctx, "Configuration type differs from declaration, using declared type",
					"key", key,
					"sent_type", sent,
					"declared_type", declared,
				)
			}
		}

		applied, err := s.registry.Apply(ctx, key, current)
		var coercionErr *configstore.CoercionError
		switch {
		case errors.Is(err, configstore.ErrUnknownKey):
			s.logger.WarnContext(ctx, "Ignoring unknown configuration",
				"key", key,
				"error_kind", kindUnknownKey,
			)
		case errors.As(err, &coercionErr):
			s.logger.WarnContext(ctx, "Ignoring configuration that does not fit its type",
				"key", key,
				"error", err,
				"error_kind", kindCoercion,
			)
		case err != nil:
			s.logger.ErrorContext(ctx, "Failed to store configuration",
				"key", key,
				"error", err,
				"error_kind", kindConfiguration,
			)
		default:
			s.logger.InfoContext(ctx, "Configuration changed",
				"key", key,
				"value", applied,
				"by", env.ID,
			)
		}
	}

	if err := s.SendConfigurationChanged(ctx, ""); err != nil {
		s.logger.ErrorContext(ctx, "Failed to announce configuration",
			"error", err,
			"error_kind", kindTransport,
		)
		return err
	}
	return nil
}

func (s *Service) runCallback(ctx context.Context, env *message.Envelope) (err error) {
	if s.config.Callback == nil {
		return nil
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", ErrDomainTask, r)
		}
		if err != nil {
			s.metrics.IncrementEnvelopeErrors(ctx, env.Message, kindDomainTask)
			s.logger.ErrorContext(ctx, "Callback failed",
				"message", env.Message,
				"from", env.ID,
				"error", err,
				"error_kind", kindDomainTask,
			)
		}
	}()

	if cbErr := s.config.Callback(ctx, s, env); cbErr != nil {
		return fmt.Errorf("%w: %w", ErrDomainTask, cbErr)
	}
	return nil
}
