package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/IMEsec-USP/vumos-common/internal/message"
	"github.com/IMEsec-USP/vumos-common/internal/transport"
)

// manager speaks the coordination protocol as a manager: its envelopes are
// never ignored by services, and replies come back on its own subject.
type manager struct {
	id  string
	bus transport.Transport
}

func (m *manager) subject() string {
	return "manager." + m.id
}

// listen delivers every decodable envelope sent to the manager subject,
// plus broadcasts when all is set.
func (m *manager) listen(ctx context.Context, all bool, fn func(subject string, env *message.Envelope)) (func(), error) {
	handler := func(_ context.Context, msg *transport.Msg) {
		env, err := message.Decode(msg.Data)
		if err != nil {
			return
		}
		fn(msg.Subject, env)
	}

	subjects := []string{m.subject()}
	if all {
		subjects = append(subjects, transport.BroadcastSubject)
	}

	var subs []transport.Subscription
	cancel := func() {
		for _, s := range subs {
			_ = s.Unsubscribe()
		}
	}
	for _, subject := range subjects {
		sub, err := m.bus.Subscribe(ctx, subject, handler)
		if err != nil {
			cancel()
			return nil, err
		}
		subs = append(subs, sub)
	}
	return cancel, nil
}

func (m *manager) send(ctx context.Context, tag string, data map[string]any, agentID string) error {
	processed, err := message.MarkProcessed(nil, m.id, data)
	if err != nil {
		return err
	}

	mode, subject := message.ModeBroadcast, transport.BroadcastSubject
	if agentID != "" {
		mode, subject = message.ModeTargeted, transport.DirectedSubject(agentID)
	}

	payload, err := message.Encode(&message.Envelope{
		ID:        m.id,
		Message:   tag,
		Source:    message.SourceManager,
		Mode:      mode,
		Processed: processed,
		Data:      data,
	})
	if err != nil {
		return err
	}
	return m.bus.Publish(ctx, subject, m.subject(), payload)
}

// hello asks one agent, or every agent when agentID is empty, to report.
func (m *manager) hello(ctx context.Context, agentID string) error {
	return m.send(ctx, message.TagHello, map[string]any{}, agentID)
}

// setConfig sends key=value assignments to agentID. Values travel as
// strings; the agent converts them to the declared types.
func (m *manager) setConfig(ctx context.Context, agentID string, assignments []string) error {
	if agentID == "" {
		return fmt.Errorf("an agent id is required")
	}

	entries := make([]any, 0, len(assignments))
	for _, a := range assignments {
		key, value, ok := strings.Cut(a, "=")
		if !ok || key == "" {
			return fmt.Errorf("invalid assignment %q, want key=value", a)
		}
		entries = append(entries, map[string]any{
			"key":   key,
			"value": map[string]any{"current": value},
		})
	}
	if len(entries) == 0 {
		return fmt.Errorf("no assignments given")
	}

	return m.send(ctx, message.TagConfigurationChange, map[string]any{"configurations": entries}, agentID)
}
