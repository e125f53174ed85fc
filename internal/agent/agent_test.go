package agent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IMEsec-USP/vumos-common/internal/configstore"
	"github.com/IMEsec-USP/vumos-common/internal/message"
	"github.com/IMEsec-USP/vumos-common/internal/transport/memory"
)

const managerReply = "manager.manager-1"

type published struct {
	subject string
	reply   string
	env     *message.Envelope
}

// recorder is a memory bus that remembers every publish in call order.
type recorder struct {
	*memory.Bus

	mu  sync.Mutex
	out []published
}

func newRecorder() *recorder {
	return &recorder{Bus: memory.New(discardLogger())}
}

func (r *recorder) Publish(ctx context.Context, subject, reply string, data []byte) error {
	env, err := message.Decode(data)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.out = append(r.out, published{subject: subject, reply: reply, env: env})
	r.mu.Unlock()
	return r.Bus.Publish(ctx, subject, reply, data)
}

func (r *recorder) sent() []published {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]published(nil), r.out...)
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.out = nil
}

// inject delivers an envelope as if another participant published it.
func (r *recorder) inject(t *testing.T, subject, reply string, env *message.Envelope) {
	t.Helper()
	data, err := message.Encode(env)
	require.NoError(t, err)
	require.NoError(t, r.Bus.Publish(context.Background(), subject, reply, data))
	r.Wait()
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func rateParameter() configstore.Parameter {
	return configstore.Parameter{
		Name:  "Rate",
		Key:   "rate",
		Value: configstore.Value{Type: configstore.TypeInteger, Default: 5},
	}
}

func ratioParameter() configstore.Parameter {
	return configstore.Parameter{
		Name:  "Ratio",
		Key:   "ratio",
		Value: configstore.Value{Type: configstore.TypeFloat, Default: 0.5},
	}
}

func newTestService(t *testing.T, rec *recorder, cfg Config) *Service {
	t.Helper()
	ctx := context.Background()

	if cfg.ID == "" {
		cfg.ID = "scanner-01"
	}
	if cfg.Name == "" {
		cfg.Name = "scanner"
	}
	if cfg.Parameters == nil {
		cfg.Parameters = []configstore.Parameter{rateParameter(), ratioParameter()}
	}
	cfg.Logger = discardLogger()

	reg := configstore.NewRegistry(configstore.NewMemoryBackend(), discardLogger())
	svc, err := New(ctx, &cfg, rec, reg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })

	require.NoError(t, svc.Connect(ctx))
	rec.Wait()
	rec.reset()
	return svc
}

func managerEnvelope(tag string, mode message.Mode, data map[string]any) *message.Envelope {
	return &message.Envelope{
		ID:      "manager-1",
		Message: tag,
		Source:  message.SourceManager,
		Mode:    mode,
		Data:    data,
	}
}

func tags(out []published) []string {
	res := make([]string, len(out))
	for i, p := range out {
		res[i] = p.env.Message
	}
	return res
}

func TestHello_FromSelfIsDropped(t *testing.T) {
	rec := newRecorder()
	svc := newTestService(t, rec, Config{})

	env := managerEnvelope(message.TagHello, message.ModeBroadcast, map[string]any{"name": "scanner"})
	env.ID = svc.ID()
	rec.inject(t, "broadcast", svc.DirectedSubject(), env)

	assert.Empty(t, rec.sent())
}

func TestHello_OwnBroadcastIsNotAnswered(t *testing.T) {
	rec := newRecorder()
	svc := newTestService(t, rec, Config{})

	require.NoError(t, svc.SendHello(context.Background(), ""))
	rec.Wait()

	assert.Equal(t, []string{message.TagHello}, tags(rec.sent()))
}

func TestHello_FromManagerRepliesInOrder(t *testing.T) {
	rec := newRecorder()
	svc := newTestService(t, rec, Config{})

	rec.inject(t, "broadcast", managerReply, managerEnvelope(message.TagHello, message.ModeBroadcast, map[string]any{}))

	out := rec.sent()
	require.Equal(t, []string{
		message.TagHello,
		message.TagStatusUpdate,
		message.TagConfigurationChanged,
	}, tags(out))

	for _, p := range out {
		assert.Equal(t, managerReply, p.subject)
		assert.Equal(t, svc.DirectedSubject(), p.reply)
		assert.Equal(t, message.ModeTargeted, p.env.Mode)
		assert.Equal(t, message.SourceService, p.env.Source)
		assert.Equal(t, svc.ID(), p.env.ID)
	}

	assert.Equal(t, "red", out[1].env.Data["code"])
	configurations := out[2].env.Data["configurations"].([]any)
	require.Len(t, configurations, 2)
	first := configurations[0].(map[string]any)
	assert.Equal(t, "rate", first["key"])
	assert.Equal(t, json.Number("5"), first["value"].(map[string]any)["current"])
}

func TestHello_TargetedFromManagerSkipsHello(t *testing.T) {
	rec := newRecorder()
	svc := newTestService(t, rec, Config{})

	rec.inject(t, svc.DirectedSubject(), managerReply, managerEnvelope(message.TagHello, message.ModeTargeted, map[string]any{}))

	assert.Equal(t, []string{message.TagStatusUpdate, message.TagConfigurationChanged}, tags(rec.sent()))
}

func TestReceive_DuplicateIsDropped(t *testing.T) {
	rec := newRecorder()
	svc := newTestService(t, rec, Config{})

	data := map[string]any{"nonce": "1"}
	processed, err := message.MarkProcessed(nil, svc.ID(), data)
	require.NoError(t, err)

	env := managerEnvelope(message.TagHello, message.ModeBroadcast, data)
	env.Processed = processed
	rec.inject(t, "broadcast", managerReply, env)

	assert.Empty(t, rec.sent())
}

func TestReceive_ServiceSourceIgnoredByDefault(t *testing.T) {
	rec := newRecorder()
	newTestService(t, rec, Config{})

	env := managerEnvelope(message.TagHello, message.ModeBroadcast, map[string]any{})
	env.ID = "peer"
	env.Source = message.SourceService
	rec.inject(t, "broadcast", "service.peer", env)

	assert.Empty(t, rec.sent())
}

func TestReceive_ServiceSourceAccepted(t *testing.T) {
	rec := newRecorder()
	newTestService(t, rec, Config{AcceptServiceMessages: true})

	env := managerEnvelope(message.TagHello, message.ModeBroadcast, map[string]any{})
	env.ID = "peer"
	env.Source = message.SourceService
	rec.inject(t, "broadcast", "service.peer", env)

	out := rec.sent()
	require.Equal(t, []string{message.TagHello}, tags(out))
	assert.Equal(t, "service.peer", out[0].subject)
}

func TestReceive_MalformedIsDropped(t *testing.T) {
	rec := newRecorder()
	newTestService(t, rec, Config{})

	require.NoError(t, rec.Bus.Publish(context.Background(), "broadcast", managerReply, []byte(`{"id":"x"}`)))
	rec.Wait()

	assert.Empty(t, rec.sent())
}

func TestConfigurationChange(t *testing.T) {
	rec := newRecorder()
	svc := newTestService(t, rec, Config{})
	ctx := context.Background()

	rec.inject(t, "broadcast", managerReply, managerEnvelope(message.TagConfigurationChange, message.ModeBroadcast, map[string]any{
		"configurations": []any{
			map[string]any{"key": "rate", "value": map[string]any{"current": "42", "type": "integer"}},
			map[string]any{"key": "intruder", "value": map[string]any{"current": "1", "type": "integer"}},
			map[string]any{"key": "ratio", "value": map[string]any{"current": "oops", "type": "float"}},
			"not an object",
		},
	}))

	rate, err := svc.GetConfig(ctx, "rate")
	require.NoError(t, err)
	assert.Equal(t, int64(42), rate)

	ratio, err := svc.GetConfig(ctx, "ratio")
	require.NoError(t, err)
	assert.Equal(t, 0.5, ratio)

	assert.False(t, svc.Registry().Has("intruder"))

	out := rec.sent()
	require.Equal(t, []string{message.TagConfigurationChanged}, tags(out))
	assert.Equal(t, "broadcast", out[0].subject)
	assert.Equal(t, message.ModeBroadcast, out[0].env.Mode)
}

func TestConfigurationChange_DeclaredTypeWins(t *testing.T) {
	rec := newRecorder()
	svc := newTestService(t, rec, Config{})

	rec.inject(t, "broadcast", managerReply, managerEnvelope(message.TagConfigurationChange, message.ModeBroadcast, map[string]any{
		"configurations": []any{
			map[string]any{"key": "rate", "value": map[string]any{"current": 7, "type": "string"}},
		},
	}))

	rate, err := svc.GetConfig(context.Background(), "rate")
	require.NoError(t, err)
	assert.Equal(t, int64(7), rate)
}

func TestStatusUpdateIsIgnored(t *testing.T) {
	rec := newRecorder()
	called := false
	newTestService(t, rec, Config{Callback: func(context.Context, *Service, *message.Envelope) error {
		called = true
		return nil
	}})

	rec.inject(t, "broadcast", managerReply, managerEnvelope(message.TagStatusUpdate, message.ModeBroadcast, map[string]any{"code": "green"}))

	assert.Empty(t, rec.sent())
	assert.False(t, called)
}

func TestCallback(t *testing.T) {
	rec := newRecorder()

	var (
		mu  sync.Mutex
		got []*message.Envelope
	)
	newTestService(t, rec, Config{Callback: func(ctx context.Context, svc *Service, env *message.Envelope) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, env)
		return nil
	}})

	rec.inject(t, "broadcast", managerReply, managerEnvelope("scan.request", message.ModeBroadcast, map[string]any{"target": "10.0.0.1"}))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, "10.0.0.1", got[0].Data["target"])
}

func TestCallback_FailuresAreContained(t *testing.T) {
	rec := newRecorder()
	newTestService(t, rec, Config{Callback: func(ctx context.Context, svc *Service, env *message.Envelope) error {
		if env.Data["panic"] == true {
			panic("boom")
		}
		return errors.New("task failed")
	}})

	rec.inject(t, "broadcast", managerReply, managerEnvelope("scan.request", message.ModeBroadcast, map[string]any{"panic": true}))
	rec.inject(t, "broadcast", managerReply, managerEnvelope("scan.request", message.ModeBroadcast, map[string]any{"panic": false}))

	rec.inject(t, "broadcast", managerReply, managerEnvelope(message.TagHello, message.ModeBroadcast, map[string]any{}))
	assert.Len(t, rec.sent(), 3)
}

func TestRunCallback_WrapsDomainTaskError(t *testing.T) {
	rec := newRecorder()
	svc := newTestService(t, rec, Config{Callback: func(context.Context, *Service, *message.Envelope) error {
		panic("boom")
	}})

	err := svc.runCallback(context.Background(), managerEnvelope("x", message.ModeBroadcast, map[string]any{}))
	assert.ErrorIs(t, err, ErrDomainTask)
}

func TestConnect_AnnouncesHello(t *testing.T) {
	rec := newRecorder()
	ctx := context.Background()

	reg := configstore.NewRegistry(configstore.NewMemoryBackend(), discardLogger())
	svc, err := New(ctx, &Config{ID: "a1", Name: "scanner", Logger: discardLogger()}, rec, reg)
	require.NoError(t, err)
	defer svc.Close()

	require.NoError(t, svc.Connect(ctx))
	rec.Wait()

	out := rec.sent()
	require.Equal(t, []string{message.TagHello}, tags(out))
	assert.Equal(t, "broadcast", out[0].subject)
	assert.Equal(t, "scanner", out[0].env.Data["name"])
	assert.Equal(t, json.Number("60"), out[0].env.Data["status_expiry"])
}

func TestConnect_DurableRegistryAnnouncesConfiguration(t *testing.T) {
	rec := newRecorder()
	ctx := context.Background()

	backend, err := configstore.NewSQLiteBackend(filepath.Join(t.TempDir(), "config.db"))
	require.NoError(t, err)
	reg := configstore.NewRegistry(backend, discardLogger())
	defer reg.Close()

	svc, err := New(ctx, &Config{
		ID:         "a1",
		Name:       "scanner",
		Parameters: []configstore.Parameter{rateParameter()},
		Logger:     discardLogger(),
	}, rec, reg)
	require.NoError(t, err)
	defer svc.Close()

	require.NoError(t, svc.Connect(ctx))
	rec.Wait()

	assert.Equal(t, []string{message.TagHello, message.TagConfigurationChanged}, tags(rec.sent()))
}

func TestRun_HeartbeatUntilStop(t *testing.T) {
	rec := newRecorder()
	svc := newTestService(t, rec, Config{StatusExpiry: 40 * time.Millisecond})
	svc.SetStatus(NewStatus("GREEN", "all good"))

	done := make(chan error, 1)
	go func() { done <- svc.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		n := 0
		for _, p := range rec.sent() {
			if p.env.Message == message.TagStatusUpdate {
				n++
			}
		}
		return n >= 2
	}, 2*time.Second, 10*time.Millisecond)

	svc.Stop()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Stop")
	}

	status := rec.sent()[0].env
	assert.Equal(t, "green", status.Data["code"])
	assert.Equal(t, "all good", status.Data["message"])
	assert.Equal(t, "broadcast", rec.sent()[0].subject)
}

func TestRun_WaitsForExtraLoops(t *testing.T) {
	rec := newRecorder()
	svc := newTestService(t, rec, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	started := make(chan struct{})
	svc.AddLoop("extra", func(ctx context.Context) {
		close(started)
		<-ctx.Done()
	})

	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	<-started
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestRun_RequiresConnect(t *testing.T) {
	reg := configstore.NewRegistry(configstore.NewMemoryBackend(), nil)
	svc, err := New(context.Background(), &Config{ID: "a1", Name: "scanner"}, newRecorder(), reg)
	require.NoError(t, err)

	assert.ErrorIs(t, svc.Run(context.Background()), ErrNotConnected)
}

func TestSleep(t *testing.T) {
	rec := newRecorder()
	svc := newTestService(t, rec, Config{})

	assert.True(t, svc.Sleep(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, svc.Sleep(ctx, time.Hour))

	svc.Stop()
	assert.False(t, svc.Running())
	assert.False(t, svc.Sleep(context.Background(), time.Hour))
}

func TestStatus(t *testing.T) {
	rec := newRecorder()
	svc := newTestService(t, rec, Config{})

	assert.Equal(t, Status{Code: "red", Message: "[ERROR] Service still has no status set"}, svc.Status())

	svc.SetStatus(Status{Code: "Running", Message: "busy"})
	assert.Equal(t, "running", svc.Status().Code)
}

func TestIdentity(t *testing.T) {
	reg := func() *configstore.Registry { return configstore.NewRegistry(configstore.NewMemoryBackend(), nil) }
	ctx := context.Background()

	t.Setenv("VUMOS_ID", "from-env")

	svc, err := New(ctx, &Config{Name: "scanner"}, newRecorder(), reg())
	require.NoError(t, err)
	assert.Equal(t, "from-env", svc.ID())
	assert.Equal(t, "service.from-env", svc.DirectedSubject())

	svc, err = New(ctx, &Config{ID: "explicit", Name: "scanner"}, newRecorder(), reg())
	require.NoError(t, err)
	assert.Equal(t, "explicit", svc.ID())
}

func TestNew_Validation(t *testing.T) {
	ctx := context.Background()
	reg := configstore.NewRegistry(configstore.NewMemoryBackend(), nil)

	_, err := New(ctx, &Config{ID: "a1"}, newRecorder(), reg)
	assert.ErrorIs(t, err, ErrMissingName)

	_, err = New(ctx, &Config{ID: "a1", Name: "x"}, nil, reg)
	assert.ErrorIs(t, err, ErrMissingTransport)

	_, err = New(ctx, &Config{ID: "a1", Name: "x"}, newRecorder(), nil)
	assert.ErrorIs(t, err, ErrMissingRegistry)
}

func TestNew_CopiesParameters(t *testing.T) {
	params := []configstore.Parameter{rateParameter()}
	rec := newRecorder()
	svc := newTestService(t, rec, Config{Parameters: params})

	params[0].Key = "mutated"
	assert.True(t, svc.Registry().Has("rate"))
}

func TestSendDomainData(t *testing.T) {
	rec := newRecorder()
	svc := newTestService(t, rec, Config{})
	ctx := context.Background()

	require.NoError(t, svc.SendTargetData(ctx, "10.0.0.1", nil, nil, ""))
	require.NoError(t, svc.SendServiceData(ctx, "10.0.0.1", 443, ServiceInfo{Protocol: "https"}, "service.db"))
	rec.Wait()

	out := rec.sent()
	require.Len(t, out, 2)

	target := out[0].env
	assert.Equal(t, message.TagDataTarget, target.Message)
	assert.Equal(t, []any{}, target.Data["domains"])
	assert.Contains(t, target.Data, "extra")

	service := out[1].env
	assert.Equal(t, message.TagDataService, service.Message)
	assert.Equal(t, "service.db", out[1].subject)
	assert.Equal(t, json.Number("443"), service.Data["port"])
	assert.Equal(t, "https", service.Data["protocol"])
	assert.NotContains(t, service.Data, "name")
	assert.NotContains(t, service.Data, "version")
}

func TestSendMessageProcessed_ContinuesChain(t *testing.T) {
	rec := newRecorder()
	svc := newTestService(t, rec, Config{})

	upstream, err := message.MarkProcessed(nil, "crawler", map[string]any{"url": "/"})
	require.NoError(t, err)

	data := map[string]any{"url": "/admin"}
	require.NoError(t, svc.SendMessageProcessed(context.Background(), "data_path", data, "", upstream))

	out := rec.sent()
	require.Len(t, out, 1)
	processed := out[0].env.Processed
	require.Len(t, processed, 2)
	assert.Equal(t, "crawler", processed[0].Module)
	assert.Equal(t, svc.ID(), processed[1].Module)
	assert.True(t, message.AlreadyHandled(processed, svc.ID(), out[0].env.Data))
}
