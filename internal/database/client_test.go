package database

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IMEsec-USP/vumos-common/internal/agent"
	"github.com/IMEsec-USP/vumos-common/internal/configstore"
	"github.com/IMEsec-USP/vumos-common/internal/message"
	"github.com/IMEsec-USP/vumos-common/internal/transport"
	"github.com/IMEsec-USP/vumos-common/internal/transport/memory"
)

const dataSubject = "service.database"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeDataService answers every request with reply and reports what it got.
func fakeDataService(t *testing.T, bus *memory.Bus, reply func(req *message.Envelope) map[string]any) <-chan *message.Envelope {
	t.Helper()
	got := make(chan *message.Envelope, 8)

	_, err := bus.Subscribe(context.Background(), dataSubject, func(ctx context.Context, msg *transport.Msg) {
		req, err := message.Decode(msg.Data)
		if err != nil {
			return
		}
		got <- req

		data := reply(req)
		if data == nil {
			return
		}
		out, err := message.Encode(&message.Envelope{
			ID:      "database",
			Message: message.TagDataResult,
			Source:  message.SourceService,
			Mode:    message.ModeTargeted,
			Data:    data,
		})
		if err != nil {
			return
		}
		_ = bus.Publish(ctx, msg.Reply, dataSubject, out)
	})
	require.NoError(t, err)
	return got
}

func newTestClient(t *testing.T, bus *memory.Bus, opts Options) *Client {
	t.Helper()
	ctx := context.Background()

	reg := configstore.NewRegistry(configstore.NewMemoryBackend(), discardLogger())
	svc, err := agent.New(ctx, &agent.Config{ID: "scanner-01", Name: "scanner", Logger: discardLogger()}, bus, reg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })

	if opts.Target == "" {
		opts.Target = dataSubject
	}
	c, err := New(ctx, svc, bus, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func echoEntries(req *message.Envelope) map[string]any {
	return map[string]any{
		"request_id": req.Data["request_id"],
		"entries": []any{
			map[string]any{"ip": "10.0.0.1", "domains": []any{"example.org"}},
		},
	}
}

func TestGet(t *testing.T) {
	bus := memory.New(discardLogger())
	got := fakeDataService(t, bus, echoEntries)
	c := newTestClient(t, bus, Options{})

	res, err := c.Get(context.Background(), Host, []string{"ip", "domains"}, Query{ID: "10.0.0.1"})
	require.NoError(t, err)
	require.Len(t, res.Entries, 1)
	assert.Equal(t, "10.0.0.1", res.Entries[0]["ip"])

	req := <-got
	assert.Equal(t, message.TagDataGet, req.Message)
	assert.Equal(t, message.ModeTargeted, req.Mode)
	assert.Equal(t, "host", req.Data["type"])
	assert.Equal(t, "10.0.0.1", req.Data["id"])
	assert.Equal(t, []any{"ip", "domains"}, req.Data["fields"])
	assert.Equal(t, res.RequestID, req.Data["request_id"])
	assert.NotContains(t, req.Data, "filter")
}

func TestPutAndDelete(t *testing.T) {
	bus := memory.New(discardLogger())
	got := fakeDataService(t, bus, echoEntries)
	c := newTestClient(t, bus, Options{})
	ctx := context.Background()

	_, err := c.Put(ctx, Vulnerability, map[string]any{"cve": "CVE-2021-44228"}, Query{Filter: map[string]any{"host": "10.0.0.1"}})
	require.NoError(t, err)
	req := <-got
	assert.Equal(t, message.TagDataPut, req.Message)
	assert.Equal(t, "vulnerability", req.Data["type"])
	assert.Equal(t, map[string]any{"cve": "CVE-2021-44228"}, req.Data["data"])
	assert.Equal(t, map[string]any{"host": "10.0.0.1"}, req.Data["filter"])

	_, err = c.Delete(ctx, Path, Query{ID: "/admin"})
	require.NoError(t, err)
	req = <-got
	assert.Equal(t, message.TagDataDelete, req.Message)
	assert.Equal(t, "path", req.Data["type"])
	assert.Equal(t, "/admin", req.Data["id"])
}

func TestRequestFailure(t *testing.T) {
	bus := memory.New(discardLogger())
	fakeDataService(t, bus, func(req *message.Envelope) map[string]any {
		return map[string]any{"request_id": req.Data["request_id"], "error": "no such collection"}
	})
	c := newTestClient(t, bus, Options{})

	res, err := c.Delete(context.Background(), Machine, Query{ID: "m-1"})
	assert.ErrorIs(t, err, ErrRequestFailed)
	require.NotNil(t, res)
	assert.Equal(t, "no such collection", res.Error)
}

func TestTimeout(t *testing.T) {
	bus := memory.New(discardLogger())
	fakeDataService(t, bus, func(*message.Envelope) map[string]any { return nil })
	c := newTestClient(t, bus, Options{Timeout: 50 * time.Millisecond})

	_, err := c.Get(context.Background(), Host, nil, Query{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Empty(t, c.pending)
}

func TestUnknownEntryType(t *testing.T) {
	bus := memory.New(discardLogger())
	c := newTestClient(t, bus, Options{})

	_, err := c.Get(context.Background(), EntryType("user"), nil, Query{})
	assert.ErrorIs(t, err, ErrUnknownEntryType)
}

func TestUnmatchedResultIsIgnored(t *testing.T) {
	bus := memory.New(discardLogger())
	c := newTestClient(t, bus, Options{})

	out, err := message.Encode(&message.Envelope{
		ID:      "database",
		Message: message.TagDataResult,
		Source:  message.SourceService,
		Mode:    message.ModeTargeted,
		Data:    map[string]any{"request_id": "stale"},
	})
	require.NoError(t, err)
	require.NoError(t, bus.Publish(context.Background(), "service.scanner-01", dataSubject, out))
	bus.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Empty(t, c.pending)
}

func TestClosedClient(t *testing.T) {
	bus := memory.New(discardLogger())
	c := newTestClient(t, bus, Options{})

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, err := c.Get(context.Background(), Host, nil, Query{})
	assert.ErrorIs(t, err, ErrClosed)
}
