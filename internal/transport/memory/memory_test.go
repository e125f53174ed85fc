package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IMEsec-USP/vumos-common/internal/transport"
)

func TestBus_DeliversToSubjectSubscribers(t *testing.T) {
	bus := New(nil)
	defer bus.Close()
	ctx := context.Background()

	var (
		mu  sync.Mutex
		got []*transport.Msg
	)
	record := func(ctx context.Context, msg *transport.Msg) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, msg)
	}

	_, err := bus.Subscribe(ctx, "broadcast", record)
	require.NoError(t, err)
	_, err = bus.Subscribe(ctx, "broadcast", record)
	require.NoError(t, err)
	_, err = bus.Subscribe(ctx, "service.other", record)
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, "broadcast", "service.me", []byte("hi")))
	bus.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 2)
	for _, m := range got {
		assert.Equal(t, "broadcast", m.Subject)
		assert.Equal(t, "service.me", m.Reply)
		assert.Equal(t, "hi", string(m.Data))
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := New(nil)
	defer bus.Close()
	ctx := context.Background()

	calls := 0
	sub, err := bus.Subscribe(ctx, "broadcast", func(context.Context, *transport.Msg) { calls++ })
	require.NoError(t, err)
	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, sub.Unsubscribe())

	require.NoError(t, bus.Publish(ctx, "broadcast", "", []byte("x")))
	bus.Wait()
	assert.Zero(t, calls)
}

func TestBus_HandlerPanicIsContained(t *testing.T) {
	bus := New(nil)
	defer bus.Close()
	ctx := context.Background()

	done := make(chan struct{})
	_, err := bus.Subscribe(ctx, "s", func(context.Context, *transport.Msg) { panic("boom") })
	require.NoError(t, err)
	_, err = bus.Subscribe(ctx, "s", func(context.Context, *transport.Msg) { close(done) })
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, "s", "", nil))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("healthy handler was not called")
	}
}

func TestBus_Closed(t *testing.T) {
	bus := New(nil)
	require.NoError(t, bus.Close())

	err := bus.Publish(context.Background(), "s", "", nil)
	assert.True(t, errors.Is(err, transport.ErrTransport))
	assert.True(t, errors.Is(err, transport.ErrClosed))

	_, err = bus.Subscribe(context.Background(), "s", func(context.Context, *transport.Msg) {})
	assert.ErrorIs(t, err, transport.ErrClosed)
}
