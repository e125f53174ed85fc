package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IMEsec-USP/vumos-common/internal/agent"
	"github.com/IMEsec-USP/vumos-common/internal/configstore"
	"github.com/IMEsec-USP/vumos-common/internal/message"
	"github.com/IMEsec-USP/vumos-common/internal/transport"
	"github.com/IMEsec-USP/vumos-common/internal/transport/memory"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newProbeService(t *testing.T, bus *memory.Bus) *agent.Service {
	t.Helper()
	reg := configstore.NewRegistry(configstore.NewMemoryBackend(), discardLogger())
	svc, err := agent.New(context.Background(), &agent.Config{
		ID:         "probe-01",
		Name:       "probe",
		Parameters: parameters(),
		Logger:     discardLogger(),
	}, bus, reg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

func TestTask_ReportsOpenPorts(t *testing.T) {
	ctx := context.Background()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer lis.Close()
	go func() {
		for {
			conn, err := lis.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()
	openPort := lis.Addr().(*net.TCPAddr).Port

	closed, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	closedPort := closed.Addr().(*net.TCPAddr).Port
	require.NoError(t, closed.Close())

	bus := memory.New(discardLogger())
	var (
		mu  sync.Mutex
		got []*message.Envelope
	)
	_, err = bus.Subscribe(ctx, transport.BroadcastSubject, func(_ context.Context, msg *transport.Msg) {
		env, err := message.Decode(msg.Data)
		if !assert.NoError(t, err) {
			return
		}
		mu.Lock()
		got = append(got, env)
		mu.Unlock()
	})
	require.NoError(t, err)

	svc := newProbeService(t, bus)
	_, err = svc.Registry().Set(ctx, keyPorts, strconv.Itoa(openPort)+","+strconv.Itoa(closedPort))
	require.NoError(t, err)

	p := &prober{}
	value, ok := p.condition(ctx, svc)
	require.True(t, ok)
	require.NoError(t, p.task(ctx, svc, value))
	bus.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 2)

	byTag := map[string]*message.Envelope{}
	for _, env := range got {
		byTag[env.Message] = env
	}
	service := byTag[message.TagDataService]
	require.NotNil(t, service)
	assert.Equal(t, "127.0.0.1", service.Data["ip_address"])
	assert.Equal(t, json.Number(strconv.Itoa(openPort)), service.Data["port"])
	assert.Equal(t, "tcp", service.Data["protocol"])

	target := byTag[message.TagDataTarget]
	require.NotNil(t, target)
	assert.Equal(t, "127.0.0.1", target.Data["ip_address"])
	assert.Equal(t, []any{}, target.Data["domains"])
}

func TestCondition_NoTargets(t *testing.T) {
	ctx := context.Background()
	svc := newProbeService(t, memory.New(discardLogger()))

	_, err := svc.Registry().Set(ctx, keyTargets, " , ")
	require.NoError(t, err)

	_, ok := (&prober{}).condition(ctx, svc)
	assert.False(t, ok)
}

func TestParsePorts(t *testing.T) {
	ports, err := parsePorts(" 22, 80 ,443,")
	require.NoError(t, err)
	assert.Equal(t, []int{22, 80, 443}, ports)

	for _, bad := range []string{"http", "0", "65536"} {
		_, err := parsePorts(bad)
		assert.Error(t, err, bad)
	}
}
