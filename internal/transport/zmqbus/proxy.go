package zmqbus

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	zmq "github.com/pebbe/zmq4"
)

// Proxy forwards every message published on its XSUB endpoint to the
// subscribers of its XPUB endpoint.
type Proxy struct {
	PublishAddr   string
	SubscribeAddr string
	Logger        *slog.Logger
}

func NewProxy(publishAddr, subscribeAddr string, logger *slog.Logger) *Proxy {
	if logger == nil {
		logger = slog.Default()
	}
	return &Proxy{
		PublishAddr:   publishAddr,
		SubscribeAddr: subscribeAddr,
		Logger:        logger.With("component", "zmq_proxy"),
	}
}

// Run binds both endpoints and proxies until ctx is cancelled.
func (p *Proxy) Run(ctx context.Context) error {
	zctx, err := zmq.NewContext()
	if err != nil {
		return fmt.Errorf("zmq context: %w", err)
	}
	defer zctx.Term()

	frontend, err := p.bind(zctx, zmq.XSUB, p.PublishAddr)
	if err != nil {
		return err
	}
	defer frontend.Close()

	backend, err := p.bind(zctx, zmq.XPUB, p.SubscribeAddr)
	if err != nil {
		return err
	}
	defer backend.Close()

	controlAddr := "inproc://proxy-control-" + uuid.NewString()
	control, err := p.bind(zctx, zmq.PAIR, controlAddr)
	if err != nil {
		return err
	}
	defer control.Close()

	stopped := make(chan struct{})
	defer close(stopped)
	go func() {
		select {
		case <-ctx.Done():
		case <-stopped:
			return
		}
		if err := p.terminate(zctx, controlAddr); err != nil {
			p.Logger.Error("Failed to stop zmq proxy", "error", err)
		}
	}()

	p.Logger.Info("ZMQ proxy listening",
		"publish_addr", p.PublishAddr,
		"subscribe_addr", p.SubscribeAddr,
	)

	if err := zmq.ProxySteerable(frontend, backend, nil, control); err != nil {
		return fmt.Errorf("zmq proxy: %w", err)
	}
	p.Logger.Info("ZMQ proxy stopped")
	return nil
}

func (p *Proxy) bind(zctx *zmq.Context, kind zmq.Type, addr string) (*zmq.Socket, error) {
	s, err := zctx.NewSocket(kind)
	if err != nil {
		return nil, fmt.Errorf("%s socket: %w", kind, err)
	}
	if err := s.SetLinger(0); err != nil {
		s.Close()
		return nil, fmt.Errorf("%s linger: %w", kind, err)
	}
	if err := s.Bind(addr); err != nil {
		s.Close()
		return nil, fmt.Errorf("bind %s on %s: %w", kind, addr, err)
	}
	return s, nil
}

func (p *Proxy) terminate(zctx *zmq.Context, controlAddr string) error {
	s, err := zctx.NewSocket(zmq.PAIR)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.Connect(controlAddr); err != nil {
		return err
	}
	_, err = s.Send("TERMINATE", 0)
	return err
}
