package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/IMEsec-USP/vumos-common/internal/agent"
	"github.com/IMEsec-USP/vumos-common/internal/configstore"
	"github.com/IMEsec-USP/vumos-common/internal/database"
)

const (
	keyTargets = "targets"
	keyPorts   = "ports"
	keyTimeout = "timeout"
)

func parameters() []configstore.Parameter {
	return []configstore.Parameter{
		{
			Name:        "Targets",
			Description: "Comma separated hosts to probe",
			Key:         keyTargets,
			Value:       configstore.Value{Type: configstore.TypeString, Default: "127.0.0.1"},
		},
		{
			Name:        "Ports",
			Description: "Comma separated TCP ports to probe on every target",
			Key:         keyPorts,
			Value:       configstore.Value{Type: configstore.TypeString, Default: "22,80,443"},
		},
		{
			Name:        "Timeout",
			Description: "Connect timeout in seconds",
			Key:         keyTimeout,
			Value:       configstore.Value{Type: configstore.TypeFloat, Default: 2.0},
		},
	}
}

// prober checks which configured TCP ports accept connections and reports
// every open one.
type prober struct {
	db   *database.Client
	dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

func (p *prober) condition(ctx context.Context, svc *agent.Service) (any, bool) {
	raw, err := svc.Registry().GetString(ctx, keyTargets)
	if err != nil {
		svc.Logger().WarnContext(ctx, "No targets configured", "error", err)
		return nil, false
	}
	targets := splitList(raw)
	return targets, len(targets) > 0
}

func (p *prober) task(ctx context.Context, svc *agent.Service, value any) error {
	targets, _ := value.([]string)

	rawPorts, err := svc.Registry().GetString(ctx, keyPorts)
	if err != nil {
		return err
	}
	ports, err := parsePorts(rawPorts)
	if err != nil {
		return err
	}
	seconds, err := svc.Registry().GetFloat(ctx, keyTimeout)
	if err != nil {
		return err
	}
	timeout := time.Duration(seconds * float64(time.Second))

	var errs []error
	for _, target := range targets {
		open := p.probe(ctx, target, ports, timeout)
		svc.Logger().InfoContext(ctx, "Target probed",
			"target", target,
			"open_ports", open,
		)
		if len(open) == 0 {
			continue
		}

		for _, port := range open {
			errs = append(errs, svc.SendServiceData(ctx, target, port, agent.ServiceInfo{Protocol: "tcp"}, ""))
		}
		errs = append(errs, svc.SendTargetData(ctx, target, nil, map[string]any{"open_ports": open}, ""))

		if p.db != nil {
			_, err := p.db.Put(ctx, database.Host, map[string]any{
				"ip":         target,
				"open_ports": open,
				"seen_at":    time.Now().UTC().Format(time.RFC3339),
			}, database.Query{ID: target})
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *prober) probe(ctx context.Context, target string, ports []int, timeout time.Duration) []int {
	dial := p.dial
	if dial == nil {
		dial = (&net.Dialer{}).DialContext
	}

	var open []int
	for _, port := range ports {
		dialCtx, cancel := context.WithTimeout(ctx, timeout)
		conn, err := dial(dialCtx, "tcp", net.JoinHostPort(target, strconv.Itoa(port)))
		cancel()
		if err != nil {
			continue
		}
		_ = conn.Close()
		open = append(open, port)
	}
	return open
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parsePorts(s string) ([]int, error) {
	var ports []int
	for _, part := range splitList(s) {
		port, err := strconv.Atoi(part)
		if err != nil || port < 1 || port > 65535 {
			return nil, fmt.Errorf("invalid port %q", part)
		}
		ports = append(ports, port)
	}
	return ports, nil
}
