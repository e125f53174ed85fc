// Command vumos-broker routes envelopes between agents. It serves the gRPC
// event bus and, unless disabled, a ZeroMQ XSUB/XPUB proxy.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"gopkg.in/urfave/cli.v1"

	"github.com/IMEsec-USP/vumos-common/internal/bootstrap"
	"github.com/IMEsec-USP/vumos-common/internal/config"
	"github.com/IMEsec-USP/vumos-common/internal/dedupe"
	"github.com/IMEsec-USP/vumos-common/internal/transport/grpcbus"
	"github.com/IMEsec-USP/vumos-common/internal/transport/zmqbus"
)

const component = "vumos-broker"

var (
	configFileFlag = cli.StringFlag{
		Name:   "config",
		Usage:  "YAML or TOML configuration file",
		EnvVar: "VUMOS_CONFIG",
	}
	noZMQFlag = cli.BoolFlag{
		Name:  "no-zmq",
		Usage: "do not start the ZeroMQ proxy",
	}
)

func main() {
	app := cli.NewApp()
	app.Name = component
	app.Usage = "vumos event bus broker"
	app.Flags = []cli.Flag{configFileFlag, noZMQFlag}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg, err := config.Load(c.String(configFileFlag.Name))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obs, err := bootstrap.NewObservability(cfg, component)
	if err != nil {
		return err
	}
	defer bootstrap.Shutdown(obs)
	logger := obs.Logger

	seen := dedupe.New(cfg.Broker.DedupeTTL, cfg.Broker.DedupeSize)
	defer seen.Close()

	srv := grpcbus.NewServer(grpcbus.BrokerConfig{
		Logger:  logger,
		Metrics: obs.Metrics,
		Traces:  obs.Traces,
		Dedupe:  seen,
	})

	hs := bootstrap.NewHealthServer(cfg, component)
	go func() {
		logger.Info("Starting health server", "addr", cfg.Observability.HealthAddr)
		if err := hs.Start(ctx); err != nil {
			logger.Error("Health server failed", "error", err)
		}
	}()

	if !c.Bool(noZMQFlag.Name) && cfg.Broker.ZMQFrontend != "" && cfg.Broker.ZMQBackend != "" {
		proxy := zmqbus.NewProxy(cfg.Broker.ZMQFrontend, cfg.Broker.ZMQBackend, logger)
		go func() {
			if err := proxy.Run(ctx); err != nil {
				logger.Error("ZMQ proxy failed", "error", err)
			}
		}()
	}

	logger.Info("Broker starting",
		"listen_addr", cfg.Broker.ListenAddr,
		"dedupe_size", cfg.Broker.DedupeSize,
		"dedupe_ttl", cfg.Broker.DedupeTTL.String(),
	)
	return srv.ListenAndServe(ctx, cfg.Broker.ListenAddr)
}
