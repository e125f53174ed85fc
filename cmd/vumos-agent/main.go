// Command vumos-agent is a scheduled vumos service probing TCP ports. It
// reports open ports as data_service and data_target envelopes and, when a
// data service is given, stores the hosts it found.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"gopkg.in/urfave/cli.v1"

	"github.com/IMEsec-USP/vumos-common/internal/agent"
	"github.com/IMEsec-USP/vumos-common/internal/bootstrap"
	"github.com/IMEsec-USP/vumos-common/internal/config"
	"github.com/IMEsec-USP/vumos-common/internal/database"
	"github.com/IMEsec-USP/vumos-common/internal/observability"
	"github.com/IMEsec-USP/vumos-common/internal/scheduled"
)

var (
	configFileFlag = cli.StringFlag{
		Name:   "config",
		Usage:  "YAML or TOML configuration file",
		EnvVar: "VUMOS_CONFIG",
	}
	dataServiceFlag = cli.StringFlag{
		Name:   "data-service",
		Usage:  "subject of the data service storing found hosts, e.g. service.database",
		EnvVar: "VUMOS_DATA_SERVICE",
	}
)

func main() {
	app := cli.NewApp()
	app.Name = "vumos-agent"
	app.Usage = "scheduled TCP port probe taking part in vumos coordination"
	app.Flags = []cli.Flag{configFileFlag, dataServiceFlag}
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

	obs, err := bootstrap.NewObservability(cfg, cfg.Service.Name)
	if err != nil {
		return err
	}
	defer bootstrap.Shutdown(obs)
	logger := obs.Logger

	id, err := agent.ResolveID(cfg.Service.ID)
	if err != nil {
		return err
	}

	registry, err := bootstrap.OpenRegistry(ctx, cfg, id, logger)
	if err != nil {
		return err
	}
	defer registry.Close()

	bus, err := bootstrap.OpenTransport(cfg, obs)
	if err != nil {
		return err
	}
	defer bus.Close()

	svc, err := agent.New(ctx, &agent.Config{
		ID:                    id,
		Name:                  cfg.Service.Name,
		Description:           cfg.Service.Description,
		Parameters:            parameters(),
		StatusExpiry:          cfg.Service.StatusExpiry,
		AcceptServiceMessages: !cfg.Service.IgnoreServices,
		Logger:                logger,
		Metrics:               obs.Metrics,
		Traces:                obs.Traces,
	}, bus, registry)
	if err != nil {
		return err
	}
	defer svc.Close()

	p := &prober{}
	if target := c.String(dataServiceFlag.Name); target != "" {
		db, err := database.New(ctx, svc, bus, database.Options{Target: target})
		if err != nil {
			return err
		}
		defer db.Close()
		p.db = db
	}
	scheduled.New(svc, p.condition, p.task, scheduled.Options{PoolInterval: cfg.Service.PoolInterval})

	hs := bootstrap.NewHealthServer(cfg, cfg.Service.Name)
	hs.AddChecker("agent", observability.NewBasicHealthChecker("agent", func(ctx context.Context) error {
		if !svc.Running() {
			return fmt.Errorf("agent %s stopped", svc.ID())
		}
		return nil
	}))
	go func() {
		if err := hs.Start(ctx); err != nil {
			logger.Error("Health server failed", "error", err)
		}
	}()

	if err := svc.Connect(ctx); err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		logger.Info("Agent shutting down gracefully", "agent_id", svc.ID())
		svc.Stop()
	}()

	logger.InfoContext(ctx, "Agent started",
		"agent_id", svc.ID(),
		"name", svc.Name(),
		"transport", cfg.Transport.Kind,
		"store", cfg.Store.Backend,
	)
	return svc.Run(ctx)
}
