// Command vumos-ctl is a manager console for vumos agents.
//
//	vumos-ctl hello                      # every agent reports hello, status and configuration
//	vumos-ctl set-config scanner-01 rate=10
//	vumos-ctl watch                      # print broadcast traffic until interrupted
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"gopkg.in/urfave/cli.v1"

	"github.com/IMEsec-USP/vumos-common/internal/bootstrap"
	"github.com/IMEsec-USP/vumos-common/internal/config"
	"github.com/IMEsec-USP/vumos-common/internal/message"
)

var (
	configFileFlag = cli.StringFlag{
		Name:   "config",
		Usage:  "YAML or TOML configuration file",
		EnvVar: "VUMOS_CONFIG",
	}
	waitFlag = cli.DurationFlag{
		Name:  "wait",
		Usage: "how long to collect replies",
		Value: 3 * time.Second,
	}
	toFlag = cli.StringFlag{
		Name:  "to",
		Usage: "agent id to target instead of broadcasting",
	}
)

func main() {
	app := cli.NewApp()
	app.Name = "vumos-ctl"
	app.Usage = "manager console for vumos agents"
	app.Flags = []cli.Flag{configFileFlag}
	app.Commands = []cli.Command{
		{
			Name:   "hello",
			Usage:  "ask agents to report their identity, status and configuration",
			Flags:  []cli.Flag{toFlag, waitFlag},
			Action: helloCommand,
		},
		{
			Name:      "set-config",
			Usage:     "change configuration values of an agent",
			ArgsUsage: "<agent-id> key=value...",
			Flags:     []cli.Flag{waitFlag},
			Action:    setConfigCommand,
		},
		{
			Name:   "watch",
			Usage:  "print broadcast traffic until interrupted",
			Action: watchCommand,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// session is the connected manager of one command.
type session struct {
	manager *manager
	close   func()
}

func open(c *cli.Context) (*session, error) {
	cfg, err := config.Load(c.GlobalString(configFileFlag.Name))
	if err != nil {
		return nil, err
	}
	// Keep logs out of the command output.
	cfg.Logging.Level = "error"

	obs, err := bootstrap.NewObservability(cfg, "vumos-ctl")
	if err != nil {
		return nil, err
	}
	bus, err := bootstrap.OpenTransport(cfg, obs)
	if err != nil {
		bootstrap.Shutdown(obs)
		return nil, err
	}

	return &session{
		manager: &manager{id: "ctl-" + uuid.NewString()[:8], bus: bus},
		close: func() {
			_ = bus.Close()
			bootstrap.Shutdown(obs)
		},
	}, nil
}

func helloCommand(c *cli.Context) error {
	s, err := open(c)
	if err != nil {
		return err
	}
	defer s.close()

	ctx := context.Background()
	stop, err := s.manager.listen(ctx, false, printer())
	if err != nil {
		return err
	}
	defer stop()

	if err := s.manager.hello(ctx, c.String(toFlag.Name)); err != nil {
		return err
	}
	time.Sleep(c.Duration(waitFlag.Name))
	return nil
}

func setConfigCommand(c *cli.Context) error {
	if c.NArg() < 2 {
		return cli.NewExitError("usage: vumos-ctl set-config <agent-id> key=value...", 2)
	}

	s, err := open(c)
	if err != nil {
		return err
	}
	defer s.close()

	ctx := context.Background()
	stop, err := s.manager.listen(ctx, true, printer())
	if err != nil {
		return err
	}
	defer stop()

	if err := s.manager.setConfig(ctx, c.Args().First(), c.Args().Tail()); err != nil {
		return err
	}
	time.Sleep(c.Duration(waitFlag.Name))
	return nil
}

func watchCommand(c *cli.Context) error {
	s, err := open(c)
	if err != nil {
		return err
	}
	defer s.close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	stop, err := s.manager.listen(ctx, true, printer())
	if err != nil {
		return err
	}
	defer stop()

	<-ctx.Done()
	return nil
}

var (
	tagColor     = color.New(color.FgCyan, color.Bold)
	idColor      = color.New(color.FgYellow)
	subjectColor = color.New(color.FgHiBlack)
)

func printer() func(subject string, env *message.Envelope) {
	var mu sync.Mutex
	return func(subject string, env *message.Envelope) {
		data, err := json.Marshal(env.Data)
		if err != nil {
			data = []byte(err.Error())
		}

		mu.Lock()
		defer mu.Unlock()
		fmt.Printf("%s %s %s %s %s\n",
			time.Now().Format("15:04:05"),
			subjectColor.Sprint(subject),
			idColor.Sprint(env.ID),
			tagColor.Sprint(strings.ToUpper(env.Message)),
			data,
		)
	}
}
