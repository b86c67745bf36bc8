// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package command

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/posener/complete"

	"github.com/banyan-project/banyan/banyan/state"
	"github.com/banyan-project/banyan/command/agent"
	"github.com/banyan-project/banyan/version"
)

// AgentCommand runs the Banyan server until it receives a termination
// signal.
type AgentCommand struct {
	Meta
}

func (c *AgentCommand) Help() string {
	helpText := `
Usage: banyan agent [options]

  Starts the Banyan server. Configuration is taken from the environment,
  with command line flags taking precedence:

    MONGO_HOST, MONGO_PORT, MONGO_DBNAME
        Document store to connect to.

    BANYAN_BIND, BANYAN_PORT
        HTTP listen address (default 0.0.0.0:5100).

    BANYAN_POLL_PERIOD
        Worker availability poll period (default 60s).

    BANYAN_LOG_LEVEL
        Log level (default INFO).

Options:

  -bind=<addr>        HTTP listen address
  -port=<port>        HTTP listen port
  -poll=<duration>    Worker availability poll period
  -log-level=<level>  Log level
`
	return strings.TrimSpace(helpText)
}

func (c *AgentCommand) Synopsis() string {
	return "Run the Banyan server"
}

func (c *AgentCommand) AutocompleteFlags() complete.Flags {
	return complete.Flags{
		"-bind":      complete.PredictAnything,
		"-port":      complete.PredictAnything,
		"-poll":      complete.PredictAnything,
		"-log-level": complete.PredictSet("TRACE", "DEBUG", "INFO", "WARN", "ERROR"),
	}
}

func (c *AgentCommand) Run(args []string) int {
	var bind, logLevel, poll string
	port := -1
	flags := c.Meta.FlagSet("agent")
	flags.StringVar(&bind, "bind", "", "HTTP listen address")
	flags.IntVar(&port, "port", -1, "HTTP listen port")
	flags.StringVar(&poll, "poll", "", "availability poll period")
	flags.StringVar(&logLevel, "log-level", "", "log level")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	if len(flags.Args()) != 0 {
		c.Ui.Error("agent takes no positional arguments")
		return 1
	}

	config, err := agent.LoadConfig()
	if err != nil {
		c.Ui.Error(err.Error())
		return 1
	}
	if bind != "" {
		config.BindAddr = bind
	}
	if port >= 0 {
		config.Port = port
	}
	if poll != "" {
		period, err := time.ParseDuration(poll)
		if err != nil {
			c.Ui.Error(fmt.Sprintf("Invalid -poll value %q: %v", poll, err))
			return 1
		}
		config.UsageUpdatePoll = period
	}
	if logLevel != "" {
		config.LogLevel = logLevel
	}

	logger := hclog.New(&hclog.LoggerOptions{
		Name:  "banyan",
		Level: hclog.LevelFromString(config.LogLevel),
	})

	store, err := state.NewMongoStore(context.Background(), &config.Mongo, logger)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Failed to connect to store: %v", err))
		return 1
	}

	a, err := agent.NewAgent(config, store, logger)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Failed to start agent: %v", err))
		store.Close(context.Background())
		return 1
	}

	srv, err := agent.NewHTTPServer(a, config)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Failed to start HTTP server: %v", err))
		a.Shutdown()
		return 1
	}

	c.Ui.Output(fmt.Sprintf("Banyan server %s running on %s", version.GetVersion().FullVersionNumber(false), srv.Addr))

	signalCh := make(chan os.Signal, 4)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	sig := <-signalCh

	c.Ui.Output(fmt.Sprintf("Caught signal: %v, shutting down", sig))
	srv.Shutdown()
	if err := a.Shutdown(); err != nil {
		c.Ui.Error(fmt.Sprintf("Shutdown error: %v", err))
		return 1
	}
	return 0
}
