// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package command

import (
	"context"
	"fmt"
	"strings"

	"github.com/hashicorp/go-hclog"
	"github.com/posener/complete"

	"github.com/banyan-project/banyan/banyan/state"
	"github.com/banyan-project/banyan/banyan/structs"
	"github.com/banyan-project/banyan/command/agent"
	"github.com/banyan-project/banyan/helper/token"
	"github.com/banyan-project/banyan/helper/uuid"
)

type TokenAddCommand struct {
	Meta
}

func (c *TokenAddCommand) Help() string {
	helpText := `
Usage: banyan token add -name <name> -role <provider|worker>

  Creates a user and prints its tokens. The request token authenticates the
  user's API calls; workers additionally get a response token that
  authenticates the server's control frames to them.

  The store connection is configured through MONGO_HOST, MONGO_PORT and
  MONGO_DBNAME.
`
	return strings.TrimSpace(helpText)
}

func (c *TokenAddCommand) Synopsis() string {
	return "Create a user token"
}

func (c *TokenAddCommand) AutocompleteFlags() complete.Flags {
	return complete.Flags{
		"-name": complete.PredictAnything,
		"-role": complete.PredictSet(structs.RoleProvider, structs.RoleWorker),
	}
}

func (c *TokenAddCommand) Run(args []string) int {
	var name, role string
	flags := c.Meta.FlagSet("token add")
	flags.StringVar(&name, "name", "", "user name")
	flags.StringVar(&role, "role", "", "provider or worker")
	if err := flags.Parse(args); err != nil {
		return 1
	}

	user := &structs.User{
		ID:           uuid.Generate(),
		Name:         name,
		Role:         role,
		RequestToken: token.Generate(),
	}
	if role == structs.RoleWorker {
		user.ResponseToken = token.Generate()
	}
	if err := user.Validate(); err != nil {
		c.Ui.Error(err.Error())
		return 1
	}

	store, err := c.openStore()
	if err != nil {
		c.Ui.Error(err.Error())
		return 1
	}
	defer store.Close(context.Background())

	ctx := context.Background()
	if err := store.EnsureIndexes(ctx); err != nil {
		c.Ui.Error(fmt.Sprintf("Failed to ensure indexes: %v", err))
		return 1
	}
	if err := store.InsertUser(ctx, user); err != nil {
		if err == structs.ErrDuplicateName {
			c.Ui.Error(fmt.Sprintf("User %q already exists", name))
		} else {
			c.Ui.Error(fmt.Sprintf("Failed to create user: %v", err))
		}
		return 1
	}

	c.Ui.Output(fmt.Sprintf("Created %s %q", user.Role, user.Name))
	c.Ui.Output(fmt.Sprintf("  ID:                %s", user.ID))
	c.Ui.Output(fmt.Sprintf("  Request token:     %s", user.RequestToken))
	if user.ResponseToken != "" {
		c.Ui.Output(fmt.Sprintf("  Response token:    %s", user.ResponseToken))
	}
	c.Ui.Output(fmt.Sprintf("  Authorization key: %s", token.AuthorizationKey(user.RequestToken)))
	return 0
}

// openStore connects to the document store configured in the environment.
func (m *Meta) openStore() (state.Store, error) {
	config, err := agent.LoadConfig()
	if err != nil {
		return nil, err
	}
	logger := hclog.New(&hclog.LoggerOptions{Name: "banyan", Level: hclog.Error})
	store, err := state.NewMongoStore(context.Background(), &config.Mongo, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to store: %w", err)
	}
	return store, nil
}
