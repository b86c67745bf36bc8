// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package command

import (
	"context"
	"fmt"
	"strings"

	"github.com/posener/complete"

	"github.com/banyan-project/banyan/banyan/structs"
)

type TokenRemoveCommand struct {
	Meta
}

func (c *TokenRemoveCommand) Help() string {
	helpText := `
Usage: banyan token remove -name <name>

  Deletes the named user. Their tokens stop authenticating immediately.
`
	return strings.TrimSpace(helpText)
}

func (c *TokenRemoveCommand) Synopsis() string {
	return "Delete a user token"
}

func (c *TokenRemoveCommand) AutocompleteFlags() complete.Flags {
	return complete.Flags{
		"-name": complete.PredictAnything,
	}
}

func (c *TokenRemoveCommand) Run(args []string) int {
	var name string
	flags := c.Meta.FlagSet("token remove")
	flags.StringVar(&name, "name", "", "user name")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	if name == "" {
		c.Ui.Error("Missing -name")
		return 1
	}

	store, err := c.openStore()
	if err != nil {
		c.Ui.Error(err.Error())
		return 1
	}
	defer store.Close(context.Background())

	if err := store.DeleteUserByName(context.Background(), name); err != nil {
		if err == structs.ErrUserNotFound {
			c.Ui.Error(fmt.Sprintf("No user named %q", name))
		} else {
			c.Ui.Error(fmt.Sprintf("Failed to delete user: %v", err))
		}
		return 1
	}

	c.Ui.Output(fmt.Sprintf("Deleted user %q", name))
	return 0
}
