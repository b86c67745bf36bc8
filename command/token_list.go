// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package command

import (
	"context"
	"fmt"
	"strings"
)

type TokenListCommand struct {
	Meta
}

func (c *TokenListCommand) Help() string {
	helpText := `
Usage: banyan token list

  Lists every user with its role and request token.
`
	return strings.TrimSpace(helpText)
}

func (c *TokenListCommand) Synopsis() string {
	return "List user tokens"
}

func (c *TokenListCommand) Run(args []string) int {
	if len(args) != 0 {
		c.Ui.Error("token list takes no arguments")
		return 1
	}

	store, err := c.openStore()
	if err != nil {
		c.Ui.Error(err.Error())
		return 1
	}
	defer store.Close(context.Background())

	users, err := store.ListUsers(context.Background())
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Failed to list users: %v", err))
		return 1
	}
	if len(users) == 0 {
		c.Ui.Output("No users")
		return 0
	}

	for _, user := range users {
		c.Ui.Output(fmt.Sprintf("%-24s %-8s %s", user.Name, user.Role, user.RequestToken))
	}
	return 0
}
