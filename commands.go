// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package main

import (
	"os"

	"github.com/hashicorp/cli"

	"github.com/banyan-project/banyan/command"
)

// Commands returns the mapping of CLI commands. The meta parameter lets
// tests inject a custom UI.
func Commands() map[string]cli.CommandFactory {
	meta := command.Meta{
		Ui: &cli.BasicUi{
			Reader:      os.Stdin,
			Writer:      os.Stdout,
			ErrorWriter: os.Stderr,
		},
	}

	return map[string]cli.CommandFactory{
		"agent": func() (cli.Command, error) {
			return &command.AgentCommand{Meta: meta}, nil
		},
		"token add": func() (cli.Command, error) {
			return &command.TokenAddCommand{Meta: meta}, nil
		},
		"token remove": func() (cli.Command, error) {
			return &command.TokenRemoveCommand{Meta: meta}, nil
		},
		"token list": func() (cli.Command, error) {
			return &command.TokenListCommand{Meta: meta}, nil
		},
		"version": func() (cli.Command, error) {
			return &command.VersionCommand{Meta: meta}, nil
		},
	}
}
