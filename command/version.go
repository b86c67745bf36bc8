// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package command

import (
	"github.com/banyan-project/banyan/version"
)

type VersionCommand struct {
	Meta
}

func (c *VersionCommand) Help() string {
	return ""
}

func (c *VersionCommand) Synopsis() string {
	return "Prints the Banyan version"
}

func (c *VersionCommand) Run(args []string) int {
	c.Ui.Output(version.GetVersion().FullVersionNumber(true))
	return 0
}
