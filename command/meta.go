// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package command implements the banyan CLI: the server agent and token
// management.
package command

import (
	"flag"

	"github.com/hashicorp/cli"
	"github.com/posener/complete"
)

// Meta contains the meta-options and functionality that every banyan command
// inherits.
type Meta struct {
	Ui cli.Ui
}

// FlagSet returns a FlagSet with the UI as the error output.
func (m *Meta) FlagSet(name string) *flag.FlagSet {
	f := flag.NewFlagSet(name, flag.ContinueOnError)
	f.Usage = func() { m.Ui.Error(m.helpWriter(name)) }
	return f
}

func (m *Meta) helpWriter(name string) string {
	return "See 'banyan " + name + " -h' for help."
}

// AutocompleteFlags returns the global flags for autocompletion. Individual
// commands extend this with their own.
func (m *Meta) AutocompleteFlags() complete.Flags {
	return nil
}

// AutocompleteArgs returns the argument predictor; most commands take none.
func (m *Meta) AutocompleteArgs() complete.Predictor {
	return complete.PredictNothing
}
