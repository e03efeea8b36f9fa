/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2018 Kopano and its licensors
 */

package main

import (
	"fmt"
	"os"

	"stash.kopano.io/kgol/kdeliver/cmd"
	"stash.kopano.io/kgol/kdeliver/cmd/kdeliverd/common"
	"stash.kopano.io/kgol/kdeliver/cmd/kdeliverd/gen"
	"stash.kopano.io/kgol/kdeliver/cmd/kdeliverd/queue"
	"stash.kopano.io/kgol/kdeliver/cmd/kdeliverd/serve"
	"stash.kopano.io/kgol/kdeliver/cmd/kdeliverd/status"
)

func main() {
	cmd.RootCmd.Use = "kdeliverd"

	cmd.RootCmd.PersistentFlags().StringVarP(&common.DefaultEnvConfigFile, "config", "c", common.DefaultEnvConfigFile, "Full path to config file")

	cmd.RootCmd.AddCommand(serve.CommandServe())
	cmd.RootCmd.AddCommand(status.CommandStatus())
	cmd.RootCmd.AddCommand(queue.CommandQueue())
	cmd.RootCmd.AddCommand(gen.CommandGen())

	if err := cmd.RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}
