/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"stash.kopano.io/kgol/kdeliver/version"
)

// RootCmd provides the commandline parser root.
var RootCmd = &cobra.Command{
	Use:   "kdeliverd",
	Short: "Outbound mail delivery service",
}

func init() {
	RootCmd.AddCommand(CommandVersion())
}

// CommandVersion provides the commandline implementation for version.
func CommandVersion() *cobra.Command {
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version and exit",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Version    : %s\n", version.Version)
			if version.BuildDate != "" {
				fmt.Printf("Build date : %s\n", version.BuildDate)
			}
			fmt.Printf("Built with : %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}

	return versionCmd
}
