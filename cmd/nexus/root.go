// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Nexus Portal Contributors

package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/Mystikil/Thenexusv2/internal/xdg"
)

// Global flags available to all subcommands.
var configFile string

// NewRootCmd creates the root command for the portal CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "nexus",
		Short: "Nexus - website portal for the game server",
		Long: `Nexus bridges the game server's account database and the website:
registration, login, account linking, recovery keys, and admin tools
share one PostgreSQL database with the game itself.`,
	}

	cmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path")
	cmd.PersistentPreRun = func(*cobra.Command, []string) {
		if configFile == "" {
			if path := xdg.DefaultConfigFile(); fileExists(path) {
				configFile = path
			}
		}
	}

	cmd.AddCommand(NewServeCmd())
	cmd.AddCommand(NewMigrateCmd())
	cmd.AddCommand(newStatusCmd())

	return cmd
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
