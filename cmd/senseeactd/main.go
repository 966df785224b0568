// Copyright 2025 Roessingh Research and Development
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:           "senseeactd",
	Short:         "SenSeeAct sync server",
	Long:          "senseeactd serves the multi-tenant data sync API: action log reads and writes, long-poll watches and push dispatch.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./senseeactd.yaml)")
	rootCmd.AddCommand(serveCmd)
}
