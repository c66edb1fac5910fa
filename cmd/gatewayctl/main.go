// Copyright (C) 2025 Sysdr Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command gatewayctl administers a running gateway: minting operator
// tokens, managing tenants and API keys, and verifying the audit chain.
package main

import (
	"log"

	"github.com/spf13/cobra"
)

var (
	serverURL  string
	adminToken string
)

var rootCmd = &cobra.Command{
	Use:   "gatewayctl",
	Short: "Administer an aigateway instance",
	Long: `gatewayctl talks to the admin API of a running gateway.

Most commands need an operator JWT, minted with "gatewayctl token mint"
from the same secret the gateway was started with, and passed via
--token or the GATEWAYCTL_TOKEN environment variable.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080",
		"Base URL of the gateway")
	rootCmd.PersistentFlags().StringVar(&adminToken, "token", "",
		"Operator JWT (falls back to GATEWAYCTL_TOKEN)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Error executing command: %v", err)
	}
}
