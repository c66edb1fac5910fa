// Copyright (C) 2025 Sysdr Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

var (
	tenantTier       string
	tenantPolicyMode string
	tenantRPM        int
	tenantBudget     int64
	tenantRetention  int
	keyLabel         string
)

var tenantCmd = &cobra.Command{
	Use:   "tenant",
	Short: "Tenant administration commands",
}

var tenantCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a tenant",
	Long: `Creates a tenant and prints it.

Examples:
  gatewayctl tenant create acme
  gatewayctl tenant create acme --tier enterprise --policy-mode redact
  gatewayctl tenant create acme --budget 1000000 --retention 30`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body := map[string]interface{}{
			"name":                 args[0],
			"tier":                 tenantTier,
			"policy_mode":          tenantPolicyMode,
			"requests_per_minute":  tenantRPM,
			"token_budget_monthly": tenantBudget,
			"retention_days":       tenantRetention,
		}
		var out map[string]interface{}
		if err := callAdmin(http.MethodPost, "/admin/tenants", body, &out); err != nil {
			return err
		}
		printJSON(out)
		return nil
	},
}

var tenantListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all tenants",
	RunE: func(cmd *cobra.Command, args []string) error {
		var out map[string]interface{}
		if err := callAdmin(http.MethodGet, "/admin/tenants", nil, &out); err != nil {
			return err
		}
		printJSON(out)
		return nil
	},
}

var tenantDeactivateCmd = &cobra.Command{
	Use:   "deactivate <tenant-id>",
	Short: "Deactivate a tenant",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var out map[string]interface{}
		if err := callAdmin(http.MethodDelete, "/admin/tenants/"+args[0], nil, &out); err != nil {
			return err
		}
		printJSON(out)
		return nil
	},
}

var tenantUsageCmd = &cobra.Command{
	Use:   "usage <tenant-id>",
	Short: "Show the tenant's current month usage",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var out map[string]interface{}
		if err := callAdmin(http.MethodGet, "/admin/tenants/"+args[0]+"/usage", nil, &out); err != nil {
			return err
		}
		printJSON(out)
		return nil
	},
}

var keyCmd = &cobra.Command{
	Use:   "key",
	Short: "API key commands",
}

var keyCreateCmd = &cobra.Command{
	Use:   "create <tenant-id>",
	Short: "Create an API key for a tenant",
	Long: `Creates an API key. The plaintext key is printed exactly once;
the gateway stores only its hash.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body := map[string]string{"label": keyLabel}
		var out struct {
			APIKey string      `json:"api_key"`
			Key    interface{} `json:"key"`
		}
		if err := callAdmin(http.MethodPost, "/admin/tenants/"+args[0]+"/keys", body, &out); err != nil {
			return err
		}
		fmt.Println(out.APIKey)
		return nil
	},
}

var keyRevokeCmd = &cobra.Command{
	Use:   "revoke <key-id>",
	Short: "Revoke an API key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var out map[string]interface{}
		if err := callAdmin(http.MethodDelete, "/admin/keys/"+args[0], nil, &out); err != nil {
			return err
		}
		printJSON(out)
		return nil
	},
}

func init() {
	tenantCreateCmd.Flags().StringVar(&tenantTier, "tier", "free",
		"Tenant tier (free, standard, enterprise)")
	tenantCreateCmd.Flags().StringVar(&tenantPolicyMode, "policy-mode", "block",
		"Policy mode on findings (block, redact, allow)")
	tenantCreateCmd.Flags().IntVar(&tenantRPM, "rpm", 0,
		"Requests per minute override (0 uses the tier default)")
	tenantCreateCmd.Flags().Int64Var(&tenantBudget, "budget", 0,
		"Monthly token budget (0 means unlimited)")
	tenantCreateCmd.Flags().IntVar(&tenantRetention, "retention", 90,
		"Conversation retention in days (0 keeps forever)")

	keyCreateCmd.Flags().StringVar(&keyLabel, "label", "",
		"Human-readable label for the key")

	tenantCmd.AddCommand(tenantCreateCmd, tenantListCmd, tenantDeactivateCmd, tenantUsageCmd)
	keyCmd.AddCommand(keyCreateCmd, keyRevokeCmd)
	rootCmd.AddCommand(tenantCmd, keyCmd)
}
