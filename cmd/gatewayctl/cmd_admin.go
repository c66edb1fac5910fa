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
	"net/url"
	"strconv"

	"github.com/spf13/cobra"
)

var (
	auditTenantID string
	auditAction   string
	auditLimit    int
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Audit log commands",
}

var auditQueryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query audit events",
	Long: `Queries the gateway's audit log.

Examples:
  gatewayctl audit query --tenant 7f9c0a12-... --limit 20
  gatewayctl audit query --action policy.blocked`,
	RunE: func(cmd *cobra.Command, args []string) error {
		params := url.Values{}
		if auditTenantID != "" {
			params.Set("tenant_id", auditTenantID)
		}
		if auditAction != "" {
			params.Set("action", auditAction)
		}
		if auditLimit > 0 {
			params.Set("limit", strconv.Itoa(auditLimit))
		}
		path := "/admin/audit"
		if encoded := params.Encode(); encoded != "" {
			path += "?" + encoded
		}
		var out map[string]interface{}
		if err := callAdmin(http.MethodGet, path, nil, &out); err != nil {
			return err
		}
		printJSON(out)
		return nil
	},
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the audit hash chain",
	Long: `Walks the audit log's hash chain end to end.

A broken chain means records were altered, removed, or lost; the
output names the first bad sequence number.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var out struct {
			Valid    bool   `json:"valid"`
			Checked  uint64 `json:"checked"`
			BrokenAt uint64 `json:"broken_at"`
			Reason   string `json:"reason"`
		}
		if err := callAdmin(http.MethodPost, "/admin/audit/verify", nil, &out); err != nil {
			return err
		}
		if out.Valid {
			fmt.Printf("chain intact, %d events verified\n", out.Checked)
			return nil
		}
		return fmt.Errorf("chain BROKEN at sequence %d: %s", out.BrokenAt, out.Reason)
	},
}

var replayFrom int

var replayCmd = &cobra.Command{
	Use:   "replay <conversation-id>",
	Short: "Dump a conversation's raw event stream",
	Long: `Prints the event-sourced history of a conversation, every append
in version order. Useful when the folded state looks wrong and you need
to see how it got there.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "/admin/conversations/" + args[0] + "/events"
		if replayFrom > 1 {
			path += "?from=" + strconv.Itoa(replayFrom)
		}
		var out map[string]interface{}
		if err := callAdmin(http.MethodGet, path, nil, &out); err != nil {
			return err
		}
		printJSON(out)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show backend and circuit breaker status",
	RunE: func(cmd *cobra.Command, args []string) error {
		var backends map[string]interface{}
		if err := callAdmin(http.MethodGet, "/admin/backends", nil, &backends); err != nil {
			return err
		}
		printJSON(backends)

		var breakers map[string]interface{}
		if err := callAdmin(http.MethodGet, "/admin/breakers", nil, &breakers); err != nil {
			return err
		}
		printJSON(breakers)
		return nil
	},
}

func init() {
	auditQueryCmd.Flags().StringVar(&auditTenantID, "tenant", "", "Filter by tenant ID")
	auditQueryCmd.Flags().StringVar(&auditAction, "action", "", "Filter by action, e.g. policy.blocked")
	auditQueryCmd.Flags().IntVar(&auditLimit, "limit", 50, "Maximum events returned")

	replayCmd.Flags().IntVar(&replayFrom, "from", 1, "First version to include")

	auditCmd.AddCommand(auditQueryCmd, auditVerifyCmd)
	rootCmd.AddCommand(auditCmd, statusCmd, replayCmd)
}
