// Copyright (C) 2025 Sysdr Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"
)

var (
	tokenSecret  string
	tokenSubject string
	tokenTTL     time.Duration
)

// tokenCmd mints operator JWTs locally; no running gateway needed.
var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Operator token commands",
}

var tokenMintCmd = &cobra.Command{
	Use:   "mint",
	Short: "Mint an operator JWT",
	Long: `Mints an HS256 JWT accepted by the gateway's admin API.

The secret must match the gateway's GATEWAY_JWT_SECRET. The subject
names the operator and appears as the actor in audit records.

Examples:
  gatewayctl token mint --secret "$GATEWAY_JWT_SECRET" --subject alice
  gatewayctl token mint --subject ci --ttl 15m`,
	RunE: runTokenMint,
}

func init() {
	tokenMintCmd.Flags().StringVar(&tokenSecret, "secret", "",
		"Signing secret (falls back to GATEWAY_JWT_SECRET)")
	tokenMintCmd.Flags().StringVar(&tokenSubject, "subject", "",
		"Operator name recorded as the audit actor")
	tokenMintCmd.Flags().DurationVar(&tokenTTL, "ttl", time.Hour,
		"Token lifetime")
	_ = tokenMintCmd.MarkFlagRequired("subject")

	tokenCmd.AddCommand(tokenMintCmd)
	rootCmd.AddCommand(tokenCmd)
}

func runTokenMint(cmd *cobra.Command, args []string) error {
	secret := tokenSecret
	if secret == "" {
		secret = os.Getenv("GATEWAY_JWT_SECRET")
	}
	if secret == "" {
		return fmt.Errorf("no signing secret: pass --secret or set GATEWAY_JWT_SECRET")
	}

	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   tokenSubject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return fmt.Errorf("sign token: %w", err)
	}

	fmt.Println(signed)
	return nil
}
