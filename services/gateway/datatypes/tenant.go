// Copyright (C) 2025 Sysdr Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"time"
)

// =============================================================================
// Tenant Types
// =============================================================================

// TenantTier determines rate limits and quota defaults for a tenant.
type TenantTier string

const (
	TierFree       TenantTier = "free"
	TierStandard   TenantTier = "standard"
	TierEnterprise TenantTier = "enterprise"
)

// Valid reports whether t is a recognized tier.
func (t TenantTier) Valid() bool {
	switch t {
	case TierFree, TierStandard, TierEnterprise:
		return true
	}
	return false
}

// PolicyMode controls what the gateway does when the policy engine finds
// sensitive data in a request.
type PolicyMode string

const (
	// PolicyModeBlock rejects the request with 403 and the findings.
	PolicyModeBlock PolicyMode = "block"

	// PolicyModeRedact substitutes matched text before forwarding.
	PolicyModeRedact PolicyMode = "redact"

	// PolicyModeAllow forwards the request unchanged but still audits findings.
	PolicyModeAllow PolicyMode = "allow"
)

// Valid reports whether m is a recognized policy mode.
func (m PolicyMode) Valid() bool {
	switch m {
	case PolicyModeBlock, PolicyModeRedact, PolicyModeAllow:
		return true
	}
	return false
}

// Tenant is a customer organization scoping quota, data isolation, rate
// limits, and policy enforcement.
//
// # Fields
//
//   - ID: UUID primary key.
//   - Name: Unique human-readable name.
//   - Tier: Determines default rate limits (see ratelimit.LimitsForTier).
//   - PolicyMode: What to do on policy findings (block/redact/allow).
//   - RequestsPerMinute: Rate limit override; 0 means use the tier default.
//   - TokenBudgetMonthly: Monthly token quota; 0 means unlimited.
//   - RetentionDays: Conversation retention; 0 means keep forever.
//   - Active: Inactive tenants are rejected at auth time.
type Tenant struct {
	ID                 string     `json:"id"`
	Name               string     `json:"name" validate:"required,min=1,max=128"`
	Tier               TenantTier `json:"tier"`
	PolicyMode         PolicyMode `json:"policy_mode"`
	RequestsPerMinute  int        `json:"requests_per_minute,omitempty"`
	TokenBudgetMonthly int64      `json:"token_budget_monthly,omitempty"`
	RetentionDays      int        `json:"retention_days,omitempty"`
	Active             bool       `json:"active"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// CreateTenantRequest is the admin API body for creating a tenant.
type CreateTenantRequest struct {
	Name               string     `json:"name" validate:"required,min=1,max=128"`
	Tier               TenantTier `json:"tier" validate:"omitempty,oneof=free standard enterprise"`
	PolicyMode         PolicyMode `json:"policy_mode" validate:"omitempty,oneof=block redact allow"`
	RequestsPerMinute  int        `json:"requests_per_minute" validate:"gte=0"`
	TokenBudgetMonthly int64      `json:"token_budget_monthly" validate:"gte=0"`
	RetentionDays      int        `json:"retention_days" validate:"gte=0"`
}

// Validate validates the CreateTenantRequest fields.
func (r *CreateTenantRequest) Validate() error {
	return chatValidate.Struct(r)
}

// APIKey is a hashed credential bound to a tenant. Only the SHA-256 hash
// of the key material is stored; the plaintext is shown once at creation.
type APIKey struct {
	ID        string     `json:"id"`
	TenantID  string     `json:"tenant_id"`
	KeyHash   string     `json:"-"`
	Label     string     `json:"label"`
	CreatedAt time.Time  `json:"created_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}
