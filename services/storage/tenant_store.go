// Copyright (C) 2025 Sysdr Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package storage

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sysdr/aigateway/services/gateway/datatypes"
)

// ErrTenantNotFound is returned when no tenant matches the lookup.
var ErrTenantNotFound = errors.New("tenant not found")

// ErrAPIKeyNotFound is returned when an API key is unknown or revoked.
var ErrAPIKeyNotFound = errors.New("api key not found or revoked")

// TenantStore persists tenants and their API keys in PostgreSQL.
type TenantStore struct {
	pool *pgxpool.Pool
}

// NewTenantStore creates a store backed by the given pool.
func NewTenantStore(pool *pgxpool.Pool) *TenantStore {
	return &TenantStore{pool: pool}
}

const tenantColumns = `id, name, tier, policy_mode, requests_per_minute,
	token_budget_monthly, retention_days, active, created_at, updated_at`

func scanTenant(row pgx.Row) (*datatypes.Tenant, error) {
	var t datatypes.Tenant
	err := row.Scan(&t.ID, &t.Name, &t.Tier, &t.PolicyMode, &t.RequestsPerMinute,
		&t.TokenBudgetMonthly, &t.RetentionDays, &t.Active, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTenantNotFound
		}
		return nil, fmt.Errorf("failed to scan tenant: %w", err)
	}
	return &t, nil
}

// Create inserts a new tenant and returns it with generated fields set.
func (s *TenantStore) Create(ctx context.Context, req *datatypes.CreateTenantRequest) (*datatypes.Tenant, error) {
	tier := req.Tier
	if tier == "" {
		tier = datatypes.TierFree
	}
	mode := req.PolicyMode
	if mode == "" {
		mode = datatypes.PolicyModeBlock
	}
	retention := req.RetentionDays
	if retention <= 0 {
		retention = 90
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO tenants (name, tier, policy_mode, requests_per_minute, token_budget_monthly, retention_days)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+tenantColumns,
		req.Name, tier, mode, req.RequestsPerMinute, req.TokenBudgetMonthly, retention)
	return scanTenant(row)
}

// Get returns the tenant with the given id.
func (s *TenantStore) Get(ctx context.Context, id string) (*datatypes.Tenant, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE id = $1`, id)
	return scanTenant(row)
}

// List returns all tenants ordered by creation time.
func (s *TenantStore) List(ctx context.Context) ([]*datatypes.Tenant, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+tenantColumns+` FROM tenants ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	defer rows.Close()

	var tenants []*datatypes.Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}

// Update applies the mutable tenant fields and bumps updated_at.
func (s *TenantStore) Update(ctx context.Context, t *datatypes.Tenant) (*datatypes.Tenant, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE tenants
		SET name = $2, tier = $3, policy_mode = $4, requests_per_minute = $5,
		    token_budget_monthly = $6, retention_days = $7, active = $8, updated_at = NOW()
		WHERE id = $1
		RETURNING `+tenantColumns,
		t.ID, t.Name, t.Tier, t.PolicyMode, t.RequestsPerMinute,
		t.TokenBudgetMonthly, t.RetentionDays, t.Active)
	return scanTenant(row)
}

// Deactivate marks a tenant inactive. Requests from inactive tenants
// are rejected at authentication time; no data is deleted.
func (s *TenantStore) Deactivate(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tenants SET active = FALSE, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to deactivate tenant: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTenantNotFound
	}
	return nil
}

// CreateAPIKey mints a new API key for a tenant. The plaintext key is
// returned exactly once; only its SHA-256 hash is stored.
func (s *TenantStore) CreateAPIKey(ctx context.Context, tenantID, label string) (plaintext string, key *datatypes.APIKey, err error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, fmt.Errorf("failed to generate api key: %w", err)
	}
	plaintext = "agw_" + hex.EncodeToString(raw)
	hash := HashAPIKey(plaintext)

	var k datatypes.APIKey
	err = s.pool.QueryRow(ctx, `
		INSERT INTO api_keys (tenant_id, key_hash, label)
		VALUES ($1, $2, $3)
		RETURNING id, tenant_id, key_hash, label, created_at, revoked_at`,
		tenantID, hash, label).
		Scan(&k.ID, &k.TenantID, &k.KeyHash, &k.Label, &k.CreatedAt, &k.RevokedAt)
	if err != nil {
		return "", nil, fmt.Errorf("failed to store api key: %w", err)
	}
	return plaintext, &k, nil
}

// LookupAPIKey resolves a plaintext API key to its tenant. Revoked keys
// and inactive tenants both resolve to ErrAPIKeyNotFound so callers
// cannot distinguish the two cases.
func (s *TenantStore) LookupAPIKey(ctx context.Context, plaintext string) (*datatypes.Tenant, error) {
	hash := HashAPIKey(plaintext)
	row := s.pool.QueryRow(ctx, `
		SELECT `+tenantColumns+`
		FROM tenants
		JOIN api_keys ON api_keys.tenant_id = tenants.id
		WHERE api_keys.key_hash = $1
		  AND api_keys.revoked_at IS NULL
		  AND tenants.active = TRUE`, hash)
	tenant, err := scanTenant(row)
	if err != nil {
		if errors.Is(err, ErrTenantNotFound) {
			return nil, ErrAPIKeyNotFound
		}
		return nil, err
	}
	return tenant, nil
}

// RevokeAPIKey marks a key revoked. Idempotent: revoking a revoked key
// is not an error.
func (s *TenantStore) RevokeAPIKey(ctx context.Context, keyID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET revoked_at = NOW() WHERE id = $1 AND revoked_at IS NULL`, keyID)
	if err != nil {
		return fmt.Errorf("failed to revoke api key: %w", err)
	}
	return nil
}

// HashAPIKey returns the hex SHA-256 digest stored for an API key.
func HashAPIKey(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}
