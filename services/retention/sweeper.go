// Copyright (C) 2025 Sysdr Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package retention enforces per-tenant data retention.
//
// A nightly cron job walks every tenant and deletes conversations whose
// expiry has passed, removing both the relational rows and the backing
// event streams. Audit records older than the longest tenant retention
// are pruned from the head of the hash chain. Every sweep is recorded
// in the audit trail with the number of conversations removed.
package retention

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/sysdr/aigateway/services/audit"
	"github.com/sysdr/aigateway/services/gateway/datatypes"
)

// DefaultSchedule runs the sweep at 03:00 UTC daily, off the traffic
// peak.
const DefaultSchedule = "0 3 * * *"

// TenantSource lists the tenants to sweep.
type TenantSource interface {
	List(ctx context.Context) ([]*datatypes.Tenant, error)
}

// ConversationPurger deletes a tenant's expired conversations and
// returns the ids of every row removed.
type ConversationPurger interface {
	DeleteExpired(ctx context.Context, tenantID string, now time.Time) ([]string, error)
}

// StreamDeleter removes a conversation's event stream.
type StreamDeleter interface {
	Delete(ctx context.Context, streamID string) error
}

// AuditPruner removes audit records older than the cutoff.
type AuditPruner interface {
	Prune(ctx context.Context, before time.Time) (int, error)
}

// Sweeper deletes expired conversations for every tenant.
type Sweeper struct {
	tenants       TenantSource
	conversations ConversationPurger
	events        StreamDeleter
	recorder      audit.Recorder
	pruner        AuditPruner
	cronManager   *cron.Cron
}

// Option configures NewSweeper.
type Option func(*Sweeper)

// WithAuditPruner enables audit-trail pruning during the sweep.
func WithAuditPruner(p AuditPruner) Option {
	return func(s *Sweeper) { s.pruner = p }
}

// NewSweeper creates a sweeper over the given stores.
func NewSweeper(tenants TenantSource, conversations ConversationPurger, events StreamDeleter, recorder audit.Recorder, opts ...Option) *Sweeper {
	if recorder == nil {
		recorder = audit.NopRecorder{}
	}
	s := &Sweeper{
		tenants:       tenants,
		conversations: conversations,
		events:        events,
		recorder:      recorder,
		cronManager:   cron.New(cron.WithLocation(time.UTC)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start schedules the sweep and begins the cron loop. schedule is a
// standard 5-field cron expression; empty means DefaultSchedule.
func (s *Sweeper) Start(schedule string) error {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	_, err := s.cronManager.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		if _, err := s.SweepAll(ctx); err != nil {
			slog.Error("retention sweep failed", "error", err)
		}
	})
	if err != nil {
		return err
	}
	s.cronManager.Start()
	return nil
}

// Stop halts the cron loop, waiting for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cronManager.Stop().Done()
}

// SweepAll sweeps every tenant, prunes the audit trail, and returns the
// total number of conversations removed. One tenant's failure does not
// stop the others.
func (s *Sweeper) SweepAll(ctx context.Context) (int64, error) {
	tenants, err := s.tenants.List(ctx)
	if err != nil {
		return 0, err
	}

	var total int64
	for _, tenant := range tenants {
		removed, err := s.SweepTenant(ctx, tenant)
		if err != nil {
			slog.Error("retention sweep failed for tenant",
				"tenant_id", tenant.ID, "error", err)
			continue
		}
		total += removed
	}

	s.pruneAudit(ctx, tenants)

	slog.Info("retention sweep complete", "tenants", len(tenants), "removed", total)
	return total, nil
}

// SweepTenant removes the tenant's expired conversations and their
// event streams, then records the sweep in the audit trail. The stream
// ids come from the delete itself, so every removed row's stream is
// removed with it regardless of how many conversations the tenant has.
func (s *Sweeper) SweepTenant(ctx context.Context, tenant *datatypes.Tenant) (int64, error) {
	now := time.Now().UTC()

	expired, err := s.conversations.DeleteExpired(ctx, tenant.ID, now)
	if err != nil {
		return 0, err
	}

	for _, streamID := range expired {
		if err := s.events.Delete(ctx, streamID); err != nil {
			slog.Error("failed to delete event stream",
				"tenant_id", tenant.ID, "stream_id", streamID, "error", err)
		}
	}

	removed := int64(len(expired))
	if removed > 0 {
		err := s.recorder.Record(ctx, audit.Event{
			TenantID: tenant.ID,
			Actor:    "system",
			Action:   audit.ActionRetentionSweep,
			Outcome:  "success",
			Details: map[string]string{
				"removed":        strconv.FormatInt(removed, 10),
				"retention_days": strconv.Itoa(tenant.RetentionDays),
			},
		})
		if err != nil {
			slog.Error("failed to audit retention sweep", "tenant_id", tenant.ID, "error", err)
		}
	}
	return removed, nil
}

// pruneAudit removes audit records older than the longest tenant
// retention. The audit chain is shared across tenants, so it is kept as
// long as any tenant's policy requires; a tenant with retention zero
// (keep forever) disables pruning entirely.
func (s *Sweeper) pruneAudit(ctx context.Context, tenants []*datatypes.Tenant) {
	if s.pruner == nil || len(tenants) == 0 {
		return
	}

	maxDays := 0
	for _, tenant := range tenants {
		if tenant.RetentionDays <= 0 {
			return
		}
		if tenant.RetentionDays > maxDays {
			maxDays = tenant.RetentionDays
		}
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -maxDays)
	pruned, err := s.pruner.Prune(ctx, cutoff)
	if err != nil {
		slog.Error("audit prune failed", "error", err)
		return
	}
	if pruned > 0 {
		slog.Info("audit trail pruned", "removed", pruned, "cutoff", cutoff)
	}
}
