// Copyright (C) 2025 Sysdr Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package audit provides the gateway's tamper-evident audit trail.
//
// Every security-relevant action (authentication failures, policy
// enforcement, backend failover, tenant administration, retention
// sweeps) is appended to a hash-chained log in BadgerDB. Each event's
// Hash covers its content plus the previous event's Hash, so removing
// or altering any record breaks verification from that point on.
package audit

import (
	"context"
	"time"
)

// Action identifies what happened. Stable strings, they end up in
// long-lived audit records.
type Action string

const (
	ActionChatRequest         Action = "chat.request"
	ActionAuthFailure         Action = "auth.failure"
	ActionPolicyBlocked       Action = "policy.blocked"
	ActionPolicyRedacted      Action = "policy.redacted"
	ActionPolicyFlagged       Action = "policy.flagged"
	ActionBackendSwitch       Action = "failover.backend_switch"
	ActionTenantCreated       Action = "tenant.created"
	ActionTenantUpdated       Action = "tenant.updated"
	ActionTenantDeactivated   Action = "tenant.deactivated"
	ActionAPIKeyCreated       Action = "apikey.created"
	ActionAPIKeyRevoked       Action = "apikey.revoked"
	ActionRetentionSweep      Action = "retention.sweep"
	ActionConversationDeleted Action = "conversation.deleted"
)

// Event is one audit record.
//
// Sequence, Timestamp, Hash and PrevHash are assigned by the store at
// append time; callers populate the rest.
type Event struct {
	// Sequence is the append-assigned position, starting at 1.
	Sequence uint64 `json:"sequence"`

	// Timestamp is when the event was appended, UTC.
	Timestamp time.Time `json:"timestamp"`

	// TenantID scopes the event; empty for system-level events.
	TenantID string `json:"tenant_id,omitempty"`

	// Actor is who triggered the action (api key id, "system", etc).
	Actor string `json:"actor,omitempty"`

	// Action is what happened.
	Action Action `json:"action"`

	// Resource is what it happened to (conversation id, backend name).
	Resource string `json:"resource,omitempty"`

	// Outcome is "success", "denied", "error" and so on.
	Outcome string `json:"outcome,omitempty"`

	// Details carries action-specific metadata. Must be JSON-stable as
	// it participates in the hash.
	Details map[string]string `json:"details,omitempty"`

	// Hash is the SHA-256 over this event's content and PrevHash.
	Hash string `json:"hash"`

	// PrevHash is the Hash of the preceding event; empty for the first.
	PrevHash string `json:"prev_hash"`
}

// Recorder accepts audit events.
//
// # Error Handling
//
// Recorder errors must not block gateway operations. Callers log
// failures but never fail the request because the audit write failed;
// the chain verification endpoint is what surfaces gaps.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Recorder interface {
	Record(ctx context.Context, event Event) error
}

// NopRecorder discards all events. Used in tests and when auditing is
// disabled.
type NopRecorder struct{}

func (NopRecorder) Record(ctx context.Context, event Event) error { return nil }

// Filter narrows a Query. Zero values match everything.
type Filter struct {
	TenantID string
	Action   Action
	Since    time.Time
	Until    time.Time
	Limit    int
}

// VerifyResult reports the outcome of a chain verification pass.
type VerifyResult struct {
	// Valid is true when every record's hash and linkage check out.
	Valid bool `json:"valid"`

	// Checked is how many records were verified.
	Checked uint64 `json:"checked"`

	// BrokenAt is the sequence of the first bad record, 0 when Valid.
	BrokenAt uint64 `json:"broken_at,omitempty"`

	// Reason describes the first failure, empty when Valid.
	Reason string `json:"reason,omitempty"`
}
