// Copyright (C) 2025 Sysdr Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sysdr/aigateway/services/gateway/datatypes"
)

// ErrConversationNotFound is returned when no conversation matches the
// lookup within the tenant's scope.
var ErrConversationNotFound = errors.New("conversation not found")

// ConversationStore persists the relational projection of conversations.
// Every query is scoped by tenant id; a conversation belonging to
// another tenant behaves exactly like one that does not exist.
type ConversationStore struct {
	pool *pgxpool.Pool
}

// NewConversationStore creates a store backed by the given pool.
func NewConversationStore(pool *pgxpool.Pool) *ConversationStore {
	return &ConversationStore{pool: pool}
}

const conversationColumns = `id, tenant_id, title, model, version, created_at, updated_at, expires_at`

func scanConversation(row pgx.Row) (*datatypes.Conversation, error) {
	var c datatypes.Conversation
	err := row.Scan(&c.ID, &c.TenantID, &c.Title, &c.Model, &c.Version,
		&c.CreatedAt, &c.UpdatedAt, &c.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrConversationNotFound
		}
		return nil, fmt.Errorf("failed to scan conversation: %w", err)
	}
	return &c, nil
}

// Create inserts a conversation for the tenant. retentionDays sets the
// expiry used by the retention sweeper; zero means no expiry.
func (s *ConversationStore) Create(ctx context.Context, tenantID string, req *datatypes.CreateConversationRequest, retentionDays int) (*datatypes.Conversation, error) {
	var expires *time.Time
	if retentionDays > 0 {
		t := time.Now().UTC().AddDate(0, 0, retentionDays)
		expires = &t
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO conversations (tenant_id, title, model, expires_at)
		VALUES ($1, $2, $3, $4)
		RETURNING `+conversationColumns,
		tenantID, req.Title, req.Model, expires)
	return scanConversation(row)
}

// Get returns a conversation by id within the tenant's scope.
func (s *ConversationStore) Get(ctx context.Context, tenantID, id string) (*datatypes.Conversation, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = $1 AND tenant_id = $2`,
		id, tenantID)
	return scanConversation(row)
}

// List returns a tenant's conversations, most recently updated first.
func (s *ConversationStore) List(ctx context.Context, tenantID string, limit int) ([]*datatypes.Conversation, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE tenant_id = $1
		ORDER BY updated_at DESC
		LIMIT $2`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	var conversations []*datatypes.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		conversations = append(conversations, c)
	}
	return conversations, rows.Err()
}

// AppendMessage stores one message and bumps the conversation version in
// a single transaction, so the relational projection tracks the event
// stream version.
func (s *ConversationStore) AppendMessage(ctx context.Context, tenantID string, msg *datatypes.StoredMessage) (*datatypes.StoredMessage, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE conversations SET version = version + 1, updated_at = NOW()
		WHERE id = $1 AND tenant_id = $2`,
		msg.ConversationID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to bump conversation version: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrConversationNotFound
	}

	stored := *msg
	err = tx.QueryRow(ctx, `
		INSERT INTO messages (conversation_id, role, content, backend, input_tokens, output_tokens)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`,
		msg.ConversationID, msg.Role, msg.Content, msg.Backend, msg.InputTokens, msg.OutputTokens).
		Scan(&stored.ID, &stored.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert message: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit message: %w", err)
	}
	return &stored, nil
}

// Messages returns a conversation's messages in chronological order.
func (s *ConversationStore) Messages(ctx context.Context, tenantID, conversationID string) ([]*datatypes.StoredMessage, error) {
	// Scope check first so a foreign conversation reads as missing.
	if _, err := s.Get(ctx, tenantID, conversationID); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, conversation_id, role, content, backend, input_tokens, output_tokens, created_at
		FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	defer rows.Close()

	var messages []*datatypes.StoredMessage
	for rows.Next() {
		var m datatypes.StoredMessage
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content,
			&m.Backend, &m.InputTokens, &m.OutputTokens, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, &m)
	}
	return messages, rows.Err()
}

// Delete removes a conversation and (via cascade) its messages.
func (s *ConversationStore) Delete(ctx context.Context, tenantID, id string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM conversations WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	if err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConversationNotFound
	}
	return nil
}

// DeleteExpired removes all conversations for the tenant whose expiry
// has passed and returns their ids, so the caller can delete the
// backing event streams for exactly the rows that went away. Used by
// the retention sweeper.
func (s *ConversationStore) DeleteExpired(ctx context.Context, tenantID string, now time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		DELETE FROM conversations
		WHERE tenant_id = $1 AND expires_at IS NOT NULL AND expires_at <= $2
		RETURNING id`,
		tenantID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to delete expired conversations: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan expired conversation id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
