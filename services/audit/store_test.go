// Copyright (C) 2025 Sysdr Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package audit

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sysdr/aigateway/services/storage/badgerstore"
)

func newTestStore(t *testing.T) (*Store, *badger.DB) {
	t.Helper()
	db, err := badgerstore.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := NewStore(db)
	require.NoError(t, err)
	return store, db
}

func TestStore_RecordAssignsChainFields(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Record(ctx, Event{
		TenantID: "t1",
		Action:   ActionChatRequest,
		Outcome:  "success",
	}))
	require.NoError(t, store.Record(ctx, Event{
		TenantID: "t1",
		Action:   ActionPolicyBlocked,
		Outcome:  "denied",
	}))

	events, err := store.Query(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, events, 2)

	assert.Equal(t, uint64(1), events[0].Sequence)
	assert.Equal(t, uint64(2), events[1].Sequence)
	assert.Empty(t, events[0].PrevHash)
	assert.Equal(t, events[0].Hash, events[1].PrevHash)
	assert.NotEmpty(t, events[1].Hash)
}

func TestStore_QueryFilters(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Record(ctx, Event{TenantID: "t1", Action: ActionChatRequest}))
	require.NoError(t, store.Record(ctx, Event{TenantID: "t2", Action: ActionChatRequest}))
	require.NoError(t, store.Record(ctx, Event{TenantID: "t1", Action: ActionPolicyBlocked}))

	byTenant, err := store.Query(ctx, Filter{TenantID: "t1"})
	require.NoError(t, err)
	assert.Len(t, byTenant, 2)

	byAction, err := store.Query(ctx, Filter{TenantID: "t1", Action: ActionPolicyBlocked})
	require.NoError(t, err)
	require.Len(t, byAction, 1)
	assert.Equal(t, ActionPolicyBlocked, byAction[0].Action)
}

func TestStore_VerifyChainValid(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, store.Record(ctx, Event{
			TenantID: "t1",
			Action:   ActionChatRequest,
			Details:  map[string]string{"model": "gemini-2.0-flash", "backend": "gemini"},
		}))
	}

	result, err := store.VerifyChain(ctx)
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Equal(t, uint64(10), result.Checked)
	assert.Zero(t, result.BrokenAt)
}

func TestStore_VerifyChainDetectsTampering(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, store.Record(ctx, Event{TenantID: "t1", Action: ActionChatRequest}))
	}

	// Rewrite event 3 directly in badger, bypassing the chain.
	err := db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(eventKey(3))
		if err != nil {
			return err
		}
		var event Event
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &event)
		}); err != nil {
			return err
		}
		event.Outcome = "forged"
		data, err := json.Marshal(event)
		if err != nil {
			return err
		}
		return txn.Set(eventKey(3), data)
	})
	require.NoError(t, err)

	result, err := store.VerifyChain(ctx)
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Equal(t, uint64(3), result.BrokenAt)
	assert.NotEmpty(t, result.Reason)
}

func TestStore_VerifyChainDetectsDeletion(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, store.Record(ctx, Event{TenantID: "t1", Action: ActionChatRequest}))
	}

	require.NoError(t, db.Update(func(txn *badger.Txn) error {
		return txn.Delete(eventKey(2))
	}))

	result, err := store.VerifyChain(ctx)
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Equal(t, uint64(3), result.BrokenAt)
}

func TestStore_RecoversChainHeadOnReopen(t *testing.T) {
	db, err := badgerstore.OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()

	first, err := NewStore(db)
	require.NoError(t, err)
	require.NoError(t, first.Record(ctx, Event{TenantID: "t1", Action: ActionChatRequest}))
	require.NoError(t, first.Record(ctx, Event{TenantID: "t1", Action: ActionChatRequest}))

	// A second store over the same db must continue the chain, not
	// restart it.
	second, err := NewStore(db)
	require.NoError(t, err)
	require.NoError(t, second.Record(ctx, Event{TenantID: "t1", Action: ActionChatRequest}))

	result, err := second.VerifyChain(ctx)
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Equal(t, uint64(3), result.Checked)
}

func TestStore_PruneRemovesHeadAndReanchorsChain(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, store.Record(ctx, Event{TenantID: "t1", Action: ActionChatRequest}))
	}
	time.Sleep(10 * time.Millisecond)
	cutoff := time.Now().UTC()
	time.Sleep(10 * time.Millisecond)
	for i := 0; i < 2; i++ {
		require.NoError(t, store.Record(ctx, Event{TenantID: "t1", Action: ActionPolicyFlagged}))
	}

	pruned, err := store.Prune(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, 3, pruned)

	events, err := store.Query(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, uint64(4), events[0].Sequence)

	// The surviving chain must still verify against the anchor left by
	// the prune.
	result, err := store.VerifyChain(ctx)
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Equal(t, uint64(2), result.Checked)

	// Appends after a prune keep extending the same chain.
	require.NoError(t, store.Record(ctx, Event{TenantID: "t1", Action: ActionChatRequest}))
	result, err = store.VerifyChain(ctx)
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Equal(t, uint64(3), result.Checked)
}

func TestStore_PruneNothingBeforeCutoff(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	cutoff := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, store.Record(ctx, Event{TenantID: "t1", Action: ActionChatRequest}))

	pruned, err := store.Prune(ctx, cutoff)
	require.NoError(t, err)
	assert.Zero(t, pruned)

	result, err := store.VerifyChain(ctx)
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Equal(t, uint64(1), result.Checked)
}

func TestStore_RecoversFromAnchorWhenLogFullyPruned(t *testing.T) {
	db, err := badgerstore.OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()

	first, err := NewStore(db)
	require.NoError(t, err)
	require.NoError(t, first.Record(ctx, Event{TenantID: "t1", Action: ActionChatRequest}))
	require.NoError(t, first.Record(ctx, Event{TenantID: "t1", Action: ActionChatRequest}))

	time.Sleep(10 * time.Millisecond)
	pruned, err := first.Prune(ctx, time.Now().UTC())
	require.NoError(t, err)
	require.Equal(t, 2, pruned)

	// Reopening over an emptied log continues from the anchor instead
	// of restarting at sequence 1.
	second, err := NewStore(db)
	require.NoError(t, err)
	require.NoError(t, second.Record(ctx, Event{TenantID: "t1", Action: ActionChatRequest}))

	events, err := second.Query(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, uint64(3), events[0].Sequence)

	result, err := second.VerifyChain(ctx)
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Equal(t, uint64(1), result.Checked)
}
