// Copyright (C) 2025 Sysdr Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package eventstore

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sysdr/aigateway/services/storage/badgerstore"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := badgerstore.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStore(db)
}

func TestStore_AppendAssignsContiguousVersions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	recorded, err := store.Append(ctx, "conv-1", 0,
		EventData{Type: EventConversationCreated, Data: ConversationCreated{TenantID: "t1", Model: "gemini-2.0-flash"}},
		EventData{Type: EventMessageAppended, Data: MessageAppended{Role: "user", Content: "hello"}},
	)
	require.NoError(t, err)
	require.Len(t, recorded, 2)
	assert.Equal(t, int64(1), recorded[0].Version)
	assert.Equal(t, int64(2), recorded[1].Version)

	version, err := store.Version(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), version)
}

func TestStore_AppendVersionConflict(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Append(ctx, "conv-1", 0,
		EventData{Type: EventConversationCreated, Data: ConversationCreated{TenantID: "t1"}})
	require.NoError(t, err)

	// Stale expected version must fail without writing anything.
	_, err = store.Append(ctx, "conv-1", 0,
		EventData{Type: EventMessageAppended, Data: MessageAppended{Role: "user", Content: "lost race"}})
	assert.ErrorIs(t, err, ErrVersionConflict)

	version, err := store.Version(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), version)
}

func TestStore_AppendAnyVersionSkipsCheck(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Append(ctx, "conv-1", 0,
		EventData{Type: EventConversationCreated, Data: ConversationCreated{TenantID: "t1"}})
	require.NoError(t, err)

	recorded, err := store.Append(ctx, "conv-1", AnyVersion,
		EventData{Type: EventMessageAppended, Data: MessageAppended{Role: "user", Content: "hi"}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), recorded[0].Version)
}

func TestStore_LoadRebuildsState(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Append(ctx, "conv-1", 0,
		EventData{Type: EventConversationCreated, Data: ConversationCreated{TenantID: "t1", Title: "greetings", Model: "gemini-2.0-flash"}},
		EventData{Type: EventMessageAppended, Data: MessageAppended{Role: "user", Content: "hello", InputTokens: 3}},
		EventData{Type: EventMessageAppended, Data: MessageAppended{Role: "assistant", Content: "hi there", Backend: "gemini", OutputTokens: 4}},
	)
	require.NoError(t, err)

	state, err := store.Load(ctx, "conv-1")
	require.NoError(t, err)

	assert.Equal(t, "conv-1", state.ID)
	assert.Equal(t, "t1", state.TenantID)
	assert.Equal(t, "greetings", state.Title)
	assert.Equal(t, int64(3), state.Version)
	require.Len(t, state.Messages, 2)
	assert.Equal(t, "assistant", state.Messages[1].Role)
	assert.Equal(t, "gemini", state.Messages[1].Backend)
	assert.Equal(t, 3, state.InputTokens)
	assert.Equal(t, 4, state.OutputTokens)
}

func TestStore_LoadUnknownStream(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Load(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrStreamNotFound)
}

func TestStore_ReplayFromVersion(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Append(ctx, "conv-1", 0,
		EventData{Type: EventConversationCreated, Data: ConversationCreated{TenantID: "t1"}},
		EventData{Type: EventMessageAppended, Data: MessageAppended{Role: "user", Content: "one"}},
		EventData{Type: EventMessageAppended, Data: MessageAppended{Role: "assistant", Content: "two"}},
	)
	require.NoError(t, err)

	tail, err := store.Replay(ctx, "conv-1", 1)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, int64(2), tail[0].Version)
	assert.Equal(t, int64(3), tail[1].Version)
}

func TestStore_SnapshotBoundsReplay(t *testing.T) {
	store := newTestStore(t)
	store.snapshotInterval = 5
	ctx := context.Background()

	_, err := store.Append(ctx, "conv-1", 0,
		EventData{Type: EventConversationCreated, Data: ConversationCreated{TenantID: "t1"}})
	require.NoError(t, err)

	version := int64(1)
	for i := 0; i < 12; i++ {
		_, err := store.Append(ctx, "conv-1", version,
			EventData{Type: EventMessageAppended, Data: MessageAppended{Role: "user", Content: fmt.Sprintf("msg %d", i)}})
		require.NoError(t, err)
		version++
	}

	snap, err := store.latestSnapshot("conv-1")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, int64(10), snap.Version)

	// Full state must still include the tail past the snapshot.
	state, err := store.Load(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, int64(13), state.Version)
	assert.Len(t, state.Messages, 12)
}

func TestStore_DeleteRemovesStream(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Append(ctx, "conv-1", 0,
		EventData{Type: EventConversationCreated, Data: ConversationCreated{TenantID: "t1"}},
		EventData{Type: EventMessageAppended, Data: MessageAppended{Role: "user", Content: "bye"}},
	)
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, "conv-1"))

	version, err := store.Version(ctx, "conv-1")
	require.NoError(t, err)
	assert.Zero(t, version)

	_, err = store.Load(ctx, "conv-1")
	assert.ErrorIs(t, err, ErrStreamNotFound)
}

func TestStore_StreamsAreIsolated(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Append(ctx, "conv-1", 0,
		EventData{Type: EventConversationCreated, Data: ConversationCreated{TenantID: "t1"}})
	require.NoError(t, err)
	_, err = store.Append(ctx, "conv-2", 0,
		EventData{Type: EventConversationCreated, Data: ConversationCreated{TenantID: "t2"}})
	require.NoError(t, err)

	state, err := store.Load(ctx, "conv-2")
	require.NoError(t, err)
	assert.Equal(t, "t2", state.TenantID)
	assert.Equal(t, int64(1), state.Version)
}
