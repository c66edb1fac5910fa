// Copyright (C) 2025 Sysdr Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var eventstoreTracer = otel.Tracer("aigateway.eventstore")

var (
	// ErrVersionConflict is returned when an append's expected version
	// does not match the stream's current version.
	ErrVersionConflict = errors.New("stream version conflict")

	// ErrStreamNotFound is returned when replaying a stream with no events.
	ErrStreamNotFound = errors.New("stream not found")

	// ErrSequenceGap is returned when replay detects non-contiguous
	// versions, which means the store has been corrupted or truncated.
	ErrSequenceGap = errors.New("event version gap detected")
)

// AnyVersion disables the optimistic concurrency check for an append.
const AnyVersion int64 = -1

// DefaultSnapshotInterval is how many events a stream accumulates
// between snapshots.
const DefaultSnapshotInterval = 20

// Store is the BadgerDB-backed event store.
//
// # Key layout
//
//	es/ver/<stream>          current version, decimal
//	es/evt/<stream>/<%020d>  one event per version
//	es/snap/<stream>         latest snapshot
//
// Zero-padded version keys make Badger's ordered iteration return
// events in version order.
//
// # Thread Safety
//
// Safe for concurrent use. Appends run in Badger serializable
// transactions; two concurrent appends to one stream surface as a
// version conflict rather than interleaving.
type Store struct {
	db               *badger.DB
	snapshotInterval int64
}

// NewStore creates a store over an already-open Badger instance.
func NewStore(db *badger.DB) *Store {
	return &Store{db: db, snapshotInterval: DefaultSnapshotInterval}
}

func versionKey(streamID string) []byte {
	return []byte("es/ver/" + streamID)
}

func eventKey(streamID string, version int64) []byte {
	return []byte(fmt.Sprintf("es/evt/%s/%020d", streamID, version))
}

func snapshotKey(streamID string) []byte {
	return []byte("es/snap/" + streamID)
}

func readVersion(txn *badger.Txn, streamID string) (int64, error) {
	item, err := txn.Get(versionKey(streamID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var version int64
	err = item.Value(func(val []byte) error {
		v, parseErr := strconv.ParseInt(string(val), 10, 64)
		if parseErr != nil {
			return parseErr
		}
		version = v
		return nil
	})
	return version, err
}

// Append writes events to a stream.
//
// expectedVersion is the version the caller last saw: 0 for a new
// stream, AnyVersion to skip the check. On mismatch the append writes
// nothing and returns ErrVersionConflict; the caller reloads and
// retries with fresh state.
func (s *Store) Append(ctx context.Context, streamID string, expectedVersion int64, events ...EventData) ([]RecordedEvent, error) {
	_, span := eventstoreTracer.Start(ctx, "eventstore.append")
	defer span.End()
	span.SetAttributes(attribute.String("stream_id", streamID))

	if len(events) == 0 {
		return nil, errors.New("append requires at least one event")
	}

	recorded := make([]RecordedEvent, 0, len(events))
	now := time.Now().UTC()

	err := s.db.Update(func(txn *badger.Txn) error {
		recorded = recorded[:0]

		current, err := readVersion(txn, streamID)
		if err != nil {
			return fmt.Errorf("read stream version: %w", err)
		}
		if expectedVersion != AnyVersion && current != expectedVersion {
			return fmt.Errorf("%w: expected %d, stream at %d", ErrVersionConflict, expectedVersion, current)
		}

		version := current
		for _, event := range events {
			version++
			payload, err := json.Marshal(event.Data)
			if err != nil {
				return fmt.Errorf("marshal event payload: %w", err)
			}
			rec := RecordedEvent{
				StreamID:  streamID,
				Version:   version,
				Type:      event.Type,
				Timestamp: now,
				Data:      payload,
			}
			data, err := json.Marshal(rec)
			if err != nil {
				return fmt.Errorf("marshal event: %w", err)
			}
			if err := txn.Set(eventKey(streamID, version), data); err != nil {
				return err
			}
			recorded = append(recorded, rec)
		}

		return txn.Set(versionKey(streamID), []byte(strconv.FormatInt(version, 10)))
	})
	if err != nil {
		// A serialization conflict means another append won the race,
		// which is the same situation as a stale expected version.
		if errors.Is(err, badger.ErrConflict) {
			return nil, ErrVersionConflict
		}
		return nil, err
	}

	if err := s.maybeSnapshot(ctx, streamID, recorded[len(recorded)-1].Version); err != nil {
		// Snapshots are an optimization; losing one costs replay time,
		// not correctness.
		span.RecordError(err)
	}
	return recorded, nil
}

// Replay returns a stream's events with Version > fromVersion in order,
// verifying contiguity as it goes.
func (s *Store) Replay(ctx context.Context, streamID string, fromVersion int64) ([]RecordedEvent, error) {
	_, span := eventstoreTracer.Start(ctx, "eventstore.replay")
	defer span.End()

	var events []RecordedEvent
	prefix := []byte(fmt.Sprintf("es/evt/%s/", streamID))

	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		expected := fromVersion + 1
		for it.Seek(eventKey(streamID, fromVersion+1)); it.ValidForPrefix(prefix); it.Next() {
			var event RecordedEvent
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &event)
			})
			if err != nil {
				return fmt.Errorf("decode event: %w", err)
			}
			if event.Version != expected {
				return fmt.Errorf("%w: expected %d, found %d", ErrSequenceGap, expected, event.Version)
			}
			events = append(events, event)
			expected++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

// Load rebuilds a conversation's state, starting from the latest
// snapshot when one exists and replaying only the tail.
func (s *Store) Load(ctx context.Context, streamID string) (*ConversationState, error) {
	ctx, span := eventstoreTracer.Start(ctx, "eventstore.load")
	defer span.End()

	state := &ConversationState{ID: streamID}

	snap, err := s.latestSnapshot(streamID)
	if err != nil {
		return nil, err
	}
	if snap != nil {
		state = snap
	}

	events, err := s.Replay(ctx, streamID, state.Version)
	if err != nil {
		return nil, err
	}
	if snap == nil && len(events) == 0 {
		return nil, ErrStreamNotFound
	}
	for _, event := range events {
		if err := state.apply(event); err != nil {
			return nil, fmt.Errorf("apply event version %d: %w", event.Version, err)
		}
	}
	return state, nil
}

// Version returns a stream's current version, 0 for an unknown stream.
func (s *Store) Version(ctx context.Context, streamID string) (int64, error) {
	var version int64
	err := s.db.View(func(txn *badger.Txn) error {
		v, err := readVersion(txn, streamID)
		version = v
		return err
	})
	return version, err
}

// maybeSnapshot stores a fresh snapshot when the stream has crossed the
// snapshot interval since the last one.
func (s *Store) maybeSnapshot(ctx context.Context, streamID string, version int64) error {
	if version%s.snapshotInterval != 0 {
		return nil
	}
	state, err := s.Load(ctx, streamID)
	if err != nil {
		return err
	}
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(snapshotKey(streamID), data)
	})
}

func (s *Store) latestSnapshot(streamID string) (*ConversationState, error) {
	var state *ConversationState
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(snapshotKey(streamID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			var snap ConversationState
			if err := json.Unmarshal(val, &snap); err != nil {
				return fmt.Errorf("decode snapshot: %w", err)
			}
			state = &snap
			return nil
		})
	})
	return state, err
}

// Delete removes a stream's events, version marker and snapshot. Used
// by the retention sweeper after the relational rows are gone.
func (s *Store) Delete(ctx context.Context, streamID string) error {
	_, span := eventstoreTracer.Start(ctx, "eventstore.delete")
	defer span.End()

	prefix := []byte(fmt.Sprintf("es/evt/%s/", streamID))

	// Collect keys first; deleting during iteration invalidates it.
	var keys [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return err
	}
	keys = append(keys, versionKey(streamID), snapshotKey(streamID))

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, key := range keys {
		if err := wb.Delete(key); err != nil {
			return fmt.Errorf("delete stream key: %w", err)
		}
	}
	return wb.Flush()
}
