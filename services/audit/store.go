// Copyright (C) 2025 Sysdr Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.opentelemetry.io/otel"
)

var auditTracer = otel.Tracer("aigateway.audit")

const (
	eventKeyPrefix = "audit/evt/"

	// anchorKey stores the chain anchor left behind by Prune: the
	// sequence and hash of the newest pruned event, so verification can
	// re-anchor on the first surviving record.
	anchorKey = "audit/anchor"
)

// chainAnchor is the verification starting point after a prune.
type chainAnchor struct {
	Sequence uint64 `json:"sequence"`
	Hash     string `json:"hash"`
}

// Store is the BadgerDB-backed Recorder.
//
// # Description
//
// Events are stored under zero-padded sequence keys so Badger's ordered
// iteration returns them in append order. A mutex serializes appends;
// the sequence counter and chain head live in memory and are recovered
// from the last stored record on open.
//
// # Thread Safety
//
// Safe for concurrent use. Reads run in Badger read transactions and
// never block appends.
type Store struct {
	db *badger.DB

	mu       sync.Mutex
	lastSeq  uint64
	lastHash string
}

// NewStore opens a Recorder over an already-open Badger instance,
// recovering the chain head from the newest stored event.
func NewStore(db *badger.DB) (*Store, error) {
	s := &Store{db: db}
	err := db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		// Seek past the prefix range, reverse iteration lands on the
		// newest event key.
		it.Seek([]byte(eventKeyPrefix + "\xff"))
		if it.ValidForPrefix([]byte(eventKeyPrefix)) {
			return it.Item().Value(func(val []byte) error {
				var last Event
				if err := json.Unmarshal(val, &last); err != nil {
					return fmt.Errorf("decode audit head: %w", err)
				}
				s.lastSeq = last.Sequence
				s.lastHash = last.Hash
				return nil
			})
		}

		// No events left; a prune may have emptied the log, in which
		// case the chain continues from the anchor.
		anchor, err := readAnchor(txn)
		if err != nil {
			return err
		}
		if anchor != nil {
			s.lastSeq = anchor.Sequence
			s.lastHash = anchor.Hash
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("recover audit chain head: %w", err)
	}
	return s, nil
}

func eventKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", eventKeyPrefix, seq))
}

func readAnchor(txn *badger.Txn) (*chainAnchor, error) {
	item, err := txn.Get([]byte(anchorKey))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read audit anchor: %w", err)
	}
	var anchor chainAnchor
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &anchor)
	})
	if err != nil {
		return nil, fmt.Errorf("decode audit anchor: %w", err)
	}
	return &anchor, nil
}

// Record appends one event to the chain.
func (s *Store) Record(ctx context.Context, event Event) error {
	_, span := auditTracer.Start(ctx, "audit.record")
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	event.Sequence = s.lastSeq + 1
	event.Timestamp = time.Now().UTC()
	event.PrevHash = s.lastHash
	event.Hash = computeHash(event)

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(eventKey(event.Sequence), data)
	})
	if err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}

	s.lastSeq = event.Sequence
	s.lastHash = event.Hash
	return nil
}

// Query returns events matching the filter in append order.
func (s *Store) Query(ctx context.Context, filter Filter) ([]Event, error) {
	_, span := auditTracer.Start(ctx, "audit.query")
	defer span.End()

	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	var events []Event
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek([]byte(eventKeyPrefix)); it.ValidForPrefix([]byte(eventKeyPrefix)); it.Next() {
			if len(events) >= limit {
				break
			}
			err := it.Item().Value(func(val []byte) error {
				var event Event
				if err := json.Unmarshal(val, &event); err != nil {
					return fmt.Errorf("decode audit event: %w", err)
				}
				if matches(event, filter) {
					events = append(events, event)
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

// Prune removes events older than the cutoff from the head of the
// chain and returns how many were removed. Only the contiguous head is
// eligible: pruning stops at the first event at or after the cutoff, so
// no interior link is ever cut. The newest pruned event's sequence and
// hash are saved as the anchor that VerifyChain re-anchors on.
func (s *Store) Prune(ctx context.Context, before time.Time) (int, error) {
	_, span := auditTracer.Start(ctx, "audit.prune")
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	type pruned struct {
		key      []byte
		sequence uint64
		hash     string
	}
	var victims []pruned
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek([]byte(eventKeyPrefix)); it.ValidForPrefix([]byte(eventKeyPrefix)); it.Next() {
			var event Event
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &event)
			})
			if err != nil {
				return fmt.Errorf("decode audit event: %w", err)
			}
			if !event.Timestamp.Before(before) {
				break
			}
			victims = append(victims, pruned{
				key:      it.Item().KeyCopy(nil),
				sequence: event.Sequence,
				hash:     event.Hash,
			})
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if len(victims) == 0 {
		return 0, nil
	}

	// Delete in batches so a large prune stays under Badger's
	// transaction size limit. Each batch deletes its events and moves
	// the anchor to the batch's newest event in one transaction, so a
	// crash between batches leaves the log contiguous from the anchor.
	const batchSize = 1000
	for start := 0; start < len(victims); start += batchSize {
		end := start + batchSize
		if end > len(victims) {
			end = len(victims)
		}
		batch := victims[start:end]
		tail := batch[len(batch)-1]
		anchor, err := json.Marshal(chainAnchor{Sequence: tail.sequence, Hash: tail.hash})
		if err != nil {
			return 0, fmt.Errorf("marshal audit anchor: %w", err)
		}
		err = s.db.Update(func(txn *badger.Txn) error {
			for _, v := range batch {
				if err := txn.Delete(v.key); err != nil {
					return err
				}
			}
			return txn.Set([]byte(anchorKey), anchor)
		})
		if err != nil {
			return 0, fmt.Errorf("prune audit events: %w", err)
		}
	}
	return len(victims), nil
}

func matches(event Event, filter Filter) bool {
	if filter.TenantID != "" && event.TenantID != filter.TenantID {
		return false
	}
	if filter.Action != "" && event.Action != filter.Action {
		return false
	}
	if !filter.Since.IsZero() && event.Timestamp.Before(filter.Since) {
		return false
	}
	if !filter.Until.IsZero() && event.Timestamp.After(filter.Until) {
		return false
	}
	return true
}

// VerifyChain walks the full log, recomputing every hash and checking
// PrevHash linkage and sequence contiguity. It reports the first break
// rather than failing fast with an error: a broken chain is a finding,
// not an I/O failure.
func (s *Store) VerifyChain(ctx context.Context) (VerifyResult, error) {
	_, span := auditTracer.Start(ctx, "audit.verify_chain")
	defer span.End()

	result := VerifyResult{Valid: true}

	err := s.db.View(func(txn *badger.Txn) error {
		// A prune leaves an anchor behind; the first surviving event
		// must link to it. With no anchor the chain starts at seq 1
		// with an empty prev hash.
		prevHash := ""
		var prevSeq uint64
		anchor, err := readAnchor(txn)
		if err != nil {
			return err
		}
		if anchor != nil {
			prevHash = anchor.Hash
			prevSeq = anchor.Sequence
		}

		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek([]byte(eventKeyPrefix)); it.ValidForPrefix([]byte(eventKeyPrefix)); it.Next() {
			var event Event
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &event)
			})
			if err != nil {
				return fmt.Errorf("decode audit event: %w", err)
			}

			switch {
			case event.Sequence != prevSeq+1:
				result.Valid = false
				result.BrokenAt = event.Sequence
				result.Reason = fmt.Sprintf("sequence gap: expected %d, found %d", prevSeq+1, event.Sequence)
			case event.PrevHash != prevHash:
				result.Valid = false
				result.BrokenAt = event.Sequence
				result.Reason = "prev_hash does not match preceding event"
			case computeHash(event) != event.Hash:
				result.Valid = false
				result.BrokenAt = event.Sequence
				result.Reason = "stored hash does not match recomputed hash"
			}
			if !result.Valid {
				return nil
			}

			result.Checked++
			prevHash = event.Hash
			prevSeq = event.Sequence
		}
		return nil
	})
	if err != nil {
		return VerifyResult{}, err
	}
	return result, nil
}

// computeHash returns the hex SHA-256 over the event's content fields
// and PrevHash. The Hash field itself is excluded. Details are folded
// in as sorted key=value pairs so map iteration order cannot change
// the digest.
func computeHash(event Event) string {
	var details string
	if len(event.Details) > 0 {
		keys := make([]string, 0, len(event.Details))
		for k := range event.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+event.Details[k])
		}
		details = strings.Join(pairs, ",")
	}

	input := fmt.Sprintf("%d|%d|%s|%s|%s|%s|%s|%s|%s",
		event.Sequence,
		event.Timestamp.UnixNano(),
		event.TenantID,
		event.Actor,
		event.Action,
		event.Resource,
		event.Outcome,
		details,
		event.PrevHash,
	)
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}
