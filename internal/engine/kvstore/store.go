// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package kvstore wraps the engine's single flat key-value store behind a
// Txn-capable adapter. Three concrete backends are provided: an in-memory
// store for tests and single-node development, an embedded Badger LSM for
// a production single-node deployment, and a Redis-backed adapter for a
// shared remote store with idempotent scripted writes.
package kvstore

import (
	"context"
	"errors"
)

// KV is a single key/value pair returned by a range scan.
type KV struct {
	Key   []byte
	Value []byte
}

// TTL controls key expiry on write.
type TTL struct {
	NoExpiry       bool
	ExpireAfterMs  int64
}

func NoExpiry() TTL               { return TTL{NoExpiry: true} }
func ExpireAfterMs(ms int64) TTL  { return TTL{ExpireAfterMs: ms} }

// PutOp and DeleteOp are the two mutation kinds a WriteBatch may contain.
type PutOp struct {
	Key   []byte
	Value []byte
	TTL   TTL
}

type DeleteOp struct {
	Key []byte
}

// WriteBatch is the unit of atomic, durable mutation the engine issues for
// a single logical action (a sequenced append, a trim sweep step, a basin
// lifecycle transition).
type WriteBatch struct {
	Puts    []PutOp
	Deletes []DeleteOp
}

func (b *WriteBatch) Put(key, value []byte, ttl TTL) {
	b.Puts = append(b.Puts, PutOp{Key: key, Value: value, TTL: ttl})
}

func (b *WriteBatch) Delete(key []byte) {
	b.Deletes = append(b.Deletes, DeleteOp{Key: key})
}

func (b *WriteBatch) Empty() bool { return len(b.Puts) == 0 && len(b.Deletes) == 0 }

// ScanOptions tunes a range scan. Durability/caching knobs are accepted for
// interface fidelity with the spec and honored opportunistically by
// backends that support them; a backend that ignores a given knob still
// returns correct results.
type ScanOptions struct {
	// DurabilityFilter, when true, only returns keys known durable (as
	// opposed to buffered-but-unflushed in a backend with async flush).
	DurabilityFilter bool
	// Dirty allows a backend to serve from a local cache without a
	// consistency round-trip, when the caller can tolerate staleness.
	Dirty bool
	ReadAheadBytes int
	CacheBlocks    bool
	MaxFetchTasks  int
	// Limit caps the number of entries returned; 0 means unbounded.
	Limit int
	// Reverse scans from End-1 down to Start.
	Reverse bool
}

// ErrTransactionConflict is returned by Txn.Commit when a serializable
// snapshot transaction could not be applied because of a concurrent
// conflicting write. It is always retriable.
var ErrTransactionConflict = errors.New("kvstore: transaction conflict")

// Txn is a serializable-snapshot read-modify-write transaction.
type Txn interface {
	Get(ctx context.Context, key []byte) ([]byte, bool, error)
	Put(key, value []byte, ttl TTL)
	Delete(key []byte)
	// Commit applies the transaction's writes atomically. Returns
	// ErrTransactionConflict on a serialization failure.
	Commit(ctx context.Context) error
	Discard()
}

// Store is the engine's view of the underlying key-value store.
type Store interface {
	// Get performs a point read.
	Get(ctx context.Context, key []byte) ([]byte, bool, error)

	// Scan returns every key in [start, end) honoring opts, in ascending
	// key order (or descending if opts.Reverse).
	Scan(ctx context.Context, start, end []byte, opts ScanOptions) ([]KV, error)

	// Write applies batch atomically. awaitDurable must be true for any
	// write the engine intends to acknowledge to a client; the call does
	// not return until the write is durable.
	Write(ctx context.Context, batch WriteBatch, awaitDurable bool) error

	// Begin starts a serializable-snapshot transaction for a
	// read-modify-write path (basin/stream metadata mutation).
	Begin(ctx context.Context) (Txn, error)

	Close() error
}
