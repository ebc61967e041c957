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

// Package memstore is the in-memory kvstore.Store used in tests and local
// development. It keeps an ordered map under a single RWMutex; correctness,
// not throughput, is the goal here.
package memstore

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	"streamlite/internal/engine/kvstore"
)

type entry struct {
	value    []byte
	expireAt time.Time // zero means no expiry
}

func (e entry) expired(now time.Time) bool {
	return !e.expireAt.IsZero() && now.After(e.expireAt)
}

// Store is a sorted in-memory key-value store.
type Store struct {
	mu   sync.RWMutex
	data map[string]entry
	keys []string // kept sorted; each write inserts or removes its key in place via binary search
}

func New() *Store {
	return &Store{data: make(map[string]entry)}
}

func (s *Store) insertKeyLocked(k string) {
	i := sort.SearchStrings(s.keys, k)
	if i < len(s.keys) && s.keys[i] == k {
		return
	}
	s.keys = append(s.keys, "")
	copy(s.keys[i+1:], s.keys[i:])
	s.keys[i] = k
}

func (s *Store) removeKeyLocked(k string) {
	i := sort.SearchStrings(s.keys, k)
	if i < len(s.keys) && s.keys[i] == k {
		s.keys = append(s.keys[:i], s.keys[i+1:]...)
	}
}

func (s *Store) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.data[string(key)]
	if !ok || e.expired(time.Now()) {
		return nil, false, nil
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, true, nil
}

func (s *Store) Scan(ctx context.Context, start, end []byte, opts kvstore.ScanOptions) ([]kvstore.KV, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	lo := sort.SearchStrings(s.keys, string(start))
	var hi int
	if end == nil {
		hi = len(s.keys)
	} else {
		hi = sort.SearchStrings(s.keys, string(end))
	}

	now := time.Now()
	var out []kvstore.KV
	emit := func(k string) bool {
		e := s.data[k]
		if e.expired(now) {
			return true
		}
		v := make([]byte, len(e.value))
		copy(v, e.value)
		out = append(out, kvstore.KV{Key: []byte(k), Value: v})
		return opts.Limit <= 0 || len(out) < opts.Limit
	}

	if opts.Reverse {
		for i := hi - 1; i >= lo; i-- {
			if !emit(s.keys[i]) {
				break
			}
		}
	} else {
		for i := lo; i < hi; i++ {
			if !emit(s.keys[i]) {
				break
			}
		}
	}
	return out, nil
}

func (s *Store) Write(ctx context.Context, batch kvstore.WriteBatch, awaitDurable bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyLocked(batch)
	return nil
}

func (s *Store) applyLocked(batch kvstore.WriteBatch) {
	now := time.Now()
	for _, p := range batch.Puts {
		k := string(p.Key)
		e := entry{value: append([]byte(nil), p.Value...)}
		if !p.TTL.NoExpiry && p.TTL.ExpireAfterMs > 0 {
			e.expireAt = now.Add(time.Duration(p.TTL.ExpireAfterMs) * time.Millisecond)
		}
		if _, exists := s.data[k]; !exists {
			s.insertKeyLocked(k)
		}
		s.data[k] = e
	}
	for _, d := range batch.Deletes {
		k := string(d.Key)
		if _, ok := s.data[k]; ok {
			delete(s.data, k)
			s.removeKeyLocked(k)
		}
	}
}

func (s *Store) Begin(ctx context.Context) (kvstore.Txn, error) {
	s.mu.Lock() // serializable: the whole store is locked for the transaction's lifetime
	return &txn{store: s, reads: make(map[string][]byte)}, nil
}

func (s *Store) Close() error { return nil }

// txn implements kvstore.Txn by holding the store's write lock for its
// duration: a simple but correct stand-in for optimistic serializable
// snapshot isolation, since memstore targets tests rather than concurrent
// production load.
type txn struct {
	store   *Store
	batch   kvstore.WriteBatch
	reads   map[string][]byte
	deleted map[string]bool
	done    bool
}

func (t *txn) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	k := string(key)
	if t.deleted != nil && t.deleted[k] {
		return nil, false, nil
	}
	for _, p := range t.batch.Puts {
		if bytes.Equal(p.Key, key) {
			return p.Value, true, nil
		}
	}
	e, ok := t.store.data[k]
	if !ok || e.expired(time.Now()) {
		return nil, false, nil
	}
	return e.value, true, nil
}

func (t *txn) Put(key, value []byte, ttl kvstore.TTL) {
	t.batch.Put(key, value, ttl)
	if t.deleted != nil {
		delete(t.deleted, string(key))
	}
}

func (t *txn) Delete(key []byte) {
	t.batch.Delete(key)
	if t.deleted == nil {
		t.deleted = make(map[string]bool)
	}
	t.deleted[string(key)] = true
}

func (t *txn) Commit(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	defer t.store.mu.Unlock()
	t.store.applyLocked(t.batch)
	return nil
}

func (t *txn) Discard() {
	if t.done {
		return
	}
	t.done = true
	t.store.mu.Unlock()
}
