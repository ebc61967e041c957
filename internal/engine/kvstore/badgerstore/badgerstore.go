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

// Package badgerstore is the production single-node kvstore.Store backend,
// an embedded Badger LSM tree. Badger's own MVCC transactions give us
// serializable snapshot isolation for free: ErrConflict maps directly to
// kvstore.ErrTransactionConflict.
package badgerstore

import (
	"bytes"
	"context"
	"errors"
	"time"

	"github.com/dgraph-io/badger/v4"

	"streamlite/internal/engine/kvstore"
)

// Config mirrors the laptop/production-friendly memory bounds the example
// pack's Badger adapters apply; defaults favor a single-node deployment
// over raw throughput.
type Config struct {
	Path        string
	InMemory    bool
	MaxMemoryMB int64
}

type Store struct {
	db *badger.DB
}

func Open(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = opts.WithInMemory(true)
	}
	memTableSize := int64(16 << 20)
	if cfg.MaxMemoryMB > 0 {
		memTableSize = cfg.MaxMemoryMB * 1024 * 1024 / 3
	}
	opts = opts.
		WithNumVersionsToKeep(1).
		WithMemTableSize(memTableSize).
		WithNumMemtables(3).
		WithBlockCacheSize(memTableSize / 2).
		WithIndexCacheSize(memTableSize / 4).
		WithValueLogFileSize(64 << 20).
		WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			out = append([]byte(nil), val...)
			return nil
		})
	})
	if err != nil {
		return nil, false, err
	}
	return out, out != nil, nil
}

func (s *Store) Scan(ctx context.Context, start, end []byte, opts kvstore.ScanOptions) ([]kvstore.KV, error) {
	var out []kvstore.KV
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{
			PrefetchValues: true,
			PrefetchSize:   100,
			Reverse:        opts.Reverse,
		})
		defer it.Close()

		if opts.Reverse {
			// Badger's reverse iteration seeks at-or-before the given key.
			seekKey := end
			if seekKey == nil {
				it.Rewind()
			} else {
				it.Seek(prevKey(seekKey))
			}
			for ; it.Valid(); it.Next() {
				k := it.Item().KeyCopy(nil)
				if bytes.Compare(k, start) < 0 {
					break
				}
				v, err := it.Item().ValueCopy(nil)
				if err != nil {
					return err
				}
				out = append(out, kvstore.KV{Key: k, Value: v})
				if opts.Limit > 0 && len(out) >= opts.Limit {
					break
				}
			}
			return nil
		}

		for it.Seek(start); it.Valid(); it.Next() {
			k := it.Item().KeyCopy(nil)
			if end != nil && bytes.Compare(k, end) >= 0 {
				break
			}
			v, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			out = append(out, kvstore.KV{Key: k, Value: v})
			if opts.Limit > 0 && len(out) >= opts.Limit {
				break
			}
		}
		return nil
	})
	return out, err
}

// prevKey computes the largest key strictly less than k's exclusive upper
// bound, for seeking a reverse iterator to just before `end`.
func prevKey(k []byte) []byte {
	out := append([]byte(nil), k...)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i] > 0 {
			out[i]--
			return append(out[:i+1], bytes.Repeat([]byte{0xFF}, 64)...)
		}
	}
	return out
}

func (s *Store) Write(ctx context.Context, batch kvstore.WriteBatch, awaitDurable bool) error {
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, p := range batch.Puts {
		e := badger.NewEntry(p.Key, p.Value)
		if !p.TTL.NoExpiry && p.TTL.ExpireAfterMs > 0 {
			e = e.WithTTL(time.Duration(p.TTL.ExpireAfterMs) * time.Millisecond)
		}
		if err := wb.SetEntry(e); err != nil {
			return err
		}
	}
	for _, d := range batch.Deletes {
		if err := wb.Delete(d.Key); err != nil {
			return err
		}
	}
	if err := wb.Flush(); err != nil {
		return err
	}
	if awaitDurable {
		return s.db.Sync()
	}
	return nil
}

func (s *Store) Begin(ctx context.Context) (kvstore.Txn, error) {
	return &txn{txn: s.db.NewTransaction(true)}, nil
}

type txn struct {
	txn  *badger.Txn
	done bool
}

func (t *txn) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	item, err := t.txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var out []byte
	err = item.Value(func(val []byte) error {
		out = append([]byte(nil), val...)
		return nil
	})
	return out, true, err
}

func (t *txn) Put(key, value []byte, ttl kvstore.TTL) {
	e := badger.NewEntry(key, value)
	if !ttl.NoExpiry && ttl.ExpireAfterMs > 0 {
		e = e.WithTTL(time.Duration(ttl.ExpireAfterMs) * time.Millisecond)
	}
	_ = t.txn.SetEntry(e)
}

func (t *txn) Delete(key []byte) {
	_ = t.txn.Delete(key)
}

func (t *txn) Commit(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	err := t.txn.Commit()
	if errors.Is(err, badger.ErrConflict) {
		return kvstore.ErrTransactionConflict
	}
	return err
}

func (t *txn) Discard() {
	if t.done {
		return
	}
	t.done = true
	t.txn.Discard()
}
