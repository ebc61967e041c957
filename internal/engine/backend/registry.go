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

package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dgryski/go-rendezvous"

	"streamlite/internal/engine/enginerr"
	"streamlite/internal/engine/kvschema"
	"streamlite/internal/engine/kvstore"
	"streamlite/internal/engine/stream"
	"streamlite/internal/telemetry"
)

// shardCount splits the StreamID space into independently-locked shards
// so concurrent lookups for different streams never contend on one mutex.
const shardCount = 16

// failedInitMemory is how long an InitError entry is served to new callers
// before the next caller is allowed to retry the spawn.
const failedInitMemory = time.Second

type clientKind int

const (
	kindBlocked clientKind = iota
	kindInitError
	kindReady
)

// clientEntry is an immutable snapshot of one StreamID's registry slot.
// A state transition always installs a brand new clientEntry rather than
// mutating the one in place, so readers holding a reference never observe
// a torn state.
type clientEntry struct {
	kind     clientKind
	notify   chan struct{} // closed when a Blocked entry resolves
	streamer *stream.Streamer
	err      error
	errAt    time.Time
}

type shard struct {
	mu      sync.Mutex
	clients map[kvschema.StreamID]*clientEntry
}

// registry is the sharded StreamID -> clientEntry map, mirroring the
// original Rust backend's DashMap<StreamId, StreamerClientState> with a
// per-entry Notify. Rendezvous hashing picks a shard deterministically
// per key so the shard count can change across restarts without
// invalidating anything (the map is never persisted).
type registry struct {
	store     kvstore.Store
	shards    []*shard
	shardByID map[string]int
	hash      *rendezvous.Rendezvous
}

func newRegistry(store kvstore.Store) *registry {
	nodes := make([]string, shardCount)
	shards := make([]*shard, shardCount)
	shardByID := make(map[string]int, shardCount)
	for i := range shards {
		node := fmt.Sprintf("shard-%d", i)
		nodes[i] = node
		shardByID[node] = i
		shards[i] = &shard{clients: make(map[kvschema.StreamID]*clientEntry)}
	}
	return &registry{
		store:     store,
		shards:    shards,
		shardByID: shardByID,
		hash:      rendezvous.New(nodes, func(s string) uint64 { return xxhash.Sum64String(s) }),
	}
}

func (r *registry) shardFor(id kvschema.StreamID) *shard {
	node := r.hash.Lookup(string(id[:]))
	return r.shards[r.shardByID[node]]
}

// streamerClient resolves (basin, stream) to a live Streamer, spawning one
// if the registry has no resident entry, waiting out a concurrent spawn if
// one is already in flight, and retrying a recent InitError once its
// memory window has elapsed.
func (r *registry) streamerClient(ctx context.Context, basin, streamName string) (*stream.Streamer, error) {
	id := kvschema.NewStreamID(basin, streamName)
	sh := r.shardFor(id)

	for {
		sh.mu.Lock()
		entry, ok := sh.clients[id]
		if !ok {
			notify := make(chan struct{})
			blocked := &clientEntry{kind: kindBlocked, notify: notify}
			sh.clients[id] = blocked
			sh.mu.Unlock()
			r.spawn(ctx, sh, id, basin, streamName, blocked)
			sh.mu.Lock()
			entry = sh.clients[id]
		}
		sh.mu.Unlock()

		switch entry.kind {
		case kindReady:
			select {
			case <-entry.streamer.Closed():
				r.removeIfSame(sh, id, entry)
				continue
			default:
				return entry.streamer, nil
			}
		case kindInitError:
			if time.Since(entry.errAt) < failedInitMemory {
				return nil, entry.err
			}
			r.removeIfSame(sh, id, entry)
			continue
		case kindBlocked:
			select {
			case <-entry.notify:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
}

// removeIfSame deletes the map entry only if it is still the same pointer
// observed by the caller, so a concurrent transition (or a concurrent
// fresh spawn after removal) is never clobbered.
func (r *registry) removeIfSame(sh *shard, id kvschema.StreamID, want *clientEntry) {
	sh.mu.Lock()
	if sh.clients[id] == want {
		delete(sh.clients, id)
	}
	sh.mu.Unlock()
}

// spawn loads the stream's config and tail state and opens a Streamer,
// publishing the result (Ready or InitError) in place of the Blocked
// placeholder and waking every parked waiter.
func (r *registry) spawn(ctx context.Context, sh *shard, id kvschema.StreamID, basin, streamName string, blocked *clientEntry) {
	var result *clientEntry
	defer func() {
		sh.mu.Lock()
		sh.clients[id] = result
		sh.mu.Unlock()
		close(blocked.notify)
	}()

	meta, ok, err := r.loadStreamMeta(ctx, basin, streamName)
	if err != nil {
		result = &clientEntry{kind: kindInitError, err: err, errAt: time.Now()}
		return
	}
	if !ok || meta.DeletedAtUnixMilli != nil {
		result = &clientEntry{kind: kindInitError, err: enginerr.StreamNotFound(basin, streamName), errAt: time.Now()}
		return
	}

	s, err := stream.Open(ctx, id, r.store, meta.Config)
	if err != nil {
		result = &clientEntry{kind: kindInitError, err: enginerr.Storage(err), errAt: time.Now()}
		return
	}
	r.assertNoRecordsPastTail(ctx, id, s)
	telemetry.ActiveStreamers.Inc()
	go r.watchClosed(sh, id, s)
	result = &clientEntry{kind: kindReady, streamer: s}
}

// watchClosed removes the registry entry and decrements the active-streamer
// gauge once a Streamer exits on its own (dormancy timeout or terminal
// trim), so the next lookup respawns it instead of returning a dead handle.
func (r *registry) watchClosed(sh *shard, id kvschema.StreamID, s *stream.Streamer) {
	<-s.Closed()
	telemetry.ActiveStreamers.Dec()
	sh.mu.Lock()
	if e, ok := sh.clients[id]; ok && e.kind == kindReady && e.streamer == s {
		delete(sh.clients, id)
	}
	sh.mu.Unlock()
}

// assertNoRecordsPastTail is a sanity check translated from the original
// backend's invariant assertion: a freshly opened Streamer's tail must not
// be behind the last record actually durable in storage, which would mean
// the tail-position entry and the record keyspace have diverged. This can
// only happen from a storage bug or manual KV tampering, so it panics
// rather than returning a recoverable error.
func (r *registry) assertNoRecordsPastTail(ctx context.Context, id kvschema.StreamID, s *stream.Streamer) {
	tail, err := s.CheckTail(ctx)
	if err != nil {
		return
	}
	prefix := kvschema.StreamRecordDataPrefix(id)
	end, ok := kvschema.PrefixRangeEnd(prefix)
	if !ok {
		return
	}
	kvs, err := r.store.Scan(ctx, prefix, end, kvstore.ScanOptions{Reverse: true, Limit: 1})
	if err != nil || len(kvs) == 0 {
		return
	}
	_, seqNum, _, ok := kvschema.DecodeStreamRecordDataKey(kvs[0].Key)
	if !ok {
		return
	}
	if seqNum >= tail.SeqNum {
		panic(fmt.Sprintf("streamlite: stream %x has a durable record at seq_num %d past its loaded tail %d", id, seqNum, tail.SeqNum))
	}
}

func (r *registry) loadStreamMeta(ctx context.Context, basin, streamName string) (kvschema.StreamMeta, bool, error) {
	v, ok, err := r.store.Get(ctx, kvschema.StreamMetaKey(basin, streamName))
	if err != nil {
		return kvschema.StreamMeta{}, false, enginerr.Storage(err)
	}
	if !ok {
		return kvschema.StreamMeta{}, false, nil
	}
	var meta kvschema.StreamMeta
	if err := json.Unmarshal(v, &meta); err != nil {
		return kvschema.StreamMeta{}, false, enginerr.Storage(err)
	}
	return meta, true, nil
}

// evict returns the resident Ready Streamer for id, if any, so a
// reconfigure can push the new config to it. The registry entry is left
// in place.
func (r *registry) evict(id kvschema.StreamID) (*stream.Streamer, bool) {
	sh := r.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.clients[id]
	if !ok || e.kind != kindReady {
		return nil, false
	}
	return e.streamer, true
}
