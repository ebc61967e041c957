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
	"time"

	"streamlite/internal/engine/enginerr"
	"streamlite/internal/engine/kvschema"
	"streamlite/internal/engine/kvstore"
	"streamlite/internal/engine/stream"
	"streamlite/pkg/record"
)

// CreateStream creates (basin, stream) with the basin's default config
// overridden by patch, or applies CreateMode semantics if it already
// exists. Auto-create callers (append/read) pass an empty patch and
// CreateOnly(nil).
func (b *Backend) CreateStream(ctx context.Context, basin, streamName string, patch kvschema.StreamConfigPatch, mode CreateMode) error {
	basinCfg, err := b.GetBasinConfig(ctx, basin)
	if err != nil {
		return err
	}
	cfg := patch.Apply(basinCfg.DefaultStreamConfig)

	fp, err := kvschema.Fingerprint(tokenOf(mode.token), cfg)
	if err != nil {
		return enginerr.Storage(err)
	}

	txn, err := b.store.Begin(ctx)
	if err != nil {
		return enginerr.Storage(err)
	}
	defer txn.Discard()

	key := kvschema.StreamMetaKey(basin, streamName)
	existing, ok, err := txn.Get(ctx, key)
	if err != nil {
		return enginerr.Storage(err)
	}
	now := time.Now().UnixMilli()
	meta := kvschema.StreamMeta{
		Basin:                  basin,
		Stream:                 streamName,
		Config:                 cfg,
		CreatedAtUnixMilli:     now,
		IdempotencyFingerprint: fp,
	}

	if ok {
		var prev kvschema.StreamMeta
		if err := json.Unmarshal(existing, &prev); err != nil {
			return enginerr.Storage(err)
		}
		if prev.DeletedAtUnixMilli != nil {
			return enginerr.StreamDeletionPending(basin, streamName)
		}
		if !mode.reconfigure {
			if prev.IdempotencyFingerprint == fp {
				return nil
			}
			return enginerr.ResourceAlreadyExists(streamName)
		}
		meta.CreatedAtUnixMilli = prev.CreatedAtUnixMilli
	}

	v, err := json.Marshal(meta)
	if err != nil {
		return enginerr.Storage(err)
	}
	txn.Put(key, v, kvstore.NoExpiry())
	if !ok {
		id := kvschema.NewStreamID(basin, streamName)
		txn.Put(kvschema.StreamIdMappingKey(id), kvschema.EncodeStreamIdMappingValue(basin, streamName), kvstore.NoExpiry())
	}
	if err := txn.Commit(ctx); err != nil {
		return classifyTxnErr(err)
	}

	if ok && mode.reconfigure {
		if s, live := b.registry.evict(kvschema.NewStreamID(basin, streamName)); live {
			if rerr := s.Reconfigure(ctx, cfg); rerr != nil {
				return rerr
			}
		}
	}
	return nil
}

// ReconfigureStream applies a sparse patch to (basin, stream)'s config and
// pushes it to a live Streamer if one is resident.
func (b *Backend) ReconfigureStream(ctx context.Context, basin, streamName string, patch kvschema.StreamConfigPatch) (kvschema.StreamConfig, error) {
	txn, err := b.store.Begin(ctx)
	if err != nil {
		return kvschema.StreamConfig{}, enginerr.Storage(err)
	}
	defer txn.Discard()

	key := kvschema.StreamMetaKey(basin, streamName)
	v, ok, err := txn.Get(ctx, key)
	if err != nil {
		return kvschema.StreamConfig{}, enginerr.Storage(err)
	}
	if !ok {
		return kvschema.StreamConfig{}, enginerr.StreamNotFound(basin, streamName)
	}
	var meta kvschema.StreamMeta
	if err := json.Unmarshal(v, &meta); err != nil {
		return kvschema.StreamConfig{}, enginerr.Storage(err)
	}
	if meta.DeletedAtUnixMilli != nil {
		return kvschema.StreamConfig{}, enginerr.StreamDeletionPending(basin, streamName)
	}
	meta.Config = patch.Apply(meta.Config)
	meta.IdempotencyFingerprint = ""

	nv, err := json.Marshal(meta)
	if err != nil {
		return kvschema.StreamConfig{}, enginerr.Storage(err)
	}
	txn.Put(key, nv, kvstore.NoExpiry())
	if err := txn.Commit(ctx); err != nil {
		return kvschema.StreamConfig{}, classifyTxnErr(err)
	}

	if s, live := b.registry.evict(kvschema.NewStreamID(basin, streamName)); live {
		if rerr := s.Reconfigure(ctx, meta.Config); rerr != nil {
			return kvschema.StreamConfig{}, rerr
		}
	}
	return meta.Config, nil
}

// DeleteStream first marks the stream deletion-pending in its StreamMeta,
// then records the terminal trim (a Trim reaching MaxEnd): as a terminal
// append through the live Streamer if one can be obtained, so the stream
// exits only once every outstanding write against it is durable, or
// otherwise by writing the MaxEnd trim point directly. Either way, the
// stream-trim housekeeping loop performs the actual record cleanup and
// final StreamMeta removal.
func (b *Backend) DeleteStream(ctx context.Context, basin, streamName string) error {
	txn, err := b.store.Begin(ctx)
	if err != nil {
		return enginerr.Storage(err)
	}
	var meta kvschema.StreamMeta
	key := kvschema.StreamMetaKey(basin, streamName)
	v, ok, err := txn.Get(ctx, key)
	if err != nil {
		txn.Discard()
		return enginerr.Storage(err)
	}
	if !ok {
		txn.Discard()
		return enginerr.StreamNotFound(basin, streamName)
	}
	if err := json.Unmarshal(v, &meta); err != nil {
		txn.Discard()
		return enginerr.Storage(err)
	}
	if meta.DeletedAtUnixMilli != nil {
		txn.Discard()
		return nil
	}
	now := time.Now().UnixMilli()
	meta.DeletedAtUnixMilli = &now
	nv, err := json.Marshal(meta)
	if err != nil {
		txn.Discard()
		return enginerr.Storage(err)
	}
	txn.Put(key, nv, kvstore.NoExpiry())
	if err := txn.Commit(ctx); err != nil {
		return classifyTxnErr(err)
	}

	id := kvschema.NewStreamID(basin, streamName)
	s, err := b.registry.streamerClient(ctx, basin, streamName)
	if err != nil {
		// No live Streamer (already dormant, or init failed): write the
		// MaxEnd trim point directly; the trim loop's terminal finalize
		// path then handles full cleanup purely from KV state.
		return b.writeTerminalTrimPoint(ctx, id)
	}
	_, err = s.Append(ctx, stream.AppendInput{Records: []record.Record{record.Trim(kvschema.MaxEnd)}}, nil, stream.AppendTerminal)
	return err
}

// writeTerminalTrimPoint records the MaxEnd tombstone directly, used when
// no live Streamer exists to carry the terminal trim through its normal
// durability pipeline.
func (b *Backend) writeTerminalTrimPoint(ctx context.Context, id kvschema.StreamID) error {
	v, err := json.Marshal(kvschema.StreamTrimPointValue{End: kvschema.MaxEnd})
	if err != nil {
		return enginerr.Storage(err)
	}
	var batch kvstore.WriteBatch
	batch.Put(kvschema.StreamTrimPointKey(id), v, kvstore.NoExpiry())
	if err := b.store.Write(ctx, batch, true); err != nil {
		return enginerr.Storage(err)
	}
	return nil
}

// ListStreamsPage pages through a basin's streams by StreamMeta key
// order, returning up to limit non-deleted names strictly greater than
// after plus the cursor (the last name scanned, deleted or not) the
// caller should pass as after on its next call.
func (b *Backend) ListStreamsPage(ctx context.Context, basin, after string, limit int) (names []string, cursor string, hasMore bool, err error) {
	prefix := kvschema.StreamMetaKey(basin, "")
	start := prefix
	if after != "" {
		start = kvschema.StreamMetaKey(basin, after+"\x00")
	}
	end, ok := kvschema.PrefixRangeEnd(prefix)
	if !ok {
		return nil, after, false, nil
	}
	kvs, err := b.store.Scan(ctx, start, end, kvstore.ScanOptions{Limit: limit + 1})
	if err != nil {
		return nil, after, false, enginerr.Storage(err)
	}
	cursor = after
	for i, kv := range kvs {
		if i == limit {
			hasMore = true
			break
		}
		var meta kvschema.StreamMeta
		if err := json.Unmarshal(kv.Value, &meta); err != nil {
			return nil, after, false, enginerr.Storage(err)
		}
		cursor = meta.Stream
		if meta.DeletedAtUnixMilli == nil {
			names = append(names, meta.Stream)
		}
	}
	return kvschema.SortedStreamNames(names), cursor, hasMore, nil
}
