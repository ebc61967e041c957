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

// Package backend resolves (basin, stream) names to a live Streamer,
// lazily spawning one per process as needed, and owns basin/stream
// lifecycle: create, reconfigure, delete, and the auto-create-on-access
// paths that consult basin config.
package backend

import (
	"context"
	"encoding/json"
	"time"

	"streamlite/internal/engine/enginerr"
	"streamlite/internal/engine/kvschema"
	"streamlite/internal/engine/kvstore"
	"streamlite/internal/engine/stream"
	"streamlite/internal/telemetry"
)

// Backend is the process-wide handle the HTTP/stream surface and the
// housekeeping loops both depend on.
type Backend struct {
	store    kvstore.Store
	registry *registry
}

func New(store kvstore.Store) *Backend {
	return &Backend{store: store, registry: newRegistry(store)}
}

func (b *Backend) Store() kvstore.Store { return b.store }

// ResolveStreamer resolves (basin, stream) to a live Streamer without
// auto-creating, lazily spawning one if none is currently resident.
func (b *Backend) ResolveStreamer(ctx context.Context, basin, streamName string) (*stream.Streamer, error) {
	return b.registry.streamerClient(ctx, basin, streamName)
}

// StreamerClientWithAutoCreate resolves (basin, stream); if resolution
// fails with StreamNotFound and shouldAutoCreate approves the basin's
// config, it creates the stream with default configuration and retries
// once. A race against a concurrent auto-create is tolerated: the create
// call's own idempotency dedup turns it into a no-op.
func (b *Backend) StreamerClientWithAutoCreate(ctx context.Context, basin, streamName string, shouldAutoCreate func(kvschema.BasinConfig) bool) (*stream.Streamer, error) {
	s, err := b.registry.streamerClient(ctx, basin, streamName)
	if err == nil {
		return s, nil
	}
	if !enginerr.Is(err, enginerr.KindStreamNotFound) {
		return nil, err
	}
	cfg, cfgErr := b.GetBasinConfig(ctx, basin)
	if cfgErr != nil {
		return nil, cfgErr
	}
	if !shouldAutoCreate(cfg) {
		return nil, err
	}
	createErr := b.CreateStream(ctx, basin, streamName, kvschema.StreamConfigPatch{}, CreateOnly(nil))
	if createErr != nil && !enginerr.Is(createErr, enginerr.KindResourceAlreadyExists) {
		return nil, createErr
	}
	return b.registry.streamerClient(ctx, basin, streamName)
}

// Append resolves the target stream (auto-creating on append if the
// basin allows it), submits in, and arms a delete-on-empty deadline on
// success if the stream's config requests one.
func (b *Backend) Append(ctx context.Context, basin, streamName string, in stream.AppendInput, session *stream.SessionHandle) (stream.AppendAck, error) {
	s, err := b.StreamerClientWithAutoCreate(ctx, basin, streamName, func(cfg kvschema.BasinConfig) bool {
		return cfg.CreateStreamOnAppend
	})
	if err != nil {
		return stream.AppendAck{}, err
	}
	ack, err := s.Append(ctx, in, session, stream.AppendPrimary)
	if err != nil {
		return stream.AppendAck{}, err
	}
	b.armDoeMaybe(ctx, basin, streamName)
	return ack, nil
}

// CheckTail resolves the target stream (auto-creating on read if the
// basin allows it) and returns its current tail.
func (b *Backend) CheckTail(ctx context.Context, basin, streamName string) (stream.Position, error) {
	s, err := b.StreamerClientWithAutoCreate(ctx, basin, streamName, func(cfg kvschema.BasinConfig) bool {
		return cfg.CreateStreamOnRead
	})
	if err != nil {
		return stream.Position{}, err
	}
	return s.CheckTail(ctx)
}

// armDoeMaybe arms a StreamDoeDeadline entry if the stream's effective
// config has a non-zero delete-on-empty min-age and the stream is not
// already deletion-pending. Best-effort: failures are logged, not
// propagated, since they must never fail the append they piggyback on.
func (b *Backend) armDoeMaybe(ctx context.Context, basin, streamName string) {
	meta, ok, err := b.StreamMeta(ctx, basin, streamName)
	if err != nil || !ok || meta.DeletedAtUnixMilli != nil {
		return
	}
	if meta.Config.DoeMinAgeSecs == 0 {
		return
	}
	id := kvschema.NewStreamID(basin, streamName)
	deadline := uint64(time.Now().Unix()) + meta.Config.DoeMinAgeSecs
	val, err := json.Marshal(kvschema.StreamDoeDeadlineValue{MinAgeSecs: meta.Config.DoeMinAgeSecs})
	if err != nil {
		return
	}
	var batch kvstore.WriteBatch
	batch.Put(kvschema.StreamDoeDeadlineKey(deadline, id), val, kvstore.NoExpiry())
	if err := b.store.Write(ctx, batch, true); err != nil {
		telemetry.Warnf("backend: arm doe deadline for %s/%s: %v", basin, streamName, err)
	}
}

// StreamMeta reads back a stream's metadata without caring about its
// deletion state; callers that need to reject deletion-pending streams
// check DeletedAtUnixMilli themselves.
func (b *Backend) StreamMeta(ctx context.Context, basin, streamName string) (kvschema.StreamMeta, bool, error) {
	v, ok, err := b.store.Get(ctx, kvschema.StreamMetaKey(basin, streamName))
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

func tokenOf(token *string) string {
	if token == nil {
		return ""
	}
	return *token
}
