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
)

// CreateMode selects between idempotent create-only and unconditional
// upsert semantics shared by basin and stream creation.
type CreateMode struct {
	token       *string
	reconfigure bool
}

// CreateOnly requests idempotent creation: a repeat call with the same
// token and configuration is a no-op; a repeat call with a different
// configuration fails with ResourceAlreadyExists.
func CreateOnly(token *string) CreateMode { return CreateMode{token: token} }

// CreateOrReconfigure always applies cfg, preserving the resource's
// original creation time, and pushes the new config live if the resource
// is currently active.
func CreateOrReconfigure(token *string) CreateMode { return CreateMode{token: token, reconfigure: true} }

// CreateBasin creates basin with the given config, or applies CreateMode
// semantics if it already exists.
func (b *Backend) CreateBasin(ctx context.Context, basin string, cfg kvschema.BasinConfig, mode CreateMode) error {
	fp, err := kvschema.Fingerprint(tokenOf(mode.token), cfg)
	if err != nil {
		return enginerr.Storage(err)
	}

	txn, err := b.store.Begin(ctx)
	if err != nil {
		return enginerr.Storage(err)
	}
	defer txn.Discard()

	key := kvschema.BasinMetaKey(basin)
	if _, pending, err := b.checkBasinNotDeleting(ctx, txn, basin); err != nil {
		return err
	} else if pending {
		return enginerr.BasinDeletionPending(basin)
	}

	existing, ok, err := txn.Get(ctx, key)
	if err != nil {
		return enginerr.Storage(err)
	}
	now := time.Now().UnixMilli()
	meta := kvschema.BasinMeta{
		Name:                   basin,
		Config:                 cfg,
		CreatedAtUnixMilli:     now,
		IdempotencyFingerprint: fp,
	}

	if ok {
		var prev kvschema.BasinMeta
		if err := json.Unmarshal(existing, &prev); err != nil {
			return enginerr.Storage(err)
		}
		if prev.DeletedAtUnixMilli != nil {
			return enginerr.BasinDeletionPending(basin)
		}
		if !mode.reconfigure {
			if prev.IdempotencyFingerprint == fp {
				return nil
			}
			return enginerr.ResourceAlreadyExists(basin)
		}
		meta.CreatedAtUnixMilli = prev.CreatedAtUnixMilli
	}

	v, err := json.Marshal(meta)
	if err != nil {
		return enginerr.Storage(err)
	}
	txn.Put(key, v, kvstore.NoExpiry())
	if err := txn.Commit(ctx); err != nil {
		return classifyTxnErr(err)
	}
	return nil
}

// GetBasinConfig reads the effective config of an active basin.
func (b *Backend) GetBasinConfig(ctx context.Context, basin string) (kvschema.BasinConfig, error) {
	meta, ok, err := b.basinMeta(ctx, basin)
	if err != nil {
		return kvschema.BasinConfig{}, err
	}
	if !ok {
		return kvschema.BasinConfig{}, enginerr.BasinNotFound(basin)
	}
	if meta.DeletedAtUnixMilli != nil {
		return kvschema.BasinConfig{}, enginerr.BasinDeletionPending(basin)
	}
	return meta.Config, nil
}

// ReconfigureBasin applies a sparse patch to basin's config.
func (b *Backend) ReconfigureBasin(ctx context.Context, basin string, patch kvschema.BasinConfigPatch) (kvschema.BasinConfig, error) {
	txn, err := b.store.Begin(ctx)
	if err != nil {
		return kvschema.BasinConfig{}, enginerr.Storage(err)
	}
	defer txn.Discard()

	key := kvschema.BasinMetaKey(basin)
	v, ok, err := txn.Get(ctx, key)
	if err != nil {
		return kvschema.BasinConfig{}, enginerr.Storage(err)
	}
	if !ok {
		return kvschema.BasinConfig{}, enginerr.BasinNotFound(basin)
	}
	var meta kvschema.BasinMeta
	if err := json.Unmarshal(v, &meta); err != nil {
		return kvschema.BasinConfig{}, enginerr.Storage(err)
	}
	if meta.DeletedAtUnixMilli != nil {
		return kvschema.BasinConfig{}, enginerr.BasinDeletionPending(basin)
	}
	meta.Config = patch.Apply(meta.Config)
	meta.IdempotencyFingerprint = ""

	nv, err := json.Marshal(meta)
	if err != nil {
		return kvschema.BasinConfig{}, enginerr.Storage(err)
	}
	txn.Put(key, nv, kvstore.NoExpiry())
	if err := txn.Commit(ctx); err != nil {
		return kvschema.BasinConfig{}, classifyTxnErr(err)
	}
	return meta.Config, nil
}

// DeleteBasin marks basin deletion-pending and records it in the
// deletion-pending index for the basin-deletion housekeeping loop to
// drain asynchronously; it does not delete anything synchronously.
func (b *Backend) DeleteBasin(ctx context.Context, basin string) error {
	txn, err := b.store.Begin(ctx)
	if err != nil {
		return enginerr.Storage(err)
	}
	defer txn.Discard()

	key := kvschema.BasinMetaKey(basin)
	v, ok, err := txn.Get(ctx, key)
	if err != nil {
		return enginerr.Storage(err)
	}
	if !ok {
		return enginerr.BasinNotFound(basin)
	}
	var meta kvschema.BasinMeta
	if err := json.Unmarshal(v, &meta); err != nil {
		return enginerr.Storage(err)
	}
	if meta.DeletedAtUnixMilli != nil {
		return nil
	}
	now := time.Now().UnixMilli()
	meta.DeletedAtUnixMilli = &now

	nv, err := json.Marshal(meta)
	if err != nil {
		return enginerr.Storage(err)
	}
	txn.Put(key, nv, kvstore.NoExpiry())
	txn.Put(kvschema.BasinDeletionPendingKey(basin), []byte{}, kvstore.NoExpiry())
	if err := txn.Commit(ctx); err != nil {
		return classifyTxnErr(err)
	}
	return nil
}

// BasinDeletionCandidate is one basin pending deletion together with the
// stream-name cursor the basin-deletion loop last advanced to.
type BasinDeletionCandidate struct {
	Basin  string
	Cursor string
}

// ListBasinDeletionPending pages through the BasinDeletionPending index,
// returning up to limit basins (with their resume cursor) strictly
// greater than after.
func (b *Backend) ListBasinDeletionPending(ctx context.Context, after string, limit int) (candidates []BasinDeletionCandidate, hasMore bool, err error) {
	start := kvschema.BasinDeletionPendingKey(after + "\x00")
	if after == "" {
		start = kvschema.TagPrefix(kvschema.TagBasinDeletionPending)
	}
	end, ok := kvschema.PrefixRangeEnd(kvschema.TagPrefix(kvschema.TagBasinDeletionPending))
	if !ok {
		return nil, false, nil
	}
	kvs, err := b.store.Scan(ctx, start, end, kvstore.ScanOptions{Limit: limit + 1})
	if err != nil {
		return nil, false, enginerr.Storage(err)
	}
	for i, kv := range kvs {
		if i == limit {
			hasMore = true
			break
		}
		candidates = append(candidates, BasinDeletionCandidate{Basin: string(kv.Key[1:]), Cursor: string(kv.Value)})
	}
	return candidates, hasMore, nil
}

// SetBasinDeletionCursor persists the stream name the basin-deletion loop
// last advanced past for basin, so the next tick (or a restart) resumes
// the page scan instead of re-listing streams already processed.
func (b *Backend) SetBasinDeletionCursor(ctx context.Context, basin string, after string) error {
	var batch kvstore.WriteBatch
	batch.Put(kvschema.BasinDeletionPendingKey(basin), []byte(after), kvstore.NoExpiry())
	if err := b.store.Write(ctx, batch, true); err != nil {
		return enginerr.Storage(err)
	}
	return nil
}

// CompleteBasinDeletion removes BasinMeta and the deletion-pending marker
// atomically, once the housekeeping loop has confirmed every stream under
// basin is gone.
func (b *Backend) CompleteBasinDeletion(ctx context.Context, basin string) error {
	var batch kvstore.WriteBatch
	batch.Delete(kvschema.BasinMetaKey(basin))
	batch.Delete(kvschema.BasinDeletionPendingKey(basin))
	if err := b.store.Write(ctx, batch, true); err != nil {
		return enginerr.Storage(err)
	}
	return nil
}

func (b *Backend) basinMeta(ctx context.Context, basin string) (kvschema.BasinMeta, bool, error) {
	v, ok, err := b.store.Get(ctx, kvschema.BasinMetaKey(basin))
	if err != nil {
		return kvschema.BasinMeta{}, false, enginerr.Storage(err)
	}
	if !ok {
		return kvschema.BasinMeta{}, false, nil
	}
	var meta kvschema.BasinMeta
	if err := json.Unmarshal(v, &meta); err != nil {
		return kvschema.BasinMeta{}, false, enginerr.Storage(err)
	}
	return meta, true, nil
}

func (b *Backend) checkBasinNotDeleting(ctx context.Context, txn kvstore.Txn, basin string) (kvschema.BasinMeta, bool, error) {
	v, ok, err := txn.Get(ctx, kvschema.BasinMetaKey(basin))
	if err != nil {
		return kvschema.BasinMeta{}, false, enginerr.Storage(err)
	}
	if !ok {
		return kvschema.BasinMeta{}, false, nil
	}
	var meta kvschema.BasinMeta
	if err := json.Unmarshal(v, &meta); err != nil {
		return kvschema.BasinMeta{}, false, enginerr.Storage(err)
	}
	return meta, meta.DeletedAtUnixMilli != nil, nil
}

func classifyTxnErr(err error) error {
	if err == kvstore.ErrTransactionConflict {
		return enginerr.TransactionConflict(err)
	}
	return enginerr.Storage(err)
}
