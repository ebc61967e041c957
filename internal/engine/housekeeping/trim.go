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

package housekeeping

import (
	"context"
	"encoding/json"

	"streamlite/internal/engine/enginerr"
	"streamlite/internal/engine/kvschema"
	"streamlite/internal/engine/kvstore"
)

const (
	trimPageSize       = 128
	trimDeleteBatch    = 10000
	recordScanPageSize = 1024
)

type trimCandidate struct {
	id  kvschema.StreamID
	end uint64
}

// runTrimCycle lists one page of StreamTrimPoint entries and drains each
// one's eligible record range, finalizing the trim point (or, at
// end == MaxEnd, the whole stream) once its records are gone.
func (l *Loops) runTrimCycle(ctx context.Context) (bool, error) {
	store := l.backend.Store()
	prefix := kvschema.TagPrefix(kvschema.TagStreamTrimPoint)
	end, ok := kvschema.PrefixRangeEnd(prefix)
	if !ok {
		return false, nil
	}
	kvs, err := store.Scan(ctx, prefix, end, kvstore.ScanOptions{Limit: trimPageSize})
	if err != nil {
		return false, enginerr.Storage(err)
	}
	if len(kvs) == 0 {
		return false, nil
	}

	candidates := make([]trimCandidate, 0, len(kvs))
	for _, kv := range kvs {
		id := streamIDFromTrimKey(kv.Key)
		var v kvschema.StreamTrimPointValue
		if err := json.Unmarshal(kv.Value, &v); err != nil {
			continue
		}
		candidates = append(candidates, trimCandidate{id: id, end: v.End})
	}

	err = boundedForEach(candidates, func(c trimCandidate) error {
		return l.drainTrim(ctx, c)
	})
	return len(kvs) == trimPageSize, err
}

func streamIDFromTrimKey(key []byte) kvschema.StreamID {
	var id kvschema.StreamID
	copy(id[:], key[1:])
	return id
}

// drainTrim deletes every record below c.end in bounded batches, then
// finalizes the trim point, guarding against a trim point that advanced
// again while the sweep was running.
func (l *Loops) drainTrim(ctx context.Context, c trimCandidate) error {
	store := l.backend.Store()
	prefix := kvschema.StreamRecordDataPrefix(c.id)
	cursor := prefix
	rangeEnd, ok := kvschema.PrefixRangeEnd(prefix)
	if !ok {
		return nil
	}

	for {
		kvs, err := store.Scan(ctx, cursor, rangeEnd, kvstore.ScanOptions{Limit: recordScanPageSize})
		if err != nil {
			return enginerr.Storage(err)
		}
		if len(kvs) == 0 {
			break
		}

		var batch kvstore.WriteBatch
		lastKey := kvs[len(kvs)-1].Key
		reachedEnd := false
		for _, kv := range kvs {
			id, seqNum, ts, ok := kvschema.DecodeStreamRecordDataKey(kv.Key)
			if !ok || id != c.id || seqNum >= c.end {
				reachedEnd = true
				break
			}
			batch.Delete(kv.Key)
			batch.Delete(kvschema.StreamRecordTimestampKey(id, ts, seqNum))
			if len(batch.Deletes) >= trimDeleteBatch {
				if err := store.Write(ctx, batch, true); err != nil {
					return enginerr.Storage(err)
				}
				batch = kvstore.WriteBatch{}
			}
		}
		if !batch.Empty() {
			if err := store.Write(ctx, batch, true); err != nil {
				return enginerr.Storage(err)
			}
		}
		if reachedEnd || len(kvs) < recordScanPageSize {
			break
		}
		nextCursor, ok := kvschema.PrefixRangeEnd(lastKey)
		if !ok {
			break
		}
		cursor = nextCursor
	}

	return l.finalizeTrim(ctx, c)
}

// finalizeTrim removes the housekeeping bookkeeping for a drained range.
// For an ordinary trim it deletes the trim point only if it still equals
// the end this sweep observed, since a fresh trim may have been written
// concurrently and must not be silently discarded. For the terminal
// (MaxEnd) trim produced by stream deletion, it removes every remaining
// trace of the stream.
func (l *Loops) finalizeTrim(ctx context.Context, c trimCandidate) error {
	store := l.backend.Store()
	key := kvschema.StreamTrimPointKey(c.id)

	if c.end != kvschema.MaxEnd {
		txn, err := store.Begin(ctx)
		if err != nil {
			return enginerr.Storage(err)
		}
		defer txn.Discard()
		v, ok, err := txn.Get(ctx, key)
		if err != nil {
			return enginerr.Storage(err)
		}
		if !ok {
			return nil
		}
		var current kvschema.StreamTrimPointValue
		if err := json.Unmarshal(v, &current); err != nil {
			return enginerr.Storage(err)
		}
		if current.End != c.end {
			// trim point advanced again since we listed it; leave it
			// for the next sweep to pick up.
			return nil
		}
		txn.Delete(key)
		if err := txn.Commit(ctx); err != nil {
			if err == kvstore.ErrTransactionConflict {
				return nil
			}
			return enginerr.Storage(err)
		}
		return nil
	}

	basin, streamName, ok, err := l.lookupStreamMapping(ctx, c.id)
	if err != nil {
		return err
	}

	var batch kvstore.WriteBatch
	if ok {
		batch.Delete(kvschema.StreamMetaKey(basin, streamName))
	}
	batch.Delete(kvschema.StreamIdMappingKey(c.id))
	batch.Delete(kvschema.StreamTailPositionKey(c.id))
	batch.Delete(kvschema.StreamFencingTokenKey(c.id))
	batch.Delete(key)
	if err := store.Write(ctx, batch, true); err != nil {
		return enginerr.Storage(err)
	}
	return nil
}

func (l *Loops) lookupStreamMapping(ctx context.Context, id kvschema.StreamID) (basin, streamName string, ok bool, err error) {
	v, found, err := l.backend.Store().Get(ctx, kvschema.StreamIdMappingKey(id))
	if err != nil {
		return "", "", false, enginerr.Storage(err)
	}
	if !found {
		return "", "", false, nil
	}
	basin, streamName, ok = kvschema.DecodeStreamIdMappingValue(v)
	return basin, streamName, ok, nil
}
