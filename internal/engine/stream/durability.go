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

package stream

import (
	"encoding/json"
	"time"

	"streamlite/internal/engine/kvschema"
	"streamlite/internal/engine/kvstore"
	"streamlite/pkg/record"
)

// buildWriteBatch constructs the durable write for one sequenced append:
// the record data and by-timestamp index entries, plus any fencing token
// or trim point updates the batch's command records produced, and the new
// tail position. retentionTTLMs is the per-record expiry derived from the
// stream's RetentionAgeSecs (0 means no expiry).
func buildWriteBatch(id kvschema.StreamID, seq []record.SequencedRecord, before, after SequenceState, retentionTTLMs int64) (kvstore.WriteBatch, error) {
	var batch kvstore.WriteBatch

	ttl := kvstore.NoExpiry()
	if retentionTTLMs > 0 {
		ttl = kvstore.ExpireAfterMs(retentionTTLMs)
	}

	for _, r := range seq {
		batch.Put(kvschema.StreamRecordDataKey(id, r.SeqNum, r.Timestamp), r.Raw, ttl)
		batch.Put(kvschema.StreamRecordTimestampKey(id, r.Timestamp, r.SeqNum), nil, ttl)
	}

	if after.FencingToken != before.FencingToken {
		batch.Put(kvschema.StreamFencingTokenKey(id), []byte(after.FencingToken), kvstore.NoExpiry())
	}
	if after.TrimEnd != before.TrimEnd {
		tv := kvschema.StreamTrimPointValue{End: after.TrimEnd}
		b, err := json.Marshal(tv)
		if err != nil {
			return kvstore.WriteBatch{}, err
		}
		batch.Put(kvschema.StreamTrimPointKey(id), b, kvstore.NoExpiry())
	}

	tail := kvschema.StreamTailPositionValue{
		SeqNum:      after.NextSeqNum,
		Timestamp:   after.LastTimestamp,
		WriteTsSecs: uint64(time.Now().Unix()),
	}
	tb, err := json.Marshal(tail)
	if err != nil {
		return kvstore.WriteBatch{}, err
	}
	batch.Put(kvschema.StreamTailPositionKey(id), tb, kvstore.NoExpiry())

	return batch, nil
}

// retentionTTLMs converts a stream's retention window to a per-write TTL
// in milliseconds, or 0 for no expiry.
func retentionTTLMs(cfg kvschema.StreamConfig) int64 {
	if cfg.RetentionAgeSecs == 0 {
		return 0
	}
	return int64(cfg.RetentionAgeSecs) * 1000
}
