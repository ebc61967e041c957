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
	"time"

	"streamlite/internal/engine/enginerr"
	"streamlite/internal/engine/kvschema"
	"streamlite/internal/engine/kvstore"
)

const doePageSize = 10000

// doeGroup accumulates every deadline entry seen for one stream in a
// single sweep, since more than one can be armed before the earliest one
// is swept.
type doeGroup struct {
	id          kvschema.StreamID
	keys        [][]byte
	maxDeadline uint64
	maxMinAge   uint64
}

// runDoeCycle lists expired StreamDoeDeadline entries, groups them by
// stream, deletes any stream found eligible, and clears every visited
// deadline key regardless of outcome.
func (l *Loops) runDoeCycle(ctx context.Context) (bool, error) {
	store := l.backend.Store()
	now := uint64(time.Now().Unix())
	prefix := kvschema.TagPrefix(kvschema.TagStreamDoeDeadline)
	rangeEnd := kvschema.StreamDoeDeadlineKey(now+1, kvschema.StreamID{})

	kvs, err := store.Scan(ctx, prefix, rangeEnd, kvstore.ScanOptions{Limit: doePageSize})
	if err != nil {
		return false, enginerr.Storage(err)
	}
	if len(kvs) == 0 {
		return false, nil
	}

	groups := make(map[kvschema.StreamID]*doeGroup)
	var order []kvschema.StreamID
	for _, kv := range kvs {
		deadline, id, ok := kvschema.DecodeStreamDoeDeadlineKey(kv.Key)
		if !ok {
			continue
		}
		var v kvschema.StreamDoeDeadlineValue
		_ = json.Unmarshal(kv.Value, &v)

		g, exists := groups[id]
		if !exists {
			g = &doeGroup{id: id}
			groups[id] = g
			order = append(order, id)
		}
		g.keys = append(g.keys, kv.Key)
		if deadline > g.maxDeadline {
			g.maxDeadline = deadline
		}
		if v.MinAgeSecs > g.maxMinAge {
			g.maxMinAge = v.MinAgeSecs
		}
	}

	groupList := make([]*doeGroup, 0, len(order))
	for _, id := range order {
		groupList = append(groupList, groups[id])
	}

	err = boundedForEach(groupList, func(g *doeGroup) error {
		return l.sweepDoeGroup(ctx, g)
	})
	return len(kvs) == doePageSize, err
}

// sweepDoeGroup deletes the stream if it qualifies as empty and stale
// enough, then clears every deadline key visited for it either way: a
// deadline that turns out ineligible this round must be re-armed by a
// future append, not left to fire again on its own.
func (l *Loops) sweepDoeGroup(ctx context.Context, g *doeGroup) error {
	defer func() {
		var batch kvstore.WriteBatch
		for _, k := range g.keys {
			batch.Delete(k)
		}
		_ = l.backend.Store().Write(ctx, batch, true)
	}()

	eligible, err := l.doeEligible(ctx, g)
	if err != nil || !eligible {
		return err
	}

	basin, streamName, ok, err := l.lookupStreamMapping(ctx, g.id)
	if err != nil || !ok {
		return err
	}
	if err := l.backend.DeleteStream(ctx, basin, streamName); err != nil {
		if enginerr.Is(err, enginerr.KindStreamNotFound) || enginerr.Is(err, enginerr.KindStreamDeletionPending) {
			return nil
		}
		return err
	}
	return nil
}

func (l *Loops) doeEligible(ctx context.Context, g *doeGroup) (bool, error) {
	store := l.backend.Store()
	tsPrefix := kvschema.StreamRecordTimestampPrefix(g.id)
	tsEnd, ok := kvschema.PrefixRangeEnd(tsPrefix)
	if !ok {
		return false, nil
	}
	kvs, err := store.Scan(ctx, tsPrefix, tsEnd, kvstore.ScanOptions{Limit: 1})
	if err != nil {
		return false, enginerr.Storage(err)
	}
	if len(kvs) > 0 {
		return false, nil
	}

	v, ok, err := store.Get(ctx, kvschema.StreamTailPositionKey(g.id))
	if err != nil {
		return false, enginerr.Storage(err)
	}
	if !ok {
		return false, nil
	}
	var tail kvschema.StreamTailPositionValue
	if err := json.Unmarshal(v, &tail); err != nil {
		return false, enginerr.Storage(err)
	}
	return tail.WriteTsSecs+g.maxMinAge <= g.maxDeadline, nil
}
