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

// Package read implements a stream read session: resolving a starting
// position, scanning historical records through the same batching policy
// the engine uses elsewhere, and optionally following the live tail with
// heartbeats once history is exhausted.
package read

import (
	"context"
	"math/rand"
	"time"

	"streamlite/internal/engine/backend"
	"streamlite/internal/engine/enginerr"
	"streamlite/internal/engine/kvschema"
	"streamlite/internal/engine/kvstore"
	"streamlite/internal/engine/stream"
	"streamlite/internal/telemetry"
	"streamlite/pkg/record"
)

// StartKind selects how Start.Value is interpreted.
type StartKind int

const (
	StartSeqNum StartKind = iota
	StartTimestamp
	StartTailOffset
)

// Start is the session's requested starting position (the spec's ReadFrom).
type Start struct {
	Kind  StartKind
	Value uint64
}

// Params is one read session's request, the spec's (start, end) pair plus
// the clamp/follow knobs that decide whether Unwritten is an error.
type Params struct {
	Start Start
	Limit record.ReadLimit
	Until record.ReadUntil
	// Clamp, if true, pulls an out-of-range start back to the tail
	// instead of failing with Unwritten; a start that then sits at the
	// tail of a session that cannot follow still fails with Unwritten.
	Clamp bool
	// Wait, if non-zero, is the maximum time the follow phase may block
	// waiting for new records before the session ends on its own.
	Wait time.Duration
}

// canFollow reports whether this session may enter the follow phase: the
// spec allows it only when there is no hard count/byte/until cap, or the
// caller explicitly asked to wait.
func (p Params) canFollow() bool {
	if p.Wait > 0 {
		return true
	}
	return p.Limit.Count <= 0 && p.Limit.Bytes <= 0 && !p.Until.Bounded
}

// Event is one item a session emits: either a historical/caught-up batch
// or a follow-phase heartbeat.
type Event struct {
	Batch     *record.RecordBatch
	Heartbeat *stream.Position
}

// Run drives one read session end to end, pushing Events to emit.
func Run(ctx context.Context, b *backend.Backend, basin, streamName string, p Params, emit func(Event) error) error {
	s, err := b.StreamerClientWithAutoCreate(ctx, basin, streamName, func(cfg kvschema.BasinConfig) bool {
		return cfg.CreateStreamOnRead
	})
	if err != nil {
		return err
	}

	tail, err := s.CheckTail(ctx)
	if err != nil {
		return err
	}

	startSeq, err := resolveStart(ctx, b.Store(), kvschema.NewStreamID(basin, streamName), p, tail)
	if err != nil {
		return err
	}

	for {
		nextSeq, err := scanHistorical(ctx, b.Store(), kvschema.NewStreamID(basin, streamName), startSeq, tail.SeqNum, p, emit)
		if err != nil {
			return err
		}
		startSeq = nextSeq

		if !p.canFollow() {
			return nil
		}

		newTail, done, err := followOnce(ctx, s, startSeq, p, emit)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		tail = newTail
		// Lagged or stale-subscribe: loop back into a KV catch-up scan
		// against the freshly observed tail.
	}
}

// resolveStart implements the spec's ReadFrom resolution: SeqNum is used
// verbatim, Timestamp performs a point scan for the first record at or
// above ts, and TailOffset subtracts from the tail with saturation.
func resolveStart(ctx context.Context, store kvstore.Store, id kvschema.StreamID, p Params, tail stream.Position) (uint64, error) {
	var start uint64
	switch p.Start.Kind {
	case StartSeqNum:
		start = p.Start.Value
	case StartTimestamp:
		seq, found, err := firstAtOrAfterTimestamp(ctx, store, id, p.Start.Value)
		if err != nil {
			return 0, err
		}
		if !found {
			start = tail.SeqNum
		} else {
			start = seq
		}
	case StartTailOffset:
		if p.Start.Value >= tail.SeqNum {
			start = 0
		} else {
			start = tail.SeqNum - p.Start.Value
		}
	}

	if start > tail.SeqNum {
		if !p.Clamp {
			return 0, enginerr.Unwritten(enginerr.StreamPosition{SeqNum: tail.SeqNum, Timestamp: tail.Timestamp})
		}
		start = tail.SeqNum
	}
	if start == tail.SeqNum && !p.canFollow() {
		return 0, enginerr.Unwritten(enginerr.StreamPosition{SeqNum: tail.SeqNum, Timestamp: tail.Timestamp})
	}
	return start, nil
}

// firstAtOrAfterTimestamp performs the point scan against
// StreamRecordTimestamp described by the spec: lower bound (ts, SeqNum::MIN).
func firstAtOrAfterTimestamp(ctx context.Context, store kvstore.Store, id kvschema.StreamID, ts uint64) (uint64, bool, error) {
	lower := kvschema.StreamRecordTimestampLowerBound(id, ts)
	end, ok := kvschema.PrefixRangeEnd(kvschema.StreamRecordTimestampPrefix(id))
	if !ok {
		return 0, false, nil
	}
	kvs, err := store.Scan(ctx, lower, end, kvstore.ScanOptions{Limit: 1})
	if err != nil {
		return 0, false, enginerr.Storage(err)
	}
	if len(kvs) == 0 {
		return 0, false, nil
	}
	_, _, seqNum, ok := kvschema.DecodeStreamRecordTimestampKey(kvs[0].Key)
	if !ok {
		return 0, false, nil
	}
	return seqNum, true, nil
}

// kvSource adapts a kvstore range scan of StreamRecordData to
// record.Source, decoding each value lazily in pages so a long historical
// scan never materializes the whole range in memory at once.
type kvSource struct {
	ctx    context.Context
	store  kvstore.Store
	id     kvschema.StreamID
	cursor []byte
	end    []byte
	page   []kvstore.KV
	idx    int
}

const scanPageSize = 512

func newKVSource(ctx context.Context, store kvstore.Store, id kvschema.StreamID, fromSeqNum uint64) *kvSource {
	start := kvschema.StreamRecordDataKey(id, fromSeqNum, 0)
	end, _ := kvschema.PrefixRangeEnd(kvschema.StreamRecordDataPrefix(id))
	return &kvSource{ctx: ctx, store: store, id: id, cursor: start, end: end}
}

func (s *kvSource) Next() (record.SequencedRecord, bool, error) {
	if s.idx >= len(s.page) {
		if s.end == nil {
			return record.SequencedRecord{}, false, nil
		}
		kvs, err := s.store.Scan(s.ctx, s.cursor, s.end, kvstore.ScanOptions{Limit: scanPageSize, ReadAheadBytes: 1 << 20})
		if err != nil {
			return record.SequencedRecord{}, false, enginerr.Storage(err)
		}
		if len(kvs) == 0 {
			return record.SequencedRecord{}, false, nil
		}
		s.page = kvs
		s.idx = 0
		last := kvs[len(kvs)-1].Key
		nextCursor, ok := kvschema.PrefixRangeEnd(last)
		if !ok || len(kvs) < scanPageSize {
			s.end = nil
		}
		s.cursor = nextCursor
	}

	kv := s.page[s.idx]
	s.idx++
	_, seqNum, ts, ok := kvschema.DecodeStreamRecordDataKey(kv.Key)
	if !ok {
		return record.SequencedRecord{}, false, enginerr.BadFrame("malformed StreamRecordData key")
	}
	rec, _, err := record.Decode(kv.Value)
	if err != nil {
		return record.SequencedRecord{}, false, enginerr.Wrap(enginerr.KindBadFrame, "decoding stored record", err)
	}
	return record.SequencedRecord{SeqNum: seqNum, Timestamp: ts, Raw: kv.Value, Rec: rec, MeteredSize: rec.MeteredSize()}, true, nil
}

// scanHistorical drives the batcher over a KV scan from startSeq up to
// (but not including) tailSeq, emitting each batch the accumulator yields.
// It returns the seq_num the caller should resume from: just past the
// last emitted record, or startSeq unchanged if no record was emitted.
func scanHistorical(ctx context.Context, store kvstore.Store, id kvschema.StreamID, startSeq, tailSeq uint64, p Params, emit func(Event) error) (uint64, error) {
	if startSeq >= tailSeq {
		return startSeq, nil
	}
	src := newKVSource(ctx, store, id, startSeq)
	acc := record.NewAccumulator(p.Limit, p.Until)
	next := startSeq

	for {
		rec, ok, err := src.Next()
		if err != nil {
			return next, err
		}
		if !ok || rec.SeqNum >= tailSeq {
			if flushed := acc.Flush(); flushed != nil {
				if len(flushed.Records) > 0 {
					next = flushed.Records[len(flushed.Records)-1].SeqNum + 1
				}
				if err := emit(Event{Batch: flushed}); err != nil {
					return next, err
				}
			}
			return next, nil
		}

		batch, done := acc.Push(rec)
		if batch != nil {
			if len(batch.Records) > 0 {
				next = batch.Records[len(batch.Records)-1].SeqNum + 1
			}
			if err := emit(Event{Batch: batch}); err != nil {
				return next, err
			}
		}
		if done {
			return next, nil
		}
	}
}

// newHeartbeatSleep returns a randomized 5-15s idle interval, matching the
// spec's "periodic heartbeats every 5-15s (randomized) of idle".
func newHeartbeatSleep() time.Duration {
	return 5*time.Second + time.Duration(rand.Int63n(int64(10*time.Second)))
}

// followOnce subscribes at startSeq and drains the subscription until it
// closes (lagged, or the Streamer exits) or the session's overall Wait
// deadline elapses. done reports that the caller's session is fully
// finished (Wait elapsed); otherwise the caller should re-scan history
// from the returned tail and try again.
func followOnce(ctx context.Context, s *stream.Streamer, startSeq uint64, p Params, emit func(Event) error) (stream.Position, bool, error) {
	reply, err := s.Follow(ctx, startSeq)
	if err != nil {
		return stream.Position{}, false, err
	}
	if reply.Sub == nil {
		// stable_pos already advanced past startSeq: caller re-scans
		// history against the fresh tail.
		return reply.Tail, false, nil
	}

	telemetry.FollowSubscribers.Inc()
	defer telemetry.FollowSubscribers.Dec()

	if err := emit(Event{Heartbeat: &stream.Position{SeqNum: startSeq}}); err != nil {
		return stream.Position{}, false, err
	}

	var deadline <-chan time.Time
	if p.Wait > 0 {
		timer := time.NewTimer(p.Wait)
		defer timer.Stop()
		deadline = timer.C
	}

	timer := time.NewTimer(newHeartbeatSleep())
	defer timer.Stop()

	for {
		select {
		case msg, ok := <-reply.Sub:
			if !ok {
				telemetry.FollowLaggedTotal.Inc()
				tail, err := s.CheckTail(ctx)
				if err != nil {
					return stream.Position{}, false, err
				}
				return tail, false, nil
			}
			if len(msg.Records) == 0 {
				continue
			}
			if err := emit(Event{Batch: &record.RecordBatch{Records: msg.Records}}); err != nil {
				return stream.Position{}, false, err
			}
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(newHeartbeatSleep())
		case <-timer.C:
			tail, err := s.CheckTail(ctx)
			if err != nil {
				return stream.Position{}, false, err
			}
			if err := emit(Event{Heartbeat: &tail}); err != nil {
				return stream.Position{}, false, err
			}
			timer.Reset(newHeartbeatSleep())
		case <-deadline:
			return stream.Position{}, true, nil
		case <-ctx.Done():
			return stream.Position{}, false, ctx.Err()
		}
	}
}
