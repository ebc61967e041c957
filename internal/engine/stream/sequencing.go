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
	"streamlite/internal/engine/enginerr"
	"streamlite/internal/engine/kvschema"
	"streamlite/pkg/record"
)

// SequenceState is the slice of owned Streamer state that sequencing reads
// and advances: everything needed to assign positions to one append
// without touching the KV store.
type SequenceState struct {
	NextSeqNum    uint64
	LastTimestamp uint64
	FencingToken  string
	TrimEnd       uint64
}

// sequenceRecords implements the five-step sequencing algorithm: fencing
// check, seq_num match check, timestamp assignment per the stream's
// TimestampingMode, and consecutive seq_num assignment. now is the
// caller-supplied arrival time in milliseconds since epoch.
//
// It does not mutate state; the caller applies the returned state itself
// (the Streamer does so as soon as the durable write is submitted).
func sequenceRecords(in AppendInput, state SequenceState, cfg kvschema.StreamConfig, now uint64) ([]record.SequencedRecord, SequenceState, error) {
	if in.FencingToken != nil && *in.FencingToken != state.FencingToken {
		return nil, state, enginerr.FencingTokenMismatch(*in.FencingToken, state.FencingToken, state.TrimEnd)
	}
	if in.MatchSeqNum != nil && *in.MatchSeqNum != state.NextSeqNum {
		return nil, state, enginerr.SeqNumMismatch(state.NextSeqNum, *in.MatchSeqNum)
	}

	out := make([]record.SequencedRecord, 0, len(in.Records))
	seqNum := state.NextSeqNum
	lastTs := state.LastTimestamp
	fencingToken := state.FencingToken
	trimEnd := state.TrimEnd

	for i, rec := range in.Records {
		var clientTs *uint64
		if i < len(in.ClientTimestamps) {
			clientTs = in.ClientTimestamps[i]
		}

		ts, err := assignTimestamp(cfg, clientTs, lastTs, now)
		if err != nil {
			return nil, state, err
		}

		raw, err := record.Encode(rec)
		if err != nil {
			return nil, state, enginerr.BadFrame(err.Error())
		}

		out = append(out, record.SequencedRecord{
			SeqNum:      seqNum,
			Timestamp:   ts,
			Raw:         raw,
			Rec:         rec,
			MeteredSize: rec.MeteredSize(),
		})

		if rec.Kind == record.KindCommand {
			switch rec.Command.Op {
			case record.OpFence:
				fencingToken = rec.Command.FenceToken
			case record.OpTrim:
				trimEnd = rec.Command.TrimSeqNum
			}
		}

		lastTs = ts
		seqNum++
	}

	newState := SequenceState{
		NextSeqNum:    seqNum,
		LastTimestamp: lastTs,
		FencingToken:  fencingToken,
		TrimEnd:       trimEnd,
	}
	return out, newState, nil
}

// assignTimestamp applies the stream's TimestampingMode to one record.
// Unless UncappedTimestamp is set, the result is clamped to now; it is
// always clamped up to lastTs, the running maximum that starts at the
// stream's last committed timestamp and advances with each record of the
// append, so timestamps never decrease.
func assignTimestamp(cfg kvschema.StreamConfig, clientTs *uint64, lastTs, now uint64) (uint64, error) {
	var ts uint64
	switch cfg.TimestampingMode {
	case kvschema.TimestampingClientRequire:
		if clientTs == nil {
			return 0, enginerr.TimestampMissing()
		}
		ts = *clientTs
	case kvschema.TimestampingClientPrefer:
		if clientTs != nil {
			ts = *clientTs
		} else {
			ts = now
		}
	case kvschema.TimestampingArrival:
		ts = now
	default:
		ts = now
	}

	if !cfg.UncappedTimestamp && ts > now {
		ts = now
	}
	if ts < lastTs {
		ts = lastTs
	}
	return ts, nil
}
