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

package read

import (
	"context"
	"testing"

	"streamlite/internal/engine/backend"
	"streamlite/internal/engine/enginerr"
	"streamlite/internal/engine/kvschema"
	"streamlite/internal/engine/kvstore/memstore"
	"streamlite/internal/engine/stream"
	"streamlite/pkg/record"
)

func newTestBackendWithStream(t *testing.T, n int) *backend.Backend {
	t.Helper()
	b := backend.New(memstore.New())
	ctx := context.Background()
	cfg := kvschema.BasinConfig{DefaultStreamConfig: kvschema.StreamConfig{
		StorageClass:     "standard",
		TimestampingMode: kvschema.TimestampingArrival,
	}}
	if err := b.CreateBasin(ctx, "b1", cfg, backend.CreateOnly(nil)); err != nil {
		t.Fatalf("create basin: %v", err)
	}
	if err := b.CreateStream(ctx, "b1", "s1", kvschema.StreamConfigPatch{}, backend.CreateOnly(nil)); err != nil {
		t.Fatalf("create stream: %v", err)
	}
	for i := 0; i < n; i++ {
		in := stream.AppendInput{Records: []record.Record{record.NewEnvelopeRecord(record.Envelope{Body: []byte("rec")})}}
		if _, err := b.Append(ctx, "b1", "s1", in, stream.NewSessionHandle()); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	return b
}

func TestRunHistoricalScanEmitsAllRecordsThenStops(t *testing.T) {
	b := newTestBackendWithStream(t, 5)
	var seqNums []uint64
	p := Params{Start: Start{Kind: StartSeqNum, Value: 0}, Limit: record.ReadLimit{Count: 5}}

	err := Run(context.Background(), b, "b1", "s1", p, func(ev Event) error {
		if ev.Batch != nil {
			for _, r := range ev.Batch.Records {
				seqNums = append(seqNums, r.SeqNum)
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(seqNums) != 5 {
		t.Fatalf("got %d records, want 5", len(seqNums))
	}
	for i, s := range seqNums {
		if s != uint64(i) {
			t.Fatalf("seqNums[%d] = %d, want %d", i, s, i)
		}
	}
}

func TestRunStartPastTailWithoutClampIsUnwritten(t *testing.T) {
	b := newTestBackendWithStream(t, 2)
	p := Params{Start: Start{Kind: StartSeqNum, Value: 100}, Limit: record.ReadLimit{Count: 1}}

	err := Run(context.Background(), b, "b1", "s1", p, func(Event) error { return nil })
	if !enginerr.Is(err, enginerr.KindUnwritten) {
		t.Fatalf("got %v, want Unwritten", err)
	}
}

func TestRunStartPastTailWithClampPullsToTail(t *testing.T) {
	b := newTestBackendWithStream(t, 2)
	var got []uint64
	p := Params{Start: Start{Kind: StartSeqNum, Value: 100}, Limit: record.ReadLimit{Count: 1}, Clamp: true}

	err := Run(context.Background(), b, "b1", "s1", p, func(ev Event) error {
		if ev.Batch != nil {
			for _, r := range ev.Batch.Records {
				got = append(got, r.SeqNum)
			}
		}
		return nil
	})
	if !enginerr.Is(err, enginerr.KindUnwritten) {
		t.Fatalf("clamped start at tail without follow: got %v, want Unwritten", err)
	}
	if len(got) != 0 {
		t.Fatalf("clamped start at tail should have nothing left to scan, got %v", got)
	}
}

func TestRunTailOffsetReadsLastNRecords(t *testing.T) {
	b := newTestBackendWithStream(t, 5)
	var got []uint64
	p := Params{Start: Start{Kind: StartTailOffset, Value: 2}, Limit: record.ReadLimit{Count: 2}}

	err := Run(context.Background(), b, "b1", "s1", p, func(ev Event) error {
		if ev.Batch != nil {
			for _, r := range ev.Batch.Records {
				got = append(got, r.SeqNum)
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(got) != 2 || got[0] != 3 || got[1] != 4 {
		t.Fatalf("got %v, want [3 4]", got)
	}
}
