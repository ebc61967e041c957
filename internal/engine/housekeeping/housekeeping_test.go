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
	"errors"
	"sync"
	"testing"
	"time"

	"streamlite/internal/engine/backend"
	"streamlite/internal/engine/kvschema"
	"streamlite/internal/engine/kvstore/memstore"
	"streamlite/internal/engine/stream"
	"streamlite/pkg/record"
)

var errInjected = errors.New("injected")

func newTestLoops(t *testing.T) (*Loops, *backend.Backend) {
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
	return New(b, DefaultIntervals()), b
}

func TestRunTrimCycleFinalizesDeletedStream(t *testing.T) {
	l, b := newTestLoops(t)
	ctx := context.Background()

	if err := b.CreateStream(ctx, "b1", "s1", kvschema.StreamConfigPatch{}, backend.CreateOnly(nil)); err != nil {
		t.Fatalf("create stream: %v", err)
	}
	in := stream.AppendInput{Records: []record.Record{record.NewEnvelopeRecord(record.Envelope{Body: []byte("x")})}}
	if _, err := b.Append(ctx, "b1", "s1", in, stream.NewSessionHandle()); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := b.DeleteStream(ctx, "b1", "s1"); err != nil {
		t.Fatalf("delete stream: %v", err)
	}

	id := kvschema.NewStreamID("b1", "s1")
	s, err := b.ResolveStreamer(ctx, "b1", "s1")
	if err == nil {
		select {
		case <-s.Closed():
		case <-time.After(time.Second):
			t.Fatalf("streamer did not close after terminal trim append")
		}
	}

	hasMore, err := l.runTrimCycle(ctx)
	if err != nil {
		t.Fatalf("runTrimCycle: %v", err)
	}
	if hasMore {
		t.Fatalf("hasMore = true on a single-candidate page")
	}

	if _, ok, err := b.StreamMeta(ctx, "b1", "s1"); err != nil {
		t.Fatalf("stream meta: %v", err)
	} else if ok {
		t.Fatalf("StreamMeta for %v still present after terminal trim finalize", id)
	}
}

func TestRunBasinDeletionCycleCompletesEmptyBasin(t *testing.T) {
	l, b := newTestLoops(t)
	ctx := context.Background()

	if err := b.DeleteBasin(ctx, "b1"); err != nil {
		t.Fatalf("delete basin: %v", err)
	}

	hasMore, err := l.runBasinDeletionCycle(ctx)
	if err != nil {
		t.Fatalf("runBasinDeletionCycle: %v", err)
	}
	if hasMore {
		t.Fatalf("hasMore = true, want false (single empty basin)")
	}

	candidates, _, err := b.ListBasinDeletionPending(ctx, "", 10)
	if err != nil {
		t.Fatalf("list basin deletion pending: %v", err)
	}
	if len(candidates) != 0 {
		t.Fatalf("basin still pending deletion after cycle: %v", candidates)
	}
}

func TestRunDoeCycleLeavesUnexpiredDeadlineAlone(t *testing.T) {
	l, b := newTestLoops(t)
	ctx := context.Background()

	minAge := uint64(600)
	cfg := kvschema.StreamConfigPatch{DoeMinAgeSecs: &minAge}
	if err := b.CreateStream(ctx, "b1", "s1", cfg, backend.CreateOnly(nil)); err != nil {
		t.Fatalf("create stream: %v", err)
	}
	in := stream.AppendInput{Records: []record.Record{record.NewEnvelopeRecord(record.Envelope{Body: []byte("x")})}}
	if _, err := b.Append(ctx, "b1", "s1", in, stream.NewSessionHandle()); err != nil {
		t.Fatalf("append: %v", err)
	}

	hasMore, err := l.runDoeCycle(ctx)
	if err != nil {
		t.Fatalf("runDoeCycle: %v", err)
	}
	if hasMore {
		t.Fatalf("hasMore = true unexpectedly")
	}

	if meta, ok, err := b.StreamMeta(ctx, "b1", "s1"); err != nil {
		t.Fatalf("stream meta: %v", err)
	} else if !ok {
		t.Fatalf("stream unexpectedly gone")
	} else if meta.DeletedAtUnixMilli != nil {
		t.Fatalf("stream marked deleted before its doe deadline arrived")
	}
}

func TestBoundedForEachRunsEveryItemAndReturnsFirstError(t *testing.T) {
	items := []int{1, 2, 3, 4, 5, 6, 7, 8}
	var mu sync.Mutex
	seen := map[int]bool{}

	err := boundedForEach(items, func(i int) error {
		mu.Lock()
		seen[i] = true
		mu.Unlock()
		if i == 5 {
			return errInjected
		}
		return nil
	})
	if err != errInjected {
		t.Fatalf("got %v, want errInjected", err)
	}
	if len(seen) != len(items) {
		t.Fatalf("processed %d items, want %d", len(seen), len(items))
	}
}
