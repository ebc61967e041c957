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

package record

import (
	"errors"
	"testing"
)

func makeRecords(n int, size int64) []SequencedRecord {
	out := make([]SequencedRecord, n)
	for i := range out {
		out[i] = SequencedRecord{
			SeqNum:      uint64(i),
			Timestamp:   uint64(i),
			MeteredSize: size,
		}
	}
	return out
}

func TestBatcherNoLimitsSingleTerminalBatch(t *testing.T) {
	recs := makeRecords(10, 16)
	src := &SliceSource{Records: recs}
	batches, err := Batch(src, ReadLimit{}, ReadUntil{})
	if err != nil {
		t.Fatal(err)
	}
	if len(batches) != 1 {
		t.Fatalf("expected 1 batch, got %d", len(batches))
	}
	if !batches[0].IsTerminal {
		t.Fatal("expected terminal batch")
	}
	if len(batches[0].Records) != 10 {
		t.Fatalf("expected 10 records, got %d", len(batches[0].Records))
	}
}

func TestBatcherRespectsMaxBatchRecords(t *testing.T) {
	recs := makeRecords(MaxBatchRecords+5, 1)
	src := &SliceSource{Records: recs}
	batches, err := Batch(src, ReadLimit{}, ReadUntil{})
	if err != nil {
		t.Fatal(err)
	}
	total := 0
	for i, b := range batches {
		if len(b.Records) > MaxBatchRecords {
			t.Fatalf("batch %d exceeds MaxBatchRecords: %d", i, len(b.Records))
		}
		total += len(b.Records)
		if b.IsTerminal && i != len(batches)-1 {
			t.Fatalf("terminal batch not last (index %d of %d)", i, len(batches))
		}
	}
	if !batches[len(batches)-1].IsTerminal {
		t.Fatal("last batch must be terminal")
	}
	if total != MaxBatchRecords+5 {
		t.Fatalf("total records = %d, want %d", total, MaxBatchRecords+5)
	}
}

func TestBatcherRespectsMaxBatchBytes(t *testing.T) {
	// Each record is 1KiB; MaxBatchBytes is 1MiB (1024 records), but MaxBatchRecords (1000) caps each batch first.
	recs := makeRecords(2000, 1024)
	src := &SliceSource{Records: recs}
	batches, err := Batch(src, ReadLimit{}, ReadUntil{})
	if err != nil {
		t.Fatal(err)
	}
	for i, b := range batches {
		var sum int64
		for _, r := range b.Records {
			sum += r.MeteredSize
		}
		if sum > MaxBatchBytes {
			t.Fatalf("batch %d exceeds MaxBatchBytes: %d", i, sum)
		}
	}
}

func TestBatcherReadLimitCount(t *testing.T) {
	recs := makeRecords(20, 16)
	src := &SliceSource{Records: recs}
	batches, err := Batch(src, ReadLimit{Count: 7}, ReadUntil{})
	if err != nil {
		t.Fatal(err)
	}
	var total int
	terminalSeen := false
	for _, b := range batches {
		total += len(b.Records)
		if b.IsTerminal {
			if terminalSeen {
				t.Fatal("terminal batch appeared more than once")
			}
			terminalSeen = true
		}
	}
	if total != 7 {
		t.Fatalf("total = %d, want 7", total)
	}
	if !terminalSeen {
		t.Fatal("expected a terminal batch")
	}
}

func TestBatcherReadUntil(t *testing.T) {
	recs := makeRecords(10, 16) // timestamps 0..9
	src := &SliceSource{Records: recs}
	batches, err := Batch(src, ReadLimit{}, ReadUntil{Bounded: true, Timestamp: 5})
	if err != nil {
		t.Fatal(err)
	}
	var total int
	for _, b := range batches {
		total += len(b.Records)
		for _, r := range b.Records {
			if r.Timestamp >= 5 {
				t.Fatalf("record with timestamp %d should have been excluded", r.Timestamp)
			}
		}
	}
	if total != 5 {
		t.Fatalf("total = %d, want 5", total)
	}
}

func TestBatcherUpstreamErrorAfterSuccessfulBatches(t *testing.T) {
	recs := makeRecords(3, 16)
	wantErr := errors.New("boom")
	src := &SliceSource{Records: recs, Err: wantErr}
	batches, err := Batch(src, ReadLimit{}, ReadUntil{})
	if !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want %v", err, wantErr)
	}
	var total int
	for _, b := range batches {
		total += len(b.Records)
	}
	if total != 3 {
		t.Fatalf("total = %d, want 3 (records read before the error)", total)
	}
}

func TestBatcherEmptySourceYieldsTerminalBatch(t *testing.T) {
	src := &SliceSource{}
	batches, err := Batch(src, ReadLimit{}, ReadUntil{})
	if err != nil {
		t.Fatal(err)
	}
	if len(batches) != 1 || !batches[0].IsTerminal {
		t.Fatalf("expected single terminal batch, got %+v", batches)
	}
	if len(batches[0].Records) != 0 {
		t.Fatalf("expected no records, got %d", len(batches[0].Records))
	}
}

func TestAccumulatorRejectsPushAfterDone(t *testing.T) {
	acc := NewAccumulator(ReadLimit{Count: 1}, ReadUntil{})
	batch, done := acc.Push(SequencedRecord{MeteredSize: 1})
	if batch != nil || done {
		t.Fatalf("first record should buffer without draining, got batch=%v done=%v", batch, done)
	}
	batch, done = acc.Push(SequencedRecord{MeteredSize: 1})
	if batch == nil || !done || len(batch.Records) != 1 || !batch.IsTerminal {
		t.Fatalf("second push should drain the 1-record terminal batch, got batch=%+v done=%v", batch, done)
	}
	if !acc.Done() {
		t.Fatal("expected Done() true")
	}
	batch, done2 := acc.Push(SequencedRecord{MeteredSize: 1})
	if batch != nil || !done2 {
		t.Fatalf("push after done should be a no-op, got batch=%v done=%v", batch, done2)
	}
}
