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

// SequencedRecord is a decoded record with its assigned position.
type SequencedRecord struct {
	SeqNum      uint64
	Timestamp   uint64
	Raw         []byte
	Rec         Record
	MeteredSize int64
}

// ReadLimit bounds how much a read may emit. A zero value means unbounded.
type ReadLimit struct {
	Count int64 // <= 0 means unbounded
	Bytes int64 // <= 0 means unbounded
}

func (l ReadLimit) boundedCount() bool { return l.Count > 0 }
func (l ReadLimit) boundedBytes() bool { return l.Bytes > 0 }

// ReadUntil bounds how far in time a read may emit. Zero value is unbounded.
type ReadUntil struct {
	Bounded   bool
	Timestamp uint64 // exclusive
}

// RecordBatch is the Batcher's unit of output.
type RecordBatch struct {
	Records    []SequencedRecord
	IsTerminal bool
}

// Accumulator implements the batching policy of §4.2 in a push style so it
// can be driven both by the pure Batch function below and, record by
// record, by a live read session.
type Accumulator struct {
	limit      ReadLimit
	until      ReadUntil
	emittedCnt int64
	emittedLen int64

	current      []SequencedRecord
	currentBytes int64
	done         bool
}

// NewAccumulator creates an Accumulator for the given session limits.
func NewAccumulator(limit ReadLimit, until ReadUntil) *Accumulator {
	return &Accumulator{limit: limit, until: until}
}

// Done reports whether the accumulator has emitted a terminal batch and
// will refuse further input.
func (a *Accumulator) Done() bool { return a.done }

// Push offers one decoded record. It returns a batch to emit (possibly
// nil) and whether the accumulator is now finished (no more input accepted).
func (a *Accumulator) Push(rec SequencedRecord) (*RecordBatch, bool) {
	if a.done {
		return nil, true
	}

	if a.until.Bounded && rec.Timestamp >= a.until.Timestamp {
		batch := a.drain(true)
		return batch, true
	}

	wouldCount := a.emittedCnt + int64(len(a.current)) + 1
	wouldBytes := a.emittedLen + a.currentBytes + rec.MeteredSize
	if (a.limit.boundedCount() && wouldCount > a.limit.Count) ||
		(a.limit.boundedBytes() && wouldBytes > a.limit.Bytes) {
		batch := a.drain(true)
		return batch, true
	}

	a.current = append(a.current, rec)
	a.currentBytes += rec.MeteredSize

	if len(a.current) >= MaxBatchRecords || a.currentBytes >= MaxBatchBytes {
		batch := &RecordBatch{Records: a.current, IsTerminal: false}
		a.emittedCnt += int64(len(a.current))
		a.emittedLen += a.currentBytes
		a.current = nil
		a.currentBytes = 0
		return batch, false
	}

	return nil, false
}

// Flush is called when the upstream source is exhausted. It emits any
// buffered records as a terminal batch (nil if nothing is buffered and a
// terminal batch was already emitted).
func (a *Accumulator) Flush() *RecordBatch {
	if a.done {
		return nil
	}
	return a.drain(true)
}

func (a *Accumulator) drain(terminal bool) *RecordBatch {
	a.done = true
	if len(a.current) == 0 {
		// Still surface an empty terminal batch so callers observe completion,
		// whether or not anything was emitted before.
		if a.emittedCnt == 0 && a.emittedLen == 0 {
			return &RecordBatch{Records: nil, IsTerminal: terminal}
		}
		return &RecordBatch{Records: nil, IsTerminal: terminal}
	}
	batch := &RecordBatch{Records: a.current, IsTerminal: terminal}
	a.emittedCnt += int64(len(a.current))
	a.emittedLen += a.currentBytes
	a.current = nil
	a.currentBytes = 0
	return batch
}

// Source is the iterator interface the Batch function consumes: each call
// returns either a record, an error (terminal), or ok=false for a clean
// end of input.
type Source interface {
	Next() (rec SequencedRecord, ok bool, err error)
}

// SliceSource adapts a pre-materialized slice to Source, for tests.
type SliceSource struct {
	Records []SequencedRecord
	Err     error // returned after all Records are exhausted, if set
	i       int
}

func (s *SliceSource) Next() (SequencedRecord, bool, error) {
	if s.i < len(s.Records) {
		r := s.Records[s.i]
		s.i++
		return r, true, nil
	}
	if s.Err != nil {
		err := s.Err
		s.Err = nil
		return SequencedRecord{}, false, err
	}
	return SequencedRecord{}, false, nil
}

// Batch drains src through an Accumulator, honoring limit and until. Any
// upstream error is returned after every successfully accumulated batch has
// been appended to the result.
func Batch(src Source, limit ReadLimit, until ReadUntil) ([]RecordBatch, error) {
	acc := NewAccumulator(limit, until)
	var batches []RecordBatch

	for {
		rec, ok, err := src.Next()
		if err != nil {
			if flushed := acc.Flush(); flushed != nil && (len(flushed.Records) > 0 || len(batches) == 0) {
				batches = append(batches, *flushed)
			}
			return batches, err
		}
		if !ok {
			if flushed := acc.Flush(); flushed != nil {
				batches = append(batches, *flushed)
			}
			return batches, nil
		}

		batch, done := acc.Push(rec)
		if batch != nil {
			batches = append(batches, *batch)
		}
		if done {
			return batches, nil
		}
	}
}
