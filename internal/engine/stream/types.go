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

// Package stream implements the Streamer: the single-writer-per-stream
// actor that sequences appends, applies Fence/Trim command records, drives
// durable writes, and broadcasts committed records to followers.
package stream

import (
	"sync"
	"sync/atomic"
	"time"

	"streamlite/internal/engine/kvschema"
	"streamlite/pkg/record"
)

// Position is the spec's StreamPosition: the next record to be assigned,
// equal to the tail for an empty stream.
type Position struct {
	SeqNum    uint64
	Timestamp uint64
}

// AppendType distinguishes an ordinary append from the terminal trim a
// stream deletion submits; a terminal append's Trim may reach MaxEnd and
// causes the Streamer to exit once the write is durable.
type AppendType int

const (
	AppendPrimary AppendType = iota
	AppendTerminal
)

// AppendInput is one caller-submitted batch of records plus its
// sequencing conditions.
type AppendInput struct {
	Records []record.Record
	// ClientTimestamps is parallel to Records; a nil entry means the
	// client supplied no timestamp for that record.
	ClientTimestamps []*uint64
	// FencingToken, if non-nil, must equal the stream's current token.
	FencingToken *string
	// MatchSeqNum, if non-nil, must equal the next assignable seq_num.
	MatchSeqNum *uint64
}

// MeteredSize sums the metered size of every record in the input, used
// for admission-control permit sizing.
func (in AppendInput) MeteredSize() int64 {
	var total int64
	for _, r := range in.Records {
		total += r.MeteredSize()
	}
	return total
}

// AppendAck is returned once the batch is durable.
type AppendAck struct {
	Start Position
	End   Position // exclusive
	Tail  Position
}

// AppendRequest is the Append message sent to a Streamer.
type AppendRequest struct {
	Input      AppendInput
	Session    *SessionHandle
	AppendType AppendType
	ReplyTo    chan<- AppendReply
}

type AppendReply struct {
	Ack AppendAck
	Err error
}

// FollowMsg is delivered to a follower either as a batch of newly
// committed records or, via a closed channel, as a lag signal requiring
// the follower to re-scan the KV store and resubscribe.
type FollowMsg struct {
	Records []record.SequencedRecord
}

// FollowRequest is the Follow message.
type FollowRequest struct {
	StartSeqNum uint64
	ReplyTo     chan<- FollowReply
}

// FollowReply carries either a live subscription (Sub != nil, matching
// StartSeqNum == stable_pos at subscribe time) or just the current tail,
// in which case the caller must catch up via a KV scan before retrying.
type FollowReply struct {
	Sub  <-chan FollowMsg
	Tail Position
}

// CheckTailRequest is the CheckTail message.
type CheckTailRequest struct {
	ReplyTo chan<- Position
}

// ReconfigureRequest is the Reconfigure message.
type ReconfigureRequest struct {
	Config kvschema.StreamConfig
}

// inboxMsg is the sum type of everything the Streamer's message loop accepts.
type inboxMsg struct {
	append      *AppendRequest
	follow      *FollowRequest
	checkTail   *CheckTailRequest
	reconfigure *ReconfigureRequest
}

// SessionHandle implements the poison-on-error guarantee for a
// bidirectional append session: once any append within the session fails,
// every subsequent admit attempt on the same handle is rejected without
// reaching the Streamer, preventing silent reordering on retry.
type SessionHandle struct {
	poisoned atomic.Bool
	err      atomic.Value // error
}

func NewSessionHandle() *SessionHandle { return &SessionHandle{} }

func (s *SessionHandle) Poison(err error) {
	if s.poisoned.CompareAndSwap(false, true) {
		s.err.Store(err)
	}
}

func (s *SessionHandle) Poisoned() (bool, error) {
	if !s.poisoned.Load() {
		return false, nil
	}
	err, _ := s.err.Load().(error)
	return true, err
}

// durabilityJob tracks one in-flight KV write, resolved strictly in
// submission order so the Streamer's ack-release queue never observes
// completions out of order.
type durabilityJob struct {
	ackRangeEnd uint64 // exclusive seq_num upper bound this write covers
	newTail     Position
	records     []record.SequencedRecord
	done        chan error
	terminal    bool
}

// pendingTicket is one parked reply awaiting release once stable_pos
// reaches (or exceeds) AckRangeEnd.
type pendingTicket struct {
	ackRangeEnd uint64
	resolve     func(tail Position, err error)
}

// pendingQueue is the FIFO, keyed by ack-range end, described in the
// design notes: tickets are released in order as stable_pos advances.
type pendingQueue struct {
	mu      sync.Mutex
	tickets []pendingTicket
}

func (q *pendingQueue) push(t pendingTicket) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tickets = append(q.tickets, t)
}

// releaseUpTo resolves every ticket whose ackRangeEnd <= stablePos, in
// FIFO order, and removes them from the queue.
func (q *pendingQueue) releaseUpTo(stablePos uint64, tail Position) {
	q.mu.Lock()
	var releasable []pendingTicket
	i := 0
	for ; i < len(q.tickets); i++ {
		if q.tickets[i].ackRangeEnd > stablePos {
			break
		}
		releasable = append(releasable, q.tickets[i])
	}
	q.tickets = q.tickets[i:]
	q.mu.Unlock()

	for _, t := range releasable {
		t.resolve(tail, nil)
	}
}

// drainWithError fails every queued ticket; used on durability failure,
// including tickets whose own writes are still in flight and may yet
// succeed, since a failed write leaves stable_pos unchanged.
func (q *pendingQueue) drainWithError(err error) {
	q.mu.Lock()
	tickets := q.tickets
	q.tickets = nil
	q.mu.Unlock()

	for _, t := range tickets {
		t.resolve(Position{}, err)
	}
}

// dormancyInterval is how long a Streamer waits for any message before
// exiting voluntarily.
const dormancyInterval = 60 * time.Second

// followerBacklog is the bounded backlog (FOLLOWER_MAX_LAG) of a follow
// subscription before it is dropped and must re-scan from the KV store.
const followerBacklog = 25
