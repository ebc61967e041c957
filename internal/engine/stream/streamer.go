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
	"context"
	"encoding/json"
	"time"

	"streamlite/internal/engine/enginerr"
	"streamlite/internal/engine/kvschema"
	"streamlite/internal/engine/kvstore"
	"streamlite/internal/telemetry"
	"streamlite/pkg/record"
)

// defaultInflightBytes bounds how much metered-size append input may be
// buffered ahead of durability per stream.
const defaultInflightBytes = 16 * (1 << 20)

// Streamer owns one stream's sequencing and durability pipeline. All
// mutable state below the inbox is touched only by the run goroutine;
// everything else communicates with it exclusively through messages.
type Streamer struct {
	id    kvschema.StreamID
	store kvstore.Store

	inbox chan inboxMsg
	done  chan struct{}

	admit *admission
	now   func() uint64

	// state below is owned by run(); readable from other goroutines only
	// through message replies.
	cfg     kvschema.StreamConfig
	state   SequenceState
	pending pendingQueue

	subs      map[int]chan FollowMsg
	nextSubID int
}

// Open loads a Streamer's initial state from the store and starts its
// run loop. The caller is responsible for ensuring only one Streamer per
// stream_id runs at a time (the backend registry's job).
func Open(ctx context.Context, id kvschema.StreamID, store kvstore.Store, cfg kvschema.StreamConfig) (*Streamer, error) {
	s := &Streamer{
		id:    id,
		store: store,
		cfg:   cfg,
		inbox: make(chan inboxMsg, 64),
		done:  make(chan struct{}),
		admit: newAdmission(defaultInflightBytes),
		now:   func() uint64 { return uint64(time.Now().UnixMilli()) },
		subs:  make(map[int]chan FollowMsg),
	}
	if err := s.loadState(ctx); err != nil {
		return nil, err
	}
	go s.run()
	return s, nil
}

func (s *Streamer) loadState(ctx context.Context) error {
	if v, ok, err := s.store.Get(ctx, kvschema.StreamTailPositionKey(s.id)); err != nil {
		return enginerr.Storage(err)
	} else if ok {
		var tail kvschema.StreamTailPositionValue
		if err := json.Unmarshal(v, &tail); err != nil {
			return enginerr.Storage(err)
		}
		s.state.NextSeqNum = tail.SeqNum
		s.state.LastTimestamp = tail.Timestamp
	}

	if v, ok, err := s.store.Get(ctx, kvschema.StreamFencingTokenKey(s.id)); err != nil {
		return enginerr.Storage(err)
	} else if ok {
		s.state.FencingToken = string(v)
	}

	if v, ok, err := s.store.Get(ctx, kvschema.StreamTrimPointKey(s.id)); err != nil {
		return enginerr.Storage(err)
	} else if ok {
		var trim kvschema.StreamTrimPointValue
		if err := json.Unmarshal(v, &trim); err != nil {
			return enginerr.Storage(err)
		}
		s.state.TrimEnd = trim.End
	}
	return nil
}

// Append submits one batch for sequencing and blocks until it is durable
// or the context is cancelled. A poisoned session rejects the call
// without reaching the Streamer at all.
func (s *Streamer) Append(ctx context.Context, in AppendInput, session *SessionHandle, at AppendType) (AppendAck, error) {
	if session != nil {
		if poisoned, err := session.Poisoned(); poisoned {
			return AppendAck{}, enginerr.Wrap(enginerr.KindRequestDropped, "session already poisoned", err)
		}
	}

	w := s.admit.weight(in.MeteredSize())
	if err := s.admit.acquire(ctx, w); err != nil {
		return AppendAck{}, err
	}
	defer s.admit.release(w)

	reply := make(chan AppendReply, 1)
	req := &AppendRequest{Input: in, Session: session, AppendType: at, ReplyTo: reply}

	select {
	case s.inbox <- inboxMsg{append: req}:
	case <-ctx.Done():
		return AppendAck{}, ctx.Err()
	case <-s.done:
		return AppendAck{}, enginerr.Unavailable("stream is no longer active")
	}

	select {
	case r := <-reply:
		if r.Err != nil && session != nil {
			session.Poison(r.Err)
		}
		return r.Ack, r.Err
	case <-ctx.Done():
		return AppendAck{}, ctx.Err()
	}
}

// Follow subscribes for newly committed records starting at startSeqNum.
// If the Streamer's tail already matches, the caller gets a live channel;
// otherwise it must scan the KV store up to Tail first and retry.
func (s *Streamer) Follow(ctx context.Context, startSeqNum uint64) (FollowReply, error) {
	reply := make(chan FollowReply, 1)
	req := &FollowRequest{StartSeqNum: startSeqNum, ReplyTo: reply}
	select {
	case s.inbox <- inboxMsg{follow: req}:
	case <-ctx.Done():
		return FollowReply{}, ctx.Err()
	case <-s.done:
		return FollowReply{}, enginerr.Unavailable("stream is no longer active")
	}
	select {
	case r := <-reply:
		return r, nil
	case <-ctx.Done():
		return FollowReply{}, ctx.Err()
	}
}

func (s *Streamer) CheckTail(ctx context.Context) (Position, error) {
	reply := make(chan Position, 1)
	select {
	case s.inbox <- inboxMsg{checkTail: &CheckTailRequest{ReplyTo: reply}}:
	case <-ctx.Done():
		return Position{}, ctx.Err()
	case <-s.done:
		return Position{}, enginerr.Unavailable("stream is no longer active")
	}
	select {
	case p := <-reply:
		return p, nil
	case <-ctx.Done():
		return Position{}, ctx.Err()
	}
}

func (s *Streamer) Reconfigure(ctx context.Context, cfg kvschema.StreamConfig) error {
	select {
	case s.inbox <- inboxMsg{reconfigure: &ReconfigureRequest{Config: cfg}}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return enginerr.Unavailable("stream is no longer active")
	}
}

// Closed reports whether the run loop has exited (dormancy timeout or a
// terminal trim).
func (s *Streamer) Closed() <-chan struct{} { return s.done }

func (s *Streamer) run() {
	defer close(s.done)
	dormancy := time.NewTimer(dormancyInterval)
	defer dormancy.Stop()

	var queue []*durabilityJob

	for {
		var headDone chan error
		if len(queue) > 0 {
			headDone = queue[0].done
		}

		select {
		case msg := <-s.inbox:
			if !dormancy.Stop() {
				<-dormancy.C
			}
			dormancy.Reset(dormancyInterval)
			exit := s.handleMessage(msg, &queue)
			if exit {
				return
			}

		case err := <-headDone:
			job := queue[0]
			queue = queue[1:]
			if s.handleDurabilityResult(job, err) {
				return
			}

		case <-dormancy.C:
			if len(queue) == 0 {
				return
			}
			dormancy.Reset(dormancyInterval)
		}
	}
}

// handleMessage processes one inbox message, returning true if the
// Streamer should exit immediately (a terminal trim whose durability
// write was synchronous is not handled here; termination after a
// terminal append happens once its durability job completes).
func (s *Streamer) handleMessage(msg inboxMsg, queue *[]*durabilityJob) bool {
	switch {
	case msg.append != nil:
		s.handleAppend(msg.append, queue)
	case msg.follow != nil:
		s.handleFollow(msg.follow)
	case msg.checkTail != nil:
		msg.checkTail.ReplyTo <- Position{SeqNum: s.state.NextSeqNum, Timestamp: s.state.LastTimestamp}
	case msg.reconfigure != nil:
		s.cfg = msg.reconfigure.Config
	}
	return false
}

func (s *Streamer) handleAppend(req *AppendRequest, queue *[]*durabilityJob) {
	if req.Session != nil {
		if poisoned, err := req.Session.Poisoned(); poisoned {
			req.ReplyTo <- AppendReply{Err: enginerr.Wrap(enginerr.KindRequestDropped, "session already poisoned", err)}
			return
		}
	}

	before := s.state
	start := Position{SeqNum: before.NextSeqNum, Timestamp: before.LastTimestamp}

	seq, after, err := sequenceRecords(req.Input, before, s.cfg, s.now())
	if err != nil {
		if e, ok := err.(*enginerr.Error); ok {
			telemetry.AppendErrorsTotal.WithLabelValues(e.Kind.String()).Inc()
		}
		req.ReplyTo <- AppendReply{Err: err}
		return
	}
	// A Trim outside a terminal append is capped at the batch's next
	// seq_num, and the trim point never moves backward.
	if req.AppendType != AppendTerminal && after.TrimEnd > after.NextSeqNum {
		after.TrimEnd = after.NextSeqNum
	}
	if after.TrimEnd < before.TrimEnd {
		after.TrimEnd = before.TrimEnd
	}
	telemetry.AppendsTotal.Inc()
	telemetry.AppendRecordsTotal.Add(float64(len(seq)))
	telemetry.AppendBytesTotal.Add(float64(req.Input.MeteredSize()))

	batch, err := buildWriteBatch(s.id, seq, before, after, retentionTTLMs(s.cfg))
	if err != nil {
		req.ReplyTo <- AppendReply{Err: enginerr.Wrap(enginerr.KindBadFrame, "building durable write", err)}
		return
	}

	// Sequencing advances immediately; a failed durability write poisons
	// the session instead of rewinding state, since the next append must
	// never reuse a seq_num that was already handed out.
	s.state = after

	terminal := req.AppendType == AppendTerminal
	job := &durabilityJob{
		ackRangeEnd: after.NextSeqNum,
		newTail:     Position{SeqNum: after.NextSeqNum, Timestamp: after.LastTimestamp},
		records:     seq,
		done:        make(chan error, 1),
		terminal:    terminal,
	}
	*queue = append(*queue, job)

	ack := AppendAck{Start: start, End: Position{SeqNum: after.NextSeqNum, Timestamp: after.LastTimestamp}}
	s.pending.push(pendingTicket{
		ackRangeEnd: job.ackRangeEnd,
		resolve: func(tail Position, err error) {
			if err != nil {
				req.ReplyTo <- AppendReply{Err: err}
				return
			}
			ack.Tail = tail
			req.ReplyTo <- AppendReply{Ack: ack}
		},
	})

	store := s.store
	go func() {
		start := time.Now()
		err := store.Write(context.Background(), batch, true)
		telemetry.ObserveStorageOp("append_write", start, err)
		job.done <- err
	}()
}

// handleDurabilityResult applies one completed write's outcome and
// reports whether the Streamer should now exit: a successful terminal
// trim has nothing left to sequence and no reason to stay resident.
// Followers only ever see records once they are confirmed durable.
//
// A failure fails every ticket queued so far, including ones whose own
// write is still in flight and may yet succeed: once commit order is
// broken the caller must stop and resync rather than trust an ack that
// arrived out of sequence.
func (s *Streamer) handleDurabilityResult(job *durabilityJob, err error) bool {
	if err != nil {
		telemetry.Errorf("stream %s: durability write failed: %v", s.id, err)
		s.pending.drainWithError(enginerr.Storage(err))
		return false
	}
	s.pending.releaseUpTo(job.ackRangeEnd, job.newTail)
	s.publish(job.records)
	return job.terminal
}

func (s *Streamer) handleFollow(req *FollowRequest) {
	tail := Position{SeqNum: s.state.NextSeqNum, Timestamp: s.state.LastTimestamp}
	if req.StartSeqNum != tail.SeqNum {
		req.ReplyTo <- FollowReply{Sub: nil, Tail: tail}
		return
	}
	ch := make(chan FollowMsg, followerBacklog)
	id := s.nextSubID
	s.nextSubID++
	s.subs[id] = ch
	req.ReplyTo <- FollowReply{Sub: ch, Tail: tail}
}

// publish broadcasts newly sequenced records to every live follower,
// dropping (and forcing a re-scan on) any subscriber whose backlog is full.
func (s *Streamer) publish(records []record.SequencedRecord) {
	if len(s.subs) == 0 || len(records) == 0 {
		return
	}
	for id, ch := range s.subs {
		select {
		case ch <- FollowMsg{Records: records}:
		default:
			close(ch)
			delete(s.subs, id)
		}
	}
}
