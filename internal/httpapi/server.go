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

// Package httpapi implements the public-facing HTTP surface over the
// engine: basin and stream lifecycle, append, and read.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"streamlite/internal/engine/backend"
	"streamlite/internal/engine/enginerr"
	"streamlite/internal/engine/kvschema"
	"streamlite/internal/engine/read"
	"streamlite/internal/engine/stream"
	"streamlite/internal/telemetry"
	"streamlite/pkg/record"
)

// Server holds the backend the HTTP surface is a thin adapter over.
type Server struct {
	backend *backend.Backend
}

func NewServer(b *backend.Backend) *Server {
	return &Server{backend: b}
}

// RegisterRoutes wires every route onto mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/basins/", s.handleBasins)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}

// ListenAndServe starts the HTTP server on addr with the same timeouts the
// rest of this codebase's HTTP entry points use.
func (s *Server) ListenAndServe(addr string) error {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	telemetry.Infof("httpapi: listening on %s", addr)
	return httpServer.ListenAndServe()
}

// handleBasins dispatches every /v1/basins/... route. A hand-rolled router
// is enough for the handful of resource paths this surface exposes;
// {basin}[/streams/{stream}[/records|/tail]].
func (s *Server) handleBasins(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/basins/"), "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	basin := parts[0]

	switch {
	case len(parts) == 1:
		s.handleBasin(w, r, basin)
	case len(parts) >= 3 && parts[1] == "streams":
		streamName := parts[2]
		switch {
		case len(parts) == 3:
			s.handleStream(w, r, basin, streamName)
		case len(parts) == 4 && parts[3] == "records":
			s.handleRecords(w, r, basin, streamName)
		case len(parts) == 4 && parts[3] == "tail":
			s.handleTail(w, r, basin, streamName)
		default:
			http.NotFound(w, r)
		}
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleBasin(w http.ResponseWriter, r *http.Request, basin string) {
	switch r.Method {
	case http.MethodPut:
		var cfg kvschema.BasinConfig
		if !decodeBody(w, r, &cfg) {
			return
		}
		err := s.backend.CreateBasin(r.Context(), basin, cfg, backend.CreateOnly(idempotencyToken(r)))
		if writeErr(w, err) {
			return
		}
		writeJSON(w, http.StatusOK, cfg)
	case http.MethodGet:
		cfg, err := s.backend.GetBasinConfig(r.Context(), basin)
		if writeErr(w, err) {
			return
		}
		writeJSON(w, http.StatusOK, cfg)
	case http.MethodPatch:
		var patch kvschema.BasinConfigPatch
		if !decodeBody(w, r, &patch) {
			return
		}
		cfg, err := s.backend.ReconfigureBasin(r.Context(), basin, patch)
		if writeErr(w, err) {
			return
		}
		writeJSON(w, http.StatusOK, cfg)
	case http.MethodDelete:
		err := s.backend.DeleteBasin(r.Context(), basin)
		if writeErr(w, err) {
			return
		}
		w.WriteHeader(http.StatusAccepted)
	default:
		w.Header().Set("Allow", "GET, PUT, PATCH, DELETE")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request, basin, streamName string) {
	switch r.Method {
	case http.MethodPut:
		var patch kvschema.StreamConfigPatch
		if !decodeBody(w, r, &patch) {
			return
		}
		err := s.backend.CreateStream(r.Context(), basin, streamName, patch, backend.CreateOnly(idempotencyToken(r)))
		if writeErr(w, err) {
			return
		}
		w.WriteHeader(http.StatusOK)
	case http.MethodPatch:
		var patch kvschema.StreamConfigPatch
		if !decodeBody(w, r, &patch) {
			return
		}
		cfg, err := s.backend.ReconfigureStream(r.Context(), basin, streamName, patch)
		if writeErr(w, err) {
			return
		}
		writeJSON(w, http.StatusOK, cfg)
	case http.MethodDelete:
		err := s.backend.DeleteStream(r.Context(), basin, streamName)
		if writeErr(w, err) {
			return
		}
		w.WriteHeader(http.StatusAccepted)
	default:
		w.Header().Set("Allow", "PUT, PATCH, DELETE")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleTail(w http.ResponseWriter, r *http.Request, basin, streamName string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	pos, err := s.backend.CheckTail(r.Context(), basin, streamName)
	if writeErr(w, err) {
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

// appendRecordWire is the JSON wire shape of one appended record, an
// envelope with an optional client timestamp.
type appendRecordWire struct {
	Headers   []recordHeaderWire `json:"headers"`
	Body      string             `json:"body"`
	Timestamp *uint64            `json:"timestamp,omitempty"`
}

type recordHeaderWire struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type appendRequestWire struct {
	Records      []appendRecordWire `json:"records"`
	FencingToken *string            `json:"fencing_token,omitempty"`
	MatchSeqNum  *uint64            `json:"match_seq_num,omitempty"`
}

func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request, basin, streamName string) {
	switch r.Method {
	case http.MethodPost:
		s.appendRecords(w, r, basin, streamName)
	case http.MethodGet:
		s.readRecords(w, r, basin, streamName)
	default:
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) appendRecords(w http.ResponseWriter, r *http.Request, basin, streamName string) {
	var wire appendRequestWire
	if !decodeBody(w, r, &wire) {
		return
	}

	in := stream.AppendInput{FencingToken: wire.FencingToken, MatchSeqNum: wire.MatchSeqNum}
	for _, rw := range wire.Records {
		headers := make([]record.Header, 0, len(rw.Headers))
		for _, h := range rw.Headers {
			headers = append(headers, record.Header{Name: []byte(h.Name), Value: []byte(h.Value)})
		}
		in.Records = append(in.Records, record.NewEnvelopeRecord(record.Envelope{Headers: headers, Body: []byte(rw.Body)}))
		in.ClientTimestamps = append(in.ClientTimestamps, rw.Timestamp)
	}

	ack, err := s.backend.Append(r.Context(), basin, streamName, in, stream.NewSessionHandle())
	if writeErr(w, err) {
		return
	}
	writeJSON(w, http.StatusOK, ack)
}

// readBatchWire is one emitted unit on the read response stream, encoded
// as newline-delimited JSON so a client can consume a long-running
// (possibly following) read incrementally.
type readBatchWire struct {
	Records   []readRecordWire `json:"records,omitempty"`
	Heartbeat *stream.Position `json:"heartbeat,omitempty"`
}

type readRecordWire struct {
	SeqNum    uint64 `json:"seq_num"`
	Timestamp uint64 `json:"timestamp"`
	Body      string `json:"body"`
}

func (s *Server) readRecords(w http.ResponseWriter, r *http.Request, basin, streamName string) {
	q := r.URL.Query()
	p := read.Params{Start: read.Start{Kind: read.StartSeqNum}}
	if v := q.Get("seq_num"); v != "" {
		n, _ := strconv.ParseUint(v, 10, 64)
		p.Start = read.Start{Kind: read.StartSeqNum, Value: n}
	} else if v := q.Get("timestamp"); v != "" {
		n, _ := strconv.ParseUint(v, 10, 64)
		p.Start = read.Start{Kind: read.StartTimestamp, Value: n}
	} else if v := q.Get("tail_offset"); v != "" {
		n, _ := strconv.ParseUint(v, 10, 64)
		p.Start = read.Start{Kind: read.StartTailOffset, Value: n}
	}
	if v := q.Get("count_limit"); v != "" {
		n, _ := strconv.ParseInt(v, 10, 64)
		p.Limit.Count = n
	}
	if v := q.Get("clamp"); v == "true" {
		p.Clamp = true
	}
	if v := q.Get("wait_seconds"); v != "" {
		n, _ := strconv.Atoi(v)
		p.Wait = time.Duration(n) * time.Second
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)

	err := read.Run(r.Context(), s.backend, basin, streamName, p, func(ev read.Event) error {
		var out readBatchWire
		if ev.Heartbeat != nil {
			out.Heartbeat = ev.Heartbeat
		}
		if ev.Batch != nil {
			for _, rec := range ev.Batch.Records {
				body := ""
				if rec.Rec.Kind == record.KindEnvelope && rec.Rec.Envelope != nil {
					body = string(rec.Rec.Envelope.Body)
				}
				out.Records = append(out.Records, readRecordWire{SeqNum: rec.SeqNum, Timestamp: rec.Timestamp, Body: body})
			}
		}
		if len(out.Records) == 0 && out.Heartbeat == nil {
			return nil
		}
		if err := enc.Encode(out); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	})
	if err != nil {
		telemetry.Warnf("httpapi: read session for %s/%s ended: %v", basin, streamName, err)
	}
}

func idempotencyToken(r *http.Request) *string {
	if v := r.Header.Get("Idempotency-Key"); v != "" {
		return &v
	}
	return nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeErr maps an engine error to an HTTP response and reports whether it
// wrote one (true means the caller should stop handling the request).
func writeErr(w http.ResponseWriter, err error) bool {
	if err == nil {
		return false
	}
	status := http.StatusInternalServerError
	if e, ok := err.(*enginerr.Error); ok {
		switch e.Kind {
		case enginerr.KindBasinNotFound, enginerr.KindStreamNotFound:
			status = http.StatusNotFound
		case enginerr.KindResourceAlreadyExists:
			status = http.StatusConflict
		case enginerr.KindBasinDeletionPending, enginerr.KindStreamDeletionPending:
			status = http.StatusGone
		case enginerr.KindAppendConditionFailed:
			status = http.StatusPreconditionFailed
		case enginerr.KindUnwritten:
			status = http.StatusRequestedRangeNotSatisfiable
		case enginerr.KindTransactionConflict, enginerr.KindUnavailable:
			status = http.StatusServiceUnavailable
		case enginerr.KindTimestampMissing, enginerr.KindBadFrame:
			status = http.StatusBadRequest
		}
	}
	http.Error(w, err.Error(), status)
	return true
}
