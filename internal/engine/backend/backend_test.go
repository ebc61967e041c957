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

package backend

import (
	"context"
	"testing"

	"streamlite/internal/engine/enginerr"
	"streamlite/internal/engine/kvschema"
	"streamlite/internal/engine/kvstore/memstore"
	"streamlite/internal/engine/stream"
	"streamlite/pkg/record"
)

func testBasinConfig() kvschema.BasinConfig {
	return kvschema.BasinConfig{
		DefaultStreamConfig: kvschema.StreamConfig{
			StorageClass:     "standard",
			TimestampingMode: kvschema.TimestampingArrival,
		},
	}
}

func newTestBackend() *Backend {
	return New(memstore.New())
}

func TestCreateBasinIdempotent(t *testing.T) {
	b := newTestBackend()
	ctx := context.Background()
	cfg := testBasinConfig()
	token := "tok-1"

	if err := b.CreateBasin(ctx, "b1", cfg, CreateOnly(&token)); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if err := b.CreateBasin(ctx, "b1", cfg, CreateOnly(&token)); err != nil {
		t.Fatalf("repeat create with same token and config should be a no-op: %v", err)
	}

	cfg.CreateStreamOnAppend = true
	if err := b.CreateBasin(ctx, "b1", cfg, CreateOnly(&token)); !enginerr.Is(err, enginerr.KindResourceAlreadyExists) {
		t.Fatalf("create with same token, different config: got %v, want ResourceAlreadyExists", err)
	}
}

func TestCreateStreamAutoPicksUpBasinDefaults(t *testing.T) {
	b := newTestBackend()
	ctx := context.Background()
	cfg := testBasinConfig()
	cfg.DefaultStreamConfig.RetentionAgeSecs = 3600

	if err := b.CreateBasin(ctx, "b1", cfg, CreateOnly(nil)); err != nil {
		t.Fatalf("create basin: %v", err)
	}
	if err := b.CreateStream(ctx, "b1", "s1", kvschema.StreamConfigPatch{}, CreateOnly(nil)); err != nil {
		t.Fatalf("create stream: %v", err)
	}

	s, err := b.registry.streamerClient(ctx, "b1", "s1")
	if err != nil {
		t.Fatalf("resolve streamer: %v", err)
	}
	pos, err := s.CheckTail(ctx)
	if err != nil {
		t.Fatalf("check tail: %v", err)
	}
	if pos.SeqNum != 0 {
		t.Fatalf("tail seq_num = %d, want 0 on a freshly created stream", pos.SeqNum)
	}

	meta, ok, err := b.StreamMeta(ctx, "b1", "s1")
	if err != nil || !ok {
		t.Fatalf("stream meta: ok=%v err=%v", ok, err)
	}
	if meta.Config.RetentionAgeSecs != 3600 {
		t.Fatalf("retention_age_secs = %d, want basin default 3600", meta.Config.RetentionAgeSecs)
	}
}

func TestAppendAutoCreatesStreamWhenBasinAllows(t *testing.T) {
	b := newTestBackend()
	ctx := context.Background()
	cfg := testBasinConfig()
	cfg.CreateStreamOnAppend = true
	if err := b.CreateBasin(ctx, "b1", cfg, CreateOnly(nil)); err != nil {
		t.Fatalf("create basin: %v", err)
	}

	in := stream.AppendInput{Records: []record.Record{record.NewEnvelopeRecord(record.Envelope{Body: []byte("hi")})}}
	ack, err := b.Append(ctx, "b1", "auto-stream", in, stream.NewSessionHandle())
	if err != nil {
		t.Fatalf("append with auto-create: %v", err)
	}
	if ack.Start.SeqNum != 0 || ack.End.SeqNum != 1 {
		t.Fatalf("ack = %+v, want Start=0 End=1", ack)
	}
}

func TestAppendWithoutAutoCreateFails(t *testing.T) {
	b := newTestBackend()
	ctx := context.Background()
	if err := b.CreateBasin(ctx, "b1", testBasinConfig(), CreateOnly(nil)); err != nil {
		t.Fatalf("create basin: %v", err)
	}

	in := stream.AppendInput{Records: []record.Record{record.NewEnvelopeRecord(record.Envelope{Body: []byte("hi")})}}
	_, err := b.Append(ctx, "b1", "nope", in, stream.NewSessionHandle())
	if !enginerr.Is(err, enginerr.KindStreamNotFound) {
		t.Fatalf("append against missing stream with auto-create disabled: got %v, want StreamNotFound", err)
	}
}

func TestDeleteStreamThenCreateFailsUntilFinalized(t *testing.T) {
	b := newTestBackend()
	ctx := context.Background()
	if err := b.CreateBasin(ctx, "b1", testBasinConfig(), CreateOnly(nil)); err != nil {
		t.Fatalf("create basin: %v", err)
	}
	if err := b.CreateStream(ctx, "b1", "s1", kvschema.StreamConfigPatch{}, CreateOnly(nil)); err != nil {
		t.Fatalf("create stream: %v", err)
	}
	if err := b.DeleteStream(ctx, "b1", "s1"); err != nil {
		t.Fatalf("delete stream: %v", err)
	}
	if err := b.CreateStream(ctx, "b1", "s1", kvschema.StreamConfigPatch{}, CreateOnly(nil)); !enginerr.Is(err, enginerr.KindStreamDeletionPending) {
		t.Fatalf("create over deletion-pending stream: got %v, want StreamDeletionPending", err)
	}
}

func TestReconfigureStreamWithLiveStreamerUpdatesMeta(t *testing.T) {
	b := newTestBackend()
	ctx := context.Background()
	if err := b.CreateBasin(ctx, "b1", testBasinConfig(), CreateOnly(nil)); err != nil {
		t.Fatalf("create basin: %v", err)
	}
	if err := b.CreateStream(ctx, "b1", "s1", kvschema.StreamConfigPatch{}, CreateOnly(nil)); err != nil {
		t.Fatalf("create stream: %v", err)
	}
	if _, err := b.registry.streamerClient(ctx, "b1", "s1"); err != nil {
		t.Fatalf("resolve streamer: %v", err)
	}

	storageClass := "cold"
	if _, err := b.ReconfigureStream(ctx, "b1", "s1", kvschema.StreamConfigPatch{StorageClass: &storageClass}); err != nil {
		t.Fatalf("reconfigure stream: %v", err)
	}

	meta, ok, err := b.StreamMeta(ctx, "b1", "s1")
	if err != nil {
		t.Fatalf("stream meta: %v", err)
	}
	if !ok {
		t.Fatalf("stream meta not found after reconfigure")
	}
	if meta.Config.StorageClass != "cold" {
		t.Fatalf("storage class = %q, want cold", meta.Config.StorageClass)
	}
}
