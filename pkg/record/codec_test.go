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
	"bytes"
	"errors"
	"testing"
)

func envelopeFixtures() []Envelope {
	return []Envelope{
		{Body: []byte("hello")},
		{Body: nil},
		{Headers: []Header{{Name: []byte("a"), Value: []byte("1")}}, Body: []byte("b")},
		{
			Headers: []Header{
				{Name: []byte("content-type"), Value: []byte("application/octet-stream")},
				{Name: []byte("trace-id"), Value: bytes.Repeat([]byte{0xAB}, 300)},
			},
			Body: bytes.Repeat([]byte("x"), 1024),
		},
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	for i, e := range envelopeFixtures() {
		rec := NewEnvelopeRecord(e)
		enc, err := Encode(rec)
		if err != nil {
			t.Fatalf("fixture %d: encode: %v", i, err)
		}
		dec, n, err := Decode(enc)
		if err != nil {
			t.Fatalf("fixture %d: decode: %v", i, err)
		}
		if n != len(enc) {
			t.Fatalf("fixture %d: consumed %d, want %d", i, n, len(enc))
		}
		if dec.Kind != KindEnvelope {
			t.Fatalf("fixture %d: kind = %v", i, dec.Kind)
		}
		if !bytes.Equal(dec.Envelope.Body, e.Body) {
			t.Fatalf("fixture %d: body mismatch: got %q want %q", i, dec.Envelope.Body, e.Body)
		}
		if len(dec.Envelope.Headers) != len(e.Headers) {
			t.Fatalf("fixture %d: header count = %d want %d", i, len(dec.Envelope.Headers), len(e.Headers))
		}
		for j, h := range e.Headers {
			got := dec.Envelope.Headers[j]
			if !bytes.Equal(got.Name, h.Name) || !bytes.Equal(got.Value, h.Value) {
				t.Fatalf("fixture %d header %d: got %+v want %+v", i, j, got, h)
			}
		}
	}
}

func TestCommandRoundTrip(t *testing.T) {
	cmds := []Command{
		{Op: OpFence, FenceToken: "tok-A"},
		{Op: OpFence, FenceToken: ""},
		{Op: OpTrim, TrimSeqNum: 0},
		{Op: OpTrim, TrimSeqNum: ^uint64(0)},
	}
	for i, c := range cmds {
		rec := NewCommandRecord(c)
		enc, err := Encode(rec)
		if err != nil {
			t.Fatalf("cmd %d: encode: %v", i, err)
		}
		dec, n, err := Decode(enc)
		if err != nil {
			t.Fatalf("cmd %d: decode: %v", i, err)
		}
		if n != len(enc) {
			t.Fatalf("cmd %d: consumed %d want %d", i, n, len(enc))
		}
		if *dec.Command != c {
			t.Fatalf("cmd %d: got %+v want %+v", i, *dec.Command, c)
		}
	}
}

func TestFenceTokenTooLong(t *testing.T) {
	_, err := Encode(Fence(string(bytes.Repeat([]byte("a"), 37))))
	if err == nil {
		t.Fatal("expected error for oversized fence token")
	}
}

func TestStructuralTruncation(t *testing.T) {
	// A header-bearing envelope whose structure requires precise lengths:
	// truncating anywhere before the body boundary must yield a FieldError.
	e := Envelope{
		Headers: []Header{{Name: []byte("k"), Value: []byte("v")}},
		Body:    []byte("xyz"),
	}
	enc, err := Encode(NewEnvelopeRecord(e))
	if err != nil {
		t.Fatal(err)
	}
	bodyStart := len(enc) - len(e.Body)
	for n := 1; n < bodyStart; n++ {
		_, _, err := Decode(enc[:n])
		var fe *FieldError
		if !errors.As(err, &fe) || !fe.Truncated {
			t.Fatalf("prefix len %d: expected Truncated error, got %v", n, err)
		}
	}
}

func TestTryCommandFromParts(t *testing.T) {
	headers, body := PartsFromCommand(Command{Op: OpFence, FenceToken: "tok"})
	cmd, ok, err := TryCommandFromParts(headers, body)
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	if cmd.Op != OpFence || cmd.FenceToken != "tok" {
		t.Fatalf("got %+v", cmd)
	}

	// Non-command envelope headers must not be misinterpreted.
	_, ok, err = TryCommandFromParts([]Header{{Name: []byte("a"), Value: []byte("b")}}, nil)
	if err != nil || ok {
		t.Fatalf("expected ok=false err=nil, got ok=%v err=%v", ok, err)
	}

	// Empty name mixed with other headers is a validation error.
	_, _, err = TryCommandFromParts([]Header{{Name: nil, Value: []byte{0}}, {Name: []byte("a"), Value: []byte("b")}}, nil)
	if err == nil {
		t.Fatal("expected error for empty name mixed with other headers")
	}
}

func TestMeteredSize(t *testing.T) {
	e := NewEnvelopeRecord(Envelope{
		Headers: []Header{{Name: []byte("ab"), Value: []byte("cde")}},
		Body:    []byte("12345"),
	})
	// 8 + (2*1 + (2+3)) + 5 = 8 + 7 + 5 = 20
	if got := e.MeteredSize(); got != 20 {
		t.Fatalf("metered size = %d, want 20", got)
	}

	c := NewCommandRecord(Command{Op: OpFence, FenceToken: "abc"})
	if got := c.MeteredSize(); got != 8+1+1+3 {
		t.Fatalf("command metered size = %d, want %d", got, 8+1+1+3)
	}
}

func TestProtoRoundTrip(t *testing.T) {
	srs := []SequencedRecord{
		{SeqNum: 5, Timestamp: 100, Rec: NewEnvelopeRecord(Envelope{
			Headers: []Header{{Name: []byte("a"), Value: []byte("b")}},
			Body:    []byte("body"),
		})},
		{SeqNum: 6, Timestamp: 101, Rec: NewCommandRecord(Command{Op: OpFence, FenceToken: "t"})},
		{SeqNum: 7, Timestamp: 102, Rec: NewCommandRecord(Command{Op: OpTrim, TrimSeqNum: 3})},
	}
	for i, sr := range srs {
		b := EncodeProto(sr)
		dec, err := DecodeProto(b)
		if err != nil {
			t.Fatalf("case %d: %v", i, err)
		}
		if dec.SeqNum != sr.SeqNum || dec.Timestamp != sr.Timestamp {
			t.Fatalf("case %d: position mismatch: %+v", i, dec)
		}
		if dec.Rec.Kind != sr.Rec.Kind {
			t.Fatalf("case %d: kind mismatch", i)
		}
	}
}
