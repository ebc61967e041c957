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

package s2sframe

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeRegularFrameNoCompression(t *testing.T) {
	payload := []byte("hello world")
	enc, err := Encode(payload, EncodeOptions{})
	if err != nil {
		t.Fatal(err)
	}
	f, n, err := Decode(enc)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(enc) {
		t.Fatalf("consumed %d want %d", n, len(enc))
	}
	if f.Terminal {
		t.Fatal("expected non-terminal frame")
	}
	if f.Compression != CompressionNone {
		t.Fatalf("small payload must not be compressed, got %v", f.Compression)
	}
	if !bytes.Equal(f.Payload, payload) {
		t.Fatalf("payload mismatch: %q", f.Payload)
	}
}

func TestEncodeDecodeTerminalFrame(t *testing.T) {
	enc, err := EncodeTerminal(404, "stream not found", EncodeOptions{})
	if err != nil {
		t.Fatal(err)
	}
	f, n, err := Decode(enc)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(enc) {
		t.Fatalf("consumed %d want %d", n, len(enc))
	}
	if !f.Terminal {
		t.Fatal("expected terminal frame")
	}
	if f.Status != 404 {
		t.Fatalf("status = %d, want 404", f.Status)
	}
	if string(f.Payload) != "stream not found" {
		t.Fatalf("body = %q", f.Payload)
	}
}

func TestSmallPayloadNeverCompressed(t *testing.T) {
	payload := bytes.Repeat([]byte("a"), MinCompressBytes-1)
	enc, err := Encode(payload, EncodeOptions{Compression: CompressionZstd})
	if err != nil {
		t.Fatal(err)
	}
	f, _, err := Decode(enc)
	if err != nil {
		t.Fatal(err)
	}
	if f.Compression != CompressionNone {
		t.Fatalf("expected no compression below threshold, got %v", f.Compression)
	}
}

func TestLargePayloadZstdRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte{0xCD}, 2000)
	enc, err := Encode(payload, EncodeOptions{Compression: CompressionZstd})
	if err != nil {
		t.Fatal(err)
	}
	f, n, err := Decode(enc)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(enc) {
		t.Fatalf("consumed %d want %d", n, len(enc))
	}
	if f.Compression != CompressionZstd {
		t.Fatalf("expected zstd, got %v", f.Compression)
	}
	if !bytes.Equal(f.Payload, payload) {
		t.Fatal("payload mismatch after zstd round trip")
	}

	// Partial-prefix decode must report "need more data", not an error,
	// until the complete frame has arrived.
	for n := 1; n < len(enc); n++ {
		f, consumed, err := Decode(enc[:n])
		if err != nil {
			t.Fatalf("prefix len %d: unexpected error %v", n, err)
		}
		if consumed != 0 || f.Payload != nil {
			t.Fatalf("prefix len %d: expected no decode yet, got consumed=%d frame=%v", n, consumed, f)
		}
	}
}

func TestLargePayloadGzipRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte("the quick brown fox "), 200)
	enc, err := Encode(payload, EncodeOptions{Compression: CompressionGzip})
	if err != nil {
		t.Fatal(err)
	}
	f, _, err := Decode(enc)
	if err != nil {
		t.Fatal(err)
	}
	if f.Compression != CompressionGzip {
		t.Fatalf("expected gzip, got %v", f.Compression)
	}
	if !bytes.Equal(f.Payload, payload) {
		t.Fatal("payload mismatch after gzip round trip")
	}
}

func TestRejectsOversizedFrame(t *testing.T) {
	payload := make([]byte, MaxFrameLength+1)
	if _, err := Encode(payload, EncodeOptions{}); err == nil {
		t.Fatal("expected error for oversized payload")
	}
}

func TestRejectsReservedFlagBits(t *testing.T) {
	enc, err := Encode([]byte("x"), EncodeOptions{})
	if err != nil {
		t.Fatal(err)
	}
	enc[3] |= 0x01 // set a reserved bit
	if _, _, err := Decode(enc); err == nil {
		t.Fatal("expected error for reserved flag bits")
	}
}

func TestNegotiateCompression(t *testing.T) {
	cases := map[string]Compression{
		"":                     CompressionNone,
		"identity":             CompressionNone,
		"gzip":                 CompressionGzip,
		"zstd":                 CompressionZstd,
		"gzip, zstd":           CompressionZstd,
		"gzip;q=1.0, zstd;q=0.5": CompressionZstd,
		"deflate":              CompressionNone,
	}
	for in, want := range cases {
		if got := NegotiateCompression(in); got != want {
			t.Errorf("NegotiateCompression(%q) = %v, want %v", in, got, want)
		}
	}
}
