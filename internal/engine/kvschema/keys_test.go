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

package kvschema

import (
	"bytes"
	"testing"
)

func TestStreamIDStable(t *testing.T) {
	a := NewStreamID("b1", "s1")
	b := NewStreamID("b1", "s1")
	if a != b {
		t.Fatal("StreamID must be deterministic")
	}
	c := NewStreamID("b1", "s2")
	if a == c {
		t.Fatal("different streams must not collide trivially")
	}
}

func TestRecordKeyOrderingMatchesSeqNum(t *testing.T) {
	id := NewStreamID("b1", "s1")
	var prev []byte
	for seq := uint64(0); seq < 300; seq++ {
		k := StreamRecordDataKey(id, seq, seq)
		if prev != nil && bytes.Compare(prev, k) >= 0 {
			t.Fatalf("keys not strictly increasing at seq %d", seq)
		}
		prev = k
	}
}

func TestDecodeStreamRecordDataKeyRoundTrip(t *testing.T) {
	id := NewStreamID("b1", "s1")
	k := StreamRecordDataKey(id, 42, 1000)
	gotID, seq, ts, ok := DecodeStreamRecordDataKey(k)
	if !ok || gotID != id || seq != 42 || ts != 1000 {
		t.Fatalf("decode mismatch: ok=%v id=%v seq=%d ts=%d", ok, gotID, seq, ts)
	}
}

func TestDecodeStreamRecordTimestampKeyRoundTrip(t *testing.T) {
	id := NewStreamID("b1", "s1")
	k := StreamRecordTimestampKey(id, 1000, 42)
	gotID, ts, seq, ok := DecodeStreamRecordTimestampKey(k)
	if !ok || gotID != id || ts != 1000 || seq != 42 {
		t.Fatalf("decode mismatch: ok=%v id=%v ts=%d seq=%d", ok, gotID, ts, seq)
	}
}

func TestPrefixRangeEnd(t *testing.T) {
	end, ok := PrefixRangeEnd([]byte{1, 2, 3})
	if !ok || !bytes.Equal(end, []byte{1, 2, 4}) {
		t.Fatalf("end=%v ok=%v", end, ok)
	}

	end, ok = PrefixRangeEnd([]byte{1, 0xFF})
	if !ok || !bytes.Equal(end, []byte{2}) {
		t.Fatalf("carry case: end=%v ok=%v", end, ok)
	}

	_, ok = PrefixRangeEnd([]byte{0xFF, 0xFF})
	if ok {
		t.Fatal("expected overflow to report ok=false")
	}
}

func TestStreamDoeDeadlineKeyOrdering(t *testing.T) {
	id1 := NewStreamID("b1", "s1")
	id2 := NewStreamID("b1", "s2")
	k1 := StreamDoeDeadlineKey(100, id1)
	k2 := StreamDoeDeadlineKey(200, id2)
	if bytes.Compare(k1, k2) >= 0 {
		t.Fatal("earlier deadline must sort first regardless of stream id")
	}
	deadline, id, ok := DecodeStreamDoeDeadlineKey(k1)
	if !ok || deadline != 100 || id != id1 {
		t.Fatalf("decode mismatch: deadline=%d id=%v ok=%v", deadline, id, ok)
	}
}

func TestFingerprintStableAndSensitive(t *testing.T) {
	cfg := StreamConfig{StorageClass: "standard", RetentionAgeSecs: 3600}
	f1, err := Fingerprint("tok", cfg)
	if err != nil {
		t.Fatal(err)
	}
	f2, err := Fingerprint("tok", cfg)
	if err != nil {
		t.Fatal(err)
	}
	if f1 != f2 {
		t.Fatal("fingerprint must be deterministic for identical input")
	}
	cfg.RetentionAgeSecs = 7200
	f3, _ := Fingerprint("tok", cfg)
	if f1 == f3 {
		t.Fatal("fingerprint must change when config changes")
	}
}

func TestStreamConfigPatchApply(t *testing.T) {
	base := StreamConfig{StorageClass: "standard", RetentionAgeSecs: 10}
	newClass := "express"
	patched := StreamConfigPatch{StorageClass: &newClass}.Apply(base)
	if patched.StorageClass != "express" || patched.RetentionAgeSecs != 10 {
		t.Fatalf("unexpected patched config: %+v", patched)
	}
}
