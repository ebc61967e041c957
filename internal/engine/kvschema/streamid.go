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

// Package kvschema lays out the flat key space addressed by the store
// adapter: one fixed leading tag byte per datum type, big-endian integer
// components so lexicographic order matches numeric order, and helpers to
// compute the successor of a prefix for range-scan upper bounds.
package kvschema

import (
	"encoding/hex"

	"github.com/cespare/xxhash/v2"
)

// StreamID is the stable 32-byte hash of (basin, stream) used as the key
// prefix for all per-stream state. It is built from four domain-separated
// 64-bit xxhash digests so a single collision requires all four lanes to
// coincide.
type StreamID [32]byte

var streamIDDomains = [4]string{"s2\x00id\x001", "s2\x00id\x002", "s2\x00id\x003", "s2\x00id\x004"}

// NewStreamID derives the StreamID for (basin, stream).
func NewStreamID(basin, stream string) StreamID {
	var id StreamID
	for i, domain := range streamIDDomains {
		d := xxhash.New()
		_, _ = d.WriteString(domain)
		_, _ = d.WriteString(basin)
		_, _ = d.WriteString("\x00")
		_, _ = d.WriteString(stream)
		sum := d.Sum64()
		for b := 0; b < 8; b++ {
			id[i*8+b] = byte(sum >> (56 - 8*b))
		}
	}
	return id
}

func (id StreamID) String() string { return hex.EncodeToString(id[:]) }

// StreamIDFromBytes validates and wraps a raw 32-byte key-prefix slice.
func StreamIDFromBytes(b []byte) (StreamID, bool) {
	var id StreamID
	if len(b) != len(id) {
		return StreamID{}, false
	}
	copy(id[:], b)
	return id, true
}
