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

// Encode produces the self-describing on-disk envelope for r: a magic byte,
// a metered-size varint, and the record's payload.
func Encode(r Record) ([]byte, error) {
	if r.Kind != KindCommand && r.Kind != KindEnvelope {
		return nil, errInvalid("kind", "unknown record type")
	}
	payload, err := encodePayload(r)
	if err != nil {
		return nil, err
	}
	size := r.MeteredSize()
	varlen := varlenFor(uint64(size))
	if varlen > 3 {
		return nil, errInvalid("metered_size", "exceeds 3-byte varint")
	}
	magic := byte(r.Kind) | (byte(varlen-1) << 3)
	out := make([]byte, 0, 1+varlen+len(payload))
	out = append(out, magic)
	out = append(out, bigEndianVarint(uint64(size), varlen)...)
	out = append(out, payload...)
	return out, nil
}

// Decode parses one on-disk record from the front of b, returning the
// record and the number of bytes consumed.
func Decode(b []byte) (Record, int, error) {
	if len(b) < 1 {
		return Record{}, 0, errTruncated("magic")
	}
	magic := b[0]
	kindOrdinal := magic & 0x7
	varlen := int((magic>>3)&0x3) + 1
	reserved := magic >> 5
	if reserved != 0 {
		return Record{}, 0, errInvalid("magic.reserved", "reserved bits must be zero")
	}
	if varlen > 3 {
		return Record{}, 0, errInvalid("magic.varlen", "varlen > 3")
	}
	var kind Kind
	switch kindOrdinal {
	case byte(KindCommand):
		kind = KindCommand
	case byte(KindEnvelope):
		kind = KindEnvelope
	default:
		return Record{}, 0, errInvalid("magic.kind", "unknown record type ordinal")
	}

	off := 1
	if len(b) < off+varlen {
		return Record{}, 0, errTruncated("metered_size")
	}
	meteredSize := beUintN(b[off : off+varlen])
	off += varlen

	rec, n, err := decodePayload(kind, b[off:])
	if err != nil {
		return Record{}, 0, err
	}
	_ = meteredSize // not returned; callers recompute it with Record.MeteredSize
	return rec, off + n, nil
}

func encodePayload(r Record) ([]byte, error) {
	switch r.Kind {
	case KindCommand:
		return encodeCommand(*r.Command)
	case KindEnvelope:
		return encodeEnvelope(*r.Envelope)
	}
	return nil, errInvalid("kind", "unknown record type")
}

func decodePayload(kind Kind, b []byte) (Record, int, error) {
	switch kind {
	case KindCommand:
		c, n, err := decodeCommand(b)
		if err != nil {
			return Record{}, 0, err
		}
		return NewCommandRecord(c), n, nil
	case KindEnvelope:
		e, n, err := decodeEnvelope(b)
		if err != nil {
			return Record{}, 0, err
		}
		return NewEnvelopeRecord(e), n, nil
	}
	return Record{}, 0, errInvalid("kind", "unknown record type")
}

func encodeCommand(c Command) ([]byte, error) {
	out := []byte{byte(c.Op)}
	switch c.Op {
	case OpFence:
		if len(c.FenceToken) > MaxFenceTokenBytes {
			return nil, errInvalid("fence_token", "exceeds 36 bytes")
		}
		out = append(out, []byte(c.FenceToken)...)
	case OpTrim:
		out = append(out, beBytes8(c.TrimSeqNum)...)
	default:
		return nil, errInvalid("op", "unknown command op")
	}
	return out, nil
}

func decodeCommand(b []byte) (Command, int, error) {
	if len(b) < 1 {
		return Command{}, 0, errTruncated("op")
	}
	op := CommandOp(b[0])
	switch op {
	case OpFence:
		token := b[1:]
		if len(token) > MaxFenceTokenBytes {
			return Command{}, 0, errInvalid("fence_token", "exceeds 36 bytes")
		}
		return Command{Op: OpFence, FenceToken: string(token)}, 1 + len(token), nil
	case OpTrim:
		if len(b) < 9 {
			return Command{}, 0, errTruncated("trim_seq_num")
		}
		seq := beUint64(b[1:9])
		return Command{Op: OpTrim, TrimSeqNum: seq}, 9, nil
	default:
		return Command{}, 0, errInvalid("op", "unknown command op")
	}
}

// envelope header-flag byte layout:
//
//	bits 6-7: num_headers_length_bytes (0 means zero headers)
//	bits 4-5: name_length_bytes - 1
//	bits 2-3: value_length_bytes - 1
//	bits 0-1: reserved, zero
func encodeEnvelope(e Envelope) ([]byte, error) {
	if len(e.Headers) == 0 {
		out := make([]byte, 0, 1+len(e.Body))
		out = append(out, 0x00)
		out = append(out, e.Body...)
		return out, nil
	}

	var maxName, maxValue uint64
	for _, h := range e.Headers {
		if len(h.Name) == 0 {
			return nil, errInvalid("header.name", "non-empty header name required outside command encoding")
		}
		if uint64(len(h.Name)) > maxName {
			maxName = uint64(len(h.Name))
		}
		if uint64(len(h.Value)) > maxValue {
			maxValue = uint64(len(h.Value))
		}
	}

	numHeadersLenBytes := varlenFor(uint64(len(e.Headers)))
	if numHeadersLenBytes > 3 {
		return nil, errInvalid("num_headers", "too many headers to encode")
	}
	nameLenBytes := varlenForCapped(maxName, 4)
	valueLenBytes := varlenForCapped(maxValue, 4)

	flag := byte(numHeadersLenBytes<<6) | byte((nameLenBytes-1)<<4) | byte((valueLenBytes-1)<<2)

	out := []byte{flag}
	out = append(out, bigEndianVarint(uint64(len(e.Headers)), numHeadersLenBytes)...)
	for _, h := range e.Headers {
		out = append(out, bigEndianVarint(uint64(len(h.Name)), nameLenBytes)...)
		out = append(out, h.Name...)
		out = append(out, bigEndianVarint(uint64(len(h.Value)), valueLenBytes)...)
		out = append(out, h.Value...)
	}
	out = append(out, e.Body...)
	return out, nil
}

func decodeEnvelope(b []byte) (Envelope, int, error) {
	if len(b) < 1 {
		return Envelope{}, 0, errTruncated("header_flags")
	}
	flag := b[0]
	if flag&0x3 != 0 {
		return Envelope{}, 0, errInvalid("header_flags.reserved", "reserved bits must be zero")
	}
	numHeadersLenBytes := int(flag >> 6)
	nameLenBytes := int((flag>>4)&0x3) + 1
	valueLenBytes := int((flag>>2)&0x3) + 1
	off := 1

	if numHeadersLenBytes == 0 {
		return Envelope{Body: b[off:]}, len(b), nil
	}

	if len(b) < off+numHeadersLenBytes {
		return Envelope{}, 0, errTruncated("num_headers")
	}
	numHeaders := beUintN(b[off : off+numHeadersLenBytes])
	off += numHeadersLenBytes

	headers := make([]Header, 0, numHeaders)
	for i := uint64(0); i < numHeaders; i++ {
		if len(b) < off+nameLenBytes {
			return Envelope{}, 0, errTruncated("header.name_len")
		}
		nameLen := beUintN(b[off : off+nameLenBytes])
		off += nameLenBytes
		if len(b) < off+int(nameLen) {
			return Envelope{}, 0, errTruncated("header.name")
		}
		name := b[off : off+int(nameLen)]
		off += int(nameLen)
		if len(name) == 0 {
			return Envelope{}, 0, errInvalid("header.name", "empty header name only valid alone as a command encoding")
		}

		if len(b) < off+valueLenBytes {
			return Envelope{}, 0, errTruncated("header.value_len")
		}
		valueLen := beUintN(b[off : off+valueLenBytes])
		off += valueLenBytes
		if len(b) < off+int(valueLen) {
			return Envelope{}, 0, errTruncated("header.value")
		}
		value := b[off : off+int(valueLen)]
		off += int(valueLen)

		headers = append(headers, Header{Name: name, Value: value})
	}

	return Envelope{Headers: headers, Body: b[off:]}, len(b), nil
}

// varlenFor returns the minimal number of big-endian bytes (1..8) able to
// hold v, with 0 mapping to 0 bytes (used only for header counts).
func varlenFor(v uint64) int {
	if v == 0 {
		return 0
	}
	n := 0
	for tmp := v; tmp > 0; tmp >>= 8 {
		n++
	}
	return n
}

// varlenForCapped is varlenFor but never returns less than 1 and is capped at max.
func varlenForCapped(v uint64, max int) int {
	n := varlenFor(v)
	if n < 1 {
		n = 1
	}
	if n > max {
		n = max
	}
	return n
}

func bigEndianVarint(v uint64, n int) []byte {
	out := make([]byte, n)
	for i := n - 1; i >= 0; i-- {
		out[i] = byte(v)
		v >>= 8
	}
	return out
}

func beUintN(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}
