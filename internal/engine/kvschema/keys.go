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

// Tag is the fixed leading byte of every key, identifying the datum type
// it belongs to so a single-byte prefix scan enumerates one type.
type Tag byte

const (
	TagBasinMeta Tag = iota + 1
	TagBasinDeletionPending
	TagStreamMeta
	TagStreamIdMapping
	TagStreamTailPosition
	TagStreamFencingToken
	TagStreamTrimPoint
	TagStreamRecordData
	TagStreamRecordTimestamp
	TagStreamDoeDeadline
)

func bePutUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (56 - 8*i))
	}
}

func beUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(b[i])
	}
	return v
}

// BasinMetaKey: tag | basin-name.
func BasinMetaKey(basin string) []byte {
	return append([]byte{byte(TagBasinMeta)}, basin...)
}

// BasinDeletionPendingKey: tag | basin-name.
func BasinDeletionPendingKey(basin string) []byte {
	return append([]byte{byte(TagBasinDeletionPending)}, basin...)
}

// StreamMetaKey: tag | basin | 0x00 | stream.
func StreamMetaKey(basin, stream string) []byte {
	out := make([]byte, 0, 1+len(basin)+1+len(stream))
	out = append(out, byte(TagStreamMeta))
	out = append(out, basin...)
	out = append(out, 0x00)
	out = append(out, stream...)
	return out
}

// StreamIdMappingKey: tag | stream_id.
func StreamIdMappingKey(id StreamID) []byte {
	out := make([]byte, 0, 1+len(id))
	out = append(out, byte(TagStreamIdMapping))
	out = append(out, id[:]...)
	return out
}

// StreamTailPositionKey: tag | stream_id.
func StreamTailPositionKey(id StreamID) []byte {
	out := make([]byte, 0, 1+len(id))
	out = append(out, byte(TagStreamTailPosition))
	out = append(out, id[:]...)
	return out
}

// StreamFencingTokenKey: tag | stream_id.
func StreamFencingTokenKey(id StreamID) []byte {
	out := make([]byte, 0, 1+len(id))
	out = append(out, byte(TagStreamFencingToken))
	out = append(out, id[:]...)
	return out
}

// StreamTrimPointKey: tag | stream_id.
func StreamTrimPointKey(id StreamID) []byte {
	out := make([]byte, 0, 1+len(id))
	out = append(out, byte(TagStreamTrimPoint))
	out = append(out, id[:]...)
	return out
}

// StreamRecordDataKey: tag | stream_id | seq_num-BE | ts-BE.
func StreamRecordDataKey(id StreamID, seqNum, ts uint64) []byte {
	out := make([]byte, 1+32+8+8)
	out[0] = byte(TagStreamRecordData)
	copy(out[1:], id[:])
	bePutUint64(out[33:], seqNum)
	bePutUint64(out[41:], ts)
	return out
}

// StreamRecordDataPrefix: tag | stream_id — for range scans over one stream's records.
func StreamRecordDataPrefix(id StreamID) []byte {
	out := make([]byte, 1+32)
	out[0] = byte(TagStreamRecordData)
	copy(out[1:], id[:])
	return out
}

// DecodeStreamRecordDataKey parses the seq_num/ts suffix of a StreamRecordData key.
func DecodeStreamRecordDataKey(key []byte) (id StreamID, seqNum, ts uint64, ok bool) {
	if len(key) != 1+32+8+8 || Tag(key[0]) != TagStreamRecordData {
		return StreamID{}, 0, 0, false
	}
	copy(id[:], key[1:33])
	seqNum = beUint64(key[33:41])
	ts = beUint64(key[41:49])
	return id, seqNum, ts, true
}

// StreamRecordTimestampKey: tag | stream_id | ts-BE | seq_num-BE.
func StreamRecordTimestampKey(id StreamID, ts, seqNum uint64) []byte {
	out := make([]byte, 1+32+8+8)
	out[0] = byte(TagStreamRecordTimestamp)
	copy(out[1:], id[:])
	bePutUint64(out[33:], ts)
	bePutUint64(out[41:], seqNum)
	return out
}

// StreamRecordTimestampPrefix: tag | stream_id.
func StreamRecordTimestampPrefix(id StreamID) []byte {
	out := make([]byte, 1+32)
	out[0] = byte(TagStreamRecordTimestamp)
	copy(out[1:], id[:])
	return out
}

// StreamRecordTimestampLowerBound builds the key for a point scan's lower
// bound at (ts, SeqNum::MIN).
func StreamRecordTimestampLowerBound(id StreamID, ts uint64) []byte {
	return StreamRecordTimestampKey(id, ts, 0)
}

// DecodeStreamRecordTimestampKey parses the ts/seq_num suffix.
func DecodeStreamRecordTimestampKey(key []byte) (id StreamID, ts, seqNum uint64, ok bool) {
	if len(key) != 1+32+8+8 || Tag(key[0]) != TagStreamRecordTimestamp {
		return StreamID{}, 0, 0, false
	}
	copy(id[:], key[1:33])
	ts = beUint64(key[33:41])
	seqNum = beUint64(key[41:49])
	return id, ts, seqNum, true
}

// StreamDoeDeadlineKey: tag | deadline-secs-BE | stream_id.
func StreamDoeDeadlineKey(deadlineSecs uint64, id StreamID) []byte {
	out := make([]byte, 1+8+32)
	out[0] = byte(TagStreamDoeDeadline)
	bePutUint64(out[1:], deadlineSecs)
	copy(out[9:], id[:])
	return out
}

// DecodeStreamDoeDeadlineKey parses the deadline/stream_id suffix.
func DecodeStreamDoeDeadlineKey(key []byte) (deadlineSecs uint64, id StreamID, ok bool) {
	if len(key) != 1+8+32 || Tag(key[0]) != TagStreamDoeDeadline {
		return 0, StreamID{}, false
	}
	deadlineSecs = beUint64(key[1:9])
	copy(id[:], key[9:41])
	return deadlineSecs, id, true
}

// PrefixRangeEnd returns the exclusive end of a range scan covering every
// key with the given prefix: the prefix with its last byte incremented,
// carrying as needed. It returns ok=false if the prefix is all 0xFF bytes
// (the range would overflow the tag space), in which case callers should
// treat the range as unbounded-above within the tag or short-circuit to
// an empty result if a hard upper bound is required.
func PrefixRangeEnd(prefix []byte) (end []byte, ok bool) {
	end = make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] != 0xFF {
			end[i]++
			return end[:i+1], true
		}
	}
	return nil, false
}

// TagPrefix returns the single-byte prefix selecting all keys of tag t.
func TagPrefix(t Tag) []byte { return []byte{byte(t)} }

// EncodeStreamIdMappingValue packs the reverse (basin, stream) mapping
// stored at StreamIdMappingKey(id), using the same basin\0stream layout
// as StreamMetaKey's suffix so both can share one decoder.
func EncodeStreamIdMappingValue(basin, stream string) []byte {
	out := make([]byte, 0, len(basin)+1+len(stream))
	out = append(out, basin...)
	out = append(out, 0x00)
	out = append(out, stream...)
	return out
}

// DecodeStreamIdMappingValue splits a StreamIdMapping value back into
// (basin, stream). It fails if the separator is missing, which never
// happens for a value this package wrote.
func DecodeStreamIdMappingValue(v []byte) (basin, stream string, ok bool) {
	for i, b := range v {
		if b == 0x00 {
			return string(v[:i]), string(v[i+1:]), true
		}
	}
	return "", "", false
}
