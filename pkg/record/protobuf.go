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
	"google.golang.org/protobuf/encoding/protowire"
)

// Wire field numbers for the hand-rolled SequencedRecord protobuf message.
// There is no .proto source: the wire shape is fixed here and encoded/decoded
// directly with protowire, which is the same low-level machinery generated
// code would use.
const (
	fieldSeqNum     protowire.Number = 1
	fieldTimestamp  protowire.Number = 2
	fieldKind       protowire.Number = 3
	fieldCommandOp  protowire.Number = 4
	fieldFenceToken protowire.Number = 5
	fieldTrimSeq    protowire.Number = 6
	fieldHeader     protowire.Number = 7 // repeated sub-message
	fieldBody       protowire.Number = 8

	headerFieldName  protowire.Number = 1
	headerFieldValue protowire.Number = 2
)

// EncodeProto renders a SequencedRecord as a protobuf-wire-format message,
// the "(b) protobuf (binary)" record representation named in the external
// interface surface.
func EncodeProto(sr SequencedRecord) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldSeqNum, protowire.VarintType)
	b = protowire.AppendVarint(b, sr.SeqNum)
	b = protowire.AppendTag(b, fieldTimestamp, protowire.VarintType)
	b = protowire.AppendVarint(b, sr.Timestamp)
	b = protowire.AppendTag(b, fieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(sr.Rec.Kind))

	switch sr.Rec.Kind {
	case KindCommand:
		c := sr.Rec.Command
		b = protowire.AppendTag(b, fieldCommandOp, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(c.Op))
		switch c.Op {
		case OpFence:
			b = protowire.AppendTag(b, fieldFenceToken, protowire.BytesType)
			b = protowire.AppendBytes(b, []byte(c.FenceToken))
		case OpTrim:
			b = protowire.AppendTag(b, fieldTrimSeq, protowire.VarintType)
			b = protowire.AppendVarint(b, c.TrimSeqNum)
		}
	case KindEnvelope:
		e := sr.Rec.Envelope
		for _, h := range e.Headers {
			var hb []byte
			hb = protowire.AppendTag(hb, headerFieldName, protowire.BytesType)
			hb = protowire.AppendBytes(hb, h.Name)
			hb = protowire.AppendTag(hb, headerFieldValue, protowire.BytesType)
			hb = protowire.AppendBytes(hb, h.Value)
			b = protowire.AppendTag(b, fieldHeader, protowire.BytesType)
			b = protowire.AppendBytes(b, hb)
		}
		b = protowire.AppendTag(b, fieldBody, protowire.BytesType)
		b = protowire.AppendBytes(b, e.Body)
	}
	return b
}

// DecodeProto parses a message produced by EncodeProto.
func DecodeProto(b []byte) (SequencedRecord, error) {
	var sr SequencedRecord
	var kind Kind
	var cmd Command
	var env Envelope
	haveCmd, haveEnv := false, false

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return SequencedRecord{}, errInvalid("proto", "bad tag")
		}
		b = b[n:]
		switch num {
		case fieldSeqNum:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return SequencedRecord{}, errTruncated("seq_num")
			}
			sr.SeqNum = v
			b = b[n:]
		case fieldTimestamp:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return SequencedRecord{}, errTruncated("timestamp")
			}
			sr.Timestamp = v
			b = b[n:]
		case fieldKind:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return SequencedRecord{}, errTruncated("kind")
			}
			kind = Kind(v)
			b = b[n:]
		case fieldCommandOp:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return SequencedRecord{}, errTruncated("command_op")
			}
			cmd.Op = CommandOp(v)
			haveCmd = true
			b = b[n:]
		case fieldFenceToken:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return SequencedRecord{}, errTruncated("fence_token")
			}
			cmd.FenceToken = string(v)
			b = b[n:]
		case fieldTrimSeq:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return SequencedRecord{}, errTruncated("trim_seq_num")
			}
			cmd.TrimSeqNum = v
			b = b[n:]
		case fieldHeader:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return SequencedRecord{}, errTruncated("header")
			}
			h, err := decodeProtoHeader(v)
			if err != nil {
				return SequencedRecord{}, err
			}
			env.Headers = append(env.Headers, h)
			haveEnv = true
			b = b[n:]
		case fieldBody:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return SequencedRecord{}, errTruncated("body")
			}
			env.Body = v
			haveEnv = true
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return SequencedRecord{}, errInvalid("proto", "unknown field")
			}
			b = b[n:]
		}
	}

	switch kind {
	case KindCommand:
		if !haveCmd {
			return SequencedRecord{}, errInvalid("proto", "missing command fields")
		}
		sr.Rec = NewCommandRecord(cmd)
	case KindEnvelope:
		_ = haveEnv
		sr.Rec = NewEnvelopeRecord(env)
	default:
		return SequencedRecord{}, errInvalid("kind", "unknown record type")
	}
	sr.MeteredSize = sr.Rec.MeteredSize()
	return sr, nil
}

func decodeProtoHeader(b []byte) (Header, error) {
	var h Header
	for len(b) > 0 {
		num, _, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Header{}, errInvalid("header", "bad tag")
		}
		b = b[n:]
		switch num {
		case headerFieldName:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Header{}, errTruncated("header.name")
			}
			h.Name = v
			b = b[n:]
		case headerFieldValue:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Header{}, errTruncated("header.value")
			}
			h.Value = v
			b = b[n:]
		default:
			return Header{}, errInvalid("header", "unknown field")
		}
	}
	return h, nil
}
