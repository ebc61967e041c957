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
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// TimestampingMode controls how a Streamer assigns record timestamps.
type TimestampingMode string

const (
	TimestampingClientPrefer TimestampingMode = "client_prefer"
	TimestampingClientRequire TimestampingMode = "client_require"
	TimestampingArrival       TimestampingMode = "arrival"
)

// StreamConfig is the effective, fully-resolved per-stream configuration.
// The JSON field set is canonical: it is hashed to build idempotency
// fingerprints, so adding or renaming a field is a forward-compatibility
// hazard shared with BasinConfig below.
type StreamConfig struct {
	StorageClass      string           `json:"storage_class"`
	RetentionAgeSecs  uint64           `json:"retention_age_secs"` // 0 means infinite
	TimestampingMode  TimestampingMode `json:"timestamping_mode"`
	UncappedTimestamp bool             `json:"uncapped_timestamp"`
	DoeMinAgeSecs     uint64           `json:"doe_min_age_secs"` // 0 disables delete-on-empty
}

// StreamConfigPatch is a sparse tristate update: a nil field is
// "unspecified" (leave as-is); callers distinguish "clear" from "set" with
// explicit zero values for the field type, since every field here has a
// meaningful zero state (the reconfigure wire format uses presence: the
// pointer fields carry `omitempty`, which drops only nil fields, so a set
// zero value still appears when a caller serializes the patch directly).
type StreamConfigPatch struct {
	StorageClass      *string           `json:"storage_class,omitempty"`
	RetentionAgeSecs  *uint64           `json:"retention_age_secs,omitempty"`
	TimestampingMode  *TimestampingMode `json:"timestamping_mode,omitempty"`
	UncappedTimestamp *bool             `json:"uncapped_timestamp,omitempty"`
	DoeMinAgeSecs     *uint64           `json:"doe_min_age_secs,omitempty"`
}

// Apply merges the patch into cfg, returning the updated config.
func (p StreamConfigPatch) Apply(cfg StreamConfig) StreamConfig {
	if p.StorageClass != nil {
		cfg.StorageClass = *p.StorageClass
	}
	if p.RetentionAgeSecs != nil {
		cfg.RetentionAgeSecs = *p.RetentionAgeSecs
	}
	if p.TimestampingMode != nil {
		cfg.TimestampingMode = *p.TimestampingMode
	}
	if p.UncappedTimestamp != nil {
		cfg.UncappedTimestamp = *p.UncappedTimestamp
	}
	if p.DoeMinAgeSecs != nil {
		cfg.DoeMinAgeSecs = *p.DoeMinAgeSecs
	}
	return cfg
}

// BasinConfig holds basin-level defaults plus the two independent
// auto-create flags (on append, on read).
type BasinConfig struct {
	DefaultStreamConfig StreamConfig `json:"default_stream_config"`
	CreateStreamOnAppend bool        `json:"create_stream_on_append"`
	CreateStreamOnRead   bool        `json:"create_stream_on_read"`
}

type BasinConfigPatch struct {
	DefaultStreamConfig *StreamConfigPatch `json:"default_stream_config,omitempty"`
	CreateStreamOnAppend *bool             `json:"create_stream_on_append,omitempty"`
	CreateStreamOnRead   *bool             `json:"create_stream_on_read,omitempty"`
}

func (p BasinConfigPatch) Apply(cfg BasinConfig) BasinConfig {
	if p.DefaultStreamConfig != nil {
		cfg.DefaultStreamConfig = p.DefaultStreamConfig.Apply(cfg.DefaultStreamConfig)
	}
	if p.CreateStreamOnAppend != nil {
		cfg.CreateStreamOnAppend = *p.CreateStreamOnAppend
	}
	if p.CreateStreamOnRead != nil {
		cfg.CreateStreamOnRead = *p.CreateStreamOnRead
	}
	return cfg
}

// BasinMeta is the BasinMeta-tag value.
type BasinMeta struct {
	Name               string       `json:"name"`
	Config             BasinConfig  `json:"config"`
	CreatedAtUnixMilli  int64       `json:"created_at_unix_milli"`
	DeletedAtUnixMilli  *int64      `json:"deleted_at_unix_milli,omitempty"`
	IdempotencyFingerprint string   `json:"idempotency_fingerprint,omitempty"`
}

// StreamMeta is the StreamMeta-tag value.
type StreamMeta struct {
	Basin              string       `json:"basin"`
	Stream             string       `json:"stream"`
	Config             StreamConfig `json:"config"`
	CreatedAtUnixMilli int64        `json:"created_at_unix_milli"`
	DeletedAtUnixMilli *int64       `json:"deleted_at_unix_milli,omitempty"`
	IdempotencyFingerprint string   `json:"idempotency_fingerprint,omitempty"`
}

// StreamTailPositionValue is the StreamTailPosition-tag value.
type StreamTailPositionValue struct {
	SeqNum        uint64 `json:"seq_num"`
	Timestamp     uint64 `json:"timestamp"`
	WriteTsSecs   uint64 `json:"write_ts_secs"`
}

// StreamTrimPointValue is the StreamTrimPoint-tag value: a half-open
// ..End range. MaxEnd is the terminal tombstone.
type StreamTrimPointValue struct {
	End uint64 `json:"end"`
}

const MaxEnd = ^uint64(0)

// StreamDoeDeadlineValue is the StreamDoeDeadline-tag value: the min-age
// that was in effect when this deadline was armed, carried along so the
// delete-on-empty loop can re-derive the write-timestamp threshold for
// whichever deadline in a group turns out to be the latest.
type StreamDoeDeadlineValue struct {
	MinAgeSecs uint64 `json:"min_age_secs"`
}

// Fingerprint hashes an idempotency token together with the canonical JSON
// of the resource's config, matching the spec's "hash of (token,
// canonical-json-of-config)" idempotency key. Canonical here means: the
// struct's JSON field order as declared (Go's encoding/json already emits
// struct fields in declaration order, so no extra key-sorting is needed
// for our fixed-shape configs).
func Fingerprint(token string, config any) (string, error) {
	b, err := json.Marshal(config)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	_, _ = h.Write([]byte(token))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(b)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// SortedStreamNames is a small helper used by the backend's stream listing
// to present a deterministic listing order matching key order in the store.
func SortedStreamNames(names []string) []string {
	out := append([]string(nil), names...)
	sort.Strings(out)
	return out
}
