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

// Package redisstore is a shared-remote-store kvstore.Store backend. Every
// key also lives in a single sorted set so range scans can use
// ZRANGEBYLEX, and batch writes apply through one Lua EVAL for atomicity,
// applying a whole batch in one round trip.
package redisstore

import (
	"context"
	"errors"
	"fmt"

	redis "github.com/redis/go-redis/v9"

	"streamlite/internal/engine/kvstore"
)

const keyIndexSet = "s2:keyindex"

// Evaler abstracts the minimal surface needed from a Redis client so tests
// can substitute a fake without a live server.
type Evaler interface {
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error)
	Get(ctx context.Context, key string) (string, error)
	ZRangeByLex(ctx context.Context, key string, min, max string, offset, count int64) ([]string, error)
	MGet(ctx context.Context, keys ...string) ([]interface{}, error)
}

type Store struct {
	ev Evaler
}

func New(ev Evaler) *Store { return &Store{ev: ev} }

// NewWithClient wraps a real go-redis client.
func NewWithClient(c *redis.Client) *Store { return &Store{ev: goRedisEvaler{c}} }

type goRedisEvaler struct{ c *redis.Client }

func (g goRedisEvaler) Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	return g.c.Eval(ctx, script, keys, args...).Result()
}

func (g goRedisEvaler) Get(ctx context.Context, key string) (string, error) {
	return g.c.Get(ctx, key).Result()
}

func (g goRedisEvaler) ZRangeByLex(ctx context.Context, key string, min, max string, offset, count int64) ([]string, error) {
	return g.c.ZRangeByLex(ctx, key, &redis.ZRangeBy{Min: min, Max: max, Offset: offset, Count: count}).Result()
}

func (g goRedisEvaler) MGet(ctx context.Context, keys ...string) ([]interface{}, error) {
	return g.c.MGet(ctx, keys...).Result()
}

// batchScript applies an arbitrary set of SET/EXPIRE/DEL ops against the
// value keyspace and maintains the key-index ZSET in one atomic round
// trip. ARGV layout: [numPuts, (key, value, pexpire)*numPuts, numDeletes, (key)*numDeletes].
const batchScript = `
local idx = KEYS[1]
local i = 1
local numPuts = tonumber(ARGV[i]); i = i + 1
for p = 1, numPuts do
  local k = ARGV[i]; i = i + 1
  local v = ARGV[i]; i = i + 1
  local pexpire = tonumber(ARGV[i]); i = i + 1
  redis.call('SET', k, v)
  if pexpire and pexpire > 0 then
    redis.call('PEXPIRE', k, pexpire)
  end
  redis.call('ZADD', idx, 0, k)
end
local numDeletes = tonumber(ARGV[i]); i = i + 1
for d = 1, numDeletes do
  local k = ARGV[i]; i = i + 1
  redis.call('DEL', k)
  redis.call('ZREM', idx, k)
end
return 1
`

func (s *Store) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	v, err := s.ev.Get(ctx, string(key))
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return []byte(v), true, nil
}

func (s *Store) Scan(ctx context.Context, start, end []byte, opts kvstore.ScanOptions) ([]kvstore.KV, error) {
	min := "[" + string(start)
	max := "+"
	if end != nil {
		max = "(" + string(end)
	}
	var count int64 = -1
	if opts.Limit > 0 && !opts.Reverse {
		count = int64(opts.Limit)
	}
	members, err := s.ev.ZRangeByLex(ctx, keyIndexSet, min, max, 0, count)
	if err != nil {
		return nil, err
	}
	if opts.Reverse {
		for i, j := 0, len(members)-1; i < j; i, j = i+1, j-1 {
			members[i], members[j] = members[j], members[i]
		}
		if opts.Limit > 0 && len(members) > opts.Limit {
			members = members[:opts.Limit]
		}
	}
	if len(members) == 0 {
		return nil, nil
	}
	vals, err := s.ev.MGet(ctx, members...)
	if err != nil {
		return nil, err
	}
	out := make([]kvstore.KV, 0, len(members))
	for i, m := range members {
		if vals[i] == nil {
			continue // index/value race with a concurrent delete; skip
		}
		str, ok := vals[i].(string)
		if !ok {
			return nil, fmt.Errorf("redisstore: unexpected MGET value type %T", vals[i])
		}
		out = append(out, kvstore.KV{Key: []byte(m), Value: []byte(str)})
	}
	return out, nil
}

func (s *Store) Write(ctx context.Context, batch kvstore.WriteBatch, awaitDurable bool) error {
	if batch.Empty() {
		return nil
	}
	args := make([]interface{}, 0, 2+3*len(batch.Puts)+len(batch.Deletes))
	args = append(args, len(batch.Puts))
	for _, p := range batch.Puts {
		var pexpire int64
		if !p.TTL.NoExpiry && p.TTL.ExpireAfterMs > 0 {
			pexpire = p.TTL.ExpireAfterMs
		}
		args = append(args, string(p.Key), string(p.Value), pexpire)
	}
	args = append(args, len(batch.Deletes))
	for _, d := range batch.Deletes {
		args = append(args, string(d.Key))
	}
	_, err := s.ev.Eval(ctx, batchScript, []string{keyIndexSet}, args...)
	return err
}

// Begin is unsupported: Redis without RedisJSON/CAS-loop support does not
// give us serializable snapshot isolation cheaply, and the engine only
// routes basin/stream metadata read-modify-write paths through Txn. A
// production deployment pairs redisstore with the badger or memstore
// adapter for metadata and uses Redis only for high-volume record data;
// wiring that split is a deployment-level decision left to the factory.
var ErrTxnUnsupported = errors.New("redisstore: transactions are not supported, pair with a txn-capable metadata store")

func (s *Store) Begin(ctx context.Context) (kvstore.Txn, error) {
	return nil, ErrTxnUnsupported
}

func (s *Store) Close() error { return nil }
