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

// Package storeinit selects and constructs a kvstore.Store backend from
// Options, so a deployment can pick mem/badger/redis without the caller
// wiring driver-specific types.
package storeinit

import (
	"fmt"

	redis "github.com/redis/go-redis/v9"

	"streamlite/internal/engine/kvstore"
	"streamlite/internal/engine/kvstore/badgerstore"
	"streamlite/internal/engine/kvstore/memstore"
	"streamlite/internal/engine/kvstore/redisstore"
)

// Build constructs a kvstore.Store based on opts.Adapter.
//
// Supported adapters:
//   - "" / "mem": in-process ordered map (default; tests and local dev)
//   - "badger": embedded single-node LSM store
//   - "redis": shared remote store (metadata read-modify-write paths are
//     unsupported on this adapter; pair with badger/mem for those, or run
//     a single-node deployment where redis is record-data-only)
func Build(opts kvstore.Options) (kvstore.Store, error) {
	switch opts.Adapter {
	case "", "mem":
		return memstore.New(), nil
	case "badger":
		return badgerstore.Open(badgerstore.Config{
			Path:        opts.BadgerPath,
			InMemory:    opts.BadgerInMemory,
			MaxMemoryMB: opts.BadgerMaxMemoryMB,
		})
	case "redis":
		if opts.RedisAddr == "" {
			return nil, fmt.Errorf("storeinit: redis adapter requires RedisAddr")
		}
		client := redis.NewClient(&redis.Options{Addr: opts.RedisAddr})
		return redisstore.NewWithClient(client), nil
	default:
		return nil, fmt.Errorf("storeinit: unknown adapter %q", opts.Adapter)
	}
}
