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

package kvstore

// Options configures Build's adapter selection. Only the fields relevant
// to the selected Adapter need be set.
type Options struct {
	Adapter string // "mem" (default), "badger", "redis"

	BadgerPath        string
	BadgerInMemory    bool
	BadgerMaxMemoryMB int64

	RedisAddr string
}
