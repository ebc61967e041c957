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

package telemetry

import (
	"log"
	"os"
)

// Logger is the engine's plain stdlib logger, timestamped to the
// microsecond so interleaved Streamer goroutines stay distinguishable.
var Logger = log.New(os.Stderr, "", log.LstdFlags|log.Lmicroseconds)

func Infof(format string, args ...any)  { Logger.Printf("INFO  "+format, args...) }
func Warnf(format string, args ...any)  { Logger.Printf("WARN  "+format, args...) }
func Errorf(format string, args ...any) { Logger.Printf("ERROR "+format, args...) }
