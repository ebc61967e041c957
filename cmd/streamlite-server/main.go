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

// Package main is the entry point for the standalone streamlite server: a
// single process exposing the engine's basin/stream/append/read HTTP
// surface over a configurable KV backend, with background housekeeping
// running alongside.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"streamlite/internal/engine/backend"
	"streamlite/internal/engine/housekeeping"
	"streamlite/internal/engine/kvstore"
	"streamlite/internal/engine/storeinit"
	"streamlite/internal/httpapi"
	"streamlite/internal/telemetry"
)

func main() {
	adapter := flag.String("store", "mem", "KV backend adapter: mem, badger, redis")
	badgerPath := flag.String("badger_path", "", "Badger data directory (ignored for mem/redis)")
	badgerInMemory := flag.Bool("badger_in_memory", false, "Run badger fully in-memory (for tests/dev)")
	redisAddr := flag.String("redis_addr", "", "Redis address (required for -store=redis)")

	httpAddr := flag.String("http_addr", ":8080", "HTTP listen address")
	metricsAddr := flag.String("metrics_addr", ":9090", "Prometheus /metrics listen address; empty disables it")

	trimInterval := flag.Duration("trim_interval", 5*time.Second, "Idle backoff between stream-trim sweeps")
	doeInterval := flag.Duration("doe_interval", 10*time.Second, "Idle backoff between delete-on-empty sweeps")
	basinDeletionInterval := flag.Duration("basin_deletion_interval", 15*time.Second, "Idle backoff between basin-deletion sweeps")
	flag.Parse()

	store, err := storeinit.Build(kvstore.Options{
		Adapter:        *adapter,
		BadgerPath:     *badgerPath,
		BadgerInMemory: *badgerInMemory,
		RedisAddr:      *redisAddr,
	})
	if err != nil {
		log.Fatalf("streamlite-server: building kv store: %v", err)
	}
	defer store.Close()

	eng := backend.New(store)

	loops := housekeeping.New(eng, housekeeping.Intervals{
		Trim:          *trimInterval,
		DeleteOnEmpty: *doeInterval,
		BasinDeletion: *basinDeletionInterval,
	})
	loops.Start()

	if *metricsAddr != "" {
		telemetry.ServeMetrics(*metricsAddr)
	}

	mux := http.NewServeMux()
	srv := httpapi.NewServer(eng)
	srv.RegisterRoutes(mux)
	httpServer := &http.Server{
		Addr:         *httpAddr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		telemetry.Infof("streamlite-server: listening on %s", *httpAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("streamlite-server: http server failed: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	telemetry.Infof("streamlite-server: shutting down")
	loops.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Fatalf("streamlite-server: http shutdown failed: %v", err)
	}
	telemetry.Infof("streamlite-server: stopped")
}
