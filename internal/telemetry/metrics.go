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

// Package telemetry holds the engine's Prometheus metrics and its plain
// stdlib logger. Metrics are global (no per-stream label cardinality,
// matching the churn module this is grounded on) and registered eagerly
// so importing the package is enough to make them visible on /metrics.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	AppendsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "streamlite_appends_total",
		Help: "Total append batches sequenced, regardless of durability outcome",
	})
	AppendRecordsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "streamlite_append_records_total",
		Help: "Total records sequenced across all append batches",
	})
	AppendBytesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "streamlite_append_bytes_total",
		Help: "Total metered bytes sequenced across all append batches",
	})
	AppendErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "streamlite_append_errors_total",
		Help: "Total append failures by error kind",
	}, []string{"kind"})
	AppendLatencySeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "streamlite_append_latency_seconds",
		Help:    "End-to-end append latency, from admission to durable ack",
		Buckets: prometheus.DefBuckets,
	})

	ActiveStreamers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "streamlite_active_streamers",
		Help: "Number of Streamer actors currently resident in the backend registry",
	})
	FollowSubscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "streamlite_follow_subscribers",
		Help: "Number of live follow subscriptions across all streams",
	})
	FollowLaggedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "streamlite_follow_lagged_total",
		Help: "Total follow subscriptions dropped for falling behind their backlog",
	})

	HousekeepingSweepsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "streamlite_housekeeping_sweeps_total",
		Help: "Total housekeeping loop iterations by loop name",
	}, []string{"loop"})
	HousekeepingSweepSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "streamlite_housekeeping_sweep_seconds",
		Help:    "Duration of one housekeeping loop iteration by loop name",
		Buckets: prometheus.DefBuckets,
	}, []string{"loop"})

	StorageOpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "streamlite_storage_op_duration_seconds",
		Help:    "Duration of a kvstore operation by op and outcome",
		Buckets: prometheus.DefBuckets,
	}, []string{"op", "outcome"})
)

func init() {
	prometheus.MustRegister(
		AppendsTotal,
		AppendRecordsTotal,
		AppendBytesTotal,
		AppendErrorsTotal,
		AppendLatencySeconds,
		ActiveStreamers,
		FollowSubscribers,
		FollowLaggedTotal,
		HousekeepingSweepsTotal,
		HousekeepingSweepSeconds,
		StorageOpDuration,
	)
}

// ObserveStorageOp records one kvstore call's latency. outcome is "ok" or "error".
func ObserveStorageOp(op string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	StorageOpDuration.WithLabelValues(op, outcome).Observe(time.Since(start).Seconds())
}

// ServeMetrics starts a dedicated /metrics HTTP server in the background.
// Safe to leave unused: callers that already expose Prometheus elsewhere
// should register promhttp.Handler() on their own mux instead.
func ServeMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		_ = server.ListenAndServe()
	}()
}
