// Copyright 2025 PingCAP, Inc.
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

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Row counter types.
const (
	RowsInput    = "input"
	RowsOutput   = "output"
	RowsFiltered = "filtered"
	RowsSkipped  = "skipped"
)

// Sink metrics.
var (
	SinkRowsCounter        *prometheus.CounterVec
	FlyingTasksGauge       prometheus.Gauge
	FlyingMemtablesGauge   prometheus.Gauge
	SinkCloseDuration      *prometheus.HistogramVec
	TabletOutcomeCounter   *prometheus.CounterVec
	WorkerPoolRunningGauge *prometheus.GaugeVec
	PanicCounter           *prometheus.CounterVec
)

// InitSinkMetrics initializes sink metrics.
func InitSinkMetrics() {
	SinkRowsCounter = NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: "sink",
			Name:      "rows_total",
			Help:      "Counter of rows seen by sinks.",
		}, []string{LblType})

	FlyingTasksGauge = NewGauge(
		prometheus.GaugeOpts{
			Subsystem: "sink",
			Name:      "flying_tasks",
			Help:      "Number of write tasks submitted but not finished.",
		})

	FlyingMemtablesGauge = NewGauge(
		prometheus.GaugeOpts{
			Subsystem: "sink",
			Name:      "flying_memtables",
			Help:      "Number of memtables being flushed.",
		})

	SinkCloseDuration = NewHistogramVec(
		prometheus.HistogramOpts{
			Subsystem: "sink",
			Name:      "close_duration_seconds",
			Help:      "Bucketed histogram of the time (s) spent closing a sink.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 20), // 1ms ~ 524s
		}, []string{LblResult})

	TabletOutcomeCounter = NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: "sink",
			Name:      "tablet_outcome_total",
			Help:      "Counter of tablet replica outcomes.",
		}, []string{LblResult})

	WorkerPoolRunningGauge = NewGaugeVec(
		prometheus.GaugeOpts{
			Subsystem: "pool",
			Name:      "running_tasks",
			Help:      "Number of tasks running in worker pools.",
		}, []string{LblName})

	PanicCounter = NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: "pool",
			Name:      "panic_total",
			Help:      "Counter of recovered panics.",
		}, []string{LblType})
}
