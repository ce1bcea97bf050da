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

// Server events.
var (
	ServerStart = "server-start"
	ServerStop  = "server-stop"
)

// Load stream server metrics.
var (
	OpenLoadStreamsGauge       prometheus.Gauge
	ServerReceivedBytesCounter prometheus.Counter
	SegmentFlushCounter        *prometheus.CounterVec
	RejectedRequestCounter     *prometheus.CounterVec
	ServerEventCounter         *prometheus.CounterVec
)

// InitServerMetrics initializes server metrics.
func InitServerMetrics() {
	OpenLoadStreamsGauge = NewGauge(
		prometheus.GaugeOpts{
			Subsystem: "server",
			Name:      "load_streams",
			Help:      "Number of open load stream sessions.",
		})

	ServerReceivedBytesCounter = NewCounter(
		prometheus.CounterOpts{
			Subsystem: "server",
			Name:      "received_bytes_total",
			Help:      "Counter of block bytes received.",
		})

	SegmentFlushCounter = NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: "server",
			Name:      "segment_flush_total",
			Help:      "Counter of segments written to tablet writers.",
		}, []string{LblResult})

	RejectedRequestCounter = NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: "server",
			Name:      "rejected_request_total",
			Help:      "Counter of requests rejected by the load stream manager.",
		}, []string{LblReason})

	ServerEventCounter = NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: "server",
			Name:      "event_total",
			Help:      "Counter of server events.",
		}, []string{LblType})
}
