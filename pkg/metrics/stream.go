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

// Stream metrics.
var (
	StreamBytesSentCounter  *prometheus.CounterVec
	StreamFailureCounter    *prometheus.CounterVec
	StreamOpenGauge         prometheus.Gauge
	StreamRetransmitCounter prometheus.Counter
)

// InitStreamMetrics initializes stream transport metrics.
func InitStreamMetrics() {
	StreamBytesSentCounter = NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: "stream",
			Name:      "sent_bytes_total",
			Help:      "Counter of bytes sent to storage nodes.",
		}, []string{LblNode})

	StreamFailureCounter = NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: "stream",
			Name:      "failure_total",
			Help:      "Counter of streams closed abnormally.",
		}, []string{LblNode})

	StreamOpenGauge = NewGauge(
		prometheus.GaugeOpts{
			Subsystem: "stream",
			Name:      "open",
			Help:      "Number of usable streams.",
		})

	StreamRetransmitCounter = NewCounter(
		prometheus.CounterOpts{
			Subsystem: "stream",
			Name:      "retransmit_total",
			Help:      "Counter of messages sent again after their stream closed.",
		})
}
