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

const namespace = "streamload"

// Label constants.
const (
	LblType   = "type"
	LblResult = "result"
	LblNode   = "node"
	LblName   = "name"
	LblReason = "reason"

	LblOK    = "ok"
	LblError = "error"

	LabelWorkerPool = "worker-pool"
	LabelSerialPool = "serial-pool"
	LabelScheduler  = "scheduler"
	LabelTransport  = "transport"
	LabelServer     = "server"
)

var constLabels prometheus.Labels

func init() {
	InitMetrics()
}

// SetConstLabels sets constant labels attached to every metric created
// afterwards. Call InitMetrics to recreate the collectors.
func SetConstLabels(kv ...string) {
	if len(kv)%2 == 1 {
		panic("SetConstLabels requires an even number of arguments")
	}
	constLabels = make(prometheus.Labels, len(kv)/2)
	for i := 0; i < len(kv); i += 2 {
		constLabels[kv[i]] = kv[i+1]
	}
}

// InitMetrics creates every collector of the module.
func InitMetrics() {
	InitSinkMetrics()
	InitStreamMetrics()
	InitServerMetrics()
}

// RegisterMetrics registers every collector to reg.
func RegisterMetrics(reg prometheus.Registerer) {
	for _, c := range collectors() {
		reg.MustRegister(c)
	}
}

// UnregisterMetrics unregisters every collector from reg.
func UnregisterMetrics(reg prometheus.Registerer) {
	for _, c := range collectors() {
		reg.Unregister(c)
	}
}

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		SinkRowsCounter,
		FlyingTasksGauge,
		FlyingMemtablesGauge,
		SinkCloseDuration,
		TabletOutcomeCounter,
		WorkerPoolRunningGauge,
		PanicCounter,
		StreamBytesSentCounter,
		StreamFailureCounter,
		StreamOpenGauge,
		StreamRetransmitCounter,
		OpenLoadStreamsGauge,
		ServerReceivedBytesCounter,
		SegmentFlushCounter,
		RejectedRequestCounter,
		ServerEventCounter,
	}
}

// NewCounter wraps a prometheus.NewCounter.
func NewCounter(opts prometheus.CounterOpts) prometheus.Counter {
	opts.Namespace = namespace
	opts.ConstLabels = constLabels
	return prometheus.NewCounter(opts)
}

// NewCounterVec wraps a prometheus.NewCounterVec.
func NewCounterVec(opts prometheus.CounterOpts, labelNames []string) *prometheus.CounterVec {
	opts.Namespace = namespace
	opts.ConstLabels = constLabels
	return prometheus.NewCounterVec(opts, labelNames)
}

// NewGauge wraps a prometheus.NewGauge.
func NewGauge(opts prometheus.GaugeOpts) prometheus.Gauge {
	opts.Namespace = namespace
	opts.ConstLabels = constLabels
	return prometheus.NewGauge(opts)
}

// NewGaugeVec wraps a prometheus.NewGaugeVec.
func NewGaugeVec(opts prometheus.GaugeOpts, labelNames []string) *prometheus.GaugeVec {
	opts.Namespace = namespace
	opts.ConstLabels = constLabels
	return prometheus.NewGaugeVec(opts, labelNames)
}

// NewHistogramVec wraps a prometheus.NewHistogramVec.
func NewHistogramVec(opts prometheus.HistogramOpts, labelNames []string) *prometheus.HistogramVec {
	opts.Namespace = namespace
	opts.ConstLabels = constLabels
	return prometheus.NewHistogramVec(opts, labelNames)
}

// RetLabel returns "ok" for a nil err and "error" otherwise.
func RetLabel(err error) string {
	if err == nil {
		return LblOK
	}
	return LblError
}
