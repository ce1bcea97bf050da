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
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestRegisterMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	RegisterMetrics(reg)
	defer UnregisterMetrics(reg)

	SinkRowsCounter.WithLabelValues(RowsFiltered).Add(3)
	FlyingTasksGauge.Set(2)
	require.Equal(t, 3.0, testutil.ToFloat64(SinkRowsCounter.WithLabelValues(RowsFiltered)))
	require.Equal(t, 2.0, testutil.ToFloat64(FlyingTasksGauge))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]struct{}, len(families))
	for _, f := range families {
		names[f.GetName()] = struct{}{}
	}
	require.Contains(t, names, "streamload_sink_rows_total")
	require.Contains(t, names, "streamload_sink_flying_tasks")
}

func TestConstLabels(t *testing.T) {
	defer func() {
		constLabels = nil
		InitMetrics()
	}()
	SetConstLabels("cluster", "c1")
	InitMetrics()
	StreamRetransmitCounter.Inc()
	require.Equal(t, 1, testutil.CollectAndCount(StreamRetransmitCounter))
	require.Panics(t, func() { SetConstLabels("odd") })
}
