// Copyright 2025 AxonFlow
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

package gateway

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus metrics
var (
	promCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "axonflow_gateway_calls_total",
			Help: "Total number of calls through the query pipeline",
		},
		[]string{"call_kind", "status"},
	)
	promCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "axonflow_gateway_call_duration_milliseconds",
			Help:    "End-to-end call duration in milliseconds",
			Buckets: []float64{10, 50, 100, 200, 500, 1000, 2000, 5000, 10000, 30000},
		},
		[]string{"call_kind"},
	)
	promErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "axonflow_gateway_errors_total",
			Help: "Total number of failed calls by error kind",
		},
		[]string{"kind"},
	)
	promPoolOpen = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "axonflow_gateway_pool_open_connections",
			Help: "Open pooled connections per agent",
		},
		[]string{"agent_id"},
	)
	promPoolWaiters = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "axonflow_gateway_pool_waiters",
			Help: "Callers waiting on a pooled connection per agent",
		},
		[]string{"agent_id"},
	)
	promAuditQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "axonflow_gateway_audit_queue_depth",
			Help: "Events buffered in the audit queue",
		},
	)
)

var registerMetricsOnce sync.Once

// RegisterMetrics registers the gateway collectors with the default
// registry. Safe to call from multiple constructors.
func RegisterMetrics() {
	registerMetricsOnce.Do(func() {
		prometheus.MustRegister(promCallsTotal)
		prometheus.MustRegister(promCallDuration)
		prometheus.MustRegister(promErrorsTotal)
		prometheus.MustRegister(promPoolOpen)
		prometheus.MustRegister(promPoolWaiters)
		prometheus.MustRegister(promAuditQueueDepth)
	})
}

func observeCall(callKind, status string, durationMS float64) {
	promCallsTotal.WithLabelValues(callKind, status).Inc()
	promCallDuration.WithLabelValues(callKind).Observe(durationMS)
}

func observeError(kind ErrorKind) {
	promErrorsTotal.WithLabelValues(string(kind)).Inc()
}

// ObservePoolStats publishes pool gauges from a stats snapshot.
func ObservePoolStats(stats map[string]PoolStats) {
	for agentID, s := range stats {
		promPoolOpen.WithLabelValues(agentID).Set(float64(s.Open))
		promPoolWaiters.WithLabelValues(agentID).Set(float64(s.Waiters))
	}
}

// ObserveAuditQueueDepth publishes the audit queue depth gauge.
func ObserveAuditQueueDepth(depth int) {
	promAuditQueueDepth.Set(float64(depth))
}
