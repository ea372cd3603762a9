/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	crmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"
)

const metricsNamespace = "executor_scheduler"

// These metrics group the core's Prometheus instrumentation, giving the
// allocator's reconcile loop and the state aggregate an observability
// surface alongside their reconciliation logic.
var (
	tickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Subsystem: "allocator",
		Name:      "tick_duration_seconds",
		Help:      "Duration of a single allocator reconcile tick.",
		Buckets:   prometheus.DefBuckets,
	})
	podsCreatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "allocator",
		Name:      "pods_created_total",
		Help:      "Number of executor pods successfully submitted to the cluster.",
	})
	podsCreateFailedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "allocator",
		Name:      "pods_create_failed_total",
		Help:      "Number of executor pod creation attempts the cluster rejected.",
	})
	podsReapedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "allocator",
		Name:      "pods_reaped_total",
		Help:      "Number of executors reaped, labelled by whether the exit was application-caused.",
	}, []string{"caused_by_app"})
	executorsAllocated = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: "state",
		Name:      "executors_allocated",
		Help:      "Current size of executorsToPods.",
	})
	pendingRemovals = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: "state",
		Name:      "pending_removals",
		Help:      "Current size of pendingRemoval.",
	})
)

func init() {
	crmetrics.Registry.MustRegister(
		tickDuration,
		podsCreatedTotal,
		podsCreateFailedTotal,
		podsReapedTotal,
		executorsAllocated,
		pendingRemovals,
	)
}

func recordReaped(causedByApp bool) {
	label := "false"
	if causedByApp {
		label = "true"
	}
	podsReapedTotal.WithLabelValues(label).Inc()
}
