/*
Copyright The MongoDB Backup System Contributors

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

// Package metrics contains metrics for the task runners
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// TasksRunTotal is a counter for the tasks executed, by kind and strategy
	TasksRunTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mbs_tasks_run_total",
			Help: "Total number of task runs",
		},
		[]string{"kind", "strategy"},
	)

	// TasksFailedTotal is a counter for failed task runs, split by whether
	// the failure was retriable
	TasksFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mbs_tasks_failed_total",
			Help: "Total number of failed task runs",
		},
		[]string{"kind", "strategy", "retriable"},
	)

	// PhaseRetriesTotal is a counter for inline phase retries
	PhaseRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mbs_phase_retries_total",
			Help: "Total number of inline phase retries",
		},
		[]string{"phase"},
	)

	// BackupRateMBPS is a histogram of the observed backup rates
	BackupRateMBPS = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name: "mbs_backup_rate_mbps",
			Help: "Backup rate in megabytes per second",
			Buckets: []float64{
				1, 5, 10, 25, 50, 100, 250, 500,
			},
		},
	)

	// TaskDurationSeconds is a histogram of task run durations
	TaskDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "mbs_task_duration_seconds",
			Help: "Duration of task runs in seconds",
			Buckets: []float64{
				10, 30, 60, 300, 600, 1800, 3600, 7200,
			},
		},
		[]string{"kind", "strategy"},
	)
)

// Register registers the task metrics with the given registry
func Register(registry prometheus.Registerer) {
	registry.MustRegister(
		TasksRunTotal,
		TasksFailedTotal,
		PhaseRetriesTotal,
		BackupRateMBPS,
		TaskDurationSeconds,
	)
}

// RecordRun increments the run counter
func RecordRun(kind, strategy string) {
	TasksRunTotal.WithLabelValues(kind, strategy).Inc()
}

// RecordFailure increments the failure counter
func RecordFailure(kind, strategy string, retriable bool) {
	label := "false"
	if retriable {
		label = "true"
	}
	TasksFailedTotal.WithLabelValues(kind, strategy, label).Inc()
}

// RecordPhaseRetry increments the inline retry counter for a phase
func RecordPhaseRetry(phase string) {
	PhaseRetriesTotal.WithLabelValues(phase).Inc()
}

// RecordBackupRate observes a backup rate sample
func RecordBackupRate(rateMBPS float64) {
	BackupRateMBPS.Observe(rateMBPS)
}

// RecordDuration observes a task duration sample
func RecordDuration(kind, strategy string, seconds float64) {
	TaskDurationSeconds.WithLabelValues(kind, strategy).Observe(seconds)
}
