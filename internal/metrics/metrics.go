// Package metrics registers the write-path instrumentation exposed on
// /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CheckInAttempts counts individual write attempts, including retries.
	CheckInAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "schoolattend_checkin_attempts_total",
		Help: "Attendance write attempts, retries included.",
	})

	// CheckInConfirmed counts check-ins confirmed against the primary store.
	CheckInConfirmed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "schoolattend_checkin_confirmed_total",
		Help: "Check-ins verified in the primary store.",
	})

	// CheckInFailures counts exhausted-retry failures by classified reason.
	CheckInFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "schoolattend_checkin_failures_total",
		Help: "Check-in write failures after all retries, by reason.",
	}, []string{"reason"})

	// FallbackWrites counts dual-fallback writes by path (pending or backup).
	FallbackWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "schoolattend_checkin_fallback_writes_total",
		Help: "Fallback writes after primary-store failure, by path.",
	}, []string{"path"})

	// NotifyFailures counts best-effort notification failures.
	NotifyFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "schoolattend_notify_failures_total",
		Help: "Parent notification failures (never fail the check-in).",
	})

	// ResyncReplays counts pending-queue entries replayed by the worker.
	ResyncReplays = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "schoolattend_resync_replays_total",
		Help: "Pending check-in replays, by outcome.",
	}, []string{"outcome"})

	// CheckInDuration observes the end-to-end check-in latency.
	CheckInDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "schoolattend_checkin_duration_seconds",
		Help:    "End-to-end check-in latency including retries.",
		Buckets: prometheus.DefBuckets,
	})
)
