// Package metrics provides Prometheus metrics for workers, pools and daemons.
package metrics

import (
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Worker kinds used as label values.
const (
	KindThread  = "thread"
	KindProcess = "process"
)

var (
	workersRunning = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "procvisor",
		Subsystem: "worker",
		Name:      "running",
		Help:      "Workers currently running",
	}, []string{"kind"})

	workerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "procvisor",
		Subsystem: "worker",
		Name:      "failures_total",
		Help:      "Workers that finished with an error",
	}, []string{"kind"})

	poolWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "procvisor",
		Subsystem: "pool",
		Name:      "workers",
		Help:      "Live pool worker processes",
	})

	poolCreateRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "procvisor",
		Subsystem: "pool",
		Name:      "create_retries_total",
		Help:      "Pool creation attempts retried after a transient error",
	})

	poolRespawns = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "procvisor",
		Subsystem: "pool",
		Name:      "worker_respawns_total",
		Help:      "Pool worker processes replaced after dying",
	})

	poolTasks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "procvisor",
		Subsystem: "pool",
		Name:      "tasks_total",
		Help:      "Tasks dispatched to pools by outcome",
	}, []string{"outcome"})

	daemonUp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "procvisor",
		Subsystem: "daemon",
		Name:      "up",
		Help:      "Whether the daemon is running (1) or not (0)",
	}, []string{"daemon_id"})

	daemonKillAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "procvisor",
		Subsystem: "daemon",
		Name:      "kill_attempts_total",
		Help:      "Signals sent while stopping a daemon",
	}, []string{"daemon_id"})

	// Local cache for status tables.
	daemonCache   = make(map[string]*DaemonMetrics)
	daemonCacheMu sync.RWMutex
)

// DaemonMetrics holds current metric values for a daemon.
type DaemonMetrics struct {
	Up           bool
	PID          int
	KillAttempts int
}

// WorkerStarted records a worker of the given kind entering the running state.
func WorkerStarted(kind string) {
	workersRunning.WithLabelValues(kind).Inc()
}

// WorkerFinished records a worker leaving the running state.
func WorkerFinished(kind string, failed bool) {
	workersRunning.WithLabelValues(kind).Dec()
	if failed {
		workerFailures.WithLabelValues(kind).Inc()
	}
}

// AddPoolWorkers adjusts the live pool worker gauge by delta.
func AddPoolWorkers(delta int) {
	poolWorkers.Add(float64(delta))
}

// PoolCreateRetried counts one retried pool creation attempt.
func PoolCreateRetried() {
	poolCreateRetries.Inc()
}

// PoolWorkerRespawned counts one pool worker replaced after it died.
func PoolWorkerRespawned() {
	poolRespawns.Inc()
}

// PoolTaskDone counts a dispatched task by outcome ("ok" or "error").
func PoolTaskDone(outcome string) {
	poolTasks.WithLabelValues(outcome).Inc()
}

// SetDaemonUp records whether a daemon is running.
func SetDaemonUp(id string, pid int, up bool) {
	v := 0.0
	if up {
		v = 1
	}
	daemonUp.WithLabelValues(id).Set(v)
	updateCache(id, func(m *DaemonMetrics) {
		m.Up = up
		m.PID = pid
	})
}

// DaemonKillAttempt counts one signal sent to a daemon.
func DaemonKillAttempt(id string) {
	daemonKillAttempts.WithLabelValues(id).Inc()
	updateCache(id, func(m *DaemonMetrics) { m.KillAttempts++ })
}

// DeleteDaemonMetrics removes all metrics for a daemon.
func DeleteDaemonMetrics(id string) {
	daemonUp.DeleteLabelValues(id)
	daemonKillAttempts.DeleteLabelValues(id)

	daemonCacheMu.Lock()
	delete(daemonCache, id)
	daemonCacheMu.Unlock()
}

// GetDaemonMetrics returns current metric values for a daemon.
func GetDaemonMetrics(id string) *DaemonMetrics {
	daemonCacheMu.RLock()
	defer daemonCacheMu.RUnlock()
	if m, ok := daemonCache[id]; ok {
		dup := *m
		return &dup
	}
	return nil
}

// DaemonIDs returns the ids with cached metrics, sorted.
func DaemonIDs() []string {
	daemonCacheMu.RLock()
	defer daemonCacheMu.RUnlock()
	ids := make([]string, 0, len(daemonCache))
	for id := range daemonCache {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func updateCache(id string, update func(*DaemonMetrics)) {
	daemonCacheMu.Lock()
	defer daemonCacheMu.Unlock()
	m, ok := daemonCache[id]
	if !ok {
		m = &DaemonMetrics{}
		daemonCache[id] = m
	}
	update(m)
}
