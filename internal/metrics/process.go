// Package metrics provides Prometheus metrics for managed child processes.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "childwatch"
	subsystem = "process"
)

var (
	spawnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "spawns_total",
		Help:      "Children spawned, by execution mode",
	}, []string{"mode"})

	spawnFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "spawn_failures_total",
		Help:      "Spawn attempts that failed before the child started, by execution mode",
	}, []string{"mode"})

	exitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "exits_total",
		Help:      "Finalized children, by outcome",
	}, []string{"outcome"})

	timeoutsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "sync_timeouts_total",
		Help:      "Synchronous waits that gave up before the child exited",
	})

	killSignalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "kill_signals_total",
		Help:      "Signals sent while escalating kills",
	}, []string{"signal"})

	outstanding = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "outstanding",
		Help:      "Asynchronous children registered and not yet reaped",
	})

	sigchldTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "sigchld_deliveries_total",
		Help:      "SIGCHLD deliveries handled by the dispatcher",
	})

	lifetimeSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "lifetime_seconds",
		Help:      "Time from spawn to finalization",
		Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
	}, []string{"outcome"})

	// Local cache for the API summary endpoint.
	cache   = Snapshot{Spawns: map[string]uint64{}, Exits: map[string]uint64{}, Signals: map[string]uint64{}}
	cacheMu sync.RWMutex
)

// Snapshot holds current metric values.
type Snapshot struct {
	Spawns        map[string]uint64
	SpawnFailures uint64
	Exits         map[string]uint64
	Timeouts      uint64
	Signals       map[string]uint64
	Outstanding   int
	Deliveries    uint64
}

// RecordSpawn counts a successful spawn.
func RecordSpawn(mode string) {
	spawnsTotal.WithLabelValues(mode).Inc()
	cacheMu.Lock()
	cache.Spawns[mode]++
	cacheMu.Unlock()
}

// RecordSpawnFailure counts a failed spawn.
func RecordSpawnFailure(mode string) {
	spawnFailuresTotal.WithLabelValues(mode).Inc()
	cacheMu.Lock()
	cache.SpawnFailures++
	cacheMu.Unlock()
}

// RecordExit counts a finalized child and observes its lifetime.
func RecordExit(outcome string, lifetime time.Duration) {
	exitsTotal.WithLabelValues(outcome).Inc()
	lifetimeSeconds.WithLabelValues(outcome).Observe(lifetime.Seconds())
	cacheMu.Lock()
	cache.Exits[outcome]++
	cacheMu.Unlock()
}

// RecordTimeout counts a synchronous wait that timed out.
func RecordTimeout() {
	timeoutsTotal.Inc()
	cacheMu.Lock()
	cache.Timeouts++
	cacheMu.Unlock()
}

// RecordKillSignal counts a signal sent to a child.
func RecordKillSignal(signal string) {
	killSignalsTotal.WithLabelValues(signal).Inc()
	cacheMu.Lock()
	cache.Signals[signal]++
	cacheMu.Unlock()
}

// SetOutstanding sets the number of registered asynchronous children.
func SetOutstanding(n int) {
	outstanding.Set(float64(n))
	cacheMu.Lock()
	cache.Outstanding = n
	cacheMu.Unlock()
}

// RecordSigchld counts a dispatcher wakeup.
func RecordSigchld() {
	sigchldTotal.Inc()
	cacheMu.Lock()
	cache.Deliveries++
	cacheMu.Unlock()
}

// Get returns a copy of the current values.
func Get() Snapshot {
	cacheMu.RLock()
	defer cacheMu.RUnlock()
	dup := cache
	dup.Spawns = copyCounts(cache.Spawns)
	dup.Exits = copyCounts(cache.Exits)
	dup.Signals = copyCounts(cache.Signals)
	return dup
}

func copyCounts(src map[string]uint64) map[string]uint64 {
	dst := make(map[string]uint64, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
