/*
	This file implements a monitor for chunk I/O.  Counters are exported to
	Prometheus and the per-second tallies are kept for server status.
*/

package storage

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ChunkBytes counts encoded chunk bytes moved to and from array stores.
	ChunkBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "slidetile_chunk_bytes_total",
		Help: "Encoded chunk bytes read from or written to array stores.",
	}, []string{"op"})

	// ChunkOps counts chunk reads, writes and reads of never-written chunks.
	ChunkOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "slidetile_chunk_ops_total",
		Help: "Chunk operations against array stores.",
	}, []string{"op"})
)

// IOStats holds the chunk traffic of the last full second.
type IOStats struct {
	BytesReadPerSec    int64 `json:"bytes_read_per_sec"`
	BytesWrittenPerSec int64 `json:"bytes_written_per_sec"`
	GetsPerSec         int64 `json:"gets_per_sec"`
	PutsPerSec         int64 `json:"puts_per_sec"`
}

var monitor = struct {
	sync.Mutex
	current, last IOStats
	tick          time.Time
}{tick: time.Now()}

// roll moves the current tallies to last when a second has passed.
// Call with the monitor locked.
func roll(now time.Time) {
	elapsed := now.Sub(monitor.tick)
	if elapsed < time.Second {
		return
	}
	if elapsed < 2*time.Second {
		monitor.last = monitor.current
	} else {
		monitor.last = IOStats{}
	}
	monitor.current = IOStats{}
	monitor.tick = now.Truncate(time.Second)
}

func recordRead(n int) {
	ChunkBytes.WithLabelValues("read").Add(float64(n))
	ChunkOps.WithLabelValues("read").Inc()
	monitor.Lock()
	roll(time.Now())
	monitor.current.BytesReadPerSec += int64(n)
	monitor.current.GetsPerSec++
	monitor.Unlock()
}

func recordFill() {
	ChunkOps.WithLabelValues("fill").Inc()
}

func recordWrite(n int) {
	ChunkBytes.WithLabelValues("write").Add(float64(n))
	ChunkOps.WithLabelValues("write").Inc()
	monitor.Lock()
	roll(time.Now())
	monitor.current.BytesWrittenPerSec += int64(n)
	monitor.current.PutsPerSec++
	monitor.Unlock()
}

// CurrentIOStats returns the chunk traffic of the last full second.
func CurrentIOStats() IOStats {
	monitor.Lock()
	defer monitor.Unlock()
	roll(time.Now())
	return monitor.last
}
