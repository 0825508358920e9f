package storage

import (
	"context"
	"time"

	. "github.com/janelia-flyem/go/gocheck"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/janelia-flyem/slidetile/slide"
)

func counterValue(c *C, counter prometheus.Counter) float64 {
	var m dto.Metric
	c.Assert(counter.Write(&m), IsNil)
	return m.GetCounter().GetValue()
}

func (s *DataSuite) TestChunkMonitor(c *C) {
	ctx := context.Background()
	g, err := CreateGroup(ctx, s.store, "monitored", GroupAttributes{TileSize: slide.TileSize, Status: StatusConverting})
	c.Assert(err, IsNil)
	a, err := g.CreateArray(ctx, "0", tileSpec(0, "raw"))
	c.Assert(err, IsNil)

	writes := counterValue(c, ChunkOps.WithLabelValues("write"))
	written := counterValue(c, ChunkBytes.WithLabelValues("write"))
	reads := counterValue(c, ChunkOps.WithLabelValues("read"))
	fills := counterValue(c, ChunkOps.WithLabelValues("fill"))

	index := []uint64{0, 0, 0, 0, 0}
	c.Assert(a.WriteChunk(ctx, index, make([]byte, a.ChunkBytes())), IsNil)
	_, err = a.ReadChunk(ctx, index)
	c.Assert(err, IsNil)
	_, err = a.ReadChunk(ctx, []uint64{0, 1, 0, 1, 1})
	c.Assert(err, IsNil)

	c.Assert(counterValue(c, ChunkOps.WithLabelValues("write"))-writes, Equals, 1.0)
	c.Assert(counterValue(c, ChunkBytes.WithLabelValues("write"))-written, Equals, float64(a.ChunkBytes()))
	c.Assert(counterValue(c, ChunkOps.WithLabelValues("read"))-reads, Equals, 1.0)
	c.Assert(counterValue(c, ChunkOps.WithLabelValues("fill"))-fills, Equals, 1.0)
}

func (s *DataSuite) TestIOStatsRoll(c *C) {
	monitor.Lock()
	monitor.current = IOStats{GetsPerSec: 5, BytesReadPerSec: 500}
	monitor.tick = time.Now().Add(-1500 * time.Millisecond)
	monitor.Unlock()
	stats := CurrentIOStats()
	c.Assert(stats.GetsPerSec, Equals, int64(5))
	c.Assert(stats.BytesReadPerSec, Equals, int64(500))

	monitor.Lock()
	monitor.current = IOStats{GetsPerSec: 7}
	monitor.tick = time.Now().Add(-5 * time.Second)
	monitor.Unlock()
	c.Assert(CurrentIOStats(), Equals, IOStats{})
}
