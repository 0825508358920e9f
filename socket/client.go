package socket

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
	"nhooyr.io/websocket"
)

// client is one open viewer connection.
type client struct {
	id       string
	identity string
	conn     *websocket.Conn

	// ctx ends when the connection closes; every dispatched fetch derives from it.
	ctx    context.Context
	cancel context.CancelFunc

	direct    chan []byte
	broadcast chan []byte

	limiter  *rate.Limiter
	inflight *semaphore.Weighted

	// wg covers the write loop and dispatched tile fetches.
	wg sync.WaitGroup
}

// enqueue places a frame on the direct queue, preserving the order of direct frames.
func (c *client) enqueue(frame []byte) bool {
	select {
	case c.direct <- frame:
		return true
	case <-c.ctx.Done():
		FramesTotal.WithLabelValues("out", "orphaned").Inc()
		return false
	}
}
