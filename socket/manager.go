/*
Package socket serves tile viewers over websockets.  Each connection runs an
inbound loop that decodes tile requests and dispatches each one onto its own
goroutine, and an outbound loop that merges the connection's direct queue with
registry broadcasts.  Responses arrive in completion order, not request order.
*/
package socket

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/twinj/uuid"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
	"nhooyr.io/websocket"

	"github.com/janelia-flyem/slidetile/message"
	"github.com/janelia-flyem/slidetile/slide"
)

// PlaceholderIdentity is given to connections when no identity layer is configured.
const PlaceholderIdentity = "anonymous"

// Retriever returns the encoded tile bytes for a request.
type Retriever interface {
	RetrieveTile(ctx context.Context, req message.TileRequest) ([]byte, error)
}

// RetrieverFunc adapts a function to the Retriever interface.
type RetrieverFunc func(ctx context.Context, req message.TileRequest) ([]byte, error)

func (f RetrieverFunc) RetrieveTile(ctx context.Context, req message.TileRequest) ([]byte, error) {
	return f(ctx, req)
}

// IdentityFunc derives a client identity from the upgrade request.
type IdentityFunc func(r *http.Request) (string, error)

// Config bounds the work a single connection may cause.
type Config struct {
	// TileTimeout bounds each tile fetch.  Zero disables the timeout.
	TileTimeout time.Duration

	// MaxInflight is the number of tile fetches a connection may run at once.
	MaxInflight int64

	// RequestRate and RequestBurst limit inbound tile requests per connection.
	// A non-positive rate disables limiting.
	RequestRate  float64
	RequestBurst int

	// SendQueue is the capacity of each connection's direct and broadcast queues.
	SendQueue int

	// ReadLimit is the largest inbound frame accepted.
	ReadLimit int64

	WriteTimeout   time.Duration
	OriginPatterns []string
}

// DefaultConfig returns the settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		TileTimeout:    30 * time.Second,
		MaxInflight:    16,
		RequestRate:    0,
		RequestBurst:   64,
		SendQueue:      64,
		ReadLimit:      4 * slide.Kilo,
		WriteTimeout:   10 * time.Second,
		OriginPatterns: []string{"*"},
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxInflight <= 0 {
		c.MaxInflight = def.MaxInflight
	}
	if c.RequestBurst <= 0 {
		c.RequestBurst = def.RequestBurst
	}
	if c.SendQueue <= 0 {
		c.SendQueue = def.SendQueue
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = def.ReadLimit
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if len(c.OriginPatterns) == 0 {
		c.OriginPatterns = def.OriginPatterns
	}
	return c
}

func (c Config) limit() rate.Limit {
	if c.RequestRate <= 0 {
		return rate.Inf
	}
	return rate.Limit(c.RequestRate)
}

// Manager tracks every open connection and is an http.Handler for upgrades.
type Manager struct {
	config    Config
	retriever Retriever
	identify  IdentityFunc

	clients sync.Map // connection id -> *client
	count   atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager returns a manager dispatching tile requests to the retriever.
// A nil identify gives every connection the placeholder identity.
func NewManager(retriever Retriever, identify IdentityFunc, config Config) *Manager {
	if identify == nil {
		identify = func(*http.Request) (string, error) {
			return PlaceholderIdentity, nil
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		config:    config.withDefaults(),
		retriever: retriever,
		identify:  identify,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Len returns the number of registered connections.
func (m *Manager) Len() int {
	return int(m.count.Load())
}

// Identities returns the identity of every registered connection keyed by connection id.
func (m *Manager) Identities() map[string]string {
	ids := make(map[string]string)
	m.clients.Range(func(key, value interface{}) bool {
		ids[key.(string)] = value.(*client).identity
		return true
	})
	return ids
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity, err := m.identify(r)
	if err != nil {
		slide.Infof("rejected viewer connection from %s: %v\n", r.RemoteAddr, err)
		http.Error(w, slide.PublicMessage(err), slide.HTTPStatus(slide.KindOf(err)))
		return
	}
	if m.ctx.Err() != nil {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:  m.config.OriginPatterns,
		CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		slide.Errorf("websocket accept from %s: %v\n", r.RemoteAddr, err)
		return
	}
	conn.SetReadLimit(m.config.ReadLimit)

	c := m.addClient(conn, identity)
	defer m.removeClient(c)

	start := time.Now()
	slide.Infof("viewer %s (%s) connected from %s\n", c.id, identity, r.RemoteAddr)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		m.writeLoop(c)
	}()
	m.readLoop(c)

	c.cancel()
	c.wg.Wait()
	conn.Close(websocket.StatusNormalClosure, "")

	ConnectionDuration.Observe(time.Since(start).Seconds())
	slide.Infof("viewer %s (%s) disconnected after %s\n", c.id, identity, time.Since(start))
}

func (m *Manager) addClient(conn *websocket.Conn, identity string) *client {
	ctx, cancel := context.WithCancel(m.ctx)
	c := &client{
		id:        uuid.NewV4().String(),
		identity:  identity,
		conn:      conn,
		ctx:       ctx,
		cancel:    cancel,
		direct:    make(chan []byte, m.config.SendQueue),
		broadcast: make(chan []byte, m.config.SendQueue),
		limiter:   rate.NewLimiter(m.config.limit(), m.config.RequestBurst),
		inflight:  semaphore.NewWeighted(m.config.MaxInflight),
	}
	m.clients.Store(c.id, c)
	m.count.Add(1)
	m.wg.Add(1)
	ConnectionsActive.Inc()
	ConnectionsTotal.Inc()
	return c
}

// removeClient unregisters the connection so later sends to it are dropped.
func (m *Manager) removeClient(c *client) {
	if _, loaded := m.clients.LoadAndDelete(c.id); loaded {
		m.count.Add(-1)
		ConnectionsActive.Dec()
		m.wg.Done()
	}
	c.cancel()
}

// Send queues a frame for the given connection.  It returns false when the
// connection is gone or its queue cannot take the frame before it closes.
func (m *Manager) Send(id string, msg message.Outbound) bool {
	v, found := m.clients.Load(id)
	if !found {
		slide.Debugf("dropping %T for departed viewer %s\n", msg, id)
		FramesTotal.WithLabelValues("out", "orphaned").Inc()
		return false
	}
	frame, err := msg.MarshalBinary()
	if err != nil {
		slide.Errorf("can't encode %T for viewer %s: %v\n", msg, id, err)
		return false
	}
	return v.(*client).enqueue(frame)
}

// Broadcast queues a frame for every open connection.  A connection whose
// broadcast queue is full misses the frame rather than stalling the others.
func (m *Manager) Broadcast(msg message.Outbound) error {
	frame, err := msg.MarshalBinary()
	if err != nil {
		return slide.WrapError(slide.WebSocketSend, "broadcast", err)
	}
	var delivered, dropped int
	m.clients.Range(func(key, value interface{}) bool {
		c := value.(*client)
		select {
		case c.broadcast <- frame:
			delivered++
		default:
			dropped++
			slide.Warningf("broadcast queue full for viewer %s, dropping %T\n", c.id, msg)
		}
		return true
	})
	BroadcastsTotal.WithLabelValues("delivered").Add(float64(delivered))
	BroadcastsTotal.WithLabelValues("dropped").Add(float64(dropped))
	slide.Debugf("broadcast %T to %d viewers (%d dropped)\n", msg, delivered, dropped)
	return nil
}

// Shutdown cancels every connection and waits for them to unregister or for
// the context to end.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.cancel()
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) readLoop(c *client) {
	for {
		typ, data, err := c.conn.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() == nil && websocket.CloseStatus(err) == -1 {
				slide.Debugf("read from viewer %s: %v\n", c.id, err)
			}
			return
		}
		BytesTotal.WithLabelValues("in").Add(float64(len(data)))
		if typ != websocket.MessageBinary {
			slide.Debugf("ignoring %s frame from viewer %s\n", typ, c.id)
			FramesTotal.WithLabelValues("in", "dropped").Inc()
			continue
		}
		req, err := message.DecodeInbound(data)
		if err != nil {
			slide.Debugf("dropping frame from viewer %s: %v\n", c.id, err)
			FramesTotal.WithLabelValues("in", "dropped").Inc()
			continue
		}
		FramesTotal.WithLabelValues("in", "ok").Inc()

		if err := c.limiter.Wait(c.ctx); err != nil {
			return
		}
		if err := c.inflight.Acquire(c.ctx, 1); err != nil {
			return
		}
		c.wg.Add(1)
		go m.serveTile(c, *req)
	}
}

func (m *Manager) serveTile(c *client, req message.TileRequest) {
	defer c.wg.Done()
	defer c.inflight.Release(1)

	ctx := c.ctx
	if m.config.TileTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.config.TileTimeout)
		defer cancel()
	}

	start := time.Now()
	buf, err := m.retriever.RetrieveTile(ctx, req)
	TileDuration.Observe(time.Since(start).Seconds())

	if c.ctx.Err() != nil {
		TileRequestsTotal.WithLabelValues("cancelled").Inc()
		slide.Debugf("viewer %s left before %s was delivered\n", c.id, req)
		return
	}

	var out message.Outbound
	if err != nil {
		TileRequestsTotal.WithLabelValues("error").Inc()
		if ctx.Err() == context.DeadlineExceeded {
			err = slide.NewError(slide.ResourceExistence, "retrieve", "tile fetch exceeded %s", m.config.TileTimeout)
		}
		slide.Warningf("viewer %s: %s failed: %v\n", c.id, req, err)
		out = message.Error{Message: req.String() + ": " + slide.PublicMessage(err)}
	} else {
		TileRequestsTotal.WithLabelValues("ok").Inc()
		out = message.TileResponse{TileRequest: req, Buffer: buf}
	}
	m.Send(c.id, out)
}

func (m *Manager) writeLoop(c *client) {
	for {
		var frame []byte
		select {
		case <-c.ctx.Done():
			return
		case frame = <-c.direct:
		case frame = <-c.broadcast:
		}
		ctx, cancel := context.WithTimeout(c.ctx, m.config.WriteTimeout)
		err := c.conn.Write(ctx, websocket.MessageBinary, frame)
		cancel()
		if err != nil {
			if c.ctx.Err() == nil {
				slide.Warningf("write to viewer %s: %v\n", c.id, slide.WrapError(slide.WebSocketSend, "write", err))
			}
			FramesTotal.WithLabelValues("out", "failed").Inc()
			c.cancel()
			return
		}
		FramesTotal.WithLabelValues("out", "ok").Inc()
		BytesTotal.WithLabelValues("out").Add(float64(len(frame)))
	}
}
