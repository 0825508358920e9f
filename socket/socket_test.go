package socket

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"github.com/janelia-flyem/slidetile/codec/pyramid"
	"github.com/janelia-flyem/slidetile/codec/synthetic"
	"github.com/janelia-flyem/slidetile/message"
	"github.com/janelia-flyem/slidetile/slide"
	"github.com/janelia-flyem/slidetile/storage"
)

// echoRetriever returns the request's own encoding after a random delay.
func echoRetriever(ctx context.Context, req message.TileRequest) ([]byte, error) {
	select {
	case <-time.After(time.Duration(rand.Intn(5)) * time.Millisecond):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return req.MarshalBinary()
}

func startServer(t *testing.T, retriever Retriever, identify IdentityFunc, config Config) (*Manager, *httptest.Server) {
	m := NewManager(retriever, identify, config)
	srv := httptest.NewServer(m)
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		m.Shutdown(ctx)
	})
	return m, srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v\n", err)
	}
	conn.SetReadLimit(8 * slide.Mega)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func waitFor(t *testing.T, what string, cond func() bool) {
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s\n", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func sendRequest(t *testing.T, conn *websocket.Conn, req message.TileRequest) {
	frame, err := req.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.Write(context.Background(), websocket.MessageBinary, frame); err != nil {
		t.Fatalf("write failed: %v\n", err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) message.Outbound {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	typ, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read failed: %v\n", err)
	}
	if typ != websocket.MessageBinary {
		t.Fatalf("expected binary frame, got %s\n", typ)
	}
	msg, err := message.DecodeOutbound(data)
	if err != nil {
		t.Fatalf("bad outbound frame: %v\n", err)
	}
	return msg
}

func TestConcurrentRequests(t *testing.T) {
	_, srv := startServer(t, RetrieverFunc(echoRetriever), nil, Config{MaxInflight: 32})
	conn := dial(t, srv)

	const n = 100
	want := make(map[message.TileRequest]bool, n)
	for i := 0; i < n; i++ {
		req := message.TileRequest{StoreID: 1, ImageID: 2, Level: uint32(i % 4), X: uint32(i), Y: uint32(n - i)}
		want[req] = true
		sendRequest(t, conn, req)
	}
	for i := 0; i < n; i++ {
		resp, ok := readFrame(t, conn).(message.TileResponse)
		if !ok {
			t.Fatalf("expected tile response\n")
		}
		if !want[resp.TileRequest] {
			t.Fatalf("unexpected or duplicate response for %s\n", resp.TileRequest)
		}
		delete(want, resp.TileRequest)
		echoed, _ := resp.TileRequest.MarshalBinary()
		if !bytes.Equal(echoed, resp.Buffer) {
			t.Errorf("response for %s carries another request's tile\n", resp.TileRequest)
		}
	}
	if len(want) != 0 {
		t.Errorf("%d requests never answered\n", len(want))
	}
}

func TestMalformedFramesIgnored(t *testing.T) {
	_, srv := startServer(t, RetrieverFunc(echoRetriever), nil, Config{})
	conn := dial(t, srv)

	ctx := context.Background()
	for _, frame := range [][]byte{{}, {9, 1, 2}, {0, 1}, bytes.Repeat([]byte{0}, 30)} {
		if err := conn.Write(ctx, websocket.MessageBinary, frame); err != nil {
			t.Fatalf("write failed: %v\n", err)
		}
	}
	if err := conn.Write(ctx, websocket.MessageText, []byte("hello")); err != nil {
		t.Fatalf("write failed: %v\n", err)
	}

	req := message.TileRequest{StoreID: 3, ImageID: 4, Level: 0, X: 1, Y: 1}
	sendRequest(t, conn, req)
	resp, ok := readFrame(t, conn).(message.TileResponse)
	if !ok || resp.TileRequest != req {
		t.Fatalf("connection did not survive malformed frames\n")
	}
}

func TestRetrievalErrorFrame(t *testing.T) {
	retriever := RetrieverFunc(func(ctx context.Context, req message.TileRequest) ([]byte, error) {
		if req.Level > 0 {
			return nil, slide.NewError(slide.ResourceExistence, "retrieve", "no level %d in /secret/path", req.Level)
		}
		return []byte{1, 2, 3}, nil
	})
	_, srv := startServer(t, retriever, nil, Config{})
	conn := dial(t, srv)

	bad := message.TileRequest{StoreID: 1, ImageID: 1, Level: 7}
	sendRequest(t, conn, bad)
	e, ok := readFrame(t, conn).(message.Error)
	if !ok {
		t.Fatalf("expected error frame\n")
	}
	if !strings.Contains(e.Message, bad.String()) {
		t.Errorf("error frame doesn't identify request: %q\n", e.Message)
	}
	if strings.Contains(e.Message, "/secret/path") {
		t.Errorf("error frame leaks internal detail: %q\n", e.Message)
	}

	good := message.TileRequest{StoreID: 1, ImageID: 1}
	sendRequest(t, conn, good)
	if resp, ok := readFrame(t, conn).(message.TileResponse); !ok || resp.TileRequest != good {
		t.Fatalf("connection closed after a failed request\n")
	}
}

func TestTileTimeout(t *testing.T) {
	retriever := RetrieverFunc(func(ctx context.Context, req message.TileRequest) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	_, srv := startServer(t, retriever, nil, Config{TileTimeout: 20 * time.Millisecond})
	conn := dial(t, srv)

	sendRequest(t, conn, message.TileRequest{X: 5})
	if _, ok := readFrame(t, conn).(message.Error); !ok {
		t.Fatalf("expected error frame after timeout\n")
	}
}

func TestDisconnectCancelsInflight(t *testing.T) {
	started := make(chan struct{})
	cancelled := make(chan struct{})
	retriever := RetrieverFunc(func(ctx context.Context, req message.TileRequest) ([]byte, error) {
		close(started)
		<-ctx.Done()
		close(cancelled)
		return nil, ctx.Err()
	})
	m, srv := startServer(t, retriever, nil, Config{TileTimeout: time.Minute})
	conn := dial(t, srv)
	waitFor(t, "registration", func() bool { return m.Len() == 1 })

	var id string
	for k := range m.Identities() {
		id = k
	}

	sendRequest(t, conn, message.TileRequest{Level: 1})
	<-started
	conn.Close(websocket.StatusNormalClosure, "bye")

	select {
	case <-cancelled:
	case <-time.After(5 * time.Second):
		t.Fatalf("in-flight fetch not cancelled on disconnect\n")
	}
	waitFor(t, "unregistration", func() bool { return m.Len() == 0 })

	if m.Send(id, message.Error{Message: "late"}) {
		t.Errorf("send to departed viewer reported delivery\n")
	}
	if err := m.Broadcast(message.DirectoryChange{Kind: message.ChangeDelete, StoreID: 1, ID: 2}); err != nil {
		t.Errorf("broadcast with no viewers failed: %v\n", err)
	}
}

func TestBroadcast(t *testing.T) {
	m, srv := startServer(t, RetrieverFunc(echoRetriever), nil, Config{})
	conns := []*websocket.Conn{dial(t, srv), dial(t, srv), dial(t, srv)}
	waitFor(t, "registration", func() bool { return m.Len() == len(conns) })

	change := message.DirectoryChange{Kind: message.ChangeRename, StoreID: 1, ID: 9, Name: "liver"}
	if err := m.Broadcast(change); err != nil {
		t.Fatalf("broadcast failed: %v\n", err)
	}
	var wg sync.WaitGroup
	for i, conn := range conns {
		wg.Add(1)
		go func(i int, conn *websocket.Conn) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_, data, err := conn.Read(ctx)
			if err != nil {
				t.Errorf("viewer %d read failed: %v\n", i, err)
				return
			}
			msg, err := message.DecodeOutbound(data)
			if err != nil {
				t.Errorf("viewer %d bad frame: %v\n", i, err)
				return
			}
			if got, ok := msg.(message.DirectoryChange); !ok || got != change {
				t.Errorf("viewer %d expected %v, got %v\n", i, change, msg)
			}
		}(i, conn)
	}
	wg.Wait()
}

func TestIdentity(t *testing.T) {
	identify := func(r *http.Request) (string, error) {
		user := r.URL.Query().Get("user")
		if user == "" {
			return "", slide.NewError(slide.RequestIntegrity, "identify", "no user")
		}
		return user, nil
	}
	m, srv := startServer(t, RetrieverFunc(echoRetriever), identify, Config{})

	ctx := context.Background()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	if _, _, err := websocket.Dial(ctx, url, nil); err == nil {
		t.Errorf("expected connection without identity to be refused\n")
	}
	conn, _, err := websocket.Dial(ctx, url+"?user=pathologist", nil)
	if err != nil {
		t.Fatalf("dial failed: %v\n", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	waitFor(t, "registration", func() bool { return m.Len() == 1 })
	for _, identity := range m.Identities() {
		if identity != "pathologist" {
			t.Errorf("expected identity pathologist, got %q\n", identity)
		}
	}
}

func TestPlaceholderIdentity(t *testing.T) {
	m, srv := startServer(t, RetrieverFunc(echoRetriever), nil, Config{})
	dial(t, srv)
	waitFor(t, "registration", func() bool { return m.Len() == 1 })
	for _, identity := range m.Identities() {
		if identity != PlaceholderIdentity {
			t.Errorf("expected placeholder identity, got %q\n", identity)
		}
	}
}

func TestPyramidTiles(t *testing.T) {
	store := storage.NewMemoryStore()
	enc := pyramid.New(pyramid.DefaultOptions())
	src, err := synthetic.NewQuadrants(2048, 2048, 2)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := enc.Convert(context.Background(), src, store, "1/1"); err != nil {
		t.Fatalf("convert failed: %v\n", err)
	}
	retriever := RetrieverFunc(func(ctx context.Context, req message.TileRequest) ([]byte, error) {
		if req.StoreID != 1 || req.ImageID != 1 {
			return nil, slide.ErrNotFound
		}
		return enc.Retrieve(ctx, store, "1/1", req.Level, req.X, req.Y)
	})
	_, srv := startServer(t, retriever, nil, Config{})
	conn := dial(t, srv)

	reqs := []message.TileRequest{
		{StoreID: 1, ImageID: 1, Level: 0, X: 0, Y: 0},
		{StoreID: 1, ImageID: 1, Level: 0, X: 1, Y: 0},
		{StoreID: 1, ImageID: 1, Level: 0, X: 0, Y: 1},
		{StoreID: 1, ImageID: 1, Level: 0, X: 1, Y: 1},
		{StoreID: 1, ImageID: 1, Level: 1, X: 0, Y: 0},
		{StoreID: 1, ImageID: 1, Level: 0, X: 5, Y: 5},
	}
	for _, req := range reqs {
		sendRequest(t, conn, req)
	}
	var tiles, failures int
	for range reqs {
		switch msg := readFrame(t, conn).(type) {
		case message.TileResponse:
			tiles++
			img, err := slide.DecodeJPEG(msg.Buffer)
			if err != nil {
				t.Fatalf("tile %s is not a JPEG: %v\n", msg.TileRequest, err)
			}
			if img.Width != slide.TileSize || img.Height != slide.TileSize {
				t.Errorf("tile %s has size %dx%d\n", msg.TileRequest, img.Width, img.Height)
			}
			if msg.Level == 0 {
				q := msg.Y*2 + msg.X
				r, _, _ := img.At(512, 512)
				if diff := int(r) - int(synthetic.QuadrantColors[q][0]); diff > 8 || diff < -8 {
					t.Errorf("tile %s red %d, expected near %d\n", msg.TileRequest, r, synthetic.QuadrantColors[q][0])
				}
			}
		case message.Error:
			failures++
		default:
			t.Fatalf("unexpected frame %T\n", msg)
		}
	}
	if tiles != 5 || failures != 1 {
		t.Errorf("expected 5 tiles and 1 error, got %d and %d\n", tiles, failures)
	}
}

func TestShutdown(t *testing.T) {
	m := NewManager(RetrieverFunc(echoRetriever), nil, Config{})
	srv := httptest.NewServer(m)
	defer srv.Close()
	conn := dial(t, srv)
	waitFor(t, "registration", func() bool { return m.Len() == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown failed: %v\n", err)
	}
	if m.Len() != 0 {
		t.Errorf("expected no viewers after shutdown, got %d\n", m.Len())
	}
	_, _, err := conn.Read(ctx)
	if err == nil || errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected connection closed by server, got %v\n", err)
	}
}
