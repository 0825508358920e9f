package pyramid

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/png"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/janelia-flyem/slidetile/codec"
	"github.com/janelia-flyem/slidetile/codec/synthetic"
	"github.com/janelia-flyem/slidetile/slide"
	"github.com/janelia-flyem/slidetile/storage"
)

func convertQuadrants(t *testing.T, enc *Encoder, store storage.Store, path string) []slide.MetadataLayer {
	src, err := synthetic.NewQuadrants(2048, 2048, 2)
	if err != nil {
		t.Fatal(err)
	}
	layers, err := enc.Convert(context.Background(), src, store, path)
	if err != nil {
		t.Fatalf("convert failed: %v\n", err)
	}
	return layers
}

func TestRegistered(t *testing.T) {
	enc, err := codec.EncoderByName(Name)
	if err != nil {
		t.Fatalf("pyramid encoder not registered: %v\n", err)
	}
	if enc.Name() != "pyramid" {
		t.Errorf("bad name %q\n", enc.Name())
	}
}

func TestQuadrantScenario(t *testing.T) {
	store := storage.NewMemoryStore()
	enc := New(DefaultOptions())
	layers := convertQuadrants(t, enc, store, "1/1")

	expected := []slide.MetadataLayer{
		{Level: 0, Cols: 2, Rows: 2, Width: 2048, Height: 2048},
		{Level: 1, Cols: 1, Rows: 1, Width: 1024, Height: 1024},
	}
	if len(layers) != len(expected) {
		t.Fatalf("expected %d layers, got %v\n", len(expected), layers)
	}
	for i := range expected {
		if layers[i] != expected[i] {
			t.Errorf("layer %d: expected %v, got %v\n", i, expected[i], layers[i])
		}
	}

	recorded, err := Layers(context.Background(), store, "1/1")
	if err != nil {
		t.Fatalf("can't read recorded layers: %v\n", err)
	}
	if len(recorded) != 2 || recorded[1] != expected[1] {
		t.Errorf("recorded layers differ: %v\n", recorded)
	}

	data, err := enc.Retrieve(context.Background(), store, "1/1", 0, 0, 0)
	if err != nil {
		t.Fatalf("retrieve failed: %v\n", err)
	}
	img, err := slide.DecodeJPEG(data)
	if err != nil {
		t.Fatalf("tile is not a JPEG: %v\n", err)
	}
	if img.Width != slide.TileSize || img.Height != slide.TileSize {
		t.Fatalf("bad tile size %d x %d\n", img.Width, img.Height)
	}
	want := synthetic.QuadrantColors[0]
	r, g, b := img.At(512, 512)
	if absDiff(r, want[0]) > 8 || absDiff(g, want[1]) > 8 || absDiff(b, want[2]) > 8 {
		t.Errorf("tile (0,0) color %d,%d,%d does not match quadrant 0 %v\n", r, g, b, want)
	}

	_, err = enc.Retrieve(context.Background(), store, "1/1", 0, 5, 5)
	if kind := slide.KindOf(err); kind != slide.ResourceExistence && kind != slide.Corrupt {
		t.Errorf("expected out of grid tile to fail, got %v\n", err)
	}
	_, err = enc.Retrieve(context.Background(), store, "1/1", 2, 0, 0)
	if !slide.IsKind(err, slide.ResourceExistence) {
		t.Errorf("expected missing level to be resource existence error, got %v\n", err)
	}
	_, err = enc.Retrieve(context.Background(), store, "1/2", 0, 0, 0)
	if !slide.IsKind(err, slide.ResourceExistence) {
		t.Errorf("expected missing image to be resource existence error, got %v\n", err)
	}
}

func absDiff(a, b byte) byte {
	if a > b {
		return a - b
	}
	return b - a
}

func TestLosslessRoundTrip(t *testing.T) {
	store := storage.NewMemoryStore()
	opts := DefaultOptions()
	opts.Format = FormatRaw
	opts.Compression = "snappy"
	enc := New(opts)

	src, _ := synthetic.NewGradient(1500, 1100, 2)
	if _, err := enc.Convert(context.Background(), src, store, "grad"); err != nil {
		t.Fatalf("convert failed: %v\n", err)
	}
	for _, tile := range [][3]uint32{{0, 0, 0}, {0, 1, 0}, {0, 1, 1}, {1, 0, 0}} {
		level, x, y := tile[0], tile[1], tile[2]
		data, err := enc.Retrieve(context.Background(), store, "grad", level, x, y)
		if err != nil {
			t.Fatalf("retrieve %v: %v\n", tile, err)
		}
		got := &slide.RGB{Width: slide.TileSize, Height: slide.TileSize, Pix: data}
		ox, oy := int64(x)*slide.TileSize, int64(y)*slide.TileSize
		for _, p := range [][2]int{{0, 0}, {1, 7}, {475, 75}, {1023, 1023}, {600, 1000}} {
			r, g, b := got.At(p[0], p[1])
			wr, wg, wb := src.Color(int(level), ox+int64(p[0]), oy+int64(p[1]))
			if r != wr || g != wg || b != wb {
				t.Errorf("tile %v pixel %v: got %d,%d,%d want %d,%d,%d\n", tile, p, r, g, b, wr, wg, wb)
			}
		}
	}
}

func TestPNGTiles(t *testing.T) {
	store := storage.NewMemoryStore()
	opts := DefaultOptions()
	opts.Format = FormatPNG
	enc := New(opts)
	src, _ := synthetic.NewGradient(1024, 1024, 1)
	if _, err := enc.Convert(context.Background(), src, store, "png"); err != nil {
		t.Fatal(err)
	}
	data, err := enc.Retrieve(context.Background(), store, "png", 0, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("tile is not a PNG: %v\n", err)
	}
	got := slide.RGBFromImage(img)
	want, _ := src.ReadRegion(context.Background(), 0, 0, 0, slide.TileSize, slide.TileSize)
	if !bytes.Equal(got.Pix, want) {
		t.Errorf("PNG tile differs from source\n")
	}
}

func TestLossyPSNR(t *testing.T) {
	store := storage.NewMemoryStore()
	enc := New(DefaultOptions())
	src, _ := synthetic.NewQuadrants(2048, 2048, 1)
	if _, err := enc.Convert(context.Background(), src, store, "q"); err != nil {
		t.Fatal(err)
	}
	data, err := enc.Retrieve(context.Background(), store, "q", 0, 1, 1)
	if err != nil {
		t.Fatal(err)
	}
	got, err := slide.DecodeJPEG(data)
	if err != nil {
		t.Fatal(err)
	}
	pix, _ := src.ReadRegion(context.Background(), 0, 1024, 1024, slide.TileSize, slide.TileSize)
	psnr, err := slide.PSNR(got, &slide.RGB{Width: slide.TileSize, Height: slide.TileSize, Pix: pix})
	if err != nil {
		t.Fatal(err)
	}
	if psnr < 30 {
		t.Errorf("lossy tile PSNR %.1f dB below bound\n", psnr)
	}
}

func TestMissingChunkFill(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	group, err := storage.CreateGroup(ctx, store, "sparse", storage.GroupAttributes{TileSize: slide.TileSize, Status: storage.StatusComplete})
	if err != nil {
		t.Fatal(err)
	}
	_, err = group.CreateArray(ctx, "0", storage.ArraySpec{
		Shape:      []uint64{1, 3, 1, 4096, 4096},
		ChunkShape: []uint64{1, 1, 1, slide.TileSize, slide.TileSize},
		FillValue:  0x42,
		Codecs:     storage.CodecSpecs("zstd"),
	})
	if err != nil {
		t.Fatal(err)
	}
	img, err := ReadTile(ctx, store, "sparse", 0, 3, 2)
	if err != nil {
		t.Fatalf("missing chunk should not be an error: %v\n", err)
	}
	for i, v := range img.Pix {
		if v != 0x42 {
			t.Fatalf("byte %d = %d, expected fill value\n", i, v)
		}
	}
}

func TestConcurrentRetrieval(t *testing.T) {
	store := storage.NewMemoryStore()
	opts := DefaultOptions()
	opts.Format = FormatRaw
	enc := New(opts)
	src, _ := synthetic.NewGradient(10*slide.TileSize, 10*slide.TileSize, 1)
	if _, err := enc.Convert(context.Background(), src, store, "big"); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 100)
	for i := 0; i < 100; i++ {
		x, y := uint32(i%10), uint32(i/10)
		wg.Add(1)
		go func() {
			defer wg.Done()
			data, err := enc.Retrieve(context.Background(), store, "big", 0, x, y)
			if err != nil {
				errs <- err
				return
			}
			// The gradient encodes position so each tile's first pixel identifies it.
			wr, wgr, wb := src.Color(0, int64(x)*slide.TileSize, int64(y)*slide.TileSize)
			if data[0] != wr || data[1] != wgr || data[2] != wb {
				errs <- fmt.Errorf("tile (%d,%d) returned wrong pixels", x, y)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestZeroLevels(t *testing.T) {
	store := storage.NewMemoryStore()
	src, _ := synthetic.NewQuadrants(100, 100, 0)
	_, err := New(DefaultOptions()).Convert(context.Background(), src, store, "empty")
	if err == nil {
		t.Fatalf("expected conversion of empty source to fail\n")
	}
	keys, _ := store.Keys(context.Background(), "")
	if len(keys) != 0 {
		t.Errorf("empty source created keys: %v\n", keys)
	}
}

type failingSource struct {
	*synthetic.Source
	failLevel int
}

func (s failingSource) ReadRegion(ctx context.Context, level int, x0, y0 int64, w, h int) ([]byte, error) {
	if level == s.failLevel && x0 > 0 {
		return nil, errors.New("decoder failure")
	}
	return s.Source.ReadRegion(ctx, level, x0, y0, w, h)
}

func TestConversionCleanup(t *testing.T) {
	store := storage.NewMemoryStore()
	base, _ := synthetic.NewQuadrants(2048, 2048, 2)
	_, err := New(DefaultOptions()).Convert(context.Background(), failingSource{base, 0}, store, "7/9")
	if err == nil {
		t.Fatalf("expected conversion to fail\n")
	}
	keys, _ := store.Keys(context.Background(), "7/9/")
	if len(keys) != 0 {
		t.Errorf("failed conversion left keys behind: %v\n", keys)
	}
	if _, err := Layers(context.Background(), store, "7/9"); !slide.IsKind(err, slide.ResourceExistence) {
		t.Errorf("expected failed image to be absent, got %v\n", err)
	}
}

// finalizeFailStore refuses the second write of a group's metadata, which
// is the one marking conversion complete.
type finalizeFailStore struct {
	storage.Store
	key    string
	writes int
}

func (s *finalizeFailStore) Put(ctx context.Context, key string, value []byte) error {
	if key == s.key {
		s.writes++
		if s.writes > 1 {
			return errors.New("metadata write refused")
		}
	}
	return s.Store.Put(ctx, key, value)
}

func TestFinalizeFailureCleanup(t *testing.T) {
	mem := storage.NewMemoryStore()
	store := &finalizeFailStore{Store: mem, key: storage.JoinKey("4/2", storage.MetadataKey)}
	src, _ := synthetic.NewQuadrants(2048, 2048, 2)
	if _, err := New(DefaultOptions()).Convert(context.Background(), src, store, "4/2"); err == nil {
		t.Fatalf("expected conversion to fail when completion can't be recorded\n")
	}
	if store.writes != 2 {
		t.Errorf("expected 2 metadata writes, got %d\n", store.writes)
	}
	keys, _ := mem.Keys(context.Background(), "4/2/")
	if len(keys) != 0 {
		t.Errorf("unfinished conversion left keys behind: %v\n", keys)
	}
}

func TestInProgressNotServed(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	_, err := storage.CreateGroup(ctx, store, "busy", storage.GroupAttributes{TileSize: slide.TileSize, Status: storage.StatusConverting})
	if err != nil {
		t.Fatal(err)
	}
	_, err = New(DefaultOptions()).Retrieve(ctx, store, "busy", 0, 0, 0)
	if !slide.IsKind(err, slide.ResourceExistence) {
		t.Errorf("expected converting image to be unavailable, got %v\n", err)
	}
}

func TestNonPowerOfTwoLevels(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	opts := DefaultOptions()
	opts.Format = FormatRaw
	enc := New(opts)

	// Level 1 is a 2/3 reduction, which integer ratios would truncate to 1.
	src, _ := synthetic.New(func(level int, x, y int64, d slide.Dims) (byte, byte, byte) {
		return byte(x / 64), byte(y / 64), byte(level)
	}, 3072, 3072, 1)
	two := &thirdsSource{Source: src}
	if _, err := enc.Convert(ctx, two, store, "thirds"); err != nil {
		t.Fatal(err)
	}
	data, err := enc.Retrieve(ctx, store, "thirds", 1, 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	// Tile (1, 0) of the 2048 wide level starts at level x = 1024.
	if data[0] != byte(1024/64) || data[2] != 1 {
		t.Errorf("level 1 tile misaligned: first pixel %v\n", data[:3])
	}
}

// thirdsSource adds a 2048 x 2048 second level to a single level source.
type thirdsSource struct {
	*synthetic.Source
}

func (s *thirdsSource) LevelCount() int { return 2 }

func (s *thirdsSource) LevelDimensions(level int) (slide.Dims, error) {
	if level == 1 {
		return slide.Dims{Width: 2048, Height: 2048}, nil
	}
	return s.Source.LevelDimensions(level)
}

func (s *thirdsSource) ReadRegion(ctx context.Context, level int, x0, y0 int64, w, h int) ([]byte, error) {
	if level == 0 {
		return s.Source.ReadRegion(ctx, level, x0, y0, w, h)
	}
	ds, _ := slide.NewDownsample(slide.Dims{Width: 3072, Height: 3072}, slide.Dims{Width: 2048, Height: 2048})
	ox, oy := ds.ToLevel(x0, y0)
	img := slide.NewRGB(w, h, 0)
	for j := 0; j < h; j++ {
		for i := 0; i < w; i++ {
			img.Set(i, j, byte((ox+int64(i))/64), byte((oy+int64(j))/64), 1)
		}
	}
	return img.Pix, nil
}

func TestTileCache(t *testing.T) {
	store := storage.NewMemoryStore()
	opts := DefaultOptions()
	opts.CacheBytes = 256 * slide.Mega
	enc := New(opts)
	convertQuadrants(t, enc, store, "cached")

	first, err := enc.Retrieve(context.Background(), store, "cached", 0, 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	second, err := enc.Retrieve(context.Background(), store, "cached", 0, 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(first, second) {
		t.Errorf("cached tile differs\n")
	}
	hits, misses := enc.CacheStats()
	if hits != 1 || misses != 1 {
		t.Errorf("expected 1 hit and 1 miss, got %d and %d\n", hits, misses)
	}

	storage.DeleteGroup(context.Background(), store, "cached")
	enc.ClearCache()
	if _, err := enc.Retrieve(context.Background(), store, "cached", 0, 1, 0); !slide.IsKind(err, slide.ResourceExistence) {
		t.Errorf("expected deleted image to be absent after cache clear, got %v\n", err)
	}
}

func TestThumbnail(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	src, _ := synthetic.NewQuadrants(2048, 1024, 2)
	if _, err := ReadThumbnail(ctx, store, "thumb"); !slide.IsKind(err, slide.ResourceExistence) {
		t.Errorf("expected missing thumbnail error, got %v\n", err)
	}
	if err := WriteThumbnail(ctx, src, store, "thumb", 256); err != nil {
		t.Fatal(err)
	}
	data, err := ReadThumbnail(ctx, store, "thumb")
	if err != nil {
		t.Fatal(err)
	}
	img, err := slide.DecodeJPEG(data)
	if err != nil {
		t.Fatal(err)
	}
	if img.Width != 256 || img.Height != 128 {
		t.Errorf("bad thumbnail size %d x %d\n", img.Width, img.Height)
	}
}

// gatedStore holds chunk reads until released or until the reading context
// is done.
type gatedStore struct {
	storage.Store
	release   chan struct{}
	started   chan struct{}
	abandoned chan struct{}
}

func newGatedStore(store storage.Store) *gatedStore {
	return &gatedStore{
		Store:     store,
		release:   make(chan struct{}),
		started:   make(chan struct{}, 16),
		abandoned: make(chan struct{}, 16),
	}
}

func (g *gatedStore) Get(ctx context.Context, key string) ([]byte, error) {
	if !strings.Contains(key, "/c/") {
		return g.Store.Get(ctx, key)
	}
	g.started <- struct{}{}
	select {
	case <-g.release:
		return g.Store.Get(ctx, key)
	case <-ctx.Done():
		g.abandoned <- struct{}{}
		return nil, ctx.Err()
	}
}

func (e *Encoder) waiters(key string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if f, found := e.flights[key]; found {
		return f.waiters
	}
	return 0
}

func TestReadTileCancelled(t *testing.T) {
	store := storage.NewMemoryStore()
	convertQuadrants(t, New(DefaultOptions()), store, "1/1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	img, err := ReadTile(ctx, store, "1/1", 0, 0, 0)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v\n", err)
	}
	if img != nil {
		t.Errorf("cancelled read returned a tile\n")
	}
	if _, err := New(DefaultOptions()).Retrieve(ctx, store, "1/1", 0, 0, 0); !errors.Is(err, context.Canceled) {
		t.Errorf("expected cancelled retrieve to fail, got %v\n", err)
	}
}

func TestSharedFetchSurvivesOneCancel(t *testing.T) {
	mem := storage.NewMemoryStore()
	opts := DefaultOptions()
	opts.Format = FormatRaw
	enc := New(opts)
	convertQuadrants(t, enc, mem, "shared")
	store := newGatedStore(mem)
	key := fmt.Sprintf("%s|%s|%d|%d|%d", store, "shared", 0, 0, 0)

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := enc.Retrieve(ctxA, store, "shared", 0, 0, 0)
		errA <- err
	}()
	<-store.started

	type result struct {
		data []byte
		err  error
	}
	resB := make(chan result, 1)
	go func() {
		data, err := enc.Retrieve(context.Background(), store, "shared", 0, 0, 0)
		resB <- result{data, err}
	}()
	deadline := time.Now().Add(5 * time.Second)
	for enc.waiters(key) != 2 {
		if time.Now().After(deadline) {
			t.Fatalf("second request never joined the shared read\n")
		}
		time.Sleep(time.Millisecond)
	}

	cancelA()
	if err := <-errA; !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled request returned %v\n", err)
	}
	close(store.release)

	r := <-resB
	if r.err != nil {
		t.Fatalf("live request failed after another request was cancelled: %v\n", r.err)
	}
	if len(r.data) != slide.Channels*slide.TileBytes {
		t.Fatalf("bad tile length %d\n", len(r.data))
	}
	want := synthetic.QuadrantColors[0]
	if r.data[0] != want[0] || r.data[1] != want[1] || r.data[2] != want[2] {
		t.Errorf("tile color %v does not match quadrant 0 %v\n", r.data[:3], want)
	}
	if n := enc.waiters(key); n != 0 {
		t.Errorf("%d waiters remain after both requests finished\n", n)
	}
}

func TestAbandonedFetchStops(t *testing.T) {
	mem := storage.NewMemoryStore()
	enc := New(DefaultOptions())
	convertQuadrants(t, enc, mem, "abandoned")
	store := newGatedStore(mem)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := enc.Retrieve(ctx, store, "abandoned", 0, 1, 1)
		done <- err
	}()
	<-store.started
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("expected cancellation, got %v\n", err)
	}
	select {
	case <-store.abandoned:
	case <-time.After(5 * time.Second):
		t.Fatalf("chunk read kept running after its only requester left\n")
	}

	// A later request starts a fresh read rather than joining the abandoned one.
	close(store.release)
	if _, err := enc.Retrieve(context.Background(), store, "abandoned", 0, 1, 1); err != nil {
		t.Errorf("retrieve after abandonment failed: %v\n", err)
	}
}
