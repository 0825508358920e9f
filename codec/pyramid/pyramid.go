/*
Package pyramid implements the pyramidal encoder.  Convert writes every
level of a Source into one group of a chunked array store, one array per
level shaped [t, c, z, y, x] = [1, 3, 1, height, width] and chunked one
tile per channel.  Retrieve reads back the three channel chunks of one
tile and compresses them to a transport image.
*/
package pyramid

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/png"
	"sync"
	"sync/atomic"

	"github.com/coocood/freecache"
	"github.com/dustin/go-humanize"
	"github.com/golang/groupcache/singleflight"
	"golang.org/x/sync/errgroup"

	"github.com/janelia-flyem/slidetile/codec"
	"github.com/janelia-flyem/slidetile/slide"
	"github.com/janelia-flyem/slidetile/storage"
)

// Name is the registry name of the encoder.
const Name = "pyramid"

// ThumbnailKey is the name of the thumbnail written beside a pyramid.
const ThumbnailKey = "thumbnail.jpg"

// Tile formats returned by Retrieve.
const (
	FormatJPEG = "jpeg"
	FormatPNG  = "png"
	FormatRaw  = "raw"
)

func init() {
	codec.RegisterEncoder(New(DefaultOptions()))
}

// Options configure conversion and retrieval.
type Options struct {
	// Compression is the lossless chunk codec, e.g. "zstd" or "snappy".
	Compression string

	// Concurrency bounds the tiles converted at once.
	Concurrency int

	// Format of retrieved tiles, one of FormatJPEG, FormatPNG or FormatRaw.
	Format string

	// Quality of JPEG tiles.
	Quality int

	// FillValue is returned for chunks that were never written.
	FillValue uint8

	// CacheBytes sizes the encoded tile cache.  Zero disables caching.
	CacheBytes int
}

// DefaultOptions returns the options used by the registered encoder.
func DefaultOptions() Options {
	return Options{
		Compression: storage.DefaultCodec,
		Concurrency: slide.NumCPU,
		Format:      FormatJPEG,
		Quality:     slide.DefaultJPEGQuality,
		FillValue:   255,
	}
}

// Encoder is the pyramidal codec.
type Encoder struct {
	opts  Options
	cache *freecache.Cache
	group singleflight.Group

	mu      sync.Mutex
	flights map[string]*flight
}

// flight is a shared tile fetch.  Its context is cancelled once the last
// waiting request has left, so one requester never cancels another's tile.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// New returns an encoder with the given options.
func New(opts Options) *Encoder {
	if opts.Concurrency <= 0 {
		opts.Concurrency = slide.NumCPU
	}
	if opts.Format == "" {
		opts.Format = FormatJPEG
	}
	if opts.Quality <= 0 {
		opts.Quality = slide.DefaultJPEGQuality
	}
	e := &Encoder{opts: opts}
	if opts.CacheBytes > 0 {
		e.cache = freecache.NewCache(opts.CacheBytes)
	}
	return e
}

func (e *Encoder) Name() string {
	return Name
}

// Options returns the encoder's configuration.
func (e *Encoder) Options() Options {
	return e.opts
}

var planePool = sync.Pool{
	New: func() interface{} {
		return make([]byte, slide.Channels*slide.TileBytes)
	},
}

type levelJob struct {
	layer slide.MetadataLayer
	ds    slide.Downsample
	array *storage.Array
}

// Convert writes all levels of src into a new group at path.  The group is
// marked converting until every chunk is written.  On failure the partial
// group is deleted before the error is returned.
func (e *Encoder) Convert(ctx context.Context, src codec.Source, store storage.Store, path string) ([]slide.MetadataLayer, error) {
	numLevels := src.LevelCount()
	if numLevels < 1 {
		return nil, slide.NewError(slide.RequestIntegrity, "convert", "source has no levels")
	}
	dims0, err := src.LevelDimensions(0)
	if err != nil {
		return nil, slide.WrapError(slide.RequestIntegrity, "convert", err)
	}
	timedLog := slide.NewTimeLog()

	attrs := storage.GroupAttributes{TileSize: slide.TileSize, Status: storage.StatusConverting}
	group, err := storage.CreateGroup(ctx, store, path, attrs)
	if err != nil {
		return nil, err
	}
	layers, err := e.convertLevels(ctx, src, group, dims0, numLevels)
	if err != nil {
		if cerr := storage.DeleteGroup(context.Background(), store, path); cerr != nil {
			slide.Errorf("unable to clean up failed conversion at %q: %v\n", path, cerr)
		}
		return nil, err
	}
	attrs.Status = storage.StatusComplete
	attrs.Multiscales = layers
	if err := group.SetAttributes(ctx, attrs); err != nil {
		if cerr := storage.DeleteGroup(context.Background(), store, path); cerr != nil {
			slide.Errorf("unable to clean up unfinished conversion at %q: %v\n", path, cerr)
		}
		return nil, err
	}
	timedLog.Infof("Converted %s image into %d levels at %q", dims0, numLevels, path)
	return layers, nil
}

func (e *Encoder) convertLevels(ctx context.Context, src codec.Source, group *storage.Group, dims0 slide.Dims, numLevels int) ([]slide.MetadataLayer, error) {
	// Array metadata is small so levels are declared up front and their tiles
	// then share one bounded pool.
	jobs := make([]levelJob, numLevels)
	for level := 0; level < numLevels; level++ {
		dims, err := src.LevelDimensions(level)
		if err != nil {
			return nil, slide.WrapError(slide.RequestIntegrity, "convert", err)
		}
		ds, err := slide.NewDownsample(dims0, dims)
		if err != nil {
			return nil, slide.WrapError(slide.RequestIntegrity, "convert", err)
		}
		array, err := group.CreateArray(ctx, fmt.Sprintf("%d", level), storage.ArraySpec{
			Shape:          []uint64{1, slide.Channels, 1, dims.Height, dims.Width},
			ChunkShape:     []uint64{1, 1, 1, slide.TileSize, slide.TileSize},
			FillValue:      e.opts.FillValue,
			Codecs:         storage.CodecSpecs(e.opts.Compression),
			DimensionNames: []string{"t", "c", "z", "y", "x"},
		})
		if err != nil {
			return nil, err
		}
		jobs[level] = levelJob{
			layer: slide.NewMetadataLayer(uint32(level), dims),
			ds:    ds,
			array: array,
		}
	}

	var written uint64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Concurrency)
	for _, job := range jobs {
		for row := uint32(0); row < job.layer.Rows; row++ {
			for col := uint32(0); col < job.layer.Cols; col++ {
				g.Go(func() error {
					n, err := e.convertTile(gctx, src, job, col, row)
					if err != nil {
						return fmt.Errorf("level %d tile (%d, %d): %w", job.layer.Level, col, row, err)
					}
					atomic.AddUint64(&written, n)
					return nil
				})
			}
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	layers := make([]slide.MetadataLayer, numLevels)
	for i, job := range jobs {
		layers[i] = job.layer
		slide.Debugf("Level %s\n", job.layer)
	}
	slide.Infof("Wrote %s of tile data to %s\n", humanize.Bytes(written), group)
	return layers, nil
}

// convertTile reads one tile from the source and writes its three channel chunks.
func (e *Encoder) convertTile(ctx context.Context, src codec.Source, job levelJob, col, row uint32) (uint64, error) {
	x0, y0 := job.ds.TileOrigin(col, row)
	rgb, err := src.ReadRegion(ctx, int(job.layer.Level), x0, y0, slide.TileSize, slide.TileSize)
	if err != nil {
		return 0, slide.WrapError(slide.ResourceCreation, "read region", err)
	}
	planes := planePool.Get().([]byte)
	defer planePool.Put(planes)
	if err := slide.Deinterleave(planes, rgb); err != nil {
		return 0, slide.WrapError(slide.Corrupt, "read region", err)
	}
	for c := 0; c < slide.Channels; c++ {
		index := []uint64{0, uint64(c), 0, uint64(row), uint64(col)}
		plane := planes[c*slide.TileBytes : (c+1)*slide.TileBytes]
		if err := job.array.WriteChunk(ctx, index, plane); err != nil {
			return 0, err
		}
	}
	return uint64(len(planes)), nil
}

// ReadTile returns the interleaved RGB pixels of tile (x, y), where x and y
// are tile grid indices of the level.
func ReadTile(ctx context.Context, store storage.Store, path string, level, x, y uint32) (*slide.RGB, error) {
	group, err := storage.OpenGroup(ctx, store, path)
	if err != nil {
		return nil, err
	}
	if status := group.Attributes().Status; status != storage.StatusComplete {
		return nil, slide.NewError(slide.ResourceExistence, "retrieve", "image %q is %s: %w", path, status, slide.ErrNotFound)
	}
	array, err := group.OpenArray(ctx, fmt.Sprintf("%d", level))
	if err != nil {
		return nil, err
	}
	start := []uint64{0, 0, 0, uint64(y), uint64(x)}
	end := []uint64{1, slide.Channels, 1, uint64(y) + 1, uint64(x) + 1}
	planes, err := array.ReadChunks(ctx, start, end)
	if err != nil {
		return nil, err
	}
	if len(planes) != slide.Channels*slide.TileBytes {
		return nil, slide.NewError(slide.Corrupt, "retrieve", "tile has %d bytes, expected %d", len(planes), slide.Channels*slide.TileBytes)
	}
	img := slide.NewRGB(slide.TileSize, slide.TileSize, 0)
	if err := slide.Interleave(img.Pix, planes); err != nil {
		return nil, slide.WrapError(slide.Corrupt, "retrieve", err)
	}
	return img, nil
}

// Retrieve returns the tile (x, y) of a level compressed in the configured
// format.  Concurrent requests for the same tile share one read, which is
// abandoned only when every requester's context is done.
func (e *Encoder) Retrieve(ctx context.Context, store storage.Store, path string, level, x, y uint32) ([]byte, error) {
	key := fmt.Sprintf("%s|%s|%d|%d|%d", store, path, level, x, y)
	if e.cache != nil {
		if data, err := e.cache.Get([]byte(key)); err == nil {
			return data, nil
		}
	}
	type result struct {
		v   interface{}
		err error
	}
	for {
		f := e.join(ctx, key)
		done := make(chan result, 1)
		go func() {
			v, err := e.group.Do(key, func() (interface{}, error) {
				return e.fetch(f.ctx, store, path, key, level, x, y)
			})
			done <- result{v, err}
		}()
		select {
		case <-ctx.Done():
			e.leave(key, f)
			return nil, ctx.Err()
		case r := <-done:
			// A cancellation while our flight is live came from an abandoned
			// read we happened to join, so read again.
			stale := r.err != nil && errors.Is(r.err, context.Canceled) && f.ctx.Err() == nil
			e.leave(key, f)
			if stale {
				continue
			}
			if r.err != nil {
				return nil, r.err
			}
			return r.v.([]byte), nil
		}
	}
}

func (e *Encoder) join(ctx context.Context, key string) *flight {
	e.mu.Lock()
	defer e.mu.Unlock()
	f, found := e.flights[key]
	if !found {
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		f = &flight{ctx: fctx, cancel: cancel}
		if e.flights == nil {
			e.flights = make(map[string]*flight)
		}
		e.flights[key] = f
	}
	f.waiters++
	return f
}

func (e *Encoder) leave(key string, f *flight) {
	e.mu.Lock()
	defer e.mu.Unlock()
	f.waiters--
	if f.waiters > 0 {
		return
	}
	if e.flights[key] == f {
		delete(e.flights, key)
	}
	f.cancel()
}

func (e *Encoder) fetch(ctx context.Context, store storage.Store, path, key string, level, x, y uint32) ([]byte, error) {
	img, err := ReadTile(ctx, store, path, level, x, y)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := e.encode(img)
	if err != nil {
		return nil, err
	}
	if e.cache != nil {
		if err := e.cache.Set([]byte(key), data, 0); err != nil {
			slide.Debugf("tile %s not cached: %v\n", key, err)
		}
	}
	return data, nil
}

func (e *Encoder) encode(img *slide.RGB) ([]byte, error) {
	switch e.opts.Format {
	case FormatRaw:
		return img.Pix, nil
	case FormatPNG:
		var buf bytes.Buffer
		if err := png.Encode(&buf, img.Image()); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return slide.JPEGBytes(img, e.opts.Quality)
	}
}

// ClearCache drops all cached tiles, e.g. after an image is deleted.
func (e *Encoder) ClearCache() {
	if e.cache != nil {
		e.cache.Clear()
	}
}

// CacheStats returns the hit and miss counts of the tile cache.
func (e *Encoder) CacheStats() (hits, misses int64) {
	if e.cache == nil {
		return 0, 0
	}
	return e.cache.HitCount(), e.cache.MissCount()
}
