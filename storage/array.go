package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/janelia-flyem/slidetile/slide"
	"golang.org/x/sync/errgroup"
)

// maxChunkReaders bounds concurrent chunk fetches within one ReadChunks call.
const maxChunkReaders = 8

// Group is a logical collection of arrays, one per pyramid level of an image.
type Group struct {
	store Store
	path  string
	meta  GroupMetadata
}

// CreateGroup writes the group metadata document, overwriting any existing one.
func CreateGroup(ctx context.Context, store Store, path string, attrs GroupAttributes) (*Group, error) {
	g := &Group{
		store: store,
		path:  strings.Trim(path, "/"),
		meta: GroupMetadata{
			ZarrFormat: 3,
			NodeType:   "group",
			Attributes: attrs,
		},
	}
	if err := CheckKey(g.path); err != nil {
		return nil, slide.WrapError(slide.RequestIntegrity, "create group", err)
	}
	if err := g.storeMetadata(ctx); err != nil {
		return nil, err
	}
	return g, nil
}

// OpenGroup reads and validates the group metadata at path.
func OpenGroup(ctx context.Context, store Store, path string) (*Group, error) {
	path = strings.Trim(path, "/")
	data, err := store.Get(ctx, JoinKey(path, MetadataKey))
	if err != nil {
		return nil, slide.WrapError(slide.DatabaseQuery, "open group", err)
	}
	if data == nil {
		return nil, slide.WrapError(slide.ResourceExistence, "open group", fmt.Errorf("group %q: %w", path, slide.ErrNotFound))
	}
	g := &Group{store: store, path: path}
	if err := decodeMetadata("open group", groupSchema, data, &g.meta); err != nil {
		return nil, err
	}
	return g, nil
}

// DeleteGroup removes a group's metadata and all of its arrays and chunks.
func DeleteGroup(ctx context.Context, store Store, path string) error {
	path = strings.Trim(path, "/")
	if err := CheckKey(path); err != nil {
		return slide.WrapError(slide.RequestIntegrity, "delete group", err)
	}
	if err := store.DeletePrefix(ctx, path+"/"); err != nil {
		return slide.WrapError(slide.ResourceDeletion, "delete group", err)
	}
	return nil
}

func (g *Group) String() string {
	return fmt.Sprintf("group %q in %s", g.path, g.store)
}

// Path returns the group's key prefix within its store.
func (g *Group) Path() string {
	return g.path
}

// Attributes returns the group's attributes.
func (g *Group) Attributes() GroupAttributes {
	return g.meta.Attributes
}

// SetAttributes replaces the group's attributes and persists them.
func (g *Group) SetAttributes(ctx context.Context, attrs GroupAttributes) error {
	g.meta.Attributes = attrs
	return g.storeMetadata(ctx)
}

func (g *Group) storeMetadata(ctx context.Context) error {
	data, err := json.Marshal(g.meta)
	if err != nil {
		return slide.WrapError(slide.ResourceCreation, "store group metadata", err)
	}
	if err := g.store.Put(ctx, JoinKey(g.path, MetadataKey), data); err != nil {
		return slide.WrapError(slide.ResourceCreation, "store group metadata", err)
	}
	return nil
}

// ArraySpec describes an array to create.
type ArraySpec struct {
	Shape          []uint64
	ChunkShape     []uint64
	FillValue      uint8
	Codecs         []CodecSpec
	DimensionNames []string
}

// CreateArray writes metadata for an array inside the group, overwriting any
// existing metadata.  Existing chunks are left in place.
func (g *Group) CreateArray(ctx context.Context, name string, spec ArraySpec) (*Array, error) {
	meta, err := newArrayMetadata(spec.Shape, spec.ChunkShape, spec.FillValue, spec.Codecs, spec.DimensionNames)
	if err != nil {
		return nil, slide.WrapError(slide.RequestIntegrity, "create array", err)
	}
	a, err := newArray(g.store, JoinKey(g.path, name), meta)
	if err != nil {
		return nil, slide.WrapError(slide.RequestIntegrity, "create array", err)
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return nil, slide.WrapError(slide.ResourceCreation, "create array", err)
	}
	if err := g.store.Put(ctx, JoinKey(a.path, MetadataKey), data); err != nil {
		return nil, slide.WrapError(slide.ResourceCreation, "create array", err)
	}
	return a, nil
}

// OpenArray reads the metadata of a named array in the group.  No chunk data is read.
func (g *Group) OpenArray(ctx context.Context, name string) (*Array, error) {
	return OpenArray(ctx, g.store, JoinKey(g.path, name))
}

// OpenArray reads the metadata of the array at path.
func OpenArray(ctx context.Context, store Store, path string) (*Array, error) {
	path = strings.Trim(path, "/")
	data, err := store.Get(ctx, JoinKey(path, MetadataKey))
	if err != nil {
		return nil, slide.WrapError(slide.DatabaseQuery, "open array", err)
	}
	if data == nil {
		return nil, slide.WrapError(slide.ResourceExistence, "open array", fmt.Errorf("array %q: %w", path, slide.ErrNotFound))
	}
	var meta ArrayMetadata
	if err := decodeMetadata("open array", arraySchema, data, &meta); err != nil {
		return nil, err
	}
	a, err := newArray(store, path, meta)
	if err != nil {
		return nil, slide.WrapError(slide.Corrupt, "open array", err)
	}
	return a, nil
}

// Array is an N-dimensional uint8 array partitioned into equally sized chunks.
type Array struct {
	store      Store
	path       string
	meta       ArrayMetadata
	codecs     []ChunkCodec
	grid       []uint64
	chunkBytes int
}

func newArray(store Store, path string, meta ArrayMetadata) (*Array, error) {
	if err := CheckKey(path); err != nil {
		return nil, err
	}
	cs := meta.ChunkShape()
	if len(cs) != len(meta.Shape) {
		return nil, fmt.Errorf("chunk shape %v does not match array shape %v", cs, meta.Shape)
	}
	codecs, err := codecChain(meta.Codecs)
	if err != nil {
		return nil, err
	}
	a := &Array{
		store:      store,
		path:       path,
		meta:       meta,
		codecs:     codecs,
		grid:       make([]uint64, len(cs)),
		chunkBytes: 1,
	}
	for i, c := range cs {
		a.grid[i] = (meta.Shape[i] + c - 1) / c
		a.chunkBytes *= int(c)
	}
	return a, nil
}

func (a *Array) String() string {
	return fmt.Sprintf("array %q %v chunked %v", a.path, a.meta.Shape, a.meta.ChunkShape())
}

// Metadata returns the array's metadata document.
func (a *Array) Metadata() ArrayMetadata {
	return a.meta
}

// Shape returns the array's extent in each dimension.
func (a *Array) Shape() []uint64 {
	return a.meta.Shape
}

// GridShape returns the number of chunks along each dimension.
func (a *Array) GridShape() []uint64 {
	return a.grid
}

// ChunkBytes returns the size of one decoded chunk.
func (a *Array) ChunkBytes() int {
	return a.chunkBytes
}

// FillValue returns the byte returned for unwritten chunks.
func (a *Array) FillValue() uint8 {
	return a.meta.FillValue
}

// ChunkKey returns the store key for a chunk index.
func (a *Array) ChunkKey(index []uint64) string {
	var b strings.Builder
	b.WriteString(a.path)
	b.WriteString("/c")
	for _, i := range index {
		b.WriteByte('/')
		b.WriteString(strconv.FormatUint(i, 10))
	}
	return b.String()
}

func (a *Array) checkIndex(op string, index []uint64) error {
	if len(index) != len(a.grid) {
		return slide.NewError(slide.RequestIntegrity, op, "chunk index %v has rank %d, array has rank %d", index, len(index), len(a.grid))
	}
	for d, i := range index {
		if i >= a.grid[d] {
			return slide.NewError(slide.ResourceExistence, op, "chunk index %v outside chunk grid %v", index, a.grid)
		}
	}
	return nil
}

// WriteChunk encodes and stores one chunk.  Overwriting a chunk is allowed.
func (a *Array) WriteChunk(ctx context.Context, index []uint64, data []byte) error {
	if err := a.checkIndex("write chunk", index); err != nil {
		return err
	}
	if len(data) != a.chunkBytes {
		return slide.NewError(slide.RequestIntegrity, "write chunk", "chunk %v has %d bytes, expected %d", index, len(data), a.chunkBytes)
	}
	encoded, err := encodeChain(a.codecs, data)
	if err != nil {
		return slide.WrapError(slide.ResourceCreation, "write chunk", err)
	}
	if err := a.store.Put(ctx, a.ChunkKey(index), encoded); err != nil {
		return slide.WrapError(slide.ResourceCreation, "write chunk", err)
	}
	recordWrite(len(encoded))
	return nil
}

// ChunkExists returns true if the chunk has been written.
func (a *Array) ChunkExists(ctx context.Context, index []uint64) (bool, error) {
	if err := a.checkIndex("chunk exists", index); err != nil {
		return false, err
	}
	found, err := a.store.Exists(ctx, a.ChunkKey(index))
	if err != nil {
		return false, slide.WrapError(slide.DatabaseQuery, "chunk exists", err)
	}
	return found, nil
}

// ReadChunk returns the decoded bytes of one chunk, or a chunk of the fill
// value if it was never written.
func (a *Array) ReadChunk(ctx context.Context, index []uint64) ([]byte, error) {
	if err := a.checkIndex("read chunk", index); err != nil {
		return nil, err
	}
	return a.readChunk(ctx, index)
}

func (a *Array) readChunk(ctx context.Context, index []uint64) ([]byte, error) {
	encoded, err := a.store.Get(ctx, a.ChunkKey(index))
	if err != nil {
		return nil, slide.WrapError(slide.DatabaseQuery, "read chunk", err)
	}
	if encoded == nil {
		recordFill()
		return a.fillChunk(), nil
	}
	recordRead(len(encoded))
	data, err := decodeChain(a.codecs, encoded)
	if err != nil {
		return nil, slide.WrapError(slide.Corrupt, "read chunk", err)
	}
	if len(data) != a.chunkBytes {
		return nil, slide.NewError(slide.Corrupt, "read chunk", "chunk %v decoded to %d bytes, expected %d", index, len(data), a.chunkBytes)
	}
	return data, nil
}

func (a *Array) fillChunk() []byte {
	data := make([]byte, a.chunkBytes)
	if fill := a.meta.FillValue; fill != 0 {
		for i := range data {
			data[i] = fill
		}
	}
	return data
}

// ReadChunks reads every chunk in the half-open index box [start, end) and
// returns the covered region in C order.  The region's shape is
// (end-start) * chunk shape along each dimension.
func (a *Array) ReadChunks(ctx context.Context, start, end []uint64) ([]byte, error) {
	rank := len(a.grid)
	if len(start) != rank || len(end) != rank {
		return nil, slide.NewError(slide.RequestIntegrity, "read chunks", "index box %v-%v does not have rank %d", start, end, rank)
	}
	counts := make([]uint64, rank)
	nchunks := 1
	for d := 0; d < rank; d++ {
		if end[d] <= start[d] {
			return nil, slide.NewError(slide.RequestIntegrity, "read chunks", "empty index box %v-%v", start, end)
		}
		if end[d] > a.grid[d] {
			return nil, slide.NewError(slide.ResourceExistence, "read chunks", "index box %v-%v outside chunk grid %v", start, end, a.grid)
		}
		counts[d] = end[d] - start[d]
		nchunks *= int(counts[d])
	}
	cs := a.meta.ChunkShape()
	region := make([]uint64, rank)
	for d := range region {
		region[d] = counts[d] * cs[d]
	}
	out := make([]byte, nchunks*a.chunkBytes)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxChunkReaders)
	index := make([]uint64, rank)
	copy(index, start)
	for n := 0; n < nchunks; n++ {
		if gctx.Err() != nil {
			break
		}
		idx := make([]uint64, rank)
		copy(idx, index)
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			data, err := a.readChunk(gctx, idx)
			if err != nil {
				return err
			}
			offset := make([]uint64, rank)
			for d := range offset {
				offset[d] = (idx[d] - start[d]) * cs[d]
			}
			copyChunk(out, region, data, cs, offset)
			return nil
		})
		nextIndex(index, start, end)
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// nextIndex advances index through the box [start, end) in C order.
func nextIndex(index, start, end []uint64) {
	for d := len(index) - 1; d >= 0; d-- {
		index[d]++
		if index[d] < end[d] {
			return
		}
		index[d] = start[d]
	}
}

// copyChunk copies a chunk into a larger C-ordered region at the given element offset.
// Distinct chunks write disjoint bytes so concurrent calls on one region are safe.
func copyChunk(dst []byte, region []uint64, src []byte, chunk []uint64, offset []uint64) {
	rank := len(chunk)
	last := rank - 1
	rowLen := int(chunk[last])

	// strides of the destination region
	strides := make([]uint64, rank)
	strides[last] = 1
	for d := last - 1; d >= 0; d-- {
		strides[d] = strides[d+1] * region[d+1]
	}

	pos := make([]uint64, rank)
	rows := len(src) / rowLen
	for r := 0; r < rows; r++ {
		var dstOff uint64
		for d := 0; d < rank; d++ {
			dstOff += (offset[d] + pos[d]) * strides[d]
		}
		copy(dst[dstOff:dstOff+uint64(rowLen)], src[r*rowLen:(r+1)*rowLen])
		for d := last - 1; d >= 0; d-- {
			pos[d]++
			if pos[d] < chunk[d] {
				break
			}
			pos[d] = 0
		}
	}
}
