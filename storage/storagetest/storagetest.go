// Package storagetest checks that a storage.Store behaves the way the array
// layer expects.
package storagetest

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/janelia-flyem/slidetile/slide"
	"github.com/janelia-flyem/slidetile/storage"
)

// TestStore runs the store conformance checks against an empty store.
func TestStore(t *testing.T, store storage.Store) {
	ctx := context.Background()

	value, err := store.Get(ctx, "img/zarr.json")
	if err != nil {
		t.Fatalf("get of absent key: %v\n", err)
	}
	if value != nil {
		t.Fatalf("expected nil value for absent key, got %d bytes\n", len(value))
	}
	found, err := store.Exists(ctx, "img/zarr.json")
	if err != nil || found {
		t.Fatalf("absent key reported found=%t err=%v\n", found, err)
	}

	keys := []string{"img/zarr.json", "img/0/zarr.json", "img/0/c/0/0/0/0/0", "img/0/c/0/1/0/0/0", "img10/zarr.json"}
	for i, key := range keys {
		if err := store.Put(ctx, key, []byte{byte(i), 1, 2, 3}); err != nil {
			t.Fatalf("put %q: %v\n", key, err)
		}
	}
	if err := store.Put(ctx, "img/0/c/0/0/0/0/0", []byte("overwritten")); err != nil {
		t.Fatalf("overwrite: %v\n", err)
	}
	value, err = store.Get(ctx, "img/0/c/0/0/0/0/0")
	if err != nil {
		t.Fatalf("get: %v\n", err)
	}
	if !bytes.Equal(value, []byte("overwritten")) {
		t.Errorf("expected overwritten value, got %q\n", value)
	}

	got, err := store.Keys(ctx, "img/")
	if err != nil {
		t.Fatalf("keys: %v\n", err)
	}
	if len(got) != 4 {
		t.Errorf("expected 4 keys under img/, got %v\n", got)
	}

	if err := store.Delete(ctx, "img/0/c/0/1/0/0/0"); err != nil {
		t.Fatalf("delete: %v\n", err)
	}
	if err := store.Delete(ctx, "img/0/c/0/1/0/0/0"); err != nil {
		t.Errorf("delete of absent key should not fail: %v\n", err)
	}
	if found, _ := store.Exists(ctx, "img/0/c/0/1/0/0/0"); found {
		t.Errorf("deleted key still exists\n")
	}

	if err := store.DeletePrefix(ctx, "img/"); err != nil {
		t.Fatalf("delete prefix: %v\n", err)
	}
	if got, _ = store.Keys(ctx, "img/"); len(got) != 0 {
		t.Errorf("keys remain after delete prefix: %v\n", got)
	}
	if found, _ := store.Exists(ctx, "img10/zarr.json"); !found {
		t.Errorf("delete prefix removed a sibling group\n")
	}

	if err := store.Put(ctx, "../escape", []byte{1}); err == nil {
		t.Errorf("expected error writing key outside store root\n")
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if err := store.Put(ctx, "img10/0/zarr.json", []byte{1}); err != nil {
		t.Fatalf("put: %v\n", err)
	}
	if _, err := store.Get(cancelled, "img10/0/zarr.json"); !errors.Is(err, context.Canceled) {
		t.Errorf("get with cancelled context returned %v\n", err)
	}
}

// TestArrays converts a small array through the store to check chunk round trips.
func TestArrays(t *testing.T, store storage.Store) {
	ctx := context.Background()
	g, err := storage.CreateGroup(ctx, store, "slides/7", storage.GroupAttributes{TileSize: slide.TileSize, Status: storage.StatusConverting})
	if err != nil {
		t.Fatalf("create group: %v\n", err)
	}
	a, err := g.CreateArray(ctx, "0", storage.ArraySpec{
		Shape:      []uint64{1, 3, 1, 1024, 1024},
		ChunkShape: []uint64{1, 1, 1, 1024, 1024},
		FillValue:  255,
		Codecs:     storage.CodecSpecs("zstd"),
	})
	if err != nil {
		t.Fatalf("create array: %v\n", err)
	}
	chunk := make([]byte, a.ChunkBytes())
	for i := range chunk {
		chunk[i] = byte(i)
	}
	if err := a.WriteChunk(ctx, []uint64{0, 1, 0, 0, 0}, chunk); err != nil {
		t.Fatalf("write chunk: %v\n", err)
	}
	data, err := a.ReadChunks(ctx, []uint64{0, 0, 0, 0, 0}, []uint64{1, 3, 1, 1, 1})
	if err != nil {
		t.Fatalf("read chunks: %v\n", err)
	}
	n := a.ChunkBytes()
	if data[0] != 255 || data[n-1] != 255 || data[2*n] != 255 {
		t.Errorf("unwritten channels not filled\n")
	}
	if !bytes.Equal(data[n:2*n], chunk) {
		t.Errorf("written channel did not round trip\n")
	}
	if err := storage.DeleteGroup(ctx, store, "slides/7"); err != nil {
		t.Fatalf("delete group: %v\n", err)
	}
	if _, err := storage.OpenGroup(ctx, store, "slides/7"); !slide.IsKind(err, slide.ResourceExistence) {
		t.Errorf("expected deleted group to be absent, got %v\n", err)
	}
}
