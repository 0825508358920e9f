package badger

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/janelia-flyem/slidetile/slide"
	"github.com/janelia-flyem/slidetile/storage"
	"github.com/janelia-flyem/slidetile/storage/storagetest"
)

func newInMemory(t *testing.T) storage.Store {
	config := slide.StoreConfig{Config: slide.NewConfig(), Engine: "badger"}
	config.Set("inmemory", true)
	store, created, err := storage.NewStore(config)
	if err != nil {
		t.Fatalf("can't open in-memory badger: %v\n", err)
	}
	if !created {
		t.Errorf("in-memory badger should report created\n")
	}
	return store
}

func TestBadgerStore(t *testing.T) {
	store := newInMemory(t)
	defer store.Close()
	storagetest.TestStore(t, store)
}

func TestBadgerArrays(t *testing.T) {
	store := newInMemory(t)
	defer store.Close()
	storagetest.TestArrays(t, store)
}

func TestBadgerReopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "badger")
	config := slide.StoreConfig{Config: slide.NewConfig(), Engine: "badger"}
	config.Set("path", dir)

	store, created, err := storage.NewStore(config)
	if err != nil {
		t.Fatalf("can't open badger at %s: %v\n", dir, err)
	}
	if !created {
		t.Errorf("expected new badger at %s\n", dir)
	}
	ctx := context.Background()
	if err := store.Put(ctx, "img/zarr.json", []byte("{}")); err != nil {
		t.Fatalf("put: %v\n", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v\n", err)
	}

	store, created, err = storage.NewStore(config)
	if err != nil {
		t.Fatalf("can't reopen badger: %v\n", err)
	}
	defer store.Close()
	if created {
		t.Errorf("reopened badger reported as created\n")
	}
	value, err := store.Get(ctx, "img/zarr.json")
	if err != nil || string(value) != "{}" {
		t.Errorf("value not persisted: %q, %v\n", value, err)
	}
}
