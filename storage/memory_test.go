package storage_test

import (
	"testing"

	"github.com/janelia-flyem/slidetile/storage"
	"github.com/janelia-flyem/slidetile/storage/storagetest"
)

func TestMemoryStore(t *testing.T) {
	store := storage.NewMemoryStore()
	defer store.Close()
	storagetest.TestStore(t, store)
}

func TestMemoryArrays(t *testing.T) {
	store := storage.NewMemoryStore()
	defer store.Close()
	storagetest.TestArrays(t, store)
}
