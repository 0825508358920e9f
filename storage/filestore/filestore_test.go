package filestore

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/janelia-flyem/slidetile/slide"
	"github.com/janelia-flyem/slidetile/storage"
	"github.com/janelia-flyem/slidetile/storage/storagetest"
)

func newTestStore(t *testing.T) (storage.Store, string) {
	dir := filepath.Join(t.TempDir(), "chunks")
	config := slide.StoreConfig{Config: slide.NewConfig(), Engine: "filestore"}
	config.Set("path", dir)
	store, created, err := storage.NewStore(config)
	if err != nil {
		t.Fatalf("can't create filestore: %v\n", err)
	}
	if !created {
		t.Errorf("expected filestore to be created at %s\n", dir)
	}
	return store, dir
}

func TestFilestore(t *testing.T) {
	store, _ := newTestStore(t)
	defer store.Close()
	storagetest.TestStore(t, store)
}

func TestFilestoreArrays(t *testing.T) {
	store, _ := newTestStore(t)
	defer store.Close()
	storagetest.TestArrays(t, store)
}

func TestNoTempFilesLeft(t *testing.T) {
	store, dir := newTestStore(t)
	defer store.Close()
	storagetest.TestArrays(t, store)
	filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err == nil && strings.Contains(info.Name(), ".tmp-") {
			t.Errorf("temporary file left behind: %s\n", path)
		}
		return nil
	})
}

func TestMissingPath(t *testing.T) {
	if _, _, err := storage.NewStore(slide.StoreConfig{Config: slide.NewConfig(), Engine: "filestore"}); err == nil {
		t.Fatalf("expected error when no path given\n")
	}
}
