/*
Package storage provides the chunked array store used for converted slides
and a unified interface to the key-value engines that hold it.

Each engine registers itself in an init() and must implement:

	NewStore(config slide.StoreConfig) (Store, created bool, err error)

Keys are slash-separated paths relative to the store root.  Values are
opaque bytes at this level; chunk compression happens in the Array layer.
*/
package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/blang/semver"
	"github.com/janelia-flyem/slidetile/slide"
)

// Engine is a storage engine that can create a Store from a configuration.
type Engine interface {
	GetName() string
	GetDescription() string
	GetSemVer() semver.Version
	String() string

	// NewStore returns a store and whether it was created rather than opened.
	NewStore(slide.StoreConfig) (Store, bool, error)
}

// Store is a key-value store holding group metadata and chunk data.
type Store interface {
	fmt.Stringer

	// Get returns the value for a key or nil with no error if the key is absent.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put writes a value, replacing any previous value.
	Put(ctx context.Context, key string, value []byte) error

	// Exists returns true if the key has a value.
	Exists(ctx context.Context, key string) (bool, error)

	// Delete removes a key.  Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// DeletePrefix removes all keys beginning with the prefix.
	DeletePrefix(ctx context.Context, prefix string) error

	// Keys returns the sorted keys beginning with the prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)

	Close() error
}

var (
	enginesMu sync.RWMutex
	engines   = make(map[string]Engine)
)

// RegisterEngine makes an engine available by name.
func RegisterEngine(e Engine) {
	enginesMu.Lock()
	defer enginesMu.Unlock()
	engines[e.GetName()] = e
	slide.Debugf("Registered storage engine %s\n", e)
}

// GetEngine returns the named engine.
func GetEngine(name string) (Engine, error) {
	enginesMu.RLock()
	defer enginesMu.RUnlock()
	e, found := engines[name]
	if !found {
		return nil, slide.NewError(slide.ResourceExistence, "get engine", "no storage engine %q registered", name)
	}
	return e, nil
}

// EnginesAvailable returns a description of the registered engines.
func EnginesAvailable() string {
	enginesMu.RLock()
	defer enginesMu.RUnlock()
	var names []string
	for _, e := range engines {
		names = append(names, e.String())
	}
	sort.Strings(names)
	return strings.Join(names, "; ")
}

// NewStore opens a store using the engine named in the configuration.
func NewStore(config slide.StoreConfig) (Store, bool, error) {
	e, err := GetEngine(config.Engine)
	if err != nil {
		return nil, false, err
	}
	return e.NewStore(config)
}

// JoinKey joins path elements into a store key.
func JoinKey(elem ...string) string {
	var parts []string
	for _, e := range elem {
		e = strings.Trim(e, "/")
		if e != "" {
			parts = append(parts, e)
		}
	}
	return strings.Join(parts, "/")
}

// CheckKey returns an error if a key could escape the store root.
func CheckKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") {
		return fmt.Errorf("bad store key %q", key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." || part == "." {
			return fmt.Errorf("bad store key %q", key)
		}
	}
	return nil
}
