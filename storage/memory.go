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

func init() {
	ver, err := semver.Make("0.1.0")
	if err != nil {
		slide.Errorf("Unable to make semver in memory store: %v\n", err)
	}
	RegisterEngine(memoryEngine{"memory", "In-memory key value store", ver})
}

type memoryEngine struct {
	name   string
	desc   string
	semver semver.Version
}

func (e memoryEngine) GetName() string {
	return e.name
}

func (e memoryEngine) GetDescription() string {
	return e.desc
}

func (e memoryEngine) GetSemVer() semver.Version {
	return e.semver
}

func (e memoryEngine) String() string {
	return fmt.Sprintf("%s [%s]", e.name, e.semver)
}

func (e memoryEngine) NewStore(config slide.StoreConfig) (Store, bool, error) {
	return NewMemoryStore(), true, nil
}

// NewMemoryStore returns an empty store held in memory.  Contents are lost on Close.
func NewMemoryStore() Store {
	return &memoryStore{data: make(map[string][]byte)}
}

type memoryStore struct {
	sync.RWMutex
	data map[string][]byte
}

func (m *memoryStore) String() string {
	return "memory store"
}

func (m *memoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.RLock()
	defer m.RUnlock()
	v, found := m.data[key]
	if !found {
		return nil, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (m *memoryStore) Put(ctx context.Context, key string, value []byte) error {
	if err := CheckKey(key); err != nil {
		return err
	}
	v := make([]byte, len(value))
	copy(v, value)
	m.Lock()
	m.data[key] = v
	m.Unlock()
	return nil
}

func (m *memoryStore) Exists(ctx context.Context, key string) (bool, error) {
	m.RLock()
	defer m.RUnlock()
	_, found := m.data[key]
	return found, nil
}

func (m *memoryStore) Delete(ctx context.Context, key string) error {
	m.Lock()
	delete(m.data, key)
	m.Unlock()
	return nil
}

func (m *memoryStore) DeletePrefix(ctx context.Context, prefix string) error {
	m.Lock()
	defer m.Unlock()
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			delete(m.data, k)
		}
	}
	return nil
}

func (m *memoryStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	m.RLock()
	defer m.RUnlock()
	var keys []string
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *memoryStore) Close() error {
	m.Lock()
	m.data = make(map[string][]byte)
	m.Unlock()
	return nil
}
