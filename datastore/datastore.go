/*
Package datastore is the registry of slide stores, the directory tree inside
each store, and the images in that tree.  Records live in an embedded BadgerDB.
Every tree mutation is announced to a Notifier, typically the socket manager,
and to the Kafka activity topic when one is configured.
*/
package datastore

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v3"

	"github.com/janelia-flyem/slidetile/message"
	"github.com/janelia-flyem/slidetile/slide"
	"github.com/janelia-flyem/slidetile/storage"
)

// RootID is the implicit root directory of every store.
const RootID uint32 = 0

// MaxNameLength is the longest allowed store, directory or image name.
const MaxNameLength = 255

// Notifier receives the directory changes produced by registry mutations.
type Notifier interface {
	Broadcast(msg message.Outbound) error
}

// NodeKind distinguishes directories from images.
type NodeKind uint8

const (
	DirectoryNode NodeKind = iota
	ImageNode
)

func (k NodeKind) String() string {
	switch k {
	case DirectoryNode:
		return "directory"
	case ImageNode:
		return "image"
	default:
		return fmt.Sprintf("unknown node kind %d", uint8(k))
	}
}

func (k NodeKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *NodeKind) UnmarshalText(text []byte) error {
	switch string(text) {
	case "directory":
		*k = DirectoryNode
	case "image":
		*k = ImageNode
	default:
		return fmt.Errorf("unknown node kind %q", text)
	}
	return nil
}

// StoreRecord describes one store: a named tree of images whose pyramids are
// written to the array store configured under Alias.
type StoreRecord struct {
	ID      uint32    `json:"id"`
	Name    string    `json:"name"`
	Alias   string    `json:"alias"`
	Created time.Time `json:"created"`
}

// Node is a directory or an image in a store's tree.
type Node struct {
	StoreID  uint32    `json:"store_id"`
	ID       uint32    `json:"id"`
	ParentID uint32    `json:"parent_id"`
	Kind     NodeKind  `json:"kind"`
	Name     string    `json:"name"`
	Deleted  bool      `json:"deleted,omitempty"`
	Created  time.Time `json:"created"`
	Modified time.Time `json:"modified"`

	// Image fields
	Decoder string                `json:"decoder,omitempty"`
	Path    string                `json:"path,omitempty"`
	Ready   bool                  `json:"ready,omitempty"`
	Levels  []slide.MetadataLayer `json:"levels,omitempty"`
}

func (n Node) String() string {
	return fmt.Sprintf("%s %q (store %d, id %d)", n.Kind, n.Name, n.StoreID, n.ID)
}

// ImagePath returns the group path of an image's pyramid within its array store.
func ImagePath(storeID, imageID uint32) string {
	return fmt.Sprintf("%d/%d", storeID, imageID)
}

// Registry is the persistent record of stores, directories and images.
// Mutations are serialized; reads run concurrently.
type Registry struct {
	db        *badger.DB
	directory string

	// mu serializes mutations so read-modify-write transactions never conflict.
	mu       sync.Mutex
	notifier Notifier
}

// Open returns a registry persisted under path, creating it if necessary.
// An empty path keeps the registry in memory.
func Open(path string) (*Registry, error) {
	inMemory := path == ""
	if !inMemory {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			slide.Infof("Registry not already at path (%s). Creating directory...\n", path)
			if err := os.MkdirAll(path, 0744); err != nil {
				return nil, slide.WrapError(slide.DatabaseInsertion, "open registry", err)
			}
		}
	}
	opts := badger.DefaultOptions(path).
		WithInMemory(inMemory).
		WithNumVersionsToKeep(1).
		WithSyncWrites(!inMemory).
		WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, slide.WrapError(slide.DatabaseQuery, "open registry", err)
	}
	if inMemory {
		slide.Infof("Opened in-memory registry\n")
	} else {
		slide.Infof("Opened registry @ %s\n", path)
	}
	return &Registry{db: db, directory: path}, nil
}

// Close closes the underlying database.
func (r *Registry) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	err := r.db.Close()
	r.db = nil
	slide.Infof("Closed registry @ %q\n", r.directory)
	return err
}

// SetNotifier sets the receiver of directory changes.
func (r *Registry) SetNotifier(n Notifier) {
	r.mu.Lock()
	r.notifier = n
	r.mu.Unlock()
}

// notify announces a change.  Must be called with mu held.
func (r *Registry) notify(change message.DirectoryChange, activity map[string]interface{}) {
	if r.notifier != nil {
		if err := r.notifier.Broadcast(change); err != nil {
			slide.Errorf("can't broadcast %s: %v\n", change, err)
		}
	}
	activity["Action"] = change.Kind.String()
	activity["Store"] = change.StoreID
	activity["Time"] = time.Now().Unix()
	storage.LogActivityToKafka(activity)
}

// ---- persistence -----

func getData(txn *badger.Txn, key []byte, data interface{}) (bool, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := decodeItem(item, data); err != nil {
		return false, err
	}
	return true, nil
}

func decodeItem(item *badger.Item, data interface{}) error {
	err := item.Value(func(value []byte) error {
		return gob.NewDecoder(bytes.NewReader(value)).Decode(data)
	})
	if err != nil {
		return slide.WrapError(slide.Corrupt, "decode registry record", err)
	}
	return nil
}

func putData(txn *badger.Txn, key []byte, data interface{}) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(data); err != nil {
		return err
	}
	return txn.Set(key, buf.Bytes())
}

// nextID returns the next id stored under key and advances it.  Ids start at 1.
func nextID(txn *badger.Txn, key []byte) (uint32, error) {
	id := uint32(1)
	item, err := txn.Get(key)
	switch {
	case errors.Is(err, badger.ErrKeyNotFound):
	case err != nil:
		return 0, err
	default:
		value, err := item.ValueCopy(nil)
		if err != nil {
			return 0, err
		}
		if len(value) != 4 {
			return 0, slide.NewError(slide.Corrupt, "next id", "bad value for %s: %d bytes", keyType(key[0]), len(value))
		}
		id = binary.BigEndian.Uint32(value)
	}
	if id == ^uint32(0) {
		return 0, slide.NewError(slide.ResourceCreation, "next id", "ids exhausted for %s", keyType(key[0]))
	}
	return id, txn.Set(key, binary.BigEndian.AppendUint32(nil, id+1))
}

// view runs a read transaction, classifying unclassified failures as query errors.
func (r *Registry) view(ctx context.Context, op string, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.db == nil {
		return slide.NewError(slide.DatabaseQuery, op, "registry is closed")
	}
	return classify(slide.DatabaseQuery, op, r.db.View(fn))
}

// update runs a write transaction.  Must be called with mu held.
func (r *Registry) update(ctx context.Context, kind slide.ErrorKind, op string, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.db == nil {
		return slide.NewError(kind, op, "registry is closed")
	}
	return classify(kind, op, r.db.Update(fn))
}

func classify(kind slide.ErrorKind, op string, err error) error {
	if err == nil || slide.KindOf(err) != slide.UnknownError {
		return err
	}
	return slide.WrapError(kind, op, err)
}

// ---- stores -----

// CreateStore adds a store whose images are written to the array store alias.
func (r *Registry) CreateStore(ctx context.Context, name, alias string) (StoreRecord, error) {
	if err := checkName("create store", name); err != nil {
		return StoreRecord{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := StoreRecord{Name: name, Alias: alias, Created: time.Now()}
	err := r.update(ctx, slide.DatabaseInsertion, "create store", func(txn *badger.Txn) error {
		var err error
		if rec.ID, err = nextID(txn, newIDsIndex()); err != nil {
			return err
		}
		return putData(txn, storeIndex(rec.ID), rec)
	})
	if err != nil {
		return StoreRecord{}, err
	}
	slide.Infof("Created store %d %q on %q\n", rec.ID, rec.Name, rec.Alias)
	storage.LogActivityToKafka(map[string]interface{}{
		"Action": "create store",
		"Store":  rec.ID,
		"Name":   rec.Name,
		"Time":   rec.Created.Unix(),
	})
	return rec, nil
}

// Store returns the store with the given id.
func (r *Registry) Store(ctx context.Context, storeID uint32) (StoreRecord, error) {
	var rec StoreRecord
	err := r.view(ctx, "get store", func(txn *badger.Txn) error {
		var err error
		rec, err = getStore(txn, storeID)
		return err
	})
	return rec, err
}

func getStore(txn *badger.Txn, storeID uint32) (StoreRecord, error) {
	var rec StoreRecord
	found, err := getData(txn, storeIndex(storeID), &rec)
	if err != nil {
		return rec, err
	}
	if !found {
		return rec, slide.NewError(slide.ResourceExistence, "get store", "no store %d", storeID)
	}
	return rec, nil
}

// Stores returns every store ordered by id.
func (r *Registry) Stores(ctx context.Context) ([]StoreRecord, error) {
	var stores []StoreRecord
	err := r.view(ctx, "list stores", func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = storePrefix()
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var rec StoreRecord
			if err := decodeItem(it.Item(), &rec); err != nil {
				return err
			}
			stores = append(stores, rec)
		}
		return nil
	})
	return stores, err
}
