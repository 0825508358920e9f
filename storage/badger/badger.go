package badger

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/blang/semver"
	"github.com/dgraph-io/badger/v3"

	"github.com/janelia-flyem/slidetile/slide"
	"github.com/janelia-flyem/slidetile/storage"
)

const (
	// DefaultVersionsToKeep is the number of versions to keep per key.
	DefaultVersionsToKeep = 1

	// DefaultSyncWrites is true if all writes are synced to disk, thereby making db resilient
	// at cost of speed.
	DefaultSyncWrites = false

	// DefaultValueThreshold keeps small metadata documents in the LSM tree while
	// chunks go to the value log.
	DefaultValueThreshold = 1 * slide.Kilo
)

func init() {
	ver, err := semver.Make("0.1.0")
	if err != nil {
		slide.Errorf("Unable to make semver in badger: %v\n", err)
	}
	e := Engine{"badger", "BadgerDB", ver}
	storage.RegisterEngine(e)
}

// --- Engine Implementation ------

type Engine struct {
	name   string
	desc   string
	semver semver.Version
}

func (e Engine) GetName() string {
	return e.name
}

func (e Engine) GetDescription() string {
	return e.desc
}

func (e Engine) GetSemVer() semver.Version {
	return e.semver
}

func (e Engine) String() string {
	return fmt.Sprintf("%s [%s]", e.name, e.semver)
}

// NewStore returns a badger. The passed Config must contain "path" string
// unless "inmemory" is true.
func (e Engine) NewStore(config slide.StoreConfig) (storage.Store, bool, error) {
	return e.newDB(config)
}

func parseConfig(config slide.StoreConfig) (path string, inMemory bool, err error) {
	if inMemory, _, err = config.GetBool("inmemory"); err != nil {
		return
	}
	var found bool
	if path, found, err = config.GetString("path"); err != nil {
		return
	}
	if inMemory {
		path = ""
		return
	}
	if !found || path == "" {
		err = fmt.Errorf("%q must be specified for BadgerDB configuration", "path")
		return
	}
	var testing bool
	if testing, _, err = config.GetBool("testing"); err != nil {
		return
	}
	if testing {
		path = filepath.Join(os.TempDir(), path)
	}
	return
}

// Periodically sync to prevent too many writes from being buffered
// if server crashes.
func syncPeriodically(db *BadgerDB) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-db.stopSyncCh:
			slide.Infof("Stopping sync goroutine for badger @ %s\n", db.directory)
			return
		case <-ticker.C:
			db.bdp.Sync()
		}
	}
}

// newDB returns a Badger backend, creating one at path if it doesn't exist.
func (e Engine) newDB(config slide.StoreConfig) (*BadgerDB, bool, error) {
	path, inMemory, err := parseConfig(config)
	if err != nil {
		return nil, false, err
	}

	var created bool
	if inMemory {
		created = true
	} else if _, err := os.Stat(path); os.IsNotExist(err) {
		slide.Infof("Database not already at path (%s). Creating directory...\n", path)
		created = true
		if err := os.MkdirAll(path, 0744); err != nil {
			return nil, true, fmt.Errorf("can't make directory at %s: %v", path, err)
		}
	} else {
		slide.Infof("Found directory at %s (err = %v)\n", path, err)
	}

	opts := badger.DefaultOptions(path).
		WithInMemory(inMemory).
		WithNumVersionsToKeep(DefaultVersionsToKeep).
		WithSyncWrites(DefaultSyncWrites).
		WithValueThreshold(DefaultValueThreshold).
		WithLogger(nil)

	db := &BadgerDB{
		directory:  path,
		stopSyncCh: make(chan struct{}),
	}
	slide.Infof("Opening badger @ path %q (in memory %t)\n", path, inMemory)
	if db.bdp, err = badger.Open(opts); err != nil {
		return nil, false, err
	}
	if !inMemory {
		go syncPeriodically(db)
	}
	return db, created, nil
}

// BadgerDB is a Store over an embedded BadgerDB.
type BadgerDB struct {
	// Directory of datastore
	directory string

	bdp *badger.DB

	// stopSyncCh is used to signal the sync goroutine to stop.
	stopSyncCh chan struct{}
}

func (db *BadgerDB) String() string {
	if db.directory == "" {
		return "badger (in memory)"
	}
	return fmt.Sprintf("badger @ %s", db.directory)
}

// Close closes the BadgerDB
func (db *BadgerDB) Close() error {
	if db == nil || db.bdp == nil {
		return nil
	}
	if db.directory != "" {
		close(db.stopSyncCh)
	}
	err := db.bdp.Close()
	db.bdp = nil
	slide.Infof("Closed Badger DB @ %s\n", db.directory)
	return err
}

func (db *BadgerDB) Get(ctx context.Context, key string) ([]byte, error) {
	if db == nil || db.bdp == nil {
		return nil, fmt.Errorf("can't call Get on nil BadgerDB")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var value []byte
	err := db.bdp.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	return value, err
}

func (db *BadgerDB) Put(ctx context.Context, key string, value []byte) error {
	if db == nil || db.bdp == nil {
		return fmt.Errorf("can't call Put on nil BadgerDB")
	}
	if err := storage.CheckKey(key); err != nil {
		return err
	}
	return db.bdp.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
}

func (db *BadgerDB) Exists(ctx context.Context, key string) (bool, error) {
	if db == nil || db.bdp == nil {
		return false, fmt.Errorf("can't call Exists on nil BadgerDB")
	}
	err := db.bdp.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(key))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (db *BadgerDB) Delete(ctx context.Context, key string) error {
	if db == nil || db.bdp == nil {
		return fmt.Errorf("can't call Delete on nil BadgerDB")
	}
	return db.bdp.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

// DeletePrefix deletes every key with the prefix in one write batch.
func (db *BadgerDB) DeletePrefix(ctx context.Context, prefix string) error {
	if db == nil || db.bdp == nil {
		return fmt.Errorf("can't call DeletePrefix on nil BadgerDB")
	}
	keys, err := db.Keys(ctx, prefix)
	if err != nil {
		return err
	}
	wb := db.bdp.NewWriteBatch()
	defer wb.Cancel()
	for _, key := range keys {
		if err := wb.Delete([]byte(key)); err != nil {
			return err
		}
	}
	return wb.Flush()
}

func (db *BadgerDB) Keys(ctx context.Context, prefix string) ([]string, error) {
	if db == nil || db.bdp == nil {
		return nil, fmt.Errorf("can't call Keys on nil BadgerDB")
	}
	var keys []string
	err := db.bdp.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false // key only
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, string(it.Item().KeyCopy(nil)))
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		return nil
	})
	return keys, err
}
