/*
Package filestore implements the default chunk store: one file per key
under a root directory, with writes staged to a temporary file and
renamed into place so readers never see a partial chunk.
*/
package filestore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/blang/semver"
	"github.com/twinj/uuid"

	"github.com/janelia-flyem/slidetile/slide"
	"github.com/janelia-flyem/slidetile/storage"
)

func init() {
	ver, err := semver.Make("0.2.0")
	if err != nil {
		slide.Errorf("Unable to make semver in filestore: %v\n", err)
	}
	e := Engine{"filestore", "File-based chunk store", ver}
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

// NewStore returns a file-based store. The passed Config must contain "path" setting.
func (e Engine) NewStore(config slide.StoreConfig) (storage.Store, bool, error) {
	return e.newStore(config)
}

func parseConfig(config slide.StoreConfig) (path string, err error) {
	var found bool
	path, found, err = config.GetString("path")
	if err != nil {
		return
	}
	if !found || path == "" {
		err = fmt.Errorf("%q must be specified for filestore configuration", "path")
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

type fileStore struct {
	path string
}

// newStore returns a file-based key-value store, insuring a directory at the path.
func (e Engine) newStore(config slide.StoreConfig) (*fileStore, bool, error) {
	path, err := parseConfig(config)
	if err != nil {
		return nil, false, err
	}

	var created bool
	if _, err := os.Stat(path); os.IsNotExist(err) {
		slide.Infof("File store not already at path (%s). Creating ...\n", path)
		if err := os.MkdirAll(path, 0755); err != nil {
			return nil, false, err
		}
		created = true
	} else {
		slide.Infof("Found file store at %s (err = %v)\n", path, err)
	}
	return &fileStore{path: path}, created, nil
}

// ---- Store interface ------

func (fs *fileStore) String() string {
	return fmt.Sprintf("file store @ %s", fs.path)
}

func (fs *fileStore) Close() error {
	return nil
}

func (fs *fileStore) filepath(key string) (string, error) {
	if err := storage.CheckKey(key); err != nil {
		return "", err
	}
	return filepath.Join(fs.path, filepath.FromSlash(key)), nil
}

// Get returns a value given a key.
func (fs *fileStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fpath, err := fs.filepath(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(fpath)
	if os.IsNotExist(err) {
		return nil, nil
	}
	return data, err
}

// Put writes a value with given key, staging it so the rename is atomic.
func (fs *fileStore) Put(ctx context.Context, key string, value []byte) error {
	fpath, err := fs.filepath(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(fpath), 0755); err != nil {
		return err
	}
	tmp := fmt.Sprintf("%s.tmp-%x", fpath, uuid.NewV4().Bytes())
	if err := os.WriteFile(tmp, value, 0644); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, fpath); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func (fs *fileStore) Exists(ctx context.Context, key string) (bool, error) {
	fpath, err := fs.filepath(key)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(fpath)
	if os.IsNotExist(err) {
		return false, nil
	}
	return err == nil, err
}

// Delete removes a key.
func (fs *fileStore) Delete(ctx context.Context, key string) error {
	fpath, err := fs.filepath(key)
	if err != nil {
		return err
	}
	if err := os.Remove(fpath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// DeletePrefix removes all keys with the prefix.  A prefix ending in "/"
// removes the whole directory.
func (fs *fileStore) DeletePrefix(ctx context.Context, prefix string) error {
	if strings.HasSuffix(prefix, "/") {
		dir, err := fs.filepath(strings.TrimSuffix(prefix, "/"))
		if err != nil {
			return err
		}
		return os.RemoveAll(dir)
	}
	keys, err := fs.Keys(ctx, prefix)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := fs.Delete(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

// Keys walks the directory that could contain the prefix.
func (fs *fileStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	root := fs.path
	if i := strings.LastIndex(prefix, "/"); i > 0 {
		root = filepath.Join(fs.path, filepath.FromSlash(prefix[:i]))
	}
	var keys []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || strings.Contains(d.Name(), ".tmp-") {
			return nil
		}
		rel, err := filepath.Rel(fs.path, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return ctx.Err()
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}
