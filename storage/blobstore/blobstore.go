/*
Package blobstore implements a chunk store over cloud buckets through
gocloud.dev, e.g. "gs://bucket", "s3://bucket?region=us-east-1",
"file:///data/slides" or "mem://" for testing.
*/
package blobstore

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/blang/semver"
	"github.com/sony/gobreaker"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"
	"gocloud.dev/gcerrors"

	"github.com/janelia-flyem/slidetile/slide"
	"github.com/janelia-flyem/slidetile/storage"
)

func init() {
	ver, err := semver.Make("0.1.0")
	if err != nil {
		slide.Errorf("Unable to make semver in blobstore: %v\n", err)
	}
	e := Engine{"blobstore", "Cloud bucket chunk store", ver}
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

// NewStore opens the bucket given by the "ref" URL setting.
func (e Engine) NewStore(config slide.StoreConfig) (storage.Store, bool, error) {
	ref, err := parseConfig(config)
	if err != nil {
		return nil, false, err
	}
	bucket, err := blob.OpenBucket(context.Background(), ref)
	if err != nil {
		return nil, false, fmt.Errorf("unable to open bucket %q: %v", ref, err)
	}
	slide.Infof("Opened bucket store %q\n", ref)
	return &blobStore{ref: ref, bucket: bucket, cb: newBreaker(ref)}, false, nil
}

// newBreaker stops hammering a bucket that is failing most requests.
func newBreaker(ref string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        ref,
		MaxRequests: 3,
		Interval:    30 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 10 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slide.Warningf("Bucket %q circuit breaker %s -> %s\n", name, from, to)
		},
	})
}

func parseConfig(config slide.StoreConfig) (ref string, err error) {
	var found bool
	if ref, found, err = config.GetString("ref"); err != nil {
		return
	}
	if !found || ref == "" {
		err = fmt.Errorf("%q must be specified for blobstore configuration", "ref")
	}
	return
}

type blobStore struct {
	ref    string
	bucket *blob.Bucket
	cb     *gobreaker.CircuitBreaker
}

func (bs *blobStore) String() string {
	return fmt.Sprintf("bucket store @ %s", bs.ref)
}

func (bs *blobStore) Close() error {
	return bs.bucket.Close()
}

// Get returns nil with no error if the object does not exist.
func (bs *blobStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v, err := bs.cb.Execute(func() (interface{}, error) {
		data, err := bs.bucket.ReadAll(ctx, key)
		if gcerrors.Code(err) == gcerrors.NotFound {
			return []byte(nil), nil
		}
		return data, err
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (bs *blobStore) Put(ctx context.Context, key string, value []byte) error {
	if err := storage.CheckKey(key); err != nil {
		return err
	}
	_, err := bs.cb.Execute(func() (interface{}, error) {
		return nil, bs.bucket.WriteAll(ctx, key, value, nil)
	})
	return err
}

func (bs *blobStore) Exists(ctx context.Context, key string) (bool, error) {
	v, err := bs.cb.Execute(func() (interface{}, error) {
		return bs.bucket.Exists(ctx, key)
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

func (bs *blobStore) Delete(ctx context.Context, key string) error {
	err := bs.bucket.Delete(ctx, key)
	if err != nil && gcerrors.Code(err) != gcerrors.NotFound {
		return err
	}
	return nil
}

func (bs *blobStore) DeletePrefix(ctx context.Context, prefix string) error {
	keys, err := bs.Keys(ctx, prefix)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := bs.Delete(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

func (bs *blobStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := bs.bucket.List(&blob.ListOptions{Prefix: prefix})
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if !obj.IsDir {
			keys = append(keys, obj.Key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}
