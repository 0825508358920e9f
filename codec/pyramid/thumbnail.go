package pyramid

import (
	"context"

	"github.com/janelia-flyem/slidetile/codec"
	"github.com/janelia-flyem/slidetile/slide"
	"github.com/janelia-flyem/slidetile/storage"
)

// DefaultThumbnailSize is the larger side of thumbnails in pixels.
const DefaultThumbnailSize = 512

// WriteThumbnail stores a JPEG thumbnail of src beside the pyramid at path.
func WriteThumbnail(ctx context.Context, src codec.Source, store storage.Store, path string, maxSize int) error {
	if maxSize <= 0 {
		maxSize = DefaultThumbnailSize
	}
	img, err := src.Thumbnail(maxSize)
	if err != nil {
		return slide.WrapError(slide.ResourceCreation, "thumbnail", err)
	}
	data, err := slide.JPEGBytes(img, slide.DefaultJPEGQuality)
	if err != nil {
		return slide.WrapError(slide.ResourceCreation, "thumbnail", err)
	}
	if err := store.Put(ctx, storage.JoinKey(path, ThumbnailKey), data); err != nil {
		return slide.WrapError(slide.ResourceCreation, "thumbnail", err)
	}
	return nil
}

// ReadThumbnail returns the JPEG thumbnail written for the pyramid at path.
func ReadThumbnail(ctx context.Context, store storage.Store, path string) ([]byte, error) {
	data, err := store.Get(ctx, storage.JoinKey(path, ThumbnailKey))
	if err != nil {
		return nil, slide.WrapError(slide.DatabaseQuery, "thumbnail", err)
	}
	if data == nil {
		return nil, slide.NewError(slide.ResourceExistence, "thumbnail", "no thumbnail for %q: %w", path, slide.ErrNotFound)
	}
	return data, nil
}

// Layers returns the per-level tile grids recorded for a converted pyramid.
func Layers(ctx context.Context, store storage.Store, path string) ([]slide.MetadataLayer, error) {
	group, err := storage.OpenGroup(ctx, store, path)
	if err != nil {
		return nil, err
	}
	attrs := group.Attributes()
	if attrs.Status != storage.StatusComplete {
		return nil, slide.NewError(slide.ResourceExistence, "layers", "image %q is %s: %w", path, attrs.Status, slide.ErrNotFound)
	}
	return attrs.Multiscales, nil
}
