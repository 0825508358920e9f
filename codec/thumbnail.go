package codec

import (
	"context"
	"fmt"
	"image"

	"golang.org/x/image/draw"

	"github.com/janelia-flyem/slidetile/slide"
)

// maxThumbnailSource bounds the pixels read from a level to build a thumbnail.
const maxThumbnailSource = 64 * slide.Mega

// ThumbnailFromSource reads the smallest level of src and scales it so its
// larger side is at most maxSize.
func ThumbnailFromSource(ctx context.Context, src Source, maxSize int) (*slide.RGB, error) {
	if maxSize <= 0 {
		return nil, fmt.Errorf("bad thumbnail size %d", maxSize)
	}
	level := src.LevelCount() - 1
	if level < 0 {
		return nil, fmt.Errorf("source has no levels")
	}
	dims, err := src.LevelDimensions(level)
	if err != nil {
		return nil, err
	}
	if dims.Width*dims.Height > maxThumbnailSource {
		return nil, fmt.Errorf("smallest level (%s) too large for thumbnail", dims)
	}
	pix, err := src.ReadRegion(ctx, level, 0, 0, int(dims.Width), int(dims.Height))
	if err != nil {
		return nil, err
	}
	return ScaleToFit(&slide.RGB{Width: int(dims.Width), Height: int(dims.Height), Pix: pix}, maxSize), nil
}

// ScaleToFit resizes an image so its larger side is at most maxSize, keeping
// the aspect ratio.  Smaller images are returned unchanged.
func ScaleToFit(img *slide.RGB, maxSize int) *slide.RGB {
	w, h := img.Width, img.Height
	if w <= maxSize && h <= maxSize {
		return img
	}
	if w >= h {
		h = max(1, h*maxSize/w)
		w = maxSize
	} else {
		w = max(1, w*maxSize/h)
		h = maxSize
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img.Image(), image.Rect(0, 0, img.Width, img.Height), draw.Src, nil)
	return slide.RGBFromImage(dst)
}
