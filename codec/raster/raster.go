/*
Package raster decodes ordinary single-resolution image files (PNG, JPEG,
GIF, TIFF, BMP, WebP) and synthesizes the missing pyramid by repeated
halving until a level fits within one tile.
*/
package raster

import (
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/janelia-flyem/slidetile/codec"
	"github.com/janelia-flyem/slidetile/slide"
)

func init() {
	codec.RegisterDecoder(Decoder{})
}

// Background is returned for pixels outside the image.
const Background = 255

// MaxPixels bounds the size of files the decoder will load into memory.
var MaxPixels = 1 << 30

// Decoder opens raster image files.
type Decoder struct{}

func (Decoder) Name() string {
	return "raster"
}

func (Decoder) Extensions() []string {
	return []string{".png", ".jpg", ".jpeg", ".gif", ".tif", ".tiff", ".bmp", ".webp"}
}

// Open decodes the whole file and builds its pyramid.
func (Decoder) Open(path string) (codec.Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, slide.WrapError(slide.ResourceExistence, "open raster", err)
	}
	defer f.Close()

	cfg, format, err := image.DecodeConfig(f)
	if err != nil {
		return nil, slide.WrapError(slide.RequestIntegrity, "open raster", err)
	}
	if cfg.Width*cfg.Height > MaxPixels {
		return nil, slide.NewError(slide.RequestIntegrity, "open raster", "%d x %d image exceeds %d pixel limit", cfg.Width, cfg.Height, MaxPixels)
	}
	if _, err := f.Seek(0, 0); err != nil {
		return nil, err
	}
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, slide.WrapError(slide.RequestIntegrity, "open raster", err)
	}
	slide.Debugf("Decoded %s image %q (%d x %d)\n", format, path, cfg.Width, cfg.Height)
	return FromImage(img), nil
}

// Source is an in-memory pyramid.
type Source struct {
	levels []*slide.RGB
}

// FromImage builds a pyramid from a decoded image.
func FromImage(img image.Image) *Source {
	base := slide.RGBFromImage(img)
	src := &Source{levels: []*slide.RGB{base}}
	for cur := base; cur.Width > slide.TileSize || cur.Height > slide.TileSize; {
		cur = halve(cur)
		src.levels = append(src.levels, cur)
	}
	return src
}

func halve(img *slide.RGB) *slide.RGB {
	w, h := (img.Width+1)/2, (img.Height+1)/2
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.BiLinear.Scale(dst, dst.Bounds(), img.Image(), image.Rect(0, 0, img.Width, img.Height), draw.Src, nil)
	return slide.RGBFromImage(dst)
}

func (s *Source) LevelCount() int {
	return len(s.levels)
}

func (s *Source) LevelDimensions(level int) (slide.Dims, error) {
	if level < 0 || level >= len(s.levels) {
		return slide.Dims{}, slide.NewError(slide.ResourceExistence, "level dimensions", "no level %d", level)
	}
	l := s.levels[level]
	return slide.Dims{Width: uint64(l.Width), Height: uint64(l.Height)}, nil
}

func (s *Source) ReadRegion(ctx context.Context, level int, x0, y0 int64, width, height int) ([]byte, error) {
	if level < 0 || level >= len(s.levels) {
		return nil, slide.NewError(slide.ResourceExistence, "read region", "no level %d", level)
	}
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("bad region size %d x %d", width, height)
	}
	l0, _ := s.LevelDimensions(0)
	ld, _ := s.LevelDimensions(level)
	ds, err := slide.NewDownsample(l0, ld)
	if err != nil {
		return nil, err
	}
	ox, oy := ds.ToLevel(x0, y0)
	src := s.levels[level]
	out := slide.NewRGB(width, height, Background)

	// Copy the rows of the region that overlap the level.
	x1, y1 := max(ox, 0), max(oy, 0)
	x2, y2 := min(ox+int64(width), int64(src.Width)), min(oy+int64(height), int64(src.Height))
	if x1 >= x2 || y1 >= y2 {
		return out.Pix, nil
	}
	n := int(x2-x1) * slide.Channels
	for y := y1; y < y2; y++ {
		si := (int(y)*src.Width + int(x1)) * slide.Channels
		di := (int(y-oy)*width + int(x1-ox)) * slide.Channels
		copy(out.Pix[di:di+n], src.Pix[si:si+n])
	}
	return out.Pix, ctx.Err()
}

func (s *Source) Thumbnail(maxSize int) (*slide.RGB, error) {
	return codec.ThumbnailFromSource(context.Background(), s, maxSize)
}

func (s *Source) Close() error {
	s.levels = nil
	return nil
}
