/*
Package synthetic provides generators of procedural multi-level images.
Pixels are computed from their position so converted pyramids can be
checked exactly without reference files.

Config settings:

	width, height   level 0 size in pixels (default 2048 x 2048)
	levels          number of levels, each half the size of the previous (default 2)
*/
package synthetic

import (
	"context"
	"fmt"

	"github.com/janelia-flyem/slidetile/codec"
	"github.com/janelia-flyem/slidetile/slide"
)

func init() {
	codec.RegisterGenerator(generator{"quadrants", quadrantColor})
	codec.RegisterGenerator(generator{"gradient", gradientColor})
}

// Background is returned for pixels outside a level.
const Background = 255

// QuadrantColors are the colors of the upper-left, upper-right, lower-left
// and lower-right quadrants of every level of a "quadrants" image.
var QuadrantColors = [4][3]byte{
	{200, 30, 30},
	{30, 200, 30},
	{30, 30, 200},
	{220, 220, 40},
}

// ColorFunc returns the color at (x, y) of a level with the given size.
type ColorFunc func(level int, x, y int64, dims slide.Dims) (r, g, b byte)

func quadrantColor(level int, x, y int64, dims slide.Dims) (r, g, b byte) {
	q := 0
	if uint64(x)*2 >= dims.Width {
		q++
	}
	if uint64(y)*2 >= dims.Height {
		q += 2
	}
	c := QuadrantColors[q]
	return c[0], c[1], c[2]
}

func gradientColor(level int, x, y int64, dims slide.Dims) (r, g, b byte) {
	return byte(x), byte(y), byte(x + y + int64(level))
}

type generator struct {
	name  string
	color ColorFunc
}

func (g generator) Name() string {
	return g.name
}

func (g generator) Generate(config slide.Config) (codec.Source, error) {
	width, found, err := config.GetInt("width")
	if err != nil {
		return nil, err
	}
	if !found {
		width = 2048
	}
	height, found, err := config.GetInt("height")
	if err != nil {
		return nil, err
	}
	if !found {
		height = 2048
	}
	levels, found, err := config.GetInt("levels")
	if err != nil {
		return nil, err
	}
	if !found {
		levels = 2
	}
	return New(g.color, width, height, levels)
}

// Source is a procedurally generated image pyramid.
type Source struct {
	color ColorFunc
	dims  []slide.Dims
}

// New returns a source with the given level 0 size and number of levels.
// Zero levels is allowed so callers can exercise empty-source handling.
func New(color ColorFunc, width, height, levels int) (*Source, error) {
	if width <= 0 || height <= 0 || levels < 0 {
		return nil, fmt.Errorf("bad synthetic image size %d x %d with %d levels", width, height, levels)
	}
	src := &Source{color: color}
	w, h := uint64(width), uint64(height)
	for i := 0; i < levels; i++ {
		src.dims = append(src.dims, slide.Dims{Width: w, Height: h})
		w, h = (w+1)/2, (h+1)/2
	}
	return src, nil
}

// NewQuadrants returns a "quadrants" source.
func NewQuadrants(width, height, levels int) (*Source, error) {
	return New(quadrantColor, width, height, levels)
}

// NewGradient returns a "gradient" source.
func NewGradient(width, height, levels int) (*Source, error) {
	return New(gradientColor, width, height, levels)
}

// Color returns the expected color at level coordinates (x, y).
func (s *Source) Color(level int, x, y int64) (r, g, b byte) {
	d := s.dims[level]
	if x < 0 || y < 0 || uint64(x) >= d.Width || uint64(y) >= d.Height {
		return Background, Background, Background
	}
	return s.color(level, x, y, d)
}

func (s *Source) LevelCount() int {
	return len(s.dims)
}

func (s *Source) LevelDimensions(level int) (slide.Dims, error) {
	if level < 0 || level >= len(s.dims) {
		return slide.Dims{}, slide.NewError(slide.ResourceExistence, "level dimensions", "no level %d", level)
	}
	return s.dims[level], nil
}

func (s *Source) ReadRegion(ctx context.Context, level int, x0, y0 int64, width, height int) ([]byte, error) {
	if level < 0 || level >= len(s.dims) {
		return nil, slide.NewError(slide.ResourceExistence, "read region", "no level %d", level)
	}
	ds, err := slide.NewDownsample(s.dims[0], s.dims[level])
	if err != nil {
		return nil, err
	}
	ox, oy := ds.ToLevel(x0, y0)
	img := slide.NewRGB(width, height, 0)
	for j := 0; j < height; j++ {
		if j%256 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		for i := 0; i < width; i++ {
			r, g, b := s.Color(level, ox+int64(i), oy+int64(j))
			img.Set(i, j, r, g, b)
		}
	}
	return img.Pix, nil
}

func (s *Source) Thumbnail(maxSize int) (*slide.RGB, error) {
	return codec.ThumbnailFromSource(context.Background(), s, maxSize)
}

func (s *Source) Close() error {
	return nil
}
