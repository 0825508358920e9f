package slide

import (
	"fmt"
	"math"
)

// TileSize is the edge length in pixels of every tile and chunk.
const TileSize = 1024

// Channels is the number of color channels stored per chunk.
const Channels = 3

// TileBytes is the number of bytes in one channel plane of a tile.
const TileBytes = TileSize * TileSize

// Dims is the pixel size of a pyramid level.
type Dims struct {
	Width  uint64
	Height uint64
}

func (d Dims) String() string {
	return fmt.Sprintf("%d x %d", d.Width, d.Height)
}

// MetadataLayer describes the tile grid of one pyramid level.  It is written
// once at conversion time and never modified.
type MetadataLayer struct {
	Level  uint32 `json:"level"`
	Cols   uint32 `json:"cols"`
	Rows   uint32 `json:"rows"`
	Width  uint64 `json:"width"`
	Height uint64 `json:"height"`
}

func (m MetadataLayer) String() string {
	return fmt.Sprintf("level %d: %d x %d px, %d x %d tiles", m.Level, m.Width, m.Height, m.Cols, m.Rows)
}

// Contains returns true if (x, y) is inside the level's tile grid.
func (m MetadataLayer) Contains(x, y uint32) bool {
	return x < m.Cols && y < m.Rows
}

// NumTiles returns the number of tiles in the level.
func (m MetadataLayer) NumTiles() int {
	return int(m.Cols) * int(m.Rows)
}

// GridSize returns the number of tiles needed to cover n pixels.
func GridSize(n uint64) uint32 {
	return uint32((n + TileSize - 1) / TileSize)
}

// NewMetadataLayer computes the tile grid for a level of the given size.
func NewMetadataLayer(level uint32, d Dims) MetadataLayer {
	return MetadataLayer{
		Level:  level,
		Cols:   GridSize(d.Width),
		Rows:   GridSize(d.Height),
		Width:  d.Width,
		Height: d.Height,
	}
}

// Downsample is the scale of a level relative to level 0 along each axis.
// The ratio is kept as a float so pyramids whose levels are not exact
// integer reductions still address the right level 0 region.
type Downsample struct {
	X float64
	Y float64
}

// NewDownsample returns the ratio of level 0 dimensions to level dimensions.
func NewDownsample(level0, level Dims) (Downsample, error) {
	if level.Width == 0 || level.Height == 0 {
		return Downsample{}, fmt.Errorf("level has zero dimension (%s)", level)
	}
	return Downsample{
		X: float64(level0.Width) / float64(level.Width),
		Y: float64(level0.Height) / float64(level.Height),
	}, nil
}

// TileOrigin returns the level 0 pixel address of the upper-left corner of tile (col, row).
func (ds Downsample) TileOrigin(col, row uint32) (x0, y0 int64) {
	x0 = int64(math.Floor(float64(col) * TileSize * ds.X))
	y0 = int64(math.Floor(float64(row) * TileSize * ds.Y))
	return
}

// ToLevel converts a level 0 pixel coordinate back to the level's coordinates.
// It is the inverse of TileOrigin for tile corners.
func (ds Downsample) ToLevel(x0, y0 int64) (x, y int64) {
	x = int64(math.Ceil(float64(x0)/ds.X - 1e-9))
	y = int64(math.Ceil(float64(y0)/ds.Y - 1e-9))
	return
}
