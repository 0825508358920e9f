package slide

import (
	. "github.com/janelia-flyem/go/gocheck"
)

func (s *SlideSuite) TestGridSize(c *C) {
	sizes := []uint64{1, 1023, 1024, 1025, 10000}
	expected := map[uint64]uint32{1: 1, 1023: 1, 1024: 1, 1025: 2, 10000: 10}
	for _, w := range sizes {
		for _, h := range sizes {
			layer := NewMetadataLayer(0, Dims{Width: w, Height: h})
			c.Check(layer.Cols, Equals, expected[w])
			c.Check(layer.Rows, Equals, expected[h])
			c.Check(layer.Width, Equals, w)
			c.Check(layer.Height, Equals, h)
		}
	}
	c.Assert(GridSize(0), Equals, uint32(0))
}

func (s *SlideSuite) TestLayerContains(c *C) {
	layer := NewMetadataLayer(1, Dims{2048, 1500})
	c.Assert(layer.Contains(1, 1), Equals, true)
	c.Assert(layer.Contains(2, 0), Equals, false)
	c.Assert(layer.Contains(0, 2), Equals, false)
	c.Assert(layer.NumTiles(), Equals, 4)
}

func (s *SlideSuite) TestDownsample(c *C) {
	ds, err := NewDownsample(Dims{2048, 2048}, Dims{1024, 1024})
	c.Assert(err, IsNil)
	c.Assert(ds, Equals, Downsample{2, 2})
	x0, y0 := ds.TileOrigin(1, 3)
	c.Assert(x0, Equals, int64(2048))
	c.Assert(y0, Equals, int64(6144))

	// A non-integer reduction must not be truncated to 1.
	ds, err = NewDownsample(Dims{3000, 3000}, Dims{2000, 2000})
	c.Assert(err, IsNil)
	x0, _ = ds.TileOrigin(1, 0)
	c.Assert(x0, Equals, int64(1536))
	x, _ := ds.ToLevel(x0, 0)
	c.Assert(x, Equals, int64(1024))

	_, err = NewDownsample(Dims{10, 10}, Dims{0, 10})
	c.Assert(err, NotNil)
}
