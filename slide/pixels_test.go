package slide

import (
	"bytes"
	"math/rand"

	. "github.com/janelia-flyem/go/gocheck"
)

func (s *SlideSuite) TestInterleaveBijection(c *C) {
	src := make([]byte, Channels*TileBytes)
	rand.New(rand.NewSource(7)).Read(src)

	planar := make([]byte, len(src))
	c.Assert(Deinterleave(planar, src), IsNil)
	out := make([]byte, len(src))
	c.Assert(Interleave(out, planar), IsNil)
	c.Assert(bytes.Equal(out, src), Equals, true)

	// The other direction holds as well.
	back := make([]byte, len(src))
	c.Assert(Deinterleave(back, out), IsNil)
	c.Assert(bytes.Equal(back, planar), Equals, true)
}

func (s *SlideSuite) TestDeinterleaveLayout(c *C) {
	src := []byte{1, 2, 3, 4, 5, 6}
	dst := make([]byte, 6)
	c.Assert(Deinterleave(dst, src), IsNil)
	c.Assert(dst, DeepEquals, []byte{1, 4, 2, 5, 3, 6})
}

func (s *SlideSuite) TestInterleaveBadLength(c *C) {
	c.Assert(Interleave(make([]byte, 4), make([]byte, 4)), NotNil)
	c.Assert(Deinterleave(make([]byte, 3), make([]byte, 6)), NotNil)
}
