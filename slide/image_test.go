package slide

import (
	. "github.com/janelia-flyem/go/gocheck"
)

func (s *SlideSuite) TestJPEGRoundTrip(c *C) {
	img := NewRGB(64, 64, 0)
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			if x < 32 {
				img.Set(x, y, 200, 30, 30)
			} else {
				img.Set(x, y, 30, 30, 200)
			}
		}
	}
	data, err := JPEGBytes(img, DefaultJPEGQuality)
	c.Assert(err, IsNil)
	c.Assert(data[0], Equals, byte(0xff))
	c.Assert(data[1], Equals, byte(0xd8))

	back, err := DecodeJPEG(data)
	c.Assert(err, IsNil)
	c.Assert(back.Width, Equals, 64)
	psnr, err := PSNR(img, back)
	c.Assert(err, IsNil)
	c.Assert(psnr > 25, Equals, true)
}

func (s *SlideSuite) TestEncodeJPEGBadRaster(c *C) {
	_, err := JPEGBytes(&RGB{Width: 4, Height: 4, Pix: make([]byte, 3)}, 70)
	c.Assert(err, NotNil)
}

func (s *SlideSuite) TestConfig(c *C) {
	config := NewConfig()
	config.Set("Path", "/tmp/x")
	config.Set("timeout", int64(250))
	config.Set("flag", "true")

	path, found, err := config.GetString("path")
	c.Assert(err, IsNil)
	c.Assert(found, Equals, true)
	c.Assert(path, Equals, "/tmp/x")

	_, found, _ = config.GetString("missing")
	c.Assert(found, Equals, false)

	_, _, err = config.GetString("timeout")
	c.Assert(err, NotNil)

	b, _, err := config.GetBool("flag")
	c.Assert(err, IsNil)
	c.Assert(b, Equals, true)

	d, _, err := config.GetDuration("timeout")
	c.Assert(err, IsNil)
	c.Assert(d.Milliseconds(), Equals, int64(250))
}
