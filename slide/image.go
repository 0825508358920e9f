package slide

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"math"
)

// DefaultJPEGQuality favors encode speed over fidelity for transport tiles.
const DefaultJPEGQuality = 70

// RGB is a row-major interleaved 8-bit RGB raster.
type RGB struct {
	Width  int
	Height int
	Pix    []byte
}

// NewRGB returns a raster of the given size with every byte set to fill.
func NewRGB(width, height int, fill byte) *RGB {
	pix := make([]byte, width*height*Channels)
	if fill != 0 {
		for i := range pix {
			pix[i] = fill
		}
	}
	return &RGB{Width: width, Height: height, Pix: pix}
}

// At returns the color at (x, y).
func (img *RGB) At(x, y int) (r, g, b byte) {
	i := (y*img.Width + x) * Channels
	return img.Pix[i], img.Pix[i+1], img.Pix[i+2]
}

// Set writes the color at (x, y).
func (img *RGB) Set(x, y int, r, g, b byte) {
	i := (y*img.Width + x) * Channels
	img.Pix[i], img.Pix[i+1], img.Pix[i+2] = r, g, b
}

// Image converts the raster to a standard library image.
func (img *RGB) Image() *image.RGBA {
	out := image.NewRGBA(image.Rect(0, 0, img.Width, img.Height))
	n := img.Width * img.Height
	for i := 0; i < n; i++ {
		out.Pix[i*4] = img.Pix[i*3]
		out.Pix[i*4+1] = img.Pix[i*3+1]
		out.Pix[i*4+2] = img.Pix[i*3+2]
		out.Pix[i*4+3] = 0xff
	}
	return out
}

// RGBFromImage copies any image into an interleaved RGB raster, dropping alpha.
func RGBFromImage(src image.Image) *RGB {
	b := src.Bounds()
	out := NewRGB(b.Dx(), b.Dy(), 0)
	switch s := src.(type) {
	case *image.RGBA:
		for y := 0; y < out.Height; y++ {
			row := s.Pix[y*s.Stride : y*s.Stride+out.Width*4]
			for x := 0; x < out.Width; x++ {
				out.Set(x, y, row[x*4], row[x*4+1], row[x*4+2])
			}
		}
	default:
		for y := 0; y < out.Height; y++ {
			for x := 0; x < out.Width; x++ {
				c := color.RGBAModel.Convert(src.At(b.Min.X+x, b.Min.Y+y)).(color.RGBA)
				out.Set(x, y, c.R, c.G, c.B)
			}
		}
	}
	return out
}

// EncodeJPEG writes the raster as a baseline JPEG with 4:2:0 chroma subsampling.
func EncodeJPEG(w io.Writer, img *RGB, quality int) error {
	if len(img.Pix) != img.Width*img.Height*Channels {
		return fmt.Errorf("raster %d x %d has %d bytes", img.Width, img.Height, len(img.Pix))
	}
	if quality <= 0 || quality > 100 {
		quality = DefaultJPEGQuality
	}
	return jpeg.Encode(w, img.Image(), &jpeg.Options{Quality: quality})
}

// JPEGBytes is EncodeJPEG into a new buffer.
func JPEGBytes(img *RGB, quality int) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(img.Width * img.Height / 4)
	if err := EncodeJPEG(&buf, img, quality); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeJPEG decodes JPEG bytes into an RGB raster.
func DecodeJPEG(data []byte) (*RGB, error) {
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	return RGBFromImage(img), nil
}

// PSNR returns the peak signal to noise ratio between two equally sized rasters.
// Identical rasters return +Inf.
func PSNR(a, b *RGB) (float64, error) {
	if a.Width != b.Width || a.Height != b.Height {
		return 0, fmt.Errorf("raster sizes differ: %d x %d vs %d x %d", a.Width, a.Height, b.Width, b.Height)
	}
	var sse float64
	for i := range a.Pix {
		d := float64(a.Pix[i]) - float64(b.Pix[i])
		sse += d * d
	}
	if sse == 0 {
		return math.Inf(1), nil
	}
	mse := sse / float64(len(a.Pix))
	return 10 * math.Log10(255*255/mse), nil
}
