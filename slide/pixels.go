package slide

import "fmt"

// Deinterleave splits interleaved RGB bytes into three consecutive channel
// planes in dst, which must be the same length as src.
func Deinterleave(dst, src []byte) error {
	if len(src)%Channels != 0 {
		return fmt.Errorf("interleaved buffer length %d not a multiple of %d", len(src), Channels)
	}
	if len(dst) != len(src) {
		return fmt.Errorf("planar buffer length %d != interleaved length %d", len(dst), len(src))
	}
	n := len(src) / Channels
	r, g, b := dst[:n], dst[n:2*n], dst[2*n:]
	for i := 0; i < n; i++ {
		j := i * Channels
		r[i] = src[j]
		g[i] = src[j+1]
		b[i] = src[j+2]
	}
	return nil
}

// Interleave merges three consecutive channel planes from src into RGB
// triplets in dst.
func Interleave(dst, src []byte) error {
	if len(src)%Channels != 0 {
		return fmt.Errorf("planar buffer length %d not a multiple of %d", len(src), Channels)
	}
	if len(dst) != len(src) {
		return fmt.Errorf("interleaved buffer length %d != planar length %d", len(dst), len(src))
	}
	n := len(src) / Channels
	r, g, b := src[:n], src[n:2*n], src[2*n:]
	for i := 0; i < n; i++ {
		j := i * Channels
		dst[j] = r[i]
		dst[j+1] = g[i]
		dst[j+2] = b[i]
	}
	return nil
}
