package storage

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// CodecSpec names a chunk codec in array metadata.
type CodecSpec struct {
	Name          string                 `json:"name"`
	Configuration map[string]interface{} `json:"configuration,omitempty"`
}

// ChunkCodec transforms chunk bytes on their way to and from a Store.  Codecs
// must be safe for concurrent use.
type ChunkCodec interface {
	Name() string
	Encode(src []byte) ([]byte, error)
	Decode(src []byte) ([]byte, error)
}

// DefaultCodec is the byte compression used when none is configured.
const DefaultCodec = "zstd"

// CodecSpecs returns the metadata codec chain for a compression name.  The
// "bytes" codec is always first since chunks are uint8.
func CodecSpecs(compression string) []CodecSpec {
	specs := []CodecSpec{{Name: "bytes"}}
	if compression != "" && compression != "bytes" && compression != "raw" {
		specs = append(specs, CodecSpec{Name: compression})
	}
	return specs
}

// GetCodec returns the codec for a metadata entry.
func GetCodec(spec CodecSpec) (ChunkCodec, error) {
	switch spec.Name {
	case "bytes", "raw":
		return rawCodec{}, nil
	case "snappy":
		return snappyCodec{}, nil
	case "lz4":
		return lz4Codec{}, nil
	case "zstd":
		return zstdCodec{}, nil
	case "gzip":
		level := gzip.DefaultCompression
		if v, found := spec.Configuration["level"]; found {
			if f, ok := v.(float64); ok {
				level = int(f)
			}
		}
		return gzipCodec{level}, nil
	default:
		return nil, fmt.Errorf("unknown chunk codec %q", spec.Name)
	}
}

func codecChain(specs []CodecSpec) ([]ChunkCodec, error) {
	chain := make([]ChunkCodec, 0, len(specs))
	for _, spec := range specs {
		c, err := GetCodec(spec)
		if err != nil {
			return nil, err
		}
		chain = append(chain, c)
	}
	return chain, nil
}

func encodeChain(chain []ChunkCodec, data []byte) ([]byte, error) {
	var err error
	for _, c := range chain {
		if data, err = c.Encode(data); err != nil {
			return nil, fmt.Errorf("%s encode: %v", c.Name(), err)
		}
	}
	return data, nil
}

func decodeChain(chain []ChunkCodec, data []byte) ([]byte, error) {
	var err error
	for i := len(chain) - 1; i >= 0; i-- {
		if data, err = chain[i].Decode(data); err != nil {
			return nil, fmt.Errorf("%s decode: %v", chain[i].Name(), err)
		}
	}
	return data, nil
}

type rawCodec struct{}

func (rawCodec) Name() string                      { return "bytes" }
func (rawCodec) Encode(src []byte) ([]byte, error) { return src, nil }
func (rawCodec) Decode(src []byte) ([]byte, error) { return src, nil }

type snappyCodec struct{}

func (snappyCodec) Name() string { return "snappy" }

func (snappyCodec) Encode(src []byte) ([]byte, error) {
	return snappy.Encode(nil, src), nil
}

func (snappyCodec) Decode(src []byte) ([]byte, error) {
	return snappy.Decode(nil, src)
}

type lz4Codec struct{}

func (lz4Codec) Name() string { return "lz4" }

func (lz4Codec) Encode(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := lz4.NewWriter(&buf)
	if _, err := zw.Write(src); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (lz4Codec) Decode(src []byte) ([]byte, error) {
	return io.ReadAll(lz4.NewReader(bytes.NewReader(src)))
}

var (
	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
	zstdErr     error
)

func initZstd() {
	if zstdEncoder, zstdErr = zstd.NewWriter(nil); zstdErr != nil {
		return
	}
	zstdDecoder, zstdErr = zstd.NewReader(nil)
}

type zstdCodec struct{}

func (zstdCodec) Name() string { return "zstd" }

func (zstdCodec) Encode(src []byte) ([]byte, error) {
	zstdOnce.Do(initZstd)
	if zstdErr != nil {
		return nil, zstdErr
	}
	return zstdEncoder.EncodeAll(src, make([]byte, 0, len(src)/4)), nil
}

func (zstdCodec) Decode(src []byte) ([]byte, error) {
	zstdOnce.Do(initZstd)
	if zstdErr != nil {
		return nil, zstdErr
	}
	return zstdDecoder.DecodeAll(src, nil)
}

type gzipCodec struct {
	level int
}

func (gzipCodec) Name() string { return "gzip" }

func (c gzipCodec) Encode(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, c.level)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(src); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gzipCodec) Decode(src []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(src))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}
