/*
Package codec holds the compile-time registry of decoders, encoders and
generators.  Plugins register themselves in an init() and are looked up
by name at runtime:

	codec.RegisterDecoder(rasterDecoder{})
	dec, err := codec.DecoderByName("raster")
*/
package codec

import (
	"context"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/janelia-flyem/slidetile/slide"
	"github.com/janelia-flyem/slidetile/storage"
)

// Source is an opened multi-resolution image.
type Source interface {
	// LevelCount returns the number of pyramid levels, at least 1 for a valid source.
	LevelCount() int

	// LevelDimensions returns the pixel size of a level.
	LevelDimensions(level int) (slide.Dims, error)

	// ReadRegion returns width*height interleaved RGB pixels from a level.  The
	// origin (x0, y0) is given in level 0 coordinates.  Pixels outside the level
	// are returned as the source's background color.
	ReadRegion(ctx context.Context, level int, x0, y0 int64, width, height int) ([]byte, error)

	// Thumbnail returns a downsampled image whose larger side is at most maxSize.
	Thumbnail(maxSize int) (*slide.RGB, error)

	Close() error
}

// Decoder opens source image files.
type Decoder interface {
	Name() string

	// Extensions lists the lower case file extensions, with dot, the decoder handles.
	Extensions() []string

	Open(path string) (Source, error)
}

// Encoder converts a Source into a chunked pyramid and retrieves tiles from it.
type Encoder interface {
	Name() string

	// Convert writes every level of src as a group at path in store.
	Convert(ctx context.Context, src Source, store storage.Store, path string) ([]slide.MetadataLayer, error)

	// Retrieve returns the compressed transport image for tile (x, y) of a level.
	Retrieve(ctx context.Context, store storage.Store, path string, level, x, y uint32) ([]byte, error)
}

// Generator builds synthetic sources from a configuration.
type Generator interface {
	Name() string
	Generate(config slide.Config) (Source, error)
}

var (
	mu         sync.RWMutex
	decoders   = make(map[string]Decoder)
	encoders   = make(map[string]Encoder)
	generators = make(map[string]Generator)
)

// RegisterDecoder makes a decoder available by name and extension.
func RegisterDecoder(d Decoder) {
	mu.Lock()
	decoders[d.Name()] = d
	mu.Unlock()
}

// RegisterEncoder makes an encoder available by name.
func RegisterEncoder(e Encoder) {
	mu.Lock()
	encoders[e.Name()] = e
	mu.Unlock()
}

// RegisterGenerator makes a generator available by name.
func RegisterGenerator(g Generator) {
	mu.Lock()
	generators[g.Name()] = g
	mu.Unlock()
}

// DecoderByName returns the named decoder.
func DecoderByName(name string) (Decoder, error) {
	mu.RLock()
	defer mu.RUnlock()
	d, found := decoders[name]
	if !found {
		return nil, slide.NewError(slide.ResourceExistence, "decoder lookup", "no decoder %q; available: %s", name, joinKeys(decoders))
	}
	return d, nil
}

// DecoderForPath returns the first decoder, by name, that handles the file's extension.
func DecoderForPath(path string) (Decoder, error) {
	ext := strings.ToLower(filepath.Ext(path))
	mu.RLock()
	defer mu.RUnlock()
	var names []string
	for name := range decoders {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		for _, e := range decoders[name].Extensions() {
			if e == ext {
				return decoders[name], nil
			}
		}
	}
	return nil, slide.NewError(slide.ResourceExistence, "decoder lookup", "no decoder for extension %q", ext)
}

// EncoderByName returns the named encoder.
func EncoderByName(name string) (Encoder, error) {
	mu.RLock()
	defer mu.RUnlock()
	e, found := encoders[name]
	if !found {
		return nil, slide.NewError(slide.ResourceExistence, "encoder lookup", "no encoder %q; available: %s", name, joinKeys(encoders))
	}
	return e, nil
}

// GeneratorByName returns the named generator.
func GeneratorByName(name string) (Generator, error) {
	mu.RLock()
	defer mu.RUnlock()
	g, found := generators[name]
	if !found {
		return nil, slide.NewError(slide.ResourceExistence, "generator lookup", "no generator %q; available: %s", name, joinKeys(generators))
	}
	return g, nil
}

// Names lists registered plugin names by kind.
func Names() map[string][]string {
	mu.RLock()
	defer mu.RUnlock()
	return map[string][]string{
		"decoders":   sortedKeys(decoders),
		"encoders":   sortedKeys(encoders),
		"generators": sortedKeys(generators),
	}
}

func sortedKeys[T any](m map[string]T) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func joinKeys[T any](m map[string]T) string {
	return strings.Join(sortedKeys(m), ", ")
}
