package storage

import (
	"encoding/json"
	"fmt"

	"github.com/janelia-flyem/slidetile/slide"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// MetadataKey is the name of the metadata document in every group and array.
const MetadataKey = "zarr.json"

// Group conversion states.
const (
	StatusConverting = "converting"
	StatusComplete   = "complete"
)

// GroupAttributes are the user attributes of an image group.
type GroupAttributes struct {
	TileSize    int                   `json:"tile_size"`
	Status      string                `json:"status"`
	Multiscales []slide.MetadataLayer `json:"multiscales"`
	Source      string                `json:"source,omitempty"`
}

// GroupMetadata is the metadata document stored at <group>/zarr.json.
type GroupMetadata struct {
	ZarrFormat int             `json:"zarr_format"`
	NodeType   string          `json:"node_type"`
	Attributes GroupAttributes `json:"attributes"`
}

type chunkGridConfig struct {
	ChunkShape []uint64 `json:"chunk_shape"`
}

type chunkGrid struct {
	Name          string          `json:"name"`
	Configuration chunkGridConfig `json:"configuration"`
}

type chunkKeyConfig struct {
	Separator string `json:"separator"`
}

type chunkKeyEncoding struct {
	Name          string         `json:"name"`
	Configuration chunkKeyConfig `json:"configuration"`
}

// ArrayMetadata is the metadata document stored at <group>/<array>/zarr.json.
type ArrayMetadata struct {
	ZarrFormat       int              `json:"zarr_format"`
	NodeType         string           `json:"node_type"`
	Shape            []uint64         `json:"shape"`
	DataType         string           `json:"data_type"`
	ChunkGrid        chunkGrid        `json:"chunk_grid"`
	ChunkKeyEncoding chunkKeyEncoding `json:"chunk_key_encoding"`
	FillValue        uint8            `json:"fill_value"`
	Codecs           []CodecSpec      `json:"codecs"`
	DimensionNames   []string         `json:"dimension_names,omitempty"`
}

// ChunkShape returns the shape of each chunk.
func (m ArrayMetadata) ChunkShape() []uint64 {
	return m.ChunkGrid.Configuration.ChunkShape
}

const groupSchemaText = `{
	"type": "object",
	"required": ["zarr_format", "node_type", "attributes"],
	"properties": {
		"zarr_format": {"const": 3},
		"node_type": {"const": "group"},
		"attributes": {
			"type": "object",
			"required": ["tile_size", "status"],
			"properties": {
				"tile_size": {"type": "integer", "minimum": 1},
				"status": {"enum": ["converting", "complete"]},
				"multiscales": {
					"type": ["array", "null"],
					"items": {
						"type": "object",
						"required": ["level", "cols", "rows", "width", "height"]
					}
				}
			}
		}
	}
}`

const arraySchemaText = `{
	"type": "object",
	"required": ["zarr_format", "node_type", "shape", "data_type", "chunk_grid", "fill_value", "codecs"],
	"properties": {
		"zarr_format": {"const": 3},
		"node_type": {"const": "array"},
		"shape": {"type": "array", "minItems": 1, "items": {"type": "integer", "minimum": 0}},
		"data_type": {"const": "uint8"},
		"chunk_grid": {
			"type": "object",
			"required": ["name", "configuration"],
			"properties": {
				"name": {"const": "regular"},
				"configuration": {
					"type": "object",
					"required": ["chunk_shape"],
					"properties": {
						"chunk_shape": {"type": "array", "minItems": 1, "items": {"type": "integer", "minimum": 1}}
					}
				}
			}
		},
		"fill_value": {"type": "integer", "minimum": 0, "maximum": 255},
		"codecs": {
			"type": "array",
			"minItems": 1,
			"items": {"type": "object", "required": ["name"], "properties": {"name": {"type": "string"}}}
		}
	}
}`

var (
	groupSchema = jsonschema.MustCompileString("group.json", groupSchemaText)
	arraySchema = jsonschema.MustCompileString("array.json", arraySchemaText)
)

// decodeMetadata validates a metadata document against a schema before
// unmarshaling it into v.
func decodeMetadata(op string, schema *jsonschema.Schema, data []byte, v interface{}) error {
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return slide.WrapError(slide.Corrupt, op, err)
	}
	if err := schema.Validate(doc); err != nil {
		return slide.WrapError(slide.Corrupt, op, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return slide.WrapError(slide.Corrupt, op, err)
	}
	return nil
}

func newArrayMetadata(shape, chunkShape []uint64, fill uint8, codecs []CodecSpec, dims []string) (ArrayMetadata, error) {
	if len(shape) == 0 || len(shape) != len(chunkShape) {
		return ArrayMetadata{}, fmt.Errorf("array shape %v and chunk shape %v must have equal, nonzero rank", shape, chunkShape)
	}
	for i, c := range chunkShape {
		if c == 0 {
			return ArrayMetadata{}, fmt.Errorf("chunk shape %v has zero extent in dimension %d", chunkShape, i)
		}
	}
	if len(dims) != 0 && len(dims) != len(shape) {
		return ArrayMetadata{}, fmt.Errorf("%d dimension names given for rank %d array", len(dims), len(shape))
	}
	if len(codecs) == 0 {
		codecs = CodecSpecs(DefaultCodec)
	}
	return ArrayMetadata{
		ZarrFormat: 3,
		NodeType:   "array",
		Shape:      shape,
		DataType:   "uint8",
		ChunkGrid: chunkGrid{
			Name:          "regular",
			Configuration: chunkGridConfig{ChunkShape: chunkShape},
		},
		ChunkKeyEncoding: chunkKeyEncoding{
			Name:          "default",
			Configuration: chunkKeyConfig{Separator: "/"},
		},
		FillValue:      fill,
		Codecs:         codecs,
		DimensionNames: dims,
	}, nil
}
