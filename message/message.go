/*
Package message encodes the binary frames exchanged with tile viewers
over a websocket.  Every frame is a one byte tag followed by a payload
of fixed-width big-endian fields.  Strings and byte buffers carry a
big-endian uint64 length prefix.

Inbound (viewer to server):

	0  TileRequest      store u32, image u32, level u32, x u32, y u32

Outbound (server to viewer):

	0  Error            message string
	1  TileResponse     store u32, image u32, level u32, x u32, y u32, buffer bytes
	2  DirectoryChange  change u8, then per change:
	                      0 Create  store u32, parent u32, id u32, name string
	                      1 Delete  store u32, id u32
	                      2 Move    store u32, id u32, destination u32
	                      3 Rename  store u32, id u32, name string
*/
package message

import (
	"encoding/binary"
	"fmt"

	"github.com/janelia-flyem/slidetile/slide"
)

// Tag identifies the kind of a frame.
type Tag uint8

// Inbound tags.
const (
	TagTileRequest Tag = 0
)

// Outbound tags.
const (
	TagError           Tag = 0
	TagTileResponse    Tag = 1
	TagDirectoryChange Tag = 2
)

// ChangeKind is the sub-tag of a DirectoryChange.
type ChangeKind uint8

const (
	ChangeCreate ChangeKind = iota
	ChangeDelete
	ChangeMove
	ChangeRename
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeCreate:
		return "create"
	case ChangeDelete:
		return "delete"
	case ChangeMove:
		return "move"
	case ChangeRename:
		return "rename"
	default:
		return fmt.Sprintf("unknown change %d", uint8(k))
	}
}

// Outbound is a frame sent from the server.
type Outbound interface {
	Tag() Tag
	MarshalBinary() ([]byte, error)
}

// TileRequest asks for one tile by grid position.
type TileRequest struct {
	StoreID uint32
	ImageID uint32
	Level   uint32
	X       uint32
	Y       uint32
}

const tileRequestSize = 20

func (r TileRequest) String() string {
	return fmt.Sprintf("store %d image %d level %d tile (%d, %d)", r.StoreID, r.ImageID, r.Level, r.X, r.Y)
}

func (r TileRequest) Tag() Tag {
	return TagTileRequest
}

func (r TileRequest) appendFields(b []byte) []byte {
	b = binary.BigEndian.AppendUint32(b, r.StoreID)
	b = binary.BigEndian.AppendUint32(b, r.ImageID)
	b = binary.BigEndian.AppendUint32(b, r.Level)
	b = binary.BigEndian.AppendUint32(b, r.X)
	return binary.BigEndian.AppendUint32(b, r.Y)
}

// MarshalBinary returns the inbound frame for the request.
func (r TileRequest) MarshalBinary() ([]byte, error) {
	b := make([]byte, 0, 1+tileRequestSize)
	b = append(b, byte(TagTileRequest))
	return r.appendFields(b), nil
}

func (r *TileRequest) readFields(d *decoder) {
	r.StoreID = d.uint32()
	r.ImageID = d.uint32()
	r.Level = d.uint32()
	r.X = d.uint32()
	r.Y = d.uint32()
}

// Error reports a failed request to the viewer.
type Error struct {
	Message string
}

func (e Error) Tag() Tag {
	return TagError
}

func (e Error) MarshalBinary() ([]byte, error) {
	b := []byte{byte(TagError)}
	return appendString(b, e.Message), nil
}

// TileResponse carries a compressed tile and the coordinates it was requested at.
type TileResponse struct {
	TileRequest
	Buffer []byte
}

func (r TileResponse) Tag() Tag {
	return TagTileResponse
}

func (r TileResponse) MarshalBinary() ([]byte, error) {
	b := make([]byte, 0, 1+tileRequestSize+8+len(r.Buffer))
	b = append(b, byte(TagTileResponse))
	b = r.appendFields(b)
	return appendBytes(b, r.Buffer), nil
}

// DirectoryChange notifies viewers of a registry tree mutation.  Fields not
// used by the change kind are ignored.
type DirectoryChange struct {
	Kind          ChangeKind
	StoreID       uint32
	ParentID      uint32
	ID            uint32
	DestinationID uint32
	Name          string
}

func (c DirectoryChange) String() string {
	return fmt.Sprintf("%s of %d in store %d", c.Kind, c.ID, c.StoreID)
}

func (c DirectoryChange) Tag() Tag {
	return TagDirectoryChange
}

func (c DirectoryChange) MarshalBinary() ([]byte, error) {
	b := []byte{byte(TagDirectoryChange), byte(c.Kind)}
	b = binary.BigEndian.AppendUint32(b, c.StoreID)
	switch c.Kind {
	case ChangeCreate:
		b = binary.BigEndian.AppendUint32(b, c.ParentID)
		b = binary.BigEndian.AppendUint32(b, c.ID)
		b = appendString(b, c.Name)
	case ChangeDelete:
		b = binary.BigEndian.AppendUint32(b, c.ID)
	case ChangeMove:
		b = binary.BigEndian.AppendUint32(b, c.ID)
		b = binary.BigEndian.AppendUint32(b, c.DestinationID)
	case ChangeRename:
		b = binary.BigEndian.AppendUint32(b, c.ID)
		b = appendString(b, c.Name)
	default:
		return nil, fmt.Errorf("unknown directory change kind %d", c.Kind)
	}
	return b, nil
}

func appendString(b []byte, s string) []byte {
	b = binary.BigEndian.AppendUint64(b, uint64(len(s)))
	return append(b, s...)
}

func appendBytes(b []byte, p []byte) []byte {
	b = binary.BigEndian.AppendUint64(b, uint64(len(p)))
	return append(b, p...)
}

// DecodeInbound parses a frame sent by a viewer.  Unknown tags and
// malformed payloads return a WebSocketParse error.
func DecodeInbound(frame []byte) (*TileRequest, error) {
	if len(frame) == 0 {
		return nil, slide.NewError(slide.WebSocketParse, "decode inbound", "empty frame")
	}
	switch Tag(frame[0]) {
	case TagTileRequest:
		if len(frame) != 1+tileRequestSize {
			return nil, slide.NewError(slide.WebSocketParse, "decode inbound", "tile request has %d byte payload, expected %d", len(frame)-1, tileRequestSize)
		}
		d := decoder{buf: frame[1:]}
		var r TileRequest
		r.readFields(&d)
		return &r, nil
	default:
		return nil, slide.NewError(slide.WebSocketParse, "decode inbound", "unknown tag %d", frame[0])
	}
}

// DecodeOutbound parses a frame sent by the server.
func DecodeOutbound(frame []byte) (Outbound, error) {
	if len(frame) == 0 {
		return nil, slide.NewError(slide.WebSocketParse, "decode outbound", "empty frame")
	}
	d := decoder{buf: frame[1:]}
	var msg Outbound
	switch Tag(frame[0]) {
	case TagError:
		msg = Error{Message: d.string()}
	case TagTileResponse:
		var r TileResponse
		r.readFields(&d)
		r.Buffer = d.bytes()
		msg = r
	case TagDirectoryChange:
		c := DirectoryChange{Kind: ChangeKind(d.uint8())}
		c.StoreID = d.uint32()
		switch c.Kind {
		case ChangeCreate:
			c.ParentID = d.uint32()
			c.ID = d.uint32()
			c.Name = d.string()
		case ChangeDelete:
			c.ID = d.uint32()
		case ChangeMove:
			c.ID = d.uint32()
			c.DestinationID = d.uint32()
		case ChangeRename:
			c.ID = d.uint32()
			c.Name = d.string()
		default:
			if d.err == nil {
				d.err = fmt.Errorf("unknown directory change kind %d", c.Kind)
			}
		}
		msg = c
	default:
		return nil, slide.NewError(slide.WebSocketParse, "decode outbound", "unknown tag %d", frame[0])
	}
	if d.err == nil && len(d.buf) != 0 {
		d.err = fmt.Errorf("%d trailing bytes", len(d.buf))
	}
	if d.err != nil {
		return nil, slide.WrapError(slide.WebSocketParse, "decode outbound", d.err)
	}
	return msg, nil
}

// decoder reads big-endian fields, recording the first short read.
type decoder struct {
	buf []byte
	err error
}

func (d *decoder) take(n uint64) []byte {
	if d.err != nil {
		return nil
	}
	if uint64(len(d.buf)) < n {
		d.err = fmt.Errorf("need %d bytes, have %d", n, len(d.buf))
		return nil
	}
	p := d.buf[:n]
	d.buf = d.buf[n:]
	return p
}

func (d *decoder) uint8() uint8 {
	if p := d.take(1); p != nil {
		return p[0]
	}
	return 0
}

func (d *decoder) uint32() uint32 {
	if p := d.take(4); p != nil {
		return binary.BigEndian.Uint32(p)
	}
	return 0
}

func (d *decoder) uint64() uint64 {
	if p := d.take(8); p != nil {
		return binary.BigEndian.Uint64(p)
	}
	return 0
}

func (d *decoder) bytes() []byte {
	n := d.uint64()
	p := d.take(n)
	if p == nil {
		return nil
	}
	out := make([]byte, n)
	copy(out, p)
	return out
}

func (d *decoder) string() string {
	return string(d.bytes())
}
