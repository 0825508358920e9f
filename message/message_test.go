package message

import (
	"bytes"
	"testing"

	"github.com/janelia-flyem/slidetile/slide"
)

func TestTileRequestLayout(t *testing.T) {
	req := TileRequest{StoreID: 1, ImageID: 0x01020304, Level: 2, X: 5, Y: 0xFFFFFFFF}
	frame, err := req.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	expected := []byte{
		0,
		0, 0, 0, 1,
		1, 2, 3, 4,
		0, 0, 0, 2,
		0, 0, 0, 5,
		0xFF, 0xFF, 0xFF, 0xFF,
	}
	if !bytes.Equal(frame, expected) {
		t.Fatalf("bad frame:\n got %v\nwant %v\n", frame, expected)
	}
	got, err := DecodeInbound(frame)
	if err != nil {
		t.Fatal(err)
	}
	if *got != req {
		t.Errorf("decoded %v, expected %v\n", got, req)
	}
}

func TestDecodeInboundMalformed(t *testing.T) {
	frames := [][]byte{
		nil,
		{0},
		{0, 1, 2, 3},
		append([]byte{0}, make([]byte, 21)...),
		append([]byte{7}, make([]byte, 20)...),
	}
	for _, frame := range frames {
		if _, err := DecodeInbound(frame); !slide.IsKind(err, slide.WebSocketParse) {
			t.Errorf("frame %v: expected parse error, got %v\n", frame, err)
		}
	}
}

func TestErrorLayout(t *testing.T) {
	frame, _ := Error{Message: "no tile"}.MarshalBinary()
	expected := append([]byte{0, 0, 0, 0, 0, 0, 0, 0, 7}, "no tile"...)
	if !bytes.Equal(frame, expected) {
		t.Errorf("bad error frame %v\n", frame)
	}
}

func TestTileResponseLayout(t *testing.T) {
	resp := TileResponse{
		TileRequest: TileRequest{StoreID: 3, ImageID: 4, Level: 0, X: 1, Y: 2},
		Buffer:      []byte{0xFF, 0xD8, 0xFF},
	}
	frame, _ := resp.MarshalBinary()
	if frame[0] != byte(TagTileResponse) || len(frame) != 1+20+8+3 {
		t.Fatalf("bad tile response frame %v\n", frame)
	}
	if frame[28] != 3 || !bytes.Equal(frame[29:], resp.Buffer) {
		t.Errorf("bad buffer encoding %v\n", frame[21:])
	}
	msg, err := DecodeOutbound(frame)
	if err != nil {
		t.Fatal(err)
	}
	got, ok := msg.(TileResponse)
	if !ok {
		t.Fatalf("decoded %T\n", msg)
	}
	if got.TileRequest != resp.TileRequest || !bytes.Equal(got.Buffer, resp.Buffer) {
		t.Errorf("decoded %v\n", got)
	}
}

func TestDirectoryChanges(t *testing.T) {
	changes := []DirectoryChange{
		{Kind: ChangeCreate, StoreID: 1, ParentID: 2, ID: 3, Name: "slides"},
		{Kind: ChangeDelete, StoreID: 1, ID: 3},
		{Kind: ChangeMove, StoreID: 1, ID: 3, DestinationID: 9},
		{Kind: ChangeRename, StoreID: 1, ID: 3, Name: "renamed"},
	}
	sizes := []int{2 + 4 + 4 + 4 + 8 + 6, 2 + 4 + 4, 2 + 4 + 4 + 4, 2 + 4 + 4 + 8 + 7}
	for i, c := range changes {
		frame, err := c.MarshalBinary()
		if err != nil {
			t.Fatal(err)
		}
		if frame[0] != byte(TagDirectoryChange) || frame[1] != byte(c.Kind) {
			t.Errorf("%s: bad tags %v\n", c.Kind, frame[:2])
		}
		if len(frame) != sizes[i] {
			t.Errorf("%s: frame has %d bytes, expected %d\n", c.Kind, len(frame), sizes[i])
		}
		msg, err := DecodeOutbound(frame)
		if err != nil {
			t.Fatalf("%s: %v\n", c.Kind, err)
		}
		if msg.(DirectoryChange) != c {
			t.Errorf("decoded %v, expected %v\n", msg, c)
		}
	}
	if _, err := (DirectoryChange{Kind: 9}).MarshalBinary(); err == nil {
		t.Errorf("expected error for unknown change kind\n")
	}
}

func TestDecodeOutboundTruncated(t *testing.T) {
	frame, _ := TileResponse{Buffer: make([]byte, 100)}.MarshalBinary()
	if _, err := DecodeOutbound(frame[:len(frame)-1]); !slide.IsKind(err, slide.WebSocketParse) {
		t.Errorf("expected parse error for truncated frame, got %v\n", err)
	}
	if _, err := DecodeOutbound(append(frame, 0)); !slide.IsKind(err, slide.WebSocketParse) {
		t.Errorf("expected parse error for trailing bytes, got %v\n", err)
	}
	if _, err := DecodeOutbound([]byte{2, 8, 0, 0, 0, 1}); !slide.IsKind(err, slide.WebSocketParse) {
		t.Errorf("expected parse error for unknown change, got %v\n", err)
	}
}
