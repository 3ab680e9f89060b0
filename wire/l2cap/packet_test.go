package l2cap

import (
	"bytes"
	"io"
	"testing"
)

func TestEncodeDecode(t *testing.T) {
	pkt := NewATTPacket([]byte{0x0A, 0x03, 0x00})
	data := pkt.Encode()

	expected := []byte{0x03, 0x00, 0x04, 0x00, 0x0A, 0x03, 0x00}
	if !bytes.Equal(data, expected) {
		t.Fatalf("encoded = %x, want %x", data, expected)
	}

	decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.ChannelID != ChannelATT || !bytes.Equal(decoded.Payload, pkt.Payload) {
		t.Fatalf("decoded mismatch: %+v", decoded)
	}
}

func TestDecodeErrors(t *testing.T) {
	tests := map[string][]byte{
		"short header":  {0x01, 0x00},
		"short payload": {0x05, 0x00, 0x04, 0x00, 0x01},
		"extra bytes":   {0x01, 0x00, 0x04, 0x00, 0x01, 0x02},
	}
	for name, data := range tests {
		if _, err := Decode(data); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestReadWriteFrame(t *testing.T) {
	var buf bytes.Buffer
	for _, payload := range [][]byte{{0x02, 0x17, 0x00}, {}, bytes.Repeat([]byte{0xAB}, 200)} {
		if err := WriteFrame(&buf, NewATTPacket(payload)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	for i, want := range []int{3, 0, 200} {
		pkt, err := ReadFrame(&buf)
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if len(pkt.Payload) != want || pkt.ChannelID != ChannelATT {
			t.Fatalf("frame %d: got %d bytes on channel %d", i, len(pkt.Payload), pkt.ChannelID)
		}
	}

	if _, err := ReadFrame(&buf); err != io.EOF {
		t.Fatalf("expected EOF after last frame, got %v", err)
	}
}

func TestReadFrameRejectsOversized(t *testing.T) {
	hdr := []byte{0xFF, 0xFF, 0x04, 0x00}
	if _, err := ReadFrame(bytes.NewReader(hdr)); err == nil {
		t.Fatal("expected oversized frame error")
	}
}
