// Package l2cap frames ATT PDUs with the L2CAP basic header used on the
// simulated link.
package l2cap

import (
	"encoding/binary"
	"fmt"
	"io"
)

// L2CAP channel IDs
const (
	ChannelSignaling uint16 = 0x0001
	ChannelATT       uint16 = 0x0004 // Attribute Protocol
	ChannelLESignal  uint16 = 0x0005
)

const (
	DefaultMTU = 23 // ATT MTU before exchange
	MinMTU     = 23
	MaxMTU     = 517
	HeaderLen  = 4 // Length (2 bytes) + Channel ID (2 bytes)

	// MaxPayload bounds a single frame read from a socket.
	MaxPayload = MaxMTU + 16
)

// Packet is one L2CAP basic frame.
// Format: [Length: 2 bytes LE] [Channel ID: 2 bytes LE] [Payload: N bytes]
type Packet struct {
	ChannelID uint16
	Payload   []byte
}

// NewATTPacket wraps an ATT PDU for the ATT channel
func NewATTPacket(payload []byte) *Packet {
	return &Packet{ChannelID: ChannelATT, Payload: payload}
}

// Encode serializes the frame
func (p *Packet) Encode() []byte {
	buf := make([]byte, HeaderLen+len(p.Payload))
	binary.LittleEndian.PutUint16(buf[0:2], uint16(len(p.Payload)))
	binary.LittleEndian.PutUint16(buf[2:4], p.ChannelID)
	copy(buf[4:], p.Payload)
	return buf
}

// Decode parses one complete frame. Extra bytes after the claimed payload
// are an error.
func Decode(data []byte) (*Packet, error) {
	if len(data) < HeaderLen {
		return nil, fmt.Errorf("l2cap: packet too short (need %d bytes, got %d)", HeaderLen, len(data))
	}
	length := int(binary.LittleEndian.Uint16(data[0:2]))
	if len(data) != HeaderLen+length {
		return nil, fmt.Errorf("l2cap: length mismatch (claimed %d, got %d)", length, len(data)-HeaderLen)
	}
	payload := make([]byte, length)
	copy(payload, data[HeaderLen:])
	return &Packet{
		ChannelID: binary.LittleEndian.Uint16(data[2:4]),
		Payload:   payload,
	}, nil
}

// ReadFrame reads exactly one frame from r
func ReadFrame(r io.Reader) (*Packet, error) {
	var hdr [HeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	length := int(binary.LittleEndian.Uint16(hdr[0:2]))
	if length > MaxPayload {
		return nil, fmt.Errorf("l2cap: frame too large (%d bytes)", length)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return &Packet{
		ChannelID: binary.LittleEndian.Uint16(hdr[2:4]),
		Payload:   payload,
	}, nil
}

// WriteFrame writes p to w in a single Write call
func WriteFrame(w io.Writer, p *Packet) error {
	if len(p.Payload) > MaxPayload {
		return fmt.Errorf("l2cap: payload too large (%d bytes)", len(p.Payload))
	}
	_, err := w.Write(p.Encode())
	return err
}
