package gatt

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Well-known GATT attribute types (16-bit, little-endian)
var (
	UUIDPrimaryService             = []byte{0x00, 0x28} // 0x2800
	UUIDCharacteristic             = []byte{0x03, 0x28} // 0x2803
	UUIDClientCharacteristicConfig = []byte{0x02, 0x29} // 0x2902 (CCCD)
)

// ParseUUID converts a textual UUID to its little-endian wire form. Accepts
// 16-bit short form ("2902") and the canonical 128-bit form.
func ParseUUID(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if len(s) == 4 {
		b, err := hex.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("gatt: invalid 16-bit uuid %q: %w", s, err)
		}
		out := make([]byte, 2)
		binary.LittleEndian.PutUint16(out, binary.BigEndian.Uint16(b))
		return out, nil
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("gatt: invalid uuid %q: %w", s, err)
	}
	return reverse(id[:]), nil
}

// MustParseUUID is for package-level tables of fixed identifiers
func MustParseUUID(s string) []byte {
	b, err := ParseUUID(s)
	if err != nil {
		panic(err)
	}
	return b
}

// UUIDString renders a wire-form UUID in upper-case canonical text
func UUIDString(b []byte) string {
	switch len(b) {
	case 2:
		return fmt.Sprintf("%04X", binary.LittleEndian.Uint16(b))
	case 16:
		id, err := uuid.FromBytes(reverse(b))
		if err != nil {
			return hex.EncodeToString(b)
		}
		return strings.ToUpper(id.String())
	default:
		return hex.EncodeToString(b)
	}
}

// NormalizeUUID returns the canonical text form of s, or s unchanged when
// it does not parse.
func NormalizeUUID(s string) string {
	b, err := ParseUUID(s)
	if err != nil {
		return s
	}
	return UUIDString(b)
}

func reverse(b []byte) []byte {
	out := make([]byte, len(b))
	for i := range b {
		out[len(b)-1-i] = b[i]
	}
	return out
}
