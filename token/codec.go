package token

import (
	"errors"
	"fmt"
	"hash/crc32"

	"google.golang.org/protobuf/encoding/protowire"
)

// Envelope layout (protobuf wire format, fixed order, each field exactly once):
//
//	1: varint  version  (= 1)
//	2: bytes   payload
//	3: fixed32 checksum (CRC-32 IEEE of payload)
const (
	envelopeVersion = 1

	fieldVersion  protowire.Number = 1
	fieldPayload  protowire.Number = 2
	fieldChecksum protowire.Number = 3
)

var (
	ErrEmpty     = errors.New("token: empty input")
	ErrMalformed = errors.New("token: malformed input")
)

// DecodeKind classifies a decode failure.
type DecodeKind int

const (
	KindEmpty DecodeKind = iota
	KindMalformed
)

func (k DecodeKind) String() string {
	if k == KindEmpty {
		return "empty"
	}
	return "malformed"
}

// DecodeError is returned by Decode. It matches ErrEmpty or ErrMalformed
// under errors.Is.
type DecodeError struct {
	Kind   DecodeKind
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("token: %s: %s", e.Kind, e.Reason)
}

func (e *DecodeError) Is(target error) bool {
	switch e.Kind {
	case KindEmpty:
		return target == ErrEmpty
	default:
		return target == ErrMalformed
	}
}

func malformed(format string, args ...interface{}) error {
	return &DecodeError{Kind: KindMalformed, Reason: fmt.Sprintf(format, args...)}
}

// Encode serializes t into the slot envelope. The zero token encodes to nil.
func Encode(t Token) []byte {
	if t.IsZero() {
		return nil
	}
	payload := []byte(t.raw)

	b := make([]byte, 0, 12+len(payload))
	b = protowire.AppendTag(b, fieldVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, envelopeVersion)
	b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
	b = protowire.AppendBytes(b, payload)
	b = protowire.AppendTag(b, fieldChecksum, protowire.Fixed32Type)
	b = protowire.AppendFixed32(b, crc32.ChecksumIEEE(payload))
	return b
}

// Decode parses bytes received from a remote device. Input is untrusted:
// only the exact canonical envelope produced by Encode is accepted.
func Decode(b []byte) (Token, error) {
	if len(b) == 0 {
		return Token{}, &DecodeError{Kind: KindEmpty, Reason: "zero-length input"}
	}

	rest, err := expectTag(b, fieldVersion, protowire.VarintType)
	if err != nil {
		return Token{}, err
	}
	version, n := protowire.ConsumeVarint(rest)
	if n < 0 || n != protowire.SizeVarint(version) {
		return Token{}, malformed("bad version varint")
	}
	if version != envelopeVersion {
		return Token{}, malformed("unsupported version %d", version)
	}
	rest = rest[n:]

	rest, err = expectTag(rest, fieldPayload, protowire.BytesType)
	if err != nil {
		return Token{}, err
	}
	payload, n := protowire.ConsumeBytes(rest)
	if n < 0 || n != protowire.SizeBytes(len(payload)) {
		return Token{}, malformed("bad payload length")
	}
	if len(payload) == 0 || len(payload) > MaxSize {
		return Token{}, malformed("payload size %d out of range", len(payload))
	}
	rest = rest[n:]

	rest, err = expectTag(rest, fieldChecksum, protowire.Fixed32Type)
	if err != nil {
		return Token{}, err
	}
	sum, n := protowire.ConsumeFixed32(rest)
	if n < 0 {
		return Token{}, malformed("truncated checksum")
	}
	if len(rest[n:]) != 0 {
		return Token{}, malformed("%d trailing bytes", len(rest[n:]))
	}
	if sum != crc32.ChecksumIEEE(payload) {
		return Token{}, malformed("checksum mismatch")
	}

	return Token{raw: string(payload)}, nil
}

func expectTag(b []byte, num protowire.Number, typ protowire.Type) ([]byte, error) {
	gotNum, gotTyp, n := protowire.ConsumeTag(b)
	if n < 0 {
		return nil, malformed("truncated before field %d", num)
	}
	if gotNum != num || gotTyp != typ || n != protowire.SizeTag(num) {
		return nil, malformed("expected field %d type %d, got field %d type %d", num, typ, gotNum, gotTyp)
	}
	return b[n:], nil
}
