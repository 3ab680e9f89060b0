// Package token holds the opaque ranging identity exchanged between two
// devices and the codec that moves it across a token slot.
package token

import (
	"encoding/hex"
	"errors"
	"fmt"
)

// MaxSize is the largest payload a token may carry.
const MaxSize = 1024

// ErrInvalidSize is returned by New for empty or oversized input.
var ErrInvalidSize = errors.New("token: invalid size")

// Token is an immutable, comparable ranging identity. The zero value means
// "no token".
type Token struct {
	raw string
}

// New copies b into a Token.
func New(b []byte) (Token, error) {
	if len(b) == 0 || len(b) > MaxSize {
		return Token{}, fmt.Errorf("%w: %d bytes", ErrInvalidSize, len(b))
	}
	return Token{raw: string(b)}, nil
}

// Bytes returns a copy of the token payload.
func (t Token) Bytes() []byte {
	return []byte(t.raw)
}

// Len returns the payload length.
func (t Token) Len() int {
	return len(t.raw)
}

// IsZero reports whether t carries no payload.
func (t Token) IsZero() bool {
	return t.raw == ""
}

// String renders a short hex fingerprint for logs.
func (t Token) String() string {
	if t.IsZero() {
		return "token(none)"
	}
	n := len(t.raw)
	if n > 4 {
		n = 4
	}
	return fmt.Sprintf("token(%s…,%dB)", hex.EncodeToString([]byte(t.raw[:n])), len(t.raw))
}
