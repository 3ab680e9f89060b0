package token

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"
)

func mustNew(t *testing.T, b []byte) Token {
	t.Helper()
	tok, err := New(b)
	if err != nil {
		t.Fatalf("New(%x): %v", b, err)
	}
	return tok
}

func TestRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	sizes := []int{1, 2, 3, 16, 127, 128, 300, MaxSize}
	for _, size := range sizes {
		buf := make([]byte, size)
		rng.Read(buf)
		tok := mustNew(t, buf)

		enc := Encode(tok)
		if !bytes.Equal(enc, Encode(tok)) {
			t.Fatalf("size %d: encode is not deterministic", size)
		}
		got, err := Decode(enc)
		if err != nil {
			t.Fatalf("size %d: decode: %v", size, err)
		}
		if got != tok {
			t.Fatalf("size %d: round trip mismatch", size)
		}
	}
}

func TestThreeByteTokenIsTwelveBytes(t *testing.T) {
	tok := mustNew(t, []byte{0xA1, 0xB2, 0xC3})
	enc := Encode(tok)
	if len(enc) != 12 {
		t.Fatalf("expected 12 encoded bytes, got %d (%x)", len(enc), enc)
	}
	if enc[0] != 0x08 || enc[1] != 0x01 || enc[2] != 0x12 || enc[3] != 0x03 {
		t.Fatalf("unexpected envelope prefix %x", enc[:4])
	}
}

func TestDecodeEmpty(t *testing.T) {
	for _, in := range [][]byte{nil, {}} {
		_, err := Decode(in)
		if !errors.Is(err, ErrEmpty) {
			t.Fatalf("expected ErrEmpty, got %v", err)
		}
		var de *DecodeError
		if !errors.As(err, &de) || de.Kind != KindEmpty {
			t.Fatalf("expected *DecodeError kind empty, got %#v", err)
		}
	}
}

func TestDecodeRejectsStructuralDefects(t *testing.T) {
	valid := Encode(mustNew(t, []byte("abc")))

	trailing := append(append([]byte{}, valid...), 0x00)
	wrongVersion := append([]byte{}, valid...)
	wrongVersion[1] = 0x02
	swapped := append([]byte{}, valid[2:7]...)
	swapped = append(swapped, valid[:2]...)
	swapped = append(swapped, valid[7:]...)
	overlongVersion := append([]byte{0x08, 0x81, 0x00}, valid[2:]...)

	cases := map[string][]byte{
		"three garbage bytes": {0xde, 0xad, 0xbf},
		"trailing byte":       trailing,
		"wrong version":       wrongVersion,
		"fields out of order": swapped,
		"overlong varint":     overlongVersion,
		"zero payload":        {0x08, 0x01, 0x12, 0x00, 0x1d, 0, 0, 0, 0},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(in)
			if !errors.Is(err, ErrMalformed) {
				t.Fatalf("expected ErrMalformed, got %v", err)
			}
		})
	}
}

func TestDecodeTruncations(t *testing.T) {
	valid := Encode(mustNew(t, []byte("token-bytes")))
	for i := 1; i < len(valid); i++ {
		if _, err := Decode(valid[:i]); !errors.Is(err, ErrMalformed) {
			t.Fatalf("prefix %d: expected ErrMalformed, got %v", i, err)
		}
	}
}

func TestDecodeSingleBitFlips(t *testing.T) {
	valid := Encode(mustNew(t, []byte("peer")))
	for i := range valid {
		for bit := 0; bit < 8; bit++ {
			in := append([]byte{}, valid...)
			in[i] ^= 1 << bit
			if _, err := Decode(in); !errors.Is(err, ErrMalformed) {
				t.Fatalf("byte %d bit %d: expected ErrMalformed, got %v", i, bit, err)
			}
		}
	}
}

func TestDecodeShortInputsExhaustive(t *testing.T) {
	for a := 0; a < 256; a++ {
		if _, err := Decode([]byte{byte(a)}); !errors.Is(err, ErrMalformed) {
			t.Fatalf("[%02x]: expected ErrMalformed, got %v", a, err)
		}
		for b := 0; b < 256; b++ {
			if _, err := Decode([]byte{byte(a), byte(b)}); !errors.Is(err, ErrMalformed) {
				t.Fatalf("[%02x %02x]: expected ErrMalformed, got %v", a, b, err)
			}
		}
	}
}

func TestDecodeRandomInputs(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 20000; i++ {
		in := make([]byte, rng.Intn(64))
		rng.Read(in)
		tok, err := Decode(in)
		if err == nil {
			if !bytes.Equal(Encode(tok), in) {
				t.Fatalf("accepted non-canonical input %x", in)
			}
			continue
		}
		if !errors.Is(err, ErrMalformed) && !errors.Is(err, ErrEmpty) {
			t.Fatalf("unexpected error class for %x: %v", in, err)
		}
	}
}

func FuzzDecode(f *testing.F) {
	f.Add([]byte{})
	f.Add([]byte{0xde, 0xad, 0xbf})
	f.Add(Encode(Token{raw: "seed"}))
	f.Fuzz(func(t *testing.T, in []byte) {
		tok, err := Decode(in)
		if err != nil {
			if len(in) == 0 && !errors.Is(err, ErrEmpty) {
				t.Fatalf("empty input must be ErrEmpty, got %v", err)
			}
			if len(in) > 0 && !errors.Is(err, ErrMalformed) {
				t.Fatalf("non-empty input must be ErrMalformed, got %v", err)
			}
			return
		}
		if !bytes.Equal(Encode(tok), in) {
			t.Fatalf("decode accepted non-canonical %x", in)
		}
	})
}
