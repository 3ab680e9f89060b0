// Package ranging describes the ranging-engine capability the session
// controller consumes, plus an in-process simulated engine.
package ranging

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/user/nearby-blue/token"
)

var (
	// ErrUnsupported means the local hardware cannot range. Capability does
	// not change at runtime.
	ErrUnsupported = errors.New("ranging: unsupported on this device")
	// ErrRejectedPeer is returned by Start when the peer token is unusable.
	ErrRejectedPeer = errors.New("ranging: peer token rejected")
	// ErrInvalidated reports a session the engine ended on its own.
	ErrInvalidated = errors.New("ranging: session invalidated")
)

// Vector3 is a unit direction in the device frame.
type Vector3 struct {
	X, Y, Z float64
}

func (v Vector3) Norm() float64 {
	return math.Sqrt(v.X*v.X + v.Y*v.Y + v.Z*v.Z)
}

// Sample is one engine measurement. A nil field means the engine could not
// compute it for that tick.
type Sample struct {
	Time      time.Time
	Distance  *float64
	Direction *Vector3
}

// Engine is the ranging capability.
type Engine interface {
	Supported() bool
	LocalToken() (token.Token, error)
	Start(ctx context.Context, peer token.Token) (Session, error)
}

// Session is one running ranging session.
type Session interface {
	// Samples is closed when the session ends.
	Samples() <-chan Sample
	// Err is valid after Samples is closed: nil when stopped by Stop,
	// ErrInvalidated otherwise.
	Err() error
	// Stop is idempotent.
	Stop()
}

// Initialize checks capability and returns the token to publish for the
// process lifetime. It must run before any transport setup.
func Initialize(e Engine) (token.Token, error) {
	if e == nil || !e.Supported() {
		return token.Token{}, ErrUnsupported
	}
	tok, err := e.LocalToken()
	if err != nil {
		return token.Token{}, err
	}
	if tok.IsZero() {
		return token.Token{}, ErrUnsupported
	}
	return tok, nil
}
