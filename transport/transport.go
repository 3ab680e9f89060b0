// Package transport defines the role drivers that carry the token exchange
// over BLE: an advertiser exposing two token slots and a scanner that finds
// it, writes its own token and reads the peer's.
package transport

import (
	"errors"
	"fmt"
)

// Fixed identifiers shared by both roles
const (
	ServiceUUID = "2AC0B600-7C0C-4C9D-AB71-072AE2037107"
	// ScannerTokenUUID is the advertiser's inbound slot, written by the scanner
	ScannerTokenUUID = "2AC0B601-7C0C-4C9D-AB71-072AE2037107"
	// AdvertiserTokenUUID is the advertiser's outbound slot, read by the scanner
	AdvertiserTokenUUID = "2AC0B602-7C0C-4C9D-AB71-072AE2037107"
)

var (
	ErrLinkLost        = errors.New("transport: link lost")
	ErrAdvertiseFailed = errors.New("transport: advertising failed")
	ErrConnectFailed   = errors.New("transport: connect failed")
	ErrConnectTimeout  = errors.New("transport: connect timed out")
	ErrDiscoverFailed  = errors.New("transport: slot discovery failed")
	ErrWriteFailed     = errors.New("transport: token write failed")
	ErrReadFailed      = errors.New("transport: token read failed")
)

// Role selects which side of the exchange a driver plays
type Role int

const (
	RoleAdvertiser Role = iota
	RoleScanner
)

func (r Role) String() string {
	switch r {
	case RoleAdvertiser:
		return "advertiser"
	case RoleScanner:
		return "scanner"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// Slot names one of the two token characteristics from the local side
type Slot int

const (
	InboundTokenSlot Slot = iota
	OutboundTokenSlot
)

func (s Slot) String() string {
	if s == InboundTokenSlot {
		return "inbound"
	}
	return "outbound"
}

// SlotsFor returns the characteristic UUIDs a role receives the peer token
// on and publishes its own token on. Both slots live on the advertiser: the
// scanner's outbound slot is the advertiser's inbound one.
func SlotsFor(role Role) map[Slot]string {
	if role == RoleScanner {
		return map[Slot]string{
			InboundTokenSlot:  AdvertiserTokenUUID,
			OutboundTokenSlot: ScannerTokenUUID,
		}
	}
	return map[Slot]string{
		InboundTokenSlot:  ScannerTokenUUID,
		OutboundTokenSlot: AdvertiserTokenUUID,
	}
}

// PowerState mirrors the radio availability reported by the platform
type PowerState int

const (
	PowerUnknown PowerState = iota
	PowerResetting
	PowerUnsupported
	PowerUnauthorized
	PowerOff
	PowerOn
)

func (p PowerState) String() string {
	switch p {
	case PowerResetting:
		return "resetting"
	case PowerUnsupported:
		return "unsupported"
	case PowerUnauthorized:
		return "unauthorized"
	case PowerOff:
		return "poweredOff"
	case PowerOn:
		return "poweredOn"
	default:
		return "unknown"
	}
}

// EventKind tags what a driver is reporting
type EventKind int

const (
	EventPowerChanged EventKind = iota
	EventLinked
	EventPeerToken
	EventFailed
	EventLinkLost
)

func (k EventKind) String() string {
	switch k {
	case EventPowerChanged:
		return "power_changed"
	case EventLinked:
		return "linked"
	case EventPeerToken:
		return "peer_token"
	case EventFailed:
		return "failed"
	case EventLinkLost:
		return "link_lost"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is one driver report. Peer is the remote device id; Data carries the
// encoded peer token for EventPeerToken; Err wraps one of the package
// sentinels for EventFailed.
type Event struct {
	Kind  EventKind
	Peer  string
	Data  []byte
	Power PowerState
	Err   error
}

// Emitter receives driver events. It must not block.
type Emitter func(Event)

// Driver runs one role of the exchange on some radio
type Driver interface {
	Role() Role
	// Activate publishes or sends localToken (already encoded) and reports
	// progress through emit until Teardown.
	Activate(localToken []byte, emit Emitter) error
	// Teardown stops advertising or scanning and drops the link. Nothing
	// is emitted after it returns.
	Teardown()
}
