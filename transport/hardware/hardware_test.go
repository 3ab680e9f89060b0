package hardware

import (
	"errors"
	"strings"
	"testing"

	"github.com/user/nearby-blue/transport"
	"tinygo.org/x/bluetooth"
)

func TestSlotUUIDsMatchTransport(t *testing.T) {
	cases := map[string]bluetooth.UUID{
		transport.ServiceUUID:         serviceUUID,
		transport.ScannerTokenUUID:    scannerSlot,
		transport.AdvertiserTokenUUID: advertiserSlot,
	}
	for want, got := range cases {
		if !strings.EqualFold(got.String(), want) {
			t.Errorf("uuid %s, want %s", got, want)
		}
	}
}

func TestPowerFromEnable(t *testing.T) {
	if got := powerFromEnable(nil); got != transport.PowerOn {
		t.Fatalf("nil error -> %s", got)
	}
	if got := powerFromEnable(errors.New("no adapter")); got != transport.PowerUnsupported {
		t.Fatalf("error -> %s", got)
	}
}

func TestOptionDefaults(t *testing.T) {
	o := Options{}.withDefaults()
	if o.Adapter != bluetooth.DefaultAdapter {
		t.Fatal("adapter not defaulted")
	}
	if o.ConnectTimeout != transport.DefaultConnectTimeout || o.DeviceName == "" {
		t.Fatalf("defaults %+v", o)
	}
	if NewScanner(Options{}).Role() != transport.RoleScanner || NewAdvertiser(Options{}).Role() != transport.RoleAdvertiser {
		t.Fatal("roles")
	}
}

func TestEmptyTokenRejected(t *testing.T) {
	noop := func(transport.Event) {}
	if err := NewScanner(Options{}).Activate(nil, noop); err == nil {
		t.Fatal("scanner accepted empty token")
	}
	if err := NewAdvertiser(Options{}).Activate(nil, noop); err == nil {
		t.Fatal("advertiser accepted empty token")
	}
}

func TestAcknowledgedWriteHelper(t *testing.T) {
	var write func(*bluetooth.DeviceCharacteristic, []byte) (int, error) = writeAcked
	if write == nil {
		t.Fatal("no acknowledged write for this platform")
	}
}

func TestAdvertiserTakesOneWholeTokenWrite(t *testing.T) {
	a := NewAdvertiser(Options{})
	events := make(chan transport.Event, 8)
	a.gate.Open(func(ev transport.Event) { events <- ev })
	a.active = true

	var client bluetooth.Connection
	a.onWrite(client, 4, []byte("tail"))
	if len(events) != 0 || a.accepted {
		t.Fatal("fragment at offset 4 taken as the token")
	}

	a.onWrite(client, 0, []byte("whole"))
	a.onWrite(client, 0, []byte("second"))
	if got := (<-events).Kind; got != transport.EventLinked {
		t.Fatalf("first event %s", got)
	}
	if ev := <-events; ev.Kind != transport.EventPeerToken || string(ev.Data) != "whole" {
		t.Fatalf("token event %s %q", ev.Kind, ev.Data)
	}
	if len(events) != 0 {
		t.Fatal("second write accepted")
	}
}
