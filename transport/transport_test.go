package transport

import (
	"bytes"
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/user/nearby-blue/logger"
	"github.com/user/nearby-blue/swift"
	"github.com/user/nearby-blue/util"
	"github.com/user/nearby-blue/wire"
	"github.com/user/nearby-blue/wire/att"
)

var fastManager = swift.ManagerOptions{PowerOnDelay: time.Millisecond, InitialState: swift.CBManagerStatePoweredOn}

type collector chan Event

func (c collector) emit(ev Event) {
	select {
	case c <- ev:
	default:
	}
}

// next returns the next event of kind, skipping power reports
func (c collector) next(t *testing.T, kind EventKind) Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-c:
			if ev.Kind == EventPowerChanged && kind != EventPowerChanged {
				continue
			}
			if ev.Kind != kind {
				t.Fatalf("got %s event (%v), want %s", ev.Kind, ev.Err, kind)
			}
			return ev
		case <-deadline:
			t.Fatalf("timed out waiting for %s", kind)
		}
	}
}

func startWire(t *testing.T, cfg *wire.SimulationConfig) *wire.Wire {
	t.Helper()
	if cfg == nil {
		cfg = wire.PerfectSimulationConfig()
	}
	w := wire.NewWireWithConfig(uuid.New().String(), cfg)
	if err := w.Start(); err != nil {
		t.Fatalf("start wire: %v", err)
	}
	t.Cleanup(w.Stop)
	return w
}

func startAdvertiser(t *testing.T, token []byte) (*Advertiser, collector) {
	t.Helper()
	a := NewAdvertiser(startWire(t, nil), AdvertiserOptions{DeviceName: "adv", Manager: fastManager})
	t.Cleanup(a.Close)
	events := make(collector, 32)
	if err := a.Activate(token, events.emit); err != nil {
		t.Fatalf("activate advertiser: %v", err)
	}
	return a, events
}

func TestSlotsFor(t *testing.T) {
	adv, scan := SlotsFor(RoleAdvertiser), SlotsFor(RoleScanner)
	if adv[InboundTokenSlot] != ScannerTokenUUID || adv[OutboundTokenSlot] != AdvertiserTokenUUID {
		t.Fatalf("advertiser slots %v", adv)
	}
	if scan[InboundTokenSlot] != adv[OutboundTokenSlot] || scan[OutboundTokenSlot] != adv[InboundTokenSlot] {
		t.Fatalf("scanner slots %v do not mirror advertiser", scan)
	}
}

func TestExchangeEndToEnd(t *testing.T) {
	util.SetRandom()
	advToken := []byte("advertiser-token")
	scanToken := []byte("scanner-token")

	_, advEvents := startAdvertiser(t, advToken)
	power := advEvents.next(t, EventPowerChanged)
	if power.Power != PowerOn {
		t.Fatalf("advertiser power %s", power.Power)
	}

	s := NewScanner(startWire(t, nil), ScannerOptions{ConnectTimeout: time.Second, Manager: fastManager})
	t.Cleanup(s.Close)
	scanEvents := make(collector, 32)
	if err := s.Activate(scanToken, scanEvents.emit); err != nil {
		t.Fatalf("activate scanner: %v", err)
	}

	linked := scanEvents.next(t, EventLinked)
	got := scanEvents.next(t, EventPeerToken)
	if !bytes.Equal(got.Data, advToken) || got.Peer != linked.Peer {
		t.Fatalf("scanner got %q from %s", got.Data, got.Peer)
	}

	advLinked := advEvents.next(t, EventLinked)
	advGot := advEvents.next(t, EventPeerToken)
	if !bytes.Equal(advGot.Data, scanToken) || advGot.Peer != advLinked.Peer {
		t.Fatalf("advertiser got %q from %s", advGot.Data, advGot.Peer)
	}

	s.Teardown()
	lost := advEvents.next(t, EventLinkLost)
	if !errors.Is(lost.Err, ErrLinkLost) {
		t.Fatalf("link lost err = %v", lost.Err)
	}
	select {
	case ev := <-scanEvents:
		t.Fatalf("scanner emitted %s after teardown", ev.Kind)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestAdvertiserSlotRules(t *testing.T) {
	util.SetRandom()
	token := bytes.Repeat([]byte{0x5A}, 40)
	a, events := startAdvertiser(t, token)
	events.next(t, EventPowerChanged)

	// drive the slots directly over the wire
	central := startWire(t, nil)
	ctx := context.Background()
	peer := a.wire.HardwareUUID()
	deadline := time.Now().Add(2 * time.Second)
	for !a.pm.IsAdvertising() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if err := central.Connect(ctx, peer); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, err := central.DiscoverServices(ctx, peer); err != nil {
		t.Fatal(err)
	}
	if _, err := central.DiscoverCharacteristics(ctx, peer, ServiceUUID); err != nil {
		t.Fatal(err)
	}
	in, _ := central.Characteristic(peer, ServiceUUID, ScannerTokenUUID)
	out, _ := central.Characteristic(peer, ServiceUUID, AdvertiserTokenUUID)

	value, err := central.ReadCharacteristic(ctx, peer, out.ValueHandle)
	if err != nil || !bytes.Equal(value, token) {
		t.Fatalf("read outbound = %x, %v", value, err)
	}
	if _, err := central.ReadCharacteristic(ctx, peer, in.ValueHandle); !att.IsATTError(err, att.ErrReadNotPermitted) {
		t.Fatalf("read inbound: %v", err)
	}
	if err := central.WriteCharacteristic(ctx, peer, out.ValueHandle, []byte{1}); !att.IsATTError(err, att.ErrWriteNotPermitted) {
		t.Fatalf("write outbound: %v", err)
	}

	if err := central.WriteCharacteristic(ctx, peer, in.ValueHandle, []byte{1, 2, 3}); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if err := central.WriteCharacteristic(ctx, peer, in.ValueHandle, []byte{4, 5, 6}); !att.IsATTError(err, att.ErrWriteRequestRejected) {
		t.Fatalf("second write: %v", err)
	}
	events.next(t, EventLinked)
	if ev := events.next(t, EventPeerToken); !bytes.Equal(ev.Data, []byte{1, 2, 3}) {
		t.Fatalf("peer token %x", ev.Data)
	}
}

func TestAdvertiserPartialReads(t *testing.T) {
	util.SetRandom()
	token := []byte("0123456789")
	a, _ := startAdvertiser(t, token)

	cases := []struct {
		offset int
		want   []byte
		code   swift.CBATTError
	}{
		{0, token, swift.CBATTErrorSuccess},
		{4, token[4:], swift.CBATTErrorSuccess},
		{10, []byte{}, swift.CBATTErrorSuccess},
		{11, nil, swift.CBATTErrorInvalidOffset},
	}
	char := &swift.CBMutableCharacteristic{UUID: AdvertiserTokenUUID}
	for _, tc := range cases {
		req := swift.NewCBATTRequest(swift.CBCentral{UUID: "c"}, char, tc.offset, nil)
		a.DidReceiveReadRequest(a.pm, req)
		code, ok := req.Result()
		if !ok || code != tc.code {
			t.Fatalf("offset %d: code %s, want %s", tc.offset, code, tc.code)
		}
		if code == swift.CBATTErrorSuccess && !bytes.Equal(req.Value, tc.want) {
			t.Fatalf("offset %d: value %q, want %q", tc.offset, req.Value, tc.want)
		}
	}
}

func TestScannerIgnoresSecondAdvertiser(t *testing.T) {
	util.SetRandom()
	s := NewScanner(startWire(t, nil), ScannerOptions{ConnectTimeout: time.Second, Manager: fastManager})
	t.Cleanup(s.Close)
	events := make(collector, 32)
	if err := s.Activate([]byte("tok"), events.emit); err != nil {
		t.Fatal(err)
	}

	_, advEvents := startAdvertiser(t, []byte("first"))
	advEvents.next(t, EventPowerChanged)
	events.next(t, EventLinked)
	peer := events.next(t, EventPeerToken)

	second := &swift.CBPeripheral{UUID: uuid.New().String()}
	s.DidDiscoverPeripheral(s.cm, second, nil, -40)
	s.mu.Lock()
	target := s.target
	s.mu.Unlock()
	if target == nil || target.UUID != peer.Peer {
		t.Fatalf("scanner switched peers: %+v", target)
	}
}

func TestScannerConnectTimeout(t *testing.T) {
	util.SetRandom()
	slow := wire.PerfectSimulationConfig()
	slow.MinConnectionDelay = 5 * time.Second
	slow.MaxConnectionDelay = 5 * time.Second

	s := NewScanner(startWire(t, slow), ScannerOptions{ConnectTimeout: 50 * time.Millisecond, Manager: fastManager})
	t.Cleanup(s.Close)
	events := make(collector, 32)
	if err := s.Activate([]byte("tok"), events.emit); err != nil {
		t.Fatal(err)
	}
	startAdvertiser(t, []byte("adv"))

	ev := events.next(t, EventFailed)
	if !errors.Is(ev.Err, ErrConnectTimeout) {
		t.Fatalf("failure = %v", ev.Err)
	}
}

func TestScannerWaitsForPowerOn(t *testing.T) {
	util.SetRandom()
	s := NewScanner(startWire(t, nil), ScannerOptions{Manager: swift.ManagerOptions{
		PowerOnDelay: time.Millisecond,
		InitialState: swift.CBManagerStatePoweredOff,
	}})
	t.Cleanup(s.Close)
	events := make(collector, 32)
	if err := s.Activate([]byte("tok"), events.emit); err != nil {
		t.Fatal(err)
	}
	if ev := events.next(t, EventPowerChanged); ev.Power != PowerOff {
		t.Fatalf("power %s", ev.Power)
	}
	if s.cm.IsScanning() {
		t.Fatal("scanning while powered off")
	}
	s.Manager().SetState(swift.CBManagerStatePoweredOn)
	if ev := events.next(t, EventPowerChanged); ev.Power != PowerOn {
		t.Fatalf("power %s", ev.Power)
	}
	deadline := time.Now().Add(time.Second)
	for !s.cm.IsScanning() {
		if time.Now().After(deadline) {
			t.Fatal("scan never started")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestStateUpdateAfterTeardownIsSilent(t *testing.T) {
	util.SetRandom()
	s := NewScanner(startWire(t, nil), ScannerOptions{Manager: fastManager})
	t.Cleanup(s.Close)
	scanEvents := make(collector, 32)
	if err := s.Activate([]byte("tok"), scanEvents.emit); err != nil {
		t.Fatal(err)
	}
	scanEvents.next(t, EventPowerChanged)
	a, advEvents := startAdvertiser(t, []byte("tok"))
	advEvents.next(t, EventPowerChanged)
	s.Teardown()
	a.Teardown()
	for len(scanEvents)+len(advEvents) > 0 {
		select {
		case <-scanEvents:
		case <-advEvents:
		}
	}

	var out logBuffer
	logger.SetOutput(&out, true)
	defer logger.SetOutput(os.Stdout, false)
	s.DidUpdateState(s.Manager())
	a.DidUpdatePeripheralState(a.Manager())

	if len(scanEvents) != 0 || len(advEvents) != 0 {
		t.Fatal("torn-down driver emitted a power event")
	}
	for _, line := range strings.Split(out.String(), "\n") {
		if strings.Contains(line, "radio") && (strings.Contains(line, s.prefix) || strings.Contains(line, a.prefix)) {
			t.Fatalf("torn-down driver logged %q", line)
		}
	}
	if s.cm.IsScanning() {
		t.Fatal("torn-down scanner restarted scanning")
	}
}
