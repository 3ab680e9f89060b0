package swift

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/user/nearby-blue/util"
	"github.com/user/nearby-blue/wire"
)

const (
	testService  = "2AC0B600-7C0C-4C9D-AB71-072AE2037107"
	testInbound  = "2AC0B601-7C0C-4C9D-AB71-072AE2037107"
	testOutbound = "2AC0B602-7C0C-4C9D-AB71-072AE2037107"
)

var fastOptions = ManagerOptions{PowerOnDelay: time.Millisecond, InitialState: CBManagerStatePoweredOn}

// peripheralRecorder serves the outbound characteristic from value and
// records inbound writes
type peripheralRecorder struct {
	mu          sync.Mutex
	value       []byte
	writes      [][]byte
	offsets     []int
	states      chan CBManagerState
	advertised  chan error
	connected   chan string
	disconnects chan string
}

func newPeripheralRecorder(value []byte) *peripheralRecorder {
	return &peripheralRecorder{
		value:       value,
		states:      make(chan CBManagerState, 8),
		advertised:  make(chan error, 1),
		connected:   make(chan string, 4),
		disconnects: make(chan string, 4),
	}
}

func (r *peripheralRecorder) DidUpdatePeripheralState(pm *CBPeripheralManager) {
	r.states <- pm.State()
}

func (r *peripheralRecorder) DidStartAdvertising(pm *CBPeripheralManager, err error) {
	r.advertised <- err
}

func (r *peripheralRecorder) DidReceiveReadRequest(pm *CBPeripheralManager, req *CBATTRequest) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.offsets = append(r.offsets, req.Offset)
	if req.Offset > len(r.value) {
		pm.RespondToRequest(req, CBATTErrorInvalidOffset)
		return
	}
	req.Value = r.value[req.Offset:]
	pm.RespondToRequest(req, CBATTErrorSuccess)
}

func (r *peripheralRecorder) DidReceiveWriteRequests(pm *CBPeripheralManager, reqs []*CBATTRequest) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, req := range reqs {
		r.writes = append(r.writes, req.Value)
	}
	pm.RespondToRequest(reqs[0], CBATTErrorSuccess)
}

func (r *peripheralRecorder) CentralDidConnect(pm *CBPeripheralManager, c CBCentral) {
	r.connected <- c.UUID
}

func (r *peripheralRecorder) CentralDidDisconnect(pm *CBPeripheralManager, c CBCentral) {
	r.disconnects <- c.UUID
}

type centralRecorder struct {
	states       chan CBManagerState
	discovered   chan *CBPeripheral
	connected    chan *CBPeripheral
	failed       chan error
	disconnected chan error
	services     chan error
	chars        chan error
	writes       chan error
	values       chan []byte
	notifying    chan bool
}

func newCentralRecorder() *centralRecorder {
	return &centralRecorder{
		states:       make(chan CBManagerState, 8),
		discovered:   make(chan *CBPeripheral, 8),
		connected:    make(chan *CBPeripheral, 1),
		failed:       make(chan error, 1),
		disconnected: make(chan error, 1),
		services:     make(chan error, 1),
		chars:        make(chan error, 1),
		writes:       make(chan error, 4),
		values:       make(chan []byte, 4),
		notifying:    make(chan bool, 2),
	}
}

func (r *centralRecorder) DidUpdateState(cm *CBCentralManager) { r.states <- cm.State() }
func (r *centralRecorder) DidDiscoverPeripheral(cm *CBCentralManager, p *CBPeripheral, adv map[string]interface{}, rssi int) {
	r.discovered <- p
}
func (r *centralRecorder) DidConnectPeripheral(cm *CBCentralManager, p *CBPeripheral) { r.connected <- p }
func (r *centralRecorder) DidFailToConnectPeripheral(cm *CBCentralManager, p *CBPeripheral, err error) {
	r.failed <- err
}
func (r *centralRecorder) DidDisconnectPeripheral(cm *CBCentralManager, p *CBPeripheral, err error) {
	r.disconnected <- err
}
func (r *centralRecorder) DidDiscoverServices(p *CBPeripheral, err error) { r.services <- err }
func (r *centralRecorder) DidDiscoverCharacteristics(p *CBPeripheral, s *CBService, err error) {
	r.chars <- err
}
func (r *centralRecorder) DidWriteValueForCharacteristic(p *CBPeripheral, c *CBCharacteristic, err error) {
	r.writes <- err
}
func (r *centralRecorder) DidUpdateValueForCharacteristic(p *CBPeripheral, c *CBCharacteristic, err error) {
	if err != nil {
		r.values <- nil
		return
	}
	r.values <- c.Value
}
func (r *centralRecorder) DidUpdateNotificationStateForCharacteristic(p *CBPeripheral, c *CBCharacteristic, err error) {
	r.notifying <- err == nil && c.IsNotifying
}

func recv[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
	var zero T
	return zero
}

func startWire(t *testing.T) *wire.Wire {
	t.Helper()
	w := wire.NewWireWithConfig(uuid.New().String(), wire.PerfectSimulationConfig())
	if err := w.Start(); err != nil {
		t.Fatalf("start wire: %v", err)
	}
	t.Cleanup(w.Stop)
	return w
}

func setupPeripheral(t *testing.T, rec *peripheralRecorder) (*CBPeripheralManager, *CBMutableCharacteristic) {
	t.Helper()
	pm := NewCBPeripheralManager(rec, startWire(t), fastOptions)
	t.Cleanup(pm.Close)
	if s := recv(t, rec.states, "peripheral power on"); s != CBManagerStatePoweredOn {
		t.Fatalf("state = %s", s)
	}

	outbound := &CBMutableCharacteristic{
		UUID:        testOutbound,
		Properties:  CBCharacteristicPropertyRead | CBCharacteristicPropertyNotify,
		Permissions: CBAttributePermissionsReadable,
	}
	svc := &CBMutableService{
		UUID:      testService,
		IsPrimary: true,
		Characteristics: []*CBMutableCharacteristic{
			{UUID: testInbound, Properties: CBCharacteristicPropertyWrite, Permissions: CBAttributePermissionsWriteable},
			outbound,
		},
	}
	if err := pm.AddService(svc); err != nil {
		t.Fatalf("add service: %v", err)
	}
	pm.StartAdvertising(map[string]interface{}{
		CBAdvertisementDataLocalNameKey:    "test-advertiser",
		CBAdvertisementDataServiceUUIDsKey: []string{testService},
	})
	if err := recv(t, rec.advertised, "advertising"); err != nil {
		t.Fatalf("advertise: %v", err)
	}
	return pm, outbound
}

// connectCentral scans, connects and discovers the test service
func connectCentral(t *testing.T, rec *centralRecorder) (*CBCentralManager, *CBPeripheral) {
	t.Helper()
	cm := NewCBCentralManager(rec, startWire(t), fastOptions)
	t.Cleanup(cm.Close)
	recv(t, rec.states, "central power on")

	cm.ScanForPeripherals([]string{testService}, nil)
	p := recv(t, rec.discovered, "discovery")
	cm.StopScan()
	if p.Name != "test-advertiser" {
		t.Fatalf("discovered name %q", p.Name)
	}
	p.Delegate = rec
	cm.Connect(p, nil)
	recv(t, rec.connected, "connect")

	p.DiscoverServices([]string{testService})
	if err := recv(t, rec.services, "services"); err != nil {
		t.Fatalf("discover services: %v", err)
	}
	services := p.Services()
	if len(services) != 1 {
		t.Fatalf("services = %d", len(services))
	}
	p.DiscoverCharacteristics(nil, services[0])
	if err := recv(t, rec.chars, "characteristics"); err != nil {
		t.Fatalf("discover characteristics: %v", err)
	}
	return cm, p
}

func TestManagerPowerStates(t *testing.T) {
	util.SetRandom()
	rec := newPeripheralRecorder(nil)
	pm := NewCBPeripheralManager(rec, startWire(t), ManagerOptions{
		PowerOnDelay: time.Millisecond,
		InitialState: CBManagerStateUnauthorized,
	})
	defer pm.Close()

	if s := recv(t, rec.states, "initial state"); s != CBManagerStateUnauthorized {
		t.Fatalf("state = %s", s)
	}
	pm.StartAdvertising(map[string]interface{}{CBAdvertisementDataLocalNameKey: "x"})
	if err := recv(t, rec.advertised, "advertising result"); err == nil {
		t.Fatal("advertising succeeded while unauthorized")
	}

	pm.SetState(CBManagerStatePoweredOn)
	if s := recv(t, rec.states, "powered on"); s != CBManagerStatePoweredOn {
		t.Fatalf("state = %s", s)
	}
	pm.StartAdvertising(map[string]interface{}{CBAdvertisementDataLocalNameKey: "x"})
	if err := recv(t, rec.advertised, "advertising result"); err != nil {
		t.Fatalf("advertise: %v", err)
	}
	pm.SetState(CBManagerStatePoweredOff)
	recv(t, rec.states, "powered off")
	if pm.IsAdvertising() {
		t.Fatal("still advertising after power off")
	}
}

func TestWriteThenReadThroughDelegates(t *testing.T) {
	util.SetRandom()
	value := bytes.Repeat([]byte{0xAB}, 300)
	prec := newPeripheralRecorder(value)
	setupPeripheral(t, prec)
	crec := newCentralRecorder()
	_, p := connectCentral(t, crec)
	recv(t, prec.connected, "central connected")

	in := p.Characteristic(testService, testInbound)
	out := p.Characteristic(testService, testOutbound)
	if in == nil || out == nil {
		t.Fatal("characteristics not discovered")
	}

	p.WriteValue([]byte{1, 2, 3}, in, CBCharacteristicWriteWithResponse)
	if err := recv(t, crec.writes, "write ack"); err != nil {
		t.Fatalf("write: %v", err)
	}
	p.WriteValue([]byte{9}, out, CBCharacteristicWriteWithResponse)
	err := recv(t, crec.writes, "rejected write")
	if code, ok := ATTErrorCode(err); !ok || code != CBATTErrorWriteNotPermitted {
		t.Fatalf("expected WriteNotPermitted, got %v", err)
	}

	p.ReadValue(out)
	got := recv(t, crec.values, "read")
	if !bytes.Equal(got, value) {
		t.Fatalf("read %d bytes, want %d", len(got), len(value))
	}

	prec.mu.Lock()
	defer prec.mu.Unlock()
	if len(prec.writes) != 1 || !bytes.Equal(prec.writes[0], []byte{1, 2, 3}) {
		t.Fatalf("writes = %v", prec.writes)
	}
	if len(prec.offsets) != 2 || prec.offsets[0] != 0 || prec.offsets[1] != 184 {
		t.Fatalf("read offsets = %v", prec.offsets)
	}
}

func TestNotifications(t *testing.T) {
	util.SetRandom()
	prec := newPeripheralRecorder([]byte("x"))
	pm, outbound := setupPeripheral(t, prec)
	crec := newCentralRecorder()
	_, p := connectCentral(t, crec)

	if pm.UpdateValue([]byte("early"), outbound, nil) {
		t.Fatal("notification sent before subscription")
	}
	p.SetNotifyValue(true, p.Characteristic(testService, testOutbound))
	if !recv(t, crec.notifying, "subscribe") {
		t.Fatal("subscription failed")
	}
	if !pm.UpdateValue([]byte("hello"), outbound, nil) {
		t.Fatal("notification not sent")
	}
	if got := recv(t, crec.values, "notification"); string(got) != "hello" {
		t.Fatalf("notified %q", got)
	}
}

func TestDisconnectIsReportedOnce(t *testing.T) {
	util.SetRandom()
	prec := newPeripheralRecorder([]byte("x"))
	setupPeripheral(t, prec)
	crec := newCentralRecorder()
	cm, p := connectCentral(t, crec)

	cm.CancelPeripheralConnection(p)
	if err := recv(t, crec.disconnected, "disconnect"); err != nil {
		t.Fatalf("app-initiated disconnect reported error %v", err)
	}
	recv(t, prec.disconnects, "peripheral side disconnect")
	if p.State() != CBPeripheralStateDisconnected {
		t.Fatalf("state = %s", p.State())
	}

	p.ReadValue(p.Characteristic(testService, testOutbound))
	if got := recv(t, crec.values, "read after disconnect"); got != nil {
		t.Fatalf("read succeeded after disconnect: %q", got)
	}
	select {
	case err := <-crec.disconnected:
		t.Fatalf("second disconnect report: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestConnectFailureIsNotRetried(t *testing.T) {
	util.SetRandom()
	crec := newCentralRecorder()
	cm := NewCBCentralManager(crec, startWire(t), fastOptions)
	defer cm.Close()
	recv(t, crec.states, "power on")

	cm.Connect(&CBPeripheral{UUID: uuid.New().String()}, nil)
	if err := recv(t, crec.failed, "connect failure"); err == nil {
		t.Fatal("expected an error")
	}
	select {
	case <-crec.connected:
		t.Fatal("manager reconnected on its own")
	case err := <-crec.failed:
		t.Fatalf("manager retried: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
}
