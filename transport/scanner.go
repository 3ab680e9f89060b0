package transport

import (
	"fmt"
	"sync"
	"time"

	"github.com/user/nearby-blue/logger"
	"github.com/user/nearby-blue/swift"
	"github.com/user/nearby-blue/util"
	"github.com/user/nearby-blue/wire"
)

// DefaultConnectTimeout bounds a connection attempt when none is configured
const DefaultConnectTimeout = 10 * time.Second

// ScannerOptions configures the simulated scanner
type ScannerOptions struct {
	ConnectTimeout time.Duration
	Manager        swift.ManagerOptions
}

// Scanner is the central-role driver on the simulated link. It connects to
// the first advertiser of the service it sees, writes the local token to the
// inbound slot and reads the peer token from the outbound slot.
type Scanner struct {
	prefix string
	opts   ScannerOptions
	cm     *swift.CBCentralManager
	gate   EmitGate

	mu           sync.Mutex
	active       bool
	localToken   []byte
	target       *swift.CBPeripheral
	linked       bool
	connectTimer *time.Timer
}

// NewScanner creates the driver and its central manager on w
func NewScanner(w *wire.Wire, opts ScannerOptions) *Scanner {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	s := &Scanner{
		prefix: fmt.Sprintf("%s Scanner", util.ShortHash(w.HardwareUUID())),
		opts:   opts,
	}
	s.cm = swift.NewCBCentralManager(s, w, opts.Manager)
	return s
}

func (s *Scanner) Role() Role { return RoleScanner }

// Activate starts a session; scanning begins once the radio is powered on
func (s *Scanner) Activate(localToken []byte, emit Emitter) error {
	if len(localToken) == 0 {
		return fmt.Errorf("transport: empty local token")
	}
	s.mu.Lock()
	if s.active {
		s.mu.Unlock()
		return fmt.Errorf("transport: scanner already active")
	}
	s.active = true
	s.localToken = append([]byte(nil), localToken...)
	s.target = nil
	s.linked = false
	s.mu.Unlock()

	s.gate.Open(emit)
	logger.Debug(s.prefix, "▶️  activated with %d byte token", len(localToken))
	if state := s.cm.State(); state != swift.CBManagerStateUnknown {
		s.gate.Send(Event{Kind: EventPowerChanged, Power: powerFromManager(state)})
		if state == swift.CBManagerStatePoweredOn {
			s.startScan()
		}
	}
	return nil
}

// Teardown stops scanning, cancels a pending connection and drops the link
func (s *Scanner) Teardown() {
	s.gate.Close()

	s.mu.Lock()
	wasActive := s.active
	s.active = false
	target := s.target
	s.target = nil
	s.linked = false
	if s.connectTimer != nil {
		s.connectTimer.Stop()
		s.connectTimer = nil
	}
	s.mu.Unlock()
	if !wasActive {
		return
	}

	s.cm.StopScan()
	if target != nil {
		s.cm.CancelPeripheralConnection(target)
	}
	logger.Debug(s.prefix, "⏹️  torn down")
}

// Close releases the central manager
func (s *Scanner) Close() {
	s.Teardown()
	s.cm.Close()
}

// Manager exposes the central manager, for simulating radio state
func (s *Scanner) Manager() *swift.CBCentralManager { return s.cm }

func (s *Scanner) startScan() {
	s.mu.Lock()
	idle := s.active && s.target == nil
	s.mu.Unlock()
	if !idle || s.cm.IsScanning() {
		return
	}
	logger.Info(s.prefix, "🔍 scanning for %s", util.ShortHash(ServiceUUID))
	s.cm.ScanForPeripherals([]string{ServiceUUID}, nil)
}

// current reports whether p is the peripheral of the running session
func (s *Scanner) current(p *swift.CBPeripheral) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active && s.target == p
}

func (s *Scanner) fail(p *swift.CBPeripheral, err error) {
	if !s.current(p) {
		return
	}
	logger.Warn(s.prefix, "❌ %v", err)
	s.gate.Send(Event{Kind: EventFailed, Peer: p.UUID, Err: err})
}

func (s *Scanner) DidUpdateState(cm *swift.CBCentralManager) {
	state := cm.State()
	if !s.gate.Send(Event{Kind: EventPowerChanged, Power: powerFromManager(state)}) {
		return
	}
	logger.Info(s.prefix, "📶 radio %s", state)
	if state == swift.CBManagerStatePoweredOn {
		s.startScan()
	}
}

// DidDiscoverPeripheral connects to the first advertiser seen. Later
// discoveries are ignored while a peer is set.
func (s *Scanner) DidDiscoverPeripheral(cm *swift.CBCentralManager, p *swift.CBPeripheral, adv map[string]interface{}, rssi int) {
	s.mu.Lock()
	if !s.active || s.target != nil {
		s.mu.Unlock()
		logger.Debug(s.prefix, "ignoring %s", util.ShortHash(p.UUID))
		return
	}
	s.target = p
	s.connectTimer = time.AfterFunc(s.opts.ConnectTimeout, func() { s.connectTimedOut(p) })
	s.mu.Unlock()

	name, _ := adv[swift.CBAdvertisementDataLocalNameKey].(string)
	logger.Info(s.prefix, "👀 found %s %q rssi %d, connecting", util.ShortHash(p.UUID), name, rssi)
	cm.StopScan()
	p.Delegate = s
	cm.Connect(p, nil)
}

func (s *Scanner) connectTimedOut(p *swift.CBPeripheral) {
	s.mu.Lock()
	stale := !s.active || s.target != p || s.linked
	s.connectTimer = nil
	s.mu.Unlock()
	if stale {
		return
	}
	s.cm.CancelPeripheralConnection(p)
	s.fail(p, fmt.Errorf("%w: %s after %v", ErrConnectTimeout, util.ShortHash(p.UUID), s.opts.ConnectTimeout))
}

func (s *Scanner) DidConnectPeripheral(cm *swift.CBCentralManager, p *swift.CBPeripheral) {
	s.mu.Lock()
	ok := s.active && s.target == p
	if ok {
		s.linked = true
		if s.connectTimer != nil {
			s.connectTimer.Stop()
			s.connectTimer = nil
		}
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	logger.Info(s.prefix, "🔗 linked with %s", util.ShortHash(p.UUID))
	s.gate.Send(Event{Kind: EventLinked, Peer: p.UUID})
	p.DiscoverServices([]string{ServiceUUID})
}

func (s *Scanner) DidFailToConnectPeripheral(cm *swift.CBCentralManager, p *swift.CBPeripheral, err error) {
	s.mu.Lock()
	if s.target == p && s.connectTimer != nil {
		s.connectTimer.Stop()
		s.connectTimer = nil
	}
	s.mu.Unlock()
	s.fail(p, fmt.Errorf("%w: %v", ErrConnectFailed, err))
}

func (s *Scanner) DidDisconnectPeripheral(cm *swift.CBCentralManager, p *swift.CBPeripheral, err error) {
	if !s.current(p) {
		return
	}
	s.mu.Lock()
	s.target = nil
	s.linked = false
	s.mu.Unlock()
	logger.Warn(s.prefix, "💔 lost %s", util.ShortHash(p.UUID))
	s.gate.Send(Event{Kind: EventLinkLost, Peer: p.UUID, Err: ErrLinkLost})
}

func (s *Scanner) DidDiscoverServices(p *swift.CBPeripheral, err error) {
	if err != nil {
		s.fail(p, fmt.Errorf("%w: %v", ErrDiscoverFailed, err))
		return
	}
	for _, svc := range p.Services() {
		if svc.UUID == ServiceUUID {
			p.DiscoverCharacteristics([]string{ScannerTokenUUID, AdvertiserTokenUUID}, svc)
			return
		}
	}
	s.fail(p, fmt.Errorf("%w: service %s missing", ErrDiscoverFailed, util.ShortHash(ServiceUUID)))
}

// DidDiscoverCharacteristics writes the local token once both slots are known
func (s *Scanner) DidDiscoverCharacteristics(p *swift.CBPeripheral, svc *swift.CBService, err error) {
	if err != nil {
		s.fail(p, fmt.Errorf("%w: %v", ErrDiscoverFailed, err))
		return
	}
	slots := SlotsFor(RoleScanner)
	outbound := p.Characteristic(ServiceUUID, slots[OutboundTokenSlot])
	inbound := p.Characteristic(ServiceUUID, slots[InboundTokenSlot])
	if outbound == nil || inbound == nil {
		s.fail(p, fmt.Errorf("%w: token slots missing", ErrDiscoverFailed))
		return
	}

	s.mu.Lock()
	value := s.localToken
	s.mu.Unlock()
	if !s.current(p) {
		return
	}
	logger.Debug(s.prefix, "📤 writing %d byte token", len(value))
	p.WriteValue(value, outbound, swift.CBCharacteristicWriteWithResponse)
}

// DidWriteValueForCharacteristic reads the peer token after the write is
// acknowledged
func (s *Scanner) DidWriteValueForCharacteristic(p *swift.CBPeripheral, c *swift.CBCharacteristic, err error) {
	if err != nil {
		s.fail(p, fmt.Errorf("%w: %v", ErrWriteFailed, err))
		return
	}
	if !s.current(p) {
		return
	}
	inbound := p.Characteristic(ServiceUUID, SlotsFor(RoleScanner)[InboundTokenSlot])
	if inbound == nil {
		s.fail(p, fmt.Errorf("%w: inbound slot missing", ErrReadFailed))
		return
	}
	p.ReadValue(inbound)
}

func (s *Scanner) DidUpdateValueForCharacteristic(p *swift.CBPeripheral, c *swift.CBCharacteristic, err error) {
	if err != nil {
		s.fail(p, fmt.Errorf("%w: %v", ErrReadFailed, err))
		return
	}
	if !s.current(p) || c == nil || c.UUID != AdvertiserTokenUUID {
		return
	}
	logger.Info(s.prefix, "📥 peer token from %s (%d bytes)", util.ShortHash(p.UUID), len(c.Value))
	s.gate.Send(Event{Kind: EventPeerToken, Peer: p.UUID, Data: append([]byte(nil), c.Value...)})
}

func (s *Scanner) DidUpdateNotificationStateForCharacteristic(p *swift.CBPeripheral, c *swift.CBCharacteristic, err error) {
}
