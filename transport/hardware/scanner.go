package hardware

import (
	"fmt"
	"sync"
	"time"

	"github.com/user/nearby-blue/logger"
	"github.com/user/nearby-blue/transport"
	"tinygo.org/x/bluetooth"
)

// link is the part of a connected device the exchange uses
type link interface {
	DiscoverServices(uuids []bluetooth.UUID) ([]bluetooth.DeviceService, error)
	Disconnect() error
}

// Scanner is the central-role driver on a real adapter
type Scanner struct {
	prefix string
	opts   Options
	radio  *radio
	gate   transport.EmitGate

	mu         sync.Mutex
	session    uint64
	active     bool
	scanning   bool
	found      bool
	disconnect func() error
}

func NewScanner(opts Options) *Scanner {
	opts = opts.withDefaults()
	return &Scanner{
		prefix: fmt.Sprintf("%s HW Scanner", opts.DeviceName),
		opts:   opts,
		radio:  newRadio(opts.Adapter),
	}
}

func (s *Scanner) Role() transport.Role { return transport.RoleScanner }

func (s *Scanner) Activate(localToken []byte, emit transport.Emitter) error {
	if len(localToken) == 0 {
		return fmt.Errorf("hardware: empty local token")
	}
	s.gate.Open(emit)
	power := s.radio.enable(s.prefix)
	s.gate.Send(transport.Event{Kind: transport.EventPowerChanged, Power: power})
	if power != transport.PowerOn {
		return nil
	}

	s.mu.Lock()
	if s.active {
		s.mu.Unlock()
		return fmt.Errorf("hardware: scanner already active")
	}
	s.session++
	sess := s.session
	s.active, s.found, s.scanning = true, false, true
	s.disconnect = nil
	s.mu.Unlock()

	go s.run(sess, append([]byte(nil), localToken...))
	return nil
}

func (s *Scanner) current(sess uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active && s.session == sess
}

func (s *Scanner) fail(sess uint64, peer string, err error) {
	if !s.current(sess) {
		return
	}
	logger.Warn(s.prefix, "❌ %v", err)
	s.gate.Send(transport.Event{Kind: transport.EventFailed, Peer: peer, Err: err})
}

// run scans until the first advertiser of the service shows up, then
// connects and exchanges tokens
func (s *Scanner) run(sess uint64, localToken []byte) {
	var target bluetooth.Address
	var name string
	logger.Info(s.prefix, "🔍 scanning for %s", transport.ServiceUUID)
	err := s.opts.Adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
		if !result.HasServiceUUID(serviceUUID) {
			return
		}
		s.mu.Lock()
		first := s.session == sess && !s.found
		s.found = true
		s.mu.Unlock()
		if !first {
			return
		}
		target, name = result.Address, result.LocalName()
		adapter.StopScan()
	})
	s.mu.Lock()
	s.scanning = false
	s.mu.Unlock()
	if err != nil {
		s.fail(sess, "", fmt.Errorf("%w: scan: %v", transport.ErrConnectFailed, err))
		return
	}
	if !s.current(sess) {
		return
	}

	peer := target.String()
	logger.Info(s.prefix, "👀 found %s %q, connecting", peer, name)
	s.connect(sess, peer, target, localToken)
}

func (s *Scanner) connect(sess uint64, peer string, addr bluetooth.Address, localToken []byte) {
	var once sync.Once
	timedOut := false
	timer := time.AfterFunc(s.opts.ConnectTimeout, func() {
		once.Do(func() { timedOut = true })
		if timedOut {
			s.fail(sess, peer, fmt.Errorf("%w: %s after %v", transport.ErrConnectTimeout, peer, s.opts.ConnectTimeout))
		}
	})

	dev, err := s.opts.Adapter.Connect(addr, bluetooth.ConnectionParams{})
	timer.Stop()
	claimed := false
	once.Do(func() { claimed = true })
	if !claimed {
		if err == nil {
			dev.Disconnect()
		}
		return
	}
	if err != nil {
		s.fail(sess, peer, fmt.Errorf("%w: %v", transport.ErrConnectFailed, err))
		return
	}

	s.mu.Lock()
	if !s.active || s.session != sess {
		s.mu.Unlock()
		dev.Disconnect()
		return
	}
	s.disconnect = dev.Disconnect
	s.mu.Unlock()

	logger.Info(s.prefix, "🔗 linked with %s", peer)
	s.gate.Send(transport.Event{Kind: transport.EventLinked, Peer: peer})
	s.exchange(sess, peer, dev, localToken)
}

// exchange writes the local token to the inbound slot, then reads the
// outbound slot
func (s *Scanner) exchange(sess uint64, peer string, dev link, localToken []byte) {
	services, err := dev.DiscoverServices([]bluetooth.UUID{serviceUUID})
	if err != nil || len(services) == 0 {
		s.fail(sess, peer, fmt.Errorf("%w: service: %v", transport.ErrDiscoverFailed, err))
		return
	}
	chars, err := services[0].DiscoverCharacteristics([]bluetooth.UUID{scannerSlot, advertiserSlot})
	if err != nil {
		s.fail(sess, peer, fmt.Errorf("%w: %v", transport.ErrDiscoverFailed, err))
		return
	}
	write, read := -1, -1
	for i := range chars {
		switch chars[i].UUID() {
		case scannerSlot:
			write = i
		case advertiserSlot:
			read = i
		}
	}
	if write < 0 || read < 0 {
		s.fail(sess, peer, fmt.Errorf("%w: token slots missing", transport.ErrDiscoverFailed))
		return
	}

	if !s.current(sess) {
		return
	}
	logger.Debug(s.prefix, "📤 writing %d byte token", len(localToken))
	if _, err := writeAcked(&chars[write], localToken); err != nil {
		s.fail(sess, peer, fmt.Errorf("%w: %v", transport.ErrWriteFailed, err))
		return
	}

	buf := make([]byte, readBufferSize)
	n, err := chars[read].Read(buf)
	if err != nil {
		s.fail(sess, peer, fmt.Errorf("%w: %v", transport.ErrReadFailed, err))
		return
	}
	if !s.current(sess) {
		return
	}
	logger.Info(s.prefix, "📥 peer token from %s (%d bytes)", peer, n)
	s.gate.Send(transport.Event{Kind: transport.EventPeerToken, Peer: peer, Data: buf[:n]})
}

func (s *Scanner) Teardown() {
	s.gate.Close()
	s.mu.Lock()
	wasActive := s.active
	s.active = false
	scanning := s.scanning
	disconnect := s.disconnect
	s.disconnect = nil
	s.mu.Unlock()
	if !wasActive {
		return
	}
	if scanning {
		if err := s.opts.Adapter.StopScan(); err != nil {
			logger.Debug(s.prefix, "stop scan: %v", err)
		}
	}
	if disconnect != nil {
		if err := disconnect(); err != nil {
			logger.Debug(s.prefix, "disconnect: %v", err)
		}
	}
	logger.Debug(s.prefix, "⏹️  torn down")
}
