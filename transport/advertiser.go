package transport

import (
	"errors"
	"fmt"
	"sync"

	"github.com/user/nearby-blue/logger"
	"github.com/user/nearby-blue/swift"
	"github.com/user/nearby-blue/util"
	"github.com/user/nearby-blue/wire"
)

// AdvertiserOptions configures the simulated advertiser
type AdvertiserOptions struct {
	DeviceName string
	Manager    swift.ManagerOptions
}

// Advertiser is the peripheral-role driver on the simulated link. It
// publishes the outbound slot pre-filled with the local token and accepts
// one inbound write per session.
type Advertiser struct {
	prefix string
	wire   *wire.Wire
	opts   AdvertiserOptions
	pm     *swift.CBPeripheralManager
	gate   EmitGate

	setupMu sync.Mutex // serializes service setup and advertising start

	mu           sync.Mutex
	active       bool
	serviceAdded bool
	localToken   []byte
	peer         string // central whose write was accepted this session
}

// NewAdvertiser creates the driver and its peripheral manager on w
func NewAdvertiser(w *wire.Wire, opts AdvertiserOptions) *Advertiser {
	a := &Advertiser{
		prefix: fmt.Sprintf("%s Advertiser", util.ShortHash(w.HardwareUUID())),
		wire:   w,
		opts:   opts,
	}
	a.pm = swift.NewCBPeripheralManager(a, w, opts.Manager)
	return a
}

func (a *Advertiser) Role() Role { return RoleAdvertiser }

// Activate starts a session. Advertising begins as soon as the radio is
// powered on.
func (a *Advertiser) Activate(localToken []byte, emit Emitter) error {
	if len(localToken) == 0 {
		return fmt.Errorf("transport: empty local token")
	}
	a.mu.Lock()
	if a.active {
		a.mu.Unlock()
		return fmt.Errorf("transport: advertiser already active")
	}
	a.active = true
	a.localToken = append([]byte(nil), localToken...)
	a.peer = ""
	a.mu.Unlock()

	a.gate.Open(emit)
	logger.Debug(a.prefix, "▶️  activated with %d byte token", len(localToken))
	if state := a.pm.State(); state != swift.CBManagerStateUnknown {
		a.gate.Send(Event{Kind: EventPowerChanged, Power: powerFromManager(state)})
		if state == swift.CBManagerStatePoweredOn {
			a.startAdvertising()
		}
	}
	return nil
}

// Teardown stops advertising and drops the accepted central
func (a *Advertiser) Teardown() {
	a.gate.Close()

	a.mu.Lock()
	wasActive := a.active
	a.active = false
	peer := a.peer
	a.peer = ""
	a.mu.Unlock()
	if !wasActive {
		return
	}

	a.pm.StopAdvertising()
	if peer != "" && a.wire.IsConnected(peer) {
		if err := a.wire.Disconnect(peer); err != nil {
			logger.Debug(a.prefix, "disconnect %s: %v", util.ShortHash(peer), err)
		}
	}
	logger.Debug(a.prefix, "⏹️  torn down")
}

// Close releases the peripheral manager
func (a *Advertiser) Close() {
	a.Teardown()
	a.pm.Close()
}

// Manager exposes the peripheral manager, for simulating radio state
func (a *Advertiser) Manager() *swift.CBPeripheralManager { return a.pm }

func (a *Advertiser) startAdvertising() {
	a.setupMu.Lock()
	defer a.setupMu.Unlock()
	if a.pm.IsAdvertising() {
		return
	}

	a.mu.Lock()
	if !a.active {
		a.mu.Unlock()
		return
	}
	needService := !a.serviceAdded
	a.mu.Unlock()

	if needService {
		svc := &swift.CBMutableService{
			UUID:      ServiceUUID,
			IsPrimary: true,
			Characteristics: []*swift.CBMutableCharacteristic{
				{
					UUID:        ScannerTokenUUID,
					Properties:  swift.CBCharacteristicPropertyWrite,
					Permissions: swift.CBAttributePermissionsWriteable,
				},
				{
					UUID:        AdvertiserTokenUUID,
					Properties:  swift.CBCharacteristicPropertyRead,
					Permissions: swift.CBAttributePermissionsReadable,
				},
			},
		}
		if err := a.pm.AddService(svc); err != nil {
			logger.Error(a.prefix, "❌ add service: %v", err)
			a.gate.Send(Event{Kind: EventFailed, Err: fmt.Errorf("%w: %v", ErrAdvertiseFailed, err)})
			return
		}
		a.mu.Lock()
		a.serviceAdded = true
		a.mu.Unlock()
	}

	a.pm.StartAdvertising(map[string]interface{}{
		swift.CBAdvertisementDataLocalNameKey:    a.opts.DeviceName,
		swift.CBAdvertisementDataServiceUUIDsKey: []string{ServiceUUID},
	})
}

// DidUpdatePeripheralState reports the radio state and advertises once it
// is powered on
func (a *Advertiser) DidUpdatePeripheralState(pm *swift.CBPeripheralManager) {
	state := pm.State()
	if !a.gate.Send(Event{Kind: EventPowerChanged, Power: powerFromManager(state)}) {
		return
	}
	logger.Info(a.prefix, "📶 radio %s", state)
	if state == swift.CBManagerStatePoweredOn && !pm.IsAdvertising() {
		a.startAdvertising()
	}
}

func (a *Advertiser) DidStartAdvertising(pm *swift.CBPeripheralManager, err error) {
	if errors.Is(err, swift.CBErrorAlreadyAdvertising) {
		return
	}
	if err != nil {
		if a.isActive() {
			logger.Warn(a.prefix, "❌ advertising failed: %v", err)
			a.gate.Send(Event{Kind: EventFailed, Err: fmt.Errorf("%w: %v", ErrAdvertiseFailed, err)})
		}
		return
	}
	logger.Info(a.prefix, "📡 advertising %s", util.ShortHash(ServiceUUID))
}

// DidReceiveReadRequest serves the outbound slot starting at the requested
// offset
func (a *Advertiser) DidReceiveReadRequest(pm *swift.CBPeripheralManager, req *swift.CBATTRequest) {
	if req.Characteristic.UUID != AdvertiserTokenUUID {
		pm.RespondToRequest(req, swift.CBATTErrorReadNotPermitted)
		return
	}
	a.mu.Lock()
	value := a.localToken
	active := a.active
	a.mu.Unlock()
	if !active {
		pm.RespondToRequest(req, swift.CBATTErrorUnlikelyError)
		return
	}
	if req.Offset > len(value) {
		logger.Debug(a.prefix, "read of outbound slot at offset %d beyond %d", req.Offset, len(value))
		pm.RespondToRequest(req, swift.CBATTErrorInvalidOffset)
		return
	}
	req.Value = value[req.Offset:]
	logger.Debug(a.prefix, "📤 outbound slot read by %s at offset %d", util.ShortHash(req.Central.UUID), req.Offset)
	pm.RespondToRequest(req, swift.CBATTErrorSuccess)
}

// DidReceiveWriteRequests accepts the first inbound-slot write of a
// session and rejects the rest
func (a *Advertiser) DidReceiveWriteRequests(pm *swift.CBPeripheralManager, reqs []*swift.CBATTRequest) {
	if len(reqs) == 0 {
		return
	}
	req := reqs[0]
	if req.Characteristic.UUID != ScannerTokenUUID {
		pm.RespondToRequest(req, swift.CBATTErrorWriteNotPermitted)
		return
	}

	central := req.Central.UUID
	a.mu.Lock()
	accept := a.active && a.peer == ""
	if accept {
		a.peer = central
	}
	a.mu.Unlock()

	if !accept {
		logger.Warn(a.prefix, "🚫 rejecting inbound write from %s", util.ShortHash(central))
		pm.RespondToRequest(req, swift.CBATTErrorWriteRequestRejected)
		return
	}

	pm.RespondToRequest(req, swift.CBATTErrorSuccess)
	pm.StopAdvertising()
	logger.Info(a.prefix, "📥 peer token from %s (%d bytes)", util.ShortHash(central), len(req.Value))
	a.gate.Send(Event{Kind: EventLinked, Peer: central})
	a.gate.Send(Event{Kind: EventPeerToken, Peer: central, Data: req.Value})
}

func (a *Advertiser) CentralDidConnect(pm *swift.CBPeripheralManager, central swift.CBCentral) {
	logger.Debug(a.prefix, "🔗 central %s connected", util.ShortHash(central.UUID))
}

// CentralDidDisconnect reports loss of the accepted central
func (a *Advertiser) CentralDidDisconnect(pm *swift.CBPeripheralManager, central swift.CBCentral) {
	a.mu.Lock()
	lost := a.active && a.peer == central.UUID
	if lost {
		a.peer = ""
	}
	a.mu.Unlock()
	if !lost {
		return
	}
	logger.Warn(a.prefix, "💔 lost %s", util.ShortHash(central.UUID))
	a.gate.Send(Event{Kind: EventLinkLost, Peer: central.UUID, Err: ErrLinkLost})
}

func (a *Advertiser) isActive() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active
}

func powerFromManager(s swift.CBManagerState) PowerState {
	switch s {
	case swift.CBManagerStateResetting:
		return PowerResetting
	case swift.CBManagerStateUnsupported:
		return PowerUnsupported
	case swift.CBManagerStateUnauthorized:
		return PowerUnauthorized
	case swift.CBManagerStatePoweredOff:
		return PowerOff
	case swift.CBManagerStatePoweredOn:
		return PowerOn
	default:
		return PowerUnknown
	}
}
