package swift

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/user/nearby-blue/logger"
	"github.com/user/nearby-blue/util"
	"github.com/user/nearby-blue/wire"
	"github.com/user/nearby-blue/wire/gatt"
)

// CBCentralManagerDelegate matches iOS CoreBluetooth central manager
// delegate. Callbacks run one at a time on the manager's queue.
type CBCentralManagerDelegate interface {
	DidUpdateState(central *CBCentralManager)
	DidDiscoverPeripheral(central *CBCentralManager, peripheral *CBPeripheral, advertisementData map[string]interface{}, rssi int)
	DidConnectPeripheral(central *CBCentralManager, peripheral *CBPeripheral)
	DidFailToConnectPeripheral(central *CBCentralManager, peripheral *CBPeripheral, err error)
	DidDisconnectPeripheral(central *CBCentralManager, peripheral *CBPeripheral, err error)
}

// CBCentralManager scans for and connects to peripherals. It never
// reconnects on its own; a dropped link is reported once and left alone.
// A Wire carries at most one manager.
type CBCentralManager struct {
	Delegate CBCentralManagerDelegate

	prefix string
	wire   *wire.Wire
	power  *powerState
	queue  dispatchQueue

	mu          sync.Mutex
	stopScan    func()
	peripherals map[string]*CBPeripheral
	pending     map[string]context.CancelFunc
}

// NewCBCentralManager creates a central manager on w. The wire must be
// started by the caller.
func NewCBCentralManager(delegate CBCentralManagerDelegate, w *wire.Wire, opts ManagerOptions) *CBCentralManager {
	cm := &CBCentralManager{
		Delegate:    delegate,
		prefix:      fmt.Sprintf("%s iOS", util.ShortHash(w.HardwareUUID())),
		wire:        w,
		peripherals: make(map[string]*CBPeripheral),
		pending:     make(map[string]context.CancelFunc),
	}

	w.SetDisconnectCallback(cm.handleDisconnect)
	w.SetNotificationCallback(func(peer string, handle uint16, value []byte) {
		cm.mu.Lock()
		p := cm.peripherals[peer]
		cm.mu.Unlock()
		if p != nil {
			p.handleNotification(handle, value)
		}
	})

	cm.power = newPowerState(opts, func(s CBManagerState) {
		logger.Info(cm.prefix, "⚡ central manager state: %s", s)
		if s != CBManagerStatePoweredOn {
			cm.StopScan()
		}
		if cm.Delegate != nil {
			cm.queue.async(func() { cm.Delegate.DidUpdateState(cm) })
		}
	})
	return cm
}

// State returns the manager's current CBManagerState
func (cm *CBCentralManager) State() CBManagerState {
	return cm.power.get()
}

// SetState simulates a radio state change
func (cm *CBCentralManager) SetState(s CBManagerState) {
	cm.power.stop()
	cm.power.set(s)
}

// ScanForPeripherals starts scanning for advertisers of any of the given
// services (all advertisers when empty). Each peripheral is reported once
// per scan. Matches: centralManager.scanForPeripherals(withServices:options:)
func (cm *CBCentralManager) ScanForPeripherals(withServices []string, options map[string]interface{}) {
	if s := cm.State(); s != CBManagerStatePoweredOn {
		logger.Warn(cm.prefix, "⚠️  scan requested while %s", s)
		return
	}

	cm.mu.Lock()
	if cm.stopScan != nil {
		cm.stopScan()
	}
	cm.stopScan = cm.wire.StartScanning(withServices, func(dev wire.DiscoveredDevice) {
		p := cm.peripheral(dev.HardwareUUID)
		if dev.Advertising != nil {
			p.Name = dev.Advertising.DeviceName
		}
		adv := advertisementData(dev.Advertising)
		if cm.Delegate != nil {
			cm.queue.async(func() { cm.Delegate.DidDiscoverPeripheral(cm, p, adv, dev.RSSI) })
		}
	})
	cm.mu.Unlock()
	logger.Debug(cm.prefix, "🔍 scanning for %v", withServices)
}

// StopScan stops an active scan. Safe to call from DidDiscoverPeripheral.
func (cm *CBCentralManager) StopScan() {
	cm.mu.Lock()
	stop := cm.stopScan
	cm.stopScan = nil
	cm.mu.Unlock()
	if stop != nil {
		stop()
		logger.Debug(cm.prefix, "🛑 scan stopped")
	}
}

// IsScanning reports whether a scan is running
func (cm *CBCentralManager) IsScanning() bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.stopScan != nil
}

// Connect starts a connection attempt. The outcome arrives through
// DidConnectPeripheral or DidFailToConnectPeripheral; a cancelled attempt
// reports nothing. Matches: centralManager.connect(_:options:)
func (cm *CBCentralManager) Connect(peripheral *CBPeripheral, options map[string]interface{}) {
	ctx, cancel := context.WithCancel(context.Background())

	cm.mu.Lock()
	if _, busy := cm.pending[peripheral.UUID]; busy {
		cm.mu.Unlock()
		cancel()
		return
	}
	cm.pending[peripheral.UUID] = cancel
	cm.peripherals[peripheral.UUID] = peripheral
	cm.mu.Unlock()

	peripheral.attach(cm)
	peripheral.setState(CBPeripheralStateConnecting)
	logger.Debug(cm.prefix, "🔌 connecting to %s", util.ShortHash(peripheral.UUID))

	go func() {
		err := cm.wire.Connect(ctx, peripheral.UUID)

		cm.mu.Lock()
		_, stillPending := cm.pending[peripheral.UUID]
		delete(cm.pending, peripheral.UUID)
		cm.mu.Unlock()
		cancel()

		if !stillPending {
			// cancelled by the app
			if err == nil {
				cm.wire.Disconnect(peripheral.UUID)
			}
			return
		}
		if err != nil {
			peripheral.setState(CBPeripheralStateDisconnected)
			logger.Warn(cm.prefix, "❌ connect to %s failed: %v", util.ShortHash(peripheral.UUID), err)
			if cm.Delegate != nil {
				cm.queue.async(func() { cm.Delegate.DidFailToConnectPeripheral(cm, peripheral, err) })
			}
			return
		}

		if !peripheral.compareAndSwapState(CBPeripheralStateConnecting, CBPeripheralStateConnected) {
			// link dropped before we got here
			if cm.Delegate != nil {
				cm.queue.async(func() { cm.Delegate.DidFailToConnectPeripheral(cm, peripheral, CBErrorConnectionFailed) })
			}
			return
		}
		logger.Info(cm.prefix, "✅ connected to %s", util.ShortHash(peripheral.UUID))
		if cm.Delegate != nil {
			cm.queue.async(func() { cm.Delegate.DidConnectPeripheral(cm, peripheral) })
		}
	}()
}

// CancelPeripheralConnection cancels a pending connection attempt or closes
// an established link
func (cm *CBCentralManager) CancelPeripheralConnection(peripheral *CBPeripheral) {
	cm.mu.Lock()
	cancel, pending := cm.pending[peripheral.UUID]
	delete(cm.pending, peripheral.UUID)
	cm.mu.Unlock()

	if pending {
		cancel()
		peripheral.setState(CBPeripheralStateDisconnected)
		return
	}
	if cm.wire.IsConnected(peripheral.UUID) {
		peripheral.setState(CBPeripheralStateDisconnecting)
		if err := cm.wire.Disconnect(peripheral.UUID); err != nil && !errors.Is(err, wire.ErrNotConnected) {
			logger.Warn(cm.prefix, "⚠️  disconnect %s: %v", util.ShortHash(peripheral.UUID), err)
		}
	}
}

// Close stops scanning, state reporting and delegate delivery
func (cm *CBCentralManager) Close() {
	cm.power.stop()
	cm.StopScan()
	cm.mu.Lock()
	for id, cancel := range cm.pending {
		cancel()
		delete(cm.pending, id)
	}
	cm.mu.Unlock()
	cm.queue.close()
}

func (cm *CBCentralManager) handleDisconnect(peer string) {
	cm.mu.Lock()
	p := cm.peripherals[peer]
	cm.mu.Unlock()
	if p == nil {
		return
	}
	prev := p.swapState(CBPeripheralStateDisconnected)
	p.detach()
	if prev != CBPeripheralStateConnected && prev != CBPeripheralStateDisconnecting {
		// never reported as connected
		return
	}
	wasDisconnecting := prev == CBPeripheralStateDisconnecting

	var err error
	if !wasDisconnecting {
		err = CBErrorPeripheralDisconnected
	}
	logger.Info(cm.prefix, "🔌 %s disconnected", util.ShortHash(peer))
	if cm.Delegate != nil {
		cm.queue.async(func() { cm.Delegate.DidDisconnectPeripheral(cm, p, err) })
	}
}

func (cm *CBCentralManager) peripheral(id string) *CBPeripheral {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if p, ok := cm.peripherals[id]; ok {
		return p
	}
	p := &CBPeripheral{UUID: id}
	cm.peripherals[id] = p
	return p
}

func advertisementData(adv *wire.AdvertisingData) map[string]interface{} {
	data := make(map[string]interface{})
	if adv == nil {
		return data
	}
	if adv.DeviceName != "" {
		data[CBAdvertisementDataLocalNameKey] = adv.DeviceName
	}
	if len(adv.ServiceUUIDs) > 0 {
		uuids := make([]string, len(adv.ServiceUUIDs))
		for i, u := range adv.ServiceUUIDs {
			uuids[i] = gatt.NormalizeUUID(u)
		}
		data[CBAdvertisementDataServiceUUIDsKey] = uuids
	}
	if adv.TxPowerLevel != nil {
		data[CBAdvertisementDataTxPowerLevelKey] = *adv.TxPowerLevel
	}
	data[CBAdvertisementDataIsConnectableKey] = adv.IsConnectable
	return data
}
