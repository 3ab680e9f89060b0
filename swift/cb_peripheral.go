package swift

import (
	"context"
	"fmt"
	"sync"

	"github.com/user/nearby-blue/logger"
	"github.com/user/nearby-blue/util"
	"github.com/user/nearby-blue/wire"
	"github.com/user/nearby-blue/wire/gatt"
)

// CBCharacteristicWriteType matches iOS CoreBluetooth write types
type CBCharacteristicWriteType int

const (
	CBCharacteristicWriteWithResponse    CBCharacteristicWriteType = 0 // Wait for ACK (default)
	CBCharacteristicWriteWithoutResponse CBCharacteristicWriteType = 1 // Fire and forget
)

// CBService is a service discovered on a remote peripheral
type CBService struct {
	UUID            string
	IsPrimary       bool
	Characteristics []*CBCharacteristic
}

// CBCharacteristic is a characteristic discovered on a remote peripheral.
// Value holds the last value read or notified.
type CBCharacteristic struct {
	UUID        string
	Properties  CBCharacteristicProperties
	Service     *CBService
	Value       []byte
	IsNotifying bool

	discovered gatt.DiscoveredCharacteristic
}

// CBPeripheralDelegate receives the results of CBPeripheral operations.
// Callbacks run one at a time on the peripheral's queue.
type CBPeripheralDelegate interface {
	DidDiscoverServices(peripheral *CBPeripheral, err error)
	DidDiscoverCharacteristics(peripheral *CBPeripheral, service *CBService, err error)
	DidWriteValueForCharacteristic(peripheral *CBPeripheral, characteristic *CBCharacteristic, err error)
	DidUpdateValueForCharacteristic(peripheral *CBPeripheral, characteristic *CBCharacteristic, err error)
	DidUpdateNotificationStateForCharacteristic(peripheral *CBPeripheral, characteristic *CBCharacteristic, err error)
}

// CBPeripheral is a remote peripheral seen by a CBCentralManager.
// Every operation returns immediately; results arrive through Delegate.
type CBPeripheral struct {
	Delegate CBPeripheralDelegate
	Name     string
	UUID     string

	mu       sync.Mutex
	state    CBPeripheralState
	services []*CBService
	wire     *wire.Wire
	prefix   string
	ctx      context.Context
	cancel   context.CancelFunc
	queue    dispatchQueue
}

// State returns the connection state
func (p *CBPeripheral) State() CBPeripheralState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Services returns the services found by the last DiscoverServices
func (p *CBPeripheral) Services() []*CBService {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*CBService(nil), p.services...)
}

func (p *CBPeripheral) setState(s CBPeripheralState) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

func (p *CBPeripheral) swapState(s CBPeripheralState) CBPeripheralState {
	p.mu.Lock()
	defer p.mu.Unlock()
	prev := p.state
	p.state = s
	return prev
}

func (p *CBPeripheral) compareAndSwapState(from, to CBPeripheralState) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != from {
		return false
	}
	p.state = to
	return true
}

// attach binds the peripheral to a manager's wire for a new connection
func (p *CBPeripheral) attach(cm *CBCentralManager) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		p.cancel()
	}
	p.wire = cm.wire
	p.prefix = fmt.Sprintf("%s iOS", util.ShortHash(cm.wire.HardwareUUID()))
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.services = nil
}

// detach aborts operations still in flight on the old link
func (p *CBPeripheral) detach() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		p.cancel()
	}
	for _, svc := range p.services {
		for _, char := range svc.Characteristics {
			char.IsNotifying = false
		}
	}
}

func (p *CBPeripheral) link() (*wire.Wire, context.Context, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.wire == nil || p.state != CBPeripheralStateConnected {
		return nil, nil, false
	}
	return p.wire, p.ctx, true
}

func (p *CBPeripheral) deliver(fn func(d CBPeripheralDelegate)) {
	p.queue.async(func() {
		if d := p.Delegate; d != nil {
			fn(d)
		}
	})
}

// DiscoverServices finds the peripheral's services, keeping only the given
// UUIDs when any are passed. Matches: peripheral.discoverServices(_:)
func (p *CBPeripheral) DiscoverServices(serviceUUIDs []string) {
	w, ctx, ok := p.link()
	if !ok {
		p.deliver(func(d CBPeripheralDelegate) { d.DidDiscoverServices(p, CBErrorNotConnected) })
		return
	}
	go func() {
		found, err := w.DiscoverServices(ctx, p.UUID)
		if err != nil {
			p.deliver(func(d CBPeripheralDelegate) { d.DidDiscoverServices(p, err) })
			return
		}
		want := uuidSet(serviceUUIDs)
		var services []*CBService
		for _, svc := range found {
			name := svc.UUID
			if len(want) > 0 && !want[name] {
				continue
			}
			services = append(services, &CBService{UUID: name, IsPrimary: true})
		}
		p.mu.Lock()
		p.services = services
		p.mu.Unlock()
		p.deliver(func(d CBPeripheralDelegate) { d.DidDiscoverServices(p, nil) })
	}()
}

// DiscoverCharacteristics finds characteristics of service, keeping only the
// given UUIDs when any are passed.
// Matches: peripheral.discoverCharacteristics(_:for:)
func (p *CBPeripheral) DiscoverCharacteristics(characteristicUUIDs []string, service *CBService) {
	w, ctx, ok := p.link()
	if !ok || service == nil {
		p.deliver(func(d CBPeripheralDelegate) { d.DidDiscoverCharacteristics(p, service, CBErrorNotConnected) })
		return
	}
	go func() {
		found, err := w.DiscoverCharacteristics(ctx, p.UUID, service.UUID)
		if err != nil {
			p.deliver(func(d CBPeripheralDelegate) { d.DidDiscoverCharacteristics(p, service, err) })
			return
		}
		want := uuidSet(characteristicUUIDs)
		var chars []*CBCharacteristic
		for _, dc := range found {
			name := dc.UUID
			if len(want) > 0 && !want[name] {
				continue
			}
			chars = append(chars, &CBCharacteristic{
				UUID:       name,
				Properties: CBCharacteristicProperties(dc.Properties),
				Service:    service,
				discovered: dc,
			})
		}
		p.mu.Lock()
		service.Characteristics = chars
		p.mu.Unlock()
		p.deliver(func(d CBPeripheralDelegate) { d.DidDiscoverCharacteristics(p, service, nil) })
	}()
}

// Characteristic returns a discovered characteristic by service and
// characteristic UUID
func (p *CBPeripheral) Characteristic(serviceUUID, charUUID string) *CBCharacteristic {
	svcName, charName := gatt.NormalizeUUID(serviceUUID), gatt.NormalizeUUID(charUUID)
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, svc := range p.services {
		if svc.UUID != svcName {
			continue
		}
		for _, char := range svc.Characteristics {
			if char.UUID == charName {
				return char
			}
		}
	}
	return nil
}

// WriteValue writes data to characteristic. Acknowledged writes report
// through DidWriteValueForCharacteristic; writes without response report
// nothing. Matches: peripheral.writeValue(_:for:type:)
func (p *CBPeripheral) WriteValue(data []byte, characteristic *CBCharacteristic, writeType CBCharacteristicWriteType) {
	w, ctx, ok := p.link()
	if writeType == CBCharacteristicWriteWithoutResponse {
		if !ok || characteristic == nil {
			return
		}
		if err := w.WriteCommand(p.UUID, characteristic.discovered.ValueHandle, data); err != nil {
			logger.Warn(p.prefix, "⚠️  write command to %s failed: %v", util.ShortHash(p.UUID), err)
		}
		return
	}

	if !ok || characteristic == nil {
		p.deliver(func(d CBPeripheralDelegate) { d.DidWriteValueForCharacteristic(p, characteristic, CBErrorNotConnected) })
		return
	}
	value := append([]byte(nil), data...)
	go func() {
		err := w.WriteCharacteristic(ctx, p.UUID, characteristic.discovered.ValueHandle, value)
		p.deliver(func(d CBPeripheralDelegate) { d.DidWriteValueForCharacteristic(p, characteristic, err) })
	}()
}

// ReadValue reads characteristic; the value lands in characteristic.Value
// before DidUpdateValueForCharacteristic fires.
// Matches: peripheral.readValue(for:)
func (p *CBPeripheral) ReadValue(characteristic *CBCharacteristic) {
	w, ctx, ok := p.link()
	if !ok || characteristic == nil {
		p.deliver(func(d CBPeripheralDelegate) { d.DidUpdateValueForCharacteristic(p, characteristic, CBErrorNotConnected) })
		return
	}
	go func() {
		value, err := w.ReadCharacteristic(ctx, p.UUID, characteristic.discovered.ValueHandle)
		p.queue.async(func() {
			if err == nil {
				characteristic.Value = value
			}
			if d := p.Delegate; d != nil {
				d.DidUpdateValueForCharacteristic(p, characteristic, err)
			}
		})
	}()
}

// SetNotifyValue subscribes to or unsubscribes from characteristic
// notifications. Matches: peripheral.setNotifyValue(_:for:)
func (p *CBPeripheral) SetNotifyValue(enabled bool, characteristic *CBCharacteristic) {
	w, ctx, ok := p.link()
	if !ok || characteristic == nil {
		p.deliver(func(d CBPeripheralDelegate) {
			d.DidUpdateNotificationStateForCharacteristic(p, characteristic, CBErrorNotConnected)
		})
		return
	}
	go func() {
		err := w.Subscribe(ctx, p.UUID, characteristic.discovered, enabled)
		p.queue.async(func() {
			if err == nil {
				characteristic.IsNotifying = enabled
			}
			if d := p.Delegate; d != nil {
				d.DidUpdateNotificationStateForCharacteristic(p, characteristic, err)
			}
		})
	}()
}

func (p *CBPeripheral) handleNotification(handle uint16, value []byte) {
	var target *CBCharacteristic
	p.mu.Lock()
	for _, svc := range p.services {
		for _, char := range svc.Characteristics {
			if char.discovered.ValueHandle == handle {
				target = char
			}
		}
	}
	p.mu.Unlock()
	if target == nil {
		return
	}
	value = append([]byte(nil), value...)
	p.queue.async(func() {
		target.Value = value
		if d := p.Delegate; d != nil {
			d.DidUpdateValueForCharacteristic(p, target, nil)
		}
	})
}

func uuidSet(uuids []string) map[string]bool {
	set := make(map[string]bool, len(uuids))
	for _, u := range uuids {
		set[gatt.NormalizeUUID(u)] = true
	}
	return set
}
