package swift

import (
	"fmt"
	"sync"
	"time"

	"github.com/user/nearby-blue/logger"
	"github.com/user/nearby-blue/util"
	"github.com/user/nearby-blue/wire"
	"github.com/user/nearby-blue/wire/att"
	"github.com/user/nearby-blue/wire/gatt"
)

// Advertisement data keys accepted by StartAdvertising and reported by
// DidDiscoverPeripheral
const (
	CBAdvertisementDataLocalNameKey     = "kCBAdvDataLocalName"
	CBAdvertisementDataServiceUUIDsKey  = "kCBAdvDataServiceUUIDs"
	CBAdvertisementDataTxPowerLevelKey  = "kCBAdvDataTxPowerLevel"
	CBAdvertisementDataIsConnectableKey = "kCBAdvDataIsConnectable"
)

// requestResponseWindow bounds how long a read or acknowledged write waits
// for RespondToRequest
const requestResponseWindow = 5 * time.Second

// CBPeripheralManagerDelegate matches iOS CoreBluetooth peripheral manager delegate.
// Read and write requests are delivered on the link's receive path and must
// be answered with RespondToRequest promptly; the other callbacks run on the
// manager's queue.
type CBPeripheralManagerDelegate interface {
	DidUpdatePeripheralState(peripheralManager *CBPeripheralManager)
	DidStartAdvertising(peripheralManager *CBPeripheralManager, err error)
	DidReceiveReadRequest(peripheralManager *CBPeripheralManager, request *CBATTRequest)
	DidReceiveWriteRequests(peripheralManager *CBPeripheralManager, requests []*CBATTRequest)
}

// CBPeripheralManagerConnectionDelegate is implemented by delegates that want
// to hear about centrals connecting and going away
type CBPeripheralManagerConnectionDelegate interface {
	CentralDidConnect(peripheralManager *CBPeripheralManager, central CBCentral)
	CentralDidDisconnect(peripheralManager *CBPeripheralManager, central CBCentral)
}

// CBCentral represents a remote central device
type CBCentral struct {
	UUID                     string
	MaximumUpdateValueLength int
}

// CBATTRequest represents a read/write request from a central device.
// For reads the delegate sets Value to the bytes starting at Offset.
type CBATTRequest struct {
	Central        CBCentral
	Characteristic *CBMutableCharacteristic
	Offset         int
	Value          []byte

	once   sync.Once
	result chan CBATTError
}

// NewCBATTRequest builds a request as the manager would deliver it
func NewCBATTRequest(central CBCentral, char *CBMutableCharacteristic, offset int, value []byte) *CBATTRequest {
	return &CBATTRequest{
		Central:        central,
		Characteristic: char,
		Offset:         offset,
		Value:          value,
		result:         make(chan CBATTError, 1),
	}
}

// Result returns the code given to RespondToRequest, if it has been called
func (r *CBATTRequest) Result() (CBATTError, bool) {
	select {
	case code := <-r.result:
		r.result <- code
		return code, true
	default:
		return 0, false
	}
}

// CBMutableCharacteristic is the peripheral-side representation of a characteristic.
// A non-nil Value is served directly without asking the delegate.
type CBMutableCharacteristic struct {
	UUID        string
	Properties  CBCharacteristicProperties
	Value       []byte
	Permissions CBAttributePermissions
	Service     *CBMutableService
}

// CBMutableService is the peripheral-side representation of a service
type CBMutableService struct {
	UUID            string
	IsPrimary       bool
	Characteristics []*CBMutableCharacteristic
}

// CBCharacteristicProperties uses the bit values of the GATT declaration
type CBCharacteristicProperties uint8

const (
	CBCharacteristicPropertyRead                 CBCharacteristicProperties = gatt.PropRead
	CBCharacteristicPropertyWriteWithoutResponse CBCharacteristicProperties = gatt.PropWriteWithoutResponse
	CBCharacteristicPropertyWrite                CBCharacteristicProperties = gatt.PropWrite
	CBCharacteristicPropertyNotify               CBCharacteristicProperties = gatt.PropNotify
)

// CBAttributePermissions represents characteristic permissions bitmask
type CBAttributePermissions int

const (
	CBAttributePermissionsReadable  CBAttributePermissions = 1 << 0
	CBAttributePermissionsWriteable CBAttributePermissions = 1 << 1
)

// CBPeripheralManager manages the local device as a BLE peripheral.
// A Wire carries at most one manager.
type CBPeripheralManager struct {
	Delegate CBPeripheralManagerDelegate

	uuid   string
	prefix string
	wire   *wire.Wire
	power  *powerState
	queue  dispatchQueue

	mu          sync.RWMutex
	services    []*CBMutableService
	db          *gatt.AttributeDatabase
	chars       map[string]*CBMutableCharacteristic // "SERVICE/CHAR" -> characteristic
	advertising bool
}

// NewCBPeripheralManager creates a peripheral manager on w. The wire must be
// started by the caller.
func NewCBPeripheralManager(delegate CBPeripheralManagerDelegate, w *wire.Wire, opts ManagerOptions) *CBPeripheralManager {
	pm := &CBPeripheralManager{
		Delegate: delegate,
		uuid:     w.HardwareUUID(),
		prefix:   fmt.Sprintf("%s iOS", util.ShortHash(w.HardwareUUID())),
		wire:     w,
		chars:    make(map[string]*CBMutableCharacteristic),
	}

	w.SetConnectCallback(func(peer string, role wire.Role) {
		if role != wire.RolePeripheral {
			return
		}
		logger.Debug(pm.prefix, "📱 central %s connected", util.ShortHash(peer))
		if d, ok := pm.Delegate.(CBPeripheralManagerConnectionDelegate); ok {
			central := pm.central(peer)
			pm.queue.async(func() { d.CentralDidConnect(pm, central) })
		}
	})
	w.SetDisconnectCallback(func(peer string) {
		logger.Debug(pm.prefix, "📱 central %s disconnected", util.ShortHash(peer))
		if d, ok := pm.Delegate.(CBPeripheralManagerConnectionDelegate); ok {
			central := CBCentral{UUID: peer}
			pm.queue.async(func() { d.CentralDidDisconnect(pm, central) })
		}
	})

	pm.power = newPowerState(opts, func(s CBManagerState) {
		logger.Info(pm.prefix, "⚡ peripheral manager state: %s", s)
		if s != CBManagerStatePoweredOn {
			pm.StopAdvertising()
		}
		if pm.Delegate != nil {
			pm.queue.async(func() { pm.Delegate.DidUpdatePeripheralState(pm) })
		}
	})
	return pm
}

// State returns the manager's current CBManagerState
func (pm *CBPeripheralManager) State() CBManagerState {
	return pm.power.get()
}

// SetState simulates a radio state change
func (pm *CBPeripheralManager) SetState(s CBManagerState) {
	pm.power.stop()
	pm.power.set(s)
}

// IsAdvertising reports whether an advertisement is published
func (pm *CBPeripheralManager) IsAdvertising() bool {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.advertising
}

// AddService publishes service in the local GATT database
// Matches: peripheralManager.add(_:)
func (pm *CBPeripheralManager) AddService(service *CBMutableService) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if pm.advertising {
		return fmt.Errorf("cannot add service while advertising")
	}

	services := append(append([]*CBMutableService(nil), pm.services...), service)
	if err := pm.publishLocked(services); err != nil {
		return err
	}
	logger.Info(pm.prefix, "📋 added service %s", gatt.NormalizeUUID(service.UUID))
	return nil
}

// RemoveAllServices clears the GATT database
func (pm *CBPeripheralManager) RemoveAllServices() error {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if pm.advertising {
		return fmt.Errorf("cannot remove services while advertising")
	}
	return pm.publishLocked(nil)
}

func (pm *CBPeripheralManager) publishLocked(services []*CBMutableService) error {
	defs := make([]gatt.Service, 0, len(services))
	chars := make(map[string]*CBMutableCharacteristic)
	for _, svc := range services {
		def := gatt.Service{UUID: svc.UUID}
		svcName := gatt.NormalizeUUID(svc.UUID)
		for _, char := range svc.Characteristics {
			char.Service = svc
			def.Characteristics = append(def.Characteristics, gatt.Characteristic{
				UUID:       char.UUID,
				Properties: uint8(char.Properties),
			})
			chars[svcName+"/"+gatt.NormalizeUUID(char.UUID)] = char
		}
		defs = append(defs, def)
	}

	db, err := gatt.BuildDatabase(defs)
	if err != nil {
		return fmt.Errorf("build GATT database: %w", err)
	}
	pm.services = services
	pm.db = db
	pm.chars = chars
	pm.wire.SetGATTServer(db, pm)
	return nil
}

// StartAdvertising begins advertising. Matches: peripheralManager.startAdvertising(_:)
// Recognized keys: CBAdvertisementDataLocalNameKey (string) and
// CBAdvertisementDataServiceUUIDsKey ([]string). The result is reported
// through DidStartAdvertising.
func (pm *CBPeripheralManager) StartAdvertising(advertisementData map[string]interface{}) {
	err := pm.startAdvertising(advertisementData)
	if err != nil {
		logger.Warn(pm.prefix, "❌ start advertising: %v", err)
	}
	if pm.Delegate != nil {
		pm.queue.async(func() { pm.Delegate.DidStartAdvertising(pm, err) })
	}
}

func (pm *CBPeripheralManager) startAdvertising(advertisementData map[string]interface{}) error {
	if s := pm.State(); s != CBManagerStatePoweredOn {
		return fmt.Errorf("%w: manager is %s", CBErrorInvalidParameters, s)
	}

	pm.mu.Lock()
	defer pm.mu.Unlock()
	if pm.advertising {
		return CBErrorAlreadyAdvertising
	}

	data := &wire.AdvertisingData{IsConnectable: true}
	if name, ok := advertisementData[CBAdvertisementDataLocalNameKey].(string); ok {
		data.DeviceName = name
	}
	if uuids, ok := advertisementData[CBAdvertisementDataServiceUUIDsKey].([]string); ok {
		data.ServiceUUIDs = uuids
	}
	if tx, ok := advertisementData[CBAdvertisementDataTxPowerLevelKey].(int); ok {
		data.TxPowerLevel = &tx
	}
	if err := pm.wire.StartAdvertising(data); err != nil {
		return err
	}
	pm.advertising = true
	logger.Info(pm.prefix, "📡 advertising %q", data.DeviceName)
	return nil
}

// StopAdvertising withdraws the advertisement
func (pm *CBPeripheralManager) StopAdvertising() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if !pm.advertising {
		return
	}
	pm.advertising = false
	if err := pm.wire.StopAdvertising(); err != nil {
		logger.Warn(pm.prefix, "⚠️  stop advertising: %v", err)
	}
}

// UpdateValue notifies subscribed centrals. With no centrals given, every
// connected central is tried. Returns false when no notification was sent.
func (pm *CBPeripheralManager) UpdateValue(value []byte, characteristic *CBMutableCharacteristic, centrals []CBCentral) bool {
	if characteristic == nil || characteristic.Service == nil {
		return false
	}
	handle, ok := pm.valueHandle(characteristic)
	if !ok {
		return false
	}

	peers := make([]string, 0, len(centrals))
	for _, c := range centrals {
		peers = append(peers, c.UUID)
	}
	if len(peers) == 0 {
		peers = pm.wire.ConnectedPeers()
	}

	sent := false
	for _, peer := range peers {
		if err := pm.wire.Notify(peer, handle, value); err != nil {
			logger.Trace(pm.prefix, "notify %s skipped: %v", util.ShortHash(peer), err)
			continue
		}
		sent = true
	}
	return sent
}

// RespondToRequest answers a read or write request. Only the first response
// counts. Matches: peripheralManager.respond(to:withResult:)
func (pm *CBPeripheralManager) RespondToRequest(request *CBATTRequest, result CBATTError) {
	if request == nil || request.result == nil {
		return
	}
	request.once.Do(func() { request.result <- result })
}

// Close stops state reporting and delegate delivery
func (pm *CBPeripheralManager) Close() {
	pm.power.stop()
	pm.StopAdvertising()
	pm.queue.close()
}

func (pm *CBPeripheralManager) valueHandle(char *CBMutableCharacteristic) (uint16, bool) {
	db := pm.database()
	if db == nil {
		return 0, false
	}
	return db.ValueHandle(gatt.NormalizeUUID(char.Service.UUID), gatt.NormalizeUUID(char.UUID))
}

func (pm *CBPeripheralManager) database() *gatt.AttributeDatabase {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.db
}

func (pm *CBPeripheralManager) characteristic(attr *gatt.Attribute) *CBMutableCharacteristic {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.chars[attr.ServiceUUID+"/"+attr.CharacteristicUUID]
}

func (pm *CBPeripheralManager) central(peer string) CBCentral {
	c := CBCentral{UUID: peer, MaximumUpdateValueLength: wire.DefaultMTU - 3}
	if mtu, err := pm.wire.MTU(peer); err == nil {
		c.MaximumUpdateValueLength = mtu - 3
	}
	return c
}

// HandleRead serves a characteristic value read for the wire
func (pm *CBPeripheralManager) HandleRead(peer string, attr *gatt.Attribute, offset int) ([]byte, uint8) {
	char := pm.characteristic(attr)
	if char == nil {
		return nil, att.ErrInvalidHandle
	}
	if char.Permissions&CBAttributePermissionsReadable == 0 {
		return nil, att.ErrReadNotPermitted
	}
	if char.Value != nil {
		if offset > len(char.Value) {
			return nil, att.ErrInvalidOffset
		}
		return char.Value[offset:], att.ErrSuccess
	}
	if pm.Delegate == nil {
		return nil, att.ErrReadNotPermitted
	}

	req := NewCBATTRequest(pm.central(peer), char, offset, nil)
	pm.Delegate.DidReceiveReadRequest(pm, req)
	result := pm.await(req)
	if result != CBATTErrorSuccess {
		return nil, uint8(result)
	}
	return req.Value, att.ErrSuccess
}

// HandleWrite delivers a characteristic value write for the wire
func (pm *CBPeripheralManager) HandleWrite(peer string, attr *gatt.Attribute, value []byte, withResponse bool) uint8 {
	char := pm.characteristic(attr)
	if char == nil {
		return att.ErrInvalidHandle
	}
	if char.Permissions&CBAttributePermissionsWriteable == 0 {
		return att.ErrWriteNotPermitted
	}
	if pm.Delegate == nil {
		return att.ErrWriteNotPermitted
	}

	req := NewCBATTRequest(pm.central(peer), char, 0, append([]byte(nil), value...))
	pm.Delegate.DidReceiveWriteRequests(pm, []*CBATTRequest{req})
	if !withResponse {
		return att.ErrSuccess
	}
	return uint8(pm.await(req))
}

func (pm *CBPeripheralManager) await(req *CBATTRequest) CBATTError {
	timer := time.NewTimer(requestResponseWindow)
	defer timer.Stop()
	select {
	case r := <-req.result:
		return r
	case <-timer.C:
		logger.Warn(pm.prefix, "⏱️  request for %s never answered", util.ShortHash(req.Characteristic.UUID))
		return CBATTErrorUnlikelyError
	}
}
