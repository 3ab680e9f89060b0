package gatt

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/user/nearby-blue/wire/att"
)

// DiscoveredService is a service found on a remote attribute table
type DiscoveredService struct {
	StartHandle uint16
	EndHandle   uint16
	UUID        string
}

// DiscoveredCharacteristic is a characteristic found on a remote table
type DiscoveredCharacteristic struct {
	DeclarationHandle uint16
	Properties        uint8
	ValueHandle       uint16
	UUID              string
}

// ParseServices decodes a Read By Group Type response
func ParseServices(resp *att.ReadByGroupTypeResponse) ([]DiscoveredService, error) {
	if resp.Length != 6 && resp.Length != 20 {
		return nil, fmt.Errorf("gatt: invalid service entry length %d", resp.Length)
	}
	entries, err := att.SplitAttributeData(resp.Length, resp.AttributeData)
	if err != nil {
		return nil, err
	}
	out := make([]DiscoveredService, 0, len(entries))
	for _, e := range entries {
		svc := DiscoveredService{
			StartHandle: binary.LittleEndian.Uint16(e[0:2]),
			EndHandle:   binary.LittleEndian.Uint16(e[2:4]),
			UUID:        UUIDString(e[4:]),
		}
		if svc.StartHandle == 0 || svc.EndHandle < svc.StartHandle {
			return nil, fmt.Errorf("gatt: invalid service range 0x%04X-0x%04X", svc.StartHandle, svc.EndHandle)
		}
		out = append(out, svc)
	}
	return out, nil
}

// ParseCharacteristics decodes a Read By Type response for 0x2803
func ParseCharacteristics(resp *att.ReadByTypeResponse) ([]DiscoveredCharacteristic, error) {
	if resp.Length != 7 && resp.Length != 21 {
		return nil, fmt.Errorf("gatt: invalid characteristic entry length %d", resp.Length)
	}
	entries, err := att.SplitAttributeData(resp.Length, resp.AttributeData)
	if err != nil {
		return nil, err
	}
	out := make([]DiscoveredCharacteristic, 0, len(entries))
	for _, e := range entries {
		out = append(out, DiscoveredCharacteristic{
			DeclarationHandle: binary.LittleEndian.Uint16(e[0:2]),
			Properties:        e[2],
			ValueHandle:       binary.LittleEndian.Uint16(e[3:5]),
			UUID:              UUIDString(e[5:]),
		})
	}
	return out, nil
}

// DiscoveryCache holds what a client has learned about one remote table
type DiscoveryCache struct {
	mu              sync.RWMutex
	services        []DiscoveredService
	characteristics map[uint16][]DiscoveredCharacteristic // service start handle -> chars
}

func NewDiscoveryCache() *DiscoveryCache {
	return &DiscoveryCache{characteristics: make(map[uint16][]DiscoveredCharacteristic)}
}

func (dc *DiscoveryCache) SetServices(services []DiscoveredService) {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	dc.services = append([]DiscoveredService(nil), services...)
	dc.characteristics = make(map[uint16][]DiscoveredCharacteristic)
}

func (dc *DiscoveryCache) SetCharacteristics(serviceStart uint16, chars []DiscoveredCharacteristic) {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	dc.characteristics[serviceStart] = append([]DiscoveredCharacteristic(nil), chars...)
}

// Service looks up a discovered service by UUID
func (dc *DiscoveryCache) Service(uuid string) (DiscoveredService, bool) {
	uuid = NormalizeUUID(uuid)
	dc.mu.RLock()
	defer dc.mu.RUnlock()
	for _, s := range dc.services {
		if s.UUID == uuid {
			return s, true
		}
	}
	return DiscoveredService{}, false
}

// Characteristic looks up a discovered characteristic within a service
func (dc *DiscoveryCache) Characteristic(serviceUUID, charUUID string) (DiscoveredCharacteristic, bool) {
	svc, ok := dc.Service(serviceUUID)
	if !ok {
		return DiscoveredCharacteristic{}, false
	}
	charUUID = NormalizeUUID(charUUID)
	dc.mu.RLock()
	defer dc.mu.RUnlock()
	for _, c := range dc.characteristics[svc.StartHandle] {
		if c.UUID == charUUID {
			return c, true
		}
	}
	return DiscoveredCharacteristic{}, false
}
