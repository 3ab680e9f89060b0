package gatt

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/user/nearby-blue/wire/att"
)

// Characteristic properties (bitmask, transmitted in declarations)
const (
	PropRead                 = 0x02
	PropWriteWithoutResponse = 0x04
	PropWrite                = 0x08
	PropNotify               = 0x10
)

// Attribute permissions (server side only)
const (
	PermReadable = 0x01
	PermWritable = 0x02
)

// Service is a service definition to publish
type Service struct {
	UUID            string
	Characteristics []Characteristic
}

// Characteristic is a characteristic definition. Its value is served by the
// owner of the database, not stored here.
type Characteristic struct {
	UUID       string
	Properties uint8
}

// Attribute is one row of the attribute table
type Attribute struct {
	Handle      uint16
	Type        []byte // wire-form UUID
	Value       []byte // set for declarations and descriptors
	Permissions uint8

	// Set on characteristic value attributes
	ServiceUUID        string
	CharacteristicUUID string
}

// IsCharacteristicValue reports whether reads and writes of this attribute
// are dispatched to the service owner.
func (a *Attribute) IsCharacteristicValue() bool {
	return a.CharacteristicUUID != ""
}

type serviceGroup struct {
	start, end uint16
	uuid       []byte
}

// AttributeDatabase is an immutable attribute table built from Services
type AttributeDatabase struct {
	attributes []*Attribute // index = handle-1
	groups     []serviceGroup
	values     map[string]uint16 // "SERVICE/CHAR" -> value handle
}

// BuildDatabase lays out services in declaration order starting at handle 1.
// Each characteristic gets a declaration, a value, and a CCCD when it
// supports notify.
func BuildDatabase(services []Service) (*AttributeDatabase, error) {
	db := &AttributeDatabase{values: make(map[string]uint16)}

	add := func(attr *Attribute) uint16 {
		attr.Handle = uint16(len(db.attributes) + 1)
		db.attributes = append(db.attributes, attr)
		return attr.Handle
	}

	for _, svc := range services {
		svcUUID, err := ParseUUID(svc.UUID)
		if err != nil {
			return nil, err
		}
		svcName := UUIDString(svcUUID)
		start := add(&Attribute{Type: UUIDPrimaryService, Value: svcUUID, Permissions: PermReadable})

		for _, char := range svc.Characteristics {
			charUUID, err := ParseUUID(char.UUID)
			if err != nil {
				return nil, err
			}
			charName := UUIDString(charUUID)
			key := svcName + "/" + charName
			if _, dup := db.values[key]; dup {
				return nil, fmt.Errorf("gatt: duplicate characteristic %s in service %s", charName, svcName)
			}

			declHandle := add(&Attribute{Type: UUIDCharacteristic, Permissions: PermReadable})
			var perms uint8
			if char.Properties&PropRead != 0 {
				perms |= PermReadable
			}
			if char.Properties&(PropWrite|PropWriteWithoutResponse) != 0 {
				perms |= PermWritable
			}
			valueHandle := add(&Attribute{
				Type:               charUUID,
				Permissions:        perms,
				ServiceUUID:        svcName,
				CharacteristicUUID: charName,
			})

			decl := make([]byte, 3, 3+len(charUUID))
			decl[0] = char.Properties
			binary.LittleEndian.PutUint16(decl[1:3], valueHandle)
			db.attributes[declHandle-1].Value = append(decl, charUUID...)
			db.values[key] = valueHandle

			if char.Properties&PropNotify != 0 {
				add(&Attribute{
					Type:        UUIDClientCharacteristicConfig,
					Value:       []byte{0x00, 0x00},
					Permissions: PermReadable | PermWritable,
				})
			}
		}

		db.groups = append(db.groups, serviceGroup{
			start: start,
			end:   uint16(len(db.attributes)),
			uuid:  svcUUID,
		})
	}
	if len(db.attributes) > 0xFFFE {
		return nil, fmt.Errorf("gatt: attribute table too large (%d)", len(db.attributes))
	}
	return db, nil
}

// Attribute returns the attribute at handle
func (db *AttributeDatabase) Attribute(handle uint16) (*Attribute, bool) {
	if handle == 0 || int(handle) > len(db.attributes) {
		return nil, false
	}
	return db.attributes[handle-1], true
}

// ValueHandle returns the handle of a characteristic's value attribute
func (db *AttributeDatabase) ValueHandle(serviceUUID, charUUID string) (uint16, bool) {
	h, ok := db.values[NormalizeUUID(serviceUUID)+"/"+NormalizeUUID(charUUID)]
	return h, ok
}

// Len is the number of attributes
func (db *AttributeDatabase) Len() int {
	return len(db.attributes)
}

// Handles lists characteristic value handles in handle order
func (db *AttributeDatabase) Handles() []uint16 {
	out := make([]uint16, 0, len(db.values))
	for _, h := range db.values {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ReadByGroupType answers primary service discovery. Entries are truncated to
// what fits in mtu and all share the first entry's length.
func (db *AttributeDatabase) ReadByGroupType(req *att.ReadByGroupTypeRequest, mtu int) (interface{}, *att.ErrorResponse) {
	if bad := checkRange(att.OpReadByGroupTypeRequest, req.StartHandle, req.EndHandle); bad != nil {
		return nil, bad
	}
	if !bytes.Equal(req.Type, UUIDPrimaryService) {
		return nil, &att.ErrorResponse{RequestOpcode: att.OpReadByGroupTypeRequest, Handle: req.StartHandle, ErrorCode: att.ErrUnsupportedGroupType}
	}

	var (
		entryLen int
		data     []byte
	)
	for _, g := range db.groups {
		if g.start < req.StartHandle || g.start > req.EndHandle {
			continue
		}
		n := 4 + len(g.uuid)
		if entryLen == 0 {
			entryLen = n
		} else if n != entryLen {
			break
		}
		if 2+len(data)+n > mtu {
			break
		}
		entry := make([]byte, 4, n)
		binary.LittleEndian.PutUint16(entry[0:2], g.start)
		binary.LittleEndian.PutUint16(entry[2:4], g.end)
		data = append(data, append(entry, g.uuid...)...)
	}
	if len(data) == 0 {
		return nil, &att.ErrorResponse{RequestOpcode: att.OpReadByGroupTypeRequest, Handle: req.StartHandle, ErrorCode: att.ErrAttributeNotFound}
	}
	return &att.ReadByGroupTypeResponse{Length: uint8(entryLen), AttributeData: data}, nil
}

// ReadByType answers characteristic discovery. Only attributes with a stored
// value (declarations) are returned.
func (db *AttributeDatabase) ReadByType(req *att.ReadByTypeRequest, mtu int) (interface{}, *att.ErrorResponse) {
	if bad := checkRange(att.OpReadByTypeRequest, req.StartHandle, req.EndHandle); bad != nil {
		return nil, bad
	}

	var (
		entryLen int
		data     []byte
	)
	for h := int(req.StartHandle); h <= int(req.EndHandle) && h <= len(db.attributes); h++ {
		attr := db.attributes[h-1]
		if !bytes.Equal(attr.Type, req.Type) || attr.Value == nil {
			continue
		}
		n := 2 + len(attr.Value)
		if entryLen == 0 {
			entryLen = n
		} else if n != entryLen {
			break
		}
		if 2+len(data)+n > mtu {
			break
		}
		entry := make([]byte, 2, n)
		binary.LittleEndian.PutUint16(entry, attr.Handle)
		data = append(data, append(entry, attr.Value...)...)
	}
	if len(data) == 0 {
		return nil, &att.ErrorResponse{RequestOpcode: att.OpReadByTypeRequest, Handle: req.StartHandle, ErrorCode: att.ErrAttributeNotFound}
	}
	return &att.ReadByTypeResponse{Length: uint8(entryLen), AttributeData: data}, nil
}

func checkRange(op uint8, start, end uint16) *att.ErrorResponse {
	if start == 0 || start > end {
		return &att.ErrorResponse{RequestOpcode: op, Handle: start, ErrorCode: att.ErrInvalidHandle}
	}
	return nil
}

// IsCCCD reports whether attr is a Client Characteristic Configuration
// descriptor
func IsCCCD(attr *Attribute) bool {
	return bytes.Equal(attr.Type, UUIDClientCharacteristicConfig)
}
