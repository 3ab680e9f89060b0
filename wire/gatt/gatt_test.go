package gatt

import (
	"bytes"
	"testing"

	"github.com/user/nearby-blue/wire/att"
)

const (
	testService = "2AC0B600-7C0C-4C9D-AB71-072AE2037107"
	testInbound = "2AC0B601-7C0C-4C9D-AB71-072AE2037107"
	testOutput  = "2AC0B602-7C0C-4C9D-AB71-072AE2037107"
)

func testDatabase(t *testing.T) *AttributeDatabase {
	t.Helper()
	db, err := BuildDatabase([]Service{{
		UUID: testService,
		Characteristics: []Characteristic{
			{UUID: testInbound, Properties: PropWrite},
			{UUID: testOutput, Properties: PropRead | PropNotify},
		},
	}})
	if err != nil {
		t.Fatalf("BuildDatabase: %v", err)
	}
	return db
}

func TestParseUUID(t *testing.T) {
	b, err := ParseUUID("2902")
	if err != nil || !bytes.Equal(b, UUIDClientCharacteristicConfig) {
		t.Fatalf("16-bit parse: %x %v", b, err)
	}

	b, err = ParseUUID(testService)
	if err != nil {
		t.Fatal(err)
	}
	if len(b) != 16 || b[15] != 0x2A || b[0] != 0x07 {
		t.Fatalf("128-bit uuid not little-endian: %x", b)
	}
	if UUIDString(b) != testService {
		t.Fatalf("UUIDString = %s", UUIDString(b))
	}
	if NormalizeUUID("2ac0b600-7c0c-4c9d-ab71-072ae2037107") != testService {
		t.Fatal("normalize should upper-case")
	}
	if _, err := ParseUUID("xyz"); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestBuildDatabaseLayout(t *testing.T) {
	db := testDatabase(t)
	// service decl, (decl, value) inbound, (decl, value, cccd) outbound
	if db.Len() != 6 {
		t.Fatalf("expected 6 attributes, got %d", db.Len())
	}
	in, ok := db.ValueHandle(testService, testInbound)
	if !ok || in != 3 {
		t.Fatalf("inbound value handle = %d", in)
	}
	out, ok := db.ValueHandle(testService, testOutput)
	if !ok || out != 5 {
		t.Fatalf("outbound value handle = %d", out)
	}
	attr, _ := db.Attribute(in)
	if attr.Permissions != PermWritable || !attr.IsCharacteristicValue() {
		t.Fatalf("inbound attr = %+v", attr)
	}
	if _, ok := db.Attribute(0); ok {
		t.Fatal("handle 0 is reserved")
	}
}

func TestDuplicateCharacteristicRejected(t *testing.T) {
	_, err := BuildDatabase([]Service{{
		UUID:            testService,
		Characteristics: []Characteristic{{UUID: testInbound}, {UUID: testInbound}},
	}})
	if err == nil {
		t.Fatal("expected duplicate error")
	}
}

func TestServiceDiscoveryRoundTrip(t *testing.T) {
	db := testDatabase(t)
	resp, errResp := db.ReadByGroupType(&att.ReadByGroupTypeRequest{StartHandle: 1, EndHandle: 0xFFFF, Type: UUIDPrimaryService}, 23)
	if errResp != nil {
		t.Fatalf("unexpected error response %+v", errResp)
	}
	services, err := ParseServices(resp.(*att.ReadByGroupTypeResponse))
	if err != nil {
		t.Fatal(err)
	}
	if len(services) != 1 || services[0].UUID != testService || services[0].StartHandle != 1 || services[0].EndHandle != 6 {
		t.Fatalf("unexpected services %+v", services)
	}

	_, errResp = db.ReadByGroupType(&att.ReadByGroupTypeRequest{StartHandle: 7, EndHandle: 0xFFFF, Type: UUIDPrimaryService}, 23)
	if errResp == nil || errResp.ErrorCode != att.ErrAttributeNotFound {
		t.Fatalf("expected AttributeNotFound, got %+v", errResp)
	}

	_, errResp = db.ReadByGroupType(&att.ReadByGroupTypeRequest{StartHandle: 1, EndHandle: 0xFFFF, Type: UUIDCharacteristic}, 23)
	if errResp == nil || errResp.ErrorCode != att.ErrUnsupportedGroupType {
		t.Fatalf("expected UnsupportedGroupType, got %+v", errResp)
	}
}

func TestCharacteristicDiscoveryIsMTUBounded(t *testing.T) {
	db := testDatabase(t)
	var found []DiscoveredCharacteristic
	start := uint16(1)
	for {
		resp, errResp := db.ReadByType(&att.ReadByTypeRequest{StartHandle: start, EndHandle: 6, Type: UUIDCharacteristic}, 23)
		if errResp != nil {
			if errResp.ErrorCode != att.ErrAttributeNotFound {
				t.Fatalf("unexpected error %+v", errResp)
			}
			break
		}
		chars, err := ParseCharacteristics(resp.(*att.ReadByTypeResponse))
		if err != nil {
			t.Fatal(err)
		}
		if len(chars) != 1 {
			t.Fatalf("23-byte MTU fits one 128-bit declaration, got %d", len(chars))
		}
		found = append(found, chars...)
		start = chars[len(chars)-1].DeclarationHandle + 1
	}
	if len(found) != 2 || found[0].UUID != testInbound || found[1].ValueHandle != 5 {
		t.Fatalf("unexpected characteristics %+v", found)
	}
	if found[1].Properties&PropNotify == 0 {
		t.Fatal("properties lost")
	}
}

func TestDiscoveryCache(t *testing.T) {
	dc := NewDiscoveryCache()
	dc.SetServices([]DiscoveredService{{StartHandle: 1, EndHandle: 6, UUID: testService}})
	dc.SetCharacteristics(1, []DiscoveredCharacteristic{{ValueHandle: 3, UUID: testInbound}})

	c, ok := dc.Characteristic("2ac0b600-7c0c-4c9d-ab71-072ae2037107", testInbound)
	if !ok || c.ValueHandle != 3 {
		t.Fatalf("lookup failed: %+v %v", c, ok)
	}
	if _, ok := dc.Characteristic(testService, testOutput); ok {
		t.Fatal("unexpected characteristic")
	}
}
