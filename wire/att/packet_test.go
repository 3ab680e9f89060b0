package att

import (
	"bytes"
	"reflect"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	uuid16 := []byte{0x00, 0x28}
	packets := []interface{}{
		&ErrorResponse{RequestOpcode: OpReadRequest, Handle: 0x0003, ErrorCode: ErrInvalidOffset},
		&ExchangeMTURequest{ClientRxMTU: 185},
		&ExchangeMTUResponse{ServerRxMTU: 185},
		&ReadByTypeRequest{StartHandle: 1, EndHandle: 0xFFFF, Type: []byte{0x03, 0x28}},
		&ReadByTypeResponse{Length: 7, AttributeData: []byte{1, 0, 2, 3, 0, 0xAA, 0xBB}},
		&ReadRequest{Handle: 0x0005},
		&ReadResponse{Value: []byte("token")},
		&ReadBlobRequest{Handle: 0x0005, Offset: 22},
		&ReadBlobResponse{Value: []byte("tail")},
		&ReadByGroupTypeRequest{StartHandle: 1, EndHandle: 0xFFFF, Type: uuid16},
		&ReadByGroupTypeResponse{Length: 6, AttributeData: []byte{1, 0, 5, 0, 0x0D, 0x18}},
		&WriteRequest{Handle: 0x0003, Value: []byte{1, 2, 3}},
		&WriteResponse{},
		&WriteCommand{Handle: 0x0003, Value: []byte{4}},
		&HandleValueNotification{Handle: 0x0007, Value: []byte{9, 9}},
	}

	for _, pkt := range packets {
		data, err := EncodePacket(pkt)
		if err != nil {
			t.Fatalf("%T: encode: %v", pkt, err)
		}
		decoded, err := DecodePacket(data)
		if err != nil {
			t.Fatalf("%T: decode: %v", pkt, err)
		}
		if !reflect.DeepEqual(pkt, decoded) {
			t.Errorf("%T: round trip mismatch\n got  %#v\n want %#v", pkt, decoded, pkt)
		}
	}
}

func TestReadBlobWireFormat(t *testing.T) {
	data, _ := EncodePacket(&ReadBlobRequest{Handle: 0x0102, Offset: 0x0304})
	if !bytes.Equal(data, []byte{OpReadBlobRequest, 0x02, 0x01, 0x04, 0x03}) {
		t.Fatalf("unexpected encoding %x", data)
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	bad := [][]byte{
		{},
		{0xFF},
		{OpErrorResponse, 0x0A},
		{OpReadRequest, 0x01},
		{OpReadByTypeRequest, 1, 0, 0xFF, 0xFF, 0x03}, // 1-byte type
		{OpReadByGroupTypeRequest, 1, 0, 0xFF, 0xFF, 1, 2, 3},
		{OpReadBlobRequest, 1, 0, 2},
	}
	for _, data := range bad {
		if _, err := DecodePacket(data); err == nil {
			t.Errorf("expected error decoding %x", data)
		}
	}
}

func TestSplitAttributeData(t *testing.T) {
	entries, err := SplitAttributeData(3, []byte{1, 2, 3, 4, 5, 6})
	if err != nil || len(entries) != 2 || entries[1][0] != 4 {
		t.Fatalf("unexpected split: %v %v", entries, err)
	}
	if _, err := SplitAttributeData(4, []byte{1, 2, 3}); err == nil {
		t.Fatal("expected error for ragged data")
	}
	if _, err := SplitAttributeData(0, nil); err == nil {
		t.Fatal("expected error for zero length")
	}
}

func TestErrorHelpers(t *testing.T) {
	err := NewError(ErrWriteRequestRejected, OpWriteRequest, 0x0003)
	if !IsATTError(err, ErrWriteRequestRejected) || ErrorCode(err) != ErrWriteRequestRejected {
		t.Fatalf("helpers did not see code: %v", err)
	}
	if ErrorCode(nil) != ErrSuccess {
		t.Fatal("nil error should map to success")
	}
}
