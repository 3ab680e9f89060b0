package att

import (
	"encoding/binary"
	"fmt"
)

// Error Response (0x01)
type ErrorResponse struct {
	RequestOpcode uint8
	Handle        uint16
	ErrorCode     uint8
}

// Exchange MTU (0x02/0x03)
type ExchangeMTURequest struct {
	ClientRxMTU uint16
}

type ExchangeMTUResponse struct {
	ServerRxMTU uint16
}

// Read By Type (0x08/0x09), used for characteristic discovery
type ReadByTypeRequest struct {
	StartHandle uint16
	EndHandle   uint16
	Type        []byte // 2 or 16 byte UUID, little-endian
}

type ReadByTypeResponse struct {
	Length        uint8  // size of each (Handle, Value) entry
	AttributeData []byte
}

// Read (0x0A/0x0B)
type ReadRequest struct {
	Handle uint16
}

type ReadResponse struct {
	Value []byte
}

// Read Blob (0x0C/0x0D), continues a long read at Offset
type ReadBlobRequest struct {
	Handle uint16
	Offset uint16
}

type ReadBlobResponse struct {
	Value []byte
}

// Read By Group Type (0x10/0x11), used for primary service discovery
type ReadByGroupTypeRequest struct {
	StartHandle uint16
	EndHandle   uint16
	Type        []byte
}

type ReadByGroupTypeResponse struct {
	Length        uint8 // size of each (Handle, EndGroupHandle, Value) entry
	AttributeData []byte
}

// Write Request/Response (0x12/0x13)
type WriteRequest struct {
	Handle uint16
	Value  []byte
}

type WriteResponse struct{}

// Write Command (0x52), no response
type WriteCommand struct {
	Handle uint16
	Value  []byte
}

// Handle Value Notification (0x1B)
type HandleValueNotification struct {
	Handle uint16
	Value  []byte
}

// EncodePacket serializes one of the PDU types above
func EncodePacket(pkt interface{}) ([]byte, error) {
	switch p := pkt.(type) {
	case *ErrorResponse:
		buf := make([]byte, 5)
		buf[0] = OpErrorResponse
		buf[1] = p.RequestOpcode
		binary.LittleEndian.PutUint16(buf[2:4], p.Handle)
		buf[4] = p.ErrorCode
		return buf, nil

	case *ExchangeMTURequest:
		return opU16(OpExchangeMTURequest, p.ClientRxMTU), nil

	case *ExchangeMTUResponse:
		return opU16(OpExchangeMTUResponse, p.ServerRxMTU), nil

	case *ReadByTypeRequest:
		return rangeRequest(OpReadByTypeRequest, p.StartHandle, p.EndHandle, p.Type), nil

	case *ReadByTypeResponse:
		return append([]byte{OpReadByTypeResponse, p.Length}, p.AttributeData...), nil

	case *ReadRequest:
		return opU16(OpReadRequest, p.Handle), nil

	case *ReadResponse:
		return append([]byte{OpReadResponse}, p.Value...), nil

	case *ReadBlobRequest:
		buf := make([]byte, 5)
		buf[0] = OpReadBlobRequest
		binary.LittleEndian.PutUint16(buf[1:3], p.Handle)
		binary.LittleEndian.PutUint16(buf[3:5], p.Offset)
		return buf, nil

	case *ReadBlobResponse:
		return append([]byte{OpReadBlobResponse}, p.Value...), nil

	case *ReadByGroupTypeRequest:
		return rangeRequest(OpReadByGroupTypeRequest, p.StartHandle, p.EndHandle, p.Type), nil

	case *ReadByGroupTypeResponse:
		return append([]byte{OpReadByGroupTypeResponse, p.Length}, p.AttributeData...), nil

	case *WriteRequest:
		return handleValue(OpWriteRequest, p.Handle, p.Value), nil

	case *WriteResponse:
		return []byte{OpWriteResponse}, nil

	case *WriteCommand:
		return handleValue(OpWriteCommand, p.Handle, p.Value), nil

	case *HandleValueNotification:
		return handleValue(OpHandleValueNotification, p.Handle, p.Value), nil

	default:
		return nil, fmt.Errorf("att: unknown packet type %T", pkt)
	}
}

func opU16(op uint8, v uint16) []byte {
	buf := make([]byte, 3)
	buf[0] = op
	binary.LittleEndian.PutUint16(buf[1:3], v)
	return buf
}

func rangeRequest(op uint8, start, end uint16, typ []byte) []byte {
	buf := make([]byte, 5+len(typ))
	buf[0] = op
	binary.LittleEndian.PutUint16(buf[1:3], start)
	binary.LittleEndian.PutUint16(buf[3:5], end)
	copy(buf[5:], typ)
	return buf
}

func handleValue(op uint8, handle uint16, value []byte) []byte {
	buf := make([]byte, 3+len(value))
	buf[0] = op
	binary.LittleEndian.PutUint16(buf[1:3], handle)
	copy(buf[3:], value)
	return buf
}

// DecodePacket parses a PDU received from a peer. Input is untrusted.
func DecodePacket(data []byte) (interface{}, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("att: empty packet")
	}
	op := data[0]
	short := func(min int) error {
		if len(data) < min {
			return fmt.Errorf("att: %s too short (%d bytes)", OpcodeName(op), len(data))
		}
		return nil
	}
	rest := func(from int) []byte {
		return append([]byte{}, data[from:]...)
	}

	switch op {
	case OpErrorResponse:
		if err := short(5); err != nil {
			return nil, err
		}
		return &ErrorResponse{
			RequestOpcode: data[1],
			Handle:        binary.LittleEndian.Uint16(data[2:4]),
			ErrorCode:     data[4],
		}, nil

	case OpExchangeMTURequest:
		if err := short(3); err != nil {
			return nil, err
		}
		return &ExchangeMTURequest{ClientRxMTU: binary.LittleEndian.Uint16(data[1:3])}, nil

	case OpExchangeMTUResponse:
		if err := short(3); err != nil {
			return nil, err
		}
		return &ExchangeMTUResponse{ServerRxMTU: binary.LittleEndian.Uint16(data[1:3])}, nil

	case OpReadByTypeRequest, OpReadByGroupTypeRequest:
		if err := short(7); err != nil {
			return nil, err
		}
		typ := rest(5)
		if len(typ) != 2 && len(typ) != 16 {
			return nil, fmt.Errorf("att: %s has %d-byte type", OpcodeName(op), len(typ))
		}
		start := binary.LittleEndian.Uint16(data[1:3])
		end := binary.LittleEndian.Uint16(data[3:5])
		if op == OpReadByTypeRequest {
			return &ReadByTypeRequest{StartHandle: start, EndHandle: end, Type: typ}, nil
		}
		return &ReadByGroupTypeRequest{StartHandle: start, EndHandle: end, Type: typ}, nil

	case OpReadByTypeResponse:
		if err := short(2); err != nil {
			return nil, err
		}
		return &ReadByTypeResponse{Length: data[1], AttributeData: rest(2)}, nil

	case OpReadByGroupTypeResponse:
		if err := short(2); err != nil {
			return nil, err
		}
		return &ReadByGroupTypeResponse{Length: data[1], AttributeData: rest(2)}, nil

	case OpReadRequest:
		if err := short(3); err != nil {
			return nil, err
		}
		return &ReadRequest{Handle: binary.LittleEndian.Uint16(data[1:3])}, nil

	case OpReadResponse:
		return &ReadResponse{Value: rest(1)}, nil

	case OpReadBlobRequest:
		if err := short(5); err != nil {
			return nil, err
		}
		return &ReadBlobRequest{
			Handle: binary.LittleEndian.Uint16(data[1:3]),
			Offset: binary.LittleEndian.Uint16(data[3:5]),
		}, nil

	case OpReadBlobResponse:
		return &ReadBlobResponse{Value: rest(1)}, nil

	case OpWriteRequest:
		if err := short(3); err != nil {
			return nil, err
		}
		return &WriteRequest{Handle: binary.LittleEndian.Uint16(data[1:3]), Value: rest(3)}, nil

	case OpWriteResponse:
		return &WriteResponse{}, nil

	case OpWriteCommand:
		if err := short(3); err != nil {
			return nil, err
		}
		return &WriteCommand{Handle: binary.LittleEndian.Uint16(data[1:3]), Value: rest(3)}, nil

	case OpHandleValueNotification:
		if err := short(3); err != nil {
			return nil, err
		}
		return &HandleValueNotification{Handle: binary.LittleEndian.Uint16(data[1:3]), Value: rest(3)}, nil

	default:
		return nil, fmt.Errorf("att: unknown opcode 0x%02X", op)
	}
}

// SplitAttributeData cuts a Read By Type / Read By Group Type payload into
// fixed-size entries.
func SplitAttributeData(length uint8, data []byte) ([][]byte, error) {
	if length == 0 || len(data)%int(length) != 0 {
		return nil, fmt.Errorf("att: attribute data of %d bytes is not a multiple of %d", len(data), length)
	}
	entries := make([][]byte, 0, len(data)/int(length))
	for i := 0; i < len(data); i += int(length) {
		entries = append(entries, data[i:i+int(length)])
	}
	return entries, nil
}
