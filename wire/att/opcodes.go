// Package att implements the subset of the Attribute Protocol the simulated
// link speaks: MTU exchange, discovery, reads, writes and notifications.
package att

// ATT opcodes (Bluetooth Core Spec v5.3 Vol 3, Part F, Section 3.4)
const (
	OpErrorResponse = 0x01

	OpExchangeMTURequest  = 0x02
	OpExchangeMTUResponse = 0x03

	OpReadByTypeRequest  = 0x08
	OpReadByTypeResponse = 0x09
	OpReadRequest        = 0x0A
	OpReadResponse       = 0x0B
	OpReadBlobRequest    = 0x0C
	OpReadBlobResponse   = 0x0D

	OpReadByGroupTypeRequest  = 0x10
	OpReadByGroupTypeResponse = 0x11

	OpWriteRequest  = 0x12
	OpWriteResponse = 0x13
	OpWriteCommand  = 0x52

	OpHandleValueNotification = 0x1B
)

var OpcodeNames = map[uint8]string{
	OpErrorResponse:           "Error Response",
	OpExchangeMTURequest:      "Exchange MTU Request",
	OpExchangeMTUResponse:     "Exchange MTU Response",
	OpReadByTypeRequest:       "Read By Type Request",
	OpReadByTypeResponse:      "Read By Type Response",
	OpReadRequest:             "Read Request",
	OpReadResponse:            "Read Response",
	OpReadBlobRequest:         "Read Blob Request",
	OpReadBlobResponse:        "Read Blob Response",
	OpReadByGroupTypeRequest:  "Read By Group Type Request",
	OpReadByGroupTypeResponse: "Read By Group Type Response",
	OpWriteRequest:            "Write Request",
	OpWriteResponse:           "Write Response",
	OpWriteCommand:            "Write Command",
	OpHandleValueNotification: "Handle Value Notification",
}

// OpcodeName returns a printable name for logs
func OpcodeName(op uint8) string {
	if name, ok := OpcodeNames[op]; ok {
		return name
	}
	return "Unknown Opcode"
}

// IsRequest reports whether op expects a response from the server
func IsRequest(op uint8) bool {
	return ResponseOpcode(op) != 0
}

// ResponseOpcode returns the success response for a request opcode, or 0.
func ResponseOpcode(op uint8) uint8 {
	switch op {
	case OpExchangeMTURequest:
		return OpExchangeMTUResponse
	case OpReadByTypeRequest:
		return OpReadByTypeResponse
	case OpReadRequest:
		return OpReadResponse
	case OpReadBlobRequest:
		return OpReadBlobResponse
	case OpReadByGroupTypeRequest:
		return OpReadByGroupTypeResponse
	case OpWriteRequest:
		return OpWriteResponse
	default:
		return 0
	}
}

// IsResponse reports whether op completes a pending request
func IsResponse(op uint8) bool {
	switch op {
	case OpErrorResponse,
		OpExchangeMTUResponse,
		OpReadByTypeResponse,
		OpReadResponse,
		OpReadBlobResponse,
		OpReadByGroupTypeResponse,
		OpWriteResponse:
		return true
	}
	return false
}
