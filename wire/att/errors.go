package att

import (
	"errors"
	"fmt"
)

// ATT error codes (Bluetooth Core Spec v5.3 Vol 3, Part F, Section 3.4.1.1)
const (
	ErrSuccess                     = 0x00 // internal only
	ErrInvalidHandle               = 0x01
	ErrReadNotPermitted            = 0x02
	ErrWriteNotPermitted           = 0x03
	ErrInvalidPDU                  = 0x04
	ErrRequestNotSupported         = 0x06
	ErrInvalidOffset               = 0x07
	ErrAttributeNotFound           = 0x0A
	ErrAttributeNotLong            = 0x0B
	ErrInvalidAttributeValueLength = 0x0D
	ErrUnlikelyError               = 0x0E
	ErrUnsupportedGroupType        = 0x10
	ErrInsufficientResources       = 0x11

	// Common profile error codes
	ErrWriteRequestRejected       = 0xFC
	ErrProcedureAlreadyInProgress = 0xFE
)

var ErrorNames = map[uint8]string{
	ErrSuccess:                     "Success",
	ErrInvalidHandle:               "Invalid Handle",
	ErrReadNotPermitted:            "Read Not Permitted",
	ErrWriteNotPermitted:           "Write Not Permitted",
	ErrInvalidPDU:                  "Invalid PDU",
	ErrRequestNotSupported:         "Request Not Supported",
	ErrInvalidOffset:               "Invalid Offset",
	ErrAttributeNotFound:           "Attribute Not Found",
	ErrAttributeNotLong:            "Attribute Not Long",
	ErrInvalidAttributeValueLength: "Invalid Attribute Value Length",
	ErrUnlikelyError:               "Unlikely Error",
	ErrUnsupportedGroupType:        "Unsupported Group Type",
	ErrInsufficientResources:       "Insufficient Resources",
	ErrWriteRequestRejected:        "Write Request Rejected",
	ErrProcedureAlreadyInProgress:  "Procedure Already in Progress",
}

// Error is an ATT Error Response surfaced as a Go error
type Error struct {
	Code          uint8
	RequestOpcode uint8
	Handle        uint16
}

func (e *Error) Error() string {
	name, ok := ErrorNames[e.Code]
	if !ok {
		name = fmt.Sprintf("Error 0x%02X", e.Code)
	}
	return fmt.Sprintf("ATT error: %s (handle 0x%04X, request %s)", name, e.Handle, OpcodeName(e.RequestOpcode))
}

func NewError(code uint8, requestOpcode uint8, handle uint16) *Error {
	return &Error{Code: code, RequestOpcode: requestOpcode, Handle: handle}
}

// IsATTError reports whether err wraps an ATT error with the given code
func IsATTError(err error, code uint8) bool {
	var attErr *Error
	return errors.As(err, &attErr) && attErr.Code == code
}

// ErrorCode returns the ATT code wrapped in err, or ErrSuccess if none.
func ErrorCode(err error) uint8 {
	var attErr *Error
	if errors.As(err, &attErr) {
		return attErr.Code
	}
	return ErrSuccess
}
