package swift

import (
	"errors"
	"fmt"

	"github.com/user/nearby-blue/wire/att"
)

// CBManagerState represents the current state of a CBCentralManager or CBPeripheralManager
// Matches iOS CoreBluetooth CBManagerState enum
type CBManagerState int

const (
	CBManagerStateUnknown      CBManagerState = 0 // State is unknown, cannot use Bluetooth yet
	CBManagerStateResetting    CBManagerState = 1 // Connection to the system service was momentarily lost, update imminent
	CBManagerStateUnsupported  CBManagerState = 2 // Platform doesn't support Bluetooth Low Energy
	CBManagerStateUnauthorized CBManagerState = 3 // App is not authorized to use Bluetooth Low Energy
	CBManagerStatePoweredOff   CBManagerState = 4 // Bluetooth is currently powered off
	CBManagerStatePoweredOn    CBManagerState = 5 // Bluetooth is currently powered on and available to use
)

func (s CBManagerState) String() string {
	switch s {
	case CBManagerStateUnknown:
		return "unknown"
	case CBManagerStateResetting:
		return "resetting"
	case CBManagerStateUnsupported:
		return "unsupported"
	case CBManagerStateUnauthorized:
		return "unauthorized"
	case CBManagerStatePoweredOff:
		return "poweredOff"
	case CBManagerStatePoweredOn:
		return "poweredOn"
	default:
		return "unknown"
	}
}

// CBPeripheralState represents the connection state of a CBPeripheral
type CBPeripheralState int

const (
	CBPeripheralStateDisconnected  CBPeripheralState = 0
	CBPeripheralStateConnecting    CBPeripheralState = 1
	CBPeripheralStateConnected     CBPeripheralState = 2
	CBPeripheralStateDisconnecting CBPeripheralState = 3
)

func (s CBPeripheralState) String() string {
	switch s {
	case CBPeripheralStateConnecting:
		return "connecting"
	case CBPeripheralStateConnected:
		return "connected"
	case CBPeripheralStateDisconnecting:
		return "disconnecting"
	default:
		return "disconnected"
	}
}

// CBATTError is the result code a peripheral answers a request with
type CBATTError uint8

const (
	CBATTErrorSuccess                     CBATTError = att.ErrSuccess
	CBATTErrorInvalidHandle               CBATTError = att.ErrInvalidHandle
	CBATTErrorReadNotPermitted            CBATTError = att.ErrReadNotPermitted
	CBATTErrorWriteNotPermitted           CBATTError = att.ErrWriteNotPermitted
	CBATTErrorInvalidPDU                  CBATTError = att.ErrInvalidPDU
	CBATTErrorRequestNotSupported         CBATTError = att.ErrRequestNotSupported
	CBATTErrorInvalidOffset               CBATTError = att.ErrInvalidOffset
	CBATTErrorAttributeNotFound           CBATTError = att.ErrAttributeNotFound
	CBATTErrorAttributeNotLong            CBATTError = att.ErrAttributeNotLong
	CBATTErrorInvalidAttributeValueLength CBATTError = att.ErrInvalidAttributeValueLength
	CBATTErrorUnlikelyError               CBATTError = att.ErrUnlikelyError
	CBATTErrorInsufficientResources       CBATTError = att.ErrInsufficientResources
	CBATTErrorWriteRequestRejected        CBATTError = att.ErrWriteRequestRejected
)

func (e CBATTError) String() string {
	if name, ok := att.ErrorNames[uint8(e)]; ok {
		return name
	}
	return fmt.Sprintf("ATT error 0x%02X", uint8(e))
}

// CBError represents CoreBluetooth errors
type CBError int

const (
	CBErrorUnknown                CBError = 0
	CBErrorInvalidParameters      CBError = 1
	CBErrorNotConnected           CBError = 3
	CBErrorOperationCancelled     CBError = 5
	CBErrorConnectionTimeout      CBError = 6
	CBErrorPeripheralDisconnected CBError = 7
	CBErrorAlreadyAdvertising     CBError = 9
	CBErrorConnectionFailed       CBError = 10
)

var cbErrorNames = map[CBError]string{
	CBErrorUnknown:                "unknown error",
	CBErrorInvalidParameters:      "invalid parameters",
	CBErrorNotConnected:           "not connected",
	CBErrorOperationCancelled:     "operation cancelled",
	CBErrorConnectionTimeout:      "connection timed out",
	CBErrorPeripheralDisconnected: "peripheral disconnected",
	CBErrorAlreadyAdvertising:     "already advertising",
	CBErrorConnectionFailed:       "connection failed",
}

func (e CBError) Error() string {
	if name, ok := cbErrorNames[e]; ok {
		return "CBError: " + name
	}
	return fmt.Sprintf("CBError %d", int(e))
}

// ATTErrorCode extracts the ATT result code from an operation error, if the
// peer answered with an Error Response.
func ATTErrorCode(err error) (CBATTError, bool) {
	var ae *att.Error
	if errors.As(err, &ae) {
		return CBATTError(ae.Code), true
	}
	return 0, false
}
