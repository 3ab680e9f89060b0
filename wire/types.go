package wire

import (
	"errors"

	"github.com/user/nearby-blue/wire/gatt"
)

var (
	ErrNotConnected     = errors.New("wire: not connected")
	ErrAlreadyConnected = errors.New("wire: already connected")
	ErrNotAdvertising   = errors.New("wire: device not advertising")
	ErrStopped          = errors.New("wire: stopped")
	ErrNotSubscribed    = errors.New("wire: peer not subscribed")
	ErrValueTooLong     = errors.New("wire: value exceeds MTU")
)

// AdvertisingData is what a peripheral broadcasts. It is stored as
// advertising.json in the device directory.
type AdvertisingData struct {
	DeviceName    string   `json:"device_name,omitempty"`
	ServiceUUIDs  []string `json:"service_uuids,omitempty"`
	TxPowerLevel  *int     `json:"tx_power_level,omitempty"`
	IsConnectable bool     `json:"is_connectable"`
}

// DiscoveredDevice is one scan result
type DiscoveredDevice struct {
	HardwareUUID string
	Advertising  *AdvertisingData
	RSSI         int
}

// GATTHandler serves characteristic values of the local attribute table.
// Both methods run on the connection's read loop and return an ATT error
// code (att.ErrSuccess on success).
type GATTHandler interface {
	// HandleRead returns the value bytes starting at offset
	HandleRead(peer string, attr *gatt.Attribute, offset int) ([]byte, uint8)
	HandleWrite(peer string, attr *gatt.Attribute, value []byte, withResponse bool) uint8
}

type (
	ConnectCallback      func(peer string, role Role)
	DisconnectCallback   func(peer string)
	NotificationCallback func(peer string, handle uint16, value []byte)
)
