//go:build !darwin && !windows

package hardware

import "tinygo.org/x/bluetooth"

// writeAcked sends b and returns once the stack reports completion. On
// BlueZ, WriteWithoutResponse calls WriteValue with no "type" option, which
// issues a Write Request for a characteristic with the Write property, so
// the call still waits for the peer's acknowledgement.
func writeAcked(ch *bluetooth.DeviceCharacteristic, b []byte) (int, error) {
	return ch.WriteWithoutResponse(b)
}
