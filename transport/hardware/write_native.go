//go:build darwin || windows

package hardware

import "tinygo.org/x/bluetooth"

// writeAcked sends b as a Write Request and waits for the response
func writeAcked(ch *bluetooth.DeviceCharacteristic, b []byte) (int, error) {
	return ch.Write(b)
}
