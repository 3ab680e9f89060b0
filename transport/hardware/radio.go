// Package hardware runs the transport drivers on a real BLE adapter through
// tinygo.org/x/bluetooth.
//
// Two platform limits apply compared with the simulated drivers: a second
// inbound write cannot be refused with an ATT error, it is only ignored, and
// link loss on the advertiser side is not observed.
package hardware

import (
	"fmt"
	"sync"
	"time"

	"github.com/user/nearby-blue/logger"
	"github.com/user/nearby-blue/token"
	"github.com/user/nearby-blue/transport"
	"tinygo.org/x/bluetooth"
)

var (
	serviceUUID    = mustParse(transport.ServiceUUID)
	scannerSlot    = mustParse(transport.ScannerTokenUUID)
	advertiserSlot = mustParse(transport.AdvertiserTokenUUID)
)

// readBufferSize fits the largest encoded token
const readBufferSize = token.MaxSize + 32

func mustParse(s string) bluetooth.UUID {
	u, err := bluetooth.ParseUUID(s)
	if err != nil {
		panic(fmt.Sprintf("hardware: bad uuid %s: %v", s, err))
	}
	return u
}

// Options configures either hardware driver
type Options struct {
	DeviceName     string
	ConnectTimeout time.Duration
	// Adapter defaults to bluetooth.DefaultAdapter
	Adapter *bluetooth.Adapter
}

func (o Options) withDefaults() Options {
	if o.Adapter == nil {
		o.Adapter = bluetooth.DefaultAdapter
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = transport.DefaultConnectTimeout
	}
	if o.DeviceName == "" {
		o.DeviceName = "nearby-blue"
	}
	return o
}

// radio enables the adapter once and remembers the outcome
type radio struct {
	adapter *bluetooth.Adapter
	once    sync.Once
	power   transport.PowerState
}

func newRadio(a *bluetooth.Adapter) *radio {
	return &radio{adapter: a}
}

func (r *radio) enable(prefix string) transport.PowerState {
	r.once.Do(func() {
		r.power = powerFromEnable(r.adapter.Enable())
		if r.power != transport.PowerOn {
			logger.Error(prefix, "🚫 adapter unavailable")
		} else {
			logger.Info(prefix, "📶 adapter enabled")
		}
	})
	return r.power
}

// powerFromEnable maps the one signal the adapter gives us. There is no
// separate powered-off report, so any failure is treated as unsupported.
func powerFromEnable(err error) transport.PowerState {
	if err != nil {
		return transport.PowerUnsupported
	}
	return transport.PowerOn
}
