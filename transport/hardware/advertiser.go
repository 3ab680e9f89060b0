package hardware

import (
	"fmt"
	"sync"

	"github.com/user/nearby-blue/logger"
	"github.com/user/nearby-blue/transport"
	"tinygo.org/x/bluetooth"
)

// Advertiser is the peripheral-role driver on a real adapter
type Advertiser struct {
	prefix string
	opts   Options
	radio  *radio
	gate   transport.EmitGate

	mu           sync.Mutex
	active       bool
	accepted     bool
	serviceAdded bool
	outbound     bluetooth.Characteristic
	adv          *bluetooth.Advertisement
}

func NewAdvertiser(opts Options) *Advertiser {
	opts = opts.withDefaults()
	return &Advertiser{
		prefix: fmt.Sprintf("%s HW Advertiser", opts.DeviceName),
		opts:   opts,
		radio:  newRadio(opts.Adapter),
	}
}

func (a *Advertiser) Role() transport.Role { return transport.RoleAdvertiser }

func (a *Advertiser) Activate(localToken []byte, emit transport.Emitter) error {
	if len(localToken) == 0 {
		return fmt.Errorf("hardware: empty local token")
	}
	a.gate.Open(emit)
	power := a.radio.enable(a.prefix)
	a.gate.Send(transport.Event{Kind: transport.EventPowerChanged, Power: power})
	if power != transport.PowerOn {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.active {
		return fmt.Errorf("hardware: advertiser already active")
	}
	if err := a.publishLocked(localToken); err != nil {
		a.gate.Send(transport.Event{Kind: transport.EventFailed, Err: fmt.Errorf("%w: %v", transport.ErrAdvertiseFailed, err)})
		return nil
	}
	a.active = true
	a.accepted = false

	a.adv = a.opts.Adapter.DefaultAdvertisement()
	err := a.adv.Configure(bluetooth.AdvertisementOptions{
		LocalName:    a.opts.DeviceName,
		ServiceUUIDs: []bluetooth.UUID{serviceUUID},
	})
	if err == nil {
		err = a.adv.Start()
	}
	if err != nil {
		a.gate.Send(transport.Event{Kind: transport.EventFailed, Err: fmt.Errorf("%w: %v", transport.ErrAdvertiseFailed, err)})
		return nil
	}
	logger.Info(a.prefix, "📡 advertising %s", transport.ServiceUUID)
	return nil
}

// publishLocked adds the token service once; later sessions only refresh
// the outbound value
func (a *Advertiser) publishLocked(localToken []byte) error {
	value := append([]byte(nil), localToken...)
	if a.serviceAdded {
		_, err := a.outbound.Write(value)
		return err
	}
	err := a.opts.Adapter.AddService(&bluetooth.Service{
		UUID: serviceUUID,
		Characteristics: []bluetooth.CharacteristicConfig{
			{
				Handle: &a.outbound,
				UUID:   advertiserSlot,
				Value:  value,
				Flags:  bluetooth.CharacteristicReadPermission,
			},
			{
				UUID:       scannerSlot,
				Flags:      bluetooth.CharacteristicWritePermission,
				WriteEvent: a.onWrite,
			},
		},
	})
	if err != nil {
		return err
	}
	a.serviceAdded = true
	return nil
}

// onWrite accepts the first inbound write of a session. The stack has
// already acknowledged it. A fragment of a long write (offset > 0) is not
// a whole token and does not use up the session's write.
func (a *Advertiser) onWrite(client bluetooth.Connection, offset int, value []byte) {
	if offset != 0 {
		logger.Debug(a.prefix, "ignoring write at offset %d from %v", offset, client)
		return
	}
	a.mu.Lock()
	if !a.active || a.accepted {
		a.mu.Unlock()
		logger.Debug(a.prefix, "ignoring write from %v", client)
		return
	}
	a.accepted = true
	adv := a.adv
	a.mu.Unlock()

	if adv != nil {
		if err := adv.Stop(); err != nil {
			logger.Warn(a.prefix, "stop advertising: %v", err)
		}
	}
	peer := fmt.Sprint(client)
	logger.Info(a.prefix, "📥 token write from %s (%d bytes)", peer, len(value))
	a.gate.Send(transport.Event{Kind: transport.EventLinked, Peer: peer})
	a.gate.Send(transport.Event{Kind: transport.EventPeerToken, Peer: peer, Data: append([]byte(nil), value...)})
}

func (a *Advertiser) Teardown() {
	a.gate.Close()
	a.mu.Lock()
	wasActive := a.active
	a.active = false
	adv := a.adv
	a.adv = nil
	a.mu.Unlock()
	if !wasActive || adv == nil {
		return
	}
	if err := adv.Stop(); err != nil {
		logger.Debug(a.prefix, "stop advertising: %v", err)
	}
	logger.Debug(a.prefix, "⏹️  torn down")
}
