package wire

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/user/nearby-blue/logger"
	"github.com/user/nearby-blue/util"
	"github.com/user/nearby-blue/wire/att"
	"github.com/user/nearby-blue/wire/gatt"
)

// transact sends a request and waits for its response. An ATT Error
// Response comes back as *att.Error.
func (w *Wire) transact(ctx context.Context, c *Connection, req interface{}, op uint8, handle uint16) (interface{}, error) {
	select {
	case c.reqSlot <- struct{}{}:
	case <-c.closed:
		return nil, fmt.Errorf("%w: %s", ErrNotConnected, util.ShortHash(c.remoteUUID))
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-c.reqSlot }()

	respC, err := c.tracker.StartRequest(op, handle, w.cfg.RequestTimeout)
	if err != nil {
		return nil, err
	}
	if err := w.sendATT(c, req); err != nil {
		c.tracker.Abandon(respC, err)
		<-respC
		return nil, err
	}

	var resp att.Response
	select {
	case resp = <-respC:
	case <-ctx.Done():
		c.tracker.Abandon(respC, ctx.Err())
		resp = <-respC
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	if er, ok := resp.Packet.(*att.ErrorResponse); ok {
		return nil, att.NewError(er.ErrorCode, er.RequestOpcode, er.Handle)
	}
	return resp.Packet, nil
}

func (w *Wire) exchangeMTU(ctx context.Context, c *Connection) (int, error) {
	want := clampMTU(w.cfg.PreferredMTU)
	resp, err := w.transact(ctx, c, &att.ExchangeMTURequest{ClientRxMTU: uint16(want)}, att.OpExchangeMTURequest, 0)
	if err != nil {
		return 0, err
	}
	server := clampMTU(int(resp.(*att.ExchangeMTUResponse).ServerRxMTU))
	if server < want {
		want = server
	}
	c.setMTU(want)
	return want, nil
}

// DiscoverServices walks the peer's primary services
func (w *Wire) DiscoverServices(ctx context.Context, peer string) ([]gatt.DiscoveredService, error) {
	c, err := w.connection(peer)
	if err != nil {
		return nil, err
	}

	var services []gatt.DiscoveredService
	start := uint16(0x0001)
	for {
		req := &att.ReadByGroupTypeRequest{StartHandle: start, EndHandle: 0xFFFF, Type: gatt.UUIDPrimaryService}
		resp, err := w.transact(ctx, c, req, att.OpReadByGroupTypeRequest, start)
		if att.IsATTError(err, att.ErrAttributeNotFound) {
			break
		}
		if err != nil {
			return nil, err
		}
		batch, err := gatt.ParseServices(resp.(*att.ReadByGroupTypeResponse))
		if err != nil {
			return nil, err
		}
		services = append(services, batch...)
		last := batch[len(batch)-1].EndHandle
		if last == 0xFFFF || last < start {
			break
		}
		start = last + 1
	}

	c.cache.SetServices(services)
	logger.Debug(w.prefix, "🔍 %d services on %s", len(services), util.ShortHash(peer))
	return services, nil
}

// DiscoverCharacteristics walks the characteristics of one discovered service
func (w *Wire) DiscoverCharacteristics(ctx context.Context, peer, serviceUUID string) ([]gatt.DiscoveredCharacteristic, error) {
	c, err := w.connection(peer)
	if err != nil {
		return nil, err
	}
	svc, ok := c.cache.Service(serviceUUID)
	if !ok {
		return nil, fmt.Errorf("wire: service %s not discovered on %s", serviceUUID, util.ShortHash(peer))
	}

	var chars []gatt.DiscoveredCharacteristic
	start := svc.StartHandle
	for start <= svc.EndHandle {
		req := &att.ReadByTypeRequest{StartHandle: start, EndHandle: svc.EndHandle, Type: gatt.UUIDCharacteristic}
		resp, err := w.transact(ctx, c, req, att.OpReadByTypeRequest, start)
		if att.IsATTError(err, att.ErrAttributeNotFound) {
			break
		}
		if err != nil {
			return nil, err
		}
		batch, err := gatt.ParseCharacteristics(resp.(*att.ReadByTypeResponse))
		if err != nil {
			return nil, err
		}
		chars = append(chars, batch...)
		next := batch[len(batch)-1].DeclarationHandle + 1
		if next <= start {
			break
		}
		start = next
	}

	c.cache.SetCharacteristics(svc.StartHandle, chars)
	logger.Debug(w.prefix, "🔍 %d characteristics in %s on %s", len(chars), util.ShortHash(serviceUUID), util.ShortHash(peer))
	return chars, nil
}

// Characteristic returns a previously discovered characteristic
func (w *Wire) Characteristic(peer, serviceUUID, charUUID string) (gatt.DiscoveredCharacteristic, error) {
	c, err := w.connection(peer)
	if err != nil {
		return gatt.DiscoveredCharacteristic{}, err
	}
	char, ok := c.cache.Characteristic(serviceUUID, charUUID)
	if !ok {
		return gatt.DiscoveredCharacteristic{}, fmt.Errorf("wire: characteristic %s not discovered on %s", charUUID, util.ShortHash(peer))
	}
	return char, nil
}

// ReadCharacteristic reads a whole value, continuing with Read Blob while
// responses come back full.
func (w *Wire) ReadCharacteristic(ctx context.Context, peer string, handle uint16) ([]byte, error) {
	c, err := w.connection(peer)
	if err != nil {
		return nil, err
	}

	resp, err := w.transact(ctx, c, &att.ReadRequest{Handle: handle}, att.OpReadRequest, handle)
	if err != nil {
		return nil, err
	}
	value := resp.(*att.ReadResponse).Value
	chunk := len(value)

	for chunk == c.MTU()-1 && len(value) < 0xFFFF {
		req := &att.ReadBlobRequest{Handle: handle, Offset: uint16(len(value))}
		resp, err := w.transact(ctx, c, req, att.OpReadBlobRequest, handle)
		if att.IsATTError(err, att.ErrAttributeNotLong) || att.IsATTError(err, att.ErrInvalidOffset) {
			break
		}
		if err != nil {
			return nil, err
		}
		part := resp.(*att.ReadBlobResponse).Value
		value = append(value, part...)
		chunk = len(part)
	}
	return value, nil
}

// WriteCharacteristic performs an acknowledged write
func (w *Wire) WriteCharacteristic(ctx context.Context, peer string, handle uint16, value []byte) error {
	c, err := w.connection(peer)
	if err != nil {
		return err
	}
	if len(value) > c.MTU()-3 {
		return fmt.Errorf("%w: %d bytes, mtu %d", ErrValueTooLong, len(value), c.MTU())
	}
	_, err = w.transact(ctx, c, &att.WriteRequest{Handle: handle, Value: value}, att.OpWriteRequest, handle)
	return err
}

// WriteCommand writes without response
func (w *Wire) WriteCommand(peer string, handle uint16, value []byte) error {
	c, err := w.connection(peer)
	if err != nil {
		return err
	}
	if len(value) > c.MTU()-3 {
		return fmt.Errorf("%w: %d bytes, mtu %d", ErrValueTooLong, len(value), c.MTU())
	}
	return w.sendATT(c, &att.WriteCommand{Handle: handle, Value: value})
}

// Subscribe toggles notifications for a characteristic. The CCCD directly
// follows the value attribute in tables built by gatt.BuildDatabase.
func (w *Wire) Subscribe(ctx context.Context, peer string, char gatt.DiscoveredCharacteristic, enable bool) error {
	if char.Properties&gatt.PropNotify == 0 {
		return fmt.Errorf("wire: characteristic %s does not notify", char.UUID)
	}
	c, err := w.connection(peer)
	if err != nil {
		return err
	}
	value := make([]byte, 2)
	if enable {
		binary.LittleEndian.PutUint16(value, 0x0001)
	}
	cccd := char.ValueHandle + 1
	_, err = w.transact(ctx, c, &att.WriteRequest{Handle: cccd, Value: value}, att.OpWriteRequest, cccd)
	return err
}

// Notify sends a value update to a subscribed central
func (w *Wire) Notify(peer string, valueHandle uint16, value []byte) error {
	c, err := w.connection(peer)
	if err != nil {
		return err
	}
	if !c.subscribed(valueHandle + 1) {
		return fmt.Errorf("%w: %s on 0x%04X", ErrNotSubscribed, util.ShortHash(peer), valueHandle)
	}
	if len(value) > c.MTU()-3 {
		value = value[:c.MTU()-3]
	}
	return w.sendATT(c, &att.HandleValueNotification{Handle: valueHandle, Value: value})
}
