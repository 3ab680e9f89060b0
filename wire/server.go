package wire

import (
	"encoding/binary"

	"github.com/user/nearby-blue/logger"
	"github.com/user/nearby-blue/util"
	"github.com/user/nearby-blue/wire/att"
	"github.com/user/nearby-blue/wire/gatt"
)

// handleATTPacket routes one decoded PDU. Requests are answered here, on the
// read loop, so responses on a link stay in request order.
func (w *Wire) handleATTPacket(c *Connection, pkt interface{}) {
	switch p := pkt.(type) {
	case *att.ExchangeMTURequest:
		mtu := clampMTU(int(p.ClientRxMTU))
		if pref := clampMTU(w.cfg.PreferredMTU); pref < mtu {
			mtu = pref
		}
		w.reply(c, &att.ExchangeMTUResponse{ServerRxMTU: uint16(mtu)})
		c.setMTU(mtu)
		logger.Debug(w.prefix, "📏 MTU %d with %s", mtu, util.ShortHash(c.remoteUUID))

	case *att.ErrorResponse, *att.ExchangeMTUResponse, *att.ReadByGroupTypeResponse,
		*att.ReadByTypeResponse, *att.ReadResponse, *att.ReadBlobResponse, *att.WriteResponse:
		data, _ := att.EncodePacket(pkt)
		if err := c.tracker.CompleteRequest(data[0], pkt); err != nil {
			logger.Warn(w.prefix, "⚠️  dropping response from %s: %v", util.ShortHash(c.remoteUUID), err)
		}

	case *att.ReadByGroupTypeRequest:
		db, _ := w.gattServer()
		if db == nil {
			w.replyError(c, att.OpReadByGroupTypeRequest, p.StartHandle, att.ErrAttributeNotFound)
			return
		}
		resp, errResp := db.ReadByGroupType(p, c.MTU())
		if errResp != nil {
			w.reply(c, errResp)
			return
		}
		w.reply(c, resp)

	case *att.ReadByTypeRequest:
		db, _ := w.gattServer()
		if db == nil {
			w.replyError(c, att.OpReadByTypeRequest, p.StartHandle, att.ErrAttributeNotFound)
			return
		}
		resp, errResp := db.ReadByType(p, c.MTU())
		if errResp != nil {
			w.reply(c, errResp)
			return
		}
		w.reply(c, resp)

	case *att.ReadRequest:
		w.serveRead(c, att.OpReadRequest, p.Handle, 0)

	case *att.ReadBlobRequest:
		w.serveRead(c, att.OpReadBlobRequest, p.Handle, int(p.Offset))

	case *att.WriteRequest:
		w.serveWrite(c, p.Handle, p.Value, true)

	case *att.WriteCommand:
		w.serveWrite(c, p.Handle, p.Value, false)

	case *att.HandleValueNotification:
		w.callbackMu.RLock()
		cb := w.notificationCallback
		w.callbackMu.RUnlock()
		if cb != nil {
			cb(c.remoteUUID, p.Handle, p.Value)
		}

	default:
		logger.Warn(w.prefix, "⚠️  unhandled ATT packet %T from %s", pkt, util.ShortHash(c.remoteUUID))
	}
}

func (w *Wire) serveRead(c *Connection, op uint8, handle uint16, offset int) {
	db, handler := w.gattServer()
	if db == nil {
		w.replyError(c, op, handle, att.ErrInvalidHandle)
		return
	}
	attr, ok := db.Attribute(handle)
	if !ok {
		w.replyError(c, op, handle, att.ErrInvalidHandle)
		return
	}
	if attr.Permissions&gatt.PermReadable == 0 {
		w.replyError(c, op, handle, att.ErrReadNotPermitted)
		return
	}

	var value []byte
	if attr.IsCharacteristicValue() {
		if handler == nil {
			w.replyError(c, op, handle, att.ErrUnlikelyError)
			return
		}
		var code uint8
		value, code = handler.HandleRead(c.remoteUUID, attr, offset)
		if code != att.ErrSuccess {
			w.replyError(c, op, handle, code)
			return
		}
	} else {
		stored := attr.Value
		if gatt.IsCCCD(attr) {
			stored = cccdValue(c.subscribed(handle))
		}
		if offset > len(stored) {
			w.replyError(c, op, handle, att.ErrInvalidOffset)
			return
		}
		value = stored[offset:]
	}

	// A response carries at most MTU-1 value bytes; the client continues
	// with Read Blob.
	if max := c.MTU() - 1; len(value) > max {
		value = value[:max]
	}
	if op == att.OpReadBlobRequest {
		w.reply(c, &att.ReadBlobResponse{Value: value})
	} else {
		w.reply(c, &att.ReadResponse{Value: value})
	}
}

func (w *Wire) serveWrite(c *Connection, handle uint16, value []byte, withResponse bool) {
	fail := func(code uint8) {
		if withResponse {
			w.replyError(c, att.OpWriteRequest, handle, code)
		} else {
			logger.Debug(w.prefix, "dropping write command to 0x%04X: %s", handle, att.ErrorNames[code])
		}
	}

	db, handler := w.gattServer()
	if db == nil {
		fail(att.ErrInvalidHandle)
		return
	}
	attr, ok := db.Attribute(handle)
	if !ok {
		fail(att.ErrInvalidHandle)
		return
	}
	if attr.Permissions&gatt.PermWritable == 0 {
		fail(att.ErrWriteNotPermitted)
		return
	}

	switch {
	case gatt.IsCCCD(attr):
		if len(value) != 2 {
			fail(att.ErrInvalidAttributeValueLength)
			return
		}
		on := binary.LittleEndian.Uint16(value)&0x0001 != 0
		c.setSubscribed(handle, on)
		logger.Debug(w.prefix, "🔔 %s notifications on 0x%04X: %v", util.ShortHash(c.remoteUUID), handle, on)
	case attr.IsCharacteristicValue():
		if handler == nil {
			fail(att.ErrUnlikelyError)
			return
		}
		if code := handler.HandleWrite(c.remoteUUID, attr, value, withResponse); code != att.ErrSuccess {
			fail(code)
			return
		}
	default:
		fail(att.ErrWriteNotPermitted)
		return
	}

	if withResponse {
		w.reply(c, &att.WriteResponse{})
	}
}

// rejectUndecodable answers a request we could not parse so the peer's
// transaction does not hang
func (w *Wire) rejectUndecodable(c *Connection, payload []byte) {
	if len(payload) == 0 || payload[0]&0x40 != 0 {
		return // commands never get a response
	}
	op := payload[0]
	if att.IsResponse(op) || op == att.OpHandleValueNotification {
		return
	}
	code := uint8(att.ErrRequestNotSupported)
	if att.IsRequest(op) {
		code = att.ErrInvalidPDU
	}
	w.replyError(c, op, 0, code)
}

func (w *Wire) reply(c *Connection, pkt interface{}) {
	if err := w.sendATT(c, pkt); err != nil {
		logger.Warn(w.prefix, "❌ reply to %s failed: %v", util.ShortHash(c.remoteUUID), err)
	}
}

func (w *Wire) replyError(c *Connection, op uint8, handle uint16, code uint8) {
	logger.Debug(w.prefix, "↩️  %s for %s on 0x%04X", att.ErrorNames[code], att.OpcodeName(op), handle)
	w.reply(c, &att.ErrorResponse{RequestOpcode: op, Handle: handle, ErrorCode: code})
}

func cccdValue(on bool) []byte {
	if on {
		return []byte{0x01, 0x00}
	}
	return []byte{0x00, 0x00}
}
