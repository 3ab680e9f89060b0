package wire

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/user/nearby-blue/logger"
	"github.com/user/nearby-blue/util"
	"github.com/user/nearby-blue/wire/att"
	"github.com/user/nearby-blue/wire/gatt"
	"github.com/user/nearby-blue/wire/l2cap"
)

const (
	handshakeTimeout = 2 * time.Second
	maxUUIDLen       = 128
)

// Connection is one link to a remote device
type Connection struct {
	conn       net.Conn
	remoteUUID string
	role       Role

	mu            sync.Mutex
	mtu           int
	subscriptions map[uint16]bool // CCCD handle -> notify enabled, server side

	writeMu sync.Mutex
	reqSlot chan struct{} // one client transaction at a time

	tracker *att.RequestTracker
	cache   *gatt.DiscoveryCache

	closeOnce sync.Once
	closed    chan struct{}
}

func newConnection(conn net.Conn, peer string, role Role, timeout time.Duration) *Connection {
	return &Connection{
		conn:          conn,
		remoteUUID:    peer,
		role:          role,
		mtu:           DefaultMTU,
		subscriptions: make(map[uint16]bool),
		reqSlot:       make(chan struct{}, 1),
		tracker:       att.NewRequestTracker(timeout),
		cache:         gatt.NewDiscoveryCache(),
		closed:        make(chan struct{}),
	}
}

func (c *Connection) MTU() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mtu
}

func (c *Connection) setMTU(mtu int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mtu = mtu
}

func (c *Connection) subscribed(cccd uint16) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscriptions[cccd]
}

func (c *Connection) setSubscribed(cccd uint16, on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscriptions[cccd] = on
}

func (c *Connection) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.conn.Close()
	})
}

func clampMTU(mtu int) int {
	if mtu > MaxMTU {
		return MaxMTU
	}
	if mtu < l2cap.MinMTU {
		return l2cap.MinMTU
	}
	return mtu
}

// acceptConnections accepts centrals dialing our socket
func (w *Wire) acceptConnections() {
	defer w.wg.Done()
	for {
		conn, err := w.listener.Accept()
		if err != nil {
			select {
			case <-w.stopCh:
				return
			default:
			}
			logger.Warn(w.prefix, "⚠️  accept failed: %v", err)
			time.Sleep(10 * time.Millisecond)
			continue
		}
		w.wg.Add(1)
		go w.handleIncomingConnection(conn)
	}
}

// handleIncomingConnection reads the central's UUID, then we act as peripheral
func (w *Wire) handleIncomingConnection(conn net.Conn) {
	defer w.wg.Done()

	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	peer, err := readHandshake(conn)
	if err != nil {
		logger.Warn(w.prefix, "❌ bad handshake: %v", err)
		conn.Close()
		return
	}
	conn.SetReadDeadline(time.Time{})

	c := newConnection(conn, peer, RolePeripheral, w.cfg.RequestTimeout)
	if err := w.register(c); err != nil {
		logger.Warn(w.prefix, "⚠️  rejecting connection from %s: %v", util.ShortHash(peer), err)
		conn.Close()
		return
	}

	logger.Info(w.prefix, "🔗 central %s connected", util.ShortHash(peer))
	w.fireConnect(peer, RolePeripheral)
	w.readLoop(c)
}

// Connect dials peer as central and exchanges MTU before returning
func (w *Wire) Connect(ctx context.Context, peer string) error {
	if w.IsConnected(peer) {
		return fmt.Errorf("%w: %s", ErrAlreadyConnected, util.ShortHash(peer))
	}
	select {
	case <-w.stopCh:
		return ErrStopped
	default:
	}

	if err := sleepCtx(ctx, randomDelay(w.cfg.MinConnectionDelay, w.cfg.MaxConnectionDelay)); err != nil {
		return err
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socketPathFor(peer))
	if err != nil {
		return fmt.Errorf("connect to %s: %w", util.ShortHash(peer), err)
	}
	if err := writeHandshake(conn, w.hardwareUUID); err != nil {
		conn.Close()
		return fmt.Errorf("handshake with %s: %w", util.ShortHash(peer), err)
	}

	c := newConnection(conn, peer, RoleCentral, w.cfg.RequestTimeout)
	if err := w.register(c); err != nil {
		conn.Close()
		return err
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.readLoop(c)
	}()

	mtu, err := w.exchangeMTU(ctx, c)
	if err != nil {
		c.close()
		return fmt.Errorf("mtu exchange with %s: %w", util.ShortHash(peer), err)
	}

	logger.Info(w.prefix, "🔗 connected to %s (mtu %d)", util.ShortHash(peer), mtu)
	w.fireConnect(peer, RoleCentral)
	return nil
}

// Disconnect closes the link to peer. The disconnect callback fires once the
// read loop exits.
func (w *Wire) Disconnect(peer string) error {
	c, err := w.connection(peer)
	if err != nil {
		return err
	}
	logger.Debug(w.prefix, "🔌 disconnecting %s", util.ShortHash(peer))
	c.close()
	return nil
}

func (w *Wire) register(c *Connection) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return ErrStopped
	}
	if _, exists := w.connections[c.remoteUUID]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyConnected, util.ShortHash(c.remoteUUID))
	}
	w.connections[c.remoteUUID] = c
	return nil
}

func (w *Wire) fireConnect(peer string, role Role) {
	w.callbackMu.RLock()
	cb := w.connectCallback
	w.callbackMu.RUnlock()
	if cb != nil {
		cb(peer, role)
	}
}

// readLoop dispatches frames until the socket closes, then cleans up
func (w *Wire) readLoop(c *Connection) {
	defer func() {
		c.close()
		c.tracker.CancelPending()

		w.mu.Lock()
		if w.connections[c.remoteUUID] == c {
			delete(w.connections, c.remoteUUID)
		}
		w.mu.Unlock()

		logger.Info(w.prefix, "💔 link to %s closed", util.ShortHash(c.remoteUUID))

		w.callbackMu.RLock()
		cb := w.disconnectCallback
		w.callbackMu.RUnlock()
		if cb != nil {
			cb(c.remoteUUID)
		}
	}()

	for {
		frame, err := l2cap.ReadFrame(c.conn)
		if err != nil {
			if err != io.EOF {
				select {
				case <-c.closed:
				default:
					logger.Debug(w.prefix, "read from %s ended: %v", util.ShortHash(c.remoteUUID), err)
				}
			}
			return
		}
		if frame.ChannelID != l2cap.ChannelATT {
			logger.Warn(w.prefix, "⚠️  unsupported L2CAP channel 0x%04X from %s", frame.ChannelID, util.ShortHash(c.remoteUUID))
			continue
		}

		pkt, err := att.DecodePacket(frame.Payload)
		if err != nil {
			logger.Warn(w.prefix, "❌ bad ATT PDU from %s: %v", util.ShortHash(c.remoteUUID), err)
			w.rejectUndecodable(c, frame.Payload)
			continue
		}
		logger.Trace(w.prefix, "📥 %s from %s", att.OpcodeName(frame.Payload[0]), util.ShortHash(c.remoteUUID))
		w.handleATTPacket(c, pkt)
	}
}

// sendATT encodes and writes one PDU
func (w *Wire) sendATT(c *Connection, pkt interface{}) error {
	data, err := att.EncodePacket(pkt)
	if err != nil {
		return err
	}
	if len(data) > c.MTU() {
		return fmt.Errorf("%w: %d > %d", ErrValueTooLong, len(data), c.MTU())
	}
	if d := w.cfg.ConnectionInterval; d > 0 {
		time.Sleep(d)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := l2cap.WriteFrame(c.conn, l2cap.NewATTPacket(data)); err != nil {
		return fmt.Errorf("send %s to %s: %w", att.OpcodeName(data[0]), util.ShortHash(c.remoteUUID), err)
	}
	logger.Trace(w.prefix, "📤 %s to %s (%d bytes)", att.OpcodeName(data[0]), util.ShortHash(c.remoteUUID), len(data))
	return nil
}

// Handshake: 4-byte big-endian length + UUID bytes
func writeHandshake(conn net.Conn, uuid string) error {
	buf := make([]byte, 4+len(uuid))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(uuid)))
	copy(buf[4:], uuid)
	_, err := conn.Write(buf)
	return err
}

func readHandshake(conn net.Conn) (string, error) {
	var n uint32
	if err := binary.Read(conn, binary.BigEndian, &n); err != nil {
		return "", err
	}
	if n == 0 || n > maxUUIDLen {
		return "", fmt.Errorf("invalid uuid length %d", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}
