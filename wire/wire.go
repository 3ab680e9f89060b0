// Package wire simulates a BLE link between processes on one host. Each
// device listens on a Unix socket; ATT PDUs travel inside L2CAP frames.
package wire

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/user/nearby-blue/logger"
	"github.com/user/nearby-blue/util"
	"github.com/user/nearby-blue/wire/gatt"
)

// Wire is one device's radio
type Wire struct {
	hardwareUUID string
	prefix       string
	cfg          *SimulationConfig

	socketPath string
	listener   net.Listener

	mu          sync.RWMutex
	connections map[string]*Connection
	db          *gatt.AttributeDatabase
	handler     GATTHandler
	started     bool
	stopped     bool

	callbackMu           sync.RWMutex
	connectCallback      ConnectCallback
	disconnectCallback   DisconnectCallback
	notificationCallback NotificationCallback

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewWire creates a radio with realistic timing
func NewWire(hardwareUUID string) *Wire {
	return NewWireWithConfig(hardwareUUID, DefaultSimulationConfig())
}

func NewWireWithConfig(hardwareUUID string, cfg *SimulationConfig) *Wire {
	if cfg == nil {
		cfg = DefaultSimulationConfig()
	}
	return &Wire{
		hardwareUUID: hardwareUUID,
		prefix:       fmt.Sprintf("%s Wire", util.ShortHash(hardwareUUID)),
		cfg:          cfg,
		socketPath:   socketPathFor(hardwareUUID),
		connections:  make(map[string]*Connection),
		stopCh:       make(chan struct{}),
	}
}

func socketPathFor(hardwareUUID string) string {
	return filepath.Join(util.GetSocketDir(), socketPrefix+hardwareUUID+socketSuffix)
}

func (w *Wire) HardwareUUID() string {
	return w.hardwareUUID
}

func (w *Wire) Config() *SimulationConfig {
	return w.cfg
}

// Start opens the listening socket so peers can connect
func (w *Wire) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return ErrStopped
	}
	if w.started {
		return nil
	}

	// Leftover from a crashed run
	if err := os.Remove(w.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", w.socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", w.socketPath, err)
	}
	w.listener = ln
	w.started = true

	w.wg.Add(1)
	go w.acceptConnections()

	logger.Debug(w.prefix, "🔌 listening on %s", filepath.Base(w.socketPath))
	return nil
}

// Stop closes every connection, the listener and the advertising file
func (w *Wire) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	close(w.stopCh)
	if w.listener != nil {
		w.listener.Close()
	}
	conns := make([]*Connection, 0, len(w.connections))
	for _, c := range w.connections {
		conns = append(conns, c)
	}
	w.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
	w.wg.Wait()

	os.Remove(w.socketPath)
	w.StopAdvertising()
	logger.Debug(w.prefix, "🛑 stopped")
}

// SetGATTServer publishes db; reads and writes of characteristic values go
// to handler.
func (w *Wire) SetGATTServer(db *gatt.AttributeDatabase, handler GATTHandler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.db = db
	w.handler = handler
}

func (w *Wire) gattServer() (*gatt.AttributeDatabase, GATTHandler) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.db, w.handler
}

func (w *Wire) SetConnectCallback(cb ConnectCallback) {
	w.callbackMu.Lock()
	defer w.callbackMu.Unlock()
	w.connectCallback = cb
}

func (w *Wire) SetDisconnectCallback(cb DisconnectCallback) {
	w.callbackMu.Lock()
	defer w.callbackMu.Unlock()
	w.disconnectCallback = cb
}

func (w *Wire) SetNotificationCallback(cb NotificationCallback) {
	w.callbackMu.Lock()
	defer w.callbackMu.Unlock()
	w.notificationCallback = cb
}

// IsConnected reports whether a link to peer is up
func (w *Wire) IsConnected(peer string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, ok := w.connections[peer]
	return ok
}

// ConnectedPeers lists peers with an open link, sorted
func (w *Wire) ConnectedPeers() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	peers := make([]string, 0, len(w.connections))
	for p := range w.connections {
		peers = append(peers, p)
	}
	sort.Strings(peers)
	return peers
}

// MTU returns the negotiated MTU for peer
func (w *Wire) MTU(peer string) (int, error) {
	c, err := w.connection(peer)
	if err != nil {
		return 0, err
	}
	return c.MTU(), nil
}

func (w *Wire) connection(peer string) (*Connection, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	c, ok := w.connections[peer]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotConnected, util.ShortHash(peer))
	}
	return c, nil
}
