package transport

import "sync"

// EmitGate forwards events to the current emitter and goes silent once
// closed. Drivers use it to keep the no-emit-after-Teardown promise.
type EmitGate struct {
	mu   sync.Mutex
	emit Emitter
}

func (g *EmitGate) Open(emit Emitter) {
	g.mu.Lock()
	g.emit = emit
	g.mu.Unlock()
}

// Close waits for an in-progress emit to finish
func (g *EmitGate) Close() {
	g.mu.Lock()
	g.emit = nil
	g.mu.Unlock()
}

// Send reports whether ev was delivered
func (g *EmitGate) Send(ev Event) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.emit == nil {
		return false
	}
	g.emit(ev)
	return true
}
