package swift

import (
	"sync"
	"time"
)

// ManagerOptions controls how a simulated manager powers up
type ManagerOptions struct {
	// PowerOnDelay is how long the manager stays in Unknown before
	// reporting InitialState
	PowerOnDelay time.Duration
	// InitialState is reported after PowerOnDelay
	InitialState CBManagerState
}

// DefaultManagerOptions matches a healthy radio: about 100ms of Unknown, then poweredOn
func DefaultManagerOptions() ManagerOptions {
	return ManagerOptions{
		PowerOnDelay: 100 * time.Millisecond,
		InitialState: CBManagerStatePoweredOn,
	}
}

// powerState holds a manager's CBManagerState and reports transitions
type powerState struct {
	mu       sync.RWMutex
	state    CBManagerState
	timer    *time.Timer
	onChange func(CBManagerState)
}

func newPowerState(opts ManagerOptions, onChange func(CBManagerState)) *powerState {
	ps := &powerState{state: CBManagerStateUnknown, onChange: onChange}
	ps.timer = time.AfterFunc(opts.PowerOnDelay, func() { ps.set(opts.InitialState) })
	return ps
}

func (ps *powerState) get() CBManagerState {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.state
}

func (ps *powerState) set(s CBManagerState) {
	ps.mu.Lock()
	if ps.state == s {
		ps.mu.Unlock()
		return
	}
	ps.state = s
	ps.mu.Unlock()
	ps.onChange(s)
}

// stop cancels a pending power-on report
func (ps *powerState) stop() {
	ps.timer.Stop()
}
