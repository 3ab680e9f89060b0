package main

import (
	"fmt"
	"sync"

	"github.com/user/nearby-blue/config"
	"github.com/user/nearby-blue/transport"
)

func roleOf(cfg config.Config) transport.Role {
	if cfg.Role == config.RoleScanner {
		return transport.RoleScanner
	}
	return transport.RoleAdvertiser
}

// lazyDriver defers building the real driver, and whatever link it runs
// on, until the first Activate
type lazyDriver struct {
	role  transport.Role
	build func() (transport.Driver, func(), error)

	mu      sync.Mutex
	inner   transport.Driver
	release func()
}

func newLazyDriver(role transport.Role, build func() (transport.Driver, func(), error)) *lazyDriver {
	return &lazyDriver{role: role, build: build}
}

func (d *lazyDriver) Role() transport.Role { return d.role }

func (d *lazyDriver) Activate(localToken []byte, emit transport.Emitter) error {
	d.mu.Lock()
	if d.inner == nil {
		inner, release, err := d.build()
		if err != nil {
			d.mu.Unlock()
			return err
		}
		if inner.Role() != d.role {
			release()
			d.mu.Unlock()
			return fmt.Errorf("driver role %s, want %s", inner.Role(), d.role)
		}
		d.inner, d.release = inner, release
	}
	inner := d.inner
	d.mu.Unlock()
	return inner.Activate(localToken, emit)
}

func (d *lazyDriver) Teardown() {
	d.mu.Lock()
	inner := d.inner
	d.mu.Unlock()
	if inner != nil {
		inner.Teardown()
	}
}

// built reports whether Activate ever created the real driver
func (d *lazyDriver) built() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inner != nil
}

// Close releases the real driver if it was ever built
func (d *lazyDriver) Close() {
	d.mu.Lock()
	release := d.release
	d.inner, d.release = nil, nil
	d.mu.Unlock()
	if release != nil {
		release()
	}
}
