package main

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/user/nearby-blue/config"
	"github.com/user/nearby-blue/ranging"
	"github.com/user/nearby-blue/transport"
)

func TestFlagsOverrideConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nearby.toml")
	body := `
role = "advertiser"
device_name = "from-file"
connect_timeout = "3s"

[engine]
supported = true
`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}

	f, fs, err := parseFlags([]string{"-config", path, "-role", "scanner", "-connect-timeout", "250ms", "-unsupported"})
	if err != nil {
		t.Fatal(err)
	}
	cfg, err := loadConfig(f, fs)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Role != config.RoleScanner {
		t.Errorf("role %s", cfg.Role)
	}
	if cfg.DeviceName != "from-file" {
		t.Errorf("device name %s", cfg.DeviceName)
	}
	if cfg.ConnectTimeout != 250*time.Millisecond {
		t.Errorf("connect timeout %v", cfg.ConnectTimeout)
	}
	if cfg.Engine.Supported {
		t.Error("engine still supported")
	}
	if cfg.HardwareUUID == "" {
		t.Error("hardware uuid not generated")
	}
}

func TestUnsetFlagsKeepDefaults(t *testing.T) {
	f, fs, err := parseFlags(nil)
	if err != nil {
		t.Fatal(err)
	}
	cfg, err := loadConfig(f, fs)
	if err != nil {
		t.Fatal(err)
	}
	def := config.Default()
	if cfg.Role != def.Role || cfg.Transport != def.Transport || !cfg.Engine.Supported {
		t.Fatalf("defaults changed: %+v", cfg)
	}
}

func TestBadRoleFlag(t *testing.T) {
	f, fs, err := parseFlags([]string{"-role", "observer"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := loadConfig(f, fs); err == nil {
		t.Fatal("accepted unknown role")
	}
}

func TestDescribeSample(t *testing.T) {
	d := 1.234
	got := describeSample(ranging.Sample{Distance: &d})
	if got != "distance 1.23m direction -" {
		t.Fatalf("describeSample = %q", got)
	}
}

func TestUnsupportedRunNeverOpensLink(t *testing.T) {
	dataDir, err := os.MkdirTemp("", "nb-")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dataDir)

	cfg := config.Default()
	cfg.DataDir = dataDir
	cfg.Engine.Supported = false
	cfg.Samples.Enabled = false
	cfg.Simulation.Perfect = true
	if err := cfg.Finalize(); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- run(ctx, cfg) }()

	// give the manager's power-on timer time to fire
	time.Sleep(200 * time.Millisecond)
	socks, _ := filepath.Glob(filepath.Join(dataDir, "sockets", "*.sock"))
	for _, sock := range socks {
		if conn, err := net.Dial("unix", sock); err == nil {
			conn.Close()
			t.Fatalf("unsupported device accepts links on %s", filepath.Base(sock))
		}
	}
	if len(socks) != 0 {
		t.Fatalf("unsupported device created sockets %v", socks)
	}
	if err := <-done; !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("run = %v", err)
	}
}

type stubDriver struct {
	role      transport.Role
	activated int
	teardowns int
}

func (d *stubDriver) Role() transport.Role { return d.role }

func (d *stubDriver) Activate([]byte, transport.Emitter) error {
	d.activated++
	return nil
}

func (d *stubDriver) Teardown() { d.teardowns++ }

func TestLazyDriverBuildsOnFirstActivate(t *testing.T) {
	inner := &stubDriver{role: transport.RoleScanner}
	builds, releases := 0, 0
	d := newLazyDriver(transport.RoleScanner, func() (transport.Driver, func(), error) {
		builds++
		return inner, func() { releases++ }, nil
	})

	d.Teardown()
	d.Close()
	if builds != 0 || releases != 0 || d.built() {
		t.Fatal("driver built before Activate")
	}

	for i := 0; i < 2; i++ {
		if err := d.Activate([]byte("tok"), func(transport.Event) {}); err != nil {
			t.Fatal(err)
		}
		d.Teardown()
	}
	if builds != 1 || inner.activated != 2 || inner.teardowns != 2 {
		t.Fatalf("builds=%d activated=%d teardowns=%d", builds, inner.activated, inner.teardowns)
	}
	d.Close()
	if releases != 1 {
		t.Fatalf("releases = %d", releases)
	}
}

func TestLazyDriverRejectsRoleMismatch(t *testing.T) {
	released := false
	d := newLazyDriver(transport.RoleAdvertiser, func() (transport.Driver, func(), error) {
		return &stubDriver{role: transport.RoleScanner}, func() { released = true }, nil
	})
	if err := d.Activate([]byte("tok"), func(transport.Event) {}); err == nil {
		t.Fatal("accepted a scanner for the advertiser role")
	}
	if !released || d.built() {
		t.Fatal("mismatched driver kept")
	}
}
