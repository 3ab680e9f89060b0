package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/user/nearby-blue/config"
	"github.com/user/nearby-blue/logger"
	"github.com/user/nearby-blue/observability"
	"github.com/user/nearby-blue/ranging"
	"github.com/user/nearby-blue/samplelog"
	"github.com/user/nearby-blue/session"
	"github.com/user/nearby-blue/swift"
	"github.com/user/nearby-blue/transport"
	"github.com/user/nearby-blue/transport/hardware"
	"github.com/user/nearby-blue/util"
	"github.com/user/nearby-blue/wire"
)

type flags struct {
	configPath     string
	role           string
	transport      string
	name           string
	dataDir        string
	logLevel       string
	statusAddr     string
	connectTimeout time.Duration
	unsupported    bool
}

func parseFlags(args []string) (flags, *flag.FlagSet, error) {
	var f flags
	fs := flag.NewFlagSet("nearby-blue", flag.ContinueOnError)
	fs.StringVar(&f.configPath, "config", "", "path to a TOML config file")
	fs.StringVar(&f.role, "role", "", "advertiser or scanner")
	fs.StringVar(&f.transport, "transport", "", "sim or hardware")
	fs.StringVar(&f.name, "name", "", "advertised device name")
	fs.StringVar(&f.dataDir, "data-dir", "", "data directory for the simulated link and samples")
	fs.StringVar(&f.logLevel, "log-level", "", "TRACE, DEBUG, INFO, WARN or ERROR")
	fs.StringVar(&f.statusAddr, "status", "", "address for the status/metrics HTTP server, e.g. :8080")
	fs.DurationVar(&f.connectTimeout, "connect-timeout", 0, "scanner connection timeout")
	fs.BoolVar(&f.unsupported, "unsupported", false, "simulate hardware without ranging support")
	err := fs.Parse(args)
	return f, fs, err
}

// loadConfig reads the file and lets explicitly set flags win
func loadConfig(f flags, fs *flag.FlagSet) (config.Config, error) {
	cfg := config.Default()
	if f.configPath != "" {
		loaded, err := config.Load(f.configPath)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	} else {
		cfg.ApplyEnv()
	}

	fs.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "role":
			cfg.Role = f.role
		case "transport":
			cfg.Transport = f.transport
		case "name":
			cfg.DeviceName = f.name
		case "data-dir":
			cfg.DataDir = f.dataDir
		case "log-level":
			cfg.LogLevel = f.logLevel
		case "status":
			cfg.StatusAddr = f.statusAddr
		case "connect-timeout":
			cfg.ConnectTimeout = f.connectTimeout
		case "unsupported":
			cfg.Engine.Supported = !f.unsupported
		}
	})
	if err := cfg.Finalize(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func main() {
	f, fs, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		os.Exit(2)
	}
	cfg, err := loadConfig(f, fs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config) error {
	logger.SetLevel(logger.ParseLevel(cfg.LogLevel))
	logger.ConfigureFromEnv()
	if cfg.DataDir != "" {
		if err := util.SetDataDir(cfg.DataDir); err != nil {
			return fmt.Errorf("data dir: %w", err)
		}
	}
	prefix := fmt.Sprintf("%s Main", util.ShortHash(cfg.HardwareUUID))
	logger.Info(prefix, "🚀 %s %q as %s over %s", cfg.HardwareUUID, cfg.DeviceName, cfg.Role, cfg.Transport)

	// the link is only built once the controller has checked ranging support
	driver := newLazyDriver(roleOf(cfg), func() (transport.Driver, func(), error) {
		return newDriver(cfg)
	})
	defer driver.Close()

	engine := ranging.NewSimulator(cfg.HardwareUUID, ranging.SimulatorConfig{
		Supported:       cfg.Engine.Supported,
		SampleInterval:  cfg.Engine.SampleInterval,
		InvalidateAfter: cfg.Engine.InvalidateAfter,
		MissingRate:     0.1,
		Seed:            time.Now().UnixNano(),
	})
	ctrl := session.New(session.Options{Driver: driver, Engine: engine, DeviceID: cfg.HardwareUUID})
	metrics := observability.NewMetrics()

	var recorder *samplelog.Recorder
	var err error
	if cfg.Samples.Enabled {
		recorder, err = samplelog.NewRecorder(cfg.Samples.Dir, cfg.HardwareUUID)
		if err != nil {
			return err
		}
		defer recorder.Close()
	}

	role := driver.Role()
	ctrl.SetStateCallback(func(st session.Status) {
		metrics.ObserveState(st)
		if recorder != nil {
			recorder.OnState(st)
		}
	})
	ctrl.SetSampleCallback(func(s ranging.Sample) {
		metrics.ObserveSample(role, s)
		if recorder != nil {
			recorder.OnSample(s)
		}
		logger.Debug(prefix, "📏 %s", describeSample(s))
	})
	ctrl.SetEventCallback(func(ev transport.Event) {
		metrics.ObserveEvent(role, ev)
	})

	if cfg.StatusAddr != "" {
		srv, err := observability.NewServer(observability.ServerConfig{
			Addr:            cfg.StatusAddr,
			ResetsPerMinute: cfg.Status.ResetPerMinute,
		}, ctrl, metrics)
		if err != nil {
			return err
		}
		if _, err := srv.Start(); err != nil {
			return err
		}
		defer func() {
			shutdown, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			srv.Stop(shutdown)
		}()
	}

	return ctrl.Run(ctx)
}

// newDriver builds the role driver for the configured transport. The
// returned func releases whatever the driver runs on.
func newDriver(cfg config.Config) (transport.Driver, func(), error) {
	if cfg.Transport == config.TransportHardware {
		opts := hardware.Options{DeviceName: cfg.DeviceName, ConnectTimeout: cfg.ConnectTimeout}
		if cfg.Role == config.RoleScanner {
			return hardware.NewScanner(opts), func() {}, nil
		}
		return hardware.NewAdvertiser(opts), func() {}, nil
	}

	simCfg := wire.DefaultSimulationConfig()
	if cfg.Simulation.Perfect {
		simCfg = wire.PerfectSimulationConfig()
	}
	w := wire.NewWireWithConfig(cfg.HardwareUUID, simCfg)
	if err := w.Start(); err != nil {
		return nil, nil, fmt.Errorf("start simulated link: %w", err)
	}
	manager := swift.DefaultManagerOptions()
	if cfg.Role == config.RoleScanner {
		s := transport.NewScanner(w, transport.ScannerOptions{ConnectTimeout: cfg.ConnectTimeout, Manager: manager})
		return s, func() { s.Close(); w.Stop() }, nil
	}
	a := transport.NewAdvertiser(w, transport.AdvertiserOptions{DeviceName: cfg.DeviceName, Manager: manager})
	return a, func() { a.Close(); w.Stop() }, nil
}

func describeSample(s ranging.Sample) string {
	dist := "-"
	if s.Distance != nil {
		dist = fmt.Sprintf("%.2fm", *s.Distance)
	}
	dir := "-"
	if s.Direction != nil {
		dir = fmt.Sprintf("(%.2f, %.2f, %.2f)", s.Direction.X, s.Direction.Y, s.Direction.Z)
	}
	return fmt.Sprintf("distance %s direction %s", dist, dir)
}
