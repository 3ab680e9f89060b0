package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/user/nearby-blue/logger"
	"github.com/user/nearby-blue/ranging"
	"github.com/user/nearby-blue/session"
	"github.com/user/nearby-blue/swift"
	"github.com/user/nearby-blue/transport"
	"github.com/user/nearby-blue/util"
	"github.com/user/nearby-blue/wire"
)

// node is one simulated device: its link, driver, engine and controller
type node struct {
	name   string
	wire   *wire.Wire
	driver transport.Driver
	engine *ranging.Simulator
	ctrl   *session.Controller
	close  func()
}

func newNode(name string, role transport.Role, cfg *wire.SimulationConfig, engineCfg ranging.SimulatorConfig) (*node, error) {
	id := uuid.New().String()
	w := wire.NewWireWithConfig(id, cfg)
	if err := w.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", name, err)
	}
	n := &node{name: name, wire: w, engine: ranging.NewSimulator(id, engineCfg)}
	manager := swift.ManagerOptions{PowerOnDelay: 50 * time.Millisecond, InitialState: swift.CBManagerStatePoweredOn}
	if role == transport.RoleScanner {
		s := transport.NewScanner(w, transport.ScannerOptions{ConnectTimeout: 5 * time.Second, Manager: manager})
		n.driver, n.close = s, func() { s.Close(); w.Stop() }
	} else {
		a := transport.NewAdvertiser(w, transport.AdvertiserOptions{DeviceName: name, Manager: manager})
		n.driver, n.close = a, func() { a.Close(); w.Stop() }
	}
	n.ctrl = session.New(session.Options{Driver: n.driver, Engine: n.engine, DeviceID: id})
	return n, nil
}

func main() {
	duration := flag.Duration("duration", 3*time.Second, "how long to range before stopping")
	invalidate := flag.Duration("invalidate", 0, "invalidate the scanner's ranging session after this long (0 = never)")
	logLevel := flag.String("log-level", "WARN", "log level")
	flag.Parse()

	logger.SetLevel(logger.ParseLevel(*logLevel))
	dataDir := util.SetRandom()
	defer os.RemoveAll(dataDir)

	fmt.Println("=== Nearby Token Exchange Demo ===")
	fmt.Println()

	cfg := wire.PerfectSimulationConfig()
	engineCfg := ranging.DefaultSimulatorConfig()
	advertiser, err := newNode("Watch", transport.RoleAdvertiser, cfg, engineCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		os.Exit(1)
	}
	defer advertiser.close()
	scanner, err := newNode("Phone", transport.RoleScanner, cfg, engineCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		os.Exit(1)
	}
	defer scanner.close()

	var out sync.Mutex
	samples := map[string]int{}
	for _, n := range []*node{advertiser, scanner} {
		n := n
		n.ctrl.SetStateCallback(func(st session.Status) {
			out.Lock()
			defer out.Unlock()
			if st.State == session.StateFailed {
				fmt.Printf("  [%s] ⛔ failed (%s)\n", n.name, st.Reason)
				return
			}
			fmt.Printf("  [%s] ➡️  %s\n", n.name, st.State)
		})
		n.ctrl.SetSampleCallback(func(s ranging.Sample) {
			out.Lock()
			defer out.Unlock()
			samples[n.name]++
			if s.Distance != nil && samples[n.name]%5 == 1 {
				fmt.Printf("  [%s] 📏 %.2fm\n", n.name, *s.Distance)
			}
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()
	var wg sync.WaitGroup
	for _, n := range []*node{advertiser, scanner} {
		wg.Add(1)
		go func(n *node) {
			defer wg.Done()
			n.ctrl.Run(ctx)
		}(n)
	}
	if *invalidate > 0 {
		time.AfterFunc(*invalidate, scanner.engine.Invalidate)
	}
	wg.Wait()

	fmt.Println()
	fmt.Println("Summary:")
	for _, n := range []*node{advertiser, scanner} {
		st := n.ctrl.Status()
		fmt.Printf("  %s (%s): %s reason=%s samples=%d\n", n.name, st.Role, st.State, st.Reason, samples[n.name])
	}
}
