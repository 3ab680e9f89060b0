package wire

import "time"

// SimulationConfig controls the timing realism of the simulated link
type SimulationConfig struct {
	// Connection establishment delay, chosen uniformly in [Min, Max]
	MinConnectionDelay time.Duration
	MaxConnectionDelay time.Duration

	// Added before each ATT PDU is sent, approximating the connection interval
	ConnectionInterval time.Duration

	// Scanner polling period and the delay before a new advertiser is reported
	ScanInterval      time.Duration
	MinDiscoveryDelay time.Duration
	MaxDiscoveryDelay time.Duration

	// MTU offered during exchange
	PreferredMTU int

	// ATT transaction timeout
	RequestTimeout time.Duration

	BaseRSSI     int
	RSSIVariance int
}

// DefaultSimulationConfig returns realistic BLE timings
func DefaultSimulationConfig() *SimulationConfig {
	return &SimulationConfig{
		MinConnectionDelay: 30 * time.Millisecond,
		MaxConnectionDelay: 100 * time.Millisecond,
		ConnectionInterval: 7500 * time.Microsecond,
		ScanInterval:       100 * time.Millisecond,
		MinDiscoveryDelay:  100 * time.Millisecond,
		MaxDiscoveryDelay:  600 * time.Millisecond,
		PreferredMTU:       185,
		RequestTimeout:     30 * time.Second,
		BaseRSSI:           -50,
		RSSIVariance:       10,
	}
}

// PerfectSimulationConfig removes all delays, for tests
func PerfectSimulationConfig() *SimulationConfig {
	cfg := DefaultSimulationConfig()
	cfg.MinConnectionDelay = 0
	cfg.MaxConnectionDelay = 0
	cfg.ConnectionInterval = 0
	cfg.ScanInterval = 10 * time.Millisecond
	cfg.MinDiscoveryDelay = 0
	cfg.MaxDiscoveryDelay = 0
	cfg.RequestTimeout = 5 * time.Second
	cfg.RSSIVariance = 0
	return cfg
}
