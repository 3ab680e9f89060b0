package ranging

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/user/nearby-blue/logger"
	"github.com/user/nearby-blue/token"
	"github.com/user/nearby-blue/util"
)

// SimulatorConfig tunes the simulated engine.
type SimulatorConfig struct {
	Supported       bool
	SampleInterval  time.Duration
	InvalidateAfter time.Duration // 0 disables
	// MissingRate is the probability [0,1] that a field is absent in a sample.
	MissingRate float64
	Seed        int64
}

func DefaultSimulatorConfig() SimulatorConfig {
	return SimulatorConfig{
		Supported:      true,
		SampleInterval: 200 * time.Millisecond,
		MissingRate:    0.1,
		Seed:           time.Now().UnixNano(),
	}
}

// Simulator is an in-process Engine producing synthetic samples.
type Simulator struct {
	cfg    SimulatorConfig
	prefix string

	mu      sync.Mutex
	local   token.Token
	rng     *rand.Rand
	current *simSession
}

func NewSimulator(deviceID string, cfg SimulatorConfig) *Simulator {
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = 200 * time.Millisecond
	}
	return &Simulator{
		cfg:    cfg,
		prefix: fmt.Sprintf("%s Ranging", util.ShortHash(deviceID)),
		rng:    rand.New(rand.NewSource(cfg.Seed)),
	}
}

func (s *Simulator) Supported() bool {
	return s.cfg.Supported
}

// LocalToken returns the discovery token, generated once.
func (s *Simulator) LocalToken() (token.Token, error) {
	if !s.cfg.Supported {
		return token.Token{}, ErrUnsupported
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.local.IsZero() {
		id := uuid.New()
		tok, err := token.New(id[:])
		if err != nil {
			return token.Token{}, err
		}
		s.local = tok
		logger.Debug(s.prefix, "🔑 generated local %s", tok)
	}
	return s.local, nil
}

// Start begins a session with peer. A previous session is stopped first.
func (s *Simulator) Start(ctx context.Context, peer token.Token) (Session, error) {
	if !s.cfg.Supported {
		return nil, ErrUnsupported
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if peer.Len() < 2 || (!s.local.IsZero() && peer == s.local) {
		s.mu.Unlock()
		logger.Warn(s.prefix, "🚫 rejecting peer %s", peer)
		return nil, ErrRejectedPeer
	}
	prev := s.current
	sess := &simSession{
		samples: make(chan Sample, 1),
		stop:    make(chan struct{}),
		kill:    make(chan struct{}),
		rng:     rand.New(rand.NewSource(s.rng.Int63())),
	}
	s.current = sess
	s.mu.Unlock()

	if prev != nil {
		prev.Stop()
	}

	logger.Info(s.prefix, "📡 session started with %s", peer)
	go sess.run(s.cfg, s.prefix)
	return sess, nil
}

// Invalidate ends the current session as if the engine had lost it.
func (s *Simulator) Invalidate() {
	s.mu.Lock()
	sess := s.current
	s.mu.Unlock()
	if sess != nil {
		sess.invalidate()
	}
}

type simSession struct {
	samples chan Sample
	stop    chan struct{}
	kill    chan struct{}
	rng     *rand.Rand

	stopOnce sync.Once
	killOnce sync.Once
	mu       sync.Mutex
	err      error
}

func (ss *simSession) Samples() <-chan Sample { return ss.samples }

func (ss *simSession) Err() error {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.err
}

func (ss *simSession) Stop() {
	ss.stopOnce.Do(func() { close(ss.stop) })
}

func (ss *simSession) invalidate() {
	ss.killOnce.Do(func() { close(ss.kill) })
}

func (ss *simSession) run(cfg SimulatorConfig, prefix string) {
	defer close(ss.samples)

	ticker := time.NewTicker(cfg.SampleInterval)
	defer ticker.Stop()

	var expire <-chan time.Time
	if cfg.InvalidateAfter > 0 {
		t := time.NewTimer(cfg.InvalidateAfter)
		defer t.Stop()
		expire = t.C
	}

	distance := 0.5 + ss.rng.Float64()*3
	for {
		select {
		case <-ss.stop:
			logger.Debug(prefix, "⏹️  session stopped")
			return
		case <-ss.kill:
			ss.fail(prefix)
			return
		case <-expire:
			ss.fail(prefix)
			return
		case now := <-ticker.C:
			distance = math.Max(0, distance+(ss.rng.Float64()-0.5)*0.2)
			sample := Sample{Time: now}
			if ss.rng.Float64() >= cfg.MissingRate {
				d := distance
				sample.Distance = &d
			}
			if ss.rng.Float64() >= cfg.MissingRate {
				v := ss.direction()
				sample.Direction = &v
			}
			select {
			case ss.samples <- sample:
			case <-ss.stop:
				return
			case <-ss.kill:
				ss.fail(prefix)
				return
			}
		}
	}
}

func (ss *simSession) fail(prefix string) {
	ss.mu.Lock()
	ss.err = ErrInvalidated
	ss.mu.Unlock()
	logger.Warn(prefix, "⚠️  session invalidated")
}

func (ss *simSession) direction() Vector3 {
	for {
		v := Vector3{X: ss.rng.NormFloat64(), Y: ss.rng.NormFloat64(), Z: ss.rng.NormFloat64()}
		n := v.Norm()
		if n > 1e-9 {
			return Vector3{X: v.X / n, Y: v.Y / n, Z: v.Z / n}
		}
	}
}
