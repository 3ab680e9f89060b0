package observability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sethvargo/go-limiter"
	"github.com/sethvargo/go-limiter/memorystore"
	"github.com/user/nearby-blue/logger"
	"github.com/user/nearby-blue/session"
)

// DefaultResetsPerMinute applies when the config leaves the limit at zero
const DefaultResetsPerMinute = 6

// Controller is the part of the session controller the HTTP surface drives
type Controller interface {
	Status() session.Status
	Reset()
}

type ServerConfig struct {
	Addr            string
	ResetsPerMinute uint64
}

// Server answers GET /status, POST /reset and GET /metrics
type Server struct {
	cfg     ServerConfig
	ctrl    Controller
	metrics *Metrics
	prefix  string
	router  *mux.Router
	store   limiter.Store
	srv     *http.Server
}

func NewServer(cfg ServerConfig, ctrl Controller, metrics *Metrics) (*Server, error) {
	if cfg.ResetsPerMinute == 0 {
		cfg.ResetsPerMinute = DefaultResetsPerMinute
	}
	store, err := memorystore.New(&memorystore.Config{
		Tokens:   cfg.ResetsPerMinute,
		Interval: time.Minute,
	})
	if err != nil {
		return nil, fmt.Errorf("observability: reset limiter: %w", err)
	}

	s := &Server{
		cfg:     cfg,
		ctrl:    ctrl,
		metrics: metrics,
		prefix:  "HTTP",
		store:   store,
	}
	s.router = mux.NewRouter()
	s.router.HandleFunc("/status", s.processStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/reset", s.processReset).Methods(http.MethodPost)
	if metrics != nil {
		s.router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	}
	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	return s, nil
}

func (s *Server) Handler() http.Handler { return s.router }

// Start listens on the configured address and serves in the background.
// It returns the bound address.
func (s *Server) Start() (string, error) {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return "", fmt.Errorf("observability: listen %s: %w", s.cfg.Addr, err)
	}
	s.srv = &http.Server{Handler: s.router, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(s.prefix, "serve: %v", err)
		}
	}()
	logger.Info(s.prefix, "🌐 status on http://%s", ln.Addr())
	return ln.Addr().String(), nil
}

func (s *Server) Stop(ctx context.Context) error {
	_ = s.store.Close(ctx)
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) processStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.ctrl.Status()); err != nil {
		logger.Warn(s.prefix, "encode status: %v", err)
	}
}

func (s *Server) processReset(w http.ResponseWriter, r *http.Request) {
	ip := remoteIP(r)
	_, _, _, ok, err := s.store.Take(r.Context(), ip)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !ok {
		logger.Warn(s.prefix, "reset from %s rate limited", ip)
		http.Error(w, "too frequent requests", http.StatusTooManyRequests)
		return
	}
	logger.Info(s.prefix, "reset requested from %s", ip)
	s.ctrl.Reset()
	w.WriteHeader(http.StatusAccepted)
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
