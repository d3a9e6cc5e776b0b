// Package profiling provides the debug server: pprof endpoints and Prometheus metrics.
package profiling

import (
	"errors"
	"net"
	"net/http"
	"net/http/pprof"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/marctheshark3/mining-wave/internal/config"
	"github.com/marctheshark3/mining-wave/internal/util"
)

// Server provides pprof and /metrics endpoints
type Server struct {
	cfg    *config.ProfilingConfig
	server *http.Server
	addr   string
}

// NewServer creates a new debug server
func NewServer(cfg *config.ProfilingConfig) *Server {
	return &Server{
		cfg: cfg,
	}
}

// Handler returns the debug mux for the enabled endpoints
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	if s.cfg.Metrics {
		mux.Handle("/metrics", promhttp.Handler())
	}

	if s.cfg.Pprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
		mux.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		mux.Handle("/debug/pprof/heap", pprof.Handler("heap"))
		mux.Handle("/debug/pprof/allocs", pprof.Handler("allocs"))
		mux.Handle("/debug/pprof/block", pprof.Handler("block"))
		mux.Handle("/debug/pprof/mutex", pprof.Handler("mutex"))
	}

	return mux
}

// Start begins the debug server. Bind errors are returned, serve errors are logged.
func (s *Server) Start() error {
	if !s.cfg.Enabled {
		return nil
	}

	ln, err := net.Listen("tcp", s.cfg.Bind)
	if err != nil {
		return err
	}
	s.addr = ln.Addr().String()
	s.server = &http.Server{Handler: s.Handler()}

	util.Infof("Debug server listening on %s (metrics=%v, pprof=%v)", s.addr, s.cfg.Metrics, s.cfg.Pprof)

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			util.Errorf("Debug server error: %v", err)
		}
	}()

	return nil
}

// Addr returns the bound address once started
func (s *Server) Addr() string {
	return s.addr
}

// Stop shuts down the debug server
func (s *Server) Stop() error {
	if s.server != nil {
		util.Info("Stopping debug server")
		return s.server.Close()
	}
	return nil
}
