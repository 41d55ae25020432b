package main

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	"github.com/oklog/run"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/caffeineduck/handoff/abi"
	"github.com/caffeineduck/handoff/buffer"
	"github.com/caffeineduck/handoff/engine"
	"github.com/caffeineduck/handoff/handle"
	"github.com/caffeineduck/handoff/host"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start HTTP server for the pattern handle protocol",
	Long: `Start an HTTP server exposing the callee over REST.

Endpoints:
  POST   /patterns                 Compile, returns {"handle":N}
  POST   /patterns/{handle}/count  Count matches in {"text":"..."}
  DELETE /patterns/{handle}        Dispose a pattern
  POST   /strlen                   Count code points of {"text":"..."}
  POST   /prepend                  Prepend the prefix to {"text":"..."}
  GET    /stats                    Callee allocations
  GET    /metrics                  Prometheus metrics
  GET    /health                   Health check`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("listen", ":8080", "Address to listen on")
	serveCmd.Flags().Duration("shutdown-timeout", 10*time.Second, "Grace period for in-flight requests")
	rootCmd.AddCommand(serveCmd)
}

// server maps HTTP requests onto one library. Patterns compiled over HTTP
// stay alive until deleted or until the server stops.
type server struct {
	lib      *host.Library
	logger   log.Logger
	gatherer prometheus.Gatherer

	mu       sync.Mutex
	patterns map[uint32]*host.Pattern
}

func newServer(lib *host.Library, logger log.Logger, g prometheus.Gatherer) *server {
	return &server{
		lib:      lib,
		logger:   logger,
		gatherer: g,
		patterns: make(map[uint32]*host.Pattern),
	}
}

func (s *server) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/patterns", s.handleCompile).Methods(http.MethodPost)
	r.HandleFunc("/patterns/{handle:[0-9]+}/count", s.handleCount).Methods(http.MethodPost)
	r.HandleFunc("/patterns/{handle:[0-9]+}", s.handleDispose).Methods(http.MethodDelete)
	r.HandleFunc("/strlen", s.handleStrlen).Methods(http.MethodPost)
	r.HandleFunc("/prepend", s.handlePrepend).Methods(http.MethodPost)
	r.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	return r
}

type compileRequest struct {
	Pattern string `json:"pattern"`
}

type compileResponse struct {
	Handle uint32 `json:"handle"`
}

type textRequest struct {
	Text string `json:"text"`
}

type countResponse struct {
	Count int `json:"count"`
}

type lengthResponse struct {
	Length int `json:"length"`
}

type prependResponse struct {
	Text string `json:"text"`
}

type statsResponse struct {
	LiveAllocations uint32 `json:"live_allocations"`
	LiveBytes       uint32 `json:"live_bytes"`
	Patterns        int    `json:"patterns"`
	Targets         int    `json:"targets"`
	MemoryBytes     uint32 `json:"memory_bytes"`
}

func (s *server) handleCompile(w http.ResponseWriter, r *http.Request) {
	var req compileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	p, err := s.lib.Compile(callContext(r), req.Pattern)
	if err != nil {
		s.fail(w, err)
		return
	}

	s.mu.Lock()
	s.patterns[p.Handle()] = p
	s.mu.Unlock()

	writeJSON(w, http.StatusCreated, compileResponse{Handle: p.Handle()})
}

func (s *server) handleCount(w http.ResponseWriter, r *http.Request) {
	p, ok := s.pattern(w, r)
	if !ok {
		return
	}
	var req textRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	n, err := p.MatchString(callContext(r), req.Text)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, countResponse{Count: n})
}

func (s *server) handleDispose(w http.ResponseWriter, r *http.Request) {
	p, ok := s.pattern(w, r)
	if !ok {
		return
	}

	s.mu.Lock()
	delete(s.patterns, p.Handle())
	s.mu.Unlock()

	if err := p.Close(callContext(r)); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleStrlen(w http.ResponseWriter, r *http.Request) {
	var req textRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	n, err := s.lib.StringLength(callContext(r), req.Text)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, lengthResponse{Length: n})
}

func (s *server) handlePrepend(w http.ResponseWriter, r *http.Request) {
	var req textRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	out, err := s.lib.Prepend(callContext(r), req.Text)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, prependResponse{Text: out})
}

func (s *server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.lib.Stats(callContext(r))
	if err != nil && !errors.Is(err, host.ErrUnsupported) {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statsResponse{
		LiveAllocations: st.LiveAllocations,
		LiveBytes:       st.LiveBytes,
		Patterns:        st.Patterns,
		Targets:         st.Targets,
		MemoryBytes:     s.lib.Memory().Size(),
	})
}

// callContext drops the request's cancellation. Cancelling a call midway
// closes the callee module shared by every request; each call is still
// bounded by the library's --timeout.
func callContext(r *http.Request) context.Context {
	return context.WithoutCancel(r.Context())
}

// pattern resolves the handle in the request path. Handles unknown to the
// server, including disposed ones, are not found.
func (s *server) pattern(w http.ResponseWriter, r *http.Request) (*host.Pattern, bool) {
	h, err := strconv.ParseUint(mux.Vars(r)["handle"], 10, 32)
	if err != nil {
		http.Error(w, "invalid handle", http.StatusBadRequest)
		return nil, false
	}

	s.mu.Lock()
	p, ok := s.patterns[uint32(h)]
	s.mu.Unlock()
	if !ok {
		http.Error(w, handle.ErrStale.Error(), http.StatusNotFound)
		return nil, false
	}
	return p, true
}

func (s *server) fail(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, abi.ErrInvalidPattern),
		errors.Is(err, buffer.ErrInvalidUTF8),
		errors.Is(err, buffer.ErrInteriorNUL):
		code = http.StatusBadRequest
	case errors.Is(err, handle.ErrStale), errors.Is(err, handle.ErrInvalid):
		code = http.StatusNotFound
	case errors.Is(err, handle.ErrFull):
		code = http.StatusTooManyRequests
	case errors.Is(err, engine.ErrMatch):
		code = http.StatusUnprocessableEntity
	default:
		level.Error(s.logger).Log("msg", "request failed", "err", err)
	}
	http.Error(w, err.Error(), code)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func runServe(cmd *cobra.Command, args []string) error {
	listen, _ := cmd.Flags().GetString("listen")
	shutdownTimeout, _ := cmd.Flags().GetDuration("shutdown-timeout")

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	ctx := context.Background()
	sess, err := openSession(ctx, cmd, host.WithMetrics(host.NewMetrics(reg)))
	if err != nil {
		return err
	}
	defer sess.Close(ctx)
	reg.MustRegister(host.NewStatsCollector(sess.lib, sess.cfg.timeout))

	srv := newServer(sess.lib, sess.logger, reg)
	httpServer := &http.Server{
		Handler:           srv.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return errors.Wrap(err, "listen")
	}

	var g run.Group
	g.Add(func() error {
		level.Info(sess.logger).Log("msg", "handoff server listening", "addr", ln.Addr(), "dialect", sess.lib.Dialect())
		return httpServer.Serve(ln)
	}, func(error) {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		httpServer.Shutdown(ctx)
	})
	g.Add(run.SignalHandler(ctx, os.Interrupt, syscall.SIGTERM))

	err = g.Run()
	var sig run.SignalError
	if errors.As(err, &sig) {
		level.Info(sess.logger).Log("msg", "shutting down", "signal", sig.Signal)
		return nil
	}
	return err
}
