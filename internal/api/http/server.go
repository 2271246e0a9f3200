package httpapi

import (
	stdcontext "context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/docker/go-connections/sockets"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/Paintersrp/procreap/internal/api"
	"github.com/Paintersrp/procreap/internal/engine"
	"github.com/Paintersrp/procreap/internal/launcher"
	"github.com/Paintersrp/procreap/internal/metrics"
)

const (
	defaultReadHeader      = 5 * time.Second
	defaultShutdownTimeout = 5 * time.Second
	maxRequestBody         = 1 << 20
	eventWriteTimeout      = 5 * time.Second
	eventPingInterval      = 30 * time.Second
)

// Config controls construction of the API server.
type Config struct {
	Addr       string
	Controller api.Controller
	Listener   net.Listener
	Logger     zerolog.Logger
	// SocketGroup, when positive, is the group owning a unix control socket.
	SocketGroup       int
	DisableMetrics    bool
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

// Server wraps an http.Server exposing process controls.
type Server struct {
	ctrl            api.Controller
	srv             *http.Server
	log             zerolog.Logger
	proto           string
	addr            string
	socketGroup     int
	listener        net.Listener
	shutdownTimeout time.Duration
	upgrader        websocket.Upgrader

	closeOnce sync.Once
	closing   chan struct{}
}

// NewServer constructs a Server with sane defaults.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Controller == nil {
		return nil, fmt.Errorf("controller is required")
	}
	if v := reflect.ValueOf(cfg.Controller); v.Kind() == reflect.Ptr && v.IsNil() {
		return nil, fmt.Errorf("controller is required: got nil %T", cfg.Controller)
	}
	proto, addr, err := api.ParseAddr(cfg.Addr)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
	if srv.ReadHeaderTimeout == 0 {
		srv.ReadHeaderTimeout = defaultReadHeader
	}
	server := &Server{
		ctrl:            cfg.Controller,
		srv:             srv,
		log:             cfg.Logger,
		proto:           proto,
		addr:            addr,
		socketGroup:     cfg.SocketGroup,
		listener:        cfg.Listener,
		shutdownTimeout: cfg.ShutdownTimeout,
		closing:         make(chan struct{}),
	}
	if server.shutdownTimeout == 0 {
		server.shutdownTimeout = defaultShutdownTimeout
	}
	server.registerRoutes(mux, !cfg.DisableMetrics)
	return server, nil
}

// Run starts serving until the provided context is cancelled.
func (s *Server) Run(ctx stdcontext.Context) error {
	if ctx == nil {
		ctx = stdcontext.Background()
	}
	if s.listener == nil {
		l, err := s.listen()
		if err != nil {
			return err
		}
		s.listener = l
	}
	s.log.Info().Str("proto", s.proto).Str("addr", s.Addr()).Msg("control api listening")

	errCh := make(chan error, 1)
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			// Event streams are hijacked and not covered by Shutdown.
			s.closeOnce.Do(func() { close(s.closing) })
			shutdownCtx, cancel := stdcontext.WithTimeout(stdcontext.Background(), s.shutdownTimeout)
			defer cancel()
			_ = s.srv.Shutdown(shutdownCtx)
		case <-stop:
		}
	}()

	go func() {
		errCh <- s.srv.Serve(s.listener)
	}()

	err := <-errCh
	close(stop)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) listen() (net.Listener, error) {
	switch s.proto {
	case api.ProtoUnix:
		opts := []sockets.SockOption{sockets.WithChmod(0o660)}
		if s.socketGroup > 0 {
			opts = append(opts, sockets.WithChown(-1, s.socketGroup))
		}
		l, err := sockets.NewUnixSocketWithOpts(s.addr, opts...)
		if err != nil {
			return nil, fmt.Errorf("listen on unix socket %s: %w", s.addr, err)
		}
		return l, nil
	default:
		l, err := sockets.NewTCPSocket(s.addr, nil)
		if err != nil {
			return nil, fmt.Errorf("listen on %s: %w", s.addr, err)
		}
		return l, nil
	}
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Handler returns the server's routes.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

func (s *Server) registerRoutes(mux *http.ServeMux, withMetrics bool) {
	mux.HandleFunc("/api/v1/processes", s.handleProcesses)
	mux.HandleFunc("/api/v1/processes/", s.handleProcess)
	mux.HandleFunc("/api/v1/stop-all", s.handleStopAll)
	mux.HandleFunc("/api/v1/events", s.handleEvents)
	if withMetrics {
		mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}))
	}
}

func (s *Server) handleProcesses(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		result, err := s.ctrl.Processes(r.Context())
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, result)
	case http.MethodPost:
		var req api.LaunchRequest
		decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&req); err != nil {
			s.writeError(w, fmt.Errorf("%w: decode body: %v", api.ErrInvalidRequest, err))
			return
		}
		result, err := s.ctrl.Launch(r.Context(), req)
		if err != nil {
			s.writeErrorWithDetails(w, err, map[string]any{"command": req.Command})
			return
		}
		s.writeJSON(w, http.StatusCreated, map[string]any{"launch": result})
	default:
		s.methodNotAllowed(w, http.MethodGet, http.MethodPost)
	}
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		s.methodNotAllowed(w, http.MethodDelete)
		return
	}
	raw := strings.TrimSpace(strings.TrimPrefix(r.URL.Path, "/api/v1/processes/"))
	pid, err := strconv.Atoi(raw)
	if err != nil || pid <= 0 {
		s.writeErrorWithDetails(w, fmt.Errorf("%w: invalid pid path", api.ErrInvalidRequest), map[string]any{"pid": raw})
		return
	}
	wait := false
	if v := r.URL.Query().Get("wait"); v != "" {
		wait, err = strconv.ParseBool(v)
		if err != nil {
			s.writeErrorWithDetails(w, fmt.Errorf("%w: invalid wait flag", api.ErrInvalidRequest), map[string]any{"wait": v})
			return
		}
	}
	result, err := s.ctrl.Stop(r.Context(), pid, wait)
	if err != nil {
		s.writeErrorWithDetails(w, err, map[string]any{"pid": pid})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"stop": result})
}

func (s *Server) handleStopAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}
	result, err := s.ctrl.StopAll(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"stopAll": result})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	source, ok := s.ctrl.(api.EventSource)
	if !ok {
		s.writeJSON(w, http.StatusNotImplemented, errorBody{
			Code:    "not_supported",
			Message: "controller does not stream events",
		})
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.log.Debug().Err(err).Msg("event stream upgrade failed")
		return
	}
	defer conn.Close()

	updates, cancel := source.Subscribe()
	defer cancel()

	// Drain client frames so close and pong control messages are processed.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(eventPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-gone:
			return
		case <-s.closing:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(eventWriteTimeout))
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(eventWriteTimeout)); err != nil {
				return
			}
		case evt, ok := <-updates:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "event stream closed"),
					time.Now().Add(eventWriteTimeout))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
			if err := conn.WriteJSON(api.NewEventRecord(evt)); err != nil {
				s.log.Debug().Err(err).Msg("event stream write failed")
				return
			}
		}
	}
}

func (s *Server) methodNotAllowed(w http.ResponseWriter, methods ...string) {
	w.Header().Set("Allow", strings.Join(methods, ", "))
	s.writeJSON(w, http.StatusMethodNotAllowed, errorBody{
		Code:    "method_not_allowed",
		Message: "method not allowed",
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

type errorBody struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	s.writeErrorWithDetails(w, err, nil)
}

func (s *Server) writeErrorWithDetails(w http.ResponseWriter, err error, extra map[string]any) {
	status, code := classifyError(err)
	details := map[string]any{
		"timestamp": time.Now().UTC(),
	}
	for k, v := range extra {
		details[k] = v
	}
	if status >= http.StatusInternalServerError {
		s.log.Error().Err(err).Str("code", code).Msg("control api request failed")
	}
	s.writeJSON(w, status, errorBody{
		Code:    code,
		Message: err.Error(),
		Details: details,
	})
}

func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, stdcontext.Canceled):
		return 499, "context_canceled"
	case errors.Is(err, engine.ErrUnknownProcess):
		return http.StatusNotFound, "unknown_process"
	case errors.Is(err, api.ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, engine.ErrNotRunning):
		return http.StatusServiceUnavailable, "not_running"
	case errors.Is(err, launcher.ErrEmptyArgv):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, launcher.ErrForkFailed):
		return http.StatusServiceUnavailable, "fork_failed"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}
