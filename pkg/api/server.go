package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kestrelcompute/agent/pkg/events"
	"github.com/kestrelcompute/agent/pkg/kernel"
	"github.com/kestrelcompute/agent/pkg/log"
	"github.com/kestrelcompute/agent/pkg/runner"
)

// Config configures the API server.
type Config struct {
	ListenAddr  string
	Kernel      *kernel.Kernel
	Broadcaster *events.Broadcaster
	// FlushTimeout is the continuation-poll flush window applied when a
	// request does not set its own.
	FlushTimeout time.Duration
}

// Server serves the JSON-RPC endpoint at /rpc and the health-event feed
// at /events.
type Server struct {
	kernel       *kernel.Kernel
	broadcaster  *events.Broadcaster
	registry     *MethodRegistry
	httpServer   *http.Server
	upgrader     websocket.Upgrader
	flushTimeout time.Duration
}

// NewServer wires the kernel's operations into a method registry.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Kernel == nil {
		return nil, errors.New("api: kernel is required")
	}
	s := &Server{
		kernel:       cfg.Kernel,
		broadcaster:  cfg.Broadcaster,
		registry:     NewMethodRegistry(),
		flushTimeout: cfg.FlushTimeout,
	}

	s.registry.Register("kernel/execute", s.handleExecute)
	s.registry.Register("kernel/interrupt", s.handleInterrupt)
	s.registry.Register("kernel/complete", s.handleComplete)
	s.registry.Register("kernel/status", s.handleStatus)
	s.registry.Register("service/start", s.handleStartService)
	s.registry.Register("service/startModel", s.handleStartModelService)
	s.registry.Register("service/shutdown", s.handleShutdownService)
	s.registry.Register("service/apps", s.handleServiceApps)

	mux := http.NewServeMux()
	mux.HandleFunc("/rpc", s.handleRPC)
	if s.broadcaster != nil {
		mux.HandleFunc("/events", s.handleEvents)
	}
	s.httpServer = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}
	return s, nil
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// ListenAndServe blocks serving the API until Shutdown.
func (s *Server) ListenAndServe() error {
	log.Info("API server listening", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the HTTP server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	req, rpcErr := readRequest(r)
	if rpcErr != nil {
		writeResponse(w, nil, nil, rpcErr)
		return
	}
	result, rpcErr := s.registry.Dispatch(r.Context(), req.Method, req.Params)
	writeResponse(w, req.ID, result, rpcErr)
}

// handleEvents upgrades the connection and subscribes it to the kernel
// health-event feed until the client goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("event feed upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	unsubscribe := s.broadcaster.Subscribe(conn)
	defer unsubscribe()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func mapKernelError(err error) *Error {
	if errors.Is(err, runner.ErrChannelClosed) {
		return NewError(ErrCodeInternalError, "kernel channel closed")
	}
	return NewError(ErrCodeInternalError, err.Error())
}

type executeParams struct {
	RunID          string              `json:"runId"`
	Mode           string              `json:"mode"`
	Code           string              `json:"code"`
	Options        runner.BatchOptions `json:"options"`
	APIVersion     int                 `json:"apiVersion"`
	FlushTimeoutMs int                 `json:"flushTimeoutMs"`
}

func (s *Server) handleExecute(ctx context.Context, params json.RawMessage) (any, *Error) {
	var p executeParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, NewError(ErrCodeInvalidParams, "Invalid params")
	}
	if p.Mode == "" {
		return nil, NewError(ErrCodeInvalidParams, "mode is required")
	}
	flushTimeout := time.Duration(p.FlushTimeoutMs) * time.Millisecond
	if flushTimeout == 0 {
		flushTimeout = s.flushTimeout
	}
	res, err := s.kernel.Execute(ctx, kernel.ExecuteRequest{
		RunID:        p.RunID,
		Mode:         kernel.ExecMode(p.Mode),
		Text:         p.Code,
		BatchOpts:    p.Options,
		APIVersion:   p.APIVersion,
		FlushTimeout: flushTimeout,
	})
	if err != nil {
		return nil, mapKernelError(err)
	}
	return res, nil
}

func (s *Server) handleInterrupt(ctx context.Context, _ json.RawMessage) (any, *Error) {
	if err := s.kernel.Interrupt(ctx); err != nil {
		return nil, mapKernelError(err)
	}
	return map[string]any{"ok": true}, nil
}

type completeParams struct {
	Code    string         `json:"code"`
	Options map[string]any `json:"options"`
}

func (s *Server) handleComplete(ctx context.Context, params json.RawMessage) (any, *Error) {
	var p completeParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, NewError(ErrCodeInvalidParams, "Invalid params")
	}
	candidates, err := s.kernel.GetCompletions(ctx, p.Code, p.Options)
	if err != nil {
		return nil, mapKernelError(err)
	}
	return map[string]any{"candidates": candidates}, nil
}

func (s *Server) handleStatus(ctx context.Context, _ json.RawMessage) (any, *Error) {
	status, err := s.kernel.CheckStatus(ctx)
	if err != nil {
		return nil, mapKernelError(err)
	}
	return status, nil
}

func (s *Server) handleStartService(ctx context.Context, params json.RawMessage) (any, *Error) {
	var serviceInfo map[string]any
	if err := json.Unmarshal(params, &serviceInfo); err != nil {
		return nil, NewError(ErrCodeInvalidParams, "Invalid params")
	}
	reply, err := s.kernel.StartService(ctx, serviceInfo)
	if err != nil {
		return nil, mapKernelError(err)
	}
	return reply, nil
}

func (s *Server) handleStartModelService(ctx context.Context, params json.RawMessage) (any, *Error) {
	var modelInfo map[string]any
	if err := json.Unmarshal(params, &modelInfo); err != nil {
		return nil, NewError(ErrCodeInvalidParams, "Invalid params")
	}
	reply, err := s.kernel.StartModelService(ctx, modelInfo)
	if err != nil {
		return nil, mapKernelError(err)
	}
	return reply, nil
}

type shutdownServiceParams struct {
	Name string `json:"name"`
}

func (s *Server) handleShutdownService(ctx context.Context, params json.RawMessage) (any, *Error) {
	var p shutdownServiceParams
	if err := json.Unmarshal(params, &p); err != nil || p.Name == "" {
		return nil, NewError(ErrCodeInvalidParams, "service name is required")
	}
	if err := s.kernel.ShutdownService(ctx, p.Name); err != nil {
		return nil, mapKernelError(err)
	}
	return map[string]any{"ok": true}, nil
}

func (s *Server) handleServiceApps(ctx context.Context, _ json.RawMessage) (any, *Error) {
	apps, err := s.kernel.GetServiceApps(ctx)
	if err != nil {
		return nil, mapKernelError(err)
	}
	return apps, nil
}
