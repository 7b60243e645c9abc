package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/pprof"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
	"nhooyr.io/websocket"

	"github.com/skobkin/tracetop/internal/api"
	"github.com/skobkin/tracetop/internal/config"
	"github.com/skobkin/tracetop/internal/engine"
	"github.com/skobkin/tracetop/internal/gpu"
	"github.com/skobkin/tracetop/internal/version"
)

const (
	readHeaderTimeout = 5 * time.Second
	wsSendQueueSize   = 16
	// wsStatesPerSecond caps state pushes per connection; key presses
	// publish states far more often than ticks do.
	wsStatesPerSecond = 10
)

// StateSource exposes the latest published engine state.
type StateSource interface {
	State() engine.State
}

// Server wraps the HTTP surface area of tracetop.
type Server struct {
	cfg        config.Config
	logger     *slog.Logger
	httpServer *http.Server
	source     StateSource
	hub        *broadcaster

	maxWSClients int64
	wsActive     atomic.Int64
	wsTotal      atomic.Uint64
	wsRejected   atomic.Uint64
	wsSent       atomic.Uint64
	wsDropped    atomic.Uint64
	wsThrottled  atomic.Uint64
	wsConnIDs    atomic.Uint64
	requestIDs   atomic.Uint64
}

// New assembles a Server with its handlers.
func New(cfg config.Config, logger *slog.Logger, source StateSource) *Server {
	s := &Server{
		cfg:    cfg,
		logger: logger,
		source: source,
		hub:    newBroadcaster(),
	}

	if cfg.WS.MaxClients > 0 {
		s.maxWSClients = int64(cfg.WS.MaxClients)
	}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/api/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", s.handleReadyz).Methods(http.MethodGet)
	r.HandleFunc("/api/readyz", s.handleReadyz).Methods(http.MethodGet)
	r.HandleFunc("/version", s.handleVersion).Methods(http.MethodGet)
	r.HandleFunc("/api/version", s.handleVersion).Methods(http.MethodGet)
	r.HandleFunc("/api/state", s.handleState).Methods(http.MethodGet)
	r.HandleFunc("/api/history", s.handleHistory).Methods(http.MethodGet)
	r.HandleFunc("/api/gpus", s.handleGPUs).Methods(http.MethodGet)
	r.HandleFunc("/api/gpus/{index:[0-9]+}", s.handleGPU).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.handleWS).Methods(http.MethodGet)

	if cfg.HTTP.EnablePrometheus {
		s.registerPrometheus(r)
	}
	if cfg.HTTP.EnablePprof {
		registerPprof(r)
	}

	handler := s.withRequestLogging(r)

	s.httpServer = &http.Server{
		Addr:              cfg.HTTP.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	return s
}

// Start begins serving HTTP until shutdown is requested.
func (s *Server) Start() error {
	s.logger.Info("listening", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.logger.Info("listener stopped")
	return nil
}

// Publish forwards a state to every connected WebSocket client. It never
// blocks on slow clients.
func (s *Server) Publish(st engine.State) {
	s.hub.publish(st)
}

// Shutdown ends WebSocket streams and attempts a graceful shutdown within
// the supplied context.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.close()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	info := s.readiness()
	logger := s.loggerFromContext(r.Context())

	statusCode := http.StatusOK
	if info.Status != "ok" {
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(info); err != nil {
		logger.Error("failed to encode readyz response", "err", err)
	}
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, version.Current(), "version")
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, s.source.State(), "state")
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	var gpuIndex *int
	if raw := r.URL.Query().Get("gpu"); raw != "" {
		idx, err := strconv.Atoi(raw)
		if err != nil || idx < 0 {
			http.Error(w, "invalid gpu index", http.StatusBadRequest)
			return
		}
		gpuIndex = &idx
	}
	s.writeJSON(w, r, api.NewHistoryMessage(s.source.State(), gpuIndex), "history")
}

func (s *Server) handleGPUs(w http.ResponseWriter, r *http.Request) {
	st := s.source.State()
	if !st.GPUAvailable {
		http.Error(w, "GPU telemetry not available", http.StatusServiceUnavailable)
		return
	}
	s.writeJSON(w, r, st.GPU, "gpu reading set")
}

type gpuResponse struct {
	Device    gpu.Device    `json:"device"`
	Processes []gpu.Process `json:"processes"`
	Alerts    []gpu.Alert   `json:"alerts,omitempty"`
	Stale     bool          `json:"stale,omitempty"`
}

func (s *Server) handleGPU(w http.ResponseWriter, r *http.Request) {
	st := s.source.State()
	if !st.GPUAvailable {
		http.Error(w, "GPU telemetry not available", http.StatusServiceUnavailable)
		return
	}

	index, err := strconv.Atoi(mux.Vars(r)["index"])
	if err != nil {
		http.NotFound(w, r)
		return
	}
	device, ok := st.GPU.Device(index)
	if !ok {
		http.NotFound(w, r)
		return
	}

	resp := gpuResponse{
		Device:    device,
		Processes: st.GPU.ProcessesOn(index),
		Stale:     st.GPU.Stale,
	}
	for _, alert := range st.Alerts {
		if alert.Index == index {
			resp.Alerts = append(resp.Alerts, alert)
		}
	}
	s.writeJSON(w, r, resp, "gpu")
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, payload any, what string) {
	logger := s.loggerFromContext(r.Context())
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("failed to encode response", "payload", what, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	reqLogger := s.loggerFromContext(r.Context())

	if !s.reserveWS() {
		reqLogger.Warn("websocket rejected", "reason", "capacity")
		http.Error(w, "websocket capacity reached", http.StatusServiceUnavailable)
		return
	}
	defer s.releaseWS()

	opts := &websocket.AcceptOptions{
		OriginPatterns: originPatterns(s.cfg.HTTP.AllowedOrigins),
	}

	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		reqLogger.Warn("websocket accept failed", "err", err)
		return
	}

	connID := s.wsConnIDs.Add(1)
	s.wsTotal.Add(1)
	logger := reqLogger.With("ws_id", connID)
	closeStatus := websocket.StatusNormalClosure

	outbound := newWSOutbound(wsSendQueueSize, &s.wsDropped)
	states, unsubscribe := s.hub.subscribe()

	ctx, cancel := context.WithCancel(r.Context())

	writerDone := make(chan struct{})
	go s.wsWriter(ctx, conn, outbound, cancel, logger, writerDone)

	var flushTimer *time.Timer
	// The close frame must go out before ctx is cancelled: cancelling the
	// read context tears the connection down.
	defer func() {
		unsubscribe()
		if flushTimer != nil {
			flushTimer.Stop()
		}
		outbound.close()
		<-writerDone
		closeWebsocket(logger, conn, closeStatus, "")
		cancel()
	}()

	current := s.source.State()
	features := map[string]bool{
		"gpu":        current.GPUAvailable,
		"prometheus": s.cfg.HTTP.EnablePrometheus,
		"alerts":     s.cfg.Alerts.Enable,
	}
	hello := api.NewHelloMessage(int(s.cfg.RefreshInterval/time.Millisecond), current, features)
	if !s.enqueueMessage(outbound, hello, logger) {
		return
	}
	if current.Polled {
		if !s.enqueueMessage(outbound, api.NewStateMessage(current), logger) {
			return
		}
	}

	messageCh := make(chan []byte, 8)
	readErrCh := make(chan error, 1)
	go s.readMessages(ctx, conn, messageCh, readErrCh)

	limiter := rate.NewLimiter(rate.Limit(wsStatesPerSecond), 1)
	var (
		pending *engine.State
		flush   <-chan time.Time
	)

	for {
		select {
		case st, ok := <-states:
			if !ok {
				closeStatus = websocket.StatusGoingAway
				return
			}
			if flush != nil {
				s.wsThrottled.Add(1)
				pending = &st
				continue
			}
			delay := limiter.Reserve().Delay()
			if delay > 0 {
				pending = &st
				flushTimer = time.NewTimer(delay)
				flush = flushTimer.C
				continue
			}
			if !s.enqueueMessage(outbound, api.NewStateMessage(st), logger) {
				return
			}
		case <-flush:
			flush = nil
			if pending != nil {
				msg := api.NewStateMessage(*pending)
				pending = nil
				if !s.enqueueMessage(outbound, msg, logger) {
					return
				}
			}
		case data, ok := <-messageCh:
			if !ok {
				messageCh = nil
				continue
			}
			if err := s.handleClientMessage(outbound, data, logger); err != nil {
				logger.Warn("client message handling error", "err", err)
				return
			}
		case err := <-readErrCh:
			if err != nil && websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				logger.Warn("websocket read error", "err", err)
			}
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) readMessages(ctx context.Context, conn *websocket.Conn, out chan<- []byte, errCh chan<- error) {
	defer close(out)
	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			errCh <- err
			return
		}
		if msgType != websocket.MessageText {
			continue
		}
		select {
		case out <- data:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) handleClientMessage(outbound *wsOutbound, data []byte, logger *slog.Logger) error {
	var envelope api.ClientMessage
	if err := json.Unmarshal(data, &envelope); err != nil {
		logger.Debug("invalid client message", "err", err)
		return nil
	}

	switch envelope.Type {
	case "history":
		var req api.HistoryRequest
		if err := json.Unmarshal(data, &req); err != nil {
			if !s.enqueueError(outbound, "invalid history payload", logger) {
				return errors.New("failed to enqueue history error")
			}
			return nil
		}
		msg := api.NewHistoryMessage(s.source.State(), req.GPUIndex)
		if req.GPUIndex != nil && msg.GPUIndex == nil {
			if !s.enqueueError(outbound, "unknown gpu index "+strconv.Itoa(*req.GPUIndex), logger) {
				return errors.New("failed to enqueue history error")
			}
			return nil
		}
		if !s.enqueueMessage(outbound, msg, logger) {
			return errors.New("failed to enqueue history response")
		}
	case "ping":
		if !s.enqueueMessage(outbound, api.PongMessage{Type: "pong"}, logger) {
			return errors.New("failed to enqueue pong response")
		}
	default:
		logger.Debug("unknown message type", "type", envelope.Type)
	}
	return nil
}

func (s *Server) wsWriter(ctx context.Context, conn *websocket.Conn, outbound *wsOutbound, cancel context.CancelFunc, logger *slog.Logger, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-outbound.channel():
			if !ok {
				return
			}
			if err := s.writeRaw(ctx, conn, msg); err != nil {
				if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
					logger.Warn("websocket write failed", "err", err)
				}
				cancel()
				return
			}
			s.wsSent.Add(1)
		}
	}
}

func (s *Server) writeRaw(ctx context.Context, conn *websocket.Conn, data []byte) error {
	writeCtx := ctx
	var cancel context.CancelFunc
	if s.cfg.WS.WriteTimeout > 0 {
		writeCtx, cancel = context.WithTimeout(ctx, s.cfg.WS.WriteTimeout)
	}
	if cancel != nil {
		defer cancel()
	}
	return conn.Write(writeCtx, websocket.MessageText, data)
}

func (s *Server) enqueueMessage(outbound *wsOutbound, payload any, logger *slog.Logger) bool {
	data, err := json.Marshal(payload)
	if err != nil {
		logger.Error("failed to marshal websocket payload", "err", err)
		return false
	}
	if !outbound.enqueue(data) {
		logger.Warn("websocket outbound queue unavailable")
		return false
	}
	return true
}

func (s *Server) enqueueError(outbound *wsOutbound, msg string, logger *slog.Logger) bool {
	return s.enqueueMessage(outbound, api.ErrorMessage{Type: "error", Message: msg}, logger)
}

func (s *Server) reserveWS() bool {
	if s.maxWSClients <= 0 {
		s.wsActive.Add(1)
		return true
	}

	for {
		current := s.wsActive.Load()
		if current >= s.maxWSClients {
			s.wsRejected.Add(1)
			return false
		}
		if s.wsActive.CompareAndSwap(current, current+1) {
			return true
		}
	}
}

func (s *Server) releaseWS() {
	s.wsActive.Add(-1)
}

func (s *Server) registerPrometheus(r *mux.Router) {
	registry := prometheus.NewRegistry()
	collectors := []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ws",
			Name:      "active_connections",
			Help:      "Current number of active WebSocket clients.",
		}, func() float64 {
			return float64(s.wsActive.Load())
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ws",
			Name:      "connections_total",
			Help:      "Total WebSocket connections accepted since start.",
		}, func() float64 {
			return float64(s.wsTotal.Load())
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ws",
			Name:      "rejected_total",
			Help:      "Total WebSocket connection attempts rejected due to capacity.",
		}, func() float64 {
			return float64(s.wsRejected.Load())
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ws",
			Name:      "messages_sent_total",
			Help:      "Total WebSocket messages sent to clients.",
		}, func() float64 {
			return float64(s.wsSent.Load())
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ws",
			Name:      "messages_dropped_total",
			Help:      "Total WebSocket messages dropped due to backpressure.",
		}, func() float64 {
			return float64(s.wsDropped.Load())
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ws",
			Name:      "states_coalesced_total",
			Help:      "Total states replaced by a newer one before being sent.",
		}, func() float64 {
			return float64(s.wsThrottled.Load())
		}),
		newStateCollector(s.source),
	}

	for _, collector := range collectors {
		registry.MustRegister(collector)
	}

	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
}

func registerPprof(r *mux.Router) {
	r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	r.HandleFunc("/debug/pprof/profile", pprof.Profile)
	r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	r.HandleFunc("/debug/pprof/trace", pprof.Trace)
	r.PathPrefix("/debug/pprof/").HandlerFunc(pprof.Index)
}

func originPatterns(origins []string) []string {
	for _, origin := range origins {
		if origin == "*" {
			return nil
		}
	}
	dst := make([]string, len(origins))
	copy(dst, origins)
	return dst
}

func (s *Server) readiness() readyResponse {
	st := s.source.State()
	resp := readyResponse{
		PID:  st.PID,
		Tick: st.Tick,
		GPUs: len(st.GPU.Devices),
	}

	switch {
	case !st.Polled:
		resp.Status = "initializing"
		resp.Reason = "waiting_for_samples"
	case st.GPUAvailable && st.GPU.Stale:
		resp.Status = "degraded"
		resp.Reason = "gpu_reading_stale"
	default:
		resp.Status = "ok"
	}
	return resp
}

type readyResponse struct {
	Status string `json:"status"`
	PID    int32  `json:"pid"`
	Tick   uint64 `json:"tick"`
	GPUs   int    `json:"gpus"`
	Reason string `json:"reason,omitempty"`
}

type wsOutbound struct {
	ch     chan []byte
	closed atomic.Bool
	drops  *atomic.Uint64
}

func newWSOutbound(size int, dropCounter *atomic.Uint64) *wsOutbound {
	if size <= 0 {
		size = 1
	}
	return &wsOutbound{
		ch:    make(chan []byte, size),
		drops: dropCounter,
	}
}

// enqueue drops the oldest queued message when the queue is full.
func (o *wsOutbound) enqueue(msg []byte) bool {
	if o.closed.Load() {
		o.countDrop()
		return false
	}

	select {
	case o.ch <- msg:
		return true
	default:
	}

	droppedOld := false
	select {
	case <-o.ch:
		droppedOld = true
	default:
	}
	if droppedOld {
		o.countDrop()
	}

	if o.closed.Load() {
		o.countDrop()
		return false
	}

	select {
	case o.ch <- msg:
		return true
	default:
		o.countDrop()
		return false
	}
}

func (o *wsOutbound) close() {
	if o.closed.CompareAndSwap(false, true) {
		close(o.ch)
	}
}

func (o *wsOutbound) channel() <-chan []byte {
	return o.ch
}

func (o *wsOutbound) countDrop() {
	if o.drops != nil {
		o.drops.Add(1)
	}
}
