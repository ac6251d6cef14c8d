// Package gateway exposes the turn broker over HTTP: a blocking run endpoint,
// an SSE streaming endpoint, the paginated usage queries and the event bridge.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/parleyhq/parley/internal/broker"
	"github.com/parleyhq/parley/internal/events"
	"github.com/parleyhq/parley/internal/gateway/ws"
	"github.com/parleyhq/parley/internal/ledger"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// UsageReader is the ledger read surface the gateway serves.
type UsageReader interface {
	ListTurns(ctx context.Context, conversationID string, limit, offset int) ([]ledger.TurnUsage, error)
	CountTurns(ctx context.Context, conversationID string) (int, error)
	ListConversations(ctx context.Context, limit, offset int) ([]ledger.ConversationSummary, error)
	CountConversations(ctx context.Context) (int, error)
}

// AgentInfo describes the configured backend, served on /api/agent/info.
// Credentials themselves are never exposed, only the auth mode.
type AgentInfo struct {
	Name     string `json:"name"`
	Model    string `json:"model"`
	Driver   string `json:"driver"`
	BaseURL  string `json:"base_url,omitempty"`
	AuthMode string `json:"auth_mode"`
}

// Server is the Parley gateway HTTP server.
type Server struct {
	httpServer *http.Server
	router     chi.Router
	hub        *ws.Hub
	bus        *events.Bus
	broker     *broker.Broker
	usage      UsageReader
	info       AgentInfo
}

// NewServer creates a new gateway server.
func NewServer(brk *broker.Broker, usage UsageReader, bus *events.Bus, info AgentInfo, host string, port int) *Server {
	hub := ws.NewHub(bus)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	s := &Server{
		router: r,
		hub:    hub,
		bus:    bus,
		broker: brk,
		usage:  usage,
		info:   info,
	}

	// Routes
	r.Get("/api/health", s.handleHealth)
	r.Get("/api/ws", hub.ServeWS)
	r.Get("/api/events", s.handleEvents)

	// API: agent
	r.Post("/api/agent/run", s.handleRun)
	r.Post("/api/agent/stream", s.handleStream)
	r.Get("/api/agent/usage", s.handleUsage)
	r.Get("/api/agent/conversations", s.handleConversations)
	r.Get("/api/agent/info", s.handleInfo)

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", host, port),
		Handler: r,
	}

	return s
}

// Handler returns the route tree, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start begins listening. It blocks until the server is stopped.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	slog.Info("Parley gateway listening", "addr", ln.Addr().String())
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req broker.RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	resp, err := s.broker.Run(r.Context(), req)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	var req broker.RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	// Headers go out with the first event so pre-stream failures can still
	// answer with a plain status.
	started := false
	emit := func(e broker.StreamEvent) error {
		if !started {
			w.Header().Set("Content-Type", "text/event-stream")
			w.Header().Set("Cache-Control", "no-cache")
			w.Header().Set("Connection", "keep-alive")
			w.WriteHeader(http.StatusOK)
			started = true
		}
		data, err := json.Marshal(e.Data)
		if err != nil {
			return fmt.Errorf("marshal %s event: %w", e.Name, err)
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Name, data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	if err := s.broker.Stream(r.Context(), req, emit); err != nil {
		if !started {
			writeError(w, statusFor(err), err.Error())
			return
		}
		slog.Debug("stream terminated", "error", err)
	}
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	conversationID := r.URL.Query().Get("conversation_id")
	if conversationID == "" {
		writeError(w, http.StatusBadRequest, "conversation_id is required")
		return
	}
	page, pageSize, err := pagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := r.Context()
	total, err := s.usage.CountTurns(ctx, conversationID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	items, err := s.usage.ListTurns(ctx, conversationID, pageSize, (page-1)*pageSize)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if items == nil {
		items = []ledger.TurnUsage{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"conversation_id": conversationID,
		"page":            page,
		"page_size":       pageSize,
		"total":           total,
		"items":           items,
	})
}

func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request) {
	page, pageSize, err := pagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := r.Context()
	total, err := s.usage.CountConversations(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	items, err := s.usage.ListConversations(ctx, pageSize, (page-1)*pageSize)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if items == nil {
		items = []ledger.ConversationSummary{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"page":      page,
		"page_size": pageSize,
		"total":     total,
		"items":     items,
	})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.info)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	history := s.bus.History(limit)

	type eventJSON struct {
		ID             string             `json:"id"`
		ConversationID string             `json:"conversation_id,omitempty"`
		Type           string             `json:"type"`
		Timestamp      string             `json:"timestamp"`
		Source         events.EventSource `json:"source"`
		Payload        map[string]any     `json:"payload"`
	}

	result := make([]eventJSON, len(history))
	for i, e := range history {
		result[i] = eventJSON{
			ID:             e.ID,
			ConversationID: e.ConversationID,
			Type:           string(e.Type),
			Timestamp:      e.Timestamp.Format(time.RFC3339Nano),
			Source:         e.Source,
			Payload:        e.Payload,
		}
	}

	writeJSON(w, http.StatusOK, result)
}

// pagination validates page/page_size before any ledger query runs.
func pagination(r *http.Request) (page, pageSize int, err error) {
	page, pageSize = 1, defaultPageSize
	q := r.URL.Query()

	if v := q.Get("page"); v != "" {
		page, err = strconv.Atoi(v)
		if err != nil || page < 1 {
			return 0, 0, errors.New("page must be an integer >= 1")
		}
	}
	if v := q.Get("page_size"); v != "" {
		pageSize, err = strconv.Atoi(v)
		if err != nil || pageSize < 1 || pageSize > maxPageSize {
			return 0, 0, fmt.Errorf("page_size must be in [1,%d]", maxPageSize)
		}
	}
	return page, pageSize, nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, broker.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, broker.ErrBackendUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
