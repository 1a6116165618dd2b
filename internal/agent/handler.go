package agent

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/ashureev/insight-chat/internal/config"
	"github.com/ashureev/insight-chat/internal/identity"
	"github.com/ashureev/insight-chat/internal/stream"
)

// defaultMaxRequestBodySize is the default maximum allowed request body size (1MB).
const defaultMaxRequestBodySize = 1 << 20 // 1MB

// firstFrameTimeout bounds how long a WebSocket client may wait before sending its message.
const firstFrameTimeout = 30 * time.Second

// Handler serves the chat endpoints.
type Handler struct {
	service     *Service
	rateLimiter *RateLimiter
	cfg         *config.Config
}

// RateLimiter implements a per-user sliding-window rate limiter.
// The key is userID only so clients cannot bypass throttling by rotating
// session IDs.
type RateLimiter struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	limit    int
	window   time.Duration
	stop     chan struct{}
	stopOnce sync.Once
}

// NewRateLimiter creates a new rate limiter and starts the background eviction goroutine.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	rl := &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
		stop:     make(chan struct{}),
	}
	rl.startEviction()
	return rl
}

// Allow checks if a request is allowed for the given key.
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-r.window)
	recent := pruneBefore(r.requests[key], cutoff)
	if len(recent) >= r.limit {
		r.requests[key] = recent
		return false
	}

	r.requests[key] = append(recent, time.Now())
	return true
}

// Stop ends the eviction goroutine.
func (r *RateLimiter) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
}

func pruneBefore(times []time.Time, cutoff time.Time) []time.Time {
	var fresh []time.Time
	for _, t := range times {
		if t.After(cutoff) {
			fresh = append(fresh, t)
		}
	}
	return fresh
}

// startEviction periodically removes expired keys so the map cannot grow
// without bound.
func (r *RateLimiter) startEviction() {
	go func() {
		ticker := time.NewTicker(r.window)
		defer ticker.Stop()
		for {
			select {
			case <-r.stop:
				return
			case <-ticker.C:
			}
			r.mu.Lock()
			cutoff := time.Now().Add(-r.window)
			for key, times := range r.requests {
				if fresh := pruneBefore(times, cutoff); len(fresh) == 0 {
					delete(r.requests, key)
				} else {
					r.requests[key] = fresh
				}
			}
			r.mu.Unlock()
		}
	}()
}

// NewHandler creates the chat handler. cfg may be nil, in which case defaults apply.
func NewHandler(service *Service, cfg *config.Config) *Handler {
	rateLimitRequests := 20
	rateLimitWindow := time.Minute
	if cfg != nil {
		rateLimitRequests = cfg.RateLimit.RequestsPerWindow
		rateLimitWindow = cfg.RateLimit.WindowDuration
	}
	return &Handler{
		service:     service,
		rateLimiter: NewRateLimiter(rateLimitRequests, rateLimitWindow),
		cfg:         cfg,
	}
}

// RegisterRoutes registers chat routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/chat", func(r chi.Router) {
		r.Post("/", h.HandleChat)
		r.Get("/ws", h.HandleWebSocket)
	})
}

// Close releases handler resources.
func (h *Handler) Close() {
	h.rateLimiter.Stop()
	if err := h.service.Close(); err != nil {
		slog.Warn("failed to close conversation logger", "error", err)
	}
}

func (h *Handler) keepalive() time.Duration {
	if h.cfg != nil {
		return h.cfg.SSE.KeepaliveInterval
	}
	return 15 * time.Second
}

// HandleChat handles POST /api/chat and streams the turn as Server-Sent Events.
func (h *Handler) HandleChat(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		http.Error(w, `{"error": "unauthorized"}`, http.StatusUnauthorized)
		return
	}
	if !h.rateLimiter.Allow(userID) {
		http.Error(w, `{"error": "rate limit exceeded"}`, http.StatusTooManyRequests)
		return
	}

	maxBodySize := int64(defaultMaxRequestBodySize)
	if h.cfg != nil && h.cfg.SSE.MaxRequestBodySize > 0 {
		maxBodySize = h.cfg.SSE.MaxRequestBodySize
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)

	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, `{"error": "request body too large"}`, http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, `{"error": "invalid request body"}`, http.StatusBadRequest)
		return
	}
	if err := h.service.Validate(req.Message); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, ok := w.(http.Flusher); !ok {
		http.Error(w, `{"error": "streaming not supported"}`, http.StatusInternalServerError)
		return
	}

	req.UserID = userID
	req.SessionID = identity.SessionIDFromContext(r.Context())
	req.RequestID = chiMiddleware.GetReqID(r.Context())

	slog.Info("Chat request",
		"user_id", req.UserID,
		"session_id", req.SessionID,
		"message_length", len(req.Message),
	)

	em := h.service.Chat(r.Context(), req, channelHTTP)
	if err := stream.ServeSSE(r.Context(), w, em, h.keepalive()); err != nil && !errors.Is(err, context.Canceled) {
		slog.Warn("SSE stream ended early", "user_id", req.UserID, "error", err)
	}
}

// HandleWebSocket handles GET /api/chat/ws. The client sends one ChatRequest
// frame and receives the turn's events as JSON frames.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		http.Error(w, `{"error": "unauthorized"}`, http.StatusUnauthorized)
		return
	}
	if !h.rateLimiter.Allow(userID) {
		http.Error(w, `{"error": "rate limit exceeded"}`, http.StatusTooManyRequests)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns(),
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "user_id", userID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "turn complete"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "user_id", userID)
		}
	}()

	readCtx, cancel := context.WithTimeout(r.Context(), firstFrameTimeout)
	var req ChatRequest
	err = wsjson.Read(readCtx, ws, &req)
	cancel()
	if err != nil {
		if websocket.CloseStatus(err) == -1 {
			slog.Warn("WebSocket read error", "error", err, "user_id", userID)
		}
		return
	}
	if err := h.service.Validate(req.Message); err != nil {
		frame := stream.Frame{Event: stream.EventError, Data: stream.Error{Error: err.Error(), Kind: stream.KindValidation}}
		if err := wsjson.Write(r.Context(), ws, frame); err != nil {
			slog.Debug("Failed to send validation error", "error", err)
		}
		return
	}

	req.UserID = userID
	req.SessionID = identity.SessionIDFromContext(r.Context())
	req.RequestID = chiMiddleware.GetReqID(r.Context())

	// CloseRead services control frames and cancels ctx when the peer goes away.
	ctx := ws.CloseRead(r.Context())
	em := h.service.Chat(ctx, req, channelWebSocket)
	if err := stream.ServeWebSocket(ctx, ws, em, h.keepalive()); err != nil && !errors.Is(err, context.Canceled) {
		slog.Warn("WebSocket stream ended early", "user_id", userID, "error", err)
	}
}

func (h *Handler) originPatterns() []string {
	if h.cfg == nil || h.cfg.IsDevelopment() {
		return []string{"*"}
	}
	u, err := url.Parse(h.cfg.FrontendURL)
	if err != nil || u.Host == "" {
		return []string{"*"}
	}
	return []string{u.Host}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]string{"error": message}); err != nil {
		slog.Warn("failed to write error response", "error", err)
	}
}
