package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"relaychat/internal/ratelimit"
	"relaychat/internal/usertoken"
	"relaychat/internal/util"
	"relaychat/services/chat/internal/app"
	"relaychat/services/chat/internal/realtime"
)

const maxBodyBytes = 1 << 20

// Config wires required dependencies for the HTTP server.
type Config struct {
	App    *app.App
	Tokens *usertoken.Manager
	Hub    *realtime.Hub
	// Gatherer backs /metrics. Nil serves the default registry.
	Gatherer prometheus.Gatherer

	RedisAddr                string
	RedisPassword            string
	SignupRateLimitPerMinute int
	LoginRateLimitPerMinute  int
	SendRateLimitPerMinute   int

	AllowedOrigins []string
	TrustedProxies *util.TrustedProxies
}

// Server exposes the HTTP and websocket endpoints of the chat service.
type Server struct {
	app            *app.App
	tokens         *usertoken.Manager
	hub            *realtime.Hub
	gatherer       prometheus.Gatherer
	router         *mux.Router
	allowedOrigins []string
	trustedProxies *util.TrustedProxies
	signupLimiter  *ratelimit.FixedWindowLimiter
	loginLimiter   *ratelimit.FixedWindowLimiter
	sendLimiter    *ratelimit.FixedWindowLimiter
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil || cfg.Tokens == nil || cfg.Hub == nil {
		return nil, errors.New("server requires app, tokens and hub")
	}
	signupLimit := cfg.SignupRateLimitPerMinute
	if signupLimit <= 0 {
		signupLimit = 5
	}
	loginLimit := cfg.LoginRateLimitPerMinute
	if loginLimit <= 0 {
		loginLimit = 10
	}
	sendLimit := cfg.SendRateLimitPerMinute
	if sendLimit <= 0 {
		sendLimit = 60
	}
	newLimiter := func(name string, limit int) (*ratelimit.FixedWindowLimiter, error) {
		prefix := "relaychat:chat:ratelimit:" + name
		limiter, err := ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, prefix, limit, time.Minute)
		if err != nil {
			return nil, fmt.Errorf("init %s limiter: %w", name, err)
		}
		return limiter, nil
	}
	signupLimiter, err := newLimiter("signup", signupLimit)
	if err != nil {
		return nil, err
	}
	loginLimiter, err := newLimiter("login", loginLimit)
	if err != nil {
		return nil, err
	}
	sendLimiter, err := newLimiter("send", sendLimit)
	if err != nil {
		return nil, err
	}
	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		app:            cfg.App,
		tokens:         cfg.Tokens,
		hub:            cfg.Hub,
		gatherer:       gatherer,
		router:         mux.NewRouter(),
		allowedOrigins: cfg.AllowedOrigins,
		trustedProxies: cfg.TrustedProxies,
		signupLimiter:  signupLimiter,
		loginLimiter:   loginLimiter,
		sendLimiter:    sendLimiter,
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("chat", util.WithSecurityHeaders(util.WithCORS(s.allowedOrigins, s.router))))
}

// Close releases the rate limiter connections.
func (s *Server) Close() error {
	return errors.Join(s.signupLimiter.Close(), s.loginLimiter.Close(), s.sendLimiter.Close())
}

func (s *Server) routes() {
	r := s.router
	r.NotFoundHandler = http.HandlerFunc(notFound)
	r.MethodNotAllowedHandler = http.HandlerFunc(methodNotAllowed)

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.handleSocket).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.NotFoundHandler = http.HandlerFunc(notFound)
	api.MethodNotAllowedHandler = http.HandlerFunc(methodNotAllowed)

	// users
	api.HandleFunc("/user/register", s.handleRegister).Methods(http.MethodPost)
	api.HandleFunc("/user/login", s.handleLogin).Methods(http.MethodPost)
	api.Handle("/user/me", s.withUser(s.handleMe)).Methods(http.MethodGet)

	// chats
	api.Handle("/chat", s.withUser(s.handleAccessChat)).Methods(http.MethodPost)
	api.Handle("/chat", s.withUser(s.handleListChats)).Methods(http.MethodGet)
	api.Handle("/chat/group", s.withUser(s.handleCreateGroup)).Methods(http.MethodPost)
	api.Handle("/chat/rename", s.withUser(s.handleRenameGroup)).Methods(http.MethodPut)
	api.Handle("/chat/groupadd", s.withUser(s.handleAddMember)).Methods(http.MethodPut)
	api.Handle("/chat/groupremove", s.withUser(s.handleRemoveMember)).Methods(http.MethodPut)
	api.Handle("/chat/exit", s.withUser(s.handleLeave)).Methods(http.MethodPut)
	api.Handle("/chat/{chatId}", s.withUser(s.handleDeleteChat)).Methods(http.MethodDelete)
	api.Handle("/chat/{chatId}/pin", s.withUser(s.handleTogglePin)).Methods(http.MethodPut)
	api.Handle("/chat/{chatId}/read", s.withUser(s.handleMarkRead)).Methods(http.MethodPut)

	// messages
	api.Handle("/message", s.withUser(s.handleSend)).Methods(http.MethodPost)
	api.Handle("/message/{chatId}", s.withUser(s.handleListMessages)).Methods(http.MethodGet)
	api.Handle("/message/{messageId}/star", s.withUser(s.handleToggleStar)).Methods(http.MethodPatch)
	api.Handle("/message/{messageId}/reaction", s.withUser(s.handleReaction)).Methods(http.MethodPatch)
	api.Handle("/message/{messageId}/delete-for-me", s.withUser(s.handleDeleteForMe)).Methods(http.MethodDelete)
	api.Handle("/message/{messageId}/delete-for-everyone", s.withUser(s.handleDeleteForEveryone)).Methods(http.MethodDelete)
	api.Handle("/message/{messageId}/forward", s.withUser(s.handleForward)).Methods(http.MethodPost)
}

func notFound(w http.ResponseWriter, _ *http.Request) {
	writeError(w, http.StatusNotFound, "not found")
}

func methodNotAllowed(w http.ResponseWriter, _ *http.Request) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

// handleHealth reports 503 when Redis is unreachable, since every limited
// endpoint fails closed without it.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.sendLimiter.Ping(ctx); err != nil {
		util.LoggerFromContext(r.Context()).Warn("health check failed", "err", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "degraded",
			"redis":  "unreachable",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"online": s.hub.Presence().OnlineCount(),
	})
}

func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, limiter *ratelimit.FixedWindowLimiter, key, msg string) bool {
	if limiter.Allow(r.Context(), key) {
		return true
	}
	w.Header().Set("Retry-After", "60")
	writeError(w, http.StatusTooManyRequests, msg)
	return false
}

func (s *Server) clientIP(r *http.Request) string {
	return util.ClientIP(r, s.trustedProxies)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps an application error kind to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, app.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, app.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, app.ErrInvalidState), errors.Is(err, app.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, app.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, app.ErrUnauthenticated):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		util.LoggerFromContext(r.Context()).Error("request failed", "path", r.URL.Path, "err", err)
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}
