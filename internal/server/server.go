package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"pizzapal-backend/internal/agent"
	"pizzapal-backend/internal/dialogue"
	"pizzapal-backend/internal/order"
	"pizzapal-backend/internal/store"
	"pizzapal-backend/internal/types"
)

const (
	maxChatBody  = 64 << 10
	maxAudioSize = 25 << 20
	maxSessionID = 128
)

// OrderArchive reads completed orders back by id. A missing order is
// (nil, nil).
type OrderArchive interface {
	GetOrder(ctx context.Context, orderID string) (*store.ArchivedOrder, error)
}

// HealthChecker is a dependency reported by /api/health.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

type Options struct {
	AllowedOrigin  string
	SessionTTL     time.Duration
	CookieSecure   bool
	RateLimitRPS   float64
	RateLimitBurst int
	HealthChecks   map[string]HealthChecker
	Archive        OrderArchive
}

type Server struct {
	router  *chi.Mux
	agent   *agent.Controller
	log     logrus.FieldLogger
	opts    Options
	limiter *SessionRateLimiter
}

func NewServer(ctrl *agent.Controller, opts Options, log logrus.FieldLogger) *Server {
	if opts.AllowedOrigin == "" {
		opts.AllowedOrigin = "*"
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{opts.AllowedOrigin},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Requested-With", "X-Session-Id"},
		ExposedHeaders:   []string{"X-Session-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	s := &Server{
		router:  r,
		agent:   ctrl,
		log:     log.WithField("component", "server"),
		opts:    opts,
		limiter: NewSessionRateLimiter(opts.RateLimitRPS, opts.RateLimitBurst),
	}
	r.Use(s.requestLogger)
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Get("/api/health", s.handleHealth)
	s.router.Get("/api/menu", s.handleMenu)
	s.router.Get("/api/order", s.handleOrder)
	s.router.Get("/api/history", s.handleHistory)
	s.router.Get("/api/orders/{id}", s.handleArchivedOrder)
	s.router.Post("/api/reset", s.handleReset)
	s.router.Group(func(r chi.Router) {
		r.Use(s.limiter.Middleware)
		r.Post("/api/chat", s.handleChat)
		r.Post("/api/voice", s.handleVoice)
	})
}

func (s *Server) Router() http.Handler { return s.router }

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.WithFields(logrus.Fields{
			"request_id": middleware.GetReqID(r.Context()),
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"duration":   time.Since(start).String(),
		}).Debug("request")
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	status, code := "ok", http.StatusOK
	checks := make(map[string]string, len(s.opts.HealthChecks))
	for name, hc := range s.opts.HealthChecks {
		if err := hc.HealthCheck(ctx); err != nil {
			s.log.WithError(err).WithField("check", name).Warn("health check failed")
			checks[name] = "down"
			status, code = "degraded", http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}
	writeJSON(w, code, map[string]any{"status": status, "variant": s.agent.Dialogue().Name, "checks": checks})
}

func (s *Server) handleMenu(w http.ResponseWriter, r *http.Request) {
	d := s.agent.Dialogue()
	writeJSON(w, http.StatusOK, types.MenuResponse{
		Variant:         d.Name,
		Currency:        d.Currency,
		VoiceEnabled:    d.VoiceEnabled,
		CollectsPayment: d.CollectsPayment,
		Categories:      d.Catalog.Categories(),
	})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req types.ChatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxChatBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.SessionID != "" && getSessionID(r) == "" && validSessionID(req.SessionID) {
		r.Header.Set("X-Session-Id", req.SessionID)
	}
	sid := s.getOrCreateSessionID(w, r)

	resp, err := s.agent.SubmitText(r.Context(), sid, req.Message)
	if err != nil {
		s.writeBusy(w, sid, err)
		return
	}
	writeJSON(w, http.StatusOK, toChatResponse(resp))
}

func (s *Server) handleVoice(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxAudioSize+1<<20)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	sid := s.getOrCreateSessionID(w, r)
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "audio file is required (field 'file')")
		return
	}
	defer file.Close()
	audio, err := io.ReadAll(io.LimitReader(file, maxAudioSize+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not read audio")
		return
	}
	if len(audio) > maxAudioSize {
		writeError(w, http.StatusRequestEntityTooLarge, "audio file is too large")
		return
	}
	if len(audio) == 0 {
		writeError(w, http.StatusBadRequest, "audio file is empty")
		return
	}

	resp, err := s.agent.SubmitVoice(r.Context(), sid, audio, header.Filename)
	if err != nil {
		s.writeBusy(w, sid, err)
		return
	}
	writeJSON(w, http.StatusOK, toChatResponse(resp))
}

func (s *Server) handleOrder(w http.ResponseWriter, r *http.Request) {
	sid := getSessionID(r)
	var rec *order.Record
	if sid != "" {
		rec = s.agent.CurrentOrder(sid)
	}
	w.Header().Set("X-Session-Id", sid)
	writeJSON(w, http.StatusOK, types.OrderResponse{
		SessionID: sid,
		Order:     rec,
		Summary:   order.Summary(rec, s.agent.Dialogue().Currency),
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	sid := getSessionID(r)
	resp := types.HistoryResponse{SessionID: sid}
	if sid != "" {
		resp.Turns, resp.Order = s.agent.Conversation(sid)
	}
	if resp.Turns == nil {
		resp.Turns = []dialogue.Turn{}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleArchivedOrder serves a completed order to the session that placed it.
func (s *Server) handleArchivedOrder(w http.ResponseWriter, r *http.Request) {
	if s.opts.Archive == nil {
		writeError(w, http.StatusNotFound, "order archive is not enabled")
		return
	}
	sid := getSessionID(r)
	id := chi.URLParam(r, "id")
	if _, err := uuid.Parse(id); err != nil {
		writeError(w, http.StatusNotFound, "order not found")
		return
	}
	archived, err := s.opts.Archive.GetOrder(r.Context(), id)
	if err != nil {
		s.log.WithError(err).WithField("order_id", id).Error("order archive read failed")
		writeError(w, http.StatusInternalServerError, "could not read order")
		return
	}
	if archived == nil || sid == "" || archived.SessionID != sid {
		writeError(w, http.StatusNotFound, "order not found")
		return
	}
	writeJSON(w, http.StatusOK, types.ArchivedOrderResponse{
		SessionID:  archived.SessionID,
		Variant:    archived.Variant,
		Order:      archived.Order,
		Summary:    order.Summary(archived.Order, s.agent.Dialogue().Currency),
		ArchivedAt: archived.ArchivedAt,
	})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	sid := getSessionID(r)
	if sid != "" {
		if err := s.agent.ResetSession(r.Context(), sid); err != nil {
			s.writeBusy(w, sid, err)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeBusy(w http.ResponseWriter, sid string, err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		s.log.WithField("session_id", sid).Debug("request gave up waiting for the session")
	} else {
		s.log.WithError(err).WithField("session_id", sid).Error("request failed")
	}
	writeError(w, http.StatusServiceUnavailable, "your previous message is still being handled, please try again")
}

func toChatResponse(resp agent.Response) types.ChatResponse {
	return types.ChatResponse{
		SessionID:  resp.SessionID,
		Reply:      resp.Reply,
		Transcript: resp.Transcript,
		Order:      resp.Order,
		State:      string(resp.State),
		Completed:  resp.Recorded,
		Error:      resp.Error,
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, types.ErrorResponse{Error: msg})
}

func newSessionID() string {
	return "s_" + uuid.NewString()
}

func validSessionID(sid string) bool {
	return sid != "" && len(sid) <= maxSessionID
}

// getSessionID looks in the cookie, then the X-Session-Id header, then the
// sessionId query parameter.
func getSessionID(r *http.Request) string {
	if cookie, err := GetSessionCookie(r); err == nil && validSessionID(cookie) {
		return cookie
	}
	if sid := r.Header.Get("X-Session-Id"); validSessionID(sid) {
		return sid
	}
	if sid := r.URL.Query().Get("sessionId"); validSessionID(sid) {
		return sid
	}
	return ""
}

func (s *Server) getOrCreateSessionID(w http.ResponseWriter, r *http.Request) string {
	sid := getSessionID(r)
	if sid == "" {
		sid = newSessionID()
		s.log.WithFields(logrus.Fields{"session_id": sid, "path": r.URL.Path}).Info("creating new session")
	}
	SetSessionCookie(w, sid, s.opts.SessionTTL, s.opts.CookieSecure)
	w.Header().Set("X-Session-Id", sid)
	return sid
}

// Run serves on addr until ctx is done, then drains in-flight requests for
// up to shutdownTimeout.
func (s *Server) Run(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.log.WithField("addr", addr).Info("PizzaPal server listening")

	select {
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		s.log.Info("shutting down")
		return srv.Shutdown(sctx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
