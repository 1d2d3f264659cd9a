package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ent0n29/voicegate/internal/config"
	"github.com/ent0n29/voicegate/internal/contextstore"
	"github.com/ent0n29/voicegate/internal/observability"
	"github.com/ent0n29/voicegate/internal/realtime"
	"github.com/ent0n29/voicegate/internal/session"
	"github.com/ent0n29/voicegate/internal/signaling"
	"github.com/ent0n29/voicegate/internal/tools"
)

// Exchanger performs the SDP offer/answer exchange for signaling sessions.
type Exchanger interface {
	Exchange(ctx context.Context, cfg realtime.SessionConfig, offer string) (signaling.Answer, error)
}

// Relay owns a relay session from CONNECTING to CLOSED.
type Relay interface {
	Run(ctx context.Context, s *session.Session, cfg realtime.SessionConfig, inbound <-chan any, outbound chan<- any) error
}

type ToolExecutor interface {
	Execute(ctx context.Context, sessionID string, call tools.Call) tools.Result
}

type Vision interface {
	Model() string
	Explain(ctx context.Context, imageDataURL, prompt string) (string, error)
	Query(ctx context.Context, imageDataURL string, meta tools.ElementMeta) (string, error)
}

// Deps are the collaborators the HTTP surface is built from.
type Deps struct {
	Config    config.Config
	Sessions  *session.Manager
	Defaults  realtime.Defaults
	Exchanger Exchanger
	Relay     Relay
	Tools     ToolExecutor
	Vision    Vision
	Context   contextstore.Store
	Log       zerolog.Logger
	Metrics   *observability.Metrics
}

type Server struct {
	cfg       config.Config
	sessions  *session.Manager
	defaults  realtime.Defaults
	exchanger Exchanger
	relay     Relay
	tools     ToolExecutor
	vision    Vision
	context   contextstore.Store
	log       zerolog.Logger
	metrics   *observability.Metrics
	upgrader  websocket.Upgrader
}

func New(d Deps) *Server {
	if d.Metrics == nil {
		d.Metrics = observability.NewMetrics(d.Config.MetricsNamespace)
	}
	if d.Context == nil {
		d.Context = contextstore.NewInMemoryStore(d.Config.ContextTTL)
	}
	s := &Server{
		cfg:       d.Config,
		sessions:  d.Sessions,
		defaults:  d.Defaults,
		exchanger: d.Exchanger,
		relay:     d.Relay,
		tools:     d.Tools,
		vision:    d.Vision,
		context:   d.Context,
		log:       d.Log.With().Str("component", "httpapi").Logger(),
		metrics:   d.Metrics,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// checkOrigin admits same-origin browsers, allow-listed origins and clients
// that send no Origin at all.
func (s *Server) checkOrigin(r *http.Request) bool {
	if s.cfg.AllowAnyOrigin {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if strings.EqualFold(allowed, origin) {
			return true
		}
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.accessLog)
	r.Use(middleware.Recoverer)
	if c := s.corsHandler(); c != nil {
		r.Use(c)
	}

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", s.metrics.Handler().ServeHTTP)
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	r.Post("/rtc-connect", s.handleRTCConnect)
	r.Post("/api/rtc-connect", s.handleRTCConnect)
	r.Get("/v1/realtime/ws", s.handleRealtimeWS)
	if s.cfg.WebhookToolCalls() {
		r.Post("/tool-call-handler", s.handleToolCallWebhook)
	}

	r.Post("/v1/context", s.handleSaveContext)
	r.Post("/element-explain", s.handleElementExplain)
	r.Post("/element-query", s.handleElementQuery)

	r.Get("/v1/sessions", s.handleListSessions)
	r.Post("/v1/sessions/{id}/end", s.handleEndSession)

	return r
}

func (s *Server) corsHandler() func(http.Handler) http.Handler {
	origins := s.cfg.AllowedOrigins
	if s.cfg.AllowAnyOrigin {
		origins = []string{"*"}
	}
	if len(origins) == 0 {
		return nil
	}
	return cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "X-Session-Id"},
		ExposedHeaders: []string{"X-Session-Id"},
		MaxAge:         300,
	})
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		started := time.Now()
		defer func() {
			s.log.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(started)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("http request")
		}()
		next.ServeHTTP(ww, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{
		"status":          "ok",
		"model_realtime":  s.cfg.RealtimeModel,
		"credential_flow": s.cfg.CredentialFlow,
		"active_sessions": s.sessions.Len(),
	}
	if s.vision != nil {
		body["model_vision"] = s.vision.Model()
	}
	respondJSON(w, http.StatusOK, body)
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":             "ready",
		"context_store_mode": s.context.Mode(),
	})
}

// sessionConfig builds the upstream config for a new session, folding in the
// visitor's stored focus unless the request carries one.
func (s *Server) sessionConfig(r *http.Request, visitorID string) realtime.SessionConfig {
	q := r.URL.Query()
	focus := strings.TrimSpace(q.Get("focus"))
	if focus == "" && visitorID != "" {
		rec, ok, err := s.context.Focus(r.Context(), visitorID)
		if err != nil {
			s.log.Warn().Err(err).Str("visitor_id", visitorID).Msg("focus lookup failed")
		} else if ok {
			focus = rec.Focus
		}
	}
	return s.defaults.Build(realtime.ParseIntent(q.Get("intent")), focus)
}

func visitorOf(r *http.Request) string {
	if v := strings.TrimSpace(r.URL.Query().Get("visitorId")); v != "" {
		return v
	}
	return strings.TrimSpace(r.Header.Get("X-Session-Id"))
}

// refreshGauge republishes the signaling session count; relay sessions track
// their own gauge.
func (s *Server) refreshGauge() {
	s.metrics.ActiveSessions.WithLabelValues(string(session.TransportSignaling)).
		Set(float64(s.sessions.Count(session.TransportSignaling)))
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxJSONBody))
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

const maxJSONBody = 8 << 20

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

// respondText writes a plain-text error body, the shape browsers calling
// /rtc-connect expect.
func respondText(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(message))
}
