package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/SmitUplenchwar2687/turnstile/internal/clock"
	"github.com/SmitUplenchwar2687/turnstile/internal/limiter"
	"github.com/SmitUplenchwar2687/turnstile/internal/metrics"
	"github.com/SmitUplenchwar2687/turnstile/internal/recorder"
)

// Limiter is the admission check the server guards requests with.
// *limiter.Limiter satisfies it.
type Limiter interface {
	limiter.Checker
	Config() (limiter.Config, bool)
}

// Options configures a Server. Only Addr is required.
type Options struct {
	Addr string
	// FailOpen admits requests when the store is unavailable instead of answering 503.
	FailOpen bool
	// ConflictRetries is how many times a check aborted by a concurrent writer is retried.
	ConflictRetries int

	Clock    clock.Clock
	Logger   logrus.FieldLogger
	Metrics  *metrics.Collector // serves /metrics and instruments checks when set
	Hub      *Hub               // serves /ws and receives every decision when set
	Recorder *recorder.Recorder // captures guarded traffic when set
}

// Server is the Turnstile HTTP server that applies rate limiting to requests.
type Server struct {
	httpServer *http.Server
	limiter    Limiter
	checker    limiter.Checker
	opts       Options
	logger     logrus.FieldLogger
	mux        *http.ServeMux
}

// New creates a server guarding requests with lim.
func New(lim Limiter, opts Options) *Server {
	if opts.Clock == nil {
		opts.Clock = clock.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.ConflictRetries < 0 {
		opts.ConflictRetries = 0
	}

	s := &Server{
		limiter: lim,
		checker: lim,
		opts:    opts,
		logger:  opts.Logger.WithField("component", "server"),
		mux:     http.NewServeMux(),
	}
	if opts.Metrics != nil {
		s.checker = opts.Metrics.Instrument(lim)
	}
	s.routes()
	s.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	var root http.Handler = http.HandlerFunc(s.handleRoot)
	var check http.Handler = http.HandlerFunc(s.handleCheck)
	if s.opts.Recorder != nil {
		root = RecordingMiddleware(root, s.opts.Recorder, s.opts.Clock, s.logger)
		check = RecordingMiddleware(check, s.opts.Recorder, s.opts.Clock, s.logger)
	}

	s.mux.Handle("/", root)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.Handle("GET /api/check", check)
	s.mux.HandleFunc("GET /api/check/{identity}", s.handleCheckIdentity)
	s.mux.HandleFunc("GET /api/check/{$}", s.handleCheckIdentity)
	if s.opts.Metrics != nil {
		s.mux.Handle("GET /metrics", s.opts.Metrics.Handler())
	}
	if s.opts.Hub != nil {
		s.mux.HandleFunc("GET /ws", s.opts.Hub.HandleWebSocket)
	}
}

// Handler returns the server's routes, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// handleRoot serves a greeting to callers the limiter admits.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	identity := Identify(r)
	d, ok := s.admit(w, r, identity)
	if !ok {
		return
	}
	writeHeaders(w, d)
	writeJSON(w, http.StatusOK, map[string]any{
		"service":  "turnstile",
		"status":   "running",
		"identity": identity,
		"time":     time.Unix(s.opts.Clock.Now(), 0).UTC().Format(time.RFC3339),
	})
}

// handleHealth returns server health status and the active limit.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok"}
	if cfg, ok := s.limiter.Config(); ok {
		body["limit"] = cfg
	} else {
		body["status"] = "unconfigured"
	}
	writeJSON(w, http.StatusOK, body)
}

// handleCheck reports the decision for the caller's own identity.
func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	s.respondWithDecision(w, r, Identify(r))
}

// handleCheckIdentity reports the decision for the identity in the path.
// Path: /api/check/{identity}
func (s *Server) handleCheckIdentity(w http.ResponseWriter, r *http.Request) {
	identity := r.PathValue("identity")
	if strings.TrimSpace(identity) == "" {
		writeError(w, http.StatusBadRequest, "identity is required")
		return
	}
	s.respondWithDecision(w, r, identity)
}

func (s *Server) respondWithDecision(w http.ResponseWriter, r *http.Request, identity string) {
	d, ok := s.admit(w, r, identity)
	if !ok {
		return
	}
	writeHeaders(w, d)
	writeJSON(w, http.StatusOK, d)
}

// admit runs the check and writes the refusal response when the request may
// not proceed. It returns the decision and true when the handler should continue.
func (s *Server) admit(w http.ResponseWriter, r *http.Request, identity string) (limiter.Decision, bool) {
	ev := limiter.Event{ID: r.Header.Get("X-Request-ID")}
	d, err := s.check(r.Context(), identity, ev)
	s.broadcast(r, identity, ev, d, err)

	log := s.logger.WithFields(logrus.Fields{
		"identity": identity,
		"path":     r.URL.Path,
	})
	now := s.opts.Clock.Now()

	switch {
	case err == nil && d.Allowed:
		log.WithField("remaining", d.Remaining).Debug("request admitted")
		return d, true

	case err == nil:
		log.WithField("retry_at", d.RetryAt).Info("request rate limited")
		writeHeaders(w, d)
		retry := d.RetryAfter(now)
		if retry < 1 {
			retry = 1
		}
		w.Header().Set("Retry-After", strconv.FormatInt(retry, 10))
		writeJSON(w, http.StatusTooManyRequests, d)
		return d, false

	case errors.Is(err, limiter.ErrInvalidIdentity):
		writeError(w, http.StatusBadRequest, "identity is required")
		return d, false

	case errors.Is(err, limiter.ErrStoreUnavailable) && s.opts.FailOpen:
		log.WithError(err).Warn("store unavailable, failing open")
		w.Header().Set("X-RateLimit-Status", "degraded")
		return limiter.Decision{Allowed: true}, true

	case errors.Is(err, limiter.ErrStoreUnavailable),
		errors.Is(err, limiter.ErrConcurrencyViolation),
		errors.Is(err, limiter.ErrNotConfigured):
		log.WithError(err).Error("rate limit check failed")
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "rate limiter unavailable")
		return d, false

	default:
		log.WithError(err).Error("rate limit check failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return d, false
	}
}

// check runs the limiter, retrying checks aborted by a concurrent writer.
func (s *Server) check(ctx context.Context, identity string, ev limiter.Event) (limiter.Decision, error) {
	for attempt := 0; ; attempt++ {
		d, err := s.checker.Check(ctx, identity, ev)
		if err == nil || !errors.Is(err, limiter.ErrConcurrencyViolation) || attempt >= s.opts.ConflictRetries {
			return d, err
		}
		s.logger.WithFields(logrus.Fields{
			"identity": identity,
			"attempt":  attempt + 1,
		}).Debug("check conflicted, retrying")
	}
}

func (s *Server) broadcast(r *http.Request, identity string, ev limiter.Event, d limiter.Decision, err error) {
	if s.opts.Hub == nil {
		return
	}
	now := time.Unix(s.opts.Clock.Now(), 0).UTC()
	event := &recorder.DecisionEvent{
		Record: recorder.TrafficRecord{
			Timestamp: now,
			Identity:  identity,
			EventID:   ev.ID,
			Endpoint:  r.Method + " " + r.URL.Path,
		},
		Decision: d,
		Time:     now,
	}
	if cfg, ok := s.limiter.Config(); ok {
		event.Algorithm = cfg.Algorithm
	}
	if err != nil {
		event.Error = err.Error()
	}
	s.opts.Hub.Broadcast(event)
}

// Identify returns the identity a request is limited under: the X-API-Key
// header, else the first X-Forwarded-For address, else the remote IP.
func Identify(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		return key
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// writeHeaders sets the X-RateLimit-* headers. A fail-open decision carries no limit and sets none.
func writeHeaders(w http.ResponseWriter, d limiter.Decision) {
	if d.Limit == 0 {
		return
	}
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	if d.ResetAt > 0 {
		h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt, 10))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// Start begins listening. It blocks until the server is shut down.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	return s.StartOnListener(ln)
}

// StartOnListener begins serving on the provided listener.
// Useful for tests that need to pick an ephemeral port.
func (s *Server) StartOnListener(ln net.Listener) error {
	s.logger.WithField("addr", ln.Addr().String()).Info("turnstile server listening")
	err := s.httpServer.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.opts.Hub != nil {
		s.opts.Hub.Close()
	}
	return s.httpServer.Shutdown(ctx)
}
