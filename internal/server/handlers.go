// Package server is the thin transport layer mapping HTTP and WebSocket
// requests onto the broker's components: sessions, rate limiting, the
// verification engine, and the notification hub.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/mileusna/useragent"

	"github.com/govverify/broker/internal/engine"
	"github.com/govverify/broker/internal/hub"
	"github.com/govverify/broker/internal/metrics"
	"github.com/govverify/broker/internal/nonce"
	"github.com/govverify/broker/internal/ratelimit"
	"github.com/govverify/broker/internal/session"
)

// maxClientURLLen bounds the X-Client-Url header value.
const maxClientURLLen = 2048

// Verifier runs the verification pipeline. Satisfied by *engine.Engine;
// defined here so handler tests can substitute a stub.
type Verifier interface {
	Verify(ctx context.Context, rawURL, webIP, mobileIP string) engine.Result
}

// RateLimiter checks per-operation request budgets. Satisfied by
// *ratelimit.Limiter.
type RateLimiter interface {
	Check(ctx context.Context, op, ip string) error
}

// Server holds the dependencies needed by the request handlers.
type Server struct {
	sessions *session.Manager
	verifier Verifier
	limiter  RateLimiter
	hub      *hub.Hub
	logger   *slog.Logger

	// allowSameIP disables the WebSocket same-IP guard. Test environments
	// only.
	allowSameIP bool

	now func() time.Time
}

// New creates a Server. A nil logger falls back to slog.Default, a nil clock
// to time.Now.
func New(sessions *session.Manager, verifier Verifier, limiter RateLimiter, h *hub.Hub, logger *slog.Logger, allowSameIP bool) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		sessions:    sessions,
		verifier:    verifier,
		limiter:     limiter,
		hub:         h,
		logger:      logger,
		allowSameIP: allowSameIP,
		now:         time.Now,
	}
}

// checkRate applies the limiter for op and writes the appropriate error
// response. Returns false when the request must not proceed.
func (s *Server) checkRate(w http.ResponseWriter, r *http.Request, op string) bool {
	err := s.limiter.Check(r.Context(), op, clientIP(r))
	switch {
	case err == nil:
		return true
	case errors.Is(err, ratelimit.ErrLimited):
		metrics.RateLimited(op)
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
	case errors.Is(err, ratelimit.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, "service unavailable")
	default:
		writeError(w, http.StatusServiceUnavailable, "service unavailable")
	}
	return false
}

// handleHealthz responds to GET /healthz. No rate limiting: load balancers
// probe it continuously.
func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleInit responds to POST /api/v1/session/init.
//
// The browser self-reports its location in the X-Client-Url header; the
// session captures it together with the caller's IP and User-Agent.
// Returns 422 for a missing or invalid URL and 429/503 from the limiter.
func (s *Server) handleInit(w http.ResponseWriter, r *http.Request) {
	if !s.checkRate(w, r, "init") {
		return
	}

	clientURL := r.Header.Get("X-Client-Url")
	if err := validateClientURL(clientURL); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	n, err := s.sessions.Create(r.Context(), clientURL, clientIP(r), r.Header.Get("User-Agent"))
	if err != nil {
		s.logger.Error("session create failed", slog.Any("error", err))
		writeError(w, http.StatusServiceUnavailable, "service unavailable")
		return
	}
	metrics.SessionCreated()

	writeJSON(w, http.StatusOK, initResponse{
		Nonce:     n,
		ExpiresIn: int(s.sessions.TTL().Seconds()),
		QRPayload: "myapp://verify?token=" + n,
	})
}

// validateClientURL enforces the init-time URL contract: http(s) scheme,
// a host, and at most 2048 characters.
func validateClientURL(raw string) error {
	if raw == "" {
		return errors.New("missing X-Client-Url header")
	}
	if len(raw) > maxClientURLLen {
		return errors.New("X-Client-Url exceeds 2048 characters")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return errors.New("X-Client-Url is not a valid URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("X-Client-Url scheme must be http or https")
	}
	if u.Hostname() == "" {
		return errors.New("X-Client-Url has no host")
	}
	return nil
}

// handleVerify responds to POST /api/v1/session/verify.
//
// This is the consume-once transition: after the engine returns, the result
// and the CONSUMED status are written in one update, and only then is the
// notification fired. A second call for the same token gets 409.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	if !s.checkRate(w, r, "verify") {
		return
	}

	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if !nonce.Valid(req.Token) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	rec, err := s.sessions.Get(r.Context(), req.Token)
	if err != nil {
		s.writeSessionError(w, err)
		return
	}
	switch rec.Status {
	case session.StatusExpired:
		writeError(w, http.StatusGone, "session expired")
		return
	case session.StatusConsumed:
		writeError(w, http.StatusConflict, "session already consumed")
		return
	}

	result := s.verifier.Verify(r.Context(), rec.URL, rec.IP, clientIP(r))
	resp := s.buildVerifyResponse(rec, result)

	raw, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("verify response marshal failed", slog.Any("error", err))
		writeError(w, http.StatusServiceUnavailable, "service unavailable")
		return
	}

	if err := s.sessions.Consume(r.Context(), req.Token, raw); err != nil {
		// A concurrent verify won the consume race, or the session aged out
		// while the engine ran.
		s.writeSessionError(w, err)
		return
	}
	metrics.VerificationDone(string(result.Verdict))

	s.maybeNotify(r.Context(), req.Token, rec, result.Verdict, resp)

	writeJSON(w, http.StatusOK, resp)
}

// buildVerifyResponse denormalizes the session metadata into the verdict
// payload, parsing the stored User-Agent.
func (s *Server) buildVerifyResponse(rec *session.Record, result engine.Result) VerifyResponse {
	resp := VerifyResponse{
		Verdict:    result.Verdict,
		CheckedURL: rec.URL,
		Timestamp:  s.now().UTC().Format(time.RFC3339),
		ClientIP:   rec.IP,
		UserAgent:  rec.UA,
		TrustScore: result.Score,
		Logs:       result.Logs,
		Details:    result.Details,
	}
	if rec.UA != "" {
		ua := useragent.Parse(rec.UA)
		resp.DeviceOS = ua.OS
		resp.DeviceBrowser = ua.Name
		resp.DeviceBrand = ua.Device
		isMobile := ua.Mobile || ua.Tablet
		resp.IsMobile = &isMobile
	}
	return resp
}

// maybeNotify pushes the verdict to the scanning device when the verdict is
// positive and proximity was confirmed at verify time. The push runs in its
// own goroutine with the request context detached: a browser disconnect must
// not cancel the bounded wait for the late subscriber.
func (s *Server) maybeNotify(ctx context.Context, n string, rec *session.Record, verdict engine.Verdict, resp VerifyResponse) {
	if verdict != engine.VerdictTrusted && verdict != engine.VerdictCaution {
		return
	}
	if rec.Proximity == nil || !rec.Proximity.Confirmed {
		s.logger.Debug("notification skipped, proximity not confirmed",
			slog.String("nonce", n))
		return
	}

	key := n
	if rec.Proximity.BLEUUID != "" {
		key = rec.Proximity.BLEUUID
	}

	go func() {
		notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), hub.DefaultWaitTimeout+time.Second)
		defer cancel()
		if s.hub.NotifySuccess(notifyCtx, key, resp) {
			metrics.NotificationDelivered()
		} else {
			metrics.NotificationDropped()
		}
	}()
}

// handlePoll responds to GET /api/v1/session/poll/{nonce}, the fallback for
// devices that missed the socket push.
func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	if !s.checkRate(w, r, "poll") {
		return
	}

	n := chi.URLParam(r, "nonce")
	if !nonce.Valid(n) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	rec, err := s.sessions.Get(r.Context(), n)
	if err != nil {
		s.writeSessionError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, pollResponse{Status: rec.Status, Result: rec.Result})
}

// handleProximity responds to POST /api/v1/session/proximity/{nonce},
// recording the co-location report from the browser.
func (s *Server) handleProximity(w http.ResponseWriter, r *http.Request) {
	if !s.checkRate(w, r, "proximity") {
		return
	}

	n := chi.URLParam(r, "nonce")
	if !nonce.Valid(n) {
		writeError(w, http.StatusUnprocessableEntity, "malformed nonce")
		return
	}

	var req proximityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "malformed proximity payload")
		return
	}
	if req.BLEUUID == "" {
		writeError(w, http.StatusUnprocessableEntity, "ble_uuid is required")
		return
	}

	err := s.sessions.UpdateProximity(r.Context(), n, session.Proximity{
		BLEUUID:   req.BLEUUID,
		Found:     req.Found,
		Supported: req.Supported,
		Timestamp: req.Timestamp,
	})
	switch {
	case errors.Is(err, session.ErrNotFound):
		writeError(w, http.StatusNotFound, "session not found")
		return
	case errors.Is(err, session.ErrExpired):
		writeError(w, http.StatusGone, "session expired")
		return
	case err != nil:
		s.logger.Error("proximity update failed", slog.Any("error", err))
		writeError(w, http.StatusServiceUnavailable, "service unavailable")
		return
	}

	writeJSON(w, http.StatusOK, proximityResponse{Status: "proximity_confirmed"})
}

// writeSessionError maps session lookup errors onto their HTTP statuses.
func (s *Server) writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		writeError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, session.ErrExpired):
		writeError(w, http.StatusGone, "session expired")
	case errors.Is(err, session.ErrConsumed):
		writeError(w, http.StatusConflict, "session already consumed")
	default:
		s.logger.Error("session store failure", slog.Any("error", err))
		writeError(w, http.StatusServiceUnavailable, "service unavailable")
	}
}
