package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/govverify/broker/internal/metrics"
	"github.com/govverify/broker/internal/nonce"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The broker is called from arbitrary third-party origins; origin
	// checks would reject every legitimate page.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleWS responds to GET /api/v1/ws/verification/{nonce}.
//
// Rejections happen after the upgrade so the scanning device receives a
// proper close frame (1008 policy violation) with a reason instead of an
// opaque HTTP error. Connections from the browser's own IP are refused:
// the socket is for the second device, and accepting the browser would let
// a phishing page watch its own verification.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	n := chi.URLParam(r, "nonce")
	peer := clientIP(r)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		s.logger.Debug("ws upgrade failed", slog.Any("error", err))
		return
	}

	if !nonce.Valid(n) {
		closePolicy(conn, "malformed nonce")
		return
	}

	rec, err := s.sessions.Get(r.Context(), n)
	if err != nil {
		closePolicy(conn, "unknown or expired session")
		return
	}
	if !s.allowSameIP && peer != "" && peer == rec.IP {
		s.logger.Warn("ws rejected, same ip as session origin",
			slog.String("nonce", n), slog.String("ip", peer))
		closePolicy(conn, "connection from session origin rejected")
		return
	}

	key := n
	if rec.Proximity != nil && rec.Proximity.BLEUUID != "" {
		key = rec.Proximity.BLEUUID
	}

	c, err := s.hub.Register(key, conn)
	if err != nil {
		closePolicy(conn, "connection limit reached")
		return
	}
	metrics.WSConnected()
	defer func() {
		s.hub.Unregister(key, c)
		metrics.WSDisconnected()
	}()

	s.hub.Serve(key, c)
}

// closePolicy sends a 1008 close frame with reason and drops the socket.
func closePolicy(conn *websocket.Conn, reason string) {
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = conn.Close()
}
