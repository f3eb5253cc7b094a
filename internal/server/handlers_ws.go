package server

import (
	"net/http"
	"time"

	"github.com/gobwas/ws"

	"github.com/codev-labs/pubsub-ws/internal/auth"
	"github.com/codev-labs/pubsub-ws/internal/limits"
	"github.com/codev-labs/pubsub-ws/internal/monitoring"
	"github.com/codev-labs/pubsub-ws/internal/protocol"
)

func (s *Server) newFrameLimiter() *limits.FrameLimiter {
	if !s.cfg.FrameRateLimitEnabled {
		return nil
	}
	return limits.NewFrameLimiter(s.cfg.FrameRatePerSec, s.cfg.FrameRateBurst)
}

// handleWebSocket admits a connection: refuse during shutdown, upgrade,
// check the API key, then hand off to a Session. The key is checked after
// the upgrade so the rejection can be a proper close frame (4401) instead
// of an opaque HTTP error.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.broker.ShuttingDown() {
		writeError(w, http.StatusServiceUnavailable, "server is shutting down")
		return
	}

	key := auth.FromRequest(r)

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("WebSocket upgrade failed")
		return
	}

	if !s.keyring.Valid(key) {
		monitoring.SessionsRejected.Inc()
		s.logger.Warn().Str("remote", r.RemoteAddr).Msg("WebSocket connection rejected, invalid API key")
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		body := ws.NewCloseFrameBody(ws.StatusCode(protocol.CloseUnauthorized), "invalid or missing API key")
		ws.WriteFrame(conn, ws.NewCloseFrame(body))
		conn.Close()
		return
	}

	sess := s.registerSession(conn)
	s.logger.Info().
		Int64("session_id", sess.id).
		Str("remote", r.RemoteAddr).
		Msg("WebSocket session established")
}
