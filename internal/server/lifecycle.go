package server

import (
	"time"

	"github.com/codev-labs/pubsub-ws/internal/monitoring"
	"github.com/codev-labs/pubsub-ws/internal/protocol"
)

// drainPollInterval is how often the drain loop re-checks queue depths.
const drainPollInterval = 100 * time.Millisecond

// BeginShutdown flips the broker into drain mode and starts the
// background drain with the given budget. Returns ErrShuttingDown if a
// drain is already running; the drain itself proceeds asynchronously.
func (s *Server) BeginShutdown(budget time.Duration) error {
	if err := s.broker.BeginShutdown(); err != nil {
		return err
	}
	s.wg.Add(1)
	go s.drainAndClose(budget)
	return nil
}

// drainAndClose runs the graceful shutdown sequence: notify every
// session, wait for subscriber queues to empty (bounded by budget), then
// close all connections with 1001 and release broker state.
func (s *Server) drainAndClose(budget time.Duration) {
	defer s.wg.Done()
	defer close(s.drainDone)
	defer monitoring.RecoverPanic(s.logger, "drainAndClose", nil)

	notified := 0
	s.sessions.Range(func(key, _ any) bool {
		sess := key.(*Session)
		sess.BeginDraining()
		if err := sess.sendFrame(protocol.NewInfo("server shutting down", "")); err != nil {
			s.logger.Debug().Int64("session_id", sess.id).Err(err).Msg("Shutdown notice not delivered")
		}
		notified++
		return true
	})
	s.logger.Info().
		Int("sessions", notified).
		Dur("budget", budget).
		Msg("Draining subscriber queues")

	deadline := time.NewTimer(budget)
	defer deadline.Stop()
	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()

	drained := s.broker.Drained()
	for !drained {
		select {
		case <-deadline.C:
			s.logger.Warn().Msg("Drain budget exhausted, forcing close with queued messages pending")
			drained = true
		case <-ticker.C:
			drained = s.broker.Drained()
		}
	}

	closed := 0
	s.sessions.Range(func(key, _ any) bool {
		key.(*Session).Close(protocol.CloseGoingAway, "server_shutdown")
		closed++
		return true
	})
	s.broker.CloseAll()
	s.logger.Info().Int("sessions_closed", closed).Msg("Graceful shutdown completed")
}
