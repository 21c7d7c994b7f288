package signal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) writePump(ctx context.Context, c *WsSignalConn) {
	ping := time.NewTicker(ctl.PingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Msg("writePump ctx done")
			return
		case <-ping.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				log.Warn().Err(err).Str("module", "signal").Msg("writePump ping")
				return
			}
		case data, ok := <-c.send:
			if !ok {
				log.Debug().Str("module", "signal").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		}
	}
}

func (ctl *SignalWSController) readPump(s *session) {
	defer func() {
		s.logger.Info().Msg("readPump closing")
		s.stop()
	}()

	// Pongs prove liveness; a silent peer times out after two ping periods.
	deadline := 2 * ctl.PingPeriod
	_ = s.conn.conn.SetReadDeadline(time.Now().Add(deadline))
	s.conn.conn.SetPongHandler(func(string) error {
		return s.conn.conn.SetReadDeadline(time.Now().Add(deadline))
	})

	for {
		select {
		case <-s.ctx.Done():
			s.logger.Info().Msg("readPump ctx done")
			return
		default:
			_, data, err := s.conn.conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					s.logger.Error().Err(err).Msg("readPump read error")
				}
				return
			}
			_ = s.conn.conn.SetReadDeadline(time.Now().Add(deadline))
			if !ctl.Limiter.Allow(s.pid) {
				ctl.sendError(s.conn, "rate_limited", "too many messages")
				continue
			}
			ctl.handleSignal(s, data)
		}
	}
}

func (ctl *SignalWSController) handleSignal(s *session, data []byte) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		s.logger.Error().Err(err).Msg("bad json")
		ctl.sendError(s.conn, "bad_payload", "invalid json")
		return
	}
	ctl.Metrics.SignalMessage(env.Type, "in")

	switch env.Type {
	case "ping":
		ctl.handlePing(s.conn)
	case "offer":
		s.handleOffer(data)
	case "answer":
		s.handleAnswer(data)
	case "candidate":
		s.handleCandidate(data)
	case "hangup":
		s.handleHangUp(data)
	default:
		s.logger.Warn().Str("type", env.Type).Msg("unknown signal")
	}
}

func (ctl *SignalWSController) sendJSON(c *WsSignalConn, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendJSON marshal")
		return
	}
	if err := c.TrySend(b); err != nil {
		log.Warn().Err(err).Str("module", "signal").Msg("sendJSON dropped")
	}
}

func (ctl *SignalWSController) sendError(c *WsSignalConn, code, msg string) {
	ctl.sendJSON(c, map[string]any{
		"type":    "error",
		"error":   code,
		"message": msg,
	})
}
