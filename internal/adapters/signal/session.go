package signal

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/dkeye/peercall/internal/domain"
	"github.com/dkeye/peercall/internal/store"
)

// session is one participant's socket bound to one room.
type session struct {
	ctl    *SignalWSController
	conn   *WsSignalConn
	room   domain.RoomID
	role   domain.Role
	pid    domain.ParticipantID
	ctx    context.Context
	cancel context.CancelFunc
	logger zerolog.Logger

	mu          sync.Mutex
	subs        []store.Unsubscribe
	startedAtMs int64
	stopped     bool
}

type roomMessage struct {
	Type string       `json:"type"`
	Role domain.Role  `json:"role"`
	Room *domain.Room `json:"room"`
}

type descriptionMessage struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

type candidateMessage struct {
	Type      string          `json:"type"`
	Candidate json.RawMessage `json:"candidate"`
}

type hangupMessage struct {
	Type        string `json:"type"`
	ArtifactRef string `json:"artifact_ref,omitempty"`
}

// start subscribes to the room and to the counterpart's candidates, and
// waits for the counterpart's description in the background.
func (s *session) start() {
	unsub, err := s.ctl.Rooms.SubscribeToRoom(s.ctx, s.room, s.onRoom, s.onError)
	if err != nil {
		s.onError(err)
		return
	}
	s.addSub(unsub)

	unsub, err = s.ctl.Signaling.SubscribeToCandidates(s.ctx, s.room, s.role.Peer(), s.onCandidate, s.onError)
	if err != nil {
		s.onError(err)
		return
	}
	s.addSub(unsub)

	go s.relayDescription()
}

func (s *session) addSub(unsub store.Unsubscribe) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		unsub()
		return
	}
	s.subs = append(s.subs, unsub)
	s.mu.Unlock()
}

// stop runs on the read pump goroutine, never inside a store callback.
func (s *session) stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()

	s.cancel()
	for _, unsub := range subs {
		unsub()
	}
	s.conn.Close()
	s.ctl.Limiter.Forget(s.pid)
	s.ctl.Metrics.WSClosed()
}

func (s *session) send(kind string, v any) {
	s.ctl.Metrics.SignalMessage(kind, "out")
	s.ctl.sendJSON(s.conn, v)
}

func (s *session) onRoom(r *domain.Room) {
	s.mu.Lock()
	s.startedAtMs = r.StartedAtMs()
	s.mu.Unlock()
	s.send("room", roomMessage{Type: "room", Role: s.role, Room: r})
}

func (s *session) onCandidate(c domain.Candidate) {
	s.send("candidate", candidateMessage{Type: "candidate", Candidate: c.Raw})
}

func (s *session) onError(err error) {
	if s.ctx.Err() != nil {
		return
	}
	s.logger.Warn().Err(err).Msg("relay error")
	s.ctl.sendError(s.conn, domain.KindOf(err).String(), err.Error())
}

func (s *session) relayDescription() {
	var (
		desc webrtc.SessionDescription
		err  error
	)
	if s.role == domain.RoleInitiator {
		desc, err = s.ctl.Signaling.AwaitAnswer(s.ctx, s.room)
	} else {
		desc, err = s.ctl.Signaling.AwaitOffer(s.ctx, s.room)
	}
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			s.onError(err)
		}
		return
	}
	kind := desc.Type.String()
	s.send(kind, descriptionMessage{Type: kind, SDP: desc.SDP})
}

func (s *session) handleOffer(data []byte) {
	if s.role != domain.RoleInitiator {
		s.ctl.sendError(s.conn, "forbidden", "only the initiator offers")
		return
	}
	var p descriptionMessage
	if err := json.Unmarshal(data, &p); err != nil || p.SDP == "" {
		s.ctl.sendError(s.conn, "bad_payload", "offer needs sdp")
		return
	}
	if err := s.ctl.Signaling.PublishOffer(s.ctx, s.room, webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: p.SDP}); err != nil {
		s.onError(err)
	}
}

func (s *session) handleAnswer(data []byte) {
	if s.role != domain.RoleJoiner {
		s.ctl.sendError(s.conn, "forbidden", "only the joiner answers")
		return
	}
	var p descriptionMessage
	if err := json.Unmarshal(data, &p); err != nil || p.SDP == "" {
		s.ctl.sendError(s.conn, "bad_payload", "answer needs sdp")
		return
	}
	if err := s.ctl.Signaling.PublishAnswer(s.ctx, s.room, webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: p.SDP}); err != nil {
		s.onError(err)
	}
}

// handleCandidate stores the browser's candidate JSON as received.
func (s *session) handleCandidate(data []byte) {
	var p candidateMessage
	if err := json.Unmarshal(data, &p); err != nil || len(p.Candidate) == 0 {
		s.ctl.sendError(s.conn, "bad_payload", "candidate missing")
		return
	}
	cand, err := domain.ParseCandidate(p.Candidate)
	if err != nil {
		s.ctl.sendError(s.conn, "bad_payload", err.Error())
		return
	}
	s.ctl.Signaling.PublishCandidate(s.room, s.role, cand)
}

func (s *session) handleHangUp(data []byte) {
	var p hangupMessage
	if err := json.Unmarshal(data, &p); err != nil {
		s.ctl.sendError(s.conn, "bad_payload", "invalid hangup")
		return
	}
	s.mu.Lock()
	startedAtMs := s.startedAtMs
	s.mu.Unlock()

	room, err := s.ctl.Rooms.EndRoom(s.ctx, s.room, startedAtMs, p.ArtifactRef)
	if err != nil {
		s.onError(err)
		return
	}
	s.logger.Info().Int64("duration", room.Duration).Msg("hangup")
}
