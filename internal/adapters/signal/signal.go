// Package signal bridges browser clients to the shared store over a
// websocket: it relays the counterpart's descriptions, candidates and room
// updates, and publishes what the browser sends.
package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/peercall/internal/domain"
	"github.com/dkeye/peercall/internal/store"
)

var ErrBackpressure = errors.New("backpressure")

type Rooms interface {
	GetRoom(ctx context.Context, id domain.RoomID) (*domain.Room, error)
	EndRoom(ctx context.Context, id domain.RoomID, startedAtMs int64, artifactRef string) (*domain.Room, error)
	SubscribeToRoom(ctx context.Context, id domain.RoomID, onUpdate func(*domain.Room), onError func(error)) (store.Unsubscribe, error)
}

type Signaling interface {
	PublishOffer(ctx context.Context, room domain.RoomID, desc webrtc.SessionDescription) error
	PublishAnswer(ctx context.Context, room domain.RoomID, desc webrtc.SessionDescription) error
	AwaitOffer(ctx context.Context, room domain.RoomID) (webrtc.SessionDescription, error)
	AwaitAnswer(ctx context.Context, room domain.RoomID) (webrtc.SessionDescription, error)
	PublishCandidate(room domain.RoomID, role domain.Role, cand domain.Candidate)
	SubscribeToCandidates(ctx context.Context, room domain.RoomID, role domain.Role, onCandidate func(domain.Candidate), onError func(error)) (store.Unsubscribe, error)
}

// Metrics is optional gateway instrumentation.
type Metrics interface {
	WSOpened()
	WSClosed()
	SignalMessage(kind, direction string)
}

type nopMetrics struct{}

func (nopMetrics) WSOpened()                    {}
func (nopMetrics) WSClosed()                    {}
func (nopMetrics) SignalMessage(string, string) {}

type SignalWSController struct {
	Rooms      Rooms
	Signaling  Signaling
	Metrics    Metrics
	Limiter    *RateLimiter
	ReadLimit  int64
	PingPeriod time.Duration
}

func NewSignalWSController(rooms Rooms, sig Signaling, m Metrics) *SignalWSController {
	if m == nil {
		m = nopMetrics{}
	}
	return &SignalWSController{
		Rooms:      rooms,
		Signaling:  sig,
		Metrics:    m,
		Limiter:    NewRateLimiter(200, 10*time.Second),
		ReadLimit:  32768,
		PingPeriod: 54 * time.Second,
	}
}

type WsSignalConn struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	closed bool
}

func (c *WsSignalConn) TrySend(f []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSignal upgrades a participant of room ?room= to a signaling socket.
// The role is derived from the stored room, never from the client.
func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	pid, err := domain.NewParticipantID(c.GetString("client_token"))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing_client_token"})
		return
	}
	roomID := domain.RoomID(c.Query("room"))
	room, err := ctl.Rooms.GetRoom(c.Request.Context(), roomID)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, domain.ErrRoomNotFound):
			status = http.StatusNotFound
		case domain.IsTransport(err):
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	role, ok := room.RoleOf(pid)
	if !ok {
		c.JSON(http.StatusForbidden, gin.H{"error": "not_a_participant"})
		return
	}

	logger := log.With().Str("module", "signal").Str("pid", string(pid)).Str("room", string(roomID)).Str("role", string(role)).Logger()
	logger.Info().Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Error().Err(err).Msg("ws upgrade")
		return
	}
	ws.SetReadLimit(ctl.ReadLimit)

	conn := &WsSignalConn{
		conn: ws,
		send: make(chan []byte, 64),
	}
	ctx, cancel := context.WithCancel(ctx)
	sess := &session{
		ctl:    ctl,
		conn:   conn,
		room:   roomID,
		role:   role,
		pid:    pid,
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}
	ctl.Metrics.WSOpened()

	go ctl.writePump(ctx, conn)
	go ctl.readPump(sess)
	sess.start()
}
