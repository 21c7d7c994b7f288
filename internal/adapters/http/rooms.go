package http

import (
	"errors"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/peercall/internal/adapters/signal"
	"github.com/dkeye/peercall/internal/app/rooms"
	"github.com/dkeye/peercall/internal/domain"
)

const sessionLastRoom = "last_room"

type roomHandlers struct {
	rooms     *rooms.Registry
	creations *signal.RateLimiter
}

func participant(c *gin.Context) (domain.ParticipantID, bool) {
	pid, err := domain.NewParticipantID(c.GetString("client_token"))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing_client_token"})
		return "", false
	}
	return pid, true
}

func rememberRoom(c *gin.Context, id domain.RoomID) {
	s := sessions.Default(c)
	s.Set(sessionLastRoom, string(id))
	if err := s.Save(); err != nil {
		log.Warn().Err(err).Str("module", "adapters.http").Str("room", string(id)).Msg("session save failed")
	}
}

// writeError maps the error taxonomy onto status codes.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrRoomNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrRoomAlreadyEnded):
		status = http.StatusGone
	case errors.Is(err, domain.ErrSelfJoin):
		status = http.StatusForbidden
	case errors.Is(err, domain.ErrRoomFull), errors.Is(err, domain.ErrRoomJoinConflict):
		status = http.StatusConflict
	case domain.IsTransport(err):
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"error": err.Error(),
		"kind":  domain.KindOf(err).String(),
	})
}

func (h *roomHandlers) me(c *gin.Context) {
	pid, ok := participant(c)
	if !ok {
		return
	}
	resp := gin.H{"participant": pid}
	if last, ok := sessions.Default(c).Get(sessionLastRoom).(string); ok {
		resp["last_room"] = last
	}
	c.JSON(http.StatusOK, resp)
}

// POST /api/rooms
func (h *roomHandlers) create(c *gin.Context) {
	pid, ok := participant(c)
	if !ok {
		return
	}
	if !h.creations.Allow(pid) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate_limited"})
		return
	}
	id, err := h.rooms.CreateRoom(c.Request.Context(), pid)
	if err != nil {
		writeError(c, err)
		return
	}
	rememberRoom(c, id)
	c.JSON(http.StatusCreated, gin.H{"room": id, "role": domain.RoleInitiator})
}

// GET /api/rooms/:id
func (h *roomHandlers) get(c *gin.Context) {
	room, err := h.rooms.GetRoom(c.Request.Context(), domain.RoomID(c.Param("id")))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, room)
}

// GET /api/rooms/:id/validate
func (h *roomHandlers) validate(c *gin.Context) {
	pid, ok := participant(c)
	if !ok {
		return
	}
	room, err := h.rooms.ValidateRoom(c.Request.Context(), domain.RoomID(c.Param("id")), pid)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, room)
}

// POST /api/rooms/:id/join
func (h *roomHandlers) join(c *gin.Context) {
	pid, ok := participant(c)
	if !ok {
		return
	}
	id := domain.RoomID(c.Param("id"))
	if _, err := h.rooms.ValidateRoom(c.Request.Context(), id, pid); err != nil {
		writeError(c, err)
		return
	}
	sid, err := h.rooms.JoinRoom(c.Request.Context(), id, pid)
	if err != nil {
		writeError(c, err)
		return
	}
	rememberRoom(c, id)
	c.JSON(http.StatusOK, gin.H{"room": id, "session_id": sid, "role": domain.RoleJoiner})
}

// POST /api/rooms/:id/end
func (h *roomHandlers) end(c *gin.Context) {
	pid, ok := participant(c)
	if !ok {
		return
	}
	var req struct {
		ArtifactRef string `json:"artifact_ref"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
			return
		}
	}
	id := domain.RoomID(c.Param("id"))
	room, err := h.rooms.GetRoom(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	if _, ok := room.RoleOf(pid); !ok {
		c.JSON(http.StatusForbidden, gin.H{"error": "not_a_participant"})
		return
	}
	room, err = h.rooms.EndRoom(c.Request.Context(), id, room.StartedAtMs(), req.ArtifactRef)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, room)
}
