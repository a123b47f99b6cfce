package http

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/immxrtalbeast/meshconf/internal/api/http/converter"
	"github.com/immxrtalbeast/meshconf/internal/repository"
	"github.com/immxrtalbeast/meshconf/internal/service"
	"github.com/immxrtalbeast/meshconf/lib/logger/sl"
)

type RoomController struct {
	relay service.RelayInteractor
	log   *slog.Logger
}

func NewRoomController(relay service.RelayInteractor, log *slog.Logger) *RoomController {
	if log == nil {
		log = slog.Default()
	}
	return &RoomController{relay: relay, log: log}
}

// Status reports every live room with its roster.
func (c *RoomController) Status(ctx *gin.Context) {
	rooms, err := c.relay.Rooms(ctx.Request.Context())
	if err != nil {
		c.log.Error("failed to list rooms", sl.Err(err))
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	ctx.JSON(http.StatusOK, converter.StatusToApi(rooms))
}

func (c *RoomController) GetRoom(ctx *gin.Context) {
	roomID := ctx.Param("roomID")
	if roomID == "" {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "invalid room id"})
		return
	}

	users, err := c.relay.Roster(ctx.Request.Context(), roomID)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, repository.ErrRoomNotFound) {
			status = http.StatusNotFound
		}
		ctx.JSON(status, gin.H{"error": err.Error()})
		return
	}

	ctx.JSON(http.StatusOK, gin.H{
		"roomId":    roomID,
		"userCount": len(users),
		"users":     converter.ParticipantsToApi(users),
	})
}
