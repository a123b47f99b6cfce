package converter

import (
	"time"

	"github.com/immxrtalbeast/meshconf/internal/domain"
)

const ServerRunning = "running"

type StatusResponse struct {
	Server string         `json:"server"`
	Rooms  []RoomResponse `json:"rooms"`
}

type RoomResponse struct {
	RoomID    string                `json:"roomId"`
	UserCount int                   `json:"userCount"`
	Users     []ParticipantResponse `json:"users"`
	CreatedAt time.Time             `json:"createdAt"`
}

type ParticipantResponse struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

func StatusToApi(rooms []domain.RoomStatus) *StatusResponse {
	resp := &StatusResponse{
		Server: ServerRunning,
		Rooms:  make([]RoomResponse, 0, len(rooms)),
	}
	for _, r := range rooms {
		resp.Rooms = append(resp.Rooms, RoomToApi(r))
	}
	return resp
}

func RoomToApi(r domain.RoomStatus) RoomResponse {
	return RoomResponse{
		RoomID:    r.RoomID,
		UserCount: len(r.Users),
		Users:     ParticipantsToApi(r.Users),
		CreatedAt: r.CreatedAt,
	}
}

func ParticipantsToApi(ps []domain.Participant) []ParticipantResponse {
	out := make([]ParticipantResponse, 0, len(ps))
	for _, p := range ps {
		out = append(out, ParticipantResponse{ID: p.ID, Username: p.Username})
	}
	return out
}
