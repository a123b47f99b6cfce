package repository

import (
	"context"

	"github.com/immxrtalbeast/meshconf/internal/domain"
)

// RoomRegistry tracks which connection sits in which room. It never emits
// messages; callers decide what to broadcast.
type RoomRegistry interface {
	// Join adds connectionID to roomID and returns the full roster. Joining
	// the same room twice does not duplicate the participant.
	Join(ctx context.Context, connectionID, roomID, username string) ([]domain.Participant, error)
	// Leave removes connectionID from its room and returns the departure.
	// It fails with ErrParticipantNotFound if the connection is not registered.
	Leave(ctx context.Context, connectionID string) (*Departure, error)
	RosterOf(ctx context.Context, roomID string) ([]domain.Participant, error)
	RoomOf(ctx context.Context, connectionID string) (string, error)
	List(ctx context.Context) ([]domain.RoomStatus, error)
}

// Departure describes a completed Leave.
type Departure struct {
	RoomID      string
	Participant domain.Participant
	Remaining   []domain.Participant
	RoomDeleted bool
}
