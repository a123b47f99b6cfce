package service

import (
	"context"

	"github.com/immxrtalbeast/meshconf/internal/domain"
)

type RelayInteractor interface {
	Connect(ctx context.Context) *domain.Peer
	Disconnect(ctx context.Context, peerID string) error
	HandleSignal(ctx context.Context, peerID string, message *domain.SignalMessage) error
	Rooms(ctx context.Context) ([]domain.RoomStatus, error)
	Roster(ctx context.Context, roomID string) ([]domain.Participant, error)
}
