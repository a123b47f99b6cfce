package repository

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/immxrtalbeast/meshconf/internal/domain"
)

var (
	ErrRoomNotFound        = errors.New("room not found")
	ErrParticipantNotFound = errors.New("participant not found")
	ErrInvalidRoomID       = errors.New("room id is required")
	ErrInvalidConnection   = errors.New("connection id is required")
)

type InMemoryRoomRegistry struct {
	mu     sync.RWMutex
	rooms  map[string]*domain.Room
	byConn map[string]string
}

func NewInMemoryRoomRegistry() *InMemoryRoomRegistry {
	return &InMemoryRoomRegistry{
		rooms:  make(map[string]*domain.Room),
		byConn: make(map[string]string),
	}
}

func (r *InMemoryRoomRegistry) Join(ctx context.Context, connectionID, roomID, username string) ([]domain.Participant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if connectionID == "" {
		return nil, ErrInvalidConnection
	}
	if roomID == "" {
		return nil, ErrInvalidRoomID
	}
	if username == "" {
		username = domain.DefaultUsername
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// A connection belongs to one room at a time.
	if prev, ok := r.byConn[connectionID]; ok && prev != roomID {
		r.removeLocked(connectionID, prev)
	}

	room, ok := r.rooms[roomID]
	if !ok {
		room = domain.NewRoom(roomID)
		r.rooms[roomID] = room
	}

	room.Add(domain.Participant{ID: connectionID, Username: username})
	r.byConn[connectionID] = roomID

	return room.Roster(), nil
}

func (r *InMemoryRoomRegistry) Leave(ctx context.Context, connectionID string) (*Departure, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	roomID, ok := r.byConn[connectionID]
	if !ok {
		return nil, ErrParticipantNotFound
	}

	return r.removeLocked(connectionID, roomID), nil
}

func (r *InMemoryRoomRegistry) RosterOf(ctx context.Context, roomID string) ([]domain.Participant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	room, ok := r.rooms[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}

	return room.Roster(), nil
}

func (r *InMemoryRoomRegistry) RoomOf(ctx context.Context, connectionID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	roomID, ok := r.byConn[connectionID]
	if !ok {
		return "", ErrParticipantNotFound
	}
	return roomID, nil
}

func (r *InMemoryRoomRegistry) List(ctx context.Context) ([]domain.RoomStatus, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.RoomStatus, 0, len(r.rooms))
	for _, room := range r.rooms {
		result = append(result, domain.RoomStatus{
			RoomID:    room.ID,
			Users:     room.Roster(),
			CreatedAt: room.CreatedAt,
		})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].RoomID < result[j].RoomID })
	return result, nil
}

func (r *InMemoryRoomRegistry) removeLocked(connectionID, roomID string) *Departure {
	delete(r.byConn, connectionID)

	dep := &Departure{RoomID: roomID}

	room, ok := r.rooms[roomID]
	if !ok {
		dep.RoomDeleted = true
		return dep
	}

	dep.Participant, _ = room.Remove(connectionID)
	dep.Remaining = room.Roster()
	if room.IsEmpty() {
		delete(r.rooms, roomID)
		dep.RoomDeleted = true
	}
	return dep
}
