package domain

import "time"

// Room is an ordered set of participants. Insertion order is join order and
// no connection id appears twice.
type Room struct {
	ID           string
	Participants []Participant
	CreatedAt    time.Time
}

func NewRoom(id string) *Room {
	return &Room{
		ID:        id,
		CreatedAt: time.Now().UTC(),
	}
}

// Add appends p unless its connection id is already present. It reports
// whether the roster changed.
func (r *Room) Add(p Participant) bool {
	if r.indexOf(p.ID) >= 0 {
		return false
	}
	r.Participants = append(r.Participants, p)
	return true
}

// Remove drops the participant with the given connection id.
func (r *Room) Remove(id string) (Participant, bool) {
	i := r.indexOf(id)
	if i < 0 {
		return Participant{}, false
	}
	p := r.Participants[i]
	r.Participants = append(r.Participants[:i:i], r.Participants[i+1:]...)
	return p, true
}

func (r *Room) IsEmpty() bool {
	return len(r.Participants) == 0
}

// Roster returns a copy of the participant list.
func (r *Room) Roster() []Participant {
	out := make([]Participant, len(r.Participants))
	copy(out, r.Participants)
	return out
}

func (r *Room) indexOf(id string) int {
	for i, p := range r.Participants {
		if p.ID == id {
			return i
		}
	}
	return -1
}

// RoomStatus is the read-only view of a room reported by the status query.
type RoomStatus struct {
	RoomID    string
	Users     []Participant
	CreatedAt time.Time
}
