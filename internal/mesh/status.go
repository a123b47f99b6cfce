package mesh

import "github.com/immxrtalbeast/meshconf/internal/domain"

// Status is a point-in-time view of the coordinator, safe to read from any
// goroutine.
type Status struct {
	SelfID string               `json:"selfId"`
	RoomID string               `json:"roomId"`
	Joined bool                 `json:"joined"`
	Roster []domain.Participant `json:"roster"`
	Links  []LinkStatus         `json:"links"`
}

type LinkStatus struct {
	PeerID   string    `json:"peerId"`
	Username string    `json:"username"`
	Role     Role      `json:"role"`
	State    LinkState `json:"state"`
	Streams  int       `json:"streams"`
	Healthy  bool      `json:"healthy"`
}

func (s Status) clone() Status {
	s.Roster = append([]domain.Participant(nil), s.Roster...)
	s.Links = append([]LinkStatus(nil), s.Links...)
	return s
}

// Link returns the status of the link to peerID.
func (s Status) Link(peerID string) (LinkStatus, bool) {
	for _, l := range s.Links {
		if l.PeerID == peerID {
			return l, true
		}
	}
	return LinkStatus{}, false
}

// Healthy counts links that carry media.
func (s Status) Healthy() int {
	n := 0
	for _, l := range s.Links {
		if l.Healthy {
			n++
		}
	}
	return n
}
