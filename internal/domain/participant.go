package domain

// Participant is a live transport connection registered in a room.
// ID is the connection id assigned by the relay and is never reused.
type Participant struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

const DefaultUsername = "Anonymous"

// ContainsParticipant reports whether id is listed in roster.
func ContainsParticipant(roster []Participant, id string) bool {
	for _, p := range roster {
		if p.ID == id {
			return true
		}
	}
	return false
}
