package models

// Group is a conversation addressed by its own routing token. Members holds the
// routing tokens of the other participants.
type Group struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Members []string `json:"members"`
}

// HasMember reports whether token participates in the group.
func (g Group) HasMember(token string) bool {
	for _, member := range g.Members {
		if member == token {
			return true
		}
	}
	return false
}

// Clone returns a copy that shares no memory with g.
func (g Group) Clone() Group {
	g.Members = append([]string(nil), g.Members...)
	return g
}
