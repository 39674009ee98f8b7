package relay

import "encoding/json"

// Event type identifiers shared by both directions of the collaboration
// socket.
const (
	EventJoin     = "join"
	EventCursor   = "cursorMove"
	EventElement  = "elementUpdate"
	EventActivity = "activity"
	EventPresence = "presenceUpdate"
)

// Participant describes one co-editor inside a room. Identity is
// client-asserted and unauthenticated; the relay performs no verification.
type Participant struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Initials string `json:"initials"`
	Color    string `json:"color"`
	Active   bool   `json:"active"`
}

// ClientEvent is the envelope for client-to-server messages.
type ClientEvent struct {
	Type        string          `json:"type"`
	DocumentID  string          `json:"documentId"`
	Participant *Participant    `json:"participant,omitempty"`
	Active      *bool           `json:"active,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// ServerEvent is the envelope for server-to-client messages.
type ServerEvent struct {
	Type         string          `json:"type"`
	DocumentID   string          `json:"documentId"`
	Participants []Participant   `json:"participants,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}
