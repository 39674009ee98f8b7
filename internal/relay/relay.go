// Package relay manages per-document collaboration rooms and fans presence,
// cursor and edit events out to co-editors over persistent connections.
package relay

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"
)

// Conn is the connection handle a room member is reachable through. Queue
// must enqueue without blocking and report false when the peer is congested;
// Kick tears the connection down.
type Conn interface {
	Queue(event *ServerEvent) bool
	Kick()
}

type member struct {
	participant Participant
	conn        Conn
}

// room holds the ordered member set for one document. Members are unique by
// participant id; rejoining with the same id replaces the record in place.
type room struct {
	members []*member
}

func (r *room) indexByParticipantID(id string) int {
	for i, m := range r.members {
		if m.participant.ID == id {
			return i
		}
	}
	return -1
}

func (r *room) indexByConn(conn Conn) int {
	for i, m := range r.members {
		if m.conn == conn {
			return i
		}
	}
	return -1
}

func (r *room) participants() []Participant {
	list := make([]Participant, len(r.members))
	for i, m := range r.members {
		list[i] = m.participant
	}
	return list
}

// Relay owns every collaboration room, keyed by document id. All membership
// mutation happens under one mutex so presence updates stay atomic.
type Relay struct {
	mu     sync.Mutex
	rooms  map[string]*room
	logger *zap.Logger
}

// New constructs a Relay.
func New(logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{
		rooms:  make(map[string]*room),
		logger: logger,
	}
}

// Join inserts the participant into the document's room, replacing any prior
// record with the same participant id, and broadcasts the full presence list
// to every member including the joiner. The room is created on first join.
func (r *Relay) Join(documentID string, participant Participant, conn Conn) {
	r.mu.Lock()
	current, ok := r.rooms[documentID]
	if !ok {
		current = &room{}
		r.rooms[documentID] = current
	}

	joined := &member{participant: participant, conn: conn}
	if i := current.indexByParticipantID(participant.ID); i >= 0 {
		// Rejoin keeps the member's position; only the record and the
		// connection handle are replaced.
		current.members[i] = joined
	} else {
		current.members = append(current.members, joined)
	}

	targets, event := r.presenceEventLocked(documentID, current)
	r.mu.Unlock()

	r.logger.Debug("participant joined",
		zap.String("document_id", documentID),
		zap.String("participant_id", participant.ID))
	deliverReliable(targets, event)
}

// CursorMove fans the payload out to every other room member on a
// best-effort basis: congested peers are skipped silently and nothing ever
// blocks other traffic.
func (r *Relay) CursorMove(documentID string, sender Conn, payload json.RawMessage) {
	targets := r.peersOf(documentID, sender)
	event := &ServerEvent{Type: EventCursor, DocumentID: documentID, Payload: payload}
	for _, target := range targets {
		// Drop on congestion; cursor traffic is low-value and high-frequency.
		_ = target.Queue(event)
	}
}

// ElementUpdate fans the payload out to every other room member reliably and
// in the order this sender produced updates. A peer too congested to accept
// the update is kicked rather than allowed to observe a gap; no ordering
// guarantee holds across different senders.
func (r *Relay) ElementUpdate(documentID string, sender Conn, payload json.RawMessage) {
	targets := r.peersOf(documentID, sender)
	event := &ServerEvent{Type: EventElement, DocumentID: documentID, Payload: payload}
	deliverReliable(targets, event)
}

// SetActivity flips the active flag on the participant owning the given
// connection handle and rebroadcasts the presence list. Matching by handle
// rather than declared id prevents one client from toggling another live
// participant's flag.
func (r *Relay) SetActivity(documentID string, conn Conn, active bool) {
	r.mu.Lock()
	current, ok := r.rooms[documentID]
	if !ok {
		r.mu.Unlock()
		return
	}
	i := current.indexByConn(conn)
	if i < 0 {
		r.mu.Unlock()
		return
	}
	current.members[i].participant.Active = active

	targets, event := r.presenceEventLocked(documentID, current)
	r.mu.Unlock()

	deliverReliable(targets, event)
}

// Disconnect removes the connection's participant from every room it appears
// in and rebroadcasts the updated presence list to each affected room. Rooms
// left empty are pruned.
func (r *Relay) Disconnect(conn Conn) {
	type pending struct {
		targets []Conn
		event   *ServerEvent
	}
	var broadcasts []pending

	r.mu.Lock()
	for documentID, current := range r.rooms {
		i := current.indexByConn(conn)
		if i < 0 {
			continue
		}
		participantID := current.members[i].participant.ID
		current.members = append(current.members[:i], current.members[i+1:]...)

		if len(current.members) == 0 {
			delete(r.rooms, documentID)
		} else {
			targets, event := r.presenceEventLocked(documentID, current)
			broadcasts = append(broadcasts, pending{targets: targets, event: event})
		}

		r.logger.Debug("participant disconnected",
			zap.String("document_id", documentID),
			zap.String("participant_id", participantID))
	}
	r.mu.Unlock()

	for _, b := range broadcasts {
		deliverReliable(b.targets, b.event)
	}
}

// Participants returns the current presence list for a document, in join
// order. An unknown document yields an empty list.
func (r *Relay) Participants(documentID string) []Participant {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.rooms[documentID]
	if !ok {
		return nil
	}
	return current.participants()
}

// RoomCount reports the number of live rooms.
func (r *Relay) RoomCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

func (r *Relay) presenceEventLocked(documentID string, current *room) ([]Conn, *ServerEvent) {
	targets := make([]Conn, len(current.members))
	for i, m := range current.members {
		targets[i] = m.conn
	}
	event := &ServerEvent{
		Type:         EventPresence,
		DocumentID:   documentID,
		Participants: current.participants(),
	}
	return targets, event
}

// peersOf snapshots every member of the room except the sender.
func (r *Relay) peersOf(documentID string, sender Conn) []Conn {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.rooms[documentID]
	if !ok {
		return nil
	}
	peers := make([]Conn, 0, len(current.members))
	for _, m := range current.members {
		if m.conn != sender {
			peers = append(peers, m.conn)
		}
	}
	return peers
}

func deliverReliable(targets []Conn, event *ServerEvent) {
	for _, target := range targets {
		if !target.Queue(event) {
			target.Kick()
		}
	}
}
