package peers

import (
	"sort"
	"time"
)

// Participant is a remote peer observed in the current channel.
type Participant struct {
	ID           PeerID    `json:"id"`
	Capabilities []string  `json:"capabilities,omitempty"`
	Active       bool      `json:"active"`
	JoinedAt     time.Time `json:"joinedAt"`
}

// ParticipantSet is the set of remote participants in a channel, indexed by
// PeerID. It is not safe for concurrent use; the node only touches it from its
// event loop and publishes copies obtained with List.
type ParticipantSet struct {
	ByID map[PeerID]*Participant
}

// NewParticipantSet creates an empty ParticipantSet
func NewParticipantSet() *ParticipantSet {
	return &ParticipantSet{
		ByID: make(map[PeerID]*Participant),
	}
}

// Add inserts a participant if it is not already present. It returns false if
// the participant was already known, in which case nothing is modified.
func (ps *ParticipantSet) Add(id PeerID, capabilities []string, now time.Time) bool {
	if _, ok := ps.ByID[id]; ok {
		return false
	}
	ps.ByID[id] = &Participant{
		ID:           id,
		Capabilities: capabilities,
		JoinedAt:     now,
	}
	return true
}

// Remove deletes a participant. It returns false if it was not present.
func (ps *ParticipantSet) Remove(id PeerID) bool {
	if _, ok := ps.ByID[id]; !ok {
		return false
	}
	delete(ps.ByID, id)
	return true
}

// Has returns true if the participant is listed
func (ps *ParticipantSet) Has(id PeerID) bool {
	_, ok := ps.ByID[id]
	return ok
}

// SetActive flags a participant as having, or not having, a live connection.
// It returns true if the flag changed.
func (ps *ParticipantSet) SetActive(id PeerID, active bool) bool {
	p, ok := ps.ByID[id]
	if !ok || p.Active == active {
		return false
	}
	p.Active = active
	return true
}

// Len returns the number of participants
func (ps *ParticipantSet) Len() int {
	return len(ps.ByID)
}

// Clear removes all participants
func (ps *ParticipantSet) Clear() {
	ps.ByID = make(map[PeerID]*Participant)
}

// List returns a copy of the participants sorted by ID.
func (ps *ParticipantSet) List() []Participant {
	res := make([]Participant, 0, len(ps.ByID))
	for _, p := range ps.ByID {
		cp := *p
		cp.Capabilities = append([]string(nil), p.Capabilities...)
		res = append(res, cp)
	}
	sort.Slice(res, func(i, j int) bool {
		return res[i].ID < res[j].ID
	})
	return res
}
