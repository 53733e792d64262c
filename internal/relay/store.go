// Package relay is the development relay: an in-memory stand-in for the
// hosted room service, speaking the same REST endpoints and WebSocket
// action/event frames. State is process-local and lost on restart.
package relay

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/sprintsync/internal/api"
	"github.com/dkeye/sprintsync/internal/domain"
	"github.com/dkeye/sprintsync/internal/protocol"
)

var (
	ErrRoomExists   = errors.New("room already exists")
	ErrRoomNotFound = errors.New("room not found")
)

// Store holds every room the relay knows about. Rooms are stored in the
// wire shape so snapshots serialize without translation.
type Store struct {
	mu    sync.RWMutex
	rooms map[string]*api.RoomSnapshot
}

func NewStore() *Store {
	return &Store{rooms: make(map[string]*api.RoomSnapshot)}
}

// CreateRoom registers an empty room. The creator joins like everyone
// else, through the socket announcement.
func (s *Store) CreateRoom(req api.CreateRoomRequest) (api.RoomSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[req.RoomID]; ok {
		return api.RoomSnapshot{}, ErrRoomExists
	}
	snap := &api.RoomSnapshot{
		ID:           req.RoomID,
		Name:         req.RoomName,
		CreatedBy:    req.CreatedBy,
		CreatedDate:  time.Now().UTC().Format(time.RFC3339),
		Stories:      []api.ApiStory{},
		Participants: []api.ApiParticipant{},
	}
	s.rooms[req.RoomID] = snap
	log.Info().Str("module", "relay.store").Str("room", req.RoomID).Msg("room created")
	return copySnapshot(snap), nil
}

// Get returns a detached copy of the room snapshot.
func (s *Store) Get(roomID string) (api.RoomSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.rooms[roomID]
	if !ok {
		return api.RoomSnapshot{}, ErrRoomNotFound
	}
	return copySnapshot(snap), nil
}

func (s *Store) AddStory(roomID string, story protocol.StoryPayload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.rooms[roomID]
	if !ok {
		return ErrRoomNotFound
	}
	for _, st := range snap.Stories {
		if st.StoryID == story.StoryID {
			return nil
		}
	}
	snap.Stories = append(snap.Stories, api.ApiStory{
		StoryID:     story.StoryID,
		Description: story.Description,
		Status:      story.Status,
		StoryPoints: story.StoryPoints,
	})
	return nil
}

// AddParticipant upserts a participant announcement.
func (s *Store) AddParticipant(roomID string, p protocol.ParticipantBody) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.rooms[roomID]
	if !ok {
		return ErrRoomNotFound
	}
	for i := range snap.Participants {
		if snap.Participants[i].ParticipantID == p.ParticipantID {
			snap.Participants[i].Name = p.Name
			return nil
		}
	}
	snap.Participants = append(snap.Participants, api.ApiParticipant{
		Name:          p.Name,
		ParticipantID: p.ParticipantID,
	})
	snap.TotalParticipants = len(snap.Participants)
	return nil
}

// SetStatus moves a story through its lifecycle. Completing a story
// freezes the votes collected so far and returns them for the broadcast;
// starting a round clears participant vote marks.
func (s *Store) SetStatus(roomID, storyID, status string) ([]protocol.VoteEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.rooms[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	idx := storyIndex(snap, storyID)
	if idx == -1 {
		return nil, ErrRoomNotFound
	}
	canonical := string(domain.ParseStatus(status))
	snap.Stories[idx].Status = canonical

	switch domain.ParseStatus(status) {
	case domain.StatusComplete:
		votes := make([]protocol.VoteEntry, 0, len(snap.Participants))
		frozen := make([]api.ApiVote, 0, len(snap.Participants))
		for _, p := range snap.Participants {
			if p.Status == "voted" {
				votes = append(votes, protocol.VoteEntry{ParticipantID: p.ParticipantID, Vote: p.Vote})
				frozen = append(frozen, api.ApiVote{ParticipantID: p.ParticipantID, Vote: p.Vote})
			}
		}
		snap.Stories[idx].Votes = frozen
		return votes, nil
	case domain.StatusVoting:
		for i := range snap.Participants {
			snap.Participants[i].Status = ""
			snap.Participants[i].Vote = ""
		}
		snap.Stories[idx].Votes = nil
	}
	return nil, nil
}

// Vote records a participant's vote on a story.
func (s *Store) Vote(roomID string, v protocol.VoteBody) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.rooms[roomID]
	if !ok {
		return ErrRoomNotFound
	}
	for i := range snap.Participants {
		if snap.Participants[i].ParticipantID == v.ParticipantID {
			snap.Participants[i].Status = "voted"
			snap.Participants[i].Vote = v.Vote
			return nil
		}
	}
	return nil
}

// SetCurrent records which story the room is on, so late joiners land in
// the right place.
func (s *Store) SetCurrent(roomID, storyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.rooms[roomID]
	if !ok {
		return ErrRoomNotFound
	}
	if storyIndex(snap, storyID) == -1 {
		return ErrRoomNotFound
	}
	snap.CurrentSelectedStory = storyID
	return nil
}

func storyIndex(snap *api.RoomSnapshot, storyID string) int {
	for i := range snap.Stories {
		if snap.Stories[i].StoryID == storyID {
			return i
		}
	}
	return -1
}

func copySnapshot(snap *api.RoomSnapshot) api.RoomSnapshot {
	out := *snap
	out.Stories = make([]api.ApiStory, len(snap.Stories))
	copy(out.Stories, snap.Stories)
	for i := range out.Stories {
		out.Stories[i].Votes = append([]api.ApiVote(nil), snap.Stories[i].Votes...)
	}
	out.Participants = append([]api.ApiParticipant(nil), snap.Participants...)
	return out
}
