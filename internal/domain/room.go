package domain

import "strings"

type (
	RoomID  string
	StoryID string
)

// StoryStatus is the canonical story lifecycle state. The wire uses two
// spellings for the final state ("complete" and "completed"); ParseStatus
// folds both into StatusComplete and the client always emits "complete".
type StoryStatus string

const (
	StatusPending  StoryStatus = "pending"
	StatusVoting   StoryStatus = "votingInProgress"
	StatusComplete StoryStatus = "complete"
)

// ParseStatus maps a wire status onto the canonical enum. Unknown values
// fall back to pending so a malformed story stays usable instead of being
// dropped.
func ParseStatus(s string) StoryStatus {
	switch strings.TrimSpace(s) {
	case "votingInProgress":
		return StatusVoting
	case "complete", "completed":
		return StatusComplete
	default:
		return StatusPending
	}
}

// Vote is one participant's frozen vote on a completed story.
type Vote struct {
	ParticipantID ParticipantID `json:"participantId"`
	Value         string        `json:"vote"`
}

// Story is an estimation unit. Estimate is the pre-assigned story-point
// value when one exists; FinalEstimate is the consensus value frozen when
// the story completes, together with the vote list that produced it.
type Story struct {
	ID            StoryID
	Description   string
	Status        StoryStatus
	Estimate      *int
	FinalEstimate string
	Votes         []Vote
}

// Participant is a named actor in a room. Participants are never removed
// by the client; a disconnect is not a deletion.
type Participant struct {
	ID       ParticipantID
	Name     string
	Initials string
	Voted    bool
	Vote     string
}

// VoteMap holds the votes for the currently active story, keyed by
// participant. Values are string-encoded; "?" is a legal non-numeric vote.
type VoteMap map[ParticipantID]string

// Clone returns an independent copy; views handed outside the engine loop
// must never alias engine-owned state.
func (v VoteMap) Clone() VoteMap {
	out := make(VoteMap, len(v))
	for k, val := range v {
		out[k] = val
	}
	return out
}

// Room is the canonical in-memory room state.
type Room struct {
	ID                RoomID
	Name              string
	CreatedBy         ParticipantID
	CreatedDate       string
	TotalParticipants int
	Stories           []Story
	Participants      []Participant
}

// StoryIndex returns the position of a story by id, or -1.
func (r *Room) StoryIndex(id StoryID) int {
	for i := range r.Stories {
		if r.Stories[i].ID == id {
			return i
		}
	}
	return -1
}

// ParticipantIndex returns the position of a participant by id, or -1.
func (r *Room) ParticipantIndex(id ParticipantID) int {
	for i := range r.Participants {
		if r.Participants[i].ID == id {
			return i
		}
	}
	return -1
}

// Initials derives the avatar initials shown next to a participant name,
// at most two letters, "U" when nothing usable is present.
func Initials(name string) string {
	var b strings.Builder
	for _, part := range strings.Fields(name) {
		r := []rune(part)
		b.WriteString(strings.ToUpper(string(r[0])))
		if b.Len() >= 2 {
			break
		}
	}
	if b.Len() == 0 {
		return "U"
	}
	return b.String()
}
