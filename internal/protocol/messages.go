// Package protocol defines the JSON frames exchanged with the room relay.
// Outbound frames carry an action, inbound frames carry an event; both wrap
// an opaque body that each side decodes by name.
package protocol

import "encoding/json"

// Outbound actions.
const (
	ActionConnectSocket    = "connectSocket"
	ActionParticipantAdded = "participantAdded"
	ActionDisconnectSocket = "disconnectSocket"
	ActionAddStory         = "addStory"
	ActionStartVoting      = "startVoting"
	ActionNextStory        = "nextStory"
	ActionParticipantVoted = "participantVoted"
	ActionHeartbeat        = "heartbeat"
)

// Inbound events.
const (
	EventStoryAdded          = "storyAdded"
	EventParticipantAdded    = "participantAdded"
	EventStorySelected       = "storySelected"
	EventStoryStatusUpdated  = "storyStatusUpdated"
	EventVoteUpdated         = "voteUpdated"
	EventCurrentStoryUpdated = "currentStoryUpdated"
	EventHeartbeat           = "heartbeat"
)

// ClientMessage is a client-to-relay frame.
type ClientMessage struct {
	Action string          `json:"action"`
	Body   json.RawMessage `json:"body"`
}

// ServerMessage is a relay-to-client frame.
type ServerMessage struct {
	Event string          `json:"event"`
	Body  json.RawMessage `json:"body"`
}

// Equal reports whether two inbound frames carry the same event and body.
// Used as the adjacent-redelivery filter; the relay provides no sequence
// numbers, so this is a best-effort guard, not exactly-once.
func (m ServerMessage) Equal(o ServerMessage) bool {
	if m.Event != o.Event || len(m.Body) != len(o.Body) {
		return false
	}
	return string(m.Body) == string(o.Body)
}

type ConnectBody struct {
	RoomID        string `json:"roomId"`
	ParticipantID string `json:"participantId"`
}

type DisconnectBody struct {
	ParticipantID string `json:"participantId"`
}

type ParticipantBody struct {
	Name          string `json:"name"`
	ParticipantID string `json:"participantId"`
	RoomID        string `json:"roomId,omitempty"`
	Status        string `json:"status,omitempty"`
	Vote          string `json:"vote,omitempty"`
}

type StoryPayload struct {
	Description string `json:"description"`
	Status      string `json:"status"`
	StoryID     string `json:"storyId"`
	StoryPoints string `json:"storyPoints"`
}

type AddStoryBody struct {
	RoomID string       `json:"roomId"`
	Story  StoryPayload `json:"story"`
}

type StartVotingBody struct {
	RoomID  string `json:"roomId"`
	StoryID string `json:"storyId"`
	Status  string `json:"status"`
}

type NextStoryBody struct {
	RoomID      string `json:"roomId"`
	NextStoryID string `json:"nextStoryId"`
}

type VoteBody struct {
	RoomID        string `json:"roomId,omitempty"`
	StoryID       string `json:"storyId"`
	ParticipantID string `json:"participantId"`
	Vote          string `json:"vote"`
}

type HeartbeatBody struct {
	RoomID    string `json:"roomId"`
	Timestamp int64  `json:"timestamp"`
}

// VoteEntry is one (participant, vote) pair frozen on a completed story.
type VoteEntry struct {
	ParticipantID string `json:"participantId"`
	Vote          string `json:"vote"`
}

type StorySelectedBody struct {
	StoryID string `json:"storyId"`
}

type StoryStatusBody struct {
	StoryID     string      `json:"storyId"`
	Status      string      `json:"status"`
	StoryPoints string      `json:"storyPoints,omitempty"`
	Votes       []VoteEntry `json:"votes,omitempty"`
}

type CurrentStoryBody struct {
	CurrentSelectedStory string `json:"currentSelectedStory"`
}

// DecodeBody unmarshals a frame body into a typed struct. A nil body
// decodes as the zero value.
func DecodeBody(raw json.RawMessage, into any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, into)
}

// NewClientMessage marshals body into an outbound frame. Marshal failures
// cannot happen for the body types above, so they are swallowed into an
// empty body rather than propagated.
func NewClientMessage(action string, body any) ClientMessage {
	raw, err := json.Marshal(body)
	if err != nil {
		raw = []byte("{}")
	}
	return ClientMessage{Action: action, Body: raw}
}

// NewServerMessage marshals body into an inbound frame. Used by the dev
// relay and by tests.
func NewServerMessage(event string, body any) ServerMessage {
	raw, err := json.Marshal(body)
	if err != nil {
		raw = []byte("{}")
	}
	return ServerMessage{Event: event, Body: raw}
}
