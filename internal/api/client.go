// Package api consumes the room-storage REST service and maps its wire
// shapes onto domain entities. The service itself is external; only the
// two endpoints the client depends on are covered.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

var ErrSnapshotFetch = errors.New("snapshot fetch failed")

// RoomSnapshot is the REST representation of a room at a point in time.
type RoomSnapshot struct {
	ID                   string           `json:"id"`
	Name                 string           `json:"name"`
	CreatedBy            string           `json:"createdBy"`
	CreatedDate          string           `json:"createdDate"`
	TotalParticipants    int              `json:"totalParticipants"`
	CurrentSelectedStory string           `json:"currentSelectedStory,omitempty"`
	Stories              []ApiStory       `json:"stories"`
	Participants         []ApiParticipant `json:"participants"`
}

type ApiStory struct {
	StoryID       string    `json:"storyId"`
	StoryPoints   string    `json:"storyPoints"`
	Description   string    `json:"description"`
	Status        string    `json:"status"`
	FinalEstimate string    `json:"finalEstimate,omitempty"`
	Votes         []ApiVote `json:"votes,omitempty"`
}

type ApiVote struct {
	ParticipantID string `json:"participantId"`
	Vote          string `json:"vote"`
}

type ApiParticipant struct {
	Name          string `json:"name"`
	ParticipantID string `json:"participantId"`
	Vote          string `json:"vote"`
	Status        string `json:"status"`
}

type CreateRoomRequest struct {
	RoomID    string `json:"roomId"`
	RoomName  string `json:"roomName"`
	CreatedBy string `json:"createdBy"`
}

// Client is a thin HTTP consumer of the room-storage service.
type Client struct {
	base string
	http *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

// FetchRoom retrieves the room snapshot by id. Network failures and
// non-2xx responses surface as ErrSnapshotFetch; there is no retry, the
// caller decides whether to refetch.
func (c *Client) FetchRoom(ctx context.Context, roomID string) (RoomSnapshot, error) {
	u := fmt.Sprintf("%s/getRoomDetails?room_id=%s", c.base, url.QueryEscape(roomID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return RoomSnapshot{}, fmt.Errorf("%w: %v", ErrSnapshotFetch, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		log.Warn().Str("module", "api.client").Str("room", roomID).Err(err).Msg("room fetch failed")
		return RoomSnapshot{}, fmt.Errorf("%w: %v", ErrSnapshotFetch, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		log.Warn().Str("module", "api.client").Str("room", roomID).Int("status", resp.StatusCode).Msg("room fetch bad status")
		return RoomSnapshot{}, fmt.Errorf("%w: status %d", ErrSnapshotFetch, resp.StatusCode)
	}

	var snap RoomSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return RoomSnapshot{}, fmt.Errorf("%w: decode: %v", ErrSnapshotFetch, err)
	}
	return snap, nil
}

// CreateRoom registers a new room and returns its initial snapshot.
func (c *Client) CreateRoom(ctx context.Context, r CreateRoomRequest) (RoomSnapshot, error) {
	body, err := json.Marshal(r)
	if err != nil {
		return RoomSnapshot{}, fmt.Errorf("create room: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/createRoom", strings.NewReader(string(body)))
	if err != nil {
		return RoomSnapshot{}, fmt.Errorf("create room: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return RoomSnapshot{}, fmt.Errorf("create room: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return RoomSnapshot{}, fmt.Errorf("create room: status %d", resp.StatusCode)
	}

	var snap RoomSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return RoomSnapshot{}, fmt.Errorf("create room: decode: %w", err)
	}
	log.Info().Str("module", "api.client").Str("room", snap.ID).Msg("room created")
	return snap, nil
}
