package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/sprintsync/internal/protocol"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Controller owns the WebSocket side of the relay: one read pump and one
// write pump per socket, actions applied to the store, events fanned out
// through the hub.
type Controller struct {
	store *Store
	hub   *Hub
}

func NewController(store *Store, hub *Hub) *Controller {
	return &Controller{store: store, hub: hub}
}

func (ctl *Controller) HandleWS(ctx context.Context, c *gin.Context) {
	sid := c.GetString("client_token")
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Str("module", "relay.ws").Err(err).Msg("upgrade failed")
		return
	}
	log.Info().Str("module", "relay.ws").Str("sid", sid).Msg("socket connected")

	client := newWSClient(ws)
	ctx, cancel := context.WithCancel(ctx)

	go ctl.writePump(ctx, client)
	go ctl.readPump(ctx, cancel, sid, client)
}

func (ctl *Controller) writePump(ctx context.Context, c *wsClient) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Warn().Str("module", "relay.ws").Err(err).Msg("write failed")
				return
			}
		}
	}
}

func (ctl *Controller) readPump(ctx context.Context, cancel context.CancelFunc, sid string, c *wsClient) {
	defer func() {
		ctl.hub.Leave(c)
		c.close()
		cancel()
		log.Info().Str("module", "relay.ws").Str("sid", sid).Msg("socket closed")
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				return
			}
			ctl.handleFrame(sid, c, data)
		}
	}
}

func (ctl *Controller) handleFrame(sid string, c *wsClient, data []byte) {
	var msg protocol.ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Warn().Str("module", "relay.ws").Str("sid", sid).Err(err).Msg("bad frame")
		return
	}

	switch msg.Action {
	case protocol.ActionConnectSocket:
		ctl.handleConnect(c, msg.Body)
	case protocol.ActionParticipantAdded:
		ctl.handleParticipantAdded(c, msg.Body)
	case protocol.ActionDisconnectSocket:
		ctl.hub.Leave(c)
	case protocol.ActionAddStory:
		ctl.handleAddStory(c, msg.Body)
	case protocol.ActionStartVoting:
		ctl.handleStartVoting(c, msg.Body)
	case protocol.ActionNextStory:
		ctl.handleNextStory(c, msg.Body)
	case protocol.ActionParticipantVoted:
		ctl.handleVote(c, msg.Body)
	case protocol.ActionHeartbeat:
		ctl.handleHeartbeat(c, msg.Body)
	default:
		log.Warn().Str("module", "relay.ws").Str("action", msg.Action).Msg("unknown action")
	}
}

func (ctl *Controller) handleConnect(c *wsClient, raw json.RawMessage) {
	var body protocol.ConnectBody
	if err := json.Unmarshal(raw, &body); err != nil {
		log.Warn().Str("module", "relay.ws").Err(err).Msg("bad connect body")
		return
	}
	ctl.hub.Join(body.RoomID, c)
	log.Info().Str("module", "relay.ws").Str("room", body.RoomID).Str("participant", body.ParticipantID).Msg("joined room")
}

func (ctl *Controller) handleParticipantAdded(c *wsClient, raw json.RawMessage) {
	var body protocol.ParticipantBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return
	}
	if body.RoomID == "" {
		body.RoomID = c.room()
	}
	if err := ctl.store.AddParticipant(body.RoomID, body); err != nil {
		log.Warn().Str("module", "relay.ws").Str("room", body.RoomID).Err(err).Msg("participant add failed")
		return
	}
	ctl.hub.Broadcast(body.RoomID, protocol.EventParticipantAdded, body)
}

func (ctl *Controller) handleAddStory(c *wsClient, raw json.RawMessage) {
	var body protocol.AddStoryBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return
	}
	if err := ctl.store.AddStory(body.RoomID, body.Story); err != nil {
		log.Warn().Str("module", "relay.ws").Str("room", body.RoomID).Err(err).Msg("story add failed")
		return
	}
	ctl.hub.Broadcast(body.RoomID, protocol.EventStoryAdded, body.Story)
}

func (ctl *Controller) handleStartVoting(c *wsClient, raw json.RawMessage) {
	var body protocol.StartVotingBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return
	}
	votes, err := ctl.store.SetStatus(body.RoomID, body.StoryID, body.Status)
	if err != nil {
		log.Warn().Str("module", "relay.ws").Str("room", body.RoomID).Err(err).Msg("status change failed")
		return
	}
	ctl.hub.Broadcast(body.RoomID, protocol.EventStoryStatusUpdated, protocol.StoryStatusBody{
		StoryID: body.StoryID,
		Status:  body.Status,
		Votes:   votes,
	})
}

func (ctl *Controller) handleNextStory(c *wsClient, raw json.RawMessage) {
	var body protocol.NextStoryBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return
	}
	if err := ctl.store.SetCurrent(body.RoomID, body.NextStoryID); err != nil {
		log.Warn().Str("module", "relay.ws").Str("room", body.RoomID).Err(err).Msg("select failed")
		return
	}
	ctl.hub.Broadcast(body.RoomID, protocol.EventCurrentStoryUpdated, protocol.CurrentStoryBody{
		CurrentSelectedStory: body.NextStoryID,
	})
}

func (ctl *Controller) handleVote(c *wsClient, raw json.RawMessage) {
	var body protocol.VoteBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return
	}
	if body.RoomID == "" {
		body.RoomID = c.room()
	}
	if err := ctl.store.Vote(body.RoomID, body); err != nil {
		log.Warn().Str("module", "relay.ws").Str("room", body.RoomID).Err(err).Msg("vote failed")
		return
	}
	ctl.hub.Broadcast(body.RoomID, protocol.EventVoteUpdated, body)
}

// handleHeartbeat echoes to the sender only; other clients have their
// own timers.
func (ctl *Controller) handleHeartbeat(c *wsClient, raw json.RawMessage) {
	var body protocol.HeartbeatBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return
	}
	msg := protocol.NewServerMessage(protocol.EventHeartbeat, body)
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	_ = c.trySend(data)
}
