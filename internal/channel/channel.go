// Package channel manages the single WebSocket connection a room
// subscription holds against the relay. It owns all transport state; no
// other component touches the socket. There is no automatic reconnect:
// whoever holds the subscription re-invokes Open.
package channel

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/sprintsync/internal/domain"
	"github.com/dkeye/sprintsync/internal/protocol"
)

var ErrNotConnected = errors.New("channel not connected")

const writeWait = 5 * time.Second

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateOpen         State = "open"
	StateClosing      State = "closing"
)

// Signal is what the subscriber receives: a state transition, or an
// inbound relay event together with the state it arrived in. Heartbeat
// echoes are filtered before this point and never surface.
type Signal struct {
	State State
	Event *protocol.ServerMessage
}

type Options struct {
	URL             string
	HeartbeatPeriod time.Duration
	MaxConnAge      time.Duration
	ReadLimit       int64
}

// Channel is one relay connection per (room, identity) pair.
type Channel struct {
	opts   Options
	dialer *websocket.Dialer

	mu        sync.Mutex
	state     State
	conn      *websocket.Conn
	roomID    domain.RoomID
	announced bool
	openedAt  time.Time
	gen       int // connection generation; stale pumps bail out

	inbound chan Signal
}

func New(opts Options) *Channel {
	if opts.HeartbeatPeriod <= 0 {
		opts.HeartbeatPeriod = 8 * time.Minute
	}
	if opts.MaxConnAge <= 0 {
		opts.MaxConnAge = 90 * time.Minute
	}
	return &Channel{
		opts:    opts,
		dialer:  websocket.DefaultDialer,
		state:   StateDisconnected,
		inbound: make(chan Signal, 64),
	}
}

// Inbound is the stream of state transitions and relay events.
func (c *Channel) Inbound() <-chan Signal { return c.inbound }

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Open dials the relay for roomID. Opening the room that is already open
// is a no-op; opening a different room tears down the current connection
// first. The dial itself is asynchronous; the subscriber observes the
// Connecting -> Open (or Disconnected) transitions on Inbound.
func (c *Channel) Open(roomID domain.RoomID) {
	c.mu.Lock()
	if c.state == StateOpen && c.roomID == roomID {
		c.mu.Unlock()
		log.Debug().Str("module", "channel").Str("room", string(roomID)).Msg("already connected, ignoring open")
		return
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.gen++
	gen := c.gen
	c.roomID = roomID
	c.state = StateConnecting
	c.mu.Unlock()

	c.deliver(Signal{State: StateConnecting})
	go c.dial(gen, roomID)
}

func (c *Channel) dial(gen int, roomID domain.RoomID) {
	ws, _, err := c.dialer.Dial(c.opts.URL, nil)

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		if ws != nil {
			_ = ws.Close()
		}
		return
	}
	if err != nil {
		c.state = StateDisconnected
		c.mu.Unlock()
		log.Warn().Str("module", "channel").Str("room", string(roomID)).Err(err).Msg("dial failed")
		c.deliver(Signal{State: StateDisconnected})
		return
	}
	if c.opts.ReadLimit > 0 {
		ws.SetReadLimit(c.opts.ReadLimit)
	}
	c.conn = ws
	c.state = StateOpen
	c.announced = false
	c.openedAt = time.Now()
	c.mu.Unlock()

	log.Info().Str("module", "channel").Str("room", string(roomID)).Msg("connected")
	c.deliver(Signal{State: StateOpen})

	go c.readLoop(gen, ws)
	go c.heartbeatLoop(gen, roomID)
}

// readLoop decodes inbound frames and forwards them. Heartbeat echoes
// are dropped here. On read error the connection is done; the subscriber
// sees a Disconnected signal and may re-Open.
func (c *Channel) readLoop(gen int, ws *websocket.Conn) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			c.markDisconnected(gen, err)
			return
		}
		var msg protocol.ServerMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Warn().Str("module", "channel").Err(err).Msg("bad inbound frame, dropped")
			continue
		}
		if msg.Event == protocol.EventHeartbeat {
			log.Debug().Str("module", "channel").Msg("heartbeat echo filtered")
			continue
		}
		c.deliver(Signal{State: StateOpen, Event: &msg})
	}
}

// heartbeatLoop keeps the relay connection warm. It stops once the
// connection outlives MaxConnAge so an abandoned tab analog cannot ping
// forever; the connection itself stays up until the relay drops it.
func (c *Channel) heartbeatLoop(gen int, roomID domain.RoomID) {
	ticker := time.NewTicker(c.opts.HeartbeatPeriod)
	defer ticker.Stop()
	for range ticker.C {
		c.mu.Lock()
		stale := gen != c.gen || c.state != StateOpen
		expired := time.Since(c.openedAt) > c.opts.MaxConnAge
		c.mu.Unlock()
		if stale {
			return
		}
		if expired {
			log.Info().Str("module", "channel").Str("room", string(roomID)).Msg("max connection age reached, heartbeat disabled")
			return
		}
		msg := protocol.NewClientMessage(protocol.ActionHeartbeat, protocol.HeartbeatBody{
			RoomID:    string(roomID),
			Timestamp: time.Now().Unix(),
		})
		if err := c.Send(msg); err != nil {
			return
		}
	}
}

// Send transmits an outbound frame. Valid only while Open: in any other
// state the message is dropped and reported, never queued or retried.
func (c *Channel) Send(msg protocol.ClientMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sendLocked(msg)
}

func (c *Channel) sendLocked(msg protocol.ClientMessage) error {
	if c.state != StateOpen || c.conn == nil {
		log.Warn().Str("module", "channel").Str("action", msg.Action).Msg("send while not connected, dropped")
		return ErrNotConnected
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(msg); err != nil {
		log.Warn().Str("module", "channel").Str("action", msg.Action).Err(err).Msg("write failed")
		return ErrNotConnected
	}
	return nil
}

// RegisterIdentity announces the connection to the relay without a
// participant-joined event. At most one of RegisterIdentity /
// RegisterIdentityAndAnnounce takes effect per connection; later calls
// are no-ops.
func (c *Channel) RegisterIdentity(id domain.Identity) error {
	return c.register(id, false)
}

// RegisterIdentityAndAnnounce additionally emits the participant-joined
// announcement, used for identities created in this session.
func (c *Channel) RegisterIdentityAndAnnounce(id domain.Identity) error {
	return c.register(id, true)
}

func (c *Channel) register(id domain.Identity, announce bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.announced {
		log.Debug().Str("module", "channel").Msg("identity already registered for this connection")
		return nil
	}
	if c.state != StateOpen {
		return ErrNotConnected
	}
	// Latch before writing: even a failed write must not allow a second
	// announcement, or the relay would double-join the participant.
	c.announced = true

	connect := protocol.NewClientMessage(protocol.ActionConnectSocket, protocol.ConnectBody{
		RoomID:        string(c.roomID),
		ParticipantID: string(id.ID),
	})
	if err := c.sendLocked(connect); err != nil {
		return err
	}
	if !announce {
		return nil
	}
	joined := protocol.NewClientMessage(protocol.ActionParticipantAdded, protocol.ParticipantBody{
		Name:          id.Name,
		ParticipantID: string(id.ID),
		RoomID:        string(c.roomID),
	})
	return c.sendLocked(joined)
}

// Close sends a best-effort disconnect notice and tears the connection
// down. The notice is written synchronously while the transport is still
// open; failures are ignored.
func (c *Channel) Close(id domain.Identity) {
	c.mu.Lock()
	if c.state == StateOpen && c.conn != nil {
		c.state = StateClosing
		_ = c.sendDisconnectLocked(id)
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.gen++
	c.state = StateDisconnected
	room := c.roomID
	c.mu.Unlock()

	log.Info().Str("module", "channel").Str("room", string(room)).Msg("closed")
	c.deliver(Signal{State: StateDisconnected})
}

// NotifyShutdown is the page-unload analog: a fire-and-forget disconnect
// notice on process exit, independent of the normal close path.
func (c *Channel) NotifyShutdown(id domain.Identity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateOpen || c.conn == nil {
		return
	}
	_ = c.sendDisconnectLocked(id)
}

func (c *Channel) sendDisconnectLocked(id domain.Identity) error {
	msg := protocol.NewClientMessage(protocol.ActionDisconnectSocket, protocol.DisconnectBody{
		ParticipantID: string(id.ID),
	})
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(msg)
}

func (c *Channel) markDisconnected(gen int, err error) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.state = StateDisconnected
	c.mu.Unlock()

	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		log.Info().Str("module", "channel").Msg("connection closed")
	} else {
		log.Warn().Str("module", "channel").Err(err).Msg("connection lost")
	}
	c.deliver(Signal{State: StateDisconnected})
}

// deliver hands a signal to the subscriber without blocking the pumps.
// A full buffer means the subscriber is hopelessly behind; the signal is
// dropped with a warning rather than stalling the read loop.
func (c *Channel) deliver(sig Signal) {
	select {
	case c.inbound <- sig:
	default:
		log.Warn().Str("module", "channel").Msg("subscriber backpressure, signal dropped")
	}
}
