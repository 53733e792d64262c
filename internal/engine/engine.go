// Package engine owns the canonical in-memory room state and reconciles
// it against the REST snapshot and the live relay event stream. All state
// lives inside a single goroutine loop; correctness rests on idempotent
// handlers and latch flags, not locks. Other components read derived
// views or issue commands through the loop.
package engine

import (
	"context"
	"errors"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/sprintsync/internal/api"
	"github.com/dkeye/sprintsync/internal/channel"
	"github.com/dkeye/sprintsync/internal/domain"
	"github.com/dkeye/sprintsync/internal/protocol"
	"github.com/dkeye/sprintsync/internal/stats"
)

var (
	ErrNotReady        = errors.New("room not ready")
	ErrIdentityMissing = errors.New("identity not resolved yet")
	ErrNotCreator      = errors.New("only the room creator may do this")
	ErrNoStories       = errors.New("no stories in room")
	ErrStoryComplete   = errors.New("story already completed")
	ErrNoVotes         = errors.New("no votes to reveal")
	ErrEmptyStory      = errors.New("story description empty")
	ErrBadIndex        = errors.New("story index out of range")
)

type Lifecycle string

const (
	LifecycleUninitialized    Lifecycle = "uninitialized"
	LifecycleAwaitingIdentity Lifecycle = "awaitingIdentity"
	LifecycleLoading          Lifecycle = "loading"
	LifecycleReady            Lifecycle = "ready"
	LifecycleFailed           Lifecycle = "failed"
)

type VotingPhase string

const (
	PhaseIdle       VotingPhase = "idle"
	PhaseCollecting VotingPhase = "collecting"
	PhaseRevealed   VotingPhase = "revealed"
)

// Transport is the relay connection the engine drives. Implemented by
// channel.Channel; tests substitute a fake.
type Transport interface {
	Open(roomID domain.RoomID)
	Inbound() <-chan channel.Signal
	Send(msg protocol.ClientMessage) error
	RegisterIdentity(id domain.Identity) error
	RegisterIdentityAndAnnounce(id domain.Identity) error
	Close(id domain.Identity)
}

// SnapshotSource fetches the authoritative room snapshot.
type SnapshotSource interface {
	FetchRoom(ctx context.Context, roomID string) (api.RoomSnapshot, error)
}

// IdentitySource resolves the local participant.
type IdentitySource interface {
	Resolve() (domain.Identity, bool)
	Subscribe() <-chan domain.Identity
}

type command struct {
	fn    func() error
	reply chan error
}

type snapshotResult struct {
	snap api.RoomSnapshot
	err  error
}

type viewRequest struct{ reply chan View }

type subscribeRequest struct{ reply chan chan View }

// Engine is one room subscription.
type Engine struct {
	roomID    domain.RoomID
	transport Transport
	snapshots SnapshotSource
	ids       IdentitySource

	inbox  chan any
	ctx    context.Context
	cancel context.CancelFunc

	// Everything below is owned by the loop goroutine.
	lifecycle        Lifecycle
	identity         domain.Identity
	freshIdentity    bool
	announced        bool
	room             domain.Room
	activeIdx        int
	initialSelection bool
	votes            domain.VoteMap
	phase            VotingPhase
	selectedEstimate string
	allReviewed      bool
	fetchErr         string
	lastEvent        *protocol.ServerMessage
	leaving          bool
	subs             []chan View
}

func New(roomID domain.RoomID, t Transport, s SnapshotSource, ids IdentitySource) *Engine {
	return &Engine{
		roomID:    roomID,
		transport: t,
		snapshots: s,
		ids:       ids,
		inbox:     make(chan any, 64),
		lifecycle: LifecycleUninitialized,
		votes:     make(domain.VoteMap),
		phase:     PhaseIdle,
	}
}

// Start launches the sync loop. The loop runs until ctx is canceled or
// Leave is called.
func (e *Engine) Start(ctx context.Context) {
	e.ctx, e.cancel = context.WithCancel(ctx)
	go e.run()
}

func (e *Engine) run() {
	idCh := e.ids.Subscribe()

	if id, ok := e.ids.Resolve(); ok {
		e.identity = id
		e.freshIdentity = false
		e.begin()
	} else {
		e.lifecycle = LifecycleAwaitingIdentity
		log.Info().Str("module", "engine").Str("room", string(e.roomID)).Msg("waiting for identity")
	}
	e.publish()

	for {
		select {
		case <-e.ctx.Done():
			return

		case id := <-idCh:
			if !e.identity.Valid() {
				// Created during this session: announce on register.
				e.identity = id
				e.freshIdentity = true
				e.begin()
			} else {
				e.identity = id
			}

		case sig := <-e.transport.Inbound():
			if sig.Event != nil {
				e.handleEvent(*sig.Event)
			} else {
				e.handleTransportState(sig.State)
			}

		case m := <-e.inbox:
			switch msg := m.(type) {
			case snapshotResult:
				e.applySnapshot(msg)
			case command:
				msg.reply <- msg.fn()
			case viewRequest:
				msg.reply <- e.view()
			case subscribeRequest:
				ch := make(chan View, 8)
				e.subs = append(e.subs, ch)
				msg.reply <- ch
			}
		}
		e.publish()
		if e.leaving {
			e.cancel()
			return
		}
	}
}

// begin opens the relay channel and kicks off the snapshot fetch, both
// concurrent. Runs once identity is known.
func (e *Engine) begin() {
	e.lifecycle = LifecycleLoading
	e.transport.Open(e.roomID)
	e.fetch()
}

func (e *Engine) fetch() {
	go func() {
		snap, err := e.snapshots.FetchRoom(e.ctx, string(e.roomID))
		select {
		case e.inbox <- snapshotResult{snap: snap, err: err}:
		case <-e.ctx.Done():
		}
	}()
}

func (e *Engine) handleTransportState(st channel.State) {
	switch st {
	case channel.StateOpen:
		e.maybeRegister()
	case channel.StateDisconnected:
		// A fresh connection needs a fresh announcement.
		e.announced = false
	}
}

// maybeRegister sends exactly one of the two announcement forms per
// connection instance. Double announcement duplicates participant-joined
// events server-side, so this is latched on both sides.
func (e *Engine) maybeRegister() {
	if e.announced || !e.identity.Valid() {
		return
	}
	e.announced = true
	var err error
	if e.freshIdentity {
		err = e.transport.RegisterIdentityAndAnnounce(e.identity)
	} else {
		err = e.transport.RegisterIdentity(e.identity)
	}
	if err != nil {
		log.Warn().Str("module", "engine").Err(err).Msg("identity registration failed")
	}
}

// applySnapshot merges a REST snapshot into canonical state,
// last-write-wins. The initial active-story selection happens at most
// once per subscription; later refreshes never move the user's position.
func (e *Engine) applySnapshot(res snapshotResult) {
	if res.err != nil {
		log.Warn().Str("module", "engine").Str("room", string(e.roomID)).Err(res.err).Msg("snapshot fetch failed")
		e.fetchErr = res.err.Error()
		if e.lifecycle != LifecycleReady {
			e.lifecycle = LifecycleFailed
		}
		return
	}

	e.fetchErr = ""
	e.room = api.TransformSnapshot(res.snap)

	// Freeze final estimates for completed stories that arrived with
	// votes but no estimate, so stale echoes cannot unsettle them.
	for i := range e.room.Stories {
		st := &e.room.Stories[i]
		if st.Status == domain.StatusComplete && len(st.Votes) > 0 && st.FinalEstimate == "" {
			st.FinalEstimate = stats.Summarize(voteMapOf(st.Votes)).Mode
		}
	}

	e.lifecycle = LifecycleReady

	if !e.initialSelection && len(e.room.Stories) > 0 {
		target := 0
		if res.snap.CurrentSelectedStory != "" {
			if idx := e.room.StoryIndex(domain.StoryID(res.snap.CurrentSelectedStory)); idx != -1 {
				target = idx
			} else {
				log.Warn().Str("module", "engine").Str("story", res.snap.CurrentSelectedStory).Msg("currentSelectedStory not in snapshot, defaulting to first")
			}
		}
		e.initialSelection = true
		e.applyActive(target)
	}
	if e.activeIdx >= len(e.room.Stories) && len(e.room.Stories) > 0 {
		e.applyActive(len(e.room.Stories) - 1)
	}

	// Self-heal: if the snapshot predates our announcement the local
	// participant is missing; re-announce over the channel.
	if e.identity.Valid() && e.room.ParticipantIndex(e.identity.ID) == -1 {
		log.Info().Str("module", "engine").Str("participant", string(e.identity.ID)).Msg("not in snapshot, announcing")
		msg := protocol.NewClientMessage(protocol.ActionParticipantAdded, protocol.ParticipantBody{
			Name:          e.identity.Name,
			ParticipantID: string(e.identity.ID),
			RoomID:        string(e.roomID),
		})
		if err := e.transport.Send(msg); err != nil {
			log.Warn().Str("module", "engine").Err(err).Msg("reconciliation announce dropped")
		}
	}
}

// handleEvent applies one relay event. The adjacent-duplicate filter
// guards against transport-level redelivery; handlers themselves are
// idempotent so even a non-adjacent duplicate converges.
func (e *Engine) handleEvent(msg protocol.ServerMessage) {
	if e.lastEvent != nil && msg.Equal(*e.lastEvent) {
		log.Debug().Str("module", "engine").Str("event", msg.Event).Msg("duplicate event dropped")
		return
	}
	e.lastEvent = &msg

	switch msg.Event {
	case protocol.EventStoryAdded:
		e.onStoryAdded(msg)
	case protocol.EventParticipantAdded:
		e.onParticipantAdded(msg)
	case protocol.EventStorySelected:
		var body protocol.StorySelectedBody
		if !decode(msg, &body) {
			return
		}
		e.onStorySelected(domain.StoryID(body.StoryID))
	case protocol.EventCurrentStoryUpdated:
		var body protocol.CurrentStoryBody
		if !decode(msg, &body) {
			return
		}
		e.onStorySelected(domain.StoryID(body.CurrentSelectedStory))
	case protocol.EventStoryStatusUpdated:
		e.onStoryStatusUpdated(msg)
	case protocol.EventVoteUpdated:
		e.onVoteUpdated(msg)
	default:
		log.Warn().Str("module", "engine").Str("event", msg.Event).Msg("unknown event ignored")
	}
}

func (e *Engine) onStoryAdded(msg protocol.ServerMessage) {
	var body protocol.StoryPayload
	if !decode(msg, &body) {
		return
	}
	if e.room.StoryIndex(domain.StoryID(body.StoryID)) != -1 {
		log.Debug().Str("module", "engine").Str("story", body.StoryID).Msg("story already present")
		return
	}
	e.room.Stories = append(e.room.Stories, api.TransformStory(api.ApiStory{
		StoryID:     body.StoryID,
		Description: body.Description,
		Status:      body.Status,
		StoryPoints: body.StoryPoints,
	}))
	e.allReviewed = false
	log.Info().Str("module", "engine").Str("story", body.StoryID).Msg("story added")
}

func (e *Engine) onParticipantAdded(msg protocol.ServerMessage) {
	var body protocol.ParticipantBody
	if !decode(msg, &body) {
		return
	}
	p := api.TransformParticipant(api.ApiParticipant{
		Name:          body.Name,
		ParticipantID: body.ParticipantID,
		Status:        body.Status,
		Vote:          body.Vote,
	})
	// Upsert: a stale snapshot may have omitted fields a later announce
	// fills in.
	if idx := e.room.ParticipantIndex(p.ID); idx != -1 {
		e.room.Participants[idx] = p
	} else {
		e.room.Participants = append(e.room.Participants, p)
	}
	e.room.TotalParticipants = len(e.room.Participants)
}

func (e *Engine) onStorySelected(id domain.StoryID) {
	idx := e.room.StoryIndex(id)
	if idx == -1 {
		log.Warn().Str("module", "engine").Str("story", string(id)).Msg("selected story unknown, ignored")
		return
	}
	e.applyActive(idx)
}

func (e *Engine) onStoryStatusUpdated(msg protocol.ServerMessage) {
	var body protocol.StoryStatusBody
	if !decode(msg, &body) {
		return
	}
	idx := e.room.StoryIndex(domain.StoryID(body.StoryID))
	if idx == -1 {
		log.Warn().Str("module", "engine").Str("story", body.StoryID).Msg("status update for unknown story, ignored")
		return
	}
	st := &e.room.Stories[idx]
	status := domain.ParseStatus(body.Status)
	st.Status = status
	if body.StoryPoints != "" {
		if n, err := strconv.Atoi(body.StoryPoints); err == nil {
			st.Estimate = &n
		}
	}
	active := idx == e.activeIdx

	switch status {
	case domain.StatusComplete:
		if len(body.Votes) > 0 {
			vm := make(domain.VoteMap, len(body.Votes))
			frozen := make([]domain.Vote, 0, len(body.Votes))
			for _, v := range body.Votes {
				pid := domain.ParticipantID(v.ParticipantID)
				vm[pid] = v.Vote
				frozen = append(frozen, domain.Vote{ParticipantID: pid, Value: v.Vote})
				if pi := e.room.ParticipantIndex(pid); pi != -1 {
					e.room.Participants[pi].Voted = true
					e.room.Participants[pi].Vote = v.Vote
				}
			}
			st.Votes = frozen
			st.FinalEstimate = stats.Summarize(vm).Mode
			if active {
				e.votes = vm
				e.phase = PhaseRevealed
				e.selectedEstimate = vm[e.identity.ID]
			}
		} else if active {
			e.phase = PhaseRevealed
		}
	case domain.StatusPending:
		st.Votes = nil
		st.FinalEstimate = ""
		if active {
			e.votes = make(domain.VoteMap)
			e.phase = PhaseIdle
			e.selectedEstimate = ""
		}
	case domain.StatusVoting:
		st.Votes = nil
		st.FinalEstimate = ""
		if active {
			e.votes = make(domain.VoteMap)
			e.phase = PhaseCollecting
			e.selectedEstimate = ""
		}
	}
}

func (e *Engine) onVoteUpdated(msg protocol.ServerMessage) {
	var body protocol.VoteBody
	if !decode(msg, &body) {
		return
	}
	pid := domain.ParticipantID(body.ParticipantID)
	if idx := e.room.ParticipantIndex(pid); idx != -1 {
		e.room.Participants[idx].Voted = true
		e.room.Participants[idx].Vote = body.Vote
	}
	if e.activeStoryID() != domain.StoryID(body.StoryID) {
		log.Debug().Str("module", "engine").Str("story", body.StoryID).Msg("vote for non-active story")
		return
	}
	e.votes[pid] = body.Vote
	if pid == e.identity.ID {
		e.selectedEstimate = body.Vote
	}
}

// applyActive switches the active story and re-derives the voting phase
// and VoteMap strictly from the target story, never from where we came
// from.
func (e *Engine) applyActive(idx int) {
	e.activeIdx = idx
	e.allReviewed = false
	if idx < 0 || idx >= len(e.room.Stories) {
		return
	}
	st := e.room.Stories[idx]
	switch st.Status {
	case domain.StatusComplete:
		e.votes = voteMapOf(st.Votes)
		e.phase = PhaseRevealed
		e.selectedEstimate = e.votes[e.identity.ID]
	case domain.StatusVoting:
		// In-memory votes carry over while collection is running.
		e.phase = PhaseCollecting
	default:
		e.votes = make(domain.VoteMap)
		e.phase = PhaseIdle
		e.selectedEstimate = ""
	}
}

func (e *Engine) activeStoryID() domain.StoryID {
	if e.activeIdx < 0 || e.activeIdx >= len(e.room.Stories) {
		return ""
	}
	return e.room.Stories[e.activeIdx].ID
}

func voteMapOf(votes []domain.Vote) domain.VoteMap {
	vm := make(domain.VoteMap, len(votes))
	for _, v := range votes {
		vm[v.ParticipantID] = v.Value
	}
	return vm
}

func decode(msg protocol.ServerMessage, into any) bool {
	if err := protocol.DecodeBody(msg.Body, into); err != nil {
		log.Warn().Str("module", "engine").Str("event", msg.Event).Err(err).Msg("malformed event body, ignored")
		return false
	}
	return true
}
