package engine

import (
	"github.com/dkeye/sprintsync/internal/domain"
	"github.com/dkeye/sprintsync/internal/stats"
)

// View is an immutable snapshot of derived room state, safe to read
// outside the loop. Summary is populated only while votes are revealed.
type View struct {
	Lifecycle        Lifecycle
	RoomID           domain.RoomID
	RoomName         string
	Identity         domain.Identity
	IsCreator        bool
	Stories          []domain.Story
	Participants     []domain.Participant
	ActiveIndex      int
	Phase            VotingPhase
	Votes            domain.VoteMap
	SelectedEstimate string
	AllReviewed      bool
	Summary          *stats.Summary
	Err              string
}

// ActiveStory returns the story the room is currently on, if any.
func (v View) ActiveStory() (domain.Story, bool) {
	if v.ActiveIndex < 0 || v.ActiveIndex >= len(v.Stories) {
		return domain.Story{}, false
	}
	return v.Stories[v.ActiveIndex], true
}

// View queries the loop for a consistent snapshot. Call after Start.
func (e *Engine) View() View {
	req := viewRequest{reply: make(chan View, 1)}
	select {
	case e.inbox <- req:
	case <-e.ctx.Done():
		return View{Lifecycle: LifecycleUninitialized}
	}
	select {
	case v := <-req.reply:
		return v
	case <-e.ctx.Done():
		select {
		case v := <-req.reply:
			return v
		default:
			return View{Lifecycle: LifecycleUninitialized}
		}
	}
}

// Subscribe returns a stream that receives a fresh View after every state
// change. Slow consumers miss intermediate views, never the loop.
func (e *Engine) Subscribe() <-chan View {
	req := subscribeRequest{reply: make(chan chan View, 1)}
	select {
	case e.inbox <- req:
	case <-e.ctx.Done():
		ch := make(chan View)
		close(ch)
		return ch
	}
	select {
	case ch := <-req.reply:
		return ch
	case <-e.ctx.Done():
		ch := make(chan View)
		close(ch)
		return ch
	}
}

// view builds a snapshot; loop goroutine only.
func (e *Engine) view() View {
	v := View{
		Lifecycle:        e.lifecycle,
		RoomID:           e.roomID,
		RoomName:         e.room.Name,
		Identity:         e.identity,
		IsCreator:        e.identity.Valid() && e.identity.ID == e.room.CreatedBy,
		Stories:          append([]domain.Story(nil), e.room.Stories...),
		Participants:     append([]domain.Participant(nil), e.room.Participants...),
		ActiveIndex:      e.activeIdx,
		Phase:            e.phase,
		Votes:            e.votes.Clone(),
		SelectedEstimate: e.selectedEstimate,
		AllReviewed:      e.allReviewed,
		Err:              e.fetchErr,
	}
	if e.phase == PhaseRevealed && len(e.votes) > 0 {
		s := stats.Summarize(e.votes)
		v.Summary = &s
	}
	return v
}

// publish fans the current view out to subscribers; loop goroutine only.
func (e *Engine) publish() {
	if len(e.subs) == 0 {
		return
	}
	v := e.view()
	for _, ch := range e.subs {
		select {
		case ch <- v:
		default:
		}
	}
}
