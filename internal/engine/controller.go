package engine

import (
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/sprintsync/internal/domain"
	"github.com/dkeye/sprintsync/internal/protocol"
	"github.com/dkeye/sprintsync/internal/stats"
)

// Command surface. Each method runs its body inside the sync loop, so
// state reads and the optimistic local update are atomic with respect to
// inbound events. Gating errors (ErrNotCreator and friends) are advisory:
// the relay does not enforce them, the client does.

func (e *Engine) do(fn func() error) error {
	cmd := command{fn: fn, reply: make(chan error, 1)}
	select {
	case e.inbox <- cmd:
	case <-e.ctx.Done():
		return e.ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-e.ctx.Done():
		select {
		case err := <-cmd.reply:
			return err
		default:
			return e.ctx.Err()
		}
	}
}

func (e *Engine) ensureReady() error {
	if e.lifecycle != LifecycleReady {
		return ErrNotReady
	}
	return nil
}

func (e *Engine) ensureCreator() error {
	if e.identity.ID != e.room.CreatedBy {
		return ErrNotCreator
	}
	return nil
}

// StartVoting opens the active story for vote collection. Creator only;
// a completed story cannot be reopened through this path.
func (e *Engine) StartVoting() error {
	return e.do(func() error {
		if err := e.ensureReady(); err != nil {
			return err
		}
		if err := e.ensureCreator(); err != nil {
			return err
		}
		if len(e.room.Stories) == 0 {
			return ErrNoStories
		}
		st := &e.room.Stories[e.activeIdx]
		if st.Status == domain.StatusComplete {
			return ErrStoryComplete
		}
		msg := protocol.NewClientMessage(protocol.ActionStartVoting, protocol.StartVotingBody{
			RoomID:  string(e.roomID),
			StoryID: string(st.ID),
			Status:  string(domain.StatusVoting),
		})
		if err := e.transport.Send(msg); err != nil {
			return err
		}
		st.Status = domain.StatusVoting
		e.votes = make(domain.VoteMap)
		e.phase = PhaseCollecting
		e.selectedEstimate = ""
		log.Info().Str("module", "engine").Str("story", string(st.ID)).Msg("voting started")
		return nil
	})
}

// CastVote records the local participant's vote on the active story and
// broadcasts it. Values are free-form strings; "?" is legal. Re-voting
// overwrites.
func (e *Engine) CastVote(value string) error {
	return e.do(func() error {
		if err := e.ensureReady(); err != nil {
			return err
		}
		if !e.identity.Valid() {
			return ErrIdentityMissing
		}
		if len(e.room.Stories) == 0 {
			return ErrNoStories
		}
		storyID := e.activeStoryID()
		msg := protocol.NewClientMessage(protocol.ActionParticipantVoted, protocol.VoteBody{
			RoomID:        string(e.roomID),
			StoryID:       string(storyID),
			ParticipantID: string(e.identity.ID),
			Vote:          value,
		})
		if err := e.transport.Send(msg); err != nil {
			return err
		}
		e.votes[e.identity.ID] = value
		e.selectedEstimate = value
		if idx := e.room.ParticipantIndex(e.identity.ID); idx != -1 {
			e.room.Participants[idx].Voted = true
			e.room.Participants[idx].Vote = value
		}
		return nil
	})
}

// RevealVotes completes the active story, which flips every client into
// the results view. Requires at least one vote.
func (e *Engine) RevealVotes() error {
	return e.do(func() error {
		if err := e.ensureReady(); err != nil {
			return err
		}
		if err := e.ensureCreator(); err != nil {
			return err
		}
		if len(e.votes) == 0 {
			return ErrNoVotes
		}
		msg := protocol.NewClientMessage(protocol.ActionStartVoting, protocol.StartVotingBody{
			RoomID:  string(e.roomID),
			StoryID: string(e.activeStoryID()),
			Status:  string(domain.StatusComplete),
		})
		if err := e.transport.Send(msg); err != nil {
			return err
		}
		e.phase = PhaseRevealed
		log.Info().Str("module", "engine").Str("story", string(e.activeStoryID())).Msg("votes revealed")
		return nil
	})
}

// NextStory freezes the revealed result on the active story, then moves
// to the following story. Past the last story it raises the all-reviewed
// flag instead of wrapping around.
func (e *Engine) NextStory() error {
	return e.do(func() error {
		if err := e.ensureReady(); err != nil {
			return err
		}
		if err := e.ensureCreator(); err != nil {
			return err
		}
		if len(e.room.Stories) == 0 {
			return ErrNoStories
		}
		if e.phase == PhaseRevealed && len(e.votes) > 0 {
			st := &e.room.Stories[e.activeIdx]
			st.Status = domain.StatusComplete
			st.FinalEstimate = stats.Summarize(e.votes).Mode
			st.Votes = frozenVotes(e.votes)
		}
		return e.advance()
	})
}

// SkipStory moves on without freezing anything, completed or not.
func (e *Engine) SkipStory() error {
	return e.do(func() error {
		if err := e.ensureReady(); err != nil {
			return err
		}
		if err := e.ensureCreator(); err != nil {
			return err
		}
		if len(e.room.Stories) == 0 {
			return ErrNoStories
		}
		return e.advance()
	})
}

func (e *Engine) advance() error {
	if e.activeIdx >= len(e.room.Stories)-1 {
		e.allReviewed = true
		log.Info().Str("module", "engine").Str("room", string(e.roomID)).Msg("all stories reviewed")
		return nil
	}
	next := e.room.Stories[e.activeIdx+1]
	msg := protocol.NewClientMessage(protocol.ActionNextStory, protocol.NextStoryBody{
		RoomID:      string(e.roomID),
		NextStoryID: string(next.ID),
	})
	if err := e.transport.Send(msg); err != nil {
		log.Warn().Str("module", "engine").Err(err).Msg("next-story broadcast dropped")
	}
	e.applyActive(e.activeIdx + 1)
	return nil
}

// SelectStory jumps directly to the story at idx. Selecting the current
// story is a no-op with no broadcast.
func (e *Engine) SelectStory(idx int) error {
	return e.do(func() error {
		if err := e.ensureReady(); err != nil {
			return err
		}
		if err := e.ensureCreator(); err != nil {
			return err
		}
		if idx < 0 || idx >= len(e.room.Stories) {
			return ErrBadIndex
		}
		if idx == e.activeIdx {
			return nil
		}
		msg := protocol.NewClientMessage(protocol.ActionNextStory, protocol.NextStoryBody{
			RoomID:      string(e.roomID),
			NextStoryID: string(e.room.Stories[idx].ID),
		})
		if err := e.transport.Send(msg); err != nil {
			return err
		}
		e.applyActive(idx)
		return nil
	})
}

// AddStory broadcasts a new pending story. There is no optimistic local
// insert: the story appears when the relay echoes it back, keeping every
// client's list in the same order.
func (e *Engine) AddStory(description string) error {
	return e.do(func() error {
		if err := e.ensureReady(); err != nil {
			return err
		}
		if err := e.ensureCreator(); err != nil {
			return err
		}
		description = strings.TrimSpace(description)
		if description == "" {
			return ErrEmptyStory
		}
		msg := protocol.NewClientMessage(protocol.ActionAddStory, protocol.AddStoryBody{
			RoomID: string(e.roomID),
			Story: protocol.StoryPayload{
				Description: description,
				Status:      string(domain.StatusPending),
				StoryID:     uuid.NewString(),
				StoryPoints: "n/a",
			},
		})
		return e.transport.Send(msg)
	})
}

// Refetch pulls a fresh snapshot and merges it, last-write-wins. The
// active story position is preserved; only the first snapshot ever moves
// it.
func (e *Engine) Refetch() error {
	return e.do(func() error {
		if !e.identity.Valid() {
			return ErrIdentityMissing
		}
		e.fetch()
		return nil
	})
}

// Leave announces departure, closes the channel and stops the loop. The
// engine cannot be restarted afterwards; build a new one.
func (e *Engine) Leave() error {
	return e.do(func() error {
		e.transport.Close(e.identity)
		e.lifecycle = LifecycleUninitialized
		e.leaving = true
		return nil
	})
}

func frozenVotes(vm domain.VoteMap) []domain.Vote {
	ids := make([]string, 0, len(vm))
	for pid := range vm {
		ids = append(ids, string(pid))
	}
	sort.Strings(ids)
	out := make([]domain.Vote, 0, len(ids))
	for _, id := range ids {
		pid := domain.ParticipantID(id)
		out = append(out, domain.Vote{ParticipantID: pid, Value: vm[pid]})
	}
	return out
}
