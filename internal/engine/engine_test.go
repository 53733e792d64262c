package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/sprintsync/internal/api"
	"github.com/dkeye/sprintsync/internal/channel"
	"github.com/dkeye/sprintsync/internal/domain"
	"github.com/dkeye/sprintsync/internal/protocol"
)

type fakeTransport struct {
	mu         sync.Mutex
	inbound    chan channel.Signal
	sent       []protocol.ClientMessage
	registered []string
	closed     bool
	autoOpen   bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{inbound: make(chan channel.Signal, 32), autoOpen: true}
}

func (f *fakeTransport) Open(roomID domain.RoomID) {
	if f.autoOpen {
		f.inbound <- channel.Signal{State: channel.StateOpen}
	}
}

func (f *fakeTransport) Inbound() <-chan channel.Signal { return f.inbound }

func (f *fakeTransport) Send(msg protocol.ClientMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeTransport) RegisterIdentity(id domain.Identity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered = append(f.registered, "register")
	return nil
}

func (f *fakeTransport) RegisterIdentityAndAnnounce(id domain.Identity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered = append(f.registered, "announce")
	return nil
}

func (f *fakeTransport) Close(id domain.Identity) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeTransport) sentActions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	for i, m := range f.sent {
		out[i] = m.Action
	}
	return out
}

func (f *fakeTransport) lastSent(t *testing.T) protocol.ClientMessage {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		t.Fatal("no frames sent")
	}
	return f.sent[len(f.sent)-1]
}

func (f *fakeTransport) push(event string, body any) {
	f.inbound <- channel.Signal{State: channel.StateOpen, Event: ptr(protocol.NewServerMessage(event, body))}
}

func ptr(m protocol.ServerMessage) *protocol.ServerMessage { return &m }

type fakeSnapshots struct {
	mu   sync.Mutex
	snap api.RoomSnapshot
	err  error
}

func (f *fakeSnapshots) FetchRoom(ctx context.Context, roomID string) (api.RoomSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap, f.err
}

func (f *fakeSnapshots) set(snap api.RoomSnapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snap = snap
	f.err = nil
}

type fakeIdentity struct {
	id  domain.Identity
	ok  bool
	sub chan domain.Identity
}

func (f *fakeIdentity) Resolve() (domain.Identity, bool)  { return f.id, f.ok }
func (f *fakeIdentity) Subscribe() <-chan domain.Identity { return f.sub }

func newFakeIdentity(id domain.Identity, ok bool) *fakeIdentity {
	return &fakeIdentity{id: id, ok: ok, sub: make(chan domain.Identity, 1)}
}

func baseSnapshot() api.RoomSnapshot {
	return api.RoomSnapshot{
		ID:        "r1",
		Name:      "sprint 12",
		CreatedBy: "p1",
		Stories: []api.ApiStory{
			{StoryID: "s1", Description: "login flow", Status: "pending", StoryPoints: "n/a"},
			{StoryID: "s2", Description: "billing", Status: "pending", StoryPoints: "n/a"},
		},
		Participants: []api.ApiParticipant{
			{ParticipantID: "p1", Name: "Ada"},
			{ParticipantID: "p2", Name: "Grace"},
		},
	}
}

func startEngine(t *testing.T, snap api.RoomSnapshot, id domain.Identity) (*Engine, *fakeTransport) {
	t.Helper()
	ft := newFakeTransport()
	e := New("r1", ft, &fakeSnapshots{snap: snap}, newFakeIdentity(id, true))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	e.Start(ctx)
	waitView(t, e, func(v View) bool { return v.Lifecycle == LifecycleReady })
	return e, ft
}

func waitView(t *testing.T, e *Engine, cond func(View) bool) View {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	var v View
	for time.Now().Before(deadline) {
		v = e.View()
		if cond(v) {
			return v
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition never met, last view: lifecycle=%s phase=%s active=%d votes=%v",
		v.Lifecycle, v.Phase, v.ActiveIndex, v.Votes)
	return v
}

func ada() domain.Identity   { return domain.Identity{ID: "p1", Name: "Ada"} }
func grace() domain.Identity { return domain.Identity{ID: "p2", Name: "Grace"} }

func TestPersistedIdentityRegistersWithoutAnnounce(t *testing.T) {
	_, ft := startEngine(t, baseSnapshot(), ada())

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		ft.mu.Lock()
		n := len(ft.registered)
		ft.mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	ft.mu.Lock()
	defer ft.mu.Unlock()
	if len(ft.registered) != 1 || ft.registered[0] != "register" {
		t.Errorf("registered = %v, want single plain register", ft.registered)
	}
}

func TestFreshIdentityAnnouncesOnRegister(t *testing.T) {
	ft := newFakeTransport()
	ids := newFakeIdentity(domain.Identity{}, false)
	e := New("r1", ft, &fakeSnapshots{snap: baseSnapshot()}, ids)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	e.Start(ctx)

	waitView(t, e, func(v View) bool { return v.Lifecycle == LifecycleAwaitingIdentity })

	ids.sub <- ada()
	waitView(t, e, func(v View) bool { return v.Lifecycle == LifecycleReady })
	waitView(t, e, func(View) bool {
		ft.mu.Lock()
		defer ft.mu.Unlock()
		return len(ft.registered) > 0
	})

	ft.mu.Lock()
	defer ft.mu.Unlock()
	if len(ft.registered) != 1 || ft.registered[0] != "announce" {
		t.Errorf("registered = %v, want single announce", ft.registered)
	}
}

func TestAnnounceAtMostOncePerConnection(t *testing.T) {
	e, ft := startEngine(t, baseSnapshot(), ada())

	// Redundant open signals on the same connection must not re-register.
	ft.inbound <- channel.Signal{State: channel.StateOpen}
	ft.inbound <- channel.Signal{State: channel.StateOpen}
	waitView(t, e, func(View) bool { return true })

	ft.mu.Lock()
	first := len(ft.registered)
	ft.mu.Unlock()
	if first != 1 {
		t.Fatalf("registered %d times on one connection", first)
	}

	// A reconnect is a new connection and needs a new registration.
	ft.inbound <- channel.Signal{State: channel.StateDisconnected}
	ft.inbound <- channel.Signal{State: channel.StateOpen}
	waitView(t, e, func(View) bool {
		ft.mu.Lock()
		defer ft.mu.Unlock()
		return len(ft.registered) == 2
	})
}

func TestSnapshotDefaultsToFirstStory(t *testing.T) {
	e, _ := startEngine(t, baseSnapshot(), ada())
	v := e.View()
	if v.ActiveIndex != 0 {
		t.Errorf("active index = %d, want 0", v.ActiveIndex)
	}
	if v.Phase != PhaseIdle {
		t.Errorf("phase = %s, want idle for a pending story", v.Phase)
	}
	if v.RoomName != "sprint 12" || !v.IsCreator {
		t.Errorf("view = %+v", v)
	}
}

func TestSnapshotHonorsCurrentSelectedStory(t *testing.T) {
	snap := baseSnapshot()
	snap.CurrentSelectedStory = "s2"
	snap.Stories[1].Status = "votingInProgress"

	e, _ := startEngine(t, snap, ada())
	v := e.View()
	if v.ActiveIndex != 1 {
		t.Errorf("active index = %d, want 1", v.ActiveIndex)
	}
	if v.Phase != PhaseCollecting {
		t.Errorf("phase = %s, want collecting", v.Phase)
	}
}

func TestSnapshotUnknownSelectionFallsBackToFirst(t *testing.T) {
	snap := baseSnapshot()
	snap.CurrentSelectedStory = "ghost"
	e, _ := startEngine(t, snap, ada())
	if v := e.View(); v.ActiveIndex != 0 {
		t.Errorf("active index = %d, want 0", v.ActiveIndex)
	}
}

func TestSnapshotCompletedStoryRestoresResults(t *testing.T) {
	snap := baseSnapshot()
	snap.CurrentSelectedStory = "s1"
	snap.Stories[0].Status = "completed"
	snap.Stories[0].Votes = []api.ApiVote{
		{ParticipantID: "p1", Vote: "5"},
		{ParticipantID: "p2", Vote: "8"},
	}

	e, _ := startEngine(t, snap, ada())
	v := e.View()
	if v.Phase != PhaseRevealed {
		t.Fatalf("phase = %s, want revealed", v.Phase)
	}
	if v.Votes["p1"] != "5" || v.Votes["p2"] != "8" {
		t.Errorf("votes = %v", v.Votes)
	}
	if v.SelectedEstimate != "5" {
		t.Errorf("selected estimate = %q, want own restored vote", v.SelectedEstimate)
	}
	if v.Summary == nil {
		t.Fatal("no summary for revealed story")
	}
	if st, _ := v.ActiveStory(); st.FinalEstimate == "" {
		t.Error("completed story with votes has no frozen estimate")
	}
}

func TestSnapshotFetchFailure(t *testing.T) {
	ft := newFakeTransport()
	e := New("r1", ft, &fakeSnapshots{err: errors.New("boom")}, newFakeIdentity(ada(), true))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	e.Start(ctx)

	v := waitView(t, e, func(v View) bool { return v.Lifecycle == LifecycleFailed })
	if v.Err == "" {
		t.Error("failed lifecycle carries no error message")
	}
}

func TestSelfHealAnnouncesWhenMissingFromSnapshot(t *testing.T) {
	snap := baseSnapshot()
	snap.Participants = snap.Participants[1:] // drop Ada

	e, ft := startEngine(t, snap, ada())
	waitView(t, e, func(View) bool {
		for _, a := range ft.sentActions() {
			if a == protocol.ActionParticipantAdded {
				return true
			}
		}
		return false
	})

	msg := ft.lastSent(t)
	var body protocol.ParticipantBody
	if err := json.Unmarshal(msg.Body, &body); err != nil {
		t.Fatal(err)
	}
	if body.ParticipantID != "p1" || body.RoomID != "r1" {
		t.Errorf("reconciliation body = %+v", body)
	}
}

func TestStoryAddedIsIdempotent(t *testing.T) {
	e, ft := startEngine(t, baseSnapshot(), ada())

	story := protocol.StoryPayload{StoryID: "s3", Description: "search", Status: "pending", StoryPoints: "n/a"}
	ft.push(protocol.EventStoryAdded, story)
	ft.push(protocol.EventStoryAdded, story) // adjacent duplicate, filtered
	ft.push(protocol.EventParticipantAdded, protocol.ParticipantBody{ParticipantID: "p3", Name: "Lin"})
	ft.push(protocol.EventStoryAdded, story) // non-adjacent duplicate, handler no-op

	v := waitView(t, e, func(v View) bool { return len(v.Participants) == 3 })
	if len(v.Stories) != 3 {
		t.Errorf("stories = %d, want 3 (one s3)", len(v.Stories))
	}
}

func TestParticipantAddedUpserts(t *testing.T) {
	e, ft := startEngine(t, baseSnapshot(), ada())

	ft.push(protocol.EventParticipantAdded, protocol.ParticipantBody{ParticipantID: "p2", Name: "Grace", Status: "voted", Vote: "3"})
	v := waitView(t, e, func(v View) bool {
		return len(v.Participants) == 2 && v.Participants[1].Voted
	})
	if v.Participants[1].Vote != "3" {
		t.Errorf("participant = %+v", v.Participants[1])
	}
}

func TestStorySelectedSwitchesAndDerivesPhase(t *testing.T) {
	snap := baseSnapshot()
	snap.Stories[1].Status = "completed"
	snap.Stories[1].Votes = []api.ApiVote{{ParticipantID: "p2", Vote: "8"}}

	e, ft := startEngine(t, snap, ada())
	ft.push(protocol.EventStorySelected, protocol.StorySelectedBody{StoryID: "s2"})

	v := waitView(t, e, func(v View) bool { return v.ActiveIndex == 1 })
	if v.Phase != PhaseRevealed {
		t.Errorf("phase = %s, want revealed (derived from target story)", v.Phase)
	}
	if v.Votes["p2"] != "8" {
		t.Errorf("votes = %v, want loaded from stored story votes", v.Votes)
	}
	if v.SelectedEstimate != "" {
		t.Errorf("selected estimate = %q, self never voted here", v.SelectedEstimate)
	}
}

func TestStorySelectedUnknownIgnored(t *testing.T) {
	e, ft := startEngine(t, baseSnapshot(), ada())
	ft.push(protocol.EventStorySelected, protocol.StorySelectedBody{StoryID: "ghost"})
	ft.push(protocol.EventParticipantAdded, protocol.ParticipantBody{ParticipantID: "p3", Name: "Lin"})

	v := waitView(t, e, func(v View) bool { return len(v.Participants) == 3 })
	if v.ActiveIndex != 0 {
		t.Errorf("active index moved to %d on unknown selection", v.ActiveIndex)
	}
}

func TestStatusVotingResetsVotesOnActiveStory(t *testing.T) {
	e, ft := startEngine(t, baseSnapshot(), ada())

	if err := e.StartVoting(); err != nil {
		t.Fatalf("StartVoting: %v", err)
	}
	ft.push(protocol.EventVoteUpdated, protocol.VoteBody{StoryID: "s1", ParticipantID: "p2", Vote: "5"})
	waitView(t, e, func(v View) bool { return v.Votes["p2"] == "5" })

	// A voting-round restart wipes the collected votes.
	ft.push(protocol.EventStoryStatusUpdated, protocol.StoryStatusBody{StoryID: "s1", Status: "votingInProgress"})
	v := waitView(t, e, func(v View) bool { return len(v.Votes) == 0 })
	if v.Phase != PhaseCollecting {
		t.Errorf("phase = %s, want collecting", v.Phase)
	}
	if v.SelectedEstimate != "" {
		t.Errorf("selected estimate survived a reset: %q", v.SelectedEstimate)
	}
}

func TestStatusCompleteLoadsVotesAndFreezesEstimate(t *testing.T) {
	e, ft := startEngine(t, baseSnapshot(), grace())

	ft.push(protocol.EventStoryStatusUpdated, protocol.StoryStatusBody{
		StoryID: "s1",
		Status:  "complete",
		Votes: []protocol.VoteEntry{
			{ParticipantID: "p1", Vote: "5"},
			{ParticipantID: "p2", Vote: "5"},
		},
	})

	v := waitView(t, e, func(v View) bool { return v.Phase == PhaseRevealed })
	if v.Votes["p1"] != "5" || v.Votes["p2"] != "5" {
		t.Errorf("votes = %v", v.Votes)
	}
	if v.SelectedEstimate != "5" {
		t.Errorf("selected estimate = %q, want own vote from payload", v.SelectedEstimate)
	}
	st, _ := v.ActiveStory()
	if st.FinalEstimate != "5" {
		t.Errorf("final estimate = %q, want mode 5", st.FinalEstimate)
	}
	if v.Summary == nil || v.Summary.Consensus != "High (100%)" {
		t.Errorf("summary = %+v", v.Summary)
	}
}

func TestStatusUpdateForNonActiveStoryLeavesPhaseAlone(t *testing.T) {
	e, ft := startEngine(t, baseSnapshot(), ada())

	if err := e.StartVoting(); err != nil {
		t.Fatal(err)
	}
	if err := e.CastVote("3"); err != nil {
		t.Fatal(err)
	}

	ft.push(protocol.EventStoryStatusUpdated, protocol.StoryStatusBody{
		StoryID: "s2",
		Status:  "complete",
		Votes:   []protocol.VoteEntry{{ParticipantID: "p2", Vote: "8"}},
	})

	v := waitView(t, e, func(v View) bool {
		return len(v.Stories) > 1 && v.Stories[1].Status == domain.StatusComplete
	})
	if v.Phase != PhaseCollecting {
		t.Errorf("phase = %s, non-active completion must not flip the active phase", v.Phase)
	}
	if v.Votes["p1"] != "3" {
		t.Errorf("active votes disturbed: %v", v.Votes)
	}
	if v.Stories[1].FinalEstimate != "8" {
		t.Errorf("non-active story estimate = %q", v.Stories[1].FinalEstimate)
	}
}

func TestStatusUpdateUnknownStoryIgnored(t *testing.T) {
	e, ft := startEngine(t, baseSnapshot(), ada())
	ft.push(protocol.EventStoryStatusUpdated, protocol.StoryStatusBody{StoryID: "ghost", Status: "complete"})
	ft.push(protocol.EventParticipantAdded, protocol.ParticipantBody{ParticipantID: "p3", Name: "Lin"})

	v := waitView(t, e, func(v View) bool { return len(v.Participants) == 3 })
	for _, st := range v.Stories {
		if st.Status != domain.StatusPending {
			t.Errorf("story %s status = %s", st.ID, st.Status)
		}
	}
}

func TestVoteForNonActiveStoryOnlyMarksParticipant(t *testing.T) {
	e, ft := startEngine(t, baseSnapshot(), ada())

	ft.push(protocol.EventVoteUpdated, protocol.VoteBody{StoryID: "s2", ParticipantID: "p2", Vote: "13"})
	v := waitView(t, e, func(v View) bool { return v.Participants[1].Voted })
	if len(v.Votes) != 0 {
		t.Errorf("active vote map polluted by non-active vote: %v", v.Votes)
	}
}

func TestVoteUpdatedCommutesWithOwnVote(t *testing.T) {
	e, ft := startEngine(t, baseSnapshot(), ada())
	if err := e.StartVoting(); err != nil {
		t.Fatal(err)
	}

	if err := e.CastVote("5"); err != nil {
		t.Fatal(err)
	}
	ft.push(protocol.EventVoteUpdated, protocol.VoteBody{StoryID: "s1", ParticipantID: "p2", Vote: "8"})
	// Relay echo of our own vote arrives late; state must not change.
	ft.push(protocol.EventVoteUpdated, protocol.VoteBody{StoryID: "s1", ParticipantID: "p1", Vote: "5"})

	v := waitView(t, e, func(v View) bool { return len(v.Votes) == 2 })
	if v.Votes["p1"] != "5" || v.Votes["p2"] != "8" {
		t.Errorf("votes = %v", v.Votes)
	}
	if v.SelectedEstimate != "5" {
		t.Errorf("selected estimate = %q", v.SelectedEstimate)
	}
}

func TestCastVoteSendsAndAppliesOptimistically(t *testing.T) {
	e, ft := startEngine(t, baseSnapshot(), ada())
	if err := e.StartVoting(); err != nil {
		t.Fatal(err)
	}
	if err := e.CastVote("?"); err != nil {
		t.Fatalf("CastVote: %v", err)
	}

	msg := ft.lastSent(t)
	if msg.Action != protocol.ActionParticipantVoted {
		t.Errorf("action = %s", msg.Action)
	}
	var body protocol.VoteBody
	if err := json.Unmarshal(msg.Body, &body); err != nil {
		t.Fatal(err)
	}
	if body.StoryID != "s1" || body.ParticipantID != "p1" || body.Vote != "?" {
		t.Errorf("vote body = %+v", body)
	}

	v := e.View()
	if v.Votes["p1"] != "?" || v.SelectedEstimate != "?" {
		t.Errorf("optimistic vote missing: votes=%v selected=%q", v.Votes, v.SelectedEstimate)
	}
	if !v.Participants[0].Voted {
		t.Error("own participant not marked voted")
	}
}

func TestCreatorGating(t *testing.T) {
	e, _ := startEngine(t, baseSnapshot(), grace())

	if err := e.StartVoting(); !errors.Is(err, ErrNotCreator) {
		t.Errorf("StartVoting err = %v, want ErrNotCreator", err)
	}
	if err := e.RevealVotes(); !errors.Is(err, ErrNotCreator) {
		t.Errorf("RevealVotes err = %v, want ErrNotCreator", err)
	}
	if err := e.NextStory(); !errors.Is(err, ErrNotCreator) {
		t.Errorf("NextStory err = %v, want ErrNotCreator", err)
	}
	if err := e.AddStory("x"); !errors.Is(err, ErrNotCreator) {
		t.Errorf("AddStory err = %v, want ErrNotCreator", err)
	}
	// Voting itself is open to everyone.
	if err := e.CastVote("5"); err != nil {
		t.Errorf("CastVote err = %v", err)
	}
}

func TestStartVotingOnCompletedStoryRejected(t *testing.T) {
	snap := baseSnapshot()
	snap.Stories[0].Status = "completed"
	e, _ := startEngine(t, snap, ada())

	if err := e.StartVoting(); !errors.Is(err, ErrStoryComplete) {
		t.Errorf("err = %v, want ErrStoryComplete", err)
	}
}

func TestRevealRequiresVotes(t *testing.T) {
	e, _ := startEngine(t, baseSnapshot(), ada())
	if err := e.StartVoting(); err != nil {
		t.Fatal(err)
	}
	if err := e.RevealVotes(); !errors.Is(err, ErrNoVotes) {
		t.Errorf("err = %v, want ErrNoVotes", err)
	}
}

func TestNextStoryFreezesAndAdvances(t *testing.T) {
	e, ft := startEngine(t, baseSnapshot(), ada())

	if err := e.StartVoting(); err != nil {
		t.Fatal(err)
	}
	if err := e.CastVote("5"); err != nil {
		t.Fatal(err)
	}
	ft.push(protocol.EventVoteUpdated, protocol.VoteBody{StoryID: "s1", ParticipantID: "p2", Vote: "5"})
	waitView(t, e, func(v View) bool { return len(v.Votes) == 2 })
	if err := e.RevealVotes(); err != nil {
		t.Fatal(err)
	}
	if err := e.NextStory(); err != nil {
		t.Fatal(err)
	}

	v := e.View()
	if v.ActiveIndex != 1 {
		t.Fatalf("active index = %d, want 1", v.ActiveIndex)
	}
	if v.Stories[0].Status != domain.StatusComplete || v.Stories[0].FinalEstimate != "5" {
		t.Errorf("previous story not frozen: %+v", v.Stories[0])
	}
	if len(v.Stories[0].Votes) != 2 {
		t.Errorf("frozen votes = %v", v.Stories[0].Votes)
	}
	if v.Phase != PhaseIdle || len(v.Votes) != 0 || v.SelectedEstimate != "" {
		t.Errorf("new story state not clean: phase=%s votes=%v selected=%q", v.Phase, v.Votes, v.SelectedEstimate)
	}

	actions := ft.sentActions()
	if actions[len(actions)-1] != protocol.ActionNextStory {
		t.Errorf("last action = %s, want nextStory", actions[len(actions)-1])
	}
}

func TestNextStoryPastEndSetsAllReviewed(t *testing.T) {
	snap := baseSnapshot()
	snap.Stories = snap.Stories[:1]
	e, _ := startEngine(t, snap, ada())

	if err := e.SkipStory(); err != nil {
		t.Fatal(err)
	}
	v := e.View()
	if !v.AllReviewed {
		t.Error("all-reviewed flag not raised past the last story")
	}
	if v.ActiveIndex != 0 {
		t.Errorf("active index wrapped to %d", v.ActiveIndex)
	}
}

func TestSkipStoryAdvancesWithoutFreezing(t *testing.T) {
	e, _ := startEngine(t, baseSnapshot(), ada())
	if err := e.StartVoting(); err != nil {
		t.Fatal(err)
	}
	if err := e.CastVote("8"); err != nil {
		t.Fatal(err)
	}
	if err := e.SkipStory(); err != nil {
		t.Fatal(err)
	}

	v := e.View()
	if v.ActiveIndex != 1 {
		t.Fatalf("active index = %d", v.ActiveIndex)
	}
	if v.Stories[0].FinalEstimate != "" {
		t.Errorf("skip froze an estimate: %q", v.Stories[0].FinalEstimate)
	}
}

func TestSelectStorySameIndexIsSilentNoOp(t *testing.T) {
	e, ft := startEngine(t, baseSnapshot(), ada())
	before := len(ft.sentActions())

	if err := e.SelectStory(0); err != nil {
		t.Fatalf("SelectStory: %v", err)
	}
	if got := len(ft.sentActions()); got != before {
		t.Errorf("same-index select broadcast %d extra frames", got-before)
	}

	if err := e.SelectStory(5); !errors.Is(err, ErrBadIndex) {
		t.Errorf("err = %v, want ErrBadIndex", err)
	}
}

func TestAddStoryHasNoOptimisticInsert(t *testing.T) {
	e, ft := startEngine(t, baseSnapshot(), ada())

	if err := e.AddStory("  payments  "); err != nil {
		t.Fatalf("AddStory: %v", err)
	}
	msg := ft.lastSent(t)
	if msg.Action != protocol.ActionAddStory {
		t.Fatalf("action = %s", msg.Action)
	}
	var body protocol.AddStoryBody
	if err := json.Unmarshal(msg.Body, &body); err != nil {
		t.Fatal(err)
	}
	if body.Story.Description != "payments" || body.Story.Status != "pending" || body.Story.StoryPoints != "n/a" {
		t.Errorf("story payload = %+v", body.Story)
	}
	if body.Story.StoryID == "" {
		t.Error("no story id generated")
	}

	if v := e.View(); len(v.Stories) != 2 {
		t.Errorf("stories = %d, local insert must wait for the echo", len(v.Stories))
	}

	// The relay echo is what lands the story.
	ft.push(protocol.EventStoryAdded, body.Story)
	waitView(t, e, func(v View) bool { return len(v.Stories) == 3 })

	if err := e.AddStory("   "); !errors.Is(err, ErrEmptyStory) {
		t.Errorf("blank AddStory err = %v", err)
	}
}

func TestRefetchPreservesActivePosition(t *testing.T) {
	ft := newFakeTransport()
	snaps := &fakeSnapshots{snap: baseSnapshot()}
	e := New("r1", ft, snaps, newFakeIdentity(ada(), true))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	e.Start(ctx)
	waitView(t, e, func(v View) bool { return v.Lifecycle == LifecycleReady })

	if err := e.SelectStory(1); err != nil {
		t.Fatal(err)
	}

	// The refreshed snapshot points at s1; the initial-selection latch
	// means it must not move us off s2.
	updated := baseSnapshot()
	updated.CurrentSelectedStory = "s1"
	updated.Stories = append(updated.Stories, api.ApiStory{StoryID: "s3", Description: "search", Status: "pending", StoryPoints: "n/a"})
	snaps.set(updated)

	if err := e.Refetch(); err != nil {
		t.Fatalf("Refetch: %v", err)
	}
	v := waitView(t, e, func(v View) bool { return len(v.Stories) == 3 })
	if v.ActiveIndex != 1 {
		t.Errorf("active index = %d, refetch moved the user's position", v.ActiveIndex)
	}
}

func TestLeaveClosesTransportAndStopsLoop(t *testing.T) {
	e, ft := startEngine(t, baseSnapshot(), ada())

	if err := e.Leave(); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	ft.mu.Lock()
	closed := ft.closed
	ft.mu.Unlock()
	if !closed {
		t.Error("transport not closed on leave")
	}
	if v := e.View(); v.Lifecycle != LifecycleUninitialized {
		t.Errorf("lifecycle after leave = %s", v.Lifecycle)
	}
}
