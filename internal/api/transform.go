package api

import (
	"strconv"

	"github.com/dkeye/sprintsync/internal/domain"
)

// TransformSnapshot maps the wire snapshot onto the domain room. It never
// fails: absent collections become empty slices and a story with an
// unparseable story-points value is kept with no estimate rather than
// dropped.
func TransformSnapshot(snap RoomSnapshot) domain.Room {
	room := domain.Room{
		ID:                domain.RoomID(snap.ID),
		Name:              snap.Name,
		CreatedBy:         domain.ParticipantID(snap.CreatedBy),
		CreatedDate:       snap.CreatedDate,
		TotalParticipants: snap.TotalParticipants,
		Stories:           make([]domain.Story, 0, len(snap.Stories)),
		Participants:      make([]domain.Participant, 0, len(snap.Participants)),
	}
	for _, s := range snap.Stories {
		room.Stories = append(room.Stories, TransformStory(s))
	}
	for _, p := range snap.Participants {
		room.Participants = append(room.Participants, TransformParticipant(p))
	}
	return room
}

func TransformStory(s ApiStory) domain.Story {
	story := domain.Story{
		ID:            domain.StoryID(s.StoryID),
		Description:   s.Description,
		Status:        domain.ParseStatus(s.Status),
		FinalEstimate: s.FinalEstimate,
	}
	if n, err := strconv.Atoi(s.StoryPoints); err == nil {
		story.Estimate = &n
	}
	for _, v := range s.Votes {
		story.Votes = append(story.Votes, domain.Vote{
			ParticipantID: domain.ParticipantID(v.ParticipantID),
			Value:         v.Vote,
		})
	}
	return story
}

func TransformParticipant(p ApiParticipant) domain.Participant {
	return domain.Participant{
		ID:       domain.ParticipantID(p.ParticipantID),
		Name:     p.Name,
		Initials: domain.Initials(p.Name),
		Voted:    p.Status == "voted",
		Vote:     p.Vote,
	}
}
