// Package polls runs the poll life cycle: guards every action against the caller's role and the poll
// state, writes through the storage layer and computes results when voting ends.
package polls

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/alex-pricope/ranked-polls/auth"
	"github.com/alex-pricope/ranked-polls/ids"
	"github.com/alex-pricope/ranked-polls/logging"
	"github.com/alex-pricope/ranked-polls/storage"
	"github.com/alex-pricope/ranked-polls/tally"
	"github.com/pkg/errors"
)

const (
	MaxTopicLength      = 100
	MaxNameLength       = 25
	MaxNominationLength = 100
	MaxVotesPerVoter    = 5

	createAttempts = 5
	tallyAttempts  = 10
)

// CredentialIssuer signs the credential a participant presents when connecting.
type CredentialIssuer interface {
	Issue(id auth.Identity, expiresAt time.Time) (string, error)
}

type CreatePollFields struct {
	Topic         string
	VotesPerVoter int
	Name          string
}

type JoinPollFields struct {
	PollID string
	Name   string
}

type RejoinPollFields struct {
	PollID string
	UserID string
	Name   string
}

type AddNominationFields struct {
	PollID string
	UserID string
	Text   string
}

type SubmitRankingsFields struct {
	PollID   string
	UserID   string
	Rankings []string
}

// PollAccess is a poll snapshot together with the caller's fresh credential.
type PollAccess struct {
	Poll        *storage.Poll
	AccessToken string
}

type Service struct {
	storage   storage.PollStorage
	tokens    CredentialIssuer
	autoClose bool
}

// NewService builds the coordinator. With autoClose, results are computed as soon as every
// participant has submitted a ballot.
func NewService(s storage.PollStorage, tokens CredentialIssuer, autoClose bool) *Service {
	return &Service{
		storage:   s,
		tokens:    tokens,
		autoClose: autoClose,
	}
}

func (s *Service) CreatePoll(ctx context.Context, fields CreatePollFields) (*PollAccess, error) {
	topic := strings.TrimSpace(fields.Topic)
	if err := checkLength("topic", topic, MaxTopicLength); err != nil {
		return nil, err
	}
	name := strings.TrimSpace(fields.Name)
	if err := checkLength("name", name, MaxNameLength); err != nil {
		return nil, err
	}
	if fields.VotesPerVoter < 1 || fields.VotesPerVoter > MaxVotesPerVoter {
		return nil, errors.Wrapf(ErrInvalidArgument, "votesPerVoter must be between 1 and %d", MaxVotesPerVoter)
	}

	userID, err := ids.NewParticipantID()
	if err != nil {
		return nil, errors.Wrap(err, "generate participant id")
	}

	var created *storage.Poll
	for attempt := 1; attempt <= createAttempts && created == nil; attempt++ {
		pollID, err := ids.NewPollID()
		if err != nil {
			return nil, errors.Wrap(err, "generate poll id")
		}
		created, err = s.storage.Create(ctx, &storage.Poll{
			ID:            pollID,
			Topic:         topic,
			VotesPerVoter: fields.VotesPerVoter,
			Participants:  map[string]string{userID: name},
			AdminID:       userID,
		})
		if errors.Is(err, storage.ErrPollExists) {
			logging.Log.Warnf("POLLS: poll id %s is taken, retrying (attempt %d)", pollID, attempt)
			continue
		}
		if err != nil {
			return nil, errors.Wrap(err, "create poll")
		}
	}
	if created == nil {
		return nil, errors.Wrapf(storage.ErrUnavailable, "no free poll id after %d attempts", createAttempts)
	}

	logging.ForPoll(created.ID, userID).Infof("POLLS: created poll %q with %d votes per voter", topic, created.VotesPerVoter)
	return s.withToken(created, userID, name)
}

// JoinPoll issues a credential for a new participant. The participant is recorded once it connects.
func (s *Service) JoinPoll(ctx context.Context, fields JoinPollFields) (*PollAccess, error) {
	name := strings.TrimSpace(fields.Name)
	if err := checkLength("name", name, MaxNameLength); err != nil {
		return nil, err
	}
	poll, err := s.storage.Get(ctx, strings.ToUpper(strings.TrimSpace(fields.PollID)))
	if err != nil {
		return nil, errors.Wrap(err, "join poll")
	}
	if poll.HasStarted {
		return nil, errors.Wrap(ErrInvalidState, "voting has already started")
	}

	userID, err := ids.NewParticipantID()
	if err != nil {
		return nil, errors.Wrap(err, "generate participant id")
	}
	logging.ForPoll(poll.ID, userID).Debug("POLLS: issued join credential")
	return s.withToken(poll, userID, name)
}

// RejoinPoll records a connecting participant. Once voting started only existing participants may
// come back, and nothing is written for them.
func (s *Service) RejoinPoll(ctx context.Context, fields RejoinPollFields) (*storage.Poll, error) {
	poll, err := s.storage.Get(ctx, fields.PollID)
	if err != nil {
		return nil, errors.Wrap(err, "rejoin poll")
	}
	if poll.HasStarted {
		if !poll.HasParticipant(fields.UserID) {
			return nil, errors.Wrap(ErrInvalidState, "voting has already started")
		}
		return poll, nil
	}

	updated, err := s.storage.SetParticipant(ctx, fields.PollID, fields.UserID, fields.Name)
	if err != nil {
		return nil, errors.Wrap(err, "add participant")
	}
	logging.ForPoll(fields.PollID, fields.UserID).Infof("POLLS: participant %q joined (%d total)", fields.Name, len(updated.Participants))
	return updated, nil
}

// Leave drops a participant whose last connection went away. The admin and everyone after voting
// started stay in the poll. A nil poll means nothing changed.
func (s *Service) Leave(ctx context.Context, pollID, userID string) (*storage.Poll, error) {
	poll, err := s.storage.Get(ctx, pollID)
	if err != nil {
		return nil, errors.Wrap(err, "leave poll")
	}
	if poll.HasStarted || poll.IsAdmin(userID) || !poll.HasParticipant(userID) {
		return nil, nil
	}

	updated, err := s.storage.DeleteParticipant(ctx, pollID, userID)
	if err != nil {
		return nil, errors.Wrap(err, "remove participant")
	}
	logging.ForPoll(pollID, userID).Info("POLLS: participant left")
	return updated, nil
}

func (s *Service) RemoveParticipant(ctx context.Context, pollID, actorID, participantID string) (*storage.Poll, error) {
	poll, err := s.storage.Get(ctx, pollID)
	if err != nil {
		return nil, errors.Wrap(err, "remove participant")
	}
	if !poll.IsAdmin(actorID) {
		return nil, errors.Wrap(ErrForbidden, "only the admin can remove participants")
	}
	if poll.IsAdmin(participantID) {
		return nil, errors.Wrap(ErrInvalidState, "the admin cannot be removed, cancel the poll instead")
	}
	if !poll.HasParticipant(participantID) {
		return nil, errors.Wrapf(ErrNotFound, "participant %s", participantID)
	}
	if poll.State() == storage.StateClosed {
		return nil, errors.Wrap(ErrInvalidState, "results are already computed")
	}

	updated, err := s.storage.DeleteParticipant(ctx, pollID, participantID)
	if err != nil {
		return nil, errors.Wrap(err, "remove participant")
	}
	logging.ForPoll(pollID, actorID).Infof("POLLS: removed participant %s", participantID)

	// The removed participant may have been the only one still without a ballot.
	if s.autoClose && updated.HasStarted && allRanked(updated) {
		return s.computeResults(ctx, pollID)
	}
	return updated, nil
}

func (s *Service) AddNomination(ctx context.Context, fields AddNominationFields) (*storage.Poll, error) {
	text := strings.TrimSpace(fields.Text)
	if err := checkLength("nomination", text, MaxNominationLength); err != nil {
		return nil, err
	}
	poll, err := s.storage.Get(ctx, fields.PollID)
	if err != nil {
		return nil, errors.Wrap(err, "add nomination")
	}
	if !poll.HasParticipant(fields.UserID) {
		return nil, errors.Wrap(ErrForbidden, "only participants can nominate")
	}
	if poll.HasStarted {
		return nil, errors.Wrap(ErrInvalidState, "nominations are closed once voting started")
	}

	nominationID, err := ids.NewNominationID()
	if err != nil {
		return nil, errors.Wrap(err, "generate nomination id")
	}
	updated, err := s.storage.SetNomination(ctx, fields.PollID, nominationID, storage.Nomination{
		UserID: fields.UserID,
		Text:   text,
	})
	if err != nil {
		return nil, errors.Wrap(err, "add nomination")
	}
	logging.ForPoll(fields.PollID, fields.UserID).Infof("POLLS: added nomination %s", nominationID)
	return updated, nil
}

func (s *Service) RemoveNomination(ctx context.Context, pollID, actorID, nominationID string) (*storage.Poll, error) {
	poll, err := s.storage.Get(ctx, pollID)
	if err != nil {
		return nil, errors.Wrap(err, "remove nomination")
	}
	if !poll.HasParticipant(actorID) {
		return nil, errors.Wrap(ErrForbidden, "only participants can remove nominations")
	}
	if poll.HasStarted {
		return nil, errors.Wrap(ErrInvalidState, "nominations are frozen once voting started")
	}
	nomination, ok := poll.Nominations[nominationID]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "nomination %s", nominationID)
	}
	if nomination.UserID != actorID && !poll.IsAdmin(actorID) {
		return nil, errors.Wrap(ErrForbidden, "only the author or the admin can remove a nomination")
	}

	updated, err := s.storage.DeleteNomination(ctx, pollID, nominationID)
	if err != nil {
		return nil, errors.Wrap(err, "remove nomination")
	}
	logging.ForPoll(pollID, actorID).Infof("POLLS: removed nomination %s", nominationID)
	return updated, nil
}

// StartPoll opens voting. The poll is read right before the write so the nomination count guard
// sees the latest document; starting twice is a no-op.
func (s *Service) StartPoll(ctx context.Context, pollID, actorID string) (*storage.Poll, error) {
	poll, err := s.storage.Get(ctx, pollID)
	if err != nil {
		return nil, errors.Wrap(err, "start poll")
	}
	if !poll.IsAdmin(actorID) {
		return nil, errors.Wrap(ErrForbidden, "only the admin can start voting")
	}
	if poll.HasStarted {
		return poll, nil
	}
	if len(poll.Nominations) < poll.VotesPerVoter {
		return nil, errors.Wrapf(ErrInvalidState, "need at least %d nominations, have %d", poll.VotesPerVoter, len(poll.Nominations))
	}

	updated, err := s.storage.SetStarted(ctx, pollID)
	if err != nil {
		return nil, errors.Wrap(err, "start poll")
	}
	logging.ForPoll(pollID, actorID).Infof("POLLS: voting started with %d nominations", len(updated.Nominations))
	return updated, nil
}

// SubmitRankings stores the caller's ballot, replacing any earlier one.
func (s *Service) SubmitRankings(ctx context.Context, fields SubmitRankingsFields) (*storage.Poll, error) {
	poll, err := s.storage.Get(ctx, fields.PollID)
	if err != nil {
		return nil, errors.Wrap(err, "submit rankings")
	}
	if !poll.HasParticipant(fields.UserID) {
		return nil, errors.Wrap(ErrForbidden, "only participants can vote")
	}
	if !poll.HasStarted {
		return nil, errors.Wrap(ErrInvalidState, "voting has not started")
	}
	if len(poll.Results) > 0 {
		return nil, errors.Wrap(ErrInvalidState, "results are already computed")
	}
	if err := validateRankings(poll, fields.Rankings); err != nil {
		return nil, err
	}

	updated, err := s.storage.SetRanking(ctx, fields.PollID, fields.UserID, fields.Rankings)
	if errors.Is(err, storage.ErrResultsFinal) {
		return nil, errors.Wrap(ErrInvalidState, "results are already computed")
	}
	if err != nil {
		return nil, errors.Wrap(err, "submit rankings")
	}
	logging.ForPoll(fields.PollID, fields.UserID).Infof("POLLS: ballot stored (%d of %d)", len(updated.Rankings), len(updated.Participants))

	if s.autoClose && allRanked(updated) {
		return s.computeResults(ctx, fields.PollID)
	}
	return updated, nil
}

// ComputeResults closes voting on the admin's request. Once results exist it returns them unchanged.
func (s *Service) ComputeResults(ctx context.Context, pollID, actorID string) (*storage.Poll, error) {
	poll, err := s.storage.Get(ctx, pollID)
	if err != nil {
		return nil, errors.Wrap(err, "compute results")
	}
	if !poll.IsAdmin(actorID) {
		return nil, errors.Wrap(ErrForbidden, "only the admin can close voting")
	}
	if !poll.HasStarted {
		return nil, errors.Wrap(ErrInvalidState, "voting has not started")
	}
	if len(poll.Results) > 0 {
		return poll, nil
	}
	return s.computeResults(ctx, pollID)
}

// computeResults tallies the latest ballots. The store refuses results tallied from ballots that
// changed in the meantime, in which case the tally runs again on a fresh read.
func (s *Service) computeResults(ctx context.Context, pollID string) (*storage.Poll, error) {
	for attempt := 1; attempt <= tallyAttempts; attempt++ {
		poll, err := s.storage.Get(ctx, pollID)
		if err != nil {
			return nil, errors.Wrap(err, "compute results")
		}
		if len(poll.Results) > 0 {
			return poll, nil
		}

		// Ballots of removed participants do not count.
		rankings := make(map[string][]string, len(poll.Rankings))
		for participantID, ranking := range poll.Rankings {
			if poll.HasParticipant(participantID) {
				rankings[participantID] = ranking
			}
		}

		results := tally.InstantRunoff(rankings, poll.Nominations, poll.VotesPerVoter)
		updated, err := s.storage.SetResults(ctx, pollID, results, poll.BallotRevision)
		if errors.Is(err, storage.ErrBallotsChanged) || errors.Is(err, storage.ErrResultsFinal) {
			logging.ForPoll(pollID, "").Debugf("POLLS: ballots changed while tallying (attempt %d)", attempt)
			continue
		}
		if err != nil {
			return nil, errors.Wrap(err, "store results")
		}
		logging.ForPoll(pollID, "").Infof("POLLS: results computed from %d ballots", len(rankings))
		return updated, nil
	}
	return nil, errors.Wrapf(storage.ErrUnavailable, "ballots kept changing over %d tally attempts", tallyAttempts)
}

// CancelPoll deletes the poll. There is no way back.
func (s *Service) CancelPoll(ctx context.Context, pollID, actorID string) error {
	poll, err := s.storage.Get(ctx, pollID)
	if err != nil {
		return errors.Wrap(err, "cancel poll")
	}
	if !poll.IsAdmin(actorID) {
		return errors.Wrap(ErrForbidden, "only the admin can cancel the poll")
	}
	if err := s.storage.Delete(ctx, pollID); err != nil {
		return errors.Wrap(err, "cancel poll")
	}
	logging.ForPoll(pollID, actorID).Info("POLLS: poll cancelled")
	return nil
}

func (s *Service) GetPoll(ctx context.Context, pollID string) (*storage.Poll, error) {
	poll, err := s.storage.Get(ctx, pollID)
	if err != nil {
		return nil, errors.Wrap(err, "get poll")
	}
	return poll, nil
}

func (s *Service) withToken(poll *storage.Poll, userID, name string) (*PollAccess, error) {
	token, err := s.tokens.Issue(auth.Identity{
		ParticipantID: userID,
		PollID:        poll.ID,
		Name:          name,
	}, time.Unix(poll.ExpiresAt, 0))
	if err != nil {
		return nil, errors.Wrap(err, "issue credential")
	}
	return &PollAccess{Poll: poll, AccessToken: token}, nil
}

func checkLength(field, value string, limit int) error {
	n := utf8.RuneCountInString(value)
	if n == 0 {
		return errors.Wrapf(ErrInvalidArgument, "%s is required", field)
	}
	if n > limit {
		return errors.Wrapf(ErrInvalidArgument, "%s must be at most %d characters", field, limit)
	}
	return nil
}

func validateRankings(poll *storage.Poll, rankings []string) error {
	if len(rankings) == 0 {
		return errors.Wrap(ErrInvalidArgument, "rankings must not be empty")
	}
	if len(rankings) > poll.VotesPerVoter {
		return errors.Wrapf(ErrInvalidArgument, "at most %d rankings allowed", poll.VotesPerVoter)
	}
	seen := make(map[string]bool, len(rankings))
	for _, id := range rankings {
		if _, ok := poll.Nominations[id]; !ok {
			return errors.Wrapf(ErrInvalidArgument, "unknown nomination %s", id)
		}
		if seen[id] {
			return errors.Wrapf(ErrInvalidArgument, "nomination %s ranked twice", id)
		}
		seen[id] = true
	}
	return nil
}

func allRanked(poll *storage.Poll) bool {
	for participantID := range poll.Participants {
		if _, ok := poll.Rankings[participantID]; !ok {
			return false
		}
	}
	return true
}
