package storage

import (
	"context"
	"time"
)

// PollStorage keeps poll documents for a bounded lifetime. Every mutation targets one sub-path of the
// document and returns the snapshot read back after the write.
type PollStorage interface {
	Create(ctx context.Context, poll *Poll) (*Poll, error)
	Get(ctx context.Context, pollID string) (*Poll, error)
	SetParticipant(ctx context.Context, pollID, participantID, name string) (*Poll, error)
	DeleteParticipant(ctx context.Context, pollID, participantID string) (*Poll, error)
	SetNomination(ctx context.Context, pollID, nominationID string, nomination Nomination) (*Poll, error)
	DeleteNomination(ctx context.Context, pollID, nominationID string) (*Poll, error)
	SetStarted(ctx context.Context, pollID string) (*Poll, error)
	// SetRanking fails with ErrResultsFinal once results are stored.
	SetRanking(ctx context.Context, pollID, participantID string, ranking []string) (*Poll, error)
	// SetResults stores results only while none exist (ErrResultsFinal) and the ballots are still at
	// ballotRevision (ErrBallotsChanged).
	SetResults(ctx context.Context, pollID string, results []Result, ballotRevision int64) (*Poll, error)
	Delete(ctx context.Context, pollID string) error
}

// mutation changes one sub-path of a decoded document, or leaves it untouched and returns an error.
// Backends without native path writes (memory, postgres) apply it under their own serialization.
type mutation func(p *Poll) error

func setParticipant(participantID, name string) mutation {
	return func(p *Poll) error {
		p.Participants[participantID] = name
		return nil
	}
}

func deleteParticipant(participantID string) mutation {
	return func(p *Poll) error {
		delete(p.Participants, participantID)
		p.BallotRevision++
		return nil
	}
}

func setNomination(nominationID string, nomination Nomination) mutation {
	return func(p *Poll) error {
		p.Nominations[nominationID] = nomination
		return nil
	}
}

func deleteNomination(nominationID string) mutation {
	return func(p *Poll) error {
		delete(p.Nominations, nominationID)
		return nil
	}
}

func setStarted() mutation {
	return func(p *Poll) error {
		p.HasStarted = true
		return nil
	}
}

func setRanking(participantID string, ranking []string) mutation {
	r := append([]string(nil), ranking...)
	return func(p *Poll) error {
		if len(p.Results) > 0 {
			return ErrResultsFinal
		}
		p.Rankings[participantID] = r
		p.BallotRevision++
		return nil
	}
}

func setResults(results []Result, ballotRevision int64) mutation {
	r := append([]Result(nil), results...)
	return func(p *Poll) error {
		if len(p.Results) > 0 {
			return ErrResultsFinal
		}
		if p.BallotRevision != ballotRevision {
			return ErrBallotsChanged
		}
		p.Results = r
		return nil
	}
}

// prepareCreate copies the poll, fills empty maps and stamps the expiry from ttl.
func prepareCreate(poll *Poll, ttl time.Duration, now time.Time) *Poll {
	p := poll.Clone().normalize()
	p.ExpiresAt = now.Add(ttl).Unix()
	return p
}
