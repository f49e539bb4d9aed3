package storage

import (
	"context"
	"sync"
	"time"

	"github.com/alex-pricope/ranked-polls/logging"
)

type memoryEntry struct {
	mu   sync.Mutex
	poll *Poll
}

// MemoryPollStorage keeps polls in process. Each document has its own mutex, so writes to one poll
// are serialized without blocking other polls.
type MemoryPollStorage struct {
	TTL time.Duration
	Now func() time.Time

	mu    sync.RWMutex
	polls map[string]*memoryEntry
}

func NewMemoryPollStorage(ttl time.Duration) *MemoryPollStorage {
	return &MemoryPollStorage{
		TTL:   ttl,
		Now:   time.Now,
		polls: make(map[string]*memoryEntry),
	}
}

func (s *MemoryPollStorage) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}

func (s *MemoryPollStorage) Create(ctx context.Context, poll *Poll) (*Poll, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable(err)
	}
	now := s.now()
	p := prepareCreate(poll, s.TTL, now)

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.polls[p.ID]; ok {
		existing.mu.Lock()
		live := existing.poll != nil && !existing.poll.Expired(now)
		existing.mu.Unlock()
		if live {
			return nil, ErrPollExists
		}
	}
	s.polls[p.ID] = &memoryEntry{poll: p}
	logging.Log.Debugf("STORE: created poll %s expiring at %d", p.ID, p.ExpiresAt)
	return p.Clone(), nil
}

func (s *MemoryPollStorage) entry(pollID string) *memoryEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.polls[pollID]
}

func (s *MemoryPollStorage) Get(ctx context.Context, pollID string) (*Poll, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable(err)
	}
	e := s.entry(pollID)
	if e == nil {
		return nil, ErrPollNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.poll == nil || e.poll.Expired(s.now()) {
		return nil, ErrPollNotFound
	}
	return e.poll.Clone(), nil
}

func (s *MemoryPollStorage) update(ctx context.Context, pollID string, m mutation) (*Poll, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable(err)
	}
	e := s.entry(pollID)
	if e == nil {
		return nil, ErrPollNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.poll == nil || e.poll.Expired(s.now()) {
		return nil, ErrPollNotFound
	}
	if err := m(e.poll); err != nil {
		return nil, err
	}
	return e.poll.Clone(), nil
}

func (s *MemoryPollStorage) SetParticipant(ctx context.Context, pollID, participantID, name string) (*Poll, error) {
	return s.update(ctx, pollID, setParticipant(participantID, name))
}

func (s *MemoryPollStorage) DeleteParticipant(ctx context.Context, pollID, participantID string) (*Poll, error) {
	return s.update(ctx, pollID, deleteParticipant(participantID))
}

func (s *MemoryPollStorage) SetNomination(ctx context.Context, pollID, nominationID string, nomination Nomination) (*Poll, error) {
	return s.update(ctx, pollID, setNomination(nominationID, nomination))
}

func (s *MemoryPollStorage) DeleteNomination(ctx context.Context, pollID, nominationID string) (*Poll, error) {
	return s.update(ctx, pollID, deleteNomination(nominationID))
}

func (s *MemoryPollStorage) SetStarted(ctx context.Context, pollID string) (*Poll, error) {
	return s.update(ctx, pollID, setStarted())
}

func (s *MemoryPollStorage) SetRanking(ctx context.Context, pollID, participantID string, ranking []string) (*Poll, error) {
	return s.update(ctx, pollID, setRanking(participantID, ranking))
}

func (s *MemoryPollStorage) SetResults(ctx context.Context, pollID string, results []Result, ballotRevision int64) (*Poll, error) {
	return s.update(ctx, pollID, setResults(results, ballotRevision))
}

func (s *MemoryPollStorage) Delete(ctx context.Context, pollID string) error {
	if err := ctx.Err(); err != nil {
		return unavailable(err)
	}
	s.mu.Lock()
	e, ok := s.polls[pollID]
	delete(s.polls, pollID)
	s.mu.Unlock()
	if ok {
		// Writers already holding the entry observe the nil poll as not found.
		e.mu.Lock()
		e.poll = nil
		e.mu.Unlock()
	}
	return nil
}

// Sweep evicts expired polls and returns how many were removed.
func (s *MemoryPollStorage) Sweep(ctx context.Context) (int, error) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, e := range s.polls {
		e.mu.Lock()
		if e.poll == nil || e.poll.Expired(now) {
			e.poll = nil
			delete(s.polls, id)
			removed++
		}
		e.mu.Unlock()
	}
	return removed, nil
}
