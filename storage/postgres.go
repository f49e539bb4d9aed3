package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/alex-pricope/ranked-polls/logging"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const uniqueViolation = "23505"

var errVersionConflict = errors.New("poll document changed concurrently")

type pollRecord struct {
	ID        string         `gorm:"primaryKey;size:16"`
	Document  datatypes.JSON `gorm:"type:jsonb;not null"`
	Version   int64          `gorm:"not null"`
	ExpiresAt time.Time      `gorm:"index;not null"`
}

func (pollRecord) TableName() string { return "polls" }

// PostgresPollStorage has no path-level JSON writes, so every mutation is an optimistic
// compare-and-set on a version column, retried while other writers win the race.
type PostgresPollStorage struct {
	DB          *gorm.DB
	TTL         time.Duration
	MaxAttempts int
}

func (s *PostgresPollStorage) Migrate(ctx context.Context) error {
	if err := s.DB.WithContext(ctx).AutoMigrate(&pollRecord{}); err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *PostgresPollStorage) attempts() int {
	if s.MaxAttempts <= 0 {
		return 25
	}
	return s.MaxAttempts
}

func (s *PostgresPollStorage) Create(ctx context.Context, poll *Poll) (*Poll, error) {
	now := time.Now()
	p := prepareCreate(poll, s.TTL, now)
	doc, err := json.Marshal(p)
	if err != nil {
		return nil, unavailable(err)
	}

	db := s.DB.WithContext(ctx)
	if err := db.Where("id = ? AND expires_at <= ?", p.ID, now).Delete(&pollRecord{}).Error; err != nil {
		return nil, unavailable(err)
	}
	rec := pollRecord{ID: p.ID, Document: datatypes.JSON(doc), Version: 1, ExpiresAt: time.Unix(p.ExpiresAt, 0)}
	if err := db.Create(&rec).Error; err != nil {
		var pgErr *pgconn.PgError
		if errors.Is(err, gorm.ErrDuplicatedKey) || (errors.As(err, &pgErr) && pgErr.Code == uniqueViolation) {
			return nil, ErrPollExists
		}
		logging.Log.Errorf("STORE: INSERT poll %s failed: %v", p.ID, err)
		return nil, unavailable(err)
	}
	return p, nil
}

func (s *PostgresPollStorage) load(ctx context.Context, pollID string) (*pollRecord, *Poll, error) {
	var rec pollRecord
	err := s.DB.WithContext(ctx).
		Where("id = ? AND expires_at > ?", pollID, time.Now()).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, ErrPollNotFound
	}
	if err != nil {
		logging.Log.Errorf("STORE: SELECT poll %s failed: %v", pollID, err)
		return nil, nil, unavailable(err)
	}
	var p Poll
	if err := json.Unmarshal([]byte(rec.Document), &p); err != nil {
		return nil, nil, unavailable(err)
	}
	return &rec, p.normalize(), nil
}

func (s *PostgresPollStorage) Get(ctx context.Context, pollID string) (*Poll, error) {
	_, p, err := s.load(ctx, pollID)
	return p, err
}

func (s *PostgresPollStorage) update(ctx context.Context, pollID string, m mutation) (*Poll, error) {
	for attempt := 1; attempt <= s.attempts(); attempt++ {
		rec, p, err := s.load(ctx, pollID)
		if err != nil {
			return nil, err
		}
		if err := m(p); err != nil {
			return nil, err
		}
		doc, err := json.Marshal(p)
		if err != nil {
			return nil, unavailable(err)
		}

		res := s.DB.WithContext(ctx).Model(&pollRecord{}).
			Where("id = ? AND version = ?", pollID, rec.Version).
			Updates(map[string]interface{}{
				"document": datatypes.JSON(doc),
				"version":  rec.Version + 1,
			})
		if res.Error != nil {
			logging.Log.Errorf("STORE: UPDATE poll %s failed: %v", pollID, res.Error)
			return nil, unavailable(res.Error)
		}
		if res.RowsAffected == 1 {
			return p, nil
		}
		logging.Log.Debugf("STORE: version conflict on poll %s, attempt %d", pollID, attempt)
	}
	return nil, unavailable(fmt.Errorf("%w after %d attempts", errVersionConflict, s.attempts()))
}

func (s *PostgresPollStorage) SetParticipant(ctx context.Context, pollID, participantID, name string) (*Poll, error) {
	return s.update(ctx, pollID, setParticipant(participantID, name))
}

func (s *PostgresPollStorage) DeleteParticipant(ctx context.Context, pollID, participantID string) (*Poll, error) {
	return s.update(ctx, pollID, deleteParticipant(participantID))
}

func (s *PostgresPollStorage) SetNomination(ctx context.Context, pollID, nominationID string, nomination Nomination) (*Poll, error) {
	return s.update(ctx, pollID, setNomination(nominationID, nomination))
}

func (s *PostgresPollStorage) DeleteNomination(ctx context.Context, pollID, nominationID string) (*Poll, error) {
	return s.update(ctx, pollID, deleteNomination(nominationID))
}

func (s *PostgresPollStorage) SetStarted(ctx context.Context, pollID string) (*Poll, error) {
	return s.update(ctx, pollID, setStarted())
}

func (s *PostgresPollStorage) SetRanking(ctx context.Context, pollID, participantID string, ranking []string) (*Poll, error) {
	return s.update(ctx, pollID, setRanking(participantID, ranking))
}

func (s *PostgresPollStorage) SetResults(ctx context.Context, pollID string, results []Result, ballotRevision int64) (*Poll, error) {
	return s.update(ctx, pollID, setResults(results, ballotRevision))
}

func (s *PostgresPollStorage) Delete(ctx context.Context, pollID string) error {
	if err := s.DB.WithContext(ctx).Delete(&pollRecord{}, "id = ?", pollID).Error; err != nil {
		logging.Log.Errorf("STORE: DELETE poll %s failed: %v", pollID, err)
		return unavailable(err)
	}
	return nil
}

func (s *PostgresPollStorage) Sweep(ctx context.Context) (int, error) {
	res := s.DB.WithContext(ctx).Where("expires_at <= ?", time.Now()).Delete(&pollRecord{})
	if res.Error != nil {
		return 0, unavailable(res.Error)
	}
	return int(res.RowsAffected), nil
}
