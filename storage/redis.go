package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/alex-pricope/ranked-polls/logging"
	"github.com/go-redis/redis"
)

// RedisPollStorage stores each poll as a RedisJSON document under polls:<id>. Sub-path writes use
// JSON.SET on a path and are read back inside the same MULTI block. Writes that depend on the
// document's current state run as Lua scripts.
type RedisPollStorage struct {
	Client *redis.Client
	TTL    time.Duration
}

// createScript sets the document and its expiry together, or reports 0 when the key is taken.
var createScript = redis.NewScript(`
if not redis.call('JSON.SET', KEYS[1], '.', ARGV[1], 'NX') then
	return 0
end
redis.call('EXPIREAT', KEYS[1], ARGV[2])
return 1
`)

// Guarded writes return the document after the write, 0 for a missing key, -1 when results are
// already stored and -2 when the ballot revision moved.
var rankingScript = redis.NewScript(`
local raw = redis.call('JSON.GET', KEYS[1], '.')
if not raw then
	return 0
end
if cjson.decode(raw).results then
	return -1
end
redis.call('JSON.SET', KEYS[1], ARGV[1], ARGV[2])
redis.call('JSON.NUMINCRBY', KEYS[1], '.ballotRevision', 1)
return redis.call('JSON.GET', KEYS[1], '.')
`)

var removeParticipantScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
redis.call('JSON.DEL', KEYS[1], ARGV[1])
redis.call('JSON.NUMINCRBY', KEYS[1], '.ballotRevision', 1)
return redis.call('JSON.GET', KEYS[1], '.')
`)

var resultsScript = redis.NewScript(`
local raw = redis.call('JSON.GET', KEYS[1], '.')
if not raw then
	return 0
end
local doc = cjson.decode(raw)
if doc.results then
	return -1
end
if tonumber(doc.ballotRevision) ~= tonumber(ARGV[2]) then
	return -2
end
redis.call('JSON.SET', KEYS[1], '.results', ARGV[1])
return redis.call('JSON.GET', KEYS[1], '.')
`)

func pollKey(pollID string) string {
	return "polls:" + pollID
}

func jsonPath(field, key string) string {
	return fmt.Sprintf(".%s[%s]", field, strconv.Quote(key))
}

func (s *RedisPollStorage) client(ctx context.Context) *redis.Client {
	return s.Client.WithContext(ctx)
}

func (s *RedisPollStorage) Create(ctx context.Context, poll *Poll) (*Poll, error) {
	p := prepareCreate(poll, s.TTL, time.Now())
	doc, err := json.Marshal(p)
	if err != nil {
		return nil, unavailable(err)
	}

	key := pollKey(p.ID)
	// NX keeps an existing live poll untouched; Redis evicts expired keys on its own.
	created, err := createScript.Run(s.client(ctx), []string{key}, string(doc), p.ExpiresAt).Int64()
	if err != nil {
		logging.Log.Errorf("STORE: create %s failed: %v", key, err)
		return nil, unavailable(err)
	}
	if created == 0 {
		return nil, ErrPollExists
	}
	logging.Log.Debugf("STORE: created poll %s with TTL %s", p.ID, s.TTL)
	return s.Get(ctx, p.ID)
}

func (s *RedisPollStorage) Get(ctx context.Context, pollID string) (*Poll, error) {
	raw, err := s.client(ctx).Do("JSON.GET", pollKey(pollID), ".").Result()
	return decodeJSONReply(pollID, raw, err)
}

func decodeJSONReply(pollID string, raw interface{}, err error) (*Poll, error) {
	if err == redis.Nil {
		return nil, ErrPollNotFound
	}
	if err != nil {
		logging.Log.Errorf("STORE: JSON.GET poll %s failed: %v", pollID, err)
		return nil, unavailable(err)
	}
	doc, ok := raw.(string)
	if !ok {
		return nil, unavailable(fmt.Errorf("unexpected reply %T for poll %s", raw, pollID))
	}
	var p Poll
	if err := json.Unmarshal([]byte(doc), &p); err != nil {
		return nil, unavailable(err)
	}
	return p.normalize(), nil
}

// exec runs one JSON write followed by a read of the whole document in a single transaction.
func (s *RedisPollStorage) exec(ctx context.Context, pollID string, args ...interface{}) (*Poll, error) {
	key := pollKey(pollID)
	var write, read *redis.Cmd
	_, err := s.client(ctx).TxPipelined(func(pipe redis.Pipeliner) error {
		write = pipe.Do(args...)
		read = pipe.Do("JSON.GET", key, ".")
		return nil
	})
	if write != nil && write.Err() != nil && write.Err() != redis.Nil {
		// A path write on a missing key is rejected by RedisJSON instead of creating a document.
		n, existsErr := s.client(ctx).Exists(key).Result()
		if existsErr == nil && n == 0 {
			return nil, ErrPollNotFound
		}
		logging.Log.Errorf("STORE: %v on %s failed: %v", args[0], key, write.Err())
		return nil, unavailable(write.Err())
	}
	if read == nil {
		return nil, unavailable(err)
	}
	raw, readErr := read.Result()
	return decodeJSONReply(pollID, raw, readErr)
}

func (s *RedisPollStorage) guarded(ctx context.Context, script *redis.Script, pollID string, args ...interface{}) (*Poll, error) {
	raw, err := script.Run(s.client(ctx), []string{pollKey(pollID)}, args...).Result()
	if err != nil {
		logging.Log.Errorf("STORE: script on poll %s failed: %v", pollID, err)
		return nil, unavailable(err)
	}
	if status, ok := raw.(int64); ok {
		switch status {
		case 0:
			return nil, ErrPollNotFound
		case -1:
			return nil, ErrResultsFinal
		default:
			return nil, ErrBallotsChanged
		}
	}
	return decodeJSONReply(pollID, raw, nil)
}

func (s *RedisPollStorage) setJSON(ctx context.Context, pollID, path string, value interface{}) (*Poll, error) {
	b, err := json.Marshal(value)
	if err != nil {
		return nil, unavailable(err)
	}
	return s.exec(ctx, pollID, "JSON.SET", pollKey(pollID), path, string(b))
}

func (s *RedisPollStorage) SetParticipant(ctx context.Context, pollID, participantID, name string) (*Poll, error) {
	return s.setJSON(ctx, pollID, jsonPath("participants", participantID), name)
}

func (s *RedisPollStorage) DeleteParticipant(ctx context.Context, pollID, participantID string) (*Poll, error) {
	return s.guarded(ctx, removeParticipantScript, pollID, jsonPath("participants", participantID))
}

func (s *RedisPollStorage) SetNomination(ctx context.Context, pollID, nominationID string, nomination Nomination) (*Poll, error) {
	return s.setJSON(ctx, pollID, jsonPath("nominations", nominationID), nomination)
}

func (s *RedisPollStorage) DeleteNomination(ctx context.Context, pollID, nominationID string) (*Poll, error) {
	return s.exec(ctx, pollID, "JSON.DEL", pollKey(pollID), jsonPath("nominations", nominationID))
}

func (s *RedisPollStorage) SetStarted(ctx context.Context, pollID string) (*Poll, error) {
	return s.setJSON(ctx, pollID, ".hasStarted", true)
}

func (s *RedisPollStorage) SetRanking(ctx context.Context, pollID, participantID string, ranking []string) (*Poll, error) {
	b, err := json.Marshal(ranking)
	if err != nil {
		return nil, unavailable(err)
	}
	return s.guarded(ctx, rankingScript, pollID, jsonPath("rankings", participantID), string(b))
}

func (s *RedisPollStorage) SetResults(ctx context.Context, pollID string, results []Result, ballotRevision int64) (*Poll, error) {
	b, err := json.Marshal(results)
	if err != nil {
		return nil, unavailable(err)
	}
	return s.guarded(ctx, resultsScript, pollID, string(b), ballotRevision)
}

func (s *RedisPollStorage) Delete(ctx context.Context, pollID string) error {
	if err := s.client(ctx).Del(pollKey(pollID)).Err(); err != nil {
		logging.Log.Errorf("STORE: DEL poll %s failed: %v", pollID, err)
		return unavailable(err)
	}
	return nil
}
