package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/semenandronov/legaltech-sub000/internal/domain"
)

const checkpointTTL = 7 * 24 * time.Hour

func checkpointKey(runID string) string { return "run:checkpoint:" + runID }

// saveScript writes the checkpoint only if the stored sequence number is
// not ahead of the incoming one. Equal sequence numbers are accepted so a
// retried save of the same transition stays idempotent. Returns 0 when the
// stored record is newer.
var saveScript = redis.NewScript(`
	local cur = redis.call("HGET", KEYS[1], "seq")
	if cur and tonumber(cur) > tonumber(ARGV[1]) then
		return 0
	end
	redis.call("HSET", KEYS[1], "seq", ARGV[1], "state", ARGV[2])
	redis.call("PEXPIRE", KEYS[1], ARGV[3])
	return 1
`)

// CheckpointStore persists Run State snapshots in Redis, one hash per run
// holding the JSON state and its sequence number for the optimistic
// concurrency check.
type CheckpointStore struct {
	client *redis.Client
}

// NewCheckpointStore creates a Redis-backed checkpoint store.
func NewCheckpointStore(client *redis.Client) *CheckpointStore {
	return &CheckpointStore{client: client}
}

// NewClient creates and returns a new Redis client.
func NewClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  1 * time.Second,
		WriteTimeout: 1 * time.Second,
		PoolSize:     10,
	})
}

func (s *CheckpointStore) Save(ctx context.Context, st *domain.RunState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal checkpoint for %s: %w", st.RunID, err)
	}
	ok, err := saveScript.Run(
		ctx, s.client,
		[]string{checkpointKey(st.RunID)},
		st.Seq,
		data,
		checkpointTTL.Milliseconds(),
	).Int()
	if err != nil {
		return fmt.Errorf("redis save checkpoint for %s: %w", st.RunID, err)
	}
	if ok == 0 {
		return &domain.StaleCheckpointError{RunID: st.RunID, Seq: st.Seq}
	}
	return nil
}

func (s *CheckpointStore) Load(ctx context.Context, runID string) (*domain.RunState, error) {
	data, err := s.client.HGet(ctx, checkpointKey(runID), "state").Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, &domain.RunNotFoundError{RunID: runID}
		}
		return nil, fmt.Errorf("redis load checkpoint for %s: %w", runID, err)
	}
	var st domain.RunState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint for %s: %w", runID, err)
	}
	return &st, nil
}
