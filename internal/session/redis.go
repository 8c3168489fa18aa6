package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// sessionTTL bounds how long an orphaned session record lingers. Any live
// call refreshes nothing — calls far outlive an hour only in error states,
// and those records expiring is the point.
const sessionTTL = time.Hour

// ErrSessionNotFound reports that no session record exists for a call SID.
var ErrSessionNotFound = errors.New("session: not found")

// RedisStore implements [Store] on a Redis hash per call, keyed
// "call:<callSID>".
type RedisStore struct {
	client *redis.Client
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore wraps an existing Redis client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func key(callSID string) string { return "call:" + callSID }

// Init implements [Store].
func (s *RedisStore) Init(ctx context.Context, rec Record) error {
	k := key(rec.CallSID)
	started := rec.StartedAt
	if started.IsZero() {
		started = time.Now()
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, k)
	pipe.HSet(ctx, k,
		"conversation_id", rec.ConversationID,
		"org_id", rec.OrgID,
		"agent_id", rec.AgentID,
		"stage", StageListening,
		"interrupts", 0,
		"sequence", 0,
		"started_at", started.UTC().Format(time.RFC3339),
	)
	pipe.Expire(ctx, k, sessionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: init %s: %w", rec.CallSID, err)
	}
	return nil
}

// SetStage implements [Store].
func (s *RedisStore) SetStage(ctx context.Context, callSID, stage string) error {
	if err := s.client.HSet(ctx, key(callSID), "stage", stage).Err(); err != nil {
		return fmt.Errorf("session: set stage %s: %w", callSID, err)
	}
	return nil
}

// IncrInterrupts implements [Store].
func (s *RedisStore) IncrInterrupts(ctx context.Context, callSID string) (int64, error) {
	n, err := s.client.HIncrBy(ctx, key(callSID), "interrupts", 1).Result()
	if err != nil {
		return 0, fmt.Errorf("session: incr interrupts %s: %w", callSID, err)
	}
	return n, nil
}

// NextSequence implements [Store].
func (s *RedisStore) NextSequence(ctx context.Context, callSID string) (int64, error) {
	n, err := s.client.HIncrBy(ctx, key(callSID), "sequence", 1).Result()
	if err != nil {
		return 0, fmt.Errorf("session: next sequence %s: %w", callSID, err)
	}
	return n, nil
}

// Snapshot implements [Store].
func (s *RedisStore) Snapshot(ctx context.Context, callSID string) (Record, error) {
	fields, err := s.client.HGetAll(ctx, key(callSID)).Result()
	if err != nil {
		return Record{}, fmt.Errorf("session: snapshot %s: %w", callSID, err)
	}
	if len(fields) == 0 {
		return Record{}, ErrSessionNotFound
	}

	rec := Record{
		CallSID:        callSID,
		ConversationID: fields["conversation_id"],
		OrgID:          fields["org_id"],
		AgentID:        fields["agent_id"],
		Stage:          fields["stage"],
	}
	rec.Interrupts, _ = strconv.ParseInt(fields["interrupts"], 10, 64)
	rec.Sequence, _ = strconv.ParseInt(fields["sequence"], 10, 64)
	if ts, err := time.Parse(time.RFC3339, fields["started_at"]); err == nil {
		rec.StartedAt = ts
	}
	return rec, nil
}

// Delete implements [Store].
func (s *RedisStore) Delete(ctx context.Context, callSID string) error {
	if err := s.client.Del(ctx, key(callSID)).Err(); err != nil {
		return fmt.Errorf("session: delete %s: %w", callSID, err)
	}
	return nil
}

// Ping verifies Redis connectivity, for readiness checks.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
