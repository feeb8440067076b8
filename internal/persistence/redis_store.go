package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/mcclowes/reqon/pkg/execution"
)

// RedisStore is an ExecutionStore and SyncCheckpointStore backed by Redis.
// It uses a simple key structure:
//
//	<prefix>:exec:<id>       => JSON execution document
//	<prefix>:idx:executions  => ZSET of ids scored by start time
//	<prefix>:idx:mission:<m> => SET of ids for a mission
//	<prefix>:cp:<key>        => JSON sync checkpoint
//	<prefix>:idx:checkpoints => SET of checkpoint keys
//
// The sorted-set index gives newest-first listing without scanning;
// status filters are applied in memory after loading the documents.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// Ensure RedisStore implements the interfaces.
var _ ExecutionStore = (*RedisStore)(nil)

var _ SyncCheckpointStore = (*RedisStore)(nil)

// NewRedisStore wraps an existing client. An empty prefix defaults to
// "reqon".
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "reqon"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) execKey(id string) string      { return s.prefix + ":exec:" + id }
func (s *RedisStore) execIndex() string             { return s.prefix + ":idx:executions" }
func (s *RedisStore) missionIndex(m string) string  { return s.prefix + ":idx:mission:" + m }
func (s *RedisStore) checkpointKey(k string) string { return s.prefix + ":cp:" + k }
func (s *RedisStore) checkpointIndex() string       { return s.prefix + ":idx:checkpoints" }

func (s *RedisStore) Save(ctx context.Context, state *execution.State) error {
	doc, err := EncodeState(state)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.execKey(state.ID), doc, 0)
	pipe.ZAdd(ctx, s.execIndex(), redis.Z{
		Score:  float64(state.StartedAt.UTC().UnixNano()),
		Member: state.ID,
	})
	pipe.SAdd(ctx, s.missionIndex(state.Mission), state.ID)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) Load(ctx context.Context, id string) (*execution.State, error) {
	doc, err := s.client.Get(ctx, s.execKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrExecutionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load execution %s: %w", id, err)
	}
	return DecodeState(doc)
}

func (s *RedisStore) ListByMission(ctx context.Context, mission string) ([]*execution.State, error) {
	ids, err := s.client.SMembers(ctx, s.missionIndex(mission)).Result()
	if err != nil {
		return nil, err
	}
	states, err := s.loadMany(ctx, ids)
	if err != nil {
		return nil, err
	}
	sortNewestFirst(states)
	return states, nil
}

func (s *RedisStore) ListRecent(ctx context.Context, limit int) ([]*execution.State, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	ids, err := s.client.ZRevRange(ctx, s.execIndex(), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	return s.loadMany(ctx, ids)
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	state, err := s.Load(ctx, id)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.execKey(id))
	pipe.ZRem(ctx, s.execIndex(), id)
	pipe.SRem(ctx, s.missionIndex(state.Mission), id)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) FindLatest(ctx context.Context, mission string) (*execution.State, error) {
	states, err := s.ListByMission(ctx, mission)
	if err != nil {
		return nil, err
	}
	if len(states) == 0 {
		return nil, ErrExecutionNotFound
	}
	return states[0], nil
}

func (s *RedisStore) FindResumable(ctx context.Context, mission string) ([]*execution.State, error) {
	states, err := s.ListByMission(ctx, mission)
	if err != nil {
		return nil, err
	}
	resumable := states[:0]
	for _, state := range states {
		if state.CanResume() {
			resumable = append(resumable, state)
		}
	}
	return resumable, nil
}

// loadMany preserves the order of ids; ids whose document vanished
// between index read and load are skipped.
func (s *RedisStore) loadMany(ctx context.Context, ids []string) ([]*execution.State, error) {
	states := make([]*execution.State, 0, len(ids))
	for _, id := range ids {
		state, err := s.Load(ctx, id)
		if errors.Is(err, ErrExecutionNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		states = append(states, state)
	}
	return states, nil
}

func (s *RedisStore) GetCheckpoint(ctx context.Context, key string) (execution.SyncCheckpoint, error) {
	doc, err := s.client.Get(ctx, s.checkpointKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return execution.SyncCheckpoint{}, ErrCheckpointNotFound
	}
	if err != nil {
		return execution.SyncCheckpoint{}, fmt.Errorf("load checkpoint %s: %w", key, err)
	}
	var cp execution.SyncCheckpoint
	if err := json.Unmarshal(doc, &cp); err != nil {
		return execution.SyncCheckpoint{}, fmt.Errorf("decode checkpoint %s: %w", key, err)
	}
	return cp, nil
}

func (s *RedisStore) PutCheckpoint(ctx context.Context, cp execution.SyncCheckpoint) error {
	doc, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encode checkpoint %s: %w", cp.Key, err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.checkpointKey(cp.Key), doc, 0)
	pipe.SAdd(ctx, s.checkpointIndex(), cp.Key)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) DeleteCheckpoint(ctx context.Context, key string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.checkpointKey(key))
	pipe.SRem(ctx, s.checkpointIndex(), key)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) ListCheckpoints(ctx context.Context) ([]execution.SyncCheckpoint, error) {
	keys, err := s.client.SMembers(ctx, s.checkpointIndex()).Result()
	if err != nil {
		return nil, err
	}
	result := make([]execution.SyncCheckpoint, 0, len(keys))
	for _, key := range keys {
		cp, err := s.GetCheckpoint(ctx, key)
		if errors.Is(err, ErrCheckpointNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		result = append(result, cp)
	}
	sortCheckpoints(result)
	return result, nil
}
