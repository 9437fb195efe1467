package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"jobtab/internal/core"
)

const (
	redisTaskKeyPrefix = "jobtab:task:"
	redisTaskSetKey    = "jobtab:tasks"
)

// RedisStore keeps each task as a JSON value under jobtab:task:<id> with the
// id registered in the jobtab:tasks set. Keys carry no TTL: a definition
// lives until it is deleted.
type RedisStore struct {
	client *redis.Client

	// Read-modify-write on a plain string value is not atomic in Redis;
	// serialize mutations within the process.
	mu sync.Mutex
}

// OpenRedis connects using a redis:// URL and verifies the server responds.
func OpenRedis(ctx context.Context, url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("%w: parse redis url: %v", core.ErrStorageUnavailable, err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping redis: %v", core.ErrStorageUnavailable, err)
	}
	return &RedisStore{client: client}, nil
}

func redisTaskKey(id string) string { return redisTaskKeyPrefix + id }

func (s *RedisStore) Create(ctx context.Context, task *core.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("%w: encode task: %v", core.ErrStorageUnavailable, err)
	}

	ok, err := s.client.SetNX(ctx, redisTaskKey(task.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("%w: store task: %v", core.ErrStorageUnavailable, err)
	}
	if !ok {
		return core.ErrDuplicateID
	}
	if err := s.client.SAdd(ctx, redisTaskSetKey, task.ID).Err(); err != nil {
		return fmt.Errorf("%w: register task id: %v", core.ErrStorageUnavailable, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*core.Task, error) {
	data, err := s.client.Get(ctx, redisTaskKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, core.ErrNotFound
		}
		return nil, fmt.Errorf("%w: fetch task: %v", core.ErrStorageUnavailable, err)
	}
	var task core.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("%w: decode task %s: %v", core.ErrStorageUnavailable, id, err)
	}
	return &task, nil
}

func (s *RedisStore) List(ctx context.Context) ([]*core.Task, error) {
	ids, err := s.client.SMembers(ctx, redisTaskSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: list task ids: %v", core.ErrStorageUnavailable, err)
	}
	tasks := make([]*core.Task, 0, len(ids))
	for _, id := range ids {
		task, err := s.Get(ctx, id)
		if err != nil {
			// Membership can outlive the value briefly during a delete.
			if errors.Is(err, core.ErrNotFound) {
				continue
			}
			return nil, err
		}
		tasks = append(tasks, task)
	}
	sortByCreation(tasks)
	return tasks, nil
}

func (s *RedisStore) Update(ctx context.Context, id string, upd core.TaskUpdate) (*core.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	core.ApplyUpdate(task, upd)
	if err := s.write(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed, err := s.client.Del(ctx, redisTaskKey(id)).Result()
	if err != nil {
		return fmt.Errorf("%w: delete task: %v", core.ErrStorageUnavailable, err)
	}
	if err := s.client.SRem(ctx, redisTaskSetKey, id).Err(); err != nil {
		return fmt.Errorf("%w: unregister task id: %v", core.ErrStorageUnavailable, err)
	}
	if removed == 0 {
		return core.ErrNotFound
	}
	return nil
}

func (s *RedisStore) SetStatus(ctx context.Context, id string, upd core.StatusUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, err := s.Get(ctx, id)
	if err != nil {
		// Deleted mid-flight: the worker's terminal write is discarded.
		if errors.Is(err, core.ErrNotFound) {
			return nil
		}
		return err
	}
	core.ApplyStatus(task, upd)
	return s.write(ctx, task)
}

func (s *RedisStore) DueTasks(ctx context.Context, now time.Time) ([]*core.Task, error) {
	tasks, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	due := tasks[:0]
	for _, task := range tasks {
		if task.Due(now) {
			due = append(due, task)
		}
	}
	return due, nil
}

func (s *RedisStore) Close() error { return s.client.Close() }

func (s *RedisStore) write(ctx context.Context, task *core.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("%w: encode task: %v", core.ErrStorageUnavailable, err)
	}
	if err := s.client.Set(ctx, redisTaskKey(task.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("%w: store task: %v", core.ErrStorageUnavailable, err)
	}
	return nil
}
