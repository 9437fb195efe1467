package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"jobtab/internal/core"
)

const taskFilePrefix = "task_"

// JSONStore keeps one JSON document per task under a jobs directory. Plain
// file overwrite has no native read-modify-write, so every mutation is
// serialized behind a single mutex.
type JSONStore struct {
	dir string
	mu  sync.Mutex
}

// NewJSONStore ensures the jobs directory exists and returns the store.
func NewJSONStore(dir string) (*JSONStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: ensure jobs dir: %v", core.ErrStorageUnavailable, err)
	}
	return &JSONStore{dir: dir}, nil
}

func (s *JSONStore) taskPath(id string) string {
	return filepath.Join(s.dir, taskFilePrefix+id+".json")
}

func (s *JSONStore) Create(ctx context.Context, task *core.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.taskPath(task.ID)
	if _, err := os.Stat(path); err == nil {
		return core.ErrDuplicateID
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: stat task file: %v", core.ErrStorageUnavailable, err)
	}

	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now
	return s.write(path, task)
}

func (s *JSONStore) Get(ctx context.Context, id string) (*core.Task, error) {
	return s.read(s.taskPath(id))
}

func (s *JSONStore) List(ctx context.Context) ([]*core.Task, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("%w: read jobs dir: %v", core.ErrStorageUnavailable, err)
	}
	tasks := make([]*core.Task, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, taskFilePrefix) || !strings.HasSuffix(name, ".json") {
			continue
		}
		task, err := s.read(filepath.Join(s.dir, name))
		if err != nil {
			// A file deleted between ReadDir and read is not an error.
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

func (s *JSONStore) Update(ctx context.Context, id string, upd core.TaskUpdate) (*core.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.taskPath(id)
	task, err := s.read(path)
	if err != nil {
		return nil, err
	}
	core.ApplyUpdate(task, upd)
	if err := s.write(path, task); err != nil {
		return nil, err
	}
	return task.Clone(), nil
}

func (s *JSONStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.taskPath(id)
	if err := os.Remove(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return core.ErrNotFound
		}
		return fmt.Errorf("%w: remove task file: %v", core.ErrStorageUnavailable, err)
	}
	return nil
}

func (s *JSONStore) SetStatus(ctx context.Context, id string, upd core.StatusUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.taskPath(id)
	task, err := s.read(path)
	if err != nil {
		// Deleted mid-flight: the worker's terminal write is discarded.
		if errors.Is(err, core.ErrNotFound) {
			return nil
		}
		return err
	}
	core.ApplyStatus(task, upd)
	return s.write(path, task)
}

func (s *JSONStore) DueTasks(ctx context.Context, now time.Time) ([]*core.Task, error) {
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

func (s *JSONStore) Close() error { return nil }

func (s *JSONStore) read(path string) (*core.Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, core.ErrNotFound
		}
		return nil, fmt.Errorf("%w: read task file: %v", core.ErrStorageUnavailable, err)
	}
	var task core.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", core.ErrStorageUnavailable, filepath.Base(path), err)
	}
	return &task, nil
}

// write lands atomically: temp file in the same directory, then rename.
func (s *JSONStore) write(path string, task *core.Task) error {
	data, err := json.MarshalIndent(task, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encode task: %v", core.ErrStorageUnavailable, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("%w: write task file: %v", core.ErrStorageUnavailable, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("%w: replace task file: %v", core.ErrStorageUnavailable, err)
	}
	return nil
}

func sortByCreation(tasks []*core.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].ID < tasks[j].ID
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
}
