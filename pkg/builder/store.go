package builder

import (
	"errors"
	"sort"
	"sync"
	"time"
)

var (
	ErrBuildNotFound = errors.New("build not found")
	ErrBuildFinished = errors.New("build already finished")
)

type subscriber chan string

type buildRecord struct {
	build       Build
	subscribers []subscriber
	logs        []string
	closed      bool
}

// MemStore keeps build records in memory and supports log subscriptions.
type MemStore struct {
	mu    sync.RWMutex
	items map[string]*buildRecord
}

func NewMemStore() *MemStore {
	return &MemStore{items: make(map[string]*buildRecord)}
}

func (s *MemStore) Create(build Build) Build {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := &buildRecord{build: build}
	s.items[build.ID] = rec
	return rec.build
}

// SetStatus moves a build to status at step. Terminal builds do not change.
func (s *MemStore) SetStatus(id string, status Status, step int, finishedAt time.Time, errMsg string) (Build, error) {
	return s.Update(id, func(b *Build) {
		b.Status = status
		b.Step = step
		if status.Finished() {
			b.FinishedAt = finishedAt
		}
		b.Error = errMsg
	})
}

// Update applies fn to the stored build unless it already finished.
func (s *MemStore) Update(id string, fn func(*Build)) (Build, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.items[id]
	if !ok {
		return Build{}, ErrBuildNotFound
	}
	if rec.build.Status.Finished() {
		return rec.build, ErrBuildFinished
	}
	fn(&rec.build)
	rec.build.UpdatedAt = time.Now().UTC()
	return rec.build, nil
}

func (s *MemStore) AppendLog(id string, line string) {
	s.mu.Lock()
	rec, ok := s.items[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	rec.logs = append(rec.logs, line)
	s.mu.Unlock()

	s.Broadcast(id, line)
}

func (s *MemStore) Get(id string) (Build, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.items[id]
	if !ok {
		return Build{}, ErrBuildNotFound
	}
	return rec.build, nil
}

func (s *MemStore) List() []Build {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]Build, 0, len(s.items))
	for _, rec := range s.items {
		result = append(result, rec.build)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	return result
}

// Subscribe replays the logs so far and then follows new lines. The channel
// is closed when the build finishes.
func (s *MemStore) Subscribe(id string) (<-chan string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.items[id]
	if !ok {
		return nil, ErrBuildNotFound
	}

	ch := make(subscriber, len(rec.logs)+32)
	for _, line := range rec.logs {
		ch <- line
	}
	if rec.closed {
		close(ch)
		return ch, nil
	}
	rec.subscribers = append(rec.subscribers, ch)
	return ch, nil
}

// Broadcast sends message to live subscribers. Slow subscribers miss lines
// rather than stall the build.
func (s *MemStore) Broadcast(id string, message string) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.items[id]
	if !ok {
		return
	}
	for _, sub := range rec.subscribers {
		select {
		case sub <- message:
		default:
		}
	}
}

// Logs returns a copy of every line appended so far.
func (s *MemStore) Logs(id string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.items[id]
	if !ok {
		return nil, ErrBuildNotFound
	}
	return append([]string(nil), rec.logs...), nil
}

func (s *MemStore) CloseSubscribers(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.items[id]
	if !ok || rec.closed {
		return
	}
	for _, sub := range rec.subscribers {
		close(sub)
	}
	rec.subscribers = nil
	rec.closed = true
}
