// Package state implements the file-backed store that owns every Job
// record and the global settings. All mutations funnel through one
// critical section and persist with an atomic temp-file rename, so a
// crash mid-write never leaves a truncated state file behind.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"audiobook-studio/internal/models"
)

// Listener receives the changed fields of a job after an update commits.
type Listener func(jobID string, fields map[string]any)

// MirrorSyncer forward-syncs job status changes into the durable queue
// mirror. Implementations must not panic; errors are logged by the store
// and never surface to the caller of Update.
type MirrorSyncer interface {
	SyncJob(job models.Job) error
}

type persisted struct {
	Jobs        map[string]models.Job `json:"jobs"`
	Settings    models.Settings       `json:"settings"`
	Performance map[string]float64    `json:"performance"`
}

// Store is the single source of truth for job existence and field values.
type Store struct {
	mu   sync.Mutex
	path string
	log  *zap.Logger

	jobs     map[string]models.Job
	settings models.Settings
	perf     map[string]float64

	listeners []Listener
	syncer    MirrorSyncer
}

// Open loads or initializes the state file at path. A corrupt file is
// renamed aside to <path>.corrupt and replaced with fresh defaults; the
// store favors availability over recovering unreadable data.
func Open(path string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Store{
		path:     path,
		log:      log,
		jobs:     make(map[string]models.Job),
		settings: models.DefaultSettings(),
		perf:     make(map[string]float64),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return s.persistLocked()
	}
	if err != nil {
		return fmt.Errorf("read state file: %w", err)
	}

	var p persisted
	if err := json.Unmarshal(raw, &p); err != nil {
		backup := s.path + ".corrupt"
		if renameErr := os.Rename(s.path, backup); renameErr != nil {
			s.log.Warn("could not back up corrupt state file", zap.Error(renameErr))
		} else {
			s.log.Warn("state file corrupt, backed up and reset",
				zap.String("backup", backup), zap.Error(err))
		}
		return s.persistLocked()
	}

	if p.Jobs != nil {
		s.jobs = p.Jobs
	}
	if p.Performance != nil {
		s.perf = p.Performance
	}
	if p.Settings != (models.Settings{}) {
		s.settings = p.Settings
	}
	return nil
}

// persistLocked writes the full state snapshot atomically. Callers must
// hold the lock (or be in single-threaded init).
func (s *Store) persistLocked() error {
	data, err := json.MarshalIndent(persisted{
		Jobs:        s.jobs,
		Settings:    s.settings,
		Performance: s.perf,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".state-*")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(name)
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(name)
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Chmod(name, 0o644); err != nil {
		_ = os.Remove(name)
		return err
	}
	if err := os.Rename(name, s.path); err != nil {
		_ = os.Remove(name)
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}

// AddListener registers a callback invoked after every committed update.
// Listener failures never propagate to mutators.
func (s *Store) AddListener(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// SetSyncer installs the queue-mirror forward-sync hook.
func (s *Store) SetSyncer(m MirrorSyncer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncer = m
}

// Get returns the job with the given id.
func (s *Store) Get(id string) (models.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	return j, ok
}

// Put inserts or replaces a full job record.
func (s *Store) Put(job models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	s.jobs[job.ID] = job
	return s.persistLocked()
}

// Update applies a partial mutation to an existing job. Updating an
// unknown id is a no-op; a worker can race a delete for an id it already
// dequeued. A status change additionally forward-syncs the queue mirror
// and notifies listeners; neither side effect can fail the caller.
func (s *Store) Update(id string, u models.JobUpdate) {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	fields := u.Apply(&job)
	s.jobs[id] = job
	if err := s.persistLocked(); err != nil {
		s.log.Error("persist state", zap.String("job", id), zap.Error(err))
	}
	syncer := s.syncer
	listeners := append([]Listener(nil), s.listeners...)
	_, statusChanged := fields["status"]
	s.mu.Unlock()

	if len(fields) == 0 {
		return
	}
	if statusChanged && syncer != nil {
		if err := syncer.SyncJob(job); err != nil {
			s.log.Warn("queue mirror forward-sync failed",
				zap.String("job", id), zap.Error(err))
		}
	}
	for _, l := range listeners {
		s.notify(l, id, fields)
	}
}

func (s *Store) notify(l Listener, id string, fields map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Warn("state listener panicked", zap.Any("panic", r))
		}
	}()
	l(id, fields)
}

// Delete removes the given job ids. Unknown ids are ignored.
func (s *Store) Delete(ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.jobs, id)
	}
	return s.persistLocked()
}

// List returns all jobs ordered by creation time.
func (s *Store) List() []models.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].ID < out[k].ID
		}
		return out[i].CreatedAt.Before(out[k].CreatedAt)
	})
	return out
}

// FindLive returns the live (queued or running) job for a target key, if
// any. Used for idempotent enqueue.
func (s *Store) FindLive(key string) (models.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if (j.Status == models.StatusQueued || j.Status == models.StatusRunning) &&
			j.Target.Key(j.Engine) == key {
			return j, true
		}
	}
	return models.Job{}, false
}

// Settings returns the current global settings.
func (s *Store) Settings() models.Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

// UpdateSettings replaces the global settings. Jobs already enqueued keep
// their snapshotted config.
func (s *Store) UpdateSettings(settings models.Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = settings
	return s.persistLocked()
}

// Metric returns a learned performance constant, or def when unset.
func (s *Store) Metric(key string, def float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.perf[key]; ok {
		return v
	}
	return def
}

// SetMetric persists a learned performance constant. Callers blend the
// new observation with the old value before storing (moving average).
func (s *Store) SetMetric(key string, value float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.perf[key] = value
	if err := s.persistLocked(); err != nil {
		s.log.Error("persist performance metrics", zap.Error(err))
	}
}
