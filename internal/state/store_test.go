package state

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"audiobook-studio/internal/models"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	s, err := Open(path, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return s, path
}

func sampleJob(id string) models.Job {
	return models.Job{
		ID:        id,
		Engine:    models.EngineSynthesis,
		Target:    models.TargetRef{ChapterFile: "chapter_01.txt"},
		Status:    models.StatusQueued,
		CreatedAt: time.Now().UTC(),
		Config:    models.JobConfig{Sanitize: true, MakeMP3: true},
	}
}

func TestPutGetListDelete(t *testing.T) {
	s, _ := newTestStore(t)

	if err := s.Put(sampleJob("a")); err != nil {
		t.Fatalf("put: %v", err)
	}
	j2 := sampleJob("b")
	j2.CreatedAt = time.Now().UTC().Add(time.Second)
	if err := s.Put(j2); err != nil {
		t.Fatalf("put: %v", err)
	}

	if _, ok := s.Get("a"); !ok {
		t.Fatalf("expected job a present")
	}
	jobs := s.List()
	if len(jobs) != 2 || jobs[0].ID != "a" || jobs[1].ID != "b" {
		t.Fatalf("unexpected list order: %+v", jobs)
	}

	if err := s.Delete([]string{"a", "missing"}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok := s.Get("a"); ok {
		t.Fatalf("job a should be deleted")
	}
}

func TestUpdateUnknownIDIsNoop(t *testing.T) {
	s, _ := newTestStore(t)
	s.Update("ghost", models.JobUpdate{Status: models.StatusPtr(models.StatusRunning)})
	if got := s.List(); len(got) != 0 {
		t.Fatalf("no job should exist, got %+v", got)
	}
}

func TestUpdatePersistsAcrossReopen(t *testing.T) {
	s, path := newTestStore(t)
	if err := s.Put(sampleJob("a")); err != nil {
		t.Fatalf("put: %v", err)
	}
	s.Update("a", models.JobUpdate{
		Status:   models.StatusPtr(models.StatusRunning),
		Progress: models.Float(0.5),
	})

	s2, err := Open(path, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	j, ok := s2.Get("a")
	if !ok {
		t.Fatalf("job missing after reopen")
	}
	if j.Status != models.StatusRunning || j.Progress != 0.5 {
		t.Fatalf("unexpected job after reopen: %+v", j)
	}
}

func TestCorruptFileBackedUpAndReset(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("seed corrupt file: %v", err)
	}

	s, err := Open(path, nil)
	if err != nil {
		t.Fatalf("open over corrupt file should self-heal: %v", err)
	}
	if got := s.List(); len(got) != 0 {
		t.Fatalf("expected empty store, got %+v", got)
	}
	if _, err := os.Stat(path + ".corrupt"); err != nil {
		t.Fatalf("expected corrupt backup file: %v", err)
	}
	settings := s.Settings()
	if !settings.SafeMode || !settings.MakeMP3 {
		t.Fatalf("expected default settings, got %+v", settings)
	}
}

func TestStatusChangeNotifiesListenersAndSyncer(t *testing.T) {
	s, _ := newTestStore(t)
	if err := s.Put(sampleJob("a")); err != nil {
		t.Fatalf("put: %v", err)
	}

	var gotID string
	var gotFields map[string]any
	s.AddListener(func(id string, fields map[string]any) {
		gotID = id
		gotFields = fields
	})
	ms := &captureSyncer{}
	s.SetSyncer(ms)

	s.Update("a", models.JobUpdate{Status: models.StatusPtr(models.StatusDone)})

	if gotID != "a" {
		t.Fatalf("listener not invoked, id=%q", gotID)
	}
	if gotFields["status"] != models.StatusDone {
		t.Fatalf("unexpected fields: %+v", gotFields)
	}
	if len(ms.jobs) != 1 || ms.jobs[0].Status != models.StatusDone {
		t.Fatalf("syncer not invoked: %+v", ms.jobs)
	}
}

func TestNonStatusUpdateSkipsSyncer(t *testing.T) {
	s, _ := newTestStore(t)
	if err := s.Put(sampleJob("a")); err != nil {
		t.Fatalf("put: %v", err)
	}
	ms := &captureSyncer{}
	s.SetSyncer(ms)

	s.Update("a", models.JobUpdate{Progress: models.Float(0.3)})
	if len(ms.jobs) != 0 {
		t.Fatalf("syncer should only fire on status changes")
	}
}

func TestListenerPanicDoesNotPropagate(t *testing.T) {
	s, _ := newTestStore(t)
	if err := s.Put(sampleJob("a")); err != nil {
		t.Fatalf("put: %v", err)
	}
	s.AddListener(func(string, map[string]any) { panic("boom") })

	// Must not panic the caller.
	s.Update("a", models.JobUpdate{Status: models.StatusPtr(models.StatusFailed)})

	j, _ := s.Get("a")
	if j.Status != models.StatusFailed {
		t.Fatalf("update lost: %+v", j)
	}
}

func TestFindLive(t *testing.T) {
	s, _ := newTestStore(t)
	j := sampleJob("a")
	if err := s.Put(j); err != nil {
		t.Fatalf("put: %v", err)
	}

	key := j.Target.Key(j.Engine)
	if _, ok := s.FindLive(key); !ok {
		t.Fatalf("queued job should be live")
	}

	s.Update("a", models.JobUpdate{Status: models.StatusPtr(models.StatusDone)})
	if _, ok := s.FindLive(key); ok {
		t.Fatalf("done job should not be live")
	}
}

func TestMetrics(t *testing.T) {
	s, path := newTestStore(t)
	if got := s.Metric("synthesis_cps", 16.7); got != 16.7 {
		t.Fatalf("expected default, got %v", got)
	}
	s.SetMetric("synthesis_cps", 20.5)

	s2, err := Open(path, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if got := s2.Metric("synthesis_cps", 16.7); got != 20.5 {
		t.Fatalf("metric not persisted, got %v", got)
	}
}

type captureSyncer struct {
	jobs []models.Job
}

func (c *captureSyncer) SyncJob(job models.Job) error {
	c.jobs = append(c.jobs, job)
	return nil
}
