package mirror

import (
	"os"
	"path/filepath"
	"testing"

	"audiobook-studio/internal/models"
)

func writeFile(t *testing.T, path string) {
	t.Helper()
	if err := os.WriteFile(path, []byte("data"), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func newTestMirror(t *testing.T) *Mirror {
	t.Helper()
	m, err := Open(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatalf("open mirror: %v", err)
	}
	return m
}

func seedCatalog(t *testing.T, m *Mirror) (projectID, chapterID string) {
	t.Helper()
	projectID, err := m.CreateProject("Test Book", "", "Author")
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	chapterID, err = m.CreateChapter(projectID, "Chapter One", "some text", 0)
	if err != nil {
		t.Fatalf("create chapter: %v", err)
	}
	return projectID, chapterID
}

func TestAddAndListJoinsCatalog(t *testing.T) {
	m := newTestMirror(t)
	projectID, chapterID := seedCatalog(t, m)

	id, err := m.Add("job-1", projectID, chapterID, 0)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if id == "" {
		t.Fatalf("expected mirror id")
	}

	entries, err := m.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(entries))
	}
	e := entries[0]
	if e.ChapterTitle != "Chapter One" || e.ProjectName != "Test Book" {
		t.Fatalf("join missing catalog fields: %+v", e)
	}
	if e.Status != "queued" || e.JobID != "job-1" {
		t.Fatalf("unexpected entry: %+v", e)
	}

	// Enqueue marks the chapter as processing.
	ch, err := m.GetChapter(chapterID)
	if err != nil {
		t.Fatalf("get chapter: %v", err)
	}
	if ch.AudioStatus != "processing" {
		t.Fatalf("chapter not marked processing: %q", ch.AudioStatus)
	}
}

func TestListOrdersRunningFirstThenPosition(t *testing.T) {
	m := newTestMirror(t)
	a, _ := m.Add("job-a", "", "", 0)
	b, _ := m.Add("job-b", "", "", 0)
	c, _ := m.Add("job-c", "", "", 0)

	if err := m.UpdateStatus(c, "running", 0); err != nil {
		t.Fatalf("update: %v", err)
	}

	entries, err := m.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	got := []string{entries[0].ID, entries[1].ID, entries[2].ID}
	want := []string{c, a, b}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order mismatch: got %v want %v", got, want)
		}
	}
}

func TestUpdateStatusDoneSyncsChapter(t *testing.T) {
	m := newTestMirror(t)
	projectID, chapterID := seedCatalog(t, m)
	id, _ := m.Add("job-1", projectID, chapterID, 0)

	if err := m.UpdateStatus(id, "done", 123.4); err != nil {
		t.Fatalf("update: %v", err)
	}

	item, err := m.Get(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if item.Status != "done" || item.CompletedAt == nil || item.AudioLengthSeconds != 123.4 {
		t.Fatalf("unexpected item: %+v", item)
	}

	ch, _ := m.GetChapter(chapterID)
	if ch.AudioStatus != "done" || ch.AudioLengthSeconds != 123.4 || ch.AudioGeneratedAt == nil {
		t.Fatalf("chapter not synced: %+v", ch)
	}
}

func TestReorder(t *testing.T) {
	m := newTestMirror(t)
	a, _ := m.Add("job-a", "", "", 0)
	b, _ := m.Add("job-b", "", "", 0)
	c, _ := m.Add("job-c", "", "", 0)

	if err := m.Reorder([]string{c, a, b}); err != nil {
		t.Fatalf("reorder: %v", err)
	}
	entries, _ := m.List()
	got := []string{entries[0].ID, entries[1].ID, entries[2].ID}
	want := []string{c, a, b}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order mismatch: got %v want %v", got, want)
		}
	}
}

func TestActiveAndClearQueued(t *testing.T) {
	m := newTestMirror(t)
	a, _ := m.Add("job-a", "", "", 0)
	b, _ := m.Add("job-b", "", "", 0)
	_ = m.UpdateStatus(a, "done", 1)

	active, err := m.Active()
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if len(active) != 1 || active[0].ID != b {
		t.Fatalf("unexpected active set: %+v", active)
	}

	n, err := m.ClearQueued()
	if err != nil || n != 1 {
		t.Fatalf("clear queued: n=%d err=%v", n, err)
	}
}

func TestSyncerProbesDurationOnDone(t *testing.T) {
	m := newTestMirror(t)
	id, _ := m.Add("job-1", "", "", 0)

	dir := t.TempDir()
	artifact := filepath.Join(dir, "out.mp3")
	writeFile(t, artifact)

	probed := 0
	s := NewSyncer(m,
		func(path string) float64 { probed++; return 42.5 },
		func(job models.Job) string { return artifact },
	)

	job := models.Job{ID: "job-1", MirrorID: id, Status: models.StatusDone}
	if err := s.SyncJob(job); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if probed != 1 {
		t.Fatalf("expected one probe, got %d", probed)
	}
	item, _ := m.Get(id)
	if item.Status != "done" || item.AudioLengthSeconds != 42.5 {
		t.Fatalf("unexpected item: %+v", item)
	}
}

func TestSyncerSkipsJobsWithoutMirrorRecord(t *testing.T) {
	m := newTestMirror(t)
	s := NewSyncer(m, nil, nil)
	if err := s.SyncJob(models.Job{ID: "job-x", Status: models.StatusDone}); err != nil {
		t.Fatalf("jobs without mirror id must be ignored: %v", err)
	}
}
