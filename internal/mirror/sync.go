package mirror

import (
	"os"

	"audiobook-studio/internal/engine"
	"audiobook-studio/internal/models"
)

// Syncer forward-syncs state-store status changes into the queue mirror.
// When a job reaches done it probes the real artifact for its duration so
// the mirror records measured, not estimated, length.
type Syncer struct {
	mirror  *Mirror
	probe   engine.DurationProbe
	pathFor func(job models.Job) string
}

// NewSyncer builds the forward-sync hook. pathFor resolves a job to its
// primary output artifact on disk.
func NewSyncer(m *Mirror, probe engine.DurationProbe, pathFor func(job models.Job) string) *Syncer {
	return &Syncer{mirror: m, probe: probe, pathFor: pathFor}
}

// SyncJob maps the job status onto its mirror record. Jobs without a
// mirror record (pre-migration state files) are ignored.
func (s *Syncer) SyncJob(job models.Job) error {
	if job.MirrorID == "" {
		return nil
	}
	status := string(job.Status)

	var audioLen float64
	if job.Status == models.StatusDone && s.probe != nil && s.pathFor != nil {
		if path := s.pathFor(job); path != "" {
			if _, err := os.Stat(path); err == nil {
				audioLen = s.probe(path)
			}
		}
	}
	return s.mirror.UpdateStatus(job.MirrorID, status, audioLen)
}
