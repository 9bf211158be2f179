package scheduler

import (
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"audiobook-studio/internal/events"
	"audiobook-studio/internal/models"
)

// ReconcileReport lists the job ids affected by one reconciliation pass.
type ReconcileReport struct {
	Pruned   []string `json:"pruned"`
	Requeued []string `json:"requeued"`
	Repaired []string `json:"repaired"`
}

// Reconcile brings the state store, the queue mirror, and artifacts on
// disk back into agreement:
//
//   - synthesis jobs whose chapter text no longer exists are pruned
//     whatever their status (running excepted), together with their
//     mirror rows
//   - done jobs whose output artifact is missing are reset to queued and
//     re-run
//   - done jobs with an intact output whose mirror row disagrees are
//     forward-synced
//   - active mirror rows with no live job behind them are closed out
func (s *Scheduler) Reconcile() ReconcileReport {
	var report ReconcileReport

	for _, job := range s.store.List() {
		if job.Status == models.StatusRunning {
			continue
		}
		if job.Engine == models.EngineSynthesis && !s.inputExists(job) {
			report.Pruned = append(report.Pruned, job.ID)
			s.log.Info("pruning job with missing input",
				zap.String("job", job.ID), zap.String("target", job.Target.ChapterFile))
			continue
		}
		if job.Status != models.StatusDone {
			continue
		}
		out := s.OutputPath(job)
		if !fileExists(out) {
			if s.inputExists(job) {
				s.resetToQueued(job, "Output missing, re-queued.\n")
				report.Requeued = append(report.Requeued, job.ID)
			} else {
				report.Pruned = append(report.Pruned, job.ID)
			}
			continue
		}
		if s.repairMirrorRow(job, out) {
			report.Repaired = append(report.Repaired, job.ID)
		}
	}

	if len(report.Pruned) > 0 {
		if err := s.store.Delete(report.Pruned); err != nil {
			s.log.Error("prune jobs", zap.Error(err))
		}
		if s.mirror != nil {
			if err := s.mirror.RemoveByJob(report.Pruned); err != nil {
				s.log.Warn("prune mirror rows", zap.Error(err))
			}
		}
	}

	report.Repaired = append(report.Repaired, s.closeOrphanedMirrorRows()...)

	if len(report.Pruned)+len(report.Requeued)+len(report.Repaired) > 0 {
		s.bus.Publish(events.QueueChanged())
	}
	return report
}

// StartupSweep cancels every job left queued or running by a previous
// process. Jobs never survive a restart on the queue; the operator
// re-submits what still matters.
func (s *Scheduler) StartupSweep() int {
	n := 0
	for _, job := range s.store.List() {
		if job.Status.Terminal() {
			continue
		}
		s.markCancelledWithError(job, "Reset on startup.", "Reset on startup.")
		n++
	}
	repaired := s.closeOrphanedMirrorRows()
	if n+len(repaired) > 0 {
		s.bus.Publish(events.QueueChanged())
	}
	return n
}

// repairMirrorRow forward-syncs a done job's mirror row when the row
// still claims the job is pending. Returns whether a repair happened.
func (s *Scheduler) repairMirrorRow(job models.Job, out string) bool {
	if s.mirror == nil || job.MirrorID == "" {
		return false
	}
	item, err := s.mirror.Get(job.MirrorID)
	if err != nil || item.Status == "done" {
		return false
	}
	var length float64
	if s.engines.Probe != nil {
		length = s.engines.Probe(out)
	}
	if err := s.mirror.UpdateStatus(job.MirrorID, "done", length); err != nil {
		s.log.Warn("mirror forward-sync", zap.String("job", job.ID), zap.Error(err))
		return false
	}
	return true
}

// closeOrphanedMirrorRows cancels active mirror rows whose job no longer
// exists or is already terminal, returning the affected job ids.
func (s *Scheduler) closeOrphanedMirrorRows() []string {
	if s.mirror == nil {
		return nil
	}
	active, err := s.mirror.Active()
	if err != nil {
		s.log.Warn("list active mirror rows", zap.Error(err))
		return nil
	}
	var repaired []string
	for _, item := range active {
		job, ok := s.store.Get(item.JobID)
		if ok && !job.Status.Terminal() {
			continue
		}
		status := "cancelled"
		if ok {
			status = string(job.Status)
		}
		if err := s.mirror.UpdateStatus(item.ID, status, 0); err != nil {
			s.log.Warn("close orphaned mirror row", zap.String("item", item.ID), zap.Error(err))
			continue
		}
		repaired = append(repaired, item.JobID)
	}
	return repaired
}

// inputExists reports whether the job's source material is still present.
func (s *Scheduler) inputExists(job models.Job) bool {
	if job.Engine == models.EngineAssembly {
		entries, err := os.ReadDir(s.cfg.AudioDir(job.Target.ProjectID))
		if err != nil {
			return false
		}
		for _, e := range entries {
			if !e.IsDir() && strings.HasSuffix(e.Name(), ".wav") {
				return true
			}
		}
		return false
	}
	if s.mirror != nil && job.Target.ChapterID != "" {
		_, err := s.mirror.ChapterText(job.Target.ChapterID)
		return err == nil
	}
	return fileExists(filepath.Join(s.cfg.TextDir(job.Target.ProjectID), job.Target.ChapterFile))
}
