// Package scheduler owns job execution: two single-worker queues (speech
// synthesis and audiobook assembly), cooperative cancellation, the global
// synthesis pause gate, and reconciliation between the state store, the
// queue mirror, and artifacts on disk.
package scheduler

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"audiobook-studio/internal/config"
	"audiobook-studio/internal/engine"
	"audiobook-studio/internal/events"
	"audiobook-studio/internal/mirror"
	"audiobook-studio/internal/models"
	"audiobook-studio/internal/state"
	"audiobook-studio/internal/telemetry"
)

// Engines bundles the external tool invokers the scheduler drives.
type Engines struct {
	Synthesizer engine.Synthesizer
	Assembler   engine.Assembler
	Converter   engine.Converter
	Probe       engine.DurationProbe
}

// Scheduler routes enqueued jobs to the worker owning their engine and
// exposes the control operations (cancel, pause, reorder, reconcile).
type Scheduler struct {
	cfg    config.Config
	log    *zap.Logger
	store  *state.Store
	mirror *mirror.Mirror
	bus    *events.Broadcaster

	engines Engines

	synthQ  *fifo
	asmQ    *fifo
	cancels *registry
	gate    *gate

	wg sync.WaitGroup
}

// New wires a scheduler. The mirror may be nil in tests that do not
// exercise the durable queue.
func New(cfg config.Config, log *zap.Logger, st *state.Store, m *mirror.Mirror, bus *events.Broadcaster, engines Engines) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	if bus == nil {
		bus = events.New(0, 0)
	}
	return &Scheduler{
		cfg:     cfg,
		log:     log,
		store:   st,
		mirror:  m,
		bus:     bus,
		engines: engines,
		synthQ:  newFIFO(),
		asmQ:    newFIFO(),
		cancels: newRegistry(),
		gate:    newGate(),
	}
}

// Start launches one worker per engine.
func (s *Scheduler) Start() {
	s.wg.Add(2)
	go s.runWorker(models.EngineSynthesis, s.synthQ)
	go s.runWorker(models.EngineAssembly, s.asmQ)
}

// Stop closes both queues and waits for in-flight jobs to finish.
func (s *Scheduler) Stop() {
	s.synthQ.Close()
	s.asmQ.Close()
	s.wg.Wait()
}

// EnqueueRequest describes one job submission.
type EnqueueRequest struct {
	Engine      models.Engine
	Target      models.TargetRef
	BypassPause bool
}

// Enqueue creates a job for the target, or returns the already-live job
// for the same target unchanged. The second return reports whether an
// existing job was reused.
func (s *Scheduler) Enqueue(req EnqueueRequest) (models.Job, bool, error) {
	if req.Engine != models.EngineSynthesis && req.Engine != models.EngineAssembly {
		return models.Job{}, false, fmt.Errorf("unknown engine %q", req.Engine)
	}
	if req.Target.ChapterFile == "" {
		return models.Job{}, false, fmt.Errorf("target chapter_file is required")
	}

	if existing, ok := s.store.FindLive(req.Target.Key(req.Engine)); ok {
		return existing, true, nil
	}

	settings := s.store.Settings()
	job := models.Job{
		ID:        uuid.NewString(),
		Engine:    req.Engine,
		Target:    req.Target,
		Status:    models.StatusQueued,
		CreatedAt: time.Now().UTC(),
		Config: models.JobConfig{
			Sanitize:     settings.SafeMode,
			MakeMP3:      settings.MakeMP3,
			BypassPause:  req.BypassPause,
			VoiceProfile: settings.DefaultVoice,
			Speed:        settings.Speed,
		},
	}

	if s.mirror != nil && req.Engine == models.EngineSynthesis && req.Target.ChapterID != "" {
		mirrorID, err := s.mirror.Add(job.ID, req.Target.ProjectID, req.Target.ChapterID, req.Target.SplitPart)
		if err != nil {
			s.log.Warn("queue mirror add failed", zap.String("job", job.ID), zap.Error(err))
		} else {
			job.MirrorID = mirrorID
		}
	}

	if err := s.store.Put(job); err != nil {
		return models.Job{}, false, err
	}
	s.cancels.Create(job.ID)
	s.queueFor(req.Engine).Push(job.ID)

	telemetry.JobsEnqueued.WithLabelValues(string(req.Engine)).Inc()
	s.updateDepthGauges()
	s.bus.Publish(events.QueueChanged())
	return job, false, nil
}

// Cancel requests cancellation of one job. A still-queued job transitions
// immediately; a running job stops at the next cancellation poll.
func (s *Scheduler) Cancel(id string) bool {
	job, ok := s.store.Get(id)
	if !ok || job.Status.Terminal() {
		return false
	}
	s.cancels.Signal(id)
	if job.Status == models.StatusQueued {
		s.markCancelled(job, "Cancelled.")
		s.bus.Publish(events.QueueChanged())
	}
	return true
}

// CancelAllPending cancels every live job: queued jobs transition at once,
// running jobs are signalled and stop cooperatively. Returns the number of
// jobs affected.
func (s *Scheduler) CancelAllPending() int {
	s.synthQ.Drain()
	s.asmQ.Drain()

	n := 0
	for _, job := range s.store.List() {
		if job.Status.Terminal() {
			continue
		}
		s.cancels.Signal(job.ID)
		if job.Status == models.StatusQueued {
			s.markCancelled(job, "Cancelled.")
		}
		n++
	}
	if n > 0 {
		s.updateDepthGauges()
		s.bus.Publish(events.QueueChanged())
	}
	return n
}

// Pause engages the synthesis gate. Assembly jobs and jobs enqueued with
// the bypass flag keep running.
func (s *Scheduler) Pause() {
	if s.gate.IsPaused() {
		return
	}
	s.gate.Pause()
	telemetry.PausedGauge.Set(1)
	s.bus.Publish(events.PauseChanged(true))
}

// Resume releases the synthesis gate.
func (s *Scheduler) Resume() {
	if !s.gate.IsPaused() {
		return
	}
	s.gate.Resume()
	telemetry.PausedGauge.Set(0)
	s.bus.Publish(events.PauseChanged(false))
}

// IsPaused reports the synthesis gate state.
func (s *Scheduler) IsPaused() bool {
	return s.gate.IsPaused()
}

// Reorder rewrites the pending order of the durable queue mirror. The
// in-process queues are position-agnostic for running work; only
// not-yet-started mirror items are affected.
func (s *Scheduler) Reorder(mirrorIDs []string) error {
	if s.mirror == nil {
		return nil
	}
	if err := s.mirror.Reorder(mirrorIDs); err != nil {
		return err
	}
	s.bus.Publish(events.QueueChanged())
	return nil
}

// Requeue resets a terminal job back to queued and hands it to its worker
// again. Transient fields from the previous run are cleared.
func (s *Scheduler) Requeue(id string) bool {
	job, ok := s.store.Get(id)
	if !ok || !job.Status.Terminal() {
		return false
	}
	s.resetToQueued(job, "")
	return true
}

// resetToQueued clears one run's transient fields and re-enqueues. The
// marker, when non-empty, becomes the fresh log contents.
func (s *Scheduler) resetToQueued(job models.Job, marker string) {
	log := marker
	s.store.Update(job.ID, models.JobUpdate{
		Status:       models.StatusPtr(models.StatusQueued),
		Progress:     models.Float(0),
		StartedAt:    models.TimeNil(),
		FinishedAt:   models.TimeNil(),
		ETASeconds:   models.IntNil(),
		Outputs:      models.StrSlice(nil),
		Log:          models.Str(log),
		Error:        models.Str(""),
		WarningCount: models.Int(0),
	})
	s.cancels.Create(job.ID)
	s.queueFor(job.Engine).Push(job.ID)
	telemetry.JobsEnqueued.WithLabelValues(string(job.Engine)).Inc()
	s.updateDepthGauges()
	s.bus.Publish(events.QueueChanged())
}

func (s *Scheduler) markCancelled(job models.Job, marker string) {
	s.markCancelledWithError(job, marker, "")
}

func (s *Scheduler) markCancelledWithError(job models.Job, marker, errText string) {
	log := job.Log
	if marker != "" {
		if log != "" && !strings.HasSuffix(log, "\n") {
			log += "\n"
		}
		log += marker + "\n"
	}
	u := models.JobUpdate{
		Status:     models.StatusPtr(models.StatusCancelled),
		FinishedAt: models.TimePtr(time.Now().UTC()),
		Log:        models.Str(log),
	}
	if errText != "" {
		u.Error = models.Str(errText)
	}
	s.store.Update(job.ID, u)
	s.cancels.Discard(job.ID)
	telemetry.JobsCancelled.WithLabelValues(string(job.Engine)).Inc()
}

func (s *Scheduler) queueFor(eng models.Engine) *fifo {
	if eng == models.EngineAssembly {
		return s.asmQ
	}
	return s.synthQ
}

func (s *Scheduler) updateDepthGauges() {
	telemetry.QueueDepthGauge.WithLabelValues(string(models.EngineSynthesis)).Set(float64(s.synthQ.Len()))
	telemetry.QueueDepthGauge.WithLabelValues(string(models.EngineAssembly)).Set(float64(s.asmQ.Len()))
}

// wavPath returns where a synthesis job writes its primary artifact.
func (s *Scheduler) wavPath(job models.Job) string {
	stem := engine.OutputStem(job.Target.ChapterFile)
	if job.Target.SplitPart > 0 {
		stem = fmt.Sprintf("%s_part%d", stem, job.Target.SplitPart)
	}
	return filepath.Join(s.cfg.AudioDir(job.Target.ProjectID), stem+".wav")
}

func (s *Scheduler) mp3Path(job models.Job) string {
	p := s.wavPath(job)
	return strings.TrimSuffix(p, ".wav") + ".mp3"
}

// bookPath returns where an assembly job writes the audiobook container.
func (s *Scheduler) bookPath(job models.Job) string {
	stem := engine.OutputStem(job.Target.ChapterFile)
	return filepath.Join(s.cfg.BookDir(job.Target.ProjectID), stem+".m4b")
}

// OutputPath returns the job's final artifact on disk: the last recorded
// output when the job has finished, otherwise the path it will produce.
func (s *Scheduler) OutputPath(job models.Job) string {
	if len(job.Outputs) > 0 {
		return job.Outputs[len(job.Outputs)-1]
	}
	if job.Engine == models.EngineAssembly {
		return s.bookPath(job)
	}
	return s.wavPath(job)
}

// assemblyItems lists the synthesized audio files stitched into the
// container, ordered by file name.
func (s *Scheduler) assemblyItems(job models.Job) ([]engine.AssemblyItem, int64, error) {
	dir := s.cfg.AudioDir(job.Target.ProjectID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, 0, fmt.Errorf("read audio dir: %w", err)
	}
	var items []engine.AssemblyItem
	var totalSize int64
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".wav") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		totalSize += info.Size()
		items = append(items, engine.AssemblyItem{
			Path:  filepath.Join(dir, e.Name()),
			Title: engine.OutputStem(e.Name()),
		})
	}
	sort.Slice(items, func(i, k int) bool { return items[i].Path < items[k].Path })
	if len(items) == 0 {
		return nil, 0, fmt.Errorf("no audio files in %s", dir)
	}
	return items, totalSize, nil
}

// formatETA renders seconds as 1h 2m 3s, dropping leading zero units.
func formatETA(seconds int) string {
	h := seconds / 3600
	m := seconds % 3600 / 60
	sec := seconds % 60
	switch {
	case h > 0:
		return fmt.Sprintf("%dh %dm %ds", h, m, sec)
	case m > 0:
		return fmt.Sprintf("%dm %ds", m, sec)
	default:
		return fmt.Sprintf("%ds", sec)
	}
}
