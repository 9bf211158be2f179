package scheduler

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"audiobook-studio/internal/engine"
	"audiobook-studio/internal/events"
	"audiobook-studio/internal/models"
	"audiobook-studio/internal/telemetry"
)

// Learned performance constants persisted in the state store.
const (
	metricSynthesisCPS = "synthesis_cps"
	metricAssemblyMult = "assembly_speed_multiplier"
)

func (s *Scheduler) runWorker(eng models.Engine, q *fifo) {
	defer s.wg.Done()
	for {
		id, ok := q.Pop()
		if !ok {
			return
		}
		s.updateDepthGauges()
		s.process(eng, id)
		s.bus.Publish(events.QueueChanged())
	}
}

// process executes one dequeued job end to end. A panic anywhere inside
// marks the job failed instead of killing the worker.
func (s *Scheduler) process(eng models.Engine, id string) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("worker panic", zap.String("job", id), zap.Any("panic", r))
			s.store.Update(id, models.JobUpdate{
				Status:     models.StatusPtr(models.StatusFailed),
				FinishedAt: models.TimePtr(time.Now().UTC()),
				Error:      models.Str("internal error"),
			})
			telemetry.JobsFailed.WithLabelValues(string(eng)).Inc()
		}
		s.cancels.Discard(id)
	}()

	// Ids can outlive their jobs (deleted while queued) and can reach the
	// worker already resolved (cancelled while queued).
	job, ok := s.store.Get(id)
	if !ok || job.Status != models.StatusQueued {
		return
	}

	tok := s.cancels.Ensure(id)
	if eng == models.EngineSynthesis && !job.Config.BypassPause {
		if !s.gate.Wait(tok.Done()) {
			s.cancelIfLive(id)
			return
		}
	}
	if tok.Signaled() {
		s.cancelIfLive(id)
		return
	}

	switch eng {
	case models.EngineSynthesis:
		s.runSynthesis(job, tok)
	case models.EngineAssembly:
		s.runAssembly(job, tok)
	}
}

func (s *Scheduler) runSynthesis(job models.Job, tok *token) {
	text, err := s.chapterText(job)
	if err != nil {
		s.fail(job, fmt.Sprintf("could not read chapter text: %v", err))
		return
	}

	wav := s.wavPath(job)
	final := wav
	if job.Config.MakeMP3 {
		final = s.mp3Path(job)
	}
	if fileExists(final) {
		s.store.Update(job.ID, models.JobUpdate{
			Status:     models.StatusPtr(models.StatusDone),
			Progress:   models.Float(1.0),
			FinishedAt: models.TimePtr(time.Now().UTC()),
			Outputs:    models.StrSlice([]string{final}),
			Log:        models.Str("Output already exists.\n"),
		})
		telemetry.JobsCompleted.WithLabelValues(string(job.Engine)).Inc()
		return
	}
	if err := os.MkdirAll(filepath.Dir(wav), 0o755); err != nil {
		s.fail(job, fmt.Sprintf("could not create audio dir: %v", err))
		return
	}

	cps := s.store.Metric(metricSynthesisCPS, s.cfg.DefaultCharsPerSec)
	eta := int(math.Max(1, float64(len(text))/cps))
	header := fmt.Sprintf("Synthesizing %s (%d chars, est. %s)\n",
		job.Target.ChapterFile, len(text), formatETA(eta))

	start := time.Now()
	tracker := s.begin(job, eta, header)
	stop := s.heartbeat(tracker)

	rc := s.engines.Synthesizer.Synthesize(engine.SynthesisRequest{
		Text:         text,
		DestPath:     wav,
		VoiceProfile: job.Config.VoiceProfile,
		Speed:        job.Config.Speed,
		Sanitize:     job.Config.Sanitize,
		OnLine:       tracker.Observe,
		IsCancelled:  tok.Signaled,
	})
	stop()

	if tok.Signaled() {
		_ = os.Remove(wav)
		tracker.Append("Cancelled.")
		s.store.Update(job.ID, models.JobUpdate{
			Status:       models.StatusPtr(models.StatusCancelled),
			FinishedAt:   models.TimePtr(time.Now().UTC()),
			Log:          models.Str(tracker.LogText()),
			WarningCount: models.Int(tracker.Warnings()),
		})
		telemetry.JobsCancelled.WithLabelValues(string(job.Engine)).Inc()
		return
	}
	if rc != 0 {
		s.failWithLog(job, tracker, fmt.Sprintf("engine exited with code %d", rc))
		return
	}
	if !fileExists(wav) {
		s.failWithLog(job, tracker, "engine reported success but produced no output")
		return
	}

	elapsed := time.Since(start).Seconds()
	if elapsed > 0 {
		observed := float64(len(text)) / elapsed
		blended := s.cfg.SynthesisRateWeight*cps + (1-s.cfg.SynthesisRateWeight)*observed
		s.store.SetMetric(metricSynthesisCPS, blended)
	}

	outputs := []string{wav}
	convErr := ""
	if job.Config.MakeMP3 {
		mp3 := s.mp3Path(job)
		rc := s.engines.Converter.Convert(engine.ConvertRequest{
			SourcePath:  wav,
			DestPath:    mp3,
			OnLine:      tracker.Observe,
			IsCancelled: tok.Signaled,
		})
		if rc != 0 || !fileExists(mp3) {
			// The audiobook audio itself is fine; surface the conversion
			// problem without failing the job.
			convErr = fmt.Sprintf("mp3 conversion failed (exit %d)", rc)
			tracker.Append(convErr)
		} else {
			outputs = append(outputs, mp3)
		}
	}

	tracker.Append(fmt.Sprintf("Finished in %s.", formatETA(int(elapsed))))
	s.store.Update(job.ID, models.JobUpdate{
		Status:       models.StatusPtr(models.StatusDone),
		Progress:     models.Float(1.0),
		FinishedAt:   models.TimePtr(time.Now().UTC()),
		Outputs:      models.StrSlice(outputs),
		Log:          models.Str(tracker.LogText()),
		Error:        models.Str(convErr),
		WarningCount: models.Int(tracker.Warnings()),
	})
	telemetry.JobsCompleted.WithLabelValues(string(job.Engine)).Inc()
}

func (s *Scheduler) runAssembly(job models.Job, tok *token) {
	items, totalSize, err := s.assemblyItems(job)
	if err != nil {
		s.fail(job, err.Error())
		return
	}

	dest := s.bookPath(job)
	if fileExists(dest) {
		s.store.Update(job.ID, models.JobUpdate{
			Status:     models.StatusPtr(models.StatusDone),
			Progress:   models.Float(1.0),
			FinishedAt: models.TimePtr(time.Now().UTC()),
			Outputs:    models.StrSlice([]string{dest}),
			Log:        models.Str("Output already exists.\n"),
		})
		telemetry.JobsCompleted.WithLabelValues(string(job.Engine)).Inc()
		return
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		s.fail(job, fmt.Sprintf("could not create output dir: %v", err))
		return
	}

	sizeMB := float64(totalSize) / (1024 * 1024)
	base := float64(len(items))*0.02 + sizeMB/10
	mult := s.store.Metric(metricAssemblyMult, 1.0)
	eta := int(math.Max(float64(s.cfg.AssemblyETAFloor), base*mult))
	header := fmt.Sprintf("Assembling %s from %d files (est. %s)\n",
		job.Target.ChapterFile, len(items), formatETA(eta))

	meta := engine.AssemblyMetadata{Title: engine.OutputStem(job.Target.ChapterFile)}
	if s.mirror != nil && job.Target.ProjectID != "" {
		if p, err := s.mirror.GetProject(job.Target.ProjectID); err == nil {
			meta.Title = p.Name
			meta.Author = p.Author
		}
	}

	start := time.Now()
	tracker := s.begin(job, eta, header)
	stop := s.heartbeat(tracker)

	rc := s.engines.Assembler.Assemble(engine.AssemblyRequest{
		Items:       items,
		DestPath:    dest,
		Metadata:    meta,
		OnLine:      tracker.Observe,
		IsCancelled: tok.Signaled,
	})
	stop()

	if tok.Signaled() {
		_ = os.Remove(dest)
		tracker.Append("Cancelled.")
		s.store.Update(job.ID, models.JobUpdate{
			Status:     models.StatusPtr(models.StatusCancelled),
			FinishedAt: models.TimePtr(time.Now().UTC()),
			Log:        models.Str(tracker.LogText()),
		})
		telemetry.JobsCancelled.WithLabelValues(string(job.Engine)).Inc()
		return
	}
	if rc != 0 {
		s.failWithLog(job, tracker, fmt.Sprintf("engine exited with code %d", rc))
		return
	}
	if !fileExists(dest) {
		s.failWithLog(job, tracker, "engine reported success but produced no output")
		return
	}

	elapsed := time.Since(start).Seconds()
	if base > 0 && elapsed > 0 {
		observed := elapsed / base
		blended := s.cfg.AssemblyMultWeight*mult + (1-s.cfg.AssemblyMultWeight)*observed
		s.store.SetMetric(metricAssemblyMult, blended)
	}

	tracker.Append(fmt.Sprintf("Finished in %s.", formatETA(int(elapsed))))
	s.store.Update(job.ID, models.JobUpdate{
		Status:     models.StatusPtr(models.StatusDone),
		Progress:   models.Float(1.0),
		FinishedAt: models.TimePtr(time.Now().UTC()),
		Outputs:    models.StrSlice([]string{dest}),
		Log:        models.Str(tracker.LogText()),
	})
	telemetry.JobsCompleted.WithLabelValues(string(job.Engine)).Inc()
}

// begin transitions the job to running and returns its progress tracker.
func (s *Scheduler) begin(job models.Job, eta int, header string) *tracker {
	s.store.Update(job.ID, models.JobUpdate{
		Status:     models.StatusPtr(models.StatusRunning),
		StartedAt:  models.TimePtr(time.Now().UTC()),
		ETASeconds: models.IntPtr(eta),
		Progress:   models.Float(0),
		Log:        models.Str(header),
	})
	cfg := trackerConfig{
		minDelta:  s.cfg.BroadcastMinDelta,
		heartbeat: s.cfg.HeartbeatInterval,
		ceiling:   s.cfg.ProgressCeiling,
		headroom:  s.cfg.StructuredHeadroom,
		logTail:   s.cfg.LogTailBytes,
	}
	id := job.ID
	return newTracker(header, eta, cfg, func(fields map[string]any) {
		s.applyTrackerFields(id, fields)
	})
}

// applyTrackerFields translates a tracker publish into a store update.
func (s *Scheduler) applyTrackerFields(id string, fields map[string]any) {
	var u models.JobUpdate
	if v, ok := fields["progress"]; ok {
		u.Progress = models.Float(v.(float64))
	}
	if v, ok := fields["log"]; ok {
		u.Log = models.Str(v.(string))
	}
	if v, ok := fields["warning_count"]; ok {
		u.WarningCount = models.Int(v.(int))
	}
	s.store.Update(id, u)
}

// heartbeat ticks the tracker's time projection while the engine runs.
func (s *Scheduler) heartbeat(t *tracker) (stop func()) {
	done := make(chan struct{})
	go func() {
		tick := time.NewTicker(time.Second)
		defer tick.Stop()
		for {
			select {
			case <-tick.C:
				t.Heartbeat()
			case <-done:
				return
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

// cancelIfLive transitions to cancelled unless another path already
// resolved the job (direct cancel of a queued job races the worker).
func (s *Scheduler) cancelIfLive(id string) {
	if job, ok := s.store.Get(id); ok && !job.Status.Terminal() {
		s.markCancelled(job, "Cancelled.")
	}
}

func (s *Scheduler) fail(job models.Job, msg string) {
	s.store.Update(job.ID, models.JobUpdate{
		Status:     models.StatusPtr(models.StatusFailed),
		FinishedAt: models.TimePtr(time.Now().UTC()),
		Error:      models.Str(msg),
	})
	telemetry.JobsFailed.WithLabelValues(string(job.Engine)).Inc()
}

func (s *Scheduler) failWithLog(job models.Job, t *tracker, msg string) {
	t.Append(msg)
	s.store.Update(job.ID, models.JobUpdate{
		Status:       models.StatusPtr(models.StatusFailed),
		FinishedAt:   models.TimePtr(time.Now().UTC()),
		Error:        models.Str(msg),
		Log:          models.Str(t.LogText()),
		WarningCount: models.Int(t.Warnings()),
	})
	telemetry.JobsFailed.WithLabelValues(string(job.Engine)).Inc()
}

// chapterText loads synthesis input, preferring catalog text over loose
// files on disk.
func (s *Scheduler) chapterText(job models.Job) (string, error) {
	if s.mirror != nil && job.Target.ChapterID != "" {
		return s.mirror.ChapterText(job.Target.ChapterID)
	}
	raw, err := os.ReadFile(filepath.Join(s.cfg.TextDir(job.Target.ProjectID), job.Target.ChapterFile))
	if err != nil {
		return "", err
	}
	text := string(raw)
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("chapter file is empty")
	}
	return text, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
