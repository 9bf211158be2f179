package models

import (
	"strconv"
	"time"
)

// Engine selects which worker pool executes a job.
type Engine string

const (
	EngineSynthesis Engine = "synthesis"
	EngineAssembly  Engine = "assembly"
)

// Status enumerates lifecycle states persisted in the state store.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusDone      Status = "done"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether a status has no further automatic transitions.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed || s == StatusCancelled
}

// TargetRef identifies the source material a job converts. ChapterFile is
// the text file name for synthesis jobs; for assembly jobs it holds the
// book title the output container is named after.
type TargetRef struct {
	ProjectID   string `json:"project_id,omitempty"`
	ChapterID   string `json:"chapter_id,omitempty"`
	ChapterFile string `json:"chapter_file"`
	SplitPart   int    `json:"split_part,omitempty"`
}

// Key returns the dedup key used to detect an already-live job for the
// same target on the same engine. Split parts of one chapter are
// distinct targets and produce distinct artifacts.
func (t TargetRef) Key(engine Engine) string {
	return string(engine) + "|" + t.ProjectID + "|" + t.ChapterID + "|" +
		t.ChapterFile + "|" + strconv.Itoa(t.SplitPart)
}

// JobConfig is the per-job snapshot of settings taken at enqueue time, so
// a later global settings change never alters work already queued.
type JobConfig struct {
	Sanitize     bool    `json:"sanitize"`
	MakeMP3      bool    `json:"make_mp3"`
	BypassPause  bool    `json:"bypass_pause,omitempty"`
	VoiceProfile string  `json:"voice_profile,omitempty"`
	Speed        float64 `json:"speed,omitempty"`
}

// Job is the unit of schedulable work. The state store exclusively owns
// every persisted field; workers keep transient bookkeeping (broadcast
// throttling, log accumulation) in their own structs and write observable
// changes back through the store.
type Job struct {
	ID       string    `json:"id"`
	Engine   Engine    `json:"engine"`
	Target   TargetRef `json:"target"`
	MirrorID string    `json:"mirror_id,omitempty"`

	Status Status `json:"status"`

	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	ETASeconds *int       `json:"eta_seconds,omitempty"`

	Progress float64 `json:"progress"`

	Config JobConfig `json:"config"`

	Outputs      []string `json:"outputs,omitempty"`
	Log          string   `json:"log,omitempty"`
	Error        string   `json:"error,omitempty"`
	WarningCount int      `json:"warning_count,omitempty"`
}

// Settings holds the global defaults snapshotted into JobConfig at
// enqueue time.
type Settings struct {
	SafeMode     bool    `json:"safe_mode"`
	MakeMP3      bool    `json:"make_mp3"`
	DefaultVoice string  `json:"default_voice,omitempty"`
	Speed        float64 `json:"speed"`
}

// DefaultSettings returns the settings written into a fresh state file.
func DefaultSettings() Settings {
	return Settings{
		SafeMode: true,
		MakeMP3:  true,
		Speed:    1.0,
	}
}
