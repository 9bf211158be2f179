package models

import "time"

// JobUpdate is a partial-field mutation applied through the state store.
// Nil fields are left untouched. Pointer-to-pointer fields distinguish
// "leave alone" from "clear to null".
type JobUpdate struct {
	Status       *Status
	Progress     *float64
	StartedAt    **time.Time
	FinishedAt   **time.Time
	ETASeconds   **int
	Outputs      *[]string
	Log          *string
	Error        *string
	WarningCount *int
}

// Apply mutates job in place and returns the changed fields keyed the way
// they are broadcast to observers.
func (u JobUpdate) Apply(job *Job) map[string]any {
	fields := make(map[string]any)
	if u.Status != nil {
		job.Status = *u.Status
		fields["status"] = *u.Status
	}
	if u.Progress != nil {
		job.Progress = *u.Progress
		fields["progress"] = *u.Progress
	}
	if u.StartedAt != nil {
		job.StartedAt = *u.StartedAt
		fields["started_at"] = *u.StartedAt
	}
	if u.FinishedAt != nil {
		job.FinishedAt = *u.FinishedAt
		fields["finished_at"] = *u.FinishedAt
	}
	if u.ETASeconds != nil {
		job.ETASeconds = *u.ETASeconds
		fields["eta_seconds"] = *u.ETASeconds
	}
	if u.Outputs != nil {
		job.Outputs = *u.Outputs
		fields["outputs"] = *u.Outputs
	}
	if u.Log != nil {
		job.Log = *u.Log
		fields["log"] = *u.Log
	}
	if u.Error != nil {
		job.Error = *u.Error
		fields["error"] = *u.Error
	}
	if u.WarningCount != nil {
		job.WarningCount = *u.WarningCount
		fields["warning_count"] = *u.WarningCount
	}
	return fields
}

// Helpers for building updates without intermediate variables.

func StatusPtr(s Status) *Status      { return &s }
func Float(v float64) *float64        { return &v }
func Str(s string) *string            { return &s }
func Int(v int) *int                  { return &v }
func TimePtr(t time.Time) **time.Time { p := &t; return &p }
func TimeNil() **time.Time            { var p *time.Time; return &p }
func IntPtr(v int) **int              { p := &v; return &p }
func IntNil() **int                   { var p *int; return &p }
func StrSlice(v []string) *[]string   { return &v }
