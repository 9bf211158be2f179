// Package engine wraps the external conversion tools (speech synthesis,
// audiobook container assembly, format conversion). Each invocation
// streams its combined output line-by-line to a callback and polls a
// cancellation check at a bounded interval, terminating the underlying
// process gracefully first and forcefully after a grace period.
package engine

// LineFunc receives one line of engine output (progress or diagnostics).
type LineFunc func(line string)

// CancelFunc reports whether the invocation should abort.
type CancelFunc func() bool

// SynthesisRequest carries one text-to-speech invocation.
type SynthesisRequest struct {
	Text         string
	DestPath     string
	VoiceProfile string
	Speed        float64
	Sanitize     bool

	OnLine      LineFunc
	IsCancelled CancelFunc
}

// AssemblyItem is one source audio file stitched into the container.
type AssemblyItem struct {
	Path  string
	Title string
}

// AssemblyMetadata tags the assembled audiobook container.
type AssemblyMetadata struct {
	Title    string
	Author   string
	Narrator string
}

// AssemblyRequest carries one audio-to-container invocation.
type AssemblyRequest struct {
	Items    []AssemblyItem
	DestPath string
	Metadata AssemblyMetadata

	OnLine      LineFunc
	IsCancelled CancelFunc
}

// ConvertRequest carries a secondary format-conversion step (wav to mp3).
type ConvertRequest struct {
	SourcePath string
	DestPath   string

	OnLine      LineFunc
	IsCancelled CancelFunc
}

// Synthesizer invokes the speech-synthesis engine. The returned code is
// the engine's exit code; zero means the engine reported success (the
// caller still verifies the output artifact exists).
type Synthesizer interface {
	Synthesize(req SynthesisRequest) int
}

// Assembler invokes the audiobook container assembly tool.
type Assembler interface {
	Assemble(req AssemblyRequest) int
}

// Converter invokes the output format conversion tool.
type Converter interface {
	Convert(req ConvertRequest) int
}

// DurationProbe reads the playable duration in seconds of an audio
// artifact on disk. Returns 0 when the file cannot be probed.
type DurationProbe func(path string) float64
