package engine

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
)

const (
	// exitCancelled is returned when the invocation was aborted through
	// the cancellation check rather than by the engine itself.
	exitCancelled = 1
	// exitSpawnFailure is returned when the process never started.
	exitSpawnFailure = -1
)

// Runner executes engine commands via os/exec.
type Runner struct {
	SynthesisCmd string
	AssemblyCmd  string
	ConvertCmd   string
	MP3Quality   string

	PollInterval time.Duration
	GracePeriod  time.Duration

	log *zap.Logger
}

// NewRunner builds the production runner around the configured commands.
func NewRunner(synthesisCmd, assemblyCmd, convertCmd, mp3Quality string, poll, grace time.Duration, log *zap.Logger) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	if poll <= 0 {
		poll = 150 * time.Millisecond
	}
	if grace <= 0 {
		grace = 3 * time.Second
	}
	return &Runner{
		SynthesisCmd: synthesisCmd,
		AssemblyCmd:  assemblyCmd,
		ConvertCmd:   convertCmd,
		MP3Quality:   mp3Quality,
		PollInterval: poll,
		GracePeriod:  grace,
		log:          log,
	}
}

// Synthesize runs the TTS command for one chapter text.
func (r *Runner) Synthesize(req SynthesisRequest) int {
	args := buildSynthesisArgs(req)
	return r.stream(r.SynthesisCmd, args, req.OnLine, req.IsCancelled)
}

// Assemble runs the container assembly command over the source items.
func (r *Runner) Assemble(req AssemblyRequest) int {
	listPath := req.DestPath + ".inputs.txt"
	if err := writeConcatList(listPath, req.Items); err != nil {
		emit(req.OnLine, fmt.Sprintf("[error] writing input list: %v\n", err))
		return exitSpawnFailure
	}
	defer os.Remove(listPath)

	args := buildAssemblyArgs(listPath, req)
	return r.stream(r.AssemblyCmd, args, req.OnLine, req.IsCancelled)
}

// Convert runs the wav-to-mp3 conversion command.
func (r *Runner) Convert(req ConvertRequest) int {
	args := []string{
		"-hide_banner", "-nostdin", "-y",
		"-i", req.SourcePath,
		"-codec:a", "libmp3lame",
		"-q:a", r.MP3Quality,
		req.DestPath,
	}
	return r.stream(r.ConvertCmd, args, req.OnLine, req.IsCancelled)
}

// stream spawns the command, feeds every output line to onLine, and polls
// cancelled between lines. On cancellation it sends SIGTERM, waits the
// grace period, then kills.
func (r *Runner) stream(name string, args []string, onLine LineFunc, cancelled CancelFunc) int {
	if cancelled == nil {
		cancelled = func() bool { return false }
	}

	cmd := exec.Command(name, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		emit(onLine, fmt.Sprintf("[error] %v\n", err))
		return exitSpawnFailure
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		emit(onLine, fmt.Sprintf("[error] starting %s: %v\n", name, err))
		return exitSpawnFailure
	}

	// Wait closes the read side of the pipe, so it must not run until
	// the scanner has hit EOF or buffered trailing output is discarded.
	lines := make(chan string, 64)
	scanDone := make(chan struct{})
	go func() {
		defer close(scanDone)
		sc := bufio.NewScanner(stdout)
		sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	done := make(chan error, 1)
	go func() {
		<-scanDone
		done <- cmd.Wait()
	}()

	ticker := time.NewTicker(r.PollInterval)
	defer ticker.Stop()

	var termAt time.Time
	wasCancelled := false
	killed := false
	drained := false
	finished := false
	var waitErr error

	for !finished || !drained {
		select {
		case line, ok := <-lines:
			if !ok {
				drained = true
				lines = nil
				continue
			}
			emit(onLine, line+"\n")
		case <-ticker.C:
			switch {
			case finished:
			case !wasCancelled && cancelled():
				wasCancelled = true
				termAt = time.Now()
				if cmd.Process != nil {
					_ = cmd.Process.Signal(syscall.SIGTERM)
				}
			case wasCancelled && !killed && time.Since(termAt) >= r.GracePeriod:
				killed = true
				r.log.Warn("engine ignored SIGTERM, killing",
					zap.String("command", cmd.Path))
				if cmd.Process != nil {
					_ = cmd.Process.Kill()
				}
			}
		case err := <-done:
			waitErr = err
			finished = true
			done = nil
		}
	}

	if wasCancelled {
		return exitCancelled
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return exitErr.ExitCode()
		}
		return exitSpawnFailure
	}
	return 0
}

func emit(onLine LineFunc, line string) {
	if onLine != nil {
		onLine(line)
	}
}

func buildSynthesisArgs(req SynthesisRequest) []string {
	args := []string{
		"--text", req.Text,
		"--out_path", req.DestPath,
	}
	if req.VoiceProfile != "" {
		args = append(args, "--voice", req.VoiceProfile)
	}
	if req.Speed > 0 && req.Speed != 1.0 {
		args = append(args, "--speed", strconv.FormatFloat(req.Speed, 'f', 2, 64))
	}
	if req.Sanitize {
		args = append(args, "--sanitize")
	}
	return args
}

func buildAssemblyArgs(listPath string, req AssemblyRequest) []string {
	args := []string{
		"-hide_banner", "-nostdin", "-y",
		"-f", "concat", "-safe", "0",
		"-i", listPath,
		"-c:a", "aac",
	}
	if req.Metadata.Title != "" {
		args = append(args, "-metadata", "title="+req.Metadata.Title)
	}
	if req.Metadata.Author != "" {
		args = append(args, "-metadata", "artist="+req.Metadata.Author)
	}
	if req.Metadata.Narrator != "" {
		args = append(args, "-metadata", "composer="+req.Metadata.Narrator)
	}
	return append(args, req.DestPath)
}

// writeConcatList writes the ffmpeg concat demuxer input list. Single
// quotes inside paths are escaped per the demuxer's quoting rules.
func writeConcatList(path string, items []AssemblyItem) error {
	var b strings.Builder
	for _, it := range items {
		escaped := strings.ReplaceAll(it.Path, "'", `'\''`)
		fmt.Fprintf(&b, "file '%s'\n", escaped)
	}
	return os.WriteFile(path, []byte(b.String()), 0o644)
}

// NewFFProbe returns a DurationProbe backed by the given probe command.
func NewFFProbe(cmd string) DurationProbe {
	return func(path string) float64 {
		out, err := exec.Command(cmd,
			"-v", "error",
			"-show_entries", "format=duration",
			"-of", "default=noprint_wrappers=1:nokey=1",
			path,
		).Output()
		if err != nil {
			return 0
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(string(out)), 64)
		if err != nil {
			return 0
		}
		return v
	}
}

// OutputStem strips the extension from a chapter file name, matching the
// naming scheme of synthesized artifacts.
func OutputStem(chapterFile string) string {
	base := filepath.Base(chapterFile)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
