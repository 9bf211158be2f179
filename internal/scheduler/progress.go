package scheduler

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Engine output line shapes. The synthesis engine announces a unit total
// once and then each completed unit; progress-bar style lines embed a
// percentage. Everything else is diagnostics.
var (
	totalPattern   = regexp.MustCompile(`\[segments\]\s+total=(\d+)`)
	unitPattern    = regexp.MustCompile(`\[segment\]\s+saved=(\d+)`)
	percentPattern = regexp.MustCompile(`(\d+)%`)
)

// noiseMarkers match engine chatter that would bloat the persisted log
// without telling the user anything.
var noiseMarkers = []string{
	"> Text",
	"> Processing sentence:",
	"pkg_resources is deprecated",
	"already downloaded",
	"futurewarning",
	"loading model",
	"tensorboard",
	"processing time",
	"real-time factor",
}

const warningMarker = "exceeds the character limit"

type trackerConfig struct {
	minDelta  float64
	heartbeat time.Duration
	ceiling   float64
	headroom  float64
	logTail   int
}

// tracker merges the elapsed-time projection with structured signals from
// engine output into a monotonic progress value, and throttles how often
// that value is written back through the store. It is owned exclusively
// by the worker processing one job; nothing here is shared job state.
type tracker struct {
	mu  sync.Mutex
	cfg trackerConfig

	start     time.Time
	eta       int
	progress  float64
	lastPub   float64
	lastPubAt time.Time

	total     int
	completed int
	warnings  int
	log       []byte

	publish func(fields map[string]any)
}

func newTracker(header string, eta int, cfg trackerConfig, publish func(map[string]any)) *tracker {
	if publish == nil {
		publish = func(map[string]any) {}
	}
	now := time.Now()
	return &tracker{
		cfg:       cfg,
		start:     now,
		eta:       eta,
		lastPubAt: now,
		log:       []byte(header),
		publish:   publish,
	}
}

// Observe consumes one line of engine output.
func (t *tracker) Observe(line string) {
	s := strings.TrimSpace(line)

	t.mu.Lock()
	if s == "" {
		t.advanceLocked(nil)
		return
	}

	var structured *float64
	if m := totalPattern.FindStringSubmatch(s); m != nil {
		t.total, _ = strconv.Atoi(m[1])
	} else if m := unitPattern.FindStringSubmatch(s); m != nil {
		if idx, err := strconv.Atoi(m[1]); err == nil && idx > t.completed {
			t.completed = idx
		}
		if t.total > 0 {
			v := float64(t.completed) / float64(t.total) * t.cfg.headroom
			structured = &v
		}
	}

	isProgressBar := structured == nil && strings.Contains(s, "|") && percentPattern.MatchString(s)
	if isProgressBar {
		if m := percentPattern.FindStringSubmatch(s); m != nil {
			if pct, err := strconv.Atoi(m[1]); err == nil {
				v := float64(pct) / 100.0
				structured = &v
			}
		}
	}

	logChanged := false
	if !isProgressBar && !isNoise(s) {
		t.log = append(t.log, line...)
		if !strings.HasSuffix(line, "\n") {
			t.log = append(t.log, '\n')
		}
		if len(t.log) > t.cfg.logTail {
			t.log = append([]byte(nil), t.log[len(t.log)-t.cfg.logTail:]...)
		}
		logChanged = true
	}

	warningChanged := false
	if strings.Contains(s, warningMarker) {
		t.warnings++
		warningChanged = true
	}

	extra := make(map[string]any)
	if logChanged {
		extra["log"] = string(t.log)
	}
	if warningChanged {
		extra["warning_count"] = t.warnings
	}
	t.advanceLocked(mergeStructured(structured, extra))
}

// Heartbeat recomputes the time projection; the worker ticks this while
// the engine runs so progress moves even when output is quiet.
func (t *tracker) Heartbeat() {
	t.mu.Lock()
	t.advanceLocked(nil)
}

// advanceLocked folds the candidate signals into the monotonic progress
// value and publishes when the broadcast gate allows. Unlocks t.mu.
func (t *tracker) advanceLocked(extra map[string]any) {
	elapsed := time.Since(t.start).Seconds()
	projection := math.Min(t.cfg.ceiling, elapsed/math.Max(1, float64(t.eta)))

	next := math.Max(t.progress, projection)
	if extra != nil {
		if v, ok := extra["structured"]; ok {
			next = math.Max(next, math.Min(t.cfg.ceiling, v.(float64)))
			delete(extra, "structured")
		}
	}
	next = math.Round(next*100) / 100
	t.progress = next

	now := time.Now()
	includeProgress := next-t.lastPub >= t.cfg.minDelta ||
		(t.lastPub == 0 && next > 0) ||
		now.Sub(t.lastPubAt) >= t.cfg.heartbeat

	fields := make(map[string]any, len(extra)+1)
	for k, v := range extra {
		fields[k] = v
	}
	if includeProgress {
		fields["progress"] = next
		t.lastPub = next
		t.lastPubAt = now
	}
	publish := t.publish
	t.mu.Unlock()

	if len(fields) > 0 {
		publish(fields)
	}
}

// Progress returns the current merged value.
func (t *tracker) Progress() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.progress
}

// Warnings returns the warning line count seen so far.
func (t *tracker) Warnings() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.warnings
}

// LogText returns the bounded trailing log including the header.
func (t *tracker) LogText() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.log)
}

// Append adds an internally generated line to the log without treating it
// as engine output.
func (t *tracker) Append(line string) {
	t.mu.Lock()
	t.log = append(t.log, line...)
	if !strings.HasSuffix(line, "\n") {
		t.log = append(t.log, '\n')
	}
	if len(t.log) > t.cfg.logTail {
		t.log = append([]byte(nil), t.log[len(t.log)-t.cfg.logTail:]...)
	}
	t.mu.Unlock()
}

func mergeStructured(structured *float64, extra map[string]any) map[string]any {
	if structured != nil {
		extra["structured"] = *structured
	}
	if len(extra) == 0 {
		return nil
	}
	return extra
}

func isNoise(s string) bool {
	lower := strings.ToLower(s)
	for _, marker := range noiseMarkers {
		if strings.Contains(lower, strings.ToLower(marker)) {
			return true
		}
	}
	return false
}
