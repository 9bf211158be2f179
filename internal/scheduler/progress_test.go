package scheduler

import (
	"strings"
	"testing"
	"time"
)

func testTrackerConfig() trackerConfig {
	return trackerConfig{
		minDelta:  0.01,
		heartbeat: 30 * time.Second,
		ceiling:   0.98,
		headroom:  0.9,
		logTail:   20000,
	}
}

func TestStructuredSignalsScaleWithHeadroom(t *testing.T) {
	tr := newTracker("", 3600, testTrackerConfig(), nil)

	tr.Observe("[segments] total=10")
	tr.Observe("[segment] saved=5")
	if got := tr.Progress(); got != 0.45 {
		t.Fatalf("expected 0.45 after half the segments, got %v", got)
	}
	tr.Observe("[segment] saved=10")
	if got := tr.Progress(); got != 0.9 {
		t.Fatalf("expected 0.9 after all segments, got %v", got)
	}
}

func TestPercentLinesDriveProgressButSkipLog(t *testing.T) {
	tr := newTracker("", 3600, testTrackerConfig(), nil)

	tr.Observe(" 42%|████████          | 42/100")
	if got := tr.Progress(); got != 0.42 {
		t.Fatalf("expected 0.42, got %v", got)
	}
	if strings.Contains(tr.LogText(), "42%") {
		t.Fatalf("progress bar line leaked into log: %q", tr.LogText())
	}
}

func TestProgressNeverRegresses(t *testing.T) {
	tr := newTracker("", 3600, testTrackerConfig(), nil)

	tr.Observe("[segments] total=10")
	tr.Observe("[segment] saved=9")
	high := tr.Progress()

	tr.Observe(" 10%|█                 | 10/100")
	if got := tr.Progress(); got < high {
		t.Fatalf("progress regressed from %v to %v", high, got)
	}
}

func TestStructuredSignalsRespectCeiling(t *testing.T) {
	cfg := testTrackerConfig()
	cfg.headroom = 1.0
	tr := newTracker("", 3600, cfg, nil)

	tr.Observe("[segments] total=10")
	tr.Observe("[segment] saved=10")
	if got := tr.Progress(); got != cfg.ceiling {
		t.Fatalf("expected ceiling %v, got %v", cfg.ceiling, got)
	}
}

func TestBroadcastGateSuppressesSmallDeltas(t *testing.T) {
	cfg := testTrackerConfig()
	cfg.minDelta = 0.5

	published := 0
	tr := newTracker("", 3600, cfg, func(fields map[string]any) {
		if _, ok := fields["progress"]; ok {
			published++
		}
	})

	tr.Observe("[segments] total=100")
	tr.Observe("[segment] saved=60") // 0.54, first publish
	tr.Observe("[segment] saved=61")
	tr.Observe("[segment] saved=62")
	if published != 1 {
		t.Fatalf("expected exactly one progress publish, got %d", published)
	}
}

func TestHeartbeatForcesPublishAfterInterval(t *testing.T) {
	cfg := testTrackerConfig()
	cfg.minDelta = 0.5
	cfg.heartbeat = 50 * time.Millisecond

	published := 0
	tr := newTracker("", 3600, cfg, func(fields map[string]any) {
		if _, ok := fields["progress"]; ok {
			published++
		}
	})

	tr.Observe("[segments] total=100")
	tr.Observe("[segment] saved=60")
	time.Sleep(60 * time.Millisecond)
	tr.Heartbeat()
	if published != 2 {
		t.Fatalf("expected heartbeat publish, got %d publishes", published)
	}
}

func TestNoiseLinesAreFiltered(t *testing.T) {
	tr := newTracker("start\n", 3600, testTrackerConfig(), nil)

	tr.Observe("> Processing sentence: hello world")
	tr.Observe("pkg_resources is deprecated as an API")
	tr.Observe("wrote segment 3")

	log := tr.LogText()
	if strings.Contains(log, "Processing sentence") || strings.Contains(log, "pkg_resources") {
		t.Fatalf("noise leaked into log: %q", log)
	}
	if !strings.Contains(log, "start\n") || !strings.Contains(log, "wrote segment 3") {
		t.Fatalf("expected header and real line in log: %q", log)
	}
}

func TestWarningLinesAreCounted(t *testing.T) {
	tr := newTracker("", 3600, testTrackerConfig(), nil)

	tr.Observe("sentence 12 exceeds the character limit, splitting")
	tr.Observe("plain line")
	tr.Observe("sentence 40 exceeds the character limit, splitting")
	if got := tr.Warnings(); got != 2 {
		t.Fatalf("expected 2 warnings, got %d", got)
	}
}

func TestLogIsBoundedToTail(t *testing.T) {
	cfg := testTrackerConfig()
	cfg.logTail = 100
	tr := newTracker("", 3600, cfg, nil)

	for i := 0; i < 50; i++ {
		tr.Observe("a line of engine output that repeats")
	}
	if n := len(tr.LogText()); n > 100 {
		t.Fatalf("log exceeds tail bound: %d bytes", n)
	}
	if !strings.HasSuffix(tr.LogText(), "repeats\n") {
		t.Fatalf("expected tail to keep newest lines: %q", tr.LogText())
	}
}
