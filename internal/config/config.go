package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds shared runtime configuration for the server process.
type Config struct {
	Env      string
	HTTPPort string

	// Filesystem layout. StatePath and MirrorPath default to files inside
	// DataDir when left empty.
	DataDir    string
	StatePath  string
	MirrorPath string

	// External engine commands.
	SynthesisCommand string
	AssemblyCommand  string
	ConvertCommand   string
	ProbeCommand     string
	MP3Quality       string

	// Cooperative cancellation.
	CancelPollInterval time.Duration
	TermGracePeriod    time.Duration

	// Progress broadcast throttling. Empirically chosen in the original
	// system; kept configurable on purpose.
	BroadcastMinDelta  float64
	HeartbeatInterval  time.Duration
	ProgressCeiling    float64
	StructuredHeadroom float64

	// ETA estimation and adaptive tuning.
	DefaultCharsPerSec   float64
	SynthesisRateWeight  float64
	AssemblyMultWeight   float64
	AssemblyETAFloor     int
	LogTailBytes         int

	// Optional Redis-backed enqueue rate limiting. Disabled when
	// RedisAddr is empty.
	RedisAddr         string
	RedisPassword     string
	RedisDB           int
	RateLimitCapacity int
	RateLimitRefill   float64
}

// Load reads configuration from environment variables with sane defaults
// for local use.
func Load() Config {
	dataDir := getEnv("DATA_DIR", "./data")
	return Config{
		Env:      getEnv("APP_ENV", "dev"),
		HTTPPort: getEnv("HTTP_PORT", "8080"),

		DataDir:    dataDir,
		StatePath:  getEnv("STATE_PATH", filepath.Join(dataDir, "state.json")),
		MirrorPath: getEnv("MIRROR_PATH", filepath.Join(dataDir, "catalog.db")),

		SynthesisCommand: getEnv("SYNTHESIS_CMD", "tts"),
		AssemblyCommand:  getEnv("ASSEMBLY_CMD", "ffmpeg"),
		ConvertCommand:   getEnv("CONVERT_CMD", "ffmpeg"),
		ProbeCommand:     getEnv("PROBE_CMD", "ffprobe"),
		MP3Quality:       getEnv("MP3_QUALITY", "2"),

		CancelPollInterval: getEnvDuration("CANCEL_POLL_INTERVAL", 150*time.Millisecond),
		TermGracePeriod:    getEnvDuration("TERM_GRACE_PERIOD", 3*time.Second),

		BroadcastMinDelta:  getEnvFloat("BROADCAST_MIN_DELTA", 0.01),
		HeartbeatInterval:  getEnvDuration("BROADCAST_HEARTBEAT", 30*time.Second),
		ProgressCeiling:    getEnvFloat("PROGRESS_CEILING", 0.98),
		StructuredHeadroom: getEnvFloat("STRUCTURED_HEADROOM", 0.9),

		DefaultCharsPerSec:  getEnvFloat("DEFAULT_CHARS_PER_SEC", 16.7),
		SynthesisRateWeight: getEnvFloat("SYNTHESIS_RATE_WEIGHT", 0.8),
		AssemblyMultWeight:  getEnvFloat("ASSEMBLY_MULT_WEIGHT", 0.6),
		AssemblyETAFloor:    getEnvInt("ASSEMBLY_ETA_FLOOR", 15),
		LogTailBytes:        getEnvInt("LOG_TAIL_BYTES", 20000),

		RedisAddr:         getEnv("REDIS_ADDR", ""),
		RedisPassword:     getEnv("REDIS_PASSWORD", ""),
		RedisDB:           getEnvInt("REDIS_DB", 0),
		RateLimitCapacity: getEnvInt("RATE_LIMIT_CAPACITY", 50),
		RateLimitRefill:   getEnvFloat("RATE_LIMIT_REFILL_PER_SEC", 20),
	}
}

// TextDir returns the directory chapter text files are read from.
func (c Config) TextDir(projectID string) string {
	if projectID != "" {
		return filepath.Join(c.DataDir, "projects", projectID, "text")
	}
	return filepath.Join(c.DataDir, "chapters")
}

// AudioDir returns the directory synthesized audio is written to.
func (c Config) AudioDir(projectID string) string {
	if projectID != "" {
		return filepath.Join(c.DataDir, "projects", projectID, "audio")
	}
	return filepath.Join(c.DataDir, "audio")
}

// BookDir returns the directory assembled audiobooks are written to.
func (c Config) BookDir(projectID string) string {
	if projectID != "" {
		return filepath.Join(c.DataDir, "projects", projectID, "m4b")
	}
	return filepath.Join(c.DataDir, "audiobooks")
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
