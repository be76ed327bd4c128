package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
)

// Defaults for the pipeline limits. Byte limits are deliberately modest:
// the aggregator is supposed to spill, not grow.
const (
	DefaultMaxQueueDepth        = 64
	DefaultSoftLimitBytes       = 32 << 20
	DefaultHardLimitBytes       = 64 << 20
	DefaultTopNWorstOffenders   = 10
	DefaultStreamThresholdBytes = 1 << 20
)

type Config struct {
	OutputDir            string
	MaxQueueDepth        int
	SoftLimitBytes       int64
	HardLimitBytes       int64
	TopNWorstOffenders   int
	MaxRunDurationMS     int64
	StreamThresholdBytes int64

	// Optional Postgres mirror; disabled when empty.
	DatabaseURL string

	// Optional object-storage artifact mirror; disabled when endpoint empty.
	S3Endpoint    string
	S3AccessKey   string
	S3SecretKey   string
	S3UseSSL      bool
	S3Region      string
	ReportsBucket string

	HTTPAddr string
}

func getBool(key string, def bool, errs *[]error) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %q is not a boolean", key, v))
		return def
	}
	return b
}

func getInt(key string, def int, errs *[]error) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %q is not an integer", key, v))
		return def
	}
	return n
}

func getInt64(key string, def int64, errs *[]error) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %q is not an integer", key, v))
		return def
	}
	return n
}

// Load reads configuration from the environment. A value that does not
// parse is an error, not a silent fallback; the joined error covers every
// bad variable at once. Range checks live in Validate.
func Load() (Config, error) {
	var errs []error
	cfg := Config{
		OutputDir:            os.Getenv("OUTPUT_DIR"),
		MaxQueueDepth:        getInt("MAX_QUEUE_DEPTH", DefaultMaxQueueDepth, &errs),
		SoftLimitBytes:       getInt64("SOFT_LIMIT_BYTES", DefaultSoftLimitBytes, &errs),
		HardLimitBytes:       getInt64("HARD_LIMIT_BYTES", DefaultHardLimitBytes, &errs),
		TopNWorstOffenders:   getInt("TOP_N_WORST_OFFENDERS", DefaultTopNWorstOffenders, &errs),
		MaxRunDurationMS:     getInt64("MAX_RUN_DURATION_MS", 0, &errs),
		StreamThresholdBytes: getInt64("STREAM_THRESHOLD_BYTES", DefaultStreamThresholdBytes, &errs),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		S3Endpoint:           os.Getenv("S3_ENDPOINT"),
		S3AccessKey:          os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey:          os.Getenv("S3_SECRET_KEY"),
		S3UseSSL:             getBool("S3_USE_SSL", false, &errs),
		S3Region:             os.Getenv("S3_REGION"),
		ReportsBucket:        os.Getenv("REPORTS_BUCKET"),
		HTTPAddr:             os.Getenv("HTTP_ADDR"),
	}
	return cfg, errors.Join(errs...)
}

// Validate checks every limit the pipeline depends on. An error here must
// be surfaced before the run leaves Pending.
func (c Config) Validate() error {
	var errs []error
	if c.OutputDir == "" {
		errs = append(errs, errors.New("OUTPUT_DIR is required"))
	}
	if c.MaxQueueDepth < 1 {
		errs = append(errs, fmt.Errorf("MAX_QUEUE_DEPTH must be >= 1, got %d", c.MaxQueueDepth))
	}
	if c.SoftLimitBytes <= 0 {
		errs = append(errs, fmt.Errorf("SOFT_LIMIT_BYTES must be > 0, got %d", c.SoftLimitBytes))
	}
	if c.HardLimitBytes < c.SoftLimitBytes {
		errs = append(errs, fmt.Errorf("HARD_LIMIT_BYTES (%d) must be >= SOFT_LIMIT_BYTES (%d)", c.HardLimitBytes, c.SoftLimitBytes))
	}
	if c.TopNWorstOffenders < 1 {
		errs = append(errs, fmt.Errorf("TOP_N_WORST_OFFENDERS must be >= 1, got %d", c.TopNWorstOffenders))
	}
	if c.MaxRunDurationMS < 0 {
		errs = append(errs, fmt.Errorf("MAX_RUN_DURATION_MS must be >= 0, got %d", c.MaxRunDurationMS))
	}
	if c.StreamThresholdBytes < 0 {
		errs = append(errs, fmt.Errorf("STREAM_THRESHOLD_BYTES must be >= 0, got %d", c.StreamThresholdBytes))
	}
	if c.MirrorEnabled() {
		if c.S3AccessKey == "" || c.S3SecretKey == "" {
			errs = append(errs, errors.New("S3_ACCESS_KEY and S3_SECRET_KEY are required when S3_ENDPOINT is set"))
		}
		if c.ReportsBucket == "" {
			errs = append(errs, errors.New("REPORTS_BUCKET is required when S3_ENDPOINT is set"))
		}
	}
	return errors.Join(errs...)
}

// StoreEnabled reports whether the Postgres run mirror is configured.
func (c Config) StoreEnabled() bool { return c.DatabaseURL != "" }

// MirrorEnabled reports whether the object-storage artifact mirror is
// configured.
func (c Config) MirrorEnabled() bool { return c.S3Endpoint != "" }
