package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"github.com/local/tenderpipe/internal/job"
)

// EnqueuePolicy decides what Submit does when the queue is full.
type EnqueuePolicy string

const (
	PolicyBlock            EnqueuePolicy = "block"
	PolicyReject           EnqueuePolicy = "reject"
	PolicyBlockWithTimeout EnqueuePolicy = "block_with_timeout"
)

// Config is the exhaustive runtime configuration. Every field maps to one
// PIPELINE_* environment variable; variables outside the recognized set
// fail startup.
type Config struct {
	Workers WorkerConfig
	Queue   QueueConfig
	Model   ModelConfig
	Retry   RetryConfig
	Cache   CacheConfig
	Health  HealthConfig
	Extract ExtractConfig
	Prompt  PromptConfig
	Metrics MetricsConfig
	Log     LogConfig
	Runtime RuntimeConfig
}

type WorkerConfig struct {
	Count              int `validate:"min=1"`
	RateLimitPerMinute int `validate:"min=0"`
}

type QueueConfig struct {
	Capacity    int           `validate:"min=1"`
	Policy      EnqueuePolicy `validate:"oneof=block reject block_with_timeout"`
	EnqueueWait time.Duration `validate:"min=0"`
}

type ModelConfig struct {
	RuntimeURL     string            `validate:"required,url"`
	DefaultTier    job.Tier          `validate:"oneof=small balanced large"`
	TierModels     map[job.Tier]string
	RequestTimeout time.Duration `validate:"gt=0"`
}

// ModelFor resolves the concrete model name behind a tier.
func (m ModelConfig) ModelFor(tier job.Tier) string { return m.TierModels[tier] }

type RetryConfig struct {
	// MaxRetries counts additional attempts after the first call.
	MaxRetries int           `validate:"min=0"`
	BaseDelay  time.Duration `validate:"gt=0"`
	MaxDelay   time.Duration `validate:"gt=0"`
}

type CacheConfig struct {
	MaxEntries int           `validate:"min=1"`
	MaxBytes   int64         `validate:"min=1"`
	DefaultTTL time.Duration `validate:"gt=0"`
}

type HealthConfig struct {
	ProbeInterval    time.Duration `validate:"gt=0"`
	FailureThreshold int           `validate:"min=1"`
}

type ExtractConfig struct {
	MaxDocumentBytes     int64 `validate:"min=1"`
	OCRFallbackThreshold int   `validate:"min=0"`
	OCRLanguages         string
	EnableOfficeConvert  bool
	TempDir              string
}

type PromptConfig struct {
	TemplateVersion string `validate:"required"`
}

type MetricsConfig struct {
	WindowSamples int `validate:"min=1"`
}

type LogConfig struct {
	Level        string
	Pretty       bool
	File         string
	MaxSizeMB    int
	MaxBackups   int
	MaxAgeDays   int
	AxiomToken   string
	AxiomOrgID   string
	AxiomDataset string
}

type RuntimeConfig struct {
	ShutdownGrace time.Duration `validate:"gt=0"`
	JobRetention  time.Duration `validate:"gt=0"`
}

// Default returns the configuration used when no environment is set.
func Default() Config {
	return Config{
		Workers: WorkerConfig{Count: 4, RateLimitPerMinute: 60},
		Queue:   QueueConfig{Capacity: 64, Policy: PolicyBlock, EnqueueWait: 5 * time.Second},
		Model: ModelConfig{
			RuntimeURL:  "http://localhost:11434",
			DefaultTier: job.TierBalanced,
			TierModels: map[job.Tier]string{
				job.TierSmall:    "llama3.2:1b",
				job.TierBalanced: "llama3.1:8b",
				job.TierLarge:    "llama3.3:70b",
			},
			RequestTimeout: 30 * time.Second,
		},
		Retry:   RetryConfig{MaxRetries: 2, BaseDelay: 500 * time.Millisecond, MaxDelay: 8 * time.Second},
		Cache:   CacheConfig{MaxEntries: 512, MaxBytes: 64 << 20, DefaultTTL: time.Hour},
		Health:  HealthConfig{ProbeInterval: 5 * time.Second, FailureThreshold: 3},
		Extract: ExtractConfig{MaxDocumentBytes: 50 << 20, OCRFallbackThreshold: 40, OCRLanguages: "por+eng"},
		Prompt:  PromptConfig{TemplateVersion: "1.0.0"},
		Metrics: MetricsConfig{WindowSamples: 256},
		Log:     LogConfig{Level: "info", MaxSizeMB: 100, MaxBackups: 3, MaxAgeDays: 28},
		Runtime: RuntimeConfig{ShutdownGrace: 15 * time.Second, JobRetention: time.Hour},
	}
}

// envPrefix scopes every recognized variable.
const envPrefix = "PIPELINE_"

// knownKeys is the exhaustive recognized set, sans prefix.
var knownKeys = map[string]struct{}{
	"WORKERS":                               {},
	"QUEUE_CAPACITY":                        {},
	"ENQUEUE_POLICY":                        {},
	"ENQUEUE_WAIT_MS":                       {},
	"RATE_LIMIT_PER_MINUTE":                 {},
	"MODEL_RUNTIME_URL":                     {},
	"DEFAULT_MODEL_TIER":                    {},
	"TIER_MODELS":                           {},
	"REQUEST_TIMEOUT_MS":                    {},
	"MAX_RETRIES":                           {},
	"RETRY_BASE_DELAY_MS":                   {},
	"RETRY_MAX_DELAY_MS":                    {},
	"CACHE_MAX_ENTRIES":                     {},
	"CACHE_MAX_BYTES":                       {},
	"CACHE_DEFAULT_TTL_SECONDS":             {},
	"HEALTH_PROBE_INTERVAL_MS":              {},
	"HEALTH_FAILURE_THRESHOLD":              {},
	"MAX_DOCUMENT_BYTES":                    {},
	"OCR_FALLBACK_THRESHOLD_CHARS_PER_PAGE": {},
	"OCR_LANGUAGES":                         {},
	"ENABLE_OFFICE_CONVERT":                 {},
	"TEMP_DIR":                              {},
	"PROMPT_TEMPLATE_VERSION":               {},
	"METRICS_WINDOW_SAMPLES":                {},
	"SHUTDOWN_GRACE_MS":                     {},
	"JOB_RETENTION_SECONDS":                 {},
	"LOG_LEVEL":                             {},
	"LOG_PRETTY":                            {},
	"LOG_FILE":                              {},
	"LOG_MAX_SIZE_MB":                       {},
	"LOG_MAX_BACKUPS":                       {},
	"LOG_MAX_AGE_DAYS":                      {},
	"AXIOM_TOKEN":                           {},
	"AXIOM_ORG_ID":                          {},
	"AXIOM_DATASET":                         {},
}

// FromEnv loads .env if present, overlays PIPELINE_* variables onto the
// defaults, rejects unrecognized keys and validates the result.
func FromEnv() (Config, error) {
	_ = godotenv.Load()

	if err := rejectUnknown(os.Environ()); err != nil {
		return Config{}, err
	}

	cfg := Default()
	r := reader{}

	cfg.Workers.Count = r.intval("WORKERS", cfg.Workers.Count)
	cfg.Workers.RateLimitPerMinute = r.intval("RATE_LIMIT_PER_MINUTE", cfg.Workers.RateLimitPerMinute)

	cfg.Queue.Capacity = r.intval("QUEUE_CAPACITY", cfg.Queue.Capacity)
	cfg.Queue.Policy = EnqueuePolicy(r.str("ENQUEUE_POLICY", string(cfg.Queue.Policy)))
	cfg.Queue.EnqueueWait = r.millis("ENQUEUE_WAIT_MS", cfg.Queue.EnqueueWait)

	cfg.Model.RuntimeURL = r.str("MODEL_RUNTIME_URL", cfg.Model.RuntimeURL)
	cfg.Model.DefaultTier = job.Tier(r.str("DEFAULT_MODEL_TIER", string(cfg.Model.DefaultTier)))
	if v := r.str("TIER_MODELS", ""); v != "" {
		tm, err := parseTierModels(v)
		if err != nil {
			r.errs = append(r.errs, err.Error())
		} else {
			cfg.Model.TierModels = tm
		}
	}
	cfg.Model.RequestTimeout = r.millis("REQUEST_TIMEOUT_MS", cfg.Model.RequestTimeout)

	cfg.Retry.MaxRetries = r.intval("MAX_RETRIES", cfg.Retry.MaxRetries)
	cfg.Retry.BaseDelay = r.millis("RETRY_BASE_DELAY_MS", cfg.Retry.BaseDelay)
	cfg.Retry.MaxDelay = r.millis("RETRY_MAX_DELAY_MS", cfg.Retry.MaxDelay)

	cfg.Cache.MaxEntries = r.intval("CACHE_MAX_ENTRIES", cfg.Cache.MaxEntries)
	cfg.Cache.MaxBytes = r.int64val("CACHE_MAX_BYTES", cfg.Cache.MaxBytes)
	cfg.Cache.DefaultTTL = r.seconds("CACHE_DEFAULT_TTL_SECONDS", cfg.Cache.DefaultTTL)

	cfg.Health.ProbeInterval = r.millis("HEALTH_PROBE_INTERVAL_MS", cfg.Health.ProbeInterval)
	cfg.Health.FailureThreshold = r.intval("HEALTH_FAILURE_THRESHOLD", cfg.Health.FailureThreshold)

	cfg.Extract.MaxDocumentBytes = r.int64val("MAX_DOCUMENT_BYTES", cfg.Extract.MaxDocumentBytes)
	cfg.Extract.OCRFallbackThreshold = r.intval("OCR_FALLBACK_THRESHOLD_CHARS_PER_PAGE", cfg.Extract.OCRFallbackThreshold)
	cfg.Extract.OCRLanguages = r.str("OCR_LANGUAGES", cfg.Extract.OCRLanguages)
	cfg.Extract.EnableOfficeConvert = r.boolean("ENABLE_OFFICE_CONVERT", cfg.Extract.EnableOfficeConvert)
	cfg.Extract.TempDir = r.str("TEMP_DIR", cfg.Extract.TempDir)

	cfg.Prompt.TemplateVersion = r.str("PROMPT_TEMPLATE_VERSION", cfg.Prompt.TemplateVersion)
	cfg.Metrics.WindowSamples = r.intval("METRICS_WINDOW_SAMPLES", cfg.Metrics.WindowSamples)

	cfg.Runtime.ShutdownGrace = r.millis("SHUTDOWN_GRACE_MS", cfg.Runtime.ShutdownGrace)
	cfg.Runtime.JobRetention = r.seconds("JOB_RETENTION_SECONDS", cfg.Runtime.JobRetention)

	cfg.Log.Level = r.str("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Pretty = r.boolean("LOG_PRETTY", cfg.Log.Pretty)
	cfg.Log.File = r.str("LOG_FILE", cfg.Log.File)
	cfg.Log.MaxSizeMB = r.intval("LOG_MAX_SIZE_MB", cfg.Log.MaxSizeMB)
	cfg.Log.MaxBackups = r.intval("LOG_MAX_BACKUPS", cfg.Log.MaxBackups)
	cfg.Log.MaxAgeDays = r.intval("LOG_MAX_AGE_DAYS", cfg.Log.MaxAgeDays)
	cfg.Log.AxiomToken = r.str("AXIOM_TOKEN", cfg.Log.AxiomToken)
	cfg.Log.AxiomOrgID = r.str("AXIOM_ORG_ID", cfg.Log.AxiomOrgID)
	cfg.Log.AxiomDataset = r.str("AXIOM_DATASET", cfg.Log.AxiomDataset)

	if len(r.errs) > 0 {
		return Config{}, fmt.Errorf("invalid configuration: %s", strings.Join(r.errs, "; "))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// rejectUnknown fails when any PIPELINE_* variable is outside the
// recognized set. The diagnostic names every offender.
func rejectUnknown(environ []string) error {
	var bad []string
	for _, kv := range environ {
		key, _, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, envPrefix) {
			continue
		}
		if _, known := knownKeys[strings.TrimPrefix(key, envPrefix)]; !known {
			bad = append(bad, key)
		}
	}
	if len(bad) == 0 {
		return nil
	}
	sort.Strings(bad)
	return fmt.Errorf("unrecognized configuration keys: %s", strings.Join(bad, ", "))
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and cross-field relations.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Retry.BaseDelay > c.Retry.MaxDelay {
		return fmt.Errorf("invalid configuration: retry_base_delay_ms %v exceeds retry_max_delay_ms %v", c.Retry.BaseDelay, c.Retry.MaxDelay)
	}
	for _, tier := range []job.Tier{job.TierSmall, job.TierBalanced, job.TierLarge} {
		if c.Model.TierModels[tier] == "" {
			return fmt.Errorf("invalid configuration: tier_models is missing a model for tier %q", tier)
		}
	}
	return nil
}

// parseTierModels parses "small=a,balanced=b,large=c".
func parseTierModels(v string) (map[job.Tier]string, error) {
	out := make(map[job.Tier]string, 3)
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, model, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("tier_models entry %q is not tier=model", part)
		}
		tier, err := job.ParseTier(strings.TrimSpace(name))
		if err != nil {
			return nil, fmt.Errorf("tier_models: %w", err)
		}
		out[tier] = strings.TrimSpace(model)
	}
	return out, nil
}

// reader accumulates parse failures so a bad environment reports every
// problem at once.
type reader struct {
	errs []string
}

func (r *reader) str(key, def string) string {
	if v, ok := os.LookupEnv(envPrefix + key); ok && v != "" {
		return v
	}
	return def
}

func (r *reader) intval(key string, def int) int {
	v, ok := os.LookupEnv(envPrefix + key)
	if !ok || v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Sprintf("%s%s: %q is not an integer", envPrefix, key, v))
		return def
	}
	return n
}

func (r *reader) int64val(key string, def int64) int64 {
	v, ok := os.LookupEnv(envPrefix + key)
	if !ok || v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		r.errs = append(r.errs, fmt.Sprintf("%s%s: %q is not an integer", envPrefix, key, v))
		return def
	}
	return n
}

func (r *reader) boolean(key string, def bool) bool {
	v, ok := os.LookupEnv(envPrefix + key)
	if !ok || v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Sprintf("%s%s: %q is not a boolean", envPrefix, key, v))
		return def
	}
	return b
}

func (r *reader) millis(key string, def time.Duration) time.Duration {
	n := r.intval(key, int(def/time.Millisecond))
	return time.Duration(n) * time.Millisecond
}

func (r *reader) seconds(key string, def time.Duration) time.Duration {
	n := r.intval(key, int(def/time.Second))
	return time.Duration(n) * time.Second
}
