package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net/url"
	"time"

	"github.com/linnemanlabs/ticketrouter/internal/classify"
)

// Store backends.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// State modes.
const (
	StateLocal  = "local"
	StateShared = "shared"
)

// Embedders.
const (
	EmbedderHash   = "hash"
	EmbedderOllama = "ollama"
)

// Config adds application configuration fields to the
// common cfg.Registerable and cfg.Validatable interfaces
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int

	StoreBackend string
	RedisURL     string
	DatabaseURL  string
	StateMode    string
	Categories   string
	AgentsFile   string

	ClaudeAPIKey string
	ClaudeModel  string

	Embedder    string
	EmbedDim    int
	OllamaURL   string
	OllamaModel string

	LatencyThresholdMs     int
	FailureThreshold       int
	RecoveryTimeoutSeconds int

	StormWindowSeconds int
	StormSimilarity    float64
	StormThreshold     int
	StormMaxEntries    int

	LockTTLSeconds   int
	ResultTTLSeconds int
	UrgencyThreshold float64
	MaxInflight      int

	SlackWebhookURL   string
	DiscordWebhookURL string

	APIToken    string
	IntakeRPS   float64
	IntakeBurst int
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")

	fs.StringVar(&c.StoreBackend, "store-backend", BackendMemory, "shared store backend (memory|redis|postgres)")
	fs.StringVar(&c.RedisURL, "redis-url", "", "Redis URL for the redis store backend")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL for the postgres store backend")
	fs.StringVar(&c.StateMode, "state-mode", StateLocal, "where breaker and router state live (local|shared)")
	fs.StringVar(&c.Categories, "categories", "Technical,Billing,Legal", "comma-separated ticket categories")
	fs.StringVar(&c.AgentsFile, "agents-file", "", "YAML agent roster (empty = built-in roster)")

	fs.StringVar(&c.ClaudeAPIKey, "claude-api-key", "", "API key for the Claude primary classifier (empty = keyword classifier)")
	fs.StringVar(&c.ClaudeModel, "claude-model", "claude-haiku-4-5", "Claude model used for classification")

	fs.StringVar(&c.Embedder, "embedder", EmbedderHash, "ticket embedder (hash|ollama)")
	fs.IntVar(&c.EmbedDim, "embed-dim", 256, "embedding dimensions")
	fs.StringVar(&c.OllamaURL, "ollama-url", "http://localhost:11434", "Ollama base URL for the ollama embedder")
	fs.StringVar(&c.OllamaModel, "ollama-model", "nomic-embed-text", "Ollama embedding model")

	fs.IntVar(&c.LatencyThresholdMs, "latency-threshold-ms", 500, "primary classifier calls slower than this count as failures")
	fs.IntVar(&c.FailureThreshold, "failure-threshold", 3, "consecutive primary failures that open the breaker")
	fs.IntVar(&c.RecoveryTimeoutSeconds, "recovery-timeout-seconds", 30, "seconds the breaker stays open before probing")

	fs.IntVar(&c.StormWindowSeconds, "storm-window-seconds", 300, "storm detection sliding window")
	fs.Float64Var(&c.StormSimilarity, "storm-similarity", 0.9, "cosine similarity above which tickets count as alike (0..1)")
	fs.IntVar(&c.StormThreshold, "storm-threshold", 10, "similar tickets in the window above which a storm is declared")
	fs.IntVar(&c.StormMaxEntries, "storm-max-entries", 1024, "cap on remembered embeddings; oldest are dropped first")

	fs.IntVar(&c.LockTTLSeconds, "lock-ttl-seconds", 60, "idempotency lock expiry")
	fs.IntVar(&c.ResultTTLSeconds, "result-ttl-seconds", 3600, "result and snapshot expiry")
	fs.Float64Var(&c.UrgencyThreshold, "urgency-threshold", 0.8, "urgency above which notifiers fire (0..1)")
	fs.IntVar(&c.MaxInflight, "max-inflight", 32, "tickets processed concurrently")

	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for urgent ticket notifications")
	fs.StringVar(&c.DiscordWebhookURL, "discord-webhook-url", "", "Discord webhook URL for urgent ticket notifications")

	fs.StringVar(&c.APIToken, "api-token", "", "bearer token required on agent administration routes (empty = open)")
	fs.Float64Var(&c.IntakeRPS, "intake-rps", 50, "ticket submissions per second (0 = unlimited)")
	fs.IntVar(&c.IntakeBurst, "intake-burst", 100, "ticket submission burst")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	switch c.StoreBackend {
	case BackendMemory:
	case BackendRedis:
		if c.RedisURL == "" {
			errs = append(errs, errors.New("REDIS_URL is required for the redis store backend"))
		}
	case BackendPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres store backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid STORE_BACKEND %q (must be memory|redis|postgres)", c.StoreBackend))
	}

	switch c.StateMode {
	case StateLocal:
	case StateShared:
		if c.StoreBackend == BackendMemory {
			errs = append(errs, errors.New("STATE_MODE shared needs a redis or postgres STORE_BACKEND"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid STATE_MODE %q (must be local|shared)", c.StateMode))
	}

	if _, err := classify.ParseCategories(c.Categories); err != nil {
		errs = append(errs, fmt.Errorf("invalid CATEGORIES: %w", err))
	}

	if c.ClaudeAPIKey != "" && c.ClaudeModel == "" {
		errs = append(errs, errors.New("CLAUDE_MODEL is required when CLAUDE_API_KEY is set"))
	}

	switch c.Embedder {
	case EmbedderHash, EmbedderOllama:
	default:
		errs = append(errs, fmt.Errorf("invalid EMBEDDER %q (must be hash|ollama)", c.Embedder))
	}
	if c.EmbedDim <= 0 {
		errs = append(errs, fmt.Errorf("invalid EMBED_DIM %d (must be positive)", c.EmbedDim))
	}
	if c.Embedder == EmbedderOllama {
		if err := checkURL(c.OllamaURL); err != nil {
			errs = append(errs, fmt.Errorf("invalid OLLAMA_URL: %w", err))
		}
		if c.OllamaModel == "" {
			errs = append(errs, errors.New("OLLAMA_MODEL is required for the ollama embedder"))
		}
	}

	// Breaker
	if c.LatencyThresholdMs <= 0 {
		errs = append(errs, fmt.Errorf("invalid LATENCY_THRESHOLD_MS %d (must be positive)", c.LatencyThresholdMs))
	}
	if c.FailureThreshold <= 0 {
		errs = append(errs, fmt.Errorf("invalid FAILURE_THRESHOLD %d (must be positive)", c.FailureThreshold))
	}
	if c.RecoveryTimeoutSeconds <= 0 {
		errs = append(errs, fmt.Errorf("invalid RECOVERY_TIMEOUT_SECONDS %d (must be positive)", c.RecoveryTimeoutSeconds))
	}

	// Storm detector
	if c.StormWindowSeconds <= 0 {
		errs = append(errs, fmt.Errorf("invalid STORM_WINDOW_SECONDS %d (must be positive)", c.StormWindowSeconds))
	}
	if !(c.StormSimilarity > 0 && c.StormSimilarity < 1) {
		errs = append(errs, fmt.Errorf("invalid STORM_SIMILARITY %v (must be in (0,1))", c.StormSimilarity))
	}
	if c.StormThreshold <= 0 {
		errs = append(errs, fmt.Errorf("invalid STORM_THRESHOLD %d (must be positive)", c.StormThreshold))
	}
	if c.StormMaxEntries <= c.StormThreshold {
		errs = append(errs, fmt.Errorf("invalid STORM_MAX_ENTRIES %d (must exceed STORM_THRESHOLD %d)", c.StormMaxEntries, c.StormThreshold))
	}

	if c.LockTTLSeconds <= 0 {
		errs = append(errs, fmt.Errorf("invalid LOCK_TTL_SECONDS %d (must be positive)", c.LockTTLSeconds))
	}
	if c.ResultTTLSeconds <= 0 {
		errs = append(errs, fmt.Errorf("invalid RESULT_TTL_SECONDS %d (must be positive)", c.ResultTTLSeconds))
	}
	if !(c.UrgencyThreshold >= 0 && c.UrgencyThreshold <= 1) {
		errs = append(errs, fmt.Errorf("invalid URGENCY_THRESHOLD %v (must be 0..1)", c.UrgencyThreshold))
	}
	if c.MaxInflight <= 0 {
		errs = append(errs, fmt.Errorf("invalid MAX_INFLIGHT %d (must be positive)", c.MaxInflight))
	}

	if c.SlackWebhookURL != "" {
		if err := checkURL(c.SlackWebhookURL); err != nil {
			errs = append(errs, fmt.Errorf("invalid SLACK_WEBHOOK_URL: %w", err))
		}
	}
	if c.DiscordWebhookURL != "" {
		if err := checkURL(c.DiscordWebhookURL); err != nil {
			errs = append(errs, fmt.Errorf("invalid DISCORD_WEBHOOK_URL: %w", err))
		}
	}

	// Intake limiter; rps 0 disables it
	if !(c.IntakeRPS >= 0) {
		errs = append(errs, fmt.Errorf("invalid INTAKE_RPS %v (must be >= 0)", c.IntakeRPS))
	}
	if c.IntakeRPS > 0 && c.IntakeBurst <= 0 {
		errs = append(errs, fmt.Errorf("invalid INTAKE_BURST %d (must be positive when INTAKE_RPS is set)", c.IntakeBurst))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func checkURL(s string) error {
	u, err := url.Parse(s)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme %q must be http or https", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

// CategoryList returns the parsed category set. Call after Validate.
func (c *Config) CategoryList() classify.Categories {
	cats, err := classify.ParseCategories(c.Categories)
	if err != nil {
		return classify.Categories(classify.DefaultCategories)
	}
	return cats
}

// Seconds converts a seconds field to a Duration.
func Seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// Millis converts a milliseconds field to a Duration.
func Millis(n int) time.Duration { return time.Duration(n) * time.Millisecond }
