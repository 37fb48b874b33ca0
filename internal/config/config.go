// Package config holds the statetape configuration tree: storage paths,
// builder parameters, index selection, retrieval limits, policy rules, and
// the answer engine. Loaded from YAML with environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all statetape configuration.
type Config struct {
	// DataDir is the root for everything the process persists:
	// tape.db, spool/, archive/, snapshots/, audit/.
	DataDir string `yaml:"data_dir"`

	Storage   StorageConfig   `yaml:"storage"`
	Builder   BuilderConfig   `yaml:"builder"`
	Index     IndexConfig     `yaml:"index"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Policy    PolicyConfig    `yaml:"policy"`
	Answer    AnswerConfig    `yaml:"answer"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
}

// StorageConfig configures the tape store.
type StorageConfig struct {
	// DatabasePath overrides the default <data_dir>/tape.db when set.
	DatabasePath string `yaml:"database_path"`
}

// BuilderConfig configures the state builder. Every field here participates
// in the builder's config hash; changing any of them produces new state IDs.
type BuilderConfig struct {
	Plugin             string  `yaml:"plugin"`                // closed set, default state.jepa_like.v1
	WindowMode         string  `yaml:"window_mode"`           // fixed | boundary
	WindowMs           int64   `yaml:"window_ms"`             // fixed-mode window length
	MaxEvidencePerSpan int     `yaml:"max_evidence_per_span"` // evidence cap per span
	EmbeddingDim       int     `yaml:"embedding_dim"`         // pooled embedding dimension
	TextWeight         float64 `yaml:"text_weight"`
	VisionWeight       float64 `yaml:"vision_weight"`
	Projection         string  `yaml:"projection"`        // projection algorithm tag
	AnomalyThreshold   float64 `yaml:"anomaly_threshold"` // pred_error above this is flagged
}

// IndexConfig configures the vector index.
type IndexConfig struct {
	Kind            string `yaml:"kind"` // linear | snapshot
	RebuildInterval string `yaml:"rebuild_interval"`
}

// RetrievalConfig bounds the retrieval pipeline.
type RetrievalConfig struct {
	TopK               int     `yaml:"top_k"`
	MaxHops            int     `yaml:"max_hops"` // continuity expansion depth
	ContinuityDiscount float64 `yaml:"continuity_discount"`
	LatencyBudget      string  `yaml:"latency_budget"`
}

// PolicyConfig carries the externally-owned allow/deny inputs consumed by
// the policy gate. The rules live here; the enforcement point is the gate.
type PolicyConfig struct {
	AllowRawMedia   bool     `yaml:"allow_raw_media"`
	AllowTextExport bool     `yaml:"allow_text_export"`
	AppAllowlist    []string `yaml:"app_allowlist"`
	AppDenylist     []string `yaml:"app_denylist"`
}

// AnswerConfig selects and configures the answer engine.
type AnswerConfig struct {
	Engine string `yaml:"engine"` // extractive | genai
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
}

// SchedulerConfig maps the external "may run heavy work" signal.
type SchedulerConfig struct {
	AllowHeavyWork bool `yaml:"allow_heavy_work"`
	// SignalFile, when set, vetoes heavy work while the file exists
	// (an activity monitor drops it during interactive use).
	SignalFile string `yaml:"signal_file"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		DataDir: defaultDataDir(),

		Builder: BuilderConfig{
			Plugin:             "state.jepa_like.v1",
			WindowMode:         "fixed",
			WindowMs:           5000,
			MaxEvidencePerSpan: 8,
			EmbeddingDim:       128,
			TextWeight:         0.7,
			VisionWeight:       0.3,
			Projection:         "hashproj.v1",
			AnomalyThreshold:   0.3,
		},

		Index: IndexConfig{
			Kind:            "linear",
			RebuildInterval: "5m",
		},

		Retrieval: RetrievalConfig{
			TopK:               10,
			MaxHops:            1,
			ContinuityDiscount: 0.5,
			LatencyBudget:      "2s",
		},

		Policy: PolicyConfig{},

		Answer: AnswerConfig{
			Engine: "extractive",
			Model:  "gemini-2.5-flash",
		},

		Scheduler: SchedulerConfig{
			AllowHeavyWork: true,
		},
	}
}

// Load loads configuration from a YAML file, returning defaults when the
// file does not exist.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if dir := os.Getenv("STATETAPE_DATA_DIR"); dir != "" {
		c.DataDir = dir
	}
	if path := os.Getenv("STATETAPE_DB"); path != "" {
		c.Storage.DatabasePath = path
	}
	if engine := os.Getenv("STATETAPE_ANSWER_ENGINE"); engine != "" {
		c.Answer.Engine = engine
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.Answer.APIKey = key
	}
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	switch c.Builder.WindowMode {
	case "fixed":
		if c.Builder.WindowMs < 3000 || c.Builder.WindowMs > 10000 {
			return fmt.Errorf("builder.window_ms %d outside supported range [3000,10000]", c.Builder.WindowMs)
		}
	case "boundary":
		// window length is ignored in boundary mode
	default:
		return fmt.Errorf("builder.window_mode %q is not one of fixed, boundary", c.Builder.WindowMode)
	}

	if c.Builder.EmbeddingDim < 8 || c.Builder.EmbeddingDim > 4096 {
		return fmt.Errorf("builder.embedding_dim %d outside supported range [8,4096]", c.Builder.EmbeddingDim)
	}
	if c.Builder.MaxEvidencePerSpan < 1 {
		return fmt.Errorf("builder.max_evidence_per_span must be >= 1")
	}
	if c.Builder.TextWeight < 0 || c.Builder.VisionWeight < 0 || c.Builder.TextWeight+c.Builder.VisionWeight <= 0 {
		return fmt.Errorf("builder weights must be non-negative and sum to > 0")
	}

	switch c.Index.Kind {
	case "linear", "snapshot":
	default:
		return fmt.Errorf("index.kind %q is not one of linear, snapshot", c.Index.Kind)
	}

	if c.Retrieval.TopK < 1 {
		return fmt.Errorf("retrieval.top_k must be >= 1")
	}
	if c.Retrieval.MaxHops < 0 {
		return fmt.Errorf("retrieval.max_hops must be >= 0")
	}
	if c.Retrieval.ContinuityDiscount < 0 || c.Retrieval.ContinuityDiscount > 1 {
		return fmt.Errorf("retrieval.continuity_discount must be in [0,1]")
	}

	switch c.Answer.Engine {
	case "extractive", "genai":
	default:
		return fmt.Errorf("answer.engine %q is not one of extractive, genai", c.Answer.Engine)
	}

	return nil
}

// DatabasePath resolves the SQLite file location.
func (c *Config) DatabasePath() string {
	if c.Storage.DatabasePath != "" {
		return c.Storage.DatabasePath
	}
	return filepath.Join(c.DataDir, "tape.db")
}

// SpoolDir is where extract batches arrive for ingestion.
func (c *Config) SpoolDir() string { return filepath.Join(c.DataDir, "spool") }

// ArchiveDir is where processed batches are kept; it doubles as the local
// snippet source for evidence references.
func (c *Config) ArchiveDir() string { return filepath.Join(c.DataDir, "archive") }

// SnapshotDir holds versioned vector index snapshots.
func (c *Config) SnapshotDir() string { return filepath.Join(c.DataDir, "snapshots") }

// AuditPath is the immutable bundle log.
func (c *Config) AuditPath() string { return filepath.Join(c.DataDir, "audit", "bundles.jsonl") }

// RebuildInterval returns the snapshot rebuild cadence.
func (c *Config) RebuildInterval() time.Duration {
	d, err := time.ParseDuration(c.Index.RebuildInterval)
	if err != nil || d <= 0 {
		return 5 * time.Minute
	}
	return d
}

// LatencyBudget returns the per-retrieval deadline.
func (c *Config) LatencyBudget() time.Duration {
	d, err := time.ParseDuration(c.Retrieval.LatencyBudget)
	if err != nil || d <= 0 {
		return 2 * time.Second
	}
	return d
}

// DefaultPath returns the canonical config file location.
func DefaultPath() string {
	return filepath.Join(defaultDataDir(), "config.yaml")
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return ".statetape"
	}
	return filepath.Join(home, ".statetape")
}
