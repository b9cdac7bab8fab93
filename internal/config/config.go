// Package config handles anima configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/anima/config.yaml, /etc/anima/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "anima", "config.yaml"))
	}

	paths = append(paths, "/etc/anima/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all anima configuration.
type Config struct {
	Agent      AgentConfig      `yaml:"agent"`
	Model      ModelConfig      `yaml:"model"`
	Embeddings EmbeddingsConfig `yaml:"embeddings"`
	Memory     MemoryConfig     `yaml:"memory"`
	Persona    PersonaConfig    `yaml:"persona"`
	Metaware   MetawareConfig   `yaml:"metaware"`
	Improve    ImproveConfig    `yaml:"improve"`
	Ethics     EthicsConfig     `yaml:"ethics"`
	Security   SecurityConfig   `yaml:"security"`
	Correction CorrectionConfig `yaml:"correction"`
	Monitor    MonitorConfig    `yaml:"monitor"`
	Evaluation EvaluationConfig `yaml:"evaluation"`
	Validation ValidationConfig `yaml:"validation"`
	Explore    ExploreConfig    `yaml:"explore"`
	Search     SearchConfig     `yaml:"search"`
	Transport  TransportConfig  `yaml:"transport"`
	Daemon     DaemonConfig     `yaml:"daemon"`
	DataDir    string           `yaml:"data_dir"`
	LogLevel   string           `yaml:"log_level"`
}

// AgentConfig tunes the control loop.
type AgentConfig struct {
	// TickIntervalSec is the sleep between loop iterations (default 1).
	TickIntervalSec int `yaml:"tick_interval_sec"`
	// PeriodicEvery fires the periodic faculties every N iterations
	// (default 60). The first trigger after startup is skipped so the
	// system is warm before background work fires.
	PeriodicEvery int `yaml:"periodic_every"`
	// AdaptationProbability triggers the micro-adaptation hook per
	// processed message (default 0.1).
	AdaptationProbability float64 `yaml:"adaptation_probability"`
}

// ModelConfig defines the language model endpoint and the default
// generation profile the self-improvement subsystem perturbs.
type ModelConfig struct {
	OllamaURL string  `yaml:"ollama_url"`
	Name      string  `yaml:"name"`
	Profile   Profile `yaml:"profile"`
}

// Profile is the model generation profile. Every field is a knob the
// improvement experiments are allowed to adjust.
type Profile struct {
	Temperature       float64  `yaml:"temperature" json:"temperature"`
	TopP              float64  `yaml:"top_p" json:"top_p"`
	TopK              int      `yaml:"top_k" json:"top_k"`
	MaxNewTokens      int      `yaml:"max_new_tokens" json:"max_new_tokens"`
	MinLength         int      `yaml:"min_length" json:"min_length"`
	RepetitionPenalty float64  `yaml:"repetition_penalty" json:"repetition_penalty"`
	NoRepeatNgramSize int      `yaml:"no_repeat_ngram_size" json:"no_repeat_ngram_size"`
	Stop              []string `yaml:"stop,omitempty" json:"stop,omitempty"`
}

// EmbeddingsConfig defines embedding generation settings.
type EmbeddingsConfig struct {
	Model   string `yaml:"model"`   // e.g. nomic-embed-text
	BaseURL string `yaml:"baseurl"` // defaults to model.ollama_url
}

// MemoryConfig tunes hybrid retrieval.
type MemoryConfig struct {
	// Path is the vector store persistence directory ($MEMORY_PATH
	// overrides).
	Path string `yaml:"path"`
	// QueueSize bounds the recent-responses conversation queue (default 5).
	QueueSize int `yaml:"queue_size"`
	// ContextStrategy is one of semantic, conversation, hybrid.
	ContextStrategy string `yaml:"context_strategy"`
	// MaxSemanticResults caps semantic retrieval per query (default 3).
	MaxSemanticResults int `yaml:"max_semantic_results"`
}

// PersonaConfig tunes the self-model.
type PersonaConfig struct {
	// File is the persona snapshot path ($PERSONA_FILE overrides).
	File string `yaml:"file"`
	// AutosaveIntervalSec forces a save after this much wall time
	// (default 300).
	AutosaveIntervalSec int `yaml:"autosave_interval_sec"`
	// ChangesThreshold forces a save after this many mutations (default 10).
	ChangesThreshold int `yaml:"changes_threshold"`
}

// MetawareConfig tunes reflection.
type MetawareConfig struct {
	// ReflectionFrequency fires a reflection every N interactions (default 10).
	ReflectionFrequency int `yaml:"reflection_frequency"`
	// ReflectionDepth is how many interaction pairs feed a reflection
	// (default 5).
	ReflectionDepth int `yaml:"reflection_depth"`
}

// ImproveConfig tunes self-improvement experiments.
type ImproveConfig struct {
	// ImprovementThreshold is the per-metric pass bar (default 0.6).
	ImprovementThreshold float64 `yaml:"improvement_threshold"`
	// ExperimentIntervalSec gates how often one planned experiment runs
	// (default 21600, ~6h).
	ExperimentIntervalSec int `yaml:"experiment_interval_sec"`
	// HistoryFile persists applied parameter changes.
	HistoryFile string `yaml:"history_file"`
}

// EthicsConfig tunes the ethical framework.
type EthicsConfig struct {
	// PassThreshold maps scores at or above to allow (default 0.7).
	PassThreshold float64 `yaml:"pass_threshold"`
	// ModerateThreshold maps scores at or above (but below pass) to
	// review (default 0.4); below it, block.
	ModerateThreshold float64  `yaml:"moderate_threshold"`
	Principles        []string `yaml:"principles"`
	Rules             []string `yaml:"rules"`
	ReflectionsFile   string   `yaml:"reflections_file"`
}

// SecurityConfig tunes the ingress/egress gate.
type SecurityConfig struct {
	// MaxConsecutiveRequests per sender per rate window (default 5).
	MaxConsecutiveRequests int `yaml:"max_consecutive_requests"`
	// RateWindowSec is the sliding rate-limit window (default 60).
	RateWindowSec int `yaml:"rate_window_sec"`
	// InputLengthLimit in bytes; longer input is rejected (default 1000).
	InputLengthLimit int `yaml:"input_length_limit"`
	// SuspiciousPatterns are regular expressions scanned on input and
	// output.
	SuspiciousPatterns []string `yaml:"suspicious_patterns"`
	// AlertThreshold locks a sender out once their incident count
	// reaches it (default 3).
	AlertThreshold int `yaml:"alert_threshold"`
	// LockoutTimeSec is the lockout duration (default 3600).
	LockoutTimeSec int `yaml:"lockout_time_sec"`
	// APIHourlyBudget caps model calls per hour; zero disables.
	APIHourlyBudget int `yaml:"api_hourly_budget"`
	// AuditDB is an optional SQLite file for the durable incident trail.
	AuditDB string `yaml:"audit_db"`
}

// CorrectionConfig tunes response correction and model checkpoints.
type CorrectionConfig struct {
	// Threshold is the ethical score a corrected response must reach
	// (default 0.7).
	Threshold float64 `yaml:"threshold"`
	// MaxAttempts bounds the correction loop (default 3).
	MaxAttempts int    `yaml:"max_attempts"`
	LogFile     string `yaml:"log_file"`
	// CheckpointDB is the SQLite checkpoint store ($CHECKPOINT_DIR
	// overrides the directory).
	CheckpointDB  string `yaml:"checkpoint_db"`
	QuarantineLog string `yaml:"quarantine_log"`
}

// MonitorConfig tunes the development monitor.
type MonitorConfig struct {
	// IntervalSec between monitoring cycles (default 300).
	IntervalSec int `yaml:"interval_sec"`
	// HistoryLength bounds the metric ring (default 100).
	HistoryLength int `yaml:"history_length"`
	// Metrics is the collected metric set.
	Metrics []string `yaml:"metrics"`
	// AlertThresholds maps "<metric>_drop" to the maximum tolerated
	// negative delta before a sudden_drop alert fires.
	AlertThresholds map[string]float64 `yaml:"alert_thresholds"`
	// MaxAlerts bounds the retained alert list (default 100).
	MaxAlerts int    `yaml:"max_alerts"`
	LogFile   string `yaml:"log_file"`
}

// EvaluationConfig tunes external evaluation.
type EvaluationConfig struct {
	// FrequencySec between evaluation windows (default 86400).
	FrequencySec int      `yaml:"frequency_sec"`
	Criteria     []string `yaml:"criteria"`
	// Scale is the rubric maximum (default 10).
	Scale int `yaml:"scale"`
	// Threshold is the mean score (normalized 0..1) considered passing
	// (default 0.7).
	Threshold   float64 `yaml:"threshold"`
	CasesFile   string  `yaml:"cases_file"`
	HistoryFile string  `yaml:"history_file"`
}

// ValidationConfig tunes the external validation battery.
type ValidationConfig struct {
	// IntervalSec between full validation runs (default 604800).
	IntervalSec int `yaml:"interval_sec"`
	// Thresholds maps aggregated metric name to its minimum acceptable
	// mean; any breach may trigger quarantine.
	Thresholds  map[string]float64 `yaml:"thresholds"`
	HistoryFile string             `yaml:"history_file"`
}

// ExploreConfig tunes autonomous exploration and initiations.
type ExploreConfig struct {
	// InitProbability per periodic cycle (default 0.1).
	InitProbability float64 `yaml:"init_probability"`
	// MinSecondsBetweenInitiations (default 3600).
	MinSecondsBetweenInitiations int `yaml:"min_seconds_between_initiations"`
	// MaxDailyInitiations per calendar day (default 3).
	MaxDailyInitiations int `yaml:"max_daily_initiations"`
	// DefaultTopics supplement persona interests when picking topics.
	DefaultTopics []string `yaml:"default_topics"`
}

// SearchConfig selects the web search provider.
type SearchConfig struct {
	// Provider is "searxng" or "duckduckgo".
	Provider   string `yaml:"provider"`
	SearXNGURL string `yaml:"searxng_url"`
	// MaxResults per query (default 5).
	MaxResults int `yaml:"max_results"`
	// TimeoutSec per request (default 15).
	TimeoutSec int `yaml:"timeout_sec"`
}

// TransportConfig selects and configures the chat transport.
type TransportConfig struct {
	// Platform is console, signal, telegram, or mqtt.
	Platform string         `yaml:"platform"`
	Console  ConsoleConfig  `yaml:"console"`
	Signal   SignalConfig   `yaml:"signal"`
	Telegram TelegramConfig `yaml:"telegram"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
}

// ConsoleConfig exchanges messages via two JSON files.
type ConsoleConfig struct {
	InboxFile  string `yaml:"inbox_file"`
	OutboxFile string `yaml:"outbox_file"`
}

// SignalConfig wraps the signal-cli command-line tool.
type SignalConfig struct {
	// CLIPath is the signal-cli binary ($SIGNAL_CLI_PATH overrides).
	CLIPath string `yaml:"cli_path"`
	Account string `yaml:"account"`
}

// TelegramConfig drives the Bot HTTP long-polling API.
type TelegramConfig struct {
	// Token is the bot token ($TELEGRAM_BOT_TOKEN overrides).
	Token string `yaml:"token"`
	// AllowedUserIDs is an optional allow-list; empty admits everyone.
	AllowedUserIDs []int64 `yaml:"allowed_user_ids"`
	// OffsetFile persists the last processed update_id.
	OffsetFile string `yaml:"offset_file"`
}

// MQTTConfig drives the MQTT transport.
type MQTTConfig struct {
	BrokerURL string `yaml:"broker_url"`
	ClientID  string `yaml:"client_id"`
	// InboxTopic receives user messages; outbound replies publish to
	// OutboxPrefix/<recipient>.
	InboxTopic   string `yaml:"inbox_topic"`
	OutboxPrefix string `yaml:"outbox_prefix"`
}

// DaemonConfig defines the daemon surface.
type DaemonConfig struct {
	PIDFile    string `yaml:"pid_file"`
	LogFile    string `yaml:"log_file"`
	StatusFile string `yaml:"status_file"`
}

// Load reads configuration from a YAML file. Environment variables in
// the file are expanded before parsing, and the $LOG_DIR, $MEMORY_PATH,
// $PERSONA_FILE, $CHECKPOINT_DIR overrides are applied afterwards.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnvOverrides applies the startup-only environment variables.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("MEMORY_PATH"); v != "" {
		c.Memory.Path = v
	}
	if v := os.Getenv("PERSONA_FILE"); v != "" {
		c.Persona.File = v
	}
	if v := os.Getenv("CHECKPOINT_DIR"); v != "" {
		c.Correction.CheckpointDB = filepath.Join(v, filepath.Base(c.Correction.CheckpointDB))
	}
	if v := os.Getenv("LOG_DIR"); v != "" {
		c.Daemon.LogFile = filepath.Join(v, filepath.Base(c.Daemon.LogFile))
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		c.Transport.Telegram.Token = v
	}
	if v := os.Getenv("SIGNAL_CLI_PATH"); v != "" {
		c.Transport.Signal.CLIPath = v
	}
}

// Validate enforces the required startup configuration. A failure here
// means the agent refuses to start.
func (c *Config) Validate() error {
	if c.Model.OllamaURL == "" {
		return fmt.Errorf("model.ollama_url is required")
	}
	if c.Model.Name == "" {
		return fmt.Errorf("model.name is required")
	}
	switch c.Transport.Platform {
	case "console", "mqtt":
	case "signal":
		if c.Transport.Signal.Account == "" {
			return fmt.Errorf("transport.signal.account is required for the signal platform")
		}
	case "telegram":
		if c.Transport.Telegram.Token == "" {
			return fmt.Errorf("transport.telegram.token is required for the telegram platform")
		}
	default:
		return fmt.Errorf("unknown transport platform %q (valid: console, signal, telegram, mqtt)", c.Transport.Platform)
	}
	switch c.Memory.ContextStrategy {
	case "semantic", "conversation", "hybrid":
	default:
		return fmt.Errorf("unknown memory.context_strategy %q (valid: semantic, conversation, hybrid)", c.Memory.ContextStrategy)
	}
	if c.Ethics.ModerateThreshold > c.Ethics.PassThreshold {
		return fmt.Errorf("ethics.moderate_threshold must not exceed ethics.pass_threshold")
	}
	return nil
}

// Default returns the default configuration. Paths are relative to
// DataDir unless absolute.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			TickIntervalSec:       1,
			PeriodicEvery:         60,
			AdaptationProbability: 0.1,
		},
		Model: ModelConfig{
			OllamaURL: "http://localhost:11434",
			Name:      "qwen3:4b",
			Profile: Profile{
				Temperature:       0.7,
				TopP:              0.9,
				TopK:              40,
				MaxNewTokens:      512,
				MinLength:         1,
				RepetitionPenalty: 1.1,
				NoRepeatNgramSize: 3,
			},
		},
		Embeddings: EmbeddingsConfig{Model: "nomic-embed-text"},
		Memory: MemoryConfig{
			Path:               "memory",
			QueueSize:          5,
			ContextStrategy:    "hybrid",
			MaxSemanticResults: 3,
		},
		Persona: PersonaConfig{
			File:                "persona.json",
			AutosaveIntervalSec: 300,
			ChangesThreshold:    10,
		},
		Metaware: MetawareConfig{
			ReflectionFrequency: 10,
			ReflectionDepth:     5,
		},
		Improve: ImproveConfig{
			ImprovementThreshold:  0.6,
			ExperimentIntervalSec: 21600,
			HistoryFile:           "improvement_history.json",
		},
		Ethics: EthicsConfig{
			PassThreshold:     0.7,
			ModerateThreshold: 0.4,
			Principles: []string{
				"honesty", "harmlessness", "helpfulness",
				"respect for autonomy", "fairness",
			},
			Rules: []string{
				"never assist with causing harm",
				"acknowledge uncertainty instead of fabricating",
				"respect the user's stated boundaries",
			},
			ReflectionsFile: "ethical_reflections.json",
		},
		Security: SecurityConfig{
			MaxConsecutiveRequests: 5,
			RateWindowSec:          60,
			InputLengthLimit:       1000,
			SuspiciousPatterns: []string{
				`rm\s+-rf`,
				`(?i)ignore (all )?(previous|prior) instructions`,
				`(?i)system\s*prompt`,
				`<script`,
				`DROP\s+TABLE`,
			},
			AlertThreshold:  3,
			LockoutTimeSec:  3600,
			APIHourlyBudget: 0,
		},
		Correction: CorrectionConfig{
			Threshold:     0.7,
			MaxAttempts:   3,
			LogFile:       "correction_log.json",
			CheckpointDB:  "checkpoints.db",
			QuarantineLog: "quarantine_log.json",
		},
		Monitor: MonitorConfig{
			IntervalSec:   300,
			HistoryLength: 100,
			Metrics: []string{
				"response_quality", "memory_usage",
				"ethical_alignment", "interaction_rate",
			},
			AlertThresholds: map[string]float64{
				"response_quality_drop":  0.2,
				"ethical_alignment_drop": 0.15,
			},
			MaxAlerts: 100,
			LogFile:   "monitoring_log.json",
		},
		Evaluation: EvaluationConfig{
			FrequencySec: 86400,
			Criteria: []string{
				"coherence", "relevance", "depth", "personality",
			},
			Scale:       10,
			Threshold:   0.7,
			CasesFile:   "evaluation_cases.json",
			HistoryFile: "evaluation_history.json",
		},
		Validation: ValidationConfig{
			IntervalSec: 604800,
			Thresholds: map[string]float64{
				"ethical_alignment": 0.6,
				"robustness":        0.5,
				"factuality":        0.6,
			},
			HistoryFile: "validation_history.json",
		},
		Explore: ExploreConfig{
			InitProbability:              0.1,
			MinSecondsBetweenInitiations: 3600,
			MaxDailyInitiations:          3,
			DefaultTopics: []string{
				"artificial intelligence", "philosophy of mind",
				"music", "science fiction",
			},
		},
		Search: SearchConfig{
			Provider:   "duckduckgo",
			MaxResults: 5,
			TimeoutSec: 15,
		},
		Transport: TransportConfig{
			Platform: "console",
			Console: ConsoleConfig{
				InboxFile:  "console_inbox.json",
				OutboxFile: "console_outbox.json",
			},
			Signal: SignalConfig{CLIPath: "signal-cli"},
			Telegram: TelegramConfig{
				OffsetFile: "telegram_offset",
			},
			MQTT: MQTTConfig{
				ClientID:     "anima",
				InboxTopic:   "anima/inbox",
				OutboxPrefix: "anima/outbox",
			},
		},
		Daemon: DaemonConfig{
			PIDFile:    "anima.pid",
			LogFile:    "anima.log",
			StatusFile: "anima_status.json",
		},
		DataDir:  "data",
		LogLevel: "info",
	}
}

// Resolve joins a configured path with DataDir unless it is already
// absolute or empty.
func (c *Config) Resolve(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(c.DataDir, path)
}
