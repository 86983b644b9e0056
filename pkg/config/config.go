package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// KernelConfig holds the settings for every coordination component.
type KernelConfig struct {
	Prioritizer PrioritizerConfig `yaml:"prioritizer"`
	Resolver    ResolverConfig    `yaml:"resolver"`
	Preserver   PreserverConfig   `yaml:"preserver"`
	Logging     LogConfig         `yaml:"logging"`
	Provider    ProviderConfig    `yaml:"provider"`
}

type PrioritizerConfig struct {
	MaxQueueSize int  `yaml:"max_queue_size"`
	Adaptive     bool `yaml:"adaptive"`
	// Expiry windows that pull a message forward.
	UrgentExpiry time.Duration `yaml:"urgent_expiry"`
	SoonExpiry   time.Duration `yaml:"soon_expiry"`
}

type ResolverConfig struct {
	MaxAttempts         int            `yaml:"max_attempts"`
	ConfidenceThreshold float64        `yaml:"confidence_threshold"`
	DecisionTimeout     time.Duration  `yaml:"decision_timeout"`
	DefaultStrategy     string         `yaml:"default_strategy"`
	DefaultExpertise    float64        `yaml:"default_expertise"`
	HistorySize         int            `yaml:"history_size"`
	RoleRanks           map[string]int `yaml:"role_ranks"`
}

type PreserverConfig struct {
	MaxTokens            int           `yaml:"max_tokens"`
	MaxParticipants      int           `yaml:"max_participants"`
	ConversationLifespan time.Duration `yaml:"conversation_lifespan"`
	SharedLifespan       time.Duration `yaml:"shared_lifespan"`
	Summarization        bool          `yaml:"summarization"`
	SummaryElements      int           `yaml:"summary_elements"`
}

type LogConfig struct {
	Level       string   `yaml:"level"`
	OutputPaths []string `yaml:"output_paths"`
}

type ProviderConfig struct {
	Name    string `yaml:"name"`
	Model   string `yaml:"model"`
	BaseURL string `yaml:"base_url"`
}

// Default returns the configuration used when no file is given.
func Default() *KernelConfig {
	return &KernelConfig{
		Prioritizer: PrioritizerConfig{
			MaxQueueSize: 1000,
			Adaptive:     true,
			UrgentExpiry: 60 * time.Second,
			SoonExpiry:   300 * time.Second,
		},
		Resolver: ResolverConfig{
			MaxAttempts:         3,
			ConfidenceThreshold: 0.6,
			DecisionTimeout:     60 * time.Second,
			DefaultStrategy:     "hybrid",
			DefaultExpertise:    0.5,
			HistorySize:         500,
			RoleRanks: map[string]int{
				"orchestrator": 0,
				"strategist":   1,
				"verifier":     2,
				"detector":     3,
			},
		},
		Preserver: PreserverConfig{
			MaxTokens:            4000,
			MaxParticipants:      10,
			ConversationLifespan: time.Hour,
			SharedLifespan:       time.Hour,
			Summarization:        true,
			SummaryElements:      10,
		},
		Logging: LogConfig{
			Level:       "info",
			OutputPaths: []string{"stderr"},
		},
		Provider: ProviderConfig{
			Name:  "scripted",
			Model: "gpt-4o-mini",
		},
	}
}

// Load reads a YAML file over the defaults and validates the result.
func Load(path string) (*KernelConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*KernelConfig, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Marshal renders the config as YAML.
func (c *KernelConfig) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

var validStrategies = map[string]bool{
	"consensus":     true,
	"confidence":    true,
	"expertise":     true,
	"weighted_vote": true,
	"hierarchical":  true,
	"hybrid":        true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks that every value is usable. All problems are reported together.
func (c *KernelConfig) Validate() error {
	var errs []error
	if c.Prioritizer.MaxQueueSize <= 0 {
		errs = append(errs, fmt.Errorf("prioritizer.max_queue_size must be positive, got %d", c.Prioritizer.MaxQueueSize))
	}
	if c.Prioritizer.UrgentExpiry > c.Prioritizer.SoonExpiry {
		errs = append(errs, fmt.Errorf("prioritizer.urgent_expiry (%s) must not exceed soon_expiry (%s)",
			c.Prioritizer.UrgentExpiry, c.Prioritizer.SoonExpiry))
	}
	if c.Resolver.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("resolver.max_attempts must be positive, got %d", c.Resolver.MaxAttempts))
	}
	if c.Resolver.ConfidenceThreshold < 0 || c.Resolver.ConfidenceThreshold > 1 {
		errs = append(errs, fmt.Errorf("resolver.confidence_threshold must be in [0,1], got %g", c.Resolver.ConfidenceThreshold))
	}
	if c.Resolver.DefaultExpertise < 0 || c.Resolver.DefaultExpertise > 1 {
		errs = append(errs, fmt.Errorf("resolver.default_expertise must be in [0,1], got %g", c.Resolver.DefaultExpertise))
	}
	if c.Resolver.DecisionTimeout <= 0 {
		errs = append(errs, fmt.Errorf("resolver.decision_timeout must be positive"))
	}
	if !validStrategies[strings.ToLower(c.Resolver.DefaultStrategy)] {
		errs = append(errs, fmt.Errorf("resolver.default_strategy %q is not a known strategy", c.Resolver.DefaultStrategy))
	}
	if c.Resolver.HistorySize <= 0 {
		errs = append(errs, fmt.Errorf("resolver.history_size must be positive, got %d", c.Resolver.HistorySize))
	}
	if c.Preserver.MaxTokens <= 0 {
		errs = append(errs, fmt.Errorf("preserver.max_tokens must be positive, got %d", c.Preserver.MaxTokens))
	}
	if c.Preserver.MaxParticipants <= 0 {
		errs = append(errs, fmt.Errorf("preserver.max_participants must be positive, got %d", c.Preserver.MaxParticipants))
	}
	if c.Preserver.ConversationLifespan <= 0 || c.Preserver.SharedLifespan <= 0 {
		errs = append(errs, fmt.Errorf("preserver lifespans must be positive"))
	}
	if c.Preserver.SummaryElements <= 0 {
		errs = append(errs, fmt.Errorf("preserver.summary_elements must be positive, got %d", c.Preserver.SummaryElements))
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: invalid: %w", errors.Join(errs...))
	}
	return nil
}

// ApplyEnv overlays QUORUM_* environment variables. Unparseable values are reported.
func (c *KernelConfig) ApplyEnv() error {
	var errs []error
	if v := os.Getenv("QUORUM_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("QUORUM_PROVIDER"); v != "" {
		c.Provider.Name = v
	}
	if v := os.Getenv("QUORUM_MODEL"); v != "" {
		c.Provider.Model = v
	}
	if v := os.Getenv("QUORUM_PROVIDER_BASE_URL"); v != "" {
		c.Provider.BaseURL = v
	}
	if v := os.Getenv("QUORUM_MAX_TOKENS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("QUORUM_MAX_TOKENS: %w", err))
		} else {
			c.Preserver.MaxTokens = n
		}
	}
	if v := os.Getenv("QUORUM_MAX_QUEUE_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("QUORUM_MAX_QUEUE_SIZE: %w", err))
		} else {
			c.Prioritizer.MaxQueueSize = n
		}
	}
	if v := os.Getenv("QUORUM_CONFIDENCE_THRESHOLD"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("QUORUM_CONFIDENCE_THRESHOLD: %w", err))
		} else {
			c.Resolver.ConfidenceThreshold = f
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: env: %w", errors.Join(errs...))
	}
	return nil
}
