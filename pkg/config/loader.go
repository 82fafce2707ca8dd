// Package config provides configuration loading and management for trainkit.
// It supports loading from YAML files and environment variables, with
// hot-reload capabilities using Viper.
package config

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/openeeap/trainkit/internal/observability/logging"
)

// ============================================================================
// Configuration Loader
// ============================================================================

// Loader manages configuration loading and reloading
type Loader struct {
	viper *viper.Viper

	config *Config
	mu     sync.RWMutex

	watchEnabled    bool
	reloadCallbacks []ReloadCallback

	logger logging.Logger
}

// ReloadCallback is called when configuration is reloaded
type ReloadCallback func(oldConfig, newConfig *Config) error

// LoaderOptions defines options for configuration loader
type LoaderOptions struct {
	// Configuration file path
	ConfigFile string

	// Enable watching for file changes
	EnableWatch bool

	// Environment variable prefix
	EnvPrefix string

	// Additional config paths to search
	ConfigPaths []string
}

// DefaultEnvPrefix prefixes every environment override, e.g. TRAINKIT_PREFERENCE_BETA
const DefaultEnvPrefix = "TRAINKIT"

// NewLoader creates a new configuration loader
func NewLoader(opts LoaderOptions) *Loader {
	v := viper.New()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
	} else {
		v.SetConfigName("trainkit")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		for _, path := range opts.ConfigPaths {
			v.AddConfigPath(path)
		}
	}

	envPrefix := opts.EnvPrefix
	if envPrefix == "" {
		envPrefix = DefaultEnvPrefix
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	return &Loader{
		viper:        v,
		watchEnabled: opts.EnableWatch,
		logger:       logging.NewNoopLogger(),
	}
}

// Load loads configuration from all sources
func (l *Loader) Load() (*Config, error) {
	if err := l.viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			l.currentLogger().Warn("Configuration file not found, using defaults")
		} else {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg, err := l.decode()
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.config = cfg
	l.mu.Unlock()

	l.currentLogger().Info("Configuration loaded successfully", logging.String("file", l.viper.ConfigFileUsed()))

	if l.watchEnabled {
		l.startWatch()
	}

	return cfg, nil
}

// LoadReader loads configuration from an in-memory YAML document
func (l *Loader) LoadReader(data []byte) (*Config, error) {
	l.viper.SetConfigType("yaml")
	if err := l.viper.ReadConfig(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg, err := l.decode()
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.config = cfg
	l.mu.Unlock()

	return cfg, nil
}

// Get returns the current configuration
func (l *Loader) Get() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.config
}

// Set overrides a single key (used for command-line flags)
func (l *Loader) Set(key string, value interface{}) {
	l.viper.Set(key, value)
}

// decode unmarshals and validates the merged settings
func (l *Loader) decode() (*Config, error) {
	cfg := &Config{}
	if err := l.viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// ============================================================================
// Configuration Defaults
// ============================================================================

// setDefaults registers default values; registering every key also lets
// AutomaticEnv override keys that are absent from the file.
func setDefaults(v *viper.Viper) {
	// Run defaults
	v.SetDefault("run.name", "trainkit")
	v.SetDefault("run.trainer", "sft")
	v.SetDefault("run.seed", 42)

	// Dataset defaults
	v.SetDefault("dataset.path", "")
	v.SetDefault("dataset.shape", "")
	v.SetDefault("dataset.fields.id", "id")
	v.SetDefault("dataset.fields.prompt", "prompt")
	v.SetDefault("dataset.fields.completion", "completion")
	v.SetDefault("dataset.fields.messages", "messages")
	v.SetDefault("dataset.fields.chosen", "chosen")
	v.SetDefault("dataset.fields.rejected", "rejected")
	v.SetDefault("dataset.fields.text", "text")
	v.SetDefault("dataset.template", "### Question: {prompt}\n### Answer: {completion}")
	v.SetDefault("dataset.chat_template", "<|im_start|>{role}\n{content}<|im_end|>\n")
	v.SetDefault("dataset.generation_prompt", "<|im_start|>assistant\n")
	v.SetDefault("dataset.add_generation_prompt", false)
	v.SetDefault("dataset.eval_ratio", 0.0)

	// Tokenizer defaults
	v.SetDefault("tokenizer.kind", "bpe")
	v.SetDefault("tokenizer.encoding", "cl100k_base")
	v.SetDefault("tokenizer.vocab_file", "")
	v.SetDefault("tokenizer.eos_id", 100257)
	v.SetDefault("tokenizer.pad_id", 100257)
	v.SetDefault("tokenizer.enable_cache", false)

	// Packing defaults
	v.SetDefault("packing.enabled", false)
	v.SetDefault("packing.block_length", 1024)
	v.SetDefault("packing.separator", []int{})
	v.SetDefault("packing.leftover", "drop")

	// Collator defaults
	v.SetDefault("collator.response_marker", "### Answer:")
	v.SetDefault("collator.response_marker_ids", []int{})
	v.SetDefault("collator.instruction_marker", "")
	v.SetDefault("collator.instruction_marker_ids", []int{})
	v.SetDefault("collator.marker_context", "\n")
	v.SetDefault("collator.pad_to_multiple_of", 0)
	v.SetDefault("collator.max_length", 0)

	// Preference defaults
	v.SetDefault("preference.loss_type", "sigmoid")
	v.SetDefault("preference.beta", 0.1)
	v.SetDefault("preference.label_smoothing", 0.0)
	v.SetDefault("preference.max_prompt_length", 512)
	v.SetDefault("preference.max_length", 1024)

	// Reference defaults
	v.SetDefault("reference.mode", "dual")
	v.SetDefault("reference.policy_model", "")
	v.SetDefault("reference.reference_model", "")
	v.SetDefault("reference.revision", "main")
	v.SetDefault("reference.policy_adapter", "")
	v.SetDefault("reference.reference_adapter", "")
	v.SetDefault("reference.enable_cache", false)

	// Training defaults
	v.SetDefault("training.batch_size", 8)
	v.SetDefault("training.epochs", 1)
	v.SetDefault("training.logging_steps", 10)
	v.SetDefault("training.validate_before_run", true)

	// Hub defaults
	v.SetDefault("hub.provider", "local")
	v.SetDefault("hub.root", "./models")
	v.SetDefault("hub.bucket", "")
	v.SetDefault("hub.cache_dir", "")

	// Storage defaults
	v.SetDefault("storage.endpoint", "")
	v.SetDefault("storage.access_key", "")
	v.SetDefault("storage.secret_key", "")
	v.SetDefault("storage.use_ssl", false)
	v.SetDefault("storage.region", "")

	// Redis defaults
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "trainkit:")
	v.SetDefault("redis.default_ttl", 24*time.Hour)

	// Kafka defaults
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.client_id", "trainkit")
	v.SetDefault("kafka.topic", "training.events")

	// Observability defaults
	v.SetDefault("observability.logging.level", "info")
	v.SetDefault("observability.logging.format", "json")
	v.SetDefault("observability.logging.output", "stderr")
	v.SetDefault("observability.logging.file_path", "")
	v.SetDefault("observability.logging.max_size", 100)
	v.SetDefault("observability.logging.max_backups", 3)
	v.SetDefault("observability.logging.max_age", 7)
	v.SetDefault("observability.metrics.enabled", false)
	v.SetDefault("observability.metrics.addr", ":9090")
	v.SetDefault("observability.metrics.namespace", "trainkit")
	v.SetDefault("observability.tracing.enabled", false)
	v.SetDefault("observability.tracing.zipkin_endpoint", "")
	v.SetDefault("observability.tracing.sampling_rate", 0.1)
	v.SetDefault("observability.tracing.service_name", "trainkit")
}

// ============================================================================
// Hot Reload Support
// ============================================================================

// startWatch starts watching the configuration file for changes
func (l *Loader) startWatch() {
	l.viper.OnConfigChange(func(e fsnotify.Event) {
		logger := l.currentLogger()
		logger.Info("Configuration file changed, reloading", logging.String("file", e.Name))

		if err := l.reload(); err != nil {
			logger.Error("Failed to reload configuration", logging.Error(err))
		}
	})
	l.viper.WatchConfig()
}

// reload decodes the changed file and hands it to every callback. The
// previous configuration stays active when decoding or a callback fails.
func (l *Loader) reload() error {
	l.mu.RLock()
	oldConfig := l.config
	callbacks := append([]ReloadCallback(nil), l.reloadCallbacks...)
	l.mu.RUnlock()

	newConfig, err := l.decode()
	if err != nil {
		return err
	}

	for _, callback := range callbacks {
		if err := callback(oldConfig, newConfig); err != nil {
			return fmt.Errorf("reload callback failed: %w", err)
		}
	}

	l.mu.Lock()
	l.config = newConfig
	l.mu.Unlock()

	l.currentLogger().Info("Configuration reloaded successfully")

	return nil
}

// OnReload registers a callback to be called when configuration is reloaded
func (l *Loader) OnReload(callback ReloadCallback) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reloadCallbacks = append(l.reloadCallbacks, callback)
}

// SetLogger sets the logger for configuration loader
func (l *Loader) SetLogger(logger logging.Logger) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.logger = logger
}

func (l *Loader) currentLogger() logging.Logger {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.logger
}

// ============================================================================
// Configuration Export
// ============================================================================

// secretKeys are masked on export
var secretKeys = []string{"storage.secret_key", "redis.password"}

// ExportYAML renders the merged settings as YAML with secrets masked
func (l *Loader) ExportYAML() (string, error) {
	settings := l.viper.AllSettings()
	for _, key := range secretKeys {
		section, field, _ := strings.Cut(key, ".")
		if m, ok := settings[section].(map[string]interface{}); ok {
			if v, ok := m[field].(string); ok && v != "" {
				m[field] = "******"
			}
		}
	}
	out, err := yaml.Marshal(settings)
	if err != nil {
		return "", fmt.Errorf("failed to export config: %w", err)
	}
	return string(out), nil
}

// ============================================================================
// Convenience Loading
// ============================================================================

// Load loads configuration from the given file (or the default search path)
func Load(configFile string) (*Config, error) {
	return NewLoader(LoaderOptions{ConfigFile: configFile}).Load()
}
