// Package config provides centralized configuration management for trainkit.
// It defines configuration structures for every pipeline stage and the
// infrastructure around it, and supports validation, default values, and
// environment-based configuration loading.
package config

import (
	"time"

	"github.com/openeeap/trainkit/pkg/errors"
	"github.com/openeeap/trainkit/pkg/types"
	"github.com/openeeap/trainkit/pkg/validator"
)

// ============================================================================
// Main Configuration Structure
// ============================================================================

// Config represents the complete application configuration
type Config struct {
	// Run configuration
	Run RunConfig `mapstructure:"run" yaml:"run" json:"run"`

	// Dataset configuration
	Dataset DatasetConfig `mapstructure:"dataset" yaml:"dataset" json:"dataset"`

	// Tokenizer configuration
	Tokenizer TokenizerConfig `mapstructure:"tokenizer" yaml:"tokenizer" json:"tokenizer"`

	// Packing configuration
	Packing PackingConfig `mapstructure:"packing" yaml:"packing" json:"packing"`

	// Collator configuration
	Collator CollatorConfig `mapstructure:"collator" yaml:"collator" json:"collator"`

	// Preference loss configuration
	Preference PreferenceConfig `mapstructure:"preference" yaml:"preference" json:"preference"`

	// Reference policy configuration
	Reference ReferenceConfig `mapstructure:"reference" yaml:"reference" json:"reference"`

	// Training loop configuration
	Training TrainingConfig `mapstructure:"training" yaml:"training" json:"training"`

	// Weights repository configuration
	Hub HubConfig `mapstructure:"hub" yaml:"hub" json:"hub"`

	// Object storage configuration
	Storage StorageConfig `mapstructure:"storage" yaml:"storage" json:"storage"`

	// Redis configuration
	Redis RedisConfig `mapstructure:"redis" yaml:"redis" json:"redis"`

	// Kafka configuration
	Kafka KafkaConfig `mapstructure:"kafka" yaml:"kafka" json:"kafka"`

	// Observability configuration
	Observability ObservabilityConfig `mapstructure:"observability" yaml:"observability" json:"observability"`
}

// ============================================================================
// Run Configuration
// ============================================================================

// RunConfig identifies a training run
type RunConfig struct {
	// Run name, used in logs and events
	Name string `mapstructure:"name" yaml:"name" json:"name"`

	// Trainer (sft, dpo)
	Trainer string `mapstructure:"trainer" yaml:"trainer" json:"trainer" validate:"oneof=sft dpo"`

	// Seed for deterministic splits
	Seed int64 `mapstructure:"seed" yaml:"seed" json:"seed"`
}

// ============================================================================
// Dataset Configuration
// ============================================================================

// DatasetConfig defines how records are read and formatted
type DatasetConfig struct {
	// Dataset URI (plain path, file:// or s3://bucket/key)
	Path string `mapstructure:"path" yaml:"path" json:"path"`

	// Force a record shape instead of detecting it
	Shape string `mapstructure:"shape" yaml:"shape" json:"shape" validate:"record_shape"`

	// Logical field to JSON path mapping
	Fields FieldsConfig `mapstructure:"fields" yaml:"fields" json:"fields"`

	// Instruction template with {prompt} and {completion} placeholders
	Template string `mapstructure:"template" yaml:"template" json:"template"`

	// Per-message chat template with {role} and {content} placeholders
	ChatTemplate string `mapstructure:"chat_template" yaml:"chat_template" json:"chat_template"`

	// Appended after the last message when AddGenerationPrompt is set
	GenerationPrompt string `mapstructure:"generation_prompt" yaml:"generation_prompt" json:"generation_prompt"`

	AddGenerationPrompt bool `mapstructure:"add_generation_prompt" yaml:"add_generation_prompt" json:"add_generation_prompt"`

	// Fraction of records held out for evaluation
	EvalRatio float64 `mapstructure:"eval_ratio" yaml:"eval_ratio" json:"eval_ratio" validate:"gte=0,lt=1"`
}

// FieldsConfig maps logical record fields onto JSON paths
type FieldsConfig struct {
	ID         string `mapstructure:"id" yaml:"id" json:"id"`
	Prompt     string `mapstructure:"prompt" yaml:"prompt" json:"prompt"`
	Completion string `mapstructure:"completion" yaml:"completion" json:"completion"`
	Messages   string `mapstructure:"messages" yaml:"messages" json:"messages"`
	Chosen     string `mapstructure:"chosen" yaml:"chosen" json:"chosen"`
	Rejected   string `mapstructure:"rejected" yaml:"rejected" json:"rejected"`
	Text       string `mapstructure:"text" yaml:"text" json:"text"`
}

// ============================================================================
// Tokenizer Configuration
// ============================================================================

// TokenizerConfig defines the tokenizer
type TokenizerConfig struct {
	// Kind (bpe, vocab)
	Kind string `mapstructure:"kind" yaml:"kind" json:"kind" validate:"oneof=bpe vocab"`

	// BPE encoding name (cl100k_base, o200k_base, ...)
	Encoding string `mapstructure:"encoding" yaml:"encoding" json:"encoding"`

	// Vocabulary file (one token per line) for the vocab kind
	VocabFile string `mapstructure:"vocab_file" yaml:"vocab_file" json:"vocab_file"`

	// End-of-sequence token id
	EOSID int `mapstructure:"eos_id" yaml:"eos_id" json:"eos_id" validate:"gte=0"`

	// Padding token id
	PadID int `mapstructure:"pad_id" yaml:"pad_id" json:"pad_id" validate:"gte=0"`

	// Cache encoded texts
	EnableCache bool `mapstructure:"enable_cache" yaml:"enable_cache" json:"enable_cache"`
}

// ============================================================================
// Packing Configuration
// ============================================================================

// PackingConfig defines the packing assembler
type PackingConfig struct {
	// Enable packing
	Enabled bool `mapstructure:"enabled" yaml:"enabled" json:"enabled"`

	// Fixed block length in tokens
	BlockLength int `mapstructure:"block_length" yaml:"block_length" json:"block_length" validate:"gt=0"`

	// Separator ids appended after every sequence (defaults to EOS)
	Separator []int `mapstructure:"separator" yaml:"separator" json:"separator" validate:"token_ids"`

	// What to do with the final undersized block (drop, pad)
	Leftover string `mapstructure:"leftover" yaml:"leftover" json:"leftover" validate:"leftover_policy"`
}

// ============================================================================
// Collator Configuration
// ============================================================================

// CollatorConfig defines completion-only masking
type CollatorConfig struct {
	// Response marker text, resolved in context when ids are not given
	ResponseMarker string `mapstructure:"response_marker" yaml:"response_marker" json:"response_marker"`

	// Literal response marker ids
	ResponseMarkerIDs []int `mapstructure:"response_marker_ids" yaml:"response_marker_ids" json:"response_marker_ids" validate:"token_ids"`

	// Instruction marker text for multi-turn masking
	InstructionMarker string `mapstructure:"instruction_marker" yaml:"instruction_marker" json:"instruction_marker"`

	// Literal instruction marker ids
	InstructionMarkerIDs []int `mapstructure:"instruction_marker_ids" yaml:"instruction_marker_ids" json:"instruction_marker_ids" validate:"token_ids"`

	// Text preceding the markers when resolving them in context
	MarkerContext string `mapstructure:"marker_context" yaml:"marker_context" json:"marker_context"`

	// Pad batch length up to a multiple of this value
	PadToMultipleOf int `mapstructure:"pad_to_multiple_of" yaml:"pad_to_multiple_of" json:"pad_to_multiple_of" validate:"gte=0"`

	// Truncate sequences longer than this (0 disables)
	MaxLength int `mapstructure:"max_length" yaml:"max_length" json:"max_length" validate:"gte=0"`
}

// ============================================================================
// Preference Configuration
// ============================================================================

// PreferenceConfig defines the preference-pair loss
type PreferenceConfig struct {
	// Loss type (sigmoid, hinge, ipo, conservative)
	LossType string `mapstructure:"loss_type" yaml:"loss_type" json:"loss_type" validate:"loss_type"`

	// Temperature coefficient
	Beta float64 `mapstructure:"beta" yaml:"beta" json:"beta" validate:"gt=0"`

	// Label noise probability for the conservative variant
	LabelSmoothing float64 `mapstructure:"label_smoothing" yaml:"label_smoothing" json:"label_smoothing" validate:"gte=0,lte=0.5"`

	// Max prompt tokens kept (prompt is truncated from the left)
	MaxPromptLength int `mapstructure:"max_prompt_length" yaml:"max_prompt_length" json:"max_prompt_length" validate:"gte=0"`

	// Max total tokens per prompt+response sequence
	MaxLength int `mapstructure:"max_length" yaml:"max_length" json:"max_length" validate:"gte=0"`
}

// ============================================================================
// Reference Configuration
// ============================================================================

// ReferenceConfig defines the reference policy
type ReferenceConfig struct {
	// Mode (dual, unload-adapter, named-adapters)
	Mode string `mapstructure:"mode" yaml:"mode" json:"mode" validate:"reference_mode"`

	// Policy model name in the hub
	PolicyModel string `mapstructure:"policy_model" yaml:"policy_model" json:"policy_model"`

	// Reference model name in the hub (dual mode)
	ReferenceModel string `mapstructure:"reference_model" yaml:"reference_model" json:"reference_model"`

	// Model revision
	Revision string `mapstructure:"revision" yaml:"revision" json:"revision"`

	// Policy adapter name (named-adapters mode)
	PolicyAdapter string `mapstructure:"policy_adapter" yaml:"policy_adapter" json:"policy_adapter"`

	// Reference adapter name (named-adapters mode)
	ReferenceAdapter string `mapstructure:"reference_adapter" yaml:"reference_adapter" json:"reference_adapter"`

	// Cache reference log-probs per sequence
	EnableCache bool `mapstructure:"enable_cache" yaml:"enable_cache" json:"enable_cache"`
}

// ============================================================================
// Training Configuration
// ============================================================================

// TrainingConfig defines the training loop
type TrainingConfig struct {
	// Sequences (or pairs) per step
	BatchSize int `mapstructure:"batch_size" yaml:"batch_size" json:"batch_size" validate:"gt=0"`

	// Passes over the dataset
	Epochs int `mapstructure:"epochs" yaml:"epochs" json:"epochs" validate:"gt=0"`

	// Log every N steps
	LoggingSteps int `mapstructure:"logging_steps" yaml:"logging_steps" json:"logging_steps" validate:"gt=0"`

	// Validate markers over the full dataset before the first step
	ValidateBeforeRun bool `mapstructure:"validate_before_run" yaml:"validate_before_run" json:"validate_before_run"`
}

// ============================================================================
// Hub Configuration
// ============================================================================

// HubConfig defines the weights repository
type HubConfig struct {
	// Provider (local, objectstore)
	Provider string `mapstructure:"provider" yaml:"provider" json:"provider" validate:"oneof=local objectstore"`

	// Root directory for the local provider
	Root string `mapstructure:"root" yaml:"root" json:"root"`

	// Bucket holding models for the objectstore provider
	Bucket string `mapstructure:"bucket" yaml:"bucket" json:"bucket"`

	// Local cache directory (temporary directory when empty)
	CacheDir string `mapstructure:"cache_dir" yaml:"cache_dir" json:"cache_dir"`
}

// ============================================================================
// Storage Configuration
// ============================================================================

// StorageConfig defines MinIO/S3 object storage
type StorageConfig struct {
	// Endpoint (host:port)
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint" json:"endpoint"`

	// Access key
	AccessKey string `mapstructure:"access_key" yaml:"access_key" json:"access_key"`

	// Secret key
	SecretKey string `mapstructure:"secret_key" yaml:"secret_key" json:"-"`

	// Use TLS
	UseSSL bool `mapstructure:"use_ssl" yaml:"use_ssl" json:"use_ssl"`

	// Region
	Region string `mapstructure:"region" yaml:"region" json:"region"`
}

// ============================================================================
// Redis Configuration
// ============================================================================

// RedisConfig defines Redis cache configuration
type RedisConfig struct {
	// Address (host:port); caches are in-memory when empty
	Addr string `mapstructure:"addr" yaml:"addr" json:"addr"`

	// Password
	Password string `mapstructure:"password" yaml:"password" json:"-"`

	// Database number
	DB int `mapstructure:"db" yaml:"db" json:"db"`

	// Key prefix
	KeyPrefix string `mapstructure:"key_prefix" yaml:"key_prefix" json:"key_prefix"`

	// Default TTL for cache entries
	DefaultTTL time.Duration `mapstructure:"default_ttl" yaml:"default_ttl" json:"default_ttl"`
}

// ============================================================================
// Kafka Configuration
// ============================================================================

// KafkaConfig defines the training event topic
type KafkaConfig struct {
	// Broker addresses; events are only logged when empty
	Brokers []string `mapstructure:"brokers" yaml:"brokers" json:"brokers"`

	// Client ID
	ClientID string `mapstructure:"client_id" yaml:"client_id" json:"client_id"`

	// Topic receiving training events
	Topic string `mapstructure:"topic" yaml:"topic" json:"topic"`
}

// ============================================================================
// Observability Configuration
// ============================================================================

// ObservabilityConfig defines observability configuration
type ObservabilityConfig struct {
	// Logging configuration
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging" json:"logging"`

	// Metrics configuration
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics" json:"metrics"`

	// Tracing configuration
	Tracing TracingConfig `mapstructure:"tracing" yaml:"tracing" json:"tracing"`
}

// LoggingConfig defines logging configuration
type LoggingConfig struct {
	// Log level (debug, info, warn, error)
	Level string `mapstructure:"level" yaml:"level" json:"level" validate:"oneof=debug info warn error"`

	// Log format (json, console)
	Format string `mapstructure:"format" yaml:"format" json:"format" validate:"oneof=json console"`

	// Output (stdout, stderr, file)
	Output string `mapstructure:"output" yaml:"output" json:"output" validate:"oneof=stdout stderr file"`

	// Log file path (if output is file)
	FilePath string `mapstructure:"file_path" yaml:"file_path" json:"file_path"`

	// Max file size in MB
	MaxSize int `mapstructure:"max_size" yaml:"max_size" json:"max_size"`

	// Max backup files
	MaxBackups int `mapstructure:"max_backups" yaml:"max_backups" json:"max_backups"`

	// Max age in days
	MaxAge int `mapstructure:"max_age" yaml:"max_age" json:"max_age"`
}

// MetricsConfig defines metrics configuration
type MetricsConfig struct {
	// Enable the metrics endpoint
	Enabled bool `mapstructure:"enabled" yaml:"enabled" json:"enabled"`

	// Listen address of the metrics endpoint
	Addr string `mapstructure:"addr" yaml:"addr" json:"addr"`

	// Metrics namespace
	Namespace string `mapstructure:"namespace" yaml:"namespace" json:"namespace"`
}

// TracingConfig defines tracing configuration
type TracingConfig struct {
	// Enable tracing
	Enabled bool `mapstructure:"enabled" yaml:"enabled" json:"enabled"`

	// Zipkin collector endpoint
	ZipkinEndpoint string `mapstructure:"zipkin_endpoint" yaml:"zipkin_endpoint" json:"zipkin_endpoint"`

	// Sampling rate
	SamplingRate float64 `mapstructure:"sampling_rate" yaml:"sampling_rate" json:"sampling_rate" validate:"gte=0,lte=1"`

	// Service name
	ServiceName string `mapstructure:"service_name" yaml:"service_name" json:"service_name"`
}

// ============================================================================
// Validation
// ============================================================================

// Validate checks tag rules and cross-field constraints
func (c *Config) Validate() error {
	if err := validator.GetValidator().Validate(c); err != nil {
		return err
	}

	lossType, _ := types.FromStringLossType(c.Preference.LossType)
	if c.Preference.LabelSmoothing > 0 && !lossType.AcceptsLabelSmoothing() {
		return errors.ConfigErrorf("preference.label_smoothing is only supported by sigmoid and conservative losses, got %s", lossType)
	}

	if c.Collator.ResponseMarker == "" && len(c.Collator.ResponseMarkerIDs) == 0 && c.Run.Trainer == string(types.TrainingTypeSFT) && !c.Packing.Enabled {
		return errors.ConfigErrorf("collator requires response_marker or response_marker_ids when packing is disabled")
	}

	mode, _ := types.FromStringReferenceMode(c.Reference.Mode)
	if mode == types.ReferenceModeNamedAdapters {
		if c.Reference.PolicyAdapter == "" || c.Reference.ReferenceAdapter == "" {
			return errors.ConfigErrorf("reference.policy_adapter and reference.reference_adapter are required in %s mode", mode)
		}
		if c.Reference.PolicyAdapter == c.Reference.ReferenceAdapter {
			return errors.ConfigErrorf("reference adapters must be distinct, both are %q", c.Reference.PolicyAdapter)
		}
	}

	if c.Tokenizer.Kind == "vocab" && c.Tokenizer.VocabFile == "" {
		return errors.ConfigErrorf("tokenizer.vocab_file is required for the vocab tokenizer")
	}

	if c.Hub.Provider == "objectstore" && (c.Hub.Bucket == "" || c.Storage.Endpoint == "") {
		return errors.ConfigErrorf("hub objectstore provider requires hub.bucket and storage.endpoint")
	}

	if c.Observability.Logging.Output == "file" && c.Observability.Logging.FilePath == "" {
		return errors.ConfigErrorf("observability.logging.file_path is required when output is file")
	}

	return nil
}

// LossType returns the parsed loss type
func (c *Config) LossType() types.LossType {
	lt, _ := types.FromStringLossType(c.Preference.LossType)
	return lt
}

// ReferenceMode returns the parsed reference mode
func (c *Config) ReferenceMode() types.ReferenceMode {
	rm, _ := types.FromStringReferenceMode(c.Reference.Mode)
	return rm
}

// LeftoverPolicy returns the parsed leftover policy
func (c *Config) LeftoverPolicy() types.LeftoverPolicy {
	lp, _ := types.FromStringLeftoverPolicy(c.Packing.Leftover)
	return lp
}
