// Package app builds the runtime components of trainkit from configuration.
package app

import (
	"context"
	"time"

	"github.com/openeeap/trainkit/internal/infrastructure/message"
	"github.com/openeeap/trainkit/internal/infrastructure/message/kafka"
	"github.com/openeeap/trainkit/internal/infrastructure/repository"
	"github.com/openeeap/trainkit/internal/infrastructure/repository/redis"
	"github.com/openeeap/trainkit/internal/infrastructure/storage"
	"github.com/openeeap/trainkit/internal/infrastructure/storage/minio"
	"github.com/openeeap/trainkit/internal/observability/logging"
	"github.com/openeeap/trainkit/internal/observability/metrics"
	"github.com/openeeap/trainkit/internal/observability/trace"
	"github.com/openeeap/trainkit/internal/platform/training"
	"github.com/openeeap/trainkit/internal/platform/training/collator"
	"github.com/openeeap/trainkit/internal/platform/training/dataset"
	"github.com/openeeap/trainkit/internal/platform/training/hub"
	"github.com/openeeap/trainkit/internal/platform/training/packing"
	"github.com/openeeap/trainkit/internal/platform/training/preference"
	"github.com/openeeap/trainkit/internal/platform/training/tokenizer"
	"github.com/openeeap/trainkit/pkg/config"
	"github.com/openeeap/trainkit/pkg/errors"
	"github.com/openeeap/trainkit/pkg/types"
)

// Build information, set with -ldflags at release time
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Container owns the infrastructure built from one configuration
type Container struct {
	Config  *config.Config
	Logger  logging.Logger
	Metrics *metrics.MetricsCollector
	Tracer  trace.Tracer

	// Cache is in-memory unless redis.addr is set
	Cache repository.Cache

	// Store is nil unless storage.endpoint is set
	Store storage.ObjectStore

	Events message.Publisher

	closers []func() error
}

// Option customizes a container
type Option func(*Container)

// WithLogger replaces the configured logger
func WithLogger(logger logging.Logger) Option {
	return func(c *Container) { c.Logger = logger }
}

// WithCache replaces the configured cache
func WithCache(cache repository.Cache) Option {
	return func(c *Container) { c.Cache = cache }
}

// WithStore replaces the configured object store
func WithStore(store storage.ObjectStore) Option {
	return func(c *Container) { c.Store = store }
}

// WithPublisher replaces the configured event publisher
func WithPublisher(pub message.Publisher) Option {
	return func(c *Container) { c.Events = pub }
}

// New validates cfg and connects the configured infrastructure. Components
// supplied through options are not rebuilt.
func New(cfg *config.Config, opts ...Option) (*Container, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Container{Config: cfg}
	for _, opt := range opts {
		opt(c)
	}

	if c.Logger == nil {
		logger, err := newLogger(cfg.Observability.Logging)
		if err != nil {
			return nil, errors.Wrap(err, errors.CodeInvalidConfig, "failed to build logger")
		}
		c.Logger = logger
		c.closers = append(c.closers, func() error {
			// Sync on a terminal fails with EINVAL
			_ = logger.Sync()
			return nil
		})
	}

	c.Metrics = metrics.NewMetricsCollector(metrics.CollectorConfig{
		Namespace:       cfg.Observability.Metrics.Namespace,
		EnableGoMetrics: cfg.Observability.Metrics.Enabled,
	})

	if err := c.buildTracer(); err != nil {
		return nil, err
	}
	if err := c.buildCache(); err != nil {
		c.Close()
		return nil, err
	}
	if err := c.buildStore(); err != nil {
		c.Close()
		return nil, err
	}
	if err := c.buildPublisher(); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func newLogger(cfg config.LoggingConfig) (*logging.ZapLogger, error) {
	return logging.NewZapLogger(logging.LogConfig{
		Level:      cfg.Level,
		Format:     cfg.Format,
		Output:     cfg.Output,
		FilePath:   cfg.FilePath,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   true,
	})
}

func (c *Container) buildTracer() error {
	tc := c.Config.Observability.Tracing
	if !tc.Enabled {
		c.Tracer = trace.NewNoopTracer()
		return nil
	}
	tracer, err := trace.NewTracer(trace.TracerConfig{
		ServiceName:    tc.ServiceName,
		ServiceVersion: Version,
		ZipkinEndpoint: tc.ZipkinEndpoint,
		SamplingRate:   tc.SamplingRate,
	})
	if err != nil {
		return errors.Wrap(err, errors.CodeInvalidConfig, "failed to build tracer")
	}
	c.Tracer = tracer
	c.closers = append(c.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return tracer.Shutdown(ctx)
	})
	return nil
}

func (c *Container) buildCache() error {
	if c.Cache != nil {
		return nil
	}
	rc := c.Config.Redis
	if rc.Addr == "" {
		c.Cache = repository.NewMemoryCache(rc.DefaultTTL)
		c.closers = append(c.closers, c.Cache.Close)
		return nil
	}
	cache, err := redis.NewCacheRepository(&redis.CacheConfig{
		Addr:       rc.Addr,
		Password:   rc.Password,
		DB:         rc.DB,
		KeyPrefix:  rc.KeyPrefix,
		DefaultTTL: rc.DefaultTTL,
	})
	if err != nil {
		return err
	}
	c.Cache = cache
	c.closers = append(c.closers, cache.Close)
	c.Logger.Info("connected to redis", logging.String("addr", rc.Addr))
	return nil
}

func (c *Container) buildStore() error {
	if c.Store != nil {
		return nil
	}
	sc := c.Config.Storage
	if sc.Endpoint == "" {
		return nil
	}
	store, err := minio.NewMinIOClient(&minio.MinIOConfig{
		Endpoint:        sc.Endpoint,
		AccessKeyID:     sc.AccessKey,
		SecretAccessKey: sc.SecretKey,
		UseSSL:          sc.UseSSL,
		Region:          sc.Region,
	})
	if err != nil {
		return err
	}
	c.Store = store
	return nil
}

func (c *Container) buildPublisher() error {
	if c.Events != nil {
		return nil
	}
	kc := c.Config.Kafka
	if len(kc.Brokers) == 0 {
		c.Events = message.NewLogPublisher(c.Logger)
		return nil
	}
	pub, err := kafka.NewPublisher(&kafka.KafkaConfig{
		Brokers:  kc.Brokers,
		ClientID: kc.ClientID,
		Topic:    kc.Topic,
	}, c.Tracer, c.Logger)
	if err != nil {
		return err
	}
	c.Events = pub
	c.closers = append(c.closers, pub.Close)
	return nil
}

// Close releases everything the container opened, in reverse order
func (c *Container) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}

// RunID returns the run name, used as run identifier
func (c *Container) RunID() string {
	return c.Config.Run.Name
}

// ============================================================================
// Pipeline components
// ============================================================================

// Tokenizer builds the configured tokenizer, wrapped in the encode cache
// when tokenizer.enable_cache is set
func (c *Container) Tokenizer() (tokenizer.Tokenizer, error) {
	tc := c.Config.Tokenizer
	var tok tokenizer.Tokenizer
	switch tc.Kind {
	case "vocab":
		v, err := tokenizer.LoadVocabFile(tc.VocabFile)
		if err != nil {
			return nil, err
		}
		tok = v
	default:
		bpe, err := tokenizer.NewBPE(tokenizer.BPEConfig{Encoding: tc.Encoding, EOSID: tc.EOSID, PadID: tc.PadID})
		if err != nil {
			return nil, err
		}
		tok = bpe
	}
	if !tc.EnableCache {
		return tok, nil
	}
	return tokenizer.NewCached(tok, c.Cache,
		tokenizer.WithCacheTTL(c.Config.Redis.DefaultTTL),
		tokenizer.WithCacheLogger(c.Logger),
		tokenizer.WithCacheMetrics(c.Metrics)), nil
}

// Loader builds the dataset loader over local files and, when configured,
// object storage
func (c *Container) Loader() *dataset.Loader {
	dc := c.Config.Dataset
	src := dataset.MuxSource{Local: dataset.FileSource{}}
	if c.Store != nil {
		src.Object = dataset.ObjectSource{Store: c.Store}
	}
	opts := []dataset.LoaderOption{
		dataset.WithFieldMap(dataset.FieldMap{
			ID:         dc.Fields.ID,
			Prompt:     dc.Fields.Prompt,
			Completion: dc.Fields.Completion,
			Messages:   dc.Fields.Messages,
			Chosen:     dc.Fields.Chosen,
			Rejected:   dc.Fields.Rejected,
			Text:       dc.Fields.Text,
		}),
		dataset.WithLogger(c.Logger),
		dataset.WithMetrics(c.Metrics),
	}
	if dc.Shape != "" {
		opts = append(opts, dataset.WithShape(types.RecordShape(dc.Shape)))
	}
	return dataset.NewLoader(src, opts...)
}

// Formatter builds the record formatter
func (c *Container) Formatter() (*dataset.Formatter, error) {
	return dataset.NewFormatter(dataset.FormatterConfig{
		Template:     c.Config.Dataset.Template,
		ChatTemplate: c.Config.Dataset.ChatTemplate,

		GenerationPrompt:    c.Config.Dataset.GenerationPrompt,
		AddGenerationPrompt: c.Config.Dataset.AddGenerationPrompt,
	})
}

// CollatorConfig resolves the configured markers against tok
func (c *Container) CollatorConfig(ctx context.Context, tok tokenizer.Tokenizer) (collator.Config, error) {
	cc := c.Config.Collator
	response, err := tokenizer.ResolveMarker(ctx, tok, tokenizer.MarkerSpec{
		IDs: cc.ResponseMarkerIDs, Text: cc.ResponseMarker, Context: cc.MarkerContext,
	})
	if err != nil {
		return collator.Config{}, errors.Wrap(err, errors.CodeInvalidConfig, "failed to resolve response marker")
	}
	instruction, err := tokenizer.ResolveMarker(ctx, tok, tokenizer.MarkerSpec{
		IDs: cc.InstructionMarkerIDs, Text: cc.InstructionMarker, Context: cc.MarkerContext,
	})
	if err != nil {
		return collator.Config{}, errors.Wrap(err, errors.CodeInvalidConfig, "failed to resolve instruction marker")
	}
	if len(response) > 0 {
		c.Logger.Debug("resolved response marker", logging.Ints("ids", response))
	}
	return collator.Config{
		ResponseMarker:    response,
		InstructionMarker: instruction,
		PadID:             tok.Pad(),
		PadToMultipleOf:   cc.PadToMultipleOf,
		MaxLength:         cc.MaxLength,
	}, nil
}

// Collator builds a collator with markers resolved against tok
func (c *Container) Collator(ctx context.Context, tok tokenizer.Tokenizer) (*collator.Collator, error) {
	cfg, err := c.CollatorConfig(ctx, tok)
	if err != nil {
		return nil, err
	}
	return collator.New(cfg)
}

// PackingConfig returns the assembler settings; the separator defaults
// to EOS
func (c *Container) PackingConfig(tok tokenizer.Tokenizer) packing.Config {
	pc := c.Config.Packing
	sep := pc.Separator
	if len(sep) == 0 {
		sep = []int{tok.EOS()}
	}
	return packing.Config{
		BlockLength: pc.BlockLength,
		Separator:   sep,
		Leftover:    c.Config.LeftoverPolicy(),
		PadID:       tok.Pad(),
		VocabSize:   tok.VocabSize(),
	}
}

// LossConfig returns the preference loss settings
func (c *Container) LossConfig() preference.LossConfig {
	return preference.LossConfig{
		Type:           c.Config.LossType(),
		Beta:           c.Config.Preference.Beta,
		LabelSmoothing: c.Config.Preference.LabelSmoothing,
	}
}

// TrainingConfig returns the step loop settings
func (c *Container) TrainingConfig() training.Config {
	tc := c.Config.Training
	return training.Config{
		RunID:        c.RunID(),
		BatchSize:    tc.BatchSize,
		Epochs:       tc.Epochs,
		LoggingSteps: tc.LoggingSteps,
	}
}

// Dependencies returns the ambient services for trainers
func (c *Container) Dependencies() training.Dependencies {
	return training.Dependencies{
		Logger:  c.Logger,
		Metrics: c.Metrics,
		Tracer:  c.Tracer,
		Events:  c.Events,
	}
}

// Hub opens the configured weights repository. The caller closes it.
func (c *Container) Hub() (hub.Repository, error) {
	hc := c.Config.Hub
	switch hc.Provider {
	case "objectstore":
		if c.Store == nil {
			return nil, errors.ConfigError("hub objectstore provider requires object storage")
		}
		repo, err := hub.NewObjectStoreRepository(c.Store, hub.ObjectStoreConfig{Bucket: hc.Bucket, CacheDir: hc.CacheDir}, c.Logger)
		if err != nil {
			return nil, err
		}
		return repo, nil
	default:
		repo, err := hub.NewLocalRepository(hc.Root)
		if err != nil {
			return nil, err
		}
		return repo, nil
	}
}
