// Package reference produces policy and reference log-probabilities under
// one of three ways of materializing the frozen reference policy.
package reference

import (
	"context"

	"github.com/openeeap/trainkit/internal/observability/logging"
	"github.com/openeeap/trainkit/internal/platform/training/collator"
	"github.com/openeeap/trainkit/pkg/errors"
	"github.com/openeeap/trainkit/pkg/types"
)

// Role selects which policy a forward pass runs
type Role string

const (
	RolePolicy    Role = "policy"
	RoleReference Role = "reference"
)

// Model is a forward-pass capability of the external runtime. The result
// has one row per batch row with one log-prob per position, aligned with
// the batch labels.
type Model interface {
	TokenLogProbs(ctx context.Context, batch *collator.Batch) ([][]float64, error)
}

// AdapterToggler can switch its parameter-efficient adapter off and on
type AdapterToggler interface {
	Model
	DisableAdapter(ctx context.Context) error
	EnableAdapter(ctx context.Context) error
}

// AdapterSelector can activate one of several named adapters
type AdapterSelector interface {
	Model
	SetAdapter(ctx context.Context, name string) error
}

// Config selects the reference mode
type Config struct {
	Mode types.ReferenceMode

	// Adapter names for named-adapters mode
	PolicyAdapter    string
	ReferenceAdapter string
}

// Coordinator runs policy and reference passes. The mode is fixed at
// construction.
type Coordinator struct {
	mode      types.ReferenceMode
	policy    Model
	reference Model
	toggler   AdapterToggler
	selector  AdapterSelector
	adapters  map[Role]string
	cache     *LogProbCache
	logger    logging.Logger
}

// Option configures a Coordinator
type Option func(*Coordinator)

// WithCache reuses reference log-probs across epochs
func WithCache(cache *LogProbCache) Option {
	return func(c *Coordinator) { c.cache = cache }
}

// WithLogger sets the logger
func WithLogger(logger logging.Logger) Option {
	return func(c *Coordinator) { c.logger = logger }
}

// New checks that the models provide what cfg.Mode needs. reference is
// only used, and required, in dual mode.
func New(cfg Config, policy, reference Model, opts ...Option) (*Coordinator, error) {
	if cfg.Mode == "" {
		cfg.Mode = types.ReferenceModeDual
	}
	if !cfg.Mode.Valid() {
		return nil, errors.ConfigErrorf("unknown reference mode %q", cfg.Mode)
	}
	if policy == nil {
		return nil, errors.ConfigError("policy model is required")
	}

	c := &Coordinator{mode: cfg.Mode, policy: policy, logger: logging.NewNoopLogger()}

	switch cfg.Mode {
	case types.ReferenceModeDual:
		if reference == nil {
			return nil, errors.ConfigError("dual reference mode requires a reference model")
		}
		c.reference = reference
	case types.ReferenceModeUnloadAdapter:
		toggler, ok := policy.(AdapterToggler)
		if !ok {
			return nil, errors.ConfigError("unload-adapter mode requires a policy model that can disable its adapter")
		}
		c.toggler = toggler
	case types.ReferenceModeNamedAdapters:
		selector, ok := policy.(AdapterSelector)
		if !ok {
			return nil, errors.ConfigError("named-adapters mode requires a policy model that can select adapters")
		}
		if cfg.PolicyAdapter == "" || cfg.ReferenceAdapter == "" {
			return nil, errors.ConfigError("named-adapters mode requires policy and reference adapter names")
		}
		if cfg.PolicyAdapter == cfg.ReferenceAdapter {
			return nil, errors.ConfigErrorf("policy and reference adapters must differ, both are %q", cfg.PolicyAdapter)
		}
		c.selector = selector
		c.adapters = map[Role]string{
			RolePolicy:    cfg.PolicyAdapter,
			RoleReference: cfg.ReferenceAdapter,
		}
	}

	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Mode returns the reference mode
func (c *Coordinator) Mode() types.ReferenceMode {
	return c.mode
}

// LogProbs runs a forward pass for role
func (c *Coordinator) LogProbs(ctx context.Context, role Role, batch *collator.Batch) ([][]float64, error) {
	switch role {
	case RolePolicy:
		return c.policyPass(ctx, batch)
	case RoleReference:
		if c.cache == nil {
			return c.referencePass(ctx, batch)
		}
		return c.cache.GetOrCompute(ctx, batch, c.referencePass)
	default:
		return nil, errors.Newf(errors.CodeInvalidArgument, "unknown role %q", role)
	}
}

func (c *Coordinator) policyPass(ctx context.Context, batch *collator.Batch) ([][]float64, error) {
	if c.mode == types.ReferenceModeNamedAdapters {
		if err := c.selectAdapter(ctx, RolePolicy); err != nil {
			return nil, err
		}
	}
	return c.forward(ctx, c.policy, RolePolicy, batch)
}

func (c *Coordinator) referencePass(ctx context.Context, batch *collator.Batch) ([][]float64, error) {
	switch c.mode {
	case types.ReferenceModeUnloadAdapter:
		return c.withAdapterDisabled(ctx, batch)
	case types.ReferenceModeNamedAdapters:
		if err := c.selectAdapter(ctx, RoleReference); err != nil {
			return nil, err
		}
		return c.forward(ctx, c.policy, RoleReference, batch)
	default:
		return c.forward(ctx, c.reference, RoleReference, batch)
	}
}

// withAdapterDisabled re-enables the adapter whatever the pass outcome
func (c *Coordinator) withAdapterDisabled(ctx context.Context, batch *collator.Batch) (out [][]float64, err error) {
	if err := c.toggler.DisableAdapter(ctx); err != nil {
		return nil, errors.Wrap(err, errors.CodeModelError, "failed to disable adapter")
	}
	defer func() {
		// Restore even if ctx was cancelled during the pass
		if enableErr := c.toggler.EnableAdapter(context.WithoutCancel(ctx)); enableErr != nil {
			c.logger.Error("failed to re-enable adapter", logging.Error(enableErr))
			wrapped := errors.Wrap(enableErr, errors.CodeModelError, "failed to re-enable adapter")
			if err == nil {
				out, err = nil, wrapped
			} else {
				err = errors.Join(err, wrapped)
			}
		}
	}()
	return c.forward(ctx, c.policy, RoleReference, batch)
}

func (c *Coordinator) selectAdapter(ctx context.Context, role Role) error {
	name := c.adapters[role]
	if err := c.selector.SetAdapter(ctx, name); err != nil {
		return errors.Wrapf(err, errors.CodeModelError, "failed to select adapter %q", name)
	}
	return nil
}

func (c *Coordinator) forward(ctx context.Context, m Model, role Role, batch *collator.Batch) ([][]float64, error) {
	out, err := m.TokenLogProbs(ctx, batch)
	if err != nil {
		return nil, errors.Wrapf(err, errors.CodeModelError, "%s forward pass failed", role)
	}
	if len(out) != batch.Len() {
		return nil, errors.Newf(errors.CodeModelError, "%s forward pass returned %d rows for %d sequences", role, len(out), batch.Len())
	}
	for i, row := range out {
		if len(row) != len(batch.Labels[i]) {
			return nil, errors.Newf(errors.CodeModelError, "%s forward pass returned %d log-probs for row %d of length %d",
				role, len(row), i, len(batch.Labels[i]))
		}
	}
	return out, nil
}
