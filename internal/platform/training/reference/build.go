package reference

import (
	"context"

	"github.com/openeeap/trainkit/internal/platform/training/hub"
	"github.com/openeeap/trainkit/pkg/errors"
	"github.com/openeeap/trainkit/pkg/types"
)

// ModelLoader is the external runtime hook that loads a model directory
type ModelLoader interface {
	Load(ctx context.Context, dir string) (Model, error)
}

// BuildConfig names the models to load
type BuildConfig struct {
	Config

	Policy    hub.ModelRef
	Reference hub.ModelRef
}

// Build resolves and loads the models cfg.Mode needs, then builds the
// coordinator. The reference model is only loaded in dual mode.
func Build(ctx context.Context, cfg BuildConfig, repo hub.Repository, loader ModelLoader, opts ...Option) (*Coordinator, error) {
	if repo == nil || loader == nil {
		return nil, errors.ConfigError("a model repository and loader are required")
	}

	policy, err := load(ctx, repo, loader, cfg.Policy)
	if err != nil {
		return nil, err
	}

	var ref Model
	if cfg.Mode == types.ReferenceModeDual || cfg.Mode == "" {
		refRef := cfg.Reference
		if refRef.Name == "" {
			refRef = cfg.Policy
		}
		if ref, err = load(ctx, repo, loader, refRef); err != nil {
			return nil, err
		}
	}

	return New(cfg.Config, policy, ref, opts...)
}

func load(ctx context.Context, repo hub.Repository, loader ModelLoader, ref hub.ModelRef) (Model, error) {
	dir, err := repo.Resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	m, err := loader.Load(ctx, dir)
	if err != nil {
		return nil, errors.Wrapf(err, errors.CodeModelError, "failed to load model %s", ref)
	}
	return m, nil
}
