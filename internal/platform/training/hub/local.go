package hub

import (
	"context"
	"os"
	"path/filepath"

	"github.com/openeeap/trainkit/pkg/errors"
)

// LocalRepository maps refs onto root/<name>/<revision>
type LocalRepository struct {
	root string
}

// NewLocalRepository creates a repository rooted at root
func NewLocalRepository(root string) (*LocalRepository, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, errors.Wrapf(err, errors.CodeInvalidConfig, "model root %s is not accessible", root)
	}
	if !info.IsDir() {
		return nil, errors.Newf(errors.CodeInvalidConfig, "model root %s is not a directory", root)
	}
	return &LocalRepository{root: root}, nil
}

// Resolve returns the model directory when it exists
func (r *LocalRepository) Resolve(ctx context.Context, ref ModelRef) (string, error) {
	if err := ref.Validate(); err != nil {
		return "", err
	}
	dir := filepath.Join(r.root, filepath.FromSlash(ref.Name), ref.revision())
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return "", errors.Newf(errors.CodeNotFound, "model %s not found under %s", ref, r.root)
	}
	return dir, nil
}

// Close is a no-op; the tree is not owned by the repository
func (r *LocalRepository) Close() error {
	return nil
}
