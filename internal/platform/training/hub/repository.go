// Package hub resolves model references to local directories holding the
// model files. Repositories are injected and own their cache lifetime.
package hub

import (
	"context"
	"strings"

	"github.com/openeeap/trainkit/pkg/errors"
)

// DefaultRevision is used when a reference names no revision
const DefaultRevision = "main"

// ModelRef names a model and revision
type ModelRef struct {
	Name     string
	Revision string
}

// String returns name@revision
func (r ModelRef) String() string {
	return r.Name + "@" + r.revision()
}

func (r ModelRef) revision() string {
	if r.Revision == "" {
		return DefaultRevision
	}
	return r.Revision
}

// Validate rejects empty names and path traversal
func (r ModelRef) Validate() error {
	if r.Name == "" {
		return errors.New(errors.CodeInvalidArgument, "model name cannot be empty")
	}
	for _, part := range []string{r.Name, r.revision()} {
		if strings.Contains(part, "..") || strings.HasPrefix(part, "/") || strings.Contains(part, "\\") {
			return errors.Newf(errors.CodeInvalidArgument, "invalid model reference %s", r)
		}
	}
	return nil
}

// ParseModelRef parses name or name@revision
func ParseModelRef(s string) (ModelRef, error) {
	name, rev, _ := strings.Cut(strings.TrimSpace(s), "@")
	ref := ModelRef{Name: name, Revision: rev}
	if err := ref.Validate(); err != nil {
		return ModelRef{}, err
	}
	return ref, nil
}

// Repository resolves references to local directories
type Repository interface {
	Resolve(ctx context.Context, ref ModelRef) (string, error)
	Close() error
}
