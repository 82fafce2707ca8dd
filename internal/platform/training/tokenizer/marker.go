package tokenizer

import (
	"context"

	"github.com/openeeap/trainkit/pkg/errors"
)

// MarkerSpec describes a marker either by literal ids or by text
type MarkerSpec struct {
	// Literal ids; used as-is when set
	IDs []int

	// Marker text, tokenized in Context when IDs is empty
	Text string

	// Text that precedes the marker in formatted records
	Context string
}

// IsZero reports whether the spec names no marker
func (m MarkerSpec) IsZero() bool {
	return len(m.IDs) == 0 && m.Text == ""
}

// ResolveMarker returns the marker ids as they appear inside formatted text.
// Text markers are encoded after Context and the context ids are stripped,
// since tokenizers may merge a marker with the text before it.
func ResolveMarker(ctx context.Context, tok Tokenizer, spec MarkerSpec) ([]int, error) {
	if len(spec.IDs) > 0 {
		return append([]int(nil), spec.IDs...), nil
	}
	if spec.Text == "" {
		return nil, nil
	}

	if spec.Context == "" {
		ids, err := tok.Encode(ctx, spec.Text)
		if err != nil {
			return nil, errors.Wrapf(err, errors.CodeTokenizerError, "failed to encode marker %q", spec.Text)
		}
		return nonEmpty(ids, spec)
	}

	ctxIDs, err := tok.Encode(ctx, spec.Context)
	if err != nil {
		return nil, errors.Wrapf(err, errors.CodeTokenizerError, "failed to encode marker context %q", spec.Context)
	}
	full, err := tok.Encode(ctx, spec.Context+spec.Text)
	if err != nil {
		return nil, errors.Wrapf(err, errors.CodeTokenizerError, "failed to encode marker %q", spec.Text)
	}

	if !hasPrefix(full, ctxIDs) {
		return nil, errors.Newf(errors.CodeMarkerContextMismatch,
			"marker %q merges with context %q: context ids %v are not a prefix of %v", spec.Text, spec.Context, ctxIDs, full).
			WithDetails("marker", spec.Text).
			WithDetails("context", spec.Context)
	}
	return nonEmpty(full[len(ctxIDs):], spec)
}

func nonEmpty(ids []int, spec MarkerSpec) ([]int, error) {
	if len(ids) == 0 {
		return nil, errors.Newf(errors.CodeMarkerContextMismatch, "marker %q encodes to no tokens", spec.Text)
	}
	return append([]int(nil), ids...), nil
}

func hasPrefix(seq, prefix []int) bool {
	if len(prefix) > len(seq) {
		return false
	}
	for i, id := range prefix {
		if seq[i] != id {
			return false
		}
	}
	return true
}
