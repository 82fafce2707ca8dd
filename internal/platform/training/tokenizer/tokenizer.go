// Package tokenizer turns formatted text into token sequences and resolves
// marker token ids.
package tokenizer

import (
	"context"

	"github.com/openeeap/trainkit/pkg/errors"
)

// IgnoreIndex marks label positions excluded from the loss
const IgnoreIndex = -100

// Tokenizer encodes text to token ids
type Tokenizer interface {
	// Name identifies the encoding, used in cache keys
	Name() string

	Encode(ctx context.Context, text string) ([]int, error)
	Decode(ids []int) (string, error)

	// VocabSize is the exclusive upper bound of valid ids, 0 if unknown
	VocabSize() int

	EOS() int
	Pad() int
}

// TokenSequence is one tokenized text, owned by the batch it belongs to
type TokenSequence struct {
	ID            string
	InputIDs      []int
	AttentionMask []int
}

// NewSequence builds a sequence with a full attention mask
func NewSequence(id string, ids []int) TokenSequence {
	mask := make([]int, len(ids))
	for i := range mask {
		mask[i] = 1
	}
	return TokenSequence{ID: id, InputIDs: ids, AttentionMask: mask}
}

// Len returns the number of tokens
func (s TokenSequence) Len() int {
	return len(s.InputIDs)
}

// EncodeSequence encodes text into a sequence, optionally appending EOS
func EncodeSequence(ctx context.Context, tok Tokenizer, id, text string, appendEOS bool) (TokenSequence, error) {
	ids, err := tok.Encode(ctx, text)
	if err != nil {
		return TokenSequence{}, errors.Wrapf(err, errors.CodeTokenizerError, "failed to encode sequence %s", id)
	}
	if appendEOS {
		ids = append(ids, tok.EOS())
	}
	return NewSequence(id, ids), nil
}

// EncodeAll encodes texts in order; ids are produced by idFn
func EncodeAll(ctx context.Context, tok Tokenizer, texts []string, idFn func(int) string, appendEOS bool) ([]TokenSequence, error) {
	seqs := make([]TokenSequence, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrap(err, errors.CodeCancelled, "tokenization cancelled")
		}
		seq, err := EncodeSequence(ctx, tok, idFn(i), text, appendEOS)
		if err != nil {
			return nil, err
		}
		seqs[i] = seq
	}
	return seqs, nil
}

// CheckVocab verifies every id is inside [0, vocabSize). A zero vocabSize
// only rejects negative ids.
func CheckVocab(seq TokenSequence, vocabSize int) error {
	for pos, id := range seq.InputIDs {
		if id < 0 || (vocabSize > 0 && id >= vocabSize) {
			return errors.Newf(errors.CodeVocabMismatch, "sequence %s: token id %d at position %d is outside vocabulary of size %d",
				seq.ID, id, pos, vocabSize).
				WithDetails("sequence", seq.ID).
				WithDetails("position", pos)
		}
	}
	return nil
}
