package tokenizer

import (
	"bufio"
	"context"
	"os"
	"strings"

	"github.com/openeeap/trainkit/pkg/errors"
)

// Special tokens of the vocab tokenizer
const (
	UnknownToken = "<unk>"
	EOSToken     = "<eos>"
	PadToken     = "<pad>"
)

// Vocab is a word-level tokenizer over a fixed vocabulary. Text is split
// on whitespace; unseen words map to <unk>.
type Vocab struct {
	name   string
	tokens []string
	index  map[string]int
	unk    int
	eos    int
	pad    int
}

// NewVocab builds a tokenizer from tokens in id order. Missing special
// tokens are appended.
func NewVocab(name string, tokens []string) (*Vocab, error) {
	v := &Vocab{name: name, index: make(map[string]int, len(tokens)+3)}
	for _, tok := range tokens {
		if tok == "" {
			return nil, errors.New(errors.CodeInvalidConfig, "vocabulary contains an empty token")
		}
		if _, dup := v.index[tok]; dup {
			return nil, errors.Newf(errors.CodeInvalidConfig, "vocabulary token %q is duplicated", tok)
		}
		v.add(tok)
	}
	v.unk = v.ensure(UnknownToken)
	v.eos = v.ensure(EOSToken)
	v.pad = v.ensure(PadToken)
	return v, nil
}

// LoadVocabFile reads one token per line
func LoadVocabFile(path string) (*Vocab, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, errors.CodeInvalidConfig, "failed to open vocabulary %s", path)
	}
	defer f.Close()

	var tokens []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if tok := strings.TrimSpace(scanner.Text()); tok != "" {
			tokens = append(tokens, tok)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, errors.CodeInvalidConfig, "failed to read vocabulary %s", path)
	}
	return NewVocab("vocab:"+path, tokens)
}

func (v *Vocab) add(tok string) int {
	id := len(v.tokens)
	v.tokens = append(v.tokens, tok)
	v.index[tok] = id
	return id
}

func (v *Vocab) ensure(tok string) int {
	if id, ok := v.index[tok]; ok {
		return id
	}
	return v.add(tok)
}

// Name returns the vocabulary name
func (v *Vocab) Name() string { return v.name }

// Encode splits on whitespace and looks every word up
func (v *Vocab) Encode(ctx context.Context, text string) ([]int, error) {
	words := strings.Fields(text)
	ids := make([]int, len(words))
	for i, w := range words {
		id, ok := v.index[w]
		if !ok {
			id = v.unk
		}
		ids[i] = id
	}
	return ids, nil
}

// Decode joins tokens with single spaces
func (v *Vocab) Decode(ids []int) (string, error) {
	words := make([]string, len(ids))
	for i, id := range ids {
		if id < 0 || id >= len(v.tokens) {
			return "", errors.Newf(errors.CodeVocabMismatch, "token id %d is outside vocabulary of size %d", id, len(v.tokens))
		}
		words[i] = v.tokens[id]
	}
	return strings.Join(words, " "), nil
}

// ID returns the id of a token
func (v *Vocab) ID(tok string) (int, bool) {
	id, ok := v.index[tok]
	return id, ok
}

// VocabSize returns the number of tokens
func (v *Vocab) VocabSize() int { return len(v.tokens) }

// EOS returns the <eos> id
func (v *Vocab) EOS() int { return v.eos }

// Pad returns the <pad> id
func (v *Vocab) Pad() int { return v.pad }

// Unknown returns the <unk> id
func (v *Vocab) Unknown() int { return v.unk }
