package tokenizer

import (
	"context"

	tiktoken "github.com/pkoukk/tiktoken-go"

	"github.com/openeeap/trainkit/pkg/errors"
)

// vocabSizes of the tiktoken encodings, special tokens included
var vocabSizes = map[string]int{
	"cl100k_base": 100277,
	"o200k_base":  200019,
	"p50k_base":   50281,
	"p50k_edit":   50284,
	"r50k_base":   50257,
}

// BPEConfig selects a tiktoken encoding
type BPEConfig struct {
	Encoding string
	EOSID    int
	PadID    int
}

// BPE wraps a tiktoken encoding
type BPE struct {
	name  string
	enc   *tiktoken.Tiktoken
	eos   int
	pad   int
	vocab int
}

// NewBPE loads the encoding. tiktoken fetches the ranks file on first use
// unless TIKTOKEN_CACHE_DIR or an offline loader provides it.
func NewBPE(cfg BPEConfig) (*BPE, error) {
	name := cfg.Encoding
	if name == "" {
		name = "cl100k_base"
	}
	enc, err := tiktoken.GetEncoding(name)
	if err != nil {
		return nil, errors.Wrapf(err, errors.CodeTokenizerError, "failed to load encoding %s", name)
	}
	return NewBPEWithEncoding(name, enc, cfg.EOSID, cfg.PadID), nil
}

// NewBPEWithEncoding wraps an already loaded encoding
func NewBPEWithEncoding(name string, enc *tiktoken.Tiktoken, eos, pad int) *BPE {
	return &BPE{name: name, enc: enc, eos: eos, pad: pad, vocab: vocabSizes[name]}
}

// Name returns the encoding name
func (b *BPE) Name() string { return b.name }

// Encode encodes text without special-token parsing
func (b *BPE) Encode(ctx context.Context, text string) ([]int, error) {
	return b.enc.EncodeOrdinary(text), nil
}

// Decode decodes ids
func (b *BPE) Decode(ids []int) (string, error) {
	return b.enc.Decode(ids), nil
}

// VocabSize returns the encoding size, 0 for unknown encodings
func (b *BPE) VocabSize() int { return b.vocab }

// EOS returns the end-of-sequence id
func (b *BPE) EOS() int { return b.eos }

// Pad returns the padding id
func (b *BPE) Pad() int { return b.pad }
