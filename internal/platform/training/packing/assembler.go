// Package packing concatenates token sequences into fixed-length blocks.
package packing

import (
	"github.com/openeeap/trainkit/internal/platform/training/tokenizer"
	"github.com/openeeap/trainkit/pkg/errors"
	"github.com/openeeap/trainkit/pkg/types"
)

// Config defines block assembly
type Config struct {
	// BlockLength is the exact number of tokens per block
	BlockLength int

	// Separator is appended after every sequence. Use []int{} for none.
	Separator []int

	// Leftover decides the fate of the trailing partial block
	Leftover types.LeftoverPolicy

	// PadID fills padded positions
	PadID int

	// VocabSize bounds valid ids; 0 disables the upper bound
	VocabSize int
}

// Block is one fixed-length training block
type Block struct {
	InputIDs      []int
	AttentionMask []int
	Labels        []int
}

// Padding returns the number of padded positions
func (b Block) Padding() int {
	n := 0
	for _, m := range b.AttentionMask {
		if m == 0 {
			n++
		}
	}
	return n
}

// Stats are assembler totals. TokensIn == TokensEmitted + TokensDropped
// once the assembler is flushed.
type Stats struct {
	Sequences     int
	TokensIn      int
	TokensEmitted int
	TokensDropped int
	TokensPadded  int
	Blocks        int
}

// Assembler packs sequences through a single pending buffer. It has one
// producer and is not safe for concurrent use.
type Assembler struct {
	cfg     Config
	buffer  []int
	stats   Stats
	flushed bool
}

// New validates cfg
func New(cfg Config) (*Assembler, error) {
	if cfg.BlockLength <= 0 {
		return nil, errors.ConfigErrorf("block length must be positive, got %d", cfg.BlockLength)
	}
	if cfg.Leftover == "" {
		cfg.Leftover = types.LeftoverDrop
	}
	if !cfg.Leftover.Valid() {
		return nil, errors.ConfigErrorf("invalid leftover policy %q", cfg.Leftover)
	}
	for _, id := range cfg.Separator {
		if id < 0 || (cfg.VocabSize > 0 && id >= cfg.VocabSize) {
			return nil, errors.ConfigErrorf("separator id %d is outside vocabulary of size %d", id, cfg.VocabSize)
		}
	}
	if cfg.Leftover == types.LeftoverPad && cfg.PadID < 0 {
		return nil, errors.ConfigErrorf("pad id must be non-negative, got %d", cfg.PadID)
	}

	return &Assembler{
		cfg:    cfg,
		buffer: make([]int, 0, 2*cfg.BlockLength),
	}, nil
}

// Add appends seq and the separator to the buffer and returns every block
// completed by it. A sequence with out-of-vocabulary ids is rejected whole.
func (a *Assembler) Add(seq tokenizer.TokenSequence) ([]Block, error) {
	if a.flushed {
		return nil, errors.New(errors.CodeInvalidArgument, "assembler already flushed")
	}
	if err := tokenizer.CheckVocab(seq, a.cfg.VocabSize); err != nil {
		return nil, err
	}

	a.buffer = append(a.buffer, seq.InputIDs...)
	a.buffer = append(a.buffer, a.cfg.Separator...)
	a.stats.Sequences++
	a.stats.TokensIn += len(seq.InputIDs) + len(a.cfg.Separator)

	var blocks []Block
	for len(a.buffer) >= a.cfg.BlockLength {
		blocks = append(blocks, a.emit(a.buffer[:a.cfg.BlockLength], 0))
		a.buffer = a.buffer[a.cfg.BlockLength:]
	}

	// Compact so the backing array does not grow with the dataset
	if cap(a.buffer) > 4*a.cfg.BlockLength {
		a.buffer = append(make([]int, 0, 2*a.cfg.BlockLength), a.buffer...)
	}
	return blocks, nil
}

// Flush ends the stream. Under drop the remainder is discarded and nil is
// returned; under pad it is padded to a full block.
func (a *Assembler) Flush() (*Block, error) {
	if a.flushed {
		return nil, errors.New(errors.CodeInvalidArgument, "assembler already flushed")
	}
	a.flushed = true

	remainder := a.buffer
	a.buffer = nil
	if len(remainder) == 0 {
		return nil, nil
	}

	if a.cfg.Leftover == types.LeftoverDrop {
		a.stats.TokensDropped += len(remainder)
		return nil, nil
	}

	block := a.emit(remainder, a.cfg.BlockLength-len(remainder))
	return &block, nil
}

// emit copies ids into a block followed by pad positions
func (a *Assembler) emit(ids []int, pad int) Block {
	n := len(ids) + pad
	block := Block{
		InputIDs:      make([]int, n),
		AttentionMask: make([]int, n),
		Labels:        make([]int, n),
	}
	copy(block.InputIDs, ids)
	copy(block.Labels, ids)
	for i := range ids {
		block.AttentionMask[i] = 1
	}
	for i := len(ids); i < n; i++ {
		block.InputIDs[i] = a.cfg.PadID
		block.Labels[i] = tokenizer.IgnoreIndex
	}

	a.stats.Blocks++
	a.stats.TokensEmitted += len(ids)
	a.stats.TokensPadded += pad
	return block
}

// Buffered returns the number of pending tokens
func (a *Assembler) Buffered() int {
	return len(a.buffer)
}

// Stats returns the running totals
func (a *Assembler) Stats() Stats {
	return a.stats
}

// Pack runs seqs through a fresh assembler and flushes it
func Pack(seqs []tokenizer.TokenSequence, cfg Config) ([]Block, Stats, error) {
	a, err := New(cfg)
	if err != nil {
		return nil, Stats{}, err
	}

	var blocks []Block
	for _, seq := range seqs {
		out, err := a.Add(seq)
		if err != nil {
			return nil, a.Stats(), err
		}
		blocks = append(blocks, out...)
	}

	last, err := a.Flush()
	if err != nil {
		return nil, a.Stats(), err
	}
	if last != nil {
		blocks = append(blocks, *last)
	}
	return blocks, a.Stats(), nil
}
