package packing

import (
	"math/rand"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openeeap/trainkit/internal/platform/training/tokenizer"
	"github.com/openeeap/trainkit/pkg/errors"
	"github.com/openeeap/trainkit/pkg/types"
)

const eos = 2

func seq(id string, ids ...int) tokenizer.TokenSequence {
	return tokenizer.NewSequence(id, ids)
}

func TestAddEmitsCompleteBlocks(t *testing.T) {
	a, err := New(Config{BlockLength: 4, Separator: []int{eos}})
	require.NoError(t, err)

	blocks, err := a.Add(seq("a", 10, 11, 12))
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	assert.Equal(t, []int{10, 11, 12, eos}, blocks[0].InputIDs)
	assert.Equal(t, []int{1, 1, 1, 1}, blocks[0].AttentionMask)
	assert.Equal(t, blocks[0].InputIDs, blocks[0].Labels)
	assert.Equal(t, 0, a.Buffered())

	blocks, err = a.Add(seq("b", 20, 21))
	require.NoError(t, err)
	assert.Empty(t, blocks)
	assert.Equal(t, 3, a.Buffered())

	blocks, err = a.Add(seq("c", 30, 31, 32, 33, 34))
	require.NoError(t, err)
	require.Len(t, blocks, 2)
	assert.Equal(t, []int{20, 21, eos, 30}, blocks[0].InputIDs)
	assert.Equal(t, []int{31, 32, 33, 34}, blocks[1].InputIDs)
	assert.Equal(t, 1, a.Buffered())
}

func TestFlushDrop(t *testing.T) {
	a, err := New(Config{BlockLength: 4, Separator: []int{eos}})
	require.NoError(t, err)
	_, err = a.Add(seq("a", 1, 3, 4, 5, 6))
	require.NoError(t, err)

	last, err := a.Flush()
	require.NoError(t, err)
	assert.Nil(t, last)

	stats := a.Stats()
	assert.Equal(t, 6, stats.TokensIn)
	assert.Equal(t, 4, stats.TokensEmitted)
	assert.Equal(t, 2, stats.TokensDropped)
	assert.Equal(t, 1, stats.Blocks)
}

func TestFlushPad(t *testing.T) {
	a, err := New(Config{BlockLength: 4, Separator: []int{eos}, Leftover: types.LeftoverPad, PadID: 0})
	require.NoError(t, err)
	_, err = a.Add(seq("a", 7))
	require.NoError(t, err)

	last, err := a.Flush()
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, []int{7, eos, 0, 0}, last.InputIDs)
	assert.Equal(t, []int{1, 1, 0, 0}, last.AttentionMask)
	assert.Equal(t, []int{7, eos, tokenizer.IgnoreIndex, tokenizer.IgnoreIndex}, last.Labels)
	assert.Equal(t, 2, last.Padding())
	assert.Equal(t, 2, a.Stats().TokensPadded)
}

func TestFlushTwiceAndAddAfterFlush(t *testing.T) {
	a, err := New(Config{BlockLength: 2})
	require.NoError(t, err)
	_, err = a.Flush()
	require.NoError(t, err)

	_, err = a.Flush()
	assert.Error(t, err)
	_, err = a.Add(seq("x", 1))
	assert.Error(t, err)
}

func TestVocabMismatchRejectsWholeSequence(t *testing.T) {
	a, err := New(Config{BlockLength: 3, Separator: []int{eos}, VocabSize: 50})
	require.NoError(t, err)
	_, err = a.Add(seq("ok", 1))
	require.NoError(t, err)

	_, err = a.Add(seq("bad", 3, 99, 4))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.CodeVocabMismatch))
	assert.Contains(t, err.Error(), "sequence bad")
	assert.Equal(t, 2, a.Buffered())
	assert.Equal(t, 1, a.Stats().Sequences)
}

func TestNewValidatesConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"zero block length", Config{BlockLength: 0}},
		{"bad leftover", Config{BlockLength: 4, Leftover: "keep"}},
		{"separator outside vocab", Config{BlockLength: 4, Separator: []int{60}, VocabSize: 50}},
		{"negative pad", Config{BlockLength: 4, Leftover: types.LeftoverPad, PadID: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg)
			assert.True(t, errors.Is(err, errors.CodeInvalidConfig))
		})
	}
}

func TestPackInvariants(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	for _, policy := range []types.LeftoverPolicy{types.LeftoverDrop, types.LeftoverPad} {
		for _, blockLength := range []int{1, 3, 16, 128} {
			seqs := make([]tokenizer.TokenSequence, 50)
			total := 0
			for i := range seqs {
				ids := make([]int, rng.Intn(40))
				for j := range ids {
					ids[j] = 3 + rng.Intn(100)
				}
				seqs[i] = seq(strconv.Itoa(i), ids...)
				total += len(ids) + 1
			}

			cfg := Config{BlockLength: blockLength, Separator: []int{eos}, Leftover: policy, VocabSize: 200}
			blocks, stats, err := Pack(seqs, cfg)
			require.NoError(t, err)

			for _, b := range blocks {
				assert.Len(t, b.InputIDs, blockLength)
				assert.Len(t, b.AttentionMask, blockLength)
				assert.Len(t, b.Labels, blockLength)
			}
			assert.Equal(t, total, stats.TokensIn)
			assert.Equal(t, stats.TokensIn, stats.TokensEmitted+stats.TokensDropped)
			assert.Less(t, stats.TokensDropped+stats.TokensPadded, blockLength)
			assert.Equal(t, len(blocks), stats.Blocks)

			if policy == types.LeftoverPad {
				assert.Zero(t, stats.TokensDropped)
			} else {
				assert.Zero(t, stats.TokensPadded)
			}

			counted := 0
			for _, b := range blocks {
				counted += blockLength - b.Padding()
			}
			assert.Equal(t, stats.TokensEmitted, counted)
		}
	}
}

func TestPackPreservesTokenOrder(t *testing.T) {
	seqs := []tokenizer.TokenSequence{seq("a", 5, 6), seq("b", 7), seq("c", 8, 9, 10)}
	blocks, _, err := Pack(seqs, Config{BlockLength: 3, Separator: []int{}, Leftover: types.LeftoverPad, PadID: 0})
	require.NoError(t, err)

	var stream []int
	for _, b := range blocks {
		for i, id := range b.InputIDs {
			if b.AttentionMask[i] == 1 {
				stream = append(stream, id)
			}
		}
	}
	assert.Equal(t, []int{5, 6, 7, 8, 9, 10}, stream)
}
