package tokenizer

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openeeap/trainkit/pkg/errors"
)

// runeTokenizer encodes each rune as its code point, except that "\n#"
// and " #" become single merged tokens, so a marker starting with "#"
// tokenizes differently after a newline or a space.
type runeTokenizer struct{}

const (
	mergedNewlineHash = 1000
	mergedSpaceHash   = 1001
)

func (runeTokenizer) Name() string { return "runes" }

func (runeTokenizer) Encode(ctx context.Context, text string) ([]int, error) {
	var ids []int
	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		if i+1 < len(runes) && runes[i+1] == '#' && (runes[i] == '\n' || runes[i] == ' ') {
			if runes[i] == '\n' {
				ids = append(ids, mergedNewlineHash)
			} else {
				ids = append(ids, mergedSpaceHash)
			}
			i++
			continue
		}
		ids = append(ids, int(runes[i]))
	}
	return ids, nil
}

func (runeTokenizer) Decode(ids []int) (string, error) {
	var b strings.Builder
	for _, id := range ids {
		b.WriteRune(rune(id))
	}
	return b.String(), nil
}

func (runeTokenizer) VocabSize() int { return 0 }
func (runeTokenizer) EOS() int       { return 0 }
func (runeTokenizer) Pad() int       { return 0 }

func TestResolveMarkerLiteralIDs(t *testing.T) {
	spec := MarkerSpec{IDs: []int{40, 41}, Text: "ignored"}
	ids, err := ResolveMarker(context.Background(), runeTokenizer{}, spec)
	require.NoError(t, err)
	assert.Equal(t, []int{40, 41}, ids)

	ids[0] = 0
	assert.Equal(t, 40, spec.IDs[0], "resolved ids must not alias the spec")
}

func TestResolveMarkerInContext(t *testing.T) {
	ids, err := ResolveMarker(context.Background(), runeTokenizer{}, MarkerSpec{Text: "#A", Context: "x"})
	require.NoError(t, err)
	assert.Equal(t, []int{'#', 'A'}, ids)
}

func TestResolveMarkerContextMismatch(t *testing.T) {
	// The trailing newline of the context merges with the marker's "#"
	_, err := ResolveMarker(context.Background(), runeTokenizer{}, MarkerSpec{Text: "#A", Context: "q\n"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.CodeMarkerContextMismatch))
}

func TestResolveMarkerWithoutContext(t *testing.T) {
	ids, err := ResolveMarker(context.Background(), runeTokenizer{}, MarkerSpec{Text: " #A"})
	require.NoError(t, err)
	assert.Equal(t, []int{mergedSpaceHash, 'A'}, ids)
}

func TestResolveMarkerEmpty(t *testing.T) {
	ids, err := ResolveMarker(context.Background(), runeTokenizer{}, MarkerSpec{})
	require.NoError(t, err)
	assert.Nil(t, ids)
	assert.True(t, MarkerSpec{}.IsZero())
}

func TestResolveMarkerInFormattedText(t *testing.T) {
	tok := runeTokenizer{}
	ctx := context.Background()
	marker, err := ResolveMarker(ctx, tok, MarkerSpec{Text: "#A", Context: "q:"})
	require.NoError(t, err)

	text, err := tok.Encode(ctx, "q:#A yes")
	require.NoError(t, err)
	assert.Equal(t, marker, text[2:4])
}
