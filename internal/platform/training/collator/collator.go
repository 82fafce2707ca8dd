// Package collator pads token sequences into batches and masks every
// label outside the response spans.
package collator

import (
	"fmt"

	"github.com/openeeap/trainkit/internal/platform/training/tokenizer"
	"github.com/openeeap/trainkit/pkg/errors"
)

// IgnoreIndex marks label positions excluded from the loss
const IgnoreIndex = tokenizer.IgnoreIndex

// Config defines masking and padding
type Config struct {
	// ResponseMarker ids open every trainable span
	ResponseMarker []int

	// InstructionMarker ids, when set, close a trainable span
	InstructionMarker []int

	PadID int

	// PadToMultipleOf rounds the batch length up; 0 disables
	PadToMultipleOf int

	// MaxLength truncates sequences before masking; 0 disables
	MaxLength int
}

// Batch is a padded batch. All rows share one length.
type Batch struct {
	IDs           []string
	InputIDs      [][]int
	AttentionMask [][]int
	Labels        [][]int
}

// Len returns the number of rows
func (b *Batch) Len() int {
	return len(b.InputIDs)
}

// SeqLen returns the padded row length
func (b *Batch) SeqLen() int {
	if len(b.InputIDs) == 0 {
		return 0
	}
	return len(b.InputIDs[0])
}

// TrainableTokens counts labels that take part in the loss
func (b *Batch) TrainableTokens() int {
	n := 0
	for _, row := range b.Labels {
		for _, l := range row {
			if l != IgnoreIndex {
				n++
			}
		}
	}
	return n
}

// LabeledSequence is an unpadded row whose labels are already computed
type LabeledSequence struct {
	ID            string
	InputIDs      []int
	AttentionMask []int
	Labels        []int
}

// MarkerNotFoundError reports a sequence without its response marker
type MarkerNotFoundError struct {
	SequenceID string
	Index      int
	Marker     []int
}

// Error implements error
func (e *MarkerNotFoundError) Error() string {
	return fmt.Sprintf("[%s] sequence %s (index %d): response marker %v not found",
		errors.CodeMarkerNotFound, e.SequenceID, e.Index, e.Marker)
}

// Unwrap exposes the error code to errors.Is
func (e *MarkerNotFoundError) Unwrap() error {
	return errors.New(errors.CodeMarkerNotFound, "response marker not found").
		WithDetails("sequence", e.SequenceID).
		WithDetails("index", e.Index)
}

// Collator builds completion-only batches
type Collator struct {
	cfg Config
}

// New validates cfg
func New(cfg Config) (*Collator, error) {
	if len(cfg.ResponseMarker) == 0 {
		return nil, errors.ConfigError("response marker ids are required")
	}
	if cfg.PadToMultipleOf < 0 || cfg.MaxLength < 0 {
		return nil, errors.ConfigError("pad_to_multiple_of and max_length must be non-negative")
	}
	if cfg.MaxLength > 0 && cfg.MaxLength <= len(cfg.ResponseMarker) {
		return nil, errors.ConfigErrorf("max length %d leaves no room after the response marker", cfg.MaxLength)
	}
	return &Collator{cfg: cfg}, nil
}

// Config returns the collator configuration
func (c *Collator) Config() Config {
	return c.cfg
}

// Collate masks and pads seqs. Every sequence missing its response
// marker is reported; no partial batch is returned.
func (c *Collator) Collate(seqs []tokenizer.TokenSequence) (*Batch, error) {
	rows := make([]LabeledSequence, len(seqs))
	var errs []error
	for i, seq := range seqs {
		row, err := c.label(i, seq)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		rows[i] = row
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return Pad(rows, c.cfg.PadID, c.cfg.PadToMultipleOf), nil
}

// Mask returns the labels of one unpadded sequence
func (c *Collator) Mask(seq tokenizer.TokenSequence) ([]int, error) {
	row, err := c.label(0, seq)
	if err != nil {
		return nil, err
	}
	return row.Labels, nil
}

// Validate reports every sequence whose marker is missing
func (c *Collator) Validate(seqs []tokenizer.TokenSequence) []error {
	var errs []error
	for i, seq := range seqs {
		if _, err := c.label(i, seq); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func (c *Collator) label(index int, seq tokenizer.TokenSequence) (LabeledSequence, error) {
	ids, mask := seq.InputIDs, seq.AttentionMask
	if c.cfg.MaxLength > 0 && len(ids) > c.cfg.MaxLength {
		ids = ids[:c.cfg.MaxLength]
	}
	if len(mask) != len(seq.InputIDs) {
		mask = nil
	} else {
		mask = mask[:len(ids)]
	}

	var labels []int
	if len(c.cfg.InstructionMarker) > 0 {
		labels = maskTurns(ids, c.cfg.ResponseMarker, c.cfg.InstructionMarker)
	} else {
		labels = maskResponse(ids, c.cfg.ResponseMarker)
	}
	if labels == nil {
		return LabeledSequence{}, &MarkerNotFoundError{SequenceID: seq.ID, Index: index, Marker: c.cfg.ResponseMarker}
	}

	row := LabeledSequence{
		ID:            seq.ID,
		InputIDs:      append([]int(nil), ids...),
		AttentionMask: make([]int, len(ids)),
		Labels:        labels,
	}
	for i := range row.AttentionMask {
		if mask == nil {
			row.AttentionMask[i] = 1
		} else {
			row.AttentionMask[i] = mask[i]
		}
	}
	return row, nil
}

// maskResponse ignores everything up to the end of the first marker.
// It returns nil when the marker is absent.
func maskResponse(ids, marker []int) []int {
	k := FindSubsequence(ids, marker, 0)
	if k < 0 {
		return nil
	}
	labels := make([]int, len(ids))
	end := k + len(marker)
	for i := range labels {
		if i < end {
			labels[i] = IgnoreIndex
		} else {
			labels[i] = ids[i]
		}
	}
	return labels
}

// maskTurns keeps every span that runs from the end of a response marker
// up to the next instruction marker. It returns nil when no response
// marker is present.
func maskTurns(ids, response, instruction []int) []int {
	labels := make([]int, len(ids))
	for i := range labels {
		labels[i] = IgnoreIndex
	}

	found := false
	for pos := 0; ; {
		k := FindSubsequence(ids, response, pos)
		if k < 0 {
			break
		}
		found = true
		start := k + len(response)
		end := FindSubsequence(ids, instruction, start)
		if end < 0 {
			end = len(ids)
		}
		copy(labels[start:end], ids[start:end])
		pos = end
		if pos >= len(ids) {
			break
		}
	}

	if !found {
		return nil
	}
	return labels
}

// FindSubsequence returns the first index >= from where needle occurs in
// haystack, or -1.
func FindSubsequence(haystack, needle []int, from int) int {
	if len(needle) == 0 || from < 0 {
		return -1
	}
	for i := from; i+len(needle) <= len(haystack); i++ {
		match := true
		for j, id := range needle {
			if haystack[i+j] != id {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}

// Pad right-pads rows to the longest row, rounded up to multiple when
// positive. Padding has attention 0 and ignored labels.
func Pad(rows []LabeledSequence, padID, multiple int) *Batch {
	maxLen := 0
	for _, r := range rows {
		if len(r.InputIDs) > maxLen {
			maxLen = len(r.InputIDs)
		}
	}
	if multiple > 0 && maxLen%multiple != 0 {
		maxLen += multiple - maxLen%multiple
	}

	batch := &Batch{
		IDs:           make([]string, len(rows)),
		InputIDs:      make([][]int, len(rows)),
		AttentionMask: make([][]int, len(rows)),
		Labels:        make([][]int, len(rows)),
	}
	for i, r := range rows {
		ids := make([]int, maxLen)
		mask := make([]int, maxLen)
		labels := make([]int, maxLen)
		copy(ids, r.InputIDs)
		copy(labels, r.Labels)
		if len(r.AttentionMask) == len(r.InputIDs) {
			copy(mask, r.AttentionMask)
		} else {
			for j := range r.InputIDs {
				mask[j] = 1
			}
		}
		for j := len(r.InputIDs); j < maxLen; j++ {
			ids[j] = padID
			labels[j] = IgnoreIndex
		}
		batch.IDs[i] = r.ID
		batch.InputIDs[i] = ids
		batch.AttentionMask[i] = mask
		batch.Labels[i] = labels
	}
	return batch
}
