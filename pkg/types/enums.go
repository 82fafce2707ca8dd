// Package types provides enumeration type definitions for trainkit.
// All enums implement String(), Valid(), and FromString() methods
// so that configuration is validated once, at construction time.
package types

import (
	"fmt"
	"strings"
)

// ============================================================================
// Training Type Enumerations
// ============================================================================

// TrainingType represents the type of training algorithm
type TrainingType string

const (
	// TrainingTypeSFT represents Supervised Fine-Tuning
	TrainingTypeSFT TrainingType = "sft"

	// TrainingTypeDPO represents Direct Preference Optimization
	TrainingTypeDPO TrainingType = "dpo"
)

// String returns the string representation
func (tt TrainingType) String() string {
	return string(tt)
}

// Valid checks if the training type is valid
func (tt TrainingType) Valid() bool {
	switch tt {
	case TrainingTypeSFT, TrainingTypeDPO:
		return true
	default:
		return false
	}
}

// FromStringTrainingType converts string to TrainingType
func FromStringTrainingType(s string) (TrainingType, error) {
	tt := TrainingType(strings.ToLower(strings.TrimSpace(s)))
	if !tt.Valid() {
		return "", fmt.Errorf("invalid training type: %s", s)
	}
	return tt, nil
}

// ============================================================================
// Record Shape Enumerations
// ============================================================================

// RecordShape identifies which fields a dataset record carries
type RecordShape string

const (
	// RecordShapeInstruction is a {prompt, completion} record
	RecordShapeInstruction RecordShape = "instruction"

	// RecordShapeConversational is a {messages: [{role, content}]} record
	RecordShapeConversational RecordShape = "conversational"

	// RecordShapePreference is a {prompt, chosen, rejected} record
	RecordShapePreference RecordShape = "preference"

	// RecordShapeText is a free-text {text} record
	RecordShapeText RecordShape = "text"
)

// String returns the string representation
func (rs RecordShape) String() string {
	return string(rs)
}

// Valid checks if the record shape is valid
func (rs RecordShape) Valid() bool {
	switch rs {
	case RecordShapeInstruction, RecordShapeConversational, RecordShapePreference, RecordShapeText:
		return true
	default:
		return false
	}
}

// FromStringRecordShape converts string to RecordShape
func FromStringRecordShape(s string) (RecordShape, error) {
	rs := RecordShape(strings.ToLower(strings.TrimSpace(s)))
	if !rs.Valid() {
		return "", fmt.Errorf("invalid record shape: %s", s)
	}
	return rs, nil
}

// ============================================================================
// Loss Type Enumerations
// ============================================================================

// LossType selects the preference-pair loss formula
type LossType string

const (
	// LossTypeSigmoid is -log(sigmoid(beta * margin))
	LossTypeSigmoid LossType = "sigmoid"

	// LossTypeHinge is max(0, 1 - beta * margin)
	LossTypeHinge LossType = "hinge"

	// LossTypeIPO is (margin - 1/beta)^2 over length-averaged log-probs
	LossTypeIPO LossType = "ipo"

	// LossTypeConservative is the label-smoothed sigmoid loss
	LossTypeConservative LossType = "conservative"
)

// String returns the string representation
func (lt LossType) String() string {
	return string(lt)
}

// Valid checks if the loss type is valid
func (lt LossType) Valid() bool {
	switch lt {
	case LossTypeSigmoid, LossTypeHinge, LossTypeIPO, LossTypeConservative:
		return true
	default:
		return false
	}
}

// AverageLogProbs reports whether sequence log-probabilities are averaged
// over response tokens instead of summed.
func (lt LossType) AverageLogProbs() bool {
	return lt == LossTypeIPO
}

// AcceptsLabelSmoothing reports whether a non-zero noise probability is meaningful
func (lt LossType) AcceptsLabelSmoothing() bool {
	return lt == LossTypeSigmoid || lt == LossTypeConservative
}

// FromStringLossType converts string to LossType. Empty input maps to sigmoid.
func FromStringLossType(s string) (LossType, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return LossTypeSigmoid, nil
	}
	lt := LossType(s)
	if !lt.Valid() {
		return "", fmt.Errorf("invalid loss type: %s", s)
	}
	return lt, nil
}

// ============================================================================
// Reference Mode Enumerations
// ============================================================================

// ReferenceMode selects how the reference policy is materialized
type ReferenceMode string

const (
	// ReferenceModeDual uses two independently loaded models
	ReferenceModeDual ReferenceMode = "dual"

	// ReferenceModeUnloadAdapter disables the active adapter for reference passes
	ReferenceModeUnloadAdapter ReferenceMode = "unload-adapter"

	// ReferenceModeNamedAdapters switches between two named adapters
	ReferenceModeNamedAdapters ReferenceMode = "named-adapters"
)

// String returns the string representation
func (rm ReferenceMode) String() string {
	return string(rm)
}

// Valid checks if the reference mode is valid
func (rm ReferenceMode) Valid() bool {
	switch rm {
	case ReferenceModeDual, ReferenceModeUnloadAdapter, ReferenceModeNamedAdapters:
		return true
	default:
		return false
	}
}

// FromStringReferenceMode converts string to ReferenceMode
func FromStringReferenceMode(s string) (ReferenceMode, error) {
	rm := ReferenceMode(strings.ToLower(strings.TrimSpace(s)))
	if !rm.Valid() {
		return "", fmt.Errorf("invalid reference mode: %s", s)
	}
	return rm, nil
}

// ============================================================================
// Leftover Policy Enumerations
// ============================================================================

// LeftoverPolicy decides what happens to the final undersized packed block
type LeftoverPolicy string

const (
	// LeftoverDrop discards the trailing partial block
	LeftoverDrop LeftoverPolicy = "drop"

	// LeftoverPad pads the trailing partial block to full length
	LeftoverPad LeftoverPolicy = "pad"
)

// String returns the string representation
func (lp LeftoverPolicy) String() string {
	return string(lp)
}

// Valid checks if the leftover policy is valid
func (lp LeftoverPolicy) Valid() bool {
	return lp == LeftoverDrop || lp == LeftoverPad
}

// FromStringLeftoverPolicy converts string to LeftoverPolicy. Empty input maps to drop.
func FromStringLeftoverPolicy(s string) (LeftoverPolicy, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return LeftoverDrop, nil
	}
	lp := LeftoverPolicy(s)
	if !lp.Valid() {
		return "", fmt.Errorf("invalid leftover policy: %s", s)
	}
	return lp, nil
}
