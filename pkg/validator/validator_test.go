package validator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type lossSection struct {
	LossType string  `mapstructure:"loss_type" validate:"loss_type"`
	Beta     float64 `mapstructure:"beta" validate:"gt=0"`
	Marker   []int   `mapstructure:"marker" validate:"token_ids"`
}

func TestValidateEnums(t *testing.T) {
	v := New()

	t.Run("valid section", func(t *testing.T) {
		assert.NoError(t, v.Validate(&lossSection{LossType: "hinge", Beta: 0.1, Marker: []int{40, 41}}))
	})

	t.Run("empty loss type defaults to sigmoid", func(t *testing.T) {
		assert.NoError(t, v.Validate(&lossSection{Beta: 0.1}))
	})

	t.Run("unknown loss type", func(t *testing.T) {
		err := v.Validate(&lossSection{LossType: "kto", Beta: 0.1})
		require.Error(t, err)

		formatted, ok := err.(*FormattedValidationError)
		require.True(t, ok)
		require.Len(t, formatted.Errors, 1)
		assert.Equal(t, "loss_type", formatted.Errors[0].Tag)
		assert.Contains(t, err.Error(), "loss_type must be one of")
	})

	t.Run("negative token id and zero beta", func(t *testing.T) {
		err := v.Validate(&lossSection{Beta: 0, Marker: []int{3, -1}})
		require.Error(t, err)
		assert.Len(t, err.(*FormattedValidationError).Errors, 2)
	})
}

func TestValidateVar(t *testing.T) {
	v := GetValidator()
	assert.NoError(t, v.ValidateVar("pad", "leftover_policy"))
	assert.Error(t, v.ValidateVar("truncate", "leftover_policy"))
}
