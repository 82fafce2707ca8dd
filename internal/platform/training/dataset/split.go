package dataset

import (
	"math/rand"

	"github.com/openeeap/trainkit/pkg/errors"
)

// Split shuffles a copy of recs with seed and holds out ratio of them for
// evaluation. The same seed always yields the same split.
func Split(recs []Record, ratio float64, seed int64) (train, eval []Record, err error) {
	if ratio < 0 || ratio >= 1 {
		return nil, nil, errors.ValidationErrorf("eval ratio must be in [0, 1), got %v", ratio)
	}

	shuffled := make([]Record, len(recs))
	copy(shuffled, recs)
	rng := rand.New(rand.NewSource(seed))
	rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	n := int(float64(len(shuffled)) * ratio)
	if ratio > 0 && n == 0 && len(shuffled) > 1 {
		n = 1
	}
	return shuffled[n:], shuffled[:n], nil
}
