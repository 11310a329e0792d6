package similarity

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Policy selects how feature dimensions are rescaled before distances are
// computed.
type Policy string

const (
	// PolicyMinMax maps each dimension to [0, 1] over the pool.
	PolicyMinMax Policy = "minmax"
	// PolicyZScore centers each dimension and divides by its standard deviation.
	PolicyZScore Policy = "zscore"
	// PolicyNone uses raw values.
	PolicyNone Policy = "none"
)

// ParsePolicy accepts "", "minmax", "zscore" and "none". The empty string
// means PolicyMinMax.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", PolicyMinMax:
		return PolicyMinMax, nil
	case PolicyZScore:
		return PolicyZScore, nil
	case PolicyNone:
		return PolicyNone, nil
	}
	return "", fmt.Errorf("unknown normalization policy %q", s)
}

// Normalize rescales rows in place, column by column, using statistics over
// all rows. Columns with zero spread become 0.
func Normalize(policy Policy, rows [][]float64) {
	if len(rows) == 0 || policy == PolicyNone {
		return
	}
	dims := len(rows[0])
	col := make([]float64, len(rows))
	for d := 0; d < dims; d++ {
		for i, r := range rows {
			col[i] = r[d]
		}
		switch policy {
		case PolicyZScore:
			mean, std := stat.MeanStdDev(col, nil)
			if len(col) < 2 || math.IsNaN(std) {
				std = 0
			}
			for _, r := range rows {
				if std == 0 {
					r[d] = 0
				} else {
					r[d] = (r[d] - mean) / std
				}
			}
		default:
			lo, hi := floats.Min(col), floats.Max(col)
			span := hi - lo
			for _, r := range rows {
				if span == 0 {
					r[d] = 0
				} else {
					r[d] = (r[d] - lo) / span
				}
			}
		}
	}
}
