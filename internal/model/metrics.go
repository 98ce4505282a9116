package model

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"
)

// mapeEpsilon floors the denominator so near-zero actuals do not blow
// the percentage error up.
const mapeEpsilon = 1e-8

// Metrics are regression quality measures over a holdout series.
type Metrics struct {
	MAE     float64 `json:"mae"`
	RMSE    float64 `json:"rmse"`
	MAPE    float64 `json:"mape"`
	R2      float64 `json:"r2"`
	Samples int     `json:"samples"`
}

// Evaluate computes MAE, RMSE, MAPE and R2 of predicted against actual.
func Evaluate(actual, predicted []float64) (Metrics, error) {
	if len(actual) == 0 {
		return Metrics{}, fmt.Errorf("evaluate: empty series")
	}
	if len(actual) != len(predicted) {
		return Metrics{}, fmt.Errorf("evaluate: %d actual vs %d predicted", len(actual), len(predicted))
	}

	var absSum, sqSum, pctSum float64
	for i := range actual {
		diff := predicted[i] - actual[i]
		absSum += math.Abs(diff)
		sqSum += diff * diff
		denom := math.Abs(actual[i])
		if denom < mapeEpsilon {
			denom = mapeEpsilon
		}
		pctSum += math.Abs(diff) / denom
	}

	n := float64(len(actual))
	m := Metrics{
		MAE:     absSum / n,
		RMSE:    math.Sqrt(sqSum / n),
		MAPE:    pctSum / n * 100,
		R2:      stat.RSquaredFrom(predicted, actual, nil),
		Samples: len(actual),
	}
	if math.IsNaN(m.R2) || math.IsInf(m.R2, 0) {
		m.R2 = 0
	}
	return m, nil
}
