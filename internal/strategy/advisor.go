// Package strategy proposes an unbalancing move from a variance result.
// Its output is advice for a reviewer and is never applied automatically.
package strategy

import (
	"fmt"

	"github.com/sells-group/bidgov/internal/model"
)

// WithinRange is the rationale for every non-actionable variance.
const WithinRange = "variance within acceptable range"

// InsufficientData is the rationale when no percentage could be computed.
const InsufficientData = "insufficient data: no reference quantity to compare against"

// Recommend maps a variance to SHORT, LONG or no strategy. Only MAJOR and
// CRITICAL variances are actionable.
func Recommend(v model.VarianceResult) model.Recommendation {
	rec := model.Recommendation{
		Significance: v.Significance,
		VariancePct:  v.VariancePct,
	}

	if !v.HasData() {
		rec.Rationale = InsufficientData
		return rec
	}
	if !v.Significance.Actionable() {
		rec.Rationale = WithinRange
		return rec
	}

	var dir model.UnbalanceDirection
	switch v.Direction {
	case model.DirectionOver:
		dir = model.UnbalanceShort
		rec.Rationale = fmt.Sprintf(
			"governing quantity exceeds reference by %.1f%% (%s): price SHORT, a lower unit price limits loss on the overrun units paid per unit",
			v.AbsPct(), v.Significance)
	case model.DirectionUnder:
		dir = model.UnbalanceLong
		rec.Rationale = fmt.Sprintf(
			"governing quantity falls short of reference by %.1f%% (%s): price LONG, a higher unit price front-loads revenue on the fewer units that will be paid",
			v.AbsPct(), v.Significance)
	default:
		rec.Rationale = WithinRange
		return rec
	}
	rec.Strategy = &dir
	return rec
}
