// Package variance classifies the disagreement between a line item's
// governing quantity and its reference quantity.
package variance

import (
	"math"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/bidgov/internal/model"
)

// Default tier breakpoints, in absolute percent. Each value is the inclusive
// lower bound of its tier: |pct| < DefaultMinorPct is MATCH, from
// DefaultMinorPct is MINOR, from DefaultModeratePct is MODERATE, from
// DefaultMajorPct is MAJOR and from DefaultCriticalPct is CRITICAL.
const (
	DefaultMinorPct    = 2.0
	DefaultModeratePct = 5.0
	DefaultMajorPct    = 15.0
	DefaultCriticalPct = 30.0
)

// Thresholds holds the significance breakpoints. Operators override them via
// the variance.* config keys.
type Thresholds struct {
	MinorPct    float64 `yaml:"minor_pct" mapstructure:"minor_pct"`
	ModeratePct float64 `yaml:"moderate_pct" mapstructure:"moderate_pct"`
	MajorPct    float64 `yaml:"major_pct" mapstructure:"major_pct"`
	CriticalPct float64 `yaml:"critical_pct" mapstructure:"critical_pct"`
}

// DefaultThresholds returns the documented breakpoints.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinorPct:    DefaultMinorPct,
		ModeratePct: DefaultModeratePct,
		MajorPct:    DefaultMajorPct,
		CriticalPct: DefaultCriticalPct,
	}
}

// Validate requires non-negative, strictly ascending breakpoints.
func (t Thresholds) Validate() error {
	if t.MinorPct < 0 {
		return eris.Errorf("variance: minor_pct %g is negative", t.MinorPct)
	}
	if t.ModeratePct <= t.MinorPct || t.MajorPct <= t.ModeratePct || t.CriticalPct <= t.MajorPct {
		return eris.Errorf("variance: thresholds must be ascending, got %g/%g/%g/%g",
			t.MinorPct, t.ModeratePct, t.MajorPct, t.CriticalPct)
	}
	return nil
}

// Tier maps an absolute percentage to its significance.
func (t Thresholds) Tier(absPct float64) model.Significance {
	switch {
	case absPct >= t.CriticalPct:
		return model.SignificanceCritical
	case absPct >= t.MajorPct:
		return model.SignificanceMajor
	case absPct >= t.ModeratePct:
		return model.SignificanceModerate
	case absPct >= t.MinorPct:
		return model.SignificanceMinor
	default:
		return model.SignificanceMatch
	}
}

// Classifier is a pure, deterministic variance calculator.
type Classifier struct {
	thresholds Thresholds
	now        func() time.Time
}

// NewClassifier returns a Classifier using t.
func NewClassifier(t Thresholds) (*Classifier, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &Classifier{thresholds: t, now: time.Now}, nil
}

// Default returns a Classifier with the default thresholds.
func Default() *Classifier {
	return &Classifier{thresholds: DefaultThresholds(), now: time.Now}
}

// Thresholds returns the breakpoints in use.
func (c *Classifier) Thresholds() Thresholds {
	return c.thresholds
}

// Classify compares governing against reference. A nil or zero reference
// yields a nil VariancePct with MATCH direction and significance.
func (c *Classifier) Classify(governing float64, reference *float64) model.VarianceResult {
	res := model.VarianceResult{
		GoverningQuantity: governing,
		Direction:         model.DirectionMatch,
		Significance:      model.SignificanceMatch,
		ComputedAt:        c.now().UTC(),
	}
	if reference == nil {
		return res
	}
	ref := *reference
	res.ReferenceQuantity = &ref
	if ref == 0 {
		return res
	}

	pct := (governing - ref) * 100 / ref
	res.VariancePct = &pct
	switch {
	case pct > 0:
		res.Direction = model.DirectionOver
	case pct < 0:
		res.Direction = model.DirectionUnder
	}
	res.Significance = c.thresholds.Tier(math.Abs(pct))
	return res
}

// Evaluate classifies a line item's records: governing against the reference
// chosen by SelectReference. With no governing record the result is nil.
func (c *Classifier) Evaluate(records []model.QuantityRecord) *model.VarianceResult {
	gov := model.Governing(records)
	if gov == nil {
		return nil
	}

	var refQty *float64
	ref := SelectReference(records)
	if ref != nil {
		q := ref.Quantity
		refQty = &q
	}

	res := c.Classify(gov.Quantity, refQty)
	res.GoverningSource = gov.Source
	if ref != nil {
		res.ReferenceSource = ref.Source
	}
	return &res
}

// SelectReference picks the record governing quantities are compared
// against: PLAN_SUMMARY when present, else EBSX_IMPORT. It does not depend
// on which record is governing.
func SelectReference(records []model.QuantityRecord) *model.QuantityRecord {
	if r := model.FindBySource(records, model.SourcePlanSummary); r != nil {
		return r
	}
	return model.FindBySource(records, model.SourceEBSXImport)
}

// FeedsReference reports whether src can be chosen by SelectReference.
func FeedsReference(src model.QuantitySource) bool {
	return src == model.SourcePlanSummary || src == model.SourceEBSXImport
}
