package model

import (
	"math"
	"time"
)

// Direction is the sign of governing minus reference.
type Direction string

const (
	DirectionOver  Direction = "OVER"
	DirectionUnder Direction = "UNDER"
	DirectionMatch Direction = "MATCH"
)

// Significance is the tier of the absolute variance percentage.
type Significance string

const (
	SignificanceMatch    Significance = "MATCH"
	SignificanceMinor    Significance = "MINOR"
	SignificanceModerate Significance = "MODERATE"
	SignificanceMajor    Significance = "MAJOR"
	SignificanceCritical Significance = "CRITICAL"
)

// Rank orders tiers from MATCH (0) to CRITICAL (4). Unknown tiers rank -1.
func (s Significance) Rank() int {
	switch s {
	case SignificanceMatch:
		return 0
	case SignificanceMinor:
		return 1
	case SignificanceModerate:
		return 2
	case SignificanceMajor:
		return 3
	case SignificanceCritical:
		return 4
	default:
		return -1
	}
}

// Actionable reports whether the tier warrants an unbalancing decision.
func (s Significance) Actionable() bool {
	return s == SignificanceMajor || s == SignificanceCritical
}

// VarianceResult compares the governing quantity against the reference.
// It is derived from the quantity records and cached on the line item.
type VarianceResult struct {
	GoverningQuantity float64        `json:"governing_quantity"`
	GoverningSource   QuantitySource `json:"governing_source,omitempty"`
	ReferenceQuantity *float64       `json:"reference_quantity"`
	ReferenceSource   QuantitySource `json:"reference_source,omitempty"`
	// VariancePct is nil when the reference is absent or zero. That is
	// "insufficient data", not agreement, even though Significance is MATCH.
	VariancePct  *float64     `json:"variance_pct"`
	Direction    Direction    `json:"direction"`
	Significance Significance `json:"significance"`
	ComputedAt   time.Time    `json:"computed_at"`
}

// HasData reports whether a percentage could be computed.
func (v VarianceResult) HasData() bool {
	return v.VariancePct != nil
}

// AbsPct returns |VariancePct|, or 0 without data.
func (v VarianceResult) AbsPct() float64 {
	if v.VariancePct == nil {
		return 0
	}
	return math.Abs(*v.VariancePct)
}
