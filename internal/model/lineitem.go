package model

import (
	"strings"
	"time"
)

// LineItem is a single bid schedule item. Variance and Unbalance are owned by
// the engine and are never edited directly.
type LineItem struct {
	ID           string          `json:"id"`
	ProjectID    string          `json:"project_id"`
	ItemNumber   string          `json:"item_number"`
	Description  string          `json:"description,omitempty"`
	Unit         string          `json:"unit"`
	BaseQuantity float64         `json:"base_quantity"`
	Variance     *VarianceResult `json:"variance,omitempty"`
	Unbalance    UnbalanceState  `json:"unbalance"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// LineItemInput is one row of a bid schedule as delivered by the import path.
type LineItemInput struct {
	ProjectID    string  `json:"project_id"`
	ItemNumber   string  `json:"item_number"`
	Description  string  `json:"description,omitempty"`
	Unit         string  `json:"unit"`
	BaseQuantity float64 `json:"base_quantity"`
}

// Validate checks required fields.
func (in LineItemInput) Validate() error {
	switch {
	case strings.TrimSpace(in.ProjectID) == "":
		return Errorf(ErrInvalidLineItem, "project id is required")
	case strings.TrimSpace(in.ItemNumber) == "":
		return Errorf(ErrInvalidLineItem, "item number is required")
	case NormalizeUnit(in.Unit) == "":
		return Errorf(ErrInvalidLineItem, "unit is required for item %s", in.ItemNumber)
	case in.BaseQuantity < 0:
		return Errorf(ErrInvalidQuantity, "base quantity %g is negative for item %s", in.BaseQuantity, in.ItemNumber)
	}
	return nil
}

// UnbalanceDirection is the pricing move applied to an unbalanced item.
// The same values name the Advisor's recommended strategy.
type UnbalanceDirection string

const (
	// UnbalanceShort lowers the unit price to limit loss on overrun units.
	UnbalanceShort UnbalanceDirection = "SHORT"
	// UnbalanceLong raises the unit price to front-load revenue.
	UnbalanceLong UnbalanceDirection = "LONG"
)

// ParseUnbalanceDirection accepts SHORT or LONG in any case.
func ParseUnbalanceDirection(s string) (UnbalanceDirection, error) {
	switch UnbalanceDirection(strings.ToUpper(strings.TrimSpace(s))) {
	case UnbalanceShort:
		return UnbalanceShort, nil
	case UnbalanceLong:
		return UnbalanceLong, nil
	}
	return "", Errorf(ErrInvalidDirection, "direction must be SHORT or LONG, got %q", s)
}

// WorkflowState is the unbalance workflow state of a line item.
type WorkflowState string

const (
	StateNeutral    WorkflowState = "NEUTRAL"
	StateUnbalanced WorkflowState = "UNBALANCED"
)

// UnbalanceState is embedded on the line item. Direction, Justification and
// Confidence are set together when IsUnbalanced and are all empty otherwise.
type UnbalanceState struct {
	IsUnbalanced  bool               `json:"is_unbalanced"`
	Direction     UnbalanceDirection `json:"direction,omitempty"`
	Justification string             `json:"justification,omitempty"`
	Confidence    *int               `json:"confidence,omitempty"`
	MarkedBy      string             `json:"marked_by,omitempty"`
	MarkedAt      *time.Time         `json:"marked_at,omitempty"`
	ClearedAt     *time.Time         `json:"cleared_at,omitempty"`
}

// State maps the flag onto the workflow state machine.
func (u UnbalanceState) State() WorkflowState {
	if u.IsUnbalanced {
		return StateUnbalanced
	}
	return StateNeutral
}

// Consistent reports whether the both-present-or-both-absent rule holds.
func (u UnbalanceState) Consistent() bool {
	if u.IsUnbalanced {
		return u.Direction != "" && u.Justification != "" && u.Confidence != nil
	}
	return u.Direction == "" && u.Justification == "" && u.Confidence == nil
}

// Recommendation is the Advisor's advisory output. Strategy is nil when the
// variance is not actionable.
type Recommendation struct {
	Strategy     *UnbalanceDirection `json:"strategy"`
	Rationale    string              `json:"rationale"`
	Significance Significance        `json:"significance"`
	VariancePct  *float64            `json:"variance_pct"`
}
