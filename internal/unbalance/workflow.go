// Package unbalance implements the reviewer-driven NEUTRAL <-> UNBALANCED
// workflow on a line item.
package unbalance

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/bidgov/internal/model"
	"github.com/sells-group/bidgov/internal/store"
)

// Marking requirements.
const (
	MinJustificationLen = 10
	MinConfidence       = 50
	MaxConfidence       = 100
)

// Recalculation reasons sent to the pricing service.
const (
	ReasonMarked  = "unbalance_marked"
	ReasonCleared = "unbalance_cleared"
)

// Notifier tells the pricing service to recompute a line item.
type Notifier interface {
	Notify(ctx context.Context, req model.RecalcRequest) model.RecalcOutcome
}

// MarkInput is a reviewer's unbalancing decision.
type MarkInput struct {
	Direction     model.UnbalanceDirection `json:"direction"`
	Justification string                   `json:"justification"`
	Confidence    int                      `json:"confidence"`
	Actor         string                   `json:"actor,omitempty"`
}

// Validate checks the marking preconditions and returns the normalized
// direction and justification.
func (in MarkInput) Validate() (model.UnbalanceDirection, string, error) {
	just := strings.TrimSpace(in.Justification)
	if n := utf8.RuneCountInString(just); n < MinJustificationLen {
		return "", "", model.Errorf(model.ErrInvalidJustification,
			"justification must be at least %d characters, got %d", MinJustificationLen, n)
	}
	if in.Confidence < MinConfidence || in.Confidence > MaxConfidence {
		return "", "", model.Errorf(model.ErrInvalidConfidence,
			"confidence must be between %d and %d, got %d", MinConfidence, MaxConfidence, in.Confidence)
	}
	dir, err := model.ParseUnbalanceDirection(string(in.Direction))
	if err != nil {
		return "", "", err
	}
	return dir, just, nil
}

// Result reports the committed state and, separately, the pricing outcome.
type Result struct {
	LineItemID string               `json:"line_item_id"`
	State      model.WorkflowState  `json:"state"`
	Unbalance  model.UnbalanceState `json:"unbalance"`
	Recalc     model.RecalcOutcome  `json:"recalc"`
}

// Workflow applies unbalance transitions.
type Workflow struct {
	store    store.Store
	notifier Notifier
	now      func() time.Time
}

// New creates a Workflow. A nil notifier skips pricing notifications.
func New(st store.Store, notifier Notifier) *Workflow {
	return &Workflow{store: st, notifier: notifier, now: time.Now}
}

// MarkUnbalanced moves the line item to UNBALANCED. Marking an item that is
// already unbalanced overwrites the previous decision.
func (w *Workflow) MarkUnbalanced(ctx context.Context, lineItemID string, in MarkInput) (*Result, error) {
	dir, just, err := in.Validate()
	if err != nil {
		return nil, err
	}

	var item model.LineItem
	err = w.store.WithLineItem(ctx, lineItemID, func(ctx context.Context, tx store.Tx) error {
		prev := tx.LineItem().Unbalance
		now := w.now().UTC()
		conf := in.Confidence
		next := model.UnbalanceState{
			IsUnbalanced:  true,
			Direction:     dir,
			Justification: just,
			Confidence:    &conf,
			MarkedBy:      in.Actor,
			MarkedAt:      &now,
		}
		if err := tx.SaveUnbalance(ctx, next); err != nil {
			return err
		}

		detail := map[string]any{
			"direction":     string(dir),
			"justification": just,
			"confidence":    conf,
		}
		if prev.IsUnbalanced {
			detail["previous_direction"] = string(prev.Direction)
			detail["previous_justification"] = prev.Justification
		}
		if err := tx.AppendAudit(ctx, &model.AuditEvent{
			Action: model.AuditUnbalanceMarked,
			Actor:  in.Actor,
			Detail: detail,
		}); err != nil {
			return err
		}
		item = *tx.LineItem()
		return nil
	})
	if err != nil {
		return nil, eris.Wrapf(err, "unbalance: mark %s", lineItemID)
	}

	zap.L().Info("unbalance: line item marked",
		zap.String("line_item", item.ID),
		zap.String("project", item.ProjectID),
		zap.String("direction", string(dir)),
		zap.Int("confidence", in.Confidence),
	)
	return w.result(ctx, &item, ReasonMarked), nil
}

// ClearUnbalanced returns an UNBALANCED line item to NEUTRAL.
func (w *Workflow) ClearUnbalanced(ctx context.Context, lineItemID, actor string) (*Result, error) {
	var item model.LineItem
	err := w.store.WithLineItem(ctx, lineItemID, func(ctx context.Context, tx store.Tx) error {
		prev := tx.LineItem().Unbalance
		if !prev.IsUnbalanced {
			return model.Errorf(model.ErrNotUnbalanced, "line item %s is %s", lineItemID, model.StateNeutral)
		}

		now := w.now().UTC()
		next := model.UnbalanceState{
			MarkedAt:  prev.MarkedAt,
			ClearedAt: &now,
		}
		if err := tx.SaveUnbalance(ctx, next); err != nil {
			return err
		}

		detail := map[string]any{
			"previous_direction":     string(prev.Direction),
			"previous_justification": prev.Justification,
		}
		if prev.Confidence != nil {
			detail["previous_confidence"] = *prev.Confidence
		}
		if err := tx.AppendAudit(ctx, &model.AuditEvent{
			Action: model.AuditUnbalanceCleared,
			Actor:  actor,
			Detail: detail,
		}); err != nil {
			return err
		}
		item = *tx.LineItem()
		return nil
	})
	if err != nil {
		return nil, eris.Wrapf(err, "unbalance: clear %s", lineItemID)
	}

	zap.L().Info("unbalance: line item cleared",
		zap.String("line_item", item.ID),
		zap.String("project", item.ProjectID),
	)
	return w.result(ctx, &item, ReasonCleared), nil
}

// State returns the current unbalance state of a line item.
func (w *Workflow) State(ctx context.Context, lineItemID string) (model.UnbalanceState, error) {
	item, err := w.store.GetLineItem(ctx, lineItemID)
	if err != nil {
		return model.UnbalanceState{}, eris.Wrap(err, "unbalance: state")
	}
	return item.Unbalance, nil
}

func (w *Workflow) result(ctx context.Context, item *model.LineItem, reason string) *Result {
	res := &Result{
		LineItemID: item.ID,
		State:      item.Unbalance.State(),
		Unbalance:  item.Unbalance,
		Recalc:     model.RecalcOutcome{Status: model.RecalcSkipped},
	}
	if w.notifier != nil {
		res.Recalc = w.notifier.Notify(ctx, model.RecalcRequest{
			ProjectID:   item.ProjectID,
			LineItemID:  item.ID,
			Reason:      reason,
			RequestedAt: w.now().UTC(),
		})
	}
	if res.Recalc.Failed() {
		zap.L().Warn("unbalance: pricing recalculation failed",
			zap.String("line_item", item.ID),
			zap.String("error", res.Recalc.Error),
			zap.Bool("queued", res.Recalc.Queued),
		)
	}
	return res
}
