// Package governance maintains the quantity records of each line item: the
// one-governing-record invariant, the cached variance and the audit trail of
// every committed change.
package governance

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/bidgov/internal/model"
	"github.com/sells-group/bidgov/internal/store"
	"github.com/sells-group/bidgov/internal/strategy"
	"github.com/sells-group/bidgov/internal/variance"
)

// Notifier tells the pricing service that a line item's pricing inputs
// changed. The outcome is reported to the caller and never fails the
// committed operation.
type Notifier interface {
	Notify(ctx context.Context, req model.RecalcRequest) model.RecalcOutcome
}

// Recalculation reasons sent to the pricing service.
const (
	ReasonGoverningChanged  = "governing_changed"
	ReasonGoverningQuantity = "governing_quantity_changed"
	ReasonImportSynced      = "import_synced"
)

// Engine applies governance operations to one line item at a time. It holds
// no state between calls.
type Engine struct {
	store      store.Store
	classifier *variance.Classifier
	notifier   Notifier
}

// New creates an Engine. A nil classifier uses the default thresholds; a nil
// notifier skips pricing notifications.
func New(st store.Store, classifier *variance.Classifier, notifier Notifier) *Engine {
	if classifier == nil {
		classifier = variance.Default()
	}
	return &Engine{store: st, classifier: classifier, notifier: notifier}
}

// IngestResult is returned by Ingest.
type IngestResult struct {
	LineItem model.LineItem        `json:"line_item"`
	Created  bool                  `json:"created"`
	Changed  bool                  `json:"changed"`
	Variance *model.VarianceResult `json:"variance"`
	Recalc   model.RecalcOutcome   `json:"recalc"`
}

// RecordResult is returned by AddOrUpdateRecord.
type RecordResult struct {
	Record   model.QuantityRecord  `json:"record"`
	Created  bool                  `json:"created"`
	Changed  bool                  `json:"changed"`
	Variance *model.VarianceResult `json:"variance"`
	Recalc   model.RecalcOutcome   `json:"recalc"`
}

// GoverningResult is returned by SetGoverning.
type GoverningResult struct {
	Governing model.QuantityRecord  `json:"governing"`
	Previous  string                `json:"previous_record_id,omitempty"`
	Variance  *model.VarianceResult `json:"variance"`
	Recalc    model.RecalcOutcome   `json:"recalc"`
}

// DeleteResult is returned by DeleteRecord.
type DeleteResult struct {
	Deleted  model.QuantityRecord  `json:"deleted"`
	Variance *model.VarianceResult `json:"variance"`
	Recalc   model.RecalcOutcome   `json:"recalc"`
}

// Ingest creates or refreshes a line item from the bid import. It is the
// only path that writes the EBSX_IMPORT record. A new line item gets its
// EBSX_IMPORT record as the governing record.
func (e *Engine) Ingest(ctx context.Context, in model.LineItemInput, actor string) (*IngestResult, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}

	item, created, err := e.store.EnsureLineItem(ctx, in)
	if err != nil {
		return nil, eris.Wrap(err, "governance: ensure line item")
	}

	res := &IngestResult{Created: created}
	var govChanged bool
	err = e.store.WithLineItem(ctx, item.ID, func(ctx context.Context, tx store.Tx) error {
		res.Changed, govChanged = false, false
		cur := tx.LineItem()
		if !model.SameUnit(cur.Unit, in.Unit) {
			return model.Errorf(model.ErrUnitMismatch,
				"item %s is measured in %s, import has %s", cur.ItemNumber, cur.Unit, model.NormalizeUnit(in.Unit))
		}

		records, err := tx.Quantities(ctx)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		ebsx := model.FindBySource(records, model.SourceEBSXImport)
		switch {
		case ebsx == nil:
			rec := &model.QuantityRecord{
				ID:          uuid.New().String(),
				Source:      model.SourceEBSXImport,
				Quantity:    in.BaseQuantity,
				Unit:        cur.Unit,
				IsGoverning: model.CountGoverning(records) == 0,
				EnteredBy:   actor,
				EnteredAt:   now,
			}
			if err := tx.InsertQuantity(ctx, rec); err != nil {
				return err
			}
			records = append(records, *rec)
			res.Changed = true
			if err := tx.AppendAudit(ctx, &model.AuditEvent{
				Action: model.AuditImportCreated,
				Actor:  actor,
				Detail: map[string]any{
					"record_id":    rec.ID,
					"quantity":     rec.Quantity,
					"unit":         rec.Unit,
					"is_governing": rec.IsGoverning,
				},
			}); err != nil {
				return err
			}

		case ebsx.Quantity != in.BaseQuantity:
			prev := ebsx.Quantity
			ebsx.Quantity = in.BaseQuantity
			ebsx.EnteredBy = actor
			ebsx.EnteredAt = now
			if err := tx.UpdateQuantity(ctx, ebsx); err != nil {
				return err
			}
			res.Changed = true
			govChanged = ebsx.IsGoverning
			if err := tx.AppendAudit(ctx, &model.AuditEvent{
				Action: model.AuditImportSynced,
				Actor:  actor,
				Detail: map[string]any{
					"record_id":         ebsx.ID,
					"previous_quantity": prev,
					"quantity":          ebsx.Quantity,
				},
			}); err != nil {
				return err
			}
		}

		if !created && (cur.BaseQuantity != in.BaseQuantity || (in.Description != "" && cur.Description != in.Description)) {
			upd := *cur
			upd.BaseQuantity = in.BaseQuantity
			if in.Description != "" {
				upd.Description = in.Description
			}
			if err := tx.UpdateLineItem(ctx, &upd); err != nil {
				return err
			}
		}

		if res.Changed || cur.Variance == nil {
			if err := tx.SaveVariance(ctx, e.classifier.Evaluate(records)); err != nil {
				return err
			}
		}
		res.LineItem = *tx.LineItem()
		return nil
	})
	if err != nil {
		return nil, eris.Wrapf(err, "governance: ingest %s/%s", in.ProjectID, in.ItemNumber)
	}

	res.Variance = res.LineItem.Variance
	res.Recalc = skipped()
	if govChanged {
		res.Recalc = e.notify(ctx, &res.LineItem, ReasonImportSynced)
	}
	if res.Changed {
		logCommit(&res.LineItem, "governance: line item ingested",
			zap.Bool("created", created),
			zap.String("source", string(model.SourceEBSXImport)),
		)
	}
	return res, nil
}

// AddOrUpdateRecord writes the record for in.Source, updating it in place
// when one exists. The governing flag is never changed here. EBSX_IMPORT is
// rejected; it is only written by Ingest.
func (e *Engine) AddOrUpdateRecord(ctx context.Context, lineItemID string, in model.RecordInput) (*RecordResult, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	src, _ := model.ParseQuantitySource(string(in.Source))
	if src.Immutable() {
		return nil, model.Errorf(model.ErrImmutableSource,
			"%s records are written by the bid import only", src)
	}

	res := &RecordResult{}
	var govChanged bool
	var item model.LineItem
	err := e.store.WithLineItem(ctx, lineItemID, func(ctx context.Context, tx store.Tx) error {
		res.Created, res.Changed, govChanged = false, false, false
		cur := tx.LineItem()
		if !model.SameUnit(cur.Unit, in.Unit) {
			return model.Errorf(model.ErrUnitMismatch,
				"%s is %s but line item %s is measured in %s", src, model.NormalizeUnit(in.Unit), cur.ItemNumber, cur.Unit)
		}

		records, err := tx.Quantities(ctx)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			// Line items always start with their import record; restore it
			// if the item was created without one.
			ebsx, err := e.seedImportRecord(ctx, tx, in.EnteredBy)
			if err != nil {
				return err
			}
			records = append(records, *ebsx)
		}

		now := time.Now().UTC()
		existing := model.FindBySource(records, src)
		if existing == nil {
			rec := &model.QuantityRecord{
				ID:              uuid.New().String(),
				Source:          src,
				Quantity:        in.Quantity,
				Unit:            cur.Unit,
				SourceReference: in.SourceReference,
				Notes:           in.Notes,
				Confidence:      in.Confidence,
				EnteredBy:       in.EnteredBy,
				EnteredAt:       now,
			}
			if err := tx.InsertQuantity(ctx, rec); err != nil {
				return err
			}
			records = append(records, *rec)
			res.Record, res.Created, res.Changed = *rec, true, true
			if err := tx.AppendAudit(ctx, &model.AuditEvent{
				Action: model.AuditQuantityAdded,
				Actor:  in.EnteredBy,
				Detail: map[string]any{
					"record_id": rec.ID,
					"source":    string(src),
					"quantity":  rec.Quantity,
				},
			}); err != nil {
				return err
			}
		} else {
			res.Record = *existing
			if sameObservation(existing, in) {
				item = *cur
				return nil
			}
			prev := existing.Quantity
			existing.Quantity = in.Quantity
			existing.Unit = cur.Unit
			existing.SourceReference = in.SourceReference
			existing.Notes = in.Notes
			existing.Confidence = in.Confidence
			existing.EnteredBy = in.EnteredBy
			existing.EnteredAt = now
			if err := tx.UpdateQuantity(ctx, existing); err != nil {
				return err
			}
			res.Record, res.Changed = *existing, true
			govChanged = existing.IsGoverning && prev != existing.Quantity
			if err := tx.AppendAudit(ctx, &model.AuditEvent{
				Action: model.AuditQuantityUpdated,
				Actor:  in.EnteredBy,
				Detail: map[string]any{
					"record_id":         existing.ID,
					"source":            string(src),
					"previous_quantity": prev,
					"quantity":          existing.Quantity,
				},
			}); err != nil {
				return err
			}
		}

		if res.Record.IsGoverning || variance.FeedsReference(src) || cur.Variance == nil {
			if err := tx.SaveVariance(ctx, e.classifier.Evaluate(records)); err != nil {
				return err
			}
		}
		item = *tx.LineItem()
		return nil
	})
	if err != nil {
		return nil, eris.Wrapf(err, "governance: write %s record on %s", src, lineItemID)
	}

	res.Variance = item.Variance
	res.Recalc = skipped()
	if govChanged {
		res.Recalc = e.notify(ctx, &item, ReasonGoverningQuantity)
	}
	if res.Changed {
		logCommit(&item, "governance: quantity record written",
			zap.String("source", string(src)),
			zap.String("record", res.Record.ID),
			zap.Bool("created", res.Created),
		)
	}
	return res, nil
}

// SetGoverning makes recordID the governing record of the line item. The
// previous holder is cleared in the same transaction.
func (e *Engine) SetGoverning(ctx context.Context, lineItemID, recordID, actor string) (*GoverningResult, error) {
	res := &GoverningResult{}
	var changed bool
	var item model.LineItem
	err := e.store.WithLineItem(ctx, lineItemID, func(ctx context.Context, tx store.Tx) error {
		changed = false
		records, err := tx.Quantities(ctx)
		if err != nil {
			return err
		}
		target := model.FindByID(records, recordID)
		if target == nil {
			return model.NotFoundf("quantity record %s on line item %s", recordID, lineItemID)
		}

		prev := model.Governing(records)
		if prev != nil {
			res.Previous = prev.ID
		}
		if prev != nil && prev.ID == target.ID {
			res.Governing = *target
			item = *tx.LineItem()
			return nil
		}

		if err := tx.SetGoverning(ctx, target.ID); err != nil {
			return err
		}
		for i := range records {
			records[i].IsGoverning = records[i].ID == target.ID
		}
		res.Governing = *model.FindByID(records, target.ID)
		changed = true

		detail := map[string]any{
			"record_id": target.ID,
			"source":    string(target.Source),
			"quantity":  target.Quantity,
		}
		if prev != nil {
			detail["previous_record_id"] = prev.ID
			detail["previous_source"] = string(prev.Source)
		}
		if err := tx.AppendAudit(ctx, &model.AuditEvent{
			Action: model.AuditGoverningChanged,
			Actor:  actor,
			Detail: detail,
		}); err != nil {
			return err
		}

		if err := tx.SaveVariance(ctx, e.classifier.Evaluate(records)); err != nil {
			return err
		}
		item = *tx.LineItem()
		return nil
	})
	if err != nil {
		return nil, eris.Wrapf(err, "governance: set governing %s on %s", recordID, lineItemID)
	}

	res.Variance = item.Variance
	res.Recalc = skipped()
	if changed {
		res.Recalc = e.notify(ctx, &item, ReasonGoverningChanged)
		logCommit(&item, "governance: governing record changed",
			zap.String("source", string(res.Governing.Source)),
			zap.String("record", res.Governing.ID),
		)
	}
	return res, nil
}

// DeleteRecord removes a non-governing, non-import record.
func (e *Engine) DeleteRecord(ctx context.Context, lineItemID, recordID, actor string) (*DeleteResult, error) {
	res := &DeleteResult{}
	var item model.LineItem
	err := e.store.WithLineItem(ctx, lineItemID, func(ctx context.Context, tx store.Tx) error {
		records, err := tx.Quantities(ctx)
		if err != nil {
			return err
		}
		target := model.FindByID(records, recordID)
		switch {
		case target == nil:
			return model.NotFoundf("quantity record %s on line item %s", recordID, lineItemID)
		case target.Source.Immutable():
			return model.Errorf(model.ErrCannotDeleteImmutableSource,
				"%s record %s cannot be deleted", target.Source, target.ID)
		case target.IsGoverning:
			return model.Errorf(model.ErrCannotDeleteGoverning,
				"%s record %s is governing; promote another record first", target.Source, target.ID)
		}
		res.Deleted = *target

		if err := tx.DeleteQuantity(ctx, target.ID); err != nil {
			return err
		}
		if err := tx.AppendAudit(ctx, &model.AuditEvent{
			Action: model.AuditQuantityDeleted,
			Actor:  actor,
			Detail: map[string]any{
				"record_id": target.ID,
				"source":    string(target.Source),
				"quantity":  target.Quantity,
			},
		}); err != nil {
			return err
		}

		// The reference may fall back from PLAN_SUMMARY to EBSX_IMPORT.
		if variance.FeedsReference(target.Source) {
			remaining := make([]model.QuantityRecord, 0, len(records)-1)
			for _, r := range records {
				if r.ID != target.ID {
					remaining = append(remaining, r)
				}
			}
			if err := tx.SaveVariance(ctx, e.classifier.Evaluate(remaining)); err != nil {
				return err
			}
		}
		item = *tx.LineItem()
		return nil
	})
	if err != nil {
		return nil, eris.Wrapf(err, "governance: delete record %s on %s", recordID, lineItemID)
	}

	res.Variance = item.Variance
	res.Recalc = skipped()
	logCommit(&item, "governance: quantity record deleted",
		zap.String("source", string(res.Deleted.Source)),
		zap.String("record", res.Deleted.ID),
	)
	return res, nil
}

// GetVariance returns the cached variance of a line item, computing it from
// the records when the cache is empty.
func (e *Engine) GetVariance(ctx context.Context, lineItemID string) (*model.VarianceResult, error) {
	item, err := e.store.GetLineItem(ctx, lineItemID)
	if err != nil {
		return nil, eris.Wrap(err, "governance: get variance")
	}
	if item.Variance != nil {
		return item.Variance, nil
	}

	records, err := e.store.ListQuantities(ctx, lineItemID)
	if err != nil {
		return nil, eris.Wrap(err, "governance: get variance")
	}
	v := e.classifier.Evaluate(records)
	if v == nil {
		return nil, model.NotFoundf("line item %s has no governing quantity", lineItemID)
	}
	return v, nil
}

// RecommendStrategy runs the advisor over the line item's variance.
func (e *Engine) RecommendStrategy(ctx context.Context, lineItemID string) (model.Recommendation, error) {
	v, err := e.GetVariance(ctx, lineItemID)
	if err != nil {
		return model.Recommendation{}, err
	}
	return strategy.Recommend(*v), nil
}

// RefreshVariance rebuilds the cached variance from the records, e.g. after
// the thresholds were recalibrated.
func (e *Engine) RefreshVariance(ctx context.Context, lineItemID string) (*model.VarianceResult, error) {
	var v *model.VarianceResult
	err := e.store.WithLineItem(ctx, lineItemID, func(ctx context.Context, tx store.Tx) error {
		records, err := tx.Quantities(ctx)
		if err != nil {
			return err
		}
		v = e.classifier.Evaluate(records)
		return tx.SaveVariance(ctx, v)
	})
	if err != nil {
		return nil, eris.Wrapf(err, "governance: refresh variance %s", lineItemID)
	}
	return v, nil
}

// RefreshSummary counts the outcome of RefreshProject.
type RefreshSummary struct {
	Refreshed int               `json:"refreshed"`
	Failed    map[string]string `json:"failed,omitempty"`
}

// RefreshProject rebuilds the cached variance of every line item in a
// project, one transaction per item.
func (e *Engine) RefreshProject(ctx context.Context, projectID string) (*RefreshSummary, error) {
	const pageSize = 200
	sum := &RefreshSummary{}
	for offset := 0; ; offset += pageSize {
		items, err := e.store.ListLineItems(ctx, store.LineItemFilter{
			ProjectID: projectID,
			Limit:     pageSize,
			Offset:    offset,
		})
		if err != nil {
			return sum, eris.Wrapf(err, "governance: list project %s", projectID)
		}
		for _, it := range items {
			if err := ctx.Err(); err != nil {
				return sum, eris.Wrap(err, "governance: refresh project")
			}
			if _, err := e.RefreshVariance(ctx, it.ID); err != nil {
				if sum.Failed == nil {
					sum.Failed = make(map[string]string)
				}
				sum.Failed[it.ItemNumber] = err.Error()
				zap.L().Warn("governance: refresh failed",
					zap.String("line_item", it.ID),
					zap.Error(err),
				)
				continue
			}
			sum.Refreshed++
		}
		if len(items) < pageSize {
			return sum, nil
		}
	}
}

// ListQuantities returns the records of a line item.
func (e *Engine) ListQuantities(ctx context.Context, lineItemID string) ([]model.QuantityRecord, error) {
	if _, err := e.store.GetLineItem(ctx, lineItemID); err != nil {
		return nil, eris.Wrap(err, "governance: list quantities")
	}
	records, err := e.store.ListQuantities(ctx, lineItemID)
	return records, eris.Wrap(err, "governance: list quantities")
}

// GetAudit returns the change history of a line item, oldest first.
func (e *Engine) GetAudit(ctx context.Context, lineItemID string, limit int) ([]model.AuditEvent, error) {
	if _, err := e.store.GetLineItem(ctx, lineItemID); err != nil {
		return nil, eris.Wrap(err, "governance: get audit")
	}
	events, err := e.store.ListAudit(ctx, lineItemID, limit)
	return events, eris.Wrap(err, "governance: get audit")
}

// seedImportRecord creates the governing EBSX_IMPORT record from the line
// item's base quantity.
func (e *Engine) seedImportRecord(ctx context.Context, tx store.Tx, actor string) (*model.QuantityRecord, error) {
	cur := tx.LineItem()
	rec := &model.QuantityRecord{
		ID:          uuid.New().String(),
		Source:      model.SourceEBSXImport,
		Quantity:    cur.BaseQuantity,
		Unit:        cur.Unit,
		IsGoverning: true,
		EnteredBy:   actor,
		EnteredAt:   time.Now().UTC(),
	}
	if err := tx.InsertQuantity(ctx, rec); err != nil {
		return nil, err
	}
	err := tx.AppendAudit(ctx, &model.AuditEvent{
		Action: model.AuditImportCreated,
		Actor:  actor,
		Detail: map[string]any{
			"record_id":    rec.ID,
			"quantity":     rec.Quantity,
			"unit":         rec.Unit,
			"is_governing": true,
		},
	})
	return rec, err
}

func (e *Engine) notify(ctx context.Context, item *model.LineItem, reason string) model.RecalcOutcome {
	if e.notifier == nil {
		return skipped()
	}
	return e.notifier.Notify(ctx, model.RecalcRequest{
		ProjectID:   item.ProjectID,
		LineItemID:  item.ID,
		Reason:      reason,
		RequestedAt: time.Now().UTC(),
	})
}

func skipped() model.RecalcOutcome {
	return model.RecalcOutcome{Status: model.RecalcSkipped}
}

// sameObservation reports whether in would leave rec unchanged.
func sameObservation(rec *model.QuantityRecord, in model.RecordInput) bool {
	if rec.Quantity != in.Quantity || rec.SourceReference != in.SourceReference ||
		rec.Notes != in.Notes || rec.EnteredBy != in.EnteredBy {
		return false
	}
	switch {
	case rec.Confidence == nil && in.Confidence == nil:
		return true
	case rec.Confidence == nil || in.Confidence == nil:
		return false
	default:
		return *rec.Confidence == *in.Confidence
	}
}

func logCommit(item *model.LineItem, msg string, fields ...zap.Field) {
	fields = append(fields,
		zap.String("line_item", item.ID),
		zap.String("project", item.ProjectID),
	)
	if item.Variance != nil {
		fields = append(fields, zap.String("significance", string(item.Variance.Significance)))
	}
	zap.L().Info(msg, fields...)
}
