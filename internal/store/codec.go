package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/bidgov/internal/model"
)

// The cached variance, the unbalance state, audit detail and outbox requests
// are stored as JSON documents (JSONB in Postgres, TEXT in SQLite).

func encodeVariance(v *model.VarianceResult) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	return b, eris.Wrap(err, "marshal variance")
}

func decodeVariance(b []byte) (*model.VarianceResult, error) {
	if len(b) == 0 || string(b) == "null" {
		return nil, nil
	}
	var v model.VarianceResult
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, eris.Wrap(err, "unmarshal variance")
	}
	return &v, nil
}

func encodeUnbalance(u model.UnbalanceState) ([]byte, error) {
	b, err := json.Marshal(u)
	return b, eris.Wrap(err, "marshal unbalance")
}

func decodeUnbalance(b []byte) (model.UnbalanceState, error) {
	var u model.UnbalanceState
	if len(b) == 0 {
		return u, nil
	}
	err := json.Unmarshal(b, &u)
	return u, eris.Wrap(err, "unmarshal unbalance")
}

func encodeDetail(d map[string]any) ([]byte, error) {
	if d == nil {
		d = map[string]any{}
	}
	b, err := json.Marshal(d)
	return b, eris.Wrap(err, "marshal audit detail")
}

func decodeDetail(b []byte) (map[string]any, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var d map[string]any
	err := json.Unmarshal(b, &d)
	return d, eris.Wrap(err, "unmarshal audit detail")
}

// prepareAudit fills the generated fields of an audit event.
func prepareAudit(ev *model.AuditEvent, lineItemID string) {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	ev.LineItemID = lineItemID
}

// prepareOutbox fills the generated fields of an outbox entry.
func prepareOutbox(e *model.RecalcOutboxEntry) {
	now := time.Now().UTC()
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if e.LastFailedAt.IsZero() {
		e.LastFailedAt = now
	}
	if e.NextRetryAt.IsZero() {
		e.NextRetryAt = now
	}
}

func newLineItem(in model.LineItemInput) *model.LineItem {
	now := time.Now().UTC()
	return &model.LineItem{
		ID:           uuid.New().String(),
		ProjectID:    in.ProjectID,
		ItemNumber:   in.ItemNumber,
		Description:  in.Description,
		Unit:         model.NormalizeUnit(in.Unit),
		BaseQuantity: in.BaseQuantity,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func encodeRequest(r model.RecalcRequest) ([]byte, error) {
	b, err := json.Marshal(r)
	return b, eris.Wrap(err, "marshal recalc request")
}

func decodeRequest(b []byte) (model.RecalcRequest, error) {
	var r model.RecalcRequest
	err := json.Unmarshal(b, &r)
	return r, eris.Wrap(err, "unmarshal recalc request")
}
