package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/sells-group/bidgov/internal/model"
	"github.com/sells-group/bidgov/internal/unbalance"
)

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) ingestLineItem(w http.ResponseWriter, r *http.Request) {
	var in model.LineItemInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}
	in.ProjectID = chi.URLParam(r, "projectID")

	res, err := s.engine.Ingest(r.Context(), in, actor(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, res)
}

func (s *Server) listActionable(w http.ResponseWriter, r *http.Request) {
	items, err := s.worklist.ListActionableItems(r.Context(), chi.URLParam(r, "projectID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
}

func (s *Server) getLineItem(w http.ResponseWriter, r *http.Request) {
	item, err := s.store.GetLineItem(r.Context(), chi.URLParam(r, "lineItemID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) listQuantities(w http.ResponseWriter, r *http.Request) {
	records, err := s.engine.ListQuantities(r.Context(), chi.URLParam(r, "lineItemID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

// quantityBody is the PUT payload; the source comes from the path and the
// author from the actor header.
type quantityBody struct {
	Quantity        *float64 `json:"quantity"`
	Unit            string   `json:"unit"`
	SourceReference string   `json:"source_reference,omitempty"`
	Notes           string   `json:"notes,omitempty"`
	Confidence      *int     `json:"confidence,omitempty"`
}

func (s *Server) putQuantity(w http.ResponseWriter, r *http.Request) {
	var body quantityBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}
	if body.Quantity == nil {
		writeError(w, r, model.Errorf(model.ErrInvalidQuantity, "quantity is required"))
		return
	}

	res, err := s.engine.AddOrUpdateRecord(r.Context(), chi.URLParam(r, "lineItemID"), model.RecordInput{
		Source:          model.QuantitySource(chi.URLParam(r, "source")),
		Quantity:        *body.Quantity,
		Unit:            body.Unit,
		SourceReference: body.SourceReference,
		Notes:           body.Notes,
		Confidence:      body.Confidence,
		EnteredBy:       actor(r),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, res)
}

func (s *Server) setGoverning(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.SetGoverning(r.Context(),
		chi.URLParam(r, "lineItemID"), chi.URLParam(r, "recordID"), actor(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) deleteQuantity(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.DeleteRecord(r.Context(),
		chi.URLParam(r, "lineItemID"), chi.URLParam(r, "recordID"), actor(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) getVariance(w http.ResponseWriter, r *http.Request) {
	v, err := s.engine.GetVariance(r.Context(), chi.URLParam(r, "lineItemID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) refreshVariance(w http.ResponseWriter, r *http.Request) {
	v, err := s.engine.RefreshVariance(r.Context(), chi.URLParam(r, "lineItemID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"variance": v})
}

func (s *Server) getRecommendation(w http.ResponseWriter, r *http.Request) {
	rec, err := s.engine.RecommendStrategy(r.Context(), chi.URLParam(r, "lineItemID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) markUnbalanced(w http.ResponseWriter, r *http.Request) {
	var in unbalance.MarkInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}
	in.Actor = actor(r)

	res, err := s.workflow.MarkUnbalanced(r.Context(), chi.URLParam(r, "lineItemID"), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) clearUnbalanced(w http.ResponseWriter, r *http.Request) {
	res, err := s.workflow.ClearUnbalanced(r.Context(), chi.URLParam(r, "lineItemID"), actor(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) getAudit(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeBadRequest(w, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	events, err := s.engine.GetAudit(r.Context(), chi.URLParam(r, "lineItemID"), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}
