// Package api exposes the governance engine, the unbalance workflow and the
// reviewer worklist over HTTP.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/bidgov/internal/governance"
	"github.com/sells-group/bidgov/internal/model"
	"github.com/sells-group/bidgov/internal/priority"
	"github.com/sells-group/bidgov/internal/store"
	"github.com/sells-group/bidgov/internal/unbalance"
)

// ActorHeader names the caller recorded on audit events.
const ActorHeader = "X-Actor"

const defaultActor = "api"

// Server holds the handlers' collaborators.
type Server struct {
	store    store.Store
	engine   *governance.Engine
	workflow *unbalance.Workflow
	worklist *priority.View
}

// New creates a Server.
func New(st store.Store, eng *governance.Engine, wf *unbalance.Workflow, view *priority.View) *Server {
	return &Server{store: st, engine: eng, workflow: wf, worklist: view}
}

// Handler builds the router. allowedOrigins feeds the CORS policy.
func (s *Server) Handler(allowedOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", ActorHeader},
		MaxAge:         300,
	}))

	r.Get("/health", s.health)

	r.Route("/projects/{projectID}", func(r chi.Router) {
		r.Post("/line-items", s.ingestLineItem)
		r.Get("/actionable", s.listActionable)
	})

	r.Route("/line-items/{lineItemID}", func(r chi.Router) {
		r.Get("/", s.getLineItem)
		r.Get("/quantities", s.listQuantities)
		r.Put("/quantities/{source}", s.putQuantity)
		r.Post("/quantities/{recordID}/governing", s.setGoverning)
		r.Delete("/quantities/{recordID}", s.deleteQuantity)
		r.Get("/variance", s.getVariance)
		r.Post("/variance/refresh", s.refreshVariance)
		r.Get("/recommendation", s.getRecommendation)
		r.Post("/unbalance", s.markUnbalanced)
		r.Delete("/unbalance", s.clearUnbalanced)
		r.Get("/audit", s.getAudit)
	})

	return r
}

// errorBody is the JSON shape of every failed request.
type errorBody struct {
	Error string          `json:"error"`
	Kind  model.ErrorKind `json:"kind"`
	Code  string          `json:"code,omitempty"`
}

func statusFor(kind model.ErrorKind) int {
	switch kind {
	case model.KindValidation:
		return http.StatusUnprocessableEntity
	case model.KindNotFound:
		return http.StatusNotFound
	case model.KindInvariant:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Debug("api: write response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := model.KindOf(err)
	status := statusFor(kind)
	if status == http.StatusInternalServerError {
		zap.L().Error("api: request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Kind: kind, Code: model.Code(err)})
}

func writeBadRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: msg, Kind: model.KindValidation, Code: "INVALID_BODY"})
}

func actor(r *http.Request) string {
	if a := r.Header.Get(ActorHeader); a != "" {
		return a
	}
	return defaultActor
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("api: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
