package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"formapilot/collecte/internal/auth"
	"formapilot/collecte/internal/collect"
	"formapilot/collecte/internal/config"
	"formapilot/collecte/internal/errs"
	"formapilot/collecte/internal/service"
)

type Server struct {
	cfg       config.Config
	collector *service.Collector
}

func NewServer(cfg config.Config, collector *service.Collector) *Server {
	return &Server{cfg: cfg, collector: collector}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/c/{token}", s.handleOpenResource)
	r.Get("/c/{token}/receipt", s.handleReceipt)
	r.Post("/c/{token}/entries", s.handleSubmitUnit)
	r.Post("/c/{token}/draft", s.handleSaveDraft)
	r.Post("/c/{token}/finalize", s.handleFinalize)

	r.With(s.adminMiddleware).Post("/admin/resources", s.handleCreateResource)
	r.With(s.adminMiddleware).Get("/admin/resources/{resourceId}", s.handleGetResource)
	r.With(s.adminMiddleware).Post("/admin/resources/{resourceId}/extend", s.handleExtendResource)

	return r
}

// Auth

type claimsKey struct{}

func (s *Server) adminMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing_token")
			return
		}
		claims, err := auth.ParseToken(s.cfg.JWTSecret, s.cfg.JWTIssuer, token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid_token")
			return
		}
		if claims.Role != "admin" && claims.Role != "service" {
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		ctx := context.WithValue(r.Context(), claimsKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Models

type submitUnitRequest struct {
	Key     string          `json:"key"`
	Value   json.RawMessage `json:"value"`
	Contact string          `json:"contact"`
}

type submitUnitResponse struct {
	Outcome  string                `json:"outcome"`
	Resource *service.ResourceView `json:"resource"`
}

type saveDraftRequest struct {
	Values map[string]json.RawMessage `json:"values"`
}

type saveDraftResponse struct {
	Outcomes map[string]collect.Outcome `json:"outcomes"`
	Resource *service.ResourceView      `json:"resource"`
}

type finalizeRequest struct {
	Values  map[string]json.RawMessage `json:"values"`
	Contact string                     `json:"contact"`
}

type periodWindowRequest struct {
	Name     string    `json:"name"`
	StartsAt time.Time `json:"startsAt"`
	EndsAt   time.Time `json:"endsAt"`
}

type sectionRequest struct {
	ID     string `json:"id"`
	Fields []struct {
		ID       string `json:"id"`
		Required bool   `json:"required"`
	} `json:"fields"`
}

type createResourceRequest struct {
	Attendance *struct {
		TrainerID      string                `json:"trainerId"`
		ParticipantIDs []string              `json:"participantIds"`
		Periods        []periodWindowRequest `json:"periods"`
	} `json:"attendance"`
	Survey *struct {
		ExpiresAt time.Time        `json:"expiresAt"`
		Sections  []sectionRequest `json:"sections"`
	} `json:"survey"`
}

type createResourceResponse struct {
	Token    string                `json:"token"`
	Resource *service.ResourceView `json:"resource"`
}

type extendResourceRequest struct {
	Keys []string `json:"keys"`
}

type extendResourceResponse struct {
	Added    []string              `json:"added"`
	Resource *service.ResourceView `json:"resource"`
}

// Handlers

func (s *Server) handleOpenResource(w http.ResponseWriter, r *http.Request) {
	view, err := s.collector.Open(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleReceipt(w http.ResponseWriter, r *http.Request) {
	view, err := s.collector.Receipt(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleSubmitUnit(w http.ResponseWriter, r *http.Request) {
	var req submitUnitRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if req.Key == "" || len(req.Value) == 0 {
		writeError(w, http.StatusBadRequest, "missing_fields")
		return
	}
	result, err := s.collector.Submit(r.Context(), chi.URLParam(r, "token"), req.Key, req.Value, strings.TrimSpace(req.Contact))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	entriesSubmitted.WithLabelValues(result.Resource.Kind).Inc()
	if result.Completed {
		completions.WithLabelValues(result.Resource.Kind).Inc()
	}
	writeJSON(w, http.StatusOK, submitUnitResponse{
		Outcome:  string(result.Outcome),
		Resource: result.Resource,
	})
}

func (s *Server) handleSaveDraft(w http.ResponseWriter, r *http.Request) {
	var req saveDraftRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if len(req.Values) == 0 {
		writeError(w, http.StatusBadRequest, "missing_fields")
		return
	}
	result, err := s.collector.SaveDraft(r.Context(), chi.URLParam(r, "token"), req.Values)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, saveDraftResponse{
		Outcomes: result.Outcomes,
		Resource: result.Resource,
	})
}

func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	var req finalizeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if req.Values == nil {
		req.Values = map[string]json.RawMessage{}
	}
	result, err := s.collector.Finalize(r.Context(), chi.URLParam(r, "token"), req.Values, strings.TrimSpace(req.Contact))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if result.Completed {
		completions.WithLabelValues(result.Resource.Kind).Inc()
	}
	writeJSON(w, http.StatusOK, result.Resource)
}

func (s *Server) handleCreateResource(w http.ResponseWriter, r *http.Request) {
	var req createResourceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	created, err := s.collector.Create(r.Context(), mapCreateRequest(req))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, createResourceResponse{
		Token:    created.Token,
		Resource: created.Resource,
	})
}

func (s *Server) handleGetResource(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "resourceId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_resource_id")
		return
	}
	view, err := s.collector.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleExtendResource(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "resourceId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_resource_id")
		return
	}
	var req extendResourceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if len(req.Keys) == 0 {
		writeError(w, http.StatusBadRequest, "missing_fields")
		return
	}
	added, view, err := s.collector.Extend(r.Context(), id, req.Keys)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, extendResourceResponse{Added: added, Resource: view})
}

// Mapping helpers

func mapCreateRequest(req createResourceRequest) service.CreateParams {
	var params service.CreateParams
	if req.Attendance != nil {
		periods := make([]service.PeriodWindow, 0, len(req.Attendance.Periods))
		for _, p := range req.Attendance.Periods {
			periods = append(periods, service.PeriodWindow{
				Name:     collect.Period(p.Name),
				StartsAt: p.StartsAt,
				EndsAt:   p.EndsAt,
			})
		}
		params.Attendance = &service.AttendanceParams{
			TrainerID:      req.Attendance.TrainerID,
			ParticipantIDs: req.Attendance.ParticipantIDs,
			Periods:        periods,
		}
	}
	if req.Survey != nil {
		sections := make([]collect.Section, 0, len(req.Survey.Sections))
		for _, sec := range req.Survey.Sections {
			fields := make([]collect.Field, 0, len(sec.Fields))
			for _, f := range sec.Fields {
				fields = append(fields, collect.Field{ID: f.ID, Required: f.Required})
			}
			sections = append(sections, collect.Section{ID: sec.ID, Fields: fields})
		}
		params.Survey = &service.SurveyParams{
			Sections:  sections,
			ExpiresAt: req.Survey.ExpiresAt,
		}
	}
	return params
}

func writeServiceError(w http.ResponseWriter, err error) {
	var missing *collect.MissingKeysError
	switch {
	case errors.Is(err, errs.ErrTokenInvalid):
		writeError(w, http.StatusNotFound, "token_invalid")
	case errors.Is(err, errs.ErrTokenExpired):
		writeError(w, http.StatusGone, "token_expired")
	case errors.Is(err, errs.ErrResourceGone):
		writeError(w, http.StatusGone, "resource_gone")
	case errors.Is(err, errs.ErrEntryConflict):
		entryConflicts.Inc()
		writeError(w, http.StatusConflict, "entry_conflict")
	case errors.Is(err, errs.ErrResourceComplete):
		writeError(w, http.StatusConflict, "resource_complete")
	case errors.Is(err, errs.ErrUnknownKey):
		writeError(w, http.StatusBadRequest, "unknown_key")
	case errors.Is(err, errs.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found")
	case errors.Is(err, errs.ErrStorageUnavailable):
		writeError(w, http.StatusServiceUnavailable, "storage_unavailable")
	case errors.As(err, &missing):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":       "missing_keys",
			"missingKeys": collect.KeyStrings(missing.Keys),
		})
	default:
		writeError(w, http.StatusInternalServerError, "server_error")
	}
}

// Utilities

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func decodeJSON(r *http.Request, out interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(out)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}
