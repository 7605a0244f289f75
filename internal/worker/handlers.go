package worker

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/promptcluster/internal/db/gorm"
	"github.com/thebtf/promptcluster/internal/embedding"
	"github.com/thebtf/promptcluster/internal/ingest"
	"github.com/thebtf/promptcluster/internal/worker/sse"
	"github.com/thebtf/promptcluster/pkg/models"
)

// writeJSON writes a 200 JSON response.
func writeJSON(w http.ResponseWriter, data interface{}) {
	writeJSONStatus(w, http.StatusOK, data)
}

func writeJSONStatus(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// errorResponse is the body of every non-2xx API response.
type errorResponse struct {
	Error  string `json:"error"`
	Field  string `json:"field,omitempty"`
	UserID string `json:"user_id,omitempty"`
	Index  *int   `json:"index,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSONStatus(w, status, errorResponse{Error: msg})
}

// writeFailure maps domain errors to status codes: invalid input 400,
// embedding provider failure 502, broken invariant 500, missing data 404.
func writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	var (
		verr    *models.ValidationError
		failure *models.EmbeddingFailure
		broken  *models.DataIntegrityError
		status  int
		body    = errorResponse{Error: err.Error()}
	)

	switch {
	case errors.As(err, &verr):
		status = http.StatusBadRequest
		body.Field, body.UserID = verr.Field, verr.UserID
		if verr.Index >= 0 {
			body.Index = &verr.Index
		}
	case errors.As(err, &failure):
		status = http.StatusBadGateway
		body.UserID = failure.UserID
		body.Index = &failure.Index
	case errors.As(err, &broken):
		status = http.StatusInternalServerError
	case errors.Is(err, gorm.ErrNotFound):
		status = http.StatusNotFound
	case isBodyTooLarge(err):
		status = http.StatusRequestEntityTooLarge
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	case errors.Is(err, errStorageUnavailable):
		status = http.StatusServiceUnavailable
	default:
		status = http.StatusInternalServerError
	}

	evt := log.Warn()
	if status >= http.StatusInternalServerError {
		evt = log.Error()
	}
	evt.Err(err).
		Int("status", status).
		Str("path", r.URL.Path).
		Str("request_id", GetRequestID(r.Context())).
		Msg("Request failed")

	writeJSONStatus(w, status, body)
}

// userIDParam reads and validates the {userID} URL parameter.
func userIDParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := chi.URLParam(r, "userID")
	if err := ValidateUserID(userID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	return userID, true
}

// handleHealth answers immediately, even during initialization.
// Use /api/ready for full readiness.
func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "starting"
	if s.ready.Load() {
		status = "ready"
	} else if err := s.GetInitError(); err != nil {
		status = "error"
	}

	resp := map[string]interface{}{
		"status":  status,
		"version": s.version,
		"uptime":  time.Since(s.startTime).Round(time.Second).String(),
		"model":   s.embedder.Version(),
	}

	if store := s.database(); store != nil {
		resp["database"] = store.HealthCheck(r.Context())
	}
	writeJSON(w, resp)
}

func (s *Service) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"version": s.version})
}

// handleReady returns 200 only when storage is initialized.
func (s *Service) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		if err := s.GetInitError(); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeError(w, http.StatusServiceUnavailable, "service initializing")
		return
	}
	writeJSON(w, map[string]string{"status": "ready"})
}

// requireReady returns 503 until storage is initialized.
func (s *Service) requireReady(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.ready.Load() {
			if err := s.GetInitError(); err != nil {
				writeError(w, http.StatusServiceUnavailable, "initialization failed: "+err.Error())
				return
			}
			writeError(w, http.StatusServiceUnavailable, "service initializing")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Service) handleModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{
		"active": s.embedder.Version(),
		"models": embedding.ListModels(),
	})
}

func (s *Service) handleStats(w http.ResponseWriter, r *http.Request) {
	promptStore, _, err := s.storage()
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	cfg, analyzer := s.current()

	total, err := promptStore.CountPrompts(r.Context())
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, map[string]interface{}{
		"prompts":              total,
		"similarity_threshold": analyzer.Threshold(),
		"min_prompts":          cfg.MinPrompts,
		"sse_clients":          s.events.ClientCount(),
		"analyze_limiter":      s.limiter.Stats(),
		"maintenance":          s.maintenance.Stats(),
	})
}

// handleMaintenance prunes stored analyses immediately.
func (s *Service) handleMaintenance(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.maintenance.RunNow(r.Context()))
}

// ImportResponse reports the outcome of a CSV import.
type ImportResponse struct {
	Users    []string `json:"users"`
	Rows     int      `json:"rows"`
	Imported int      `json:"imported"`
	Skipped  int      `json:"skipped"`
	Replaced bool     `json:"replaced"`
}

// handleImport stores the records of a CSV body. With ?replace=true the
// previous prompts of every user present in the file are dropped first.
func (s *Service) handleImport(w http.ResponseWriter, r *http.Request) {
	replace, _ := strconv.ParseBool(r.URL.Query().Get("replace"))

	res, err := ingest.ReadCSV(r.Body)
	if err != nil {
		var verr *models.ValidationError
		if !errors.As(err, &verr) && !isBodyTooLarge(err) {
			// Malformed CSV syntax is a client error too.
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeFailure(w, r, err)
		return
	}

	promptStore, _, err := s.storage()
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	if replace {
		err = promptStore.ReplacePrompts(r.Context(), res.Records)
	} else {
		err = promptStore.SavePrompts(r.Context(), res.Records)
	}
	if err != nil {
		writeFailure(w, r, err)
		return
	}

	users, _ := ingest.GroupByUser(res.Records)
	resp := ImportResponse{
		Users:    users,
		Rows:     res.Rows,
		Imported: len(res.Records),
		Skipped:  res.Skipped,
		Replaced: replace,
	}

	log.Info().
		Int("rows", resp.Rows).
		Int("imported", resp.Imported).
		Int("users", len(users)).
		Bool("replace", replace).
		Msg("Prompts imported")

	s.events.Broadcast(sse.Event{Type: sse.EventImported, Data: resp})
	writeJSON(w, resp)
}

// handleListUsers lists users with at least ?min_prompts stored prompts
// (default from configuration).
func (s *Service) handleListUsers(w http.ResponseWriter, r *http.Request) {
	cfg, _ := s.current()
	minPrompts := cfg.MinPrompts
	if v := r.URL.Query().Get("min_prompts"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "min_prompts must be a positive integer")
			return
		}
		minPrompts = n
	}

	promptStore, _, err := s.storage()
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	users, err := promptStore.ListUsers(r.Context(), minPrompts)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, map[string]interface{}{
		"min_prompts": minPrompts,
		"users":       users,
	})
}

// loadUserPrompts returns the stored prompts of a user, or ErrNotFound.
func (s *Service) loadUserPrompts(ctx context.Context, userID string) ([]models.PromptRecord, error) {
	promptStore, _, err := s.storage()
	if err != nil {
		return nil, err
	}
	records, err := promptStore.GetUserPrompts(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, gorm.ErrNotFound
	}
	return records, nil
}

func (s *Service) handleUserPrompts(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}
	records, err := s.loadUserPrompts(r.Context(), userID)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, map[string]interface{}{
		"user_id": userID,
		"prompts": records,
	})
}

// handleAnalyzeUser clusters the stored prompts of a user and keeps the result.
func (s *Service) handleAnalyzeUser(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}
	records, err := s.loadUserPrompts(r.Context(), userID)
	if err != nil {
		writeFailure(w, r, err)
		return
	}

	_, analyzer := s.current()
	result, err := analyzer.AnalyzeUser(r.Context(), userID, records)
	if err != nil {
		s.events.Broadcast(sse.Event{Type: sse.EventAnalysisFailed, UserID: userID, Message: err.Error()})
		writeFailure(w, r, err)
		return
	}

	_, resultStore, err := s.storage()
	if err == nil {
		err = resultStore.SaveResult(r.Context(), result)
	}
	if err != nil {
		writeFailure(w, r, err)
		return
	}

	s.events.Broadcast(sse.Event{Type: sse.EventAnalysisDone, UserID: userID, Data: result.Stats})
	writeJSON(w, result)
}

func (s *Service) handleLatestAnalysis(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}
	_, resultStore, err := s.storage()
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	result, err := resultStore.LatestResult(r.Context(), userID)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, result)
}

func (s *Service) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDParam(w, r)
	if !ok {
		return
	}
	promptStore, _, err := s.storage()
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	deleted, err := promptStore.DeleteUser(r.Context(), userID)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	if deleted == 0 {
		writeFailure(w, r, gorm.ErrNotFound)
		return
	}
	writeJSON(w, map[string]interface{}{"user_id": userID, "deleted": deleted})
}

// ClusterRequest is the body of POST /api/cluster. Records without a
// user_id inherit the request's.
type ClusterRequest struct {
	UserID  string                `json:"user_id"`
	Records []models.PromptRecord `json:"records"`
}

// handleCluster analyzes records sent in the request without storing them.
func (s *Service) handleCluster(w http.ResponseWriter, r *http.Request) {
	var req ClusterRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		if isBodyTooLarge(err) {
			writeFailure(w, r, err)
			return
		}
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" && len(req.Records) > 0 {
		req.UserID = req.Records[0].UserID
	}
	for i := range req.Records {
		if req.Records[i].UserID == "" {
			req.Records[i].UserID = req.UserID
		}
	}

	_, analyzer := s.current()
	result, err := analyzer.AnalyzeUser(r.Context(), req.UserID, req.Records)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, result)
}
