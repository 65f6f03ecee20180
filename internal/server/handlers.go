package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-pricing/internal/approval"
	"github.com/kubilitics/kubilitics-pricing/internal/auth"
	"github.com/kubilitics/kubilitics-pricing/internal/pricing"
)

const maxBodyBytes = 64 * 1024

// RecommendRequest is the body of POST /api/v1/recommendations.
type RecommendRequest struct {
	Query       string   `json:"query" validate:"required,max=2000"`
	ProductIDs  []string `json:"product_ids,omitempty" validate:"omitempty,max=20,dive,required,max=64"`
	Context     string   `json:"context,omitempty" validate:"max=2000"`
	RequestedBy string   `json:"requested_by,omitempty" validate:"max=128"`
	Role        string   `json:"role,omitempty" validate:"omitempty,oneof=analyst senior_analyst manager director"`
}

// ApprovalRequest is the body of POST /api/v1/recommendations/{id}/approval.
// With auth enabled the approver comes from the token and ApproverID and
// ApproverRole are ignored.
type ApprovalRequest struct {
	Decision     string `json:"decision" validate:"required,oneof=approved rejected"`
	Notes        string `json:"notes,omitempty" validate:"max=2000"`
	ApproverID   string `json:"approver_id,omitempty" validate:"max=128"`
	ApproverRole string `json:"approver_role,omitempty" validate:"omitempty,oneof=analyst senior_analyst manager director"`
}

// RecommendationResponse adds the derived expiry flags to a recommendation.
type RecommendationResponse struct {
	*pricing.Recommendation
	Expired    bool `json:"expired"`
	Actionable bool `json:"actionable"`
}

func respond(rec *pricing.Recommendation) RecommendationResponse {
	now := time.Now()
	return RecommendationResponse{
		Recommendation: rec,
		Expired:        rec.Expired(now),
		Actionable:     rec.Actionable(now),
	}
}

type errorResponse struct {
	Error   string   `json:"error"`
	Details []string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string, details ...string) {
	writeJSON(w, status, errorResponse{Error: msg, Details: details})
}

// decode reads a JSON body into dst and validates it.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			details := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				details = append(details, validationMessage(fe))
			}
			writeError(w, http.StatusBadRequest, "validation failed", details...)
			return false
		}
		writeError(w, http.StatusBadRequest, "validation failed", err.Error())
		return false
	}
	return true
}

func validationMessage(fe validator.FieldError) string {
	field := strings.ToLower(fe.Field())
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "max":
		return fmt.Sprintf("%s must be at most %s long", field, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, fe.Param())
	default:
		return fmt.Sprintf("%s is invalid (%s)", field, fe.Tag())
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.store != nil {
		if err := s.store.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleRecommend(w http.ResponseWriter, r *http.Request) {
	var body RecommendRequest
	if !s.decode(w, r, &body) {
		return
	}
	req := pricing.PricingRequest{
		Query:       body.Query,
		ProductIDs:  body.ProductIDs,
		Context:     body.Context,
		RequestedBy: body.RequestedBy,
	}
	if body.Role != "" {
		role, err := pricing.ParseRole(body.Role)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		req.Role = role
	}

	rec, err := s.agent.Process(r.Context(), req)
	if err != nil {
		s.logger.Error("pipeline failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to process request")
		return
	}
	// Policy rejections are ordinary results.
	writeJSON(w, http.StatusOK, respond(rec))
}

func (s *Server) handleGetRecommendation(w http.ResponseWriter, r *http.Request) {
	rec, err := s.agent.Get(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, approval.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, respond(rec))
}

func (s *Server) handleListPending(w http.ResponseWriter, r *http.Request) {
	var role *pricing.Role
	if v := r.URL.Query().Get("role"); v != "" {
		parsed, err := pricing.ParseRole(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		role = &parsed
	}
	recs, err := s.agent.ListPending(r.Context(), role)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]RecommendationResponse, 0, len(recs))
	for _, rec := range recs {
		out = append(out, respond(rec))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"recommendations": out,
		"count":           len(out),
	})
}

func (s *Server) handleApproval(w http.ResponseWriter, r *http.Request) {
	var body ApprovalRequest
	if !s.decode(w, r, &body) {
		return
	}
	action := pricing.ApprovalAction{
		RecommendationID: mux.Vars(r)["id"],
		Decision:         pricing.Decision(body.Decision),
		Notes:            body.Notes,
	}
	if claims := auth.ClaimsFromContext(r.Context()); claims != nil {
		action.ApproverID = claims.UserID
		action.ApproverRole = claims.Role
	} else {
		if body.ApproverID == "" || body.ApproverRole == "" {
			writeError(w, http.StatusBadRequest, "validation failed", "approver_id and approver_role are required")
			return
		}
		role, err := pricing.ParseRole(body.ApproverRole)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		action.ApproverID = body.ApproverID
		action.ApproverRole = role
	}

	_, err := s.agent.SubmitApproval(r.Context(), action)
	if err != nil {
		var authErr *approval.AuthorityError
		switch {
		case errors.Is(err, approval.ErrNotFound):
			writeError(w, http.StatusNotFound, err.Error())
		case errors.As(err, &authErr):
			writeError(w, http.StatusForbidden, err.Error())
		case errors.Is(err, approval.ErrNotPending):
			writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, approval.ErrInvalidAction):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			s.logger.Error("approval failed", zap.String("id", action.RecommendationID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "approval failed")
		}
		return
	}

	rec, err := s.agent.Get(r.Context(), action.RecommendationID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, respond(rec))
}

func (s *Server) handleApprovalHistory(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.agent.Get(r.Context(), id); err != nil {
		if errors.Is(err, approval.ErrNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	history := s.agent.History(id)
	if history == nil {
		history = []pricing.ApprovalRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"recommendation_id": id,
		"approvals":         history,
	})
}

func (s *Server) handleApprovedChanges(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}
	changes, err := s.store.ListApprovedChanges(r.Context(), limit)
	if err != nil {
		s.logger.Error("list approved changes", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list approved changes")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"changes": changes,
		"count":   len(changes),
	})
}
