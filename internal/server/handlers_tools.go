package server

import (
	"errors"
	"net/http"

	"github.com/kubilitics/kubilitics-pricing/internal/approval"
	"github.com/kubilitics/kubilitics-pricing/internal/tools"
)

// ToolCallRequest is the body of POST /api/v1/tools/call.
type ToolCallRequest struct {
	Tool   string                 `json:"tool" validate:"required,max=64"`
	Params map[string]interface{} `json:"params,omitempty"`
}

func (s *Server) handleListTools(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tools":     s.tools.List(),
		"read_only": s.tools.ReadOnly(),
		"stats":     s.tools.Stats(),
	})
}

func (s *Server) handleToolCall(w http.ResponseWriter, r *http.Request) {
	var body ToolCallRequest
	if !s.decode(w, r, &body) {
		return
	}
	resp, err := s.tools.Execute(r.Context(), &tools.Request{Tool: body.Tool, Params: body.Params})
	writeJSON(w, toolStatus(err), resp)
}

func toolStatus(err error) int {
	var authErr *approval.AuthorityError
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, tools.ErrUnavailable), errors.Is(err, approval.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, tools.ErrReadOnly), errors.As(err, &authErr):
		return http.StatusForbidden
	case errors.Is(err, approval.ErrNotPending):
		return http.StatusConflict
	case errors.Is(err, tools.ErrInvalidArgs), errors.Is(err, approval.ErrInvalidAction):
		return http.StatusBadRequest
	default:
		return http.StatusUnprocessableEntity
	}
}
