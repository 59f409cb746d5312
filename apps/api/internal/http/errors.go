package http

import (
	"net/http"

	"github.com/nebula-panel/nebula/apps/api/internal/provision"
	"github.com/nebula-panel/nebula/packages/lib/failure"
)

var statusByKind = map[string]int{
	"invalid":               http.StatusBadRequest,
	"unauthorized":          http.StatusUnauthorized,
	"forbidden":             http.StatusForbidden,
	"not_found":             http.StatusNotFound,
	"conflict":              http.StatusConflict,
	"external_tool_failure": http.StatusBadGateway,
	"timeout":               http.StatusGatewayTimeout,
	"internal":              http.StatusInternalServerError,
}

type errorBody struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Step       string `json:"step,omitempty"`
	Diagnostic string `json:"diagnostic,omitempty"`
}

type errorResponse struct {
	Error errorBody `json:"error"`

	// Resource is set when a create stored its record before a later step
	// failed.
	Resource any               `json:"resource,omitempty"`
	Report   *provision.Report `json:"report,omitempty"`
}

func errorOf(err error) (int, errorBody) {
	kind := failure.Kind(err)
	status, ok := statusByKind[kind]
	if !ok {
		status = http.StatusInternalServerError
	}
	return status, errorBody{
		Code:       kind,
		Message:    err.Error(),
		Step:       failure.FailedStep(err),
		Diagnostic: failure.Diagnostic(err),
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	s.writeErrorWith(w, r, err, errorResponse{})
}

func (s *Server) writeErrorWith(w http.ResponseWriter, r *http.Request, err error, resp errorResponse) {
	status, body := errorOf(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("path", r.URL.Path).Str("code", body.Code).Msg("request failed")
	}
	resp.Error = body
	writeJSON(w, status, resp)
}

// writeReport answers a best-effort deletion. The per-step report is always
// included.
func (s *Server) writeReport(w http.ResponseWriter, r *http.Request, report provision.Report, err error) {
	if err != nil {
		if len(report.Steps) == 0 {
			s.writeError(w, r, err)
			return
		}
		s.writeErrorWith(w, r, err, errorResponse{Report: &report})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"report": report})
}
