package http

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/juju/errors"
)

func (s *Server) handleHostMetrics(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Gate.Admin(actorOf(r)); err != nil {
		s.writeError(w, r, err)
		return
	}
	sample, ok := s.svc.Coordinator.Latest()
	if !ok {
		s.writeError(w, r, errors.NotFoundf("host sample"))
		return
	}
	writeJSON(w, http.StatusOK, sample)
}

func (s *Server) handleServiceStatus(w http.ResponseWriter, r *http.Request) {
	states, err := s.svc.Coordinator.ServiceStatus(r.Context(), actorOf(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list(states, len(states)))
}

func (s *Server) handleRestartService(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Coordinator.RestartService(r.Context(), actorOf(r), chi.URLParam(r, "name")); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

func (s *Server) handleFullBackup(w http.ResponseWriter, r *http.Request) {
	b, err := s.svc.Coordinator.FullBackup(r.Context(), actorOf(r))
	if err != nil {
		s.writeErrorWith(w, r, err, backupResource(b))
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

func (s *Server) handleListBackups(w http.ResponseWriter, r *http.Request) {
	backups, total, err := s.svc.Coordinator.Backups(r.Context(), actorOf(r), pageOf(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list(backups, total))
}

func (s *Server) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	logs, err := s.svc.Coordinator.AuditLog(r.Context(), actorOf(r), pageOf(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list(logs, len(logs)))
}

func (s *Server) handleCheckUpdates(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.Coordinator.CheckUpdates(r.Context(), actorOf(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleInstallUpdates(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Coordinator.InstallUpdates(r.Context(), actorOf(r)); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	lines := 0
	if v := r.URL.Query().Get("lines"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			s.writeError(w, r, errors.NotValidf("lines %q", v))
			return
		}
		lines = n
	}
	service := r.URL.Query().Get("service")
	out, err := s.svc.Coordinator.Logs(r.Context(), actorOf(r), service, lines)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"service": service, "logs": out})
}
