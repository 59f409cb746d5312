package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nebula-panel/nebula/apps/api/internal/provision"
)

func (s *Server) handleCreateEmail(w http.ResponseWriter, r *http.Request) {
	var req provision.EmailCreate
	if err := readJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	a, err := s.svc.Email.Create(r.Context(), actorOf(r), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (s *Server) handleListEmail(w http.ResponseWriter, r *http.Request) {
	accounts, total, err := s.svc.Email.List(r.Context(), actorOf(r), pageOf(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list(accounts, total))
}

func (s *Server) handleGetEmail(w http.ResponseWriter, r *http.Request) {
	a, err := s.svc.Email.Get(r.Context(), actorOf(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleUpdateEmail(w http.ResponseWriter, r *http.Request) {
	var req provision.EmailPatch
	if err := readJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	a, err := s.svc.Email.Update(r.Context(), actorOf(r), chi.URLParam(r, "id"), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleDeleteEmail(w http.ResponseWriter, r *http.Request) {
	report, err := s.svc.Email.Delete(r.Context(), actorOf(r), chi.URLParam(r, "id"))
	s.writeReport(w, r, report, err)
}

func (s *Server) handleMailSetup(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Coordinator.MailSetup(r.Context(), actorOf(r)); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

func (s *Server) handleMailStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.Coordinator.MailStatus(r.Context(), actorOf(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}
