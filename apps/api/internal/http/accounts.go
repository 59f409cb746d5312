package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	apimw "github.com/nebula-panel/nebula/apps/api/internal/middleware"
	"github.com/nebula-panel/nebula/apps/api/internal/provision"
)

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := readJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	sess, err := s.svc.Accounts.Authenticate(r.Context(), req.Username, req.Password)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"token": sess.Token, "expires_at": sess.ExpiresAt})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Accounts.Logout(r.Context(), apimw.TokenFromContext(r.Context())); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req provision.UserCreate
	if err := readJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	u, err := s.svc.Accounts.Create(r.Context(), actorOf(r), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.svc.Accounts.List(r.Context(), actorOf(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list(users, len(users)))
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	u, err := s.svc.Accounts.Me(r.Context(), actorOf(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) handleUpdateMe(w http.ResponseWriter, r *http.Request) {
	var req provision.UserPatch
	if err := readJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	u, err := s.svc.Accounts.UpdateSelf(r.Context(), actorOf(r), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	var req provision.UserPatch
	if err := readJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	u, err := s.svc.Accounts.Update(r.Context(), actorOf(r), chi.URLParam(r, "id"), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}
