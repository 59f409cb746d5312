package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (s *Server) handleListContainers(w http.ResponseWriter, r *http.Request) {
	out, err := s.svc.Containers.List(r.Context(), actorOf(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list(out, len(out)))
}

func (s *Server) handleGetContainer(w http.ResponseWriter, r *http.Request) {
	ct, err := s.svc.Containers.Get(r.Context(), actorOf(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ct)
}

func (s *Server) handleContainerAction(w http.ResponseWriter, r *http.Request) {
	err := s.svc.Containers.Action(r.Context(), actorOf(r), chi.URLParam(r, "id"), chi.URLParam(r, "action"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

func (s *Server) handleListImages(w http.ResponseWriter, r *http.Request) {
	out, err := s.svc.Containers.ListImages(r.Context(), actorOf(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list(out, len(out)))
}

func (s *Server) handlePullImage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Ref string `json:"ref"`
	}
	if err := readJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.svc.Containers.PullImage(r.Context(), actorOf(r), req.Ref); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

// handleRemoveImage takes the reference from ?ref= since it may contain
// slashes.
func (s *Server) handleRemoveImage(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Containers.RemoveImage(r.Context(), actorOf(r), r.URL.Query().Get("ref")); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}
