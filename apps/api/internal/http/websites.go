package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nebula-panel/nebula/apps/api/internal/models"
	"github.com/nebula-panel/nebula/apps/api/internal/provision"
)

func (s *Server) handleCreateWebsite(w http.ResponseWriter, r *http.Request) {
	var req provision.WebsiteCreate
	if err := readJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	site, err := s.svc.Websites.Create(r.Context(), actorOf(r), req)
	if err != nil {
		if site.ID != "" {
			s.writeErrorWith(w, r, err, errorResponse{Resource: site})
			return
		}
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, site)
}

func (s *Server) handleListWebsites(w http.ResponseWriter, r *http.Request) {
	sites, total, err := s.svc.Websites.List(r.Context(), actorOf(r), pageOf(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list(sites, total))
}

func (s *Server) handleGetWebsite(w http.ResponseWriter, r *http.Request) {
	site, err := s.svc.Websites.Get(r.Context(), actorOf(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, site)
}

func (s *Server) handleUpdateWebsite(w http.ResponseWriter, r *http.Request) {
	var req provision.WebsitePatch
	if err := readJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	site, err := s.svc.Websites.Update(r.Context(), actorOf(r), chi.URLParam(r, "id"), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, site)
}

func (s *Server) handleDeleteWebsite(w http.ResponseWriter, r *http.Request) {
	report, err := s.svc.Websites.Delete(r.Context(), actorOf(r), chi.URLParam(r, "id"))
	s.writeReport(w, r, report, err)
}

func (s *Server) handleRepairWebsite(w http.ResponseWriter, r *http.Request) {
	site, err := s.svc.Websites.Repair(r.Context(), actorOf(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, site)
}

func (s *Server) handleBackupWebsite(w http.ResponseWriter, r *http.Request) {
	b, err := s.svc.Websites.Backup(r.Context(), actorOf(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeErrorWith(w, r, err, backupResource(b))
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

// backupResource attaches a failed backup row to the error response.
func backupResource(b models.Backup) errorResponse {
	if b.ID == "" {
		return errorResponse{}
	}
	return errorResponse{Resource: b}
}

func (s *Server) handleWebsiteStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.svc.Websites.Stats(r.Context(), actorOf(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// websiteDomain resolves the path id to a domain the caller may act on.
func (s *Server) websiteDomain(w http.ResponseWriter, r *http.Request) (string, bool) {
	site, err := s.svc.Websites.Get(r.Context(), actorOf(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return "", false
	}
	return site.Domain, true
}

func (s *Server) handleInstallTLS(w http.ResponseWriter, r *http.Request) {
	domain, ok := s.websiteDomain(w, r)
	if !ok {
		return
	}
	site, err := s.svc.Websites.InstallTLS(r.Context(), actorOf(r), domain)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, site)
}

func (s *Server) handleRestartWebsite(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Websites.Restart(r.Context(), actorOf(r), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

func (s *Server) handleRenewTLS(w http.ResponseWriter, r *http.Request) {
	domain, ok := s.websiteDomain(w, r)
	if !ok {
		return
	}
	if err := s.svc.Websites.RenewTLS(r.Context(), actorOf(r), domain); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

func (s *Server) handleRevokeTLS(w http.ResponseWriter, r *http.Request) {
	domain, ok := s.websiteDomain(w, r)
	if !ok {
		return
	}
	site, err := s.svc.Websites.RevokeTLS(r.Context(), actorOf(r), domain)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, site)
}

func (s *Server) handleComposeUp(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Containers.ComposeUp(r.Context(), actorOf(r), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

func (s *Server) handleComposeDown(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Containers.ComposeDown(r.Context(), actorOf(r), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}
