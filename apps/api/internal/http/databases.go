package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nebula-panel/nebula/apps/api/internal/models"
	"github.com/nebula-panel/nebula/apps/api/internal/provision"
)

// createdDatabase is the only response that carries the engine secret, so a
// generated secret reaches the caller exactly once.
type createdDatabase struct {
	models.Database
	Secret string `json:"secret"`
}

func (s *Server) handleCreateDatabase(w http.ResponseWriter, r *http.Request) {
	var req provision.DatabaseCreate
	if err := readJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	d, err := s.svc.Databases.Create(r.Context(), actorOf(r), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, createdDatabase{Database: d, Secret: d.EngineSecret})
}

func (s *Server) handleListDatabases(w http.ResponseWriter, r *http.Request) {
	dbs, total, err := s.svc.Databases.List(r.Context(), actorOf(r), pageOf(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list(dbs, total))
}

func (s *Server) handleGetDatabase(w http.ResponseWriter, r *http.Request) {
	d, err := s.svc.Databases.Get(r.Context(), actorOf(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleUpdateDatabase(w http.ResponseWriter, r *http.Request) {
	var req provision.DatabasePatch
	if err := readJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	d, err := s.svc.Databases.Update(r.Context(), actorOf(r), chi.URLParam(r, "id"), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleDeleteDatabase(w http.ResponseWriter, r *http.Request) {
	report, err := s.svc.Databases.Delete(r.Context(), actorOf(r), chi.URLParam(r, "id"))
	s.writeReport(w, r, report, err)
}

func (s *Server) handleBackupDatabase(w http.ResponseWriter, r *http.Request) {
	b, err := s.svc.Databases.Backup(r.Context(), actorOf(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeErrorWith(w, r, err, backupResource(b))
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

func (s *Server) handleRestoreDatabase(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BackupID string `json:"backup_id"`
	}
	if err := readJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.svc.Databases.Restore(r.Context(), actorOf(r), chi.URLParam(r, "id"), req.BackupID); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

func (s *Server) handleOptimizeDatabase(w http.ResponseWriter, r *http.Request) {
	results, err := s.svc.Databases.Optimize(r.Context(), actorOf(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tables": results})
}

func (s *Server) handleRepairDatabase(w http.ResponseWriter, r *http.Request) {
	results, err := s.svc.Databases.Repair(r.Context(), actorOf(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tables": results})
}

func (s *Server) handleDatabaseStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.svc.Databases.Stats(r.Context(), actorOf(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleVerifyDatabase(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Databases.Verify(r.Context(), actorOf(r), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
