// Package server exposes the executor on a unix socket. Every request body
// is HMAC-signed with the shared secret and carries a fresh timestamp.
package server

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/juju/errors"
	"github.com/rs/zerolog"

	"github.com/nebula-panel/nebula/apps/agent/internal/config"
	"github.com/nebula-panel/nebula/apps/agent/internal/executor"
	"github.com/nebula-panel/nebula/packages/lib/hostexec"
	"github.com/nebula-panel/nebula/packages/lib/security"
)

const maxBody = 1 << 20

type Server struct {
	cfg    config.Config
	exe    *executor.Executor
	logger zerolog.Logger
	now    func() time.Time
}

func New(cfg config.Config, exe *executor.Executor, logger zerolog.Logger) *Server {
	return &Server{cfg: cfg, exe: exe, logger: logger, now: time.Now}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "service": "nebula-agent", "dry_run": s.cfg.DryRun})
	})
	r.Post(hostexec.ExecPath, s.handleExec)
	return r
}

// Run serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.cfg.SocketPath), 0o755); err != nil {
		return errors.Trace(err)
	}
	if err := os.RemoveAll(s.cfg.SocketPath); err != nil {
		return errors.Trace(err)
	}
	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return errors.Annotatef(err, "listen %s", s.cfg.SocketPath)
	}
	if err := os.Chmod(s.cfg.SocketPath, 0o660); err != nil {
		ln.Close()
		return errors.Trace(err)
	}

	srv := &http.Server{Handler: s.Router(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("socket", s.cfg.SocketPath).Bool("dry_run", s.cfg.DryRun).Msg("nebula-agent listening")
	if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
		return errors.Trace(err)
	}
	return nil
}

func (s *Server) handleExec(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxBody+1))
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	if len(payload) > maxBody {
		writeErr(w, http.StatusRequestEntityTooLarge, errors.New("payload too large"))
		return
	}
	if !security.VerifyHMAC(payload, r.Header.Get(security.SignatureHeader), s.cfg.SharedSecret) {
		writeErr(w, http.StatusUnauthorized, errors.New("invalid signature"))
		return
	}

	var req hostexec.ExecRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	if err := security.CheckFreshness(req.Timestamp, s.now()); err != nil {
		writeErr(w, http.StatusUnauthorized, err)
		return
	}

	out, err := s.exe.Execute(r.Context(), req)
	if err != nil {
		s.logger.Warn().Err(err).Str("cmd", req.Name).Msg("refused")
		status := http.StatusBadRequest
		if errors.Is(err, errors.Forbidden) {
			status = http.StatusForbidden
		}
		writeErr(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
