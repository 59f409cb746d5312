// Package worker runs the periodic maintenance jobs: certificate renewal
// and the scheduled full-system backup.
package worker

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/rs/zerolog"

	"github.com/nebula-panel/nebula/apps/api/internal/access"
	"github.com/nebula-panel/nebula/apps/api/internal/coordinator"
	"github.com/nebula-panel/nebula/apps/api/internal/models"
)

type Jobs interface {
	RenewCertificates(ctx context.Context) ([]coordinator.RenewResult, error)
	FullBackup(ctx context.Context, actor access.Actor) (models.Backup, error)
}

type Config struct {
	RenewInterval  time.Duration
	BackupInterval time.Duration
}

type Runner struct {
	jobs   Jobs
	clock  clock.Clock
	cfg    Config
	logger zerolog.Logger
}

func New(jobs Jobs, clk clock.Clock, cfg Config, logger zerolog.Logger) *Runner {
	if cfg.RenewInterval <= 0 {
		cfg.RenewInterval = 12 * time.Hour
	}
	if cfg.BackupInterval <= 0 {
		cfg.BackupInterval = 24 * time.Hour
	}
	return &Runner{jobs: jobs, clock: clk, cfg: cfg, logger: logger}
}

// Run runs both jobs once, then on their intervals until ctx is done.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info().
		Dur("renew_interval", r.cfg.RenewInterval).
		Dur("backup_interval", r.cfg.BackupInterval).
		Msg("worker started")

	r.renew(ctx)
	r.backup(ctx)

	renew := r.clock.NewTimer(r.cfg.RenewInterval)
	backup := r.clock.NewTimer(r.cfg.BackupInterval)
	defer renew.Stop()
	defer backup.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("worker stopped")
			return nil
		case <-renew.Chan():
			r.renew(ctx)
			renew.Reset(r.cfg.RenewInterval)
		case <-backup.Chan():
			r.backup(ctx)
			backup.Reset(r.cfg.BackupInterval)
		}
	}
}

func (r *Runner) renew(ctx context.Context) {
	results, err := r.jobs.RenewCertificates(ctx)
	failed := 0
	for _, res := range results {
		if res.Error != "" {
			failed++
			r.logger.Warn().Str("domain", res.Domain).Str("error", res.Error).Msg("certificate renewal failed")
		}
	}
	if err != nil {
		r.logger.Error().Err(err).Msg("certificate renewal run failed")
		return
	}
	r.logger.Info().Int("websites", len(results)).Int("failed", failed).Msg("certificate renewal run finished")
}

func (r *Runner) backup(ctx context.Context) {
	b, err := r.jobs.FullBackup(ctx, access.System)
	if err != nil {
		r.logger.Error().Err(err).Str("backup_id", b.ID).Msg("scheduled backup failed")
		return
	}
	r.logger.Info().Str("backup_id", b.ID).Str("path", b.StoragePath).Int64("size_bytes", b.SizeBytes).Msg("scheduled backup finished")
}
