// Package provision holds the resource services. Each service turns one
// caller intent into an ordered series of adapter calls and keeps the stored
// record in step with what exists on the host.
//
// Creation is fail-fast and names the failing step (failure.AtStep).
// Deletion is best-effort and returns a Report of every step.
package provision

import (
	"context"
	"os"
	"time"

	"filippo.io/age"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/rs/zerolog"

	"github.com/nebula-panel/nebula/apps/api/internal/access"
	"github.com/nebula-panel/nebula/apps/api/internal/metrics"
	"github.com/nebula-panel/nebula/apps/api/internal/models"
	"github.com/nebula-panel/nebula/apps/api/internal/store"
)

// Deps are shared by every service.
type Deps struct {
	Store   store.Store
	Gate    *access.Gate
	Clock   clock.Clock
	Metrics *metrics.Metrics
	Logger  zerolog.Logger
}

func (d Deps) Now() time.Time {
	if d.Clock == nil {
		return time.Now().UTC()
	}
	return d.Clock.Now().UTC()
}

// Audit records a completed mutation. Audit failures are logged, never
// returned.
func (d Deps) Audit(ctx context.Context, actor access.Actor, action, target, summary string) {
	err := d.Store.AddAudit(ctx, models.AuditLog{ActorID: actor.ID, Action: action, Target: target, Summary: summary})
	if err != nil {
		d.Logger.Warn().Err(err).Str("action", action).Str("target", target).Msg("audit write failed")
	}
}

// BackupConfig places backup files.
type BackupConfig struct {
	Root       string
	Recipients []age.Recipient
}

const backupStamp = "20060102_150405"

func fileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, errors.Annotatef(err, "stat %s", path)
	}
	return info.Size(), nil
}

// finishBackup moves a backup row out of in-progress.
func (d Deps) finishBackup(ctx context.Context, b models.Backup, size int64, cause error) (models.Backup, error) {
	b.Status, b.SizeBytes = models.BackupCompleted, size
	if cause != nil {
		b.Status, b.SizeBytes, b.Error = models.BackupFailed, 0, cause.Error()
	}
	updated, err := d.Store.UpdateBackup(ctx, b)
	if err != nil {
		d.Logger.Error().Err(err).Str("backup_id", b.ID).Msg("record backup outcome")
		if cause == nil {
			return b, errors.Annotate(err, "record backup")
		}
		return b, cause
	}
	return updated, cause
}

func ensureDir(dir string) error {
	return errors.Annotatef(os.MkdirAll(dir, 0o750), "create %s", dir)
}
