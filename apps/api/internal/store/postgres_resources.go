package store

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/juju/errors"

	"github.com/nebula-panel/nebula/apps/api/internal/models"
)

const websiteColumns = `id, name, domain, kind, lifecycle_state, document_root, runtime_version,
	upstream_port, tls_enabled, tls_cert_path, tls_key_path, owner_id, created_at, updated_at`

func scanWebsite(row pgx.Row) (models.Website, error) {
	var w models.Website
	err := row.Scan(&w.ID, &w.Name, &w.Domain, &w.Kind, &w.LifecycleState, &w.DocumentRoot, &w.RuntimeVersion,
		&w.UpstreamPort, &w.TLSEnabled, &w.TLSCertPath, &w.TLSKeyPath, &w.OwnerID, &w.CreatedAt, &w.UpdatedAt)
	return w, err
}

func (s *Postgres) CreateWebsite(ctx context.Context, w models.Website) (models.Website, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	if w.ID == "" {
		w.ID = newID("site")
	}
	stamp(&w.CreatedAt, &w.UpdatedAt)
	_, err := s.db.Exec(ctx, `
		INSERT INTO websites (`+websiteColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, w.ID, w.Name, w.Domain, w.Kind, w.LifecycleState, w.DocumentRoot, w.RuntimeVersion,
		w.UpstreamPort, w.TLSEnabled, w.TLSCertPath, w.TLSKeyPath, w.OwnerID, w.CreatedAt, w.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return models.Website{}, errors.AlreadyExistsf("website for domain %q", w.Domain)
		}
		return models.Website{}, errors.Annotate(err, "create website")
	}
	return w, nil
}

func (s *Postgres) GetWebsite(ctx context.Context, id string) (models.Website, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	w, err := scanWebsite(s.db.QueryRow(ctx, `SELECT `+websiteColumns+` FROM websites WHERE id=$1`, id))
	if err != nil {
		return models.Website{}, notFound(err, "website", id)
	}
	return w, nil
}

func (s *Postgres) GetWebsiteByDomain(ctx context.Context, domain string) (models.Website, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	w, err := scanWebsite(s.db.QueryRow(ctx, `SELECT `+websiteColumns+` FROM websites WHERE domain=$1`, domain))
	if err != nil {
		return models.Website{}, notFound(err, "website for domain", domain)
	}
	return w, nil
}

func (s *Postgres) UpdateWebsite(ctx context.Context, w models.Website) (models.Website, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	stamp(nil, &w.UpdatedAt)
	tag, err := s.db.Exec(ctx, `
		UPDATE websites
		SET name=$2, lifecycle_state=$3, document_root=$4, runtime_version=$5, upstream_port=$6,
		    tls_enabled=$7, tls_cert_path=$8, tls_key_path=$9, updated_at=$10
		WHERE id=$1
	`, w.ID, w.Name, w.LifecycleState, w.DocumentRoot, w.RuntimeVersion, w.UpstreamPort,
		w.TLSEnabled, w.TLSCertPath, w.TLSKeyPath, w.UpdatedAt)
	if err != nil {
		return models.Website{}, errors.Annotate(err, "update website")
	}
	if tag.RowsAffected() == 0 {
		return models.Website{}, errors.NotFoundf("website %q", w.ID)
	}
	return w, nil
}

func (s *Postgres) DeleteWebsite(ctx context.Context, id string) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	tag, err := s.db.Exec(ctx, `DELETE FROM websites WHERE id=$1`, id)
	if err != nil {
		return errors.Annotate(err, "delete website")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFoundf("website %q", id)
	}
	return nil
}

func (s *Postgres) ListWebsites(ctx context.Context, f models.ListFilter) ([]models.Website, int, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	p := f.Page.Normalize()
	var total int
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM websites WHERE $1 = '' OR owner_id = $1`, f.OwnerID).Scan(&total); err != nil {
		return nil, 0, errors.Annotate(err, "count websites")
	}
	rows, err := s.db.Query(ctx, `
		SELECT `+websiteColumns+` FROM websites
		WHERE $1 = '' OR owner_id = $1
		ORDER BY created_at ASC, id ASC OFFSET $2 LIMIT $3
	`, f.OwnerID, p.Offset, p.Limit)
	if err != nil {
		return nil, 0, errors.Annotate(err, "list websites")
	}
	defer rows.Close()
	out := make([]models.Website, 0)
	for rows.Next() {
		w, err := scanWebsite(rows)
		if err != nil {
			return nil, 0, errors.Trace(err)
		}
		out = append(out, w)
	}
	return out, total, errors.Trace(rows.Err())
}

const databaseColumns = `d.id, d.name, d.engine_username, d.engine_secret, d.engine_kind, d.lifecycle_state,
	COALESCE(d.website_id, ''), COALESCE(d.owner_id, ''), d.created_at, d.updated_at`

func scanDatabase(row pgx.Row) (models.Database, error) {
	var d models.Database
	err := row.Scan(&d.ID, &d.Name, &d.EngineUsername, &d.EngineSecret, &d.EngineKind, &d.LifecycleState,
		&d.WebsiteID, &d.OwnerID, &d.CreatedAt, &d.UpdatedAt)
	return d, err
}

func (s *Postgres) CreateDatabase(ctx context.Context, d models.Database) (models.Database, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	if d.ID == "" {
		d.ID = newID("db")
	}
	stamp(&d.CreatedAt, &d.UpdatedAt)
	_, err := s.db.Exec(ctx, `
		INSERT INTO site_databases (id, name, engine_username, engine_secret, engine_kind, lifecycle_state,
			website_id, owner_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), NULLIF($8, ''), $9, $10)
	`, d.ID, d.Name, d.EngineUsername, d.EngineSecret, d.EngineKind, d.LifecycleState,
		d.WebsiteID, d.OwnerID, d.CreatedAt, d.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return models.Database{}, errors.AlreadyExistsf("database %q", d.Name)
		}
		return models.Database{}, errors.Annotate(err, "create database")
	}
	return d, nil
}

func (s *Postgres) GetDatabase(ctx context.Context, id string) (models.Database, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	d, err := scanDatabase(s.db.QueryRow(ctx, `SELECT `+databaseColumns+` FROM site_databases d WHERE d.id=$1`, id))
	if err != nil {
		return models.Database{}, notFound(err, "database", id)
	}
	return d, nil
}

func (s *Postgres) GetDatabaseByName(ctx context.Context, name string) (models.Database, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	d, err := scanDatabase(s.db.QueryRow(ctx, `SELECT `+databaseColumns+` FROM site_databases d WHERE d.name=$1`, name))
	if err != nil {
		return models.Database{}, notFound(err, "database", name)
	}
	return d, nil
}

func (s *Postgres) UpdateDatabase(ctx context.Context, d models.Database) (models.Database, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	stamp(nil, &d.UpdatedAt)
	tag, err := s.db.Exec(ctx, `
		UPDATE site_databases
		SET engine_secret=$2, lifecycle_state=$3, website_id=NULLIF($4, ''), owner_id=NULLIF($5, ''), updated_at=$6
		WHERE id=$1
	`, d.ID, d.EngineSecret, d.LifecycleState, d.WebsiteID, d.OwnerID, d.UpdatedAt)
	if err != nil {
		return models.Database{}, errors.Annotate(err, "update database")
	}
	if tag.RowsAffected() == 0 {
		return models.Database{}, errors.NotFoundf("database %q", d.ID)
	}
	return d, nil
}

func (s *Postgres) DeleteDatabase(ctx context.Context, id string) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	tag, err := s.db.Exec(ctx, `DELETE FROM site_databases WHERE id=$1`, id)
	if err != nil {
		return errors.Annotate(err, "delete database")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFoundf("database %q", id)
	}
	return nil
}

func (s *Postgres) ListDatabases(ctx context.Context, f models.ListFilter) ([]models.Database, int, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	const where = `
		FROM site_databases d LEFT JOIN websites w ON w.id = d.website_id
		WHERE $1 = '' OR d.owner_id = $1 OR w.owner_id = $1`
	p := f.Page.Normalize()
	var total int
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) `+where, f.OwnerID).Scan(&total); err != nil {
		return nil, 0, errors.Annotate(err, "count databases")
	}
	rows, err := s.db.Query(ctx, `SELECT `+databaseColumns+where+`
		ORDER BY d.created_at ASC, d.id ASC OFFSET $2 LIMIT $3`, f.OwnerID, p.Offset, p.Limit)
	if err != nil {
		return nil, 0, errors.Annotate(err, "list databases")
	}
	out, err := collectDatabases(rows)
	return out, total, err
}

func (s *Postgres) ListDatabasesByWebsite(ctx context.Context, websiteID string) ([]models.Database, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	rows, err := s.db.Query(ctx, `SELECT `+databaseColumns+` FROM site_databases d
		WHERE d.website_id=$1 ORDER BY d.created_at ASC, d.id ASC`, websiteID)
	if err != nil {
		return nil, errors.Annotate(err, "list website databases")
	}
	return collectDatabases(rows)
}

func collectDatabases(rows pgx.Rows) ([]models.Database, error) {
	defer rows.Close()
	out := make([]models.Database, 0)
	for rows.Next() {
		d, err := scanDatabase(rows)
		if err != nil {
			return nil, errors.Trace(err)
		}
		out = append(out, d)
	}
	return out, errors.Trace(rows.Err())
}

const emailColumns = `id, address, secret, domain, quota_mb, owner_id, created_at, updated_at`

func scanEmail(row pgx.Row) (models.EmailAccount, error) {
	var a models.EmailAccount
	err := row.Scan(&a.ID, &a.Address, &a.Secret, &a.Domain, &a.QuotaMB, &a.OwnerID, &a.CreatedAt, &a.UpdatedAt)
	return a, err
}

func (s *Postgres) CreateEmailAccount(ctx context.Context, a models.EmailAccount) (models.EmailAccount, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	if a.ID == "" {
		a.ID = newID("mbx")
	}
	stamp(&a.CreatedAt, &a.UpdatedAt)
	_, err := s.db.Exec(ctx, `INSERT INTO email_accounts (`+emailColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.ID, a.Address, a.Secret, a.Domain, a.QuotaMB, a.OwnerID, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return models.EmailAccount{}, errors.AlreadyExistsf("email account %q", a.Address)
		}
		return models.EmailAccount{}, errors.Annotate(err, "create email account")
	}
	return a, nil
}

func (s *Postgres) GetEmailAccount(ctx context.Context, id string) (models.EmailAccount, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	a, err := scanEmail(s.db.QueryRow(ctx, `SELECT `+emailColumns+` FROM email_accounts WHERE id=$1`, id))
	if err != nil {
		return models.EmailAccount{}, notFound(err, "email account", id)
	}
	return a, nil
}

func (s *Postgres) GetEmailAccountByAddress(ctx context.Context, address string) (models.EmailAccount, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	a, err := scanEmail(s.db.QueryRow(ctx, `SELECT `+emailColumns+` FROM email_accounts WHERE address=$1`, address))
	if err != nil {
		return models.EmailAccount{}, notFound(err, "email account", address)
	}
	return a, nil
}

func (s *Postgres) UpdateEmailAccount(ctx context.Context, a models.EmailAccount) (models.EmailAccount, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	stamp(nil, &a.UpdatedAt)
	tag, err := s.db.Exec(ctx, `UPDATE email_accounts SET secret=$2, quota_mb=$3, updated_at=$4 WHERE id=$1`,
		a.ID, a.Secret, a.QuotaMB, a.UpdatedAt)
	if err != nil {
		return models.EmailAccount{}, errors.Annotate(err, "update email account")
	}
	if tag.RowsAffected() == 0 {
		return models.EmailAccount{}, errors.NotFoundf("email account %q", a.ID)
	}
	return a, nil
}

func (s *Postgres) DeleteEmailAccount(ctx context.Context, id string) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	tag, err := s.db.Exec(ctx, `DELETE FROM email_accounts WHERE id=$1`, id)
	if err != nil {
		return errors.Annotate(err, "delete email account")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFoundf("email account %q", id)
	}
	return nil
}

func (s *Postgres) ListEmailAccounts(ctx context.Context, f models.ListFilter) ([]models.EmailAccount, int, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	p := f.Page.Normalize()
	var total int
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM email_accounts WHERE $1 = '' OR owner_id = $1`, f.OwnerID).Scan(&total); err != nil {
		return nil, 0, errors.Annotate(err, "count email accounts")
	}
	rows, err := s.db.Query(ctx, `SELECT `+emailColumns+` FROM email_accounts
		WHERE $1 = '' OR owner_id = $1 ORDER BY created_at ASC, id ASC OFFSET $2 LIMIT $3`, f.OwnerID, p.Offset, p.Limit)
	if err != nil {
		return nil, 0, errors.Annotate(err, "list email accounts")
	}
	defer rows.Close()
	out := make([]models.EmailAccount, 0)
	for rows.Next() {
		a, err := scanEmail(rows)
		if err != nil {
			return nil, 0, errors.Trace(err)
		}
		out = append(out, a)
	}
	return out, total, errors.Trace(rows.Err())
}

const backupColumns = `id, name, subject_kind, subject_id, storage_path, size_bytes, status, error, owner_id, created_at`

func scanBackup(row pgx.Row) (models.Backup, error) {
	var b models.Backup
	err := row.Scan(&b.ID, &b.Name, &b.SubjectKind, &b.SubjectID, &b.StoragePath, &b.SizeBytes, &b.Status, &b.Error, &b.OwnerID, &b.CreatedAt)
	return b, err
}

func (s *Postgres) CreateBackup(ctx context.Context, b models.Backup) (models.Backup, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	if b.ID == "" {
		b.ID = newID("backup")
	}
	stamp(&b.CreatedAt, nil)
	_, err := s.db.Exec(ctx, `INSERT INTO backups (`+backupColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		b.ID, b.Name, b.SubjectKind, b.SubjectID, b.StoragePath, b.SizeBytes, b.Status, b.Error, b.OwnerID, b.CreatedAt)
	if err != nil {
		return models.Backup{}, errors.Annotate(err, "create backup")
	}
	return b, nil
}

func (s *Postgres) GetBackup(ctx context.Context, id string) (models.Backup, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	b, err := scanBackup(s.db.QueryRow(ctx, `SELECT `+backupColumns+` FROM backups WHERE id=$1`, id))
	if err != nil {
		return models.Backup{}, notFound(err, "backup", id)
	}
	return b, nil
}

func (s *Postgres) UpdateBackup(ctx context.Context, b models.Backup) (models.Backup, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	tag, err := s.db.Exec(ctx, `UPDATE backups SET storage_path=$2, size_bytes=$3, status=$4, error=$5 WHERE id=$1`,
		b.ID, b.StoragePath, b.SizeBytes, b.Status, b.Error)
	if err != nil {
		return models.Backup{}, errors.Annotate(err, "update backup")
	}
	if tag.RowsAffected() == 0 {
		return models.Backup{}, errors.NotFoundf("backup %q", b.ID)
	}
	return b, nil
}

func (s *Postgres) ListBackups(ctx context.Context, f models.ListFilter) ([]models.Backup, int, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()

	p := f.Page.Normalize()
	var total int
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM backups WHERE $1 = '' OR owner_id = $1`, f.OwnerID).Scan(&total); err != nil {
		return nil, 0, errors.Annotate(err, "count backups")
	}
	rows, err := s.db.Query(ctx, `SELECT `+backupColumns+` FROM backups
		WHERE $1 = '' OR owner_id = $1 ORDER BY created_at DESC, id ASC OFFSET $2 LIMIT $3`, f.OwnerID, p.Offset, p.Limit)
	if err != nil {
		return nil, 0, errors.Annotate(err, "list backups")
	}
	defer rows.Close()
	out := make([]models.Backup, 0)
	for rows.Next() {
		b, err := scanBackup(rows)
		if err != nil {
			return nil, 0, errors.Trace(err)
		}
		out = append(out, b)
	}
	return out, total, errors.Trace(rows.Err())
}

func (s *Postgres) LatestCompletedBackup(ctx context.Context, kind models.BackupKind, subjectID string) (models.Backup, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	b, err := scanBackup(s.db.QueryRow(ctx, `SELECT `+backupColumns+` FROM backups
		WHERE status=$1 AND subject_kind=$2 AND subject_id=$3 ORDER BY created_at DESC LIMIT 1`,
		models.BackupCompleted, kind, subjectID))
	if err != nil {
		return models.Backup{}, notFound(err, "completed backup of "+string(kind), subjectID)
	}
	return b, nil
}
