package store

import (
	"context"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/juju/errors"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/nebula-panel/nebula/apps/api/internal/models"
)

type userRow struct {
	ID           string `gorm:"primaryKey"`
	Username     string `gorm:"uniqueIndex;not null"`
	Email        string
	IsAdmin      bool
	PasswordHash string
	CreatedAt    time.Time
}

func (userRow) TableName() string { return "users" }

type sessionRow struct {
	Token     string `gorm:"primaryKey"`
	UserID    string `gorm:"index"`
	ExpiresAt time.Time
}

func (sessionRow) TableName() string { return "sessions" }

type websiteRow struct {
	ID             string `gorm:"primaryKey"`
	Name           string
	Domain         string `gorm:"uniqueIndex;not null"`
	Kind           string
	LifecycleState string
	DocumentRoot   string
	RuntimeVersion string
	UpstreamPort   int
	TLSEnabled     bool
	TLSCertPath    string
	TLSKeyPath     string
	OwnerID        string `gorm:"index"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (websiteRow) TableName() string { return "websites" }

type databaseRow struct {
	ID             string `gorm:"primaryKey"`
	Name           string `gorm:"uniqueIndex;not null"`
	EngineUsername string
	EngineSecret   string
	EngineKind     string
	LifecycleState string
	WebsiteID      string `gorm:"index"`
	OwnerID        string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (databaseRow) TableName() string { return "site_databases" }

type emailRow struct {
	ID        string `gorm:"primaryKey"`
	Address   string `gorm:"uniqueIndex;not null"`
	Secret    string
	Domain    string
	QuotaMB   int
	OwnerID   string `gorm:"index"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (emailRow) TableName() string { return "email_accounts" }

type backupRow struct {
	ID          string `gorm:"primaryKey"`
	Name        string
	SubjectKind string
	SubjectID   string
	StoragePath string
	SizeBytes   int64
	Status      string
	Error       string
	OwnerID     string
	CreatedAt   time.Time `gorm:"index"`
}

func (backupRow) TableName() string { return "backups" }

type auditRow struct {
	ID        string `gorm:"primaryKey"`
	ActorID   string
	Action    string
	Target    string
	Summary   string
	CreatedAt time.Time
}

func (auditRow) TableName() string { return "audit_logs" }

// SQLite is the embedded record store.
type SQLite struct {
	db *gorm.DB
}

// NewSQLite opens (creating if needed) the database file at path and
// migrates the schema.
func NewSQLite(path string) (*SQLite, error) {
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_pragma=busy_timeout(5000)"
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, errors.Annotate(err, "open sqlite")
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Trace(err)
	}
	// One writer at a time; sqlite serialises anyway.
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&userRow{}, &sessionRow{}, &websiteRow{}, &databaseRow{}, &emailRow{}, &backupRow{}, &auditRow{}); err != nil {
		return nil, errors.Annotate(err, "migrating sqlite schema")
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return errors.Trace(err)
	}
	return sqlDB.Close()
}

func isDuplicate(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey) || (err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed"))
}

func gormNotFound(err error, what, key string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return errors.NotFoundf("%s %q", what, key)
	}
	return errors.Annotatef(err, "%s %q", what, key)
}

func (s *SQLite) conn(ctx context.Context) *gorm.DB { return s.db.WithContext(ctx) }

func (s *SQLite) CreateUser(ctx context.Context, u models.User) (models.User, error) {
	if u.ID == "" {
		u.ID = newID("user")
	}
	stamp(&u.CreatedAt, nil)
	row := userRow{ID: u.ID, Username: u.Username, Email: u.Email, IsAdmin: u.IsAdmin, PasswordHash: u.PasswordHash, CreatedAt: u.CreatedAt}
	if err := s.conn(ctx).Create(&row).Error; err != nil {
		if isDuplicate(err) {
			return models.User{}, errors.AlreadyExistsf("user %q", u.Username)
		}
		return models.User{}, errors.Annotate(err, "create user")
	}
	return u, nil
}

func userFromRow(r userRow) models.User {
	return models.User{ID: r.ID, Username: r.Username, Email: r.Email, IsAdmin: r.IsAdmin, PasswordHash: r.PasswordHash, CreatedAt: r.CreatedAt}
}

func (s *SQLite) GetUser(ctx context.Context, id string) (models.User, error) {
	var r userRow
	if err := s.conn(ctx).First(&r, "id = ?", id).Error; err != nil {
		return models.User{}, gormNotFound(err, "user", id)
	}
	return userFromRow(r), nil
}

func (s *SQLite) GetUserByUsername(ctx context.Context, username string) (models.User, error) {
	var r userRow
	if err := s.conn(ctx).First(&r, "username = ?", username).Error; err != nil {
		return models.User{}, gormNotFound(err, "user", username)
	}
	return userFromRow(r), nil
}

func (s *SQLite) ListUsers(ctx context.Context) ([]models.User, error) {
	var rows []userRow
	if err := s.conn(ctx).Order("created_at ASC").Find(&rows).Error; err != nil {
		return nil, errors.Annotate(err, "list users")
	}
	out := make([]models.User, 0, len(rows))
	for _, r := range rows {
		out = append(out, userFromRow(r))
	}
	return out, nil
}

func (s *SQLite) UpdateUser(ctx context.Context, u models.User) (models.User, error) {
	res := s.conn(ctx).Model(&userRow{}).Where("id = ?", u.ID).Updates(map[string]any{
		"email":         u.Email,
		"is_admin":      u.IsAdmin,
		"password_hash": u.PasswordHash,
	})
	if res.Error != nil {
		return models.User{}, errors.Annotate(res.Error, "update user")
	}
	if res.RowsAffected == 0 {
		return models.User{}, errors.NotFoundf("user %q", u.ID)
	}
	return u, nil
}

func (s *SQLite) CountAdmins(ctx context.Context) (int, error) {
	var n int64
	err := s.conn(ctx).Model(&userRow{}).Where("is_admin = ?", true).Count(&n).Error
	return int(n), errors.Trace(err)
}

func (s *SQLite) CreateSession(ctx context.Context, sess models.Session) error {
	row := sessionRow{Token: sess.Token, UserID: sess.UserID, ExpiresAt: sess.ExpiresAt.UTC()}
	return errors.Annotate(s.conn(ctx).Create(&row).Error, "create session")
}

func (s *SQLite) GetSession(ctx context.Context, token string) (models.Session, error) {
	var r sessionRow
	if err := s.conn(ctx).First(&r, "token = ? AND expires_at > ?", token, now()).Error; err != nil {
		return models.Session{}, gormNotFound(err, "session", "")
	}
	return models.Session{Token: r.Token, UserID: r.UserID, ExpiresAt: r.ExpiresAt}, nil
}

func (s *SQLite) DeleteSession(ctx context.Context, token string) error {
	return errors.Trace(s.conn(ctx).Delete(&sessionRow{}, "token = ?", token).Error)
}

func websiteToRow(w models.Website) websiteRow {
	return websiteRow{
		ID: w.ID, Name: w.Name, Domain: w.Domain, Kind: string(w.Kind), LifecycleState: string(w.LifecycleState),
		DocumentRoot: w.DocumentRoot, RuntimeVersion: w.RuntimeVersion, UpstreamPort: w.UpstreamPort,
		TLSEnabled: w.TLSEnabled, TLSCertPath: w.TLSCertPath, TLSKeyPath: w.TLSKeyPath, OwnerID: w.OwnerID,
		CreatedAt: w.CreatedAt, UpdatedAt: w.UpdatedAt,
	}
}

func websiteFromRow(r websiteRow) models.Website {
	return models.Website{
		ID: r.ID, Name: r.Name, Domain: r.Domain, Kind: models.WebsiteKind(r.Kind), LifecycleState: models.LifecycleState(r.LifecycleState),
		DocumentRoot: r.DocumentRoot, RuntimeVersion: r.RuntimeVersion, UpstreamPort: r.UpstreamPort,
		TLSEnabled: r.TLSEnabled, TLSCertPath: r.TLSCertPath, TLSKeyPath: r.TLSKeyPath, OwnerID: r.OwnerID,
		CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt,
	}
}

func (s *SQLite) CreateWebsite(ctx context.Context, w models.Website) (models.Website, error) {
	if w.ID == "" {
		w.ID = newID("site")
	}
	stamp(&w.CreatedAt, &w.UpdatedAt)
	row := websiteToRow(w)
	if err := s.conn(ctx).Create(&row).Error; err != nil {
		if isDuplicate(err) {
			return models.Website{}, errors.AlreadyExistsf("website for domain %q", w.Domain)
		}
		return models.Website{}, errors.Annotate(err, "create website")
	}
	return w, nil
}

func (s *SQLite) GetWebsite(ctx context.Context, id string) (models.Website, error) {
	var r websiteRow
	if err := s.conn(ctx).First(&r, "id = ?", id).Error; err != nil {
		return models.Website{}, gormNotFound(err, "website", id)
	}
	return websiteFromRow(r), nil
}

func (s *SQLite) GetWebsiteByDomain(ctx context.Context, domain string) (models.Website, error) {
	var r websiteRow
	if err := s.conn(ctx).First(&r, "domain = ?", domain).Error; err != nil {
		return models.Website{}, gormNotFound(err, "website for domain", domain)
	}
	return websiteFromRow(r), nil
}

func (s *SQLite) UpdateWebsite(ctx context.Context, w models.Website) (models.Website, error) {
	stamp(nil, &w.UpdatedAt)
	res := s.conn(ctx).Model(&websiteRow{}).Where("id = ?", w.ID).Updates(map[string]any{
		"name":            w.Name,
		"lifecycle_state": string(w.LifecycleState),
		"document_root":   w.DocumentRoot,
		"runtime_version": w.RuntimeVersion,
		"upstream_port":   w.UpstreamPort,
		"tls_enabled":     w.TLSEnabled,
		"tls_cert_path":   w.TLSCertPath,
		"tls_key_path":    w.TLSKeyPath,
		"updated_at":      w.UpdatedAt,
	})
	if res.Error != nil {
		return models.Website{}, errors.Annotate(res.Error, "update website")
	}
	if res.RowsAffected == 0 {
		return models.Website{}, errors.NotFoundf("website %q", w.ID)
	}
	return w, nil
}

func (s *SQLite) DeleteWebsite(ctx context.Context, id string) error {
	return s.deleteByID(ctx, &websiteRow{}, "website", id)
}

func (s *SQLite) deleteByID(ctx context.Context, model any, what, id string) error {
	res := s.conn(ctx).Delete(model, "id = ?", id)
	if res.Error != nil {
		return errors.Annotatef(res.Error, "delete %s", what)
	}
	if res.RowsAffected == 0 {
		return errors.NotFoundf("%s %q", what, id)
	}
	return nil
}

func ownerScope(ownerID string) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		if ownerID == "" {
			return db
		}
		return db.Where("owner_id = ?", ownerID)
	}
}

func (s *SQLite) ListWebsites(ctx context.Context, f models.ListFilter) ([]models.Website, int, error) {
	p := f.Page.Normalize()
	var total int64
	if err := s.conn(ctx).Model(&websiteRow{}).Scopes(ownerScope(f.OwnerID)).Count(&total).Error; err != nil {
		return nil, 0, errors.Annotate(err, "count websites")
	}
	var rows []websiteRow
	err := s.conn(ctx).Scopes(ownerScope(f.OwnerID)).Order("created_at ASC, id ASC").Offset(p.Offset).Limit(p.Limit).Find(&rows).Error
	if err != nil {
		return nil, 0, errors.Annotate(err, "list websites")
	}
	out := make([]models.Website, 0, len(rows))
	for _, r := range rows {
		out = append(out, websiteFromRow(r))
	}
	return out, int(total), nil
}

func databaseFromRow(r databaseRow) models.Database {
	return models.Database{
		ID: r.ID, Name: r.Name, EngineUsername: r.EngineUsername, EngineSecret: r.EngineSecret,
		EngineKind: models.EngineKind(r.EngineKind), LifecycleState: models.LifecycleState(r.LifecycleState),
		WebsiteID: r.WebsiteID, OwnerID: r.OwnerID, CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt,
	}
}

func (s *SQLite) CreateDatabase(ctx context.Context, d models.Database) (models.Database, error) {
	if d.ID == "" {
		d.ID = newID("db")
	}
	stamp(&d.CreatedAt, &d.UpdatedAt)
	row := databaseRow{
		ID: d.ID, Name: d.Name, EngineUsername: d.EngineUsername, EngineSecret: d.EngineSecret,
		EngineKind: string(d.EngineKind), LifecycleState: string(d.LifecycleState),
		WebsiteID: d.WebsiteID, OwnerID: d.OwnerID, CreatedAt: d.CreatedAt, UpdatedAt: d.UpdatedAt,
	}
	if err := s.conn(ctx).Create(&row).Error; err != nil {
		if isDuplicate(err) {
			return models.Database{}, errors.AlreadyExistsf("database %q", d.Name)
		}
		return models.Database{}, errors.Annotate(err, "create database")
	}
	return d, nil
}

func (s *SQLite) GetDatabase(ctx context.Context, id string) (models.Database, error) {
	var r databaseRow
	if err := s.conn(ctx).First(&r, "id = ?", id).Error; err != nil {
		return models.Database{}, gormNotFound(err, "database", id)
	}
	return databaseFromRow(r), nil
}

func (s *SQLite) GetDatabaseByName(ctx context.Context, name string) (models.Database, error) {
	var r databaseRow
	if err := s.conn(ctx).First(&r, "name = ?", name).Error; err != nil {
		return models.Database{}, gormNotFound(err, "database", name)
	}
	return databaseFromRow(r), nil
}

func (s *SQLite) UpdateDatabase(ctx context.Context, d models.Database) (models.Database, error) {
	stamp(nil, &d.UpdatedAt)
	res := s.conn(ctx).Model(&databaseRow{}).Where("id = ?", d.ID).Updates(map[string]any{
		"engine_secret":   d.EngineSecret,
		"lifecycle_state": string(d.LifecycleState),
		"website_id":      d.WebsiteID,
		"owner_id":        d.OwnerID,
		"updated_at":      d.UpdatedAt,
	})
	if res.Error != nil {
		return models.Database{}, errors.Annotate(res.Error, "update database")
	}
	if res.RowsAffected == 0 {
		return models.Database{}, errors.NotFoundf("database %q", d.ID)
	}
	return d, nil
}

func (s *SQLite) DeleteDatabase(ctx context.Context, id string) error {
	return s.deleteByID(ctx, &databaseRow{}, "database", id)
}

func (s *SQLite) ListDatabases(ctx context.Context, f models.ListFilter) ([]models.Database, int, error) {
	p := f.Page.Normalize()
	scoped := func() *gorm.DB {
		q := s.conn(ctx).Model(&databaseRow{})
		if f.OwnerID != "" {
			q = q.Joins("LEFT JOIN websites ON websites.id = site_databases.website_id").
				Where("site_databases.owner_id = ? OR websites.owner_id = ?", f.OwnerID, f.OwnerID)
		}
		return q
	}
	var total int64
	if err := scoped().Count(&total).Error; err != nil {
		return nil, 0, errors.Annotate(err, "count databases")
	}
	var rows []databaseRow
	err := scoped().Select("site_databases.*").
		Order("site_databases.created_at ASC, site_databases.id ASC").
		Offset(p.Offset).Limit(p.Limit).Find(&rows).Error
	if err != nil {
		return nil, 0, errors.Annotate(err, "list databases")
	}
	out := make([]models.Database, 0, len(rows))
	for _, r := range rows {
		out = append(out, databaseFromRow(r))
	}
	return out, int(total), nil
}

func (s *SQLite) ListDatabasesByWebsite(ctx context.Context, websiteID string) ([]models.Database, error) {
	var rows []databaseRow
	if err := s.conn(ctx).Where("website_id = ?", websiteID).Order("created_at ASC, id ASC").Find(&rows).Error; err != nil {
		return nil, errors.Annotate(err, "list website databases")
	}
	out := make([]models.Database, 0, len(rows))
	for _, r := range rows {
		out = append(out, databaseFromRow(r))
	}
	return out, nil
}

func emailFromRow(r emailRow) models.EmailAccount {
	return models.EmailAccount{
		ID: r.ID, Address: r.Address, Secret: r.Secret, Domain: r.Domain, QuotaMB: r.QuotaMB,
		OwnerID: r.OwnerID, CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt,
	}
}

func (s *SQLite) CreateEmailAccount(ctx context.Context, a models.EmailAccount) (models.EmailAccount, error) {
	if a.ID == "" {
		a.ID = newID("mbx")
	}
	stamp(&a.CreatedAt, &a.UpdatedAt)
	row := emailRow{
		ID: a.ID, Address: a.Address, Secret: a.Secret, Domain: a.Domain, QuotaMB: a.QuotaMB,
		OwnerID: a.OwnerID, CreatedAt: a.CreatedAt, UpdatedAt: a.UpdatedAt,
	}
	if err := s.conn(ctx).Create(&row).Error; err != nil {
		if isDuplicate(err) {
			return models.EmailAccount{}, errors.AlreadyExistsf("email account %q", a.Address)
		}
		return models.EmailAccount{}, errors.Annotate(err, "create email account")
	}
	return a, nil
}

func (s *SQLite) GetEmailAccount(ctx context.Context, id string) (models.EmailAccount, error) {
	var r emailRow
	if err := s.conn(ctx).First(&r, "id = ?", id).Error; err != nil {
		return models.EmailAccount{}, gormNotFound(err, "email account", id)
	}
	return emailFromRow(r), nil
}

func (s *SQLite) GetEmailAccountByAddress(ctx context.Context, address string) (models.EmailAccount, error) {
	var r emailRow
	if err := s.conn(ctx).First(&r, "address = ?", address).Error; err != nil {
		return models.EmailAccount{}, gormNotFound(err, "email account", address)
	}
	return emailFromRow(r), nil
}

func (s *SQLite) UpdateEmailAccount(ctx context.Context, a models.EmailAccount) (models.EmailAccount, error) {
	stamp(nil, &a.UpdatedAt)
	res := s.conn(ctx).Model(&emailRow{}).Where("id = ?", a.ID).Updates(map[string]any{
		"secret":     a.Secret,
		"quota_mb":   a.QuotaMB,
		"updated_at": a.UpdatedAt,
	})
	if res.Error != nil {
		return models.EmailAccount{}, errors.Annotate(res.Error, "update email account")
	}
	if res.RowsAffected == 0 {
		return models.EmailAccount{}, errors.NotFoundf("email account %q", a.ID)
	}
	return a, nil
}

func (s *SQLite) DeleteEmailAccount(ctx context.Context, id string) error {
	return s.deleteByID(ctx, &emailRow{}, "email account", id)
}

func (s *SQLite) ListEmailAccounts(ctx context.Context, f models.ListFilter) ([]models.EmailAccount, int, error) {
	p := f.Page.Normalize()
	var total int64
	if err := s.conn(ctx).Model(&emailRow{}).Scopes(ownerScope(f.OwnerID)).Count(&total).Error; err != nil {
		return nil, 0, errors.Annotate(err, "count email accounts")
	}
	var rows []emailRow
	err := s.conn(ctx).Scopes(ownerScope(f.OwnerID)).Order("created_at ASC, id ASC").Offset(p.Offset).Limit(p.Limit).Find(&rows).Error
	if err != nil {
		return nil, 0, errors.Annotate(err, "list email accounts")
	}
	out := make([]models.EmailAccount, 0, len(rows))
	for _, r := range rows {
		out = append(out, emailFromRow(r))
	}
	return out, int(total), nil
}

func backupFromRow(r backupRow) models.Backup {
	return models.Backup{
		ID: r.ID, Name: r.Name, SubjectKind: models.BackupKind(r.SubjectKind), SubjectID: r.SubjectID,
		StoragePath: r.StoragePath, SizeBytes: r.SizeBytes, Status: models.BackupStatus(r.Status),
		Error: r.Error, OwnerID: r.OwnerID, CreatedAt: r.CreatedAt,
	}
}

func (s *SQLite) CreateBackup(ctx context.Context, b models.Backup) (models.Backup, error) {
	if b.ID == "" {
		b.ID = newID("backup")
	}
	stamp(&b.CreatedAt, nil)
	row := backupRow{
		ID: b.ID, Name: b.Name, SubjectKind: string(b.SubjectKind), SubjectID: b.SubjectID,
		StoragePath: b.StoragePath, SizeBytes: b.SizeBytes, Status: string(b.Status),
		Error: b.Error, OwnerID: b.OwnerID, CreatedAt: b.CreatedAt,
	}
	if err := s.conn(ctx).Create(&row).Error; err != nil {
		return models.Backup{}, errors.Annotate(err, "create backup")
	}
	return b, nil
}

func (s *SQLite) GetBackup(ctx context.Context, id string) (models.Backup, error) {
	var r backupRow
	if err := s.conn(ctx).First(&r, "id = ?", id).Error; err != nil {
		return models.Backup{}, gormNotFound(err, "backup", id)
	}
	return backupFromRow(r), nil
}

func (s *SQLite) UpdateBackup(ctx context.Context, b models.Backup) (models.Backup, error) {
	res := s.conn(ctx).Model(&backupRow{}).Where("id = ?", b.ID).Updates(map[string]any{
		"storage_path": b.StoragePath,
		"size_bytes":   b.SizeBytes,
		"status":       string(b.Status),
		"error":        b.Error,
	})
	if res.Error != nil {
		return models.Backup{}, errors.Annotate(res.Error, "update backup")
	}
	if res.RowsAffected == 0 {
		return models.Backup{}, errors.NotFoundf("backup %q", b.ID)
	}
	return b, nil
}

func (s *SQLite) ListBackups(ctx context.Context, f models.ListFilter) ([]models.Backup, int, error) {
	p := f.Page.Normalize()
	var total int64
	if err := s.conn(ctx).Model(&backupRow{}).Scopes(ownerScope(f.OwnerID)).Count(&total).Error; err != nil {
		return nil, 0, errors.Annotate(err, "count backups")
	}
	var rows []backupRow
	err := s.conn(ctx).Scopes(ownerScope(f.OwnerID)).Order("created_at DESC, id ASC").Offset(p.Offset).Limit(p.Limit).Find(&rows).Error
	if err != nil {
		return nil, 0, errors.Annotate(err, "list backups")
	}
	out := make([]models.Backup, 0, len(rows))
	for _, r := range rows {
		out = append(out, backupFromRow(r))
	}
	return out, int(total), nil
}

func (s *SQLite) LatestCompletedBackup(ctx context.Context, kind models.BackupKind, subjectID string) (models.Backup, error) {
	var r backupRow
	err := s.conn(ctx).
		Where("status = ? AND subject_kind = ? AND subject_id = ?", string(models.BackupCompleted), string(kind), subjectID).
		Order("created_at DESC").First(&r).Error
	if err != nil {
		return models.Backup{}, gormNotFound(err, "completed backup of "+string(kind), subjectID)
	}
	return backupFromRow(r), nil
}

func (s *SQLite) AddAudit(ctx context.Context, entry models.AuditLog) error {
	if entry.ID == "" {
		entry.ID = newID("audit")
	}
	stamp(&entry.CreatedAt, nil)
	row := auditRow{ID: entry.ID, ActorID: entry.ActorID, Action: entry.Action, Target: entry.Target, Summary: entry.Summary, CreatedAt: entry.CreatedAt}
	return errors.Annotate(s.conn(ctx).Create(&row).Error, "add audit")
}

func (s *SQLite) ListAudit(ctx context.Context, p models.Page) ([]models.AuditLog, error) {
	p = p.Normalize()
	var rows []auditRow
	if err := s.conn(ctx).Order("created_at DESC").Offset(p.Offset).Limit(p.Limit).Find(&rows).Error; err != nil {
		return nil, errors.Annotate(err, "list audit")
	}
	out := make([]models.AuditLog, 0, len(rows))
	for _, r := range rows {
		out = append(out, models.AuditLog{ID: r.ID, ActorID: r.ActorID, Action: r.Action, Target: r.Target, Summary: r.Summary, CreatedAt: r.CreatedAt})
	}
	return out, nil
}
