package models

import "time"

type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email,omitempty"`
	IsAdmin      bool      `json:"is_admin"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

type Session struct {
	Token     string    `json:"token"`
	UserID    string    `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

type WebsiteKind string

const (
	KindWordPress WebsiteKind = "wordpress"
	KindPHP       WebsiteKind = "php"
	KindStatic    WebsiteKind = "static"
	KindPythonApp WebsiteKind = "python-app"
	KindContainer WebsiteKind = "container"
)

type LifecycleState string

const (
	StateActive    LifecycleState = "active"
	StateInactive  LifecycleState = "inactive"
	StateSuspended LifecycleState = "suspended"
)

func (s LifecycleState) Valid() bool {
	switch s {
	case StateActive, StateInactive, StateSuspended:
		return true
	}
	return false
}

type Website struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Domain         string         `json:"domain"`
	Kind           WebsiteKind    `json:"kind"`
	LifecycleState LifecycleState `json:"lifecycle_state"`
	DocumentRoot   string         `json:"document_root"`
	RuntimeVersion string         `json:"runtime_version,omitempty"`
	// UpstreamPort is the local port proxied to for python-app and container sites.
	UpstreamPort int       `json:"upstream_port,omitempty"`
	TLSEnabled   bool      `json:"tls_enabled"`
	TLSCertPath  string    `json:"tls_cert_path,omitempty"`
	TLSKeyPath   string    `json:"tls_key_path,omitempty"`
	OwnerID      string    `json:"owner_id"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type EngineKind string

const (
	EngineMySQL    EngineKind = "mysql"
	EnginePostgres EngineKind = "postgresql"
)

func (k EngineKind) Valid() bool { return k == EngineMySQL || k == EnginePostgres }

type Database struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	EngineUsername string         `json:"engine_username"`
	EngineSecret   string         `json:"-"`
	EngineKind     EngineKind     `json:"engine_kind"`
	LifecycleState LifecycleState `json:"lifecycle_state"`
	WebsiteID      string         `json:"website_id,omitempty"`
	// OwnerID is set for standalone databases; website databases resolve
	// ownership through the website.
	OwnerID   string    `json:"owner_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type EmailAccount struct {
	ID        string    `json:"id"`
	Address   string    `json:"address"`
	Secret    string    `json:"-"`
	Domain    string    `json:"domain"`
	QuotaMB   int       `json:"quota_mb"`
	OwnerID   string    `json:"owner_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type BackupKind string

const (
	BackupWebsite    BackupKind = "website"
	BackupDatabase   BackupKind = "database"
	BackupFullSystem BackupKind = "full-system"
)

type BackupStatus string

const (
	BackupCompleted  BackupStatus = "completed"
	BackupFailed     BackupStatus = "failed"
	BackupInProgress BackupStatus = "in-progress"
)

type Backup struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	SubjectKind BackupKind   `json:"subject_kind"`
	SubjectID   string       `json:"subject_id,omitempty"`
	StoragePath string       `json:"storage_path"`
	SizeBytes   int64        `json:"size_bytes"`
	Status      BackupStatus `json:"status"`
	Error       string       `json:"error,omitempty"`
	OwnerID     string       `json:"owner_id,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}

type AuditLog struct {
	ID        string    `json:"id"`
	ActorID   string    `json:"actor_id"`
	Action    string    `json:"action"`
	Target    string    `json:"target"`
	Summary   string    `json:"summary"`
	CreatedAt time.Time `json:"created_at"`
}

// Page selects a slice of a listing. Limit <= 0 means the store default.
type Page struct {
	Offset int `json:"offset"`
	Limit  int `json:"limit"`
}

const (
	DefaultPageLimit = 100
	MaxPageLimit     = 500
)

func (p Page) Normalize() Page {
	if p.Offset < 0 {
		p.Offset = 0
	}
	if p.Limit <= 0 {
		p.Limit = DefaultPageLimit
	}
	if p.Limit > MaxPageLimit {
		p.Limit = MaxPageLimit
	}
	return p
}

// ListFilter narrows a listing. An empty OwnerID lists everything.
type ListFilter struct {
	OwnerID string
	Page    Page
}
