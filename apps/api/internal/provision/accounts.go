package provision

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/juju/errors"
	"golang.org/x/crypto/bcrypt"

	"github.com/nebula-panel/nebula/apps/api/internal/access"
	"github.com/nebula-panel/nebula/apps/api/internal/models"
	"github.com/nebula-panel/nebula/packages/lib/validate"
)

const defaultSessionTTL = 12 * time.Hour

type UserCreate struct {
	Username string `json:"username" validate:"required,min=3,max=32"`
	Email    string `json:"email" validate:"omitempty,email"`
	Password string `json:"password" validate:"required,min=8,max=72"`
	IsAdmin  bool   `json:"is_admin"`
}

// UserPatch changes the fields that are set. Users may patch their own email
// and password; only an admin may set IsAdmin.
type UserPatch struct {
	Email    *string `json:"email" validate:"omitempty,email"`
	Password *string `json:"password" validate:"omitempty,min=8,max=72"`
	IsAdmin  *bool   `json:"is_admin"`
}

type AccountService struct {
	Deps
	ttl time.Duration
}

func NewAccountService(deps Deps, sessionTTL time.Duration) *AccountService {
	if sessionTTL <= 0 {
		sessionTTL = defaultSessionTTL
	}
	return &AccountService{Deps: deps, ttl: sessionTTL}
}

// Bootstrap creates the first admin. It is a no-op once any admin exists.
func (s *AccountService) Bootstrap(ctx context.Context, username, password string) (bool, error) {
	n, err := s.Store.CountAdmins(ctx)
	if err != nil {
		return false, errors.Trace(err)
	}
	if n > 0 {
		return false, nil
	}
	u, err := s.create(ctx, UserCreate{Username: username, Password: password, IsAdmin: true})
	if err != nil {
		return false, errors.Annotate(err, "bootstrap admin")
	}
	s.Audit(ctx, access.System, "user.bootstrap", u.ID, u.Username)
	return true, nil
}

func (s *AccountService) Create(ctx context.Context, actor access.Actor, spec UserCreate) (models.User, error) {
	if err := s.Gate.Admin(actor); err != nil {
		return models.User{}, err
	}
	u, err := s.create(ctx, spec)
	if err != nil {
		return models.User{}, err
	}
	s.Audit(ctx, actor, "user.create", u.ID, u.Username)
	return u, nil
}

func (s *AccountService) create(ctx context.Context, spec UserCreate) (models.User, error) {
	if err := validate.Struct(spec); err != nil {
		return models.User{}, err
	}
	if err := validate.ValidateUsername(spec.Username); err != nil {
		return models.User{}, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(spec.Password), bcrypt.DefaultCost)
	if err != nil {
		return models.User{}, errors.Trace(err)
	}
	return s.Store.CreateUser(ctx, models.User{
		Username:     spec.Username,
		Email:        spec.Email,
		IsAdmin:      spec.IsAdmin,
		PasswordHash: string(hash),
	})
}

func (s *AccountService) List(ctx context.Context, actor access.Actor) ([]models.User, error) {
	if err := s.Gate.Admin(actor); err != nil {
		return nil, err
	}
	return s.Store.ListUsers(ctx)
}

// Me returns the actor's own account.
func (s *AccountService) Me(ctx context.Context, actor access.Actor) (models.User, error) {
	if actor.ID == "" {
		return models.User{}, errors.Unauthorizedf("no actor")
	}
	return s.Store.GetUser(ctx, actor.ID)
}

func (s *AccountService) UpdateSelf(ctx context.Context, actor access.Actor, patch UserPatch) (models.User, error) {
	if actor.ID == "" {
		return models.User{}, errors.Unauthorizedf("no actor")
	}
	if patch.IsAdmin != nil {
		return models.User{}, errors.Forbiddenf("changing own admin flag")
	}
	u, err := s.update(ctx, actor.ID, patch)
	if err != nil {
		return models.User{}, err
	}
	s.Audit(ctx, actor, "user.update", u.ID, "self")
	return u, nil
}

// Update changes another account. The last admin cannot be demoted.
func (s *AccountService) Update(ctx context.Context, actor access.Actor, id string, patch UserPatch) (models.User, error) {
	if err := s.Gate.Admin(actor); err != nil {
		return models.User{}, err
	}
	u, err := s.update(ctx, id, patch)
	if err != nil {
		return models.User{}, err
	}
	s.Audit(ctx, actor, "user.update", u.ID, u.Username)
	return u, nil
}

func (s *AccountService) update(ctx context.Context, id string, patch UserPatch) (models.User, error) {
	if err := validate.Struct(patch); err != nil {
		return models.User{}, err
	}
	u, err := s.Store.GetUser(ctx, id)
	if err != nil {
		return models.User{}, err
	}
	if patch.Email != nil {
		u.Email = *patch.Email
	}
	if patch.Password != nil {
		hash, err := bcrypt.GenerateFromPassword([]byte(*patch.Password), bcrypt.DefaultCost)
		if err != nil {
			return models.User{}, errors.Trace(err)
		}
		u.PasswordHash = string(hash)
	}
	if patch.IsAdmin != nil {
		if u.IsAdmin && !*patch.IsAdmin {
			n, err := s.Store.CountAdmins(ctx)
			if err != nil {
				return models.User{}, errors.Trace(err)
			}
			if n <= 1 {
				return models.User{}, errors.NotValidf("demoting the last admin %s", u.Username)
			}
		}
		u.IsAdmin = *patch.IsAdmin
	}
	return s.Store.UpdateUser(ctx, u)
}

// Authenticate checks the credentials and opens a session. Unknown users and
// wrong passwords give the same error.
func (s *AccountService) Authenticate(ctx context.Context, username, password string) (models.Session, error) {
	u, err := s.Store.GetUserByUsername(ctx, username)
	if errors.Is(err, errors.NotFound) {
		return models.Session{}, errors.Unauthorizedf("invalid credentials")
	} else if err != nil {
		return models.Session{}, errors.Trace(err)
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return models.Session{}, errors.Unauthorizedf("invalid credentials")
	}
	sess := models.Session{
		Token:     uuid.NewString(),
		UserID:    u.ID,
		ExpiresAt: s.Now().Add(s.ttl),
	}
	if err := s.Store.CreateSession(ctx, sess); err != nil {
		return models.Session{}, errors.Trace(err)
	}
	s.Logger.Info().Str("user_id", u.ID).Msg("session opened")
	return sess, nil
}

// Resolve maps a session token to its actor.
func (s *AccountService) Resolve(ctx context.Context, token string) (access.Actor, error) {
	if token == "" {
		return access.Actor{}, errors.Unauthorizedf("missing session")
	}
	sess, err := s.Store.GetSession(ctx, token)
	if errors.Is(err, errors.NotFound) {
		return access.Actor{}, errors.Unauthorizedf("invalid session")
	} else if err != nil {
		return access.Actor{}, errors.Trace(err)
	}
	if !sess.ExpiresAt.After(s.Now()) {
		return access.Actor{}, errors.Unauthorizedf("session expired")
	}
	u, err := s.Store.GetUser(ctx, sess.UserID)
	if errors.Is(err, errors.NotFound) {
		return access.Actor{}, errors.Unauthorizedf("invalid session")
	} else if err != nil {
		return access.Actor{}, errors.Trace(err)
	}
	return access.ActorOf(u), nil
}

func (s *AccountService) Logout(ctx context.Context, token string) error {
	return s.Store.DeleteSession(ctx, token)
}
