package provision

import (
	"context"
	"time"

	"github.com/juju/errors"
	"golang.org/x/crypto/bcrypt"

	"github.com/nebula-panel/nebula/apps/api/internal/access"
	"github.com/nebula-panel/nebula/apps/api/internal/adapters/mail"
	"github.com/nebula-panel/nebula/apps/api/internal/models"
	"github.com/nebula-panel/nebula/packages/lib/failure"
	"github.com/nebula-panel/nebula/packages/lib/validate"
)

const defaultQuotaMB = 1000

type EmailCreate struct {
	Address string `json:"address" validate:"required,email"`
	Secret  string `json:"secret" validate:"required,min=8,max=128"`
	QuotaMB int    `json:"quota_mb" validate:"omitempty,min=1,max=1048576"`
	OwnerID string `json:"owner_id"`
}

type EmailPatch struct {
	Secret  *string `json:"secret"`
	QuotaMB *int    `json:"quota_mb"`
}

type EmailService struct {
	Deps
	mail mail.Toolchain
}

func NewEmailService(deps Deps, toolchain mail.Toolchain) *EmailService {
	return &EmailService{Deps: deps, mail: toolchain}
}

func hashSecret(secret string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	return string(h), errors.Trace(err)
}

// Create adds the mailbox to the mail toolchain first and stores the record
// after. If storing fails the mailbox is taken out again.
func (s *EmailService) Create(ctx context.Context, actor access.Actor, spec EmailCreate) (a models.EmailAccount, err error) {
	defer func(start time.Time) { s.Metrics.Observe("email", "create", start, err) }(time.Now())

	if err := validate.Struct(spec); err != nil {
		return models.EmailAccount{}, err
	}
	address, _, domain, err := validate.NormalizeMailbox(spec.Address)
	if err != nil {
		return models.EmailAccount{}, err
	}
	owner := actor.ID
	if spec.OwnerID != "" && spec.OwnerID != actor.ID {
		if err := s.Gate.Admin(actor); err != nil {
			return models.EmailAccount{}, err
		}
		owner = spec.OwnerID
	}
	if spec.QuotaMB == 0 {
		spec.QuotaMB = defaultQuotaMB
	}
	if _, err := s.Store.GetEmailAccountByAddress(ctx, address); err == nil {
		return models.EmailAccount{}, errors.AlreadyExistsf("email account %q", address)
	} else if !errors.Is(err, errors.NotFound) {
		return models.EmailAccount{}, errors.Trace(err)
	}
	hash, err := hashSecret(spec.Secret)
	if err != nil {
		return models.EmailAccount{}, err
	}

	if err := s.mail.CreateMailbox(ctx, mail.Mailbox{Address: address, SecretHash: hash, QuotaMB: spec.QuotaMB}); err != nil {
		return models.EmailAccount{}, failure.AtStep("mailbox", errors.Annotatef(err, "create email account %s", address))
	}
	a, err = s.Store.CreateEmailAccount(ctx, models.EmailAccount{
		Address: address,
		Secret:  hash,
		Domain:  domain,
		QuotaMB: spec.QuotaMB,
		OwnerID: owner,
	})
	if err != nil {
		if derr := s.mail.DeleteMailbox(ctx, address); derr != nil {
			s.Logger.Error().Err(derr).Str("address", address).Msg("remove mailbox after failed persist")
		}
		return models.EmailAccount{}, failure.AtStep("persist", errors.Annotatef(err, "create email account %s", address))
	}
	s.Audit(ctx, actor, "email.create", a.ID, address)
	return a, nil
}

func (s *EmailService) load(ctx context.Context, actor access.Actor, id string) (models.EmailAccount, error) {
	a, err := s.Store.GetEmailAccount(ctx, id)
	if err != nil {
		return models.EmailAccount{}, err
	}
	if err := s.Gate.EmailAccount(actor, a); err != nil {
		return models.EmailAccount{}, err
	}
	return a, nil
}

func (s *EmailService) Get(ctx context.Context, actor access.Actor, id string) (models.EmailAccount, error) {
	return s.load(ctx, actor, id)
}

func (s *EmailService) List(ctx context.Context, actor access.Actor, p models.Page) ([]models.EmailAccount, int, error) {
	return s.Store.ListEmailAccounts(ctx, s.Gate.Filter(actor, p))
}

func (s *EmailService) Update(ctx context.Context, actor access.Actor, id string, patch EmailPatch) (a models.EmailAccount, err error) {
	defer func(start time.Time) { s.Metrics.Observe("email", "update", start, err) }(time.Now())

	a, err = s.load(ctx, actor, id)
	if err != nil {
		return models.EmailAccount{}, err
	}
	previous := a
	if patch.QuotaMB != nil {
		if *patch.QuotaMB < 1 {
			return models.EmailAccount{}, errors.NotValidf("quota %d", *patch.QuotaMB)
		}
		a.QuotaMB = *patch.QuotaMB
	}
	if patch.Secret != nil {
		if l := len(*patch.Secret); l < 8 || l > 128 {
			return models.EmailAccount{}, errors.NotValidf("secret length")
		}
		if a.Secret, err = hashSecret(*patch.Secret); err != nil {
			return models.EmailAccount{}, err
		}
	}
	if err := s.mail.UpdateMailbox(ctx, mail.Mailbox{Address: a.Address, SecretHash: a.Secret, QuotaMB: a.QuotaMB}); err != nil {
		return models.EmailAccount{}, failure.AtStep("mailbox", errors.Annotatef(err, "update email account %s", a.Address))
	}
	updated, err := s.Store.UpdateEmailAccount(ctx, a)
	if err != nil {
		rollback := mail.Mailbox{Address: previous.Address, SecretHash: previous.Secret, QuotaMB: previous.QuotaMB}
		if rerr := s.mail.UpdateMailbox(ctx, rollback); rerr != nil {
			s.Logger.Error().Err(rerr).Str("address", a.Address).Msg("restore mailbox after failed persist")
		}
		return models.EmailAccount{}, failure.AtStep("persist", errors.Annotatef(err, "update email account %s", a.Address))
	}
	s.Audit(ctx, actor, "email.update", a.ID, a.Address)
	return updated, nil
}

// Delete removes the mailbox, then the record. The record is kept when the
// mailbox could not be removed.
func (s *EmailService) Delete(ctx context.Context, actor access.Actor, id string) (report Report, err error) {
	defer func(start time.Time) { s.Metrics.Observe("email", "delete", start, err) }(time.Now())

	a, err := s.load(ctx, actor, id)
	if err != nil {
		return Report{}, err
	}
	if err := report.record("mailbox", s.mail.DeleteMailbox(ctx, a.Address)); err != nil {
		report.skip("record", "mailbox still present")
		return report, failure.AtStep("mailbox", errors.Annotatef(err, "delete email account %s", a.Address))
	}
	if err := report.record("record", s.Store.DeleteEmailAccount(ctx, a.ID)); err != nil {
		return report, failure.AtStep("record", err)
	}
	s.Audit(ctx, actor, "email.delete", a.ID, a.Address)
	return report, nil
}
