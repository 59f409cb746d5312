package validate

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/juju/errors"
)

var (
	// Strict-ish FQDN validator: enforces at least one dot and sane label chars.
	domainRe = regexp.MustCompile(`^(?i:[a-z0-9](?:[a-z0-9-]{0,61}[a-z0-9])?)(?:\.(?i:[a-z0-9](?:[a-z0-9-]{0,61}[a-z0-9])?))+?$`)

	usernameRe = regexp.MustCompile(`^[a-z_][a-z0-9_.-]{2,31}$`)

	dbIdentRe = regexp.MustCompile(`^[a-z][a-z0-9_]{0,30}$`)

	localPartRe = regexp.MustCompile(`^[a-z0-9](?:[a-z0-9._+-]{0,62}[a-z0-9])?$`)

	versionRe = regexp.MustCompile(`^[0-9]+(\.[0-9]+){0,2}$`)
)

func NormalizeDomain(in string) (string, error) {
	d := strings.ToLower(strings.TrimSpace(in))
	d = strings.TrimSuffix(d, ".")
	if d == "" {
		return "", errors.NotValidf("empty domain")
	}
	if len(d) > 253 {
		return "", errors.NotValidf("domain longer than 253 characters")
	}
	if !domainRe.MatchString(d) {
		return "", errors.NotValidf("domain %q", in)
	}
	return d, nil
}

// WWWAlias returns the www. alias served alongside domain, or "" when the
// domain already is a www. name.
func WWWAlias(domain string) string {
	if strings.HasPrefix(domain, "www.") {
		return ""
	}
	return "www." + domain
}

func ValidateUsername(name string) error {
	if !usernameRe.MatchString(strings.TrimSpace(name)) {
		return errors.NotValidf("username %q", name)
	}
	return nil
}

// ValidateDBIdentifier accepts names that are safe as unquoted schema and
// role names on both MySQL and Postgres.
func ValidateDBIdentifier(id string) error {
	if id == "" {
		return errors.NotValidf("empty identifier")
	}
	if !dbIdentRe.MatchString(id) {
		return errors.NotValidf("identifier %q (use lowercase letters, digits, underscore; max 31 chars; must start with a letter)", id)
	}
	return nil
}

// NormalizeMailbox lowercases address and splits it into local part and domain.
func NormalizeMailbox(address string) (normalized, localPart, domain string, err error) {
	parts := strings.Split(strings.ToLower(strings.TrimSpace(address)), "@")
	if len(parts) != 2 {
		return "", "", "", errors.NotValidf("mailbox address %q", address)
	}
	if !localPartRe.MatchString(parts[0]) || strings.Contains(parts[0], "..") {
		return "", "", "", errors.NotValidf("mailbox local part %q", parts[0])
	}
	d, err := NormalizeDomain(parts[1])
	if err != nil {
		return "", "", "", err
	}
	return parts[0] + "@" + d, parts[0], d, nil
}

// ValidateRuntimeVersion accepts dotted numeric versions such as "8.2".
func ValidateRuntimeVersion(v string) error {
	if !versionRe.MatchString(v) {
		return errors.NotValidf("runtime version %q", v)
	}
	return nil
}

var (
	structOnce sync.Once
	structV    *validator.Validate
)

func structValidator() *validator.Validate {
	structOnce.Do(func() {
		structV = validator.New(validator.WithRequiredStructEnabled())
		_ = structV.RegisterValidation("dbident", func(fl validator.FieldLevel) bool {
			return dbIdentRe.MatchString(fl.Field().String())
		})
		_ = structV.RegisterValidation("domain", func(fl validator.FieldLevel) bool {
			_, err := NormalizeDomain(fl.Field().String())
			return err == nil
		})
	})
	return structV
}

// Struct runs the `validate` tags on v and reports violations as NotValid.
func Struct(v any) error {
	err := structValidator().Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return errors.Trace(err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
	}
	return errors.NotValidf("%s", strings.Join(msgs, "; "))
}
