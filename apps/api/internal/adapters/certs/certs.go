// Package certs issues and manages ACME certificates with certbot using the
// webroot challenge served by every managed vhost.
package certs

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"time"

	"github.com/juju/errors"

	"github.com/nebula-panel/nebula/packages/lib/failure"
	"github.com/nebula-panel/nebula/packages/lib/hostexec"
	"github.com/nebula-panel/nebula/packages/lib/validate"
)

type Paths struct {
	CertPath string
	KeyPath  string
}

type Info struct {
	Subject   string
	Issuer    string
	DNSNames  []string
	NotBefore time.Time
	NotAfter  time.Time
}

// Issuer is the certificate authority surface used by the website service.
type Issuer interface {
	Issue(ctx context.Context, domain, contactEmail string) (Paths, error)
	Renew(ctx context.Context, domain string) error
	Revoke(ctx context.Context, domain string) error
}

type Config struct {
	Webroot    string
	LiveDir    string
	Staging    bool
	Timeout    time.Duration
	IncludeWWW bool
}

type Certbot struct {
	cfg    Config
	runner hostexec.Runner
}

func NewCertbot(cfg Config, runner hostexec.Runner) *Certbot {
	if cfg.LiveDir == "" {
		cfg.LiveDir = "/etc/letsencrypt/live"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	return &Certbot{cfg: cfg, runner: runner}
}

// PathsFor returns where certbot keeps the live files for domain.
func (c *Certbot) PathsFor(domain string) Paths {
	dir := filepath.Join(c.cfg.LiveDir, domain)
	return Paths{CertPath: filepath.Join(dir, "fullchain.pem"), KeyPath: filepath.Join(dir, "privkey.pem")}
}

func (c *Certbot) run(ctx context.Context, args ...string) error {
	if c.cfg.Staging {
		args = append(args, "--staging")
	}
	_, err := c.runner.Run(ctx, hostexec.Command{Name: "certbot", Args: args, Timeout: c.cfg.Timeout})
	return err
}

func (c *Certbot) Issue(ctx context.Context, domain, contactEmail string) (Paths, error) {
	domain, err := validate.NormalizeDomain(domain)
	if err != nil {
		return Paths{}, err
	}
	if _, _, _, err := validate.NormalizeMailbox(contactEmail); err != nil {
		return Paths{}, errors.Annotate(err, "contact email")
	}
	args := []string{
		"certonly", "--webroot", "--webroot-path", c.cfg.Webroot,
		"--cert-name", domain,
		"-d", domain,
	}
	if alias := validate.WWWAlias(domain); c.cfg.IncludeWWW && alias != "" {
		args = append(args, "-d", alias)
	}
	args = append(args, "--email", contactEmail, "--agree-tos", "--non-interactive", "--keep-until-expiring")
	if err := c.run(ctx, args...); err != nil {
		return Paths{}, errors.Annotatef(err, "issue certificate for %s", domain)
	}
	paths := c.PathsFor(domain)
	for _, p := range []string{paths.CertPath, paths.KeyPath} {
		// An unreadable live dir is fine when certbot ran through the agent.
		if _, err := os.Stat(p); os.IsNotExist(err) {
			return Paths{}, failure.Tool("certbot", "certificate file missing after issuance: "+p, err)
		}
	}
	return paths, nil
}

func (c *Certbot) Renew(ctx context.Context, domain string) error {
	return errors.Annotatef(c.run(ctx, "renew", "--cert-name", domain, "--non-interactive"), "renew %s", domain)
}

// RenewDue renews every certificate close to expiry.
func (c *Certbot) RenewDue(ctx context.Context) error {
	return errors.Annotate(c.run(ctx, "renew", "--non-interactive", "--quiet"), "renew certificates")
}

func (c *Certbot) Revoke(ctx context.Context, domain string) error {
	err := c.run(ctx, "revoke", "--cert-name", domain, "--delete-after-revoke", "--non-interactive")
	return errors.Annotatef(err, "revoke %s", domain)
}

// Inspect reads the leaf certificate for domain.
func (c *Certbot) Inspect(domain string) (Info, error) {
	return ReadInfo(c.PathsFor(domain).CertPath)
}

func ReadInfo(certPath string) (Info, error) {
	data, err := os.ReadFile(certPath)
	if os.IsNotExist(err) {
		return Info{}, errors.NotFoundf("certificate %s", certPath)
	}
	if err != nil {
		return Info{}, errors.Trace(err)
	}
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE" {
		return Info{}, errors.NotValidf("certificate %s", certPath)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return Info{}, errors.Annotatef(err, "parse %s", certPath)
	}
	return Info{
		Subject:   cert.Subject.CommonName,
		Issuer:    cert.Issuer.CommonName,
		DNSNames:  cert.DNSNames,
		NotBefore: cert.NotBefore,
		NotAfter:  cert.NotAfter,
	}, nil
}
