// Package mail maintains virtual mailboxes for postfix and dovecot: a
// dovecot passwd-file holding bcrypt hashes, and the postfix virtual mailbox
// and domain maps.
package mail

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/juju/errors"

	"github.com/nebula-panel/nebula/apps/api/internal/adapters/svcctl"
	"github.com/nebula-panel/nebula/apps/api/internal/security"
	"github.com/nebula-panel/nebula/packages/lib/hostexec"
	"github.com/nebula-panel/nebula/packages/lib/validate"
)

// Mailbox is one virtual mailbox. SecretHash is a bcrypt hash; plaintext
// never reaches the toolchain.
type Mailbox struct {
	Address    string
	SecretHash string
	QuotaMB    int
}

type Toolchain interface {
	CreateMailbox(ctx context.Context, mb Mailbox) error
	UpdateMailbox(ctx context.Context, mb Mailbox) error
	DeleteMailbox(ctx context.Context, address string) error
}

type Config struct {
	PasswdFile   string
	MailboxMap   string
	DomainsMap   string
	MailRoot     string
	PurgeMaildir bool
	Timeout      time.Duration
}

type Postfix struct {
	cfg      Config
	runner   hostexec.Runner
	services svcctl.Controller

	mu sync.Mutex
}

func NewPostfix(cfg Config, runner hostexec.Runner, services svcctl.Controller) *Postfix {
	return &Postfix{cfg: cfg, runner: runner, services: services}
}

type entry struct {
	hash  string
	quota int
}

func (p *Postfix) load() (map[string]entry, error) {
	data, err := os.ReadFile(p.cfg.PasswdFile)
	if os.IsNotExist(err) {
		return map[string]entry{}, nil
	}
	if err != nil {
		return nil, errors.Annotatef(err, "read %s", p.cfg.PasswdFile)
	}
	out := make(map[string]entry)
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, ":")
		if len(fields) < 2 {
			continue
		}
		out[fields[0]] = entry{hash: strings.TrimPrefix(fields[1], "{BLF-CRYPT}"), quota: parseQuota(line)}
	}
	return out, errors.Trace(sc.Err())
}

// Quota rules contain a colon, so they are parsed from the whole line.
func parseQuota(line string) int {
	i := strings.Index(line, "storage=")
	if i < 0 {
		return 0
	}
	var q int
	fmt.Sscanf(line[i:], "storage=%dM", &q)
	return q
}

func writeAtomic(path string, body []byte, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Trace(err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, body, mode); err != nil {
		return errors.Annotatef(err, "write %s", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return errors.Annotatef(err, "install %s", path)
	}
	return nil
}

func (p *Postfix) store(ctx context.Context, boxes map[string]entry) error {
	if err := p.writeMaps(ctx, boxes); err != nil {
		return err
	}
	if err := p.services.Reload(ctx, "postfix"); err != nil {
		return err
	}
	return p.services.Reload(ctx, "dovecot")
}

// Prepare writes the passwd file and both maps from the current mailboxes
// and rebuilds the postfix lookup tables. Services are left alone, so it is
// safe to call before postfix and dovecot are running.
func (p *Postfix) Prepare(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	boxes, err := p.load()
	if err != nil {
		return err
	}
	return errors.Annotate(p.writeMaps(ctx, boxes), "prepare mail maps")
}

func (p *Postfix) writeMaps(ctx context.Context, boxes map[string]entry) error {
	addrs := make([]string, 0, len(boxes))
	for a := range boxes {
		addrs = append(addrs, a)
	}
	sort.Strings(addrs)

	var passwd, mailboxes, domains bytes.Buffer
	seen := map[string]bool{}
	for _, a := range addrs {
		e := boxes[a]
		local, domain, _ := strings.Cut(a, "@")
		extra := ""
		if e.quota > 0 {
			extra = fmt.Sprintf("userdb_quota_rule=*:storage=%dM", e.quota)
		}
		fmt.Fprintf(&passwd, "%s:{BLF-CRYPT}%s::::::%s\n", a, e.hash, extra)
		fmt.Fprintf(&mailboxes, "%s %s/%s/\n", a, domain, local)
		if !seen[domain] {
			seen[domain] = true
			fmt.Fprintf(&domains, "%s OK\n", domain)
		}
	}
	if err := writeAtomic(p.cfg.PasswdFile, passwd.Bytes(), 0o640); err != nil {
		return err
	}
	maps := []struct {
		path string
		body []byte
	}{{p.cfg.MailboxMap, mailboxes.Bytes()}, {p.cfg.DomainsMap, domains.Bytes()}}
	for _, m := range maps {
		if err := writeAtomic(m.path, m.body, 0o644); err != nil {
			return err
		}
		if _, err := p.runner.Run(ctx, hostexec.Command{Name: "postmap", Args: []string{m.path}, Timeout: p.cfg.Timeout}); err != nil {
			return errors.Annotatef(err, "postmap %s", m.path)
		}
	}
	return nil
}

func (p *Postfix) put(ctx context.Context, mb Mailbox, create bool) error {
	addr, _, _, err := validate.NormalizeMailbox(mb.Address)
	if err != nil {
		return err
	}
	if mb.SecretHash == "" || strings.ContainsAny(mb.SecretHash, ":\n") {
		return errors.NotValidf("secret hash for %s", addr)
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	boxes, err := p.load()
	if err != nil {
		return err
	}
	_, exists := boxes[addr]
	switch {
	case create && exists:
		return errors.AlreadyExistsf("mailbox %s", addr)
	case !create && !exists:
		return errors.NotFoundf("mailbox %s", addr)
	}
	boxes[addr] = entry{hash: mb.SecretHash, quota: mb.QuotaMB}
	return errors.Annotatef(p.store(ctx, boxes), "mailbox %s", addr)
}

func (p *Postfix) CreateMailbox(ctx context.Context, mb Mailbox) error { return p.put(ctx, mb, true) }

func (p *Postfix) UpdateMailbox(ctx context.Context, mb Mailbox) error { return p.put(ctx, mb, false) }

// DeleteMailbox removes the mailbox from the maps. A missing mailbox is not
// an error.
func (p *Postfix) DeleteMailbox(ctx context.Context, address string) error {
	addr, local, domain, err := validate.NormalizeMailbox(address)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	boxes, err := p.load()
	if err != nil {
		return err
	}
	if _, ok := boxes[addr]; ok {
		delete(boxes, addr)
		if err := p.store(ctx, boxes); err != nil {
			return errors.Annotatef(err, "mailbox %s", addr)
		}
	}
	if p.cfg.PurgeMaildir && p.cfg.MailRoot != "" {
		dir := filepath.Join(p.cfg.MailRoot, domain, local)
		if err := security.Contained(p.cfg.MailRoot, dir); err != nil {
			return err
		}
		if err := os.RemoveAll(dir); err != nil {
			return errors.Annotatef(err, "purge %s", dir)
		}
	}
	return nil
}

// Exists reports whether address is present in the passwd-file.
func (p *Postfix) Exists(address string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	boxes, err := p.load()
	if err != nil {
		return false, err
	}
	_, ok := boxes[strings.ToLower(address)]
	return ok, nil
}
