// Package containers drives the docker CLI. Output is requested as JSON and
// decoded here so no docker format leaks to callers.
package containers

import (
	"bufio"
	"context"
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"github.com/juju/errors"

	"github.com/nebula-panel/nebula/apps/api/internal/security"
	"github.com/nebula-panel/nebula/packages/lib/failure"
	"github.com/nebula-panel/nebula/packages/lib/hostexec"
)

type Container struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Image   string `json:"image"`
	State   string `json:"state"`
	Status  string `json:"status"`
	Ports   string `json:"ports"`
	Created string `json:"created"`
}

type Image struct {
	ID         string `json:"id"`
	Repository string `json:"repository"`
	Tag        string `json:"tag"`
	Size       string `json:"size"`
	Created    string `json:"created"`
}

// Runtime is the container surface used by the container service.
type Runtime interface {
	List(ctx context.Context) ([]Container, error)
	Get(ctx context.Context, id string) (Container, error)
	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id string) error
	Restart(ctx context.Context, id string) error
	Remove(ctx context.Context, id string) error
	ListImages(ctx context.Context) ([]Image, error)
	PullImage(ctx context.Context, ref string) error
	RemoveImage(ctx context.Context, ref string) error
	ComposeUp(ctx context.Context, fileRef string) error
	ComposeDown(ctx context.Context, fileRef string) error
}

type Config struct {
	// Binary is the docker CLI; "docker" when empty.
	Binary         string
	// ComposeRoot holds every compose project the panel may drive.
	ComposeRoot    string
	Timeout        time.Duration
	ComposeTimeout time.Duration
	PullTimeout    time.Duration
}

type Docker struct {
	cfg    Config
	runner hostexec.Runner
}

func NewDocker(cfg Config, runner hostexec.Runner) *Docker {
	if cfg.Binary == "" {
		cfg.Binary = "docker"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.ComposeTimeout <= 0 {
		cfg.ComposeTimeout = 300 * time.Second
	}
	if cfg.PullTimeout <= 0 {
		cfg.PullTimeout = 10 * time.Minute
	}
	return &Docker{cfg: cfg, runner: runner}
}

var (
	idRe  = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,127}$`)
	refRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._/:@-]{0,254}$`)
)

func checkID(id string) error {
	if !idRe.MatchString(id) {
		return errors.NotValidf("container id %q", id)
	}
	return nil
}

func checkRef(ref string) error {
	if !refRe.MatchString(ref) {
		return errors.NotValidf("image reference %q", ref)
	}
	return nil
}

func (d *Docker) docker(ctx context.Context, timeout time.Duration, args ...string) (string, error) {
	res, err := d.runner.Run(ctx, hostexec.Command{Name: d.cfg.Binary, Args: args, Timeout: timeout})
	if err != nil {
		if strings.Contains(strings.ToLower(failure.Diagnostic(err)), "no such") {
			return "", errors.NewNotFound(err, failure.Diagnostic(err))
		}
		return "", err
	}
	return res.Output, nil
}

type psLine struct {
	ID        string `json:"ID"`
	Names     string `json:"Names"`
	Image     string `json:"Image"`
	State     string `json:"State"`
	Status    string `json:"Status"`
	Ports     string `json:"Ports"`
	CreatedAt string `json:"CreatedAt"`
}

func (l psLine) container() Container {
	return Container{ID: l.ID, Name: l.Names, Image: l.Image, State: l.State, Status: l.Status, Ports: l.Ports, Created: l.CreatedAt}
}

type imageLine struct {
	ID         string `json:"ID"`
	Repository string `json:"Repository"`
	Tag        string `json:"Tag"`
	Size       string `json:"Size"`
	CreatedAt  string `json:"CreatedAt"`
}

// decodeLines decodes one JSON document per non-empty line.
func decodeLines[T any](out string) ([]T, error) {
	items := make([]T, 0)
	sc := bufio.NewScanner(strings.NewReader(out))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var v T
		if err := json.Unmarshal([]byte(line), &v); err != nil {
			return nil, failure.Tool("docker", line, err)
		}
		items = append(items, v)
	}
	return items, errors.Trace(sc.Err())
}

func (d *Docker) List(ctx context.Context) ([]Container, error) {
	out, err := d.docker(ctx, d.cfg.Timeout, "ps", "--all", "--no-trunc", "--format", "{{json .}}")
	if err != nil {
		return nil, errors.Annotate(err, "list containers")
	}
	lines, err := decodeLines[psLine](out)
	if err != nil {
		return nil, err
	}
	list := make([]Container, 0, len(lines))
	for _, l := range lines {
		list = append(list, l.container())
	}
	return list, nil
}

func (d *Docker) Get(ctx context.Context, id string) (Container, error) {
	if err := checkID(id); err != nil {
		return Container{}, err
	}
	out, err := d.docker(ctx, d.cfg.Timeout, "ps", "--all", "--no-trunc", "--filter", "id="+id, "--format", "{{json .}}")
	if err != nil {
		return Container{}, errors.Annotatef(err, "get container %s", id)
	}
	lines, err := decodeLines[psLine](out)
	if err != nil {
		return Container{}, err
	}
	if len(lines) == 0 {
		// The id filter misses names, so fall back to a name match.
		out, err = d.docker(ctx, d.cfg.Timeout, "ps", "--all", "--no-trunc", "--filter", "name=^/?"+regexp.QuoteMeta(id)+"$", "--format", "{{json .}}")
		if err != nil {
			return Container{}, errors.Annotatef(err, "get container %s", id)
		}
		if lines, err = decodeLines[psLine](out); err != nil {
			return Container{}, err
		}
	}
	if len(lines) == 0 {
		return Container{}, errors.NotFoundf("container %q", id)
	}
	return lines[0].container(), nil
}

func (d *Docker) lifecycle(ctx context.Context, verb, id string, extra ...string) error {
	if err := checkID(id); err != nil {
		return err
	}
	args := append([]string{verb}, extra...)
	_, err := d.docker(ctx, d.cfg.Timeout, append(args, id)...)
	return errors.Annotatef(err, "%s container %s", verb, id)
}

func (d *Docker) Start(ctx context.Context, id string) error   { return d.lifecycle(ctx, "start", id) }
func (d *Docker) Stop(ctx context.Context, id string) error    { return d.lifecycle(ctx, "stop", id) }
func (d *Docker) Restart(ctx context.Context, id string) error { return d.lifecycle(ctx, "restart", id) }
func (d *Docker) Remove(ctx context.Context, id string) error  { return d.lifecycle(ctx, "rm", id, "--force") }

func (d *Docker) ListImages(ctx context.Context) ([]Image, error) {
	out, err := d.docker(ctx, d.cfg.Timeout, "images", "--no-trunc", "--format", "{{json .}}")
	if err != nil {
		return nil, errors.Annotate(err, "list images")
	}
	lines, err := decodeLines[imageLine](out)
	if err != nil {
		return nil, err
	}
	images := make([]Image, 0, len(lines))
	for _, l := range lines {
		images = append(images, Image{ID: l.ID, Repository: l.Repository, Tag: l.Tag, Size: l.Size, Created: l.CreatedAt})
	}
	return images, nil
}

func (d *Docker) PullImage(ctx context.Context, ref string) error {
	if err := checkRef(ref); err != nil {
		return err
	}
	_, err := d.docker(ctx, d.cfg.PullTimeout, "pull", "--quiet", ref)
	return errors.Annotatef(err, "pull %s", ref)
}

func (d *Docker) RemoveImage(ctx context.Context, ref string) error {
	if err := checkRef(ref); err != nil {
		return err
	}
	_, err := d.docker(ctx, d.cfg.Timeout, "rmi", ref)
	return errors.Annotatef(err, "remove image %s", ref)
}

// composeFile resolves fileRef inside the compose root.
func (d *Docker) composeFile(fileRef string) (string, error) {
	if d.cfg.ComposeRoot == "" {
		return "", errors.NotValidf("compose root not configured")
	}
	path, err := security.SafeJoin(d.cfg.ComposeRoot, fileRef)
	if err != nil {
		return "", err
	}
	if err := security.CheckSymlinkEscape(d.cfg.ComposeRoot, path); err != nil {
		return "", err
	}
	return path, nil
}

func (d *Docker) ComposeUp(ctx context.Context, fileRef string) error {
	path, err := d.composeFile(fileRef)
	if err != nil {
		return err
	}
	_, err = d.docker(ctx, d.cfg.ComposeTimeout, "compose", "-f", path, "up", "-d", "--remove-orphans")
	return errors.Annotatef(err, "compose up %s", fileRef)
}

func (d *Docker) ComposeDown(ctx context.Context, fileRef string) error {
	path, err := d.composeFile(fileRef)
	if err != nil {
		return err
	}
	_, err = d.docker(ctx, d.cfg.ComposeTimeout, "compose", "-f", path, "down")
	return errors.Annotatef(err, "compose down %s", fileRef)
}
