package provision

import (
	"context"
	"path/filepath"
	"time"

	"github.com/juju/errors"

	"github.com/nebula-panel/nebula/apps/api/internal/access"
	"github.com/nebula-panel/nebula/apps/api/internal/adapters/containers"
	"github.com/nebula-panel/nebula/apps/api/internal/models"
)

// ContainerService exposes the container runtime. Raw container and image
// control is admin-only; site owners drive the compose project of their
// container websites.
type ContainerService struct {
	Deps
	runtime containers.Runtime
	webRoot string
}

func NewContainerService(deps Deps, runtime containers.Runtime, webRoot string) *ContainerService {
	return &ContainerService{Deps: deps, runtime: runtime, webRoot: webRoot}
}

func (s *ContainerService) List(ctx context.Context, actor access.Actor) ([]containers.Container, error) {
	if err := s.Gate.Admin(actor); err != nil {
		return nil, err
	}
	return s.runtime.List(ctx)
}

func (s *ContainerService) Get(ctx context.Context, actor access.Actor, id string) (containers.Container, error) {
	if err := s.Gate.Admin(actor); err != nil {
		return containers.Container{}, err
	}
	return s.runtime.Get(ctx, id)
}

// Action runs start, stop, restart or remove on a container.
func (s *ContainerService) Action(ctx context.Context, actor access.Actor, id, action string) (err error) {
	defer func(start time.Time) { s.Metrics.Observe("container", action, start, err) }(time.Now())

	if err := s.Gate.Admin(actor); err != nil {
		return err
	}
	var op func(context.Context, string) error
	switch action {
	case "start":
		op = s.runtime.Start
	case "stop":
		op = s.runtime.Stop
	case "restart":
		op = s.runtime.Restart
	case "remove":
		op = s.runtime.Remove
	default:
		return errors.NotValidf("container action %q", action)
	}
	if err := op(ctx, id); err != nil {
		return err
	}
	s.Audit(ctx, actor, "container."+action, id, "")
	return nil
}

func (s *ContainerService) ListImages(ctx context.Context, actor access.Actor) ([]containers.Image, error) {
	if err := s.Gate.Admin(actor); err != nil {
		return nil, err
	}
	return s.runtime.ListImages(ctx)
}

func (s *ContainerService) PullImage(ctx context.Context, actor access.Actor, ref string) error {
	if err := s.Gate.Admin(actor); err != nil {
		return err
	}
	if err := s.runtime.PullImage(ctx, ref); err != nil {
		return err
	}
	s.Audit(ctx, actor, "image.pull", ref, "")
	return nil
}

func (s *ContainerService) RemoveImage(ctx context.Context, actor access.Actor, ref string) error {
	if err := s.Gate.Admin(actor); err != nil {
		return err
	}
	if err := s.runtime.RemoveImage(ctx, ref); err != nil {
		return err
	}
	s.Audit(ctx, actor, "image.remove", ref, "")
	return nil
}

func (s *ContainerService) composeRef(ctx context.Context, actor access.Actor, websiteID string) (models.Website, string, error) {
	w, err := s.Store.GetWebsite(ctx, websiteID)
	if err != nil {
		return models.Website{}, "", err
	}
	if err := s.Gate.Website(actor, w); err != nil {
		return models.Website{}, "", err
	}
	if w.Kind != models.KindContainer {
		return models.Website{}, "", errors.NotValidf("compose for %s website", w.Kind)
	}
	rel, err := filepath.Rel(s.webRoot, filepath.Join(w.DocumentRoot, ComposeFile))
	if err != nil {
		return models.Website{}, "", errors.Trace(err)
	}
	return w, rel, nil
}

func (s *ContainerService) ComposeUp(ctx context.Context, actor access.Actor, websiteID string) (err error) {
	defer func(start time.Time) { s.Metrics.Observe("container", "compose_up", start, err) }(time.Now())

	w, ref, err := s.composeRef(ctx, actor, websiteID)
	if err != nil {
		return err
	}
	if err := s.runtime.ComposeUp(ctx, ref); err != nil {
		return err
	}
	s.Audit(ctx, actor, "compose.up", w.ID, w.Domain)
	return nil
}

func (s *ContainerService) ComposeDown(ctx context.Context, actor access.Actor, websiteID string) (err error) {
	defer func(start time.Time) { s.Metrics.Observe("container", "compose_down", start, err) }(time.Now())

	w, ref, err := s.composeRef(ctx, actor, websiteID)
	if err != nil {
		return err
	}
	if err := s.runtime.ComposeDown(ctx, ref); err != nil {
		return err
	}
	s.Audit(ctx, actor, "compose.down", w.ID, w.Domain)
	return nil
}
