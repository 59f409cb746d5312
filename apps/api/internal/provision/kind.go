package provision

import (
	"github.com/juju/errors"

	"github.com/nebula-panel/nebula/apps/api/internal/models"
	"github.com/nebula-panel/nebula/packages/lib/validate"
)

// Kind is the closed set of website kinds. Each variant carries only what it
// needs; code that branches on the kind implements KindVisitor, so a new
// kind does not compile until every visitor handles it.
type Kind interface {
	Name() models.WebsiteKind
	Accept(v KindVisitor) error
	isKind()
}

type KindVisitor interface {
	Static(k Static) error
	PHP(k PHP) error
	WordPress(k WordPress) error
	PythonApp(k PythonApp) error
	Container(k Container) error
}

type Static struct{}

type PHP struct{ Version string }

type WordPress struct{ PHPVersion string }

type PythonApp struct{ Port int }

type Container struct{ Port int }

func (Static) Name() models.WebsiteKind    { return models.KindStatic }
func (PHP) Name() models.WebsiteKind       { return models.KindPHP }
func (WordPress) Name() models.WebsiteKind { return models.KindWordPress }
func (PythonApp) Name() models.WebsiteKind { return models.KindPythonApp }
func (Container) Name() models.WebsiteKind { return models.KindContainer }

func (k Static) Accept(v KindVisitor) error    { return v.Static(k) }
func (k PHP) Accept(v KindVisitor) error       { return v.PHP(k) }
func (k WordPress) Accept(v KindVisitor) error { return v.WordPress(k) }
func (k PythonApp) Accept(v KindVisitor) error { return v.PythonApp(k) }
func (k Container) Accept(v KindVisitor) error { return v.Container(k) }

func (Static) isKind()    {}
func (PHP) isKind()       {}
func (WordPress) isKind() {}
func (PythonApp) isKind() {}
func (Container) isKind() {}

const (
	defaultPythonPort    = 8000
	defaultContainerPort = 8080
)

// kindOf rebuilds the variant held by a stored record.
func kindOf(w models.Website) (Kind, error) {
	switch w.Kind {
	case models.KindStatic:
		return Static{}, nil
	case models.KindPHP:
		return PHP{Version: w.RuntimeVersion}, nil
	case models.KindWordPress:
		return WordPress{PHPVersion: w.RuntimeVersion}, nil
	case models.KindPythonApp:
		return PythonApp{Port: w.UpstreamPort}, nil
	case models.KindContainer:
		return Container{Port: w.UpstreamPort}, nil
	}
	return nil, errors.NotValidf("website kind %q", w.Kind)
}

// newKind builds the variant for a create request, filling defaults.
func newKind(kind models.WebsiteKind, runtimeVersion string, port int, defaultPHP string) (Kind, error) {
	if runtimeVersion == "" {
		runtimeVersion = defaultPHP
	}
	if kind == models.KindPHP || kind == models.KindWordPress {
		if err := validate.ValidateRuntimeVersion(runtimeVersion); err != nil {
			return nil, err
		}
	}
	switch kind {
	case models.KindStatic:
		return Static{}, nil
	case models.KindPHP:
		return PHP{Version: runtimeVersion}, nil
	case models.KindWordPress:
		return WordPress{PHPVersion: runtimeVersion}, nil
	case models.KindPythonApp:
		if port == 0 {
			port = defaultPythonPort
		}
		return PythonApp{Port: port}, nil
	case models.KindContainer:
		if port == 0 {
			port = defaultContainerPort
		}
		return Container{Port: port}, nil
	}
	return nil, errors.NotValidf("website kind %q", kind)
}

// recordFields copies the variant's data onto the record.
type recordFields struct{ w *models.Website }

func (r recordFields) Static(Static) error {
	r.w.RuntimeVersion, r.w.UpstreamPort = "", 0
	return nil
}

func (r recordFields) PHP(k PHP) error {
	r.w.RuntimeVersion, r.w.UpstreamPort = k.Version, 0
	return nil
}

func (r recordFields) WordPress(k WordPress) error {
	r.w.RuntimeVersion, r.w.UpstreamPort = k.PHPVersion, 0
	return nil
}

func (r recordFields) PythonApp(k PythonApp) error {
	r.w.RuntimeVersion, r.w.UpstreamPort = "", k.Port
	return nil
}

func (r recordFields) Container(k Container) error {
	r.w.RuntimeVersion, r.w.UpstreamPort = "", k.Port
	return nil
}

func applyKind(w *models.Website, k Kind) {
	w.Kind = k.Name()
	_ = k.Accept(recordFields{w: w})
}
