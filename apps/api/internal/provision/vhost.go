package provision

import (
	"github.com/nebula-panel/nebula/apps/api/internal/adapters/webserver"
	"github.com/nebula-panel/nebula/apps/api/internal/models"
)

// backendFor picks how the web server serves each kind.
type backendFor struct{ site *webserver.Site }

func (b backendFor) Static(Static) error {
	b.site.Backend = webserver.BackendStatic
	return nil
}

func (b backendFor) PHP(k PHP) error {
	b.site.Backend, b.site.PHPVersion = webserver.BackendPHP, k.Version
	return nil
}

func (b backendFor) WordPress(k WordPress) error {
	b.site.Backend, b.site.PHPVersion = webserver.BackendPHP, k.PHPVersion
	return nil
}

func (b backendFor) PythonApp(k PythonApp) error {
	b.site.Backend, b.site.UpstreamPort = webserver.BackendProxy, k.Port
	return nil
}

func (b backendFor) Container(k Container) error {
	b.site.Backend, b.site.UpstreamPort = webserver.BackendProxy, k.Port
	return nil
}

// siteFor renders the vhost description of a record. withTLS selects the
// HTTPS variant when the record carries certificate paths.
func siteFor(w models.Website, withTLS bool) (webserver.Site, error) {
	kind, err := kindOf(w)
	if err != nil {
		return webserver.Site{}, err
	}
	site := webserver.Site{Domain: w.Domain, DocumentRoot: w.DocumentRoot}
	if err := kind.Accept(backendFor{site: &site}); err != nil {
		return webserver.Site{}, err
	}
	if withTLS && w.TLSCertPath != "" && w.TLSKeyPath != "" {
		site.TLS = &webserver.TLSPaths{CertPath: w.TLSCertPath, KeyPath: w.TLSKeyPath}
	}
	return site, nil
}
