package provision

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/juju/errors"

	"github.com/nebula-panel/nebula/apps/api/internal/archive"
	"github.com/nebula-panel/nebula/packages/lib/failure"
)

// Fetcher downloads upstream release archives.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (io.ReadCloser, error)
}

type HTTPFetcher struct {
	Client *http.Client
}

func NewHTTPFetcher(timeout time.Duration) *HTTPFetcher {
	return &HTTPFetcher{Client: &http.Client{Timeout: timeout}}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, url string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Trace(err)
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, failure.Tool("download", err.Error(), err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, failure.Tool("download", fmt.Sprintf("GET %s: %s", url, resp.Status), nil)
	}
	return resp.Body, nil
}

// scaffolder writes the starter files for one kind. Existing files are
// left alone so it is safe to run again during repair.
type scaffolder struct {
	ctx       context.Context
	root      string
	domain    string
	fetcher   Fetcher
	sourceURL string
}

func writeIfAbsent(path, body string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Trace(err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if os.IsExist(err) {
		return nil
	}
	if err != nil {
		return errors.Annotatef(err, "create %s", path)
	}
	if _, err := io.WriteString(f, body); err != nil {
		f.Close()
		return errors.Annotatef(err, "write %s", path)
	}
	return errors.Trace(f.Close())
}

func (s scaffolder) Static(Static) error {
	return writeIfAbsent(filepath.Join(s.root, "index.html"), welcomePage(s.domain, "Your static website is ready!", "Upload your files to this directory to get started."))
}

func (s scaffolder) PHP(PHP) error {
	return writeIfAbsent(filepath.Join(s.root, "index.php"), phpIndex)
}

func (s scaffolder) WordPress(WordPress) error {
	if _, err := os.Stat(filepath.Join(s.root, "wp-settings.php")); err == nil {
		return nil
	}
	if s.fetcher == nil || s.sourceURL == "" {
		return errors.NotValidf("wordpress source not configured")
	}
	body, err := s.fetcher.Fetch(s.ctx, s.sourceURL)
	if err != nil {
		return errors.Annotate(err, "download wordpress")
	}
	defer body.Close()
	return errors.Annotate(archive.ExtractTarGz(body, s.root, 1), "extract wordpress")
}

func (s scaffolder) PythonApp(k PythonApp) error {
	if err := writeIfAbsent(filepath.Join(s.root, "requirements.txt"), "Flask==2.3.3\ngunicorn==21.2.0\n"); err != nil {
		return err
	}
	return writeIfAbsent(filepath.Join(s.root, "app.py"), fmt.Sprintf(pythonApp, s.domain, k.Port))
}

func (s scaffolder) Container(k Container) error {
	if err := writeIfAbsent(filepath.Join(s.root, ComposeFile), fmt.Sprintf(composeFile, k.Port)); err != nil {
		return err
	}
	return writeIfAbsent(filepath.Join(s.root, "html", "index.html"),
		welcomePage(s.domain, "Your Docker container is ready!", "Edit the docker-compose.yml file to customize your setup."))
}

// ComposeFile is the compose project file of container sites.
const ComposeFile = "docker-compose.yml"

func welcomePage(domain, headline, hint string) string {
	return fmt.Sprintf(`<!DOCTYPE html>
<html>
<head>
    <title>Welcome to %[1]s</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 40px; }
        .container { max-width: 800px; margin: 0 auto; }
    </style>
</head>
<body>
    <div class="container">
        <h1>Welcome to %[1]s</h1>
        <p>%[2]s</p>
        <p>%[3]s</p>
    </div>
</body>
</html>
`, domain, headline, hint)
}

const phpIndex = `<!DOCTYPE html>
<html>
<head>
    <title><?php echo htmlspecialchars($_SERVER['HTTP_HOST']); ?></title>
</head>
<body>
    <h1>Welcome to <?php echo htmlspecialchars($_SERVER['HTTP_HOST']); ?></h1>
    <p>PHP version: <?php echo phpversion(); ?></p>
    <p>Server time: <?php echo date('Y-m-d H:i:s'); ?></p>
</body>
</html>
`

const pythonApp = `from flask import Flask, render_template_string

app = Flask(__name__)

PAGE = """<!DOCTYPE html>
<html>
<head><title>Welcome to {{ domain }}</title></head>
<body>
    <h1>Welcome to {{ domain }}</h1>
    <p>Your Python Flask application is ready!</p>
    <p>Edit app.py to customize your application.</p>
</body>
</html>"""


@app.route("/")
def index():
    return render_template_string(PAGE, domain="%s")


if __name__ == "__main__":
    app.run(host="127.0.0.1", port=%d)
`

const composeFile = `services:
  web:
    image: nginx:alpine
    ports:
      - "127.0.0.1:%d:80"
    volumes:
      - ./html:/usr/share/nginx/html:ro
    restart: unless-stopped
`
