package archive

import (
	"archive/tar"
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"filippo.io/age"
	qt "github.com/frankban/quicktest"
	"github.com/juju/errors"
	"github.com/klauspost/compress/gzip"
)

func tree(c *qt.C) string {
	dir := c.TempDir()
	c.Assert(os.MkdirAll(filepath.Join(dir, "assets"), 0o755), qt.IsNil)
	c.Assert(os.WriteFile(filepath.Join(dir, "index.html"), []byte("<h1>hi</h1>"), 0o644), qt.IsNil)
	c.Assert(os.WriteFile(filepath.Join(dir, "assets", "app.css"), []byte("body{}"), 0o644), qt.IsNil)
	return dir
}

func TestRoundTripPlain(t *testing.T) {
	c := qt.New(t)
	src := tree(c)
	out := filepath.Join(c.TempDir(), "site"+Extension(nil))

	size, err := CreateFile(out, []Source{{Dir: src, Prefix: "example.com"}}, nil)
	c.Assert(err, qt.IsNil)
	info, err := os.Stat(out)
	c.Assert(err, qt.IsNil)
	c.Assert(size, qt.Equals, info.Size())

	dst := c.TempDir()
	c.Assert(ExtractFile(out, dst, nil), qt.IsNil)
	data, err := os.ReadFile(filepath.Join(dst, "example.com", "assets", "app.css"))
	c.Assert(err, qt.IsNil)
	c.Assert(string(data), qt.Equals, "body{}")
}

func TestRoundTripEncrypted(t *testing.T) {
	c := qt.New(t)
	id, err := age.GenerateX25519Identity()
	c.Assert(err, qt.IsNil)
	recipients, err := ParseRecipients([]string{id.Recipient().String(), " "})
	c.Assert(err, qt.IsNil)
	c.Assert(recipients, qt.HasLen, 1)

	out := filepath.Join(c.TempDir(), "site"+Extension(recipients))
	c.Assert(out, qt.Matches, `.*\.tar\.zst\.age`)
	_, err = CreateFile(out, []Source{{Dir: tree(c), Prefix: "www"}}, recipients)
	c.Assert(err, qt.IsNil)

	c.Assert(errors.Is(ExtractFile(out, c.TempDir(), nil), errors.NotValid), qt.IsTrue)

	dst := c.TempDir()
	c.Assert(ExtractFile(out, dst, []age.Identity{id}), qt.IsNil)
	_, err = os.Stat(filepath.Join(dst, "www", "index.html"))
	c.Assert(err, qt.IsNil)
}

func TestParseRecipientsRejectsGarbage(t *testing.T) {
	c := qt.New(t)
	_, err := ParseRecipients([]string{"age1nope"})
	c.Assert(errors.Is(err, errors.NotValid), qt.IsTrue)
}

func tarGz(c *qt.C, entries map[string]string, links map[string]string) *bytes.Buffer {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, body := range entries {
		c.Assert(tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: int64(len(body)), Typeflag: tar.TypeReg}), qt.IsNil)
		_, err := tw.Write([]byte(body))
		c.Assert(err, qt.IsNil)
	}
	for name, target := range links {
		c.Assert(tw.WriteHeader(&tar.Header{Name: name, Linkname: target, Typeflag: tar.TypeSymlink}), qt.IsNil)
	}
	c.Assert(tw.Close(), qt.IsNil)
	c.Assert(gz.Close(), qt.IsNil)
	return &buf
}

func TestExtractTarGzStripsComponents(t *testing.T) {
	c := qt.New(t)
	buf := tarGz(c, map[string]string{
		"wordpress/index.php":          "<?php",
		"wordpress/wp-admin/admin.php": "<?php admin",
	}, nil)

	dst := c.TempDir()
	c.Assert(ExtractTarGz(buf, dst, 1), qt.IsNil)
	data, err := os.ReadFile(filepath.Join(dst, "wp-admin", "admin.php"))
	c.Assert(err, qt.IsNil)
	c.Assert(string(data), qt.Equals, "<?php admin")
}

func TestExtractRejectsEscapingSymlink(t *testing.T) {
	c := qt.New(t)
	buf := tarGz(c, nil, map[string]string{"wordpress/evil": "/etc/passwd"})

	err := ExtractTarGz(buf, c.TempDir(), 1)
	c.Assert(errors.Is(err, errors.Forbidden), qt.IsTrue)
}
