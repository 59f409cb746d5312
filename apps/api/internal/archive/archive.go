// Package archive writes and reads backup archives: tar streams compressed
// with zstd and optionally encrypted to age recipients. It also unpacks the
// gzip tarballs that upstream projects publish.
package archive

import (
	"archive/tar"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"filippo.io/age"
	"github.com/juju/errors"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/nebula-panel/nebula/apps/api/internal/security"
)

// Source is one tree added to an archive under Prefix.
type Source struct {
	Dir    string
	Prefix string
}

// ParseRecipients parses age public keys ("age1...").
func ParseRecipients(keys []string) ([]age.Recipient, error) {
	out := make([]age.Recipient, 0, len(keys))
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		r, err := age.ParseX25519Recipient(k)
		if err != nil {
			return nil, errors.NotValidf("age recipient %q", k)
		}
		out = append(out, r)
	}
	return out, nil
}

// Extension is the file suffix for archives written with recipients.
func Extension(recipients []age.Recipient) string {
	if len(recipients) > 0 {
		return ".tar.zst.age"
	}
	return ".tar.zst"
}

// CreateFile writes sources to path and returns the archive size. The file
// appears at path only once complete.
func CreateFile(path string, sources []Source, recipients []age.Recipient) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return 0, errors.Trace(err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".archive-*")
	if err != nil {
		return 0, errors.Trace(err)
	}
	defer os.Remove(tmp.Name())

	if err := Write(tmp, sources, recipients); err != nil {
		tmp.Close()
		return 0, err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return 0, errors.Trace(err)
	}
	if err := tmp.Close(); err != nil {
		return 0, errors.Trace(err)
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		return 0, errors.Trace(err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return 0, errors.Annotatef(err, "install %s", path)
	}
	info, err := os.Stat(path)
	if err != nil {
		return 0, errors.Trace(err)
	}
	return info.Size(), nil
}

// Write streams a tar of sources through zstd, and age when recipients are
// given, into w.
func Write(w io.Writer, sources []Source, recipients []age.Recipient) error {
	var sink io.WriteCloser = nopCloser{w}
	if len(recipients) > 0 {
		enc, err := age.Encrypt(w, recipients...)
		if err != nil {
			return errors.Annotate(err, "age encrypt")
		}
		sink = enc
	}
	zw, err := zstd.NewWriter(sink, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return errors.Trace(err)
	}
	tw := tar.NewWriter(zw)
	for _, src := range sources {
		if err := addTree(tw, src); err != nil {
			zw.Close()
			return err
		}
	}
	if err := tw.Close(); err != nil {
		return errors.Trace(err)
	}
	if err := zw.Close(); err != nil {
		return errors.Trace(err)
	}
	return errors.Annotate(sink.Close(), "finish archive")
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

func addTree(tw *tar.Writer, src Source) error {
	info, err := os.Lstat(src.Dir)
	if err != nil {
		return errors.Annotatef(err, "archive source %s", src.Dir)
	}
	if !info.IsDir() {
		return addFile(tw, src.Dir, filepath.ToSlash(src.Prefix), info)
	}
	return filepath.WalkDir(src.Dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src.Dir, path)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(filepath.Join(src.Prefix, rel))
		if name == "." {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		return addFile(tw, path, name, info)
	})
}

func addFile(tw *tar.Writer, path, name string, info fs.FileInfo) error {
	var link string
	if info.Mode()&fs.ModeSymlink != 0 {
		target, err := os.Readlink(path)
		if err != nil {
			return errors.Trace(err)
		}
		link = target
	} else if !info.Mode().IsRegular() && !info.IsDir() {
		return nil
	}
	hdr, err := tar.FileInfoHeader(info, link)
	if err != nil {
		return errors.Trace(err)
	}
	hdr.Name = strings.TrimPrefix(name, "/")
	if info.IsDir() {
		hdr.Name += "/"
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return errors.Trace(err)
	}
	if !info.Mode().IsRegular() {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		return errors.Trace(err)
	}
	defer f.Close()
	_, err = io.Copy(tw, f)
	return errors.Annotatef(err, "archive %s", path)
}

// ExtractFile restores an archive written by CreateFile into dst.
func ExtractFile(path, dst string, identities []age.Identity) error {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return errors.NotFoundf("archive %s", path)
	}
	if err != nil {
		return errors.Trace(err)
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".age") {
		if len(identities) == 0 {
			return errors.NotValidf("encrypted archive without identity")
		}
		if r, err = age.Decrypt(f, identities...); err != nil {
			return errors.Annotate(err, "age decrypt")
		}
	}
	zr, err := zstd.NewReader(r)
	if err != nil {
		return errors.Trace(err)
	}
	defer zr.Close()
	return extract(tar.NewReader(zr), dst, 0)
}

// ExtractTarGz unpacks a gzip tarball into dst, dropping the first strip
// path components of every entry.
func ExtractTarGz(r io.Reader, dst string, strip int) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return errors.Annotate(err, "gzip")
	}
	defer gz.Close()
	return extract(tar.NewReader(gz), dst, strip)
}

func extract(tr *tar.Reader, dst string, strip int) error {
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return errors.Trace(err)
	}
	root, err := filepath.Abs(dst)
	if err != nil {
		return errors.Trace(err)
	}
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Annotate(err, "read archive")
		}
		parts := strings.Split(strings.Trim(hdr.Name, "/"), "/")
		if len(parts) <= strip {
			continue
		}
		target, err := security.SafeJoin(root, filepath.Join(parts[strip:]...))
		if err != nil {
			return err
		}
		if err := security.CheckSymlinkEscape(root, filepath.Dir(target)); err != nil {
			return err
		}
		mode := os.FileMode(hdr.Mode).Perm()
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, mode|0o700); err != nil {
				return errors.Trace(err)
			}
		case tar.TypeReg:
			if err := writeEntry(tr, target, mode); err != nil {
				return err
			}
		case tar.TypeSymlink:
			resolved := hdr.Linkname
			if !filepath.IsAbs(resolved) {
				resolved = filepath.Join(filepath.Dir(target), resolved)
			}
			if err := security.Contained(root, resolved); err != nil {
				return errors.Forbiddenf("symlink %s -> %s", hdr.Name, hdr.Linkname)
			}
			_ = os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return errors.Trace(err)
			}
		}
	}
}

func writeEntry(r io.Reader, target string, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return errors.Trace(err)
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode|0o600)
	if err != nil {
		return errors.Trace(err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return errors.Annotatef(err, "extract %s", target)
	}
	return errors.Trace(f.Close())
}
