// Package blob stores chat attachments on an afero filesystem and serves
// them back over HTTP.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"

	"github.com/spf13/afero"
)

// ErrInvalidPath is returned for object paths that escape the store.
var ErrInvalidPath = errors.New("invalid object path")

// Store writes attachments under a root directory of an afero filesystem.
type Store struct {
	fs      afero.Fs
	baseURL string
}

// New returns a store that writes to fs and builds download URLs from
// publicURL, the externally reachable address of Handler's mount point.
func New(fs afero.Fs, publicURL string) *Store {
	return &Store{
		fs:      fs,
		baseURL: strings.TrimRight(publicURL, "/"),
	}
}

// NewDir returns a store rooted at dir on the OS filesystem.
func NewDir(dir, publicURL string) (*Store, error) {
	osfs := afero.NewOsFs()
	if err := osfs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}
	return New(afero.NewBasePathFs(osfs, dir), publicURL), nil
}

// clean returns p as an absolute slash-separated path within the store.
func clean(p string) (string, error) {
	p = path.Clean("/" + p)
	if p == "/" || strings.Contains(p, "\x00") {
		return "", ErrInvalidPath
	}
	return p, nil
}

// Upload implements chat.BlobStore. The object is written to a temporary
// file and renamed into place once complete, so readers never see a partial
// upload.
func (s *Store) Upload(ctx context.Context, p string, r io.Reader, size int64, progress func(written, total int64)) (string, error) {
	p, err := clean(p)
	if err != nil {
		return "", err
	}
	if err := s.fs.MkdirAll(path.Dir(p), 0o755); err != nil {
		return "", fmt.Errorf("mkdir: %w", err)
	}
	tmp := p + ".part"
	f, err := s.fs.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return "", fmt.Errorf("create: %w", err)
	}

	pr := &progressReader{ctx: ctx, r: r, total: size, fn: progress}
	_, err = io.Copy(f, pr)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = s.fs.Remove(tmp)
		return "", fmt.Errorf("write: %w", err)
	}
	if err := s.fs.Rename(tmp, p); err != nil {
		_ = s.fs.Remove(tmp)
		return "", fmt.Errorf("rename: %w", err)
	}
	return s.URL(p), nil
}

// URL returns the download URL of the object at p.
func (s *Store) URL(p string) string {
	segs := strings.Split(strings.TrimPrefix(path.Clean("/"+p), "/"), "/")
	for i, seg := range segs {
		segs[i] = url.PathEscape(seg)
	}
	return s.baseURL + "/" + strings.Join(segs, "/")
}

// Handler serves stored objects. Mount it with http.StripPrefix at the
// path of the public URL.
func (s *Store) Handler() http.Handler {
	return http.FileServer(afero.NewHttpFs(s.fs).Dir("/"))
}

// progressReader reports cumulative bytes read and stops once ctx is done.
type progressReader struct {
	ctx     context.Context
	r       io.Reader
	written int64
	total   int64
	fn      func(written, total int64)
}

func (pr *progressReader) Read(b []byte) (int, error) {
	if err := pr.ctx.Err(); err != nil {
		return 0, err
	}
	n, err := pr.r.Read(b)
	if n > 0 {
		pr.written += int64(n)
		if pr.fn != nil {
			pr.fn(pr.written, pr.total)
		}
	}
	return n, err
}
