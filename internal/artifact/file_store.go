package artifact

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// FileStore serves file:// references from a base directory. Both
// file:///a/b and file://a/b resolve to <baseDir>/a/b.
type FileStore struct {
	baseDir string
}

// NewFileStore creates a file store rooted at baseDir
func NewFileStore(baseDir string) (*FileStore, error) {
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve artifact root: %w", err)
	}
	return &FileStore{baseDir: abs}, nil
}

// Scheme implements Store
func (s *FileStore) Scheme() string { return "file" }

// Fetch implements Store
func (s *FileStore) Fetch(ctx context.Context, ref *url.URL, w io.Writer) error {
	path, err := s.resolve(ref)
	if err != nil {
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, ref.String())
		}
		return fmt.Errorf("failed to open artifact: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat artifact: %w", err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%w: %s is not a regular file", ErrInvalidReference, ref.String())
	}

	if _, err := io.Copy(w, &contextReader{ctx: ctx, r: f}); err != nil {
		return fmt.Errorf("failed to copy artifact: %w", err)
	}
	return nil
}

// resolve keeps every reference inside the base directory
func (s *FileStore) resolve(ref *url.URL) (string, error) {
	rel := filepath.FromSlash(strings.TrimPrefix(ref.Host+ref.Path, "/"))
	if rel == "" {
		return "", fmt.Errorf("%w: empty path", ErrInvalidReference)
	}

	path := filepath.Join(s.baseDir, rel)
	within, err := filepath.Rel(s.baseDir, path)
	if err != nil || within == ".." || strings.HasPrefix(within, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s escapes artifact root", ErrInvalidReference, ref.String())
	}
	return path, nil
}

// contextReader stops a copy once ctx is done
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
