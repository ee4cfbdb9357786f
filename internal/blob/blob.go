// Package blob stores uploaded images on the local filesystem. Reports keep
// only the returned handle, a slash-separated path relative to the root
// such as "pollution_images/3f1c...e2.jpg".
package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/caspianwatch/caspianwatch/internal/types"
)

// Buckets used by the application.
const (
	BucketReports     = "pollution_images"
	BucketCompletions = "completion_images"
)

// DefaultMaxSize is the upload limit when none is configured.
const DefaultMaxSize = 10 << 20

// sniffLen is how much of the upload is inspected for its content type.
const sniffLen = 512

var extensions = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/gif":  ".gif",
	"image/webp": ".webp",
	"image/bmp":  ".bmp",
}

// Info describes a stored blob.
type Info struct {
	Handle      string
	Size        int64
	ContentType string
}

// FSStore keeps blobs as files under a root directory.
type FSStore struct {
	root    string
	maxSize int64
}

// NewFSStore creates root if needed. maxSize <= 0 takes DefaultMaxSize.
func NewFSStore(root string, maxSize int64) (*FSStore, error) {
	if root == "" {
		return nil, fmt.Errorf("blob: root directory must not be empty")
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("blob: resolve root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("blob: create root: %w", err)
	}
	return &FSStore{root: abs, maxSize: maxSize}, nil
}

// Root returns the absolute root directory.
func (s *FSStore) Root() string {
	return s.root
}

// Put stores an image read from r under bucket and returns its handle.
// Non-image content and uploads over the size limit fail with a
// ValidationError on the "image" field.
func (s *FSStore) Put(ctx context.Context, bucket string, r io.Reader) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if !validSegment(bucket) {
		return "", fmt.Errorf("blob: invalid bucket %q", bucket)
	}

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(r, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("blob: read upload: %w", err)
	}
	head = head[:n]
	if n == 0 {
		return "", types.NewValidationError("image", "the submitted file is empty")
	}
	ext, ok := extensions[http.DetectContentType(head)]
	if !ok {
		return "", types.NewValidationError("image", "upload a valid image; the file you uploaded was either not an image or a corrupted image")
	}

	dir := filepath.Join(s.root, bucket)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("blob: create bucket: %w", err)
	}
	name := uuid.NewString() + ext
	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return "", fmt.Errorf("blob: create temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	// Read one byte past the limit to detect oversize uploads.
	src := io.LimitReader(io.MultiReader(bytes.NewReader(head), r), s.maxSize+1)
	written, err := io.Copy(tmp, src)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", fmt.Errorf("blob: write upload: %w", err)
	}
	if written > s.maxSize {
		return "", types.NewValidationError("image", fmt.Sprintf("file is larger than %d bytes", s.maxSize))
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dir, name)); err != nil {
		return "", fmt.Errorf("blob: store upload: %w", err)
	}
	return path.Join(bucket, name), nil
}

// Open returns the blob's content. Unknown or malformed handles fail with
// types.ErrNotFound.
func (s *FSStore) Open(ctx context.Context, handle string) (io.ReadSeekCloser, *Info, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	p, err := s.resolve(handle)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(p) // #nosec G304 - resolve confines p to the root
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, types.NotFound("blob", handle)
		}
		return nil, nil, fmt.Errorf("blob: open %s: %w", handle, err)
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, nil, fmt.Errorf("blob: stat %s: %w", handle, err)
	}
	info := &Info{Handle: handle, Size: st.Size(), ContentType: contentTypeOf(handle)}
	return f, info, nil
}

// Exists reports whether handle names a stored blob.
func (s *FSStore) Exists(handle string) bool {
	p, err := s.resolve(handle)
	if err != nil {
		return false
	}
	st, err := os.Stat(p)
	return err == nil && st.Mode().IsRegular()
}

// Delete removes a blob. Deleting a missing blob is not an error.
func (s *FSStore) Delete(ctx context.Context, handle string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := s.resolve(handle)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("blob: delete %s: %w", handle, err)
	}
	return nil
}

// resolve maps a handle to a path, accepting exactly "<bucket>/<name>".
func (s *FSStore) resolve(handle string) (string, error) {
	bucket, name, ok := strings.Cut(handle, "/")
	if !ok || !validSegment(bucket) || !validSegment(name) || strings.HasPrefix(name, ".") {
		return "", types.NotFound("blob", handle)
	}
	return filepath.Join(s.root, bucket, name), nil
}

func validSegment(s string) bool {
	if s == "" || s == "." || s == ".." {
		return false
	}
	return !strings.ContainsAny(s, `/\`) && !strings.Contains(s, "..")
}

func contentTypeOf(handle string) string {
	ext := path.Ext(handle)
	for ct, e := range extensions {
		if e == ext {
			return ct
		}
	}
	return "application/octet-stream"
}
