package blob

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/Martian-dev/mail-archiver/internal/sync"
)

// DirStore keeps attachments on the local filesystem under
// <root>/<container>/<uuid>-<name>. The reference is the path relative to root.
type DirStore struct {
	root string
}

var _ sync.BlobStore = (*DirStore)(nil)

// NewDirStore creates the root directory if needed.
func NewDirStore(root string) (*DirStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating blob directory: %w", err)
	}
	return &DirStore{root: root}, nil
}

// Upload writes data to a new file.
func (d *DirStore) Upload(ctx context.Context, container string, data []byte, meta sync.BlobMeta) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	dir := filepath.Join(d.root, safeName(container))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating container %s: %w", container, err)
	}

	name := uuid.NewString()
	if n := safeName(meta.Name); n != "" {
		name += "-" + n
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("writing blob %s: %w", meta.Name, err)
	}

	rel, err := filepath.Rel(d.root, path)
	if err != nil {
		return "", err
	}
	return filepath.ToSlash(rel), nil
}

// safeName drops path separators so names cannot escape the container.
func safeName(s string) string {
	s = strings.NewReplacer("/", "_", `\`, "_").Replace(s)
	s = strings.TrimSpace(s)
	if s == "." || s == ".." {
		return "_"
	}
	return s
}
