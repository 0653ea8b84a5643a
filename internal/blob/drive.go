package blob

import (
	"bytes"
	"context"
	"fmt"

	"golang.org/x/oauth2"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/Martian-dev/mail-archiver/internal/sync"
)

// DriveStore uploads attachments to Google Drive. The container is the id of
// the parent folder; the returned reference is the Drive file id.
type DriveStore struct {
	svc *drive.Service
}

var _ sync.BlobStore = (*DriveStore)(nil)

// NewDriveStore creates a Drive store authorized by ts
func NewDriveStore(ctx context.Context, ts oauth2.TokenSource) (*DriveStore, error) {
	svc, err := drive.NewService(ctx, option.WithHTTPClient(oauth2.NewClient(ctx, ts)))
	if err != nil {
		return nil, fmt.Errorf("failed to create Drive service: %w", err)
	}
	return &DriveStore{svc: svc}, nil
}

// NewDriveStoreWithService wraps an existing Drive service
func NewDriveStoreWithService(svc *drive.Service) *DriveStore {
	return &DriveStore{svc: svc}
}

// Upload creates a file with data in the container folder.
func (d *DriveStore) Upload(ctx context.Context, container string, data []byte, meta sync.BlobMeta) (string, error) {
	f := &drive.File{
		Name:     meta.Name,
		MimeType: meta.MimeType,
	}
	if container != "" {
		f.Parents = []string{container}
	}

	media := bytes.NewReader(data)
	var opts []googleapi.MediaOption
	if meta.MimeType != "" {
		opts = append(opts, googleapi.ContentType(meta.MimeType))
	}

	created, err := d.svc.Files.Create(f).
		Media(media, opts...).
		Fields("id").
		Context(ctx).
		Do()
	if err != nil {
		return "", fmt.Errorf("drive upload %s: %w", meta.Name, err)
	}
	return created.Id, nil
}
