// Package archive writes ledger exports to S3-compatible object storage.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog/log"

	"modledger/api/internal/moderation"
)

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// objectPutter is the slice of *minio.Client the archive needs.
type objectPutter interface {
	PutObject(ctx context.Context, bucket, object string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// MinIO implements moderation.AuditArchive.
type MinIO struct {
	client objectPutter
	bucket string
	now    func() time.Time
}

// NewMinIO connects to the object store and creates the bucket if needed.
func NewMinIO(ctx context.Context, cfg Config) (*MinIO, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
		log.Info().Str("bucket", cfg.Bucket).Msg("archive: bucket created")
	}
	return &MinIO{client: client, bucket: cfg.Bucket, now: time.Now}, nil
}

// ObjectKey names an export by its window and the time it was taken, so
// repeated exports of one window never overwrite each other.
func ObjectKey(start, end, takenAt time.Time) string {
	const stamp = "20060102T150405Z"
	return fmt.Sprintf("audit/%s/%s_%s_%s.jsonl",
		start.UTC().Format("2006/01"),
		start.UTC().Format(stamp),
		end.UTC().Format(stamp),
		takenAt.UTC().Format(stamp),
	)
}

// EncodeJSONL writes one action per line.
func EncodeJSONL(w io.Writer, actions []moderation.Action) error {
	enc := json.NewEncoder(w)
	for _, a := range actions {
		if err := enc.Encode(a); err != nil {
			return fmt.Errorf("encode action %s: %w", a.ID, err)
		}
	}
	return nil
}

func (m *MinIO) PutAudit(ctx context.Context, start, end time.Time, actions []moderation.Action) (string, error) {
	var buf bytes.Buffer
	if err := EncodeJSONL(&buf, actions); err != nil {
		return "", err
	}

	key := ObjectKey(start, end, m.now())
	_, err := m.client.PutObject(ctx, m.bucket, key, &buf, int64(buf.Len()), minio.PutObjectOptions{
		ContentType: "application/x-ndjson",
		UserMetadata: map[string]string{
			"window-start": start.UTC().Format(time.RFC3339),
			"window-end":   end.UTC().Format(time.RFC3339),
			"actions":      fmt.Sprint(len(actions)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("%w: put audit export %s: %w", moderation.ErrTransient, key, err)
	}
	return key, nil
}
