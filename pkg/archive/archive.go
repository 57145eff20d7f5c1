package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"

	"github.com/charmbracelet/log"
	"github.com/harrisonrobin/larksync/pkg/config"
	"github.com/harrisonrobin/larksync/pkg/syncer"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ObjectPutter is the upload call of a minio client.
type ObjectPutter interface {
	PutObject(ctx context.Context, bucket, object string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// MinioArchiver uploads run reports to S3-compatible storage.
type MinioArchiver struct {
	client ObjectPutter
	bucket string
	prefix string
	logger *log.Logger
}

// New connects to the configured endpoint.
func New(cfg config.Archive, logger *log.Logger) (*MinioArchiver, error) {
	if !cfg.Enabled() {
		return nil, &config.ConfigurationError{Field: "archive.endpoint", Reason: "endpoint and bucket must be set"}
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:        credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:       cfg.Secure,
		BucketLookup: minio.BucketLookupAuto,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize MinIO client: %w", err)
	}
	return NewWithClient(client, cfg.Bucket, cfg.Prefix, logger), nil
}

func NewWithClient(client ObjectPutter, bucket, prefix string, logger *log.Logger) *MinioArchiver {
	if logger == nil {
		logger = log.Default()
	}
	return &MinioArchiver{client: client, bucket: bucket, prefix: prefix, logger: logger}
}

// ObjectKey is {prefix}/YYYY/MM/DD/{run_id}.json, dated by the run start in UTC.
func (a *MinioArchiver) ObjectKey(s *syncer.Summary) string {
	return path.Join(a.prefix, s.StartedAt.UTC().Format("2006/01/02"), s.RunID+".json")
}

// ArchiveRun uploads the summary of a run as JSON.
func (a *MinioArchiver) ArchiveRun(ctx context.Context, s *syncer.Summary) error {
	body, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode run report: %w", err)
	}
	key := a.ObjectKey(s)
	_, err = a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType: "application/json",
		UserMetadata: map[string]string{
			"run-id": s.RunID,
			"status": status(s),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to upload run report %s: %w", key, err)
	}
	a.logger.Debug("Archived run report", "bucket", a.bucket, "key", key)
	return nil
}

func status(s *syncer.Summary) string {
	if s.OK() {
		return "success"
	}
	return "fail"
}
