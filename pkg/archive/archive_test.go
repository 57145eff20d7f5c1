package archive

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/harrisonrobin/larksync/pkg/config"
	"github.com/harrisonrobin/larksync/pkg/syncer"
	"github.com/minio/minio-go/v7"
)

type fakePutter struct {
	bucket, key string
	body        []byte
	opts        minio.PutObjectOptions
}

func (f *fakePutter) PutObject(ctx context.Context, bucket, object string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	f.bucket, f.key, f.opts = bucket, object, opts
	f.body, _ = io.ReadAll(reader)
	return minio.UploadInfo{Bucket: bucket, Key: object, Size: size}, nil
}

func TestArchiveRun(t *testing.T) {
	putter := &fakePutter{}
	a := NewWithClient(putter, "reports", "larksync/runs", log.New(io.Discard))

	started := time.Date(2024, 5, 1, 23, 30, 0, 0, time.FixedZone("UTC-2", -2*3600))
	summary := &syncer.Summary{
		RunID:             "run-1",
		ProjectsProcessed: 2,
		TasksProcessed:    4,
		TasksSynced:       3,
		Errors:            []syncer.ProjectError{{ProjectID: 2, Project: "Ops", Error: "boom"}},
		StartedAt:         started,
		FinishedAt:        started.Add(time.Minute),
	}

	if err := a.ArchiveRun(context.Background(), summary); err != nil {
		t.Fatalf("ArchiveRun failed: %v", err)
	}
	if putter.bucket != "reports" || putter.key != "larksync/runs/2024/05/02/run-1.json" {
		t.Errorf("uploaded to %s/%s", putter.bucket, putter.key)
	}
	if putter.opts.ContentType != "application/json" || putter.opts.UserMetadata["status"] != "fail" {
		t.Errorf("unexpected options %+v", putter.opts)
	}
	var got map[string]any
	if err := json.Unmarshal(putter.body, &got); err != nil {
		t.Fatalf("report is not JSON: %v", err)
	}
	if got["run_id"] != "run-1" || got["tasks_synced"] != float64(3) {
		t.Errorf("unexpected report %v", got)
	}
}

func TestNewRequiresDestination(t *testing.T) {
	_, err := New(config.Archive{Endpoint: "localhost:9000"}, nil)
	if !config.IsConfigurationError(err) {
		t.Errorf("Expected ConfigurationError, got %v", err)
	}
}
