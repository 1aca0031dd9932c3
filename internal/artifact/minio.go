// Package artifact publishes the final package of completed jobs to object storage.
package artifact

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"pipeline-orchestrator/internal/entity"
)

var ErrNoPackage = errors.New("job has no final package")

// ObjectStore is the part of *minio.Client the exporter uses.
type ObjectStore interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucket, object string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type Exporter struct {
	store  ObjectStore
	bucket string

	mu    sync.Mutex
	ready bool
}

func NewMinIOExporter(cfg MinIOConfig) (*Exporter, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, errors.New("minio endpoint is required")
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	return NewExporter(client, cfg.Bucket), nil
}

func NewExporter(store ObjectStore, bucket string) *Exporter {
	if strings.TrimSpace(bucket) == "" {
		bucket = "pipeline-artifacts"
	}
	return &Exporter{store: store, bucket: bucket}
}

// ObjectName is where a job's package lives in the bucket.
func ObjectName(jobID string) string {
	return fmt.Sprintf("jobs/%s/package.json", jobID)
}

// Export uploads the finalizing output of rec. Re-exports overwrite the same object.
func (e *Exporter) Export(ctx context.Context, rec *entity.JobRecord) error {
	pkg := rec.StageOutputs[entity.StepFinalizing]
	if len(pkg) == 0 {
		return ErrNoPackage
	}
	if err := e.ensureBucket(ctx); err != nil {
		return err
	}

	object := ObjectName(rec.JobID)
	info, err := e.store.PutObject(ctx, e.bucket, object, bytes.NewReader(pkg), int64(len(pkg)), minio.PutObjectOptions{
		ContentType: "application/json",
		UserMetadata: map[string]string{
			"job-id":   rec.JobID,
			"owner-id": rec.OwnerID,
		},
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", object, err)
	}

	log.Printf("[artifact] job_id=%s bucket=%s object=%s size=%d etag=%s", rec.JobID, e.bucket, object, info.Size, info.ETag)
	return nil
}

func (e *Exporter) ensureBucket(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ready {
		return nil
	}

	exists, err := e.store.BucketExists(ctx, e.bucket)
	if err != nil {
		return fmt.Errorf("bucket exists %s: %w", e.bucket, err)
	}
	if !exists {
		if err := e.store.MakeBucket(ctx, e.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("make bucket %s: %w", e.bucket, err)
		}
	}
	e.ready = true
	return nil
}
