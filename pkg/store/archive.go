package store

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// SnapshotArchiver ships projection snapshots to an S3-compatible
// bucket as an offsite copy. The archive is write-only from the
// kernel's point of view; restore is an operator action.
type SnapshotArchiver struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewSnapshotArchiver builds an archiver from the ambient AWS config.
func NewSnapshotArchiver(ctx context.Context, bucket, prefix string) (*SnapshotArchiver, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("archive: aws config: %w", err)
	}
	return &SnapshotArchiver{
		client: s3.NewFromConfig(cfg),
		bucket: bucket,
		prefix: prefix,
	}, nil
}

// NewSnapshotArchiverWithClient injects a client, for tests and
// S3-compatible endpoints.
func NewSnapshotArchiverWithClient(client *s3.Client, bucket, prefix string) *SnapshotArchiver {
	return &SnapshotArchiver{client: client, bucket: bucket, prefix: prefix}
}

// Archive uploads a snapshot under a deterministic key:
// <prefix>/<business>/<projection>/<cursor-received-at>-<cursor-event-id>.
func (a *SnapshotArchiver) Archive(ctx context.Context, snap Snapshot) error {
	key := fmt.Sprintf("%s/%s/%s/%s-%s",
		a.prefix, snap.BusinessID, snap.ProjectionName,
		snap.Cursor.ReceivedAt.UTC().Format(time.RFC3339Nano),
		snap.Cursor.EventID)

	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(snap.Bytes),
		Metadata: map[string]string{
			"business-id":     snap.BusinessID,
			"projection-name": snap.ProjectionName,
		},
	})
	if err != nil {
		return fmt.Errorf("%w: archive put: %v", ErrUnavailable, err)
	}
	return nil
}
