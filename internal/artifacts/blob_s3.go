package artifacts

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3BlobBackend stores artifact bytes in a bucket keyed by digest,
// grounded on evalgo-org-eve's use of aws-sdk-go-v2's feature/s3/manager
// uploader/downloader pair for large-object transfer.
type S3BlobBackend struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	prefix   string
}

// NewS3BlobBackend builds a backend writing objects to bucket under
// "<prefix>/<digest>". client is typically built via
// s3.NewFromConfig(awsCfg) after aws-sdk-go-v2/config.LoadDefaultConfig.
func NewS3BlobBackend(client *s3.Client, bucket, prefix string) *S3BlobBackend {
	return &S3BlobBackend{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   bucket,
		prefix:   prefix,
	}
}

func (b *S3BlobBackend) key(digest string) string {
	if b.prefix == "" {
		return digest
	}
	return b.prefix + "/" + digest
}

func (b *S3BlobBackend) PutBytes(ctx context.Context, digest string, data []byte) error {
	_, err := b.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: &b.bucket,
		Key:    strPtr(b.key(digest)),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("s3 upload %s: %w", digest, err)
	}
	return nil
}

func (b *S3BlobBackend) GetBytes(ctx context.Context, digest string) ([]byte, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &b.bucket,
		Key:    strPtr(b.key(digest)),
	})
	if err != nil {
		return nil, fmt.Errorf("s3 get %s: %w", digest, err)
	}
	defer out.Body.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, out.Body); err != nil {
		return nil, fmt.Errorf("s3 read body %s: %w", digest, err)
	}
	return buf.Bytes(), nil
}

func strPtr(s string) *string { return &s }
