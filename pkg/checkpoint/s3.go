package checkpoint

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
)

// ObjectPutter is the part of the S3 client the publisher needs. *s3.S3
// satisfies it.
type ObjectPutter interface {
	PutObjectWithContext(ctx aws.Context, input *s3.PutObjectInput, opts ...request.Option) (*s3.PutObjectOutput, error)
}

// S3Publisher uploads checkpoint directories to S3.
type S3Publisher struct {
	client ObjectPutter
}

// NewS3Publisher creates a publisher backed by a new AWS session in region.
// Credentials come from the usual AWS environment and shared config.
func NewS3Publisher(region string) (*S3Publisher, error) {
	sess, err := session.NewSession(&aws.Config{
		Region: aws.String(region),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return &S3Publisher{client: s3.New(sess)}, nil
}

// NewS3PublisherWithClient wraps an existing client.
func NewS3PublisherWithClient(client ObjectPutter) *S3Publisher {
	return &S3Publisher{client: client}
}

// Publish uploads every regular file of dir to bucket under prefix and returns
// the object keys written, in name order.
func (p *S3Publisher) Publish(ctx context.Context, dir, bucket, prefix string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", dir, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var keys []string
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		key := path.Join(prefix, e.Name())
		if err := p.upload(ctx, filepath.Join(dir, e.Name()), bucket, key); err != nil {
			return keys, err
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func (p *S3Publisher) upload(ctx context.Context, file, bucket, key string) error {
	f, err := os.Open(file)
	if err != nil {
		return fmt.Errorf("open %s: %w", file, err)
	}
	defer f.Close()

	contentType := "application/octet-stream"
	if filepath.Ext(file) == ".json" {
		contentType = "application/json"
	}

	_, err = p.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("upload s3://%s/%s: %w", bucket, key, err)
	}
	return nil
}
