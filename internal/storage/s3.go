package storage

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/mozilla/addons-server-sub004/pkg/logger"
)

// s3API is the subset of the S3 client the mirror uses.
type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

// S3Mirror copies generations to s3://bucket/prefix/<id>/<file>.
type S3Mirror struct {
	client s3API
	bucket string
	prefix string
}

// NewS3Mirror creates a mirror using the default AWS credential chain.
func NewS3Mirror(ctx context.Context, bucket, prefix, region string) (*S3Mirror, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config for generation mirror: %w", err)
	}
	return newS3Mirror(s3.NewFromConfig(cfg), bucket, prefix), nil
}

func newS3Mirror(client s3API, bucket, prefix string) *S3Mirror {
	return &S3Mirror{client: client, bucket: bucket, prefix: prefix}
}

func (m *S3Mirror) key(id int64, name string) string {
	return path.Join(m.prefix, strconv.FormatInt(id, 10), name)
}

// MirrorGeneration uploads every file of generation id.
func (m *S3Mirror) MirrorGeneration(ctx context.Context, store *LocalStore, id int64) error {
	names, err := store.Files(id)
	if err != nil {
		return err
	}

	for _, name := range names {
		body, err := store.Read(id, name)
		if err != nil {
			return err
		}

		contentType := "application/octet-stream"
		if path.Ext(name) == ".json" {
			contentType = "application/json"
		}
		key := m.key(id, name)
		_, err = m.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(m.bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(body),
			ContentType: aws.String(contentType),
		})
		if err != nil {
			return fmt.Errorf("S3 PutObject %s/%s: %w", m.bucket, key, err)
		}
	}

	logger.L().Info("mirrored generation",
		zap.Int64("generation_id", id),
		zap.String("bucket", m.bucket),
		zap.Int("files", len(names)),
	)
	return nil
}

// DeleteGeneration removes the mirrored files of generation id.
func (m *S3Mirror) DeleteGeneration(ctx context.Context, id int64) error {
	prefix := m.key(id, "") + "/"

	var token *string
	for {
		out, err := m.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(m.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return fmt.Errorf("S3 ListObjectsV2 %s/%s: %w", m.bucket, prefix, err)
		}

		if len(out.Contents) > 0 {
			objects := make([]types.ObjectIdentifier, 0, len(out.Contents))
			for _, obj := range out.Contents {
				objects = append(objects, types.ObjectIdentifier{Key: obj.Key})
			}
			_, err = m.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
				Bucket: aws.String(m.bucket),
				Delete: &types.Delete{Objects: objects, Quiet: aws.Bool(true)},
			})
			if err != nil {
				return fmt.Errorf("S3 DeleteObjects %s/%s: %w", m.bucket, prefix, err)
			}
		}

		if !aws.ToBool(out.IsTruncated) {
			return nil
		}
		token = out.NextContinuationToken
	}
}
