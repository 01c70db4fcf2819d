package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Client is the narrow slice of the S3 API this package needs.
type S3Client interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
	ListMultipartUploads(ctx context.Context, params *s3.ListMultipartUploadsInput, optFns ...func(*s3.Options)) (*s3.ListMultipartUploadsOutput, error)
}

// Compile-time check that the real client satisfies the interface.
var _ S3Client = (*s3.Client)(nil)

// S3Store implements Store and Multiparter over an S3 bucket.
// Example:
//
//	client := s3.NewFromConfig(cfg)
//	store := blob.NewS3Store(client, "my-backups")
type S3Store struct {
	client S3Client
	bucket string
}

var (
	_ Store       = (*S3Store)(nil)
	_ Multiparter = (*S3Store)(nil)
)

// NewS3Store creates an S3Store for the given bucket.
func NewS3Store(client S3Client, bucket string) *S3Store {
	return &S3Store{client: client, bucket: bucket}
}

func (s *S3Store) Put(ctx context.Context, key string, data []byte, contentType string, meta map[string]string) (string, error) {
	input := &s3.PutObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
		Body:   bytes.NewReader(data),
	}
	if contentType != "" {
		input.ContentType = &contentType
	}
	if len(meta) > 0 {
		input.Metadata = meta
	}
	out, err := s.client.PutObject(ctx, input)
	if err != nil {
		return "", fmt.Errorf("failed to put %s: %w", key, err)
	}
	if out.ETag == nil {
		return "", nil
	}
	return strings.Trim(*out.ETag, "\""), nil
}

func (s *S3Store) Get(ctx context.Context, key string) ([]byte, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		var notFound *types.NotFound
		if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get %s: %w", key, err)
	}
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return data, nil
}

func (s *S3Store) Head(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to head %s: %w", key, err)
	}
	return true, nil
}

func (s *S3Store) List(ctx context.Context, prefix string) ([]Object, error) {
	var objects []Object
	var continuation *string
	for {
		out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            &s.bucket,
			Prefix:            &prefix,
			ContinuationToken: continuation,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", prefix, err)
		}
		for _, obj := range out.Contents {
			o := Object{Key: *obj.Key}
			if obj.Size != nil {
				o.Size = *obj.Size
			}
			if obj.LastModified != nil {
				o.LastModified = *obj.LastModified
			}
			if obj.ETag != nil {
				o.ETag = strings.Trim(*obj.ETag, "\"")
			}
			objects = append(objects, o)
		}
		if out.IsTruncated == nil || !*out.IsTruncated {
			break
		}
		continuation = out.NextContinuationToken
	}
	return objects, nil
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	})
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

func (s *S3Store) CreateMultipart(ctx context.Context, key string) (string, error) {
	out, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: &s.bucket,
		Key:    &key,
	})
	if err != nil {
		return "", fmt.Errorf("failed to create multipart upload for %s: %w", key, err)
	}
	return *out.UploadId, nil
}

func (s *S3Store) UploadPart(ctx context.Context, key, uploadID string, partNumber int32, data []byte) (string, error) {
	out, err := s.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:     &s.bucket,
		Key:        &key,
		UploadId:   &uploadID,
		PartNumber: &partNumber,
		Body:       bytes.NewReader(data),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload part %d of %s: %w", partNumber, key, err)
	}
	return strings.Trim(*out.ETag, "\""), nil
}

func (s *S3Store) CompleteMultipart(ctx context.Context, key, uploadID string, etags []string) error {
	parts := make([]types.CompletedPart, 0, len(etags))
	for i := range etags {
		num := int32(i + 1)
		etag := etags[i]
		parts = append(parts, types.CompletedPart{PartNumber: &num, ETag: &etag})
	}
	_, err := s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          &s.bucket,
		Key:             &key,
		UploadId:        &uploadID,
		MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
	})
	if err != nil {
		return fmt.Errorf("failed to complete multipart upload for %s: %w", key, err)
	}
	return nil
}

func (s *S3Store) AbortMultipart(ctx context.Context, key, uploadID string) error {
	_, err := s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   &s.bucket,
		Key:      &key,
		UploadId: &uploadID,
	})
	if err != nil {
		return fmt.Errorf("failed to abort multipart upload for %s: %w", key, err)
	}
	return nil
}

func (s *S3Store) ListMultipart(ctx context.Context) ([]Upload, error) {
	out, err := s.client.ListMultipartUploads(ctx, &s3.ListMultipartUploadsInput{
		Bucket: &s.bucket,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list multipart uploads: %w", err)
	}
	uploads := make([]Upload, 0, len(out.Uploads))
	for _, u := range out.Uploads {
		up := Upload{}
		if u.Key != nil {
			up.Key = *u.Key
		}
		if u.UploadId != nil {
			up.ID = *u.UploadId
		}
		if u.Initiated != nil {
			up.Initiated = *u.Initiated
		}
		uploads = append(uploads, up)
	}
	return uploads, nil
}

func (s *S3Store) CleanupMultipartOlderThan(ctx context.Context, age time.Duration) (int, error) {
	uploads, err := s.ListMultipart(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-age)
	cleaned := 0
	for _, u := range uploads {
		if u.Initiated.After(cutoff) {
			continue
		}
		if err := s.AbortMultipart(ctx, u.Key, u.ID); err != nil {
			return cleaned, err
		}
		cleaned++
	}
	return cleaned, nil
}
