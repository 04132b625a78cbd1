package objstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/file-vault/fv/internal/pathkey"
)

// defaultWaitTimeout bounds the head-object waiters that confirm a put
// or a delete marker became visible.
const defaultWaitTimeout = 20 * time.Second

// batchDeleteLimit is the S3 DeleteObjects per-request cap.
const batchDeleteLimit = 1000

// S3Store implements Store on an S3-compatible, versioning-enabled
// bucket.
type S3Store struct {
	client      *s3.Client
	uploader    *manager.Uploader
	bucket      string
	region      string
	waitTimeout time.Duration
}

// S3Config contains S3Store configuration.
type S3Config struct {
	Bucket       string
	Region       string
	Endpoint     string // optional, for MinIO / Localstack
	PathStyle    bool
	AccessKey    string
	SecretKey    string
	SessionToken string // optional
	WaitTimeout  time.Duration
}

// NewS3Store creates a new S3Store from config. It does not touch the
// bucket; call EnsureBucket and EnsureVersioning before first use.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		func(opts *awsconfig.LoadOptions) error {
			if cfg.AccessKey != "" && cfg.SecretKey != "" {
				opts.Credentials = credentials.NewStaticCredentialsProvider(
					cfg.AccessKey, cfg.SecretKey, cfg.SessionToken,
				)
			}
			return nil
		},
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})

	timeout := cfg.WaitTimeout
	if timeout <= 0 {
		timeout = defaultWaitTimeout
	}

	return &S3Store{
		client:      client,
		uploader:    manager.NewUploader(client),
		bucket:      cfg.Bucket,
		region:      cfg.Region,
		waitTimeout: timeout,
	}, nil
}

// EnsureBucket creates the bucket if it does not exist yet.
func (s *S3Store) EnsureBucket(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.bucket),
	})
	if err == nil {
		return nil
	}
	if !isNotFound(err) {
		return fmt.Errorf("head bucket %s: %w", s.bucket, err)
	}

	input := &s3.CreateBucketInput{Bucket: aws.String(s.bucket)}
	// us-east-1 rejects an explicit location constraint.
	if s.region != "" && s.region != "us-east-1" {
		input.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(s.region),
		}
	}
	if _, err := s.client.CreateBucket(ctx, input); err != nil {
		return fmt.Errorf("create bucket %s: %w", s.bucket, err)
	}
	return nil
}

// EnsureVersioning enables object versioning on the bucket. Soft
// deletes and version pinning do not work without it.
func (s *S3Store) EnsureVersioning(ctx context.Context) error {
	_, err := s.client.PutBucketVersioning(ctx, &s3.PutBucketVersioningInput{
		Bucket: aws.String(s.bucket),
		VersioningConfiguration: &types.VersioningConfiguration{
			Status: types.BucketVersioningStatusEnabled,
		},
	})
	if err != nil {
		return fmt.Errorf("enable versioning on %s: %w", s.bucket, err)
	}
	return nil
}

// ApplyLifecycle installs a rule that expires noncurrent versions
// after the given number of days and cleans up delete markers with no
// versions left behind them.
func (s *S3Store) ApplyLifecycle(ctx context.Context, noncurrentDays int32) error {
	_, err := s.client.PutBucketLifecycleConfiguration(ctx, &s3.PutBucketLifecycleConfigurationInput{
		Bucket: aws.String(s.bucket),
		LifecycleConfiguration: &types.BucketLifecycleConfiguration{
			Rules: []types.LifecycleRule{
				{
					ID:     aws.String("expire-noncurrent-versions"),
					Status: types.ExpirationStatusEnabled,
					Filter: &types.LifecycleRuleFilter{Prefix: aws.String("")},
					NoncurrentVersionExpiration: &types.NoncurrentVersionExpiration{
						NoncurrentDays: aws.Int32(noncurrentDays),
					},
				},
				{
					ID:     aws.String("expire-orphan-delete-markers"),
					Status: types.ExpirationStatusEnabled,
					Filter: &types.LifecycleRuleFilter{Prefix: aws.String("")},
					Expiration: &types.LifecycleExpiration{
						ExpiredObjectDeleteMarker: aws.Bool(true),
					},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("apply lifecycle on %s: %w", s.bucket, err)
	}
	return nil
}

// CreatePlaceholder implements Store.
func (s *S3Store) CreatePlaceholder(ctx context.Context, key string) (string, error) {
	contentType := pathkey.ContentTypeHint(key)
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	resp, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(nil),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put placeholder %s: %w", key, err)
	}
	if err := s.waitExists(ctx, key); err != nil {
		return "", err
	}
	return aws.ToString(resp.VersionId), nil
}

// Upload implements Store. The uploader switches to multipart
// automatically for large bodies.
func (s *S3Store) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(body),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	resp, err := s.uploader.Upload(ctx, input)
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	return aws.ToString(resp.VersionID), nil
}

// Download implements Store.
func (s *S3Store) Download(ctx context.Context, key string) ([]byte, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get object %s: %w", key, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read object body %s: %w", key, err)
	}
	return data, nil
}

// CopyVersion implements Store.
func (s *S3Store) CopyVersion(ctx context.Context, srcKey, srcVersionID, dstKey, contentType string) (string, error) {
	source := url.PathEscape(s.bucket + srcKey)
	if srcVersionID != "" {
		source += "?versionId=" + srcVersionID
	}
	input := &s3.CopyObjectInput{
		Bucket:     aws.String(s.bucket),
		Key:        aws.String(dstKey),
		CopySource: aws.String(source),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
		input.MetadataDirective = types.MetadataDirectiveReplace
	}
	resp, err := s.client.CopyObject(ctx, input)
	if err != nil {
		if isNotFound(err) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("copy %s -> %s: %w", srcKey, dstKey, err)
	}
	return aws.ToString(resp.VersionId), nil
}

// RestoreVersion implements Store. Copying a historic version onto its
// own key makes it the current version again without destroying the
// version history.
func (s *S3Store) RestoreVersion(ctx context.Context, key, versionID string) (string, error) {
	return s.CopyVersion(ctx, key, versionID, key, "")
}

// SoftDelete implements Store.
func (s *S3Store) SoftDelete(ctx context.Context, key string) (string, error) {
	resp, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return "", fmt.Errorf("soft delete %s: %w", key, err)
	}
	if err := s.waitNotExists(ctx, key); err != nil {
		return "", err
	}
	return aws.ToString(resp.VersionId), nil
}

// PermanentDelete implements Store.
func (s *S3Store) PermanentDelete(ctx context.Context, key, versionID string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket:    aws.String(s.bucket),
		Key:       aws.String(key),
		VersionId: aws.String(versionID),
	})
	if err != nil {
		return fmt.Errorf("permanent delete %s@%s: %w", key, versionID, err)
	}
	return nil
}

// BatchSoftDelete implements Store, chunking at the DeleteObjects
// request cap.
func (s *S3Store) BatchSoftDelete(ctx context.Context, keys []string) (map[string]string, error) {
	markers := make(map[string]string, len(keys))
	var failed []string

	for start := 0; start < len(keys); start += batchDeleteLimit {
		end := start + batchDeleteLimit
		if end > len(keys) {
			end = len(keys)
		}
		chunk := keys[start:end]

		objects := make([]types.ObjectIdentifier, len(chunk))
		for i, k := range chunk {
			objects[i] = types.ObjectIdentifier{Key: aws.String(k)}
		}
		resp, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &types.Delete{Objects: objects, Quiet: aws.Bool(false)},
		})
		if err != nil {
			return markers, fmt.Errorf("batch soft delete: %w", err)
		}
		for _, d := range resp.Deleted {
			if aws.ToBool(d.DeleteMarker) {
				markers[aws.ToString(d.Key)] = aws.ToString(d.DeleteMarkerVersionId)
			}
		}
		for _, e := range resp.Errors {
			failed = append(failed, aws.ToString(e.Key))
		}
	}

	if len(failed) > 0 {
		return markers, &BatchError{Op: "batch soft delete", Failed: failed}
	}
	return markers, nil
}

// ListByPrefix implements Store with pagination. Delete-marked objects
// never show up in a plain list, so the result is live objects only.
func (s *S3Store) ListByPrefix(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var infos []ObjectInfo
	var continuationToken *string
	for {
		resp, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: continuationToken,
		})
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		for _, obj := range resp.Contents {
			infos = append(infos, ObjectInfo{
				Key:  aws.ToString(obj.Key),
				Size: aws.ToInt64(obj.Size),
			})
		}
		if resp.IsTruncated == nil || !*resp.IsTruncated {
			break
		}
		continuationToken = resp.NextContinuationToken
	}
	return infos, nil
}

// CurrentVersionID implements Store.
func (s *S3Store) CurrentVersionID(ctx context.Context, key string) (string, error) {
	head, err := s.head(ctx, key)
	if err != nil {
		return "", err
	}
	return aws.ToString(head.VersionId), nil
}

// ContentType implements Store.
func (s *S3Store) ContentType(ctx context.Context, key string) (string, error) {
	head, err := s.head(ctx, key)
	if err != nil {
		return "", err
	}
	return aws.ToString(head.ContentType), nil
}

func (s *S3Store) head(ctx context.Context, key string) (*s3.HeadObjectOutput, error) {
	resp, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("head object %s: %w", key, err)
	}
	return resp, nil
}

func (s *S3Store) waitExists(ctx context.Context, key string) error {
	waiter := s3.NewObjectExistsWaiter(s.client)
	err := waiter.Wait(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s.waitTimeout)
	if err != nil {
		return fmt.Errorf("wait for %s to exist: %w", key, err)
	}
	return nil
}

func (s *S3Store) waitNotExists(ctx context.Context, key string) error {
	waiter := s3.NewObjectNotExistsWaiter(s.client)
	err := waiter.Wait(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s.waitTimeout)
	if err != nil {
		return fmt.Errorf("wait for %s to disappear: %w", key, err)
	}
	return nil
}

// isNotFound checks if an error is a "not found" error from S3.
func isNotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	var noSuchBucket *types.NoSuchBucket
	return errors.As(err, &noSuchKey) || errors.As(err, &notFound) || errors.As(err, &noSuchBucket)
}
