package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"
)

// DefaultDownloadTTL is the lifetime of presigned download URLs.
const DefaultDownloadTTL = 600 * time.Second

const defaultRegion = "auto"

var (
	ErrStorage              = errors.New("storage error")
	ErrObjectNotFound       = errors.New("object not found")
	ErrInvalidStorageConfig = errors.New("invalid storage config")
)

// Config points the store at an S3-compatible bucket such as Cloudflare R2.
type Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
}

type objectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

type presignAPI interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// Store keeps uploaded resource files in a bucket.
type Store struct {
	objects   objectAPI
	presigner presignAPI
	bucket    string
	newID     func() string
}

// New builds an S3 client with static credentials and the configured endpoint.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("%w: bucket is required", ErrInvalidStorageConfig)
	}
	region := cfg.Region
	if region == "" {
		region = defaultRegion
	}
	options := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" {
		options = append(options, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsConfig, err := config.LoadDefaultConfig(ctx, options...)
	if err != nil {
		return nil, fmt.Errorf("%w: load aws config: %w", ErrInvalidStorageConfig, err)
	}
	client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return newStore(client, s3.NewPresignClient(client), cfg.Bucket), nil
}

func newStore(objects objectAPI, presigner presignAPI, bucket string) *Store {
	return &Store{objects: objects, presigner: presigner, bucket: bucket, newID: uuid.NewString}
}

// GenerateKey returns YYYY/MM/<name>-<uuid>.<ext> for an uploaded filename.
func (store *Store) GenerateKey(filename string, now time.Time) string {
	base := path.Base(strings.ReplaceAll(strings.TrimSpace(filename), `\`, "/"))
	if base == "." || base == "/" {
		base = ""
	}
	extension := path.Ext(base)
	name := strings.TrimSuffix(base, extension)
	if name == "" {
		name = "file"
	}
	return fmt.Sprintf("%04d/%02d/%s-%s%s", now.UTC().Year(), int(now.UTC().Month()), name, store.newID(), extension)
}

// Upload stores the object with its content type and upload metadata.
func (store *Store) Upload(ctx context.Context, key string, body io.Reader, size int64, contentType string, now time.Time) error {
	_, err := store.objects.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(store.bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String(contentType),
		Metadata: map[string]string{
			"size":        strconv.FormatInt(size, 10),
			"uploaded-at": now.UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		return fmt.Errorf("%w: upload %s: %w", ErrStorage, key, err)
	}
	return nil
}

// Exists reports whether the object is present.
func (store *Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := store.objects.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(store.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("%w: head %s: %w", ErrStorage, key, err)
}

func (store *Store) Delete(ctx context.Context, key string) error {
	_, err := store.objects.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(store.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("%w: delete %s: %w", ErrStorage, key, err)
	}
	return nil
}

// PresignDownload returns a time-limited GET URL for an existing object.
func (store *Store) PresignDownload(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = DefaultDownloadTTL
	}
	exists, err := store.Exists(ctx, key)
	if err != nil {
		return "", err
	}
	if !exists {
		return "", fmt.Errorf("%w: %w: %s", ErrStorage, ErrObjectNotFound, key)
	}
	request, err := store.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(store.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("%w: presign %s: %w", ErrStorage, key, err)
	}
	return request.URL, nil
}

// Ping checks bucket reachability.
func (store *Store) Ping(ctx context.Context) error {
	if _, err := store.objects.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(store.bucket)}); err != nil {
		return fmt.Errorf("%w: head bucket: %w", ErrStorage, err)
	}
	return nil
}

func isNotFound(err error) bool {
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return true
	}
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return true
		}
	}
	return false
}
