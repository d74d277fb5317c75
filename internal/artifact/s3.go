package artifact

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	transport "github.com/aws/smithy-go/endpoints"

	"github.com/elskow/buildshuttle/internal/config"
)

// S3API is the subset of the s3 client used by S3Store.
type S3API interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Uploader streams bodies of unknown length as multipart uploads.
type Uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

type S3Store struct {
	client   S3API
	uploader Uploader
	bucket   string
}

func NewS3Store(client *s3.Client, bucket string) *S3Store {
	return &S3Store{
		client: client,
		uploader: manager.NewUploader(client, func(u *manager.Uploader) {
			u.PartSize = 10 * 1024 * 1024
		}),
		bucket: bucket,
	}
}

// endpointResolver pins every request to an S3-compatible endpoint such as
// MinIO, using path-style addressing.
type endpointResolver struct {
	BaseURL *url.URL
}

func (r *endpointResolver) ResolveEndpoint(_ context.Context, params s3.EndpointParameters) (transport.Endpoint, error) {
	u := *r.BaseURL
	u.Path += "/" + aws.ToString(params.Bucket)
	return transport.Endpoint{URI: u}, nil
}

// NewS3Client talks to AWS with the default credential chain, or to the
// configured endpoint with static credentials.
func NewS3Client(ctx context.Context, cfg *config.StorageConfig) (*s3.Client, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket is not configured")
	}

	if cfg.Endpoint != "" {
		u, err := url.Parse(cfg.Endpoint)
		if err != nil {
			return nil, fmt.Errorf("invalid s3 endpoint: %w", err)
		}
		return s3.New(s3.Options{
			Region:             cfg.Region,
			Credentials:        credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
			EndpointResolverV2: &endpointResolver{BaseURL: u},
		}), nil
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg), nil
}

func (s *S3Store) Stat(ctx context.Context, key string) (*Info, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, s.wrap("stat", key, err)
	}
	return &Info{
		ContentType:   aws.ToString(out.ContentType),
		ContentLength: aws.ToInt64(out.ContentLength),
	}, nil
}

func (s *S3Store) Read(ctx context.Context, key string) (*Object, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, s.wrap("read", key, err)
	}
	length := int64(-1)
	if out.ContentLength != nil {
		length = *out.ContentLength
	}
	return &Object{
		ReadCloser: out.Body,
		Info: Info{
			ContentType:   aws.ToString(out.ContentType),
			ContentLength: length,
		},
	}, nil
}

func (s *S3Store) Write(ctx context.Context, key string, body Body) error {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        body.Reader(),
		ContentType: aws.String(body.ContentType()),
	}

	if body.IsStream() {
		if _, err := s.uploader.Upload(ctx, input); err != nil {
			return s.wrap("write", key, err)
		}
		return nil
	}

	input.ContentLength = aws.Int64(body.Len())
	if _, err := s.client.PutObject(ctx, input); err != nil {
		return s.wrap("write", key, err)
	}
	return nil
}

func (s *S3Store) wrap(op, key string, err error) error {
	if isNotFound(err) {
		return fmt.Errorf("s3.%s %s/%s: %w", op, s.bucket, key, ErrNotFound)
	}
	return fmt.Errorf("s3.%s %s/%s: %w", op, s.bucket, key, err)
}

func isNotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}
