package rawstore

import (
	"bytes"
	"context"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
)

// S3MirrorConfig configures the S3-compatible payload archive. Endpoint is
// optional; set it for non-AWS providers (Cloudflare R2, MinIO).
type S3MirrorConfig struct {
	Bucket    string
	Prefix    string
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
}

// S3Mirror uploads a copy of every Bronze payload file to an S3-compatible
// bucket. The local file store remains the source of truth; the mirror is a
// durability net for the append-only raw layer.
type S3Mirror struct {
	uploader *manager.Uploader
	bucket   string
	prefix   string
	log      zerolog.Logger
}

// NewS3Mirror builds the mirror client. Credentials are static; the pipeline
// never relies on ambient instance roles.
func NewS3Mirror(ctx context.Context, cfg S3MirrorConfig, log zerolog.Logger) (*S3Mirror, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 mirror requires a bucket")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load s3 config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	return &S3Mirror{
		uploader: manager.NewUploader(client),
		bucket:   cfg.Bucket,
		prefix:   cfg.Prefix,
		log:      log.With().Str("component", "s3_mirror").Logger(),
	}, nil
}

// Archive uploads one payload document under the same relative path it has
// in the local store.
func (m *S3Mirror) Archive(ctx context.Context, relPath string, data []byte) error {
	key := relPath
	if m.prefix != "" {
		key = path.Join(m.prefix, relPath)
	}

	_, err := m.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(m.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}

	m.log.Debug().Str("key", key).Int("bytes", len(data)).Msg("Archived payload to S3")
	return nil
}
