package cache

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	log "github.com/sirupsen/logrus"
)

// S3ReplicatorConfig configures where the class cache document is mirrored
// to/from (spec §4.8, domain addition D3).
type S3ReplicatorConfig struct {
	Bucket   string
	Region   string
	Endpoint string // for S3-compatible stores; empty uses AWS's default resolver

	// AccessKeyID/SecretAccessKey opt into static credentials instead of
	// the default provider chain, for environments without an attached
	// instance role.
	AccessKeyID     string
	SecretAccessKey string
}

// S3Replicator pushes and pulls the serialized class-cache document so a
// fleet of hosts sharing a plugin directory converge on one
// discovered-class index rather than each eagerly loading every plugin.
type S3Replicator struct {
	client *s3.Client
	bucket string
}

// NewS3Replicator builds a replicator from cfg. It is a thin, realistic
// wrapper over aws-sdk-go-v2, the same library the teacher's s3fs plugin
// backend uses.
func NewS3Replicator(ctx context.Context, cfg S3ReplicatorConfig) (*S3Replicator, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("cache: s3 replication requires a bucket")
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("cache: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	return &S3Replicator{client: client, bucket: cfg.Bucket}, nil
}

func (r *S3Replicator) key(appname string) string {
	return appname + ".clsbuf"
}

// Upload pushes the cache file at localPath to the bucket.
func (r *S3Replicator) Upload(appname, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("cache: open %s for upload: %w", localPath, err)
	}
	defer f.Close()

	ctx := context.Background()
	_, err = r.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(r.key(appname)),
		Body:   f,
	})
	if err != nil {
		return fmt.Errorf("cache: upload %s: %w", appname, err)
	}
	log.Debugf("cache: replicated %s to s3://%s/%s", localPath, r.bucket, r.key(appname))
	return nil
}

// Download fetches the bucket's copy of appname's cache into localPath.
func (r *S3Replicator) Download(appname, localPath string) error {
	ctx := context.Background()
	out, err := r.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(r.key(appname)),
	})
	if err != nil {
		return fmt.Errorf("cache: download %s: %w", appname, err)
	}
	defer out.Body.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return fmt.Errorf("cache: mkdir for %s: %w", localPath, err)
	}
	f, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("cache: create %s: %w", localPath, err)
	}
	defer f.Close()

	if _, err := io.Copy(f, out.Body); err != nil {
		return fmt.Errorf("cache: write %s: %w", localPath, err)
	}
	log.Infof("cache: fetched class cache from s3://%s/%s", r.bucket, r.key(appname))
	return nil
}
