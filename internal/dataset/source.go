package dataset

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"

	aws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Config configures reads of s3:// sources (AWS S3 or an S3-compatible
// endpoint such as MinIO). Empty credentials fall back to the default chain.
type S3Config struct {
	Region          string
	Endpoint        string
	PathStyle       bool
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string

	// HTTPClient replaces the SDK transport when set.
	HTTPClient *http.Client
}

// Options controls how a source is opened and parsed.
type Options struct {
	CellTypes []string
	Sheet     string
	S3        S3Config
}

// Open reads and validates the dataset at location: a local path or an
// s3://bucket/key URI.
func Open(ctx context.Context, location string, opts Options) (*Dataset, error) {
	rd := readerFor(location)
	if _, ok := rd.(*XLSXReader); ok && opts.Sheet != "" {
		rd = &XLSXReader{Sheet: opts.Sheet}
	}

	var records [][]string
	if IsS3URI(location) {
		bucket, key, err := ParseS3URI(location)
		if err != nil {
			return nil, err
		}
		client, err := newS3Client(ctx, opts.S3)
		if err != nil {
			return nil, fmt.Errorf("configuring s3 client: %w", err)
		}
		out, err := client.GetObject(ctx, &s3.GetObjectInput{Bucket: &bucket, Key: &key})
		if err != nil {
			return nil, fmt.Errorf("fetching %s: %w", location, err)
		}
		defer out.Body.Close()
		if records, err = rd.Records(out.Body); err != nil {
			return nil, fmt.Errorf("reading %s: %w", location, err)
		}
	} else {
		f, err := os.Open(location)
		if err != nil {
			return nil, fmt.Errorf("opening source: %w", err)
		}
		defer f.Close()
		if records, err = rd.Records(f); err != nil {
			return nil, fmt.Errorf("reading %s: %w", location, err)
		}
	}

	ds, err := Parse(records, opts.CellTypes)
	if err != nil {
		return nil, err
	}
	ds.Source = location
	return ds, nil
}

// IsS3URI reports whether location names an S3 object.
func IsS3URI(location string) bool {
	return strings.HasPrefix(location, "s3://")
}

// ParseS3URI splits s3://bucket/key.
func ParseS3URI(uri string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(uri, "s3://")
	if !ok {
		return "", "", fmt.Errorf("not an s3 uri: %q", uri)
	}
	bucket, key, _ = strings.Cut(rest, "/")
	if bucket == "" || key == "" {
		return "", "", fmt.Errorf("s3 uri %q must be s3://bucket/key", uri)
	}
	return bucket, key, nil
}

func newS3Client(ctx context.Context, cfg S3Config) (*s3.Client, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, err
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.PathStyle {
			o.UsePathStyle = true
		}
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if cfg.HTTPClient != nil {
			o.HTTPClient = cfg.HTTPClient
		}
	}), nil
}
