// Package offload moves clean resource files from local disk to the remote
// object store through a deduplicating queue and a bounded worker pool.
package offload

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"lfingest/pkg/apperr"
	"lfingest/pkg/config"
	"lfingest/pkg/httpclient"
	"lfingest/pkg/log"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/hashicorp/go-retryablehttp"
)

const maxKeyNameLength = 128

var unsafeKeyChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// ObjectStore stores file content under a key.
type ObjectStore interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error
}

// ObjectKey builds the remote key of a file: resources/<resource_id>/<file_id>/<name>.
func ObjectKey(resourceID, fileID, fileName string) string {
	name := unsafeKeyChars.ReplaceAllString(fileName, "_")
	if len(name) > maxKeyNameLength {
		name = name[:maxKeyNameLength]
	}
	if strings.Trim(name, ".") == "" {
		name = "file"
	}
	return "resources/" + resourceID + "/" + fileID + "/" + name
}

// S3Store uploads objects with the S3 transfer manager.
type S3Store struct {
	bucket   string
	uploader *manager.Uploader
}

// NewS3Store creates an S3 store from configuration. Static credentials are
// used when configured, otherwise the default AWS credential chain.
func NewS3Store(ctx context.Context, cfg config.S3Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("%w: s3 bucket is required", apperr.ErrValidation)
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		if cfg.PartSize > 0 {
			u.PartSize = cfg.PartSize.Int64()
		}
		if cfg.UploadParallel > 0 {
			u.Concurrency = cfg.UploadParallel
		}
	})

	return &S3Store{bucket: cfg.Bucket, uploader: uploader}, nil
}

// Put streams body to s3://bucket/key, using multipart uploads for large bodies.
func (s *S3Store) Put(ctx context.Context, key string, body io.Reader, _ int64, contentType string) error {
	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   body,
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}

	if _, err := s.uploader.Upload(ctx, input); err != nil {
		return fmt.Errorf("%w: s3 put %s: %v", apperr.ErrStorageTransfer, key, err)
	}
	return nil
}

// HTTPStore PUTs objects to an HTTP object gateway at <endpoint>/<key>.
type HTTPStore struct {
	endpoint string
	token    string
	client   *retryablehttp.Client
}

// NewHTTPStore creates an HTTP store.
func NewHTTPStore(cfg config.HTTPStoreConfig) (*HTTPStore, error) {
	if _, err := url.ParseRequestURI(cfg.Endpoint); err != nil {
		return nil, fmt.Errorf("%w: invalid http store endpoint %q", apperr.ErrValidation, cfg.Endpoint)
	}
	return &HTTPStore{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		token:    cfg.Token,
		client:   httpclient.New(cfg.RetryMax, time.Second, 30*time.Second, cfg.Timeout),
	}, nil
}

// Put uploads body. A body implementing io.ReadSeeker is rewound on retries
// instead of being buffered in memory.
func (h *HTTPStore) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPut, h.endpoint+"/"+key, body)
	if err != nil {
		return fmt.Errorf("%w: build request for %s: %v", apperr.ErrStorageTransfer, key, err)
	}
	req.ContentLength = size
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: http put %s: %v", apperr.ErrStorageTransfer, key, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: http put %s: status %d", apperr.ErrStorageTransfer, key, resp.StatusCode)
	}

	log.Debug().Str("key", key).Int64("size", size).Msg("Object stored over HTTP")
	return nil
}
