package aws

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithy "github.com/aws/smithy-go"

	"pkt.systems/cloudstorage/internal/signing"
	"pkt.systems/cloudstorage/internal/storage"
	"pkt.systems/pslog"
)

// Config controls the behaviour of the AWS S3 driver.
type Config struct {
	Endpoint       string
	Region         string
	Bucket         string
	Insecure       bool
	ForcePathStyle bool
	// AccessKey and SecretKey select static credentials instead of the
	// default provider chain.
	AccessKey string
	SecretKey string
	// PartSize is used by the streaming uploader for PutObject.
	PartSize int64
}

// Store implements storage.Driver backed by AWS S3.
type Store struct {
	client  *s3.Client
	presign *s3.PresignClient
	cfg     Config
}

// New constructs a Store using the provided configuration.
func New(cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("aws: bucket is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("aws: region is required")
	}
	cfg.Endpoint = strings.TrimSpace(cfg.Endpoint)
	if cfg.PartSize <= 0 {
		cfg.PartSize = manager.DefaultUploadPartSize
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithHTTPClient(&http.Client{Transport: defaultTransport(cfg.Insecure)}),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("aws: load config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(endpointURL(cfg))
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})
	return &Store{client: client, presign: s3.NewPresignClient(client), cfg: cfg}, nil
}

func endpointURL(cfg Config) string {
	endpoint := cfg.Endpoint
	if !strings.Contains(endpoint, "://") {
		scheme := "https"
		if cfg.Insecure {
			scheme = "http"
		}
		endpoint = scheme + "://" + endpoint
	}
	return strings.TrimSuffix(endpoint, "/")
}

func defaultTransport(insecure bool) http.RoundTripper {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return http.DefaultTransport
	}
	clone := base.Clone()
	if clone.MaxIdleConnsPerHost == 0 {
		clone.MaxIdleConnsPerHost = 32
	}
	if clone.IdleConnTimeout == 0 {
		clone.IdleConnTimeout = 90 * time.Second
	}
	if clone.TLSHandshakeTimeout == 0 {
		clone.TLSHandshakeTimeout = 10 * time.Second
	}
	if insecure {
		if clone.TLSClientConfig == nil {
			clone.TLSClientConfig = &tls.Config{}
		}
		clone.TLSClientConfig.InsecureSkipVerify = true //nolint:gosec // explicit opt-in for local endpoints
	}
	return clone
}

// Close is a no-op for the AWS client.
func (s *Store) Close() error { return nil }

// Provider implements storage.Describer.
func (s *Store) Provider() string { return "aws" }

// Container implements storage.Describer.
func (s *Store) Container() string { return s.cfg.Bucket }

func (s *Store) logger(ctx context.Context) pslog.Logger {
	if logger := pslog.LoggerFromContext(ctx); logger != nil {
		return logger
	}
	return pslog.NoopLogger()
}

// InitiateMultipart opens a multipart upload for key.
func (s *Store) InitiateMultipart(ctx context.Context, key string, opts storage.InitiateOptions) (string, error) {
	input := &s3.CreateMultipartUploadInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	}
	if opts.ContentType != "" {
		input.ContentType = aws.String(opts.ContentType)
	}
	out, err := s.client.CreateMultipartUpload(ctx, input)
	if err != nil {
		s.logger(ctx).Debug("aws.initiate_multipart.error", "key", key, "error", err)
		return "", wrapError(err, "aws: create multipart upload")
	}
	return aws.ToString(out.UploadId), nil
}

// PutPart uploads one part of a multipart upload.
func (s *Store) PutPart(ctx context.Context, key, sessionID string, partNumber int, body io.Reader, size int64) (string, error) {
	input := &s3.UploadPartInput{
		Bucket:     aws.String(s.cfg.Bucket),
		Key:        aws.String(key),
		UploadId:   aws.String(sessionID),
		PartNumber: aws.Int32(int32(partNumber)),
		Body:       body,
	}
	if size >= 0 {
		input.ContentLength = aws.Int64(size)
	}
	out, err := s.client.UploadPart(ctx, input)
	if err != nil {
		if isNotFound(err) {
			return "", fmt.Errorf("aws: upload %s: %w", sessionID, storage.ErrNotFound)
		}
		s.logger(ctx).Debug("aws.put_part.error", "key", key, "upload_id", sessionID, "part", partNumber, "error", err)
		return "", wrapError(err, "aws: upload part")
	}
	return aws.ToString(out.ETag), nil
}

// CommitMultipart completes a multipart upload from parts in order.
func (s *Store) CommitMultipart(ctx context.Context, key, sessionID string, parts []storage.Part) error {
	completed := make([]types.CompletedPart, 0, len(parts))
	for _, part := range parts {
		completed = append(completed, types.CompletedPart{
			ETag:       aws.String(part.ETag),
			PartNumber: aws.Int32(int32(part.Number)),
		})
	}
	_, err := s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(s.cfg.Bucket),
		Key:             aws.String(key),
		UploadId:        aws.String(sessionID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		if isNotFound(err) {
			return fmt.Errorf("aws: upload %s: %w", sessionID, storage.ErrNotFound)
		}
		s.logger(ctx).Debug("aws.commit_multipart.error", "key", key, "upload_id", sessionID, "parts", len(parts), "error", err)
		return wrapError(err, "aws: complete multipart upload")
	}
	return nil
}

// AbortMultipart discards a multipart upload.
func (s *Store) AbortMultipart(ctx context.Context, key, sessionID string) error {
	_, err := s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(s.cfg.Bucket),
		Key:      aws.String(key),
		UploadId: aws.String(sessionID),
	})
	if err != nil {
		if isNotFound(err) {
			return fmt.Errorf("aws: upload %s: %w", sessionID, storage.ErrNotFound)
		}
		return wrapError(err, "aws: abort multipart upload")
	}
	return nil
}

// StatObject returns object metadata.
func (s *Store) StatObject(ctx context.Context, key string) (*storage.ObjectInfo, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, storage.ErrNotFound
		}
		return nil, wrapError(err, "aws: head object")
	}
	return &storage.ObjectInfo{
		Key:          key,
		Size:         aws.ToInt64(out.ContentLength),
		ETag:         storage.NormalizeETag(aws.ToString(out.ETag)),
		ContentType:  aws.ToString(out.ContentType),
		LastModified: aws.ToTime(out.LastModified),
	}, nil
}

// ListObjects visits every object under prefix.
func (s *Store) ListObjects(ctx context.Context, prefix string, visit func(storage.ObjectInfo) error) error {
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.cfg.Bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return wrapError(err, "aws: list objects")
		}
		for _, obj := range page.Contents {
			info := storage.ObjectInfo{
				Key:          aws.ToString(obj.Key),
				Size:         aws.ToInt64(obj.Size),
				ETag:         storage.NormalizeETag(aws.ToString(obj.ETag)),
				LastModified: aws.ToTime(obj.LastModified),
			}
			if err := visit(info); err != nil {
				return err
			}
		}
	}
	return nil
}

// PutObject streams body into key, switching to multipart for large bodies.
func (s *Store) PutObject(ctx context.Context, key string, body io.Reader, opts storage.PutOptions) (*storage.ObjectInfo, error) {
	contentType := opts.ContentType
	if contentType == "" {
		contentType = storage.ContentTypeOctetStream
	}
	uploader := manager.NewUploader(s.client, func(u *manager.Uploader) {
		u.PartSize = s.cfg.PartSize
	})
	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.Bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(contentType),
	}
	if opts.Size > 0 {
		input.ContentLength = aws.Int64(opts.Size)
	}
	out, err := uploader.Upload(ctx, input)
	if err != nil {
		return nil, wrapError(err, "aws: upload object")
	}
	return &storage.ObjectInfo{
		Key:         key,
		Size:        opts.Size,
		ETag:        storage.NormalizeETag(aws.ToString(out.ETag)),
		ContentType: contentType,
	}, nil
}

// DeleteObject removes key.
func (s *Store) DeleteObject(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return storage.ErrNotFound
		}
		return wrapError(err, "aws: delete object")
	}
	return nil
}

// PublicURL returns the unsigned URL of key.
func (s *Store) PublicURL(key string) (string, error) {
	escaped := escapeKey(key)
	if s.cfg.Endpoint != "" {
		return endpointURL(s.cfg) + "/" + s.cfg.Bucket + "/" + escaped, nil
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.cfg.Bucket, s.cfg.Region, escaped), nil
}

// SignURL presigns key with the SDK's SigV4 query signer.
func (s *Store) SignURL(ctx context.Context, key string, opts signing.Options) (string, error) {
	opts = opts.WithDefaults(signing.DefaultExpiry)
	if err := opts.Validate(); err != nil {
		return "", err
	}
	expires := s3.WithPresignExpires(opts.Expiry)
	bucket, object := aws.String(s.cfg.Bucket), aws.String(key)
	var (
		req *v4.PresignedHTTPRequest
		err error
	)
	switch opts.Method {
	case http.MethodGet:
		input := &s3.GetObjectInput{Bucket: bucket, Key: object}
		if ct := opts.Query["response-content-type"]; ct != "" {
			input.ResponseContentType = aws.String(ct)
		}
		req, err = s.presign.PresignGetObject(ctx, input, expires)
	case http.MethodHead:
		req, err = s.presign.PresignHeadObject(ctx, &s3.HeadObjectInput{Bucket: bucket, Key: object}, expires)
	case http.MethodPut:
		input := &s3.PutObjectInput{Bucket: bucket, Key: object}
		if opts.ContentType != "" {
			input.ContentType = aws.String(opts.ContentType)
		}
		req, err = s.presign.PresignPutObject(ctx, input, expires)
	case http.MethodDelete:
		req, err = s.presign.PresignDeleteObject(ctx, &s3.DeleteObjectInput{Bucket: bucket, Key: object}, expires)
	default:
		return "", fmt.Errorf("aws: presign method %s: %w", opts.Method, storage.ErrNotImplemented)
	}
	if err != nil {
		return "", wrapError(err, "aws: presign")
	}
	return req.URL, nil
}

// SetCORS replaces the bucket CORS rules with a GET rule for origins.
func (s *Store) SetCORS(ctx context.Context, origins []string) error {
	_, err := s.client.PutBucketCors(ctx, &s3.PutBucketCorsInput{
		Bucket: aws.String(s.cfg.Bucket),
		CORSConfiguration: &types.CORSConfiguration{
			CORSRules: []types.CORSRule{{
				AllowedMethods: []string{http.MethodGet},
				AllowedOrigins: origins,
			}},
		},
	})
	if err != nil {
		return wrapError(err, "aws: put bucket cors")
	}
	return nil
}

func escapeKey(key string) string {
	segments := strings.Split(key, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return strings.Join(segments, "/")
}

func wrapError(err error, msg string) error {
	if err == nil {
		return nil
	}
	retryable := isRetryable(err)
	if msg != "" {
		err = fmt.Errorf("%s: %w", msg, err)
	}
	if retryable {
		return storage.NewTransientError(err)
	}
	return err
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if isNetworkConnectionError(err) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if status, ok := httpStatusCode(err); ok {
		if status >= http.StatusInternalServerError || status == http.StatusTooManyRequests || status == http.StatusRequestTimeout {
			return true
		}
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "SlowDown", "RequestTimeout", "InternalError", "ServiceUnavailable":
			return true
		}
	}
	return false
}

func isNetworkConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNABORTED) || errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EHOSTUNREACH) || errors.Is(err, syscall.ENETUNREACH) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return isNetworkConnectionError(opErr.Err)
	}
	return false
}

func httpStatusCode(err error) (int, bool) {
	if err == nil {
		return 0, false
	}
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode(), true
	}
	var statusErr interface{ HTTPStatusCode() int }
	if errors.As(err, &statusErr) {
		return statusErr.HTTPStatusCode(), true
	}
	return 0, false
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchUpload":
			return true
		}
	}
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	var nsu *types.NoSuchUpload
	if errors.As(err, &nsk) || errors.As(err, &nf) || errors.As(err, &nsu) {
		return true
	}
	if status, ok := httpStatusCode(err); ok {
		return status == http.StatusNotFound
	}
	return false
}
