package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/cors"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"pkt.systems/cloudstorage/internal/signing"
	"pkt.systems/cloudstorage/internal/storage"
	"pkt.systems/pslog"
)

// Config controls the behaviour of the S3-compatible driver.
type Config struct {
	Endpoint       string
	Region         string
	Bucket         string
	Insecure       bool
	ForcePathStyle bool
	// AccessKey and SecretKey select static credentials; when empty the
	// environment, credential files and IAM are consulted in that order.
	AccessKey string
	SecretKey string
	// PublicBaseURL overrides the host used for unsigned object URLs.
	PublicBaseURL string
	CustomCreds   *credentials.Credentials
	Transport     http.RoundTripper
}

// Store implements storage.Driver backed by S3-compatible object storage.
type Store struct {
	core *minio.Core
	cfg  Config
}

// New constructs a Store using the provided configuration.
func New(cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3: bucket is required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		if cfg.Region != "" {
			endpoint = fmt.Sprintf("s3.%s.amazonaws.com", cfg.Region)
		} else {
			endpoint = "s3.amazonaws.com"
		}
		cfg.Endpoint = endpoint
	}
	if cfg.Transport == nil {
		cfg.Transport = defaultTransport()
	}
	var creds *credentials.Credentials
	switch {
	case cfg.CustomCreds != nil:
		creds = cfg.CustomCreds
	case cfg.AccessKey != "":
		creds = credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, "")
	default:
		chain := []credentials.Provider{
			&credentials.EnvAWS{},
			&credentials.EnvMinio{},
			&credentials.FileAWSCredentials{},
			&credentials.IAM{},
		}
		creds = credentials.NewChainCredentials(chain)
	}
	options := &minio.Options{
		Creds:     creds,
		Secure:    !cfg.Insecure,
		Region:    cfg.Region,
		Transport: cfg.Transport,
	}
	if cfg.ForcePathStyle {
		options.BucketLookup = minio.BucketLookupPath
	}
	core, err := minio.NewCore(endpoint, options)
	if err != nil {
		return nil, fmt.Errorf("s3: create client: %w", err)
	}
	return &Store{core: core, cfg: cfg}, nil
}

func defaultTransport() http.RoundTripper {
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
	if clone.ExpectContinueTimeout == 0 {
		clone.ExpectContinueTimeout = 1 * time.Second
	}
	return clone
}

// Close is a no-op for the S3 client.
func (s *Store) Close() error { return nil }

// Provider implements storage.Describer.
func (s *Store) Provider() string { return "s3" }

// Container implements storage.Describer.
func (s *Store) Container() string { return s.cfg.Bucket }

// Client exposes the underlying MinIO client for diagnostics.
func (s *Store) Client() *minio.Client {
	return s.core.Client
}

// BucketExists reports whether the configured bucket exists.
func (s *Store) BucketExists(ctx context.Context) (bool, error) {
	return s.core.Client.BucketExists(ctx, s.cfg.Bucket)
}

// Config returns a copy of the configuration used to build the store.
func (s *Store) Config() Config {
	return s.cfg
}

func (s *Store) logger(ctx context.Context) pslog.Logger {
	if logger := pslog.LoggerFromContext(ctx); logger != nil {
		return logger
	}
	return pslog.NoopLogger()
}

// InitiateMultipart opens a multipart upload for key.
func (s *Store) InitiateMultipart(ctx context.Context, key string, opts storage.InitiateOptions) (string, error) {
	logger := s.logger(ctx)
	id, err := s.core.NewMultipartUpload(ctx, s.cfg.Bucket, key, minio.PutObjectOptions{ContentType: opts.ContentType})
	if err != nil {
		logger.Debug("s3.initiate_multipart.error", "key", key, "error", err)
		return "", s.wrapError(err, "s3: initiate multipart")
	}
	logger.Trace("s3.initiate_multipart.success", "key", key, "upload_id", id)
	return id, nil
}

// PutPart uploads one part of a multipart upload.
func (s *Store) PutPart(ctx context.Context, key, sessionID string, partNumber int, body io.Reader, size int64) (string, error) {
	logger := s.logger(ctx)
	part, err := s.core.PutObjectPart(ctx, s.cfg.Bucket, key, sessionID, partNumber, body, size, minio.PutObjectPartOptions{})
	if err != nil {
		if isNotFound(err) {
			return "", fmt.Errorf("s3: upload %s: %w", sessionID, storage.ErrNotFound)
		}
		logger.Debug("s3.put_part.error", "key", key, "upload_id", sessionID, "part", partNumber, "error", err)
		return "", s.wrapError(err, "s3: put part")
	}
	logger.Trace("s3.put_part.success", "key", key, "upload_id", sessionID, "part", partNumber, "etag", part.ETag)
	return part.ETag, nil
}

// CommitMultipart completes a multipart upload from parts in order.
func (s *Store) CommitMultipart(ctx context.Context, key, sessionID string, parts []storage.Part) error {
	logger := s.logger(ctx)
	complete := make([]minio.CompletePart, 0, len(parts))
	for _, part := range parts {
		complete = append(complete, minio.CompletePart{PartNumber: part.Number, ETag: part.ETag})
	}
	if _, err := s.core.CompleteMultipartUpload(ctx, s.cfg.Bucket, key, sessionID, complete, minio.PutObjectOptions{}); err != nil {
		if isNotFound(err) {
			return fmt.Errorf("s3: upload %s: %w", sessionID, storage.ErrNotFound)
		}
		logger.Debug("s3.commit_multipart.error", "key", key, "upload_id", sessionID, "parts", len(parts), "error", err)
		return s.wrapError(err, "s3: complete multipart")
	}
	logger.Debug("s3.commit_multipart.success", "key", key, "upload_id", sessionID, "parts", len(parts))
	return nil
}

// AbortMultipart discards a multipart upload.
func (s *Store) AbortMultipart(ctx context.Context, key, sessionID string) error {
	if err := s.core.AbortMultipartUpload(ctx, s.cfg.Bucket, key, sessionID); err != nil {
		if isNotFound(err) {
			return fmt.Errorf("s3: upload %s: %w", sessionID, storage.ErrNotFound)
		}
		s.logger(ctx).Debug("s3.abort_multipart.error", "key", key, "upload_id", sessionID, "error", err)
		return s.wrapError(err, "s3: abort multipart")
	}
	return nil
}

// StatObject returns object metadata.
func (s *Store) StatObject(ctx context.Context, key string) (*storage.ObjectInfo, error) {
	info, err := s.core.Client.StatObject(ctx, s.cfg.Bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return nil, storage.ErrNotFound
		}
		return nil, s.wrapError(err, "s3: stat object")
	}
	out := objectInfo(info)
	return &out, nil
}

// ListObjects visits every object under prefix.
func (s *Store) ListObjects(ctx context.Context, prefix string, visit func(storage.ObjectInfo) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	for object := range s.core.Client.ListObjects(ctx, s.cfg.Bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if object.Err != nil {
			return s.wrapError(object.Err, "s3: list objects")
		}
		if err := visit(objectInfo(object)); err != nil {
			return err
		}
	}
	return nil
}

// PutObject streams body into key.
func (s *Store) PutObject(ctx context.Context, key string, body io.Reader, opts storage.PutOptions) (*storage.ObjectInfo, error) {
	contentType := opts.ContentType
	if contentType == "" {
		contentType = storage.ContentTypeOctetStream
	}
	size := opts.Size
	if size == 0 {
		size = -1
	}
	info, err := s.core.Client.PutObject(ctx, s.cfg.Bucket, key, body, size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return nil, s.wrapError(err, "s3: put object")
	}
	return &storage.ObjectInfo{
		Key:          key,
		Size:         info.Size,
		ETag:         storage.NormalizeETag(info.ETag),
		ContentType:  contentType,
		LastModified: info.LastModified,
	}, nil
}

// DeleteObject removes key. S3 reports success for missing keys.
func (s *Store) DeleteObject(ctx context.Context, key string) error {
	if err := s.core.Client.RemoveObject(ctx, s.cfg.Bucket, key, minio.RemoveObjectOptions{}); err != nil {
		if isNotFound(err) {
			return storage.ErrNotFound
		}
		s.logger(ctx).Debug("s3.delete_object.remove_error", "key", key, "error", err)
		return s.wrapError(err, "s3: delete object")
	}
	s.logger(ctx).Debug("s3.delete_object.success", "key", key)
	return nil
}

// PublicURL returns the path-style URL of key.
func (s *Store) PublicURL(key string) (string, error) {
	base := strings.TrimSuffix(s.cfg.PublicBaseURL, "/")
	if base == "" {
		base = strings.TrimSuffix(s.core.Client.EndpointURL().String(), "/")
	}
	return base + "/" + s.cfg.Bucket + "/" + escapeKey(key), nil
}

// SignURL presigns a request for key with SigV4 query authentication.
func (s *Store) SignURL(ctx context.Context, key string, opts signing.Options) (string, error) {
	opts = opts.WithDefaults(signing.DefaultExpiry)
	if err := opts.Validate(); err != nil {
		return "", err
	}
	params := url.Values{}
	for k, v := range opts.Query {
		params.Set(k, v)
	}
	headers := http.Header{}
	for k, v := range opts.SignedHeaders() {
		headers.Set(k, v)
	}
	u, err := s.core.Client.PresignHeader(ctx, opts.Method, s.cfg.Bucket, key, opts.Expiry, params, headers)
	if err != nil {
		return "", s.wrapError(err, "s3: presign")
	}
	return u.String(), nil
}

// SetCORS replaces the bucket CORS rules with a GET rule for origins.
func (s *Store) SetCORS(ctx context.Context, origins []string) error {
	cfg := cors.NewConfig([]cors.Rule{{
		AllowedMethod: []string{http.MethodGet},
		AllowedOrigin: origins,
	}})
	if err := s.core.Client.SetBucketCors(ctx, s.cfg.Bucket, cfg); err != nil {
		return s.wrapError(err, "s3: set bucket cors")
	}
	return nil
}

func objectInfo(info minio.ObjectInfo) storage.ObjectInfo {
	return storage.ObjectInfo{
		Key:          info.Key,
		Size:         info.Size,
		ETag:         storage.NormalizeETag(info.ETag),
		ContentType:  info.ContentType,
		LastModified: info.LastModified,
	}
}

func escapeKey(key string) string {
	segments := strings.Split(key, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return strings.Join(segments, "/")
}

func isNotFound(err error) bool {
	errResp := minio.ErrorResponse{}
	if errors.As(err, &errResp) {
		return errResp.StatusCode == http.StatusNotFound
	}
	return false
}

func (s *Store) wrapError(err error, msg string) error {
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
	resp := minio.ToErrorResponse(err)
	switch {
	case resp.StatusCode >= http.StatusInternalServerError:
		return true
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode == http.StatusRequestTimeout:
		return true
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
