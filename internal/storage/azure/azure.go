package azure

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"path"
	"strings"
	"syscall"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/streaming"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/sas"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/service"
	"github.com/google/uuid"

	"pkt.systems/cloudstorage/internal/clock"
	"pkt.systems/cloudstorage/internal/signing"
	"pkt.systems/cloudstorage/internal/storage"
	"pkt.systems/pslog"
)

// Config controls connectivity to Azure Blob Storage.
type Config struct {
	Account    string
	AccountKey string
	Endpoint   string
	SASToken   string
	Container  string
	// BlockSize is used by the streaming uploader for PutObject.
	BlockSize int64
	Clock     clock.Clock
}

// Store implements storage.Driver backed by Azure Blob Storage. Multipart
// sessions map onto staged blocks of a block blob: the session id prefixes
// every block id and committing the block list assembles the blob.
type Store struct {
	client    *azblob.Client
	endpoint  string
	container string
	blockSize int64
	clock     clock.Clock
}

const defaultBlockSize = 8 << 20

// New constructs a Store and creates the container when missing.
func New(cfg Config) (*Store, error) {
	s, err := newStore(cfg)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := s.client.CreateContainer(ctx, s.container, nil); err != nil {
		if !bloberror.HasCode(err, bloberror.ContainerAlreadyExists) {
			return nil, fmt.Errorf("azure: create container: %w", err)
		}
	}
	return s, nil
}

func newStore(cfg Config) (*Store, error) {
	if cfg.Account == "" {
		return nil, fmt.Errorf("azure: account is required")
	}
	if cfg.Container == "" {
		return nil, fmt.Errorf("azure: container is required")
	}
	endpoint := strings.TrimSuffix(cfg.Endpoint, "/")
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s.blob.core.windows.net", cfg.Account)
	}
	var (
		client *azblob.Client
		err    error
	)
	clientOpts := defaultClientOptions()
	if cfg.SASToken != "" {
		endpointWithSAS, serr := appendSASToken(endpoint, cfg.SASToken)
		if serr != nil {
			return nil, serr
		}
		client, err = azblob.NewClientWithNoCredential(endpointWithSAS, clientOpts)
	} else {
		if cfg.AccountKey == "" {
			return nil, fmt.Errorf("azure: account key or SAS token required")
		}
		cred, credErr := azblob.NewSharedKeyCredential(cfg.Account, cfg.AccountKey)
		if credErr != nil {
			return nil, fmt.Errorf("azure: build credentials: %w", credErr)
		}
		client, err = azblob.NewClientWithSharedKeyCredential(endpoint, cred, clientOpts)
	}
	if err != nil {
		return nil, fmt.Errorf("azure: create client: %w", err)
	}
	if cfg.BlockSize <= 0 {
		cfg.BlockSize = defaultBlockSize
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	return &Store{
		client:    client,
		endpoint:  endpoint,
		container: cfg.Container,
		blockSize: cfg.BlockSize,
		clock:     cfg.Clock,
	}, nil
}

func defaultClientOptions() *azblob.ClientOptions {
	return &azblob.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Transport: defaultTransporter(),
		},
	}
}

type transportAdapter struct {
	rt http.RoundTripper
}

func (t transportAdapter) Do(req *http.Request) (*http.Response, error) {
	return t.rt.RoundTrip(req)
}

func defaultTransporter() policy.Transporter {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return transportAdapter{rt: http.DefaultTransport}
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
	return transportAdapter{rt: clone}
}

func appendSASToken(endpoint, token string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("azure: parse endpoint: %w", err)
	}
	token = strings.TrimPrefix(token, "?")
	if u.RawQuery != "" {
		u.RawQuery = u.RawQuery + "&" + token
	} else {
		u.RawQuery = token
	}
	return u.String(), nil
}

// Close is a no-op for Azure.
func (s *Store) Close() error { return nil }

// Provider implements storage.Describer.
func (s *Store) Provider() string { return "azure" }

// Container implements storage.Describer.
func (s *Store) Container() string { return s.container }

func (s *Store) logger(ctx context.Context) pslog.Logger {
	if logger := pslog.LoggerFromContext(ctx); logger != nil {
		return logger
	}
	return pslog.NoopLogger()
}

func (s *Store) blockBlob(key string) *blockblob.Client {
	return s.client.ServiceClient().NewContainerClient(s.container).NewBlockBlobClient(key)
}

func (s *Store) blob(key string) *blob.Client {
	return s.client.ServiceClient().NewContainerClient(s.container).NewBlobClient(key)
}

// sessionTypeSep separates the uuid of a session id from its encoded
// content type.
const sessionTypeSep = "~"

// newSessionID returns a uuid, suffixed with the url-safe encoding of
// contentType when one is requested.
func newSessionID(contentType string) string {
	id := uuid.NewString()
	if contentType != "" {
		id += sessionTypeSep + base64.RawURLEncoding.EncodeToString([]byte(contentType))
	}
	return id
}

// splitSessionID returns the uuid part of a session id and the content
// type carried with it, if any.
func splitSessionID(sessionID string) (string, string) {
	base, encoded, ok := strings.Cut(sessionID, sessionTypeSep)
	if !ok {
		return sessionID, ""
	}
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return base, ""
	}
	return base, string(raw)
}

// blockID encodes a session/part pair. Block ids of one blob must share a
// length, which the fixed width uuid and zero padded part number provide.
func blockID(sessionID string, partNumber int) string {
	base, _ := splitSessionID(sessionID)
	return base64.StdEncoding.EncodeToString([]byte(fmt.Sprintf("%s-%06d", base, partNumber)))
}

// InitiateMultipart allocates a session id. Azure keeps no server-side
// session until the first block is staged, so the requested content type
// travels inside the id until commit.
func (s *Store) InitiateMultipart(ctx context.Context, key string, opts storage.InitiateOptions) (string, error) {
	id := newSessionID(opts.ContentType)
	s.logger(ctx).Trace("azure.initiate_multipart", "key", key, "upload_id", id)
	return id, nil
}

// PutPart stages one block. The block is buffered so the SDK can rewind it
// on retry.
func (s *Store) PutPart(ctx context.Context, key, sessionID string, partNumber int, body io.Reader, size int64) (string, error) {
	if sessionID == "" {
		return "", fmt.Errorf("azure: upload id required: %w", storage.ErrNotFound)
	}
	var buf bytes.Buffer
	if size > 0 {
		buf.Grow(int(size))
	}
	hash := md5.New()
	if _, err := io.Copy(io.MultiWriter(&buf, hash), body); err != nil {
		return "", fmt.Errorf("azure: read part: %w", err)
	}
	sum := hash.Sum(nil)
	_, err := s.blockBlob(key).StageBlock(ctx, blockID(sessionID, partNumber), streaming.NopCloser(bytes.NewReader(buf.Bytes())), nil)
	if err != nil {
		s.logger(ctx).Debug("azure.put_part.error", "key", key, "upload_id", sessionID, "part", partNumber, "error", err)
		return "", wrapError(err, "azure: stage block")
	}
	return `"` + hex.EncodeToString(sum) + `"`, nil
}

// CommitMultipart commits the staged blocks of sessionID in part order.
func (s *Store) CommitMultipart(ctx context.Context, key, sessionID string, parts []storage.Part) error {
	if len(parts) == 0 {
		return fmt.Errorf("azure: commit without parts")
	}
	ids := make([]string, 0, len(parts))
	for _, part := range parts {
		ids = append(ids, blockID(sessionID, part.Number))
	}
	contentType := s.sessionContentType(key, sessionID)
	_, err := s.blockBlob(key).CommitBlockList(ctx, ids, &blockblob.CommitBlockListOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: to.Ptr(contentType)},
	})
	if err != nil {
		if bloberror.HasCode(err, bloberror.InvalidBlockList) {
			return fmt.Errorf("azure: upload %s: %w", sessionID, storage.ErrNotFound)
		}
		s.logger(ctx).Debug("azure.commit_multipart.error", "key", key, "upload_id", sessionID, "parts", len(parts), "error", err)
		return wrapError(err, "azure: commit block list")
	}
	return nil
}

// OverwritesOnCommit implements storage.CommitOverwriter. Deleting the blob
// before committing would also drop the staged blocks of the session.
func (s *Store) OverwritesOnCommit() bool { return true }

// AbortMultipart is a no-op. Azure garbage collects uncommitted blocks
// after seven days and offers no way to drop them earlier.
func (s *Store) AbortMultipart(ctx context.Context, key, sessionID string) error {
	return nil
}

func (s *Store) sessionContentType(key, sessionID string) string {
	if _, ct := splitSessionID(sessionID); ct != "" {
		return ct
	}
	if guessed := mime.TypeByExtension(path.Ext(key)); guessed != "" {
		return guessed
	}
	return storage.ContentTypeOctetStream
}

// StatObject returns blob properties. The hash is the stored Content-MD5
// when present, otherwise the blob etag.
func (s *Store) StatObject(ctx context.Context, key string) (*storage.ObjectInfo, error) {
	props, err := s.blob(key).GetProperties(ctx, nil)
	if err != nil {
		if isNotFound(err) {
			return nil, storage.ErrNotFound
		}
		return nil, wrapError(err, "azure: get properties")
	}
	info := &storage.ObjectInfo{
		Key:         key,
		Size:        deref(props.ContentLength),
		ETag:        objectHash(props.ContentMD5, props.ETag),
		ContentType: deref(props.ContentType),
	}
	if props.LastModified != nil {
		info.LastModified = *props.LastModified
	}
	return info, nil
}

func objectHash(contentMD5 []byte, etag *azcore.ETag) string {
	if len(contentMD5) > 0 {
		return hex.EncodeToString(contentMD5)
	}
	if etag == nil {
		return ""
	}
	return storage.NormalizeETag(string(*etag))
}

// ListObjects visits every blob under prefix.
func (s *Store) ListObjects(ctx context.Context, prefix string, visit func(storage.ObjectInfo) error) error {
	pager := s.client.NewListBlobsFlatPager(s.container, &azblob.ListBlobsFlatOptions{
		Prefix: to.Ptr(prefix),
	})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return wrapError(err, "azure: list blobs")
		}
		if page.Segment == nil {
			continue
		}
		for _, item := range page.Segment.BlobItems {
			if item == nil || item.Name == nil {
				continue
			}
			info := storage.ObjectInfo{Key: *item.Name}
			if props := item.Properties; props != nil {
				info.Size = deref(props.ContentLength)
				info.ETag = objectHash(props.ContentMD5, props.ETag)
				info.ContentType = deref(props.ContentType)
				if props.LastModified != nil {
					info.LastModified = *props.LastModified
				}
			}
			if err := visit(info); err != nil {
				return err
			}
		}
	}
	return nil
}

// PutObject streams body into a block blob and records its MD5 so later
// uploads of identical content can be detected.
func (s *Store) PutObject(ctx context.Context, key string, body io.Reader, opts storage.PutOptions) (*storage.ObjectInfo, error) {
	contentType := opts.ContentType
	if contentType == "" {
		contentType = storage.ContentTypeOctetStream
	}
	hash := md5.New()
	counter := &countingReader{r: io.TeeReader(body, hash)}
	headers := blob.HTTPHeaders{BlobContentType: to.Ptr(contentType)}
	_, err := s.client.UploadStream(ctx, s.container, key, counter, &azblob.UploadStreamOptions{
		BlockSize:   s.blockSize,
		HTTPHeaders: &headers,
	})
	if err != nil {
		return nil, wrapError(err, "azure: upload stream")
	}
	sum := hash.Sum(nil)
	headers.BlobContentMD5 = sum
	if _, err := s.blob(key).SetHTTPHeaders(ctx, headers, nil); err != nil {
		s.logger(ctx).Warn("azure.put_object.set_md5.error", "key", key, "error", err)
	}
	return &storage.ObjectInfo{
		Key:         key,
		Size:        counter.n,
		ETag:        hex.EncodeToString(sum),
		ContentType: contentType,
	}, nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.n += int64(n)
	return n, err
}

// DeleteObject removes key.
func (s *Store) DeleteObject(ctx context.Context, key string) error {
	_, err := s.client.DeleteBlob(ctx, s.container, key, nil)
	if err != nil {
		if isNotFound(err) {
			return storage.ErrNotFound
		}
		return wrapError(err, "azure: delete blob")
	}
	return nil
}

// PublicURL returns the unsigned blob URL of key.
func (s *Store) PublicURL(key string) (string, error) {
	return s.endpoint + "/" + url.PathEscape(s.container) + "/" + escapeKey(key), nil
}

// SignURL returns a SAS URL for key. Signing requires the account key.
func (s *Store) SignURL(ctx context.Context, key string, opts signing.Options) (string, error) {
	opts = opts.WithDefaults(signing.DefaultExpiry)
	if err := opts.Validate(); err != nil {
		return "", err
	}
	perms, err := sasPermissions(opts.Method)
	if err != nil {
		return "", err
	}
	raw, err := s.blob(key).GetSASURL(perms, s.clock.Now().UTC().Add(opts.Expiry), nil)
	if err != nil {
		return "", fmt.Errorf("azure: sign url: %w", err)
	}
	return raw, nil
}

func sasPermissions(method string) (sas.BlobPermissions, error) {
	switch method {
	case http.MethodGet, http.MethodHead:
		return sas.BlobPermissions{Read: true}, nil
	case http.MethodPut:
		return sas.BlobPermissions{Create: true, Write: true}, nil
	case http.MethodDelete:
		return sas.BlobPermissions{Delete: true}, nil
	default:
		return sas.BlobPermissions{}, fmt.Errorf("azure: sas method %s: %w", method, storage.ErrNotImplemented)
	}
}

// SetCORS replaces the account CORS rules with a GET rule for origins.
func (s *Store) SetCORS(ctx context.Context, origins []string) error {
	_, err := s.client.ServiceClient().SetProperties(ctx, &service.SetPropertiesOptions{
		CORS: []*service.CORSRule{corsRule(origins)},
	})
	if err != nil {
		return wrapError(err, "azure: set service properties")
	}
	return nil
}

func corsRule(origins []string) *service.CORSRule {
	return &service.CORSRule{
		AllowedOrigins:  to.Ptr(strings.Join(origins, ",")),
		AllowedMethods:  to.Ptr(http.MethodGet),
		AllowedHeaders:  to.Ptr("*"),
		ExposedHeaders:  to.Ptr("*"),
		MaxAgeInSeconds: to.Ptr(int32(3600)),
	}
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
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		status := respErr.StatusCode
		return status >= http.StatusInternalServerError || status == http.StatusTooManyRequests || status == http.StatusRequestTimeout
	}
	return false
}

func isNotFound(err error) bool {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == http.StatusNotFound
	}
	return false
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}
