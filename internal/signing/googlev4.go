package signing

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"pkt.systems/cloudstorage/internal/clock"
)

const (
	// GoogleAlgorithm identifies the RSA V4 scheme.
	GoogleAlgorithm = "GOOG4-RSA-SHA256"
	googleScopeTail = "auto/storage/goog4_request"
	unsignedPayload = "UNSIGNED-PAYLOAD"
	googleHostTmpl  = "%s.storage.googleapis.com"
)

// GoogleV4 signs Cloud Storage object URLs with a service account key.
type GoogleV4 struct {
	bucket string
	email  string
	key    *rsa.PrivateKey
	clock  clock.Clock
	host   string
}

// NewGoogleV4 returns a signer for objects in bucket.
func NewGoogleV4(bucket string, account *ServiceAccount, clk clock.Clock) (*GoogleV4, error) {
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errors.New("signing: bucket required")
	}
	if account == nil || account.PrivateKey == nil || account.ClientEmail == "" {
		return nil, errors.New("signing: service account with client_email and private_key required")
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &GoogleV4{
		bucket: bucket,
		email:  account.ClientEmail,
		key:    account.PrivateKey,
		clock:  clk,
		host:   fmt.Sprintf(googleHostTmpl, bucket),
	}, nil
}

// Host returns the virtual-hosted bucket endpoint the URLs point at.
func (g *GoogleV4) Host() string { return g.host }

// SignURL returns an https URL authorising opts.Method on key until the
// expiry elapses.
func (g *GoogleV4) SignURL(key string, opts Options) (string, error) {
	opts = opts.WithDefaults(DefaultExpiry)
	if err := opts.Validate(); err != nil {
		return "", err
	}
	req := g.canonical(key, opts, g.clock.Now().UTC())

	digest := sha256.Sum256([]byte(req.stringToSign()))
	sig, err := rsa.SignPKCS1v15(rand.Reader, g.key, crypto.SHA256, digest[:])
	if err != nil {
		return "", fmt.Errorf("signing: rsa sign: %w", err)
	}
	return "https://" + g.host + req.uri + "?" + req.query + "&x-goog-signature=" + hex.EncodeToString(sig), nil
}

type canonicalRequest struct {
	method        string
	uri           string
	query         string
	headers       string
	signedHeaders string
	timestamp     string
	scope         string
}

func (g *GoogleV4) canonical(key string, opts Options, now time.Time) canonicalRequest {
	timestamp := now.Format("20060102T150405Z")
	scope := now.Format("20060102") + "/" + googleScopeTail

	headers := map[string]string{"host": g.host}
	for k, v := range opts.SignedHeaders() {
		name := strings.ToLower(strings.TrimSpace(k))
		if name == "" || name == "host" {
			continue
		}
		headers[name] = strings.TrimSpace(v)
	}
	names := make([]string, 0, len(headers))
	for name := range headers {
		names = append(names, name)
	}
	sort.Strings(names)
	var hb strings.Builder
	for _, name := range names {
		hb.WriteString(name)
		hb.WriteByte(':')
		hb.WriteString(headers[name])
		hb.WriteByte('\n')
	}
	signedHeaders := strings.Join(names, ";")

	query := make(map[string]string, len(opts.Query)+5)
	for k, v := range opts.Query {
		query[k] = v
	}
	query["X-Goog-Algorithm"] = GoogleAlgorithm
	query["X-Goog-Credential"] = g.email + "/" + scope
	query["X-Goog-Date"] = timestamp
	query["X-Goog-Expires"] = strconv.FormatInt(opts.ExpirySeconds(), 10)
	query["X-Goog-SignedHeaders"] = signedHeaders

	return canonicalRequest{
		method:        opts.Method,
		uri:           "/" + escapePath(key),
		query:         canonicalQuery(query),
		headers:       hb.String(),
		signedHeaders: signedHeaders,
		timestamp:     timestamp,
		scope:         scope,
	}
}

func (r canonicalRequest) String() string {
	return strings.Join([]string{
		r.method,
		r.uri,
		r.query,
		r.headers,
		r.signedHeaders,
		unsignedPayload,
	}, "\n")
}

func (r canonicalRequest) stringToSign() string {
	sum := sha256.Sum256([]byte(r.String()))
	return strings.Join([]string{
		GoogleAlgorithm,
		r.timestamp,
		r.scope,
		hex.EncodeToString(sum[:]),
	}, "\n")
}

func canonicalQuery(query map[string]string) string {
	keys := make([]string, 0, len(query))
	for k := range query {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, escape(k)+"="+escape(query[k]))
	}
	return strings.Join(parts, "&")
}

// escape percent-encodes everything except unreserved characters, with
// spaces as %20.
func escape(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

// escapePath escapes each segment of an object key, keeping "/" and "~".
func escapePath(key string) string {
	segments := strings.Split(key, "/")
	for i, seg := range segments {
		segments[i] = escape(seg)
	}
	return strings.Join(segments, "/")
}
