package cloudstorage

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pkt.systems/cloudstorage/internal/httpapi"
	"pkt.systems/cloudstorage/internal/multipart"
	"pkt.systems/cloudstorage/internal/signing"
)

const (
	// DefaultConfigFileName is the YAML file looked up in DefaultConfigDir.
	DefaultConfigFileName = "config.yaml"
	// DefaultListen is the default TCP endpoint the HTTP API binds to.
	DefaultListen = ":9380"
	// DefaultStore points the service at the in-memory driver.
	DefaultStore = "mem://"
	// DefaultLedgerDSN keeps the session ledger in memory.
	DefaultLedgerDSN = "sqlite://:memory:"
	// DefaultSignedURLExpiry is the lifetime of generated download URLs.
	DefaultSignedURLExpiry = signing.DefaultExpiry
	// DefaultMaxMultipartLifetime bounds how long an unfinished session may
	// linger before clean-multipart aborts it.
	DefaultMaxMultipartLifetime = multipart.DefaultMaxLifetime
	// DefaultMaxPartSize caps a single uploaded part.
	DefaultMaxPartSize = httpapi.DefaultMaxPartSize
	// DefaultSpoolThreshold is how much of a part is buffered in memory
	// before spilling to a temp file.
	DefaultSpoolThreshold = 8 << 20
	// DefaultStoreRetryAttempts is how many times transient store errors
	// are attempted.
	DefaultStoreRetryAttempts = 4
	// DefaultStoreRetryBaseDelay is the first backoff delay.
	DefaultStoreRetryBaseDelay = 100 * time.Millisecond
	// DefaultStoreRetryMaxDelay caps the backoff delay.
	DefaultStoreRetryMaxDelay = 5 * time.Second
	// DefaultShutdownTimeout bounds graceful HTTP shutdown.
	DefaultShutdownTimeout = 15 * time.Second
	// DefaultAzureBlockSize is the staged block size for streaming uploads.
	DefaultAzureBlockSize = 8 << 20
	// DefaultAWSPartSize is the streaming uploader part size.
	DefaultAWSPartSize = 16 << 20
)

// Config captures every tunable of the service. It is built once at startup
// and passed by value.
type Config struct {
	Listen    string
	Store     string
	LedgerDSN string

	// CKANURL selects the CKAN API as resource model; empty keeps an
	// in-process model (development only).
	CKANURL      string
	CKANAPIToken string

	// APITokens authorise action calls, AdminTokens additionally allow
	// clean-multipart. Entries have the form "token" or "token=user".
	APITokens   []string
	AdminTokens []string

	UseSecureURLs        bool
	LeaveFiles           bool
	GuessMimetype        bool
	SignedURLExpiry      time.Duration
	MaxMultipartLifetime time.Duration
	MaxPartSize          int64
	SpoolThreshold       int64
	CORSOrigins          []string

	StoreRetryAttempts  int
	StoreRetryBaseDelay time.Duration
	StoreRetryMaxDelay  time.Duration
	ShutdownTimeout     time.Duration

	S3AccessKeyID     string
	S3SecretAccessKey string
	S3Region          string
	S3PublicBaseURL   string

	AWSRegion          string
	AWSAccessKeyID     string
	AWSSecretAccessKey string
	AWSPartSize        int64

	AzureAccountKey string
	AzureSASToken   string
	AzureEndpoint   string
	AzureBlockSize  int64

	GCSAccessKeyID      string
	GCSSecretAccessKey  string
	GCSServiceAccount   string
	GCSEndpoint         string
	MemorySigningSecret string

	OTLPEndpoint   string
	MetricsListen  string
	PprofListen    string
	RuntimeMetrics bool
}

// DefaultConfig returns a Config with every default applied.
func DefaultConfig() Config {
	cfg := Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.Listen) == "" {
		c.Listen = DefaultListen
	}
	if strings.TrimSpace(c.Store) == "" {
		c.Store = DefaultStore
	}
	if strings.TrimSpace(c.LedgerDSN) == "" {
		c.LedgerDSN = DefaultLedgerDSN
	}
	if c.SignedURLExpiry <= 0 {
		c.SignedURLExpiry = DefaultSignedURLExpiry
	}
	if c.MaxMultipartLifetime <= 0 {
		c.MaxMultipartLifetime = DefaultMaxMultipartLifetime
	}
	if c.MaxPartSize <= 0 {
		c.MaxPartSize = DefaultMaxPartSize
	}
	if c.SpoolThreshold <= 0 {
		c.SpoolThreshold = DefaultSpoolThreshold
	}
	if c.StoreRetryAttempts <= 0 {
		c.StoreRetryAttempts = DefaultStoreRetryAttempts
	}
	if c.StoreRetryBaseDelay <= 0 {
		c.StoreRetryBaseDelay = DefaultStoreRetryBaseDelay
	}
	if c.StoreRetryMaxDelay <= 0 {
		c.StoreRetryMaxDelay = DefaultStoreRetryMaxDelay
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.AzureBlockSize <= 0 {
		c.AzureBlockSize = DefaultAzureBlockSize
	}
	if c.AWSPartSize <= 0 {
		c.AWSPartSize = DefaultAWSPartSize
	}
}

// Validate applies defaults and rejects inconsistent settings.
func (c *Config) Validate() error {
	c.applyDefaults()
	var errs []error
	if err := (signing.Options{Expiry: c.SignedURLExpiry}).Validate(); err != nil {
		errs = append(errs, fmt.Errorf("config: signed url expiry %s: %w", c.SignedURLExpiry, err))
	}
	if c.StoreRetryMaxDelay < c.StoreRetryBaseDelay {
		errs = append(errs, fmt.Errorf("config: store retry max delay %s below base delay %s", c.StoreRetryMaxDelay, c.StoreRetryBaseDelay))
	}
	if c.SpoolThreshold > c.MaxPartSize {
		c.SpoolThreshold = c.MaxPartSize
	}
	u, err := url.Parse(c.Store)
	if err != nil {
		errs = append(errs, fmt.Errorf("config: parse store url: %w", err))
	} else if !supportedStoreScheme(u.Scheme) {
		errs = append(errs, fmt.Errorf("config: store scheme %q not supported (use %s)", u.Scheme, strings.Join(StoreSchemes(), ", ")))
	}
	if c.CKANURL != "" {
		if u, err := url.Parse(c.CKANURL); err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			errs = append(errs, fmt.Errorf("config: invalid ckan url %q", c.CKANURL))
		}
	}
	if (c.S3AccessKeyID == "") != (c.S3SecretAccessKey == "") {
		errs = append(errs, errors.New("config: s3 credentials incomplete (need access key and secret key)"))
	}
	if (c.AWSAccessKeyID == "") != (c.AWSSecretAccessKey == "") {
		errs = append(errs, errors.New("config: aws credentials incomplete (need access key and secret key)"))
	}
	if (c.GCSAccessKeyID == "") != (c.GCSSecretAccessKey == "") {
		errs = append(errs, errors.New("config: gcs hmac key incomplete (need access key and secret)"))
	}
	if c.AzureAccountKey != "" && c.AzureSASToken != "" {
		errs = append(errs, errors.New("config: azure account key and sas token are mutually exclusive"))
	}
	for _, tok := range append(append([]string(nil), c.APITokens...), c.AdminTokens...) {
		if value, _ := splitToken(tok); value == "" {
			errs = append(errs, fmt.Errorf("config: empty api token in %q", tok))
		}
	}
	for _, origin := range c.CORSOrigins {
		if origin == "*" {
			continue
		}
		if u, err := url.Parse(origin); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("config: invalid cors origin %q", origin))
		}
	}
	return errors.Join(errs...)
}

// DevMode reports whether the service runs without any token gate.
func (c Config) DevMode() bool {
	return len(c.APITokens) == 0 && len(c.AdminTokens) == 0
}

// splitToken parses "token" or "token=user".
func splitToken(raw string) (token, user string) {
	token, user, _ = strings.Cut(strings.TrimSpace(raw), "=")
	return strings.TrimSpace(token), strings.TrimSpace(user)
}

// DefaultConfigDir returns $HOME/.cloudstorage.
func DefaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	if home == "" {
		return "", errors.New("resolve home dir: empty path")
	}
	return filepath.Join(home, ".cloudstorage"), nil
}
