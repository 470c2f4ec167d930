package cloudstorage

import (
	"strings"
	"testing"
	"time"
)

func TestConfigValidateDefaults(t *testing.T) {
	cfg := Config{}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Listen != DefaultListen || cfg.Store != DefaultStore || cfg.LedgerDSN != DefaultLedgerDSN {
		t.Fatalf("unexpected endpoint defaults %+v", cfg)
	}
	if cfg.SignedURLExpiry != DefaultSignedURLExpiry {
		t.Fatalf("expected signed url expiry %s, got %s", DefaultSignedURLExpiry, cfg.SignedURLExpiry)
	}
	if cfg.MaxMultipartLifetime != 7*24*time.Hour {
		t.Fatalf("expected a seven day multipart lifetime, got %s", cfg.MaxMultipartLifetime)
	}
	if cfg.StoreRetryAttempts <= 0 || cfg.StoreRetryBaseDelay <= 0 || cfg.StoreRetryMaxDelay <= 0 {
		t.Fatal("expected store retry defaults")
	}
	if !cfg.DevMode() {
		t.Fatal("config without tokens should run in dev mode")
	}
}

func TestConfigValidateClampsSpool(t *testing.T) {
	cfg := Config{MaxPartSize: 1 << 20, SpoolThreshold: 4 << 20}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.SpoolThreshold != 1<<20 {
		t.Fatalf("spool threshold should be clamped to the part size, got %d", cfg.SpoolThreshold)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		want string
	}{
		{"expiry too long", Config{SignedURLExpiry: 8 * 24 * time.Hour}, "signed url expiry"},
		{"unknown scheme", Config{Store: "disk:///var/lib"}, `store scheme "disk"`},
		{"bad ckan url", Config{CKANURL: "ftp://ckan"}, "invalid ckan url"},
		{"half s3 creds", Config{S3AccessKeyID: "minio"}, "s3 credentials incomplete"},
		{"half aws creds", Config{AWSSecretAccessKey: "x"}, "aws credentials incomplete"},
		{"half gcs creds", Config{GCSAccessKeyID: "GOOG1"}, "gcs hmac key incomplete"},
		{"azure key and sas", Config{AzureAccountKey: "k", AzureSASToken: "sv=1"}, "mutually exclusive"},
		{"empty token", Config{APITokens: []string{"=alice"}}, "empty api token"},
		{"bad origin", Config{CORSOrigins: []string{"example.org"}}, "invalid cors origin"},
		{"retry delays", Config{StoreRetryBaseDelay: time.Second, StoreRetryMaxDelay: time.Millisecond}, "below base delay"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := tc.cfg
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("expected error containing %q", tc.want)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestConfigAcceptsWildcardOrigin(t *testing.T) {
	cfg := Config{CORSOrigins: []string{"*", "https://data.example.org"}}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestSplitToken(t *testing.T) {
	cases := []struct {
		raw, token, user string
	}{
		{"abc", "abc", ""},
		{" abc = alice ", "abc", "alice"},
		{"abc=", "abc", ""},
		{"=alice", "", "alice"},
	}
	for _, tc := range cases {
		token, user := splitToken(tc.raw)
		if token != tc.token || user != tc.user {
			t.Fatalf("splitToken(%q) = %q, %q; want %q, %q", tc.raw, token, user, tc.token, tc.user)
		}
	}
}
