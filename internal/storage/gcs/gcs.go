// Package gcs drives Google Cloud Storage through its S3 interoperability
// endpoint. Objects move over the XML API with HMAC keys; URLs are signed
// with a service account key when one is configured.
package gcs

import (
	"context"
	"fmt"

	"pkt.systems/cloudstorage/internal/clock"
	"pkt.systems/cloudstorage/internal/signing"
	"pkt.systems/cloudstorage/internal/storage/s3"
)

const (
	// Endpoint is the Cloud Storage XML API host.
	Endpoint   = "storage.googleapis.com"
	publicBase = "https://" + Endpoint
)

// Config controls the Google Cloud Storage driver.
type Config struct {
	Bucket string
	// AccessKey and SecretKey are a GCS HMAC key pair.
	AccessKey string
	SecretKey string
	// ServiceAccount, when set, signs URLs with GOOG4-RSA-SHA256 instead of
	// the HMAC key.
	ServiceAccount *signing.ServiceAccount
	// Endpoint overrides the XML API host, mainly for tests.
	Endpoint string
	Insecure bool
	Clock    clock.Clock
}

// Store implements storage.Driver for Cloud Storage.
type Store struct {
	*s3.Store
	signer *signing.GoogleV4
}

// New constructs a Store.
func New(cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("gcs: bucket is required")
	}
	endpoint := cfg.Endpoint
	public := ""
	if endpoint == "" {
		endpoint = Endpoint
		public = publicBase
	}
	inner, err := s3.New(s3.Config{
		Endpoint:       endpoint,
		Region:         "auto",
		Bucket:         cfg.Bucket,
		Insecure:       cfg.Insecure,
		ForcePathStyle: true,
		AccessKey:      cfg.AccessKey,
		SecretKey:      cfg.SecretKey,
		PublicBaseURL:  public,
	})
	if err != nil {
		return nil, fmt.Errorf("gcs: %w", err)
	}
	store := &Store{Store: inner}
	if cfg.ServiceAccount != nil {
		signer, err := signing.NewGoogleV4(cfg.Bucket, cfg.ServiceAccount, cfg.Clock)
		if err != nil {
			return nil, fmt.Errorf("gcs: %w", err)
		}
		store.signer = signer
	}
	return store, nil
}

// Provider implements storage.Describer.
func (s *Store) Provider() string { return "gcs" }

// SignURL signs with the service account when configured and falls back to
// SigV4 with the HMAC key otherwise.
func (s *Store) SignURL(ctx context.Context, key string, opts signing.Options) (string, error) {
	if s.signer == nil {
		return s.Store.SignURL(ctx, key, opts)
	}
	return s.signer.SignURL(key, opts)
}
