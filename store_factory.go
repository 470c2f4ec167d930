package cloudstorage

import (
	"context"
	"fmt"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/cloudstorage/internal/clock"
	"pkt.systems/cloudstorage/internal/signing"
	"pkt.systems/cloudstorage/internal/storage"
	awsstore "pkt.systems/cloudstorage/internal/storage/aws"
	azurestore "pkt.systems/cloudstorage/internal/storage/azure"
	"pkt.systems/cloudstorage/internal/storage/gcs"
	"pkt.systems/cloudstorage/internal/storage/logging"
	"pkt.systems/cloudstorage/internal/storage/memory"
	"pkt.systems/cloudstorage/internal/storage/retry"
	"pkt.systems/cloudstorage/internal/storage/s3"
)

const storeReadyTimeout = 10 * time.Second

// CredentialSummary describes which credentials were selected for the
// object store. Secrets are never included.
type CredentialSummary struct {
	Provider  string
	Container string
	AccessKey string
	HasSecret bool
	Source    string
}

// StoreSchemes lists the accepted store URL schemes.
func StoreSchemes() []string {
	return []string{"mem", "s3", "aws", "azure", "gcs"}
}

func supportedStoreScheme(scheme string) bool {
	return scheme == "" || scheme == "memory" || slices.Contains(StoreSchemes(), scheme)
}

// openDriver builds the driver selected by cfg.Store and decorates it with
// tracing and transient-error retries.
func openDriver(ctx context.Context, cfg Config, logger pslog.Logger, clk clock.Clock) (storage.Driver, CredentialSummary, error) {
	raw, summary, err := buildDriver(cfg, clk)
	if err != nil {
		return nil, summary, err
	}
	if err := ensureStoreReady(ctx, raw); err != nil {
		_ = raw.Close()
		return nil, summary, err
	}
	driver := logging.Wrap(raw, logger.With("layer", "driver"), "storage."+summary.Provider)
	driver = retry.Wrap(driver, logger.With("layer", "retry"), clk, retry.Config{
		MaxAttempts: cfg.StoreRetryAttempts,
		BaseDelay:   cfg.StoreRetryBaseDelay,
		MaxDelay:    cfg.StoreRetryMaxDelay,
	})
	return driver, summary, nil
}

func buildDriver(cfg Config, clk clock.Clock) (storage.Driver, CredentialSummary, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return nil, CredentialSummary{}, fmt.Errorf("parse store url: %w", err)
	}
	switch u.Scheme {
	case "mem", "memory", "":
		bucket := u.Host
		if bucket == "" {
			bucket = "memory"
		}
		summary := CredentialSummary{Provider: "memory", Container: bucket, Source: "none"}
		return memory.NewWithConfig(memory.Config{
			Bucket:  bucket,
			BaseURL: strings.TrimSpace(u.Query().Get("base-url")),
			Secret:  cfg.MemorySigningSecret,
			Clock:   clk,
		}), summary, nil
	case "s3":
		s3cfg, summary, err := BuildS3Config(cfg)
		if err != nil {
			return nil, summary, err
		}
		store, err := s3.New(s3cfg)
		return store, summary, err
	case "aws":
		awscfg, summary, err := BuildAWSConfig(cfg)
		if err != nil {
			return nil, summary, err
		}
		store, err := awsstore.New(awscfg)
		return store, summary, err
	case "azure":
		azcfg, summary, err := BuildAzureConfig(cfg)
		if err != nil {
			return nil, summary, err
		}
		azcfg.Clock = clk
		store, err := azurestore.New(azcfg)
		return store, summary, err
	case "gcs":
		gcscfg, summary, err := BuildGCSConfig(cfg)
		if err != nil {
			return nil, summary, err
		}
		gcscfg.Clock = clk
		store, err := gcs.New(gcscfg)
		return store, summary, err
	default:
		return nil, CredentialSummary{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
}

// BuildS3Config parses s3://host[:port]/bucket URLs for S3-compatible
// services such as MinIO. Query options: tls, path-style, region and
// public-base-url.
func BuildS3Config(cfg Config) (s3.Config, CredentialSummary, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("parse store url: %w", err)
	}
	if u.Scheme != "s3" {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("store scheme %q is not s3", u.Scheme)
	}
	endpoint := strings.TrimSpace(u.Host)
	if endpoint == "" {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("s3 store missing host (expected s3://host[:port]/bucket)")
	}
	bucket := strings.Trim(u.Path, "/")
	if bucket == "" || strings.Contains(bucket, "/") {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("s3 store needs exactly one bucket path segment, got %q", u.Path)
	}
	query := u.Query()
	secure := true
	if strings.EqualFold(query.Get("scheme"), "http") {
		secure = false
	}
	if v := query.Get("tls"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil {
			secure = ok
		}
	}
	pathStyle := true
	if v := query.Get("path-style"); v != "" {
		if ok, err := strconv.ParseBool(v); err == nil {
			pathStyle = ok
		}
	}
	region := strings.TrimSpace(cfg.S3Region)
	if v := strings.TrimSpace(query.Get("region")); v != "" {
		region = v
	}
	publicBase := strings.TrimSpace(cfg.S3PublicBaseURL)
	if v := strings.TrimSpace(query.Get("public-base-url")); v != "" {
		publicBase = v
	}
	summary := CredentialSummary{Provider: "s3", Container: bucket}
	if cfg.S3AccessKeyID != "" {
		summary.AccessKey = cfg.S3AccessKeyID
		summary.HasSecret = cfg.S3SecretAccessKey != ""
		summary.Source = "config"
	} else {
		summary.Source = "chain"
	}
	return s3.Config{
		Endpoint:       endpoint,
		Region:         region,
		Bucket:         bucket,
		Insecure:       !secure,
		ForcePathStyle: pathStyle,
		AccessKey:      cfg.S3AccessKeyID,
		SecretKey:      cfg.S3SecretAccessKey,
		PublicBaseURL:  publicBase,
	}, summary, nil
}

// BuildAWSConfig parses aws://bucket?region=... URLs for Amazon S3.
func BuildAWSConfig(cfg Config) (awsstore.Config, CredentialSummary, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return awsstore.Config{}, CredentialSummary{}, fmt.Errorf("parse store url: %w", err)
	}
	if u.Scheme != "aws" {
		return awsstore.Config{}, CredentialSummary{}, fmt.Errorf("store scheme %q is not aws", u.Scheme)
	}
	bucket := strings.TrimSpace(u.Host)
	if bucket == "" {
		return awsstore.Config{}, CredentialSummary{}, fmt.Errorf("aws store missing bucket (expected aws://bucket)")
	}
	query := u.Query()
	region := strings.TrimSpace(cfg.AWSRegion)
	if v := strings.TrimSpace(query.Get("region")); v != "" {
		region = v
	}
	if region == "" {
		return awsstore.Config{}, CredentialSummary{}, fmt.Errorf("aws store requires a region (set --aws-region or ?region=)")
	}
	insecure := false
	if v := query.Get("insecure"); v != "" {
		insecure, _ = strconv.ParseBool(v)
	}
	pathStyle := false
	if v := query.Get("path-style"); v != "" {
		pathStyle, _ = strconv.ParseBool(v)
	}
	summary := CredentialSummary{Provider: "aws", Container: bucket, Source: "default-chain"}
	if cfg.AWSAccessKeyID != "" {
		summary.AccessKey = cfg.AWSAccessKeyID
		summary.HasSecret = cfg.AWSSecretAccessKey != ""
		summary.Source = "config"
	}
	return awsstore.Config{
		Endpoint:       strings.TrimSpace(query.Get("endpoint")),
		Region:         region,
		Bucket:         bucket,
		Insecure:       insecure,
		ForcePathStyle: pathStyle,
		AccessKey:      cfg.AWSAccessKeyID,
		SecretKey:      cfg.AWSSecretAccessKey,
		PartSize:       cfg.AWSPartSize,
	}, summary, nil
}

// BuildAzureConfig parses azure://account/container URLs.
func BuildAzureConfig(cfg Config) (azurestore.Config, CredentialSummary, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return azurestore.Config{}, CredentialSummary{}, fmt.Errorf("parse store url: %w", err)
	}
	if u.Scheme != "azure" {
		return azurestore.Config{}, CredentialSummary{}, fmt.Errorf("store scheme %q is not azure", u.Scheme)
	}
	account := strings.TrimSpace(u.Host)
	if account == "" {
		return azurestore.Config{}, CredentialSummary{}, fmt.Errorf("azure store missing account (expected azure://account/container)")
	}
	container := strings.Trim(u.Path, "/")
	if container == "" || strings.Contains(container, "/") {
		return azurestore.Config{}, CredentialSummary{}, fmt.Errorf("azure store needs exactly one container path segment, got %q", u.Path)
	}
	query := u.Query()
	endpoint := strings.TrimSpace(cfg.AzureEndpoint)
	if v := strings.TrimSpace(query.Get("endpoint")); v != "" {
		endpoint = v
	}
	sas := strings.TrimSpace(cfg.AzureSASToken)
	if v := strings.TrimSpace(query.Get("sas")); v != "" {
		sas = v
	}
	summary := CredentialSummary{Provider: "azure", Container: container, AccessKey: account}
	switch {
	case cfg.AzureAccountKey != "":
		summary.HasSecret = true
		summary.Source = "shared-key"
	case sas != "":
		summary.HasSecret = true
		summary.Source = "sas"
	default:
		return azurestore.Config{}, summary, fmt.Errorf("azure store requires an account key or sas token")
	}
	return azurestore.Config{
		Account:    account,
		AccountKey: cfg.AzureAccountKey,
		Endpoint:   endpoint,
		SASToken:   sas,
		Container:  container,
		BlockSize:  cfg.AzureBlockSize,
	}, summary, nil
}

// BuildGCSConfig parses gcs://bucket URLs. Object operations use the HMAC
// interoperability key; URLs are signed with the service account when one
// is configured.
func BuildGCSConfig(cfg Config) (gcs.Config, CredentialSummary, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return gcs.Config{}, CredentialSummary{}, fmt.Errorf("parse store url: %w", err)
	}
	if u.Scheme != "gcs" {
		return gcs.Config{}, CredentialSummary{}, fmt.Errorf("store scheme %q is not gcs", u.Scheme)
	}
	bucket := strings.TrimSpace(u.Host)
	if bucket == "" {
		return gcs.Config{}, CredentialSummary{}, fmt.Errorf("gcs store missing bucket (expected gcs://bucket)")
	}
	summary := CredentialSummary{Provider: "gcs", Container: bucket, AccessKey: cfg.GCSAccessKeyID, HasSecret: cfg.GCSSecretAccessKey != "", Source: "hmac"}
	if cfg.GCSAccessKeyID == "" {
		return gcs.Config{}, summary, fmt.Errorf("gcs store requires an hmac access key")
	}
	out := gcs.Config{
		Bucket:    bucket,
		AccessKey: cfg.GCSAccessKeyID,
		SecretKey: cfg.GCSSecretAccessKey,
		Endpoint:  strings.TrimSpace(cfg.GCSEndpoint),
	}
	if v := u.Query().Get("insecure"); v != "" {
		out.Insecure, _ = strconv.ParseBool(v)
	}
	if path := strings.TrimSpace(cfg.GCSServiceAccount); path != "" {
		account, err := signing.LoadServiceAccountFile(path)
		if err != nil {
			return gcs.Config{}, summary, err
		}
		out.ServiceAccount = account
		summary.Source = "hmac+service-account:" + account.ClientEmail
	}
	return out, summary, nil
}

// ensureStoreReady confirms the bucket exists for drivers that can check.
func ensureStoreReady(ctx context.Context, driver storage.Driver) error {
	type bucketChecker interface {
		BucketExists(ctx context.Context) (bool, error)
	}
	checker, ok := driver.(bucketChecker)
	if !ok {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, storeReadyTimeout)
	defer cancel()
	exists, err := checker.BucketExists(ctx)
	if err != nil {
		return fmt.Errorf("object store connectivity check failed: %w", err)
	}
	if !exists {
		desc := "bucket"
		if d, ok := driver.(storage.Describer); ok {
			desc = d.Provider() + " bucket " + d.Container()
		}
		return fmt.Errorf("object store %s does not exist", desc)
	}
	return nil
}
