package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"pkt.systems/cloudstorage"
	"pkt.systems/cloudstorage/internal/svcfields"
)

const envPrefix = "CLOUDSTORAGE"

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix(envPrefix+"_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "cloudstorage")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "%s\n", err)
		}
		return 1
	}
	return 0
}

// cli carries the viper instance and logger shared by every subcommand.
type cli struct {
	v      *viper.Viper
	logger pslog.Logger
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	c := &cli{v: viper.New(), logger: baseLogger}

	cmd := &cobra.Command{
		Use:           "cloudstorage",
		Short:         "cloudstorage keeps dataset resource files in S3, Azure Blob or Cloud Storage",
		SilenceErrors: true,
		Example: `
  # MinIO (plain HTTP) with a persistent ledger and a CKAN site
  CLOUDSTORAGE_S3_ACCESS_KEY_ID=minioadmin CLOUDSTORAGE_S3_SECRET_ACCESS_KEY=minioadmin \
    cloudstorage --store 's3://localhost:9000/ckan?tls=false' --ledger /var/lib/cloudstorage/ledger.db \
    --ckan-url https://data.example.org --api-token s3cr3t

  # Amazon S3 with signed download URLs
  cloudstorage --store aws://ckan-files --aws-region eu-north-1 --use-secure-urls

  # Azure Blob Storage
  CLOUDSTORAGE_AZURE_KEY=... cloudstorage --store azure://myaccount/resources

  # In-memory store (tests/dev only)
  cloudstorage --store mem://
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			logger, err := c.prepare(cmd)
			if err != nil {
				return err
			}
			svcfields.WithSubsystem(logger, "server.lifecycle.init").Info(
				"welcome to cloudstorage",
				"pid", os.Getpid(),
				"uid", os.Getuid(),
				"gid", os.Getgid(),
			)
			svc, err := c.openService(cmd.Context(), logger)
			if err != nil {
				return err
			}
			defer svc.Close()
			return svc.Serve(cmd.Context())
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.cloudstorage/"+cloudstorage.DefaultConfigFileName+")")
	flags.String("log-level", "info", "log level (trace, debug, info, warn, error)")
	flags.String("listen", cloudstorage.DefaultListen, "listen address of the HTTP API")
	flags.String("store", cloudstorage.DefaultStore, "object store URL ("+strings.Join(cloudstorage.StoreSchemes(), "://, ")+"://)")
	flags.String("ledger", cloudstorage.DefaultLedgerDSN, "multipart session ledger (sqlite path or sqlite:// URL)")
	flags.String("ckan-url", "", "CKAN site used to resolve resources and packages (empty keeps an in-memory model)")
	flags.String("ckan-api-token", "", "API token sent to CKAN")
	flags.StringSlice("api-token", nil, "token accepted for action calls, optionally token=user (repeatable)")
	flags.StringSlice("admin-token", nil, "token that may also run clean-multipart, optionally token=user (repeatable)")
	flags.Bool("use-secure-urls", false, "hand out signed download URLs instead of public ones")
	flags.Bool("leave-files", false, "keep stored objects when resources are deleted or replaced")
	flags.Bool("guess-mimetype", false, "derive object content types from file extensions")
	flags.Duration("signed-url-expiry", cloudstorage.DefaultSignedURLExpiry, "lifetime of signed download URLs (at most 7 days)")
	flags.Duration("max-multipart-lifetime", cloudstorage.DefaultMaxMultipartLifetime, "age after which clean-multipart aborts unfinished uploads")
	flags.String("max-part-size", humanizeBytes(cloudstorage.DefaultMaxPartSize), "largest accepted upload part")
	flags.String("spool-mem", humanizeBytes(cloudstorage.DefaultSpoolThreshold), "bytes of a part buffered in memory before spooling to disk")
	flags.StringSlice("cors-origin", nil, "allowed CORS origin for fix-cors (repeatable)")
	flags.Int("store-retry-attempts", cloudstorage.DefaultStoreRetryAttempts, "attempts for transient object store errors")
	flags.Duration("store-retry-base-delay", cloudstorage.DefaultStoreRetryBaseDelay, "initial backoff for object store retries")
	flags.Duration("store-retry-max-delay", cloudstorage.DefaultStoreRetryMaxDelay, "maximum backoff for object store retries")
	flags.Duration("shutdown-timeout", cloudstorage.DefaultShutdownTimeout, "graceful HTTP shutdown timeout")
	flags.String("s3-access-key-id", "", "access key for s3:// stores")
	flags.String("s3-secret-access-key", "", "secret key for s3:// stores")
	flags.String("s3-region", "", "region for s3:// stores")
	flags.String("s3-public-base-url", "", "base URL for unsigned s3:// object links")
	flags.String("aws-region", "", "AWS region for aws:// stores")
	flags.String("aws-access-key-id", "", "static AWS access key (default credential chain when empty)")
	flags.String("aws-secret-access-key", "", "static AWS secret key")
	flags.String("aws-part-size", humanizeBytes(cloudstorage.DefaultAWSPartSize), "part size of the aws:// streaming uploader")
	flags.String("azure-key", "", "Azure Storage account key")
	flags.String("azure-sas-token", "", "Azure SAS token (alternative to the account key)")
	flags.String("azure-endpoint", "", "Azure Blob service endpoint override (e.g. Azurite)")
	flags.String("azure-block-size", humanizeBytes(cloudstorage.DefaultAzureBlockSize), "staged block size for azure:// streaming uploads")
	flags.String("gcs-access-key-id", "", "Cloud Storage HMAC access key")
	flags.String("gcs-secret", "", "Cloud Storage HMAC secret")
	flags.String("gcs-service-account", "", "service account JSON key used to sign gcs:// URLs")
	flags.String("gcs-endpoint", "", "Cloud Storage XML API endpoint override")
	flags.String("memory-signing-secret", "", "HMAC secret for signed mem:// URLs (random when empty)")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
	flags.String("metrics-listen", "", "Prometheus metrics listen address (empty disables)")
	flags.String("pprof-listen", "", "pprof listen address (empty disables)")
	flags.Bool("enable-runtime-metrics", false, "export Go runtime metrics on the metrics endpoint")

	c.v.SetEnvPrefix(envPrefix)
	c.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	c.v.AutomaticEnv()
	flags.VisitAll(func(flag *pflag.Flag) {
		if err := c.v.BindPFlag(flag.Name, flag); err != nil {
			panic(err)
		}
	})

	cmd.AddCommand(newInitDBCommand(c))
	cmd.AddCommand(newCleanMultipartCommand(c))
	cmd.AddCommand(newMigrateCommand(c))
	cmd.AddCommand(newFixCORSCommand(c))
	cmd.AddCommand(newSignCommand(c))
	cmd.AddCommand(newUploadCommand(c))
	cmd.AddCommand(newClearCommand(c))
	cmd.AddCommand(newPurgeCommand(c))
	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

// prepare loads the config file and applies --log-level.
func (c *cli) prepare(cmd *cobra.Command) (pslog.Logger, error) {
	configFile, err := c.loadConfigFile()
	if err != nil {
		return nil, err
	}
	logger := c.logger
	if level, ok := pslog.ParseLevel(strings.TrimSpace(c.v.GetString("log-level"))); ok {
		logger = logger.LogLevel(level)
	}
	if configFile != "" {
		svcfields.WithSubsystem(logger, "cli."+cmd.Name()).Info("loaded config file", "path", configFile)
	}
	return logger, nil
}

func (c *cli) openService(ctx context.Context, logger pslog.Logger) (*cloudstorage.Service, error) {
	cfg, err := bindConfig(c.v)
	if err != nil {
		return nil, err
	}
	return cloudstorage.New(ctx, cfg, logger)
}

// runService prepares config and logging, opens a service for a one-shot
// maintenance command and closes it afterwards.
func (c *cli) runService(cmd *cobra.Command, fn func(context.Context, *cloudstorage.Service) error) error {
	cmd.SilenceUsage = true
	logger, err := c.prepare(cmd)
	if err != nil {
		return err
	}
	svc, err := c.openService(cmd.Context(), svcfields.WithSubsystem(logger, "cli."+cmd.Name()))
	if err != nil {
		return err
	}
	defer svc.Close()
	return fn(cmd.Context(), svc)
}

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.IBytes(uint64(n)), " ", "")
}

func parseBytes(v *viper.Viper, name string) (int64, error) {
	raw := strings.TrimSpace(v.GetString(name))
	if raw == "" {
		return 0, nil
	}
	size, err := humanize.ParseBytes(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", name, err)
	}
	return int64(size), nil
}

func (c *cli) loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(c.v.GetString("config"))
	explicit := cfgPath != ""
	if cfgPath == "" {
		if dir, err := cloudstorage.DefaultConfigDir(); err == nil {
			candidate := filepath.Join(dir, cloudstorage.DefaultConfigFileName)
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}
	if cfgPath == "" {
		return "", nil
	}
	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}
	c.v.SetConfigFile(expanded)
	if err := c.v.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	return filepath.Abs(p)
}

func bindConfig(v *viper.Viper) (cloudstorage.Config, error) {
	cfg := cloudstorage.Config{
		Listen:               v.GetString("listen"),
		Store:                v.GetString("store"),
		LedgerDSN:            v.GetString("ledger"),
		CKANURL:              strings.TrimSpace(v.GetString("ckan-url")),
		CKANAPIToken:         v.GetString("ckan-api-token"),
		APITokens:            v.GetStringSlice("api-token"),
		AdminTokens:          v.GetStringSlice("admin-token"),
		UseSecureURLs:        v.GetBool("use-secure-urls"),
		LeaveFiles:           v.GetBool("leave-files"),
		GuessMimetype:        v.GetBool("guess-mimetype"),
		SignedURLExpiry:      v.GetDuration("signed-url-expiry"),
		MaxMultipartLifetime: v.GetDuration("max-multipart-lifetime"),
		CORSOrigins:          v.GetStringSlice("cors-origin"),
		StoreRetryAttempts:   v.GetInt("store-retry-attempts"),
		StoreRetryBaseDelay:  v.GetDuration("store-retry-base-delay"),
		StoreRetryMaxDelay:   v.GetDuration("store-retry-max-delay"),
		ShutdownTimeout:      v.GetDuration("shutdown-timeout"),
		S3AccessKeyID:        strings.TrimSpace(v.GetString("s3-access-key-id")),
		S3SecretAccessKey:    v.GetString("s3-secret-access-key"),
		S3Region:             strings.TrimSpace(v.GetString("s3-region")),
		S3PublicBaseURL:      strings.TrimSpace(v.GetString("s3-public-base-url")),
		AWSRegion:            strings.TrimSpace(v.GetString("aws-region")),
		AWSAccessKeyID:       strings.TrimSpace(v.GetString("aws-access-key-id")),
		AWSSecretAccessKey:   v.GetString("aws-secret-access-key"),
		AzureAccountKey:      strings.TrimSpace(v.GetString("azure-key")),
		AzureSASToken:        strings.TrimSpace(v.GetString("azure-sas-token")),
		AzureEndpoint:        strings.TrimSpace(v.GetString("azure-endpoint")),
		GCSAccessKeyID:       strings.TrimSpace(v.GetString("gcs-access-key-id")),
		GCSSecretAccessKey:   v.GetString("gcs-secret"),
		GCSServiceAccount:    strings.TrimSpace(v.GetString("gcs-service-account")),
		GCSEndpoint:          strings.TrimSpace(v.GetString("gcs-endpoint")),
		MemorySigningSecret:  v.GetString("memory-signing-secret"),
		OTLPEndpoint:         strings.TrimSpace(v.GetString("otlp-endpoint")),
		MetricsListen:        strings.TrimSpace(v.GetString("metrics-listen")),
		PprofListen:          strings.TrimSpace(v.GetString("pprof-listen")),
		RuntimeMetrics:       v.GetBool("enable-runtime-metrics"),
	}
	if cfg.AWSRegion == "" {
		if r := strings.TrimSpace(os.Getenv("AWS_REGION")); r != "" {
			cfg.AWSRegion = r
		} else {
			cfg.AWSRegion = strings.TrimSpace(os.Getenv("AWS_DEFAULT_REGION"))
		}
	}
	var err error
	sizes := []struct {
		name string
		dst  *int64
	}{
		{"max-part-size", &cfg.MaxPartSize},
		{"spool-mem", &cfg.SpoolThreshold},
		{"aws-part-size", &cfg.AWSPartSize},
		{"azure-block-size", &cfg.AzureBlockSize},
	}
	for _, s := range sizes {
		if *s.dst, err = parseBytes(v, s.name); err != nil {
			return cloudstorage.Config{}, err
		}
	}
	return cfg, nil
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
