package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/cloudstorage"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage cloudstorage configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.cloudstorage/" + cloudstorage.DefaultConfigFileName
	if dir, err := cloudstorage.DefaultConfigDir(); err == nil {
		defaultOutput = filepath.Join(dir, cloudstorage.DefaultConfigFileName)
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default cloudstorage configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}
			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if outPath == "" {
				dir, err := cloudstorage.DefaultConfigDir()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = filepath.Join(dir, cloudstorage.DefaultConfigFileName)
			}
			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

// configDefaults mirrors the persistent flags; keys match flag names so
// viper picks them up unchanged.
type configDefaults struct {
	Listen               string   `yaml:"listen"`
	Store                string   `yaml:"store"`
	Ledger               string   `yaml:"ledger"`
	CKANURL              string   `yaml:"ckan-url"`
	CKANAPIToken         string   `yaml:"ckan-api-token"`
	APITokens            []string `yaml:"api-token"`
	AdminTokens          []string `yaml:"admin-token"`
	UseSecureURLs        bool     `yaml:"use-secure-urls"`
	LeaveFiles           bool     `yaml:"leave-files"`
	GuessMimetype        bool     `yaml:"guess-mimetype"`
	SignedURLExpiry      string   `yaml:"signed-url-expiry"`
	MaxMultipartLifetime string   `yaml:"max-multipart-lifetime"`
	MaxPartSize          string   `yaml:"max-part-size"`
	SpoolMem             string   `yaml:"spool-mem"`
	CORSOrigins          []string `yaml:"cors-origin"`
	StoreRetryAttempts   int      `yaml:"store-retry-attempts"`
	StoreRetryBaseDelay  string   `yaml:"store-retry-base-delay"`
	StoreRetryMaxDelay   string   `yaml:"store-retry-max-delay"`
	ShutdownTimeout      string   `yaml:"shutdown-timeout"`
	S3Region             string   `yaml:"s3-region"`
	S3PublicBaseURL      string   `yaml:"s3-public-base-url"`
	AWSRegion            string   `yaml:"aws-region"`
	AWSPartSize          string   `yaml:"aws-part-size"`
	AzureEndpoint        string   `yaml:"azure-endpoint"`
	AzureBlockSize       string   `yaml:"azure-block-size"`
	GCSServiceAccount    string   `yaml:"gcs-service-account"`
	GCSEndpoint          string   `yaml:"gcs-endpoint"`
	OTLPEndpoint         string   `yaml:"otlp-endpoint"`
	MetricsListen        string   `yaml:"metrics-listen"`
	PprofListen          string   `yaml:"pprof-listen"`
	RuntimeMetrics       bool     `yaml:"enable-runtime-metrics"`
	LogLevel             string   `yaml:"log-level"`
}

func defaultConfigYAML(overrides ...func(*configDefaults)) ([]byte, error) {
	defaults := configDefaults{
		Listen:               cloudstorage.DefaultListen,
		Store:                cloudstorage.DefaultStore,
		Ledger:               cloudstorage.DefaultLedgerDSN,
		APITokens:            []string{},
		AdminTokens:          []string{},
		SignedURLExpiry:      cloudstorage.DefaultSignedURLExpiry.String(),
		MaxMultipartLifetime: cloudstorage.DefaultMaxMultipartLifetime.String(),
		MaxPartSize:          humanizeBytes(cloudstorage.DefaultMaxPartSize),
		SpoolMem:             humanizeBytes(cloudstorage.DefaultSpoolThreshold),
		CORSOrigins:          []string{},
		StoreRetryAttempts:   cloudstorage.DefaultStoreRetryAttempts,
		StoreRetryBaseDelay:  cloudstorage.DefaultStoreRetryBaseDelay.String(),
		StoreRetryMaxDelay:   cloudstorage.DefaultStoreRetryMaxDelay.String(),
		ShutdownTimeout:      cloudstorage.DefaultShutdownTimeout.String(),
		AWSPartSize:          humanizeBytes(cloudstorage.DefaultAWSPartSize),
		AzureBlockSize:       humanizeBytes(cloudstorage.DefaultAzureBlockSize),
		LogLevel:             "info",
	}
	for _, fn := range overrides {
		if fn != nil {
			fn(&defaults)
		}
	}
	out, err := yaml.Marshal(&defaults)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return out, nil
}
