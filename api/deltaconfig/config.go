// Package deltaconfig loads and validates the configuration recognized by
// the change-data-capture target, the same way the donor loads
// its TOML configuration: spf13/viper with defaults set programmatically,
// environment overrides bound explicitly, and a Validate step before the
// value is handed to the rest of the process.
package deltaconfig

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"

	"github.com/chendingplano/deltatarget/api/deltatypes"
)

const (
	LOC_CFG_LOAD  = "DLT_CFG_001"
	LOC_CFG_VALID = "DLT_CFG_002"
)

const autoDetect = "auto-detect"

// Config holds every recognized configuration key.
type Config struct {
	Project               string `mapstructure:"project"`
	ServiceAccountKey     string `mapstructure:"service_account_key"`
	StagingBucket         string `mapstructure:"staging_bucket"`
	StagingBucketLocation string `mapstructure:"staging_bucket_location"`
	StagingTablePrefix    string `mapstructure:"staging_table_prefix"`
	LoadIntervalSeconds   int    `mapstructure:"load_interval_seconds"`
	RequireManualDrops    bool   `mapstructure:"require_manual_drops"`
	SoftDeletes           bool   `mapstructure:"soft_deletes"`
	DatasetName           string `mapstructure:"dataset_name"`
	EncryptionKeyName     string `mapstructure:"encryption_key_name"`
	MaxClusteringColumns  int    `mapstructure:"max_clustering_columns"`
	RetainStagingTable    bool   `mapstructure:"retain_staging_table"`

	// Source properties the host context would otherwise supply via
	// getSourceProperties(): fixed per-run, not something to infer from
	// incidental event shape.
	SourceOrdering       string `mapstructure:"source_ordering"` // "ordered" or "unordered"
	SourceRowIDSupported bool   `mapstructure:"source_row_id_supported"`

	// Ambient stack knobs layered on top of the core replication settings.
	ApplicationName  string `mapstructure:"application_name"`
	Namespace        string `mapstructure:"namespace"`
	Generation       int64  `mapstructure:"generation"`
	LogFormat        string `mapstructure:"log_format"`
	MaxRetrySeconds  int    `mapstructure:"max_retry_seconds"`
	StatusListenAddr string `mapstructure:"status_listen_addr"`
	StateStoreDriver string `mapstructure:"state_store_driver"` // "postgres" or "mysql"
	StateStoreDSN    string `mapstructure:"state_store_dsn"`

	// runtimeArgs mirrors getRuntimeArguments(); runtime-arg CMEK key wins
	// over the configured one when both are present.
	runtimeArgs map[string]string
}

// Load reads the TOML file named by DELTA_TARGET_CONFIG, applies defaults
// and environment overrides, and validates the result.
func Load() (*Config, error) {
	path := os.Getenv("DELTA_TARGET_CONFIG")
	if path == "" {
		return nil, fmt.Errorf("DELTA_TARGET_CONFIG environment variable not set (%s)", LOC_CFG_LOAD)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")

	v.SetDefault("project", autoDetect)
	v.SetDefault("service_account_key", autoDetect)
	v.SetDefault("staging_table_prefix", "_staging_")
	v.SetDefault("load_interval_seconds", 90)
	v.SetDefault("require_manual_drops", false)
	v.SetDefault("soft_deletes", false)
	v.SetDefault("max_clustering_columns", 4)
	v.SetDefault("retain_staging_table", false)
	v.SetDefault("source_ordering", "ordered")
	v.SetDefault("source_row_id_supported", false)
	v.SetDefault("application_name", "delta-target")
	v.SetDefault("log_format", "pretty")
	v.SetDefault("max_retry_seconds", 1800)
	v.SetDefault("status_listen_addr", ":8089")
	v.SetDefault("state_store_driver", "postgres")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w (%s)", path, err, LOC_CFG_LOAD)
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.BindEnv("project", "DELTA_PROJECT")
	v.BindEnv("service_account_key", "DELTA_SERVICE_ACCOUNT_KEY")
	v.BindEnv("staging_bucket", "DELTA_STAGING_BUCKET")
	v.BindEnv("dataset_name", "DELTA_DATASET")
	v.BindEnv("state_store_dsn", "DELTA_STATE_STORE_DSN")
	v.BindEnv("log_format", "DELTA_LOG_FORMAT")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w (%s)", err, LOC_CFG_LOAD)
	}

	cfg.runtimeArgs = map[string]string{}
	for _, kv := range os.Environ() {
		if strings.HasPrefix(kv, "DELTA_RUNTIME_ARG_") {
			parts := strings.SplitN(strings.TrimPrefix(kv, "DELTA_RUNTIME_ARG_"), "=", 2)
			if len(parts) == 2 {
				cfg.runtimeArgs[strings.ToLower(parts[0])] = parts[1]
			}
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces required fields and numeric lower bounds.
func (c *Config) Validate() error {
	if c.DatasetName == "" {
		return fmt.Errorf("dataset_name is required (%s)", LOC_CFG_VALID)
	}
	if c.LoadIntervalSeconds < 1 {
		return fmt.Errorf("load_interval_seconds must be positive (%s)", LOC_CFG_VALID)
	}
	if c.MaxClusteringColumns < 0 || c.MaxClusteringColumns > 4 {
		return fmt.Errorf("max_clustering_columns must be between 0 and 4 (%s)", LOC_CFG_VALID)
	}
	if c.StateStoreDriver != "postgres" && c.StateStoreDriver != "mysql" {
		return fmt.Errorf("state_store_driver must be postgres or mysql, got %q (%s)", c.StateStoreDriver, LOC_CFG_VALID)
	}
	if c.StateStoreDSN == "" {
		return fmt.Errorf("state_store_dsn (or DELTA_STATE_STORE_DSN env) is required (%s)", LOC_CFG_VALID)
	}
	if c.SourceOrdering != "ordered" && c.SourceOrdering != "unordered" {
		return fmt.Errorf("source_ordering must be ordered or unordered, got %q (%s)", c.SourceOrdering, LOC_CFG_VALID)
	}
	return nil
}

// Ordering maps the configured source_ordering string to its typed form.
func (c *Config) Ordering() deltatypes.SourceOrdering {
	if c.SourceOrdering == "unordered" {
		return deltatypes.Unordered
	}
	return deltatypes.Ordered
}

// RuntimeArg returns a runtime argument by name, mirroring the donor's
// getRuntimeArguments().
func (c *Config) RuntimeArg(key string) (string, bool) {
	v, ok := c.runtimeArgs[key]
	return v, ok
}

// ResolvedEncryptionKeyName returns the CMEK key name, preferring the
// runtime argument gcp.cmek.key.name over the configured value.
func (c *Config) ResolvedEncryptionKeyName() string {
	if v, ok := c.RuntimeArg("gcp.cmek.key.name"); ok && v != "" {
		return v
	}
	return c.EncryptionKeyName
}

// DeriveStagingBucketName derives the default staging bucket name
// (df-rbq-<namespace>-<app>-<generation>) when StagingBucket is unset,
// stripping a leading gs:// scheme and lower-casing the result.
func (c *Config) DeriveStagingBucketName() string {
	name := strings.TrimSpace(c.StagingBucket)
	if name == "" {
		ns := c.Namespace
		if ns == "" {
			ns = "default"
		}
		name = fmt.Sprintf("df-rbq-%s-%s-%d", ns, c.ApplicationName, c.Generation)
	}
	name = strings.TrimPrefix(name, "gs://")
	return strings.ToLower(name)
}

// IsAutoDetect reports whether a field is set to the "auto-detect" sentinel
// or left empty.
func IsAutoDetect(v string) bool { return v == autoDetect || v == "" }
