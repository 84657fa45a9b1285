package config

import (
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"
	_ "time/tzdata" // timezone names must resolve in minimal containers

	"github.com/lochness-labs/facebook-ingestion/pkg/errors"
	"github.com/lochness-labs/facebook-ingestion/pkg/logger"
	"github.com/lochness-labs/facebook-ingestion/pkg/models"
)

// DefaultEpochLayout is the layout of Config.DefaultEpoch
const DefaultEpochLayout = "2006-01-02 15:04:05"

// Config is the run configuration of one ingestion job. It is built once at
// start-up and passed explicitly to every component.
type Config struct {
	// Source, Zone, Tier and Process name the data lineage
	Source  string `yaml:"source"`
	Zone    string `yaml:"zone"`
	Tier    string `yaml:"tier"`
	Process string `yaml:"process"`

	// Timezone drives execution time, "today" and "yesterday"
	Timezone string `yaml:"timezone"`
	// DefaultEpoch is the watermark used when no commit exists yet
	DefaultEpoch string `yaml:"default_epoch"`

	// TableVersion is appended to catalog table names
	TableVersion         string `yaml:"table_version"`
	PartitionByAccountID bool   `yaml:"partition_by_account_id"`

	// AccountIDs restricts the run to these ad accounts; empty means every
	// account the token can see
	AccountIDs []string `yaml:"account_ids"`

	// FieldKeys maps resource type to its ordered field schema
	FieldKeys map[string][]FieldSpec `yaml:"field_keys"`

	// MediaSchedule is a cron expression selecting the days ad_image runs
	MediaSchedule string `yaml:"media_schedule"`

	Storage     StorageConfig     `yaml:"storage"`
	Catalog     CatalogConfig     `yaml:"catalog"`
	API         APIConfig         `yaml:"api"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Throttle    ThrottleConfig    `yaml:"throttle"`
	Poll        PollConfig        `yaml:"poll"`
	Retry       RetryConfig       `yaml:"retry"`
	Concurrency ConcurrencyConfig `yaml:"concurrency"`
	Logging     logger.Config     `yaml:"logging"`
}

// StorageConfig selects the object store holding data and commit metadata
type StorageConfig struct {
	// Type is s3 or blob
	Type         string `yaml:"type"`
	Bucket       string `yaml:"bucket"`
	Region       string `yaml:"region"`
	Endpoint     string `yaml:"endpoint"`
	UsePathStyle bool   `yaml:"use_path_style"`
	// URL is a gocloud.dev bucket URL (file://, mem://, s3://, gs://) used by the blob store
	URL               string `yaml:"url"`
	UploadPartSizeMB  int    `yaml:"upload_part_size_mb"`
	UploadConcurrency int    `yaml:"upload_concurrency"`
}

// CatalogConfig selects where table schemas and partitions are registered
type CatalogConfig struct {
	// Type is glue, memory or none
	Type   string `yaml:"type"`
	Region string `yaml:"region"`
	// Database overrides the tier as catalog database
	Database string `yaml:"database"`
}

// APIConfig configures the Graph API client
type APIConfig struct {
	Version   string        `yaml:"version"`
	BaseURL   string        `yaml:"base_url"`
	PageLimit int           `yaml:"page_limit"`
	Timeout   time.Duration `yaml:"timeout"`
}

// CredentialsConfig locates the Graph API credentials
type CredentialsConfig struct {
	// SecretName is read from AWS Secrets Manager when set
	SecretName         string `yaml:"secret_name"`
	Region             string `yaml:"region"`
	AppID              string `yaml:"app_id"`
	AppSecret          string `yaml:"app_secret"`
	AccessToken        string `yaml:"access_token"`
	LongLivedUserToken string `yaml:"long_live_user_token"`
	// SecretsURL lists per-user long-lived tokens for fan-out runs
	SecretsURL string `yaml:"secrets_url"`
}

// ThrottleConfig replaces fixed sleeps with rate limiters. A negative
// duration disables the corresponding pause.
type ThrottleConfig struct {
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	AccountDelay      time.Duration `yaml:"account_delay"`
	PreviewDelay      time.Duration `yaml:"preview_delay"`
	TypeCooldown      time.Duration `yaml:"type_cooldown"`
	// UsageThreshold is the usage percentage reported by the API above which
	// outbound calls are paused
	UsageThreshold float64 `yaml:"usage_threshold"`
	// UsagePause is the pause applied when the threshold is crossed
	UsagePause time.Duration `yaml:"usage_pause"`
}

// PollConfig bounds async report polling
type PollConfig struct {
	Interval time.Duration `yaml:"interval"`
	MaxPolls int           `yaml:"max_polls"`
	MaxWait  time.Duration `yaml:"max_wait"`
}

// RetryConfig configures retries of retryable API errors
type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
}

// ConcurrencyConfig sizes the worker pools
type ConcurrencyConfig struct {
	Accounts int `yaml:"accounts"`
	Previews int `yaml:"previews"`
}

// New returns a configuration with every default applied
func New() *Config {
	c := &Config{}
	c.ApplyDefaults()
	return c
}

// ApplyDefaults fills zero values with the production defaults
func (c *Config) ApplyDefaults() {
	setString(&c.Source, "facebook")
	setString(&c.Zone, "intake")
	setString(&c.Tier, "raw")
	setString(&c.Process, "ingestion")
	setString(&c.Timezone, "Europe/Rome")
	setString(&c.DefaultEpoch, "2022-01-01 00:00:00")
	setString(&c.MediaSchedule, "0 0 * * 0")

	setString(&c.Storage.Type, "s3")
	setInt(&c.Storage.UploadPartSizeMB, 5)
	setInt(&c.Storage.UploadConcurrency, 5)
	setString(&c.Catalog.Type, "glue")

	setString(&c.API.Version, "v18.0")
	setString(&c.API.BaseURL, "https://graph.facebook.com")
	setInt(&c.API.PageLimit, 1000)
	setDuration(&c.API.Timeout, 120*time.Second)

	if c.Throttle.RequestsPerSecond <= 0 {
		c.Throttle.RequestsPerSecond = 5
	}
	setInt(&c.Throttle.Burst, 5)
	setDuration(&c.Throttle.AccountDelay, 5*time.Second)
	setDuration(&c.Throttle.PreviewDelay, 1500*time.Millisecond)
	setDuration(&c.Throttle.TypeCooldown, 60*time.Second)
	if c.Throttle.UsageThreshold <= 0 {
		c.Throttle.UsageThreshold = 90
	}
	setDuration(&c.Throttle.UsagePause, 60*time.Second)

	setDuration(&c.Poll.Interval, 3*time.Second)
	setInt(&c.Poll.MaxPolls, 400)
	setDuration(&c.Poll.MaxWait, 30*time.Minute)

	setInt(&c.Retry.MaxAttempts, 5)
	setDuration(&c.Retry.InitialDelay, 2*time.Second)
	setDuration(&c.Retry.MaxDelay, 2*time.Minute)

	setInt(&c.Concurrency.Accounts, 1)
	setInt(&c.Concurrency.Previews, 4)

	setString(&c.Logging.Level, "info")
	setString(&c.Logging.Encoding, "json")
}

// Validate checks that the configuration can drive a run
func (c *Config) Validate() error {
	var problems []string

	if c.TableVersion == "" {
		problems = append(problems, "table_version is required")
	}
	if len(c.FieldKeys) == 0 {
		problems = append(problems, "field_keys must list at least one resource type")
	}
	for _, name := range sortedKeys(c.FieldKeys) {
		if !models.ResourceType(name).Valid() {
			problems = append(problems, fmt.Sprintf("field_keys: unknown resource type %q", name))
			continue
		}
		if len(c.FieldKeys[name]) == 0 {
			problems = append(problems, fmt.Sprintf("field_keys.%s: no fields", name))
		}
		for i, f := range c.FieldKeys[name] {
			if f.Name == "" {
				problems = append(problems, fmt.Sprintf("field_keys.%s[%d]: name is required", name, i))
			}
			if f.Rule != "" && !slices.Contains(FieldRules, f.Rule) {
				problems = append(problems, fmt.Sprintf("field_keys.%s[%d]: unknown rule %q", name, i, f.Rule))
			}
		}
	}
	if _, err := c.Location(); err != nil {
		problems = append(problems, err.Error())
	}
	if _, err := c.DefaultEpochUnix(); err != nil {
		problems = append(problems, err.Error())
	}

	switch c.Storage.Type {
	case "s3":
		if c.Storage.Bucket == "" {
			problems = append(problems, "storage.bucket is required for s3 storage")
		}
	case "blob":
		if c.Storage.URL == "" {
			problems = append(problems, "storage.url is required for blob storage")
		}
	default:
		problems = append(problems, fmt.Sprintf("storage.type %q is not supported", c.Storage.Type))
	}

	switch c.Catalog.Type {
	case "glue", "memory", "none":
	default:
		problems = append(problems, fmt.Sprintf("catalog.type %q is not supported", c.Catalog.Type))
	}

	if c.API.PageLimit <= 0 {
		problems = append(problems, "api.page_limit must be positive")
	}
	if c.Poll.MaxPolls <= 0 && c.Poll.MaxWait <= 0 {
		problems = append(problems, "poll needs max_polls or max_wait")
	}
	if c.Concurrency.Accounts < 1 || c.Concurrency.Previews < 1 {
		problems = append(problems, "concurrency values must be at least 1")
	}

	if len(problems) > 0 {
		return errors.New(errors.ErrorTypeConfig, strings.Join(problems, "; "))
	}
	return nil
}

// Location loads the configured timezone
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// DefaultEpochUnix parses DefaultEpoch in the configured timezone
func (c *Config) DefaultEpochUnix() (int64, error) {
	loc, err := c.Location()
	if err != nil {
		return 0, err
	}
	t, err := time.ParseInLocation(DefaultEpochLayout, c.DefaultEpoch, loc)
	if err != nil {
		return 0, fmt.Errorf("default_epoch %q: %w", c.DefaultEpoch, err)
	}
	return t.Unix(), nil
}

// Fields returns the field schema configured for a resource type
func (c *Config) Fields(rt models.ResourceType) ([]FieldSpec, bool) {
	f, ok := c.FieldKeys[string(rt)]
	return f, ok && len(f) > 0
}

// FieldNames returns the configured field names for a resource type
func (c *Config) FieldNames(rt models.ResourceType) []string {
	specs, _ := c.Fields(rt)
	names := make([]string, 0, len(specs))
	for _, s := range specs {
		names = append(names, s.Name)
	}
	return names
}

// Scope returns the watermark scope of a resource type
func (c *Config) Scope(rt models.ResourceType) models.Scope {
	return models.Scope{Zone: c.Zone, Tier: c.Tier, Source: c.Source, Extraction: string(rt)}
}

// PartitionColumns returns the Hive partition columns in order
func (c *Config) PartitionColumns() []string {
	cols := []string{"dumpdate"}
	if c.PartitionByAccountID {
		cols = append(cols, "account_id")
	}
	return cols
}

// CatalogDatabase returns the catalog database name
func (c *Config) CatalogDatabase() string {
	if c.Catalog.Database != "" {
		return c.Catalog.Database
	}
	return c.Tier
}

// TableName returns the versioned catalog table of a resource type
func (c *Config) TableName(rt models.ResourceType) string {
	return fmt.Sprintf("t_%s_%s_%s", c.Source, rt, c.TableVersion)
}

func setString(dst *string, def string) {
	if *dst == "" {
		*dst = def
	}
}

func setInt(dst *int, def int) {
	if *dst == 0 {
		*dst = def
	}
}

func setDuration(dst *time.Duration, def time.Duration) {
	if *dst == 0 {
		*dst = def
	}
}

func sortedKeys(m map[string][]FieldSpec) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
