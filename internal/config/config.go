// Package config loads and validates the orchestrator's configuration: a
// single TOML document merged over packaged defaults. Secret-bearing options
// support *_file indirection (the value is read from the referenced file at
// load time), so the rest of the codebase only ever sees resolved values.
// All invariants are checked up front; a bad document fails the process
// before the scheduler starts.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"
)

//go:embed default.toml
var defaultTOML []byte

// EnvConfigPath is the environment variable naming the user TOML document.
// A --toml flag takes precedence when both are set.
const EnvConfigPath = "IPA_CONFIG_TOML"

// EnvContainerized, when "true", switches logging to stdout (in addition to
// any configured file) and starts the ops HTTP endpoint on :8080.
const EnvContainerized = "IPA_CONTAINERIZED"

// Config is the immutable top-level configuration record.
type Config struct {
	Google      GoogleConfig      `toml:"google"`
	Email       EmailConfig       `toml:"email"`
	Logging     LoggingConfig     `toml:"logging"`
	ImageExport ImageExportConfig `toml:"image_export"`
	StatsExport StatsExportConfig `toml:"stats_export"`
	Automation  AutomationConfig  `toml:"automation"`
}

// GoogleConfig names the service-account credential document used to mint
// identities for the compute service and the object store.
type GoogleConfig struct {
	CredentialsFile string `toml:"credentials_file"`
}

// EmailConfig configures report delivery. When EnableEmail is true, Host,
// User, Password, FromAddress and ToAddress must all be set (after *_file
// resolution).
type EmailConfig struct {
	EnableEmail  bool     `toml:"enable_email"`
	Host         string   `toml:"host"`
	Port         int      `toml:"port"`
	User         string   `toml:"user"`
	UserFile     string   `toml:"user_file"`
	Password     string   `toml:"password"`
	PasswordFile string   `toml:"password_file"`
	FromAddress  string   `toml:"from_address"`
	ToAddress    []string `toml:"to_address"`
}

// LoggingConfig controls the zap logger. Encoding is "console" or "json".
type LoggingConfig struct {
	Level    string `toml:"level"`
	File     string `toml:"file"`
	Encoding string `toml:"encoding"`
}

// ImageExportConfig is the typed input record of the image stage worker.
type ImageExportConfig struct {
	AOIAssetPath          string   `toml:"aoi_asset_path"`
	DEMAssetPath          string   `toml:"dem_asset_path"`
	MonthlyCollectionPath string   `toml:"monthly_collection_path"`
	MonthlyImagePrefix    string   `toml:"monthly_image_prefix"`
	MonthsList            []string `toml:"months_list"` // explicit YYYY-MM list; empty = derive from MinMonth
	MinMonth              string   `toml:"min_month"`   // YYYY-MM inclusive start of the derived range
	MaxExports            int      `toml:"max_exports"`
	SourceCollectionPaths []string `toml:"source_collection_paths"` // upstream daily collections
}

// StatsExportConfig is the typed input record of the stats stage worker.
// MonthlyCollectionPath and YearlyCollectionPath are cross-copied from the
// image section at load time when left empty.
type StatsExportConfig struct {
	ExportTarget          string   `toml:"export_target"` // "drive", "gee" or "storage"
	StorageBucket         string   `toml:"storage_bucket"`
	BaseExportPath        string   `toml:"base_export_path"`
	MonthlyCollectionPath string   `toml:"monthly_collection_path"`
	YearlyCollectionPath  string   `toml:"yearly_collection_path"`
	BasinCodes            []string `toml:"basin_codes"`
	ExcludeBasinCodes     []string `toml:"exclude_basin_codes"`
	MaxExports            int      `toml:"max_exports"`
	CommonTblPrePrefix    string   `toml:"common_tbl_pre_prefix"`
	ManifestSource        string   `toml:"manifest_source"`
	ManifestPath          string   `toml:"manifest_path"`
	SkipManifest          bool     `toml:"skip_manifest"`
	Statistics            []string `toml:"statistics"` // builder names, data-driven selection
}

// AutomationConfig groups everything the scheduler needs.
type AutomationConfig struct {
	Timezone         string                 `toml:"timezone"`
	DB               DBConfig               `toml:"db"`
	DailyJob         DailyJobConfig         `toml:"daily_job"`
	OrchestrationJob OrchestrationJobConfig `toml:"orchestration_job"`
	Website          WebsiteConfig          `toml:"website"`
	Heartbeat        HeartbeatConfig        `toml:"heartbeat"`
}

// DBConfig selects and parameterizes the persistence backend.
type DBConfig struct {
	Type         string `toml:"type"` // "sqlite" or "postgres"
	DBPath       string `toml:"db_path"`
	DBName       string `toml:"db_name"`
	Host         string `toml:"host"`
	Port         int    `toml:"port"`
	User         string `toml:"user"`
	UserFile     string `toml:"user_file"`
	Password     string `toml:"password"`
	PasswordFile string `toml:"password_file"`
}

type DailyJobConfig struct {
	Cron string `toml:"cron"`
}

type OrchestrationJobConfig struct {
	IntervalMinutes int `toml:"interval_minutes"`
}

// WebsiteConfig describes the website repository layout and the GitHub App
// identity used to push branches and open pull requests.
type WebsiteConfig struct {
	GitHub             GitHubConfig `toml:"github"`
	GCSBaseAssetsPath  string       `toml:"gcs_base_assets_path"`
	LocalRepoPath      string       `toml:"local_repo_path"`
	RepoBaseAssetsPath string       `toml:"repo_base_assets_path"`
	WorkBranch         string       `toml:"work_branch"`
	MainBranch         string       `toml:"main_branch"`
}

type GitHubConfig struct {
	RepoURL        string `toml:"repo_url"`
	AppID          int64  `toml:"app_id"`
	PrivateKeyPath string `toml:"private_key_path"`
}

type HeartbeatConfig struct {
	HeartbeatFile string `toml:"heartbeat_file"`
}

// Load builds the configuration: packaged defaults, then the user document
// at path (optional), then *_file resolution, then validation. The returned
// Config is treated as immutable by every consumer.
func Load(path string) (*Config, error) {
	var cfg Config
	if err := toml.Unmarshal(defaultTOML, &cfg); err != nil {
		return nil, fmt.Errorf("config: packaged defaults are invalid: %w", err)
	}

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
		// Unmarshalling over the defaults-populated struct leaves every key
		// the user document omits at its default value.
		if err := toml.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}

	if err := cfg.resolveFiles(); err != nil {
		return nil, err
	}
	cfg.crossCopy()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// resolveFiles replaces every *_file indirection with the trimmed contents
// of the referenced file. An explicit inline value wins over the file.
func (c *Config) resolveFiles() error {
	resolve := func(inline *string, file, what string) error {
		if *inline != "" || file == "" {
			return nil
		}
		raw, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("config: reading %s from %s: %w", what, file, err)
		}
		*inline = strings.TrimSpace(string(raw))
		return nil
	}

	if err := resolve(&c.Email.User, c.Email.UserFile, "email.user"); err != nil {
		return err
	}
	if err := resolve(&c.Email.Password, c.Email.PasswordFile, "email.password"); err != nil {
		return err
	}
	if err := resolve(&c.Automation.DB.User, c.Automation.DB.UserFile, "automation.db.user"); err != nil {
		return err
	}
	if err := resolve(&c.Automation.DB.Password, c.Automation.DB.PasswordFile, "automation.db.password"); err != nil {
		return err
	}
	return nil
}

// crossCopy propagates shared fields between sections once, at load time,
// so the stage workers receive complete typed records.
func (c *Config) crossCopy() {
	if c.StatsExport.MonthlyCollectionPath == "" {
		c.StatsExport.MonthlyCollectionPath = c.ImageExport.MonthlyCollectionPath
	}
}

// Validate checks every startup invariant. The returned error is fatal: the
// process exits non-zero before the scheduler starts.
func (c *Config) Validate() error {
	if c.Email.EnableEmail {
		switch {
		case c.Email.Host == "":
			return fmt.Errorf("config: email enabled but email.host is empty")
		case c.Email.User == "":
			return fmt.Errorf("config: email enabled but email.user is empty")
		case c.Email.Password == "":
			return fmt.Errorf("config: email enabled but email.password is empty")
		case c.Email.FromAddress == "":
			return fmt.Errorf("config: email enabled but email.from_address is empty")
		case len(c.Email.ToAddress) == 0:
			return fmt.Errorf("config: email enabled but email.to_address is empty")
		}
	}

	if _, err := cron.ParseStandard(c.Automation.DailyJob.Cron); err != nil {
		return fmt.Errorf("config: invalid automation.daily_job.cron %q: %w",
			c.Automation.DailyJob.Cron, err)
	}

	if c.Automation.OrchestrationJob.IntervalMinutes <= 0 {
		return fmt.Errorf("config: automation.orchestration_job.interval_minutes must be positive, got %d",
			c.Automation.OrchestrationJob.IntervalMinutes)
	}

	if _, err := time.LoadLocation(c.Automation.Timezone); err != nil {
		return fmt.Errorf("config: invalid automation.timezone %q: %w", c.Automation.Timezone, err)
	}

	switch c.Automation.DB.Type {
	case "sqlite":
		if c.Automation.DB.DBName == "" {
			return fmt.Errorf("config: automation.db.db_name is required for sqlite")
		}
	case "postgres":
		if c.Automation.DB.Host == "" || c.Automation.DB.User == "" || c.Automation.DB.DBName == "" {
			return fmt.Errorf("config: automation.db host, user and db_name are required for postgres")
		}
	default:
		return fmt.Errorf("config: unsupported automation.db.type %q, use \"sqlite\" or \"postgres\"", c.Automation.DB.Type)
	}

	switch c.StatsExport.ExportTarget {
	case "drive", "gee", "storage":
	default:
		return fmt.Errorf("config: unsupported stats_export.export_target %q", c.StatsExport.ExportTarget)
	}
	if c.StatsExport.ExportTarget == "storage" && c.StatsExport.StorageBucket == "" {
		return fmt.Errorf("config: stats_export.storage_bucket is required when export_target is \"storage\"")
	}

	if c.ImageExport.MinMonth != "" {
		if _, err := time.Parse("2006-01", c.ImageExport.MinMonth); err != nil {
			return fmt.Errorf("config: invalid image_export.min_month %q (want YYYY-MM): %w",
				c.ImageExport.MinMonth, err)
		}
	}
	for _, m := range c.ImageExport.MonthsList {
		if _, err := time.Parse("2006-01", m); err != nil {
			return fmt.Errorf("config: invalid month %q in image_export.months_list (want YYYY-MM): %w", m, err)
		}
	}

	return nil
}

// Location returns the configured timezone. Validate guarantees it parses.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Automation.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
