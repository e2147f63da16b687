package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/openfroyo/rollout/pkg/telemetry"
)

// EnvPrefix prefixes every environment variable that overrides a setting,
// e.g. ROLLOUT_STATE_DIR or ROLLOUT_ARCHIVE_S3_BUCKET.
const EnvPrefix = "ROLLOUT"

// DefaultSettingsFile is looked up in the working directory when no
// settings file is given.
const DefaultSettingsFile = "rollout.yaml"

// Settings are the CLI's layered settings.
type Settings struct {
	StateDir string        `mapstructure:"state_dir"`
	LeaseTTL time.Duration `mapstructure:"lease_ttl"`

	Engine      EngineSettings      `mapstructure:"engine"`
	Archive     ArchiveSettings     `mapstructure:"archive"`
	Security    SecuritySettings    `mapstructure:"security"`
	Guardrails  GuardrailSettings   `mapstructure:"guardrails"`
	Idempotence IdempotenceSettings `mapstructure:"idempotence"`
	Artifacts   ArtifactSettings    `mapstructure:"artifacts"`

	telemetry.Config `mapstructure:",squash"`

	// File is the settings file that was read, if any.
	File string `mapstructure:"-"`
}

// EngineSettings configure the engine bridge subprocess.
type EngineSettings struct {
	Command        string        `mapstructure:"command"`
	Args           []string      `mapstructure:"args"`
	Env            []string      `mapstructure:"env"`
	StartupTimeout time.Duration `mapstructure:"startup_timeout"`
}

// ArchiveSettings control what happens to completed deployment records.
type ArchiveSettings struct {
	Enabled bool `mapstructure:"enabled"`

	// Dir overrides <state_dir>/archive.
	Dir string `mapstructure:"dir"`

	S3 S3Settings `mapstructure:"s3"`
}

// S3Settings configure the optional remote copy of archived records.
type S3Settings struct {
	Endpoint  string `mapstructure:"endpoint"`
	Bucket    string `mapstructure:"bucket"`
	Prefix    string `mapstructure:"prefix"`
	Region    string `mapstructure:"region"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

// Configured reports whether remote archival is set up.
func (s S3Settings) Configured() bool {
	return s.Endpoint != "" && s.Bucket != ""
}

// SecuritySettings decide which tracked config paths are security relevant.
// A path is security relevant when any configured predicate says so.
type SecuritySettings struct {
	Globs        []string `mapstructure:"globs"`
	RegoFile     string   `mapstructure:"rego_file"`
	StarlarkFile string   `mapstructure:"starlark_file"`
}

// GuardrailSettings list Rego policy files or directories evaluated
// against every plan before it runs.
type GuardrailSettings struct {
	Paths    []string `mapstructure:"paths"`
	Builtins bool     `mapstructure:"builtins"`

	// Disable and Enable toggle loaded policies by name. Enable wins when a
	// name is in both.
	Disable []string `mapstructure:"disable"`
	Enable  []string `mapstructure:"enable"`
}

// IdempotenceSettings tune test-idempotence.
type IdempotenceSettings struct {
	Penalty    int           `mapstructure:"penalty"`
	Iterations int           `mapstructure:"iterations"`
	Pause      time.Duration `mapstructure:"pause"`
}

// ArtifactSettings control the SQLite artifact database.
type ArtifactSettings struct {
	// Retention drops runs, snapshots and reports older than this when
	// the CLI starts. Zero keeps everything.
	Retention time.Duration `mapstructure:"retention"`
}

// DefaultSettings returns the settings used when nothing overrides them.
func DefaultSettings() *Settings {
	return &Settings{
		StateDir: ".rollout",
		LeaseTTL: time.Hour,
		Engine: EngineSettings{
			Command:        "rollout-local-engine",
			StartupTimeout: 10 * time.Second,
		},
		Archive: ArchiveSettings{
			Enabled: true,
			S3:      S3Settings{UseSSL: true},
		},
		Guardrails: GuardrailSettings{Builtins: true},
		Idempotence: IdempotenceSettings{
			Penalty:    10,
			Iterations: 5,
		},
		Config: *telemetry.DefaultConfig(),
	}
}

// ArchiveDir returns the local archive directory.
func (s *Settings) ArchiveDir() string {
	if s.Archive.Dir != "" {
		return s.Archive.Dir
	}
	return filepath.Join(s.StateDir, "archive")
}

// ArtifactsPath returns the SQLite artifact database path.
func (s *Settings) ArtifactsPath() string {
	return filepath.Join(s.StateDir, "artifacts.db")
}

// Validate checks settings the CLI cannot run without.
func (s *Settings) Validate() error {
	if s.StateDir == "" {
		return fmt.Errorf("state_dir is required")
	}
	if s.LeaseTTL <= 0 {
		return fmt.Errorf("lease_ttl must be positive, got %s", s.LeaseTTL)
	}
	if s.Idempotence.Penalty < 0 {
		return fmt.Errorf("idempotence.penalty must not be negative")
	}
	if s.Artifacts.Retention < 0 {
		return fmt.Errorf("artifacts.retention must not be negative")
	}
	if s.Archive.S3.Endpoint != "" && s.Archive.S3.Bucket == "" {
		return fmt.Errorf("archive.s3.bucket is required when an endpoint is set")
	}
	return s.Config.Validate()
}

// LoadSettings layers, from lowest to highest precedence: defaults, the
// settings file, and the environment. Variables from envFiles are loaded
// into the environment first without overriding variables already set.
// Missing env files are ignored. An empty file means DefaultSettingsFile if
// it exists.
func LoadSettings(file string, envFiles ...string) (*Settings, error) {
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load env file %s: %w", f, err)
		}
	}

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultSettings()
	setDefaults(v, defaults)

	explicit := file != ""
	if !explicit {
		file = DefaultSettingsFile
	}
	v.SetConfigFile(file)
	if err := v.ReadInConfig(); err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read settings %s: %w", file, err)
		}
		file = ""
	}

	settings := defaults
	if err := v.Unmarshal(settings); err != nil {
		return nil, fmt.Errorf("failed to decode settings: %w", err)
	}
	settings.File = file

	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}
	return settings, nil
}

// setDefaults registers every environment-overridable key. viper only
// consults the environment for keys it knows about.
func setDefaults(v *viper.Viper, d *Settings) {
	v.SetDefault("state_dir", d.StateDir)
	v.SetDefault("lease_ttl", d.LeaseTTL)

	v.SetDefault("engine.command", d.Engine.Command)
	v.SetDefault("engine.args", d.Engine.Args)
	v.SetDefault("engine.env", d.Engine.Env)
	v.SetDefault("engine.startup_timeout", d.Engine.StartupTimeout)

	v.SetDefault("archive.enabled", d.Archive.Enabled)
	v.SetDefault("archive.dir", d.Archive.Dir)
	v.SetDefault("archive.s3.endpoint", d.Archive.S3.Endpoint)
	v.SetDefault("archive.s3.bucket", d.Archive.S3.Bucket)
	v.SetDefault("archive.s3.prefix", d.Archive.S3.Prefix)
	v.SetDefault("archive.s3.region", d.Archive.S3.Region)
	v.SetDefault("archive.s3.access_key", d.Archive.S3.AccessKey)
	v.SetDefault("archive.s3.secret_key", d.Archive.S3.SecretKey)
	v.SetDefault("archive.s3.use_ssl", d.Archive.S3.UseSSL)

	v.SetDefault("security.globs", d.Security.Globs)
	v.SetDefault("security.rego_file", d.Security.RegoFile)
	v.SetDefault("security.starlark_file", d.Security.StarlarkFile)

	v.SetDefault("guardrails.paths", d.Guardrails.Paths)
	v.SetDefault("guardrails.builtins", d.Guardrails.Builtins)
	v.SetDefault("guardrails.disable", d.Guardrails.Disable)
	v.SetDefault("guardrails.enable", d.Guardrails.Enable)

	v.SetDefault("idempotence.penalty", d.Idempotence.Penalty)
	v.SetDefault("idempotence.iterations", d.Idempotence.Iterations)
	v.SetDefault("idempotence.pause", d.Idempotence.Pause)

	v.SetDefault("artifacts.retention", d.Artifacts.Retention)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.output", d.Logging.Output)
	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.exporter", d.Tracing.Exporter)
	v.SetDefault("tracing.endpoint", d.Tracing.Endpoint)
	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.listen_address", d.Metrics.ListenAddress)
	v.SetDefault("metrics.textfile_path", d.Metrics.TextfilePath)
	v.SetDefault("metrics.pushgateway_url", d.Metrics.PushgatewayURL)
	v.SetDefault("events.enabled", d.Events.Enabled)
	v.SetDefault("events.level", d.Events.Level)
}
