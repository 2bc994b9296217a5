// Package config loads the warehouse configuration file (dwh.toml).
//
// The file has one section per concern, keeping the dwh.cfg section names
// CLUSTER, IAM_ROLE, S3, plus STORAGE, ETL, METRICS and LOG. Every
// key can be overridden from the environment as DWH_<SECTION>_<KEY>, for
// example DWH_CLUSTER_DB_PASSWORD.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"sparkify/internal/etlerr"
)

// DefaultPath is where the CLIs look for the file.
const DefaultPath = "dwh.toml"

// EnvPrefix prefixes every environment override.
const EnvPrefix = "DWH"

type Cluster struct {
	Host       string `mapstructure:"host"`
	DBName     string `mapstructure:"db_name"`
	DBUser     string `mapstructure:"db_user"`
	DBPassword string `mapstructure:"db_password"`
	DBPort     int    `mapstructure:"db_port"`
}

// IAMRole is the role Redshift assumes to read S3 during a copy load.
type IAMRole struct {
	ARN string `mapstructure:"arn"`
}

// S3 holds the input locations. Any URL a source backend understands works
// here, including local paths. LogJSONPath and Region apply to copy loads.
type S3 struct {
	SongData    string `mapstructure:"song_data"`
	LogData     string `mapstructure:"log_data"`
	LogJSONPath string `mapstructure:"log_jsonpath"`
	Region      string `mapstructure:"region"`
}

type Storage struct {
	Kind    string `mapstructure:"kind"`
	DSN     string `mapstructure:"dsn"`
	SSLMode string `mapstructure:"sslmode"`
}

// ETL load modes.
const (
	// ModeStream reads files through the source layer and batches rows.
	ModeStream = "stream"
	// ModeCopy has Redshift COPY the files into staging tables and
	// transforms them with SQL.
	ModeCopy = "copy"
)

type ETL struct {
	Mode            string  `mapstructure:"mode"`
	BatchSize       int     `mapstructure:"batch_size"`
	Policy          string  `mapstructure:"policy"`
	LengthTolerance float64 `mapstructure:"length_tolerance"`
}

type Metrics struct {
	Backend    string        `mapstructure:"backend"`
	Tags       string        `mapstructure:"tags"`
	FlushEvery time.Duration `mapstructure:"flush_every"`
}

type Log struct {
	Mode  string `mapstructure:"mode"`
	Level string `mapstructure:"level"`
}

type Config struct {
	Path    string  `mapstructure:"-"`
	Cluster Cluster `mapstructure:"cluster"`
	IAMRole IAMRole `mapstructure:"iam_role"`
	S3      S3      `mapstructure:"s3"`
	Storage Storage `mapstructure:"storage"`
	ETL     ETL     `mapstructure:"etl"`
	Metrics Metrics `mapstructure:"metrics"`
	Log     Log     `mapstructure:"log"`
}

var defaults = map[string]any{
	"cluster.host":         "",
	"cluster.db_name":      "",
	"cluster.db_user":      "",
	"cluster.db_password":  "",
	"cluster.db_port":      5439,
	"iam_role.arn":         "",
	"s3.song_data":         "s3://udacity-dend/song_data",
	"s3.log_data":          "s3://udacity-dend/log_data",
	"s3.log_jsonpath":      "",
	"s3.region":            "us-west-2",
	"storage.kind":         "redshift",
	"storage.dsn":          "",
	"storage.sslmode":      "",
	"etl.mode":             ModeStream,
	"etl.batch_size":       500,
	"etl.policy":           "lenient",
	"etl.length_tolerance": 1e-6,
	"metrics.backend":      "none",
	"metrics.tags":         "",
	"metrics.flush_every":  "60s",
	"log.mode":             "dev",
	"log.level":            "info",
}

// Load reads path (format by extension: .toml, .yaml, .json, ...) and
// applies defaults and environment overrides. Failures are *etlerr.ConfigError.
func Load(path string) (Config, error) {
	if strings.TrimSpace(path) == "" {
		path = DefaultPath
	}
	if _, err := os.Stat(path); err != nil {
		return Config{}, &etlerr.ConfigError{Path: path, Err: err}
	}

	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return Config{}, &etlerr.ConfigError{Path: path, Err: err}
	}
	cfg, err := decode(v)
	if err != nil {
		return Config{}, &etlerr.ConfigError{Path: path, Err: err}
	}
	cfg.Path = path
	return cfg, nil
}

// FromEnv builds a Config from defaults and environment overrides only.
func FromEnv() (Config, error) {
	cfg, err := decode(newViper())
	if err != nil {
		return Config{}, &etlerr.ConfigError{Err: err}
	}
	return cfg, nil
}

func newViper() *viper.Viper {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func decode(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode: %w", err)
	}
	return cfg, nil
}

// DSN returns the connection string for Storage.Kind. An explicit
// STORAGE.DSN wins; "$VAR" references in it are expanded.
func (c Config) DSN() string {
	if c.Storage.DSN != "" {
		return os.ExpandEnv(c.Storage.DSN)
	}
	switch strings.ToLower(c.Storage.Kind) {
	case "sqlite":
		return c.Cluster.DBName
	case "mssql":
		u := url.URL{
			Scheme:   "sqlserver",
			User:     url.UserPassword(c.Cluster.DBUser, c.Cluster.DBPassword),
			Host:     net.JoinHostPort(c.Cluster.Host, strconv.Itoa(c.Cluster.DBPort)),
			RawQuery: url.Values{"database": {c.Cluster.DBName}}.Encode(),
		}
		return u.String()
	default:
		ssl := c.Storage.SSLMode
		if ssl == "" {
			ssl = "prefer"
			if strings.EqualFold(c.Storage.Kind, "redshift") {
				ssl = "require"
			}
		}
		parts := []string{
			kv("host", c.Cluster.Host),
			kv("port", strconv.Itoa(c.Cluster.DBPort)),
			kv("dbname", c.Cluster.DBName),
			kv("user", c.Cluster.DBUser),
			kv("password", c.Cluster.DBPassword),
			kv("sslmode", ssl),
		}
		return strings.Join(parts, " ")
	}
}

// kv renders one libpq keyword/value pair, quoting when needed.
func kv(k, v string) string {
	if v != "" && !strings.ContainsAny(v, ` '\`) {
		return k + "=" + v
	}
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	return k + "='" + r.Replace(v) + "'"
}

// Issue is one validation finding.
type Issue struct {
	Severity string // "error" or "warning"
	Path     string // SECTION.KEY
	Message  string
}

func (i Issue) String() string {
	return fmt.Sprintf("%s %s: %s", i.Severity, i.Path, i.Message)
}

var knownKinds = map[string]bool{"redshift": true, "postgres": true, "sqlite": true, "mssql": true}

// Validate checks cfg and returns every finding, errors and warnings alike.
func Validate(cfg Config) []Issue {
	var out []Issue
	errf := func(path, format string, args ...any) {
		out = append(out, Issue{Severity: "error", Path: path, Message: fmt.Sprintf(format, args...)})
	}
	warnf := func(path, format string, args ...any) {
		out = append(out, Issue{Severity: "warning", Path: path, Message: fmt.Sprintf(format, args...)})
	}

	kind := strings.ToLower(cfg.Storage.Kind)
	if !knownKinds[kind] {
		errf("STORAGE.KIND", "unknown kind %q (want redshift, postgres, sqlite or mssql)", cfg.Storage.Kind)
	}
	if cfg.Storage.DSN == "" {
		switch kind {
		case "sqlite":
			if cfg.Cluster.DBName == "" {
				errf("CLUSTER.DB_NAME", "sqlite needs a database path (or STORAGE.DSN)")
			}
		case "redshift", "postgres", "mssql":
			if cfg.Cluster.Host == "" {
				errf("CLUSTER.HOST", "required")
			}
			if cfg.Cluster.DBName == "" {
				errf("CLUSTER.DB_NAME", "required")
			}
			if cfg.Cluster.DBUser == "" {
				errf("CLUSTER.DB_USER", "required")
			}
			if cfg.Cluster.DBPort <= 0 || cfg.Cluster.DBPort > 65535 {
				errf("CLUSTER.DB_PORT", "must be 1..65535, got %d", cfg.Cluster.DBPort)
			}
			if cfg.Cluster.DBPassword == "" {
				warnf("CLUSTER.DB_PASSWORD", "empty password")
			}
		}
	}
	if cfg.IAMRole.ARN != "" && !strings.HasPrefix(cfg.IAMRole.ARN, "arn:") {
		warnf("IAM_ROLE.ARN", "%q does not look like an ARN", cfg.IAMRole.ARN)
	}

	if cfg.S3.SongData == "" {
		errf("S3.SONG_DATA", "required")
	}
	if cfg.S3.LogData == "" {
		errf("S3.LOG_DATA", "required")
	}

	switch cfg.ETL.Mode {
	case ModeStream:
	case ModeCopy:
		if kind != "redshift" {
			errf("ETL.MODE", "copy needs STORAGE.KIND redshift, got %q", cfg.Storage.Kind)
		}
		if cfg.IAMRole.ARN == "" {
			errf("IAM_ROLE.ARN", "required for copy mode")
		}
		for _, in := range [][2]string{{"S3.SONG_DATA", cfg.S3.SongData}, {"S3.LOG_DATA", cfg.S3.LogData}} {
			if in[1] != "" && !strings.HasPrefix(in[1], "s3://") {
				errf(in[0], "copy mode reads s3:// locations only, got %q", in[1])
			}
		}
		if p := cfg.S3.LogJSONPath; p != "" && !strings.HasPrefix(p, "s3://") {
			errf("S3.LOG_JSONPATH", "want an s3:// location, got %q", p)
		}
	default:
		errf("ETL.MODE", "want stream or copy, got %q", cfg.ETL.Mode)
	}
	if cfg.ETL.BatchSize <= 0 {
		errf("ETL.BATCH_SIZE", "must be > 0, got %d", cfg.ETL.BatchSize)
	}
	switch cfg.ETL.Policy {
	case "lenient", "strict":
	default:
		errf("ETL.POLICY", "want lenient or strict, got %q", cfg.ETL.Policy)
	}
	if cfg.ETL.LengthTolerance < 0 {
		errf("ETL.LENGTH_TOLERANCE", "must be >= 0")
	}

	switch cfg.Metrics.Backend {
	case "", "none":
	case "datadog":
		if os.Getenv("DD_API_KEY") == "" {
			warnf("METRICS.BACKEND", "datadog selected but DD_API_KEY is not set")
		}
		if cfg.Metrics.FlushEvery < 0 {
			errf("METRICS.FLUSH_EVERY", "must be >= 0")
		}
	default:
		errf("METRICS.BACKEND", "want none or datadog, got %q", cfg.Metrics.Backend)
	}

	switch cfg.Log.Mode {
	case "dev", "prod":
	default:
		errf("LOG.MODE", "want dev or prod, got %q", cfg.Log.Mode)
	}
	return out
}

// Check validates cfg and folds its errors into one *etlerr.ConfigError.
// Warnings are returned separately for logging.
func Check(cfg Config) (warnings []Issue, err error) {
	var errs []error
	for _, is := range Validate(cfg) {
		if is.Severity == "error" {
			errs = append(errs, errors.New(is.Path+": "+is.Message))
			continue
		}
		warnings = append(warnings, is)
	}
	if len(errs) > 0 {
		return warnings, &etlerr.ConfigError{Path: cfg.Path, Err: errors.Join(errs...)}
	}
	return warnings, nil
}
