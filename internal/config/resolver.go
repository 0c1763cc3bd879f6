// Package config resolves cellcount settings from built-in defaults, the
// YAML config file, CELLCOUNT_* environment variables and CLI flags, in
// that order of precedence. Every resolved value remembers where it came from.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/hurttlocker/cellcount/internal/compare"
	"github.com/hurttlocker/cellcount/internal/dataset"
	"github.com/hurttlocker/cellcount/internal/logging"
	"github.com/hurttlocker/cellcount/internal/store"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CELLCOUNT"

type ValueSource string

const (
	SourceUnknown ValueSource = "unknown"
	SourceConfig  ValueSource = "config"
	SourceEnv     ValueSource = "env"
	SourceCLI     ValueSource = "cli"
	SourceDefault ValueSource = "default"
)

type ResolvedValue struct {
	Value  string      `json:"value"`
	Source ValueSource `json:"source"`
	From   string      `json:"from,omitempty"`
}

type ResolveOptions struct {
	ConfigPath  string
	CLIDBPath   string
	CLILogLevel string
}

type ResolvedConfig struct {
	ConfigPath string `json:"config_path"`

	DBPath ResolvedValue `json:"db_path"`
	Driver ResolvedValue `json:"driver"`
	DSN    ResolvedValue `json:"dsn"`

	CellTypes   ResolvedValue `json:"cell_types"`
	S3Region    ResolvedValue `json:"s3_region"`
	S3Endpoint  ResolvedValue `json:"s3_endpoint"`
	S3PathStyle ResolvedValue `json:"s3_path_style"`

	// Static S3 credentials. Unset means the SDK default chain.
	S3AccessKeyID     ResolvedValue `json:"-"`
	S3SecretAccessKey ResolvedValue `json:"-"`
	S3SessionToken    ResolvedValue `json:"-"`

	Alpha        ResolvedValue `json:"alpha"`
	Correction   ResolvedValue `json:"correction"`
	MinGroupSize ResolvedValue `json:"min_group_size"`

	LogLevel        ResolvedValue `json:"log_level"`
	LogFormat       ResolvedValue `json:"log_format"`
	MetricsTextfile ResolvedValue `json:"metrics_textfile"`
}

type fileConfig struct {
	DBPath string `yaml:"db_path"`
	Store  struct {
		Driver string `yaml:"driver"`
		DSN    string `yaml:"dsn"`
	} `yaml:"store"`
	Dataset struct {
		CellTypes []string `yaml:"cell_types"`
		S3        struct {
			Region          string `yaml:"region"`
			Endpoint        string `yaml:"endpoint"`
			PathStyle       *bool  `yaml:"path_style"`
			AccessKeyID     string `yaml:"access_key_id"`
			SecretAccessKey string `yaml:"secret_access_key"`
			SessionToken    string `yaml:"session_token"`
		} `yaml:"s3"`
	} `yaml:"dataset"`
	Analysis struct {
		Alpha        *float64 `yaml:"alpha"`
		Correction   string   `yaml:"correction"`
		MinGroupSize *int     `yaml:"min_group_size"`
	} `yaml:"analysis"`
	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
	Metrics struct {
		Textfile string `yaml:"textfile"`
	} `yaml:"metrics"`
}

// envConfig mirrors the CELLCOUNT_* variables. Pointer and slice fields
// stay nil when the variable is unset.
type envConfig struct {
	DB              string   `envconfig:"DB"`
	Driver          string   `envconfig:"DRIVER"`
	DSN             string   `envconfig:"DSN"`
	CellTypes       []string `envconfig:"CELL_TYPES"`
	Alpha           *float64 `envconfig:"ALPHA"`
	Correction      string   `envconfig:"CORRECTION"`
	MinGroupSize    *int     `envconfig:"MIN_GROUP_SIZE"`
	LogLevel        string   `envconfig:"LOG_LEVEL"`
	LogFormat       string   `envconfig:"LOG_FORMAT"`
	MetricsTextfile string   `envconfig:"METRICS_TEXTFILE"`
	S3Region        string   `envconfig:"S3_REGION"`
	S3Endpoint      string   `envconfig:"S3_ENDPOINT"`
	S3PathStyle     *bool    `envconfig:"S3_PATH_STYLE"`
	S3AccessKeyID   string   `envconfig:"S3_ACCESS_KEY_ID"`
	S3SecretKey     string   `envconfig:"S3_SECRET_ACCESS_KEY"`
	S3SessionToken  string   `envconfig:"S3_SESSION_TOKEN"`
}

func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".cellcount", "config.yaml")
}

func ResolveConfig(opts ResolveOptions) (ResolvedConfig, error) {
	path := strings.TrimSpace(opts.ConfigPath)
	if path == "" {
		path = DefaultConfigPath()
	}

	out := ResolvedConfig{ConfigPath: path}
	applyDefaults(&out)

	cfg, err := loadConfig(path)
	if err != nil {
		return out, err
	}
	if cfg != nil {
		apply(&out.DBPath, cfg.DBPath, SourceConfig, path)
		apply(&out.Driver, cfg.Store.Driver, SourceConfig, path)
		apply(&out.DSN, cfg.Store.DSN, SourceConfig, path)
		apply(&out.CellTypes, strings.Join(cfg.Dataset.CellTypes, ","), SourceConfig, path)
		apply(&out.S3Region, cfg.Dataset.S3.Region, SourceConfig, path)
		apply(&out.S3Endpoint, cfg.Dataset.S3.Endpoint, SourceConfig, path)
		if cfg.Dataset.S3.PathStyle != nil {
			apply(&out.S3PathStyle, strconv.FormatBool(*cfg.Dataset.S3.PathStyle), SourceConfig, path)
		}
		apply(&out.S3AccessKeyID, cfg.Dataset.S3.AccessKeyID, SourceConfig, path)
		apply(&out.S3SecretAccessKey, cfg.Dataset.S3.SecretAccessKey, SourceConfig, path)
		apply(&out.S3SessionToken, cfg.Dataset.S3.SessionToken, SourceConfig, path)
		if cfg.Analysis.Alpha != nil {
			apply(&out.Alpha, formatFloat(*cfg.Analysis.Alpha), SourceConfig, path)
		}
		apply(&out.Correction, cfg.Analysis.Correction, SourceConfig, path)
		if cfg.Analysis.MinGroupSize != nil {
			apply(&out.MinGroupSize, strconv.Itoa(*cfg.Analysis.MinGroupSize), SourceConfig, path)
		}
		apply(&out.LogLevel, cfg.Logging.Level, SourceConfig, path)
		apply(&out.LogFormat, cfg.Logging.Format, SourceConfig, path)
		apply(&out.MetricsTextfile, cfg.Metrics.Textfile, SourceConfig, path)
	}

	var env envConfig
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return out, fmt.Errorf("reading environment: %w", err)
	}
	applyEnv(&out.DBPath, env.DB, "DB")
	applyEnv(&out.Driver, env.Driver, "DRIVER")
	applyEnv(&out.DSN, env.DSN, "DSN")
	applyEnv(&out.CellTypes, strings.Join(env.CellTypes, ","), "CELL_TYPES")
	if env.Alpha != nil {
		applyEnv(&out.Alpha, formatFloat(*env.Alpha), "ALPHA")
	}
	applyEnv(&out.Correction, env.Correction, "CORRECTION")
	if env.MinGroupSize != nil {
		applyEnv(&out.MinGroupSize, strconv.Itoa(*env.MinGroupSize), "MIN_GROUP_SIZE")
	}
	applyEnv(&out.LogLevel, env.LogLevel, "LOG_LEVEL")
	applyEnv(&out.LogFormat, env.LogFormat, "LOG_FORMAT")
	applyEnv(&out.MetricsTextfile, env.MetricsTextfile, "METRICS_TEXTFILE")
	applyEnv(&out.S3Region, env.S3Region, "S3_REGION")
	applyEnv(&out.S3Endpoint, env.S3Endpoint, "S3_ENDPOINT")
	if env.S3PathStyle != nil {
		applyEnv(&out.S3PathStyle, strconv.FormatBool(*env.S3PathStyle), "S3_PATH_STYLE")
	}
	applyEnv(&out.S3AccessKeyID, env.S3AccessKeyID, "S3_ACCESS_KEY_ID")
	applyEnv(&out.S3SecretAccessKey, env.S3SecretKey, "S3_SECRET_ACCESS_KEY")
	applyEnv(&out.S3SessionToken, env.S3SessionToken, "S3_SESSION_TOKEN")

	apply(&out.DBPath, opts.CLIDBPath, SourceCLI, "--db")
	apply(&out.LogLevel, opts.CLILogLevel, SourceCLI, "--verbose")

	if out.DBPath.Value != "" {
		out.DBPath.Value = expandUserPath(out.DBPath.Value)
	}
	if out.MetricsTextfile.Value != "" {
		out.MetricsTextfile.Value = expandUserPath(out.MetricsTextfile.Value)
	}

	if err := out.Validate(); err != nil {
		return out, err
	}
	return out, nil
}

func applyDefaults(out *ResolvedConfig) {
	def := func(dst *ResolvedValue, v string) {
		*dst = ResolvedValue{Value: v, Source: SourceDefault, From: "built-in default"}
	}
	def(&out.DBPath, expandUserPath(store.DefaultDBPath))
	def(&out.Driver, string(store.DriverSQLite))
	def(&out.CellTypes, strings.Join(dataset.DefaultCellTypes, ","))
	def(&out.S3Region, "us-east-1")
	def(&out.S3PathStyle, "false")
	def(&out.Alpha, formatFloat(compare.DefaultAlpha))
	def(&out.Correction, string(compare.CorrectionNone))
	def(&out.MinGroupSize, strconv.Itoa(compare.DefaultMinGroupSize))
	def(&out.LogLevel, "info")
	def(&out.LogFormat, "text")
}

// Validate checks that typed values parse.
func (r ResolvedConfig) Validate() error {
	if _, err := store.ParseDriver(r.Driver.Value); err != nil {
		return fmt.Errorf("driver (from %s): %w", r.Driver.From, err)
	}
	if _, err := r.AnalysisOptions(); err != nil {
		return err
	}
	if _, err := logging.ParseLevel(r.LogLevel.Value); err != nil {
		return fmt.Errorf("log level (from %s): %w", r.LogLevel.From, err)
	}
	if _, err := strconv.ParseBool(r.S3PathStyle.Value); err != nil {
		return fmt.Errorf("s3 path_style %q (from %s) is not a boolean", r.S3PathStyle.Value, r.S3PathStyle.From)
	}
	if (r.S3AccessKeyID.Value == "") != (r.S3SecretAccessKey.Value == "") {
		return fmt.Errorf("s3 access_key_id and secret_access_key must be set together")
	}
	return nil
}

// StoreConfig returns the store settings.
func (r ResolvedConfig) StoreConfig() store.StoreConfig {
	return store.StoreConfig{
		Driver: store.Driver(r.Driver.Value),
		DBPath: r.DBPath.Value,
		DSN:    r.DSN.Value,
	}
}

// DatasetOptions returns the source reading settings.
func (r ResolvedConfig) DatasetOptions() dataset.Options {
	pathStyle, _ := strconv.ParseBool(r.S3PathStyle.Value)
	return dataset.Options{
		CellTypes: splitList(r.CellTypes.Value),
		S3: dataset.S3Config{
			Region:    r.S3Region.Value,
			Endpoint:  r.S3Endpoint.Value,
			PathStyle: pathStyle,

			AccessKeyID:     r.S3AccessKeyID.Value,
			SecretAccessKey: r.S3SecretAccessKey.Value,
			SessionToken:    r.S3SessionToken.Value,
		},
	}
}

// AnalysisOptions returns comparison defaults. The group attribute and
// values are left for the caller.
func (r ResolvedConfig) AnalysisOptions() (compare.Options, error) {
	alpha, err := strconv.ParseFloat(r.Alpha.Value, 64)
	if err != nil {
		return compare.Options{}, fmt.Errorf("alpha %q (from %s) is not a number", r.Alpha.Value, r.Alpha.From)
	}
	correction, err := compare.ParseCorrection(r.Correction.Value)
	if err != nil {
		return compare.Options{}, fmt.Errorf("correction (from %s): %w", r.Correction.From, err)
	}
	minSize, err := strconv.Atoi(r.MinGroupSize.Value)
	if err != nil {
		return compare.Options{}, fmt.Errorf("min_group_size %q (from %s) is not an integer", r.MinGroupSize.Value, r.MinGroupSize.From)
	}
	opts := compare.Options{Alpha: alpha, Correction: correction, MinGroupSize: minSize}
	if err := opts.Validate(); err != nil {
		return compare.Options{}, err
	}
	return opts, nil
}

// LoggingConfig returns the logger settings.
func (r ResolvedConfig) LoggingConfig() logging.Config {
	return logging.Config{Level: r.LogLevel.Value, Format: r.LogFormat.Value}
}

func apply(dst *ResolvedValue, raw string, source ValueSource, from string) {
	v := strings.TrimSpace(raw)
	if v == "" {
		return
	}
	*dst = ResolvedValue{Value: v, Source: source, From: from}
}

func applyEnv(dst *ResolvedValue, raw, key string) {
	apply(dst, raw, SourceEnv, EnvPrefix+"_"+key)
}

func loadConfig(path string) (*fileConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var cfg fileConfig
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return &cfg, nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

func expandUserPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
