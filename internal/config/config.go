package config

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/onkostar/mtbexport/internal/platform/csvout"
	"github.com/onkostar/mtbexport/internal/platform/db"
)

var (
	ErrDatabaseURLRequired = errors.New("DATABASE_URL is required")
	ErrSigningKeyRequired  = errors.New("AUTH_SIGNING_KEY is required in production")
	ErrNoArtifactStore     = errors.New("OUTPUT_DIR or S3_BUCKET is required")
)

type Config struct {
	Env      string `mapstructure:"ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	SourceDriver string `mapstructure:"SOURCE_DRIVER"`
	DatabaseURL  string `mapstructure:"DATABASE_URL"`
	DBMaxConns   int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns   int32  `mapstructure:"DB_MIN_CONNS"`

	ProfileFile      string `mapstructure:"PROFILE_FILE"`
	Workers          int    `mapstructure:"WORKERS"`
	FilterIncomplete bool   `mapstructure:"FILTER_INCOMPLETE"`

	CSVDelimiter string `mapstructure:"CSV_DELIMITER"`
	CSVQuote     string `mapstructure:"CSV_QUOTE"`
	CSVHeader    bool   `mapstructure:"CSV_HEADER"`
	CSVCRLF      bool   `mapstructure:"CSV_CRLF"`

	OutputDir   string `mapstructure:"OUTPUT_DIR"`
	S3Bucket    string `mapstructure:"S3_BUCKET"`
	S3Region    string `mapstructure:"S3_REGION"`
	S3Endpoint  string `mapstructure:"S3_ENDPOINT"`
	S3PathStyle bool   `mapstructure:"S3_PATH_STYLE"`
	ReportFile  string `mapstructure:"REPORT_FILE"`

	Port           string `mapstructure:"PORT"`
	RunHistory     int    `mapstructure:"RUN_HISTORY"`
	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string `mapstructure:"AUTH_AUDIENCE"`
}

var keys = []string{
	"ENV", "LOG_LEVEL",
	"SOURCE_DRIVER", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"PROFILE_FILE", "WORKERS", "FILTER_INCOMPLETE",
	"CSV_DELIMITER", "CSV_QUOTE", "CSV_HEADER", "CSV_CRLF",
	"OUTPUT_DIR", "S3_BUCKET", "S3_REGION", "S3_ENDPOINT", "S3_PATH_STYLE", "REPORT_FILE",
	"PORT", "RUN_HISTORY", "AUTH_SIGNING_KEY", "AUTH_ISSUER", "AUTH_AUDIENCE",
}

// Load reads the configuration from the environment and, if present, the
// .env file in the working directory.
func Load() (*Config, error) {
	return LoadFile(".env")
}

// LoadFile is Load with an explicit config file. Environment variables take
// precedence over the file; a missing file is not an error.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("SOURCE_DRIVER", "mysql")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 1)
	v.SetDefault("WORKERS", 4)
	v.SetDefault("FILTER_INCOMPLETE", false)
	v.SetDefault("CSV_DELIMITER", ";")
	v.SetDefault("CSV_QUOTE", "minimal")
	v.SetDefault("CSV_HEADER", true)
	v.SetDefault("CSV_CRLF", false)
	v.SetDefault("S3_REGION", "eu-central-1")
	v.SetDefault("PORT", "8080")
	v.SetDefault("RUN_HISTORY", 50)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading the file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the exporter is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Driver returns the parsed SOURCE_DRIVER.
func (c *Config) Driver() (db.Driver, error) {
	return db.ParseDriver(c.SourceDriver)
}

// Delimiter returns CSV_DELIMITER as a rune. "tab" and "\t" select a tab.
func (c *Config) Delimiter() (rune, error) {
	s := c.CSVDelimiter
	if s == "tab" || s == `\t` {
		return '\t', nil
	}
	r, size := utf8.DecodeRuneInString(s)
	if s == "" || size != len(s) || r == utf8.RuneError {
		return 0, fmt.Errorf("CSV_DELIMITER must be a single character, got %q", s)
	}
	return r, nil
}

// CSVOptions assembles the writer options. The header is set by the caller.
func (c *Config) CSVOptions() (csvout.Options, error) {
	delim, err := c.Delimiter()
	if err != nil {
		return csvout.Options{}, err
	}
	quote, err := csvout.ParseQuoting(c.CSVQuote)
	if err != nil {
		return csvout.Options{}, fmt.Errorf("CSV_QUOTE: %w", err)
	}
	return csvout.Options{Delimiter: delim, Quote: quote, CRLF: c.CSVCRLF}, nil
}

// Level returns the zerolog level for LOG_LEVEL.
func (c *Config) Level() (zerolog.Level, error) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil {
		return zerolog.InfoLevel, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return lvl, nil
}

// Validate checks that every setting is well formed. It does not require a
// source database; see RequireSource.
func (c *Config) Validate() error {
	if _, err := c.Level(); err != nil {
		return err
	}
	if _, err := c.Driver(); err != nil {
		return err
	}
	if c.DBMaxConns < 1 {
		return fmt.Errorf("DB_MAX_CONNS must be at least 1, got %d", c.DBMaxConns)
	}
	if c.DBMinConns < 0 || c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS must be between 0 and DB_MAX_CONNS (%d), got %d", c.DBMaxConns, c.DBMinConns)
	}
	if c.Workers < 1 || c.Workers > 256 {
		return fmt.Errorf("WORKERS must be between 1 and 256, got %d", c.Workers)
	}
	opts, err := c.CSVOptions()
	if err != nil {
		return err
	}
	if _, err := csvout.NewWriter(discard{}, opts); err != nil {
		return fmt.Errorf("CSV_DELIMITER: %w", err)
	}
	if c.RunHistory < 1 {
		return fmt.Errorf("RUN_HISTORY must be at least 1, got %d", c.RunHistory)
	}
	if c.IsProduction() && c.AuthSigningKey == "" {
		return ErrSigningKeyRequired
	}
	if c.AuthSigningKey != "" && len(c.AuthSigningKey) < 32 {
		return fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 bytes, got %d", len(c.AuthSigningKey))
	}
	return nil
}

// RequireSource checks the settings needed to read from Onkostar.
func (c *Config) RequireSource() error {
	if c.DatabaseURL == "" {
		return ErrDatabaseURLRequired
	}
	return nil
}

// RequireStore checks that an artifact destination is configured.
func (c *Config) RequireStore() error {
	if c.OutputDir == "" && c.S3Bucket == "" {
		return ErrNoArtifactStore
	}
	return nil
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }
