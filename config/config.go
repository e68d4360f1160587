// Package config loads and validates the db-to-sheets configuration.
//
// All settings are sourced from the environment (optionally seeded from a .env file) and can be
// overridden by command line flags bound into the same viper instance. A Config is built once at
// startup and is treated as read-only thereafter.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/multierr"
)

// Config holds the complete, validated run configuration.
type Config struct {
	DB     DB
	Auth   Auth
	Target Target
	Upload Upload
	Log    Log
}

// DB holds the source database connection and query settings.
type DB struct {
	Host           string
	Name           string
	User           string
	Password       string
	Port           int
	Query          string
	CountQuery     string
	RowLimit       int
	Cursor         string
	ConnectTimeout time.Duration
}

// Auth holds the destination API credentials. An empty Secret selects the interactive browser flow.
type Auth struct {
	Tenant      string
	ClientID    string
	Secret      string
	Credentials string
	Workdir     string
}

// Target identifies the destination table: Drive is the spreadsheet file ID.
type Target struct {
	Drive     string
	Worksheet string
	Table     string
}

// Upload controls the batched append loop.
type Upload struct {
	BatchSize int
	Delay     time.Duration
	Truncate  bool
}

// Log controls the process logger.
type Log struct {
	Level  string
	Format string
	Debug  bool
}

const (
	DefaultQuery     = "SELECT * FROM product_requests"
	DefaultRowLimit  = 1000
	DefaultBatchSize = 100
)

// Defaults registers the default value of every optional setting.
func Defaults(v *viper.Viper, workdir string) {
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_QUERY", DefaultQuery)
	v.SetDefault("DB_COUNT_QUERY", "")
	v.SetDefault("ROW_LIMIT", DefaultRowLimit)
	v.SetDefault("SERVER_CURSOR_NAME", "server_cursor")
	v.SetDefault("DB_CONNECT_TIMEOUT", 10*time.Second)
	v.SetDefault("WORKDIR", workdir)
	v.SetDefault("CREDENTIALS", "")
	v.SetDefault("WORKSHEET_NAME", "Sheet1")
	v.SetDefault("TABLE_NAME", "Table1")
	v.SetDefault("BATCH_SIZE", DefaultBatchSize)
	v.SetDefault("BATCH_DELAY", time.Second)
	v.SetDefault("TRUNCATE", false)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "console")
	v.SetDefault("DEBUG", false)
}

// Load builds a Config from the environment bound to v. It does not validate the result.
func Load(v *viper.Viper) *Config {
	v.AutomaticEnv()

	workdir := v.GetString("WORKDIR")
	credentials := strings.TrimSpace(v.GetString("CREDENTIALS"))
	if credentials == "" && workdir != "" {
		credentials = filepath.Join(workdir, ".google", "credentials.json")
	}

	return &Config{
		DB: DB{
			Host:           strings.TrimSpace(v.GetString("DB_HOST")),
			Name:           strings.TrimSpace(v.GetString("DB_NAME")),
			User:           strings.TrimSpace(v.GetString("DB_USER")),
			Password:       v.GetString("DB_PASSWORD"),
			Port:           v.GetInt("DB_PORT"),
			Query:          strings.TrimSpace(v.GetString("DB_QUERY")),
			CountQuery:     strings.TrimSpace(v.GetString("DB_COUNT_QUERY")),
			RowLimit:       v.GetInt("ROW_LIMIT"),
			Cursor:         strings.TrimSpace(v.GetString("SERVER_CURSOR_NAME")),
			ConnectTimeout: v.GetDuration("DB_CONNECT_TIMEOUT"),
		},

		Auth: Auth{
			Tenant:      strings.TrimSpace(v.GetString("TENANT_ID")),
			ClientID:    strings.TrimSpace(v.GetString("CLIENT_ID")),
			Secret:      strings.TrimSpace(v.GetString("CLIENT_SECRET")),
			Credentials: credentials,
			Workdir:     workdir,
		},

		Target: Target{
			Drive:     strings.TrimSpace(v.GetString("DRIVE_ITEM_ID")),
			Worksheet: strings.TrimSpace(v.GetString("WORKSHEET_NAME")),
			Table:     strings.TrimSpace(v.GetString("TABLE_NAME")),
		},

		Upload: Upload{
			BatchSize: v.GetInt("BATCH_SIZE"),
			Delay:     v.GetDuration("BATCH_DELAY"),
			Truncate:  v.GetBool("TRUNCATE"),
		},

		Log: Log{
			Level:  v.GetString("LOG_LEVEL"),
			Format: v.GetString("LOG_FORMAT"),
			Debug:  v.GetBool("DEBUG"),
		},
	}
}

// Validate checks that every required setting is present and that the numeric settings are usable.
// All problems are reported together.
func (c *Config) Validate() error {
	var err error

	required := []struct {
		name  string
		value string
	}{
		{"DB_HOST", c.DB.Host},
		{"DB_NAME", c.DB.Name},
		{"DB_USER", c.DB.User},
		{"DB_PASSWORD", c.DB.Password},
		{"TENANT_ID", c.Auth.Tenant},
		{"CLIENT_ID", c.Auth.ClientID},
		{"DRIVE_ITEM_ID", c.Target.Drive},
		{"WORKSHEET_NAME", c.Target.Worksheet},
		{"TABLE_NAME", c.Target.Table},
		{"DB_QUERY", c.DB.Query},
	}

	for _, r := range required {
		if r.value == "" {
			err = multierr.Append(err, fmt.Errorf("%v is a required setting", r.name))
		}
	}

	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		err = multierr.Append(err, fmt.Errorf("invalid DB_PORT (%v)", c.DB.Port))
	}

	if c.DB.RowLimit <= 0 {
		err = multierr.Append(err, fmt.Errorf("invalid ROW_LIMIT (%v) - expected a positive number of rows", c.DB.RowLimit))
	}

	if c.Upload.BatchSize <= 0 {
		err = multierr.Append(err, fmt.Errorf("invalid BATCH_SIZE (%v) - expected a positive number of rows", c.Upload.BatchSize))
	}

	if c.Upload.Delay < 0 {
		err = multierr.Append(err, fmt.Errorf("invalid BATCH_DELAY (%v)", c.Upload.Delay))
	}

	if c.DB.Cursor == "" {
		err = multierr.Append(err, fmt.Errorf("SERVER_CURSOR_NAME may not be blank"))
	}

	return err
}

// Interactive returns true if no client secret is configured and the destination API must be
// authorised through the browser.
func (c *Config) Interactive() bool {
	return c.Auth.Secret == ""
}
