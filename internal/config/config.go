// Package config loads the cdcload YAML configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/johndauphine/cdcload/internal/dbconfig"
	"github.com/johndauphine/cdcload/internal/driver/drivers"
	"github.com/johndauphine/cdcload/internal/loader"
	"github.com/johndauphine/cdcload/internal/logging"
	"github.com/johndauphine/cdcload/internal/protocol"
	"github.com/johndauphine/cdcload/internal/util"
	"golang.org/x/text/encoding/htmlindex"
	"gopkg.in/yaml.v3"
)

// TargetConfig is the target connection section.
type TargetConfig = dbconfig.TargetConfig

// Config is the complete cdcload configuration.
type Config struct {
	Target  TargetConfig  `yaml:"target"`
	Loader  LoaderConfig  `yaml:"loader"`
	Routing RoutingConfig `yaml:"routing"`
	Ledger  LedgerConfig  `yaml:"ledger"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
	Run     RunConfig     `yaml:"run"`
}

// LoaderConfig holds the data loader policies.
type LoaderConfig struct {
	FallbackToUpdate    bool     `yaml:"fallback_to_update"`    // default: true
	FallbackToInsert    bool     `yaml:"fallback_to_insert"`    // default: true
	AllowMissingDelete  bool     `yaml:"allow_missing_delete"`  // default: true
	OmitUnchangedKeys   bool     `yaml:"omit_unchanged_keys"`   // leave unchanged key columns out of UPDATE SET
	ChangedColumnsOnly  bool     `yaml:"changed_columns_only"`  // with an old row, SET only changed columns
	RequiredPlaceholder string   `yaml:"required_placeholder"`  // default: single space
	PadChar             bool     `yaml:"pad_char"`              // pad CHAR values client side
	BinaryEncoding      string   `yaml:"binary_encoding"`       // NONE, BASE64 or HEX (default: BASE64)
	StatementCacheSize  int      `yaml:"statement_cache_size"`  // per table (default: 64)
	IgnoreTables        []string `yaml:"ignore_tables"`         // table or schema.table
	NodeGroupID         string   `yaml:"node_group_id"`         // passed to routing
}

// RoutingConfig maps stream tables to target schemas.
type RoutingConfig struct {
	// Schemas applies to every node group: table -> schema.
	Schemas map[string]string `yaml:"schemas"`
	// Groups overrides Schemas per node group: group -> table -> schema.
	Groups map[string]map[string]string `yaml:"groups"`
}

// LedgerConfig controls the incoming batch ledger.
type LedgerConfig struct {
	Enabled bool   `yaml:"enabled"` // default: true
	Path    string `yaml:"path"`    // default: ~/.cdcload/ledger.db
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error (default: info)
	Format string `yaml:"format"` // text or json (default: text)
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Listen string `yaml:"listen"` // e.g. ":9108"; empty disables it
}

// RunConfig controls how streams are processed.
type RunConfig struct {
	Workers       int    `yaml:"workers"`        // streams loaded in parallel (default: 1)
	StreamCharset string `yaml:"stream_charset"` // default: utf-8
	Progress      bool   `yaml:"progress"`       // show a progress bar for file streams
}

func defaultConfig() *Config {
	return &Config{
		Loader: LoaderConfig{
			FallbackToUpdate:   true,
			FallbackToInsert:   true,
			AllowMissingDelete: true,
		},
		Ledger: LedgerConfig{Enabled: true},
	}
}

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return LoadBytes(data)
}

// LoadBytes parses YAML, applies environment overrides and defaults, and validates.
func LoadBytes(data []byte) (*Config, error) {
	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv lets secrets and hosts come from the environment instead of the file.
func (c *Config) applyEnv() error {
	if v := os.Getenv("CDCLOAD_TARGET_TYPE"); v != "" {
		c.Target.Type = v
	}
	if v := os.Getenv("CDCLOAD_TARGET_HOST"); v != "" {
		c.Target.Host = v
	}
	if v := os.Getenv("CDCLOAD_TARGET_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CDCLOAD_TARGET_PORT: %w", err)
		}
		c.Target.Port = port
	}
	if v := os.Getenv("CDCLOAD_TARGET_DATABASE"); v != "" {
		c.Target.Database = v
	}
	if v := os.Getenv("CDCLOAD_TARGET_USER"); v != "" {
		c.Target.User = v
	}
	if v := os.Getenv("CDCLOAD_TARGET_PASSWORD"); v != "" {
		c.Target.Password = v
	}
	if v := os.Getenv("CDCLOAD_IGNORE_TABLES"); v != "" {
		c.Loader.IgnoreTables = append(c.Loader.IgnoreTables, util.SplitCSV(v)...)
	}
	if v := os.Getenv("CDCLOAD_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Target.Type == "" {
		c.Target.Type = "postgres"
	}
	if d, err := drivers.ForType(c.Target.Type); err == nil {
		def := d.Defaults()
		c.Target.Type = d.Name()
		if c.Target.Port == 0 {
			c.Target.Port = def.Port
		}
		if c.Target.Schema == "" {
			c.Target.Schema = def.Schema
		}
		if c.Target.SSLMode == "" {
			c.Target.SSLMode = def.SSLMode
		}
		if c.Target.Encrypt == nil && d.Name() == "mssql" {
			enc := def.Encrypt
			c.Target.Encrypt = &enc
		}
	}
	if c.Target.Host == "" && c.Target.Type != "sqlite" {
		c.Target.Host = "localhost"
	}

	if c.Loader.RequiredPlaceholder == "" {
		c.Loader.RequiredPlaceholder = " "
	}
	if c.Loader.BinaryEncoding == "" {
		c.Loader.BinaryEncoding = "BASE64"
	}
	if c.Loader.StatementCacheSize == 0 {
		c.Loader.StatementCacheSize = loader.DefaultStatementCacheSize
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Run.Workers == 0 {
		c.Run.Workers = 1
	}
	if c.Run.StreamCharset == "" {
		c.Run.StreamCharset = "utf-8"
	}
	if c.Target.MaxConns == 0 {
		c.Target.MaxConns = c.Run.Workers + 1
	}

	c.Routing.Schemas = lowerKeys(c.Routing.Schemas)
	for g, m := range c.Routing.Groups {
		c.Routing.Groups[g] = lowerKeys(m)
	}
}

func lowerKeys(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[strings.ToLower(strings.TrimSpace(k))] = v
	}
	return out
}

func (c *Config) validate() error {
	if !drivers.IsKnown(c.Target.Type) {
		return fmt.Errorf("target.type %q is not supported (available: %s)",
			c.Target.Type, strings.Join(drivers.Available(), ", "))
	}
	if c.Target.Database == "" {
		return fmt.Errorf("target.database is required")
	}
	if c.Target.Type != "sqlite" && c.Target.User == "" {
		return fmt.Errorf("target.user is required for %s", c.Target.Type)
	}
	if c.Target.Port < 0 || c.Target.Port > 65535 {
		return fmt.Errorf("target.port %d is out of range", c.Target.Port)
	}

	if _, err := protocol.ParseBinaryEncoding(c.Loader.BinaryEncoding); err != nil {
		return fmt.Errorf("loader.binary_encoding: %w", err)
	}
	if c.Loader.StatementCacheSize < 0 {
		return fmt.Errorf("loader.statement_cache_size must not be negative")
	}

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	if c.Run.Workers < 1 {
		return fmt.Errorf("run.workers must be at least 1")
	}
	if _, err := htmlindex.Get(c.Run.StreamCharset); err != nil {
		return fmt.Errorf("run.stream_charset %q: %w", c.Run.StreamCharset, err)
	}
	return nil
}

// FindTargetSchema returns the schema routed for table in nodeGroupID.
// A group-specific route wins over the global one.
func (r *RoutingConfig) FindTargetSchema(table, nodeGroupID string) (string, bool) {
	key := strings.ToLower(strings.TrimSpace(table))
	if m, ok := r.Groups[nodeGroupID]; ok {
		if s, ok := m[key]; ok {
			return s, true
		}
	}
	s, ok := r.Schemas[key]
	return s, ok
}

// LoaderOptions converts the loader section into loader.Options.
func (c *Config) LoaderOptions() loader.Options {
	enc, _ := protocol.ParseBinaryEncoding(c.Loader.BinaryEncoding)
	return loader.Options{
		FallbackToUpdate:    c.Loader.FallbackToUpdate,
		FallbackToInsert:    c.Loader.FallbackToInsert,
		AllowMissingDelete:  c.Loader.AllowMissingDelete,
		OmitUnchangedKeys:   c.Loader.OmitUnchangedKeys,
		ChangedColumnsOnly:  c.Loader.ChangedColumnsOnly,
		RequiredPlaceholder: c.Loader.RequiredPlaceholder,
		PadChar:             c.Loader.PadChar,
		BinaryEncoding:      enc,
		StatementCacheSize:  c.Loader.StatementCacheSize,
		IgnoreTables:        c.Loader.IgnoreTables,
		NodeGroupID:         c.Loader.NodeGroupID,
		DefaultSchema:       c.Target.Schema,
	}
}

// TargetDSN builds the connection string for the configured target.
func (c *Config) TargetDSN() (string, error) {
	d, err := drivers.ForType(c.Target.Type)
	if err != nil {
		return "", err
	}
	t := c.Target
	return d.Dialect().BuildDSN(t.Host, t.Port, t.Database, t.User, t.Password, t.DSNOptions()), nil
}

// Redacted returns a copy safe to print.
func (c *Config) Redacted() *Config {
	out := *c
	if out.Target.Password != "" {
		out.Target.Password = "********"
	}
	return &out
}

// YAML renders the redacted configuration.
func (c *Config) YAML() (string, error) {
	b, err := yaml.Marshal(c.Redacted())
	if err != nil {
		return "", err
	}
	return string(b), nil
}
