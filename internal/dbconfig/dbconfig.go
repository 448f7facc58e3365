// Package dbconfig provides database configuration types used by both
// the config and driver packages. This package exists to break the
// circular import between config and driver packages.
package dbconfig

// TargetConfig holds target database connection settings.
// This is the configuration needed to connect to the database that change
// batches are applied to.
type TargetConfig struct {
	Type            string `yaml:"type"` // "postgres", "mssql", "mysql" or "sqlite" (default: postgres)
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	Database        string `yaml:"database"` // SQLite: file path or ":memory:"
	User            string `yaml:"user"`
	Password        string `yaml:"password"`
	Schema          string `yaml:"schema"`            // Default schema for tables without a routing override
	SSLMode         string `yaml:"ssl_mode"`          // PostgreSQL/MySQL: disable, require, verify-ca, verify-full
	TrustServerCert bool   `yaml:"trust_server_cert"` // MSSQL: trust server certificate (default: false)
	Encrypt         *bool  `yaml:"encrypt"`           // MSSQL: enable TLS encryption (default: true)
	PacketSize      int    `yaml:"packet_size"`       // MSSQL: TDS packet size in bytes
	Charset         string `yaml:"charset"`           // MySQL: connection charset (default: utf8mb4)
	MaxConns        int    `yaml:"max_conns"`         // Connection pool size (default: workers + 1)
}

// DSNOptions returns a map of options for building a DSN.
func (c *TargetConfig) DSNOptions() map[string]any {
	opts := make(map[string]any)
	if c.SSLMode != "" {
		opts["sslmode"] = c.SSLMode
		opts["ssl_mode"] = c.SSLMode
	}
	if c.Encrypt != nil {
		opts["encrypt"] = *c.Encrypt
	}
	if c.TrustServerCert {
		opts["trustServerCertificate"] = true
	}
	if c.PacketSize > 0 {
		opts["packetSize"] = c.PacketSize
	}
	if c.Charset != "" {
		opts["charset"] = c.Charset
	}
	return opts
}
