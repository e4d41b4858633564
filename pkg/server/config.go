package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/aeolun/chatrelay/pkg/database"
)

// ServerConfig holds server configuration
type ServerConfig struct {
	Host           string
	Port           int
	SSHPort        int // 0 disables the SSH transport
	SSHHostKeyPath string
	AllowedOrigins []string

	DefaultAdminUsername string
	DefaultAdminPassword string

	PingInterval  time.Duration
	MaxFrameBytes int
	SendBuffer    int

	FlushInterval     time.Duration
	RetryFailedWrites bool

	HashPasswords bool
	BcryptCost    int

	// RosterOnChat pushes the online list to admins after every chat message
	RosterOnChat bool
}

// DefaultConfig returns default server configuration
func DefaultConfig() ServerConfig {
	return ServerConfig{
		Host:                 "0.0.0.0",
		Port:                 8081,
		SSHHostKeyPath:       "~/.chatrelay/ssh_host_key",
		AllowedOrigins:       []string{"*"},
		DefaultAdminUsername: "admin",
		DefaultAdminPassword: "admin123",
		PingInterval:         30 * time.Second,
		MaxFrameBytes:        64 * 1024,
		SendBuffer:           256,
		FlushInterval:        100 * time.Millisecond,
		BcryptCost:           10,
	}
}

// withDefaults fills zero values that would make the server unusable
func (c ServerConfig) withDefaults() ServerConfig {
	d := DefaultConfig()
	if c.Host == "" {
		c.Host = d.Host
	}
	if c.DefaultAdminUsername == "" {
		c.DefaultAdminUsername = d.DefaultAdminUsername
	}
	if c.DefaultAdminPassword == "" {
		c.DefaultAdminPassword = d.DefaultAdminPassword
	}
	if c.PingInterval <= 0 {
		c.PingInterval = d.PingInterval
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = d.MaxFrameBytes
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = d.SendBuffer
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = d.FlushInterval
	}
	if c.BcryptCost <= 0 {
		c.BcryptCost = d.BcryptCost
	}
	return c
}

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server   ServerSection   `toml:"server"`
	Storage  StorageSection  `toml:"storage"`
	Admin    AdminSection    `toml:"admin"`
	Limits   LimitsSection   `toml:"limits"`
	Security SecuritySection `toml:"security"`
	Relay    RelaySection    `toml:"relay"`
}

type ServerSection struct {
	Host           string   `toml:"host"`
	Port           int      `toml:"port"`
	SSHPort        int      `toml:"ssh_port"`
	SSHHostKey     string   `toml:"ssh_host_key"`
	AllowedOrigins []string `toml:"allowed_origins"`
}

type StorageSection struct {
	Backend           string `toml:"backend"`
	DataDir           string `toml:"data_dir"`
	DatabasePath      string `toml:"database_path"`
	PostgresDSN       string `toml:"postgres_dsn"`
	S3Bucket          string `toml:"s3_bucket"`
	S3Prefix          string `toml:"s3_prefix"`
	S3Region          string `toml:"s3_region"`
	S3Endpoint        string `toml:"s3_endpoint"`
	S3AccessKey       string `toml:"s3_access_key"`
	S3SecretKey       string `toml:"s3_secret_key"`
	FlushIntervalMS   int    `toml:"flush_interval_ms"`
	RetryFailedWrites bool   `toml:"retry_failed_writes"`
}

type AdminSection struct {
	DefaultUsername string `toml:"default_username"`
	DefaultPassword string `toml:"default_password"`
}

type LimitsSection struct {
	PingIntervalSeconds int `toml:"ping_interval_seconds"`
	MaxFrameBytes       int `toml:"max_frame_bytes"`
	SendBuffer          int `toml:"send_buffer"`
}

type SecuritySection struct {
	HashPasswords bool `toml:"hash_passwords"`
	BcryptCost    int  `toml:"bcrypt_cost"`
}

type RelaySection struct {
	RosterOnChat bool `toml:"roster_on_chat"`
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	return TOMLConfig{
		Server: ServerSection{
			Host:           "0.0.0.0",
			Port:           8081,
			SSHPort:        0,
			SSHHostKey:     "~/.chatrelay/ssh_host_key",
			AllowedOrigins: []string{"*"},
		},
		Storage: StorageSection{
			Backend:         database.BackendFile,
			DataDir:         "~/.chatrelay/data",
			DatabasePath:    "~/.chatrelay/relay.db",
			FlushIntervalMS: 100,
		},
		Admin: AdminSection{
			DefaultUsername: "admin",
			DefaultPassword: "admin123",
		},
		Limits: LimitsSection{
			PingIntervalSeconds: 30,
			MaxFrameBytes:       64 * 1024,
			SendBuffer:          256,
		},
		Security: SecuritySection{
			BcryptCost: 10,
		},
	}
}

// LoadConfig loads configuration from a TOML file, creates default if not found
func LoadConfig(path string) (TOMLConfig, error) {
	path, err := expandPath(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	// Check if file exists
	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := DefaultTOMLConfig()
		if err := writeDefaultConfig(path, config); err != nil {
			// If we can't write, just return defaults without error
			// (might be a permissions issue, but we can still run)
			return config, nil
		}
		return config, nil
	}

	// Start from defaults so keys missing from the file keep their default
	config := DefaultTOMLConfig()
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// writeDefaultConfig writes the default config to a file
func writeDefaultConfig(path string, config TOMLConfig) error {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	header := `# Chat Relay Server Configuration
# This file was auto-generated with default values
# Edit as needed and restart the server for changes to take effect

`
	if _, err := f.WriteString(header); err != nil {
		return err
	}

	encoder := toml.NewEncoder(f)
	if err := encoder.Encode(config); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// ToServerConfig converts TOMLConfig to ServerConfig
func (c *TOMLConfig) ToServerConfig() ServerConfig {
	cfg := DefaultConfig()

	if strings.TrimSpace(c.Server.Host) != "" {
		cfg.Host = c.Server.Host
	}
	if c.Server.Port != 0 {
		cfg.Port = c.Server.Port
	}
	cfg.SSHPort = c.Server.SSHPort
	if strings.TrimSpace(c.Server.SSHHostKey) != "" {
		cfg.SSHHostKeyPath = c.Server.SSHHostKey
	}
	if len(c.Server.AllowedOrigins) > 0 {
		cfg.AllowedOrigins = c.Server.AllowedOrigins
	}

	if c.Admin.DefaultUsername != "" {
		cfg.DefaultAdminUsername = c.Admin.DefaultUsername
	}
	if c.Admin.DefaultPassword != "" {
		cfg.DefaultAdminPassword = c.Admin.DefaultPassword
	}

	if c.Limits.PingIntervalSeconds > 0 {
		cfg.PingInterval = time.Duration(c.Limits.PingIntervalSeconds) * time.Second
	}
	if c.Limits.MaxFrameBytes > 0 {
		cfg.MaxFrameBytes = c.Limits.MaxFrameBytes
	}
	if c.Limits.SendBuffer > 0 {
		cfg.SendBuffer = c.Limits.SendBuffer
	}

	if c.Storage.FlushIntervalMS > 0 {
		cfg.FlushInterval = time.Duration(c.Storage.FlushIntervalMS) * time.Millisecond
	}
	cfg.RetryFailedWrites = c.Storage.RetryFailedWrites

	cfg.HashPasswords = c.Security.HashPasswords
	if c.Security.BcryptCost > 0 {
		cfg.BcryptCost = c.Security.BcryptCost
	}

	cfg.RosterOnChat = c.Relay.RosterOnChat

	return cfg
}

// StoreOptions converts the storage section to database.Options with ~
// expanded in paths
func (c *TOMLConfig) StoreOptions() (database.Options, error) {
	dataDir, err := expandPath(c.Storage.DataDir)
	if err != nil {
		return database.Options{}, err
	}
	dbPath, err := expandPath(c.Storage.DatabasePath)
	if err != nil {
		return database.Options{}, err
	}

	return database.Options{
		Backend:      c.Storage.Backend,
		DataDir:      dataDir,
		DatabasePath: dbPath,
		PostgresDSN:  c.Storage.PostgresDSN,
		S3: database.S3Options{
			Bucket:    c.Storage.S3Bucket,
			Prefix:    c.Storage.S3Prefix,
			Region:    c.Storage.S3Region,
			Endpoint:  c.Storage.S3Endpoint,
			AccessKey: c.Storage.S3AccessKey,
			SecretKey: c.Storage.S3SecretKey,
		},
	}, nil
}

// expandPath expands a leading ~/ to the home directory
func expandPath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(homeDir, path[2:])
	}
	return path, nil
}
