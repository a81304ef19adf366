// Package config provides configuration management for the scan
// orchestration engine. It handles loading configuration from files,
// environment variables, and provides default values for every component.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bryankemp/network-scanner/internal/db"
)

const (
	defaultShutdownTimeoutSec = 30
	defaultRequestTimeoutSec  = 30

	defaultScanParallelism    = 8
	defaultScanTimeoutSeconds = 300
	defaultRetentionDays      = 90

	defaultAPIPort          = 8080
	defaultMaxRequestSizeMB = 16
	bytesPerMB              = 1024 * 1024

	defaultAccessTokenMinutes = 15
	defaultRefreshTokenDays   = 7

	maxConfigSize   = 10 * 1024 * 1024 // maximum config file size
	maxContentSize  = 5 * 1024 * 1024  // maximum config content size
	maxPathLength   = 4096
	permissionsMask = 0o777
)

// Default configuration values.
const (
	DefaultPostgresPort    = 5432
	DefaultMaxOpenConns    = 25
	DefaultMaxIdleConns    = 5
	DefaultConnMaxLifetime = 5 * time.Minute
	DefaultConnMaxIdleTime = 5 * time.Minute
	DefaultDirPermissions  = 0o750
	DefaultFilePermissions = 0o600
)

// Config represents the application configuration.
type Config struct {
	AppName  string         `yaml:"app_name" json:"app_name"`
	Daemon   DaemonConfig   `yaml:"daemon" json:"daemon"`
	Database db.Config      `yaml:"database" json:"database"`
	Scanning ScanningConfig `yaml:"scanning" json:"scanning"`
	API      APIConfig      `yaml:"api" json:"api"`
	Logging  LoggingConfig  `yaml:"logging" json:"logging"`
}

// DaemonConfig holds daemon-specific settings.
type DaemonConfig struct {
	PIDFile         string        `yaml:"pid_file" json:"pid_file"`
	WorkDir         string        `yaml:"work_dir" json:"work_dir"`
	User            string        `yaml:"user" json:"user"`
	Group           string        `yaml:"group" json:"group"`
	Daemonize       bool          `yaml:"daemonize" json:"daemonize"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// ScanningConfig holds scan-orchestration settings. ScanParallelism and
// RetentionDays are the *startup defaults* for the scan_parallelism and
// data_retention_days Settings rows; once the Store has a row for either
// key, the Store value wins (Settings is the live-tunable, read-through
// source of truth per spec.md §9).
type ScanningConfig struct {
	ScanParallelism    int           `yaml:"scan_parallelism" json:"scan_parallelism"`
	DefaultScanTimeout time.Duration `yaml:"default_scan_timeout" json:"default_scan_timeout"`
	RetentionDays      int           `yaml:"retention_days" json:"retention_days"`
	OutputDir          string        `yaml:"output_dir" json:"output_dir"`
	// SNMPCommunity is the read-only community string used for the
	// sysDescr.0 enrichment fallback when nmap's own OS fingerprint is
	// inconclusive. Empty disables the SNMP query entirely.
	SNMPCommunity string `yaml:"snmp_community" json:"-"`
}

// APIConfig holds API server settings.
type APIConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Host    string `yaml:"host" json:"host"`
	Port    int    `yaml:"port" json:"port"`

	ReadTimeout    time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	MaxHeaderBytes int           `yaml:"max_header_bytes" json:"max_header_bytes"`

	TLS TLSConfig `yaml:"tls" json:"tls"`

	EnableCORS  bool     `yaml:"enable_cors" json:"enable_cors"`
	CORSOrigins []string `yaml:"cors_origins" json:"cors_origins"`

	MaxRequestSize int64 `yaml:"max_request_size" json:"max_request_size"`

	// Auth / token settings.
	SecretKey            string `yaml:"secret_key" json:"-"`
	AccessTokenMinutes   int    `yaml:"access_token_minutes" json:"access_token_minutes"`
	RefreshTokenDays     int    `yaml:"refresh_token_days" json:"refresh_token_days"`
	DefaultAdminUsername string `yaml:"default_admin_username" json:"default_admin_username"`
	DefaultAdminPassword string `yaml:"default_admin_password" json:"-"`
}

// TLSConfig holds TLS settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	CertFile string `yaml:"cert_file" json:"cert_file"`
	KeyFile  string `yaml:"key_file" json:"key_file"`
	CAFile   string `yaml:"ca_file" json:"ca_file"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
	Output string `yaml:"output" json:"output"`
}

// Default returns the default configuration with database credentials and
// all environment-driven fields loaded from the process environment.
func Default() *Config {
	return &Config{
		AppName:  getEnvString("NETSCAN_APP_NAME", "network-scanner"),
		Daemon:   defaultDaemonConfig(),
		Database: getDatabaseConfigFromEnv(),
		Scanning: defaultScanningConfig(),
		API:      defaultAPIConfig(),
		Logging:  defaultLoggingConfig(),
	}
}

func defaultDaemonConfig() DaemonConfig {
	return DaemonConfig{
		PIDFile:         getEnvString("NETSCAN_PID_FILE", "/var/run/network-scanner.pid"),
		WorkDir:         getEnvString("NETSCAN_WORK_DIR", "/var/lib/network-scanner"),
		User:            getEnvString("NETSCAN_USER", ""),
		Group:           getEnvString("NETSCAN_GROUP", ""),
		Daemonize:       false,
		ShutdownTimeout: defaultShutdownTimeoutSec * time.Second,
	}
}

func defaultScanningConfig() ScanningConfig {
	return ScanningConfig{
		ScanParallelism:    getEnvInt("NETSCAN_DEFAULT_PARALLELISM", defaultScanParallelism),
		DefaultScanTimeout: getEnvDuration("NETSCAN_DEFAULT_SCAN_TIMEOUT", defaultScanTimeoutSeconds*time.Second),
		RetentionDays:      getEnvInt("NETSCAN_RETENTION_DAYS", defaultRetentionDays),
		OutputDir:          getEnvString("NETSCAN_SCAN_OUTPUT_DIR", "/var/lib/network-scanner/scans"),
		SNMPCommunity:      getEnvString("NETSCAN_SNMP_COMMUNITY", "public"),
	}
}

func defaultAPIConfig() APIConfig {
	return APIConfig{
		Enabled:               true,
		Host:                  getEnvString("NETSCAN_API_HOST", "0.0.0.0"),
		Port:                  getEnvInt("NETSCAN_API_PORT", defaultAPIPort),
		ReadTimeout:           10 * time.Second,
		WriteTimeout:          10 * time.Second,
		IdleTimeout:           60 * time.Second,
		MaxHeaderBytes:        1 << 20,
		TLS:                   TLSConfig{},
		EnableCORS:            true,
		CORSOrigins:           splitCSVEnv("NETSCAN_CORS_ORIGINS", []string{"*"}),
		MaxRequestSize:        defaultMaxRequestSizeMB * bytesPerMB,
		SecretKey:             getEnvString("NETSCAN_SECRET_KEY", ""),
		AccessTokenMinutes:    getEnvInt("NETSCAN_ACCESS_TOKEN_MINUTES", defaultAccessTokenMinutes),
		RefreshTokenDays:      getEnvInt("NETSCAN_REFRESH_TOKEN_DAYS", defaultRefreshTokenDays),
		DefaultAdminUsername:  getEnvString("NETSCAN_DEFAULT_ADMIN_USERNAME", "admin"),
		DefaultAdminPassword:  getEnvString("NETSCAN_DEFAULT_ADMIN_PASSWORD", ""),
	}
}

func defaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		Level:  getEnvString("NETSCAN_LOG_LEVEL", "info"),
		Format: getEnvString("NETSCAN_LOG_FORMAT", "text"),
		Output: getEnvString("NETSCAN_LOG_OUTPUT", "stdout"),
	}
}

func getEnvString(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func splitCSVEnv(key string, fallback []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	var out []string
	start := 0
	for i := 0; i <= len(value); i++ {
		if i == len(value) || value[i] == ',' {
			if i > start {
				out = append(out, value[start:i])
			}
			start = i + 1
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

func getDatabaseConfigFromEnv() db.Config {
	return db.Config{
		Host:            getEnvString("NETSCAN_DB_HOST", "localhost"),
		Port:            getEnvInt("NETSCAN_DB_PORT", DefaultPostgresPort),
		Database:        getEnvString("NETSCAN_DB_NAME", ""),
		Username:        getEnvString("NETSCAN_DB_USER", ""),
		Password:        getEnvString("NETSCAN_DB_PASSWORD", ""),
		SSLMode:         getEnvString("NETSCAN_DB_SSLMODE", "disable"),
		MaxOpenConns:    getEnvInt("NETSCAN_DB_MAX_OPEN_CONNS", DefaultMaxOpenConns),
		MaxIdleConns:    getEnvInt("NETSCAN_DB_MAX_IDLE_CONNS", DefaultMaxIdleConns),
		ConnMaxLifetime: getEnvDuration("NETSCAN_DB_CONN_MAX_LIFETIME", DefaultConnMaxLifetime),
		ConnMaxIdleTime: getEnvDuration("NETSCAN_DB_CONN_MAX_IDLE_TIME", DefaultConnMaxIdleTime),
	}
}

// Load loads configuration from a file, layering it onto Default().
func Load(path string) (*Config, error) {
	if err := validateConfigPath(path); err != nil {
		return nil, fmt.Errorf("invalid config path: %w", err)
	}

	config := Default()

	fileInfo, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %w", err)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to access config file: %w", err)
	}

	if fileInfo.Size() > maxConfigSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d bytes)", fileInfo.Size(), maxConfigSize)
	}

	if err := validateConfigPermissions(fileInfo); err != nil {
		return nil, fmt.Errorf("insecure config file permissions: %w", err)
	}

	data, err := os.ReadFile(path) //nolint:gosec // path and permissions are validated above
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := validateConfigContent(data); err != nil {
		return nil, fmt.Errorf("invalid config content: %w", err)
	}

	ext := filepath.Ext(path)
	switch ext {
	case ".json":
		if err := safeJSONUnmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		if err := safeYAMLUnmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config (assumed YAML): %w", err)
		}
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// Save saves configuration to a file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, DefaultFilePermissions); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

func validateConfigPath(path string) error {
	cleanPath := filepath.Clean(path)

	if filepath.IsAbs(cleanPath) {
		if filepath.Dir(cleanPath) != filepath.Dir(path) {
			return fmt.Errorf("path contains directory traversal")
		}
	} else if cleanPath != "" && cleanPath[0] == '.' && len(cleanPath) > 1 && cleanPath[1] == '.' {
		return fmt.Errorf("path contains directory traversal")
	}

	if len(path) > maxPathLength {
		return fmt.Errorf("path too long: %d characters (max %d)", len(path), maxPathLength)
	}

	for i, char := range path {
		if char == 0 {
			return fmt.Errorf("null byte in path at position %d", i)
		}
	}

	ext := filepath.Ext(cleanPath)
	allowedExtensions := map[string]bool{".yaml": true, ".yml": true, ".json": true, "": true}
	if !allowedExtensions[ext] {
		return fmt.Errorf("unsupported config file extension: %s", ext)
	}

	return nil
}

func validateConfigPermissions(fileInfo os.FileInfo) error {
	mode := fileInfo.Mode()

	if mode&0o044 != 0 {
		return fmt.Errorf("config file has insecure permissions %o: should not be world-readable", mode&permissionsMask)
	}
	if mode&0o020 != 0 {
		return fmt.Errorf("config file has insecure permissions %o: should not be group-writable", mode&permissionsMask)
	}

	return nil
}

func validateConfigContent(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("config file is empty")
	}
	if len(data) > maxContentSize {
		return fmt.Errorf("config content too large: %d bytes (max %d)", len(data), maxContentSize)
	}

	nullCount := 0
	for _, b := range data {
		if b == 0 {
			nullCount++
		}
	}
	if nullCount > 0 && float64(nullCount)/float64(len(data)) > 0.01 {
		return fmt.Errorf("config file appears to contain binary data")
	}

	return nil
}

func safeYAMLUnmarshal(data []byte, dest interface{}) error {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	if err := decoder.Decode(dest); err != nil {
		return fmt.Errorf("YAML decode error: %w", err)
	}
	return nil
}

func safeJSONUnmarshal(data []byte, dest interface{}) error {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()
	decoder.UseNumber()

	if err := decoder.Decode(dest); err != nil {
		return fmt.Errorf("JSON decode error: %w", err)
	}
	return nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.validateDatabase(); err != nil {
		return err
	}
	if err := c.validateScanning(); err != nil {
		return err
	}
	if err := c.validateAPI(); err != nil {
		return err
	}
	if err := c.validateTLS(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validateDatabase() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required (set NETSCAN_DB_HOST or configure in file)")
	}
	if c.Database.Database == "" {
		return fmt.Errorf("database name is required (set NETSCAN_DB_NAME or configure in file)")
	}
	if c.Database.Username == "" {
		return fmt.Errorf("database username is required (set NETSCAN_DB_USER or configure in file)")
	}
	return nil
}

func (c *Config) validateScanning() error {
	if c.Scanning.ScanParallelism < 1 || c.Scanning.ScanParallelism > 32 {
		return fmt.Errorf("scan_parallelism must be between 1 and 32")
	}
	if c.Scanning.RetentionDays < 1 || c.Scanning.RetentionDays > 365 {
		return fmt.Errorf("retention_days must be between 1 and 365")
	}
	if c.Scanning.DefaultScanTimeout <= 0 {
		return fmt.Errorf("default scan timeout must be positive")
	}
	return nil
}

func (c *Config) validateAPI() error {
	if !c.API.Enabled {
		return nil
	}

	if c.API.Port <= 0 || c.API.Port > 65535 {
		return fmt.Errorf("API port must be between 1 and 65535")
	}
	if c.API.Host == "" {
		return fmt.Errorf("API host address is required when API is enabled")
	}
	if c.API.ReadTimeout <= 0 || c.API.WriteTimeout <= 0 || c.API.IdleTimeout <= 0 {
		return fmt.Errorf("API timeouts must be positive")
	}
	if c.API.MaxHeaderBytes <= 0 {
		return fmt.Errorf("API max header bytes must be positive")
	}
	if c.API.AccessTokenMinutes <= 0 || c.API.RefreshTokenDays <= 0 {
		return fmt.Errorf("token lifetimes must be positive")
	}
	if c.API.SecretKey == "" {
		return fmt.Errorf("API secret key is required (set NETSCAN_SECRET_KEY)")
	}

	return nil
}

func (c *Config) validateTLS() error {
	if c.API.TLS.Enabled {
		if c.API.TLS.CertFile == "" {
			return fmt.Errorf("TLS certificate file is required when TLS is enabled")
		}
		if c.API.TLS.KeyFile == "" {
			return fmt.Errorf("TLS key file is required when TLS is enabled")
		}
	}
	return nil
}

func (c *Config) validateLogging() error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	validLogFormats := map[string]bool{"text": true, "json": true}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}
	return nil
}

// GetDatabaseConfig returns the database configuration.
func (c *Config) GetDatabaseConfig() db.Config {
	return c.Database
}

// IsDaemonMode returns true if running in daemon mode.
func (c *Config) IsDaemonMode() bool {
	return c.Daemon.Daemonize
}

// GetAPIAddress returns the full API listen address.
func (c *Config) GetAPIAddress() string {
	return fmt.Sprintf("%s:%d", c.API.Host, c.API.Port)
}

// IsAPIEnabled returns true if the API server is enabled.
func (c *Config) IsAPIEnabled() bool {
	return c.API.Enabled
}

// GetLogOutput returns the log output destination.
func (c *Config) GetLogOutput() string {
	return c.Logging.Output
}
