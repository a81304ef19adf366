package scanctl

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestCommandIntegration tests the integration of CLI commands with real execution paths
func TestCommandIntegration(t *testing.T) {
	// Save original state
	originalArgs := os.Args
	originalStdout := os.Stdout
	originalStderr := os.Stderr
	originalConfigFile := viper.ConfigFileUsed()

	defer func() {
		os.Args = originalArgs
		os.Stdout = originalStdout
		os.Stderr = originalStderr
		viper.Reset()
		if originalConfigFile != "" {
			viper.SetConfigFile(originalConfigFile)
		}
	}()

	t.Run("root_command_version", func(t *testing.T) {
		// Test version command execution
		cmd := &cobra.Command{
			Use: "test-version",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Print(getVersion())
			},
		}

		// Capture output
		r, w, _ := os.Pipe()
		os.Stdout = w

		// Execute command
		cmd.Run(cmd, []string{})
		w.Close()

		// Read output
		output, _ := io.ReadAll(r)
		os.Stdout = originalStdout

		// Verify version format
		version := string(output)
		assert.Contains(t, version, "dev") // Default version in tests
	})

	t.Run("root_command_config_path", func(t *testing.T) {
		// Reset viper
		viper.Reset()

		// Test default config path
		result := getConfigFilePath()
		assert.Equal(t, "config.yaml", result)

		// Test custom config path
		customPath := "/tmp/custom-config.yaml"
		viper.SetConfigFile(customPath)
		result = getConfigFilePath()
		assert.Equal(t, customPath, result)
	})
}

func TestAPICommandIntegration(t *testing.T) {
	// Save original state
	originalStdout := os.Stdout
	originalStderr := os.Stderr
	originalConfigFile := viper.ConfigFileUsed()

	defer func() {
		os.Stdout = originalStdout
		os.Stderr = originalStderr
		viper.Reset()
		if originalConfigFile != "" {
			viper.SetConfigFile(originalConfigFile)
		}
	}()

	t.Run("api_command_config_validation", func(t *testing.T) {
		// Create temporary directory for config
		tempDir, err := os.MkdirTemp("", "scanorama-api-test")
		require.NoError(t, err)
		defer os.RemoveAll(tempDir)

		// Create invalid config file
		invalidConfigPath := filepath.Join(tempDir, "invalid-config.yaml")
		invalidConfigContent := `
invalid_yaml_structure: [
  missing_closing_bracket
`
		err = os.WriteFile(invalidConfigPath, []byte(invalidConfigContent), 0644)
		require.NoError(t, err)

		// Test config loading with invalid config
		viper.Reset()
		viper.SetConfigFile(invalidConfigPath)

		// This should simulate what loadAndValidateConfig does
		err = viper.ReadInConfig()
		assert.Error(t, err) // Should fail with invalid YAML
	})

	t.Run("api_command_missing_config", func(t *testing.T) {
		// Test with non-existent config file
		viper.Reset()
		nonExistentPath := "/tmp/does-not-exist.yaml"
		viper.SetConfigFile(nonExistentPath)

		// This should simulate what loadAndValidateConfig does
		err := viper.ReadInConfig()
		assert.Error(t, err) // Should fail with file not found
	})

	t.Run("api_command_valid_config", func(t *testing.T) {
		// Create temporary directory for config
		tempDir, err := os.MkdirTemp("", "scanorama-api-valid-test")
		require.NoError(t, err)
		defer os.RemoveAll(tempDir)

		// Create valid config file
		validConfigPath := filepath.Join(tempDir, "valid-config.yaml")
		validConfigContent := `
database:
  host: "localhost"
  port: 5432
  database: "scanorama_test"
  username: "test_user"
  password: "test_pass"
  ssl_mode: "disable"
logging:
  level: "info"
  format: "text"
api:
  host: "localhost"
  port: 8080
`
		err = os.WriteFile(validConfigPath, []byte(validConfigContent), 0644)
		require.NoError(t, err)

		// Test config loading with valid config
		viper.Reset()
		viper.SetConfigFile(validConfigPath)

		err = viper.ReadInConfig()
		assert.NoError(t, err)

		// Verify config values are loaded correctly
		assert.Equal(t, "localhost", viper.GetString("database.host"))
		assert.Equal(t, 5432, viper.GetInt("database.port"))
		assert.Equal(t, "scanorama_test", viper.GetString("database.database"))
	})
}

func TestDaemonCommandIntegration(t *testing.T) {
	// Save original state
	originalStdout := os.Stdout
	originalStderr := os.Stderr
	originalConfigFile := viper.ConfigFileUsed()

	defer func() {
		os.Stdout = originalStdout
		os.Stderr = originalStderr
		viper.Reset()
		if originalConfigFile != "" {
			viper.SetConfigFile(originalConfigFile)
		}
	}()

	t.Run("daemon_status_no_pid_file", func(t *testing.T) {
		// Create temporary directory for PID file testing
		tempDir, err := os.MkdirTemp("", "scanorama-daemon-test")
		require.NoError(t, err)
		defer os.RemoveAll(tempDir)

		// Set a non-existent PID file path
		originalPidFile := daemonPidFile
		daemonPidFile = filepath.Join(tempDir, "non-existent.pid")
		defer func() { daemonPidFile = originalPidFile }()

		// Test that daemon is not running when PID file doesn't exist
		isRunning := isDaemonRunning()
		assert.False(t, isRunning)
	})

	t.Run("daemon_status_with_invalid_pid_file", func(t *testing.T) {
		// Create temporary directory for PID file testing
		tempDir, err := os.MkdirTemp("", "scanorama-daemon-invalid-test")
		require.NoError(t, err)
		defer os.RemoveAll(tempDir)

		// Create invalid PID file
		invalidPidPath := filepath.Join(tempDir, "invalid.pid")
		err = os.WriteFile(invalidPidPath, []byte("not-a-number"), 0644)
		require.NoError(t, err)

		// Set the PID file path
		originalPidFile := daemonPidFile
		daemonPidFile = invalidPidPath
		defer func() { daemonPidFile = originalPidFile }()

		// Test that daemon is not running with invalid PID
		isRunning := isDaemonRunning()
		assert.False(t, isRunning)
	})

	t.Run("daemon_status_with_stale_pid_file", func(t *testing.T) {
		// Create temporary directory for PID file testing
		tempDir, err := os.MkdirTemp("", "scanorama-daemon-stale-test")
		require.NoError(t, err)
		defer os.RemoveAll(tempDir)

		// Create PID file with non-existent process ID
		stalePidPath := filepath.Join(tempDir, "stale.pid")
		err = os.WriteFile(stalePidPath, []byte("99999"), 0644)
		require.NoError(t, err)

		// Set the PID file path
		originalPidFile := daemonPidFile
		daemonPidFile = stalePidPath
		defer func() { daemonPidFile = originalPidFile }()

		// Test that daemon is not running with stale PID
		isRunning := isDaemonRunning()
		assert.False(t, isRunning)
	})

	t.Run("daemon_config_loading", func(t *testing.T) {
		// Test that daemon commands use correct config path
		viper.Reset()

		// Test default path
		result := getConfigFilePath()
		assert.Equal(t, "config.yaml", result)

		// Test custom path
		customPath := "/etc/scanorama/daemon-config.yaml"
		viper.SetConfigFile(customPath)
		result = getConfigFilePath()
		assert.Equal(t, customPath, result)
	})
}

func TestConfigLoadingIntegration(t *testing.T) {
	// Save original state
	originalConfigFile := viper.ConfigFileUsed()
	defer func() {
		viper.Reset()
		if originalConfigFile != "" {
			viper.SetConfigFile(originalConfigFile)
		}
	}()

	t.Run("config_loading_error_handling", func(t *testing.T) {
		// Create temporary directory
		tempDir, err := os.MkdirTemp("", "scanorama-config-error-test")
		require.NoError(t, err)
		defer os.RemoveAll(tempDir)

		// Test various config error scenarios
		testCases := []struct {
			name          string
			configContent string
			shouldError   bool
			errorContains string
		}{
			{
				name: "valid_config",
				configContent: `
database:
  host: "localhost"
  port: 5432
logging:
  level: "info"
`,
				shouldError: false,
			},
			{
				name: "invalid_yaml_syntax",
				configContent: `
database:
  host: "localhost
  port: 5432  # Missing closing quote
`,
				shouldError:   true,
				errorContains: "yaml",
			},
			{
				name:          "empty_config",
				configContent: "",
				shouldError:   false, // Empty config should not error
			},
		}

		for _, tc := range testCases {
			t.Run(tc.name, func(t *testing.T) {
				viper.Reset()

				configPath := filepath.Join(tempDir, fmt.Sprintf("%s.yaml", tc.name))
				err := os.WriteFile(configPath, []byte(tc.configContent), 0644)
				require.NoError(t, err)

				viper.SetConfigFile(configPath)
				err = viper.ReadInConfig()

				if tc.shouldError {
					assert.Error(t, err)
					if tc.errorContains != "" {
						assert.Contains(t, strings.ToLower(err.Error()), tc.errorContains)
					}
				} else {
					assert.NoError(t, err)
				}
			})
		}
	})

	t.Run("config_file_path_edge_cases", func(t *testing.T) {
		testCases := []struct {
			name         string
			configPath   string
			expectedPath string
		}{
			{
				name:         "empty_path",
				configPath:   "",
				expectedPath: "config.yaml",
			},
			{
				name:         "whitespace_path",
				configPath:   "   ",
				expectedPath: "config.yaml",
			},
			{
				name:         "relative_path",
				configPath:   "configs/production.yaml",
				expectedPath: "configs/production.yaml",
			},
			{
				name:         "absolute_path",
				configPath:   "/etc/scanorama/config.yaml",
				expectedPath: "/etc/scanorama/config.yaml",
			},
		}

		for _, tc := range testCases {
			t.Run(tc.name, func(t *testing.T) {
				viper.Reset()
				viper.SetConfigFile(tc.configPath)

				result := getConfigFilePath()
				assert.Equal(t, tc.expectedPath, result)
			})
		}
	})
}

func TestDatabaseSetupIntegration(t *testing.T) {
	// Save original state
	originalConfigFile := viper.ConfigFileUsed()
	defer func() {
		viper.Reset()
		if originalConfigFile != "" {
			viper.SetConfigFile(originalConfigFile)
		}
	}()

	t.Run("database_config_loading", func(t *testing.T) {
		// Create temporary directory
		tempDir, err := os.MkdirTemp("", "scanorama-db-setup-test")
		require.NoError(t, err)
		defer os.RemoveAll(tempDir)

		// Create config with database settings
		configPath := filepath.Join(tempDir, "db-config.yaml")
		configContent := `
database:
  host: "test-db-host"
  port: 5433
  database: "test_scanorama"
  username: "test_user"
  password: "test_password"
  ssl_mode: "require"
  max_connections: 25
  connection_timeout: 30
logging:
  level: "debug"
`
		err = os.WriteFile(configPath, []byte(configContent), 0644)
		require.NoError(t, err)

		// Test config loading
		viper.Reset()
		viper.SetConfigFile(configPath)
		err = viper.ReadInConfig()
		assert.NoError(t, err)

		// Verify database config values
		assert.Equal(t, "test-db-host", viper.GetString("database.host"))
		assert.Equal(t, 5433, viper.GetInt("database.port"))
		assert.Equal(t, "test_scanorama", viper.GetString("database.database"))
		assert.Equal(t, "test_user", viper.GetString("database.username"))
		assert.Equal(t, "test_password", viper.GetString("database.password"))
		assert.Equal(t, "require", viper.GetString("database.ssl_mode"))
		assert.Equal(t, 25, viper.GetInt("database.max_connections"))
		assert.Equal(t, 30, viper.GetInt("database.connection_timeout"))
	})

	t.Run("database_config_defaults", func(t *testing.T) {
		// Create config without database section
		tempDir, err := os.MkdirTemp("", "scanorama-db-defaults-test")
		require.NoError(t, err)
		defer os.RemoveAll(tempDir)

		configPath := filepath.Join(tempDir, "minimal-config.yaml")
		configContent := `
logging:
  level: "info"
`
		err = os.WriteFile(configPath, []byte(configContent), 0644)
		require.NoError(t, err)

		viper.Reset()
		viper.SetConfigFile(configPath)
		err = viper.ReadInConfig()
		assert.NoError(t, err)

		// Test that default values are used when not specified
		assert.Equal(t, "", viper.GetString("database.host")) // Should be empty/default
		assert.Equal(t, 0, viper.GetInt("database.port"))     // Should be 0/default
	})
}

func TestCommandErrorHandling(t *testing.T) {
	// Save original state
	originalStderr := os.Stderr
	originalConfigFile := viper.ConfigFileUsed()

	defer func() {
		os.Stderr = originalStderr
		viper.Reset()
		if originalConfigFile != "" {
			viper.SetConfigFile(originalConfigFile)
		}
	}()

	t.Run("api_command_error_simulation", func(t *testing.T) {
		// Capture stderr
		r, w, _ := os.Pipe()
		os.Stderr = w

		// Simulate API command with invalid config
		viper.Reset()
		viper.SetConfigFile("/tmp/non-existent-config.yaml")

		// Try to read config (this simulates what runAPIServer does)
		err := viper.ReadInConfig()

		// Write error to stderr (simulating command behavior)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		}

		w.Close()
		output, _ := io.ReadAll(r)
		os.Stderr = originalStderr

		// Verify error output
		assert.Contains(t, string(output), "Error loading config")
		assert.Error(t, err)
	})

	t.Run("daemon_start_error_simulation", func(t *testing.T) {
		// Test daemon start with missing config
		tempDir, err := os.MkdirTemp("", "scanorama-daemon-error-test")
		require.NoError(t, err)
		defer os.RemoveAll(tempDir)

		// Set non-existent config
		viper.Reset()
		missingConfigPath := filepath.Join(tempDir, "missing.yaml")
		viper.SetConfigFile(missingConfigPath)

		// Try to read config (simulates daemon start process)
		err = viper.ReadInConfig()
		assert.Error(t, err) // Should fail

		// Verify the config path is correctly set
		assert.Equal(t, missingConfigPath, getConfigFilePath())
	})
}

func TestCommandFlagIntegration(t *testing.T) {
	// Save original state
	originalConfigFile := viper.ConfigFileUsed()

	defer func() {
		viper.Reset()
		if originalConfigFile != "" {
			viper.SetConfigFile(originalConfigFile)
		}
	}()

	t.Run("config_flag_integration", func(t *testing.T) {
		// Create temporary config files
		tempDir, err := os.MkdirTemp("", "scanorama-flag-test")
		require.NoError(t, err)
		defer os.RemoveAll(tempDir)

		flagConfigPath := filepath.Join(tempDir, "flag-config.yaml")
		flagConfigContent := `
database:
  host: "flag-config-host"
  port: 5434
logging:
  level: "warn"
`
		err = os.WriteFile(flagConfigPath, []byte(flagConfigContent), 0644)
		require.NoError(t, err)

		// Simulate --config flag usage
		viper.Reset()
		viper.SetConfigFile(flagConfigPath)

		// Verify config path is set correctly
		assert.Equal(t, flagConfigPath, getConfigFilePath())

		// Verify config can be loaded
		err = viper.ReadInConfig()
		assert.NoError(t, err)
		assert.Equal(t, "flag-config-host", viper.GetString("database.host"))
		assert.Equal(t, 5434, viper.GetInt("database.port"))
	})

	t.Run("verbose_flag_simulation", func(t *testing.T) {
		// Test verbose flag behavior
		// In a real scenario, this would affect logging level
		verbose := true
		assert.True(t, verbose) // Simulate verbose flag being set

		// Test that verbose flag affects behavior
		if verbose {
			// In real implementation, this would set log level to debug
			expectedLogLevel := "debug"
			assert.Equal(t, "debug", expectedLogLevel)
		}
	})
}

func TestCommandTimeoutHandling(t *testing.T) {
	t.Run("context_timeout_simulation", func(t *testing.T) {
		// Test timeout handling in commands
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()

		// Simulate a long-running operation
		select {
		case <-time.After(200 * time.Millisecond):
			t.Error("Operation should have timed out")
		case <-ctx.Done():
			assert.Error(t, ctx.Err())
			assert.Contains(t, ctx.Err().Error(), "deadline exceeded")
		}
	})

	t.Run("graceful_shutdown_simulation", func(t *testing.T) {
		// Test graceful shutdown behavior
		shutdownTimeout := 5 * time.Second
		assert.Equal(t, 5*time.Second, shutdownTimeout)

		// Simulate shutdown context
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// Simulate quick shutdown
		shutdownComplete := make(chan bool, 1)
		go func() {
			time.Sleep(10 * time.Millisecond) // Quick shutdown
			shutdownComplete <- true
		}()

		select {
		case <-shutdownComplete:
			// Shutdown completed successfully
			assert.True(t, true)
		case <-ctx.Done():
			t.Error("Shutdown should have completed before timeout")
		}
	})
}

// BenchmarkCommandIntegration provides performance benchmarks for command operations
func BenchmarkCommandIntegration(b *testing.B) {
	// Save original state
	originalConfigFile := viper.ConfigFileUsed()
	defer func() {
		if originalConfigFile != "" {
			viper.SetConfigFile(originalConfigFile)
		} else {
			viper.Reset()
		}
	}()

	b.Run("config_path_retrieval", func(b *testing.B) {
		viper.Reset()
		viper.SetConfigFile("/etc/scanorama/config.yaml")
		b.ResetTimer()

		for i := 0; i < b.N; i++ {
			_ = getConfigFilePath()
		}
	})

	b.Run("version_string_generation", func(b *testing.B) {
		b.ResetTimer()

		for i := 0; i < b.N; i++ {
			_ = getVersion()
		}
	})

	b.Run("config_loading", func(b *testing.B) {
		// Create temporary config
		tempDir, err := os.MkdirTemp("", "scanorama-bench")
		if err != nil {
			b.Fatal(err)
		}
		defer os.RemoveAll(tempDir)

		configPath := filepath.Join(tempDir, "bench-config.yaml")
		configContent := `
database:
  host: "localhost"
  port: 5432
logging:
  level: "info"
`
		err = os.WriteFile(configPath, []byte(configContent), 0644)
		if err != nil {
			b.Fatal(err)
		}

		b.ResetTimer()

		for i := 0; i < b.N; i++ {
			viper.Reset()
			viper.SetConfigFile(configPath)
			_ = viper.ReadInConfig()
		}
	})
}
