//go:build integration

package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestConfig holds configuration for integration tests
type TestConfig struct {
	ServerURL    string
	FHIRVersion  string
	ClientID     string
	ClientSecret string
	TokenURL     string
	FhirctlPath  string
	Verbose      bool
}

// LoadTestConfig loads configuration from environment variables
func LoadTestConfig() *TestConfig {
	return &TestConfig{
		ServerURL:    os.Getenv("FHIR_SERVER_URL"),
		FHIRVersion:  os.Getenv("FHIR_VERSION"),
		ClientID:     os.Getenv("FHIR_CLIENT_ID"),
		ClientSecret: os.Getenv("FHIR_CLIENT_SECRET"),
		TokenURL:     os.Getenv("FHIR_TOKEN_URL"),
		FhirctlPath:  getFhirctlPath(),
		Verbose:      os.Getenv("FHIRCTL_VERBOSE") == "true",
	}
}

// getFhirctlPath determines the path to the fhirctl binary
func getFhirctlPath() string {
	if path := os.Getenv("FHIRCTL_BINARY_PATH"); path != "" {
		return path
	}

	candidates := []string{
		"../../fhirctl",
		"./fhirctl",
		"../fhirctl",
	}

	for _, candidate := range candidates {
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}

	return "fhirctl"
}

// SkipIfMissingConfig skips test if required config is missing
func (config *TestConfig) SkipIfMissingConfig(t *testing.T) {
	t.Helper()

	if config.ServerURL == "" {
		t.Skip("FHIR_SERVER_URL not set, skipping integration test")
	}

	if _, err := exec.LookPath(config.FhirctlPath); err != nil {
		t.Skipf("fhirctl binary not found at %s, skipping integration test", config.FhirctlPath)
	}
}

// HasCredentials reports whether OAuth2 client credentials were provided
func (config *TestConfig) HasCredentials() bool {
	return config.ClientID != "" && config.ClientSecret != ""
}

// CommandRunner runs fhirctl against its own config file
type CommandRunner struct {
	config     *TestConfig
	configFile string
	t          *testing.T
}

// NewCommandRunner creates a runner with an empty config file in a temp dir
func NewCommandRunner(config *TestConfig, t *testing.T) *CommandRunner {
	t.Helper()

	configFile := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(configFile, []byte("{}\n"), 0o600))

	return &CommandRunner{
		config:     config,
		configFile: configFile,
		t:          t,
	}
}

// Run executes a fhirctl command and returns output
func (runner *CommandRunner) Run(args ...string) (stdout, stderr string, err error) {
	return runner.RunWithInput("", args...)
}

// RunWithInput executes a fhirctl command with stdin input
func (runner *CommandRunner) RunWithInput(input string, args ...string) (stdout, stderr string, err error) {
	args = append([]string{"--config", runner.configFile}, args...)

	cmd := exec.Command(runner.config.FhirctlPath, args...) // #nosec G204 -- test binary from the environment

	var stdoutBuf, stderrBuf bytes.Buffer

	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf
	cmd.Stdin = strings.NewReader(input)

	if runner.config.Verbose {
		runner.t.Logf("Running: %s %s", runner.config.FhirctlPath, strings.Join(args, " "))
	}

	err = cmd.Run()
	stdout = stdoutBuf.String()
	stderr = stderrBuf.String()

	if runner.config.Verbose && err != nil {
		runner.t.Logf("Command failed: %v\nStdout: %s\nStderr: %s", err, stdout, stderr)
	}

	return stdout, stderr, err
}

// SetupServer points the config file at the test server
func (runner *CommandRunner) SetupServer() error {
	_, stderr, err := runner.Run("config", "set", "server", runner.config.ServerURL)
	if err != nil {
		return fmt.Errorf("failed to set server: %s", stderr)
	}

	if runner.config.FHIRVersion != "" {
		_, stderr, err = runner.Run("config", "set", "fhir_version", runner.config.FHIRVersion)
		if err != nil {
			return fmt.Errorf("failed to set FHIR version: %s", stderr)
		}
	}

	return nil
}

// Login obtains a token with client credentials when they are configured
func (runner *CommandRunner) Login() error {
	if !runner.config.HasCredentials() {
		return nil
	}

	args := []string{"login", "--client-id", runner.config.ClientID, "--client-secret", runner.config.ClientSecret}
	if runner.config.TokenURL != "" {
		args = append(args, "--token-url", runner.config.TokenURL)
	}

	_, stderr, err := runner.Run(args...)
	if err != nil {
		return fmt.Errorf("failed to log in: %s", stderr)
	}

	return nil
}

// WriteFile writes a temp file for -f style arguments
func (runner *CommandRunner) WriteFile(name, content string) string {
	path := filepath.Join(runner.t.TempDir(), name)
	require.NoError(runner.t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

// CleanupResource attempts to delete a test resource
func (runner *CommandRunner) CleanupResource(resourceType, id string) {
	stdout, stderr, err := runner.Run("delete", resourceType, id)
	if err != nil && runner.config.Verbose {
		runner.t.Logf("Cleanup warning for %s/%s: %s\nStderr: %s", resourceType, id, stdout, stderr)
	}
}

// GenerateTestName creates a unique test value
func GenerateTestName(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}

// DecodeJSON decodes command output produced with --output json
func DecodeJSON[T any](t *testing.T, output string) T {
	t.Helper()

	var value T

	require.NoError(t, json.Unmarshal([]byte(output), &value), "invalid JSON output: %s", output)

	return value
}

func mustJSON(t *testing.T, value any) []byte {
	t.Helper()

	data, err := json.Marshal(value)
	require.NoError(t, err)

	return data
}
