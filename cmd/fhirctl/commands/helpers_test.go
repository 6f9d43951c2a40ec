package commands

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

// setupConfig points viper at a fresh config file holding config. Tests using
// it share viper's global state and must not run in parallel.
func setupConfig(t *testing.T, config *Config) string {
	t.Helper()

	viper.Reset()
	t.Cleanup(viper.Reset)

	path := filepath.Join(t.TempDir(), configFileName)

	data, err := yaml.Marshal(config)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	viper.SetConfigFile(path)
	require.NoError(t, viper.ReadInConfig())

	return path
}

func readConfigFile(t *testing.T, path string) *Config {
	t.Helper()

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var config Config

	require.NoError(t, yaml.Unmarshal(data, &config))

	return &config
}

func execute(cmd *cobra.Command, args ...string) (string, error) {
	var out bytes.Buffer

	cmd.SetArgs(args)
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SilenceUsage = true

	err := cmd.ExecuteContext(context.Background())

	return out.String(), err
}

// findSubcommand finds a subcommand by name within a cobra command.
func findSubcommand(cmd *cobra.Command, name string) *cobra.Command {
	for _, c := range cmd.Commands() {
		if c.Name() == name {
			return c
		}
	}

	return nil
}
