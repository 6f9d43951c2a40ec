package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fivetwenty-io/fhir-client/internal/auth"
	"github.com/fivetwenty-io/fhir-client/internal/constants"
	"github.com/fivetwenty-io/fhir-client/pkg/fhir"
	"github.com/fivetwenty-io/fhir-client/pkg/fhirclient"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	configDirName  = ".fhirctl"
	configFileName = "config.yml"
)

// Config represents the CLI configuration.
type Config struct {
	Server        string   `json:"server,omitempty"        yaml:"server,omitempty"`
	FHIRVersion   string   `json:"fhir_version,omitempty"  yaml:"fhir_version,omitempty"`
	Output        string   `json:"output,omitempty"        yaml:"output,omitempty"`
	SkipTLSVerify bool     `json:"skip_tls_verify"         yaml:"skip_tls_verify"`
	TokenURL      string   `json:"token_url,omitempty"     yaml:"token_url,omitempty"`
	ClientID      string   `json:"client_id,omitempty"     yaml:"client_id,omitempty"`
	ClientSecret  string   `json:"client_secret,omitempty" yaml:"client_secret,omitempty"`
	Username      string   `json:"username,omitempty"      yaml:"username,omitempty"`
	Scopes        []string `json:"scopes,omitempty"        yaml:"scopes,omitempty"`

	// Written by login and by token refreshes.
	Token          string     `json:"token,omitempty"            yaml:"token,omitempty"`
	RefreshToken   string     `json:"refresh_token,omitempty"    yaml:"refresh_token,omitempty"`
	TokenExpiresAt *time.Time `json:"token_expires_at,omitempty" yaml:"token_expires_at,omitempty"`
	LastRefreshed  *time.Time `json:"last_refreshed,omitempty"   yaml:"last_refreshed,omitempty"`
}

// configSetters maps the keys accepted by 'config set' to their setters.
var configSetters = map[string]func(*Config, string) error{
	"server": func(c *Config, value string) error {
		if c.Server != value {
			c.clearToken()
		}

		c.Server = strings.TrimSuffix(value, "/")

		return nil
	},
	"fhir_version": func(c *Config, value string) error {
		version, err := fhir.ParseVersion(value)
		if err != nil {
			return err
		}

		c.FHIRVersion = version.Name

		return nil
	},
	"output": func(c *Config, value string) error {
		err := validateOutputFormat(value)
		if err != nil {
			return err
		}

		c.Output = value

		return nil
	},
	"skip_tls_verify": func(c *Config, value string) error {
		skip, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid value for skip_tls_verify: %w", err)
		}

		c.SkipTLSVerify = skip

		return nil
	},
	"token_url": func(c *Config, value string) error {
		c.TokenURL = value

		return nil
	},
	"client_id": func(c *Config, value string) error {
		c.ClientID = value

		return nil
	},
	"client_secret": func(c *Config, value string) error {
		c.ClientSecret = value

		return nil
	},
	"username": func(c *Config, value string) error {
		c.Username = value

		return nil
	},
	"scopes": func(c *Config, value string) error {
		c.Scopes = splitList(value)

		return nil
	},
}

var tokenKeys = map[string]bool{
	"token":            true,
	"refresh_token":    true,
	"token_expires_at": true,
	"last_refreshed":   true,
}

// NewConfigCommand creates the config command group.
func NewConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage CLI configuration",
		Long:  "Manage fhirctl configuration including the FHIR server and OAuth2 client settings",
	}

	cmd.AddCommand(newConfigShowCommand())
	cmd.AddCommand(newConfigSetCommand())
	cmd.AddCommand(newConfigUnsetCommand())

	return cmd
}

func newConfigShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		Long:  "Display the current CLI configuration with secrets masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			config := loadConfig().masked()

			switch viper.GetString("output") {
			case constants.FormatJSON:
				return writeJSON(cmd.OutOrStdout(), config)
			case constants.FormatYAML:
				return writeYAML(cmd.OutOrStdout(), config)
			default:
				return displayConfigTable(cmd, config)
			}
		},
	}
}

func newConfigSetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "set KEY VALUE",
		Short: "Set a configuration value",
		Long: `Set a configuration value.

Keys: server, fhir_version, output, skip_tls_verify, token_url, client_id,
client_secret, username, scopes (comma separated).`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, value := args[0], args[1]

			config := loadConfig()

			err := config.set(key, value)
			if err != nil {
				return err
			}

			err = saveConfigStruct(config)
			if err != nil {
				return err
			}

			if isSecretKey(key) {
				value = constants.MaskedSecret
			}

			return outputConfigUpdateResult(cmd, "Set", key, value)
		},
	}
}

func newConfigUnsetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "unset KEY",
		Short: "Unset a configuration value",
		Long:  "Remove a configuration value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]

			config := loadConfig()

			err := config.unset(key)
			if err != nil {
				return err
			}

			err = saveConfigStruct(config)
			if err != nil {
				return err
			}

			return outputConfigUpdateResult(cmd, "Unset", key, "")
		},
	}
}

func (c *Config) set(key, value string) error {
	if tokenKeys[key] {
		return constants.ErrTokenFieldsReadOnly
	}

	setter, ok := configSetters[key]
	if !ok {
		return fmt.Errorf("%w: %s", constants.ErrUnknownConfigKey, key)
	}

	return setter(c, value)
}

func (c *Config) unset(key string) error {
	if tokenKeys[key] {
		c.clearToken()

		return nil
	}

	if _, ok := configSetters[key]; !ok {
		return fmt.Errorf("%w: %s", constants.ErrUnknownConfigKey, key)
	}

	switch key {
	case "server":
		c.Server = ""
		c.clearToken()
	case "fhir_version":
		c.FHIRVersion = ""
	case "output":
		c.Output = ""
	case "skip_tls_verify":
		c.SkipTLSVerify = false
	case "token_url":
		c.TokenURL = ""
	case "client_id":
		c.ClientID = ""
	case "client_secret":
		c.ClientSecret = ""
	case "username":
		c.Username = ""
	case "scopes":
		c.Scopes = nil
	}

	return nil
}

func (c *Config) clearToken() {
	c.Token = ""
	c.RefreshToken = ""
	c.TokenExpiresAt = nil
	c.LastRefreshed = nil
}

// masked returns a copy safe to print.
func (c *Config) masked() *Config {
	clone := *c

	if clone.ClientSecret != "" {
		clone.ClientSecret = constants.MaskedSecret
	}

	if clone.Token != "" {
		clone.Token = constants.MaskedSecret
	}

	if clone.RefreshToken != "" {
		clone.RefreshToken = constants.MaskedSecret
	}

	return &clone
}

func isSecretKey(key string) bool {
	return key == "client_secret"
}

func loadConfig() *Config {
	config := &Config{
		Server:        strings.TrimSuffix(viper.GetString("server"), "/"),
		FHIRVersion:   viper.GetString("fhir_version"),
		Output:        viper.GetString("output"),
		SkipTLSVerify: viper.GetBool("skip_tls_verify"),
		TokenURL:      viper.GetString("token_url"),
		ClientID:      viper.GetString("client_id"),
		ClientSecret:  viper.GetString("client_secret"),
		Username:      viper.GetString("username"),
		Scopes:        viper.GetStringSlice("scopes"),
		Token:         viper.GetString("token"),
		RefreshToken:  viper.GetString("refresh_token"),
	}

	if expiresAt := viper.GetTime("token_expires_at"); !expiresAt.IsZero() {
		config.TokenExpiresAt = &expiresAt
	}

	if refreshed := viper.GetTime("last_refreshed"); !refreshed.IsZero() {
		config.LastRefreshed = &refreshed
	}

	return config
}

// configFilePath returns the file used by viper, or ~/.fhirctl/config.yml.
func configFilePath() (string, error) {
	configFile := viper.ConfigFileUsed()
	if configFile != "" {
		return configFile, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}

	return filepath.Join(home, configDirName, configFileName), nil
}

func saveConfigStruct(config *Config) error {
	configFile, err := configFilePath()
	if err != nil {
		return err
	}

	err = os.MkdirAll(filepath.Dir(configFile), constants.ConfigDirPerm)
	if err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}

	err = os.WriteFile(configFile, data, constants.ConfigFilePerm)
	if err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	viper.SetConfigFile(configFile)

	err = viper.ReadInConfig()
	if err != nil {
		return fmt.Errorf("failed to reload config file: %w", err)
	}

	return nil
}

// CreateClient creates a FHIR client for the configured server. Saved OAuth2
// settings install a token manager that refreshes and persists tokens.
func CreateClient(ctx context.Context) (fhir.Client, error) {
	config := loadConfig()
	if config.Server == "" {
		return nil, constants.ErrNoServerConfigured
	}

	version, err := fhir.ParseVersion(config.FHIRVersion)
	if err != nil {
		return nil, err
	}

	logger := newLogger()

	fhirConfig := &fhir.Config{
		BaseURL:       config.Server,
		Version:       version,
		AccessToken:   config.Token,
		SkipTLSVerify: config.SkipTLSVerify,
		Logger:        logger,
		Debug:         viper.GetBool("verbose"),
		UserAgent:     "fhirctl/" + buildVersion,
	}

	if tokenManager := createTokenManager(config); tokenManager != nil {
		tokenManager.SetLogger(logger)
		fhirConfig.AuthCallback = tokenManager
	}

	client, err := fhirclient.New(ctx, fhirConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create FHIR client: %w", err)
	}

	return client, nil
}

func createTokenManager(config *Config) *auth.ConfigTokenManager {
	if config.TokenURL == "" || !hasGrant(config) {
		return nil
	}

	var initialExpiry time.Time
	if config.TokenExpiresAt != nil {
		initialExpiry = *config.TokenExpiresAt
	}

	oauth2Config := &auth.OAuth2Config{
		TokenURL:     config.TokenURL,
		ClientID:     config.ClientID,
		ClientSecret: config.ClientSecret,
		RefreshToken: config.RefreshToken,
		AccessToken:  config.Token,
		Scopes:       config.Scopes,
	}

	return auth.NewConfigTokenManager(oauth2Config, NewConfigPersister(), config.Server, initialExpiry)
}

// hasGrant reports whether a new token can be obtained without prompting.
func hasGrant(config *Config) bool {
	return config.RefreshToken != "" || (config.ClientID != "" && config.ClientSecret != "")
}

func newLogger() fhir.Logger {
	level := "warn"
	if viper.GetBool("verbose") {
		level = "debug"
	}

	return fhir.NewDefaultLogger("fhirctl", level)
}

func splitList(value string) []string {
	var items []string

	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}

	return items
}

func displayConfigTable(cmd *cobra.Command, config *Config) error {
	rows := [][]string{
		{"Server", formatConfigValue(config.Server)},
		{"FHIR Version", formatConfigValue(config.FHIRVersion)},
		{"Output", formatConfigValue(config.Output)},
		{"Skip TLS Verify", strconv.FormatBool(config.SkipTLSVerify)},
		{"Token URL", formatConfigValue(config.TokenURL)},
		{"Client ID", formatConfigValue(config.ClientID)},
		{"Client Secret", formatConfigValue(config.ClientSecret)},
		{"Username", formatConfigValue(config.Username)},
		{"Scopes", formatConfigValue(strings.Join(config.Scopes, " "))},
		{"Token", formatConfigValue(config.Token)},
	}

	if config.TokenExpiresAt != nil {
		rows = append(rows, []string{"Token Expires At", config.TokenExpiresAt.Format(time.RFC3339)})
	}

	if config.LastRefreshed != nil {
		rows = append(rows, []string{"Last Refreshed", config.LastRefreshed.Format(time.RFC3339)})
	}

	return renderTable(cmd.OutOrStdout(), []string{"Property", "Value"}, rows)
}

func formatConfigValue(value string) string {
	if value == "" {
		return constants.NotAvailable
	}

	return value
}

func outputConfigUpdateResult(cmd *cobra.Command, action, key, value string) error {
	result := map[string]string{
		"action": action,
		"key":    key,
	}

	if value != "" {
		result["value"] = value
	}

	switch viper.GetString("output") {
	case constants.FormatJSON:
		return writeJSON(cmd.OutOrStdout(), result)
	case constants.FormatYAML:
		return writeYAML(cmd.OutOrStdout(), result)
	default:
		rows := [][]string{{"Action", action}, {"Key", key}}
		if value != "" {
			rows = append(rows, []string{"Value", value})
		}

		return renderTable(cmd.OutOrStdout(), []string{"Property", "Value"}, rows)
	}
}
