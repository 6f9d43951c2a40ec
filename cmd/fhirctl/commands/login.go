package commands

import (
	"bufio"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/fivetwenty-io/fhir-client/internal/auth"
	"github.com/fivetwenty-io/fhir-client/internal/constants"
	"github.com/fivetwenty-io/fhir-client/pkg/fhirclient"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

type loginOptions struct {
	server       string
	clientID     string
	clientSecret string
	username     string
	password     string
	tokenURL     string
	scopes       []string
}

// NewLoginCommand creates the login command.
func NewLoginCommand() *cobra.Command {
	opts := &loginOptions{}

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Obtain an access token",
		Long: `Obtain an access token from the server's OAuth2 token endpoint.

With --username the password grant is used and the password is prompted for
when not given. Otherwise the client credentials grant is used. The token
endpoint is read from the server's SMART configuration unless --token-url is
given. The token and the settings used to obtain it are saved to the config
file so that later commands can refresh it.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLogin(cmd, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.server, "server", "s", "", "FHIR base URL (defaults to the configured server)")
	cmd.Flags().StringVar(&opts.clientID, "client-id", "", "OAuth2 client ID")
	cmd.Flags().StringVar(&opts.clientSecret, "client-secret", "", "OAuth2 client secret")
	cmd.Flags().StringVarP(&opts.username, "username", "u", "", "username for the password grant")
	cmd.Flags().StringVarP(&opts.password, "password", "p", "", "password for the password grant")
	cmd.Flags().StringVar(&opts.tokenURL, "token-url", "", "OAuth2 token endpoint")
	cmd.Flags().StringSliceVar(&opts.scopes, "scope", nil, "OAuth2 scopes to request")

	return cmd
}

// NewLogoutCommand creates the logout command.
func NewLogoutCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove the saved access token",
		Long:  "Remove the saved access and refresh tokens from the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			config := loadConfig()
			if config.Token == "" && config.RefreshToken == "" {
				return constants.ErrNotLoggedIn
			}

			config.clearToken()

			err := saveConfigStruct(config)
			if err != nil {
				return err
			}

			outputMessage(cmd, "Logged out from %s", formatConfigValue(config.Server))

			return nil
		},
	}
}

func runLogin(cmd *cobra.Command, opts *loginOptions) error {
	config := loadConfig()
	opts.merge(config)

	if opts.server == "" {
		return constants.ErrNoServerConfigured
	}

	if opts.clientID == "" {
		return constants.ErrNoClientID
	}

	ctx := cmd.Context()

	if opts.tokenURL == "" {
		httpClient := &http.Client{Timeout: constants.ShortHTTPTimeout}

		smart, err := fhirclient.DiscoverSMARTConfiguration(ctx, httpClient, opts.server)
		if err != nil {
			return fmt.Errorf("failed to discover token endpoint: %w", err)
		}

		opts.tokenURL = smart.TokenEndpoint
	}

	if opts.username != "" && opts.password == "" {
		password, err := promptPassword(cmd)
		if err != nil {
			return err
		}

		opts.password = password
	}

	config.Server = opts.server
	config.ClientID = opts.clientID
	config.ClientSecret = opts.clientSecret
	config.Username = opts.username
	config.TokenURL = opts.tokenURL
	config.Scopes = opts.scopes
	config.clearToken()

	err := saveConfigStruct(config)
	if err != nil {
		return err
	}

	tokenManager := auth.NewConfigTokenManager(&auth.OAuth2Config{
		TokenURL:     opts.tokenURL,
		ClientID:     opts.clientID,
		ClientSecret: opts.clientSecret,
		Username:     opts.username,
		Password:     opts.password,
		Scopes:       opts.scopes,
	}, NewConfigPersister(), opts.server, time.Time{})
	tokenManager.SetLogger(newLogger())

	_, err = tokenManager.GetToken(ctx)
	if err != nil {
		return fmt.Errorf("login failed: %w", err)
	}

	grant := "client_credentials"
	if opts.username != "" {
		grant = "password"
	}

	expiresAt := constants.NotAvailable
	if expiry := tokenManager.GetTokenExpiry(); !expiry.IsZero() {
		expiresAt = expiry.Format(time.RFC3339)
	}

	return renderTable(cmd.OutOrStdout(), []string{"Property", "Value"}, [][]string{
		{"Server", opts.server},
		{"Client ID", opts.clientID},
		{"Grant", grant},
		{"Token URL", opts.tokenURL},
		{"Token Expires At", expiresAt},
	})
}

// merge fills unset options from the saved configuration.
func (o *loginOptions) merge(config *Config) {
	o.server = strings.TrimSuffix(o.server, "/")

	if o.server == "" {
		o.server = config.Server
	}

	sameServer := o.server == config.Server

	if o.clientID == "" {
		o.clientID = config.ClientID
	}

	if o.clientSecret == "" && o.clientID == config.ClientID {
		o.clientSecret = config.ClientSecret
	}

	if o.username == "" {
		o.username = config.Username
	}

	if o.tokenURL == "" && sameServer {
		o.tokenURL = config.TokenURL
	}

	if len(o.scopes) == 0 {
		o.scopes = config.Scopes
	}
}

func promptPassword(cmd *cobra.Command) (string, error) {
	_, _ = fmt.Fprint(cmd.ErrOrStderr(), "Password: ")

	fd := int(os.Stdin.Fd()) // #nosec G115 -- file descriptors fit in int
	if !term.IsTerminal(fd) {
		line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if err != nil && line == "" {
			return "", fmt.Errorf("failed to read password: %w", err)
		}

		return strings.TrimRight(line, "\r\n"), nil
	}

	password, err := term.ReadPassword(fd)

	_, _ = fmt.Fprintln(cmd.ErrOrStderr())

	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}

	return string(password), nil
}
