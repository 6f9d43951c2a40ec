package commands

import (
	"github.com/fivetwenty-io/fhir-client/internal/constants"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// buildVersion is reported in the User-Agent header.
var buildVersion = "dev"

// SetBuildVersion records the version the binary was built as.
func SetBuildVersion(version string) {
	buildVersion = version
}

// NewVersionCommand creates the version command.
func NewVersionCommand(version, commit, date string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Display version information",
		Long:  "Display detailed version information about fhirctl",
		RunE: func(cmd *cobra.Command, args []string) error {
			type VersionInfo struct {
				Version string `json:"version" yaml:"version"`
				Commit  string `json:"commit"  yaml:"commit"`
				Built   string `json:"built"   yaml:"built"`
			}

			versionInfo := VersionInfo{
				Version: version,
				Commit:  commit,
				Built:   date,
			}

			switch viper.GetString("output") {
			case constants.FormatJSON:
				return writeJSON(cmd.OutOrStdout(), versionInfo)
			case constants.FormatYAML:
				return writeYAML(cmd.OutOrStdout(), versionInfo)
			default:
				return renderTable(cmd.OutOrStdout(), []string{"Property", "Value"}, [][]string{
					{"Version", version},
					{"Commit", commit},
					{"Built", date},
				})
			}
		},
	}
}
