package commands

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/fivetwenty-io/fhir-client/internal/constants"
	"github.com/fivetwenty-io/fhir-client/pkg/fhir"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// NewCapabilitiesCommand creates the capabilities command.
func NewCapabilitiesCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "capabilities",
		Aliases: []string{"metadata"},
		Short:   "Show the server's CapabilityStatement",
		Long:    "Fetch the CapabilityStatement of the configured server",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := CreateClient(cmd.Context())
			if err != nil {
				return err
			}

			res, err := client.Capabilities(cmd.Context())
			if err != nil {
				return err
			}

			format, err := outputFormat()
			if err != nil {
				return err
			}

			if format != constants.FormatTable {
				return outputResource(cmd, res)
			}

			raw, err := asRaw(res)
			if err != nil {
				return err
			}

			return renderTable(cmd.OutOrStdout(), []string{"Property", "Value"}, capabilityRows(raw))
		},
	}
}

func capabilityRows(raw fhir.RawResource) [][]string {
	software := constants.NotAvailable

	if value, ok := raw["software"].(map[string]any); ok {
		name, _ := value["name"].(string)
		version, _ := value["version"].(string)
		software = strings.TrimSpace(name + " " + version)
	}

	fhirVersion, _ := raw["fhirVersion"].(string)
	status, _ := raw["status"].(string)

	formats := make([]string, 0)

	if values, ok := raw["format"].([]any); ok {
		for _, value := range values {
			if format, ok := value.(string); ok {
				formats = append(formats, format)
			}
		}
	}

	resourceTypes := 0

	if rests, ok := raw["rest"].([]any); ok {
		for _, rest := range rests {
			if restMap, ok := rest.(map[string]any); ok {
				if resources, ok := restMap["resource"].([]any); ok {
					resourceTypes += len(resources)
				}
			}
		}
	}

	return [][]string{
		{"FHIR Version", formatConfigValue(fhirVersion)},
		{"Software", formatConfigValue(software)},
		{"Status", formatConfigValue(status)},
		{"Formats", formatConfigValue(strings.Join(formats, ", "))},
		{"Resource Types", strconv.Itoa(resourceTypes)},
	}
}

// NewReadCommand creates the read command.
func NewReadCommand() *cobra.Command {
	var versionID string

	cmd := &cobra.Command{
		Use:   "read TYPE ID",
		Short: "Read a resource",
		Long:  "Read the current version of a resource, or a given version with --version",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := CreateClient(cmd.Context())
			if err != nil {
				return err
			}

			var res fhir.Resource

			if versionID != "" {
				res, err = client.ReadVersion(cmd.Context(), args[0], args[1], versionID)
			} else {
				res, err = client.Read(cmd.Context(), args[0], args[1])
			}

			if err != nil {
				return err
			}

			return outputResource(cmd, res)
		},
	}

	cmd.Flags().StringVar(&versionID, "version", "", "read this version of the resource")

	return cmd
}

// NewCreateCommand creates the create command.
func NewCreateCommand() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a resource",
		Long:  "Create a resource from a JSON or YAML file ('-' reads standard input)",
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := readResourceFile(cmd, file)
			if err != nil {
				return err
			}

			client, err := CreateClient(cmd.Context())
			if err != nil {
				return err
			}

			result, err := client.Create(cmd.Context(), res)
			if err != nil {
				return err
			}

			return outputWriteResult(cmd, res.ResourceType(), result)
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "resource file")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

// NewUpdateCommand creates the update command.
func NewUpdateCommand() *cobra.Command {
	var (
		file        string
		conditional bool
	)

	cmd := &cobra.Command{
		Use:   "update",
		Short: "Update a resource",
		Long: `Update a resource from a JSON or YAML file ('-' reads standard input).

With --if-match the update only succeeds if meta.versionId of the file is
still the current version on the server.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := readResourceFile(cmd, file)
			if err != nil {
				return err
			}

			client, err := CreateClient(cmd.Context())
			if err != nil {
				return err
			}

			result, err := client.Update(cmd.Context(), res, conditional)
			if err != nil {
				return err
			}

			return outputWriteResult(cmd, res.ResourceType(), result)
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "resource file")
	cmd.Flags().BoolVar(&conditional, "if-match", false, "only update the version in the file")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

// NewPatchCommand creates the patch command.
func NewPatchCommand() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "patch TYPE ID",
		Short: "Patch a resource",
		Long:  "Apply a JSON Patch document read from a JSON or YAML file to a resource",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(cmd, file)
			if err != nil {
				return err
			}

			var ops []fhir.PatchOperation

			err = yaml.Unmarshal(data, &ops)
			if err != nil {
				return fmt.Errorf("failed to parse patch document: %w", err)
			}

			client, err := CreateClient(cmd.Context())
			if err != nil {
				return err
			}

			res, err := client.Patch(cmd.Context(), args[0], args[1], ops)
			if err != nil {
				return err
			}

			return outputResource(cmd, res)
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "JSON Patch file")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

// NewDeleteCommand creates the delete command.
func NewDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete TYPE ID",
		Short: "Delete a resource",
		Long:  "Delete a resource from the server",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := CreateClient(cmd.Context())
			if err != nil {
				return err
			}

			err = client.Delete(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}

			outputMessage(cmd, "Deleted %s/%s", args[0], args[1])

			return nil
		},
	}
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history TYPE ID",
		Short: "List the versions of a resource",
		Long:  "List the version history of a resource, newest first",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := CreateClient(cmd.Context())
			if err != nil {
				return err
			}

			items, err := client.History(cmd.Context(), args[0], args[1]).Take(limit)
			if err != nil {
				return err
			}

			return outputResources(cmd, items)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", constants.DefaultSearchLimit, "maximum number of versions to list")

	return cmd
}

func outputWriteResult(cmd *cobra.Command, resourceType string, result *fhir.WriteResult) error {
	if result.Resource != nil {
		return outputResource(cmd, result.Resource)
	}

	format, err := outputFormat()
	if err != nil {
		return err
	}

	summary := map[string]any{
		"reference":  result.Reference(resourceType).String(),
		"version_id": result.VersionID,
		"location":   result.Location,
		"created":    result.Created,
	}

	switch format {
	case constants.FormatJSON:
		return writeJSON(cmd.OutOrStdout(), summary)
	case constants.FormatYAML:
		return writeYAML(cmd.OutOrStdout(), summary)
	default:
		return renderTable(cmd.OutOrStdout(), []string{"Property", "Value"}, [][]string{
			{"Reference", result.Reference(resourceType).String()},
			{"Version", formatConfigValue(result.VersionID)},
			{"Location", formatConfigValue(result.Location)},
			{"Created", strconv.FormatBool(result.Created)},
		})
	}
}

func readInput(cmd *cobra.Command, file string) ([]byte, error) {
	if file == "-" {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return nil, fmt.Errorf("failed to read standard input: %w", err)
		}

		return data, nil
	}

	// #nosec G304 -- the path is given by the user on the command line
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", file, err)
	}

	return data, nil
}

// readResourceFile reads a resource document. JSON is valid YAML, so both
// formats go through the YAML decoder.
func readResourceFile(cmd *cobra.Command, file string) (fhir.RawResource, error) {
	data, err := readInput(cmd, file)
	if err != nil {
		return nil, err
	}

	var res fhir.RawResource

	err = yaml.Unmarshal(data, &res)
	if err != nil {
		return nil, fmt.Errorf("failed to parse resource: %w", err)
	}

	if res.ResourceType() == "" {
		return nil, fhir.ErrMissingResourceType
	}

	return res, nil
}
