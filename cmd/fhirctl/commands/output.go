package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/fivetwenty-io/fhir-client/internal/constants"
	"github.com/fivetwenty-io/fhir-client/pkg/fhir"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

func validateOutputFormat(format string) error {
	switch format {
	case constants.FormatJSON, constants.FormatYAML, constants.FormatTable:
		return nil
	default:
		return fmt.Errorf("%w: %q (use table, json or yaml)", constants.ErrInvalidOutputFormat, format)
	}
}

// outputFormat returns the selected format, defaulting to table.
func outputFormat() (string, error) {
	format := viper.GetString("output")
	if format == "" {
		return constants.FormatTable, nil
	}

	err := validateOutputFormat(format)
	if err != nil {
		return "", err
	}

	return format, nil
}

func writeJSON(w io.Writer, value any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")

	err := encoder.Encode(value)
	if err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}

	return nil
}

func writeYAML(w io.Writer, value any) error {
	encoder := yaml.NewEncoder(w)
	defer func() { _ = encoder.Close() }()

	err := encoder.Encode(value)
	if err != nil {
		return fmt.Errorf("failed to encode YAML: %w", err)
	}

	return nil
}

func renderTable(w io.Writer, header []string, rows [][]string) error {
	cells := make([]any, 0, len(header))
	for _, cell := range header {
		cells = append(cells, cell)
	}

	table := tablewriter.NewWriter(w)
	table.Header(cells...)

	for _, row := range rows {
		err := table.Append(row)
		if err != nil {
			return fmt.Errorf("failed to append table row: %w", err)
		}
	}

	err := table.Render()
	if err != nil {
		return fmt.Errorf("failed to render table: %w", err)
	}

	return nil
}

// asRaw converts any resource to its JSON document form, so that YAML output
// uses the FHIR element names.
func asRaw(res fhir.Resource) (fhir.RawResource, error) {
	return fhir.Convert[fhir.RawResource](res)
}

var resourceHeader = []string{"Type", "ID", "Version", "Last Updated"}

func resourceRow(res fhir.Resource) []string {
	lastUpdated := constants.NotAvailable

	if raw, err := asRaw(res); err == nil {
		if meta, ok := raw["meta"].(map[string]any); ok {
			if value, ok := meta["lastUpdated"].(string); ok {
				lastUpdated = value
			}
		}
	}

	return []string{
		res.ResourceType(),
		formatConfigValue(res.ResourceID()),
		formatConfigValue(res.VersionID()),
		lastUpdated,
	}
}

func outputResource(cmd *cobra.Command, res fhir.Resource) error {
	format, err := outputFormat()
	if err != nil {
		return err
	}

	if format == constants.FormatTable {
		return renderTable(cmd.OutOrStdout(), resourceHeader, [][]string{resourceRow(res)})
	}

	raw, err := asRaw(res)
	if err != nil {
		return err
	}

	if format == constants.FormatYAML {
		return writeYAML(cmd.OutOrStdout(), raw)
	}

	return writeJSON(cmd.OutOrStdout(), raw)
}

func outputResources(cmd *cobra.Command, items []fhir.Resource) error {
	format, err := outputFormat()
	if err != nil {
		return err
	}

	if format == constants.FormatTable {
		rows := make([][]string, 0, len(items))
		for _, item := range items {
			rows = append(rows, resourceRow(item))
		}

		return renderTable(cmd.OutOrStdout(), resourceHeader, rows)
	}

	raws := make([]fhir.RawResource, 0, len(items))

	for _, item := range items {
		raw, err := asRaw(item)
		if err != nil {
			return err
		}

		raws = append(raws, raw)
	}

	if format == constants.FormatYAML {
		return writeYAML(cmd.OutOrStdout(), raws)
	}

	return writeJSON(cmd.OutOrStdout(), raws)
}

func outputBundle(cmd *cobra.Command, bundle *fhir.Bundle, codec fhir.Codec) error {
	items := make([]fhir.Resource, 0, len(bundle.Entry))

	for i := range bundle.Entry {
		if len(bundle.Entry[i].Resource) == 0 {
			continue
		}

		res, err := codec.Decode(bundle.Entry[i].Resource)
		if err != nil {
			return fmt.Errorf("decoding entry %d: %w", i, err)
		}

		items = append(items, res)
	}

	return outputResources(cmd, items)
}

func outputMessage(cmd *cobra.Command, format string, args ...any) {
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), strings.TrimSuffix(format, "\n")+"\n", args...)
}
