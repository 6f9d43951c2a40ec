package commands

import (
	"fmt"
	"strings"

	"github.com/fivetwenty-io/fhir-client/pkg/fhir"
	"github.com/spf13/cobra"
)

// NewOperationCommand creates the operation command.
func NewOperationCommand() *cobra.Command {
	var (
		resourceType string
		id           string
		file         string
		method       string
	)

	cmd := &cobra.Command{
		Use:   "operation NAME [NAME=VALUE...]",
		Short: "Invoke a named operation",
		Long: `Invoke a named operation at system, type or instance level.

  fhirctl operation everything --type Patient --id 123
  fhirctl operation match --type Patient -f parameters.json

Arguments are sent as query parameters. A Parameters resource given with
--file is sent as the request body.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query, err := parseSearchArgs(args[1:])
			if err != nil {
				return err
			}

			req := &fhir.OperationRequest{
				ResourceType: resourceType,
				ID:           id,
				Name:         strings.TrimPrefix(args[0], "$"),
				Method:       strings.ToUpper(method),
				Query:        query,
			}

			if file != "" {
				parameters, err := readResourceFile(cmd, file)
				if err != nil {
					return err
				}

				req.Parameters = parameters
			}

			client, err := CreateClient(cmd.Context())
			if err != nil {
				return err
			}

			res, err := client.Operation(cmd.Context(), req)
			if err != nil {
				return err
			}

			if res == nil {
				outputMessage(cmd, "Operation $%s completed without a result", req.Name)

				return nil
			}

			return outputResource(cmd, res)
		},
	}

	cmd.Flags().StringVar(&resourceType, "type", "", "resource type for type or instance level")
	cmd.Flags().StringVar(&id, "id", "", "resource id for instance level")
	cmd.Flags().StringVarP(&file, "file", "f", "", "Parameters resource sent as the body")
	cmd.Flags().StringVar(&method, "method", "", "HTTP method (defaults to POST with a body, GET otherwise)")

	return cmd
}

// NewEverythingCommand creates the everything command.
func NewEverythingCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "everything TYPE ID",
		Short: "Fetch everything about a patient or encounter",
		Long:  "Invoke $everything on a Patient or Encounter and list the returned resources",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := CreateClient(cmd.Context())
			if err != nil {
				return err
			}

			var bundle *fhir.Bundle

			switch args[0] {
			case "Patient":
				bundle, err = client.PatientEverything(cmd.Context(), args[1])
			case "Encounter":
				bundle, err = client.EncounterEverything(cmd.Context(), args[1])
			default:
				return fmt.Errorf("%w: $everything is defined for Patient and Encounter, not %s", fhir.ErrUnexpectedResource, args[0])
			}

			if err != nil {
				return err
			}

			return outputBundle(cmd, bundle, fhir.NewJSONCodec())
		},
	}
}
