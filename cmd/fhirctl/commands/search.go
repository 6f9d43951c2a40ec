package commands

import (
	"fmt"
	"strings"

	"github.com/fivetwenty-io/fhir-client/internal/constants"
	"github.com/fivetwenty-io/fhir-client/pkg/fhir"
	"github.com/spf13/cobra"
)

// NewSearchCommand creates the search command.
func NewSearchCommand() *cobra.Command {
	var (
		limit    int
		count    int
		sort     []string
		includes []string
	)

	cmd := &cobra.Command{
		Use:   "search TYPE [NAME=VALUE...]",
		Short: "Search resources",
		Long: `Search resources of one type, or of all types when TYPE is '*'.

Arguments are passed as search parameters unchanged, so modifiers and
prefixes work as the server defines them:

  fhirctl search Patient family:exact=Chalmers birthdate=ge1970-01-01

Pages are fetched until --limit results have been listed.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := parseSearchArgs(args[1:])
			if err != nil {
				return err
			}

			if count > 0 {
				params.WithCount(count)
			}

			if len(sort) > 0 {
				params.WithSort(sort...)
			}

			for _, include := range includes {
				params.WithInclude(include)
			}

			client, err := CreateClient(cmd.Context())
			if err != nil {
				return err
			}

			var stream *fhir.PageStream[fhir.Resource]
			if args[0] == "*" {
				stream = client.SearchAll(cmd.Context(), params)
			} else {
				stream = client.Search(cmd.Context(), args[0], params)
			}

			items, err := stream.Take(limit)
			if err != nil {
				return err
			}

			return outputResources(cmd, items)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", constants.DefaultSearchLimit, "maximum number of results to list")
	cmd.Flags().IntVar(&count, "count", 0, "page size requested from the server (_count)")
	cmd.Flags().StringSliceVar(&sort, "sort", nil, "sort fields (_sort), prefix with '-' for descending")
	cmd.Flags().StringSliceVar(&includes, "include", nil, "_include parameters")

	return cmd
}

func parseSearchArgs(args []string) (*fhir.SearchParameters, error) {
	params := fhir.NewSearchParameters()

	for _, arg := range args {
		name, value, ok := strings.Cut(arg, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("%w: %q", constants.ErrInvalidSearchArgument, arg)
		}

		params.With(name, value)
	}

	return params, nil
}
