package commands

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/fivetwenty-io/fhir-client/internal/constants"
	"github.com/fivetwenty-io/fhir-client/pkg/fhir"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

const (
	modeTransaction = "transaction"
	modeBatch       = "batch"
)

// TransactionFile is the document read by the transaction command:
//
//	mode: transaction
//	operations:
//	  - create:
//	      alias: patient
//	      resource: {resourceType: Patient, name: [{family: Chalmers}]}
//	  - create:
//	      resource:
//	        resourceType: Encounter
//	        status: planned
//	        subject: {reference: "${patient}"}
//	  - read: {type: Patient, id: "123"}
//	  - update: {resource: {...}, conditional: true}
//	  - delete: {type: Patient, id: "456"}
//
// "${alias}" in any string of a later resource is replaced by the placeholder
// of the aliased create, which the server resolves to the new resource.
type TransactionFile struct {
	Mode       string                 `yaml:"mode"`
	Operations []TransactionOperation `yaml:"operations"`
}

// TransactionOperation holds exactly one of its sections.
type TransactionOperation struct {
	Create *CreateOperation `yaml:"create,omitempty"`
	Read   *TargetOperation `yaml:"read,omitempty"`
	Update *UpdateOperation `yaml:"update,omitempty"`
	Delete *TargetOperation `yaml:"delete,omitempty"`
}

// CreateOperation creates Resource. Alias names its placeholder.
type CreateOperation struct {
	Alias    string         `yaml:"alias,omitempty"`
	Resource map[string]any `yaml:"resource"`
}

// TargetOperation addresses Type/ID.
type TargetOperation struct {
	Type string `yaml:"type"`
	ID   string `yaml:"id"`
}

// UpdateOperation stores Resource under its id.
type UpdateOperation struct {
	Resource    map[string]any `yaml:"resource"`
	Conditional bool           `yaml:"conditional,omitempty"`
}

var aliasPattern = regexp.MustCompile(`\$\{([A-Za-z0-9_.-]+)\}`)

// NewTransactionCommand creates the transaction command.
func NewTransactionCommand() *cobra.Command {
	var batch bool

	cmd := &cobra.Command{
		Use:   "transaction FILE",
		Short: "Submit a transaction or batch",
		Long: `Submit the operations of a YAML or JSON file as one transaction or batch.

A transaction succeeds or fails as a whole. In a batch every operation
succeeds or fails on its own. Resources created earlier in the file can be
referenced as "${alias}".`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(cmd, args[0])
			if err != nil {
				return err
			}

			file, err := parseTransactionFile(data)
			if err != nil {
				return err
			}

			if batch {
				file.Mode = modeBatch
			}

			client, err := CreateClient(cmd.Context())
			if err != nil {
				return err
			}

			builder := client.Transaction()
			if file.Mode == modeBatch {
				builder = client.Batch()
			}

			aliases, err := file.Plan(builder)
			if err != nil {
				return err
			}

			result, err := builder.Send(cmd.Context())
			if err != nil {
				return err
			}

			err = outputTransactionResult(cmd, result, aliases)
			if err != nil {
				return err
			}

			if failed := result.Failed(); len(failed) > 0 {
				return fmt.Errorf("%w: %d of %d", constants.ErrEntriesFailed, len(failed), len(result.Entries))
			}

			return nil
		},
	}

	cmd.Flags().BoolVar(&batch, "batch", false, "submit as a batch regardless of the file's mode")

	return cmd
}

func parseTransactionFile(data []byte) (*TransactionFile, error) {
	var file TransactionFile

	err := yaml.Unmarshal(data, &file)
	if err != nil {
		return nil, fmt.Errorf("failed to parse transaction file: %w", err)
	}

	switch file.Mode {
	case "":
		file.Mode = modeTransaction
	case modeTransaction, modeBatch:
	default:
		return nil, fmt.Errorf("%w: %q", constants.ErrInvalidMode, file.Mode)
	}

	for i := range file.Operations {
		err := file.Operations[i].validate()
		if err != nil {
			return nil, fmt.Errorf("operation %d: %w", i, err)
		}
	}

	return &file, nil
}

func (o *TransactionOperation) validate() error {
	sections := 0

	for _, present := range []bool{o.Create != nil, o.Read != nil, o.Update != nil, o.Delete != nil} {
		if present {
			sections++
		}
	}

	switch {
	case sections == 0:
		return constants.ErrEmptyOperation
	case sections > 1:
		return constants.ErrAmbiguousOperation
	case o.Create != nil && len(o.Create.Resource) == 0:
		return constants.ErrResourceRequired
	case o.Update != nil && len(o.Update.Resource) == 0:
		return constants.ErrResourceRequired
	case o.Read != nil && (o.Read.Type == "" || o.Read.ID == ""):
		return constants.ErrTypeAndIDRequired
	case o.Delete != nil && (o.Delete.Type == "" || o.Delete.ID == ""):
		return constants.ErrTypeAndIDRequired
	}

	return nil
}

// Plan adds the operations to builder in file order and returns the
// placeholder of every aliased create.
func (f *TransactionFile) Plan(builder fhir.TransactionBuilder) (map[string]fhir.Reference, error) {
	aliases := make(map[string]fhir.Reference)

	for i, op := range f.Operations {
		err := planOperation(builder, op, aliases)
		if err != nil {
			return nil, fmt.Errorf("operation %d: %w", i, err)
		}
	}

	return aliases, nil
}

func planOperation(builder fhir.TransactionBuilder, op TransactionOperation, aliases map[string]fhir.Reference) error {
	switch {
	case op.Create != nil:
		res, err := substituteAliases(op.Create.Resource, aliases)
		if err != nil {
			return err
		}

		if _, exists := aliases[op.Create.Alias]; exists {
			return fmt.Errorf("%w: %s", constants.ErrDuplicateAlias, op.Create.Alias)
		}

		placeholder := builder.Create(res)
		if op.Create.Alias != "" {
			aliases[op.Create.Alias] = placeholder
		}
	case op.Read != nil:
		builder.Read(op.Read.Type, op.Read.ID)
	case op.Update != nil:
		res, err := substituteAliases(op.Update.Resource, aliases)
		if err != nil {
			return err
		}

		_, err = builder.Update(res, op.Update.Conditional)
		if err != nil {
			return err
		}
	case op.Delete != nil:
		builder.Delete(op.Delete.Type, op.Delete.ID)
	}

	return nil
}

func substituteAliases(resource map[string]any, aliases map[string]fhir.Reference) (fhir.RawResource, error) {
	value, err := substituteValue(resource, aliases)
	if err != nil {
		return nil, err
	}

	substituted, _ := value.(map[string]any)

	return fhir.RawResource(substituted), nil
}

func substituteValue(value any, aliases map[string]fhir.Reference) (any, error) {
	switch typed := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(typed))

		for key, item := range typed {
			substituted, err := substituteValue(item, aliases)
			if err != nil {
				return nil, err
			}

			out[key] = substituted
		}

		return out, nil
	case []any:
		out := make([]any, len(typed))

		for i, item := range typed {
			substituted, err := substituteValue(item, aliases)
			if err != nil {
				return nil, err
			}

			out[i] = substituted
		}

		return out, nil
	case string:
		var unknown string

		replaced := aliasPattern.ReplaceAllStringFunc(typed, func(match string) string {
			name := aliasPattern.FindStringSubmatch(match)[1]

			ref, ok := aliases[name]
			if !ok {
				unknown = name

				return match
			}

			return ref.String()
		})

		if unknown != "" {
			return nil, fmt.Errorf("%w: %s", constants.ErrUnknownAlias, unknown)
		}

		return replaced, nil
	default:
		return value, nil
	}
}

type transactionRow struct {
	Index     int    `json:"index"               yaml:"index"`
	Operation string `json:"operation"           yaml:"operation"`
	Status    string `json:"status"              yaml:"status"`
	Reference string `json:"reference,omitempty" yaml:"reference,omitempty"`
	Alias     string `json:"alias,omitempty"     yaml:"alias,omitempty"`
	Error     string `json:"error,omitempty"     yaml:"error,omitempty"`
}

func transactionRows(result *fhir.TransactionResult, aliases map[string]fhir.Reference) []transactionRow {
	aliasOf := make(map[fhir.Reference]string, len(aliases))
	for alias, placeholder := range aliases {
		aliasOf[placeholder] = alias
	}

	rows := make([]transactionRow, 0, len(result.Entries))

	for i := range result.Entries {
		entry := &result.Entries[i]

		row := transactionRow{
			Index:     entry.Index,
			Operation: string(entry.Operation),
			Status:    entry.Status,
			Alias:     aliasOf[entry.Placeholder],
		}

		if ref, ok := entry.Reference(); ok {
			row.Reference = ref.String()
		}

		if entry.Err != nil {
			row.Error = entry.Err.Error()
		}

		rows = append(rows, row)
	}

	return rows
}

func outputTransactionResult(cmd *cobra.Command, result *fhir.TransactionResult, aliases map[string]fhir.Reference) error {
	format, err := outputFormat()
	if err != nil {
		return err
	}

	rows := transactionRows(result, aliases)

	switch format {
	case constants.FormatJSON:
		return writeJSON(cmd.OutOrStdout(), rows)
	case constants.FormatYAML:
		return writeYAML(cmd.OutOrStdout(), rows)
	}

	cells := make([][]string, 0, len(rows))

	for _, row := range rows {
		detail := row.Error
		if detail == "" {
			detail = row.Alias
		}

		cells = append(cells, []string{
			strconv.Itoa(row.Index),
			row.Operation,
			row.Status,
			formatConfigValue(row.Reference),
			detail,
		})
	}

	return renderTable(cmd.OutOrStdout(), []string{"#", "Operation", "Status", "Reference", "Alias / Error"}, cells)
}
