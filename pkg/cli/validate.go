package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ekaya-inc/ontask-engine/pkg/formula"
	"github.com/ekaya-inc/ontask-engine/pkg/transport"
)

// ValidationResult holds the problems found in one container.
type ValidationResult struct {
	File     string   `json:"file"`
	Valid    bool     `json:"valid"`
	Problems []string `json:"problems,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file.gz>",
		Short: "Check that an exported workflow would import cleanly",
		Long: `Check a workflow container the way an import does: the payload
structure, the data against the column types, key uniqueness, and every
view filter, condition and action text against the columns.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd.OutOrStdout())
		},
	}
}

func runValidate(opts *RootOptions, path string, w io.Writer) error {
	result := &ValidationResult{File: path}

	c, err := readContainer(opts, path)
	if err != nil {
		if exitCodeFor(err) == ExitCommandError {
			return fail(w, opts.Format, ExitCommandError, "failed to read "+path, err)
		}
		result.Problems = []string{err.Error()}
	} else {
		result.Problems = checkContainer(c)
	}
	result.Valid = len(result.Problems) == 0

	if opts.Format == "json" {
		status := "ok"
		if !result.Valid {
			status = "error"
		}
		if err := writeJSON(w, status, result, ""); err != nil {
			return err
		}
	} else if err := writeValidateText(w, result); err != nil {
		return err
	}

	if !result.Valid {
		return &ExitError{Code: ExitFailure, Message: fmt.Sprintf("%s has %d problem(s)", path, len(result.Problems))}
	}
	return nil
}

// checkContainer lists everything an import would reject. Decode has
// already checked the structure.
func checkContainer(c *transport.Container) []string {
	var problems []string
	columns := make(map[string]bool, len(c.Columns))
	for _, col := range c.Columns {
		columns[col.Name] = true
	}

	frame, err := c.Frame()
	if err != nil {
		problems = append(problems, err.Error())
	}
	if frame != nil {
		for _, col := range c.Columns {
			if !frame.HasColumn(col.Name) {
				problems = append(problems, fmt.Sprintf("column %s has no data", col.Name))
				continue
			}
			if col.IsKey && frame.NumRows() > 0 && !frame.IsUnique(col.Name) {
				problems = append(problems, fmt.Sprintf("key column %s has repeated or empty values", col.Name))
			}
		}
	}

	for _, v := range c.Views {
		problems = append(problems, checkNode("view "+v.Name, v.Filter, columns)...)
	}
	for _, a := range c.Actions {
		conditions := make(map[string]bool, len(a.Conditions))
		for _, cond := range a.Conditions {
			conditions[cond.Name] = true
			problems = append(problems, checkNode(fmt.Sprintf("condition %s of action %s", cond.Name, a.Name), cond.Formula, columns)...)
		}
		for _, name := range formula.TemplateVariables(a.TextContent) {
			if !columns[name] {
				problems = append(problems, fmt.Sprintf("action %s uses column %s, which is not in the workflow", a.Name, name))
			}
		}
		for _, name := range formula.TemplateConditions(a.TextContent) {
			if !conditions[name] {
				problems = append(problems, fmt.Sprintf("action %s uses condition %s, which it does not define", a.Name, name))
			}
		}
	}
	return problems
}

func checkNode(owner string, node *formula.Node, columns map[string]bool) []string {
	if node == nil {
		return nil
	}
	if err := node.Validate(); err != nil {
		return []string{fmt.Sprintf("%s: %v", owner, err)}
	}
	var problems []string
	for _, name := range node.Variables() {
		if !columns[name] {
			problems = append(problems, fmt.Sprintf("%s uses column %s, which is not in the workflow", owner, name))
		}
	}
	return problems
}

func writeValidateText(w io.Writer, r *ValidationResult) error {
	var b strings.Builder
	if r.Valid {
		fmt.Fprintf(&b, "valid: %s\n", r.File)
	} else {
		fmt.Fprintf(&b, "invalid: %s\n", r.File)
		for _, p := range r.Problems {
			fmt.Fprintf(&b, "  - %s\n", p)
		}
	}
	_, err := io.WriteString(w, b.String())
	return err
}
