package cli

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/jinzhu/inflection"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ontask-engine/pkg/transport"
)

// InspectSummary describes a workflow container.
type InspectSummary struct {
	Workflow    string          `json:"workflow"`
	Description string          `json:"description,omitempty"`
	ExportedAt  time.Time       `json:"exported_at"`
	Version     int             `json:"version"`
	Rows        *int            `json:"rows"` // nil when the export has no data
	Columns     []ColumnSummary `json:"columns"`
	Views       []ViewSummary   `json:"views"`
	Actions     []ActionSummary `json:"actions"`
}

// ColumnSummary is one schema entry.
type ColumnSummary struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	IsKey bool   `json:"is_key"`
}

// ViewSummary is one view with its column names.
type ViewSummary struct {
	Name     string   `json:"name"`
	Columns  []string `json:"columns"`
	Filtered bool     `json:"filtered"`
}

// ActionSummary is one action.
type ActionSummary struct {
	Name       string `json:"name"`
	ActionType string `json:"action_type"`
	Conditions int    `json:"conditions"`
}

// NewInspectCommand creates the inspect command.
func NewInspectCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <file.gz>",
		Short: "Summarize an exported workflow",
		Long: `Summarize a workflow container produced by the export endpoint:
its metadata, columns, views and actions. Nothing is imported.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(rootOpts, args[0], cmd.OutOrStdout())
		},
	}
}

func runInspect(opts *RootOptions, path string, w io.Writer) error {
	c, err := readContainer(opts, path)
	if err != nil {
		return fail(w, opts.Format, exitCodeFor(err), "failed to read "+path, err)
	}

	summary := summarize(c)
	if opts.Format == "json" {
		return writeJSON(w, "ok", summary, "")
	}
	return writeInspectText(w, summary)
}

// readContainer opens and decodes a container file.
func readContainer(opts *RootOptions, path string) (*transport.Container, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	c, err := transport.Decode(f, opts.MaxSize)
	if err != nil {
		return nil, err
	}
	opts.Logger().Debug("Decoded container",
		zap.String("path", path),
		zap.String("workflow", c.Workflow.Name),
		zap.Int("columns", len(c.Columns)))
	return c, nil
}

// exitCodeFor maps a read failure to an exit code. A file that exists but is
// not a valid container is a failure; anything else is a command error.
func exitCodeFor(err error) int {
	if transport.IsTransportError(err) {
		return ExitFailure
	}
	return ExitCommandError
}

func summarize(c *transport.Container) *InspectSummary {
	s := &InspectSummary{
		Workflow:    c.Workflow.Name,
		Description: c.Workflow.Description,
		ExportedAt:  c.ExportedAt,
		Version:     c.Version,
		Columns:     make([]ColumnSummary, 0, len(c.Columns)),
		Views:       make([]ViewSummary, 0, len(c.Views)),
		Actions:     make([]ActionSummary, 0, len(c.Actions)),
	}
	if c.Data != nil {
		n := len(c.Data.Rows)
		s.Rows = &n
	}

	names := make(map[string]string, len(c.Columns))
	for _, col := range c.Columns {
		names[col.ID] = col.Name
		s.Columns = append(s.Columns, ColumnSummary{Name: col.Name, Type: string(col.Type), IsKey: col.IsKey})
	}
	for _, v := range c.Views {
		view := ViewSummary{Name: v.Name, Columns: make([]string, 0, len(v.Columns)), Filtered: v.Filter != nil}
		for _, id := range v.Columns {
			view.Columns = append(view.Columns, names[id])
		}
		s.Views = append(s.Views, view)
	}
	for _, a := range c.Actions {
		s.Actions = append(s.Actions, ActionSummary{Name: a.Name, ActionType: a.ActionType, Conditions: len(a.Conditions)})
	}
	return s
}

func writeInspectText(w io.Writer, s *InspectSummary) error {
	var b strings.Builder
	fmt.Fprintf(&b, "Workflow:    %s\n", s.Workflow)
	if s.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", s.Description)
	}
	fmt.Fprintf(&b, "Exported at: %s\n", s.ExportedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Version:     %d\n", s.Version)
	if s.Rows != nil {
		fmt.Fprintf(&b, "Rows:        %d\n", *s.Rows)
	} else {
		b.WriteString("Rows:        not included\n")
	}

	fmt.Fprintf(&b, "Columns (%d):\n", len(s.Columns))
	for _, c := range s.Columns {
		if c.IsKey {
			fmt.Fprintf(&b, "  - %s (%s, key)\n", c.Name, c.Type)
		} else {
			fmt.Fprintf(&b, "  - %s (%s)\n", c.Name, c.Type)
		}
	}

	fmt.Fprintf(&b, "Views (%d):\n", len(s.Views))
	for _, v := range s.Views {
		line := fmt.Sprintf("  - %s: %s", v.Name, strings.Join(v.Columns, ", "))
		if v.Filtered {
			line += " [filtered]"
		}
		b.WriteString(line + "\n")
	}

	fmt.Fprintf(&b, "Actions (%d):\n", len(s.Actions))
	for _, a := range s.Actions {
		fmt.Fprintf(&b, "  - %s (%s, %s)\n", a.Name, a.ActionType, countNoun(a.Conditions, "condition"))
	}

	_, err := io.WriteString(w, b.String())
	return err
}

// countNoun renders "1 condition" or "3 conditions".
func countNoun(n int, noun string) string {
	if n == 1 {
		return fmt.Sprintf("%d %s", n, noun)
	}
	return fmt.Sprintf("%d %s", n, inflection.Plural(noun))
}
