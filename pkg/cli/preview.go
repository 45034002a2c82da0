package cli

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ontask-engine/pkg/ingest"
	"github.com/ekaya-inc/ontask-engine/pkg/models"
)

// DefaultPreviewRows is the number of sample rows shown by preview.
const DefaultPreviewRows = 10

type previewOptions struct {
	Sheet      string
	SkipTop    int
	SkipBottom int
	Delimiter  string
	Rows       int
}

// PreviewResult is what an upload of the file would produce.
type PreviewResult struct {
	Source  string          `json:"source"`
	Rows    int             `json:"rows"`
	Columns []PreviewColumn `json:"columns"`
	Sample  [][]any         `json:"sample"`
}

// PreviewColumn is one inferred column.
type PreviewColumn struct {
	Name         string            `json:"name"`
	Type         models.ColumnType `json:"type"`
	KeyCandidate bool              `json:"key_candidate"`
}

// NewPreviewCommand creates the preview command.
func NewPreviewCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &previewOptions{}

	cmd := &cobra.Command{
		Use:   "preview <file>",
		Short: "Show how a CSV or Excel file would be typed on upload",
		Long: `Read a CSV, TSV or Excel file with the same rules as the upload
wizard and print the inferred column types, the columns that could be keys
and the first rows.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPreview(rootOpts, opts, args[0], cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&opts.Sheet, "sheet", "", "Excel sheet to read (default: first sheet)")
	cmd.Flags().IntVar(&opts.SkipTop, "skip-top", 0, "lines to skip before the CSV header")
	cmd.Flags().IntVar(&opts.SkipBottom, "skip-bottom", 0, "lines to skip at the end of the CSV")
	cmd.Flags().StringVar(&opts.Delimiter, "delimiter", "", "CSV delimiter (default: comma, tab for .tsv)")
	cmd.Flags().IntVar(&opts.Rows, "rows", DefaultPreviewRows, "sample rows to show")

	return cmd
}

func runPreview(rootOpts *RootOptions, opts *previewOptions, path string, w io.Writer) error {
	if opts.Rows < 0 {
		return fail(w, rootOpts.Format, ExitCommandError, "invalid --rows", fmt.Errorf("must be zero or positive, got %d", opts.Rows))
	}

	frame, err := readUpload(opts, path)
	if err != nil {
		code := ExitFailure
		if os.IsNotExist(err) || os.IsPermission(err) {
			code = ExitCommandError
		}
		return fail(w, rootOpts.Format, code, "failed to read "+path, err)
	}
	rootOpts.Logger().Debug("Read upload",
		zap.String("path", path),
		zap.Int("rows", frame.NumRows()),
		zap.Int("columns", frame.NumColumns()))

	result := buildPreview(filepath.Base(path), frame, opts.Rows)
	if rootOpts.Format == "json" {
		return writeJSON(w, "ok", result, "")
	}
	return writePreviewText(w, result, frame.ColumnNames())
}

func readUpload(opts *previewOptions, path string) (*models.Frame, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".csv", ".txt", ".tsv", ".xlsx", ".xlsm":
	default:
		return nil, fmt.Errorf("unsupported file type %q: use .csv, .tsv, .txt, .xlsx or .xlsm", ext)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if ext == ".xlsx" || ext == ".xlsm" {
		return ingest.ReadExcel(f, opts.Sheet)
	}
	delimiter := opts.Delimiter
	if delimiter == "" && ext == ".tsv" {
		delimiter = "\t"
	}
	return ingest.ReadCSV(f, ingest.CSVOptions{
		SkipLinesAtTop:    opts.SkipTop,
		SkipLinesAtBottom: opts.SkipBottom,
		Delimiter:         delimiter,
	})
}

func buildPreview(source string, frame *models.Frame, rows int) *PreviewResult {
	keys := frame.UniqueColumns()
	result := &PreviewResult{
		Source:  source,
		Rows:    frame.NumRows(),
		Columns: make([]PreviewColumn, 0, frame.NumColumns()),
	}
	for _, c := range frame.Columns {
		result.Columns = append(result.Columns, PreviewColumn{
			Name:         c.Name,
			Type:         c.Type,
			KeyCandidate: slices.Contains(keys, c.Name),
		})
	}
	result.Sample = frame.Rows[:min(rows, len(frame.Rows))]
	if result.Sample == nil {
		result.Sample = [][]any{}
	}
	return result
}

func writePreviewText(w io.Writer, r *PreviewResult, header []string) error {
	var b strings.Builder
	fmt.Fprintf(&b, "Source:  %s\n", r.Source)
	fmt.Fprintf(&b, "Rows:    %d\n", r.Rows)
	fmt.Fprintf(&b, "Columns (%d):\n", len(r.Columns))
	for _, c := range r.Columns {
		if c.KeyCandidate {
			fmt.Fprintf(&b, "  - %s (%s, key candidate)\n", c.Name, c.Type)
		} else {
			fmt.Fprintf(&b, "  - %s (%s)\n", c.Name, c.Type)
		}
	}
	b.WriteString("\n")

	cw := csv.NewWriter(&b)
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, row := range r.Sample {
		if err := cw.Write(renderRow(row)); err != nil {
			return err
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return err
	}

	_, err := io.WriteString(w, b.String())
	return err
}

// renderRow formats typed values the way they would be exported.
func renderRow(row []any) []string {
	out := make([]string, len(row))
	for i, v := range row {
		if v == nil {
			continue
		}
		s, err := models.TypeString.Coerce(v)
		if err != nil {
			out[i] = fmt.Sprint(v)
			continue
		}
		out[i], _ = s.(string)
	}
	return out
}
