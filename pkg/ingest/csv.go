package ingest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/ekaya-inc/ontask-engine/pkg/apperrors"
	"github.com/ekaya-inc/ontask-engine/pkg/models"
)

// CSVOptions control how delimited text is read.
type CSVOptions struct {
	SkipLinesAtTop    int    `json:"skip_lines_at_top"`
	SkipLinesAtBottom int    `json:"skip_lines_at_bottom"`
	Delimiter         string `json:"delimiter,omitempty"` // one character, "," when empty
}

// Validate checks the option ranges.
func (o CSVOptions) Validate() error {
	if o.SkipLinesAtTop < 0 {
		return apperrors.FieldValidation("skip_lines_at_top", "must be zero or positive")
	}
	if o.SkipLinesAtBottom < 0 {
		return apperrors.FieldValidation("skip_lines_at_bottom", "must be zero or positive")
	}
	if o.Delimiter != "" && utf8.RuneCountInString(o.Delimiter) != 1 {
		return apperrors.FieldValidation("delimiter", "must be a single character")
	}
	return nil
}

// ReadCSV reads delimited text with a header line into a frame. Lines
// skipped at the top come before the header.
func ReadCSV(r io.Reader, opts CSVOptions) (*models.Frame, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	if opts.Delimiter != "" {
		reader.Comma, _ = utf8.DecodeRuneInString(opts.Delimiter)
	}

	var records [][]string
	for line := 0; ; line++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if line < opts.SkipLinesAtTop {
				continue
			}
			return nil, apperrors.Validation("the file is not valid CSV: %v", err)
		}
		if line < opts.SkipLinesAtTop {
			continue
		}
		records = append(records, record)
	}

	if opts.SkipLinesAtBottom > 0 {
		if opts.SkipLinesAtBottom >= len(records) {
			records = nil
		} else {
			records = records[:len(records)-opts.SkipLinesAtBottom]
		}
	}
	if len(records) == 0 {
		return nil, apperrors.Validation("the file has no header line")
	}

	f, err := BuildFrame(records[0], dropEmptyRows(records[1:]))
	if err != nil {
		return nil, fmt.Errorf("failed to type CSV data: %w", err)
	}
	return f, nil
}
