package ingest

import (
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"

	"github.com/ekaya-inc/ontask-engine/pkg/apperrors"
	"github.com/ekaya-inc/ontask-engine/pkg/models"
)

// ReadExcel reads one sheet of a workbook into a frame. The first row is the
// header; rows with no values are dropped. An empty sheet name selects the
// first sheet.
func ReadExcel(r io.Reader, sheet string) (*models.Frame, error) {
	book, err := excelize.OpenReader(r)
	if err != nil {
		return nil, apperrors.Validation("the file is not a valid Excel workbook: %v", err)
	}
	defer book.Close()

	sheets := book.GetSheetList()
	if len(sheets) == 0 {
		return nil, apperrors.Validation("the workbook has no sheets")
	}
	if sheet == "" {
		sheet = sheets[0]
	} else if idx, _ := book.GetSheetIndex(sheet); idx < 0 {
		return nil, apperrors.FieldValidation("sheet", "the workbook has no sheet called %q", sheet)
	}

	rows, err := book.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("failed to read sheet %s: %w", sheet, err)
	}
	rows = dropEmptyRows(rows)
	if len(rows) == 0 {
		return nil, apperrors.FieldValidation("sheet", "sheet %q is empty", sheet)
	}

	f, err := BuildFrame(rows[0], rows[1:])
	if err != nil {
		return nil, fmt.Errorf("failed to type sheet %s: %w", sheet, err)
	}
	return f, nil
}

// SheetNames lists the sheets of a workbook in order.
func SheetNames(r io.Reader) ([]string, error) {
	book, err := excelize.OpenReader(r)
	if err != nil {
		return nil, apperrors.Validation("the file is not a valid Excel workbook: %v", err)
	}
	defer book.Close()
	return book.GetSheetList(), nil
}
