package ingest

import (
	"strconv"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ontask-engine/pkg/adapters/datasource"
	"github.com/ekaya-inc/ontask-engine/pkg/config"
	"github.com/ekaya-inc/ontask-engine/pkg/models"
)

// Source kinds recorded in upload drafts.
const (
	KindCSV         = "csv"
	KindExcel       = "excel"
	KindGoogleSheet = "gsheet"
	KindS3          = "s3"
	KindSQL         = "sql"
)

// Sources bundles the remote fetchers configured for this engine.
type Sources struct {
	Sheets *SheetFetcher
	S3     *S3Fetcher
	SQL    *SQLFetcher
}

// NewSources builds every fetcher from cfg.
func NewSources(cfg *config.Config, factory datasource.ReaderFactory, logger *zap.Logger) *Sources {
	return &Sources{
		Sheets: NewSheetFetcher(cfg.Upload.RemoteFetchTimeout, cfg.Upload.MaxSize, logger),
		S3:     NewS3Fetcher(cfg.S3.Region, cfg.Upload.MaxSize, logger),
		SQL:    NewSQLFetcher(cfg.Connections, factory, logger),
	}
}

// CSVDescriptor describes an uploaded CSV file.
func CSVDescriptor(filename string, opts CSVOptions) models.SourceDescriptor {
	return models.SourceDescriptor{Kind: KindCSV, Name: filename, Params: csvParams(opts)}
}

// ExcelDescriptor describes an uploaded workbook sheet.
func ExcelDescriptor(filename, sheet string) models.SourceDescriptor {
	return models.SourceDescriptor{Kind: KindExcel, Name: filename, Params: map[string]string{"sheet": sheet}}
}

// SheetDescriptor describes a downloaded spreadsheet.
func SheetDescriptor(url string, opts CSVOptions) models.SourceDescriptor {
	return models.SourceDescriptor{Kind: KindGoogleSheet, Name: url, Params: csvParams(opts)}
}

// S3Descriptor describes an S3 object. Credentials are never recorded.
func S3Descriptor(src S3Source, opts CSVOptions) models.SourceDescriptor {
	params := csvParams(opts)
	params["bucket"] = src.Bucket
	if src.Region != "" {
		params["region"] = src.Region
	}
	return models.SourceDescriptor{Kind: KindS3, Name: src.Key, Params: params}
}

// SQLDescriptor describes a SQL read. The password is never recorded.
func SQLDescriptor(src SQLSource) models.SourceDescriptor {
	params := map[string]string{}
	if src.Table != "" {
		params["table"] = src.Table
	}
	if src.Query != "" {
		params["query"] = src.Query
	}
	return models.SourceDescriptor{Kind: KindSQL, Name: src.Connection, Params: params}
}

func csvParams(opts CSVOptions) map[string]string {
	params := map[string]string{}
	if opts.SkipLinesAtTop > 0 {
		params["skip_lines_at_top"] = strconv.Itoa(opts.SkipLinesAtTop)
	}
	if opts.SkipLinesAtBottom > 0 {
		params["skip_lines_at_bottom"] = strconv.Itoa(opts.SkipLinesAtBottom)
	}
	if opts.Delimiter != "" {
		params["delimiter"] = opts.Delimiter
	}
	return params
}
