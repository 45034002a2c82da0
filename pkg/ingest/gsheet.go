package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ontask-engine/pkg/apperrors"
	"github.com/ekaya-inc/ontask-engine/pkg/logging"
	"github.com/ekaya-inc/ontask-engine/pkg/models"
	"github.com/ekaya-inc/ontask-engine/pkg/retry"
)

// ExportURL rewrites a spreadsheet URL copied from the browser
// (".../edit?usp=sharing#gid=5") into its CSV export form
// (".../export?usp=sharing&format=csv&gid=5"). Other URLs are returned as is.
func ExportURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", apperrors.FieldValidation("url", "invalid URL %q", raw)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return "", apperrors.FieldValidation("url", "unsupported URL scheme %q", u.Scheme)
	}
	if !strings.HasSuffix(u.Path, "/edit") {
		return u.String(), nil
	}

	q := u.Query()
	q.Set("format", "csv")
	if frag, err := url.ParseQuery(u.Fragment); err == nil && frag.Get("gid") != "" {
		q.Set("gid", frag.Get("gid"))
		u.Fragment = ""
	}
	u.Path = strings.TrimSuffix(u.Path, "/edit") + "/export"
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// SheetFetcher downloads published spreadsheets as CSV.
type SheetFetcher struct {
	client  *http.Client
	maxSize int64
	retry   *retry.Config
	logger  *zap.Logger
}

// NewSheetFetcher creates a fetcher whose requests time out after timeout
// and whose bodies are capped at maxSize bytes.
func NewSheetFetcher(timeout time.Duration, maxSize int64, logger *zap.Logger) *SheetFetcher {
	return &SheetFetcher{
		client:  &http.Client{Timeout: timeout},
		maxSize: maxSize,
		retry:   retry.DefaultConfig(),
		logger:  logger.Named("sheet-fetcher"),
	}
}

// Fetch downloads the sheet behind rawURL and reads it as CSV.
func (s *SheetFetcher) Fetch(ctx context.Context, rawURL string, opts CSVOptions) (*models.Frame, error) {
	endpoint, err := ExportURL(rawURL)
	if err != nil {
		return nil, err
	}

	var body []byte
	err = retry.DoIfRetryable(ctx, s.retry, func() error {
		b, err := s.download(ctx, endpoint)
		if errors.Is(err, apperrors.ErrValidation) {
			return retry.Permanent(err)
		}
		body = b
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug("Downloaded sheet",
		zap.String("url", logging.SanitizeURL(endpoint)),
		zap.Int("bytes", len(body)))

	return ReadCSV(bytes.NewReader(body), opts)
}

func (s *SheetFetcher) download(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/csv")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download sheet: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, fmt.Errorf("sheet download returned status %d", resp.StatusCode)
		}
		return nil, apperrors.FieldValidation("url", "the sheet could not be downloaded (status %d)", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, s.maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read sheet: %w", err)
	}
	if int64(len(body)) > s.maxSize {
		return nil, apperrors.FieldValidation("url", "the sheet exceeds %d bytes", s.maxSize)
	}
	return body, nil
}
