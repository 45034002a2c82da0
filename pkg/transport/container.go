// Package transport encodes workflows into portable gzip containers and
// decodes them back.
package transport

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/ekaya-inc/ontask-engine/pkg/apperrors"
	"github.com/ekaya-inc/ontask-engine/pkg/formula"
	"github.com/ekaya-inc/ontask-engine/pkg/models"
)

const (
	// Signature identifies a workflow container.
	Signature = "ontask-workflow"
	// Version is the payload version written by this package.
	Version = 1
	// MediaType is the content type of an encoded container.
	MediaType = "application/gzip"
)

// Container is the uncompressed payload of an export.
type Container struct {
	Signature  string         `json:"signature"`
	Version    int            `json:"version"`
	ExportedAt time.Time      `json:"exported_at"`
	Workflow   WorkflowHeader `json:"workflow"`
	Columns    []ColumnRecord `json:"columns"`
	Data       *DataBlock     `json:"data"`
	Views      []ViewRecord   `json:"views"`
	Actions    []ActionRecord `json:"actions"`
}

// WorkflowHeader carries the workflow metadata.
type WorkflowHeader struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Attributes  map[string]string `json:"attributes"`
}

// ColumnRecord is one schema entry.
type ColumnRecord struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Type        models.ColumnType `json:"type"`
	IsKey       bool              `json:"is_key"`
	Position    int               `json:"position"`
	Categories  []any             `json:"categories"`
	ActiveFrom  *time.Time        `json:"active_from,omitempty"`
	ActiveTo    *time.Time        `json:"active_to,omitempty"`
}

// DataBlock is the frame in row-major form.
type DataBlock struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

// ViewRecord is one view; Columns holds column record ids.
type ViewRecord struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Description string        `json:"description"`
	Columns     []string      `json:"columns"`
	Filter      *formula.Node `json:"filter"`
}

// ActionRecord is one action with its conditions.
type ActionRecord struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description"`
	ActionType  string            `json:"action_type"`
	TextContent string            `json:"text_content"`
	Conditions  []ConditionRecord `json:"conditions"`
}

// ConditionRecord is one action condition.
type ConditionRecord struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Description string        `json:"description"`
	Formula     *formula.Node `json:"formula"`
	IsFilter    bool          `json:"is_filter"`
}

// FileName returns the download name of a container exported at t.
func FileName(t time.Time) string {
	return "ontask_workflow_" + t.UTC().Format("060102_150405") + ".gz"
}

// MarshalPayload returns the indented JSON payload.
func MarshalPayload(c *Container) ([]byte, error) {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode container: %w", err)
	}
	return data, nil
}

// Encode writes the gzip-compressed payload to w.
func Encode(w io.Writer, c *Container) error {
	payload, err := MarshalPayload(c)
	if err != nil {
		return err
	}
	zw := gzip.NewWriter(w)
	if _, err := zw.Write(payload); err != nil {
		return fmt.Errorf("failed to compress container: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("failed to compress container: %w", err)
	}
	return nil
}

// EncodeBytes buffers an encoded container so callers can set Content-Length.
func EncodeBytes(c *Container) ([]byte, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, c); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode reads a container. maxSize bounds the decompressed payload when
// positive. Every format problem is reported as a TransportError.
func Decode(r io.Reader, maxSize int64) (*Container, error) {
	zr, err := gzip.NewReader(bufio.NewReader(r))
	if err != nil {
		return nil, apperrors.Transport(err, "the file is not a workflow container")
	}
	defer zr.Close()

	var src io.Reader = zr
	if maxSize > 0 {
		src = io.LimitReader(zr, maxSize+1)
	}
	payload, err := io.ReadAll(src)
	if err != nil {
		return nil, apperrors.Transport(err, "failed to decompress the container")
	}
	if maxSize > 0 && int64(len(payload)) > maxSize {
		return nil, apperrors.Transport(nil, "the container exceeds the maximum size of %d bytes", maxSize)
	}

	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var c Container
	if err := dec.Decode(&c); err != nil {
		return nil, apperrors.Transport(err, "the container payload is malformed")
	}
	if c.Signature != Signature {
		return nil, apperrors.Transport(nil, "the file is not a workflow container")
	}
	if c.Version != Version {
		return nil, apperrors.Transport(nil, "container version %d is not supported", c.Version)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// validate checks the structure of a decoded container.
func (c *Container) validate() error {
	ids := make(map[string]bool, len(c.Columns))
	names := make(map[string]bool, len(c.Columns))
	for _, col := range c.Columns {
		if !col.Type.Valid() {
			return apperrors.Transport(nil, "column %s has unknown type %q", col.Name, col.Type)
		}
		if names[col.Name] {
			return apperrors.Transport(nil, "column %s is repeated", col.Name)
		}
		names[col.Name] = true
		ids[col.ID] = true
	}
	for _, v := range c.Views {
		for _, id := range v.Columns {
			if !ids[id] {
				return apperrors.Transport(nil, "view %s references unknown column %s", v.Name, id)
			}
		}
	}
	if c.Data == nil {
		return nil
	}
	for i, row := range c.Data.Rows {
		if len(row) != len(c.Data.Columns) {
			return apperrors.Transport(nil, "data row %d has %d values for %d columns", i+1, len(row), len(c.Data.Columns))
		}
	}
	return nil
}

// Frame rebuilds the typed frame of the data block using the column types.
// It returns nil when the container carries no data.
func (c *Container) Frame() (*models.Frame, error) {
	if c.Data == nil {
		return nil, nil
	}
	types := make(map[string]models.ColumnType, len(c.Columns))
	for _, col := range c.Columns {
		types[col.Name] = col.Type
	}
	f := &models.Frame{
		Columns: make([]models.FrameColumn, len(c.Data.Columns)),
		Rows:    make([][]any, len(c.Data.Rows)),
	}
	for j, name := range c.Data.Columns {
		t, ok := types[name]
		if !ok {
			return nil, apperrors.Transport(nil, "data column %s has no schema entry", name)
		}
		f.Columns[j] = models.FrameColumn{Name: name, Type: t}
	}
	for i, row := range c.Data.Rows {
		f.Rows[i] = append([]any(nil), row...)
	}
	if err := f.Coerce(); err != nil {
		return nil, apperrors.Transport(err, "the container data does not match its schema")
	}
	return f, nil
}

// DataFromFrame converts a frame into a data block.
func DataFromFrame(f *models.Frame) *DataBlock {
	if f.IsEmpty() {
		return nil
	}
	rows := f.Rows
	if rows == nil {
		rows = [][]any{}
	}
	return &DataBlock{Columns: f.ColumnNames(), Rows: rows}
}

// IsTransportError reports whether err came from decoding a container.
func IsTransportError(err error) bool {
	return errors.Is(err, apperrors.ErrTransport)
}
