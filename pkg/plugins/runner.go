package plugins

import (
	"context"
	"encoding/json"
	"fmt"

	extism "github.com/extism/go-sdk"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ontask-engine/pkg/models"
)

// Payload is the JSON document exchanged with a plugin, both ways.
type Payload struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

// Runner executes a plugin over a frame.
type Runner interface {
	Run(ctx context.Context, p *Plugin, input *models.Frame) (*models.Frame, error)
}

type extismRunner struct {
	logger *zap.Logger
}

// NewRunner returns the extism-backed runner. Each run instantiates the
// module afresh, so plugins share no state between calls.
func NewRunner(logger *zap.Logger) Runner {
	return &extismRunner{logger: logger.Named("plugin-runner")}
}

var _ Runner = (*extismRunner)(nil)

func (r *extismRunner) Run(ctx context.Context, p *Plugin, input *models.Frame) (*models.Frame, error) {
	in, err := EncodeInput(input)
	if err != nil {
		return nil, err
	}

	manifest := extism.Manifest{
		Wasm:         []extism.Wasm{extism.WasmFile{Path: p.Path(), Name: p.Name}},
		Config:       p.Config,
		AllowedHosts: p.AllowedHosts,
		Timeout:      uint64(p.Timeout.Milliseconds()),
	}
	plugin, err := extism.NewPlugin(ctx, manifest, extism.PluginConfig{EnableWasi: true}, []extism.HostFunction{})
	if err != nil {
		return nil, fmt.Errorf("failed to load plugin %s: %w", p.Name, err)
	}
	defer plugin.Close(ctx)

	exit, out, err := plugin.CallWithContext(ctx, p.Entrypoint, in)
	if err != nil {
		return nil, fmt.Errorf("plugin %s failed (exit %d): %w", p.Name, exit, err)
	}

	r.logger.Debug("Plugin call finished",
		zap.String("plugin", p.Name),
		zap.Int("input_rows", input.NumRows()),
		zap.Int("output_bytes", len(out)))

	keyType, ok := input.ColumnType(p.Key)
	if !ok {
		return nil, fmt.Errorf("plugin %s input has no key column %s", p.Name, p.Key)
	}
	return DecodeOutput(p, keyType, out)
}

// EncodeInput serialises a frame for a plugin. Datetimes travel as RFC 3339
// strings through encoding/json.
func EncodeInput(f *models.Frame) ([]byte, error) {
	payload := Payload{Columns: f.ColumnNames(), Rows: f.Rows}
	if payload.Rows == nil {
		payload.Rows = [][]any{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode plugin input: %w", err)
	}
	return data, nil
}

// DecodeOutput parses a plugin result into a frame typed by the manifest.
// The result must hold exactly the key column and the declared outputs.
// keyType is the type of the key column in the input.
func DecodeOutput(p *Plugin, keyType models.ColumnType, data []byte) (*models.Frame, error) {
	var payload Payload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("plugin %s returned invalid JSON: %w", p.Name, err)
	}
	if len(payload.Columns) != len(p.Outputs)+1 {
		return nil, fmt.Errorf("plugin %s returned %d columns, expected %d", p.Name, len(payload.Columns), len(p.Outputs)+1)
	}

	header := make([]models.FrameColumn, len(payload.Columns))
	for i, name := range payload.Columns {
		if name == p.Key {
			header[i] = models.FrameColumn{Name: name, Type: keyType}
			continue
		}
		found := false
		for _, o := range p.Outputs {
			if o.Name == name {
				header[i] = models.FrameColumn{Name: name, Type: o.Type}
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("plugin %s returned undeclared column %s", p.Name, name)
		}
	}
	if dups := models.DuplicateColumnNames(payload.Columns); len(dups) > 0 {
		return nil, fmt.Errorf("plugin %s repeats column %s", p.Name, dups[0])
	}

	f := models.NewFrame(header...)
	for i, row := range payload.Rows {
		if len(row) != len(header) {
			return nil, fmt.Errorf("plugin %s row %d has %d values, expected %d", p.Name, i, len(row), len(header))
		}
		f.Rows = append(f.Rows, row)
	}
	if err := f.Coerce(); err != nil {
		return nil, fmt.Errorf("plugin %s: %w", p.Name, err)
	}
	return f, nil
}
