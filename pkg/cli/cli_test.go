package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ontask-engine/pkg/formula"
	"github.com/ekaya-inc/ontask-engine/pkg/models"
	"github.com/ekaya-inc/ontask-engine/pkg/transport"
)

func courseContainer() *transport.Container {
	return &transport.Container{
		Signature:  transport.Signature,
		Version:    transport.Version,
		ExportedAt: time.Date(2026, 3, 9, 14, 5, 7, 0, time.UTC),
		Workflow: transport.WorkflowHeader{
			Name:        "Course A",
			Description: "Spring term",
		},
		Columns: []transport.ColumnRecord{
			{ID: "c1", Name: "sid", Type: models.TypeInteger, IsKey: true, Position: 1},
			{ID: "c2", Name: "email", Type: models.TypeString, IsKey: true, Position: 2},
			{ID: "c3", Name: "score", Type: models.TypeDouble, Position: 3},
		},
		Data: &transport.DataBlock{
			Columns: []string{"sid", "email", "score"},
			Rows: [][]any{
				{int64(101), "ana@example.com", 7.5},
				{int64(102), "ben@example.com", 4.0},
			},
		},
		Views: []transport.ViewRecord{
			{
				ID:      "v1",
				Name:    "passing",
				Columns: []string{"c2", "c3"},
				Filter:  formula.Leaf("score", "double", formula.OpGreaterOrEqual, 5),
			},
		},
		Actions: []transport.ActionRecord{
			{
				ID:          "a1",
				Name:        "reminder",
				ActionType:  models.ActionPersonalizedText,
				TextContent: "Dear {{ email }}, {% if passed %}well done{% endif %}",
				Conditions: []transport.ConditionRecord{
					{ID: "k1", Name: "passed", Formula: formula.Leaf("score", "double", formula.OpGreaterOrEqual, 5)},
				},
			},
		},
	}
}

// writeContainer encodes c into a file under a fresh temp dir.
func writeContainer(t *testing.T, c *transport.Container) string {
	t.Helper()
	data, err := transport.EncodeBytes(c)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "course.gz")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

// execute runs the root command with args and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := NewRootCommand("test")
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), err
}
