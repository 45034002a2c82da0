//go:build integration

package testhelpers

import (
	"testing"
)

func TestEngineDB_MigrationsApplied(t *testing.T) {
	engineDB := GetEngineDB(t)
	ctx := engineDB.Scope(t)

	tables := []string{
		"engine_workflows",
		"engine_columns",
		"engine_views",
		"engine_actions",
		"engine_conditions",
		"engine_workflow_leases",
		"engine_upload_drafts",
	}

	for _, table := range tables {
		var exists bool
		err := engineDB.DB.Pool.QueryRow(ctx,
			"SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = 'public' AND table_name = $1)", table).
			Scan(&exists)
		if err != nil {
			t.Fatalf("failed to check table %s: %v", table, err)
		}
		if !exists {
			t.Errorf("expected table %s to exist", table)
		}
	}
}
