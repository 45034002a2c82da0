package sqlite

import (
	"context"

	"github.com/ekaya-inc/ontask-engine/pkg/adapters/datasource"
)

func init() {
	datasource.Register(datasource.DatasourceAdapterRegistration{
		Info: datasource.DatasourceAdapterInfo{
			Type:        "sqlite",
			DisplayName: "SQLite",
			Description: "Read a SQLite database file on the server",
		},
		ReaderFactory: func(ctx context.Context, params datasource.ConnectionParams) (datasource.TableReader, error) {
			return NewReader(ctx, params)
		},
	})
}
