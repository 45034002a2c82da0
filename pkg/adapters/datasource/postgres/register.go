package postgres

import (
	"context"

	"github.com/ekaya-inc/ontask-engine/pkg/adapters/datasource"
)

func init() {
	datasource.Register(datasource.DatasourceAdapterRegistration{
		Info: datasource.DatasourceAdapterInfo{
			Type:        "postgres",
			DisplayName: "PostgreSQL",
			Description: "Connect to PostgreSQL 12+, Aurora PostgreSQL, Supabase",
		},
		ReaderFactory: func(ctx context.Context, params datasource.ConnectionParams) (datasource.TableReader, error) {
			cfg, err := FromParams(params)
			if err != nil {
				return nil, err
			}
			return NewReader(ctx, cfg)
		},
	})
}
