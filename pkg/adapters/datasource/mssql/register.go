package mssql

import (
	"context"

	"github.com/ekaya-inc/ontask-engine/pkg/adapters/datasource"
)

func init() {
	datasource.Register(datasource.DatasourceAdapterRegistration{
		Info: datasource.DatasourceAdapterInfo{
			Type:        "sqlserver",
			DisplayName: "Microsoft SQL Server",
			Description: "Connect to SQL Server 2019+, Azure SQL Database",
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
