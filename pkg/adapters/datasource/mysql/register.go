package mysql

import (
	"context"

	"github.com/ekaya-inc/ontask-engine/pkg/adapters/datasource"
)

func init() {
	datasource.Register(datasource.DatasourceAdapterRegistration{
		Info: datasource.DatasourceAdapterInfo{
			Type:        "mysql",
			DisplayName: "MySQL",
			Description: "Connect to MySQL 8+, MariaDB, Aurora MySQL",
		},
		ReaderFactory: func(ctx context.Context, params datasource.ConnectionParams) (datasource.TableReader, error) {
			return NewReader(ctx, params)
		},
	})
}
