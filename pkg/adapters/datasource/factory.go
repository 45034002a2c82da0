package datasource

import (
	"context"
	"fmt"
)

// ReaderFactory creates table readers from the registry.
type ReaderFactory interface {
	// NewReader opens a reader for the given dialect.
	NewReader(ctx context.Context, dialect string, params ConnectionParams) (TableReader, error)

	// ListTypes returns info for all registered adapter types.
	ListTypes() []DatasourceAdapterInfo
}

type registryFactory struct{}

// NewReaderFactory returns a factory that uses the global registry.
func NewReaderFactory() ReaderFactory {
	return &registryFactory{}
}

func (f *registryFactory) NewReader(ctx context.Context, dialect string, params ConnectionParams) (TableReader, error) {
	factory := GetReaderFactory(dialect)
	if factory == nil {
		return nil, fmt.Errorf("unsupported datasource type: %s (not compiled in)", dialect)
	}
	return factory(ctx, params)
}

func (f *registryFactory) ListTypes() []DatasourceAdapterInfo {
	return RegisteredAdapters()
}

// Ensure registryFactory implements ReaderFactory at compile time.
var _ ReaderFactory = (*registryFactory)(nil)
