package datasource

import (
	"context"
	"sort"
	"sync"
)

// DatasourceAdapterInfo describes a registered adapter for UI discovery.
type DatasourceAdapterInfo struct {
	Type        string `json:"type"`         // "postgres", "sqlserver", "mysql", "sqlite"
	DisplayName string `json:"display_name"` // "PostgreSQL", "Microsoft SQL Server"
	Description string `json:"description"`  // "Connect to PostgreSQL 12+"
}

// ReaderFactoryFunc opens a TableReader for one set of connection params.
type ReaderFactoryFunc func(ctx context.Context, params ConnectionParams) (TableReader, error)

// DatasourceAdapterRegistration contains info + the factory for creating readers.
type DatasourceAdapterRegistration struct {
	Info          DatasourceAdapterInfo
	ReaderFactory ReaderFactoryFunc
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]DatasourceAdapterRegistration)
)

// Register is called by each adapter's init() function.
// Thread-safe for concurrent init() calls.
func Register(reg DatasourceAdapterRegistration) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[reg.Info.Type] = reg
}

// RegisteredAdapters returns info for all registered adapters, sorted by type.
func RegisteredAdapters() []DatasourceAdapterInfo {
	registryMu.RLock()
	defer registryMu.RUnlock()

	result := make([]DatasourceAdapterInfo, 0, len(registry))
	for _, reg := range registry {
		result = append(result, reg.Info)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Type < result[j].Type })
	return result
}

// GetReaderFactory returns the reader factory for a dialect.
// Returns nil if the dialect is not registered.
func GetReaderFactory(dialect string) ReaderFactoryFunc {
	registryMu.RLock()
	defer registryMu.RUnlock()

	if reg, ok := registry[dialect]; ok {
		return reg.ReaderFactory
	}
	return nil
}

// IsRegistered checks if an adapter type is available.
func IsRegistered(dialect string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := registry[dialect]
	return ok
}
