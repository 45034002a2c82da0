package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ontask-engine/pkg/adapters/datasource"
	"github.com/ekaya-inc/ontask-engine/pkg/auth"
	"github.com/ekaya-inc/ontask-engine/pkg/config"
)

// ConnectionInfo is the public view of a configured SQL connection.
type ConnectionInfo struct {
	config.ConnectionConfig
	DialectName   string `json:"dialect_name,omitempty"`
	NeedsPassword bool   `json:"needs_password"`
}

// ConnectionsResponse for GET /api/connections
type ConnectionsResponse struct {
	Connections []ConnectionInfo                   `json:"connections"`
	Dialects    []datasource.DatasourceAdapterInfo `json:"dialects"`
}

// ConnectionsHandler lists the SQL connections uploads may read from.
type ConnectionsHandler struct {
	connections []config.ConnectionConfig
	logger      *zap.Logger
}

// NewConnectionsHandler creates a new connections handler.
func NewConnectionsHandler(connections []config.ConnectionConfig, logger *zap.Logger) *ConnectionsHandler {
	return &ConnectionsHandler{
		connections: connections,
		logger:      logger,
	}
}

// RegisterRoutes registers the connections handler's routes on the given mux.
func (h *ConnectionsHandler) RegisterRoutes(mux *http.ServeMux, authMiddleware *auth.Middleware) {
	mux.HandleFunc("GET /api/connections", authMiddleware.RequireAuth(h.List))
}

// List handles GET /api/connections
// Secrets never leave the server: the JSON tags of the descriptor omit
// the password source and driver options.
func (h *ConnectionsHandler) List(w http.ResponseWriter, r *http.Request) {
	dialects := datasource.RegisteredAdapters()
	names := make(map[string]string, len(dialects))
	for _, d := range dialects {
		names[d.Type] = d.DisplayName
	}

	infos := make([]ConnectionInfo, 0, len(h.connections))
	for _, c := range h.connections {
		infos = append(infos, ConnectionInfo{
			ConnectionConfig: c,
			DialectName:      names[c.Dialect],
			NeedsPassword:    c.NeedsPassword() && c.Password() == "",
		})
	}

	writeOK(w, h.logger, http.StatusOK, ConnectionsResponse{Connections: infos, Dialects: dialects})
}
