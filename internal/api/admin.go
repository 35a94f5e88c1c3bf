package api

import (
	"context"
	"net/http"

	"github.com/cockroachdb/errors"
	"github.com/dreamware/tessera/internal/cluster"
	"github.com/dreamware/tessera/internal/coordinator"
	"github.com/gorilla/mux"
)

// AdminAPI serves the admin routes
type AdminAPI struct {
	registry *coordinator.Registry
	migrator *coordinator.Migrator
	monitor  *coordinator.HealthMonitor
}

// NewAdminAPI returns the admin handlers. monitor may be nil.
func NewAdminAPI(registry *coordinator.Registry, migrator *coordinator.Migrator, monitor *coordinator.HealthMonitor) *AdminAPI {
	return &AdminAPI{registry: registry, migrator: migrator, monitor: monitor}
}

// Register adds the admin routes to r
func (a *AdminAPI) Register(r *mux.Router) {
	s := r.PathPrefix("/admin").Subrouter()
	s.HandleFunc("/AddStorageServer", rpc(a.addStorageServer)).Methods(http.MethodPost)
	s.HandleFunc("/ListStorageServers", query(a.listStorageServers)).Methods(http.MethodGet)
	s.HandleFunc("/Table", query(a.table)).Methods(http.MethodGet)
	s.HandleFunc("/RequestMigration", a.requestMigration).Methods(http.MethodPost)
	s.HandleFunc("/Migrations", query(a.migrations)).Methods(http.MethodGet)
	s.HandleFunc("/Health", query(a.health)).Methods(http.MethodGet)
}

func (a *AdminAPI) addStorageServer(ctx context.Context, req cluster.AddServerRequest) (*cluster.AddServerResponse, error) {
	s, moves, err := a.registry.AddStorageServer(ctx, req.ID, req.URI)
	if err != nil {
		return nil, err
	}
	a.migrator.PushTable()
	return &cluster.AddServerResponse{Server: s, Moves: len(moves)}, nil
}

func (a *AdminAPI) listStorageServers(context.Context) (*cluster.ListServersResponse, error) {
	return &cluster.ListServersResponse{Servers: a.registry.ListStorageServers()}, nil
}

func (a *AdminAPI) table(context.Context) (*cluster.TableResponse, error) {
	t, err := a.registry.Table()
	if err != nil {
		return nil, err
	}
	return &cluster.TableResponse{Table: t.Snapshot()}, nil
}

// requestMigration answers 202 with status "in-progress" when every
// pending move to the target is already running.
func (a *AdminAPI) requestMigration(w http.ResponseWriter, r *http.Request) {
	var req cluster.RequestMigrationRequest
	if err := decode(r, &req); err != nil {
		cluster.WriteError(w, err)
		return
	}
	target, pending, err := a.migrator.RequestMigration(r.Context(), req.Source, req.StorageNodeNumber)
	resp := cluster.MigrateResponse{Target: target, Pending: pending}
	switch {
	case errors.Is(err, cluster.ErrMigrationInProgress):
		resp.Status = cluster.MigrationInProgress
		cluster.WriteJSON(w, http.StatusAccepted, resp)
	case err != nil:
		cluster.WriteError(w, err)
	case pending == 0:
		resp.Status = cluster.MigrationIdle
		cluster.WriteJSON(w, http.StatusOK, resp)
	default:
		resp.Status = cluster.MigrationStarted
		cluster.WriteJSON(w, http.StatusOK, resp)
	}
}

func (a *AdminAPI) migrations(context.Context) (*cluster.MigrationsResponse, error) {
	return &cluster.MigrationsResponse{Migrations: a.migrator.Status()}, nil
}

func (a *AdminAPI) health(context.Context) (*map[string]coordinator.ServerHealth, error) {
	out := map[string]coordinator.ServerHealth{}
	if a.monitor != nil {
		out = a.monitor.GetAllServerHealth()
	}
	return &out, nil
}
