package client

import (
	"context"

	"github.com/dreamware/tessera/internal/cluster"
	"github.com/dreamware/tessera/internal/partition"
)

// AdminClient calls the admin service
type AdminClient struct {
	base string
}

// NewAdminClient returns a client for the admin service at uri
func NewAdminClient(uri string) *AdminClient {
	return &AdminClient{base: normalize(uri)}
}

// URI returns the admin base URL
func (a *AdminClient) URI() string { return a.base }

// AddStorageServer registers a storage server
func (a *AdminClient) AddStorageServer(ctx context.Context, id, uri string) (cluster.AddServerResponse, error) {
	var resp cluster.AddServerResponse
	err := cluster.PostJSON(ctx, a.base+"/admin/AddStorageServer", cluster.AddServerRequest{ID: id, URI: uri}, &resp)
	return resp, err
}

// ListStorageServers returns the registered servers in registration order
func (a *AdminClient) ListStorageServers(ctx context.Context) ([]cluster.StorageServer, error) {
	var resp cluster.ListServersResponse
	if err := cluster.GetJSON(ctx, a.base+"/admin/ListStorageServers", &resp); err != nil {
		return nil, err
	}
	return resp.Servers, nil
}

// Table fetches the live partition table
func (a *AdminClient) Table(ctx context.Context) (*partition.Table, error) {
	var resp cluster.TableResponse
	if err := cluster.GetJSON(ctx, a.base+"/admin/Table", &resp); err != nil {
		return nil, err
	}
	return partition.FromSnapshot(resp.Table)
}

// RequestMigration asks the admin to move pending partitions of source to
// the server at storageNodeNumber. A Status of "in-progress" means the
// moves were already running.
func (a *AdminClient) RequestMigration(ctx context.Context, source string, storageNodeNumber int) (cluster.MigrateResponse, error) {
	var resp cluster.MigrateResponse
	req := cluster.RequestMigrationRequest{Source: source, StorageNodeNumber: storageNodeNumber}
	err := cluster.PostJSON(ctx, a.base+"/admin/RequestMigration", req, &resp)
	return resp, err
}

// Migrations reports the moves the admin has run or is running
func (a *AdminClient) Migrations(ctx context.Context) ([]cluster.MigrationInfo, error) {
	var resp cluster.MigrationsResponse
	if err := cluster.GetJSON(ctx, a.base+"/admin/Migrations", &resp); err != nil {
		return nil, err
	}
	return resp.Migrations, nil
}
