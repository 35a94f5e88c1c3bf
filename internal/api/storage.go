package api

import (
	"context"
	"net/http"

	"github.com/cockroachdb/errors"
	"github.com/dreamware/tessera/internal/client"
	"github.com/dreamware/tessera/internal/cluster"
	"github.com/dreamware/tessera/internal/node"
	"github.com/dreamware/tessera/internal/shard"
	"github.com/dreamware/tessera/internal/storage"
	"github.com/gorilla/mux"
)

// StorageAPI serves a storage node's public and internal routes
type StorageAPI struct {
	node  *node.Node
	admin *client.AdminClient
}

// NewStorageAPI returns the handlers of n. admin is used by
// MigrateToNewNode and may be nil.
func NewStorageAPI(n *node.Node, admin *client.AdminClient) *StorageAPI {
	return &StorageAPI{node: n, admin: admin}
}

// Register adds the storage routes to r
func (a *StorageAPI) Register(r *mux.Router) {
	s := r.PathPrefix("/storage").Methods(http.MethodPost).Subrouter()
	s.HandleFunc("/CreateNamespace", rpc(a.createNamespace))
	s.HandleFunc("/DeleteNamespace", rpc(a.deleteNamespace))
	s.HandleFunc("/Put", rpc(a.put))
	s.HandleFunc("/Get", rpc(a.get))
	s.HandleFunc("/GetMetadata", rpc(a.getMetadata))
	s.HandleFunc("/ListKeys", rpc(a.listKeys))
	s.HandleFunc("/Delete", rpc(a.delete))
	s.HandleFunc("/MigrateToNewNode", a.migrateToNewNode)

	in := r.PathPrefix("/internal").Subrouter()
	in.HandleFunc("/namespaces", query(a.namespaces)).Methods(http.MethodGet)
	in.HandleFunc("/table", query(a.table)).Methods(http.MethodGet)
	in.HandleFunc("/table", rpc(a.applyTable)).Methods(http.MethodPost)
	in.HandleFunc("/shards", query(a.shards)).Methods(http.MethodGet)
	in.HandleFunc("/begin", rpc(a.begin)).Methods(http.MethodPost)
	in.HandleFunc("/export", rpc(a.export)).Methods(http.MethodPost)
	in.HandleFunc("/backlog", rpc(a.backlog)).Methods(http.MethodPost)
	in.HandleFunc("/freeze", rpc(a.freeze)).Methods(http.MethodPost)
	in.HandleFunc("/abort", rpc(a.abort)).Methods(http.MethodPost)
	in.HandleFunc("/complete", rpc(a.complete)).Methods(http.MethodPost)
	in.HandleFunc("/drop", rpc(a.drop)).Methods(http.MethodPost)
	in.HandleFunc("/import", rpc(a.importMutations)).Methods(http.MethodPost)
	in.HandleFunc("/accept", rpc(a.accept)).Methods(http.MethodPost)
}

func badRequest(msg string) error {
	return errors.Wrap(cluster.ErrBadRequest, msg)
}

func checkKey(ns string, key []byte) error {
	if ns == "" {
		return badRequest("namespace_id is required")
	}
	if len(key) == 0 {
		return badRequest("key is required")
	}
	return nil
}

func (a *StorageAPI) createNamespace(ctx context.Context, req cluster.NamespaceRequest) (*empty, error) {
	if req.Name == "" {
		return nil, badRequest("name is required")
	}
	return nil, a.node.CreateNamespace(ctx, req.Name)
}

func (a *StorageAPI) deleteNamespace(ctx context.Context, req cluster.NamespaceRequest) (*empty, error) {
	if req.Name == "" {
		return nil, badRequest("name is required")
	}
	return nil, a.node.DeleteNamespace(ctx, req.Name)
}

func (a *StorageAPI) put(ctx context.Context, req cluster.PutRequest) (*cluster.PutResponse, error) {
	if err := checkKey(req.NamespaceID, req.Key); err != nil {
		return nil, err
	}
	md, err := a.node.Put(ctx, req)
	if err != nil {
		return nil, err
	}
	return &cluster.PutResponse{Version: md.Version, CRC: md.CRC, CreationTime: md.CreationTime}, nil
}

func (a *StorageAPI) get(ctx context.Context, req cluster.GetRequest) (*cluster.GetResponse, error) {
	if err := checkKey(req.NamespaceID, req.Key); err != nil {
		return nil, err
	}
	rec, err := a.node.Get(ctx, req)
	if err != nil {
		return nil, err
	}
	return &cluster.GetResponse{Key: rec.Key, Value: rec.Value, Metadata: rec.Metadata()}, nil
}

func (a *StorageAPI) getMetadata(ctx context.Context, req cluster.GetRequest) (*cluster.MetadataResponse, error) {
	if err := checkKey(req.NamespaceID, req.Key); err != nil {
		return nil, err
	}
	md, err := a.node.GetMetadata(ctx, req)
	if err != nil {
		return nil, err
	}
	return &cluster.MetadataResponse{Metadata: md}, nil
}

func (a *StorageAPI) listKeys(ctx context.Context, req cluster.ListKeysRequest) (*cluster.ListKeysResponse, error) {
	if req.NamespaceID == "" {
		return nil, badRequest("namespace_id is required")
	}
	if req.Limit < 0 {
		return nil, badRequest("limit must not be negative")
	}
	page, err := a.node.ListKeys(ctx, req.NamespaceID, storage.ListOptions{StartKey: req.StartKey, Limit: req.Limit})
	if err != nil {
		return nil, err
	}
	return &cluster.ListKeysResponse{Keys: page.Keys, LastKey: page.LastKey}, nil
}

func (a *StorageAPI) delete(ctx context.Context, req cluster.DeleteRequest) (*empty, error) {
	if err := checkKey(req.NamespaceID, req.Key); err != nil {
		return nil, err
	}
	return nil, a.node.Delete(ctx, req)
}

// migrateToNewNode forwards to the admin, naming this node as the source.
// Moves that are already running answer 202.
func (a *StorageAPI) migrateToNewNode(w http.ResponseWriter, r *http.Request) {
	var req cluster.MigrateRequest
	if err := decode(r, &req); err != nil {
		cluster.WriteError(w, err)
		return
	}
	if a.admin == nil {
		cluster.WriteError(w, badRequest("no admin configured"))
		return
	}
	resp, err := a.admin.RequestMigration(r.Context(), a.node.ID(), req.StorageNodeNumber)
	if err != nil {
		cluster.WriteError(w, err)
		return
	}
	status := http.StatusOK
	if resp.Status == cluster.MigrationInProgress {
		status = http.StatusAccepted
	}
	cluster.WriteJSON(w, status, resp)
}

// Internal routes

func (a *StorageAPI) namespaces(ctx context.Context) (*cluster.NamespacesResponse, error) {
	names, err := a.node.Namespaces(ctx)
	if err != nil {
		return nil, err
	}
	return &cluster.NamespacesResponse{Namespaces: names}, nil
}

func (a *StorageAPI) table(context.Context) (*cluster.TableResponse, error) {
	t := a.node.Table()
	if t == nil {
		return nil, errors.Wrap(cluster.ErrNoAvailableServer, "no partition table yet")
	}
	return &cluster.TableResponse{Table: t.Snapshot()}, nil
}

func (a *StorageAPI) applyTable(ctx context.Context, req cluster.TableResponse) (*empty, error) {
	return nil, a.node.ApplyTable(ctx, req.Table)
}

func (a *StorageAPI) shards(context.Context) (*[]shard.ShardInfo, error) {
	infos := a.node.Shards()
	return &infos, nil
}

func (a *StorageAPI) begin(ctx context.Context, req cluster.PartitionRequest) (*empty, error) {
	if req.Target == "" {
		return nil, badRequest("target is required")
	}
	return nil, a.node.BeginMigration(ctx, req.Partition, req.Target)
}

func (a *StorageAPI) export(ctx context.Context, req cluster.ExportRequest) (*cluster.ExportResponse, error) {
	resp, err := a.node.ExportPartition(ctx, req)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

func (a *StorageAPI) backlog(ctx context.Context, req cluster.PartitionRequest) (*cluster.BacklogResponse, error) {
	muts, err := a.node.TakeBacklog(ctx, req.Partition)
	if err != nil {
		return nil, err
	}
	return &cluster.BacklogResponse{Mutations: orEmpty(muts)}, nil
}

func (a *StorageAPI) freeze(ctx context.Context, req cluster.FreezeRequest) (*cluster.BacklogResponse, error) {
	muts, err := a.node.Freeze(ctx, req.Partition, req.Timeout, req.Lease)
	if err != nil {
		return nil, err
	}
	return &cluster.BacklogResponse{Mutations: orEmpty(muts)}, nil
}

func orEmpty(muts []storage.Mutation) []storage.Mutation {
	if muts == nil {
		return []storage.Mutation{}
	}
	return muts
}

func (a *StorageAPI) abort(ctx context.Context, req cluster.PartitionRequest) (*empty, error) {
	return nil, a.node.AbortMigration(ctx, req.Partition)
}

func (a *StorageAPI) complete(ctx context.Context, req cluster.PartitionRequest) (*empty, error) {
	return nil, a.node.CompleteCutover(ctx, req.Partition)
}

func (a *StorageAPI) drop(ctx context.Context, req cluster.PartitionRequest) (*empty, error) {
	return nil, a.node.DropPartition(ctx, req.Partition)
}

func (a *StorageAPI) importMutations(ctx context.Context, req cluster.ImportRequest) (*empty, error) {
	return nil, a.node.Import(ctx, req.Partition, req.Mutations)
}

func (a *StorageAPI) accept(ctx context.Context, req cluster.PartitionRequest) (*empty, error) {
	return nil, a.node.AcceptPartition(ctx, req.Partition)
}
