// Package client provides HTTP clients for the storage and admin services
// and the client-side Router that resolves keys to storage servers.
package client

import (
	"context"
	"strings"
	"time"

	"github.com/dreamware/tessera/internal/cluster"
	"github.com/dreamware/tessera/internal/partition"
	"github.com/dreamware/tessera/internal/storage"
)

// NodeClient calls one storage server. It speaks both the public storage
// routes and the internal migration routes.
type NodeClient struct {
	base string
}

// NewNodeClient returns a client for the storage server at uri
func NewNodeClient(uri string) *NodeClient {
	return &NodeClient{base: normalize(uri)}
}

func normalize(uri string) string {
	if !strings.HasPrefix(uri, "http://") && !strings.HasPrefix(uri, "https://") {
		uri = "http://" + uri
	}
	return strings.TrimRight(uri, "/")
}

// URI returns the server base URL
func (c *NodeClient) URI() string { return c.base }

func (c *NodeClient) post(ctx context.Context, path string, body, out any) error {
	return cluster.PostJSON(ctx, c.base+path, body, out)
}

// CreateNamespace creates a namespace on this server only
func (c *NodeClient) CreateNamespace(ctx context.Context, name string) error {
	return c.post(ctx, "/storage/CreateNamespace", cluster.NamespaceRequest{Name: name}, nil)
}

// DeleteNamespace deletes a namespace on this server only
func (c *NodeClient) DeleteNamespace(ctx context.Context, name string) error {
	return c.post(ctx, "/storage/DeleteNamespace", cluster.NamespaceRequest{Name: name}, nil)
}

func (c *NodeClient) Put(ctx context.Context, req cluster.PutRequest) (storage.Metadata, error) {
	var resp cluster.PutResponse
	if err := c.post(ctx, "/storage/Put", req, &resp); err != nil {
		return storage.Metadata{}, err
	}
	return storage.Metadata{CreationTime: resp.CreationTime, Version: resp.Version, CRC: resp.CRC}, nil
}

func (c *NodeClient) Get(ctx context.Context, req cluster.GetRequest) (storage.Record, error) {
	var resp cluster.GetResponse
	if err := c.post(ctx, "/storage/Get", req, &resp); err != nil {
		return storage.Record{}, err
	}
	return storage.Record{
		Key:          resp.Key,
		Value:        resp.Value,
		CreationTime: resp.Metadata.CreationTime,
		Version:      resp.Metadata.Version,
		CRC:          resp.Metadata.CRC,
	}, nil
}

func (c *NodeClient) GetMetadata(ctx context.Context, req cluster.GetRequest) (storage.Metadata, error) {
	var resp cluster.MetadataResponse
	if err := c.post(ctx, "/storage/GetMetadata", req, &resp); err != nil {
		return storage.Metadata{}, err
	}
	return resp.Metadata, nil
}

func (c *NodeClient) Delete(ctx context.Context, req cluster.DeleteRequest) error {
	return c.post(ctx, "/storage/Delete", req, nil)
}

// ListKeys lists the keys this server serves
func (c *NodeClient) ListKeys(ctx context.Context, req cluster.ListKeysRequest) (storage.KeyPage, error) {
	var resp cluster.ListKeysResponse
	if err := c.post(ctx, "/storage/ListKeys", req, &resp); err != nil {
		return storage.KeyPage{}, err
	}
	return storage.KeyPage{Keys: resp.Keys, LastKey: resp.LastKey}, nil
}

// MigrateToNewNode asks this server to hand its pending partitions to the
// server at storageNodeNumber.
func (c *NodeClient) MigrateToNewNode(ctx context.Context, storageNodeNumber int) (cluster.MigrateResponse, error) {
	var resp cluster.MigrateResponse
	err := c.post(ctx, "/storage/MigrateToNewNode", cluster.MigrateRequest{StorageNodeNumber: storageNodeNumber}, &resp)
	return resp, err
}

// Internal routes

func (c *NodeClient) Namespaces(ctx context.Context) ([]string, error) {
	var resp cluster.NamespacesResponse
	if err := cluster.GetJSON(ctx, c.base+"/internal/namespaces", &resp); err != nil {
		return nil, err
	}
	return resp.Namespaces, nil
}

func (c *NodeClient) BeginMigration(ctx context.Context, pid uint32, target string) error {
	return c.post(ctx, "/internal/begin", cluster.PartitionRequest{Partition: pid, Target: target}, nil)
}

func (c *NodeClient) ExportPartition(ctx context.Context, req cluster.ExportRequest) (cluster.ExportResponse, error) {
	var resp cluster.ExportResponse
	err := c.post(ctx, "/internal/export", req, &resp)
	return resp, err
}

func (c *NodeClient) TakeBacklog(ctx context.Context, pid uint32) ([]storage.Mutation, error) {
	var resp cluster.BacklogResponse
	if err := c.post(ctx, "/internal/backlog", cluster.PartitionRequest{Partition: pid}, &resp); err != nil {
		return nil, err
	}
	return resp.Mutations, nil
}

func (c *NodeClient) Freeze(ctx context.Context, pid uint32, timeout, lease time.Duration) ([]storage.Mutation, error) {
	var resp cluster.BacklogResponse
	req := cluster.FreezeRequest{Partition: pid, Timeout: timeout, Lease: lease}
	if err := c.post(ctx, "/internal/freeze", req, &resp); err != nil {
		return nil, err
	}
	return resp.Mutations, nil
}

func (c *NodeClient) AbortMigration(ctx context.Context, pid uint32) error {
	return c.post(ctx, "/internal/abort", cluster.PartitionRequest{Partition: pid}, nil)
}

func (c *NodeClient) CompleteCutover(ctx context.Context, pid uint32) error {
	return c.post(ctx, "/internal/complete", cluster.PartitionRequest{Partition: pid}, nil)
}

func (c *NodeClient) DropPartition(ctx context.Context, pid uint32) error {
	return c.post(ctx, "/internal/drop", cluster.PartitionRequest{Partition: pid}, nil)
}

func (c *NodeClient) Import(ctx context.Context, pid uint32, muts []storage.Mutation) error {
	return c.post(ctx, "/internal/import", cluster.ImportRequest{Partition: pid, Mutations: muts}, nil)
}

func (c *NodeClient) AcceptPartition(ctx context.Context, pid uint32) error {
	return c.post(ctx, "/internal/accept", cluster.PartitionRequest{Partition: pid}, nil)
}

// ApplyTable pushes a partition table to the server
func (c *NodeClient) ApplyTable(ctx context.Context, snap partition.Snapshot) error {
	return c.post(ctx, "/internal/table", cluster.TableResponse{Table: snap}, nil)
}
