package cluster

import (
	"time"

	"github.com/dreamware/tessera/internal/partition"
	"github.com/dreamware/tessera/internal/storage"
)

// StorageServer is a registered storage node. Its identity is immutable once
// registered; NumPartitions is the share of partitions it was given by the
// assignment computed at registration time.
type StorageServer struct {
	ID            string    `json:"id"`
	URI           string    `json:"uri"`
	NumPartitions uint32    `json:"num_partitions"`
	AddedAt       time.Time `json:"added_at"`
}

// Storage service

type NamespaceRequest struct {
	Name string `json:"name"`
}

type PutRequest struct {
	NamespaceID string  `json:"namespace_id"`
	PartitionID *uint32 `json:"partition_id,omitempty"`
	Key         []byte  `json:"key"`
	Value       []byte  `json:"value"`
	CRC         *uint32 `json:"crc,omitempty"`
}

type PutResponse struct {
	Version      uint32    `json:"version"`
	CRC          uint32    `json:"crc"`
	CreationTime time.Time `json:"creation_time"`
}

// GetRequest is shared by Get and GetMetadata.
type GetRequest struct {
	NamespaceID string  `json:"namespace_id"`
	PartitionID *uint32 `json:"partition_id,omitempty"`
	Key         []byte  `json:"key"`
	Version     *uint32 `json:"version,omitempty"`
}

type GetResponse struct {
	Key      []byte           `json:"key"`
	Value    []byte           `json:"value"`
	Metadata storage.Metadata `json:"metadata"`
}

type MetadataResponse struct {
	Metadata storage.Metadata `json:"metadata"`
}

type ListKeysRequest struct {
	NamespaceID string `json:"namespace_id"`
	Limit       int    `json:"limit,omitempty"`
	StartKey    []byte `json:"start_key,omitempty"`
}

type ListKeysResponse struct {
	Keys    []storage.KeyMetadata `json:"keys"`
	LastKey []byte                `json:"last_key,omitempty"`
}

type DeleteRequest struct {
	NamespaceID string  `json:"namespace_id"`
	PartitionID *uint32 `json:"partition_id,omitempty"`
	Key         []byte  `json:"key"`
}

// MigrateRequest asks for pending partitions of the receiving node to be
// moved to the server at StorageNodeNumber (registration order, from 0).
type MigrateRequest struct {
	StorageNodeNumber int `json:"storage_node_number"`
}

// MigrateResponse statuses
const (
	MigrationStarted    = "started"
	MigrationIdle       = "idle"
	MigrationInProgress = "in-progress"
)

type MigrateResponse struct {
	Status  string `json:"status"`
	Target  string `json:"target"`
	Pending int    `json:"pending"`
}

// Internal node-to-node and admin-to-node messages

type NamespacesResponse struct {
	Namespaces []string `json:"namespaces"`
}

// PartitionRequest addresses one partition of a node. Target is only used
// by BeginMigration.
type PartitionRequest struct {
	Partition uint32 `json:"partition"`
	Target    string `json:"target,omitempty"`
}

type ExportRequest struct {
	Partition uint32 `json:"partition"`
	Namespace string `json:"namespace"`
	StartKey  []byte `json:"start_key,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

type ExportResponse struct {
	Records []storage.Record `json:"records"`
	LastKey []byte           `json:"last_key,omitempty"`
	Done    bool             `json:"done"`
}

// FreezeRequest asks a source to stop writes. Timeout bounds the wait for
// in-flight writes and Lease how long writes stay stopped without a
// cutover.
type FreezeRequest struct {
	Partition uint32        `json:"partition"`
	Timeout   time.Duration `json:"timeout"`
	Lease     time.Duration `json:"lease,omitempty"`
}

// BacklogResponse carries writes in the order the source accepted them.
type BacklogResponse struct {
	Mutations []storage.Mutation `json:"mutations"`
}

type ImportRequest struct {
	Partition uint32             `json:"partition"`
	Mutations []storage.Mutation `json:"mutations"`
}

type TableResponse struct {
	Table partition.Snapshot `json:"table"`
}

// Admin service

type AddServerRequest struct {
	ID  string `json:"id"`
	URI string `json:"uri"`
}

type AddServerResponse struct {
	Server StorageServer `json:"server"`
	Moves  int           `json:"moves"`
}

type ListServersResponse struct {
	Servers []StorageServer `json:"servers"`
}

type RequestMigrationRequest struct {
	Source            string `json:"source"`
	StorageNodeNumber int    `json:"storage_node_number"`
}

// MigrationInfo reports the progress of one partition move.
type MigrationInfo struct {
	ID        string    `json:"id"`
	Partition uint32    `json:"partition"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Phase     string    `json:"phase"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error,omitempty"`
	Copied    int       `json:"copied"`
	UpdatedAt time.Time `json:"updated_at"`
}

type MigrationsResponse struct {
	Migrations []MigrationInfo `json:"migrations"`
}
