package fieldsync

import (
	"context"

	"fieldsync/internal/model"
)

// Metadata keys stored in the sync_metadata table.
const (
	MetaLastSync     = "last_sync"
	MetaDataVersion  = "data_version"
	MetaTotalRecords = "total_records"
	MetaQueueLastRun = "queue_last_sync"
)

// Store is the local durable store. Every multi-row mutation is a single transaction.
// Getters return nil, nil when the record does not exist.
type Store interface {
	// Connection status (single row).
	SaveConnectionStatus(ctx context.Context, status model.ConnectionStatus) error
	LoadConnectionStatus(ctx context.Context) (*model.ConnectionStatus, error)

	// Credentials (single live row, token sealed at rest).
	SaveCredential(ctx context.Context, cred *model.Credential) error
	LoadCredential(ctx context.Context) (*model.Credential, error)

	// Outbound queue.
	Enqueue(ctx context.Context, item *model.QueueItem) (bool, error)
	ListQueueItems(ctx context.Context) ([]*model.QueueItem, error)
	DeleteQueueItem(ctx context.Context, id string) error
	RecordQueueFailure(ctx context.Context, id string, lastErr string) (int, error)
	ResetFailedQueueItems(ctx context.Context, maxRetries int) (int64, error)
	DeleteFailedQueueItems(ctx context.Context, maxRetries int) (int64, error)

	// Local entities. Create* also enqueue the item in the same transaction.
	CreateInspection(ctx context.Context, ins *model.Inspection, item *model.QueueItem) error
	CreatePhoto(ctx context.Context, photo *model.Photo, item *model.QueueItem) error
	GetInspection(ctx context.Context, id string) (*model.Inspection, error)
	GetPhoto(ctx context.Context, id string) (*model.Photo, error)
	MarkInspectionSynced(ctx context.Context, id string, serverID int64, queueItemID string) error
	MarkPhotoSynced(ctx context.Context, id string, queueItemID string) error

	// Reference snapshot.
	ReplaceSnapshot(ctx context.Context, snap *model.ReferenceSnapshot) error
	ClearSnapshot(ctx context.Context) error
	SnapshotMeta(ctx context.Context) (*model.SnapshotMeta, error)
	ReferenceCounts(ctx context.Context) (vehicles int, permitHolders int, err error)
	FindVehicleByEquipNo(ctx context.Context, equipNo string) (*model.Vehicle, error)
	FindPermitHolderByName(ctx context.Context, name string) (*model.PermitHolder, error)
	ListVehicles(ctx context.Context) ([]*model.Vehicle, error)
	ListPermitHolders(ctx context.Context) ([]*model.PermitHolder, error)
	// The ById lookups return ErrIndexMissing when the id index is absent.
	FindVehicleByID(ctx context.Context, id int64) (*model.Vehicle, error)
	FindPermitHolderByID(ctx context.Context, id int64) (*model.PermitHolder, error)

	// Key/value metadata.
	GetMetadata(ctx context.Context, key string) (string, bool, error)
	SetMetadata(ctx context.Context, key, value string) error

	// Sync run history.
	RecordSyncRun(ctx context.Context, run *model.SyncRun) error
	ListSyncRuns(ctx context.Context, limit int) ([]*model.SyncRun, error)
}

// Sealer protects the credential token at rest.
type Sealer interface {
	// Setup performs one-time key generation. Called during `fieldsync config init`.
	Setup() error

	// Seal encrypts plaintext.
	Seal(plaintext []byte) ([]byte, error)

	// Open reverses Seal.
	Open(sealed []byte) ([]byte, error)

	// IsConfigured returns true if key material exists.
	IsConfigured() bool
}
