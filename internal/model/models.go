package model

import "time"

// EndpointType distinguishes on-premise servers from internet-hosted ones.
type EndpointType string

const (
	EndpointCloud EndpointType = "cloud"
	EndpointLocal EndpointType = "local"
)

// Mode is the connectivity mode derived from the last check.
type Mode string

const (
	ModeCloud   Mode = "cloud"
	ModeLocal   Mode = "local"
	ModeOffline Mode = "offline"
)

// Endpoint is a candidate server. Higher Priority wins.
type Endpoint struct {
	Name     string
	URL      string // Base URL without trailing slash
	Type     EndpointType
	Priority int
}

// ProbeResult is the outcome of a single health probe.
type ProbeResult struct {
	Endpoint     Endpoint
	Available    bool
	Unverified   bool // Reached only by an opaque check; health not confirmed
	ResponseTime time.Duration
	StatusCode   int
	Err          string
}

// ConnectionStatus is the reachability snapshot produced by a connectivity check.
type ConnectionStatus struct {
	IsOnline       bool
	CurrentMode    Mode
	CloudAvailable bool
	LocalAvailable bool
	LastCheckedAt  time.Time
	ResponseTime   time.Duration // Zero when unknown
	ActiveEndpoint string        // Endpoint name, empty when offline
}

// QueueKind identifies the entity type a queue item points at.
type QueueKind string

const (
	KindInspection QueueKind = "inspection"
	KindPhoto      QueueKind = "photo"
)

// Default queue priorities. Lower runs first.
const (
	PriorityInspection = 1
	PriorityPhoto      = 3
)

// QueueItem is a pending outbound submission.
type QueueItem struct {
	ID        string // UUID
	Kind      QueueKind
	RefID     string // Local entity ID
	Priority  int
	Retries   int
	CreatedAt time.Time
	LastError string
}

// Inspection status values.
const (
	StatusPass     = "PASS"
	StatusModerate = "MODERATE"
	StatusFailed   = "FAILED"
)

// Inspection is a locally captured vehicle inspection.
type Inspection struct {
	ID                string // UUID
	VehicleID         int64  // Server vehicle ID, zero when unknown
	EquipNo           string
	InspectorName     string
	InspectionDate    time.Time
	InspectionType    string
	Status            string // PASS, MODERATE or FAILED
	Notes             string
	OdometerReading   int64
	TireCondition     string
	BrakeCondition    string
	LightsWorking     bool
	EngineCondition   string
	BodyCondition     string
	InteriorCondition string
	StarRating        int // 1..5
	GPSLatitude       float64
	GPSLongitude      float64
	CreatedAt         time.Time
	UpdatedAt         time.Time
	PendingSync       bool
	ServerID          int64 // Assigned by the server on submission
}

// Photo is a captured image attached to an inspection.
type Photo struct {
	ID           string // UUID
	InspectionID string // Local inspection ID
	Category     string
	MIME         string
	Data         []byte
	CreatedAt    time.Time
	PendingSync  bool
}

// Vehicle is a cached reference record keyed by equipment number.
type Vehicle struct {
	ID                  int64
	EquipNo             string
	Description         string
	Company             string
	Manufacturer        string
	UnitModel           string
	CommissioningDate   string
	Year                int
	CommissioningStatus string
	ExpiredDate         string
}

// PermitHolder is a cached operator permit record keyed by name.
type PermitHolder struct {
	ID          int64
	Name        string
	IDNumber    string
	Company     string
	Department  string
	ExpiredDate string
	Status      string
}

// SnapshotMeta describes the currently stored reference snapshot.
type SnapshotMeta struct {
	LastSyncAt   time.Time
	DataVersion  string
	TotalRecords int
}

// ReferenceSnapshot is the full set of reference tables, replaced wholesale.
type ReferenceSnapshot struct {
	Vehicles      []Vehicle
	PermitHolders []PermitHolder
	Meta          SnapshotMeta
}

// RecordKind tags the variant held by ReferenceRecord and ScanPayload.
type RecordKind string

const (
	RecordVehicle      RecordKind = "vehicle"
	RecordPermitHolder RecordKind = "permitHolder"
)

// ReferenceRecord holds exactly one of Vehicle or PermitHolder, selected by Kind.
type ReferenceRecord struct {
	Kind         RecordKind
	Vehicle      *Vehicle
	PermitHolder *PermitHolder
}

// ScanPayload is a decoded scan. ID takes precedence over Key when non-zero.
type ScanPayload struct {
	Kind RecordKind
	Key  string
	ID   int64
}

// Credential is the device's bearer token.
type Credential struct {
	DeviceID    string
	Token       string
	ValidUntil  time.Time // Zero for temporary tokens
	IsTemporary bool
	IssuedAt    time.Time
}

// SyncStatus summarizes the outbound queue.
type SyncStatus struct {
	IsOnline     bool
	IsSyncing    bool
	LastSyncAt   time.Time // Zero if never synced
	PendingCount int       // Items still eligible for automatic attempts
	FailedCount  int       // Items that exhausted their retries
}

// SyncRun records one drain of the outbound queue.
type SyncRun struct {
	ID         int64
	Trigger    string // "timer", "force" or "cli"
	StartedAt  time.Time
	FinishedAt time.Time
	Processed  int
	Succeeded  int
	Failed     int
	Dropped    int
	Deferred   int
	Error      string
}
