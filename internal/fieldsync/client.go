package fieldsync

import (
	"context"
	"time"

	"fieldsync/internal/model"
)

// Prober checks whether an endpoint answers its health route.
// A probe never fails; unreachable endpoints yield Available=false.
type Prober interface {
	Probe(ctx context.Context, ep model.Endpoint, timeout time.Duration) model.ProbeResult
}

// DeviceRegistration is the body of a device token request.
type DeviceRegistration struct {
	DeviceID   string
	Platform   string
	AppVersion string
	Timestamp  time.Time
}

// IssuedToken is the server's answer to a device registration.
// ExpiresAt is zero when the server did not say.
type IssuedToken struct {
	Token     string
	ExpiresAt time.Time
}

// Client is the HTTP binding to the inspection backend. Every call is addressed
// to an explicit base URL so callers choose the endpoint per attempt.
// Transport failures wrap ErrUnreachable; non-2xx responses are *StatusError.
type Client interface {
	RegisterDevice(ctx context.Context, baseURL string, reg DeviceRegistration) (*IssuedToken, error)
	ValidateToken(ctx context.Context, baseURL, token string) (bool, error)

	FetchVehicles(ctx context.Context, baseURL string) ([]model.Vehicle, error)
	FetchPermitHolders(ctx context.Context, baseURL string) ([]model.PermitHolder, error)
	FetchLegacyVehicles(ctx context.Context, baseURL string) ([]model.Vehicle, error)
	FetchLegacyPermitHolders(ctx context.Context, baseURL string) ([]model.PermitHolder, error)
	FetchVehicle(ctx context.Context, baseURL string, id int64) (*model.Vehicle, error)
	FetchPermitHolder(ctx context.Context, baseURL string, id int64) (*model.PermitHolder, error)

	// SubmitInspection returns the server-assigned inspection ID.
	SubmitInspection(ctx context.Context, baseURL, token string, ins *model.Inspection) (int64, error)
	// SubmitPhoto attaches photo to the server inspection serverInspectionID.
	SubmitPhoto(ctx context.Context, baseURL, token string, photo *model.Photo, serverInspectionID string) error
}
