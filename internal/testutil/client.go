package testutil

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"fieldsync/internal/fieldsync"
	"fieldsync/internal/model"
)

// SubmittedInspection records one SubmitInspection call that succeeded.
type SubmittedInspection struct {
	BaseURL  string
	Token    string
	ID       string
	ServerID int64
}

// SubmittedPhoto records one SubmitPhoto call that succeeded.
type SubmittedPhoto struct {
	BaseURL      string
	Token        string
	ID           string
	InspectionID string
}

// FakeClient is a scripted fieldsync.Client. Exported fields configure responses
// and may be set before use; use the methods to inspect what was called.
type FakeClient struct {
	Vehicles            []model.Vehicle
	PermitHolders       []model.PermitHolder
	LegacyVehicles      []model.Vehicle
	LegacyPermitHolders []model.PermitHolder
	EssentialErr        error
	LegacyErr           error

	// RemoteVehicles and RemotePermitHolders answer the by-id calls.
	RemoteVehicles      map[int64]model.Vehicle
	RemotePermitHolders map[int64]model.PermitHolder
	RemoteErr           error

	RegisterErr   error
	TokenExpiry   time.Time
	ValidateValid bool
	ValidateErr   error

	// BeforeSubmit, if set, runs at the start of every submission.
	BeforeSubmit func(ctx context.Context) error

	mu               sync.Mutex
	calls            map[string]int
	issued           int
	nextServerID     int64
	rejected         map[string]bool
	submitErrs       []error
	inspections      []SubmittedInspection
	photos           []SubmittedPhoto
	order            []string
	lastRegistration fieldsync.DeviceRegistration
}

var _ fieldsync.Client = (*FakeClient)(nil)

func NewFakeClient() *FakeClient {
	return &FakeClient{
		ValidateValid: true,
		calls:         make(map[string]int),
		rejected:      make(map[string]bool),
		nextServerID:  500,
	}
}

// RejectToken makes submissions carrying token answer 401.
func (c *FakeClient) RejectToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rejected[token] = true
}

// FailSubmissions queues errors returned by the next submissions, one per call.
func (c *FakeClient) FailSubmissions(errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.submitErrs = append(c.submitErrs, errs...)
}

// Calls returns how many times the named method was called.
func (c *FakeClient) Calls(method string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[method]
}

func (c *FakeClient) Inspections() []SubmittedInspection {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]SubmittedInspection, len(c.inspections))
	copy(out, c.inspections)
	return out
}

func (c *FakeClient) Photos() []SubmittedPhoto {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]SubmittedPhoto, len(c.photos))
	copy(out, c.photos)
	return out
}

// Submissions lists successful submissions in order as "inspection:<id>" or "photo:<id>".
func (c *FakeClient) Submissions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

// LastRegistration returns the most recent RegisterDevice body.
func (c *FakeClient) LastRegistration() fieldsync.DeviceRegistration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastRegistration
}

func (c *FakeClient) record(method string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[method]++
}

func (c *FakeClient) RegisterDevice(ctx context.Context, baseURL string, reg fieldsync.DeviceRegistration) (*fieldsync.IssuedToken, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls["RegisterDevice"]++
	c.lastRegistration = reg
	if c.RegisterErr != nil {
		return nil, c.RegisterErr
	}
	c.issued++
	return &fieldsync.IssuedToken{Token: fmt.Sprintf("token-%d", c.issued), ExpiresAt: c.TokenExpiry}, nil
}

func (c *FakeClient) ValidateToken(ctx context.Context, baseURL, token string) (bool, error) {
	c.record("ValidateToken")
	if c.ValidateErr != nil {
		return false, c.ValidateErr
	}
	return c.ValidateValid, nil
}

func (c *FakeClient) FetchVehicles(ctx context.Context, baseURL string) ([]model.Vehicle, error) {
	c.record("FetchVehicles")
	if c.EssentialErr != nil {
		return nil, c.EssentialErr
	}
	return c.Vehicles, nil
}

func (c *FakeClient) FetchPermitHolders(ctx context.Context, baseURL string) ([]model.PermitHolder, error) {
	c.record("FetchPermitHolders")
	if c.EssentialErr != nil {
		return nil, c.EssentialErr
	}
	return c.PermitHolders, nil
}

func (c *FakeClient) FetchLegacyVehicles(ctx context.Context, baseURL string) ([]model.Vehicle, error) {
	c.record("FetchLegacyVehicles")
	if c.LegacyErr != nil {
		return nil, c.LegacyErr
	}
	return c.LegacyVehicles, nil
}

func (c *FakeClient) FetchLegacyPermitHolders(ctx context.Context, baseURL string) ([]model.PermitHolder, error) {
	c.record("FetchLegacyPermitHolders")
	if c.LegacyErr != nil {
		return nil, c.LegacyErr
	}
	return c.LegacyPermitHolders, nil
}

func (c *FakeClient) FetchVehicle(ctx context.Context, baseURL string, id int64) (*model.Vehicle, error) {
	c.record("FetchVehicle")
	if c.RemoteErr != nil {
		return nil, c.RemoteErr
	}
	v, ok := c.RemoteVehicles[id]
	if !ok {
		return nil, fieldsync.ErrNotFound
	}
	return &v, nil
}

func (c *FakeClient) FetchPermitHolder(ctx context.Context, baseURL string, id int64) (*model.PermitHolder, error) {
	c.record("FetchPermitHolder")
	if c.RemoteErr != nil {
		return nil, c.RemoteErr
	}
	p, ok := c.RemotePermitHolders[id]
	if !ok {
		return nil, fieldsync.ErrNotFound
	}
	return &p, nil
}

// checkSubmission applies the hook, token rejection and queued failures.
func (c *FakeClient) checkSubmission(ctx context.Context, method, token string) error {
	if c.BeforeSubmit != nil {
		if err := c.BeforeSubmit(ctx); err != nil {
			return err
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[method]++
	if c.rejected[token] {
		return &fieldsync.StatusError{Code: http.StatusUnauthorized, Body: "invalid or expired token"}
	}
	if len(c.submitErrs) > 0 {
		err := c.submitErrs[0]
		c.submitErrs = c.submitErrs[1:]
		if err != nil {
			return err
		}
	}
	return nil
}

func (c *FakeClient) SubmitInspection(ctx context.Context, baseURL, token string, ins *model.Inspection) (int64, error) {
	if err := c.checkSubmission(ctx, "SubmitInspection", token); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextServerID++
	c.inspections = append(c.inspections, SubmittedInspection{
		BaseURL: baseURL, Token: token, ID: ins.ID, ServerID: c.nextServerID,
	})
	c.order = append(c.order, "inspection:"+ins.ID)
	return c.nextServerID, nil
}

func (c *FakeClient) SubmitPhoto(ctx context.Context, baseURL, token string, photo *model.Photo, serverInspectionID string) error {
	if err := c.checkSubmission(ctx, "SubmitPhoto", token); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.photos = append(c.photos, SubmittedPhoto{
		BaseURL: baseURL, Token: token, ID: photo.ID, InspectionID: serverInspectionID,
	})
	c.order = append(c.order, "photo:"+photo.ID)
	return nil
}
