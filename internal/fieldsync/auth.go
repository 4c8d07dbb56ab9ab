package fieldsync

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"fieldsync/internal/model"
)

// DefaultTokenValidity applies when the server does not state an expiry.
const DefaultTokenValidity = 24 * time.Hour

// TokenSource hands out bearer tokens for submissions.
type TokenSource interface {
	GetToken(ctx context.Context) (string, error)
	RefreshToken(ctx context.Context) (string, error)
}

// AuthProvider obtains and caches the device-scoped bearer token.
// When no server can issue one it falls back to a locally generated temporary token,
// so capture and queueing continue while offline.
type AuthProvider struct {
	deviceID   string
	appVersion string
	conn       EndpointSource
	client     Client
	store      Store
	logger     Logger
	clock      Clock

	mu   sync.Mutex
	cred *model.Credential
}

var _ TokenSource = (*AuthProvider)(nil)

func NewAuthProvider(deviceID, appVersion string, conn EndpointSource, client Client, store Store, logger Logger, clock Clock) *AuthProvider {
	return &AuthProvider{
		deviceID:   deviceID,
		appVersion: appVersion,
		conn:       conn,
		client:     client,
		store:      store,
		logger:     logger,
		clock:      clock,
	}
}

// DeviceID returns the stable install identifier.
func (a *AuthProvider) DeviceID() string { return a.deviceID }

// Credential returns the current credential, loading it from the store if needed.
// Returns nil if none has been issued yet.
func (a *AuthProvider) Credential(ctx context.Context) (*model.Credential, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.loadLocked(ctx); err != nil {
		return nil, err
	}
	if a.cred == nil {
		return nil, nil
	}
	c := *a.cred
	return &c, nil
}

// GetToken returns the cached token, issuing one if none exists. A temporary token is
// upgraded when an endpoint is active; if the upgrade fails the temporary token is kept.
func (a *AuthProvider) GetToken(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.loadLocked(ctx); err != nil {
		return "", err
	}

	if a.cred != nil && !a.cred.IsTemporary {
		return a.cred.Token, nil
	}
	if a.cred != nil {
		if _, online := a.conn.ActiveEndpoint(); !online {
			return a.cred.Token, nil
		}
	}

	cred, err := a.requestLocked(ctx)
	if err != nil {
		return "", err
	}
	return cred.Token, nil
}

// RequestNewToken asks the active endpoint for a device token. On any failure a
// temporary token is generated instead. The new credential supersedes the old one.
func (a *AuthProvider) RequestNewToken(ctx context.Context) (*model.Credential, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.requestLocked(ctx)
}

// RefreshToken unconditionally re-issues the token.
func (a *AuthProvider) RefreshToken(ctx context.Context) (string, error) {
	cred, err := a.RequestNewToken(ctx)
	if err != nil {
		return "", err
	}
	return cred.Token, nil
}

// ValidateToken asks the server whether token is still accepted. It fails open: with no
// reachable server the token is assumed valid.
func (a *AuthProvider) ValidateToken(ctx context.Context, token string) bool {
	baseURL, ok := a.conn.ActiveEndpoint()
	if !ok {
		return true
	}
	valid, err := a.client.ValidateToken(ctx, baseURL, token)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) {
			a.logger.Warn("token validation rejected", "status", se.Code)
			return false
		}
		a.logger.Warn("token validation unreachable, assuming valid", "error", err)
		return true
	}
	return valid
}

func (a *AuthProvider) loadLocked(ctx context.Context) error {
	if a.cred != nil {
		return nil
	}
	cred, err := a.store.LoadCredential(ctx)
	if err != nil {
		return fmt.Errorf("loading credential: %w", err)
	}
	a.cred = cred
	return nil
}

func (a *AuthProvider) requestLocked(ctx context.Context) (*model.Credential, error) {
	now := a.clock.Now()

	cred, err := a.issue(ctx, now)
	if err != nil {
		a.logger.Warn("device token request failed, using temporary token", "error", err)
		cred = &model.Credential{
			DeviceID:    a.deviceID,
			Token:       fmt.Sprintf("device_token_%s_%d", a.deviceID, now.UnixMilli()),
			IsTemporary: true,
			IssuedAt:    now,
		}
	}

	if err := a.store.SaveCredential(ctx, cred); err != nil {
		return nil, fmt.Errorf("saving credential: %w", err)
	}
	a.cred = cred
	return cred, nil
}

func (a *AuthProvider) issue(ctx context.Context, now time.Time) (*model.Credential, error) {
	baseURL, ok := a.conn.ActiveEndpoint()
	if !ok {
		return nil, ErrNoEndpoint
	}

	issued, err := a.client.RegisterDevice(ctx, baseURL, DeviceRegistration{
		DeviceID:   a.deviceID,
		Platform:   runtime.GOOS,
		AppVersion: a.appVersion,
		Timestamp:  now,
	})
	if err != nil {
		return nil, err
	}
	if issued.Token == "" {
		return nil, fmt.Errorf("server returned an empty token")
	}

	validUntil := issued.ExpiresAt
	if validUntil.IsZero() {
		validUntil = now.Add(DefaultTokenValidity)
	}

	a.logger.Info("device token issued", "valid_until", validUntil)
	return &model.Credential{
		DeviceID:   a.deviceID,
		Token:      issued.Token,
		ValidUntil: validUntil,
		IssuedAt:   now,
	}, nil
}
