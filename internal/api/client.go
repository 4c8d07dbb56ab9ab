// Package api is the HTTP binding to the inspection backend's mobile API.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"fieldsync/internal/fieldsync"
	"fieldsync/internal/model"
)

// Routes of the mobile API, relative to an endpoint's base URL.
const (
	PathHealth         = "/health"
	PathDeviceAuth     = "/api/mobile/auth/device"
	PathValidate       = "/api/mobile/auth/validate"
	PathVehicles       = "/api/mobile/vehicles/essential"
	PathPermitHolders  = "/api/mobile/kimper/essential"
	PathVehicle        = "/api/mobile/vehicles/"
	PathPermitHolder   = "/api/mobile/kimper/"
	PathInspections    = "/api/mobile/inspections"
	PathPhotos         = "/api/mobile/photos"
	PathLegacyVehicles = "/api/vehicles"
	PathLegacyUsers    = "/api/users"
)

// maxErrorBody bounds how much of an error response is kept in a StatusError.
const maxErrorBody = 512

// Client implements fieldsync.Client and fieldsync.Prober over net/http.
type Client struct {
	http            *http.Client
	allowUnverified bool
	logger          fieldsync.Logger
}

var (
	_ fieldsync.Client = (*Client)(nil)
	_ fieldsync.Prober = (*Client)(nil)
)

// Options configures a Client.
type Options struct {
	// RequestTimeout bounds every call except probes, which take their own timeout.
	RequestTimeout time.Duration
	// AllowUnverified lets a bare TCP connect count as availability when the
	// health route cannot be read.
	AllowUnverified bool
	// Transport overrides the HTTP transport. Nil uses http.DefaultTransport.
	Transport http.RoundTripper
}

func NewClient(opts Options, logger fieldsync.Logger) *Client {
	if logger == nil {
		logger = fieldsync.NewNopLogger()
	}
	return &Client{
		http: &http.Client{
			Timeout:   opts.RequestTimeout,
			Transport: opts.Transport,
		},
		allowUnverified: opts.AllowUnverified,
		logger:          logger,
	}
}

func (c *Client) RegisterDevice(ctx context.Context, baseURL string, reg fieldsync.DeviceRegistration) (*fieldsync.IssuedToken, error) {
	body := DeviceAuthRequest{
		DeviceID: reg.DeviceID,
		DeviceInfo: DeviceInfo{
			Platform:   reg.Platform,
			AppVersion: reg.AppVersion,
			Timestamp:  reg.Timestamp.UTC().Format(time.RFC3339),
		},
	}
	var resp DeviceAuthResponse
	if err := c.do(ctx, http.MethodPost, baseURL+PathDeviceAuth, "", body, &resp); err != nil {
		return nil, err
	}
	if !resp.Success || resp.Token == "" {
		msg := resp.Message
		if msg == "" {
			msg = "no token in response"
		}
		return nil, fmt.Errorf("device registration rejected: %s", msg)
	}

	expires, err := parseExpiry(resp.ExpiresAt)
	if err != nil {
		c.logger.Warn("ignoring malformed token expiry", "error", err)
	}
	if expires.IsZero() {
		expires = expiryFromJWT(resp.Token)
	}
	return &fieldsync.IssuedToken{Token: resp.Token, ExpiresAt: expires}, nil
}

func (c *Client) ValidateToken(ctx context.Context, baseURL, token string) (bool, error) {
	var resp ValidateResponse
	if err := c.do(ctx, http.MethodPost, baseURL+PathValidate, "", ValidateRequest{Token: token}, &resp); err != nil {
		return false, err
	}
	return resp.Valid, nil
}

func (c *Client) FetchVehicles(ctx context.Context, baseURL string) ([]model.Vehicle, error) {
	var resp VehicleList
	if err := c.do(ctx, http.MethodGet, baseURL+PathVehicles, "", nil, &resp); err != nil {
		return nil, err
	}
	out := make([]model.Vehicle, 0, len(resp.Data))
	for _, v := range resp.Data {
		out = append(out, v.Model())
	}
	return out, nil
}

func (c *Client) FetchPermitHolders(ctx context.Context, baseURL string) ([]model.PermitHolder, error) {
	var resp PermitHolderList
	if err := c.do(ctx, http.MethodGet, baseURL+PathPermitHolders, "", nil, &resp); err != nil {
		return nil, err
	}
	out := make([]model.PermitHolder, 0, len(resp.Data))
	for _, p := range resp.Data {
		out = append(out, p.Model())
	}
	return out, nil
}

func (c *Client) FetchLegacyVehicles(ctx context.Context, baseURL string) ([]model.Vehicle, error) {
	var resp LegacyVehicleList
	if err := c.do(ctx, http.MethodGet, baseURL+PathLegacyVehicles, "", nil, &resp); err != nil {
		return nil, err
	}
	out := make([]model.Vehicle, 0, len(resp.Vehicles))
	for _, v := range resp.Vehicles {
		out = append(out, v.ToModel())
	}
	return out, nil
}

func (c *Client) FetchLegacyPermitHolders(ctx context.Context, baseURL string) ([]model.PermitHolder, error) {
	var resp LegacyUserList
	if err := c.do(ctx, http.MethodGet, baseURL+PathLegacyUsers, "", nil, &resp); err != nil {
		return nil, err
	}
	out := make([]model.PermitHolder, 0, len(resp.Users))
	for _, u := range resp.Users {
		out = append(out, u.ToModel())
	}
	return out, nil
}

// FetchVehicle returns fieldsync.ErrNotFound when the server has no such vehicle.
func (c *Client) FetchVehicle(ctx context.Context, baseURL string, id int64) (*model.Vehicle, error) {
	var resp VehicleResponse
	if err := c.do(ctx, http.MethodGet, baseURL+PathVehicle+strconv.FormatInt(id, 10), "", nil, &resp); err != nil {
		return nil, err
	}
	if !resp.Success || resp.Data.Vehicle == nil {
		return nil, fieldsync.ErrNotFound
	}
	v := resp.Data.Vehicle.Model()
	return &v, nil
}

// FetchPermitHolder returns fieldsync.ErrNotFound when the server has no such permit holder.
func (c *Client) FetchPermitHolder(ctx context.Context, baseURL string, id int64) (*model.PermitHolder, error) {
	var resp PermitHolderResponse
	if err := c.do(ctx, http.MethodGet, baseURL+PathPermitHolder+strconv.FormatInt(id, 10), "", nil, &resp); err != nil {
		return nil, err
	}
	if !resp.Success || resp.Kimper == nil {
		return nil, fieldsync.ErrNotFound
	}
	p := resp.Kimper.Model()
	return &p, nil
}

func (c *Client) SubmitInspection(ctx context.Context, baseURL, token string, ins *model.Inspection) (int64, error) {
	var resp InspectionResponse
	if err := c.do(ctx, http.MethodPost, baseURL+PathInspections, token, InspectionFromModel(ins), &resp); err != nil {
		return 0, err
	}
	if !resp.Success {
		return 0, fmt.Errorf("%w: server rejected inspection: %s", fieldsync.ErrSubmissionFailed, resp.Message)
	}
	return resp.InspectionID, nil
}

func (c *Client) SubmitPhoto(ctx context.Context, baseURL, token string, photo *model.Photo, serverInspectionID string) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	mime := photo.MIME
	if mime == "" {
		mime = "image/jpeg"
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="photo"; filename="inspection_photo_%s.jpg"`, photo.ID))
	h.Set("Content-Type", mime)
	part, err := mw.CreatePart(h)
	if err != nil {
		return fmt.Errorf("creating photo part: %w", err)
	}
	if _, err := part.Write(photo.Data); err != nil {
		return fmt.Errorf("writing photo part: %w", err)
	}
	if err := mw.WriteField("inspection_id", serverInspectionID); err != nil {
		return fmt.Errorf("writing inspection_id: %w", err)
	}
	if err := mw.WriteField("category", photo.Category); err != nil {
		return fmt.Errorf("writing category: %w", err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("closing multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+PathPhotos, &buf)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	var resp SuccessResponse
	if err := c.send(req, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("%w: server rejected photo: %s", fieldsync.ErrSubmissionFailed, resp.Message)
	}
	return nil
}

// do sends a JSON request. body and out may be nil.
func (c *Client) do(ctx context.Context, method, url, token string, body, out any) error {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		r = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, r)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return c.send(req, out)
}

func (c *Client) send(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil && errors.Is(ctxErr, context.Canceled) {
			return ctxErr
		}
		return fmt.Errorf("%w: %s %s: %v", fieldsync.ErrUnreachable, req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &fieldsync.StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", req.URL.Path, err)
	}
	return nil
}

// parseExpiry accepts unix milliseconds or an RFC 3339 timestamp.
func parseExpiry(v any) (time.Time, error) {
	switch x := v.(type) {
	case nil:
		return time.Time{}, nil
	case float64:
		if x <= 0 || x > math.MaxInt64 {
			return time.Time{}, fmt.Errorf("expiry out of range: %v", x)
		}
		return time.UnixMilli(int64(x)), nil
	case string:
		if x == "" {
			return time.Time{}, nil
		}
		if ms, err := strconv.ParseInt(x, 10, 64); err == nil {
			return time.UnixMilli(ms), nil
		}
		t, err := time.Parse(time.RFC3339, x)
		if err != nil {
			return time.Time{}, fmt.Errorf("parsing expiry %q: %w", x, err)
		}
		return t, nil
	default:
		return time.Time{}, fmt.Errorf("unsupported expiry type %T", v)
	}
}

// expiryFromJWT reads the exp claim without verifying the signature.
// Tokens that are not JWTs yield the zero time.
func expiryFromJWT(token string) time.Time {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}
	}
	if claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}
