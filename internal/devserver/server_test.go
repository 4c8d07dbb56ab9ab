package devserver_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"fieldsync/internal/api"
	"fieldsync/internal/devserver"
)

func serve(t *testing.T, srv *devserver.Server, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encoding body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func issueToken(t *testing.T, srv *devserver.Server) string {
	t.Helper()
	rec := serve(t, srv, http.MethodPost, api.PathDeviceAuth, "", api.DeviceAuthRequest{DeviceID: "d1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("device auth status = %d", rec.Code)
	}
	var resp api.DeviceAuthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	return resp.Token
}

func TestServer_DeviceAuth(t *testing.T) {
	t.Run("missing device id is rejected", func(t *testing.T) {
		srv := devserver.New(devserver.Options{Secret: "s"})
		rec := serve(t, srv, http.MethodPost, api.PathDeviceAuth, "", api.DeviceAuthRequest{})
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})

	t.Run("token from another secret is invalid", func(t *testing.T) {
		other := devserver.New(devserver.Options{Secret: "other"})
		token := issueToken(t, other)

		srv := devserver.New(devserver.Options{Secret: "s"})
		rec := serve(t, srv, http.MethodPost, api.PathValidate, "", api.ValidateRequest{Token: token})
		var resp api.ValidateResponse
		if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
			t.Fatalf("decoding: %v", err)
		}
		if resp.Valid {
			t.Error("token signed with another secret validated")
		}
	})
}

func TestServer_RequireDevice(t *testing.T) {
	srv := devserver.New(devserver.Options{Secret: "s"})
	ins := api.Inspection{LocalID: "a", EquipNo: "EQ-100-A"}

	tests := []struct {
		name  string
		token string
		want  int
	}{
		{name: "no token", token: "", want: http.StatusUnauthorized},
		{name: "garbage token", token: "not-a-jwt", want: http.StatusUnauthorized},
		{name: "issued token", token: issueToken(t, srv), want: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(t, srv, http.MethodPost, api.PathInspections, tt.token, ins)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestServer_InspectionValidation(t *testing.T) {
	srv := devserver.New(devserver.Options{Secret: "s"})
	token := issueToken(t, srv)

	rec := serve(t, srv, http.MethodPost, api.PathInspections, token, api.Inspection{LocalID: "a"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	if len(srv.Inspections()) != 0 {
		t.Error("invalid inspection was recorded")
	}
}

func TestServer_Health(t *testing.T) {
	srv := devserver.New(devserver.Options{Secret: "s"})
	if rec := serve(t, srv, http.MethodGet, api.PathHealth, "", nil); rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	srv.SetHealthy(false)
	if rec := serve(t, srv, http.MethodGet, api.PathHealth, "", nil); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestServer_LegacyUsers(t *testing.T) {
	srv := devserver.New(devserver.Options{Secret: "s"})
	rec := serve(t, srv, http.MethodGet, api.PathLegacyUsers, "", nil)
	if !strings.Contains(rec.Body.String(), `"employee_id":"KMP-0001"`) {
		t.Errorf("body = %s, want employee ids", rec.Body.String())
	}
}
