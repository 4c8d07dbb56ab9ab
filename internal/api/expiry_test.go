package api

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestParseExpiry(t *testing.T) {
	want := time.Date(2024, 1, 16, 10, 30, 0, 0, time.UTC)

	tests := []struct {
		name    string
		in      any
		want    time.Time
		wantErr bool
	}{
		{name: "absent", in: nil},
		{name: "empty string", in: ""},
		{name: "unix millis", in: float64(want.UnixMilli()), want: want},
		{name: "unix millis as string", in: "1705401000000", want: want},
		{name: "rfc3339", in: "2024-01-16T10:30:00Z", want: want},
		{name: "garbage", in: "tomorrow", wantErr: true},
		{name: "negative", in: float64(-1), wantErr: true},
		{name: "wrong type", in: true, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseExpiry(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseExpiry() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !got.Equal(tt.want) {
				t.Errorf("parseExpiry() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestExpiryFromJWT(t *testing.T) {
	exp := time.Date(2024, 1, 16, 10, 30, 0, 0, time.UTC)
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(exp),
	}).SignedString([]byte("k"))
	if err != nil {
		t.Fatalf("signing: %v", err)
	}

	if got := expiryFromJWT(signed); !got.Equal(exp) {
		t.Errorf("expiryFromJWT() = %v, want %v", got, exp)
	}
	if got := expiryFromJWT("device_token_abc_123"); !got.IsZero() {
		t.Errorf("expiryFromJWT(opaque) = %v, want zero", got)
	}
}
