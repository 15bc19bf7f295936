package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func protectedHandler(t *testing.T, gotDevice *string) http.Handler {
	t.Helper()
	return RequireAuth(testSecret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*gotDevice = DeviceIDFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))
}

func TestRequireAuthValidToken(t *testing.T) {
	token, expiresAt, err := GenerateToken(testSecret, "device-1")
	if err != nil {
		t.Fatalf("generating token: %v", err)
	}
	if !expiresAt.After(time.Now().Add(24 * time.Hour)) {
		t.Fatalf("expected long-lived token, expires %s", expiresAt)
	}

	var device string
	h := protectedHandler(t, &device)

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rec.Code, rec.Body.String())
	}
	if device != "device-1" {
		t.Fatalf("expected device id in context, got %q", device)
	}
}

func TestRequireAuthRejections(t *testing.T) {
	wrongKey, _, err := GenerateToken([]byte("ffffffffffffffffffffffffffffffff"), "device-1")
	if err != nil {
		t.Fatalf("generating token: %v", err)
	}

	expired := func() string {
		claims := CallerClaims{
			DeviceID: "device-1",
			RegisteredClaims: jwt.RegisteredClaims{
				IssuedAt:  jwt.NewNumericDate(time.Now().Add(-2 * time.Hour)),
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
			},
		}
		signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSecret)
		if err != nil {
			t.Fatalf("signing expired token: %v", err)
		}
		return signed
	}()

	noDevice := func() string {
		claims := CallerClaims{
			RegisteredClaims: jwt.RegisteredClaims{
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			},
		}
		signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSecret)
		if err != nil {
			t.Fatalf("signing claimless token: %v", err)
		}
		return signed
	}()

	tests := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"not bearer", "Basic abc"},
		{"garbage token", "Bearer not.a.jwt"},
		{"wrong key", "Bearer " + wrongKey},
		{"expired", "Bearer " + expired},
		{"missing device claim", "Bearer " + noDevice},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var device string
			h := protectedHandler(t, &device)

			req := httptest.NewRequest(http.MethodPost, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", rec.Code)
			}
			if device != "" {
				t.Fatalf("handler must not run, saw device %q", device)
			}
		})
	}
}
