// Package testutil provides test doubles shared by the EVERLIV binaries.
package testutil

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/everliv/everliv-api/internal/middleware"
)

// SupabaseStub is a Supabase project that answers every PostgREST read with
// an empty list and rejects every GoTrue sign-in. It records request paths.
type SupabaseStub struct {
	*httptest.Server

	mu       sync.Mutex
	requests []string
}

// NewSupabaseStub starts a stub closed at test cleanup.
func NewSupabaseStub(t *testing.T) *SupabaseStub {
	t.Helper()
	s := &SupabaseStub{}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

func (s *SupabaseStub) serve(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.requests = append(s.requests, r.Method+" "+r.URL.Path)
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch {
	case strings.HasPrefix(r.URL.Path, "/rest/v1/") && r.Method == http.MethodGet:
		_, _ = w.Write([]byte(`[]`))
	case strings.HasPrefix(r.URL.Path, "/auth/v1/"):
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"Invalid login credentials"}`))
	default:
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message":"not stubbed"}`))
	}
}

// Requests returns the "METHOD /path" lines received so far.
func (s *SupabaseStub) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requests...)
}

// AccessToken signs a Supabase-style HS256 access token for userID valid for
// an hour. appRole goes into app_metadata.role when set.
func AccessToken(t *testing.T, secret, userID, appRole string) string {
	t.Helper()
	claims := &middleware.Claims{
		Role: "authenticated",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Audience:  jwt.ClaimStrings{"authenticated"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	if appRole != "" {
		claims.AppMetadata = map[string]any{"role": appRole}
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}
