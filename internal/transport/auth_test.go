package transport

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/wrapforge/fieldflow/internal/config"
	"github.com/wrapforge/fieldflow/model"
)

func generateRSAKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return key
}

func rsaKeyToJWK(kid string, pub *rsa.PublicKey) map[string]any {
	return map[string]any{
		"kid": kid,
		"kty": "RSA",
		"alg": "RS256",
		"use": "sig",
		"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	}
}

func startJWKSServer(t *testing.T, keys ...map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"keys": keys})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func signJWT(t *testing.T, key *rsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = kid
	s, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("SignedString: %v", err)
	}
	return s
}

func testIdentityCfg() config.IdentityConfig {
	return config.IdentityConfig{
		Issuer:     "https://auth.example.com",
		Audience:   "fieldflow",
		Algorithms: []string{"RS256"},
	}
}

func technicianTokenClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"sub":         "tech-7",
		"email":       "tech@example.com",
		"workshop_id": "shop-1",
		"roles":       []string{"technician"},
		"iss":         "https://auth.example.com",
		"aud":         "fieldflow",
		"exp":         jwt.NewNumericDate(time.Now().Add(1 * time.Hour)),
		"iat":         jwt.NewNumericDate(time.Now()),
	}
}

func TestJWKSClient_GetKey(t *testing.T) {
	key := generateRSAKey(t)
	srv := startJWKSServer(t, rsaKeyToJWK("key-1", &key.PublicKey))

	client := NewJWKSClient(srv.URL, 1*time.Hour)
	got, err := client.GetKey("key-1")
	if err != nil {
		t.Fatalf("GetKey() error = %v", err)
	}
	if got.N.Cmp(key.PublicKey.N) != 0 {
		t.Error("returned key does not match the published key")
	}
}

func TestJWKSClient_UnknownKid(t *testing.T) {
	key := generateRSAKey(t)
	srv := startJWKSServer(t, rsaKeyToJWK("key-1", &key.PublicKey))

	client := NewJWKSClient(srv.URL, 1*time.Hour)
	if _, err := client.GetKey("key-2"); err == nil {
		t.Fatal("expected error for unknown kid")
	}
}

func TestJWKSClient_CachesAcrossCalls(t *testing.T) {
	key := generateRSAKey(t)
	var fetches atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		json.NewEncoder(w).Encode(map[string]any{"keys": []any{rsaKeyToJWK("key-1", &key.PublicKey)}})
	}))
	t.Cleanup(srv.Close)

	client := NewJWKSClient(srv.URL, 1*time.Hour)
	for i := 0; i < 3; i++ {
		if _, err := client.GetKey("key-1"); err != nil {
			t.Fatalf("GetKey() call %d error = %v", i, err)
		}
	}
	if n := fetches.Load(); n != 1 {
		t.Errorf("JWKS fetched %d times, want 1", n)
	}
}

func TestJWKSClient_SkipsNonRSAKeys(t *testing.T) {
	key := generateRSAKey(t)
	ecJWK := map[string]any{"kid": "ec-1", "kty": "EC", "crv": "P-256"}
	srv := startJWKSServer(t, ecJWK, rsaKeyToJWK("key-1", &key.PublicKey))

	client := NewJWKSClient(srv.URL, 1*time.Hour)
	if _, err := client.GetKey("key-1"); err != nil {
		t.Fatalf("GetKey() error = %v", err)
	}
	if _, err := client.GetKey("ec-1"); err == nil {
		t.Error("EC key should not be served")
	}
}

func TestJWKSClient_ServerDown(t *testing.T) {
	srv := startJWKSServer(t)
	url := srv.URL
	srv.Close()

	client := NewJWKSClient(url, 1*time.Hour)
	if _, err := client.GetKey("key-1"); err == nil {
		t.Fatal("expected error when JWKS endpoint is unreachable")
	}
}

func authTestRouter(t *testing.T, key *rsa.PrivateKey, cfg config.IdentityConfig) http.Handler {
	t.Helper()
	srv := startJWKSServer(t, rsaKeyToJWK("key-1", &key.PublicKey))
	jwks := NewJWKSClient(srv.URL, 1*time.Hour)

	mux := http.NewServeMux()
	mux.Handle("/protected", JWTAuthenticator(cfg, jwks)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims := ClaimsFrom(r.Context())
		if claims == nil {
			t.Error("claims missing from handler context")
		}
		if sub, _ := claims["sub"].(string); sub != "tech-7" {
			t.Errorf("sub claim = %q, want tech-7", sub)
		}
		w.WriteHeader(http.StatusOK)
	})))
	return mux
}

func TestJWTAuthenticator_ValidToken(t *testing.T) {
	key := generateRSAKey(t)
	handler := authTestRouter(t, key, testIdentityCfg())

	req := httptest.NewRequest("GET", "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+signJWT(t, key, "key-1", technicianTokenClaims()))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
}

func TestJWTAuthenticator_Rejections(t *testing.T) {
	key := generateRSAKey(t)
	otherKey := generateRSAKey(t)
	cfg := testIdentityCfg()
	handler := authTestRouter(t, key, cfg)

	expired := technicianTokenClaims()
	expired["exp"] = jwt.NewNumericDate(time.Now().Add(-2 * time.Hour))

	wrongIssuer := technicianTokenClaims()
	wrongIssuer["iss"] = "https://evil.example.com"

	wrongAudience := technicianTokenClaims()
	wrongAudience["aud"] = "other-app"

	noExpiry := technicianTokenClaims()
	delete(noExpiry, "exp")

	tests := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"not bearer", "Basic dXNlcjpwYXNz"},
		{"garbage token", "Bearer not.a.jwt"},
		{"expired", "Bearer " + signJWT(t, key, "key-1", expired)},
		{"wrong issuer", "Bearer " + signJWT(t, key, "key-1", wrongIssuer)},
		{"wrong audience", "Bearer " + signJWT(t, key, "key-1", wrongAudience)},
		{"missing expiry", "Bearer " + signJWT(t, key, "key-1", noExpiry)},
		{"wrong signing key", "Bearer " + signJWT(t, otherKey, "key-1", technicianTokenClaims())},
		{"unknown kid", "Bearer " + signJWT(t, key, "key-9", technicianTokenClaims())},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/protected", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want 401", rec.Code)
			}
			if code := errorCode(t, rec); code != model.ErrAuthentication {
				t.Errorf("error code = %q, want %q", code, model.ErrAuthentication)
			}
		})
	}
}

func TestJWTAuthenticator_MissingKidInHeader(t *testing.T) {
	key := generateRSAKey(t)
	handler := authTestRouter(t, key, testIdentityCfg())

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, technicianTokenClaims())
	s, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("SignedString: %v", err)
	}

	req := httptest.NewRequest("GET", "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+s)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}
