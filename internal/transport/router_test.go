package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/wrapforge/fieldflow/internal/config"
	"github.com/wrapforge/fieldflow/model"
)

// --- Router tests ---

func TestRouterHealth(t *testing.T) {
	env := newTestEnv(t, nil)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, httptest.NewRequest("GET", "/healthz", nil))

	if w.Code != 200 {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var body map[string]string
	json.NewDecoder(w.Body).Decode(&body)
	if body["status"] != "ok" {
		t.Errorf("status = %q, want ok", body["status"])
	}
}

func TestRouterReady(t *testing.T) {
	env := newTestEnv(t, nil)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, httptest.NewRequest("GET", "/readyz", nil))

	// No backend checker wired: vacuously ready.
	if w.Code != 200 {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}

func TestRouterMetrics(t *testing.T) {
	env := newTestEnv(t, nil)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))

	if w.Code != 200 {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}

func TestRouterRejectingAuthCoversAllAPIRoutes(t *testing.T) {
	// With auth rejecting every request, each API route should answer 401,
	// confirming it is registered behind the authenticated group.
	gwEnv := newTestEnv(t, fieldIntervention())
	cfg := config.Defaults()
	deps := Dependencies{
		Config:  cfg,
		Manager: gwEnv.manager,
		Authenticate: func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				WriteError(w, r, model.NewAuthenticationError("rejected"))
			})
		},
	}
	router := NewRouter(deps)

	routes := []struct {
		method string
		path   string
	}{
		{"GET", "/api/tasks/task-1/intervention"},
		{"POST", "/api/tasks/task-1/intervention"},
		{"POST", "/api/tasks/task-1/intervention/navigate"},
		{"GET", "/api/interventions/iv-1/progress"},
		{"POST", "/api/interventions/iv-1/steps/s2/start"},
		{"POST", "/api/interventions/iv-1/steps/s2/pause"},
		{"POST", "/api/interventions/iv-1/steps/s2/resume"},
		{"POST", "/api/interventions/iv-1/steps/s2/complete"},
		{"POST", "/api/interventions/iv-1/steps/s2/skip"},
		{"PATCH", "/api/interventions/iv-1/steps/s2"},
		{"POST", "/api/interventions/iv-1/steps/s2/photos"},
		{"POST", "/api/interventions/iv-1/signature"},
		{"POST", "/api/interventions/iv-1/finalize"},
		{"POST", "/api/interventions/iv-1/ppf/defects"},
		{"POST", "/api/interventions/iv-1/ppf/environment"},
		{"PUT", "/api/interventions/iv-1/ppf/prep-checklist"},
		{"PUT", "/api/interventions/iv-1/ppf/qc-checklist"},
		{"POST", "/api/interventions/iv-1/ppf/customer-signature"},
	}

	for _, tc := range routes {
		t.Run(tc.method+" "+tc.path, func(t *testing.T) {
			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(tc.method, tc.path, nil))
			if w.Code != 401 {
				t.Errorf("status = %d, want 401 (auth should reject)", w.Code)
			}
		})
	}
}

func TestRouterPublicRoutesBypassAuth(t *testing.T) {
	gwEnv := newTestEnv(t, nil)
	cfg := config.Defaults()
	deps := Dependencies{
		Config:  cfg,
		Manager: gwEnv.manager,
		Authenticate: func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				WriteError(w, r, model.NewAuthenticationError("rejected"))
			})
		},
	}
	router := NewRouter(deps)

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		t.Run(path, func(t *testing.T) {
			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest("GET", path, nil))
			if w.Code != 200 {
				t.Errorf("status = %d, want 200 (should bypass auth)", w.Code)
			}
		})
	}
}

func TestRouterIncompleteIdentityIsForbidden(t *testing.T) {
	// Token verified but missing workshop_id: RequireTechnician refuses.
	gwEnv := newTestEnv(t, nil)
	cfg := config.Defaults()
	deps := Dependencies{
		Config:       cfg,
		Manager:      gwEnv.manager,
		Authenticate: authAs(map[string]any{"sub": "tech-7"}),
	}
	router := NewRouter(deps)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/api/tasks/task-1/intervention", nil))
	if w.Code != 403 {
		t.Errorf("status = %d, want 403", w.Code)
	}
}

// --- Middleware tests ---

func TestRecoveryCatchesPanic(t *testing.T) {
	handler := Recovery(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))

	if w.Code != 500 {
		t.Errorf("status = %d, want 500 after panic", w.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	cfg := config.CORSConfig{
		AllowedOrigins: []string{"https://app.example.com"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:         3600,
	}

	handler := CORS(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not be called for preflight")
	}))

	req := httptest.NewRequest("OPTIONS", "/", nil)
	req.Header.Set("Origin", "https://app.example.com")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != 204 {
		t.Errorf("status = %d, want 204", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Errorf("Allow-Origin = %q", got)
	}
}

func TestCORSDisallowedOrigin(t *testing.T) {
	cfg := config.CORSConfig{
		AllowedOrigins: []string{"https://app.example.com"},
		AllowedMethods: []string{"GET"},
		AllowedHeaders: []string{"Authorization"},
	}

	called := false
	handler := CORS(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(200)
	}))

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if !called {
		t.Error("handler should still be called for non-preflight")
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Allow-Origin should be empty for disallowed origin, got %q", got)
	}
}

func TestRequestIDGenerated(t *testing.T) {
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if CorrelationIDFrom(r.Context()) == "" {
			t.Error("correlation ID should be generated")
		}
		w.WriteHeader(200)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))

	if got := w.Header().Get("X-Correlation-Id"); got == "" {
		t.Error("response should have X-Correlation-Id header")
	}
}

func TestRequestIDPropagated(t *testing.T) {
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := CorrelationIDFrom(r.Context()); id != "corr-123" {
			t.Errorf("correlation ID = %q, want corr-123", id)
		}
		w.WriteHeader(200)
	}))

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Correlation-Id", "corr-123")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if got := w.Header().Get("X-Correlation-Id"); got != "corr-123" {
		t.Errorf("response X-Correlation-Id = %q, want corr-123", got)
	}
}

func TestSecurityHeadersSet(t *testing.T) {
	handler := SecurityHeaders(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))

	expected := map[string]string{
		"Strict-Transport-Security": "max-age=31536000; includeSubDomains",
		"X-Content-Type-Options":    "nosniff",
		"X-Frame-Options":           "DENY",
		"Cache-Control":             "no-store",
		"Referrer-Policy":           "strict-origin-when-cross-origin",
	}
	for header, want := range expected {
		if got := w.Header().Get(header); got != want {
			t.Errorf("%s = %q, want %q", header, got, want)
		}
	}
}

func TestBuildRequestContextFromClaims(t *testing.T) {
	handler := BuildRequestContext(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			t.Fatal("RequestContext should be in context")
		}
		if rctx.TechnicianID != "tech-7" {
			t.Errorf("TechnicianID = %q, want tech-7", rctx.TechnicianID)
		}
		if rctx.WorkshopID != "shop-1" {
			t.Errorf("WorkshopID = %q, want shop-1", rctx.WorkshopID)
		}
		if rctx.DeviceID != "tablet-3" {
			t.Errorf("DeviceID = %q, want tablet-3", rctx.DeviceID)
		}
		if len(rctx.Roles) != 1 || rctx.Roles[0] != "technician" {
			t.Errorf("Roles = %v, want [technician]", rctx.Roles)
		}
		w.WriteHeader(200)
	}))

	req := httptest.NewRequest("GET", "/", nil)
	req = req.WithContext(WithClaims(req.Context(), technicianClaims()))
	req.Header.Set("X-Device-Id", "tablet-3")
	req.Header.Set("Accept-Language", "nl-BE")

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
}

func TestHandlerTimeoutSetsDeadline(t *testing.T) {
	handler := HandlerTimeout(100 * time.Millisecond)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		deadline, ok := r.Context().Deadline()
		if !ok {
			t.Error("context should have deadline")
		}
		if time.Until(deadline) > 200*time.Millisecond {
			t.Error("deadline should be within 200ms")
		}
		w.WriteHeader(200)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
}

func TestHandlerTimeoutZeroIsNoDeadline(t *testing.T) {
	handler := HandlerTimeout(0)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := r.Context().Deadline(); ok {
			t.Error("context should not have deadline when timeout is 0")
		}
		w.WriteHeader(200)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
}

func TestRequireTechnicianPassesValidIdentity(t *testing.T) {
	called := false
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(200)
	})
	handler := RequireTechnician(inner)

	rctx := &model.RequestContext{TechnicianID: "tech-7", WorkshopID: "shop-1"}
	req := httptest.NewRequest("GET", "/", nil)
	req = req.WithContext(model.WithRequestContext(req.Context(), rctx))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if !called {
		t.Error("handler should be called for a complete identity")
	}
}

func TestWriteErrorMapsCodes(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{model.NewAuthenticationError("x"), 401},
		{model.NewAuthorizationError("x"), 403},
		{model.NewNotFoundError("x"), 404},
		{model.NewConflictError("x"), 409},
		{model.NewNavigationError("x"), 409},
		{model.NewCreationError("x"), 409},
		{model.NewMissingStepError("x"), 409},
		{model.NewTimeoutError("x"), 504},
		{model.NewBackendUnavailableError(), 502},
		{model.NewInternalError(), 500},
		{context.DeadlineExceeded, 500},
	}

	for _, tc := range cases {
		w := httptest.NewRecorder()
		WriteError(w, httptest.NewRequest("GET", "/", nil), tc.err)
		if w.Code != tc.want {
			t.Errorf("%v: status = %d, want %d", tc.err, w.Code, tc.want)
		}
	}
}
