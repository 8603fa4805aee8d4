package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap/zaptest"
)

type staticKeys struct {
	payload []byte
	err     error
}

func (k staticKeys) JWKS() ([]byte, error) {
	return k.payload, k.err
}

func serve(t *testing.T, r *gin.Engine, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	r.ServeHTTP(w, req)
	return w
}

func TestOpsRouter_Health(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := NewOpsRouter(OpsDependencies{Logger: zaptest.NewLogger(t)})

	w := serve(t, r, "/healthz")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	if w.Header().Get(requestIDHeader) == "" {
		t.Fatalf("expected request id header")
	}
}

func TestOpsRouter_Readiness(t *testing.T) {
	gin.SetMode(gin.TestMode)

	healthy := ReadinessCheck{Name: "postgres", Check: func(context.Context) error { return nil }}
	broken := ReadinessCheck{Name: "redis", Check: func(context.Context) error { return errors.New("connection refused") }}

	tests := []struct {
		name   string
		checks []ReadinessCheck
		status int
		want   map[string]string
	}{
		{name: "no dependencies", status: http.StatusOK, want: map[string]string{}},
		{name: "all healthy", checks: []ReadinessCheck{healthy}, status: http.StatusOK, want: map[string]string{"postgres": "ok"}},
		{
			name:   "one broken",
			checks: []ReadinessCheck{healthy, broken},
			status: http.StatusServiceUnavailable,
			want:   map[string]string{"postgres": "ok", "redis": "connection refused"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewOpsRouter(OpsDependencies{Logger: zaptest.NewLogger(t), Checks: tt.checks})
			w := serve(t, r, "/readyz")
			if w.Code != tt.status {
				t.Fatalf("expected status %d, got %d", tt.status, w.Code)
			}

			var body healthResponse
			if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode body: %v", err)
			}
			if len(body.Checks) != len(tt.want) {
				t.Fatalf("expected checks %v, got %v", tt.want, body.Checks)
			}
			for name, result := range tt.want {
				if body.Checks[name] != result {
					t.Fatalf("check %s: expected %q, got %q", name, result, body.Checks[name])
				}
			}
		})
	}
}

func TestOpsRouter_JWKS(t *testing.T) {
	gin.SetMode(gin.TestMode)

	r := NewOpsRouter(OpsDependencies{Logger: zaptest.NewLogger(t), Keys: staticKeys{payload: []byte(`{"keys":[]}`)}})
	w := serve(t, r, "/.well-known/jwks.json")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	if got := w.Header().Get("Cache-Control"); got != jwksCacheControl {
		t.Fatalf("unexpected cache control %q", got)
	}
	if w.Body.String() != `{"keys":[]}` {
		t.Fatalf("unexpected body %s", w.Body.String())
	}

	r = NewOpsRouter(OpsDependencies{Logger: zaptest.NewLogger(t), Keys: staticKeys{err: errors.New("boom")}})
	if w := serve(t, r, "/.well-known/jwks.json"); w.Code != http.StatusInternalServerError {
		t.Fatalf("expected status 500, got %d", w.Code)
	}

	r = NewOpsRouter(OpsDependencies{Logger: zaptest.NewLogger(t)})
	if w := serve(t, r, "/.well-known/jwks.json"); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", w.Code)
	}
}

func TestOpsRouter_Metrics(t *testing.T) {
	gin.SetMode(gin.TestMode)

	registry := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "ops_test_total", Help: "test counter"})
	registry.MustRegister(counter)
	counter.Inc()

	r := NewOpsRouter(OpsDependencies{Logger: zaptest.NewLogger(t), Gatherer: registry})
	w := serve(t, r, "/metrics")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "ops_test_total 1") {
		t.Fatalf("expected counter in exposition, got %s", w.Body.String())
	}
}
