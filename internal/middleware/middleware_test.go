package middleware

import (
	"bufio"
	"context"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siretech/backoffice-payments/internal/auth"
	"github.com/siretech/backoffice-payments/internal/repository"
)

const testSecret = "middleware-secret"

func bearer(t *testing.T, isAdmin bool) string {
	t.Helper()
	token, err := auth.GenerateToken(uuid.New(), isAdmin, testSecret, time.Hour)
	require.NoError(t, err)
	return "Bearer " + token
}

func TestAuth(t *testing.T) {
	var seen *auth.Claims
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = auth.ClaimsFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})
	h := Auth(testSecret)(next)

	tests := []struct {
		name       string
		header     string
		wantStatus int
	}{
		{name: "valid token", header: bearer(t, false), wantStatus: http.StatusNoContent},
		{name: "missing header", header: "", wantStatus: http.StatusUnauthorized},
		{name: "not bearer", header: "Basic abc", wantStatus: http.StatusUnauthorized},
		{name: "garbage token", header: "Bearer abc.def.ghi", wantStatus: http.StatusUnauthorized},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			seen = nil
			req := httptest.NewRequest(http.MethodPost, "/api/payment/stk-push", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tc.wantStatus, rec.Code)
			if tc.wantStatus == http.StatusNoContent {
				require.NotNil(t, seen)
			} else {
				assert.Nil(t, seen)
			}
		})
	}
}

func TestRequireAdmin(t *testing.T) {
	h := Auth(testSecret)(RequireAdmin(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})))

	for _, tc := range []struct {
		admin bool
		want  int
	}{{true, http.StatusNoContent}, {false, http.StatusForbidden}} {
		req := httptest.NewRequest(http.MethodPost, "/api/payment/cash", nil)
		req.Header.Set("Authorization", bearer(t, tc.admin))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, tc.want, rec.Code, "admin=%t", tc.admin)
	}
}

type memoryIdempotencyRepo struct {
	mu      sync.Mutex
	entries map[string]*repository.IdempotencyCacheEntry
}

func (m *memoryIdempotencyRepo) Get(_ context.Context, key string, userID uuid.UUID) (*repository.IdempotencyCacheEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries[key+userID.String()], nil
}

func (m *memoryIdempotencyRepo) Set(_ context.Context, e *repository.IdempotencyCacheEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[e.Key+e.UserID.String()] = e
	return nil
}

func TestIdempotency(t *testing.T) {
	repo := &memoryIdempotencyRepo{entries: map[string]*repository.IdempotencyCacheEntry{}}
	calls := 0
	status := http.StatusOK
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(`{"success":true}`))
	})
	h := Auth(testSecret)(Idempotency(repo)(next))
	token := bearer(t, false)

	do := func(key, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/payment/stk-push", strings.NewReader(body))
		req.Header.Set("Authorization", token)
		if key != "" {
			req.Header.Set("Idempotency-Key", key)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	t.Run("no key passes through", func(t *testing.T) {
		calls = 0
		do("", `{}`)
		do("", `{}`)
		assert.Equal(t, 2, calls)
	})

	t.Run("retry is replayed", func(t *testing.T) {
		calls = 0
		first := do("k1", `{"amount":10}`)
		second := do("k1", `{"amount":10}`)

		assert.Equal(t, 1, calls)
		assert.Equal(t, first.Body.String(), second.Body.String())
		assert.Equal(t, "true", second.Header().Get("X-Idempotent-Replayed"))
	})

	t.Run("different body conflicts", func(t *testing.T) {
		rec := do("k1", `{"amount":20}`)
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("server errors are not cached", func(t *testing.T) {
		calls = 0
		status = http.StatusServiceUnavailable
		do("k2", `{}`)
		status = http.StatusOK
		rec := do("k2", `{}`)

		assert.Equal(t, 2, calls)
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestTracing_PropagatesRequestID(t *testing.T) {
	var got string
	h := Tracing(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = TraceIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "req-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "req-123", got)
	assert.Equal(t, "req-123", rec.Header().Get("X-Request-ID"))
}

func TestRecovery(t *testing.T) {
	h := Recovery(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestTracing_ReplacesUnsafeRequestIDs(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{name: "missing", in: ""},
		{name: "control characters", in: "abc\nlevel=ERROR msg=forged"},
		{name: "too long", in: strings.Repeat("a", 65)},
		{name: "spaces", in: "two words"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var got string
			h := Tracing(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got = TraceIDFromContext(r.Context())
			}))

			req := httptest.NewRequest(http.MethodPost, "/api/payment/mpesa-callback", nil)
			if tc.in != "" {
				req.Header.Set("X-Request-ID", tc.in)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.NotEqual(t, tc.in, got)
			_, err := uuid.Parse(got)
			assert.NoError(t, err)
			assert.Equal(t, got, rec.Header().Get("X-Request-ID"))
		})
	}
}

func TestRecovery_LeavesStartedResponseAlone(t *testing.T) {
	h := Recovery(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		panic("late failure")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestAcknowledgeOnPanic(t *testing.T) {
	ack := map[string]any{"success": true, "message": "Callback received"}
	inner := AcknowledgeOnPanic(http.StatusOK, ack)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("settlement exploded")
	}))
	h := Recovery(Tracing(Logging(inner)))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/payment/mpesa-callback",
		strings.NewReader(`{"Body":{}}`)))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"success":true,"message":"Callback received"}`, rec.Body.String())
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	hijacked bool
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h.hijacked = true
	return nil, nil, nil
}

func TestChain_KeepsHijackerForWebsocketUpgrade(t *testing.T) {
	var hijackErr error
	h := Recovery(Tracing(Logging(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hj, ok := w.(http.Hijacker)
		require.True(t, ok)
		_, _, hijackErr = hj.Hijack()
	}))))

	rec := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))

	require.NoError(t, hijackErr)
	assert.True(t, rec.hijacked)
}

func TestLogging_LevelFollowsStatus(t *testing.T) {
	assert.Equal(t, slog.LevelInfo, levelFor(http.StatusOK))
	assert.Equal(t, slog.LevelWarn, levelFor(http.StatusConflict))
	assert.Equal(t, slog.LevelError, levelFor(http.StatusBadGateway))
}

func TestAuth_WebsocketQueryToken(t *testing.T) {
	token := strings.TrimPrefix(bearer(t, false), "Bearer ")

	var seen *auth.Claims
	h := Auth(testSecret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = auth.ClaimsFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name       string
		upgrade    bool
		wantStatus int
	}{
		{name: "accepted on websocket handshake", upgrade: true, wantStatus: http.StatusNoContent},
		{name: "ignored on plain requests", upgrade: false, wantStatus: http.StatusUnauthorized},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			seen = nil
			req := httptest.NewRequest(http.MethodGet, "/ws?token="+token, nil)
			if tc.upgrade {
				req.Header.Set("Connection", "Upgrade")
				req.Header.Set("Upgrade", "websocket")
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tc.wantStatus, rec.Code)
			assert.Equal(t, tc.upgrade, seen != nil)
		})
	}
}
