package security

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tributary-ai/crew-core/internal/types"
)

func newTestAuditLogger(t *testing.T) *AuditLogger {
	t.Helper()
	auditor := NewAuditLogger(&AuditConfig{
		Enabled:       true,
		BufferSize:    64,
		FlushInterval: 10 * time.Millisecond,
	}, testLogger())
	t.Cleanup(auditor.Stop)
	return auditor
}

func TestAuditLogger_LogEvent(t *testing.T) {
	auditor := newTestAuditLogger(t)
	ctx := context.Background()

	auditor.LogEvent(ctx, MemoryAccess, "memory retrieved", map[string]interface{}{"count": 3})
	auditor.LogAuthorizationFailure(ctx, "user-1", "delete_memory", nil)
	auditor.LogDispatchFailure(ctx, "req-1", "engine returned status 500", nil)
	auditor.LogRequestCancelled(ctx, "req-2")

	assert.Equal(t, int64(4), auditor.GetEventCount())
}

func TestAuditLogger_Disabled(t *testing.T) {
	auditor := NewAuditLogger(&AuditConfig{Enabled: false}, testLogger())

	auditor.LogEvent(context.Background(), MemoryAccess, "ignored", nil)
	auditor.LogAuthenticationAttempt(context.Background(), "user", "api_key", true, nil)

	assert.Zero(t, auditor.GetEventCount())
	auditor.Stop()
}

func TestAuditLogger_StopIsIdempotent(t *testing.T) {
	auditor := NewAuditLogger(&AuditConfig{
		Enabled:       true,
		FlushInterval: 10 * time.Millisecond,
	}, testLogger())

	auditor.LogEvent(context.Background(), MemoryAccess, "before stop", nil)
	auditor.Stop()
	auditor.Stop()

	// Events after stop are dropped silently.
	auditor.LogEvent(context.Background(), MemoryAccess, "after stop", nil)
	assert.Equal(t, int64(1), auditor.GetEventCount())
}

func TestAuditLogger_ContextEnrichment(t *testing.T) {
	auditor := newTestAuditLogger(t)

	authCtx := &types.AuthorizationContext{
		UserID:  "user-1",
		CrewID:  "crew-a",
		Role:    types.RoleMember,
		Surface: types.SurfaceN8N,
	}
	ctx := WithAuthContext(context.Background(), authCtx)
	ctx = context.WithValue(ctx, requestIDKey, "req-abc")
	ctx = context.WithValue(ctx, clientIPKey, "203.0.113.5")

	auditor.LogEvent(ctx, MemoryAccess, "enriched", nil)
	assert.Equal(t, int64(1), auditor.GetEventCount())
}

func TestAuditLogger_SanitizeDetails(t *testing.T) {
	auditor := newTestAuditLogger(t)

	sanitized := auditor.sanitizeDetails(map[string]interface{}{
		"api_key":     "secret-value",
		"password":    "hunter2",
		"safe_detail": "visible",
	})

	assert.Equal(t, "***REDACTED***", sanitized["api_key"])
	assert.Equal(t, "***REDACTED***", sanitized["password"])
	assert.Equal(t, "visible", sanitized["safe_detail"])
}

func TestAuditLogger_Severity(t *testing.T) {
	auditor := newTestAuditLogger(t)

	assert.Equal(t, "high", auditor.getSeverity(AuthenticationFailure))
	assert.Equal(t, "high", auditor.getSeverity(AuthorizationFailure))
	assert.Equal(t, "medium", auditor.getSeverity(RateLimitExceeded))
	assert.Equal(t, "medium", auditor.getSeverity(DispatchFailure))
}

func TestAuditMiddleware(t *testing.T) {
	auditor := newTestAuditLogger(t)

	var sawRequestID bool
	handler := auditor.AuditMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, sawRequestID = r.Context().Value(requestIDKey).(string)
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/catalog", nil)
	req.RemoteAddr = "10.0.0.3:5555"
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	assert.True(t, sawRequestID, "middleware must assign a request id")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(1), auditor.GetEventCount())
}

func TestAuditMiddleware_ClassifiesFailures(t *testing.T) {
	auditor := newTestAuditLogger(t)

	for _, status := range []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusTooManyRequests, http.StatusBadRequest} {
		code := status
		handler := auditor.AuditMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(code)
		}))

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/route", nil))
		assert.Equal(t, code, rec.Code)
	}

	assert.Equal(t, int64(4), auditor.GetEventCount())
}
