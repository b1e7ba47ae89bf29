package security

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// AuditEventType represents different types of security and orchestration events
type AuditEventType string

const (
	AuthenticationAttempt AuditEventType = "authentication_attempt"
	AuthenticationSuccess AuditEventType = "authentication_success"
	AuthenticationFailure AuditEventType = "authentication_failure"
	AuthorizationFailure  AuditEventType = "authorization_failure"
	RateLimitExceeded     AuditEventType = "rate_limit_exceeded"
	ValidationFailure     AuditEventType = "validation_failure"
	DispatchFailure       AuditEventType = "dispatch_failure"
	RequestCancelled      AuditEventType = "request_cancelled"
	RequestTimedOut       AuditEventType = "request_timed_out"
	BudgetExceeded        AuditEventType = "budget_exceeded"
	MemoryAccess          AuditEventType = "memory_access"
)

// AuditEvent represents a recorded audit event
type AuditEvent struct {
	ID         string                 `json:"id"`
	Timestamp  time.Time              `json:"timestamp"`
	EventType  AuditEventType         `json:"event_type"`
	UserID     string                 `json:"user_id,omitempty"`
	CrewID     string                 `json:"crew_id,omitempty"`
	Surface    string                 `json:"surface,omitempty"`
	IPAddress  string                 `json:"ip_address,omitempty"`
	Operation  string                 `json:"operation,omitempty"`
	StatusCode int                    `json:"status_code,omitempty"`
	Message    string                 `json:"message"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Severity   string                 `json:"severity"`
	Source     string                 `json:"source"`
	RequestID  string                 `json:"request_id,omitempty"`
}

// AuditConfig holds audit logging configuration
type AuditConfig struct {
	Enabled         bool          `yaml:"enabled"`
	BufferSize      int           `yaml:"buffer_size"`
	FlushInterval   time.Duration `yaml:"flush_interval"`
	IncludeRequest  bool          `yaml:"include_request"`
	SensitiveFields []string      `yaml:"sensitive_fields"`
}

// AuditLogger buffers audit events and writes them out asynchronously
// so recording an event never blocks the request path.
type AuditLogger struct {
	config     *AuditConfig
	logger     *logrus.Logger
	buffer     chan *AuditEvent
	stopChan   chan struct{}
	wg         sync.WaitGroup
	eventCount int64
	mu         sync.RWMutex
	stopped    bool
}

// NewAuditLogger creates a new audit logger
func NewAuditLogger(config *AuditConfig, logger *logrus.Logger) *AuditLogger {
	if config.BufferSize == 0 {
		config.BufferSize = 1000
	}
	if config.FlushInterval == 0 {
		config.FlushInterval = 10 * time.Second
	}

	auditor := &AuditLogger{
		config:   config,
		logger:   logger,
		buffer:   make(chan *AuditEvent, config.BufferSize),
		stopChan: make(chan struct{}),
	}

	if config.Enabled {
		auditor.start()
	}

	return auditor
}

// LogEvent records an audit event, enriching it from the request context
func (a *AuditLogger) LogEvent(ctx context.Context, eventType AuditEventType, message string, details map[string]interface{}) {
	a.mu.RLock()
	enabled := a.config.Enabled
	stopped := a.stopped
	a.mu.RUnlock()

	if !enabled || stopped {
		return
	}

	event := &AuditEvent{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Message:   message,
		Details:   a.sanitizeDetails(details),
		Severity:  a.getSeverity(eventType),
		Source:    "crew-core",
	}

	if requestID, ok := ctx.Value(requestIDKey).(string); ok {
		event.RequestID = requestID
	}

	if authCtx, ok := GetAuthContext(ctx); ok {
		event.UserID = authCtx.UserID
		event.CrewID = authCtx.CrewID
		event.Surface = string(authCtx.Surface)
	}

	event.IPAddress = clientIPFromContext(ctx)

	select {
	case a.buffer <- event:
		a.mu.Lock()
		a.eventCount++
		a.mu.Unlock()
	default:
		// Buffer full, drop rather than block the caller
		a.logger.Warn("Audit buffer full, dropping event")
	}
}

// LogAuthenticationAttempt logs authentication attempts
func (a *AuditLogger) LogAuthenticationAttempt(ctx context.Context, userID, method string, success bool, details map[string]interface{}) {
	eventType := AuthenticationSuccess
	message := fmt.Sprintf("User %s authenticated successfully using %s", userID, method)

	if !success {
		eventType = AuthenticationFailure
		message = fmt.Sprintf("Authentication failed for user %s using %s", userID, method)
	}

	if details == nil {
		details = make(map[string]interface{})
	}
	details["auth_method"] = method
	details["success"] = success

	a.LogEvent(ctx, eventType, message, details)
}

// LogAuthorizationFailure logs denied operations from the memory facade
func (a *AuditLogger) LogAuthorizationFailure(ctx context.Context, userID, operation string, details map[string]interface{}) {
	if details == nil {
		details = make(map[string]interface{})
	}
	details["denied_operation"] = operation

	message := fmt.Sprintf("User %s denied for operation %s", userID, operation)
	a.LogEvent(ctx, AuthorizationFailure, message, details)
}

// LogDispatchFailure logs failed handoffs to the automation engine
func (a *AuditLogger) LogDispatchFailure(ctx context.Context, requestID, reason string, details map[string]interface{}) {
	if details == nil {
		details = make(map[string]interface{})
	}
	details["request_id"] = requestID
	details["reason"] = reason

	message := fmt.Sprintf("Dispatch failed for request %s: %s", requestID, reason)
	a.LogEvent(ctx, DispatchFailure, message, details)
}

// LogRequestTimedOut logs tracked requests that exhausted their polling budget
func (a *AuditLogger) LogRequestTimedOut(ctx context.Context, requestID string, pollCount int) {
	details := map[string]interface{}{
		"request_id": requestID,
		"poll_count": pollCount,
	}

	message := fmt.Sprintf("Request %s timed out after %d polls", requestID, pollCount)
	a.LogEvent(ctx, RequestTimedOut, message, details)
}

// LogRequestCancelled logs user-initiated cancellations of tracked requests
func (a *AuditLogger) LogRequestCancelled(ctx context.Context, requestID string) {
	details := map[string]interface{}{
		"request_id": requestID,
	}

	message := fmt.Sprintf("Request %s cancelled", requestID)
	a.LogEvent(ctx, RequestCancelled, message, details)
}

// AuditMiddleware creates audit logging middleware. It assigns a request ID,
// captures the client IP, and records a per-request event after completion.
func (a *AuditLogger) AuditMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			startTime := time.Now()

			wrapper := &responseWriterWrapper{
				ResponseWriter: w,
				statusCode:     200,
			}

			ctx := context.WithValue(r.Context(), requestIDKey, uuid.New().String())
			ctx = context.WithValue(ctx, clientIPKey, clientIPFromRequest(r))

			next.ServeHTTP(wrapper, r.WithContext(ctx))

			duration := time.Since(startTime)

			details := map[string]interface{}{
				"method":      r.Method,
				"url":         r.URL.String(),
				"status_code": wrapper.statusCode,
				"duration_ms": duration.Milliseconds(),
				"user_agent":  r.UserAgent(),
			}

			if a.config.IncludeRequest {
				headers := make(map[string]string)
				for key, values := range r.Header {
					if !a.isSensitiveField(key) {
						headers[key] = strings.Join(values, ", ")
					}
				}
				details["request_headers"] = headers
			}

			eventType := AuthenticationSuccess
			message := fmt.Sprintf("%s %s - %d", r.Method, r.URL.Path, wrapper.statusCode)

			switch {
			case wrapper.statusCode == 401:
				eventType = AuthenticationFailure
			case wrapper.statusCode == 403:
				eventType = AuthorizationFailure
			case wrapper.statusCode == 429:
				eventType = RateLimitExceeded
			case wrapper.statusCode >= 400 && wrapper.statusCode < 500:
				eventType = ValidationFailure
			}

			a.LogEvent(ctx, eventType, message, details)
		})
	}
}

// GetEventCount returns the number of events logged
func (a *AuditLogger) GetEventCount() int64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.eventCount
}

// Stop stops the audit logger and flushes remaining events
func (a *AuditLogger) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.config.Enabled || a.stopped {
		return
	}

	a.stopped = true
	close(a.stopChan)
	a.wg.Wait()
	close(a.buffer)

	for event := range a.buffer {
		a.writeEvent(event)
	}
}

func (a *AuditLogger) start() {
	a.wg.Add(1)
	go a.eventProcessor()
}

func (a *AuditLogger) eventProcessor() {
	defer a.wg.Done()

	ticker := time.NewTicker(a.config.FlushInterval)
	defer ticker.Stop()

	events := make([]*AuditEvent, 0, 100)

	for {
		select {
		case event := <-a.buffer:
			events = append(events, event)

			if len(events) >= 100 {
				a.flushEvents(events)
				events = events[:0]
			}

		case <-ticker.C:
			if len(events) > 0 {
				a.flushEvents(events)
				events = events[:0]
			}

		case <-a.stopChan:
			if len(events) > 0 {
				a.flushEvents(events)
			}
			return
		}
	}
}

func (a *AuditLogger) flushEvents(events []*AuditEvent) {
	for _, event := range events {
		a.writeEvent(event)
	}
}

func (a *AuditLogger) writeEvent(event *AuditEvent) {
	fields := logrus.Fields{
		"audit_event": true,
		"event_type":  event.EventType,
		"event_id":    event.ID,
		"user_id":     event.UserID,
		"crew_id":     event.CrewID,
		"surface":     event.Surface,
		"ip_address":  event.IPAddress,
		"operation":   event.Operation,
		"severity":    event.Severity,
		"request_id":  event.RequestID,
		"timestamp":   event.Timestamp,
	}

	for key, value := range event.Details {
		fields[fmt.Sprintf("detail_%s", key)] = value
	}

	entry := a.logger.WithFields(fields)

	switch event.Severity {
	case "critical":
		entry.Error(event.Message)
	case "high":
		entry.Warn(event.Message)
	case "medium":
		entry.Info(event.Message)
	default:
		entry.Debug(event.Message)
	}
}

func (a *AuditLogger) sanitizeDetails(details map[string]interface{}) map[string]interface{} {
	if details == nil {
		return nil
	}

	sanitized := make(map[string]interface{})
	for key, value := range details {
		if a.isSensitiveField(key) {
			sanitized[key] = "***REDACTED***"
		} else {
			sanitized[key] = value
		}
	}

	return sanitized
}

func (a *AuditLogger) isSensitiveField(field string) bool {
	fieldLower := strings.ToLower(field)

	defaultSensitive := []string{
		"password", "token", "secret", "key", "auth", "credential",
		"authorization", "x-api-key", "api-key", "bearer",
	}

	for _, sensitive := range defaultSensitive {
		if strings.Contains(fieldLower, sensitive) {
			return true
		}
	}

	for _, sensitive := range a.config.SensitiveFields {
		if strings.EqualFold(field, sensitive) {
			return true
		}
	}

	return false
}

func (a *AuditLogger) getSeverity(eventType AuditEventType) string {
	switch eventType {
	case AuthorizationFailure, AuthenticationFailure:
		return "high"
	case RateLimitExceeded, ValidationFailure, DispatchFailure, BudgetExceeded:
		return "medium"
	default:
		return "low"
	}
}

type responseWriterWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriterWrapper) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
