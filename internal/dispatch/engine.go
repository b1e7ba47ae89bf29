// Package dispatch sends work to the external automation engine and
// tracks its completion through a polling state machine.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/crew-core/internal/types"
)

// EngineConfig holds the automation engine endpoint configuration.
type EngineConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// EngineClient is the outbound HTTP client for the automation engine.
// The engine is an opaque collaborator: a dispatch is one POST, and a
// non-2xx response is an immediate dispatch failure.
type EngineClient struct {
	config EngineConfig
	client *http.Client
	logger *logrus.Logger
}

// DispatchInput is the payload for one dispatch call.
type DispatchInput struct {
	Input     string            `json:"input"`
	RequestID string            `json:"requestId"`
	Context   map[string]string `json:"context,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// NewEngineClient creates a client for the configured engine URL.
func NewEngineClient(config EngineConfig, logger *logrus.Logger) *EngineClient {
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	return &EngineClient{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
		logger: logger,
	}
}

// Dispatch POSTs the payload to the engine and returns the raw response
// body. Any transport error or non-2xx status is a non-transient failure
// surfaced to the caller; no tracking record should be created for it.
func (c *EngineClient) Dispatch(ctx context.Context, input DispatchInput) ([]byte, error) {
	body, err := json.Marshal(input)
	if err != nil {
		return nil, &types.OperationError{Operation: "dispatch", Err: fmt.Errorf("encode payload: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.URL, bytes.NewReader(body))
	if err != nil {
		return nil, &types.OperationError{Operation: "dispatch", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.WithError(err).WithField("request_id", input.RequestID).Warn("Engine dispatch failed")
		return nil, &types.OperationError{Operation: "dispatch", Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &types.OperationError{Operation: "dispatch", Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.WithFields(logrus.Fields{
			"request_id": input.RequestID,
			"status":     resp.StatusCode,
		}).Warn("Engine rejected dispatch")
		return nil, &types.OperationError{
			Operation: "dispatch",
			Err:       fmt.Errorf("engine returned status %d", resp.StatusCode),
		}
	}

	c.logger.WithFields(logrus.Fields{
		"request_id":  input.RequestID,
		"status":      resp.StatusCode,
		"duration_ms": time.Since(start).Milliseconds(),
	}).Debug("Dispatched to engine")

	return respBody, nil
}
