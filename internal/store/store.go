// Package store defines the narrow persistence contracts the core
// depends on, with in-memory and SQLite implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/tributary-ai/crew-core/internal/types"
)

// ErrNotFound is returned when a record does not exist. Callers match it
// with errors.Is.
var ErrNotFound = errors.New("record not found")

// RequestStore is the row-store contract over the workflow_requests
// table. The polling service is the only component that writes through
// it; everything else reads.
type RequestStore interface {
	InsertRequest(ctx context.Context, req *types.TrackedRequest) error
	GetRequest(ctx context.Context, id string) (*types.TrackedRequest, error)
	UpdateRequest(ctx context.Context, req *types.TrackedRequest) error
	DeleteRequest(ctx context.Context, id string) error
	// ActiveRequests returns all records still pending or running.
	ActiveRequests(ctx context.Context) ([]*types.TrackedRequest, error)
	// DeleteExpired removes records still pending or running past their
	// expiry. Terminal records are retained as history.
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// Memory is one record in the facade's CRUD target table.
type Memory struct {
	ID        string    `json:"id"`
	CrewID    string    `json:"crew_id"`
	UserID    string    `json:"user_id"`
	Content   string    `json:"content"`
	Tags      []string  `json:"tags,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// MemoryQuery filters memory retrieval.
type MemoryQuery struct {
	CrewID string
	Tag    string
	Limit  int
}

// MemoryStore is the row-store contract over the memories table.
type MemoryStore interface {
	InsertMemory(ctx context.Context, m *Memory) error
	QueryMemories(ctx context.Context, q MemoryQuery) ([]*Memory, error)
	DeleteMemory(ctx context.Context, id string) error
}
