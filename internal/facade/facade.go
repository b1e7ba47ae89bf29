// Package facade is the single entry point every client surface calls.
// Requests from the dashboard, the CLI, the IDE extension and automation
// pipelines all run through the same authorization, cost accounting and
// storage path, so identical parameters and roles produce identical
// outcomes regardless of surface.
package facade

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/crew-core/internal/security"
	"github.com/tributary-ai/crew-core/internal/store"
	"github.com/tributary-ai/crew-core/internal/types"
)

// Operation names exposed by the facade.
const (
	OpCreateMemory     = "create_memory"
	OpRetrieveMemories = "retrieve_memories"
	OpDeleteMemory     = "delete_memory"
)

// roleMatrix is the authorization matrix: owner gets everything, member
// may create and retrieve, viewer may only retrieve. Enforced before any
// side effect, identically for every surface.
var roleMatrix = map[types.Role]map[string]bool{
	types.RoleOwner: {
		OpCreateMemory:     true,
		OpRetrieveMemories: true,
		OpDeleteMemory:     true,
	},
	types.RoleMember: {
		OpCreateMemory:     true,
		OpRetrieveMemories: true,
	},
	types.RoleViewer: {
		OpRetrieveMemories: true,
	},
}

// Cost accounting constants. Cost is a pure function of the operation
// type and payload size: never of wall-clock time, generated ids or the
// calling surface.
const (
	createBaseCost    = 0.0001
	createPerKilobyte = 0.00005
	retrieveBaseCost  = 0.00002
	retrievePerResult = 0.000005
	deleteFlatCost    = 0.00001
)

// defaultRetrieveWindow bounds a no-limit retrieve. The charged window
// and the queried window are always the same number.
const defaultRetrieveWindow = 100

// CreateMemoryParams are the inputs to create_memory.
type CreateMemoryParams struct {
	Content string   `json:"content"`
	Tags    []string `json:"tags,omitempty"`
}

// RetrieveMemoriesParams are the inputs to retrieve_memories.
type RetrieveMemoriesParams struct {
	Tag   string `json:"tag,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

// DeleteMemoryParams are the inputs to delete_memory.
type DeleteMemoryParams struct {
	ID string `json:"id"`
}

// MemoryResult is the outcome of create_memory.
type MemoryResult struct {
	Memory *store.Memory `json:"memory"`
	Cost   float64       `json:"cost"`
}

// MemoriesResult is the outcome of retrieve_memories.
type MemoriesResult struct {
	Memories []*store.Memory `json:"memories"`
	Cost     float64         `json:"cost"`
}

// DeleteResult is the outcome of delete_memory.
type DeleteResult struct {
	ID   string  `json:"id"`
	Cost float64 `json:"cost"`
}

// Facade wraps the memory CRUD operations with role-based authorization
// and deterministic cost accounting. Dependencies are injected at
// construction; nothing is resolved through late-bound lookup.
type Facade struct {
	memories store.MemoryStore
	auditor  *security.AuditLogger
	logger   *logrus.Logger
}

// New creates a facade over the given memory store.
func New(memories store.MemoryStore, auditor *security.AuditLogger, logger *logrus.Logger) *Facade {
	return &Facade{memories: memories, auditor: auditor, logger: logger}
}

// CreateMemory persists a new memory for the caller's crew.
func (f *Facade) CreateMemory(ctx context.Context, params CreateMemoryParams, auth *types.AuthorizationContext) (*MemoryResult, error) {
	if err := f.authorize(ctx, OpCreateMemory, auth); err != nil {
		return nil, err
	}
	if params.Content == "" {
		return nil, &types.ValidationError{Field: "content", Reason: "content is required"}
	}

	m := &store.Memory{
		ID:        uuid.New().String(),
		CrewID:    auth.CrewID,
		UserID:    auth.UserID,
		Content:   params.Content,
		Tags:      params.Tags,
		CreatedAt: time.Now().UTC(),
	}
	if err := f.memories.InsertMemory(ctx, m); err != nil {
		return nil, &types.OperationError{Operation: OpCreateMemory, Err: err}
	}

	f.logOperation(ctx, OpCreateMemory, auth)
	return &MemoryResult{Memory: m, Cost: createCost(params)}, nil
}

// RetrieveMemories returns the caller's crew memories, newest first.
func (f *Facade) RetrieveMemories(ctx context.Context, params RetrieveMemoriesParams, auth *types.AuthorizationContext) (*MemoriesResult, error) {
	if err := f.authorize(ctx, OpRetrieveMemories, auth); err != nil {
		return nil, err
	}
	if params.Limit < 0 {
		return nil, &types.ValidationError{Field: "limit", Reason: "limit cannot be negative"}
	}

	limit := params.Limit
	if limit == 0 {
		limit = defaultRetrieveWindow
	}
	memories, err := f.memories.QueryMemories(ctx, store.MemoryQuery{
		CrewID: auth.CrewID,
		Tag:    params.Tag,
		Limit:  limit,
	})
	if err != nil {
		return nil, &types.OperationError{Operation: OpRetrieveMemories, Err: err}
	}

	f.logOperation(ctx, OpRetrieveMemories, auth)
	return &MemoriesResult{Memories: memories, Cost: retrieveCost(params)}, nil
}

// DeleteMemory removes a memory by id. Deleting an id that does not exist
// (including one already deleted) is an OperationError, not an
// authorization failure.
func (f *Facade) DeleteMemory(ctx context.Context, params DeleteMemoryParams, auth *types.AuthorizationContext) (*DeleteResult, error) {
	if err := f.authorize(ctx, OpDeleteMemory, auth); err != nil {
		return nil, err
	}
	if params.ID == "" {
		return nil, &types.ValidationError{Field: "id", Reason: "memory id is required"}
	}

	if err := f.memories.DeleteMemory(ctx, params.ID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, &types.OperationError{Operation: OpDeleteMemory, Err: store.ErrNotFound}
		}
		return nil, &types.OperationError{Operation: OpDeleteMemory, Err: err}
	}

	f.logOperation(ctx, OpDeleteMemory, auth)
	return &DeleteResult{ID: params.ID, Cost: deleteFlatCost}, nil
}

// authorize enforces the role matrix. The surface field never influences
// the outcome; it is only recorded for observability. Denials carry no
// side effects.
func (f *Facade) authorize(ctx context.Context, operation string, auth *types.AuthorizationContext) error {
	if auth == nil {
		return &types.ValidationError{Field: "authorization", Reason: "authorization context is required"}
	}
	if err := auth.Validate(); err != nil {
		return err
	}

	if !roleMatrix[auth.Role][operation] {
		if f.auditor != nil {
			f.auditor.LogAuthorizationFailure(ctx, auth.UserID, operation, map[string]interface{}{
				"role":    string(auth.Role),
				"surface": auth.Surface,
			})
		}
		return &types.UnauthorizedError{Role: auth.Role, Operation: operation}
	}
	return nil
}

func (f *Facade) logOperation(ctx context.Context, operation string, auth *types.AuthorizationContext) {
	f.logger.WithFields(logrus.Fields{
		"operation": operation,
		"user_id":   auth.UserID,
		"crew_id":   auth.CrewID,
		"role":      auth.Role,
		"surface":   auth.Surface,
	}).Debug("Facade operation completed")

	if f.auditor != nil {
		f.auditor.LogEvent(ctx, security.MemoryAccess,
			fmt.Sprintf("User %s completed %s", auth.UserID, operation),
			map[string]interface{}{"accessed_operation": operation})
	}
}

// createCost charges a base fee plus a size component rounded up to the
// kilobyte, so identical payloads always cost the same.
func createCost(params CreateMemoryParams) float64 {
	kilobytes := (len(params.Content) + 1023) / 1024
	return createBaseCost + float64(kilobytes)*createPerKilobyte
}

// retrieveCost charges by the requested result window, not by what the
// store happens to return, keeping the charge a function of the params.
func retrieveCost(params RetrieveMemoriesParams) float64 {
	limit := params.Limit
	if limit == 0 {
		limit = defaultRetrieveWindow
	}
	return retrieveBaseCost + float64(limit)*retrievePerResult
}
