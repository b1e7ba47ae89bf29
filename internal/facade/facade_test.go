package facade

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tributary-ai/crew-core/internal/security"
	"github.com/tributary-ai/crew-core/internal/store"
	"github.com/tributary-ai/crew-core/internal/types"
)

func newTestFacade() *Facade {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return New(store.NewMemStore(), nil, logger)
}

func authFor(role types.Role, surface string) *types.AuthorizationContext {
	return &types.AuthorizationContext{
		UserID:  "user-1",
		CrewID:  "crew-a",
		Role:    role,
		Surface: surface,
	}
}

func TestFacade_CreateRetrieveDelete(t *testing.T) {
	f := newTestFacade()
	ctx := context.Background()
	owner := authFor(types.RoleOwner, types.SurfaceWeb)

	created, err := f.CreateMemory(ctx, CreateMemoryParams{
		Content: "sprint retro notes",
		Tags:    []string{"retro"},
	}, owner)
	require.NoError(t, err)
	require.NotNil(t, created.Memory)
	assert.NotEmpty(t, created.Memory.ID)
	assert.Equal(t, "crew-a", created.Memory.CrewID)
	assert.Equal(t, "user-1", created.Memory.UserID)
	assert.Positive(t, created.Cost)

	retrieved, err := f.RetrieveMemories(ctx, RetrieveMemoriesParams{Tag: "retro"}, owner)
	require.NoError(t, err)
	require.Len(t, retrieved.Memories, 1)
	assert.Equal(t, "sprint retro notes", retrieved.Memories[0].Content)

	deleted, err := f.DeleteMemory(ctx, DeleteMemoryParams{ID: created.Memory.ID}, owner)
	require.NoError(t, err)
	assert.Equal(t, created.Memory.ID, deleted.ID)
	assert.Equal(t, deleteFlatCost, deleted.Cost)

	retrieved, err = f.RetrieveMemories(ctx, RetrieveMemoriesParams{}, owner)
	require.NoError(t, err)
	assert.Empty(t, retrieved.Memories)
}

func TestFacade_RoleMatrix(t *testing.T) {
	tests := []struct {
		role        types.Role
		canCreate   bool
		canRetrieve bool
		canDelete   bool
	}{
		{types.RoleOwner, true, true, true},
		{types.RoleMember, true, true, false},
		{types.RoleViewer, false, true, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.role), func(t *testing.T) {
			f := newTestFacade()
			ctx := context.Background()
			owner := authFor(types.RoleOwner, types.SurfaceWeb)

			// Seed a memory with the owner so retrieval and deletion
			// have a target.
			seeded, err := f.CreateMemory(ctx, CreateMemoryParams{Content: "seed"}, owner)
			require.NoError(t, err)

			auth := authFor(tt.role, types.SurfaceWeb)

			_, err = f.CreateMemory(ctx, CreateMemoryParams{Content: "attempt"}, auth)
			assertAuthorized(t, err, tt.canCreate)

			_, err = f.RetrieveMemories(ctx, RetrieveMemoriesParams{}, auth)
			assertAuthorized(t, err, tt.canRetrieve)

			_, err = f.DeleteMemory(ctx, DeleteMemoryParams{ID: seeded.Memory.ID}, auth)
			assertAuthorized(t, err, tt.canDelete)
		})
	}
}

func assertAuthorized(t *testing.T, err error, want bool) {
	t.Helper()
	if want {
		assert.NoError(t, err)
		return
	}
	var unauthorized *types.UnauthorizedError
	require.ErrorAs(t, err, &unauthorized)
}

func TestFacade_SurfaceIndependence(t *testing.T) {
	surfaces := []string{types.SurfaceWeb, types.SurfaceCLI, types.SurfaceIDE, types.SurfaceN8N}

	// Each surface runs the identical scenario; every outcome and every
	// cost must match across all of them.
	type outcome struct {
		createCost   float64
		retrieveCost float64
		deleteDenied bool
	}
	var outcomes []outcome

	for _, surface := range surfaces {
		f := newTestFacade()
		ctx := context.Background()
		member := authFor(types.RoleMember, surface)

		created, err := f.CreateMemory(ctx, CreateMemoryParams{Content: strings.Repeat("x", 2048)}, member)
		require.NoError(t, err, "surface %s", surface)

		retrieved, err := f.RetrieveMemories(ctx, RetrieveMemoriesParams{Limit: 10}, member)
		require.NoError(t, err, "surface %s", surface)

		_, err = f.DeleteMemory(ctx, DeleteMemoryParams{ID: created.Memory.ID}, member)
		var unauthorized *types.UnauthorizedError
		denied := errors.As(err, &unauthorized)

		outcomes = append(outcomes, outcome{
			createCost:   created.Cost,
			retrieveCost: retrieved.Cost,
			deleteDenied: denied,
		})
	}

	for i := 1; i < len(outcomes); i++ {
		assert.Equal(t, outcomes[0], outcomes[i], "surface %s diverged from %s", surfaces[i], surfaces[0])
	}
}

func TestFacade_CostDeterminism(t *testing.T) {
	f := newTestFacade()
	ctx := context.Background()
	owner := authFor(types.RoleOwner, types.SurfaceCLI)

	params := CreateMemoryParams{Content: strings.Repeat("a", 3000)}

	first, err := f.CreateMemory(ctx, params, owner)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		again, err := f.CreateMemory(ctx, params, owner)
		require.NoError(t, err)
		assert.Equal(t, first.Cost, again.Cost, "create cost must be a pure function of the params")
	}

	// 3000 bytes rounds up to 3 kilobytes.
	assert.InDelta(t, createBaseCost+3*createPerKilobyte, first.Cost, 1e-12)

	retrieveParams := RetrieveMemoriesParams{Limit: 10}
	r1, err := f.RetrieveMemories(ctx, retrieveParams, owner)
	require.NoError(t, err)
	r2, err := f.RetrieveMemories(ctx, retrieveParams, owner)
	require.NoError(t, err)
	assert.Equal(t, r1.Cost, r2.Cost)
	assert.InDelta(t, retrieveBaseCost+10*retrievePerResult, r1.Cost, 1e-12)

	// The default window is charged when no limit is given.
	rDefault, err := f.RetrieveMemories(ctx, RetrieveMemoriesParams{}, owner)
	require.NoError(t, err)
	assert.InDelta(t, retrieveBaseCost+100*retrievePerResult, rDefault.Cost, 1e-12)
}

func TestFacade_CrewScoping(t *testing.T) {
	f := newTestFacade()
	ctx := context.Background()

	crewA := authFor(types.RoleOwner, types.SurfaceWeb)
	crewB := &types.AuthorizationContext{UserID: "user-2", CrewID: "crew-b", Role: types.RoleOwner, Surface: types.SurfaceWeb}

	_, err := f.CreateMemory(ctx, CreateMemoryParams{Content: "crew-a secret"}, crewA)
	require.NoError(t, err)

	retrieved, err := f.RetrieveMemories(ctx, RetrieveMemoriesParams{}, crewB)
	require.NoError(t, err)
	assert.Empty(t, retrieved.Memories, "crew-b must not see crew-a memories")
}

func TestFacade_Validation(t *testing.T) {
	f := newTestFacade()
	ctx := context.Background()
	owner := authFor(types.RoleOwner, types.SurfaceWeb)

	tests := []struct {
		name string
		call func() error
	}{
		{"empty content", func() error {
			_, err := f.CreateMemory(ctx, CreateMemoryParams{}, owner)
			return err
		}},
		{"negative limit", func() error {
			_, err := f.RetrieveMemories(ctx, RetrieveMemoriesParams{Limit: -1}, owner)
			return err
		}},
		{"empty delete id", func() error {
			_, err := f.DeleteMemory(ctx, DeleteMemoryParams{}, owner)
			return err
		}},
		{"nil auth", func() error {
			_, err := f.CreateMemory(ctx, CreateMemoryParams{Content: "x"}, nil)
			return err
		}},
		{"invalid role", func() error {
			_, err := f.CreateMemory(ctx, CreateMemoryParams{Content: "x"},
				&types.AuthorizationContext{UserID: "u", CrewID: "c", Role: "superuser", Surface: types.SurfaceWeb})
			return err
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var validationErr *types.ValidationError
			require.ErrorAs(t, tt.call(), &validationErr)
		})
	}
}

func TestFacade_DeleteMissing(t *testing.T) {
	f := newTestFacade()
	ctx := context.Background()
	owner := authFor(types.RoleOwner, types.SurfaceWeb)

	_, err := f.DeleteMemory(ctx, DeleteMemoryParams{ID: "does-not-exist"}, owner)

	var opErr *types.OperationError
	require.ErrorAs(t, err, &opErr)
	assert.ErrorIs(t, err, store.ErrNotFound)

	// Deleting the same id twice yields the same error the second time.
	created, err := f.CreateMemory(ctx, CreateMemoryParams{Content: "ephemeral"}, owner)
	require.NoError(t, err)
	_, err = f.DeleteMemory(ctx, DeleteMemoryParams{ID: created.Memory.ID}, owner)
	require.NoError(t, err)
	_, err = f.DeleteMemory(ctx, DeleteMemoryParams{ID: created.Memory.ID}, owner)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestFacade_DenialHasNoSideEffects(t *testing.T) {
	f := newTestFacade()
	ctx := context.Background()
	owner := authFor(types.RoleOwner, types.SurfaceWeb)
	viewer := authFor(types.RoleViewer, types.SurfaceWeb)

	created, err := f.CreateMemory(ctx, CreateMemoryParams{Content: "protected"}, owner)
	require.NoError(t, err)

	_, err = f.DeleteMemory(ctx, DeleteMemoryParams{ID: created.Memory.ID}, viewer)
	var unauthorized *types.UnauthorizedError
	require.ErrorAs(t, err, &unauthorized)

	// The denied delete must not have touched the record.
	retrieved, err := f.RetrieveMemories(ctx, RetrieveMemoriesParams{}, owner)
	require.NoError(t, err)
	require.Len(t, retrieved.Memories, 1)
	assert.Equal(t, "protected", retrieved.Memories[0].Content)
}

func TestFacade_RetrieveWithoutLimitBoundsWindow(t *testing.T) {
	f := newTestFacade()
	ctx := context.Background()
	owner := authFor(types.RoleOwner, types.SurfaceWeb)

	for i := 0; i < defaultRetrieveWindow+20; i++ {
		_, err := f.CreateMemory(ctx, CreateMemoryParams{
			Content: fmt.Sprintf("note %d", i),
		}, owner)
		require.NoError(t, err)
	}

	// A retrieve without an explicit limit returns at most the default
	// window, and the charge matches the same window.
	retrieved, err := f.RetrieveMemories(ctx, RetrieveMemoriesParams{}, owner)
	require.NoError(t, err)
	assert.Len(t, retrieved.Memories, defaultRetrieveWindow)
	assert.InDelta(t, retrieveBaseCost+defaultRetrieveWindow*retrievePerResult, retrieved.Cost, 1e-12)
}

func TestFacade_OperationsAudited(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	auditor := security.NewAuditLogger(&security.AuditConfig{
		Enabled:       true,
		BufferSize:    16,
		FlushInterval: 10 * time.Millisecond,
	}, logger)
	t.Cleanup(auditor.Stop)

	f := New(store.NewMemStore(), auditor, logger)
	ctx := context.Background()
	owner := authFor(types.RoleOwner, types.SurfaceWeb)

	_, err := f.CreateMemory(ctx, CreateMemoryParams{Content: "audited note"}, owner)
	require.NoError(t, err)
	assert.Equal(t, int64(1), auditor.GetEventCount())

	_, err = f.RetrieveMemories(ctx, RetrieveMemoriesParams{}, owner)
	require.NoError(t, err)
	assert.Equal(t, int64(2), auditor.GetEventCount())
}

func TestFacade_ValidationChecksRoleBeforePayload(t *testing.T) {
	f := newTestFacade()
	ctx := context.Background()
	viewer := authFor(types.RoleViewer, types.SurfaceWeb)

	// A viewer sending empty content gets the authorization error, not
	// the payload error; authorization runs first.
	_, err := f.CreateMemory(ctx, CreateMemoryParams{}, viewer)
	var unauthorized *types.UnauthorizedError
	require.ErrorAs(t, err, &unauthorized)
}
