package users

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bizmatters/clinical-assistant/intake-orchestrator/internal/models"
)

// testPool connects to TEST_DATABASE_URL and skips the test when it is unset.
func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	pool, err := pgxpool.New(ctx, url)
	require.NoError(t, err)
	require.NoError(t, pool.Ping(ctx), "failed to ping database")
	t.Cleanup(pool.Close)
	return pool
}

func TestStoreIntegration(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	store := NewStore(pool)
	require.NoError(t, store.EnsureSchema(ctx))
	require.NoError(t, store.EnsureSchema(ctx), "schema creation is idempotent")

	email := fmt.Sprintf("it-%s@example.com", uuid.NewString()[:8])
	t.Cleanup(func() {
		_, _ = pool.Exec(context.Background(), `DELETE FROM users WHERE email = $1`, email)
	})

	created, err := store.Create(ctx, "Integration Clinician", email, "secret123", models.RoleAdmin)
	require.NoError(t, err)
	assert.False(t, created.CreatedAt.IsZero())

	_, err = store.Create(ctx, "Duplicate", email, "secret123", "")
	assert.ErrorIs(t, err, ErrDuplicateEmail)

	u, err := store.Authenticate(ctx, email, "secret123")
	require.NoError(t, err)
	assert.Equal(t, created.ID, u.ID)
	assert.Equal(t, models.RoleAdmin, u.Role)

	_, err = store.Authenticate(ctx, email, "wrong-pass1")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}
