package users

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/bizmatters/clinical-assistant/intake-orchestrator/internal/models"
)

type fakeRow struct {
	scan func(dest ...any) error
}

func (r fakeRow) Scan(dest ...any) error { return r.scan(dest...) }

type fakeDB struct {
	queries []string
	args    [][]any
	row     func(sql string, args []any) pgx.Row
	execErr error
	pingErr error
}

func (f *fakeDB) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	f.queries = append(f.queries, sql)
	f.args = append(f.args, args)
	return f.row(sql, args)
}

func (f *fakeDB) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	f.queries = append(f.queries, sql)
	return pgconn.NewCommandTag("CREATE TABLE"), f.execErr
}

func (f *fakeDB) Ping(context.Context) error { return f.pingErr }

func userRow(t *testing.T, password string) pgx.Row {
	t.Helper()
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	return fakeRow{scan: func(dest ...any) error {
		*dest[0].(*string) = "u-1"
		*dest[1].(*string) = "Dr Grey"
		*dest[2].(*string) = "grey@example.com"
		*dest[3].(*string) = models.RoleClinician
		*dest[4].(*string) = string(hashed)
		*dest[5].(*time.Time) = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
		return nil
	}}
}

func TestAuthenticate(t *testing.T) {
	ctx := context.Background()

	t.Run("valid credentials", func(t *testing.T) {
		db := &fakeDB{row: func(string, []any) pgx.Row { return userRow(t, "secret123") }}
		u, err := NewStore(db).Authenticate(ctx, " Grey@Example.com ", "secret123")
		require.NoError(t, err)
		assert.Equal(t, "u-1", u.ID)
		assert.Equal(t, models.RoleClinician, u.Role)
		assert.Equal(t, []any{"grey@example.com"}, db.args[0])
	})

	t.Run("wrong password", func(t *testing.T) {
		db := &fakeDB{row: func(string, []any) pgx.Row { return userRow(t, "secret123") }}
		_, err := NewStore(db).Authenticate(ctx, "grey@example.com", "nope")
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	})

	t.Run("unknown email", func(t *testing.T) {
		db := &fakeDB{row: func(string, []any) pgx.Row {
			return fakeRow{scan: func(...any) error { return pgx.ErrNoRows }}
		}}
		_, err := NewStore(db).Authenticate(ctx, "nobody@example.com", "secret123")
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	})

	t.Run("database error", func(t *testing.T) {
		boom := errors.New("connection lost")
		db := &fakeDB{row: func(string, []any) pgx.Row {
			return fakeRow{scan: func(...any) error { return boom }}
		}}
		_, err := NewStore(db).Authenticate(ctx, "grey@example.com", "secret123")
		assert.ErrorIs(t, err, boom)
		assert.NotErrorIs(t, err, ErrInvalidCredentials)
	})
}

func TestCreate(t *testing.T) {
	ctx := context.Background()
	created := time.Date(2025, 2, 2, 0, 0, 0, 0, time.UTC)

	t.Run("inserts normalised user with hashed password", func(t *testing.T) {
		db := &fakeDB{row: func(string, []any) pgx.Row {
			return fakeRow{scan: func(dest ...any) error {
				*dest[0].(*time.Time) = created
				return nil
			}}
		}}
		u, err := NewStore(db).Create(ctx, " Dr Grey ", "Grey@Example.com", "secret123", "")
		require.NoError(t, err)
		assert.Equal(t, "Dr Grey", u.Name)
		assert.Equal(t, "grey@example.com", u.Email)
		assert.Equal(t, models.RoleClinician, u.Role)
		assert.Equal(t, created, u.CreatedAt)
		assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(u.HashedPassword), []byte("secret123")))

		args := db.args[0]
		require.Len(t, args, 5)
		assert.Equal(t, u.ID, args[0])
		assert.NotEqual(t, "secret123", args[4])
	})

	t.Run("duplicate email", func(t *testing.T) {
		db := &fakeDB{row: func(string, []any) pgx.Row {
			return fakeRow{scan: func(...any) error { return &pgconn.PgError{Code: "23505"} }}
		}}
		_, err := NewStore(db).Create(ctx, "A", "a@example.com", "secret123", models.RoleAdmin)
		assert.ErrorIs(t, err, ErrDuplicateEmail)
	})

	t.Run("unknown role", func(t *testing.T) {
		db := &fakeDB{}
		_, err := NewStore(db).Create(ctx, "A", "a@example.com", "secret123", "nurse")
		assert.Error(t, err)
		assert.Empty(t, db.queries)
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name, user, email, password string
		ok                          bool
	}{
		{"valid", "Dr Grey", "grey@example.com", "secret123", true},
		{"blank name", " ", "grey@example.com", "secret123", false},
		{"bad email", "Dr Grey", "grey@", "secret123", false},
		{"short password", "Dr Grey", "grey@example.com", "s3cret", false},
		{"no digit", "Dr Grey", "grey@example.com", "secretpassword", false},
		{"no letter", "Dr Grey", "grey@example.com", "12345678", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.user, tt.email, tt.password)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestEnsureSchemaAndPing(t *testing.T) {
	db := &fakeDB{}
	s := NewStore(db)
	require.NoError(t, s.EnsureSchema(context.Background()))
	assert.Contains(t, db.queries[0], "CREATE TABLE IF NOT EXISTS users")

	db.execErr = errors.New("permission denied")
	assert.Error(t, s.EnsureSchema(context.Background()))

	db.pingErr = errors.New("down")
	assert.Error(t, s.Ping(context.Background()))
}
