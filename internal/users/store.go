// Package users stores clinician accounts in PostgreSQL.
package users

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/bcrypt"

	"github.com/bizmatters/clinical-assistant/intake-orchestrator/internal/models"
)

const (
	MinPasswordLength = 8
	// BcryptCost is the bcrypt work factor (10 is about 100ms).
	BcryptCost = 10

	uniqueViolation = "23505"
)

var (
	ErrNotFound           = errors.New("user not found")
	ErrDuplicateEmail     = errors.New("user with this email already exists")
	ErrInvalidCredentials = errors.New("invalid email or password")

	emailRegex = regexp.MustCompile(`^[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}$`)
	hasLetter  = regexp.MustCompile(`[a-zA-Z]`)
	hasNumber  = regexp.MustCompile(`[0-9]`)
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id              UUID PRIMARY KEY,
	name            TEXT NOT NULL,
	email           TEXT NOT NULL UNIQUE,
	role            TEXT NOT NULL DEFAULT 'clinician',
	hashed_password TEXT NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// DB is the subset of *pgxpool.Pool the store uses.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Ping(ctx context.Context) error
}

type Store struct {
	db     DB
	tracer trace.Tracer
}

func NewStore(db DB) *Store {
	return &Store{db: db, tracer: otel.Tracer("user-store")}
}

// EnsureSchema creates the users table when it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to create users table: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// FindByEmail looks a user up by normalised email.
func (s *Store) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	ctx, span := s.tracer.Start(ctx, "users.find_by_email")
	defer span.End()

	var u models.User
	err := s.db.QueryRow(ctx,
		`SELECT id, name, email, role, hashed_password, created_at FROM users WHERE email = $1`,
		normalizeEmail(email),
	).Scan(&u.ID, &u.Name, &u.Email, &u.Role, &u.HashedPassword, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	return &u, nil
}

// Authenticate returns the user when password matches. Unknown emails and
// wrong passwords both yield ErrInvalidCredentials.
func (s *Store) Authenticate(ctx context.Context, email, password string) (*models.User, error) {
	u, err := s.FindByEmail(ctx, email)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.HashedPassword), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return u, nil
}

// Create validates the input, hashes the password and inserts the user.
func (s *Store) Create(ctx context.Context, name, email, password, role string) (*models.User, error) {
	ctx, span := s.tracer.Start(ctx, "users.create")
	defer span.End()

	if err := Validate(name, email, password); err != nil {
		return nil, err
	}
	if role == "" {
		role = models.RoleClinician
	}
	if role != models.RoleClinician && role != models.RoleAdmin {
		return nil, fmt.Errorf("unknown role %q", role)
	}
	span.SetAttributes(attribute.String("user.role", role))

	hashed, err := bcrypt.GenerateFromPassword([]byte(password), BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	u := models.User{
		ID:             uuid.NewString(),
		Name:           strings.TrimSpace(name),
		Email:          normalizeEmail(email),
		Role:           role,
		HashedPassword: string(hashed),
	}
	err = s.db.QueryRow(ctx,
		`INSERT INTO users (id, name, email, role, hashed_password)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING created_at`,
		u.ID, u.Name, u.Email, u.Role, u.HashedPassword,
	).Scan(&u.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, ErrDuplicateEmail
		}
		span.RecordError(err)
		return nil, fmt.Errorf("failed to insert user: %w", err)
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	return &u, nil
}

// Validate checks a new account's name, email and password strength.
func Validate(name, email, password string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("name is required and cannot be empty")
	}
	if !emailRegex.MatchString(strings.TrimSpace(email)) {
		return fmt.Errorf("invalid email format: %s", email)
	}
	if len(password) < MinPasswordLength {
		return fmt.Errorf("password must be at least %d characters long", MinPasswordLength)
	}
	if !hasLetter.MatchString(password) || !hasNumber.MatchString(password) {
		return fmt.Errorf("password must contain at least one letter and one number")
	}
	return nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
