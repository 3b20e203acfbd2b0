package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/trace"

	"github.com/bizmatters/clinical-assistant/intake-orchestrator/internal/config"
	"github.com/bizmatters/clinical-assistant/intake-orchestrator/internal/logger"
	"github.com/bizmatters/clinical-assistant/intake-orchestrator/internal/models"
	"github.com/bizmatters/clinical-assistant/intake-orchestrator/internal/users"
)

func main() {
	name := flag.String("name", "", "Full name of the user (required)")
	email := flag.String("email", "", "Email address (required)")
	password := flag.String("password", "", "Password (required, min 8 chars)")
	role := flag.String("role", models.RoleClinician, "Role: clinician or admin")
	flag.Parse()

	log, err := logger.New(os.Getenv("LOG_MODE"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	tp, err := initTracer()
	if err != nil {
		log.Fatal("failed to initialize tracer", "error", err)
	}
	defer tp.Shutdown(context.Background())

	if err := users.Validate(*name, *email, *password); err != nil {
		log.Fatal("validation error", "error", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config", "error", err)
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		log.Fatal("failed to connect to database", "error", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Fatal("failed to ping database", "error", err)
	}
	log.Info("connected to PostgreSQL")

	store := users.NewStore(pool)
	if err := store.EnsureSchema(ctx); err != nil {
		log.Fatal("failed to prepare schema", "error", err)
	}

	user, err := store.Create(ctx, *name, *email, *password, *role)
	if errors.Is(err, users.ErrDuplicateEmail) {
		log.Fatal("user already exists", "email", *email)
	}
	if err != nil {
		log.Fatal("failed to create user", "error", err)
	}

	fmt.Println("✓ Successfully created user")
	fmt.Printf("  ID:    %s\n", user.ID)
	fmt.Printf("  Name:  %s\n", user.Name)
	fmt.Printf("  Email: %s\n", user.Email)
	fmt.Printf("  Role:  %s\n", user.Role)
}

func initTracer() (*trace.TracerProvider, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
	}

	tp := trace.NewTracerProvider(
		trace.WithBatcher(exporter),
	)
	otel.SetTracerProvider(tp)
	return tp, nil
}
