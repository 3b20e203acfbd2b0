// Command intake runs one patient intake through the pipeline and prints
// the terminal case state as JSON.
//
//	intake -patient P-100 -file note.txt
//	echo "severe chest pain for 2 hours" | intake -patient P-100
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/bizmatters/clinical-assistant/intake-orchestrator/internal/config"
	"github.com/bizmatters/clinical-assistant/intake-orchestrator/internal/inference"
	"github.com/bizmatters/clinical-assistant/intake-orchestrator/internal/logger"
	"github.com/bizmatters/clinical-assistant/intake-orchestrator/internal/memory"
	"github.com/bizmatters/clinical-assistant/intake-orchestrator/internal/metrics"
	"github.com/bizmatters/clinical-assistant/intake-orchestrator/internal/models"
	"github.com/bizmatters/clinical-assistant/intake-orchestrator/internal/orchestration"
	"github.com/bizmatters/clinical-assistant/intake-orchestrator/internal/retry"
)

func main() {
	patientID := flag.String("patient", "", "Patient ID (required)")
	sessionID := flag.String("session", "", "Session ID (defaults to the generated case ID)")
	file := flag.String("file", "-", "Intake text file, - for stdin")
	events := flag.Bool("events", false, "Print stage events to stderr as they complete")
	flag.Parse()

	log, err := logger.New(os.Getenv("LOG_MODE"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if strings.TrimSpace(*patientID) == "" {
		fmt.Fprintln(os.Stderr, "-patient is required")
		flag.Usage()
		os.Exit(2)
	}

	raw, err := readInput(*file)
	if err != nil {
		log.Fatal("failed to read intake", "error", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	state, err := runCase(ctx, log, cfg, models.PatientIntake{
		PatientID: *patientID,
		RawInput:  raw,
		SessionID: *sessionID,
	}, *events)
	if err != nil {
		log.Fatal("failed to run case", "error", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(state); err != nil {
		log.Fatal("failed to encode case state", "error", err)
	}
	if !state.Succeeded() {
		os.Exit(1)
	}
}

func runCase(ctx context.Context, log *logger.Logger, cfg config.Config, intake models.PatientIntake, events bool) (orchestration.CaseState, error) {
	client, err := inference.New(log, cfg.Inference)
	if err != nil {
		return orchestration.CaseState{}, err
	}
	store, err := memory.NewQdrantStore(log, cfg.Memory, client)
	if err != nil {
		return orchestration.CaseState{}, err
	}
	if err := store.EnsureCollection(ctx); err != nil {
		log.Warn("failed to ensure qdrant collection", "error", err)
	}

	policy := retry.API()
	policy.MaxRetries = cfg.Retry.MaxRetries

	pipeline, err := orchestration.New(log, client, store, metrics.Nop{}, orchestration.Config{
		HistoryLimit:     cfg.Memory.HistoryLimit,
		SimilarLimit:     cfg.Memory.SimilarLimit,
		SimilarThreshold: cfg.Memory.SimilarThreshold,
		Retry:            policy,
	})
	if err != nil {
		return orchestration.CaseState{}, err
	}

	var opts []orchestration.RunOption
	if events {
		opts = append(opts, orchestration.WithObserver(func(ev orchestration.StageEvent) {
			status := "ok"
			if !ev.Success {
				status = "failed: " + ev.Error
			}
			fmt.Fprintf(os.Stderr, "%-10s %8.1fms  %s\n", ev.Stage, ev.DurationMS, status)
		}))
	}
	return pipeline.Run(ctx, intake, opts...), nil
}

func readInput(path string) (string, error) {
	var r io.Reader = os.Stdin
	if path != "" && path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return "", err
		}
		defer f.Close()
		r = f
	}
	raw, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(raw)), nil
}
