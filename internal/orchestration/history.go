package orchestration

import (
	"fmt"
	"strings"
	"time"

	"github.com/bizmatters/clinical-assistant/intake-orchestrator/internal/models"
)

const (
	defaultSummaryVisits = 5
	assessmentPreview    = 150
)

// FormatHistorySummary renders prior visits as readable text for prompts
// and the history summary endpoint. At most maxVisits visits are listed;
// maxVisits <= 0 uses 5.
func FormatHistorySummary(history []models.PatientHistoryEntry, maxVisits int) string {
	if len(history) == 0 {
		return "No previous visit history available for this patient."
	}
	if maxVisits <= 0 {
		maxVisits = defaultSummaryVisits
	}

	parts := []string{fmt.Sprintf("Patient has %d previous visit(s):\n", len(history))}
	for i, visit := range history {
		if i == maxVisits {
			break
		}
		parts = append(parts,
			fmt.Sprintf("\n%d. %s", i+1, visitDate(visit.Timestamp)),
			"   Chief Complaint: "+orNA(visit.ChiefComplaint),
			"   Assessment: "+truncate(orNA(visit.Assessment), assessmentPreview),
		)
	}
	if extra := len(history) - maxVisits; extra > 0 {
		parts = append(parts, fmt.Sprintf("\n... and %d more visit(s)", extra))
	}
	return strings.Join(parts, "\n")
}

func visitDate(ts string) string {
	if ts == "" {
		return "Unknown date"
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999"} {
		if t, err := time.Parse(layout, ts); err == nil {
			return t.Format("January 02, 2006")
		}
	}
	return ts
}

func orNA(s string) string {
	if s == "" {
		return "N/A"
	}
	return s
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
