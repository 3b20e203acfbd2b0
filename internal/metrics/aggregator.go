package metrics

import (
	"context"
	"sort"
	"sync"
	"time"
)

const recentErrorLimit = 10

// ErrorRecord is one entry of the recent error log.
type ErrorRecord struct {
	Stage     string    `json:"stage"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// StageSummary is the aggregated view of one pipeline stage.
type StageSummary struct {
	Stage         string  `json:"stage"`
	TotalCalls    int64   `json:"total_calls"`
	Failures      int64   `json:"failures"`
	SuccessRate   float64 `json:"success_rate"`
	AvgDurationMS float64 `json:"avg_duration_ms"`
	MinDurationMS float64 `json:"min_duration_ms"`
	MaxDurationMS float64 `json:"max_duration_ms"`
}

// Summary is the snapshot served by the metrics endpoint.
type Summary struct {
	CasesStarted   int64          `json:"cases_started"`
	CasesCompleted int64          `json:"cases_completed"`
	CasesFailed    int64          `json:"cases_failed"`
	CasesActive    int64          `json:"cases_active"`
	CasesByLevel   map[string]int `json:"cases_by_priority"`
	AvgCaseMS      float64        `json:"avg_case_duration_ms"`
	TotalErrors    int64          `json:"total_errors"`
	RecentErrors   []ErrorRecord  `json:"recent_errors"`
	Stages         []StageSummary `json:"stages"`
}

type stageStats struct {
	calls    int64
	failures int64
	total    time.Duration
	min      time.Duration
	max      time.Duration
}

// Aggregator keeps in-process counters for the pipeline. All updates go
// through one mutex so concurrent cases never lose increments.
type Aggregator struct {
	mu sync.Mutex

	stages       map[string]*stageStats
	started      int64
	completed    int64
	failed       int64
	byPriority   map[string]int
	caseDuration time.Duration
	totalErrors  int64
	recentErrors []ErrorRecord
	now          func() time.Time
}

func NewAggregator() *Aggregator {
	return &Aggregator{
		stages:     make(map[string]*stageStats),
		byPriority: make(map[string]int),
		now:        time.Now,
	}
}

func (a *Aggregator) RecordCaseStarted(context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.started++
}

func (a *Aggregator) RecordStage(_ context.Context, stage string, duration time.Duration, success bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, ok := a.stages[stage]
	if !ok {
		s = &stageStats{min: duration, max: duration}
		a.stages[stage] = s
	}
	s.calls++
	if !success {
		s.failures++
	}
	s.total += duration
	if duration < s.min {
		s.min = duration
	}
	if duration > s.max {
		s.max = duration
	}
}

func (a *Aggregator) RecordError(_ context.Context, stage, kind string, err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.totalErrors++
	a.recentErrors = append(a.recentErrors, ErrorRecord{
		Stage:     stage,
		Kind:      kind,
		Message:   msg,
		Timestamp: a.now().UTC(),
	})
	if len(a.recentErrors) > recentErrorLimit {
		a.recentErrors = append([]ErrorRecord(nil), a.recentErrors[len(a.recentErrors)-recentErrorLimit:]...)
	}
}

func (a *Aggregator) RecordCaseFinished(_ context.Context, priority string, duration time.Duration, success bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if success {
		a.completed++
	} else {
		a.failed++
	}
	if priority != "" {
		a.byPriority[priority]++
	}
	a.caseDuration += duration
}

// Summary returns a consistent copy of the current counters.
func (a *Aggregator) Summary() Summary {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := Summary{
		CasesStarted:   a.started,
		CasesCompleted: a.completed,
		CasesFailed:    a.failed,
		CasesActive:    a.started - a.completed - a.failed,
		CasesByLevel:   make(map[string]int, len(a.byPriority)),
		TotalErrors:    a.totalErrors,
		RecentErrors:   append([]ErrorRecord(nil), a.recentErrors...),
		Stages:         make([]StageSummary, 0, len(a.stages)),
	}
	if out.CasesActive < 0 {
		out.CasesActive = 0
	}
	for k, v := range a.byPriority {
		out.CasesByLevel[k] = v
	}
	if finished := a.completed + a.failed; finished > 0 {
		out.AvgCaseMS = ms(a.caseDuration) / float64(finished)
	}

	for name, s := range a.stages {
		sum := StageSummary{
			Stage:         name,
			TotalCalls:    s.calls,
			Failures:      s.failures,
			MinDurationMS: ms(s.min),
			MaxDurationMS: ms(s.max),
		}
		if s.calls > 0 {
			sum.SuccessRate = float64(s.calls-s.failures) / float64(s.calls)
			sum.AvgDurationMS = ms(s.total) / float64(s.calls)
		}
		out.Stages = append(out.Stages, sum)
	}
	sort.Slice(out.Stages, func(i, j int) bool { return out.Stages[i].Stage < out.Stages[j].Stage })
	return out
}

// Reset clears every counter.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.stages = make(map[string]*stageStats)
	a.byPriority = make(map[string]int)
	a.started, a.completed, a.failed, a.totalErrors = 0, 0, 0, 0
	a.caseDuration = 0
	a.recentErrors = nil
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
