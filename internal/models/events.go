package models

import (
	"time"
)

// Case stream event types sent over the intake websocket.
const (
	EventTypeStageCompleted = "stage_completed"
	EventTypeStageFailed    = "stage_failed"
	EventTypeCaseCompleted  = "case_completed"
	EventTypeError          = "error"
)

// CaseEvent is one message on the intake stream.
type CaseEvent struct {
	EventType string         `json:"event_type"`
	CaseID    string         `json:"case_id"`
	Stage     string         `json:"stage,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}
