// Package triage assigns case priority and decides when a case warrants
// enhanced analysis. Every function here is pure.
package triage

import (
	"strconv"
	"strings"

	"github.com/bizmatters/clinical-assistant/intake-orchestrator/internal/models"
)

var emergencyKeywords = []string{
	"chest pain",
	"difficulty breathing",
	"severe bleeding",
	"loss of consciousness",
	"severe head injury",
	"stroke",
	"heart attack",
	"anaphylaxis",
	"severe allergic reaction",
	"difficulty swallowing",
	"sudden vision loss",
	"severe abdominal pain",
}

var urgentKeywords = []string{
	"moderate pain",
	"persistent vomiting",
	"high fever",
	"confusion",
	"severe headache",
	"shortness of breath",
	"rapid heartbeat",
}

// Vital sign thresholds. A reading strictly outside a range is urgent.
const (
	systolicHigh  = 180
	systolicLow   = 90
	diastolicHigh = 120
	diastolicLow  = 60
	heartRateHigh = 120
	heartRateLow  = 50
	tempHighF     = 103.0
	tempLowF      = 95.0
)

// Classify maps structured intake data to a priority. Rules are applied in
// order and the first match wins: emergency keywords, severe severity,
// urgent keywords, abnormal vitals, then routine.
func Classify(data models.StructuredPatientData) models.Priority {
	texts := make([]string, 0, len(data.Symptoms)+1)
	texts = append(texts, strings.ToLower(data.ChiefComplaint))
	for _, s := range data.Symptoms {
		texts = append(texts, strings.ToLower(s))
	}

	if containsAny(texts, emergencyKeywords) {
		return models.PriorityEmergency
	}
	if strings.EqualFold(strings.TrimSpace(data.Severity), "severe") {
		return models.PriorityUrgent
	}
	if containsAny(texts, urgentKeywords) {
		return models.PriorityUrgent
	}
	if abnormalVitals(data.VitalSigns) {
		return models.PriorityUrgent
	}
	return models.PriorityRoutine
}

func containsAny(texts, keywords []string) bool {
	for _, text := range texts {
		if text == "" {
			continue
		}
		for _, kw := range keywords {
			if strings.Contains(text, kw) {
				return true
			}
		}
	}
	return false
}

func abnormalVitals(vitals map[string]any) bool {
	if len(vitals) == 0 {
		return false
	}

	if bp, ok := reading(vitals, parseBloodPressure, "bp", "blood_pressure"); ok {
		if bp.systolic > systolicHigh || bp.systolic < systolicLow || bp.diastolic > diastolicHigh || bp.diastolic < diastolicLow {
			return true
		}
	}

	if hr, ok := reading(vitals, parseNumber, "hr", "heart_rate"); ok && (hr > heartRateHigh || hr < heartRateLow) {
		return true
	}

	if temp, ok := reading(vitals, parseTemperature, "temp", "temperature"); ok && (temp > tempHighF || temp < tempLowF) {
		return true
	}

	return false
}

// reading returns the first key whose value parses, abbreviated form first.
// Blank or unparseable values fall through to the next key.
func reading[T any](vitals map[string]any, parse func(any) (T, bool), keys ...string) (T, bool) {
	for _, k := range keys {
		v, ok := vitals[k]
		if !ok || v == nil {
			continue
		}
		if r, ok := parse(v); ok {
			return r, true
		}
	}
	var zero T
	return zero, false
}

type bloodPressure struct {
	systolic  int
	diastolic int
}

func parseBloodPressure(raw any) (bloodPressure, bool) {
	s, ok := raw.(string)
	if !ok {
		return bloodPressure{}, false
	}
	sysStr, diaStr, found := strings.Cut(strings.TrimSpace(s), "/")
	if !found {
		return bloodPressure{}, false
	}
	sys, err := strconv.Atoi(strings.TrimSpace(sysStr))
	if err != nil {
		return bloodPressure{}, false
	}
	dia, err := strconv.Atoi(strings.TrimSpace(diaStr))
	if err != nil {
		return bloodPressure{}, false
	}
	return bloodPressure{systolic: sys, diastolic: dia}, true
}

func parseTemperature(raw any) (float64, bool) {
	if s, ok := raw.(string); ok {
		s = strings.TrimSpace(s)
		s = strings.TrimSuffix(s, "°F")
		s = strings.TrimSuffix(s, "F")
		s = strings.TrimSuffix(s, "°")
		return parseNumber(strings.TrimSpace(s))
	}
	return parseNumber(raw)
}

func parseNumber(raw any) (float64, bool) {
	switch v := raw.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
