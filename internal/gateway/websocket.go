package gateway

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"

	"github.com/bizmatters/clinical-assistant/intake-orchestrator/internal/auth"
	"github.com/bizmatters/clinical-assistant/intake-orchestrator/internal/models"
	"github.com/bizmatters/clinical-assistant/intake-orchestrator/internal/orchestration"
)

const (
	maxIntakeMessageBytes = 64 << 10
	intakeReadTimeout     = 30 * time.Second
	eventWriteTimeout     = 10 * time.Second
)

// StreamIntake handles WebSocket /api/ws/intake. The client sends one
// PatientIntake message and receives a stage event per executed stage,
// then a case_completed event carrying the intake response.
// @Summary Stream a pipeline run
// @Description Send one intake JSON message; receive stage events then the final result.
// @Tags intake
// @Param token query string false "JWT, for clients that cannot set headers"
// @Success 101 "Switching Protocols"
// @Failure 401 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /api/ws/intake [get]
func (h *Handler) StreamIntake(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "gateway.stream_intake")
	defer span.End()

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		span.RecordError(err)
		h.log.Warn("failed to upgrade connection", "error", err)
		return
	}
	defer conn.Close()

	conn.SetReadLimit(maxIntakeMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(intakeReadTimeout))

	var intake models.PatientIntake
	if err := conn.ReadJSON(&intake); err != nil {
		span.RecordError(err)
		h.sendEvent(conn, models.CaseEvent{
			EventType: models.EventTypeError,
			Data:      map[string]any{"message": "invalid intake message"},
		})
		h.closeConn(conn, websocket.CloseUnsupportedData, "invalid intake")
		return
	}
	if strings.TrimSpace(intake.PatientID) == "" {
		h.sendEvent(conn, models.CaseEvent{
			EventType: models.EventTypeError,
			Data:      map[string]any{"message": "patient_id is required"},
		})
		h.closeConn(conn, websocket.ClosePolicyViolation, "missing patient_id")
		return
	}
	span.SetAttributes(attribute.String("user.id", c.GetString(auth.UserIDKey)))

	// The observer runs on this goroutine, so the connection has one writer.
	observer := func(ev orchestration.StageEvent) {
		eventType := models.EventTypeStageCompleted
		if !ev.Success {
			eventType = models.EventTypeStageFailed
		}
		data := map[string]any{
			"duration_ms":  ev.DurationMS,
			"current_step": ev.CurrentStep,
		}
		if ev.Error != "" {
			data["error"] = ev.Error
		}
		h.sendEvent(conn, models.CaseEvent{
			EventType: eventType,
			CaseID:    ev.CaseID,
			Stage:     string(ev.Stage),
			Data:      data,
		})
	}

	state := h.pipeline.Run(ctx, intake, orchestration.WithObserver(observer))
	span.SetAttributes(
		attribute.String("case.id", state.CaseID),
		attribute.String("case.current_step", state.CurrentStep),
	)
	h.sendEvent(conn, models.CaseEvent{
		EventType: models.EventTypeCaseCompleted,
		CaseID:    state.CaseID,
		Data:      map[string]any{"result": newIntakeResponse(state)},
	})
	h.closeConn(conn, websocket.CloseNormalClosure, "case finished")
}

func (h *Handler) sendEvent(conn *websocket.Conn, ev models.CaseEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	_ = conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
	if err := conn.WriteJSON(ev); err != nil {
		h.log.Debug("failed to write case event", "event_type", ev.EventType, "error", err)
	}
}

func (h *Handler) closeConn(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
		h.log.Debug("failed to send close frame", "error", err)
	}
}

// RequestLogger logs one structured line per request.
func (h *Handler) RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		kv := []interface{}{
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"latency_ms", time.Since(start).Milliseconds(),
			"client_ip", c.ClientIP(),
		}
		if userID := c.GetString(auth.UserIDKey); userID != "" {
			kv = append(kv, "user_id", userID)
		}
		if len(c.Errors) > 0 {
			kv = append(kv, "errors", c.Errors.String())
		}

		switch status := c.Writer.Status(); {
		case status >= 500:
			h.log.Error("request", kv...)
		case status >= 400:
			h.log.Warn("request", kv...)
		default:
			h.log.Info("request", kv...)
		}
	}
}
