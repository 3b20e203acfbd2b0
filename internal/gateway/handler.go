// Package gateway exposes the intake pipeline, case memory and clinician
// query service over HTTP and websocket.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/bizmatters/clinical-assistant/intake-orchestrator/internal/auth"
	"github.com/bizmatters/clinical-assistant/intake-orchestrator/internal/cache"
	"github.com/bizmatters/clinical-assistant/intake-orchestrator/internal/logger"
	"github.com/bizmatters/clinical-assistant/intake-orchestrator/internal/metrics"
	"github.com/bizmatters/clinical-assistant/intake-orchestrator/internal/models"
	"github.com/bizmatters/clinical-assistant/intake-orchestrator/internal/orchestration"
	"github.com/bizmatters/clinical-assistant/intake-orchestrator/internal/users"
)

const (
	serviceName    = "Clinical Intake Orchestrator"
	serviceVersion = "1.0.0"

	defaultSearchLimit     = 5
	defaultSearchThreshold = 0.5
	readinessTimeout       = 3 * time.Second
)

// CaseRunner runs one intake through the pipeline.
type CaseRunner interface {
	Run(ctx context.Context, intake models.PatientIntake, opts ...orchestration.RunOption) orchestration.CaseState
}

// Questioner answers clinician questions over case memory.
type Questioner interface {
	Ask(ctx context.Context, q orchestration.Question) (orchestration.Answer, error)
}

// Authenticator checks clinician credentials.
type Authenticator interface {
	Authenticate(ctx context.Context, email, password string) (*models.User, error)
}

// Check is a named readiness probe.
type Check struct {
	Name  string
	Probe func(ctx context.Context) error
}

// Deps are the collaborators behind the HTTP surface.
type Deps struct {
	Log           *logger.Logger
	JWT           *auth.JWTManager
	Users         Authenticator
	Pipeline      CaseRunner
	Memory        orchestration.Memory
	Query         Questioner
	Metrics       *metrics.Aggregator
	CacheStats    func() []cache.Stats
	Checks        []Check
	HistoryLimit  int
	SummaryVisits int
}

// Handler serves the REST and websocket API.
type Handler struct {
	log           *logger.Logger
	jwt           *auth.JWTManager
	users         Authenticator
	pipeline      CaseRunner
	memory        orchestration.Memory
	query         Questioner
	metrics       *metrics.Aggregator
	cacheStats    func() []cache.Stats
	checks        []Check
	historyLimit  int
	summaryVisits int
	tracer        trace.Tracer
	upgrader      websocket.Upgrader
}

func NewHandler(d Deps) (*Handler, error) {
	if d.Log == nil {
		return nil, fmt.Errorf("logger required")
	}
	switch {
	case d.JWT == nil:
		return nil, fmt.Errorf("jwt manager required")
	case d.Users == nil:
		return nil, fmt.Errorf("user store required")
	case d.Pipeline == nil:
		return nil, fmt.Errorf("pipeline required")
	case d.Memory == nil:
		return nil, fmt.Errorf("memory required")
	case d.Query == nil:
		return nil, fmt.Errorf("query service required")
	}
	if d.Metrics == nil {
		d.Metrics = metrics.NewAggregator()
	}
	if d.HistoryLimit <= 0 {
		d.HistoryLimit = 10
	}
	if d.SummaryVisits <= 0 {
		d.SummaryVisits = 5
	}
	log := d.Log.With("service", "Gateway")
	return &Handler{
		log:           log,
		jwt:           d.JWT,
		users:         d.Users,
		pipeline:      d.Pipeline,
		memory:        d.Memory,
		query:         d.Query,
		metrics:       d.Metrics,
		cacheStats:    d.CacheStats,
		checks:        d.Checks,
		historyLimit:  d.HistoryLimit,
		summaryVisits: d.SummaryVisits,
		tracer:        otel.Tracer("gateway"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				log.Debug("websocket connection", "origin", r.Header.Get("Origin"))
				return true
			},
			HandshakeTimeout: 10 * time.Second,
		},
	}, nil
}

// Register mounts every route on r.
func (h *Handler) Register(r *gin.Engine) {
	r.GET("/", h.Root)
	r.GET("/health", h.Health)
	r.GET("/ready", h.Ready)

	api := r.Group("/api")
	api.POST("/auth/login", h.Login)

	protected := api.Group("")
	protected.Use(auth.RequireAuth(h.jwt, h.log), auth.RequireRole(h.log, models.RoleClinician, models.RoleAdmin))
	protected.POST("/auth/refresh", h.Refresh)
	protected.POST("/intake", h.Intake)
	protected.GET("/patients/:id/history", h.History)
	protected.GET("/patients/:id/history/summary", h.HistorySummary)
	protected.POST("/search", h.Search)
	protected.POST("/query", h.Query)
	protected.GET("/stats", h.Stats)
	protected.GET("/ws/intake", h.StreamIntake)

	admin := api.Group("")
	admin.Use(auth.RequireAuth(h.jwt, h.log), auth.RequireRole(h.log, models.RoleAdmin))
	admin.GET("/metrics", h.Metrics)
	admin.DELETE("/metrics", h.ResetMetrics)
}

// Root godoc
// @Summary Service info
// @Tags system
// @Produce json
// @Success 200 {object} map[string]string
// @Router / [get]
func (h *Handler) Root(c *gin.Context) {
	stages := []string{
		string(orchestration.StageIntake),
		string(orchestration.StageMemory),
		string(orchestration.StageSummary),
		string(orchestration.StageKnowledge),
		string(orchestration.StageReport),
		string(orchestration.StageStorage),
	}
	c.JSON(http.StatusOK, gin.H{
		"status":   "healthy",
		"service":  serviceName,
		"version":  serviceVersion,
		"pipeline": strings.Join(stages, " -> "),
	})
}

// Health godoc
// @Summary Liveness probe
// @Tags system
// @Produce json
// @Success 200 {object} map[string]string
// @Router /health [get]
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// Ready godoc
// @Summary Readiness probe
// @Description Checks the database, case memory and inference service.
// @Tags system
// @Produce json
// @Success 200 {object} map[string]any
// @Failure 503 {object} map[string]any
// @Router /ready [get]
func (h *Handler) Ready(c *gin.Context) {
	results := make(map[string]string, len(h.checks))
	ready := true
	for _, check := range h.checks {
		ctx, cancel := context.WithTimeout(c.Request.Context(), readinessTimeout)
		err := check.Probe(ctx)
		cancel()
		if err != nil {
			ready = false
			results[check.Name] = "unavailable"
			h.log.Warn("readiness check failed", "check", check.Name, "error", err)
			continue
		}
		results[check.Name] = "ok"
	}
	if !ready {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready", "checks": results})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready", "checks": results})
}

// Login godoc
// @Summary Clinician login
// @Description Authenticate a clinician and return a JWT.
// @Tags auth
// @Accept json
// @Produce json
// @Param request body models.LoginRequest true "Login credentials"
// @Success 200 {object} models.LoginResponse
// @Failure 400 {object} models.ErrorResponse
// @Failure 401 {object} models.ErrorResponse
// @Router /api/auth/login [post]
func (h *Handler) Login(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "gateway.login")
	defer span.End()

	var req models.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.NewErrorResponse(models.ErrCodeInvalidRequest, "Invalid request", map[string]string{"reason": err.Error()}))
		return
	}

	user, err := h.users.Authenticate(ctx, req.Email, req.Password)
	if errors.Is(err, users.ErrInvalidCredentials) {
		h.log.Warn("login rejected", "email", req.Email)
		c.JSON(http.StatusUnauthorized, models.NewErrorResponse(models.ErrCodeUnauthorized, "Invalid email or password", nil))
		return
	}
	if err != nil {
		span.RecordError(err)
		h.log.Error("login failed", "error", err)
		c.JSON(http.StatusInternalServerError, models.NewErrorResponse(models.ErrCodeInternalError, "Failed to authenticate", nil))
		return
	}

	token, expiresAt, err := h.jwt.GenerateToken(ctx, user.ID, user.Email, []string{user.Role})
	if err != nil {
		span.RecordError(err)
		c.JSON(http.StatusInternalServerError, models.NewErrorResponse(models.ErrCodeInternalError, "Failed to generate token", nil))
		return
	}
	span.SetAttributes(attribute.String("user.id", user.ID))
	c.JSON(http.StatusOK, models.LoginResponse{Token: token, ExpiresAt: expiresAt, ExpiresIn: int64(h.jwt.TTL().Seconds()), User: user.ToUserInfo()})
}

// Refresh godoc
// @Summary Refresh token
// @Tags auth
// @Produce json
// @Success 200 {object} models.LoginResponse
// @Failure 401 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /api/auth/refresh [post]
func (h *Handler) Refresh(c *gin.Context) {
	token := auth.BearerToken(c.GetHeader("Authorization"))
	if token == "" {
		token = c.Query("token")
	}
	refreshed, expiresAt, err := h.jwt.RefreshToken(c.Request.Context(), token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, models.NewErrorResponse(models.ErrCodeUnauthorized, "Invalid or expired token", nil))
		return
	}
	claims, _ := c.Get(auth.ClaimsKey)
	info := models.UserInfo{}
	if cl, ok := claims.(*auth.Claims); ok {
		info.ID = cl.UserID
		info.Email = cl.Email
		if len(cl.Roles) > 0 {
			info.Role = cl.Roles[0]
		}
	}
	c.JSON(http.StatusOK, models.LoginResponse{Token: refreshed, ExpiresAt: expiresAt, ExpiresIn: int64(h.jwt.TTL().Seconds()), User: info})
}

// IntakeResponse is the result of one pipeline run.
type IntakeResponse struct {
	Success        bool                         `json:"success"`
	Message        string                       `json:"message"`
	CaseID         string                       `json:"case_id"`
	PatientID      string                       `json:"patient_id"`
	SOAPReport     *models.SOAPReport           `json:"soap_report,omitempty"`
	Errors         []string                     `json:"errors"`
	RoutingSummary orchestration.RoutingSummary `json:"routing_summary"`
	State          orchestration.CaseState      `json:"state"`
}

// Intake godoc
// @Summary Run patient intake
// @Description Runs the intake pipeline and returns the SOAP report with the full case state.
// @Tags intake
// @Accept json
// @Produce json
// @Param request body models.PatientIntake true "Patient intake"
// @Success 200 {object} IntakeResponse
// @Failure 400 {object} IntakeResponse
// @Failure 502 {object} IntakeResponse
// @Security BearerAuth
// @Router /api/intake [post]
func (h *Handler) Intake(c *gin.Context) {
	var req models.PatientIntake
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.NewErrorResponse(models.ErrCodeInvalidRequest, "Invalid request", map[string]string{"reason": err.Error()}))
		return
	}

	state := h.pipeline.Run(c.Request.Context(), req)
	resp := newIntakeResponse(state)
	c.JSON(intakeStatus(state), resp)
}

func newIntakeResponse(state orchestration.CaseState) IntakeResponse {
	resp := IntakeResponse{
		Success:        state.Succeeded(),
		CaseID:         state.CaseID,
		PatientID:      state.Intake.PatientID,
		SOAPReport:     state.Report,
		Errors:         state.Errors,
		RoutingSummary: state.RoutingSummary(),
		State:          state,
	}
	switch {
	case state.Succeeded() && len(state.Errors) == 0:
		resp.Message = "Patient intake processed successfully"
	case state.Succeeded():
		resp.Message = "Patient intake processed with degraded stages"
	default:
		resp.Message = "Pipeline failed at " + strings.TrimSuffix(state.CurrentStep, "_failed") + " stage"
	}
	return resp
}

func intakeStatus(state orchestration.CaseState) int {
	switch {
	case state.Succeeded():
		return http.StatusOK
	case state.CurrentStep == orchestration.FailedStep(orchestration.StageIntake) && strings.TrimSpace(state.Intake.RawInput) == "":
		return http.StatusBadRequest
	default:
		return http.StatusBadGateway
	}
}

// History godoc
// @Summary Patient history
// @Tags memory
// @Produce json
// @Param id path string true "Patient ID"
// @Param limit query int false "Maximum visits"
// @Success 200 {object} map[string]any
// @Failure 503 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /api/patients/{id}/history [get]
func (h *Handler) History(c *gin.Context) {
	patientID := c.Param("id")
	limit := h.historyLimit
	if v, ok := queryInt(c, "limit"); ok {
		limit = v
	}

	history, err := h.memory.GetHistory(c.Request.Context(), patientID, limit)
	if err != nil {
		h.memoryUnavailable(c, "get_history", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"patient_id": patientID,
		"history":    history,
		"total":      len(history),
	})
}

// HistorySummary godoc
// @Summary Patient history summary
// @Description Plain-text summary of the most recent visits.
// @Tags memory
// @Produce json
// @Param id path string true "Patient ID"
// @Success 200 {object} map[string]any
// @Failure 503 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /api/patients/{id}/history/summary [get]
func (h *Handler) HistorySummary(c *gin.Context) {
	patientID := c.Param("id")
	history, err := h.memory.GetHistory(c.Request.Context(), patientID, h.historyLimit)
	if err != nil {
		h.memoryUnavailable(c, "get_history", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"patient_id": patientID,
		"summary":    orchestration.FormatHistorySummary(history, h.summaryVisits),
		"total":      len(history),
	})
}

// SearchRequest asks for cases similar to free text.
type SearchRequest struct {
	Query          string   `json:"query" binding:"required"`
	Limit          int      `json:"limit"`
	ScoreThreshold *float64 `json:"score_threshold"`
	PatientID      string   `json:"patient_id,omitempty"`
}

// Search godoc
// @Summary Similar case search
// @Tags memory
// @Accept json
// @Produce json
// @Param request body SearchRequest true "Search query"
// @Success 200 {object} map[string]any
// @Failure 400 {object} models.ErrorResponse
// @Failure 503 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /api/search [post]
func (h *Handler) Search(c *gin.Context) {
	var req SearchRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Query) == "" {
		c.JSON(http.StatusBadRequest, models.NewErrorResponse(models.ErrCodeInvalidRequest, "Query is required", nil))
		return
	}
	q := models.SimilarityQuery{
		Text:           req.Query,
		Limit:          req.Limit,
		ScoreThreshold: defaultSearchThreshold,
		PatientID:      req.PatientID,
	}
	if q.Limit <= 0 {
		q.Limit = defaultSearchLimit
	}
	if req.ScoreThreshold != nil {
		q.ScoreThreshold = *req.ScoreThreshold
	}
	if q.ScoreThreshold < 0 || q.ScoreThreshold > 1 {
		c.JSON(http.StatusBadRequest, models.NewErrorResponse(models.ErrCodeValidationFailed, "score_threshold must be in [0,1]", nil))
		return
	}

	results, err := h.memory.SearchSimilar(c.Request.Context(), q)
	if err != nil {
		h.memoryUnavailable(c, "search_similar", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"query":   req.Query,
		"results": results,
		"total":   len(results),
	})
}

// Query godoc
// @Summary Ask about patient records
// @Description Answers a clinician question from patient history or similar cases.
// @Tags query
// @Accept json
// @Produce json
// @Param request body orchestration.Question true "Question"
// @Success 200 {object} orchestration.Answer
// @Failure 400 {object} models.ErrorResponse
// @Failure 502 {object} models.ErrorResponse
// @Failure 503 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /api/query [post]
func (h *Handler) Query(c *gin.Context) {
	var q orchestration.Question
	if err := c.ShouldBindJSON(&q); err != nil {
		c.JSON(http.StatusBadRequest, models.NewErrorResponse(models.ErrCodeInvalidRequest, "Question is required", nil))
		return
	}

	answer, err := h.query.Ask(c.Request.Context(), q)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, answer)
	case errors.Is(err, orchestration.ErrEmptyQuestion):
		c.JSON(http.StatusBadRequest, models.NewErrorResponse(models.ErrCodeInvalidRequest, "Question is required", nil))
	case errors.Is(err, orchestration.ErrMemoryUnavailable):
		h.memoryUnavailable(c, "query", err)
	default:
		h.log.Error("query failed", "error", err)
		c.JSON(http.StatusBadGateway, models.NewErrorResponse(models.ErrCodeInferenceFailed, "Failed to answer question", nil))
	}
}

// Stats godoc
// @Summary Case memory statistics
// @Tags memory
// @Produce json
// @Success 200 {object} map[string]any
// @Failure 503 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /api/stats [get]
func (h *Handler) Stats(c *gin.Context) {
	stats, err := h.memory.GetStats(c.Request.Context())
	if err != nil {
		h.memoryUnavailable(c, "get_stats", err)
		return
	}
	body := gin.H{"success": true, "stats": stats}
	if h.cacheStats != nil {
		body["caches"] = h.cacheStats()
	}
	c.JSON(http.StatusOK, body)
}

// Metrics godoc
// @Summary Pipeline metrics
// @Description Per-stage call counts and durations, case totals and recent errors.
// @Tags system
// @Produce json
// @Success 200 {object} metrics.Summary
// @Security BearerAuth
// @Router /api/metrics [get]
func (h *Handler) Metrics(c *gin.Context) {
	c.JSON(http.StatusOK, h.metrics.Summary())
}

// ResetMetrics godoc
// @Summary Reset pipeline metrics
// @Tags system
// @Success 204
// @Security BearerAuth
// @Router /api/metrics [delete]
func (h *Handler) ResetMetrics(c *gin.Context) {
	h.metrics.Reset()
	h.log.Info("pipeline metrics reset", "user_id", c.GetString(auth.UserIDKey))
	c.Status(http.StatusNoContent)
}

func (h *Handler) memoryUnavailable(c *gin.Context, op string, err error) {
	h.log.Warn("case memory call failed", "operation", op, "error", err)
	c.JSON(http.StatusServiceUnavailable, models.NewErrorResponse(models.ErrCodeMemoryUnavailable, "Case memory unavailable", map[string]string{"operation": op}))
}

func queryInt(c *gin.Context, name string) (int, bool) {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}
