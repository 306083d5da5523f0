package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/HarborlightLabs/taskgate/backend/internal/completions"
	"github.com/HarborlightLabs/taskgate/backend/internal/limits"
	"github.com/HarborlightLabs/taskgate/backend/internal/tasks"
	"github.com/HarborlightLabs/taskgate/backend/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const userIDContextKey = "taskgate_user_id"

var (
	errMissingTaskAPI       = errors.New("task api dependency required")
	errMissingTokenManager  = errors.New("token manager dependency required")
	errMissingTracker       = errors.New("limit tracker dependency required")
	errMissingRecorder      = errors.New("completion recorder dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// TaskAPI is the remote rewarded-task service this backend fronts.
type TaskAPI interface {
	ListTasks(ctx context.Context, token string) ([]tasks.Task, error)
	Profile(ctx context.Context, token string) (tasks.Profile, error)
	SubmitTask(ctx context.Context, token string, taskID int64, screenshotURL string) (tasks.SubmitResult, error)
}

// SessionTokenManager issues and validates local session tokens.
type SessionTokenManager interface {
	IssueSessionToken(ctx context.Context, userID int64) (string, int64, error)
	ValidateToken(token string) (int64, error)
}

// Dependencies bundles everything the HTTP surface needs.
type Dependencies struct {
	TaskAPI      TaskAPI
	TokenManager SessionTokenManager
	Users        *users.Service
	Tracker      *limits.Tracker
	Recorder     *completions.Recorder
	Cooldown     time.Duration
	Logger       *zap.Logger
}

// NewHTTPHandler builds the gin router for the taskgate API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TaskAPI == nil {
		return nil, errMissingTaskAPI
	}
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Tracker == nil {
		return nil, errMissingTracker
	}
	if deps.Recorder == nil {
		return nil, errMissingRecorder
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		taskAPI:  deps.TaskAPI,
		tokens:   deps.TokenManager,
		users:    deps.Users,
		tracker:  deps.Tracker,
		recorder: deps.Recorder,
		cooldown: deps.Cooldown,
		logger:   logger,
	}

	router.POST("/auth/token", handler.handleTokenExchange)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/tasks", handler.handleListTasks)
	protected.GET("/tasks/:id/limit", handler.handleTaskLimit)
	protected.GET("/tasks/:id/limit/stream", handler.handleTaskLimitStream)
	protected.POST("/tasks/:id/submit", handler.handleTaskSubmit)

	return router, nil
}

type httpHandler struct {
	taskAPI  TaskAPI
	tokens   SessionTokenManager
	users    *users.Service
	tracker  *limits.Tracker
	recorder *completions.Recorder
	cooldown time.Duration
	logger   *zap.Logger

	// remote API tokens by local user id, captured at exchange time so
	// protected handlers can call upstream on the user's behalf.
	remoteTokens sync.Map
}

type authRequestPayload struct {
	APIToken string `json:"api_token"`
}

type authResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (h *httpHandler) handleTokenExchange(c *gin.Context) {
	var request authRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.APIToken) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	profile, err := h.taskAPI.Profile(c.Request.Context(), request.APIToken)
	if err != nil {
		h.respondRemoteError(c, err, "profile lookup failed")
		return
	}

	if h.users != nil {
		if _, err := h.users.RecordSeen(profile.ID); err != nil {
			h.logger.Warn("identity tracking failed", zap.Int64("user_id", profile.ID), zap.Error(err))
		}
	}

	token, expiresIn, err := h.tokens.IssueSessionToken(c.Request.Context(), profile.ID)
	if err != nil {
		h.logger.Error("failed to issue session token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	h.remoteTokens.Store(profile.ID, request.APIToken)

	response := authResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	}
	c.JSON(http.StatusOK, response)
}

type limitPayload struct {
	CanComplete         bool   `json:"can_complete"`
	IsOnCooldown        bool   `json:"is_on_cooldown"`
	CooldownRemainingMs int64  `json:"cooldown_remaining_ms"`
	LimitMessage        string `json:"limit_message,omitempty"`
	HourlyCount         int    `json:"hourly_count"`
	DailyCount          int    `json:"daily_count"`
}

type taskPayload struct {
	ID           int64        `json:"id"`
	Title        string       `json:"title"`
	Description  string       `json:"description"`
	RewardPoints int64        `json:"reward_points"`
	HourlyLimit  int          `json:"hourly_limit"`
	DailyLimit   int          `json:"daily_limit"`
	Limit        limitPayload `json:"limit"`
}

func (h *httpHandler) handleListTasks(c *gin.Context) {
	userID, remoteToken, ok := h.sessionFrom(c)
	if !ok {
		return
	}

	remoteTasks, err := h.taskAPI.ListTasks(c.Request.Context(), remoteToken)
	if err != nil {
		h.respondRemoteError(c, err, "task list failed")
		return
	}

	response := make([]taskPayload, 0, len(remoteTasks))
	for _, task := range remoteTasks {
		key, err := completions.NewKey(task.ID, userID)
		if err != nil {
			continue
		}
		stats, decision := h.tracker.Snapshot(c.Request.Context(), key, h.limitConfig(task))
		response = append(response, taskPayload{
			ID:           task.ID,
			Title:        task.Title,
			Description:  task.Description,
			RewardPoints: task.RewardPoints,
			HourlyLimit:  task.HourlyLimit,
			DailyLimit:   task.DailyLimit,
			Limit:        toLimitPayload(stats, decision),
		})
	}

	c.JSON(http.StatusOK, gin.H{"tasks": response})
}

func (h *httpHandler) handleTaskLimit(c *gin.Context) {
	userID, remoteToken, ok := h.sessionFrom(c)
	if !ok {
		return
	}
	task, key, ok := h.resolveTask(c, userID, remoteToken)
	if !ok {
		return
	}

	stats, decision := h.tracker.Snapshot(c.Request.Context(), key, h.limitConfig(task))
	c.JSON(http.StatusOK, toLimitPayload(stats, decision))
}

func (h *httpHandler) handleTaskLimitStream(c *gin.Context) {
	userID, remoteToken, ok := h.sessionFrom(c)
	if !ok {
		return
	}
	task, key, ok := h.resolveTask(c, userID, remoteToken)
	if !ok {
		return
	}

	updates, cancel := h.tracker.Subscribe(c.Request.Context(), key, h.limitConfig(task))
	defer cancel()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case update, open := <-updates:
			if !open {
				return false
			}
			c.SSEvent("limit", toLimitPayload(update.Stats, update.Decision))
			return true
		}
	})
}

type submitRequestPayload struct {
	ScreenshotURL string `json:"screenshot_url"`
}

type submitResponsePayload struct {
	Submission  tasks.Submission  `json:"submission"`
	Transaction tasks.Transaction `json:"transaction"`
	Limit       limitPayload      `json:"limit"`
}

func (h *httpHandler) handleTaskSubmit(c *gin.Context) {
	userID, remoteToken, ok := h.sessionFrom(c)
	if !ok {
		return
	}
	task, key, ok := h.resolveTask(c, userID, remoteToken)
	if !ok {
		return
	}

	var request submitRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.ScreenshotURL) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	// Advisory pre-check; the remote service remains the authority on
	// whether a submission is accepted.
	stats, decision := h.tracker.Snapshot(c.Request.Context(), key, h.limitConfig(task))
	if !decision.CanComplete {
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error": "limit_reached",
			"limit": toLimitPayload(stats, decision),
		})
		return
	}

	result, err := h.taskAPI.SubmitTask(c.Request.Context(), remoteToken, task.ID, request.ScreenshotURL)
	if err != nil {
		// A rejected submission leaves no local completion record.
		h.respondRemoteError(c, err, "submission failed")
		return
	}

	if _, err := h.recorder.Record(c.Request.Context(), key); err != nil {
		h.logger.Error("failed to record completion",
			zap.Int64("task_id", key.TaskID.Int64()),
			zap.Int64("user_id", key.UserID.Int64()),
			zap.Error(err))
	}

	stats, decision = h.tracker.Snapshot(c.Request.Context(), key, h.limitConfig(task))
	c.JSON(http.StatusOK, submitResponsePayload{
		Submission:  result.Submission,
		Transaction: result.Transaction,
		Limit:       toLimitPayload(stats, decision),
	})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	userID, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, userID)
	c.Next()
}

func (h *httpHandler) sessionFrom(c *gin.Context) (int64, string, bool) {
	userID := c.GetInt64(userIDContextKey)
	if userID <= 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return 0, "", false
	}
	raw, ok := h.remoteTokens.Load(userID)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "session_expired"})
		return 0, "", false
	}
	remoteToken, ok := raw.(string)
	if !ok || remoteToken == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "session_expired"})
		return 0, "", false
	}
	return userID, remoteToken, true
}

func (h *httpHandler) resolveTask(c *gin.Context, userID int64, remoteToken string) (tasks.Task, completions.Key, bool) {
	taskID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || taskID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_task_id"})
		return tasks.Task{}, completions.Key{}, false
	}

	remoteTasks, err := h.taskAPI.ListTasks(c.Request.Context(), remoteToken)
	if err != nil {
		h.respondRemoteError(c, err, "task list failed")
		return tasks.Task{}, completions.Key{}, false
	}
	for _, task := range remoteTasks {
		if task.ID == taskID {
			key, err := completions.NewKey(task.ID, userID)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_task_id"})
				return tasks.Task{}, completions.Key{}, false
			}
			return task, key, true
		}
	}

	c.JSON(http.StatusNotFound, gin.H{"error": "task_not_found"})
	return tasks.Task{}, completions.Key{}, false
}

func (h *httpHandler) limitConfig(task tasks.Task) limits.Config {
	return limits.Config{
		HourlyLimit: task.HourlyLimit,
		DailyLimit:  task.DailyLimit,
		Cooldown:    h.cooldown,
	}
}

func (h *httpHandler) respondRemoteError(c *gin.Context, err error, message string) {
	var remoteErr *tasks.RemoteError
	if errors.As(err, &remoteErr) {
		status := remoteErr.StatusCode
		if status < http.StatusBadRequest {
			status = http.StatusBadGateway
		}
		h.logger.Warn(message, zap.Int("status", remoteErr.StatusCode), zap.Error(err))
		c.JSON(status, gin.H{"error": remoteErr.Message})
		return
	}
	h.logger.Error(message, zap.Error(err))
	c.JSON(http.StatusBadGateway, gin.H{"error": "remote request failed"})
}

func toLimitPayload(stats limits.Stats, decision limits.Decision) limitPayload {
	return limitPayload{
		CanComplete:         decision.CanComplete,
		IsOnCooldown:        decision.IsOnCooldown,
		CooldownRemainingMs: decision.CooldownRemaining.Milliseconds(),
		LimitMessage:        decision.LimitMessage,
		HourlyCount:         stats.HourlyCount,
		DailyCount:          stats.DailyCount,
	}
}
