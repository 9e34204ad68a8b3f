package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"storeflow/internal/eventbus"
	"storeflow/internal/middleware"
	"storeflow/internal/models"
	"storeflow/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// AutomationHandler 管理店铺自动化规则与运行记录
type AutomationHandler struct {
	engine *services.Engine
	logger *logrus.Logger
}

func NewAutomationHandler(engine *services.Engine, logger *logrus.Logger) *AutomationHandler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &AutomationHandler{engine: engine, logger: logger}
}

// EmitRequest publishes a domain event for the caller's store.
type EmitRequest struct {
	Topic   string                 `json:"topic" binding:"required"`
	Payload map[string]interface{} `json:"payload"`
	EventID string                 `json:"event_id"`
	Source  string                 `json:"source"`
}

// EvaluateRequest is a dry run of the matcher against a payload.
type EvaluateRequest struct {
	Topic   string                 `json:"topic" binding:"required"`
	Payload map[string]interface{} `json:"payload"`
}

// writeError maps service errors to HTTP statuses.
func (h *AutomationHandler) writeError(c *gin.Context, title string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, services.ErrAutomationNotFound), errors.Is(err, services.ErrRunNotFound):
		status = http.StatusNotFound
	case errors.Is(err, services.ErrInvalidAutomation),
		errors.Is(err, services.ErrInvalidCondition),
		errors.Is(err, services.ErrInvalidAction),
		errors.Is(err, services.ErrUnknownActionKind):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		h.logger.WithField("path", c.FullPath()).Errorf("%s: %v", title, err)
	}
	c.JSON(status, ErrorResponse{Error: title, Message: err.Error()})
}

// List 获取自动化列表
func (h *AutomationHandler) List(c *gin.Context) {
	sid, ok := storeID(c)
	if !ok {
		return
	}
	f := services.AutomationFilter{
		TriggerType: c.Query("trigger_type"),
		Page:        queryInt(c, "page", 1),
		PageSize:    queryInt(c, "page_size", 20),
	}
	if v := c.Query("active"); v != "" {
		active, err := strconv.ParseBool(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid query", Message: "active must be a boolean"})
			return
		}
		f.Active = &active
	}
	list, total, err := h.engine.Repo.List(c.Request.Context(), sid, f)
	if err != nil {
		h.writeError(c, "Failed to list automations", err)
		return
	}
	c.JSON(http.StatusOK, paginated(list, total, f.Page, f.PageSize))
}

func (h *AutomationHandler) Get(c *gin.Context) {
	sid, ok := storeID(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	a, err := h.engine.Repo.Get(c.Request.Context(), sid, id)
	if err != nil {
		h.writeError(c, "Failed to get automation", err)
		return
	}
	c.JSON(http.StatusOK, a)
}

// Create 创建自动化
func (h *AutomationHandler) Create(c *gin.Context) {
	sid, ok := storeID(c)
	if !ok {
		return
	}
	var req services.AutomationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}
	a, err := h.engine.Repo.Create(c.Request.Context(), sid, &req)
	if err != nil {
		h.writeError(c, "Failed to create automation", err)
		return
	}
	c.JSON(http.StatusCreated, a)
}

func (h *AutomationHandler) Update(c *gin.Context) {
	sid, ok := storeID(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req services.AutomationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}
	a, err := h.engine.Repo.Update(c.Request.Context(), sid, id, &req)
	if err != nil {
		h.writeError(c, "Failed to update automation", err)
		return
	}
	c.JSON(http.StatusOK, a)
}

func (h *AutomationHandler) Delete(c *gin.Context) {
	sid, ok := storeID(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	if err := h.engine.Repo.Delete(c.Request.Context(), sid, id); err != nil {
		h.writeError(c, "Failed to delete automation", err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "deleted"})
}

func (h *AutomationHandler) Activate(c *gin.Context)   { h.setActive(c, true) }
func (h *AutomationHandler) Deactivate(c *gin.Context) { h.setActive(c, false) }

func (h *AutomationHandler) setActive(c *gin.Context, active bool) {
	sid, ok := storeID(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	a, err := h.engine.Repo.SetActive(c.Request.Context(), sid, id, active)
	if err != nil {
		h.writeError(c, "Failed to update automation", err)
		return
	}
	c.JSON(http.StatusOK, a)
}

// Evaluate 试运行条件匹配，不执行任何动作
func (h *AutomationHandler) Evaluate(c *gin.Context) {
	sid, ok := storeID(c)
	if !ok {
		return
	}
	var req EvaluateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}
	evt := eventbus.Event{Topic: req.Topic, Payload: req.Payload, Context: eventbus.Context{StoreID: sid, Source: "evaluate"}}
	previews, err := h.engine.Listener.Preview(c.Request.Context(), evt)
	if err != nil {
		h.writeError(c, "Failed to evaluate", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"topic": req.Topic, "automations": previews})
}

// Emit 发布领域事件；匹配的自动化同步执行
func (h *AutomationHandler) Emit(c *gin.Context) {
	sid, ok := storeID(c)
	if !ok {
		return
	}
	var req EmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}
	if !services.IsSupportedTopic(req.Topic) {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: "unsupported topic " + req.Topic})
		return
	}
	if req.Payload == nil {
		req.Payload = map[string]interface{}{}
	}
	ec := eventbus.Context{StoreID: sid, Source: req.Source, EventID: req.EventID}
	if ec.Source == "" {
		ec.Source = "api"
	}
	if uid := c.GetUint(middleware.ContextUserID); uid > 0 {
		ec.UserID = &uid
	}
	out := h.engine.Bus.Emit(c.Request.Context(), req.Topic, req.Payload, ec)
	c.JSON(http.StatusOK, out)
}

// ListRuns 获取运行记录
func (h *AutomationHandler) ListRuns(c *gin.Context) {
	sid, ok := storeID(c)
	if !ok {
		return
	}
	f := services.RunFilter{
		Status:   models.RunStatus(c.Query("status")),
		Page:     queryInt(c, "page", 1),
		PageSize: queryInt(c, "page_size", 20),
	}
	if v := c.Query("automation_id"); v != "" {
		id, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid query", Message: "automation_id must be a positive integer"})
			return
		}
		f.AutomationID = uint(id)
	}
	runs, total, err := h.engine.Ledger.ListRuns(c.Request.Context(), sid, f)
	if err != nil {
		h.writeError(c, "Failed to list runs", err)
		return
	}
	c.JSON(http.StatusOK, paginated(runs, total, f.Page, f.PageSize))
}

func (h *AutomationHandler) GetRun(c *gin.Context) {
	sid, ok := storeID(c)
	if !ok {
		return
	}
	id, ok := pathID(c, "run_id")
	if !ok {
		return
	}
	run, err := h.engine.Ledger.GetRun(c.Request.Context(), sid, id)
	if err != nil {
		h.writeError(c, "Failed to get run", err)
		return
	}
	c.JSON(http.StatusOK, run)
}

// StreamRuns 升级为 WebSocket，推送本店铺的运行状态变化
func (h *AutomationHandler) StreamRuns(c *gin.Context) {
	sid, ok := storeID(c)
	if !ok {
		return
	}
	if err := h.engine.Feed.Serve(c.Writer, c.Request, sid); err != nil {
		h.logger.Debugf("run feed upgrade: %v", err)
	}
}

// RegisterAutomationRoutes 注册路由
func RegisterAutomationRoutes(r *gin.RouterGroup, handler *AutomationHandler) {
	auto := r.Group("/automations")
	auto.Use(middleware.RequireResourcePermission("automations"))
	{
		auto.GET("", handler.List)
		auto.POST("", handler.Create)
		auto.POST("/evaluate", handler.Evaluate)
		auto.GET("/:id", handler.Get)
		auto.PUT("/:id", handler.Update)
		auto.DELETE("/:id", handler.Delete)
		auto.POST("/:id/activate", handler.Activate)
		auto.POST("/:id/deactivate", handler.Deactivate)
	}

	runs := r.Group("/automations/runs")
	runs.Use(middleware.RequireResourcePermission("runs"))
	{
		runs.GET("", handler.ListRuns)
		runs.GET("/stream", handler.StreamRuns)
		runs.GET("/:run_id", handler.GetRun)
	}

	r.POST("/events", middleware.RequirePermission("events.write"), handler.Emit)
}
