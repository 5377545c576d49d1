package gateway

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/ceyewan/genesis/clog"
	glimit "github.com/ceyewan/genesis/ratelimit"
	"github.com/gin-gonic/gin"

	"github.com/ceyewan/pulse/call"
	"github.com/ceyewan/pulse/delivery"
	"github.com/ceyewan/pulse/gateway/middleware"
	"github.com/ceyewan/pulse/model"
	"github.com/ceyewan/pulse/pkg/health"
	"github.com/ceyewan/pulse/presence"
	"github.com/ceyewan/pulse/ratelimit"
)

// RouterOptions HTTP 路由依赖
type RouterOptions struct {
	Probe *health.Probe
	// GlobalIP 单节点 IP 兜底限流，为空时不挂载
	GlobalIP      glimit.Limiter
	GlobalIPLimit glimit.Limit
	RequestIDs    middleware.IDGenerator
	Identity      middleware.IdentityFunc
}

// NewRouter 构建查询 API：中间件顺序为 Recovery → Logger → GlobalIP → RateLimit
func NewRouter(h *Handler, opts RouterOptions, logger clog.Logger) *gin.Engine {
	if logger == nil {
		logger = clog.Discard()
	}
	logger = logger.WithNamespace("http")

	r := gin.New()
	r.Use(middleware.Recovery(logger))
	r.Use(middleware.Logger(logger, opts.RequestIDs, "/health", "/ready"))

	if opts.Probe != nil {
		opts.Probe.Register(r)
	}

	api := r.Group("/api/v1")
	if opts.GlobalIP != nil {
		api.Use(middleware.GlobalIP(opts.GlobalIP, opts.GlobalIPLimit, logger))
	}
	if h.deps.Policy != nil {
		api.Use(middleware.RateLimit(h, opts.Identity, logger))
	}

	api.GET("/presence", h.listPresence)
	api.GET("/presence/:user_id/devices", h.listDevices)
	api.PUT("/presence/:user_id/status", h.updateStatus)
	api.GET("/summaries", h.listSummaries)
	api.DELETE("/summaries/:conversation_id", h.invalidateSummary)
	api.GET("/deliveries/:message_id/:user_id", h.getDelivery)
	if h.deps.Durable != nil {
		api.GET("/deliveries/:message_id/:user_id/devices", h.listDeviceDeliveries)
	}
	api.GET("/calls/:call_id", h.getCall)
	api.GET("/users/:user_id/call", h.getActiveCall)
	if h.deps.History != nil {
		api.GET("/users/:user_id/calls", h.listCallHistory)
	}
	if h.deps.Policy != nil {
		api.GET("/ratelimit/windows", h.listRateWindows)
	}
	return r
}

func (h *Handler) listPresence(c *gin.Context) {
	ids := splitIDs(c.Query("user_ids"))
	if len(ids) == 0 {
		badRequest(c, "user_ids is required")
		return
	}
	res, err := h.deps.Presence.GetBulkPresence(c.Request.Context(), ids)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"presence": res})
}

func (h *Handler) listDevices(c *gin.Context) {
	res, err := h.deps.Presence.GetDevices(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"devices": res})
}

type updateStatusRequest struct {
	Status  model.PresenceStatus `json:"status" binding:"required"`
	Message string               `json:"message"`
}

func (h *Handler) updateStatus(c *gin.Context) {
	var req updateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if err := h.deps.Presence.UpdateStatus(c.Request.Context(), c.Param("user_id"), req.Status, req.Message); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) listSummaries(c *gin.Context) {
	ids := splitIDs(c.Query("conversation_ids"))
	if len(ids) == 0 {
		badRequest(c, "conversation_ids is required")
		return
	}
	res, err := h.deps.Summaries.GetBulkSummaries(c.Request.Context(), ids, c.Query("viewer"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"summaries": res})
}

func (h *Handler) getDelivery(c *gin.Context) {
	rec, err := h.deps.Delivery.GetStatus(c.Request.Context(), c.Param("message_id"), c.Param("user_id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	if rec == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "status not found"})
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *Handler) invalidateSummary(c *gin.Context) {
	if err := h.deps.Summaries.Invalidate(c.Request.Context(), c.Param("conversation_id")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// listDeviceDeliveries 持久层中的设备级状态，用于审计
func (h *Handler) listDeviceDeliveries(c *gin.Context) {
	res, err := h.deps.Durable.ListDeviceStatuses(c.Request.Context(), c.Param("message_id"), c.Param("user_id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"devices": res})
}

func (h *Handler) listCallHistory(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil {
		badRequest(c, "limit must be an integer")
		return
	}
	res, err := h.deps.History.ListCallHistory(c.Request.Context(), c.Param("user_id"), limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"calls": res})
}

// listRateWindows 查看某身份在端点上的计数，不消耗配额
func (h *Handler) listRateWindows(c *gin.Context) {
	endpoint := c.Query("endpoint")
	if endpoint == "" {
		badRequest(c, "endpoint is required")
		return
	}
	id := ratelimit.Identity{
		IP:     c.DefaultQuery("ip", c.ClientIP()),
		UserID: c.Query("user_id"),
		Phone:  c.Query("phone"),
	}
	res, err := h.deps.Policy.Windows(c.Request.Context(), id, endpoint)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"windows": res})
}

func (h *Handler) getCall(c *gin.Context) {
	s, err := h.deps.Calls.Get(c.Request.Context(), c.Param("call_id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

func (h *Handler) getActiveCall(c *gin.Context) {
	s, err := h.deps.Calls.ActiveCall(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

// fail 把组件错误映射为 HTTP 状态码
func (h *Handler) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, call.ErrCallNotFound):
		status = http.StatusNotFound
	case errors.Is(err, presence.ErrUserNotConnected):
		status = http.StatusConflict
	case errors.Is(err, presence.ErrInvalidStatus),
		errors.Is(err, delivery.ErrInvalidStatus),
		errors.Is(err, call.ErrInvalidRequest):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		h.logger.ErrorContext(c.Request.Context(), "request failed",
			clog.String("path", c.FullPath()),
			clog.Error(err))
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}

func splitIDs(raw string) []string {
	var ids []string
	for _, id := range strings.Split(raw, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}
