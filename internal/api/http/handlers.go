package http

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/GriffinCanCode/flightbus/internal/domain/app"
	"github.com/GriffinCanCode/flightbus/internal/domain/bus"
	"github.com/GriffinCanCode/flightbus/internal/domain/events"
	"github.com/GriffinCanCode/flightbus/internal/domain/msg"
	"github.com/GriffinCanCode/flightbus/internal/domain/report"
	"github.com/GriffinCanCode/flightbus/internal/infrastructure/logging"
	"github.com/GriffinCanCode/flightbus/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/flightbus/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/flightbus/internal/shared/id"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Handlers serves the diagnostics and admin API
type Handlers struct {
	bus     *bus.Bus
	apps    *app.Manager
	events  *events.Service
	dumper  *report.Dumper
	metrics *monitoring.Metrics
	logger  *logging.Logger
	maxLoop int
}

// Deps are the collaborators the handlers read from
type Deps struct {
	Bus     *bus.Bus
	Apps    *app.Manager
	Events  *events.Service
	Dumper  *report.Dumper
	Metrics *monitoring.Metrics
	Logger  *logging.Logger
	MaxLoop int
}

// NewHandlers creates the handler set
func NewHandlers(d Deps) *Handlers {
	if d.Logger == nil {
		d.Logger = logging.Nop()
	}
	if d.MaxLoop <= 0 {
		d.MaxLoop = report.DefaultMaxLoop
	}
	return &Handlers{
		bus:     d.Bus,
		apps:    d.Apps,
		events:  d.Events,
		dumper:  d.Dumper,
		metrics: d.Metrics,
		logger:  d.Logger,
		maxLoop: d.MaxLoop,
	}
}

// Register mounts every route on r
func (h *Handlers) Register(r gin.IRouter) {
	r.GET("/health", h.Health)

	api := r.Group("/api")
	api.GET("/stats", h.GetStats)
	api.POST("/stats/reset", h.ResetCounters)

	api.GET("/pipes", h.ListPipes)
	api.GET("/pipes/:id", h.GetPipe)
	api.DELETE("/pipes/:id", h.DeletePipe)

	api.GET("/routes", h.ListRoutes)
	api.PUT("/routes/:msgid/pipes/:id", h.SetRouteState)
	api.DELETE("/routes/:msgid/pipes/:id", h.Unsubscribe)

	api.GET("/apps", h.ListApps)
	api.GET("/events", h.RecentEvents)
	api.POST("/reports/:kind", h.WriteReport)

	api.GET("/metrics/json", h.MetricsSnapshot)
	api.PUT("/log/level", h.SetLogLevel)
}

// Health reports liveness
func (h *Handlers) Health(c *gin.Context) {
	s := h.bus.Stats()
	c.JSON(http.StatusOK, gin.H{
		"status":        "ok",
		"pipes_in_use":  s.PipesInUse,
		"buffers_inuse": s.BuffersInUse,
	})
}

// GetStats returns the housekeeping counters
func (h *Handlers) GetStats(c *gin.Context) {
	cfg := h.bus.Config()
	c.JSON(http.StatusOK, gin.H{
		"stats": h.bus.Stats(),
		"limits": gin.H{
			"max_pipes":        cfg.MaxPipes,
			"max_msg_ids":      cfg.MaxMsgIDs,
			"max_dest_per_pkt": cfg.MaxDestPerPkt,
			"max_pipe_depth":   cfg.MaxPipeDepth,
			"max_msg_size":     cfg.MaxMsgSize,
			"pool_bytes":       cfg.PoolBytes,
		},
	})
}

// ResetCounters zeroes the error counters
func (h *Handlers) ResetCounters(c *gin.Context) {
	h.bus.ResetCounters()
	h.logger.Info("bus counters reset", zap.String("client", c.ClientIP()))
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// ListPipes returns pipe snapshots, optionally filtered by a name glob
func (h *Handlers) ListPipes(c *gin.Context) {
	pipes := report.FilterPipes(h.bus.Pipes(), c.Query("name"))
	c.JSON(http.StatusOK, gin.H{"pipes": pipes, "count": len(pipes)})
}

// GetPipe returns one pipe
func (h *Handlers) GetPipe(c *gin.Context) {
	pid, ok := pipeParam(c)
	if !ok {
		return
	}
	info, err := h.bus.PipeInfo(pid)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

// DeletePipe deletes a pipe regardless of its owner
func (h *Handlers) DeletePipe(c *gin.Context) {
	pid, ok := pipeParam(c)
	if !ok {
		return
	}
	if err := h.bus.DeletePipe(pid); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "pipe_id": pid})
}

// ListRoutes returns one window of the routing table. Pass next back as
// start to continue; next is zero when the walk is complete.
func (h *Handlers) ListRoutes(c *gin.Context) {
	var q struct {
		Start int `form:"start"`
		Max   int `form:"max"`
	}
	if err := c.ShouldBindQuery(&q); err != nil || q.Start < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid start or max"})
		return
	}
	if q.Max <= 0 || q.Max > h.maxLoop {
		q.Max = h.maxLoop
	}

	th := throttle(q.Start, q.Max)
	routes := h.bus.Routes(th)
	c.JSON(http.StatusOK, gin.H{"routes": routes, "next": th.NextIndex})
}

// SetRouteState enables or disables one route destination
func (h *Handlers) SetRouteState(c *gin.Context) {
	mid, pid, ok := routeParams(c)
	if !ok {
		return
	}
	var req struct {
		Active *bool `json:"active" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}
	if err := h.bus.SetRouteActive(mid, pid, *req.Active); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "msg_id": mid, "pipe_id": pid, "active": *req.Active})
}

// Unsubscribe removes a subscription on behalf of the pipe owner
func (h *Handlers) Unsubscribe(c *gin.Context) {
	mid, pid, ok := routeParams(c)
	if !ok {
		return
	}
	info, err := h.bus.PipeInfo(pid)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if err := h.bus.UnsubscribeApp(info.Owner, mid, pid); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// ListApps returns registered applications
func (h *Handlers) ListApps(c *gin.Context) {
	apps := h.apps.List()
	out := make([]gin.H, 0, len(apps))
	for _, a := range apps {
		out = append(out, gin.H{
			"app_id":      a.ID,
			"instance_id": a.InstanceID,
			"name":        a.Name,
			"main_task":   a.MainTask,
			"state":       a.State,
			"created_at":  a.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"apps": out, "stats": h.apps.Stats()})
}

// RecentEvents returns the most recent events, oldest first
func (h *Handlers) RecentEvents(c *gin.Context) {
	n, err := strconv.Atoi(c.DefaultQuery("n", "50"))
	if err != nil || n < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid n"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": h.events.Recent(n), "stats": h.events.Stats()})
}

// WriteReport writes a routes, pipes or map dump
func (h *Handlers) WriteReport(c *gin.Context) {
	var req struct {
		File    string `json:"file"`
		Pattern string `json:"pattern"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
			return
		}
	}

	kind := c.Param("kind")
	timer := monitoring.NewTimer(h.metrics, "report", kind)

	var (
		s   report.Summary
		err error
	)
	switch kind {
	case "routes":
		s, err = h.dumper.Routes(req.File)
	case "pipes":
		s, err = h.dumper.Pipes(req.File, req.Pattern)
	case "map":
		s, err = h.dumper.Map(req.File)
	default:
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown report " + kind})
		return
	}
	if err != nil {
		timer.Stop("error")
		if errors.Is(err, report.ErrBadName) || errors.Is(err, report.ErrBadPattern) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		h.respondError(c, err)
		return
	}
	timer.Stop("success")
	c.JSON(http.StatusOK, gin.H{"success": true, "report": s})
}

// MetricsSnapshot returns running metric totals
func (h *Handlers) MetricsSnapshot(c *gin.Context) {
	if h.metrics == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "metrics disabled"})
		return
	}
	c.JSON(http.StatusOK, h.metrics.Snapshot())
}

// SetLogLevel changes the daemon log level
func (h *Handlers) SetLogLevel(c *gin.Context) {
	var req struct {
		Level string `json:"level" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}
	if err := h.logger.SetLevel(req.Level); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "level": h.logger.Level()})
}

// ============================================================================
// Helpers
// ============================================================================

func pipeParam(c *gin.Context) (id.PipeID, bool) {
	v, err := strconv.ParseUint(c.Param("id"), 0, 32)
	if err != nil || v == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid pipe id"})
		return 0, false
	}
	return id.PipeID(v), true
}

func routeParams(c *gin.Context) (msg.ID, id.PipeID, bool) {
	v, err := strconv.ParseUint(c.Param("msgid"), 0, 32)
	if err != nil || !msg.ID(v).IsValid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid message id"})
		return 0, 0, false
	}
	pid, ok := pipeParam(c)
	return msg.ID(v), pid, ok
}

// respondError maps bus errors to status codes and logs the failure with
// the request's trace ids
func (h *Handlers) respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, bus.ErrPipeNotFound):
		status = http.StatusNotFound
	case errors.Is(err, bus.ErrBadArgument), errors.Is(err, bus.ErrInvalidMsgID):
		status = http.StatusBadRequest
	case errors.Is(err, bus.ErrNotOwner):
		status = http.StatusForbidden
	case errors.Is(err, bus.ErrClosed):
		status = http.StatusServiceUnavailable
	}

	ctx := c.Request.Context()
	fields := []zap.Field{
		zap.String("trace", tracing.FormatTrace(tracing.GetTxnID(ctx), tracing.GetSpanID(ctx))),
		zap.String("path", c.FullPath()),
		zap.Int("status", status),
		zap.Error(err),
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", fields...)
	} else {
		h.logger.Debug("request rejected", fields...)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
