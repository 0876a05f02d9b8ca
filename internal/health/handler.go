package health

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/finsight/gateway/internal/circuitbreaker"
	"github.com/finsight/gateway/internal/registry"
)

// ServiceStatus is the operator-facing view of one routed service.
type ServiceStatus struct {
	Name      string           `json:"name"`
	BasePath  string           `json:"basePath"`
	Enabled   bool             `json:"enabled"`
	Circuit   string           `json:"circuit"`
	Instances []InstanceStatus `json:"instances"`
}

// Handler serves the operational endpoints.
type Handler struct {
	registry *registry.Registry
	monitor  *Monitor
	breakers *circuitbreaker.Registry
	started  time.Time
}

// NewHandler builds the ops handler.
func NewHandler(reg *registry.Registry, monitor *Monitor, breakers *circuitbreaker.Registry) *Handler {
	return &Handler{
		registry: reg,
		monitor:  monitor,
		breakers: breakers,
		started:  time.Now(),
	}
}

// Register mounts the endpoints on the ops router.
func (h *Handler) Register(r gin.IRouter) {
	r.GET("/health", h.health)
	r.GET("/ready", h.ready)
	r.GET("/status", h.status)
	r.POST("/services/:name/enable", h.setEnabled(true))
	r.POST("/services/:name/disable", h.setEnabled(false))
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"uptime": time.Since(h.started).Round(time.Second).String(),
	})
}

// ready reports 503 until at least one service accepts traffic, so load
// balancers stop sending requests to a gateway with nothing to route to.
func (h *Handler) ready(c *gin.Context) {
	for _, svc := range h.registry.List() {
		if svc.Enabled() {
			c.JSON(http.StatusOK, gin.H{"status": "ready"})
			return
		}
	}
	c.JSON(http.StatusServiceUnavailable, gin.H{"status": "no services available"})
}

func (h *Handler) status(c *gin.Context) {
	services := h.registry.List()
	out := make([]ServiceStatus, 0, len(services))
	for _, svc := range services {
		circuit := circuitbreaker.StateClosed.String()
		if br, ok := h.breakers.Lookup(svc.Name); ok {
			circuit = br.State().String()
		}
		out = append(out, ServiceStatus{
			Name:      svc.Name,
			BasePath:  svc.BasePath,
			Enabled:   svc.Enabled(),
			Circuit:   circuit,
			Instances: h.monitor.Instances(svc.Instances),
		})
	}
	c.JSON(http.StatusOK, gin.H{"services": out})
}

func (h *Handler) setEnabled(enabled bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		name := c.Param("name")
		if !h.registry.SetEnabled(name, enabled) {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown service", "service": name})
			return
		}
		c.JSON(http.StatusOK, gin.H{"service": name, "enabled": enabled})
	}
}
