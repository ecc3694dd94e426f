package http

import (
	"errors"
	"net/http"
	"time"

	"aegislink/internal/core/domain"
	"aegislink/internal/core/ports"

	"github.com/gin-gonic/gin"
)

// StatusHandler exposes the coordinator's control and observability API.
type StatusHandler struct {
	orchestrator ports.Orchestrator
	detector     ports.ThreatDetector
	agility      ports.FrequencyAgility
	fallback     ports.ChannelFallback
}

func NewStatusHandler(
	orchestrator ports.Orchestrator,
	detector ports.ThreatDetector,
	agility ports.FrequencyAgility,
	fallback ports.ChannelFallback,
) *StatusHandler {
	return &StatusHandler{
		orchestrator: orchestrator,
		detector:     detector,
		agility:      agility,
		fallback:     fallback,
	}
}

func (h *StatusHandler) SetupRoutes(router *gin.Engine) {
	router.GET("/health", h.GetHealth)

	api := router.Group("/api/v1")
	{
		api.GET("/status", h.GetStatus)
		api.GET("/threats", h.ListThreats)
		api.GET("/channels", h.ListChannels)
		api.GET("/drones", h.ListDrones)
		api.GET("/drones/:id", h.GetDrone)
		api.POST("/drones", h.RegisterDrone)
		api.POST("/channels", h.CreateChannel)
		api.POST("/patterns", h.CreatePattern)
		api.POST("/hopping/start", h.StartHopping)
		api.POST("/hopping/stop", h.StopHopping)
		api.POST("/commands", h.HandleCommand)
	}
}

func (h *StatusHandler) GetHealth(c *gin.Context) {
	status := h.orchestrator.Snapshot()

	code := http.StatusOK
	if status.Overall == domain.EngineFailed {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":    string(status.Overall),
		"timestamp": status.Timestamp,
	})
}

func (h *StatusHandler) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": h.orchestrator.Snapshot(),
	})
}

func (h *StatusHandler) ListThreats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"threats": h.orchestrator.ConsolidatedThreats(),
	})
}

func (h *StatusHandler) ListChannels(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"channels": h.fallback.Channels(),
	})
}

func (h *StatusHandler) ListDrones(c *gin.Context) {
	hopStates := h.agility.DroneStates()

	type droneView struct {
		DroneID  domain.DroneID           `json:"drone_id"`
		Channels *domain.DroneChannelState `json:"channels,omitempty"`
		Hopping  *domain.DroneHopState     `json:"hopping,omitempty"`
	}

	var drones []droneView
	for _, id := range h.fallback.RegisteredDrones() {
		view := droneView{DroneID: id}
		if state, err := h.fallback.DroneState(id); err == nil {
			view.Channels = state
		}
		if hop, ok := hopStates[id]; ok {
			view.Hopping = &hop
		}
		drones = append(drones, view)
	}
	c.JSON(http.StatusOK, gin.H{"drones": drones})
}

func (h *StatusHandler) GetDrone(c *gin.Context) {
	droneID := domain.DroneID(c.Param("id"))

	state, err := h.fallback.DroneState(droneID)
	if err != nil {
		if errors.Is(err, domain.ErrDroneNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "drone not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := gin.H{"channels": state}
	if hop, ok := h.agility.DroneStates()[droneID]; ok {
		resp["hopping"] = hop
	}
	c.JSON(http.StatusOK, resp)
}

func (h *StatusHandler) RegisterDrone(c *gin.Context) {
	var req struct {
		DroneID domain.DroneID     `json:"drone_id" binding:"required"`
		Primary domain.ChannelID   `json:"primary" binding:"required"`
		Backups []domain.ChannelID `json:"backups"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.fallback.RegisterDrone(req.DroneID, req.Primary, req.Backups); err != nil {
		if errors.Is(err, domain.ErrChannelNotFound) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"status": "registered"})
}

func (h *StatusHandler) CreateChannel(c *gin.Context) {
	var ch domain.CommunicationChannel
	if err := c.BindJSON(&ch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.fallback.CreateChannel(&ch); err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"channel": ch})
}

func (h *StatusHandler) CreatePattern(c *gin.Context) {
	var req struct {
		Name         string `json:"name" binding:"required,min=1,max=100"`
		Band         string `json:"band"`
		Length       int    `json:"length" binding:"min=0,max=4096"`
		DwellTimeMS  int    `json:"dwell_time_ms" binding:"min=0"`
		Seed         uint32 `json:"seed"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	dwell := time.Duration(req.DwellTimeMS) * time.Millisecond
	pattern, err := h.agility.CreatePattern(c.Request.Context(), req.Name, req.Band, req.Length, dwell, req.Seed)
	if err != nil {
		if errors.Is(err, domain.ErrBandNotFound) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"pattern": pattern})
}

func (h *StatusHandler) StartHopping(c *gin.Context) {
	var req struct {
		PatternID domain.PatternID `json:"pattern_id" binding:"required"`
		DroneIDs  []domain.DroneID `json:"drone_ids" binding:"required,min=1"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.agility.StartHopping(c.Request.Context(), req.PatternID, req.DroneIDs); err != nil {
		if errors.Is(err, domain.ErrPatternNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "hopping_started"})
}

func (h *StatusHandler) StopHopping(c *gin.Context) {
	if err := h.agility.StopHopping(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "hopping_stopped"})
}

func (h *StatusHandler) HandleCommand(c *gin.Context) {
	var cmd domain.SystemCommand
	if err := c.BindJSON(&cmd); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.orchestrator.HandleCommand(c.Request.Context(), cmd); err != nil {
		if errors.Is(err, domain.ErrEngineNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "accepted"})
}
