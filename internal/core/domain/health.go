package domain

import "time"

type EngineID string

const (
	EngineThreatDetection  EngineID = "threat_detection"
	EngineFrequencyAgility EngineID = "frequency_agility"
	EngineChannelFallback  EngineID = "channel_fallback"
)

type EngineStatus string

const (
	EngineStarting    EngineStatus = "starting"
	EngineOperational EngineStatus = "operational"
	EngineDegraded    EngineStatus = "degraded"
	EngineFailed      EngineStatus = "failed"
	EngineStopping    EngineStatus = "stopping"
	EngineStopped     EngineStatus = "stopped"
)

const engineErrorLimit = 20

// EngineHealth is owned exclusively by the orchestrator; engines report into
// it via their Health() snapshot, the orchestrator's polling mutates status.
type EngineHealth struct {
	EngineID   EngineID         `json:"engine_id"`
	Status     EngineStatus     `json:"status"`
	LastUpdate time.Time        `json:"last_update"`
	Errors     []string         `json:"errors,omitempty"`
	Counters   map[string]int64 `json:"counters,omitempty"`
}

// RecordError appends a bounded error message.
func (h *EngineHealth) RecordError(msg string) {
	h.Errors = append(h.Errors, msg)
	if len(h.Errors) > engineErrorLimit {
		h.Errors = h.Errors[len(h.Errors)-engineErrorLimit:]
	}
}

// SystemStatus is the fleet-wide snapshot broadcast on a fixed interval.
type SystemStatus struct {
	Timestamp             time.Time                 `json:"timestamp"`
	Overall               EngineStatus              `json:"overall"`
	Engines               map[EngineID]EngineHealth `json:"engines"`
	ThreatLevel           Severity                  `json:"threat_level"`
	ActiveThreats         int                       `json:"active_threats"`
	ActiveCountermeasures int                       `json:"active_countermeasures"`
	Utilization           map[string]float64        `json:"utilization,omitempty"`
}
