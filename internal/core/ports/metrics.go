package ports

import "aegislink/internal/core/domain"

// Metrics is the narrow recording surface the engines emit into. A nil-safe
// no-op implementation backs tests.
type Metrics interface {
	ThreatDetected(t domain.ThreatType, s domain.Severity)
	ActiveThreats(n int)
	HopExecuted(pattern domain.PatternID)
	HopCollision(pattern domain.PatternID)
	SyncLoss(drone domain.DroneID)
	ChannelSwitch(reason domain.ProtocolApplicability)
	EngineStatus(id domain.EngineID, status domain.EngineStatus)
	BusPublished(topic domain.EventType)
	BusDropped(topic domain.EventType)
}

// NopMetrics discards all recordings.
type NopMetrics struct{}

func (NopMetrics) ThreatDetected(domain.ThreatType, domain.Severity)          {}
func (NopMetrics) ActiveThreats(int)                                          {}
func (NopMetrics) HopExecuted(domain.PatternID)                               {}
func (NopMetrics) HopCollision(domain.PatternID)                              {}
func (NopMetrics) SyncLoss(domain.DroneID)                                    {}
func (NopMetrics) ChannelSwitch(domain.ProtocolApplicability)                 {}
func (NopMetrics) EngineStatus(domain.EngineID, domain.EngineStatus)          {}
func (NopMetrics) BusPublished(domain.EventType)                              {}
func (NopMetrics) BusDropped(domain.EventType)                                {}
