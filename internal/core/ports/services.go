package ports

import (
	"context"
	"time"

	"aegislink/internal/core/domain"
)

// Engine is the lifecycle contract every managed engine implements. Start
// and Stop are idempotent; Health returns the engine's own view, which the
// orchestrator folds into its supervised health registry.
type Engine interface {
	ID() domain.EngineID
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Configure(params map[string]any) error
	Health() domain.EngineHealth
}

// ThreatObserver receives detected threats. Observers are invoked on a
// snapshot of the registry so a failing observer cannot corrupt emission.
type ThreatObserver func(threat *domain.Threat)

type ThreatDetector interface {
	Engine

	// IngestHealth and IngestSpectrum are pure notifications: they never
	// block and return nothing.
	IngestHealth(sample domain.CommunicationHealthSample)
	IngestSpectrum(sample domain.SpectrumSample)

	ActiveThreats() []*domain.Threat
	RemoveThreat(id domain.ThreatID)
	OnThreat(obs ThreatObserver) (unsubscribe func())
}

type FrequencyAgility interface {
	Engine

	CreatePattern(ctx context.Context, name, band string, length int, dwell time.Duration, seed uint32) (*domain.FrequencyHoppingPattern, error)
	StartHopping(ctx context.Context, patternID domain.PatternID, droneIDs []domain.DroneID) error
	StopHopping(ctx context.Context) error
	AddDrone(ctx context.Context, droneID domain.DroneID) error
	RemoveDrone(ctx context.Context, droneID domain.DroneID) error
	SwitchPattern(ctx context.Context, newPatternID domain.PatternID, droneIDs []domain.DroneID) error
	HandleHopAck(ack domain.HopAck)
	DroneStates() map[domain.DroneID]domain.DroneHopState
}

type ChannelFallback interface {
	Engine

	CreateChannel(ch *domain.CommunicationChannel) error
	CreateFallbackProtocol(p *domain.FallbackProtocol) error
	RegisterDrone(droneID domain.DroneID, primary domain.ChannelID, backups []domain.ChannelID) error
	SwitchChannel(ctx context.Context, droneID domain.DroneID, target domain.ChannelID, reason string) error
	UpdateChannelStatus(channelID domain.ChannelID, status domain.ChannelStatus)
	UpdateChannelHealth(health domain.ChannelHealth)
	BestBackup(droneID domain.DroneID, avoidFrequencyMHz float64) (*domain.CommunicationChannel, error)
	AvoidFrequency(ctx context.Context, droneID domain.DroneID, jammedMHz float64, reason string) error
	RegisteredDrones() []domain.DroneID
	TestChannel(ctx context.Context, droneID domain.DroneID, channelID domain.ChannelID) bool
	DroneState(droneID domain.DroneID) (*domain.DroneChannelState, error)
	Channels() []*domain.CommunicationChannel
}

// Orchestrator is the host integration surface of the coordinator.
type Orchestrator interface {
	StartAll(ctx context.Context) error
	StopAll(ctx context.Context) error
	HandleCommand(ctx context.Context, cmd domain.SystemCommand) error
	Snapshot() domain.SystemStatus
	ConsolidatedThreats() []*domain.Threat
	EngineHealths() map[domain.EngineID]domain.EngineHealth
}
