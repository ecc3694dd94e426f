package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"aegislink/internal/core/domain"
	"aegislink/internal/core/ports"
	"aegislink/pkg/retry"
	"aegislink/pkg/scheduler"

	"go.uber.org/zap"
)

// OrchestratorConfig tunes engine supervision and threat coordination.
type OrchestratorConfig struct {
	StartupDelay      time.Duration
	SettleDelay       time.Duration
	ShutdownDelay     time.Duration
	HealthInterval    time.Duration
	BroadcastInterval time.Duration
	RecoveryCooldown  time.Duration
	AutoRecovery      bool
	ThreatRetention   time.Duration
	CleanupInterval   time.Duration
}

func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		StartupDelay:      500 * time.Millisecond,
		SettleDelay:       200 * time.Millisecond,
		ShutdownDelay:     200 * time.Millisecond,
		HealthInterval:    5 * time.Second,
		BroadcastInterval: 10 * time.Second,
		RecoveryCooldown:  30 * time.Second,
		AutoRecovery:      true,
		ThreatRetention:   30 * time.Minute,
		CleanupInterval:   time.Minute,
	}
}

// OrchestratorService owns the engine lifecycle: staged startup, reverse
// shutdown, health supervision with auto-recovery, threat consolidation and
// countermeasure coordination, and the periodic fleet status broadcast.
type OrchestratorService struct {
	cfg      OrchestratorConfig
	bus      ports.Bus
	metrics  ports.Metrics
	logger   *zap.SugaredLogger
	sched    *scheduler.Scheduler
	detector ports.ThreatDetector
	agility  ports.FrequencyAgility
	fallback ports.ChannelFallback

	mu           sync.Mutex
	running      bool
	engines      []ports.Engine // startup order
	healths      map[domain.EngineID]domain.EngineHealth
	threats      map[domain.ThreatID]*domain.Threat
	failedSince  map[domain.EngineID]time.Time
	lastRecovery map[domain.EngineID]time.Time
	unsubThreat  func()
	unsubCmd     func()
}

func NewOrchestratorService(
	cfg OrchestratorConfig,
	bus ports.Bus,
	metrics ports.Metrics,
	logger *zap.SugaredLogger,
	detector ports.ThreatDetector,
	agility ports.FrequencyAgility,
	fallback ports.ChannelFallback,
) *OrchestratorService {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &OrchestratorService{
		cfg:      cfg,
		bus:      bus,
		metrics:  metrics,
		logger:   logger,
		sched:    scheduler.New(logger),
		detector: detector,
		agility:  agility,
		fallback: fallback,
		// Detection first so threats flow as soon as anything else is up;
		// fallback before agility so channel switches are available during
		// pattern bring-up.
		engines:      []ports.Engine{detector, fallback, agility},
		healths:      make(map[domain.EngineID]domain.EngineHealth),
		threats:      make(map[domain.ThreatID]*domain.Threat),
		failedSince:  make(map[domain.EngineID]time.Time),
		lastRecovery: make(map[domain.EngineID]time.Time),
	}
}

// StartAll brings the engines up in order. Any engine failure aborts the
// startup, stops the engines already started, and emits exactly one critical
// startup_failed event.
func (s *OrchestratorService) StartAll(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	var started []ports.Engine
	for _, eng := range s.engines {
		s.setEngineStatus(eng.ID(), domain.EngineStarting)
		s.logger.Infow("starting engine", "engine_id", eng.ID())

		if err := eng.Start(ctx); err != nil {
			s.logger.Errorw("engine failed to start", "engine_id", eng.ID(), "error", err)
			s.setEngineStatus(eng.ID(), domain.EngineFailed)
			s.stopEngines(ctx, started)
			s.publishSystemEvent(ctx, domain.SystemEvent{
				Name:     "startup_failed",
				Severity: domain.SeverityCritical,
				EngineID: eng.ID(),
				Details:  err.Error(),
			})
			return fmt.Errorf("failed to start engine %s: %w", eng.ID(), err)
		}

		started = append(started, eng)
		time.Sleep(s.cfg.StartupDelay)
	}

	// Settle window before declaring the system operational.
	time.Sleep(s.cfg.SettleDelay)
	for _, eng := range s.engines {
		s.setEngineStatus(eng.ID(), domain.EngineOperational)
	}

	s.mu.Lock()
	s.running = true
	s.mu.Unlock()

	s.unsubThreat = s.detector.OnThreat(s.onThreat)
	unsubCmd, err := s.bus.Subscribe(domain.TopicSystemCommand, s.onSystemCommand)
	if err != nil {
		s.logger.Errorw("failed to subscribe to system commands", "error", err)
	} else {
		s.unsubCmd = unsubCmd
	}

	s.sched.Every("health_poll", s.cfg.HealthInterval, s.healthPoll)
	s.sched.Every("status_broadcast", s.cfg.BroadcastInterval, s.broadcastStatus)
	s.sched.Every("threat_cleanup", s.cfg.CleanupInterval, s.cleanupThreats)

	s.publishSystemEvent(ctx, domain.SystemEvent{
		Name:     "system_started",
		Severity: domain.SeverityLow,
	})
	s.logger.Infow("all engines operational", "engines", len(s.engines))
	return nil
}

// StopAll shuts the engines down in reverse order, best-effort: a failing
// stop is logged and the shutdown continues.
func (s *OrchestratorService) StopAll(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	if s.unsubThreat != nil {
		s.unsubThreat()
		s.unsubThreat = nil
	}
	if s.unsubCmd != nil {
		s.unsubCmd()
		s.unsubCmd = nil
	}
	s.sched.Stop()

	reversed := make([]ports.Engine, len(s.engines))
	for i, eng := range s.engines {
		reversed[len(s.engines)-1-i] = eng
	}
	s.stopEngines(ctx, reversed)

	s.publishSystemEvent(ctx, domain.SystemEvent{
		Name:     "system_stopped",
		Severity: domain.SeverityLow,
	})
	s.logger.Infow("all engines stopped")
	return nil
}

// stopEngines stops the given engines last-to-first, continuing past errors.
func (s *OrchestratorService) stopEngines(ctx context.Context, engines []ports.Engine) {
	for i := len(engines) - 1; i >= 0; i-- {
		eng := engines[i]
		s.setEngineStatus(eng.ID(), domain.EngineStopping)
		if err := eng.Stop(ctx); err != nil {
			s.logger.Errorw("engine stop failed", "engine_id", eng.ID(), "error", err)
			s.recordEngineError(eng.ID(), err.Error())
		}
		s.setEngineStatus(eng.ID(), domain.EngineStopped)
		time.Sleep(s.cfg.ShutdownDelay)
	}
}

// HandleCommand routes an operator or bus command.
func (s *OrchestratorService) HandleCommand(ctx context.Context, cmd domain.SystemCommand) error {
	s.logger.Infow("handling system command", "command", cmd.Command, "engine_id", cmd.EngineID)

	switch cmd.Command {
	case domain.CommandStartSystem:
		return s.StartAll(ctx)
	case domain.CommandStopSystem:
		return s.StopAll(ctx)
	case domain.CommandRestartSystem:
		if cmd.EngineID != "" {
			return s.restartEngine(ctx, cmd.EngineID)
		}
		if err := s.StopAll(ctx); err != nil {
			return err
		}
		return s.StartAll(ctx)
	case domain.CommandConfigureSystem:
		eng, err := s.engineByID(cmd.EngineID)
		if err != nil {
			return err
		}
		return eng.Configure(cmd.Params)
	default:
		return fmt.Errorf("unknown system command: %s", cmd.Command)
	}
}

// Snapshot assembles the current fleet-wide status.
func (s *OrchestratorService) Snapshot() domain.SystemStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	engines := make(map[domain.EngineID]domain.EngineHealth, len(s.healths))
	overall := domain.EngineStopped
	if s.running {
		overall = domain.EngineOperational
	}
	for id, h := range s.healths {
		engines[id] = h
		if !s.running {
			continue
		}
		switch h.Status {
		case domain.EngineFailed:
			overall = domain.EngineFailed
		case domain.EngineDegraded:
			if overall != domain.EngineFailed {
				overall = domain.EngineDegraded
			}
		}
	}

	level := domain.SeverityNone
	countermeasures := 0
	for _, t := range s.threats {
		if t.Severity.Rank() > level.Rank() {
			level = t.Severity
		}
		countermeasures += len(t.Countermeasures)
	}

	return domain.SystemStatus{
		Timestamp:             time.Now(),
		Overall:               overall,
		Engines:               engines,
		ThreatLevel:           level,
		ActiveThreats:         len(s.threats),
		ActiveCountermeasures: countermeasures,
	}
}

// ConsolidatedThreats returns the orchestrator's threat registry.
func (s *OrchestratorService) ConsolidatedThreats() []*domain.Threat {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*domain.Threat, 0, len(s.threats))
	for _, t := range s.threats {
		cp := *t
		out = append(out, &cp)
	}
	return out
}

func (s *OrchestratorService) EngineHealths() map[domain.EngineID]domain.EngineHealth {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[domain.EngineID]domain.EngineHealth, len(s.healths))
	for id, h := range s.healths {
		out[id] = h
	}
	return out
}

// onThreat consolidates a detected threat and coordinates countermeasures.
func (s *OrchestratorService) onThreat(threat *domain.Threat) {
	s.mu.Lock()
	cp := *threat
	s.threats[cp.ID] = &cp
	s.mu.Unlock()

	s.logger.Warnw("threat consolidated",
		"threat_id", cp.ID,
		"type", cp.Type,
		"severity", cp.Severity,
		"drone_id", cp.DroneID,
	)

	if cp.Type.IsJamming() && cp.Severity.Rank() >= domain.SeverityHigh.Rank() {
		go s.deployCountermeasures(context.Background(), cp.ID)
	}
}

// deployCountermeasures reacts to a high or critical jamming threat: rotate
// the hopping pattern and move affected drones off the jammed frequency.
func (s *OrchestratorService) deployCountermeasures(ctx context.Context, threatID domain.ThreatID) {
	s.mu.Lock()
	threat, ok := s.threats[threatID]
	if !ok {
		s.mu.Unlock()
		return
	}
	cp := *threat
	s.mu.Unlock()

	if s.rotateHoppingPattern(ctx) {
		s.markCountermeasure(threatID, domain.CountermeasureFrequencyHopping)
	}

	targets := []domain.DroneID{cp.DroneID}
	if cp.DroneID == "" {
		targets = s.fallback.RegisteredDrones()
	}
	moved := false
	for _, droneID := range targets {
		if droneID == "" {
			continue
		}
		if err := s.fallback.AvoidFrequency(ctx, droneID, cp.FrequencyMHz, "jamming_detected"); err != nil {
			s.logger.Errorw("frequency avoidance failed", "drone_id", droneID, "error", err)
			continue
		}
		moved = true
	}
	if moved {
		s.markCountermeasure(threatID, domain.CountermeasureBackupChannels)
	}
}

// rotateHoppingPattern switches the fleet to a freshly seeded pattern, or
// starts hopping if it was not active.
func (s *OrchestratorService) rotateHoppingPattern(ctx context.Context) bool {
	pattern, err := s.agility.CreatePattern(ctx, "threat-response", "", 0, 0, 0)
	if err != nil {
		s.logger.Errorw("failed to create response pattern", "error", err)
		return false
	}

	states := s.agility.DroneStates()
	droneIDs := make([]domain.DroneID, 0, len(states))
	for id := range states {
		droneIDs = append(droneIDs, id)
	}

	if len(droneIDs) > 0 {
		if err := s.agility.SwitchPattern(ctx, pattern.ID, droneIDs); err != nil {
			s.logger.Errorw("pattern switch failed", "pattern_id", pattern.ID, "error", err)
			return false
		}
		return true
	}

	droneIDs = s.fallback.RegisteredDrones()
	if len(droneIDs) == 0 {
		return false
	}
	if err := s.agility.StartHopping(ctx, pattern.ID, droneIDs); err != nil {
		s.logger.Errorw("failed to start hopping", "pattern_id", pattern.ID, "error", err)
		return false
	}
	return true
}

func (s *OrchestratorService) markCountermeasure(threatID domain.ThreatID, c domain.Countermeasure) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.threats[threatID]; ok {
		if t.AddCountermeasure(c) {
			s.logger.Infow("countermeasure deployed", "threat_id", threatID, "countermeasure", c)
		}
	}
}

// healthPoll folds engine self-reports into the supervised registry. An
// engine whose heartbeat is older than twice the poll interval is demoted to
// degraded, older than four times to failed.
func (s *OrchestratorService) healthPoll(ctx context.Context) {
	now := time.Now()
	for _, eng := range s.engines {
		h := eng.Health()

		if h.Status == domain.EngineOperational {
			stale := now.Sub(h.LastUpdate)
			switch {
			case stale > 4*s.cfg.HealthInterval:
				h.Status = domain.EngineFailed
				h.RecordError(fmt.Sprintf("no heartbeat for %s", stale.Round(time.Second)))
			case stale > 2*s.cfg.HealthInterval:
				h.Status = domain.EngineDegraded
			}
		}

		s.mu.Lock()
		s.healths[h.EngineID] = h
		if h.Status == domain.EngineFailed {
			if _, held := s.failedSince[h.EngineID]; !held {
				s.failedSince[h.EngineID] = now
			}
		} else {
			delete(s.failedSince, h.EngineID)
		}
		s.mu.Unlock()
		s.metrics.EngineStatus(h.EngineID, h.Status)

		if h.Status == domain.EngineFailed && s.cfg.AutoRecovery {
			s.tryRecover(ctx, eng)
		}
	}

	s.mu.Lock()
	active := len(s.threats)
	s.mu.Unlock()
	s.metrics.ActiveThreats(active)
}

// tryRecover restarts an engine that has been held failed for longer than
// the cooldown, at most once per cooldown window.
func (s *OrchestratorService) tryRecover(ctx context.Context, eng ports.Engine) {
	id := eng.ID()

	s.mu.Lock()
	failedAt, held := s.failedSince[id]
	if !held || time.Since(failedAt) <= s.cfg.RecoveryCooldown {
		s.mu.Unlock()
		return
	}
	last, attempted := s.lastRecovery[id]
	if attempted && time.Since(last) < s.cfg.RecoveryCooldown {
		s.mu.Unlock()
		return
	}
	s.lastRecovery[id] = time.Now()
	s.mu.Unlock()

	s.logger.Warnw("attempting engine recovery", "engine_id", id)
	s.publishSystemEvent(ctx, domain.SystemEvent{
		Name:     "engine_recovery_attempted",
		Severity: domain.SeverityHigh,
		EngineID: id,
	})

	if err := eng.Stop(ctx); err != nil {
		s.logger.Errorw("recovery stop failed", "engine_id", id, "error", err)
	}
	err := retry.Do(ctx, retry.DefaultConfig(), func() error {
		return eng.Start(ctx)
	})
	if err != nil {
		s.logger.Errorw("engine recovery failed", "engine_id", id, "error", err)
		s.recordEngineError(id, fmt.Sprintf("recovery failed: %v", err))
		return
	}

	s.mu.Lock()
	delete(s.failedSince, id)
	s.mu.Unlock()
	s.setEngineStatus(id, domain.EngineOperational)
	s.logger.Infow("engine recovered", "engine_id", id)
}

// cleanupThreats ages out threats not updated within the retention window.
// Repeat detections refresh only the detector's record, so the sweep takes
// the freshest of the consolidated and detector timestamps before expiring.
func (s *OrchestratorService) cleanupThreats(ctx context.Context) {
	cutoff := time.Now().Add(-s.cfg.ThreatRetention)

	detected := make(map[domain.ThreatID]time.Time)
	for _, t := range s.detector.ActiveThreats() {
		detected[t.ID] = t.LastUpdated
	}

	s.mu.Lock()
	var expired []domain.ThreatID
	for id, t := range s.threats {
		if seen, ok := detected[id]; ok && seen.After(t.LastUpdated) {
			t.LastUpdated = seen
		}
		if t.LastUpdated.Before(cutoff) {
			expired = append(expired, id)
			delete(s.threats, id)
		}
	}
	s.mu.Unlock()

	for _, id := range expired {
		s.detector.RemoveThreat(id)
		s.logger.Infow("threat aged out", "threat_id", id)
	}
}

func (s *OrchestratorService) broadcastStatus(ctx context.Context) {
	status := s.Snapshot()
	if err := s.bus.Publish(ctx, domain.NewEvent(domain.TopicSystemStatus, status)); err != nil {
		s.logger.Errorw("failed to broadcast status", "error", err)
	}
}

func (s *OrchestratorService) onSystemCommand(ctx context.Context, evt domain.Event) {
	var cmd domain.SystemCommand
	if err := evt.Decode(&cmd); err != nil {
		s.logger.Warnw("failed to decode system command", "error", err)
		return
	}
	if err := s.HandleCommand(ctx, cmd); err != nil {
		s.logger.Errorw("system command failed", "command", cmd.Command, "error", err)
	}
}

func (s *OrchestratorService) restartEngine(ctx context.Context, id domain.EngineID) error {
	eng, err := s.engineByID(id)
	if err != nil {
		return err
	}
	if err := eng.Stop(ctx); err != nil {
		s.logger.Errorw("engine stop failed during restart", "engine_id", id, "error", err)
	}
	s.setEngineStatus(id, domain.EngineStarting)
	if err := eng.Start(ctx); err != nil {
		s.setEngineStatus(id, domain.EngineFailed)
		return fmt.Errorf("failed to restart engine %s: %w", id, err)
	}
	s.setEngineStatus(id, domain.EngineOperational)
	return nil
}

func (s *OrchestratorService) engineByID(id domain.EngineID) (ports.Engine, error) {
	for _, eng := range s.engines {
		if eng.ID() == id {
			return eng, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", domain.ErrEngineNotFound, id)
}

func (s *OrchestratorService) setEngineStatus(id domain.EngineID, status domain.EngineStatus) {
	s.mu.Lock()
	h := s.healths[id]
	h.EngineID = id
	h.Status = status
	h.LastUpdate = time.Now()
	s.healths[id] = h
	s.mu.Unlock()
	s.metrics.EngineStatus(id, status)
}

func (s *OrchestratorService) recordEngineError(id domain.EngineID, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.healths[id]
	h.EngineID = id
	h.RecordError(msg)
	s.healths[id] = h
}

func (s *OrchestratorService) publishSystemEvent(ctx context.Context, evt domain.SystemEvent) {
	if err := s.bus.Publish(ctx, domain.NewEvent(domain.TopicSystemEvent, evt)); err != nil {
		s.logger.Errorw("failed to publish system event", "name", evt.Name, "error", err)
	}
}
