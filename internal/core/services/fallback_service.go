package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"aegislink/internal/core/domain"
	"aegislink/internal/core/ports"
	"aegislink/pkg/scheduler"
	"aegislink/pkg/validation"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// FallbackConfig tunes the channel fallback manager.
type FallbackConfig struct {
	EvaluationInterval time.Duration
	TestTimeout        time.Duration
}

func DefaultFallbackConfig() FallbackConfig {
	return FallbackConfig{
		EvaluationInterval: 2 * time.Second,
		TestTimeout:        5 * time.Second,
	}
}

// FallbackService maintains the channel registry, evaluates link health
// against fallback thresholds, and executes ordered channel switches.
type FallbackService struct {
	cfg     FallbackConfig
	bus     ports.Bus
	metrics ports.Metrics
	logger  *zap.SugaredLogger
	sched   *scheduler.Scheduler

	mu        sync.Mutex
	channels  map[domain.ChannelID]*domain.CommunicationChannel
	protocols map[string]*domain.FallbackProtocol
	drones    map[domain.DroneID]*domain.DroneChannelState
	health    map[domain.ChannelID]domain.ChannelHealth
	switches  int64
	running   bool
	lastBeat  time.Time
	unsubs    []func()

	testMu  sync.Mutex
	pending map[string]chan bool
}

func NewFallbackService(cfg FallbackConfig, bus ports.Bus, metrics ports.Metrics, logger *zap.SugaredLogger) *FallbackService {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	s := &FallbackService{
		cfg:       cfg,
		bus:       bus,
		metrics:   metrics,
		logger:    logger,
		sched:     scheduler.New(logger),
		channels:  make(map[domain.ChannelID]*domain.CommunicationChannel),
		protocols: make(map[string]*domain.FallbackProtocol),
		drones:    make(map[domain.DroneID]*domain.DroneChannelState),
		health:    make(map[domain.ChannelID]domain.ChannelHealth),
		pending:   make(map[string]chan bool),
	}
	s.installDefaults()
	return s
}

// installDefaults populates the fixed default channel and protocol set so a
// bare deployment is operational.
func (s *FallbackService) installDefaults() {
	defaults := []*domain.CommunicationChannel{
		{
			ID: "uhf-primary", Name: "UHF Primary", Role: domain.RolePrimary,
			Protocol: "fhss", FrequencyMHz: 915, BandwidthMHz: 2, MaxRangeKM: 50,
			Status: domain.ChannelActive, Latency: 20 * time.Millisecond,
			ThroughputKbps: 1200, Reliability: 0.95,
		},
		{
			ID: "uhf-backup", Name: "UHF Backup", Role: domain.RoleBackup,
			Protocol: "lora", FrequencyMHz: 433.92, BandwidthMHz: 0.5, MaxRangeKM: 80,
			Status: domain.ChannelStandby, Latency: 60 * time.Millisecond,
			ThroughputKbps: 300, Reliability: 0.9,
		},
		{
			ID: "satcom-emergency", Name: "SATCOM Emergency", Role: domain.RoleEmergency,
			Protocol: "iridium", FrequencyMHz: 1616, BandwidthMHz: 1, MaxRangeKM: 0,
			Status: domain.ChannelStandby, Latency: 700 * time.Millisecond,
			ThroughputKbps: 10, Reliability: 0.85,
		},
	}
	for _, ch := range defaults {
		s.channels[ch.ID] = ch
	}

	protocols := []*domain.FallbackProtocol{
		{
			ID: "standard-fallback", Name: "Standard Fallback", Priority: 1,
			Channels:      []domain.ChannelID{"uhf-primary", "uhf-backup", "satcom-emergency"},
			Applicability: domain.ApplicabilityDefault, Automatic: true,
			Thresholds: domain.SwitchThresholds{
				MinSignalQuality:   30,
				MaxPacketLoss:      0.25,
				MaxLatency:         500 * time.Millisecond,
				MaxJammingStrength: -70,
			},
		},
		{
			ID: "emergency-fallback", Name: "Emergency Fallback", Priority: 2,
			Channels:      []domain.ChannelID{"satcom-emergency", "uhf-backup"},
			Applicability: domain.ApplicabilityEmergency, Automatic: true,
			Thresholds: domain.SwitchThresholds{
				MinSignalQuality:   15,
				MaxPacketLoss:      0.5,
				MaxLatency:         2 * time.Second,
				MaxJammingStrength: -60,
			},
		},
		{
			ID: "anti-jamming-fallback", Name: "Anti-Jamming Fallback", Priority: 3,
			Channels:      []domain.ChannelID{"uhf-backup", "satcom-emergency", "uhf-primary"},
			Applicability: domain.ApplicabilityJamming, Automatic: true,
			Thresholds: domain.SwitchThresholds{
				MinSignalQuality:   40,
				MaxPacketLoss:      0.2,
				MaxLatency:         time.Second,
				MaxJammingStrength: -75,
			},
		},
	}
	for _, p := range protocols {
		s.protocols[p.ID] = p
	}
}

func (s *FallbackService) ID() domain.EngineID { return domain.EngineChannelFallback }

func (s *FallbackService) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.lastBeat = time.Now()
	s.mu.Unlock()

	subs := []struct {
		topic   domain.EventType
		handler ports.BusHandler
	}{
		{domain.TopicChannelTestResult, s.onTestResponse},
		{domain.TopicChannelStatus, s.onChannelStatus},
		{domain.TopicBackupRequest, s.onBackupRequest},
		{domain.TopicCommHealth, s.onHealthSample},
	}
	for _, sub := range subs {
		unsub, err := s.bus.Subscribe(sub.topic, sub.handler)
		if err != nil {
			s.Stop(ctx)
			return fmt.Errorf("failed to subscribe to %s: %w", sub.topic, err)
		}
		s.mu.Lock()
		s.unsubs = append(s.unsubs, unsub)
		s.mu.Unlock()
	}

	s.sched.Every("fallback_evaluation", s.cfg.EvaluationInterval, s.evaluateTick)
	s.sched.Every("heartbeat", time.Second, func(context.Context) {
		s.mu.Lock()
		s.lastBeat = time.Now()
		s.mu.Unlock()
	})

	s.logger.Infow("channel fallback manager started")
	return nil
}

func (s *FallbackService) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	unsubs := s.unsubs
	s.unsubs = nil
	s.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	s.sched.Stop()
	s.logger.Infow("channel fallback manager stopped")
	return nil
}

func (s *FallbackService) Configure(params map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := params["evaluation_interval_seconds"].(float64); ok {
		if v <= 0 {
			return fmt.Errorf("evaluation_interval_seconds must be > 0, got %v", v)
		}
		s.cfg.EvaluationInterval = time.Duration(v * float64(time.Second))
		if s.running {
			s.sched.Every("fallback_evaluation", s.cfg.EvaluationInterval, s.evaluateTick)
		}
	}
	return nil
}

func (s *FallbackService) Health() domain.EngineHealth {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := domain.EngineStopped
	if s.running {
		status = domain.EngineOperational
	}
	return domain.EngineHealth{
		EngineID:   s.ID(),
		Status:     status,
		LastUpdate: s.lastBeat,
		Counters: map[string]int64{
			"switches":  s.switches,
			"channels":  int64(len(s.channels)),
			"protocols": int64(len(s.protocols)),
			"drones":    int64(len(s.drones)),
		},
	}
}

// CreateChannel registers a new channel in the registry.
func (s *FallbackService) CreateChannel(ch *domain.CommunicationChannel) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := validation.ValidateID(string(ch.ID), "channel id"); err != nil {
		return err
	}
	if err := validation.ValidateFrequencyMHz(ch.FrequencyMHz); err != nil {
		return err
	}
	if err := validation.ValidateBandwidthMHz(ch.BandwidthMHz); err != nil {
		return err
	}
	if err := validation.ValidateReliability(ch.Reliability); err != nil {
		return err
	}
	if _, exists := s.channels[ch.ID]; exists {
		return fmt.Errorf("%w: channel %s", domain.ErrAlreadyExists, ch.ID)
	}
	if ch.Status == "" {
		ch.Status = domain.ChannelStandby
	}
	s.channels[ch.ID] = ch
	s.logger.Infow("channel created", "channel_id", ch.ID, "role", ch.Role, "frequency_mhz", ch.FrequencyMHz)
	return nil
}

// CreateFallbackProtocol registers a protocol, pruning references to
// channels that do not exist.
func (s *FallbackService) CreateFallbackProtocol(p *domain.FallbackProtocol) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := validation.ValidateID(string(p.ID), "protocol id"); err != nil {
		return err
	}
	if _, exists := s.protocols[p.ID]; exists {
		return fmt.Errorf("%w: protocol %s", domain.ErrAlreadyExists, p.ID)
	}
	if p.Applicability == "" {
		p.Applicability = domain.ApplicabilityDefault
	}

	kept := p.Channels[:0]
	for _, id := range p.Channels {
		if _, ok := s.channels[id]; ok {
			kept = append(kept, id)
		} else {
			s.logger.Warnw("pruning unknown channel from protocol", "protocol_id", p.ID, "channel_id", id)
		}
	}
	p.Channels = kept

	s.protocols[p.ID] = p
	s.logger.Infow("fallback protocol created", "protocol_id", p.ID, "applicability", p.Applicability, "priority", p.Priority)
	return nil
}

// RegisterDrone assigns a primary channel and an ordered backup list.
func (s *FallbackService) RegisterDrone(droneID domain.DroneID, primary domain.ChannelID, backups []domain.ChannelID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := validation.ValidateID(string(droneID), "drone id"); err != nil {
		return err
	}
	if _, ok := s.channels[primary]; !ok {
		return fmt.Errorf("%w: %s", domain.ErrChannelNotFound, primary)
	}
	for _, id := range backups {
		if _, ok := s.channels[id]; !ok {
			return fmt.Errorf("%w: %s", domain.ErrChannelNotFound, id)
		}
	}

	s.drones[droneID] = &domain.DroneChannelState{
		DroneID: droneID,
		Primary: primary,
		Active:  primary,
		Backups: backups,
	}
	s.logger.Infow("drone registered", "drone_id", droneID, "primary", primary, "backups", len(backups))
	return nil
}

// SwitchChannel moves a drone to a target channel. No-op when the target is
// already active; rejected when the target is failed or not assigned to the
// drone.
func (s *FallbackService) SwitchChannel(ctx context.Context, droneID domain.DroneID, target domain.ChannelID, reason string) error {
	s.mu.Lock()
	state, ok := s.drones[droneID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrDroneNotFound, droneID)
	}
	if state.Active == target {
		s.mu.Unlock()
		return nil
	}
	ch, ok := s.channels[target]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrChannelNotFound, target)
	}
	if ch.Status == domain.ChannelFailed {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrChannelFailed, target)
	}
	if !state.Allowed(target) {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s for drone %s", domain.ErrChannelNotAllowed, target, droneID)
	}

	from := state.Active
	state.RecordSwitch(target, reason)
	if reason != "manual" {
		state.FailureCount++
	}
	ch.Status = domain.ChannelActive
	if old, ok := s.channels[from]; ok && old.Status == domain.ChannelActive {
		old.Status = domain.ChannelStandby
	}
	s.switches++
	s.mu.Unlock()

	s.metrics.ChannelSwitch(classifyReason(reason))
	s.logger.Infow("channel switch executed",
		"drone_id", droneID,
		"from", from,
		"to", target,
		"reason", reason,
	)

	cmd := domain.ChannelSwitchCommand{DroneID: droneID, From: from, To: target, Reason: reason}
	if err := s.bus.Publish(ctx, domain.NewEvent(domain.TopicChannelCommand, cmd)); err != nil {
		s.logger.Errorw("failed to publish switch command", "drone_id", droneID, "error", err)
	}
	if err := s.bus.Publish(ctx, domain.NewEvent(domain.TopicChannelSwitched, cmd)); err != nil {
		s.logger.Errorw("failed to publish switch notification", "drone_id", droneID, "error", err)
	}
	return nil
}

// UpdateChannelStatus sets a channel's status; a transition to failed
// immediately fails over every drone whose active channel it was.
func (s *FallbackService) UpdateChannelStatus(channelID domain.ChannelID, status domain.ChannelStatus) {
	s.mu.Lock()
	ch, ok := s.channels[channelID]
	if !ok {
		s.mu.Unlock()
		s.logger.Warnw("status update for unknown channel", "channel_id", channelID)
		return
	}
	ch.Status = status
	s.mu.Unlock()

	if status == domain.ChannelFailed || status == domain.ChannelJammingDetected {
		s.failoverFromChannel(context.Background(), channelID, statusReason(status))
	}
}

// UpdateChannelHealth records the latest observed channel condition.
func (s *FallbackService) UpdateChannelHealth(health domain.ChannelHealth) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if health.UpdatedAt.IsZero() {
		health.UpdatedAt = time.Now()
	}
	s.health[health.ChannelID] = health

	if ch, ok := s.channels[health.ChannelID]; ok {
		ch.Latency = health.Latency
		// Reliability drifts toward the observed packet-delivery rate.
		ch.Reliability = ch.Reliability*0.9 + (1-health.PacketLoss)*0.1
	}
}

// BestBackup selects the best eligible backup for a drone: not failed,
// ordered by role priority then descending reliability. A positive
// avoidFrequencyMHz additionally requires separation from that frequency by
// more than twice the candidate's bandwidth.
func (s *FallbackService) BestBackup(droneID domain.DroneID, avoidFrequencyMHz float64) (*domain.CommunicationChannel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bestBackupLocked(droneID, avoidFrequencyMHz)
}

func (s *FallbackService) bestBackupLocked(droneID domain.DroneID, avoidFrequencyMHz float64) (*domain.CommunicationChannel, error) {
	state, ok := s.drones[droneID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrDroneNotFound, droneID)
	}

	candidateIDs := make([]domain.ChannelID, 0, len(state.Backups)+1)
	if state.Primary != state.Active {
		candidateIDs = append(candidateIDs, state.Primary)
	}
	for _, id := range state.Backups {
		if id != state.Active {
			candidateIDs = append(candidateIDs, id)
		}
	}

	var candidates []*domain.CommunicationChannel
	for _, id := range candidateIDs {
		ch, ok := s.channels[id]
		if !ok || ch.Status == domain.ChannelFailed {
			continue
		}
		if avoidFrequencyMHz > 0 {
			sep := ch.FrequencyMHz - avoidFrequencyMHz
			if sep < 0 {
				sep = -sep
			}
			if sep <= ch.BandwidthMHz*2 {
				continue
			}
		}
		candidates = append(candidates, ch)
	}
	if len(candidates) == 0 {
		return nil, domain.ErrNoBackupChannel
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Role.Priority() != candidates[j].Role.Priority() {
			return candidates[i].Role.Priority() < candidates[j].Role.Priority()
		}
		return candidates[i].Reliability > candidates[j].Reliability
	})
	return candidates[0], nil
}

// TestChannel publishes a correlated connectivity test and waits for the
// response, resolving to failure after the configured timeout.
func (s *FallbackService) TestChannel(ctx context.Context, droneID domain.DroneID, channelID domain.ChannelID) bool {
	testID := uuid.NewString()
	result := make(chan bool, 1)

	s.testMu.Lock()
	s.pending[testID] = result
	s.testMu.Unlock()
	defer func() {
		s.testMu.Lock()
		delete(s.pending, testID)
		s.testMu.Unlock()
	}()

	req := domain.ChannelTestRequest{TestID: testID, DroneID: droneID, ChannelID: channelID}
	if err := s.bus.Publish(ctx, domain.NewEvent(domain.TopicChannelTest, req)); err != nil {
		s.logger.Errorw("failed to publish channel test", "channel_id", channelID, "error", err)
		return false
	}

	select {
	case ok := <-result:
		return ok
	case <-time.After(s.cfg.TestTimeout):
		return false
	case <-ctx.Done():
		return false
	}
}

// RegisteredDrones lists every drone under fallback management.
func (s *FallbackService) RegisteredDrones() []domain.DroneID {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.DroneID, 0, len(s.drones))
	for id := range s.drones {
		out = append(out, id)
	}
	return out
}

// DroneState returns a copy of a drone's channel state.
func (s *FallbackService) DroneState(droneID domain.DroneID) (*domain.DroneChannelState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.drones[droneID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrDroneNotFound, droneID)
	}
	cp := *state
	cp.Backups = append([]domain.ChannelID(nil), state.Backups...)
	cp.History = append([]domain.ChannelSwitch(nil), state.History...)
	return &cp, nil
}

// Channels returns a copy of the channel registry.
func (s *FallbackService) Channels() []*domain.CommunicationChannel {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*domain.CommunicationChannel, 0, len(s.channels))
	for _, ch := range s.channels {
		cp := *ch
		out = append(out, &cp)
	}
	return out
}

// evaluateTick checks every drone's active channel against thresholds and
// executes fallback switches. Per-drone failures are isolated: one drone's
// error never stops processing of the rest.
func (s *FallbackService) evaluateTick(ctx context.Context) {
	s.mu.Lock()
	s.lastBeat = time.Now()
	droneIDs := make([]domain.DroneID, 0, len(s.drones))
	for id := range s.drones {
		droneIDs = append(droneIDs, id)
	}
	s.mu.Unlock()

	for _, droneID := range droneIDs {
		s.evaluateDrone(ctx, droneID)
	}
}

func (s *FallbackService) evaluateDrone(ctx context.Context, droneID domain.DroneID) {
	s.mu.Lock()
	state, ok := s.drones[droneID]
	if !ok {
		s.mu.Unlock()
		return
	}
	active := state.Active
	ch, chOK := s.channels[active]
	if !chOK {
		s.mu.Unlock()
		s.logger.Errorw("drone active channel missing from registry", "drone_id", droneID, "channel_id", active)
		return
	}
	chStatus := ch.Status
	health, healthOK := s.health[active]
	standard := s.lowestPriorityAutomaticLocked()
	s.mu.Unlock()

	if chStatus == domain.ChannelFailed || chStatus == domain.ChannelJammingDetected {
		s.failoverDrone(ctx, droneID, statusReason(chStatus), 0)
		return
	}
	if !healthOK || standard == nil {
		return
	}

	reason := breachReason(health, standard.Thresholds)
	if reason == "" {
		return
	}

	protocol := s.selectProtocol(classifyReason(reason))
	if protocol == nil {
		s.logger.Warnw("no automatic fallback protocol available", "drone_id", droneID, "reason", reason)
		return
	}

	target := s.walkProtocol(protocol, droneID, active)
	if target == "" {
		s.noBackupAvailable(ctx, droneID, reason)
		return
	}
	if err := s.SwitchChannel(ctx, droneID, target, reason); err != nil {
		s.logger.Errorw("fallback switch failed", "drone_id", droneID, "target", target, "error", err)
	}
}

// walkProtocol returns the first usable, drone-assigned channel in the
// protocol's ordered sequence, always skipping the active channel.
func (s *FallbackService) walkProtocol(p *domain.FallbackProtocol, droneID domain.DroneID, active domain.ChannelID) domain.ChannelID {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.drones[droneID]
	if !ok {
		return ""
	}
	for _, id := range p.Channels {
		if id == active || !state.Allowed(id) {
			continue
		}
		if ch, exists := s.channels[id]; exists && ch.Status.Usable() {
			return id
		}
	}
	return ""
}

// selectProtocol picks the highest-priority automatic protocol matching the
// reason class, falling through to the lowest-priority automatic protocol
// when nothing matches.
func (s *FallbackService) selectProtocol(class domain.ProtocolApplicability) *domain.FallbackProtocol {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *domain.FallbackProtocol
	for _, p := range s.protocols {
		if !p.Automatic || p.Applicability != class {
			continue
		}
		if best == nil || p.Priority > best.Priority {
			best = p
		}
	}
	if best != nil {
		return best
	}

	fallback := s.lowestPriorityAutomaticLocked()
	if fallback != nil && fallback.Applicability != class {
		s.logger.Warnw("no protocol matches reason class, using default", "class", class, "protocol_id", fallback.ID)
	}
	return fallback
}

func (s *FallbackService) lowestPriorityAutomaticLocked() *domain.FallbackProtocol {
	var lowest *domain.FallbackProtocol
	for _, p := range s.protocols {
		if !p.Automatic {
			continue
		}
		if lowest == nil || p.Priority < lowest.Priority {
			lowest = p
		}
	}
	return lowest
}

// failoverFromChannel fails over every drone whose active channel is the
// given one.
func (s *FallbackService) failoverFromChannel(ctx context.Context, channelID domain.ChannelID, reason string) {
	s.mu.Lock()
	var affected []domain.DroneID
	for id, state := range s.drones {
		if state.Active == channelID {
			affected = append(affected, id)
		}
	}
	s.mu.Unlock()

	for _, droneID := range affected {
		s.failoverDrone(ctx, droneID, reason, 0)
	}
}

// failoverDrone switches a drone to its best backup, avoiding a jamming
// frequency when one is given.
func (s *FallbackService) failoverDrone(ctx context.Context, droneID domain.DroneID, reason string, avoidFrequencyMHz float64) {
	s.mu.Lock()
	backup, err := s.bestBackupLocked(droneID, avoidFrequencyMHz)
	s.mu.Unlock()

	if err != nil {
		s.noBackupAvailable(ctx, droneID, reason)
		return
	}
	if err := s.SwitchChannel(ctx, droneID, backup.ID, reason); err != nil {
		s.logger.Errorw("failover switch failed", "drone_id", droneID, "target", backup.ID, "error", err)
		s.noBackupAvailable(ctx, droneID, reason)
	}
}

// AvoidFrequency reroutes a drone away from a jammed frequency. Used by the
// orchestrator's countermeasure coordination.
func (s *FallbackService) AvoidFrequency(ctx context.Context, droneID domain.DroneID, jammedMHz float64, reason string) error {
	s.mu.Lock()
	state, ok := s.drones[droneID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrDroneNotFound, droneID)
	}
	activeCh := s.channels[state.Active]
	s.mu.Unlock()

	// Already clear of the jammed frequency.
	if activeCh != nil {
		sep := activeCh.FrequencyMHz - jammedMHz
		if sep < 0 {
			sep = -sep
		}
		if sep > activeCh.BandwidthMHz*2 {
			return nil
		}
	}

	backup, err := s.BestBackup(droneID, jammedMHz)
	if err != nil {
		s.noBackupAvailable(ctx, droneID, reason)
		return err
	}
	return s.SwitchChannel(ctx, droneID, backup.ID, reason)
}

func (s *FallbackService) noBackupAvailable(ctx context.Context, droneID domain.DroneID, reason string) {
	s.logger.Errorw("no backup channel available", "drone_id", droneID, "reason", reason)
	evt := domain.NewEvent(domain.TopicSystemEvent, domain.SystemEvent{
		Name:     "no_backup_available",
		Severity: domain.SeverityCritical,
		Details:  fmt.Sprintf("drone %s: %s", droneID, reason),
	})
	if err := s.bus.Publish(ctx, evt); err != nil {
		s.logger.Errorw("failed to publish no-backup event", "drone_id", droneID, "error", err)
	}
}

func (s *FallbackService) onTestResponse(ctx context.Context, evt domain.Event) {
	var resp domain.ChannelTestResponse
	if err := evt.Decode(&resp); err != nil {
		s.logger.Warnw("failed to decode test response", "error", err)
		return
	}

	s.testMu.Lock()
	ch, ok := s.pending[resp.TestID]
	s.testMu.Unlock()
	if ok {
		select {
		case ch <- resp.Success:
		default:
		}
	}
}

func (s *FallbackService) onChannelStatus(ctx context.Context, evt domain.Event) {
	var update domain.ChannelStatusUpdate
	if err := evt.Decode(&update); err != nil {
		s.logger.Warnw("failed to decode channel status update", "error", err)
		return
	}
	if update.Health != nil {
		s.UpdateChannelHealth(*update.Health)
	}
	if update.Status != "" {
		s.UpdateChannelStatus(update.ChannelID, update.Status)
	}
}

func (s *FallbackService) onBackupRequest(ctx context.Context, evt domain.Event) {
	var req domain.BackupActivationRequest
	if err := evt.Decode(&req); err != nil {
		s.logger.Warnw("failed to decode backup request", "error", err)
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = "backup_requested"
	}
	s.failoverDrone(ctx, req.DroneID, reason, 0)
}

// onHealthSample maps a drone's health sample onto its active channel.
func (s *FallbackService) onHealthSample(ctx context.Context, evt domain.Event) {
	var sample domain.CommunicationHealthSample
	if err := evt.Decode(&sample); err != nil {
		s.logger.Warnw("failed to decode health sample", "error", err)
		return
	}

	s.mu.Lock()
	state, ok := s.drones[sample.DroneID]
	if !ok {
		s.mu.Unlock()
		return
	}
	active := state.Active
	s.mu.Unlock()

	health := domain.ChannelHealth{
		ChannelID:     active,
		SignalQuality: sample.LinkQuality,
		PacketLoss:    sample.PacketLoss,
		Latency:       sample.Latency,
		UpdatedAt:     sample.Timestamp,
	}
	if sample.JammingDetected {
		health.JammingStrength = sample.SignalStrength
	}
	s.UpdateChannelHealth(health)
}

// breachReason names the first breached threshold, or returns a critical
// reason when link degradation is compound.
func breachReason(h domain.ChannelHealth, t domain.SwitchThresholds) string {
	var reasons []string
	if h.JammingStrength != 0 && h.JammingStrength > t.MaxJammingStrength {
		reasons = append(reasons, "jamming_detected")
	}
	if h.SignalQuality < t.MinSignalQuality {
		reasons = append(reasons, "signal_degraded")
	}
	if h.PacketLoss > t.MaxPacketLoss {
		reasons = append(reasons, "packet_loss_high")
	}
	if t.MaxLatency > 0 && h.Latency > t.MaxLatency {
		reasons = append(reasons, "latency_high")
	}

	switch {
	case len(reasons) == 0:
		return ""
	case len(reasons) >= 3:
		return "critical_degradation"
	default:
		return reasons[0]
	}
}

// classifyReason maps a reason string to the protocol applicability class.
func classifyReason(reason string) domain.ProtocolApplicability {
	switch {
	case containsAny(reason, "jamming", "interference"):
		return domain.ApplicabilityJamming
	case containsAny(reason, "critical", "failure", "emergency"):
		return domain.ApplicabilityEmergency
	default:
		return domain.ApplicabilityDefault
	}
}

func statusReason(status domain.ChannelStatus) string {
	if status == domain.ChannelJammingDetected {
		return "jamming_detected"
	}
	return "channel_failure"
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
