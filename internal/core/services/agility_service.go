package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"aegislink/internal/core/domain"
	"aegislink/internal/core/ports"
	"aegislink/pkg/scheduler"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// AgilityConfig tunes the frequency agility engine.
type AgilityConfig struct {
	DefaultBand     string
	SequenceLength  int
	DefaultDwell    time.Duration
	SwitchDelay     time.Duration // coordination delay before a pattern switch takes local effect
	ResyncPerMinute float64       // resync-command budget per drone population
}

func DefaultAgilityConfig() AgilityConfig {
	return AgilityConfig{
		DefaultBand:     "ism2400",
		SequenceLength:  64,
		DefaultDwell:    2 * time.Second,
		SwitchDelay:     5 * time.Second,
		ResyncPerMinute: 12,
	}
}

func defaultBands() map[string]domain.FrequencyBand {
	return map[string]domain.FrequencyBand{
		"c2":      {Name: "c2", MinMHz: 433.05, MaxMHz: 434.79, SpacingMHz: 0.05},
		"ism900":  {Name: "ism900", MinMHz: 902, MaxMHz: 928, SpacingMHz: 0.5},
		"ism2400": {Name: "ism2400", MinMHz: 2400, MaxMHz: 2483, SpacingMHz: 1},
	}
}

// AgilityService generates frequency-hopping patterns and drives per-drone
// hop timing and synchronization.
type AgilityService struct {
	cfg     AgilityConfig
	bus     ports.Bus
	metrics ports.Metrics
	logger  *zap.SugaredLogger
	sched   *scheduler.Scheduler
	resyncs *rate.Limiter

	mu             sync.Mutex
	bands          map[string]domain.FrequencyBand
	patterns       map[domain.PatternID]*domain.FrequencyHoppingPattern
	drones         map[domain.DroneID]*domain.DroneHopState
	currentPattern domain.PatternID
	hopTask        *scheduler.Task
	hopping        bool
	running        bool
	lastBeat       time.Time
	unsubs         []func()

	hops       int64
	collisions int64
	syncLosses int64
}

func NewAgilityService(cfg AgilityConfig, bus ports.Bus, metrics ports.Metrics, logger *zap.SugaredLogger) *AgilityService {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	perSecond := cfg.ResyncPerMinute / 60
	if perSecond <= 0 {
		perSecond = 0.2
	}
	return &AgilityService{
		cfg:      cfg,
		bus:      bus,
		metrics:  metrics,
		logger:   logger,
		sched:    scheduler.New(logger),
		resyncs:  rate.NewLimiter(rate.Limit(perSecond), 3),
		bands:    defaultBands(),
		patterns: make(map[domain.PatternID]*domain.FrequencyHoppingPattern),
		drones:   make(map[domain.DroneID]*domain.DroneHopState),
	}
}

func (s *AgilityService) ID() domain.EngineID { return domain.EngineFrequencyAgility }

func (s *AgilityService) Start(ctx context.Context) error {
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
		{domain.TopicHopAck, s.onHopAck},
		{domain.TopicHopActivate, s.onActivate},
		{domain.TopicPatternUpdate, s.onPatternUpdate},
		{domain.TopicHopSync, s.onSyncRequest},
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

	s.sched.Every("heartbeat", time.Second, func(context.Context) {
		s.mu.Lock()
		s.lastBeat = time.Now()
		s.mu.Unlock()
	})

	s.logger.Infow("frequency agility engine started")
	return nil
}

func (s *AgilityService) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	unsubs := s.unsubs
	s.unsubs = nil
	s.mu.Unlock()

	if err := s.StopHopping(ctx); err != nil {
		s.logger.Warnw("failed to stop hopping cleanly", "error", err)
	}
	for _, unsub := range unsubs {
		unsub()
	}
	s.sched.Stop()
	s.logger.Infow("frequency agility engine stopped")
	return nil
}

func (s *AgilityService) Configure(params map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := params["sequence_length"].(float64); ok {
		if v < 1 {
			return fmt.Errorf("sequence_length must be >= 1, got %v", v)
		}
		s.cfg.SequenceLength = int(v)
	}
	if v, ok := params["switch_delay_seconds"].(float64); ok {
		if v <= 0 {
			return fmt.Errorf("switch_delay_seconds must be > 0, got %v", v)
		}
		s.cfg.SwitchDelay = time.Duration(v * float64(time.Second))
	}
	return nil
}

func (s *AgilityService) Health() domain.EngineHealth {
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
			"hops":        s.hops,
			"collisions":  s.collisions,
			"sync_losses": s.syncLosses,
			"patterns":    int64(len(s.patterns)),
			"drones":      int64(len(s.drones)),
		},
	}
}

// CreatePattern enumerates the band's frequencies and generates the hop
// index sequence. A zero seed requests a random one; the same non-zero seed
// always produces an identical pattern.
func (s *AgilityService) CreatePattern(ctx context.Context, name, band string, length int, dwell time.Duration, seed uint32) (*domain.FrequencyHoppingPattern, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if band == "" {
		band = s.cfg.DefaultBand
	}
	b, ok := s.bands[band]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrBandNotFound, band)
	}
	if length <= 0 {
		length = s.cfg.SequenceLength
	}
	if dwell <= 0 {
		dwell = s.cfg.DefaultDwell
	}
	if seed == 0 {
		seed = randomSeed()
	}

	freqs := enumerateFrequencies(b)
	if len(freqs) == 0 {
		return nil, fmt.Errorf("band %s has no hoppable frequencies", band)
	}

	pattern := &domain.FrequencyHoppingPattern{
		ID:          domain.PatternID(uuid.NewString()),
		Name:        name,
		Band:        band,
		Frequencies: freqs,
		HopSequence: generateHopSequence(seed, length, len(freqs)),
		DwellTime:   dwell,
		SyncWord:    seed ^ 0x5A5A5A5A,
		Key:         randomKey(),
		Seed:        seed,
		CreatedAt:   time.Now(),
	}
	s.patterns[pattern.ID] = pattern

	s.logger.Infow("hopping pattern created",
		"pattern_id", pattern.ID,
		"name", name,
		"band", band,
		"channels", len(freqs),
		"dwell", dwell,
	)
	return pattern, nil
}

// StartHopping activates a pattern for a drone set. Each drone starts at its
// own deterministic offset into the sequence.
func (s *AgilityService) StartHopping(ctx context.Context, patternID domain.PatternID, droneIDs []domain.DroneID) error {
	s.mu.Lock()
	pattern, ok := s.patterns[patternID]
	if !ok {
		s.mu.Unlock()
		s.logger.Errorw("start hopping rejected", "pattern_id", patternID, "error", "unknown pattern")
		return fmt.Errorf("%w: %s", domain.ErrPatternNotFound, patternID)
	}

	now := time.Now()
	var cmds []domain.HopCommand
	for _, droneID := range droneIDs {
		st := s.attachDroneLocked(droneID, pattern, now)
		cmds = append(cmds, domain.HopCommand{
			Action:         domain.HopStart,
			DroneID:        droneID,
			FrequencyMHz:   st.CurrentFrequency,
			SequenceNumber: st.SequenceIndex,
			Pattern: &domain.PatternParams{
				PatternID:   pattern.ID,
				Frequencies: pattern.Frequencies,
				HopSequence: pattern.HopSequence,
				DwellTime:   pattern.DwellTime,
				SyncWord:    pattern.SyncWord,
			},
		})
	}
	s.currentPattern = patternID
	s.hopping = true
	s.restartHopLoopLocked()
	s.mu.Unlock()

	for _, cmd := range cmds {
		s.publishHop(ctx, cmd)
	}
	s.logger.Infow("hopping started", "pattern_id", patternID, "drones", len(droneIDs))
	return nil
}

// StopHopping deactivates hopping for all drones.
func (s *AgilityService) StopHopping(ctx context.Context) error {
	s.mu.Lock()
	if !s.hopping {
		s.mu.Unlock()
		return nil
	}
	s.hopping = false
	droneIDs := make([]domain.DroneID, 0, len(s.drones))
	for id := range s.drones {
		droneIDs = append(droneIDs, id)
	}
	s.drones = make(map[domain.DroneID]*domain.DroneHopState)
	task := s.hopTask
	s.hopTask = nil
	s.mu.Unlock()

	if task != nil {
		task.Stop()
	}
	for _, droneID := range droneIDs {
		s.publishHop(ctx, domain.HopCommand{Action: domain.HopStop, DroneID: droneID})
	}
	s.logger.Infow("hopping stopped", "drones", len(droneIDs))
	return nil
}

// AddDrone attaches a drone to the currently active pattern.
func (s *AgilityService) AddDrone(ctx context.Context, droneID domain.DroneID) error {
	s.mu.Lock()
	if !s.hopping || s.currentPattern == "" {
		s.mu.Unlock()
		return domain.ErrNotRunning
	}
	pattern := s.patterns[s.currentPattern]
	st := s.attachDroneLocked(droneID, pattern, time.Now())
	cmd := domain.HopCommand{
		Action:         domain.HopStart,
		DroneID:        droneID,
		FrequencyMHz:   st.CurrentFrequency,
		SequenceNumber: st.SequenceIndex,
		Pattern: &domain.PatternParams{
			PatternID:   pattern.ID,
			Frequencies: pattern.Frequencies,
			HopSequence: pattern.HopSequence,
			DwellTime:   pattern.DwellTime,
			SyncWord:    pattern.SyncWord,
		},
	}
	s.mu.Unlock()

	s.publishHop(ctx, cmd)
	return nil
}

// RemoveDrone detaches a drone from hopping.
func (s *AgilityService) RemoveDrone(ctx context.Context, droneID domain.DroneID) error {
	s.mu.Lock()
	_, ok := s.drones[droneID]
	delete(s.drones, droneID)
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrDroneNotFound, droneID)
	}
	s.publishHop(ctx, domain.HopCommand{Action: domain.HopStop, DroneID: droneID})
	return nil
}

// SwitchPattern coordinates a synchronized pattern change at a fixed future
// time: the command carries the switch timestamp, and local state follows
// after the coordination delay so command-delivery jitter is tolerated.
func (s *AgilityService) SwitchPattern(ctx context.Context, newPatternID domain.PatternID, droneIDs []domain.DroneID) error {
	s.mu.Lock()
	pattern, ok := s.patterns[newPatternID]
	if !ok {
		s.mu.Unlock()
		s.logger.Errorw("pattern switch rejected", "pattern_id", newPatternID, "error", "unknown pattern")
		return fmt.Errorf("%w: %s", domain.ErrPatternNotFound, newPatternID)
	}
	if len(droneIDs) == 0 {
		for id := range s.drones {
			droneIDs = append(droneIDs, id)
		}
	}
	delay := s.cfg.SwitchDelay
	s.mu.Unlock()

	switchAt := time.Now().Add(delay)
	evt := domain.NewEvent(domain.TopicPatternSwitch, domain.PatternSwitchCommand{
		DroneIDs:     droneIDs,
		NewPatternID: newPatternID,
		SwitchAt:     switchAt,
	})
	if err := s.bus.Publish(ctx, evt); err != nil {
		s.logger.Errorw("failed to publish pattern switch", "pattern_id", newPatternID, "error", err)
	}

	s.sched.After("pattern_switch", delay, func(context.Context) {
		s.mu.Lock()
		defer s.mu.Unlock()
		now := time.Now()
		for _, droneID := range droneIDs {
			if _, exists := s.drones[droneID]; exists {
				s.attachDroneLocked(droneID, pattern, now)
			}
		}
		s.currentPattern = newPatternID
		s.restartHopLoopLocked()
		s.logger.Infow("pattern switch applied", "pattern_id", newPatternID, "drones", len(droneIDs))
	})

	s.logger.Infow("pattern switch scheduled", "pattern_id", newPatternID, "switch_at", switchAt)
	return nil
}

// HandleHopAck marks a drone synced when the acknowledged hop matches its
// current sequence position.
func (s *AgilityService) HandleHopAck(ack domain.HopAck) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.drones[ack.DroneID]
	if !ok {
		return
	}
	diff := st.SequenceIndex - ack.SequenceNumber
	if diff < 0 {
		diff = -diff
	}
	if diff <= 1 {
		st.Sync = domain.SyncSynced
		st.LastAckAt = time.Now()
	}
}

// DroneStates returns a copy of all runtime hop states.
func (s *AgilityService) DroneStates() map[domain.DroneID]domain.DroneHopState {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[domain.DroneID]domain.DroneHopState, len(s.drones))
	for id, st := range s.drones {
		out[id] = *st
	}
	return out
}

// attachDroneLocked installs fresh hop state for a drone under a pattern.
func (s *AgilityService) attachDroneLocked(droneID domain.DroneID, pattern *domain.FrequencyHoppingPattern, now time.Time) *domain.DroneHopState {
	offset := droneOffset(droneID, pattern)
	st := &domain.DroneHopState{
		DroneID:          droneID,
		PatternID:        pattern.ID,
		SequenceIndex:    offset,
		CurrentFrequency: pattern.Frequencies[pattern.HopSequence[offset%len(pattern.HopSequence)]],
		NextHopAt:        now.Add(pattern.DwellTime),
		LastAckAt:        now,
		Sync:             domain.SyncSyncing,
	}
	s.drones[droneID] = st
	return st
}

// restartHopLoopLocked (re)starts the shared hop timer at one quarter of the
// smallest dwell time across patterns in use.
func (s *AgilityService) restartHopLoopLocked() {
	minDwell := time.Duration(0)
	for _, st := range s.drones {
		if pat, ok := s.patterns[st.PatternID]; ok {
			if minDwell == 0 || pat.DwellTime < minDwell {
				minDwell = pat.DwellTime
			}
		}
	}
	if minDwell == 0 {
		minDwell = s.cfg.DefaultDwell
	}
	interval := minDwell / 4
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	s.hopTask = s.sched.Every("hop_loop", interval, s.hopTick)
}

// hopTick advances every drone whose hop deadline elapsed, counts frequency
// collisions, and checks per-drone sync tolerance. Collisions are an
// observability signal only; they never block the hop.
func (s *AgilityService) hopTick(ctx context.Context) {
	now := time.Now()

	s.mu.Lock()
	if !s.hopping {
		s.mu.Unlock()
		return
	}
	s.lastBeat = now

	occupied := make(map[float64][]domain.DroneID)
	var hopCmds []domain.HopCommand
	var resyncCmds []domain.ResyncCommand

	for droneID, st := range s.drones {
		pattern, ok := s.patterns[st.PatternID]
		if !ok {
			continue
		}

		if !now.Before(st.NextHopAt) {
			st.SequenceIndex++
			pos := pattern.HopSequence[st.SequenceIndex%len(pattern.HopSequence)]
			st.CurrentFrequency = pattern.Frequencies[pos]
			st.NextHopAt = now.Add(pattern.DwellTime)
			st.HopCount++
			s.hops++
			s.metrics.HopExecuted(pattern.ID)

			hopCmds = append(hopCmds, domain.HopCommand{
				Action:         domain.HopStep,
				DroneID:        droneID,
				FrequencyMHz:   st.CurrentFrequency,
				SequenceNumber: st.SequenceIndex,
			})
		}

		occupied[st.CurrentFrequency] = append(occupied[st.CurrentFrequency], droneID)

		tolerance := pattern.DwellTime + pattern.DwellTime/10
		if st.Sync != domain.SyncLost && now.Sub(st.LastAckAt) > tolerance {
			st.Sync = domain.SyncLost
			st.SyncLosses++
			s.syncLosses++
			s.metrics.SyncLoss(droneID)
			if s.resyncs.Allow() {
				resyncCmds = append(resyncCmds, domain.ResyncCommand{
					DroneID:       droneID,
					PatternID:     pattern.ID,
					SequenceIndex: st.SequenceIndex,
					SyncWord:      pattern.SyncWord,
				})
				st.Sync = domain.SyncSyncing
				st.LastAckAt = now
			}
		}
	}

	for _, droneIDs := range occupied {
		if len(droneIDs) > 1 {
			s.collisions += int64(len(droneIDs) - 1)
			if pat, ok := s.patterns[s.currentPattern]; ok {
				s.metrics.HopCollision(pat.ID)
			}
		}
	}
	s.mu.Unlock()

	for _, cmd := range hopCmds {
		s.publishHop(ctx, cmd)
	}
	for _, cmd := range resyncCmds {
		evt := domain.NewEvent(domain.TopicResyncCommand, cmd)
		if err := s.bus.Publish(ctx, evt); err != nil {
			s.logger.Errorw("failed to publish resync", "drone_id", cmd.DroneID, "error", err)
		}
	}
}

func (s *AgilityService) publishHop(ctx context.Context, cmd domain.HopCommand) {
	evt := domain.NewEvent(domain.TopicHopCommand, cmd)
	if err := s.bus.Publish(ctx, evt); err != nil {
		s.logger.Errorw("failed to publish hop command",
			"drone_id", cmd.DroneID,
			"action", cmd.Action,
			"error", err,
		)
	}
}

func (s *AgilityService) onHopAck(ctx context.Context, evt domain.Event) {
	var ack domain.HopAck
	if err := evt.Decode(&ack); err != nil {
		s.logger.Warnw("failed to decode hop ack", "error", err)
		return
	}
	s.HandleHopAck(ack)
}

func (s *AgilityService) onActivate(ctx context.Context, evt domain.Event) {
	var req struct {
		PatternID domain.PatternID `json:"pattern_id"`
		DroneIDs  []domain.DroneID `json:"drone_ids"`
	}
	if err := evt.Decode(&req); err != nil {
		s.logger.Warnw("failed to decode activation request", "error", err)
		return
	}
	if err := s.StartHopping(ctx, req.PatternID, req.DroneIDs); err != nil {
		s.logger.Errorw("activation request failed", "pattern_id", req.PatternID, "error", err)
	}
}

func (s *AgilityService) onPatternUpdate(ctx context.Context, evt domain.Event) {
	var req domain.PatternSwitchCommand
	if err := evt.Decode(&req); err != nil {
		s.logger.Warnw("failed to decode pattern update", "error", err)
		return
	}
	if err := s.SwitchPattern(ctx, req.NewPatternID, req.DroneIDs); err != nil {
		s.logger.Errorw("pattern update failed", "pattern_id", req.NewPatternID, "error", err)
	}
}

// onSyncRequest re-sends sync parameters for one drone on request.
func (s *AgilityService) onSyncRequest(ctx context.Context, evt domain.Event) {
	var req struct {
		DroneID domain.DroneID `json:"drone_id"`
	}
	if err := evt.Decode(&req); err != nil {
		s.logger.Warnw("failed to decode sync request", "error", err)
		return
	}

	s.mu.Lock()
	st, ok := s.drones[req.DroneID]
	var cmd *domain.ResyncCommand
	if ok {
		if pattern, exists := s.patterns[st.PatternID]; exists {
			cmd = &domain.ResyncCommand{
				DroneID:       req.DroneID,
				PatternID:     pattern.ID,
				SequenceIndex: st.SequenceIndex,
				SyncWord:      pattern.SyncWord,
			}
		}
	}
	s.mu.Unlock()

	if cmd == nil {
		return
	}
	if err := s.bus.Publish(ctx, domain.NewEvent(domain.TopicResyncCommand, *cmd)); err != nil {
		s.logger.Errorw("failed to publish resync", "drone_id", req.DroneID, "error", err)
	}
}
