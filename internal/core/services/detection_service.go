package services

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"aegislink/internal/core/domain"
	"aegislink/internal/core/ports"
	"aegislink/pkg/scheduler"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DetectionConfig tunes the threat detection engine.
type DetectionConfig struct {
	HistorySize        int
	DetectionThreshold float64
	BaselineMinQuality float64
}

func DefaultDetectionConfig() DetectionConfig {
	return DetectionConfig{
		HistorySize:        50,
		DetectionThreshold: 0.3,
		BaselineMinQuality: 85,
	}
}

// baseline is the rolling per-drone reference the scoring compares against.
// It is only fed from clean samples, so an attack cannot poison it.
type baseline struct {
	linkQuality    float64
	latency        time.Duration
	signalStrength float64
	samples        int
}

// commBand is a known communication band with the nominal bandwidth of a
// legitimate signal inside it.
type commBand struct {
	minMHz, maxMHz float64
	nominalBWMHz   float64
}

var knownCommBands = []commBand{
	{433.05, 434.79, 0.25},  // C2 uplink
	{902, 928, 1.0},         // telemetry
	{2400, 2483.5, 20},      // video
	{5725, 5875, 20},        // video, high band
}

// DetectionService ingests communication-health samples and spectrum sweeps
// and emits classified threats. Ingest calls never block and return nothing;
// side effects are history mutation and threat emission.
type DetectionService struct {
	cfg     DetectionConfig
	bus     ports.Bus
	metrics ports.Metrics
	logger  *zap.SugaredLogger
	sched   *scheduler.Scheduler

	mu              sync.Mutex
	histories       map[domain.DroneID][]domain.CommunicationHealthSample
	baselines       map[domain.DroneID]*baseline
	threats         map[domain.ThreatID]*domain.Threat
	samplesSeen     int64
	sweepsSeen      int64
	threatsEmitted  int64
	running         bool
	lastBeat        time.Time
	unsubs          []func()

	obsMu     sync.RWMutex
	observers map[int]ports.ThreatObserver
	nextObsID int
}

func NewDetectionService(cfg DetectionConfig, bus ports.Bus, metrics ports.Metrics, logger *zap.SugaredLogger) *DetectionService {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &DetectionService{
		cfg:       cfg,
		bus:       bus,
		metrics:   metrics,
		logger:    logger,
		sched:     scheduler.New(logger),
		histories: make(map[domain.DroneID][]domain.CommunicationHealthSample),
		baselines: make(map[domain.DroneID]*baseline),
		threats:   make(map[domain.ThreatID]*domain.Threat),
		observers: make(map[int]ports.ThreatObserver),
	}
}

func (s *DetectionService) ID() domain.EngineID { return domain.EngineThreatDetection }

func (s *DetectionService) Start(ctx context.Context) error {
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
		{domain.TopicCommHealth, s.onHealthEvent},
		{domain.TopicSpectrum, s.onSpectrumEvent},
		{domain.TopicRFSignal, s.onSpectrumEvent},
		{domain.TopicJammingAlert, s.onJammingAlert},
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

	s.logger.Infow("threat detection engine started")
	return nil
}

func (s *DetectionService) Stop(ctx context.Context) error {
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
	s.logger.Infow("threat detection engine stopped")
	return nil
}

func (s *DetectionService) Configure(params map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := params["detection_threshold"].(float64); ok {
		if v <= 0 || v >= 1 {
			return fmt.Errorf("detection_threshold must be in (0, 1), got %v", v)
		}
		s.cfg.DetectionThreshold = v
	}
	if v, ok := params["baseline_min_quality"].(float64); ok {
		s.cfg.BaselineMinQuality = v
	}
	return nil
}

func (s *DetectionService) Health() domain.EngineHealth {
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
			"samples_processed": s.samplesSeen,
			"sweeps_processed":  s.sweepsSeen,
			"threats_emitted":   s.threatsEmitted,
			"threats_active":    int64(len(s.threats)),
		},
	}
}

// OnThreat registers a threat observer and returns its unsubscribe handle.
// Observers are invoked on a registry snapshot, so a failing observer cannot
// corrupt emission for the others.
func (s *DetectionService) OnThreat(obs ports.ThreatObserver) func() {
	s.obsMu.Lock()
	id := s.nextObsID
	s.nextObsID++
	s.observers[id] = obs
	s.obsMu.Unlock()

	return func() {
		s.obsMu.Lock()
		delete(s.observers, id)
		s.obsMu.Unlock()
	}
}

func (s *DetectionService) ActiveThreats() []*domain.Threat {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*domain.Threat, 0, len(s.threats))
	for _, t := range s.threats {
		out = append(out, t)
	}
	return out
}

// RemoveThreat drops an aged-out threat from the active set. Called by the
// orchestrator's retention sweep only.
func (s *DetectionService) RemoveThreat(id domain.ThreatID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.threats, id)
}

func (s *DetectionService) onHealthEvent(ctx context.Context, evt domain.Event) {
	var sample domain.CommunicationHealthSample
	if err := evt.Decode(&sample); err != nil {
		s.logger.Warnw("failed to decode health sample", "error", err)
		return
	}
	s.IngestHealth(sample)
}

func (s *DetectionService) onSpectrumEvent(ctx context.Context, evt domain.Event) {
	var sample domain.SpectrumSample
	if err := evt.Decode(&sample); err != nil {
		s.logger.Warnw("failed to decode spectrum sample", "error", err)
		return
	}
	s.IngestSpectrum(sample)
}

// onJammingAlert folds threats reported by peer detectors into the active
// set.
func (s *DetectionService) onJammingAlert(ctx context.Context, evt domain.Event) {
	var threat domain.Threat
	if err := evt.Decode(&threat); err != nil {
		s.logger.Warnw("failed to decode jamming alert", "error", err)
		return
	}
	if threat.ID == "" {
		threat.ID = domain.ThreatID(uuid.NewString())
	}
	if threat.DetectedAt.IsZero() {
		threat.DetectedAt = time.Now()
	}
	threat.LastUpdated = time.Now()
	s.emit(&threat)
}

// IngestHealth scores one health sample against the drone's rolling baseline
// and history and emits a threat when the jamming score crosses the
// detection threshold.
func (s *DetectionService) IngestHealth(sample domain.CommunicationHealthSample) {
	if sample.Timestamp.IsZero() {
		sample.Timestamp = time.Now()
	}

	s.mu.Lock()
	s.samplesSeen++
	s.lastBeat = time.Now()

	hist := s.histories[sample.DroneID]
	score, ttype := s.scoreSample(sample, hist)

	hist = append(hist, sample)
	if len(hist) > s.cfg.HistorySize {
		hist = hist[len(hist)-s.cfg.HistorySize:]
	}
	s.histories[sample.DroneID] = hist

	detected := score >= s.cfg.DetectionThreshold

	// Baseline poisoning guard: never learn from a sample taken under
	// attack or below the clean-quality floor.
	if !detected && !sample.JammingDetected && sample.LinkQuality > s.cfg.BaselineMinQuality {
		s.updateBaseline(sample)
	}
	s.mu.Unlock()

	if !detected {
		return
	}

	threat := &domain.Threat{
		ID:              domain.ThreatID(uuid.NewString()),
		Type:            ttype,
		Severity:        domain.SeverityForScore(score),
		DetectedAt:      sample.Timestamp,
		LastUpdated:     time.Now(),
		Confidence:      math.Min(score, 1.0),
		AffectedSystems: []string{"communications"},
		DroneID:         sample.DroneID,
	}
	s.emit(threat)
}

// IngestSpectrum classifies sweep signals against jamming signatures.
// Spectrum evidence is treated as stronger than statistical health
// inference, so matches carry a fixed 0.8 confidence.
func (s *DetectionService) IngestSpectrum(sample domain.SpectrumSample) {
	s.mu.Lock()
	s.sweepsSeen++
	s.lastBeat = time.Now()
	s.mu.Unlock()

	for _, sig := range sample.Signals {
		ttype, match := classifySignal(sig)
		if !match {
			continue
		}
		threat := &domain.Threat{
			ID:              domain.ThreatID(uuid.NewString()),
			Type:            ttype,
			Severity:        severityForSignal(sig),
			DetectedAt:      sample.Timestamp,
			LastUpdated:     time.Now(),
			Confidence:      0.8,
			AffectedSystems: []string{"communications"},
			FrequencyMHz:    sig.FrequencyMHz,
		}
		s.emit(threat)
	}
}

// emit stores the threat, fans it out to observers, and republishes it on
// the bus. Repeat detections of the same drone/type at the same severity
// only refresh LastUpdated.
func (s *DetectionService) emit(threat *domain.Threat) {
	s.mu.Lock()
	for _, existing := range s.threats {
		if existing.DroneID == threat.DroneID && existing.Type == threat.Type &&
			existing.FrequencyMHz == threat.FrequencyMHz {
			if threat.Severity.Rank() <= existing.Severity.Rank() {
				existing.LastUpdated = time.Now()
				s.mu.Unlock()
				return
			}
			// Escalation replaces the record and re-emits.
			delete(s.threats, existing.ID)
			break
		}
	}
	s.threats[threat.ID] = threat
	s.threatsEmitted++
	active := len(s.threats)
	s.mu.Unlock()

	s.metrics.ThreatDetected(threat.Type, threat.Severity)
	s.metrics.ActiveThreats(active)

	s.logger.Warnw("threat detected",
		"threat_id", threat.ID,
		"type", threat.Type,
		"severity", threat.Severity,
		"confidence", threat.Confidence,
		"drone_id", threat.DroneID,
	)

	s.obsMu.RLock()
	observers := make([]ports.ThreatObserver, 0, len(s.observers))
	for _, obs := range s.observers {
		observers = append(observers, obs)
	}
	s.obsMu.RUnlock()
	for _, obs := range observers {
		obs(threat)
	}

	if err := s.bus.Publish(context.Background(), domain.NewEvent(domain.TopicThreatDetected, threat)); err != nil {
		s.logger.Errorw("failed to publish threat", "threat_id", threat.ID, "error", err)
	}
}

// scoreSample computes the weighted additive jamming score, capped at 1.0.
// Called with the mutex held; hist excludes the current sample.
func (s *DetectionService) scoreSample(sample domain.CommunicationHealthSample, hist []domain.CommunicationHealthSample) (float64, domain.ThreatType) {
	score := 0.0
	ttype := domain.ThreatJamming

	bl := s.baselines[sample.DroneID]
	if bl != nil && bl.samples > 0 {
		if bl.linkQuality > 0 {
			drop := (bl.linkQuality - sample.LinkQuality) / bl.linkQuality
			switch {
			case drop >= 0.7:
				score += 0.4
			case drop >= 0.5:
				score += 0.3
			case drop >= 0.3:
				score += 0.2
			case drop >= 0.15:
				score += 0.1
			}
		}
		if bl.latency > 0 && sample.Latency > 0 {
			ratio := float64(sample.Latency) / float64(bl.latency)
			switch {
			case ratio >= 3:
				score += 0.15
			case ratio >= 2:
				score += 0.1
			}
		}
		if drop := bl.signalStrength - sample.SignalStrength; drop >= 20 {
			score += 0.15
		} else if drop >= 10 {
			score += 0.08
		}
	}

	switch {
	case sample.PacketLoss >= 0.3:
		score += 0.25
	case sample.PacketLoss >= 0.15:
		score += 0.15
	case sample.PacketLoss >= 0.05:
		score += 0.05
	}

	switch {
	case sample.BitErrorRate >= 0.1:
		score += 0.15
	case sample.BitErrorRate >= 0.01:
		score += 0.08
	}

	if sample.JammingDetected {
		score += 0.35
		if t := threatTypeForRadioReport(sample.JammingType); t != "" {
			ttype = t
		}
	}

	if bonus, patternType := s.temporalAnalysis(sample, hist); bonus > 0 {
		score += bonus
		if patternType != "" {
			ttype = patternType
		}
	}

	return math.Min(score, 1.0), ttype
}

// temporalAnalysis inspects the rolling window for jammer signatures. Fires
// only once at least 5 historical samples exist.
func (s *DetectionService) temporalAnalysis(sample domain.CommunicationHealthSample, hist []domain.CommunicationHealthSample) (float64, domain.ThreatType) {
	if len(hist) < 5 {
		return 0, ""
	}

	bonus := 0.0
	var ttype domain.ThreatType

	qualities := make([]float64, 0, len(hist)+1)
	strengths := make([]float64, 0, len(hist)+1)
	for _, h := range hist {
		qualities = append(qualities, h.LinkQuality)
		strengths = append(strengths, h.SignalStrength)
	}
	qualities = append(qualities, sample.LinkQuality)
	strengths = append(strengths, sample.SignalStrength)

	if detectPeriodic(qualities) {
		bonus += 0.15
		ttype = domain.ThreatPulseJamming
	}
	if detectSweep(strengths) {
		bonus += 0.12
		if ttype == "" {
			ttype = domain.ThreatSweepJamming
		}
	}
	if detectSuddenOnset(qualities) {
		bonus += 0.2
	}
	if detectFrequencySelective(hist, sample) {
		bonus += 0.1
		if ttype == "" {
			ttype = domain.ThreatSpotJamming
		}
	}

	return bonus, ttype
}

// detectPeriodic correlates quality values at fixed lag offsets; a window
// where >=70% of lagged pairs land close together signals a pulsed jammer.
func detectPeriodic(qualities []float64) bool {
	for lag := 2; lag <= 5; lag++ {
		if len(qualities) <= lag+2 {
			continue
		}
		matches, total := 0, 0
		for i := lag; i < len(qualities); i++ {
			total++
			if math.Abs(qualities[i]-qualities[i-lag]) <= 10 {
				matches++
			}
		}
		if total >= 3 && float64(matches)/float64(total) >= 0.7 {
			// A flat window also correlates at every lag; require real
			// excursions before calling it periodic.
			if spread(qualities) >= 20 {
				return true
			}
		}
	}
	return false
}

// detectSweep looks for V-shaped signal-strength excursions: a drop of at
// least 5 dBm followed by a recovery of at least 3. Two or more signal a
// sweeping jammer passing through the channel.
func detectSweep(strengths []float64) bool {
	count := 0
	for i := 1; i < len(strengths)-1; i++ {
		if strengths[i-1]-strengths[i] >= 5 && strengths[i+1]-strengths[i] >= 3 {
			count++
		}
	}
	return count >= 2
}

// detectSuddenOnset fires when the current quality is more than 40% below
// the 3-sample trailing average.
func detectSuddenOnset(qualities []float64) bool {
	n := len(qualities)
	if n < 4 {
		return false
	}
	avg := (qualities[n-2] + qualities[n-3] + qualities[n-4]) / 3
	return avg > 0 && qualities[n-1] < avg*0.6
}

// detectFrequencySelective fires on sustained moderate error rate without
// total link loss across most of the window, typical of a spot jammer
// sitting on part of the band.
func detectFrequencySelective(hist []domain.CommunicationHealthSample, sample domain.CommunicationHealthSample) bool {
	window := append(append([]domain.CommunicationHealthSample{}, hist...), sample)
	hits := 0
	for _, h := range window {
		if h.BitErrorRate >= 0.01 && h.BitErrorRate <= 0.2 && h.LinkQuality > 30 {
			hits++
		}
	}
	return float64(hits)/float64(len(window)) > 0.6
}

func spread(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	lo, hi := values[0], values[0]
	for _, v := range values[1:] {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	return hi - lo
}

// updateBaseline folds a clean sample into the drone's EWMA baseline.
// Called with the mutex held.
func (s *DetectionService) updateBaseline(sample domain.CommunicationHealthSample) {
	bl := s.baselines[sample.DroneID]
	if bl == nil {
		s.baselines[sample.DroneID] = &baseline{
			linkQuality:    sample.LinkQuality,
			latency:        sample.Latency,
			signalStrength: sample.SignalStrength,
			samples:        1,
		}
		return
	}
	const alpha = 0.1
	bl.linkQuality = bl.linkQuality*(1-alpha) + sample.LinkQuality*alpha
	bl.latency = time.Duration(float64(bl.latency)*(1-alpha) + float64(sample.Latency)*alpha)
	bl.signalStrength = bl.signalStrength*(1-alpha) + sample.SignalStrength*alpha
	bl.samples++
}

// classifySignal decides whether a sweep signal matches a jamming signature.
func classifySignal(sig domain.DetectedSignal) (domain.ThreatType, bool) {
	if sig.Strength <= -60 {
		return "", false
	}

	hostile := sig.Classification == domain.SignalHostile || sig.Classification == domain.SignalUnknown
	for _, band := range knownCommBands {
		if sig.FrequencyMHz >= band.minMHz && sig.FrequencyMHz <= band.maxMHz {
			if sig.BandwidthMHz > band.nominalBWMHz*2 || hostile {
				if sig.BandwidthMHz > 10 {
					return domain.ThreatBarrageJamming, true
				}
				return domain.ThreatSpotJamming, true
			}
			return "", false
		}
	}

	// Wide and noisy outside any known band: barrage characteristics.
	if sig.BandwidthMHz > 50 && sig.SNR < 5 {
		return domain.ThreatBarrageJamming, true
	}
	return "", false
}

func severityForSignal(sig domain.DetectedSignal) domain.Severity {
	switch {
	case sig.Strength > -30:
		return domain.SeverityCritical
	case sig.Strength > -45:
		return domain.SeverityHigh
	default:
		return domain.SeverityMedium
	}
}

func threatTypeForRadioReport(reported string) domain.ThreatType {
	switch reported {
	case "barrage":
		return domain.ThreatBarrageJamming
	case "spot":
		return domain.ThreatSpotJamming
	case "sweep":
		return domain.ThreatSweepJamming
	case "pulse":
		return domain.ThreatPulseJamming
	case "spoofing":
		return domain.ThreatSpoofing
	}
	return ""
}
