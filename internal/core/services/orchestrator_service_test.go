package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"aegislink/internal/core/domain"
	"aegislink/internal/core/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func testOrchestratorConfig() OrchestratorConfig {
	// Long intervals keep the scheduler quiet so tests drive the poll and
	// cleanup paths directly.
	return OrchestratorConfig{
		StartupDelay:      time.Millisecond,
		SettleDelay:       time.Millisecond,
		ShutdownDelay:     time.Millisecond,
		HealthInterval:    time.Hour,
		BroadcastInterval: time.Hour,
		RecoveryCooldown:  time.Hour,
		AutoRecovery:      true,
		ThreatRetention:   30 * time.Minute,
		CleanupInterval:   time.Hour,
	}
}

type orchestratorFixture struct {
	orch     *OrchestratorService
	detector *DetectionService
	agility  *AgilityService
	fallback *FallbackService
	bus      *stubBus
}

func newOrchestratorFixture(t *testing.T) *orchestratorFixture {
	t.Helper()
	bus := newStubBus()
	lg := zaptest.NewLogger(t).Sugar()

	detector := NewDetectionService(DefaultDetectionConfig(), bus, nil, lg)
	agility := NewAgilityService(DefaultAgilityConfig(), bus, nil, lg)
	fallback := NewFallbackService(DefaultFallbackConfig(), bus, nil, lg)
	orch := NewOrchestratorService(testOrchestratorConfig(), bus, nil, lg, detector, agility, fallback)

	t.Cleanup(func() { orch.StopAll(context.Background()) })
	return &orchestratorFixture{orch: orch, detector: detector, agility: agility, fallback: fallback, bus: bus}
}

func systemEventNames(t *testing.T, bus *stubBus) []string {
	t.Helper()
	var names []string
	for _, evt := range bus.eventsOf(domain.TopicSystemEvent) {
		var se domain.SystemEvent
		require.NoError(t, evt.Decode(&se))
		names = append(names, se.Name)
	}
	return names
}

func TestOrchestratorService_StartStopLifecycle(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()

	require.NoError(t, f.orch.StartAll(ctx))

	healths := f.orch.EngineHealths()
	require.Len(t, healths, 3)
	for id, h := range healths {
		assert.Equal(t, domain.EngineOperational, h.Status, "engine %s", id)
	}
	assert.Equal(t, domain.EngineOperational, f.orch.Snapshot().Overall)
	assert.Contains(t, systemEventNames(t, f.bus), "system_started")

	// Starting twice is idempotent.
	require.NoError(t, f.orch.StartAll(ctx))

	require.NoError(t, f.orch.StopAll(ctx))
	for id, h := range f.orch.EngineHealths() {
		assert.Equal(t, domain.EngineStopped, h.Status, "engine %s", id)
	}
	assert.Equal(t, domain.EngineStopped, f.orch.Snapshot().Overall)
	assert.Contains(t, systemEventNames(t, f.bus), "system_stopped")
}

// failingAgility wraps the real engine with a start that always errors.
type failingAgility struct {
	ports.FrequencyAgility
	err error
}

func (f *failingAgility) Start(ctx context.Context) error { return f.err }

func TestOrchestratorService_StartupFailureAborts(t *testing.T) {
	bus := newStubBus()
	lg := zaptest.NewLogger(t).Sugar()

	detector := NewDetectionService(DefaultDetectionConfig(), bus, nil, lg)
	agility := &failingAgility{
		FrequencyAgility: NewAgilityService(DefaultAgilityConfig(), bus, nil, lg),
		err:              errors.New("radio front-end unavailable"),
	}
	fallback := NewFallbackService(DefaultFallbackConfig(), bus, nil, lg)
	orch := NewOrchestratorService(testOrchestratorConfig(), bus, nil, lg, detector, agility, fallback)

	err := orch.StartAll(context.Background())
	require.Error(t, err)

	// The engines that did start are rolled back, the failing one is marked.
	healths := orch.EngineHealths()
	assert.Equal(t, domain.EngineStopped, healths[domain.EngineThreatDetection].Status)
	assert.Equal(t, domain.EngineStopped, healths[domain.EngineChannelFallback].Status)
	assert.Equal(t, domain.EngineFailed, healths[domain.EngineFrequencyAgility].Status)

	names := systemEventNames(t, bus)
	var failures int
	for _, name := range names {
		if name == "startup_failed" {
			failures++
		}
	}
	assert.Equal(t, 1, failures)
	assert.NotContains(t, names, "system_started")
}

func TestOrchestratorService_HandleCommand(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()

	require.NoError(t, f.orch.HandleCommand(ctx, domain.SystemCommand{Command: domain.CommandStartSystem}))
	assert.Equal(t, domain.EngineOperational, f.orch.Snapshot().Overall)

	// Engine-scoped restart.
	require.NoError(t, f.orch.HandleCommand(ctx, domain.SystemCommand{
		Command:  domain.CommandRestartSystem,
		EngineID: domain.EngineThreatDetection,
	}))
	assert.Equal(t, domain.EngineOperational, f.orch.EngineHealths()[domain.EngineThreatDetection].Status)

	// Configure routes to the named engine.
	require.NoError(t, f.orch.HandleCommand(ctx, domain.SystemCommand{
		Command:  domain.CommandConfigureSystem,
		EngineID: domain.EngineFrequencyAgility,
		Params:   map[string]any{"sequence_length": float64(128)},
	}))
	assert.Equal(t, 128, f.agility.cfg.SequenceLength)

	err := f.orch.HandleCommand(ctx, domain.SystemCommand{
		Command:  domain.CommandConfigureSystem,
		EngineID: "no-such-engine",
	})
	assert.ErrorIs(t, err, domain.ErrEngineNotFound)

	assert.Error(t, f.orch.HandleCommand(ctx, domain.SystemCommand{Command: "self_destruct"}))
}

func TestOrchestratorService_ThreatConsolidationAndCountermeasures(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()

	require.NoError(t, f.fallback.RegisterDrone("d1", "uhf-primary", []domain.ChannelID{"uhf-backup", "satcom-emergency"}))
	require.NoError(t, f.orch.StartAll(ctx))

	f.detector.emit(&domain.Threat{
		ID:           "t1",
		Type:         domain.ThreatSpotJamming,
		Severity:     domain.SeverityCritical,
		DroneID:      "d1",
		FrequencyMHz: 915,
		Confidence:   0.9,
	})

	require.Eventually(t, func() bool {
		threats := f.orch.ConsolidatedThreats()
		return len(threats) == 1 && len(threats[0].Countermeasures) == 2
	}, 2*time.Second, 10*time.Millisecond)

	threats := f.orch.ConsolidatedThreats()
	assert.Contains(t, threats[0].Countermeasures, domain.CountermeasureFrequencyHopping)
	assert.Contains(t, threats[0].Countermeasures, domain.CountermeasureBackupChannels)

	// The drone was moved off the jammed frequency and onto a hopping pattern.
	state, err := f.fallback.DroneState("d1")
	require.NoError(t, err)
	assert.Equal(t, domain.ChannelID("uhf-backup"), state.Active)
	assert.Contains(t, f.agility.DroneStates(), domain.DroneID("d1"))

	snap := f.orch.Snapshot()
	assert.Equal(t, domain.SeverityCritical, snap.ThreatLevel)
	assert.Equal(t, 1, snap.ActiveThreats)
	assert.Equal(t, 2, snap.ActiveCountermeasures)
}

func TestOrchestratorService_LowSeverityThreatSkipsCountermeasures(t *testing.T) {
	f := newOrchestratorFixture(t)
	require.NoError(t, f.orch.StartAll(context.Background()))

	f.detector.emit(&domain.Threat{
		ID:       "t1",
		Type:     domain.ThreatSpotJamming,
		Severity: domain.SeverityLow,
		DroneID:  "d1",
	})

	require.Eventually(t, func() bool {
		return len(f.orch.ConsolidatedThreats()) == 1
	}, time.Second, 10*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, f.orch.ConsolidatedThreats()[0].Countermeasures)
}

func TestOrchestratorService_CleanupExpiredThreats(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()
	require.NoError(t, f.orch.StartAll(ctx))

	f.orch.onThreat(&domain.Threat{
		ID:          "stale",
		Type:        domain.ThreatSpoofing,
		Severity:    domain.SeverityLow,
		LastUpdated: time.Now().Add(-time.Hour),
	})
	f.orch.onThreat(&domain.Threat{
		ID:          "fresh",
		Type:        domain.ThreatSpoofing,
		Severity:    domain.SeverityLow,
		LastUpdated: time.Now(),
	})

	f.orch.cleanupThreats(ctx)

	threats := f.orch.ConsolidatedThreats()
	require.Len(t, threats, 1)
	assert.Equal(t, domain.ThreatID("fresh"), threats[0].ID)
}

func TestOrchestratorService_CleanupKeepsRedetectedThreats(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()
	require.NoError(t, f.orch.StartAll(ctx))

	// The detector's record stays fresh through repeat detections while the
	// consolidated copy keeps its original timestamp.
	f.detector.emit(&domain.Threat{
		ID:          "live",
		Type:        domain.ThreatSpotJamming,
		Severity:    domain.SeverityLow,
		DroneID:     "d1",
		LastUpdated: time.Now(),
	})
	f.orch.onThreat(&domain.Threat{
		ID:              "live",
		Type:            domain.ThreatSpotJamming,
		Severity:        domain.SeverityLow,
		DroneID:         "d1",
		LastUpdated:     time.Now().Add(-time.Hour),
		Countermeasures: []domain.Countermeasure{domain.CountermeasureFrequencyHopping},
	})

	f.orch.cleanupThreats(ctx)

	// A threat the detector still sees is never aged out, and its
	// countermeasure ledger survives.
	threats := f.orch.ConsolidatedThreats()
	require.Len(t, threats, 1)
	assert.Equal(t, domain.ThreatID("live"), threats[0].ID)
	assert.Contains(t, threats[0].Countermeasures, domain.CountermeasureFrequencyHopping)
	require.Len(t, f.detector.ActiveThreats(), 1)
}

// staleDetector reports a fixed heartbeat timestamp so the supervision logic
// can be exercised deterministically.
type staleDetector struct {
	*DetectionService
	lastUpdate time.Time
}

func (d *staleDetector) Health() domain.EngineHealth {
	h := d.DetectionService.Health()
	h.LastUpdate = d.lastUpdate
	return h
}

func TestOrchestratorService_HealthPollDemotesStaleEngines(t *testing.T) {
	bus := newStubBus()
	lg := zaptest.NewLogger(t).Sugar()
	cfg := testOrchestratorConfig()
	cfg.AutoRecovery = false

	detector := &staleDetector{
		DetectionService: NewDetectionService(DefaultDetectionConfig(), bus, nil, lg),
		lastUpdate:       time.Now(),
	}
	agility := NewAgilityService(DefaultAgilityConfig(), bus, nil, lg)
	fallback := NewFallbackService(DefaultFallbackConfig(), bus, nil, lg)
	orch := NewOrchestratorService(cfg, bus, nil, lg, detector, agility, fallback)

	ctx := context.Background()
	require.NoError(t, orch.StartAll(ctx))
	t.Cleanup(func() { orch.StopAll(ctx) })

	// Fresh heartbeat keeps the engine operational.
	orch.healthPoll(ctx)
	assert.Equal(t, domain.EngineOperational, orch.EngineHealths()[domain.EngineThreatDetection].Status)

	// Older than twice the poll interval: degraded.
	detector.lastUpdate = time.Now().Add(-3 * cfg.HealthInterval)
	orch.healthPoll(ctx)
	assert.Equal(t, domain.EngineDegraded, orch.EngineHealths()[domain.EngineThreatDetection].Status)

	// Older than four times: failed.
	detector.lastUpdate = time.Now().Add(-5 * cfg.HealthInterval)
	orch.healthPoll(ctx)
	assert.Equal(t, domain.EngineFailed, orch.EngineHealths()[domain.EngineThreatDetection].Status)
}

func TestOrchestratorService_AutoRecoveryOncePerCooldown(t *testing.T) {
	bus := newStubBus()
	lg := zaptest.NewLogger(t).Sugar()
	cfg := testOrchestratorConfig()
	cfg.RecoveryCooldown = 50 * time.Millisecond

	detector := &staleDetector{
		DetectionService: NewDetectionService(DefaultDetectionConfig(), bus, nil, lg),
		lastUpdate:       time.Now().Add(-5 * cfg.HealthInterval),
	}
	agility := NewAgilityService(DefaultAgilityConfig(), bus, nil, lg)
	fallback := NewFallbackService(DefaultFallbackConfig(), bus, nil, lg)
	orch := NewOrchestratorService(cfg, bus, nil, lg, detector, agility, fallback)

	ctx := context.Background()
	require.NoError(t, orch.StartAll(ctx))
	t.Cleanup(func() { orch.StopAll(ctx) })

	recoveryAttempts := func() int {
		var n int
		for _, name := range systemEventNames(t, bus) {
			if name == "engine_recovery_attempted" {
				n++
			}
		}
		return n
	}

	// The first poll marks the engine failed but must not restart it: the
	// engine has to stay failed for a full cooldown first.
	orch.healthPoll(ctx)
	assert.Equal(t, domain.EngineFailed, orch.EngineHealths()[domain.EngineThreatDetection].Status)
	assert.Zero(t, recoveryAttempts())

	// After the engine has been held failed past the cooldown, exactly one
	// restart fires.
	time.Sleep(cfg.RecoveryCooldown + 30*time.Millisecond)
	orch.healthPoll(ctx)
	assert.Equal(t, domain.EngineOperational, orch.EngineHealths()[domain.EngineThreatDetection].Status)
	assert.Equal(t, 1, recoveryAttempts())

	// The heartbeat is still dead, but the failed-hold window restarts and
	// suppresses an immediate second attempt.
	orch.healthPoll(ctx)
	assert.Equal(t, 1, recoveryAttempts())
}

func TestOrchestratorService_SystemCommandOverBus(t *testing.T) {
	bus := newRoutingStubBus()
	lg := zaptest.NewLogger(t).Sugar()

	detector := NewDetectionService(DefaultDetectionConfig(), bus, nil, lg)
	agility := NewAgilityService(DefaultAgilityConfig(), bus, nil, lg)
	fallback := NewFallbackService(DefaultFallbackConfig(), bus, nil, lg)
	orch := NewOrchestratorService(testOrchestratorConfig(), bus, nil, lg, detector, agility, fallback)

	ctx := context.Background()
	require.NoError(t, orch.StartAll(ctx))
	t.Cleanup(func() { orch.StopAll(ctx) })

	cmd := domain.SystemCommand{Command: domain.CommandStopSystem}
	require.NoError(t, bus.Publish(ctx, domain.NewEvent(domain.TopicSystemCommand, cmd)))

	assert.Equal(t, domain.EngineStopped, orch.Snapshot().Overall)
}
