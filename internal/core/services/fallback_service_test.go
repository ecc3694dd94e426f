package services

import (
	"context"
	"testing"
	"time"

	"aegislink/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestFallback(t *testing.T) (*FallbackService, *stubBus) {
	t.Helper()
	bus := newStubBus()
	svc := NewFallbackService(DefaultFallbackConfig(), bus, nil, zaptest.NewLogger(t).Sugar())
	return svc, bus
}

func registerTestDrone(t *testing.T, svc *FallbackService, droneID domain.DroneID) {
	t.Helper()
	require.NoError(t, svc.RegisterDrone(droneID, "uhf-primary", []domain.ChannelID{"uhf-backup", "satcom-emergency"}))
}

func healthySample(channelID domain.ChannelID) domain.ChannelHealth {
	return domain.ChannelHealth{
		ChannelID:     channelID,
		SignalQuality: 90,
		PacketLoss:    0.01,
		Latency:       20 * time.Millisecond,
		UpdatedAt:     time.Now(),
	}
}

func TestFallbackService_DefaultRegistry(t *testing.T) {
	svc, _ := newTestFallback(t)

	channels := svc.Channels()
	require.Len(t, channels, 3)

	ids := make(map[domain.ChannelID]domain.ChannelStatus)
	for _, ch := range channels {
		ids[ch.ID] = ch.Status
	}
	assert.Equal(t, domain.ChannelActive, ids["uhf-primary"])
	assert.Equal(t, domain.ChannelStandby, ids["uhf-backup"])
	assert.Equal(t, domain.ChannelStandby, ids["satcom-emergency"])

	assert.Len(t, svc.protocols, 3)
}

func TestFallbackService_PrimaryFailureFailsOver(t *testing.T) {
	svc, bus := newTestFallback(t)
	registerTestDrone(t, svc, "d1")

	svc.UpdateChannelStatus("uhf-primary", domain.ChannelFailed)

	state, err := svc.DroneState("d1")
	require.NoError(t, err)
	assert.Equal(t, domain.ChannelID("uhf-backup"), state.Active)
	assert.Equal(t, domain.ChannelID("uhf-primary"), state.Primary)
	assert.Equal(t, 1, state.FailureCount)
	require.NotEmpty(t, state.History)
	assert.Equal(t, "channel_failure", state.History[len(state.History)-1].Reason)

	assert.Len(t, bus.eventsOf(domain.TopicChannelCommand), 1)
	assert.Len(t, bus.eventsOf(domain.TopicChannelSwitched), 1)
}

func TestFallbackService_SwitchChannelRules(t *testing.T) {
	svc, bus := newTestFallback(t)
	ctx := context.Background()
	registerTestDrone(t, svc, "d1")

	// Unknown drone.
	assert.ErrorIs(t, svc.SwitchChannel(ctx, "ghost", "uhf-backup", "manual"), domain.ErrDroneNotFound)

	// Switching to the active channel is a silent no-op.
	require.NoError(t, svc.SwitchChannel(ctx, "d1", "uhf-primary", "manual"))
	assert.Empty(t, bus.eventsOf(domain.TopicChannelCommand))

	// Failed channels are never switch targets.
	svc.UpdateChannelStatus("satcom-emergency", domain.ChannelFailed)
	assert.ErrorIs(t, svc.SwitchChannel(ctx, "d1", "satcom-emergency", "manual"), domain.ErrChannelFailed)

	// Channels outside the drone's assignment are rejected.
	require.NoError(t, svc.RegisterDrone("d2", "uhf-primary", nil))
	assert.ErrorIs(t, svc.SwitchChannel(ctx, "d2", "uhf-backup", "manual"), domain.ErrChannelNotAllowed)
}

func TestFallbackService_ManualSwitch(t *testing.T) {
	svc, _ := newTestFallback(t)
	ctx := context.Background()
	registerTestDrone(t, svc, "d1")

	require.NoError(t, svc.SwitchChannel(ctx, "d1", "uhf-backup", "manual"))

	state, err := svc.DroneState("d1")
	require.NoError(t, err)
	assert.Equal(t, domain.ChannelID("uhf-backup"), state.Active)
	// Operator-initiated switches are not failures.
	assert.Zero(t, state.FailureCount)

	statuses := make(map[domain.ChannelID]domain.ChannelStatus)
	for _, ch := range svc.Channels() {
		statuses[ch.ID] = ch.Status
	}
	assert.Equal(t, domain.ChannelActive, statuses["uhf-backup"])
	assert.Equal(t, domain.ChannelStandby, statuses["uhf-primary"])
}

func TestFallbackService_BestBackup(t *testing.T) {
	svc, _ := newTestFallback(t)
	registerTestDrone(t, svc, "d1")

	// Role priority wins: the UHF backup beats the emergency SATCOM link.
	backup, err := svc.BestBackup("d1", 0)
	require.NoError(t, err)
	assert.Equal(t, domain.ChannelID("uhf-backup"), backup.ID)

	// Avoiding the backup's own frequency pushes selection to SATCOM.
	backup, err = svc.BestBackup("d1", 433.92)
	require.NoError(t, err)
	assert.Equal(t, domain.ChannelID("satcom-emergency"), backup.ID)

	_, err = svc.BestBackup("ghost", 0)
	assert.ErrorIs(t, err, domain.ErrDroneNotFound)
}

func TestFallbackService_NoBackupAvailable(t *testing.T) {
	svc, bus := newTestFallback(t)
	require.NoError(t, svc.RegisterDrone("solo", "uhf-primary", nil))

	svc.UpdateChannelStatus("uhf-primary", domain.ChannelFailed)

	state, err := svc.DroneState("solo")
	require.NoError(t, err)
	assert.Equal(t, domain.ChannelID("uhf-primary"), state.Active)

	events := bus.eventsOf(domain.TopicSystemEvent)
	require.Len(t, events, 1)
	var sysEvt domain.SystemEvent
	require.NoError(t, events[0].Decode(&sysEvt))
	assert.Equal(t, "no_backup_available", sysEvt.Name)
	assert.Equal(t, domain.SeverityCritical, sysEvt.Severity)
}

func TestFallbackService_EvaluateDroneSignalDegradation(t *testing.T) {
	svc, _ := newTestFallback(t)
	registerTestDrone(t, svc, "d1")

	health := healthySample("uhf-primary")
	health.SignalQuality = 10
	svc.UpdateChannelHealth(health)

	svc.evaluateDrone(context.Background(), "d1")

	state, err := svc.DroneState("d1")
	require.NoError(t, err)
	assert.Equal(t, domain.ChannelID("uhf-backup"), state.Active)
	assert.Equal(t, "signal_degraded", state.History[len(state.History)-1].Reason)
}

func TestFallbackService_EvaluateDroneJamming(t *testing.T) {
	svc, _ := newTestFallback(t)
	registerTestDrone(t, svc, "d1")

	health := healthySample("uhf-primary")
	health.JammingStrength = -50 // well above the -70 dBm ceiling
	svc.UpdateChannelHealth(health)

	svc.evaluateDrone(context.Background(), "d1")

	state, err := svc.DroneState("d1")
	require.NoError(t, err)
	assert.Equal(t, domain.ChannelID("uhf-backup"), state.Active)
	assert.Equal(t, "jamming_detected", state.History[len(state.History)-1].Reason)
}

func TestFallbackService_EvaluateDroneHealthyNoSwitch(t *testing.T) {
	svc, bus := newTestFallback(t)
	registerTestDrone(t, svc, "d1")

	svc.UpdateChannelHealth(healthySample("uhf-primary"))
	svc.evaluateDrone(context.Background(), "d1")

	state, err := svc.DroneState("d1")
	require.NoError(t, err)
	assert.Equal(t, domain.ChannelID("uhf-primary"), state.Active)
	assert.Empty(t, bus.eventsOf(domain.TopicChannelCommand))
}

func TestFallbackService_AvoidFrequency(t *testing.T) {
	svc, _ := newTestFallback(t)
	ctx := context.Background()
	registerTestDrone(t, svc, "d1")

	// The active channel at 915 MHz is already clear of a 2440 MHz jammer.
	require.NoError(t, svc.AvoidFrequency(ctx, "d1", 2440, "jamming_detected"))
	state, err := svc.DroneState("d1")
	require.NoError(t, err)
	assert.Equal(t, domain.ChannelID("uhf-primary"), state.Active)

	// Jamming on the active frequency forces a move away from it.
	require.NoError(t, svc.AvoidFrequency(ctx, "d1", 915, "jamming_detected"))
	state, err = svc.DroneState("d1")
	require.NoError(t, err)
	assert.Equal(t, domain.ChannelID("uhf-backup"), state.Active)
}

func TestBreachReason(t *testing.T) {
	thresholds := domain.SwitchThresholds{
		MinSignalQuality:   30,
		MaxPacketLoss:      0.25,
		MaxLatency:         500 * time.Millisecond,
		MaxJammingStrength: -70,
	}

	tests := []struct {
		name   string
		health domain.ChannelHealth
		want   string
	}{
		{
			name:   "healthy",
			health: domain.ChannelHealth{SignalQuality: 90, PacketLoss: 0.01, Latency: 20 * time.Millisecond},
		},
		{
			name:   "jamming has top priority",
			health: domain.ChannelHealth{SignalQuality: 90, PacketLoss: 0.01, Latency: 20 * time.Millisecond, JammingStrength: -50},
			want:   "jamming_detected",
		},
		{
			name:   "signal degraded",
			health: domain.ChannelHealth{SignalQuality: 10, PacketLoss: 0.01, Latency: 20 * time.Millisecond},
			want:   "signal_degraded",
		},
		{
			name:   "packet loss",
			health: domain.ChannelHealth{SignalQuality: 90, PacketLoss: 0.4, Latency: 20 * time.Millisecond},
			want:   "packet_loss_high",
		},
		{
			name:   "latency",
			health: domain.ChannelHealth{SignalQuality: 90, PacketLoss: 0.01, Latency: 2 * time.Second},
			want:   "latency_high",
		},
		{
			name:   "compound degradation",
			health: domain.ChannelHealth{SignalQuality: 10, PacketLoss: 0.4, Latency: 2 * time.Second},
			want:   "critical_degradation",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, breachReason(tt.health, thresholds))
		})
	}
}

func TestClassifyReason(t *testing.T) {
	tests := []struct {
		reason string
		want   domain.ProtocolApplicability
	}{
		{"jamming_detected", domain.ApplicabilityJamming},
		{"interference_spike", domain.ApplicabilityJamming},
		{"critical_degradation", domain.ApplicabilityEmergency},
		{"channel_failure", domain.ApplicabilityEmergency},
		{"signal_degraded", domain.ApplicabilityDefault},
		{"manual", domain.ApplicabilityDefault},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, classifyReason(tt.reason), "reason %q", tt.reason)
	}
}

func TestFallbackService_CreateChannelValidation(t *testing.T) {
	svc, _ := newTestFallback(t)

	assert.Error(t, svc.CreateChannel(&domain.CommunicationChannel{
		ID: "bad id!", FrequencyMHz: 915, BandwidthMHz: 1, Reliability: 0.9,
	}))
	assert.Error(t, svc.CreateChannel(&domain.CommunicationChannel{
		ID: "vhf-low", FrequencyMHz: 1, BandwidthMHz: 1, Reliability: 0.9,
	}))
	assert.ErrorIs(t, svc.CreateChannel(&domain.CommunicationChannel{
		ID: "uhf-primary", FrequencyMHz: 915, BandwidthMHz: 1, Reliability: 0.9,
	}), domain.ErrAlreadyExists)

	ch := &domain.CommunicationChannel{
		ID: "mesh-aux", Role: domain.RoleBackup,
		FrequencyMHz: 2412, BandwidthMHz: 20, Reliability: 0.8,
	}
	require.NoError(t, svc.CreateChannel(ch))
	assert.Equal(t, domain.ChannelStandby, ch.Status)
	assert.Len(t, svc.Channels(), 4)
}

func TestFallbackService_CreateFallbackProtocolPrunesUnknownChannels(t *testing.T) {
	svc, _ := newTestFallback(t)

	p := &domain.FallbackProtocol{
		ID: "custom", Priority: 5, Automatic: true,
		Channels: []domain.ChannelID{"uhf-backup", "no-such-channel", "satcom-emergency"},
	}
	require.NoError(t, svc.CreateFallbackProtocol(p))
	assert.Equal(t, []domain.ChannelID{"uhf-backup", "satcom-emergency"}, p.Channels)
	assert.Equal(t, domain.ApplicabilityDefault, p.Applicability)

	assert.ErrorIs(t, svc.CreateFallbackProtocol(&domain.FallbackProtocol{ID: "custom"}), domain.ErrAlreadyExists)
}

func TestFallbackService_RegisterDroneValidation(t *testing.T) {
	svc, _ := newTestFallback(t)

	assert.Error(t, svc.RegisterDrone("bad drone!", "uhf-primary", nil))
	assert.ErrorIs(t, svc.RegisterDrone("d1", "no-such-channel", nil), domain.ErrChannelNotFound)
	assert.ErrorIs(t, svc.RegisterDrone("d1", "uhf-primary", []domain.ChannelID{"no-such-channel"}), domain.ErrChannelNotFound)
}

func TestFallbackService_TestChannelRoundtrip(t *testing.T) {
	bus := newRoutingStubBus()
	cfg := DefaultFallbackConfig()
	cfg.TestTimeout = 100 * time.Millisecond
	svc := NewFallbackService(cfg, bus, nil, zaptest.NewLogger(t).Sugar())
	ctx := context.Background()

	require.NoError(t, svc.Start(ctx))
	t.Cleanup(func() { svc.Stop(ctx) })

	// A responder answering every connectivity probe.
	_, err := bus.Subscribe(domain.TopicChannelTest, func(ctx context.Context, evt domain.Event) {
		var req domain.ChannelTestRequest
		if err := evt.Decode(&req); err != nil {
			t.Errorf("decode test request: %v", err)
			return
		}
		resp := domain.ChannelTestResponse{TestID: req.TestID, Success: true}
		bus.Publish(ctx, domain.NewEvent(domain.TopicChannelTestResult, resp))
	})
	require.NoError(t, err)

	assert.True(t, svc.TestChannel(ctx, "d1", "uhf-backup"))
}

func TestFallbackService_TestChannelTimesOut(t *testing.T) {
	bus := newRoutingStubBus()
	cfg := DefaultFallbackConfig()
	cfg.TestTimeout = 30 * time.Millisecond
	svc := NewFallbackService(cfg, bus, nil, zaptest.NewLogger(t).Sugar())
	ctx := context.Background()

	require.NoError(t, svc.Start(ctx))
	t.Cleanup(func() { svc.Stop(ctx) })

	assert.False(t, svc.TestChannel(ctx, "d1", "uhf-backup"))
}

func TestFallbackService_HealthSampleMapsToActiveChannel(t *testing.T) {
	svc, _ := newTestFallback(t)
	registerTestDrone(t, svc, "d1")

	sample := domain.CommunicationHealthSample{
		DroneID:     "d1",
		Timestamp:   time.Now(),
		LinkQuality: 72,
		PacketLoss:  0.05,
		Latency:     40 * time.Millisecond,
	}
	svc.onHealthSample(context.Background(), domain.NewEvent(domain.TopicCommHealth, sample))

	svc.mu.Lock()
	health, ok := svc.health["uhf-primary"]
	svc.mu.Unlock()
	require.True(t, ok)
	assert.Equal(t, 72.0, health.SignalQuality)
	assert.Equal(t, 0.05, health.PacketLoss)
}
