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

func newTestAgility(t *testing.T, cfg AgilityConfig) (*AgilityService, *stubBus) {
	t.Helper()
	bus := newStubBus()
	svc := NewAgilityService(cfg, bus, nil, zaptest.NewLogger(t).Sugar())
	t.Cleanup(func() { svc.StopHopping(context.Background()) })
	return svc, bus
}

func decodeHopCommands(t *testing.T, events []domain.Event) []domain.HopCommand {
	t.Helper()
	out := make([]domain.HopCommand, 0, len(events))
	for _, evt := range events {
		var cmd domain.HopCommand
		require.NoError(t, evt.Decode(&cmd))
		out = append(out, cmd)
	}
	return out
}

func TestAgilityService_CreatePatternDeterministic(t *testing.T) {
	svc, _ := newTestAgility(t, DefaultAgilityConfig())
	ctx := context.Background()

	a, err := svc.CreatePattern(ctx, "mission-a", "ism900", 64, time.Second, 0xBEEF)
	require.NoError(t, err)
	b, err := svc.CreatePattern(ctx, "mission-b", "ism900", 64, time.Second, 0xBEEF)
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, a.HopSequence, b.HopSequence)
	assert.Equal(t, a.Frequencies, b.Frequencies)
	assert.Equal(t, uint32(0xBEEF)^0x5A5A5A5A, a.SyncWord)
	assert.Equal(t, uint32(0xBEEF), a.Seed)
	assert.Len(t, a.HopSequence, 64)
}

func TestAgilityService_CreatePatternDefaults(t *testing.T) {
	svc, _ := newTestAgility(t, DefaultAgilityConfig())
	ctx := context.Background()

	// Empty band falls back to the configured default, zero seed gets a
	// random one.
	p, err := svc.CreatePattern(ctx, "defaults", "", 0, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, "ism2400", p.Band)
	assert.Len(t, p.HopSequence, DefaultAgilityConfig().SequenceLength)
	assert.Equal(t, DefaultAgilityConfig().DefaultDwell, p.DwellTime)
	assert.NotZero(t, p.Seed)

	_, err = svc.CreatePattern(ctx, "bad", "x-band", 0, 0, 0)
	assert.ErrorIs(t, err, domain.ErrBandNotFound)
}

func TestAgilityService_StartHoppingUnknownPattern(t *testing.T) {
	svc, _ := newTestAgility(t, DefaultAgilityConfig())

	err := svc.StartHopping(context.Background(), "no-such-pattern", []domain.DroneID{"d1"})
	assert.ErrorIs(t, err, domain.ErrPatternNotFound)

	err = svc.SwitchPattern(context.Background(), "no-such-pattern", nil)
	assert.ErrorIs(t, err, domain.ErrPatternNotFound)
}

func TestAgilityService_StartHoppingIssuesStartCommands(t *testing.T) {
	svc, bus := newTestAgility(t, DefaultAgilityConfig())
	ctx := context.Background()

	pattern, err := svc.CreatePattern(ctx, "mission", "ism900", 32, time.Second, 7)
	require.NoError(t, err)

	drones := []domain.DroneID{"d1", "d2", "d3"}
	require.NoError(t, svc.StartHopping(ctx, pattern.ID, drones))

	cmds := decodeHopCommands(t, bus.eventsOf(domain.TopicHopCommand))
	require.Len(t, cmds, 3)
	for _, cmd := range cmds {
		assert.Equal(t, domain.HopStart, cmd.Action)
		require.NotNil(t, cmd.Pattern)
		assert.Equal(t, pattern.ID, cmd.Pattern.PatternID)
		assert.Equal(t, pattern.SyncWord, cmd.Pattern.SyncWord)
		assert.Contains(t, pattern.Frequencies, cmd.FrequencyMHz)
	}

	states := svc.DroneStates()
	require.Len(t, states, 3)
	for _, droneID := range drones {
		st, ok := states[droneID]
		require.True(t, ok)
		assert.Equal(t, pattern.ID, st.PatternID)
		assert.Equal(t, domain.SyncSyncing, st.Sync)
	}
}

func TestAgilityService_AddDroneRequiresActiveHopping(t *testing.T) {
	svc, _ := newTestAgility(t, DefaultAgilityConfig())

	err := svc.AddDrone(context.Background(), "d1")
	assert.ErrorIs(t, err, domain.ErrNotRunning)
}

func TestAgilityService_RemoveDrone(t *testing.T) {
	svc, bus := newTestAgility(t, DefaultAgilityConfig())
	ctx := context.Background()

	pattern, err := svc.CreatePattern(ctx, "mission", "ism900", 32, time.Second, 7)
	require.NoError(t, err)
	require.NoError(t, svc.StartHopping(ctx, pattern.ID, []domain.DroneID{"d1"}))

	assert.ErrorIs(t, svc.RemoveDrone(ctx, "ghost"), domain.ErrDroneNotFound)

	require.NoError(t, svc.RemoveDrone(ctx, "d1"))
	assert.Empty(t, svc.DroneStates())

	cmds := decodeHopCommands(t, bus.eventsOf(domain.TopicHopCommand))
	last := cmds[len(cmds)-1]
	assert.Equal(t, domain.HopStop, last.Action)
	assert.Equal(t, domain.DroneID("d1"), last.DroneID)
}

func TestAgilityService_HandleHopAckSyncsDrone(t *testing.T) {
	svc, _ := newTestAgility(t, DefaultAgilityConfig())
	ctx := context.Background()

	pattern, err := svc.CreatePattern(ctx, "mission", "ism900", 32, time.Second, 7)
	require.NoError(t, err)
	require.NoError(t, svc.StartHopping(ctx, pattern.ID, []domain.DroneID{"d1"}))

	st := svc.DroneStates()["d1"]
	require.Equal(t, domain.SyncSyncing, st.Sync)

	// Ack one step behind is still in tolerance.
	svc.HandleHopAck(domain.HopAck{DroneID: "d1", SequenceNumber: st.SequenceIndex - 1})
	assert.Equal(t, domain.SyncSynced, svc.DroneStates()["d1"].Sync)

	// A stale ack does not re-sync.
	svc.mu.Lock()
	svc.drones["d1"].Sync = domain.SyncSyncing
	svc.mu.Unlock()
	svc.HandleHopAck(domain.HopAck{DroneID: "d1", SequenceNumber: st.SequenceIndex - 5})
	assert.Equal(t, domain.SyncSyncing, svc.DroneStates()["d1"].Sync)
}

func TestAgilityService_HopLoopAdvancesDrones(t *testing.T) {
	svc, bus := newTestAgility(t, DefaultAgilityConfig())
	ctx := context.Background()

	pattern, err := svc.CreatePattern(ctx, "fast", "ism900", 32, 40*time.Millisecond, 7)
	require.NoError(t, err)
	require.NoError(t, svc.StartHopping(ctx, pattern.ID, []domain.DroneID{"d1"}))

	require.Eventually(t, func() bool {
		return svc.DroneStates()["d1"].HopCount >= 2
	}, 2*time.Second, 10*time.Millisecond)

	var steps int
	for _, cmd := range decodeHopCommands(t, bus.eventsOf(domain.TopicHopCommand)) {
		if cmd.Action == domain.HopStep {
			steps++
		}
	}
	assert.GreaterOrEqual(t, steps, 2)
}

func TestAgilityService_StopHoppingClearsState(t *testing.T) {
	svc, bus := newTestAgility(t, DefaultAgilityConfig())
	ctx := context.Background()

	pattern, err := svc.CreatePattern(ctx, "mission", "ism900", 32, time.Second, 7)
	require.NoError(t, err)
	require.NoError(t, svc.StartHopping(ctx, pattern.ID, []domain.DroneID{"d1", "d2"}))

	require.NoError(t, svc.StopHopping(ctx))
	assert.Empty(t, svc.DroneStates())

	cmds := decodeHopCommands(t, bus.eventsOf(domain.TopicHopCommand))
	var stops int
	for _, cmd := range cmds {
		if cmd.Action == domain.HopStop {
			stops++
		}
	}
	assert.Equal(t, 2, stops)

	// Stopping twice is a no-op.
	require.NoError(t, svc.StopHopping(ctx))
}

func TestAgilityService_SwitchPatternSchedulesCoordinatedSwitch(t *testing.T) {
	cfg := DefaultAgilityConfig()
	cfg.SwitchDelay = 50 * time.Millisecond
	svc, bus := newTestAgility(t, cfg)
	ctx := context.Background()

	p1, err := svc.CreatePattern(ctx, "first", "ism900", 32, time.Second, 7)
	require.NoError(t, err)
	p2, err := svc.CreatePattern(ctx, "second", "c2", 32, time.Second, 9)
	require.NoError(t, err)
	require.NoError(t, svc.StartHopping(ctx, p1.ID, []domain.DroneID{"d1"}))

	before := time.Now()
	require.NoError(t, svc.SwitchPattern(ctx, p2.ID, nil))

	// The switch command is announced immediately with a future timestamp.
	events := bus.eventsOf(domain.TopicPatternSwitch)
	require.Len(t, events, 1)
	var cmd domain.PatternSwitchCommand
	require.NoError(t, events[0].Decode(&cmd))
	assert.Equal(t, p2.ID, cmd.NewPatternID)
	assert.Contains(t, cmd.DroneIDs, domain.DroneID("d1"))
	assert.True(t, cmd.SwitchAt.After(before))

	// Local state only follows after the coordination delay.
	assert.Equal(t, p1.ID, svc.DroneStates()["d1"].PatternID)
	require.Eventually(t, func() bool {
		return svc.DroneStates()["d1"].PatternID == p2.ID
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAgilityService_Configure(t *testing.T) {
	svc, _ := newTestAgility(t, DefaultAgilityConfig())

	require.NoError(t, svc.Configure(map[string]any{"sequence_length": float64(128)}))
	assert.Equal(t, 128, svc.cfg.SequenceLength)

	assert.Error(t, svc.Configure(map[string]any{"sequence_length": float64(0)}))
	assert.Error(t, svc.Configure(map[string]any{"switch_delay_seconds": float64(-1)}))
}
