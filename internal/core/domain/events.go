package domain

import (
	"encoding/json"
	"time"
)

// EventType names a bus topic. Inbound topics are produced by the transport
// boundary, outbound topics by the engines.
type EventType string

const (
	// Inbound.
	TopicCommHealth        EventType = "telemetry.comm_health"
	TopicSpectrum          EventType = "telemetry.spectrum"
	TopicRFSignal          EventType = "telemetry.rf_signal"
	TopicChannelTestResult EventType = "channel.test_response"
	TopicChannelStatus     EventType = "channel.status_update"
	TopicBackupRequest     EventType = "channel.backup_request"
	TopicJammingAlert      EventType = "threat.jamming_alert"
	TopicHopActivate       EventType = "hopping.activate"
	TopicHopSync           EventType = "hopping.sync"
	TopicPatternUpdate     EventType = "hopping.pattern_update"
	TopicHopAck            EventType = "hopping.hop_ack"
	TopicSystemCommand     EventType = "system.command"

	// Outbound.
	TopicHopCommand      EventType = "hopping.command"
	TopicResyncCommand   EventType = "hopping.resync"
	TopicPatternSwitch   EventType = "hopping.pattern_switch"
	TopicChannelCommand  EventType = "channel.switch_command"
	TopicChannelTest     EventType = "channel.test_request"
	TopicChannelSwitched EventType = "channel.switch_executed"
	TopicThreatDetected  EventType = "threat.detected"
	TopicSystemStatus    EventType = "system.status"
	TopicSystemEvent     EventType = "system.event"
)

// Event is the bus envelope. Payload carries one of the typed payload
// structs below, JSON-encoded.
type Event struct {
	ID         string          `json:"id"`
	Type       EventType       `json:"type"`
	InstanceID string          `json:"instance_id,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// NewEvent wraps a payload into an envelope. Marshal failures surface at
// publish time, not here; payloads are plain structs and do not fail.
func NewEvent(t EventType, payload any) Event {
	data, _ := json.Marshal(payload)
	return Event{
		Type:      t,
		Timestamp: time.Now(),
		Payload:   data,
	}
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	return json.Unmarshal(e.Payload, v)
}

type HopAction string

const (
	HopStart HopAction = "start"
	HopStep  HopAction = "hop"
	HopStop  HopAction = "stop"
)

// PatternParams is the full pattern description sent with a start command so
// the radio can follow the sequence autonomously.
type PatternParams struct {
	PatternID   PatternID     `json:"pattern_id"`
	Frequencies []float64     `json:"frequencies"`
	HopSequence []int         `json:"hop_sequence"`
	DwellTime   time.Duration `json:"dwell_time"`
	SyncWord    uint32        `json:"sync_word"`
}

type HopCommand struct {
	Action         HopAction      `json:"action"`
	DroneID        DroneID        `json:"drone_id"`
	FrequencyMHz   float64        `json:"frequency_mhz,omitempty"`
	SequenceNumber int            `json:"sequence_number,omitempty"`
	Pattern        *PatternParams `json:"pattern,omitempty"` // start only
}

type ResyncCommand struct {
	DroneID       DroneID   `json:"drone_id"`
	PatternID     PatternID `json:"pattern_id"`
	SequenceIndex int       `json:"sequence_index"`
	SyncWord      uint32    `json:"sync_word"`
}

type PatternSwitchCommand struct {
	DroneIDs     []DroneID `json:"drone_ids"`
	NewPatternID PatternID `json:"new_pattern_id"`
	SwitchAt     time.Time `json:"switch_at"`
}

type HopAck struct {
	DroneID        DroneID   `json:"drone_id"`
	SequenceNumber int       `json:"sequence_number"`
	Timestamp      time.Time `json:"timestamp"`
}

type ChannelSwitchCommand struct {
	DroneID DroneID   `json:"drone_id"`
	From    ChannelID `json:"from"`
	To      ChannelID `json:"to"`
	Reason  string    `json:"reason"`
}

type ChannelTestRequest struct {
	TestID    string    `json:"test_id"`
	DroneID   DroneID   `json:"drone_id"`
	ChannelID ChannelID `json:"channel_id"`
}

type ChannelTestResponse struct {
	TestID  string `json:"test_id"`
	Success bool   `json:"success"`
}

type ChannelStatusUpdate struct {
	ChannelID ChannelID     `json:"channel_id"`
	Status    ChannelStatus `json:"status"`
	Health    *ChannelHealth `json:"health,omitempty"`
}

type BackupActivationRequest struct {
	DroneID DroneID `json:"drone_id"`
	Reason  string  `json:"reason"`
}

type SystemCommandName string

const (
	CommandStartSystem     SystemCommandName = "start_system"
	CommandStopSystem      SystemCommandName = "stop_system"
	CommandRestartSystem   SystemCommandName = "restart_system"
	CommandConfigureSystem SystemCommandName = "configure_system"
)

type SystemCommand struct {
	Command  SystemCommandName `json:"command"`
	EngineID EngineID          `json:"engine_id"`
	Params   map[string]any    `json:"params,omitempty"`
}

// SystemEvent is a free-form lifecycle event (system started, emergency
// shutdown, recovery attempted) carrying a severity.
type SystemEvent struct {
	Name     string   `json:"name"`
	Severity Severity `json:"severity"`
	EngineID EngineID `json:"engine_id,omitempty"`
	Details  string   `json:"details,omitempty"`
}
