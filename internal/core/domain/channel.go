package domain

import (
	"slices"
	"time"
)

type ChannelID string

type ChannelRole string

const (
	RolePrimary   ChannelRole = "primary"
	RoleBackup    ChannelRole = "backup"
	RoleEmergency ChannelRole = "emergency"
)

// Priority orders roles for backup selection; lower is preferred.
func (r ChannelRole) Priority() int {
	switch r {
	case RolePrimary:
		return 0
	case RoleBackup:
		return 1
	case RoleEmergency:
		return 2
	}
	return 3
}

type ChannelStatus string

const (
	ChannelActive          ChannelStatus = "active"
	ChannelStandby         ChannelStatus = "standby"
	ChannelJammingDetected ChannelStatus = "jamming_detected"
	ChannelFailed          ChannelStatus = "failed"
)

// Usable reports whether a channel may be selected as a switch target.
func (s ChannelStatus) Usable() bool {
	return s == ChannelActive || s == ChannelStandby
}

// CommunicationChannel is one registered radio channel. Channels are created
// at registry initialization or via explicit creation calls and are never
// destroyed during normal operation.
type CommunicationChannel struct {
	ID           ChannelID     `json:"id"`
	Name         string        `json:"name"`
	Role         ChannelRole   `json:"role"`
	Protocol     string        `json:"protocol"`
	FrequencyMHz float64       `json:"frequency_mhz"`
	BandwidthMHz float64       `json:"bandwidth_mhz"`
	MaxRangeKM   float64       `json:"max_range_km"`
	Status       ChannelStatus `json:"status"`

	// Derived performance, refreshed from health updates.
	Latency        time.Duration `json:"latency"`
	ThroughputKbps int           `json:"throughput_kbps"`
	Reliability    float64       `json:"reliability"` // 0-1
}

// ProtocolApplicability tags a fallback protocol with the reason class it
// serves, replacing name-substring matching.
type ProtocolApplicability string

const (
	ApplicabilityJamming   ProtocolApplicability = "jamming"
	ApplicabilityEmergency ProtocolApplicability = "emergency"
	ApplicabilityDefault   ProtocolApplicability = "default"
)

// SwitchThresholds are the numeric conditions that trigger a fallback switch.
type SwitchThresholds struct {
	MinSignalQuality   float64       `json:"min_signal_quality"`   // 0-100
	MaxPacketLoss      float64       `json:"max_packet_loss"`      // 0-1
	MaxLatency         time.Duration `json:"max_latency"`
	MaxJammingStrength float64       `json:"max_jamming_strength"` // dBm
}

// FallbackProtocol is a named, prioritized ordered channel sequence.
// Immutable after creation except for pruning of missing channel references.
type FallbackProtocol struct {
	ID            string                `json:"id"`
	Name          string                `json:"name"`
	Priority      int                   `json:"priority"` // higher wins
	Channels      []ChannelID           `json:"channels"`
	Applicability ProtocolApplicability `json:"applicability"`
	Automatic     bool                  `json:"automatic"`
	Thresholds    SwitchThresholds      `json:"thresholds"`
}

// ChannelSwitch is one audit record in a drone's switch history.
type ChannelSwitch struct {
	Timestamp time.Time `json:"timestamp"`
	From      ChannelID `json:"from"`
	To        ChannelID `json:"to"`
	Reason    string    `json:"reason"`
}

const switchHistoryLimit = 10

// DroneChannelState tracks per-drone channel assignment. The invariant
// Active ∈ {Primary} ∪ Backups holds at all times.
type DroneChannelState struct {
	DroneID      DroneID         `json:"drone_id"`
	Primary      ChannelID       `json:"primary"`
	Active       ChannelID       `json:"active"`
	Backups      []ChannelID     `json:"backups"`
	FailureCount int             `json:"failure_count"`
	LastSwitch   time.Time       `json:"last_switch"`
	History      []ChannelSwitch `json:"history"`
}

// Allowed reports whether a channel is a legal switch target for this drone.
func (s *DroneChannelState) Allowed(id ChannelID) bool {
	return id == s.Primary || slices.Contains(s.Backups, id)
}

// RecordSwitch moves the drone to a new active channel and appends a bounded
// history entry.
func (s *DroneChannelState) RecordSwitch(to ChannelID, reason string) {
	now := time.Now()
	s.History = append(s.History, ChannelSwitch{
		Timestamp: now,
		From:      s.Active,
		To:        to,
		Reason:    reason,
	})
	if len(s.History) > switchHistoryLimit {
		s.History = s.History[len(s.History)-switchHistoryLimit:]
	}
	s.Active = to
	s.LastSwitch = now
}

// ChannelHealth is the latest observed condition of a channel, fed by
// communication health samples and channel status updates.
type ChannelHealth struct {
	ChannelID       ChannelID     `json:"channel_id"`
	SignalQuality   float64       `json:"signal_quality"` // 0-100
	PacketLoss      float64       `json:"packet_loss"`    // 0-1
	Latency         time.Duration `json:"latency"`
	JammingStrength float64       `json:"jamming_strength"` // dBm, 0 when none
	UpdatedAt       time.Time     `json:"updated_at"`
}
