package domain

import (
	"slices"
	"time"
)

type ThreatID string

type ThreatType string

const (
	ThreatJamming        ThreatType = "jamming"
	ThreatBarrageJamming ThreatType = "barrage_jamming"
	ThreatSpotJamming    ThreatType = "spot_jamming"
	ThreatSweepJamming   ThreatType = "sweep_jamming"
	ThreatPulseJamming   ThreatType = "pulse_jamming"
	ThreatSpoofing       ThreatType = "spoofing"
	ThreatCyber          ThreatType = "cyber"
)

// IsJamming reports whether the threat is any jamming sub-kind.
func (t ThreatType) IsJamming() bool {
	switch t {
	case ThreatJamming, ThreatBarrageJamming, ThreatSpotJamming, ThreatSweepJamming, ThreatPulseJamming:
		return true
	}
	return false
}

type Severity string

const (
	SeverityNone     Severity = "none"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities for worst-of comparisons.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// SeverityForScore maps a jamming score to a severity bucket. Callers only
// invoke it for scores at or above the detection threshold.
func SeverityForScore(score float64) Severity {
	switch {
	case score > 0.8:
		return SeverityCritical
	case score > 0.6:
		return SeverityHigh
	case score > 0.4:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

type Countermeasure string

const (
	CountermeasureFrequencyHopping Countermeasure = "frequency_hopping"
	CountermeasureBackupChannels   Countermeasure = "backup_channels"
	CountermeasurePowerAdjustment  Countermeasure = "power_adjustment"
)

type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Altitude  float64 `json:"altitude"`
}

// Threat is a classified attack on fleet communications. It is mutated only
// to append countermeasures or refresh LastUpdated; active threats are aged
// out by the orchestrator's cleanup pass, never deleted directly.
type Threat struct {
	ID              ThreatID         `json:"id"`
	Type            ThreatType       `json:"type"`
	Severity        Severity         `json:"severity"`
	DetectedAt      time.Time        `json:"detected_at"`
	LastUpdated     time.Time        `json:"last_updated"`
	Source          *Location        `json:"source,omitempty"`
	AffectedSystems []string         `json:"affected_systems,omitempty"`
	Confidence      float64          `json:"confidence"` // 0-1
	Countermeasures []Countermeasure `json:"countermeasures"`

	// DroneID is empty for fleet-scoped threats (e.g. spectrum sweeps).
	DroneID DroneID `json:"drone_id,omitempty"`
	// FrequencyMHz is the jamming center frequency when known, used for
	// fallback frequency avoidance.
	FrequencyMHz float64 `json:"frequency_mhz,omitempty"`
}

// AddCountermeasure appends a deployed countermeasure, deduplicating, and
// refreshes LastUpdated. Reports whether the countermeasure was new.
func (t *Threat) AddCountermeasure(c Countermeasure) bool {
	t.LastUpdated = time.Now()
	if slices.Contains(t.Countermeasures, c) {
		return false
	}
	t.Countermeasures = append(t.Countermeasures, c)
	return true
}
