package domain

import "time"

type PatternID string

// FrequencyBand describes a hoppable band: frequencies are enumerated from
// MinMHz to MaxMHz at SpacingMHz steps.
type FrequencyBand struct {
	Name       string  `json:"name"`
	MinMHz     float64 `json:"min_mhz"`
	MaxMHz     float64 `json:"max_mhz"`
	SpacingMHz float64 `json:"spacing_mhz"`
}

// ChannelCount returns the number of hoppable frequencies in the band.
func (b FrequencyBand) ChannelCount() int {
	if b.SpacingMHz <= 0 || b.MaxMHz <= b.MinMHz {
		return 0
	}
	return int((b.MaxMHz-b.MinMHz)/b.SpacingMHz) + 1
}

// FrequencyHoppingPattern is immutable once created; multiple drones may
// share one pattern, each with its own sequence offset.
type FrequencyHoppingPattern struct {
	ID          PatternID     `json:"id"`
	Name        string        `json:"name"`
	Band        string        `json:"band"`
	Frequencies []float64     `json:"frequencies"` // MHz
	HopSequence []int         `json:"hop_sequence"`
	DwellTime   time.Duration `json:"dwell_time"`
	SyncWord    uint32        `json:"sync_word"`
	Key         []byte        `json:"-"` // opaque secret material
	Seed        uint32        `json:"-"`
	CreatedAt   time.Time     `json:"created_at"`
}

type SyncStatus string

const (
	SyncSyncing SyncStatus = "syncing"
	SyncSynced  SyncStatus = "synced"
	SyncLost    SyncStatus = "lost"
)

// DroneHopState is the runtime hop position of one drone under a pattern.
type DroneHopState struct {
	DroneID          DroneID    `json:"drone_id"`
	PatternID        PatternID  `json:"pattern_id"`
	SequenceIndex    int        `json:"sequence_index"`
	CurrentFrequency float64    `json:"current_frequency"` // MHz
	NextHopAt        time.Time  `json:"next_hop_at"`
	LastAckAt        time.Time  `json:"last_ack_at"`
	Sync             SyncStatus `json:"sync"`
	SyncLosses       int        `json:"sync_losses"`
	HopCount         int64      `json:"hop_count"`
}
