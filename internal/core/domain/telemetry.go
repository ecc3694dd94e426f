package domain

import "time"

type DroneID string

// CommunicationHealthSample is one per-drone, per-tick summary of link health
// as reported by the radio bridge. Samples are never mutated after ingest.
type CommunicationHealthSample struct {
	DroneID         DroneID       `json:"drone_id"`
	Timestamp       time.Time     `json:"timestamp"`
	LinkQuality     float64       `json:"link_quality"`    // 0-100
	PacketLoss      float64       `json:"packet_loss"`     // 0-1
	Latency         time.Duration `json:"latency"`
	SignalStrength  float64       `json:"signal_strength"` // dBm
	BitErrorRate    float64       `json:"bit_error_rate"`
	JammingDetected bool          `json:"jamming_detected"`
	JammingType     string        `json:"jamming_type,omitempty"` // radio-reported, if any
}

type SignalClassification string

const (
	SignalFriendly SignalClassification = "friendly"
	SignalHostile  SignalClassification = "hostile"
	SignalUnknown  SignalClassification = "unknown"
)

// DetectedSignal is a single emitter observed during a spectrum sweep.
type DetectedSignal struct {
	FrequencyMHz   float64              `json:"frequency_mhz"`
	BandwidthMHz   float64              `json:"bandwidth_mhz"`
	Strength       float64              `json:"strength"` // dBm
	SNR            float64              `json:"snr"`
	Classification SignalClassification `json:"classification,omitempty"`
	Source         string               `json:"source,omitempty"`
}

// SpectrumSample is the result of one RF sweep, produced externally on a
// fixed cadence.
type SpectrumSample struct {
	Timestamp         time.Time        `json:"timestamp"`
	Signals           []DetectedSignal `json:"signals"`
	JammingDetected   bool             `json:"jamming_detected"`
	InterferenceLevel float64          `json:"interference_level"`
}
