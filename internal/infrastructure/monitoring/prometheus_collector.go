package monitoring

import (
	"aegislink/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector implements the engines' metrics surface on Prometheus
// collectors registered with the default registry.
type PrometheusCollector struct {
	threatsDetectedTotal *prometheus.CounterVec
	activeThreats        prometheus.Gauge
	hopsExecutedTotal    *prometheus.CounterVec
	hopCollisionsTotal   *prometheus.CounterVec
	syncLossesTotal      *prometheus.CounterVec
	channelSwitchesTotal *prometheus.CounterVec
	engineStatus         *prometheus.GaugeVec
	busPublishedTotal    *prometheus.CounterVec
	busDroppedTotal      *prometheus.CounterVec
}

func NewPrometheusCollector() *PrometheusCollector {
	return &PrometheusCollector{
		threatsDetectedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "aegislink_threats_detected_total",
			Help: "Detected threats by type and severity",
		}, []string{"type", "severity"}),

		activeThreats: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "aegislink_active_threats",
			Help: "Threats currently held in the consolidated registry",
		}),

		hopsExecutedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "aegislink_hops_executed_total",
			Help: "Frequency hops executed per pattern",
		}, []string{"pattern_id"}),

		hopCollisionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "aegislink_hop_collisions_total",
			Help: "Hop frequency collisions observed per pattern",
		}, []string{"pattern_id"}),

		syncLossesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "aegislink_sync_losses_total",
			Help: "Hop synchronization losses per drone",
		}, []string{"drone_id"}),

		channelSwitchesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "aegislink_channel_switches_total",
			Help: "Channel switches by reason class",
		}, []string{"reason"}),

		engineStatus: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "aegislink_engine_status",
			Help: "Engine status (1 for the current status label, 0 otherwise)",
		}, []string{"engine_id", "status"}),

		busPublishedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "aegislink_bus_published_total",
			Help: "Events published per topic",
		}, []string{"topic"}),

		busDroppedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "aegislink_bus_dropped_total",
			Help: "Events dropped on full subscriber queues per topic",
		}, []string{"topic"}),
	}
}

func (p *PrometheusCollector) ThreatDetected(t domain.ThreatType, s domain.Severity) {
	p.threatsDetectedTotal.WithLabelValues(string(t), string(s)).Inc()
}

func (p *PrometheusCollector) ActiveThreats(n int) {
	p.activeThreats.Set(float64(n))
}

func (p *PrometheusCollector) HopExecuted(pattern domain.PatternID) {
	p.hopsExecutedTotal.WithLabelValues(string(pattern)).Inc()
}

func (p *PrometheusCollector) HopCollision(pattern domain.PatternID) {
	p.hopCollisionsTotal.WithLabelValues(string(pattern)).Inc()
}

func (p *PrometheusCollector) SyncLoss(drone domain.DroneID) {
	p.syncLossesTotal.WithLabelValues(string(drone)).Inc()
}

func (p *PrometheusCollector) ChannelSwitch(reason domain.ProtocolApplicability) {
	p.channelSwitchesTotal.WithLabelValues(string(reason)).Inc()
}

var engineStatuses = []domain.EngineStatus{
	domain.EngineStarting,
	domain.EngineOperational,
	domain.EngineDegraded,
	domain.EngineFailed,
	domain.EngineStopping,
	domain.EngineStopped,
}

func (p *PrometheusCollector) EngineStatus(id domain.EngineID, status domain.EngineStatus) {
	for _, s := range engineStatuses {
		val := 0.0
		if s == status {
			val = 1.0
		}
		p.engineStatus.WithLabelValues(string(id), string(s)).Set(val)
	}
}

func (p *PrometheusCollector) BusPublished(topic domain.EventType) {
	p.busPublishedTotal.WithLabelValues(string(topic)).Inc()
}

func (p *PrometheusCollector) BusDropped(topic domain.EventType) {
	p.busDroppedTotal.WithLabelValues(string(topic)).Inc()
}
