// Package metrics exposes the protocol's Prometheus instrumentation: lazily
// initialised registries recording lending-pool utilisation, CDM borrow/
// liquidation activity, and staking-pool flows. Grounded on
// observability/metrics.go's sync.Once-guarded registry pattern (the same
// library the teacher repo uses throughout observability/).
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type protocolMetrics struct {
	poolVault       *prometheus.GaugeVec
	poolUtilisation *prometheus.GaugeVec
	borrows         *prometheus.CounterVec
	liquidations    *prometheus.CounterVec
	flashloans      *prometheus.CounterVec
	dseShareSupply  prometheus.Gauge
}

var (
	once     sync.Once
	registry *protocolMetrics
)

// Registry returns the lazily-initialised protocol metrics registry.
func Registry() *protocolMetrics {
	once.Do(func() {
		registry = &protocolMetrics{
			poolVault: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "nhb",
				Subsystem: "lending",
				Name:      "pool_vault",
				Help:      "Current on-hand liquidity of a lending pool, keyed by underlying asset.",
			}, []string{"underlying"}),
			poolUtilisation: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "nhb",
				Subsystem: "lending",
				Name:      "pool_utilisation_ratio",
				Help:      "total_debt / supply for a lending pool, keyed by underlying asset.",
			}, []string{"underlying"}),
			borrows: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nhb",
				Subsystem: "cdm",
				Name:      "borrows_total",
				Help:      "Total CDM borrow calls segmented by rate mode.",
			}, []string{"mode"}),
			liquidations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nhb",
				Subsystem: "cdm",
				Name:      "liquidations_total",
				Help:      "Total CDM liquidation calls segmented by outcome.",
			}, []string{"outcome"}),
			flashloans: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nhb",
				Subsystem: "cdm",
				Name:      "flashloans_total",
				Help:      "Total flash loan issuances segmented by underlying asset.",
			}, []string{"underlying"}),
			dseShareSupply: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "nhb",
				Subsystem: "staking",
				Name:      "dse_share_supply",
				Help:      "Current total dse share supply across the staking pool.",
			}),
		}
		prometheus.MustRegister(
			registry.poolVault,
			registry.poolUtilisation,
			registry.borrows,
			registry.liquidations,
			registry.flashloans,
			registry.dseShareSupply,
		)
	})
	return registry
}

// ObservePoolVault records a lending pool's current on-hand liquidity.
func (m *protocolMetrics) ObservePoolVault(underlying string, vault float64) {
	if m == nil {
		return
	}
	m.poolVault.WithLabelValues(underlying).Set(vault)
}

// ObservePoolUtilisation records a lending pool's current utilisation ratio.
func (m *protocolMetrics) ObservePoolUtilisation(underlying string, ratio float64) {
	if m == nil {
		return
	}
	m.poolUtilisation.WithLabelValues(underlying).Set(ratio)
}

// IncBorrow counts one CDM borrow call under the given rate mode ("variable"
// or "stable").
func (m *protocolMetrics) IncBorrow(mode string) {
	if m == nil {
		return
	}
	m.borrows.WithLabelValues(mode).Inc()
}

// IncLiquidation counts one CDM liquidation call under the given outcome
// ("partial" or "full").
func (m *protocolMetrics) IncLiquidation(outcome string) {
	if m == nil {
		return
	}
	m.liquidations.WithLabelValues(outcome).Inc()
}

// IncFlashloan counts one flash loan issuance for the given underlying asset.
func (m *protocolMetrics) IncFlashloan(underlying string) {
	if m == nil {
		return
	}
	m.flashloans.WithLabelValues(underlying).Inc()
}

// SetDseShareSupply records the staking pool's current total dse share supply.
func (m *protocolMetrics) SetDseShareSupply(supply float64) {
	if m == nil {
		return
	}
	m.dseShareSupply.Set(supply)
}
