// Package telemetry exposes process-level prometheus instruments for the
// charging pipeline.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/fx"
)

// Metrics counts the billing events the engine produces.
type Metrics struct {
	ChargesResolved   *prometheus.CounterVec
	ChargesFinalized  *prometheus.CounterVec
	ChargeRollbacks   *prometheus.CounterVec
	CDRDispatches     *prometheus.CounterVec
	PayoutBatches     *prometheus.CounterVec
	PayoutItemResults *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ChargesResolved: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "charging_charges_resolved_total",
			Help: "Charge resolutions by concept and outcome.",
		}, []string{"concept", "outcome"}),
		ChargesFinalized: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "charging_charges_finalized_total",
			Help: "Finalized charges by concept.",
		}, []string{"concept"}),
		ChargeRollbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "charging_charge_rollbacks_total",
			Help: "Pending payments rolled back by cause.",
		}, []string{"cause"}),
		CDRDispatches: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "charging_cdr_dispatches_total",
			Help: "CDR batch dispatches by result.",
		}, []string{"result"}),
		PayoutBatches: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "charging_payout_batches_total",
			Help: "Submitted payout batches by terminal status.",
		}, []string{"status"}),
		PayoutItemResults: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "charging_payout_items_total",
			Help: "Per-recipient payout results.",
		}, []string{"result"}),
	}
}

func provide() (*prometheus.Registry, *Metrics) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	return reg, New(reg)
}

var Module = fx.Module("telemetry",
	fx.Provide(provide),
)
