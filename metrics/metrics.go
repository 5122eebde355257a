package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RoundHeight represents the settlement block the live round is targeting
	RoundHeight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "strom_round_height",
		Help: "The settlement chain block the live round is targeting",
	})

	// PoolMetrics represents the live order pool sizes
	PoolMetrics = struct {
		LimitOrders    prometheus.Gauge
		SearcherOrders prometheus.Gauge
	}{
		LimitOrders: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "strom_pool_limit_orders",
			Help: "Live limit orders across all pools (pending + parked)",
		}),
		SearcherOrders: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "strom_pool_searcher_orders",
			Help: "Live top-of-block orders across all pools",
		}),
	}

	// ValidationMetrics represents order validation outcomes
	ValidationMetrics = struct {
		Accepted *prometheus.CounterVec
		Rejected *prometheus.CounterVec
	}{
		Accepted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "strom_orders_accepted_total",
			Help: "Orders that passed validation and entered the pool",
		}, []string{"kind"}),
		Rejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "strom_orders_rejected_total",
			Help: "Orders refused by validation or the pool",
		}, []string{"kind"}),
	}

	// PeersConnected represents the count of live roster connections
	PeersConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "strom_peers_connected",
		Help: "Connected roster validators",
	})

	// BundleMetrics represents bundle submission outcomes
	BundleMetrics = struct {
		Submitted prometheus.Counter
		Reorged   prometheus.Counter
	}{
		Submitted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "strom_bundles_submitted_total",
			Help: "Bundle transactions sent to the settlement chain",
		}),
		Reorged: promauto.NewCounter(prometheus.CounterOpts{
			Name: "strom_reorgs_total",
			Help: "Reorgs observed on the settlement chain",
		}),
	}
)

// UpdateRoundHeight records the target block of the live round
func UpdateRoundHeight(height uint64) {
	RoundHeight.Set(float64(height))
}

// UpdatePoolSizes records the live pool sizes after a mutation
func UpdatePoolSizes(limit, searcher int) {
	PoolMetrics.LimitOrders.Set(float64(limit))
	PoolMetrics.SearcherOrders.Set(float64(searcher))
}

// OrderAccepted counts one validated order by kind ("limit" or "searcher")
func OrderAccepted(kind string) {
	ValidationMetrics.Accepted.WithLabelValues(kind).Inc()
}

// OrderRejected counts one refused order by kind
func OrderRejected(kind string) {
	ValidationMetrics.Rejected.WithLabelValues(kind).Inc()
}

// UpdatePeerCount records the live roster connection count
func UpdatePeerCount(connected int) {
	PeersConnected.Set(float64(connected))
}
