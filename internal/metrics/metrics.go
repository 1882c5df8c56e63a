// Package metrics holds the Prometheus collectors of the auction core.
//
// Exposed series:
//   - livebid_bids_total{outcome}              accepted or the rejection reason
//   - livebid_bid_attempts_total                transaction attempts, including retries
//   - livebid_bid_duration_seconds              PlaceBid latency
//   - livebid_auction_transitions_total{to}     committed lifecycle transitions
//   - livebid_settlements_total{result}         sold or unsold
//   - livebid_handoffs_total{status}            delivered or failed hand-offs
//   - livebid_cache_requests_total{result}      detail cache hit, miss or error
//
// They are registered in init() and served at /metrics by the API and worker mains.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "livebid"

var (
	BidsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bids_total",
			Help:      "Bids processed by outcome",
		},
		[]string{"outcome"},
	)

	BidAttempts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bid_attempts_total",
			Help:      "Bid transaction attempts including retries",
		},
	)

	BidDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "bid_duration_seconds",
			Help:      "PlaceBid latency",
			Buckets:   prometheus.DefBuckets,
		},
	)

	AuctionTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auction_transitions_total",
			Help:      "Committed auction lifecycle transitions by target status",
		},
		[]string{"to"},
	)

	Settlements = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlements_total",
			Help:      "Settled auctions by result",
		},
		[]string{"result"},
	)

	Handoffs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handoffs_total",
			Help:      "Fulfillment hand-offs by final status",
		},
		[]string{"status"},
	)

	CacheRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_requests_total",
			Help:      "Auction detail cache lookups by result",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(
		BidsTotal,
		BidAttempts,
		BidDuration,
		AuctionTransitions,
		Settlements,
		Handoffs,
		CacheRequests,
	)
}

// Handler serves the default registry in the Prometheus text format
func Handler() http.Handler {
	return promhttp.Handler()
}
