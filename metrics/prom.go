package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PasteCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastelite_paste_created_total",
		Help: "no. of pastes created",
	})
	PasteViewed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastelite_paste_viewed_total",
		Help: "no. of counted paste views",
	})
	PastePeeked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastelite_paste_peeked_total",
		Help: "no. of uncounted paste reads (html/qr)",
	})
	PasteUnavailable = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pastelite_paste_unavailable_total",
			Help: "no. of lookups refused, by reason",
		},
		[]string{"reason"},
	)
	IDCollisions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastelite_id_collisions_total",
		Help: "no. of generated ids that were already taken",
	})
	TombstoneHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastelite_tombstone_hits_total",
		Help: "no. of lookups answered from the tombstone cache",
	})
	TombstoneMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastelite_tombstone_misses_total",
		Help: "no. of lookups that went to the store",
	})
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pastelite_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint", "status"},
	)
	PurgeCycles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastelite_purge_cycles_total",
		Help: "no. of purge worker cycles",
	})
	PurgedPastes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastelite_purged_pastes_total",
		Help: "no. of tombstoned pastes deleted by the purge worker",
	})
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pastelite_events_published_total",
			Help: "no. of lifecycle events handed to the broker, by result",
		},
		[]string{"type", "result"},
	)
	StoreUp = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pastelite_store_up",
		Help: "1 if the last health probe reached the store",
	})
)
