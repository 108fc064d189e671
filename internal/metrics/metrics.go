// Package metrics holds the prometheus collectors of the server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "tether"

type Metrics struct {
	Connections         prometheus.Gauge
	OnlineUsers         prometheus.Gauge
	PresenceTransitions *prometheus.CounterVec
	MessagesSent        *prometheus.CounterVec
	MessageMutations    *prometheus.CounterVec
	RateLimited         prometheus.Counter
	RateLimitWindows    prometheus.Gauge
	DroppedFrames       prometheus.Counter
	StoreErrors         *prometheus.CounterVec
	MediaRooms          prometheus.Gauge
	MediaHandles        *prometheus.GaugeVec
	Calls               *prometheus.CounterVec
	ActiveCalls         prometheus.Gauge
	AuthVerifier        *prometheus.CounterVec
}

// New builds the collectors and registers them on reg. A nil reg leaves
// them unregistered, which is what tests want.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "connections",
			Help: "Live signaling connections.",
		}),
		OnlineUsers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "online_users",
			Help: "Users with at least one live connection.",
		}),
		PresenceTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "presence_transitions_total",
			Help: "Online and offline transitions.",
		}, []string{"state"}),
		MessagesSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_sent_total",
			Help: "Persisted messages by kind.",
		}, []string{"kind"}),
		MessageMutations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "message_mutations_total",
			Help: "Edits, deletes, reactions and pins.",
		}, []string{"op"}),
		RateLimited: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "rate_limited_total",
			Help: "Messages rejected by the rate limiter.",
		}),
		RateLimitWindows: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "rate_limit_windows",
			Help: "Tracked rate limit windows.",
		}),
		DroppedFrames: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "dropped_frames_total",
			Help: "Events dropped because a send buffer was full.",
		}),
		StoreErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "store_errors_total",
			Help: "Durable store failures by operation.",
		}, []string{"op"}),
		MediaRooms: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "media_rooms",
			Help: "Open media rooms.",
		}),
		MediaHandles: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "media_handles",
			Help: "Open transports, producers and consumers.",
		}, []string{"type"}),
		Calls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "calls_total",
			Help: "Finished calls by outcome.",
		}, []string{"outcome"}),
		ActiveCalls: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "active_calls",
			Help: "Calls ringing or in progress.",
		}),
		AuthVerifier: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "auth_verifier_total",
			Help: "Successful authentications by the secret that matched.",
		}, []string{"verifier"}),
	}
}
