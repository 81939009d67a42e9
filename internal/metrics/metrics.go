package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	EnvelopesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tacmesh_envelopes_received_total",
			Help: "Envelopes accepted and dispatched, by transport and kind.",
		},
		[]string{"transport", "kind"},
	)

	EnvelopesRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tacmesh_envelopes_rejected_total",
			Help: "Inbound envelopes dropped by verification or decoding.",
		},
		[]string{"reason"},
	)

	EnvelopesDuplicate = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tacmesh_envelopes_duplicate_total",
			Help: "Inbound envelopes dropped as duplicates of an already processed message.",
		},
	)

	EnvelopesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tacmesh_envelopes_sent_total",
			Help: "Envelopes handed to a transport adapter.",
		},
		[]string{"transport"},
	)

	SendFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tacmesh_send_failures_total",
			Help: "Envelopes a transport adapter gave up on.",
		},
		[]string{"transport"},
	)

	DeliveryTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tacmesh_delivery_transitions_total",
			Help: "Delivery record state changes, by target state.",
		},
		[]string{"state"},
	)
)

func MustRegister() {
	prometheus.MustRegister(
		EnvelopesReceived,
		EnvelopesRejected,
		EnvelopesDuplicate,
		EnvelopesSent,
		SendFailures,
		DeliveryTransitions,
	)
}
