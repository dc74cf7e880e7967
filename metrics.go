package hookgate

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the gateway's Prometheus instruments. Exposed on the webhook
// server's /metrics endpoint.
type Metrics struct {
	WebhookRequests *prometheus.CounterVec
	MessagesSent    *prometheus.CounterVec
	MatrixErrors    prometheus.Counter
	SyncsTotal      prometheus.Counter
}

// NewMetrics creates and registers the gateway metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		WebhookRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hookgate_webhook_requests_total",
				Help: "Webhook requests received, by outcome",
			},
			[]string{"outcome"},
		),
		MessagesSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hookgate_messages_sent_total",
				Help: "Messages delivered to Matrix rooms, by kind",
			},
			[]string{"kind"},
		),
		MatrixErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "hookgate_matrix_errors_total",
				Help: "Errors talking to the Matrix homeserver",
			},
		),
		SyncsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "hookgate_syncs_total",
				Help: "Completed Matrix sync requests",
			},
		),
	}

	reg.MustRegister(m.WebhookRequests)
	reg.MustRegister(m.MessagesSent)
	reg.MustRegister(m.MatrixErrors)
	reg.MustRegister(m.SyncsTotal)

	return m
}
