package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"lanchat/internal/model"
)

const namespace = "lanchat"

// Metrics counts inbound connections, dispatched operations and finished
// transfers on a private registry.
type Metrics struct {
	reg *prometheus.Registry

	connections   *prometheus.CounterVec
	operations    *prometheus.CounterVec
	transfers     *prometheus.CounterVec
	transferBytes *prometheus.CounterVec
	offers        prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		connections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Inbound connections by outcome.",
		}, []string{"outcome"}),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Operations received on fresh connections.",
		}, []string{"type"}),
		transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfers_total",
			Help:      "Transfers that reached a terminal status.",
		}, []string{"direction", "status"}),
		transferBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfer_bytes_total",
			Help:      "File bytes moved by finished transfers.",
		}, []string{"direction"}),
		offers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfers_created_total",
			Help:      "Transfers registered in either direction.",
		}),
	}
	m.reg.MustRegister(
		m.connections,
		m.operations,
		m.transfers,
		m.transferBytes,
		m.offers,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Connection(outcome string) {
	m.connections.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Operation(op model.OpType) {
	m.operations.WithLabelValues(string(op)).Inc()
}

// ObserveTransfer is a registry observer. It sees every snapshot change and
// only counts creations and terminal transitions.
func (m *Metrics) ObserveTransfer(s model.TransferSnapshot) {
	switch {
	case s.Status == model.StatusWaiting && s.BytesTransferred == 0:
		m.offers.Inc()
	case s.Status.Terminal():
		dir := string(s.Direction)
		m.transfers.WithLabelValues(dir, string(s.Status)).Inc()
		m.transferBytes.WithLabelValues(dir).Add(float64(s.BytesTransferred))
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
