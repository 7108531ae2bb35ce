package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "hl_unit_keeper"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type Prometheus struct {
	Metrics *Metrics

	registry           *prometheus.Registry
	feedReconnects     prometheus.Counter
	feedMessages       prometheus.Counter
	recreationsStarted prometheus.Counter
	recreationsFailed  prometheus.Counter
	actionsFailed      prometheus.Counter
	unitsCreated       prometheus.Counter
	unitsClosed        prometheus.Counter
	ordersPlaced       prometheus.Counter
}

func newCounter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      name,
		Help:      help,
	})
}

func NewPrometheus() *Prometheus {
	p := &Prometheus{
		registry:           prometheus.NewRegistry(),
		feedReconnects:     newCounter("feed_reconnects_total", "Total number of account feed reconnects."),
		feedMessages:       newCounter("feed_messages_total", "Total number of account snapshots received."),
		recreationsStarted: newCounter("recreations_started_total", "Total number of unit recreations started."),
		recreationsFailed:  newCounter("recreations_failed_total", "Total number of unit recreations that failed."),
		actionsFailed:      newCounter("actions_failed_total", "Total number of failed unit actions of any kind."),
		unitsCreated:       newCounter("units_created_total", "Total number of units created on request."),
		unitsClosed:        newCounter("units_closed_total", "Total number of units closed on request."),
		ordersPlaced:       newCounter("orders_placed_total", "Total number of orders placed."),
	}
	p.registry.MustRegister(
		p.feedReconnects,
		p.feedMessages,
		p.recreationsStarted,
		p.recreationsFailed,
		p.actionsFailed,
		p.unitsCreated,
		p.unitsClosed,
		p.ordersPlaced,
	)
	p.Metrics = &Metrics{
		FeedReconnects:     promCounter{p.feedReconnects},
		FeedMessages:       promCounter{p.feedMessages},
		RecreationsStarted: promCounter{p.recreationsStarted},
		RecreationsFailed:  promCounter{p.recreationsFailed},
		ActionsFailed:      promCounter{p.actionsFailed},
		UnitsCreated:       promCounter{p.unitsCreated},
		UnitsClosed:        promCounter{p.unitsClosed},
		OrdersPlaced:       promCounter{p.ordersPlaced},
	}
	return p
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
