package metrics

type Counter interface {
	Inc()
}

type Metrics struct {
	FeedReconnects     Counter
	FeedMessages       Counter
	RecreationsStarted Counter
	RecreationsFailed  Counter
	ActionsFailed      Counter
	UnitsCreated       Counter
	UnitsClosed        Counter
	OrdersPlaced       Counter
}

type noopCounter struct{}

func (noopCounter) Inc() {}

func NewNoop() *Metrics {
	n := noopCounter{}
	return &Metrics{
		FeedReconnects:     n,
		FeedMessages:       n,
		RecreationsStarted: n,
		RecreationsFailed:  n,
		ActionsFailed:      n,
		UnitsCreated:       n,
		UnitsClosed:        n,
		OrdersPlaced:       n,
	}
}

// OrNoop returns m, or a no-op set when m is nil.
func OrNoop(m *Metrics) *Metrics {
	if m == nil {
		return NewNoop()
	}
	return m
}
