// Package metrics exposes the pipeline's Prometheus instrumentation.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Set bundles the collectors the pipeline updates. Constructing a Set
// registers everything against the given registerer.
type Set struct {
	OrdersPublished  prometheus.Counter
	PublishFailures  prometheus.Counter
	MessagesConsumed prometheus.Counter
	DecodeFailures   prometheus.Counter
	PersistFailures  prometheus.Counter
	LongPollWaiting  prometheus.Gauge
	LongPollTimeouts prometheus.Counter
	LongPollNotified prometheus.Counter
}

// NewSet creates and registers the pipeline collectors. Pass
// prometheus.DefaultRegisterer outside of tests.
func NewSet(reg prometheus.Registerer) *Set {
	factory := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "orderflow",
			Name:      name,
			Help:      help,
		})
		reg.MustRegister(c)
		return c
	}

	s := &Set{
		OrdersPublished:  factory("orders_published_total", "Orders successfully published to the broker."),
		PublishFailures:  factory("publish_failures_total", "Publish attempts that failed on encode or send."),
		MessagesConsumed: factory("messages_consumed_total", "Broker messages processed by the ingestor."),
		DecodeFailures:   factory("decode_failures_total", "Messages skipped because their payload could not be decoded."),
		PersistFailures:  factory("persist_failures_total", "Orders that could not be written to the datastore."),
		LongPollTimeouts: factory("longpoll_timeouts_total", "Long-poll requests answered with a null message."),
		LongPollNotified: factory("longpoll_notified_total", "Long-poll requests resolved by a broadcast event."),
	}

	s.LongPollWaiting = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "orderflow",
		Name:      "longpoll_waiting_clients",
		Help:      "Long-poll clients currently waiting for an event.",
	})
	reg.MustRegister(s.LongPollWaiting)

	return s
}

// Serve exposes /metrics on the given port until the context is cancelled,
// then shuts the listener down gracefully. It blocks, so run it in its own
// goroutine.
func Serve(ctx context.Context, port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}

	errc := make(chan error, 1)
	go func() {
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
