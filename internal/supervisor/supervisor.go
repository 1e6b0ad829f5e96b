// Package supervisor drives broker bootstrap: schema resolution, publisher
// connect, and the ingestor subscription, retried as one unit until the
// whole sequence succeeds.
package supervisor

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v3"

	"github.com/drblury/orderflow/internal/broker"
	"github.com/drblury/orderflow/internal/buffer"
	"github.com/drblury/orderflow/internal/config"
	"github.com/drblury/orderflow/internal/logging"
	"github.com/drblury/orderflow/internal/metrics"
	"github.com/drblury/orderflow/internal/schema"
)

// DefaultRetryInterval is the fixed delay between bootstrap attempts.
const DefaultRetryInterval = 5 * time.Second

// SchemaResolver resolves the order schema id. Satisfied by
// *schema.Registrar.
type SchemaResolver interface {
	Resolve() (int, error)
}

// Deps collects the collaborators the supervisor wires together.
type Deps struct {
	Config    *config.Config
	Registrar SchemaResolver
	Codec     *schema.Codec
	Publisher *broker.Publisher
	Store     broker.OrderStore
	Buffer    *buffer.Ring
	Notifier  broker.Notifier
	Logger    logging.ServiceLogger
	Metrics   *metrics.Set
}

// Supervisor retries the bootstrap sequence with a fixed backoff, forever.
// Contrast with the datastore connection, which is fatal at startup and
// never retried.
type Supervisor struct {
	deps     Deps
	interval time.Duration
}

// New returns a Supervisor using the retry interval from the configuration.
func New(deps Deps) *Supervisor {
	interval := deps.Config.BootstrapRetryInterval
	if interval <= 0 {
		interval = DefaultRetryInterval
	}
	return &Supervisor{deps: deps, interval: interval}
}

// Start runs bootstrap attempts until one succeeds or the context is
// cancelled. On success the ingestor consume loop is running in the
// background and the publisher is bound and usable.
func (s *Supervisor) Start(ctx context.Context) error {
	policy := backoff.WithContext(backoff.NewConstantBackOff(s.interval), ctx)

	return backoff.RetryNotify(
		func() error { return s.attempt(ctx) },
		policy,
		func(err error, next time.Duration) {
			s.deps.Logger.Error("broker bootstrap failed", err, logging.LogFields{
				"retry_in": next.String(),
			})
		},
	)
}

// attempt performs one full initialisation pass. Any failing step aborts the
// pass; nothing from a failed pass is left bound.
func (s *Supervisor) attempt(ctx context.Context) error {
	schemaID, err := s.deps.Registrar.Resolve()
	if err != nil {
		return err
	}

	wmLogger := logging.NewWatermillAdapter(s.deps.Logger)

	pub, err := broker.NewKafkaPublisher(s.deps.Config, wmLogger)
	if err != nil {
		return err
	}

	sub, err := broker.NewKafkaSubscriber(s.deps.Config, wmLogger)
	if err != nil {
		_ = pub.Close()
		return err
	}

	ingestor := broker.NewIngestor(
		s.deps.Config.OrdersTopic,
		sub,
		s.deps.Codec,
		s.deps.Store,
		s.deps.Buffer,
		s.deps.Notifier,
		s.deps.Logger,
		s.deps.Metrics,
	)
	if err := ingestor.Start(ctx); err != nil {
		_ = pub.Close()
		_ = sub.Close()
		return err
	}

	s.deps.Publisher.Bind(pub, schemaID)
	s.deps.Logger.Info("pipeline started", logging.LogFields{
		"topic":     s.deps.Config.OrdersTopic,
		"schema_id": schemaID,
	})
	return nil
}
