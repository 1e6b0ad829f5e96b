// Package schema binds the Order type to a Confluent Schema Registry entry
// and provides the wire codec used on the orders topic.
package schema

import (
	_ "embed"
	"fmt"
	"sync"

	"github.com/riferrei/srclient"
)

// Subject is the registry subject the Order schema is registered under. It
// matches the record's fully-qualified Avro name.
const Subject = "com.ecommerce.Order"

//go:embed order.avsc
var orderSchemaJSON string

// CanonicalSchema returns the embedded Order schema definition.
func CanonicalSchema() string { return orderSchemaJSON }

// RegistryClient is the slice of the Confluent Schema Registry API the
// service needs. *srclient.SchemaRegistryClient satisfies it via the adapter
// returned by NewRegistryClient.
type RegistryClient interface {
	// Register registers the schema under the subject and returns its id.
	Register(subject, schemaJSON string) (int, error)
	// LatestID returns the id of the latest schema version for the subject.
	LatestID(subject string) (int, error)
	// SchemaByID returns the schema definition registered under the id.
	SchemaByID(id int) (string, error)
}

type srclientAdapter struct {
	client srclient.ISchemaRegistryClient
}

// NewRegistryClient wraps an srclient client in the RegistryClient interface.
func NewRegistryClient(client srclient.ISchemaRegistryClient) RegistryClient {
	return &srclientAdapter{client: client}
}

// NewRegistryClientForURL builds a RegistryClient talking to the registry at
// the given base URL.
func NewRegistryClientForURL(url string) RegistryClient {
	return NewRegistryClient(srclient.NewSchemaRegistryClient(url))
}

func (a *srclientAdapter) Register(subject, schemaJSON string) (int, error) {
	s, err := a.client.CreateSchema(subject, schemaJSON, srclient.Avro)
	if err != nil {
		return 0, err
	}
	return s.ID(), nil
}

func (a *srclientAdapter) LatestID(subject string) (int, error) {
	s, err := a.client.GetLatestSchema(subject)
	if err != nil {
		return 0, err
	}
	return s.ID(), nil
}

func (a *srclientAdapter) SchemaByID(id int) (string, error) {
	s, err := a.client.GetSchema(id)
	if err != nil {
		return "", err
	}
	return s.Schema(), nil
}

// Registrar resolves the schema id for the Order type. Resolution happens
// once per process; subsequent calls return the cached id. Failures are left
// to the bootstrap supervisor to retry.
type Registrar struct {
	client RegistryClient

	mu       sync.Mutex
	id       int
	resolved bool
}

// NewRegistrar returns a Registrar backed by the given registry client.
func NewRegistrar(client RegistryClient) *Registrar {
	return &Registrar{client: client}
}

// Resolve registers the canonical Order schema, falling back to the latest
// registered version when registration is rejected (typically because the
// schema already exists). It fails only when both paths fail.
func (r *Registrar) Resolve() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.resolved {
		return r.id, nil
	}

	id, regErr := r.client.Register(Subject, orderSchemaJSON)
	if regErr != nil {
		var latestErr error
		id, latestErr = r.client.LatestID(Subject)
		if latestErr != nil {
			return 0, fmt.Errorf("orderflow: resolve order schema: register: %w; latest: %w", regErr, latestErr)
		}
	}

	r.id = id
	r.resolved = true
	return id, nil
}
