package schema

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/hamba/avro/v2"

	"github.com/drblury/orderflow/internal/domain"
)

// Confluent wire format: one magic byte, a big-endian uint32 schema id, then
// the Avro binary body.
const (
	magicByte    = byte(0)
	headerLength = 5
)

// DecodeError marks a payload that could not be decoded against any known
// schema version. The ingestor treats it as a skippable per-message failure.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("orderflow: decode order payload: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("orderflow: decode order payload: %s", e.Reason)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Codec encodes and decodes Order payloads in the Confluent wire format.
// Encoding always uses the canonical embedded schema; decoding resolves the
// writer schema from the id carried in the payload header.
type Codec struct {
	client RegistryClient

	mu     sync.RWMutex
	parsed map[int]avro.Schema

	canonical avro.Schema
}

// NewCodec returns a Codec backed by the given registry client.
func NewCodec(client RegistryClient) (*Codec, error) {
	canonical, err := avro.Parse(orderSchemaJSON)
	if err != nil {
		return nil, fmt.Errorf("orderflow: parse canonical order schema: %w", err)
	}
	return &Codec{
		client:    client,
		parsed:    make(map[int]avro.Schema),
		canonical: canonical,
	}, nil
}

// Encode serialises the order against the canonical schema and frames it with
// the given registry schema id.
func (c *Codec) Encode(order domain.Order, schemaID int) ([]byte, error) {
	body, err := avro.Marshal(c.canonical, order)
	if err != nil {
		return nil, fmt.Errorf("orderflow: encode order %s: %w", order.ID, err)
	}

	payload := make([]byte, headerLength, headerLength+len(body))
	payload[0] = magicByte
	binary.BigEndian.PutUint32(payload[1:headerLength], uint32(schemaID))
	return append(payload, body...), nil
}

// Decode parses a wire payload back into an Order. Malformed headers, unknown
// schema ids, and bodies that do not match the writer schema all come back as
// a *DecodeError.
func (c *Codec) Decode(payload []byte) (domain.Order, error) {
	if len(payload) < headerLength {
		return domain.Order{}, &DecodeError{Reason: fmt.Sprintf("payload too short (%d bytes)", len(payload))}
	}
	if payload[0] != magicByte {
		return domain.Order{}, &DecodeError{Reason: fmt.Sprintf("unexpected magic byte 0x%02x", payload[0])}
	}

	schemaID := int(binary.BigEndian.Uint32(payload[1:headerLength]))
	writerSchema, err := c.writerSchema(schemaID)
	if err != nil {
		return domain.Order{}, &DecodeError{Reason: fmt.Sprintf("resolve schema id %d", schemaID), Err: err}
	}

	var order domain.Order
	if err := avro.Unmarshal(writerSchema, payload[headerLength:], &order); err != nil {
		return domain.Order{}, &DecodeError{Reason: fmt.Sprintf("unmarshal with schema id %d", schemaID), Err: err}
	}
	return order, nil
}

// writerSchema returns the parsed schema registered under the id, fetching
// and caching it on first use.
func (c *Codec) writerSchema(id int) (avro.Schema, error) {
	c.mu.RLock()
	parsed, ok := c.parsed[id]
	c.mu.RUnlock()
	if ok {
		return parsed, nil
	}

	definition, err := c.client.SchemaByID(id)
	if err != nil {
		return nil, err
	}
	parsed, err = avro.Parse(definition)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.parsed[id] = parsed
	c.mu.Unlock()
	return parsed, nil
}
