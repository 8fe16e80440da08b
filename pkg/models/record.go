// Package models holds the data shapes that flow between connectors, the
// ingestion supervisor and the queue.
package models

import (
	"time"
)

// Well-known record field names.
const (
	FieldTimestamp = "timestamp"
	FieldSource    = "source"
	FieldIngestion = "ingestion"
)

// Record is the payload a connector emits for one successful poll. It must
// carry a timestamp (epoch milliseconds) and a source name.
type Record map[string]interface{}

// Timestamp returns the raw timestamp field.
func (r Record) Timestamp() (interface{}, bool) {
	v, ok := r[FieldTimestamp]
	return v, ok && v != nil
}

// Source returns the source field when it is a string.
func (r Record) Source() (string, bool) {
	s, ok := r[FieldSource].(string)
	return s, ok
}

// Clone returns a shallow copy of r.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// IngestionInfo is the block the supervisor attaches to every record it accepts.
type IngestionInfo struct {
	ConnectorName string    `json:"connectorName"`
	ReceivedAt    time.Time `json:"receivedAt"`
	MessageID     string    `json:"messageId"`
}

// EnrichedRecord is a Record plus its ingestion block. It is not mutated
// after construction.
type EnrichedRecord struct {
	Record    Record
	Ingestion IngestionInfo
}

// NewEnrichedRecord copies rec so later changes by the producer cannot leak in.
func NewEnrichedRecord(rec Record, info IngestionInfo) *EnrichedRecord {
	return &EnrichedRecord{Record: rec.Clone(), Ingestion: info}
}

// Payload flattens the record and its ingestion block into one map for
// publishing.
func (e *EnrichedRecord) Payload() map[string]interface{} {
	out := make(map[string]interface{}, len(e.Record)+1)
	for k, v := range e.Record {
		out[k] = v
	}
	out[FieldIngestion] = e.Ingestion
	return out
}

// DeadLetterEntry describes a record, or a failure with no record, that could
// not be ingested.
type DeadLetterEntry struct {
	OriginalRecord map[string]interface{} `json:"originalRecord"`
	ConnectorName  string                 `json:"connectorName"`
	Error          string                 `json:"error"`
	FailureTime    time.Time              `json:"failureTime"`
}

// QueueMessage is the envelope every published payload travels in.
type QueueMessage struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Topic     string                 `json:"topic"`
	Payload   interface{}            `json:"payload"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}
