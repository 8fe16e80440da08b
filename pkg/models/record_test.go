package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRecordAccessors(t *testing.T) {
	r := Record{FieldTimestamp: int64(5), FieldSource: "feed"}

	ts, ok := r.Timestamp()
	assert.True(t, ok)
	assert.Equal(t, int64(5), ts)

	src, ok := r.Source()
	assert.True(t, ok)
	assert.Equal(t, "feed", src)

	_, ok = Record{FieldTimestamp: nil}.Timestamp()
	assert.False(t, ok)

	_, ok = Record{FieldSource: 7}.Source()
	assert.False(t, ok)
}

func TestEnrichedRecordIsIsolated(t *testing.T) {
	rec := Record{FieldSource: "feed", "v": 1}
	info := IngestionInfo{ConnectorName: "c", ReceivedAt: time.Now(), MessageID: "m"}
	e := NewEnrichedRecord(rec, info)

	rec["v"] = 2
	assert.Equal(t, 1, e.Record["v"])

	p := e.Payload()
	assert.Equal(t, info, p[FieldIngestion])
	assert.Equal(t, "feed", p[FieldSource])
}
