package ingestion

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/feedstream/pkg/connector/core"
	"github.com/ajitpratap0/feedstream/pkg/errors"
	"github.com/ajitpratap0/feedstream/pkg/json"
	"github.com/ajitpratap0/feedstream/pkg/metrics"
	"github.com/ajitpratap0/feedstream/pkg/models"
)

// Accepted timestamp window relative to the time a record is received.
const (
	MaxRecordAge = time.Hour
	MaxClockSkew = time.Minute
)

// Dead-letter reasons.
const (
	ReasonValidation = "validation"
	ReasonPublish    = "publish"
	ReasonFetch      = "fetch"
)

func (s *Supervisor) onSignal(e *entry, sig core.Signal) {
	switch sig.Kind {
	case core.SignalDataEmitted:
		s.handleData(e, sig.Record)
	case core.SignalErrorRaised:
		s.handleError(e, sig.Err)
	case core.SignalStarted:
		s.logger.Info("connector started", zap.String("connector", e.name))
	case core.SignalStopped:
		s.logger.Info("connector stopped", zap.String("connector", e.name))
	case core.SignalBreakerOpened:
		s.logger.Warn("connector circuit breaker opened", zap.String("connector", e.name))
	case core.SignalBreakerClosed:
		s.logger.Info("connector circuit breaker closed", zap.String("connector", e.name))
	}
}

func (s *Supervisor) handleData(e *entry, rec models.Record) {
	now := s.now()

	s.mu.Lock()
	if !s.registered(e) {
		s.mu.Unlock()
		return
	}
	e.dataCount++
	e.lastDataAt = now
	e.isHealthy = true
	s.mu.Unlock()
	metrics.ConnectorHealthy.WithLabelValues(e.name).Set(1)

	enriched := models.NewEnrichedRecord(rec, models.IngestionInfo{
		ConnectorName: e.name,
		ReceivedAt:    now,
		MessageID:     s.newID(),
	})
	log := s.logger.With(
		zap.String("connector", e.name),
		zap.String("message_id", enriched.Ingestion.MessageID))

	if err := ValidateRecord(enriched.Record, now); err != nil {
		log.Warn("record failed validation", zap.Error(err))
		s.deadLetter(e, enriched.Payload(), ReasonValidation, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	_, err := s.queue.Publish(ctx, s.topics.RawData, enriched.Payload(), map[string]interface{}{
		"connector": e.name,
		"messageId": enriched.Ingestion.MessageID,
	})
	if err != nil {
		log.Warn("failed to publish record", zap.Error(err))
		s.deadLetter(e, enriched.Payload(), ReasonPublish, err)
		return
	}

	metrics.RecordsIngested.WithLabelValues(e.name).Inc()
	e.throughput.Increment(1)
	log.Debug("record ingested")

	s.emit(Event{
		Kind:      EventIngested,
		Connector: e.name,
		MessageID: enriched.Ingestion.MessageID,
		Record:    enriched,
		At:        now,
	})
}

func (s *Supervisor) handleError(e *entry, ferr error) {
	if ferr == nil {
		ferr = errors.New(errors.ErrorTypeFetch, "connector reported an error without detail")
	}
	now := s.now()

	s.mu.Lock()
	if !s.registered(e) {
		s.mu.Unlock()
		return
	}
	e.errorCount++
	e.lastErrorAt = now
	e.lastError = ferr.Error()
	if e.errorCount > MaxErrorCount {
		e.isHealthy = false
	}
	count, healthy := e.errorCount, e.isHealthy
	s.mu.Unlock()

	if !healthy {
		metrics.ConnectorHealthy.WithLabelValues(e.name).Set(0)
	}
	s.logger.Debug("connector error recorded",
		zap.String("connector", e.name),
		zap.Int64("error_count", count),
		zap.Error(ferr))

	s.emit(Event{Kind: EventFailed, Connector: e.name, Err: ferr, At: now})
	s.deadLetter(e, nil, ReasonFetch, ferr)
}

// deadLetter writes a DeadLetterEntry to the dead-letter topic. A write
// failure is logged and otherwise swallowed.
func (s *Supervisor) deadLetter(e *entry, payload map[string]interface{}, reason string, cause error) {
	if !s.cfg.DeadLetterEnabled {
		return
	}

	now := s.now()
	dl := &models.DeadLetterEntry{
		OriginalRecord: payload,
		ConnectorName:  e.name,
		Error:          cause.Error(),
		FailureTime:    now,
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	if _, err := s.queue.Publish(ctx, s.topics.DeadLetter, dl, map[string]interface{}{
		"connector": e.name,
		"reason":    reason,
	}); err != nil {
		s.logger.Error("failed to write dead letter",
			zap.String("connector", e.name),
			zap.String("reason", reason),
			zap.Error(errors.DeadLetterWrite(err)))
		return
	}

	s.mu.Lock()
	e.deadLetters++
	s.mu.Unlock()
	metrics.DeadLetters.WithLabelValues(e.name, reason).Inc()

	s.emit(Event{Kind: EventDeadLettered, Connector: e.name, Reason: reason, Err: cause, At: now})
}

// ValidateRecord checks that rec carries a non-null source and a timestamp,
// in epoch milliseconds, within [now-MaxRecordAge, now+MaxClockSkew].
func ValidateRecord(rec models.Record, now time.Time) error {
	if rec == nil {
		return errors.Validation("record is empty")
	}
	if v, ok := rec[models.FieldSource]; !ok || v == nil {
		return errors.Validation("record has no source")
	}

	raw, ok := rec.Timestamp()
	if !ok {
		return errors.Validation("record has no timestamp")
	}
	ms, err := epochMillis(raw)
	if err != nil {
		return errors.Validation(err.Error()).WithDetail("timestamp", raw)
	}

	ts := time.UnixMilli(ms)
	if ts.Before(now.Add(-MaxRecordAge)) || ts.After(now.Add(MaxClockSkew)) {
		return errors.Validation(fmt.Sprintf("timestamp %s outside accepted window [%s, %s]",
			ts.UTC().Format(time.RFC3339), now.Add(-MaxRecordAge).UTC().Format(time.RFC3339),
			now.Add(MaxClockSkew).UTC().Format(time.RFC3339))).
			WithDetail("timestamp", ms)
	}
	return nil
}

func epochMillis(v interface{}) (int64, error) {
	switch t := v.(type) {
	case int64:
		return t, nil
	case int:
		return int64(t), nil
	case int32:
		return int64(t), nil
	case uint32:
		return int64(t), nil
	case uint64:
		if t > math.MaxInt64 {
			return 0, fmt.Errorf("timestamp %d out of range", t)
		}
		return int64(t), nil
	case float64:
		return floatMillis(t)
	case float32:
		return floatMillis(float64(t))
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i, nil
		}
		f, err := t.Float64()
		if err != nil {
			return 0, fmt.Errorf("timestamp %q is not a number", t.String())
		}
		return floatMillis(f)
	case time.Time:
		return t.UnixMilli(), nil
	default:
		return 0, fmt.Errorf("timestamp has unsupported type %T", v)
	}
}

func floatMillis(f float64) (int64, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f > math.MaxInt64 || f < math.MinInt64 {
		return 0, fmt.Errorf("timestamp %v out of range", f)
	}
	return int64(f), nil
}
