// Package feedstream polls upstream feeds on fixed intervals and supervises
// their ingestion into a queue.
//
// # Architecture
//
// Three layers cooperate:
//
// 1. Queue backends (pkg/queue): a uniform publish/subscribe contract over an
// in-process buffer, a Kafka broker or a Redis list store. Construction
// never fails; an unreachable backend falls back to the buffer.
//
// 2. Source connectors (pkg/connector/base): each runs a poll loop around a
// Fetcher, bounded by a fetch timeout and protected by a time-based circuit
// breaker. Connectors report lifecycle, data and errors as typed signals.
//
// 3. The ingestion supervisor (internal/ingestion): owns the connectors,
// validates and enriches every record, publishes it to the raw data topic,
// dead-letters what cannot be ingested and restarts connectors that go
// stale or unhealthy.
//
// # Quick Start
//
//	log, _ := logger.New(logger.DefaultConfig())
//	q := queue.New(ctx, config.DefaultQueueConfig(), log)
//
//	reg := registry.NewRegistry(log)
//	_ = httpfeed.Register(reg)
//
//	cc := config.DefaultConnectorConfig("weather")
//	cc.Feed.URL = "https://feeds.example.com/weather"
//	src, _ := reg.Create(cc, log)
//
//	sup, _ := ingestion.New(config.DefaultSupervisorConfig(), q, log)
//	_ = sup.RegisterConnector(cc.Name, src)
//	_ = sup.Start()
//	defer sup.Stop(context.Background())
//
// The feedstream command (cmd/feedstream) wires the same pieces from a YAML
// file and serves /health, /status and /metrics.
package feedstream
