// Package connector groups the polling source framework.
//
// The sub-packages are:
//
//   - core: the Source, Fetcher and Listener contracts and the typed Signal
//     variants a source emits (started, stopped, data, error, breaker opened,
//     breaker closed).
//
//   - base: Connector, the poll loop every source shares. It runs one fetch
//     per interval under a timeout, counts consecutive failures and opens a
//     circuit breaker that closes again after its cool-down.
//
//   - registry: maps a feed type to the factory that builds its Fetcher and
//     wraps the result in a base Connector.
//
//   - sources/httpfeed: the HTTP Fetcher, decoding JSON or Avro payloads
//     with optional gzip, deflate, zstd, snappy, s2 or lz4 content encoding.
//
// # Writing a Fetcher
//
// A Fetcher returns one record per call and honours ctx:
//
//	type clockFetcher struct{}
//
//	func (clockFetcher) Fetch(ctx context.Context) (models.Record, error) {
//	    return models.Record{"source": "clock", "timestamp": time.Now().UnixMilli()}, nil
//	}
//
//	src, err := base.NewConnector(config.DefaultConnectorConfig("clock"), clockFetcher{}, log)
package connector
