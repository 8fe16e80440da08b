// Package httpfeed implements the HTTP polling fetch collaborator.
//
// A Fetcher issues one GET against the configured feed URL per call, decodes
// the body according to its Content-Encoding and the configured format, and
// returns a single record. A transport error or a 5xx response is retried
// once after RetryDelay; every other failure is returned as is so that the
// owning connector counts it.
package httpfeed

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/feedstream/pkg/clients"
	"github.com/ajitpratap0/feedstream/pkg/config"
	"github.com/ajitpratap0/feedstream/pkg/connector/base"
	"github.com/ajitpratap0/feedstream/pkg/connector/core"
	"github.com/ajitpratap0/feedstream/pkg/connector/registry"
	"github.com/ajitpratap0/feedstream/pkg/errors"
	"github.com/ajitpratap0/feedstream/pkg/logger"
	"github.com/ajitpratap0/feedstream/pkg/models"
)

// MaxBodyBytes caps a decoded response body.
const MaxBodyBytes = 32 << 20

// Fetcher polls one HTTP feed.
type Fetcher struct {
	cfg    config.ConnectorConfig
	client *clients.HTTPClient
	retry  *base.RetryPolicy
	logger *zap.Logger
	now    func() time.Time
}

var _ core.Fetcher = (*Fetcher)(nil)

// NewFetcher builds a fetcher for cfg.Feed.
func NewFetcher(cfg config.ConnectorConfig, log *zap.Logger) (*Fetcher, error) {
	if cfg.Feed.URL == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "feed url is required").WithDetail("connector", cfg.Name)
	}
	switch cfg.Feed.Format {
	case "":
		cfg.Feed.Format = config.FormatJSON
	case config.FormatJSON, config.FormatAvro:
	default:
		return nil, errors.Newf(errors.ErrorTypeConfig, "unknown feed format %q", cfg.Feed.Format)
	}
	if cfg.Feed.Source == "" {
		cfg.Feed.Source = cfg.Name
	}

	l := logger.OrNop(log).With(
		zap.String("component", "http_feed"),
		zap.String("connector", cfg.Name),
	)

	httpCfg := clients.DefaultHTTPConfig()
	httpCfg.RateLimit = cfg.Feed.RateLimit
	if cfg.FetchTimeout > 0 {
		httpCfg.ResponseHeaderTimeout = cfg.FetchTimeout
	}

	return &Fetcher{
		cfg:    cfg,
		client: clients.NewHTTPClient(httpCfg, l),
		retry:  base.NewRetryPolicy(2, cfg.RetryDelay),
		logger: l,
		now:    time.Now,
	}, nil
}

// Factory adapts NewFetcher to registry.FetcherFactory.
func Factory(cfg config.ConnectorConfig, log *zap.Logger) (core.Fetcher, error) {
	return NewFetcher(cfg, log)
}

// Register adds the HTTP feed type to r.
func Register(r *registry.Registry) error {
	return r.Register(config.FeedTypeHTTP, Factory)
}

// Fetch performs one poll with at most one retry.
func (f *Fetcher) Fetch(ctx context.Context) (models.Record, error) {
	var rec models.Record
	err := f.retry.ExecuteWithCondition(ctx, func() error {
		var err error
		rec, err = f.fetchOnce(ctx)
		return err
	}, func(err error) bool {
		if !f.shouldRetry(ctx, err) {
			return false
		}
		f.logger.Debug("retrying fetch", zap.Error(err), zap.Duration("delay", f.cfg.RetryDelay))
		return true
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Stats returns the underlying client statistics.
func (f *Fetcher) Stats() clients.HTTPStats {
	return f.client.GetStats()
}

// Close releases idle connections.
func (f *Fetcher) Close() error {
	return f.client.Close()
}

func (f *Fetcher) shouldRetry(ctx context.Context, err error) bool {
	return ctx.Err() == nil && f.cfg.RetryDelay > 0 && errors.IsRetryable(err)
}

func (f *Fetcher) fetchOnce(ctx context.Context) (models.Record, error) {
	resp, err := f.client.Get(ctx, f.cfg.Feed.URL, f.cfg.Feed.Headers)
	if err != nil {
		return nil, errors.Fetch(err).WithDetail("url", f.cfg.Feed.URL)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= http.StatusInternalServerError:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, errors.Fetch(fmt.Errorf("upstream returned status %d", resp.StatusCode)).
			WithDetail("status", resp.StatusCode)
	case resp.StatusCode >= http.StatusBadRequest:
		return nil, errors.Newf(errors.ErrorTypeData, "upstream returned status %d", resp.StatusCode).
			WithDetail("status", resp.StatusCode)
	}

	body, err := decompress(resp)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	rec, err := decode(f.cfg.Feed.Format, io.LimitReader(body, MaxBodyBytes))
	if err != nil {
		return nil, err
	}

	f.fill(rec)
	return rec, nil
}

// fill sets the source and timestamp fields the upstream left out.
func (f *Fetcher) fill(rec models.Record) {
	if v, ok := rec[models.FieldSource]; !ok || v == nil {
		rec[models.FieldSource] = f.cfg.Feed.Source
	}
	if v, ok := rec[models.FieldTimestamp]; !ok || v == nil {
		rec[models.FieldTimestamp] = f.now().UnixMilli()
	}
}
