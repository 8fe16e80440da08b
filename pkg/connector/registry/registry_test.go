package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/ajitpratap0/feedstream/pkg/config"
	"github.com/ajitpratap0/feedstream/pkg/connector/core"
	"github.com/ajitpratap0/feedstream/pkg/errors"
	"github.com/ajitpratap0/feedstream/pkg/models"
)

func stubFactory(cfg config.ConnectorConfig, _ *zap.Logger) (core.Fetcher, error) {
	return core.FetchFunc(func(context.Context) (models.Record, error) {
		return models.Record{models.FieldSource: cfg.Feed.Source, models.FieldTimestamp: time.Now().UnixMilli()}, nil
	}), nil
}

func TestRegisterAndList(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t))

	require.NoError(t, r.Register("http", stubFactory))
	require.NoError(t, r.Register("file", stubFactory))

	err := r.Register("http", stubFactory)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))

	assert.Equal(t, []string{"file", "http"}, r.List())
	assert.True(t, r.Has("http"))
	assert.False(t, r.Has("grpc"))
}

func TestCreate(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register(config.FeedTypeHTTP, stubFactory))

	cfg := config.DefaultConnectorConfig("weather")
	src, err := r.Create(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, "weather", src.Name())
	assert.False(t, src.Status().Running)

	cfg.Feed.Type = "grpc"
	_, err = r.Create(cfg, nil)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))

	bad := config.DefaultConnectorConfig("bad")
	bad.PollInterval = 0
	_, err = r.Create(bad, nil)
	assert.Error(t, err)
}
