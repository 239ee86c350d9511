package main

import (
	"context"
	"net/http"
	"testing"

	"github.com/jobs/durable/internal/webhook"
	"github.com/jobs/durable/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestProvideSourceRouter(t *testing.T) {
	router := ProvideSourceRouter(config.Config{Sources: []config.SourceConfig{
		{Key: "http.inbound", Event: "http.request.received", Secret: "s3cr3t"},
	}}, zap.NewNop())

	h := http.Header{}
	h.Set(webhook.HeaderKey, "http.inbound")
	h.Set(webhook.HeaderSecret, "s3cr3t")
	h.Set(webhook.HeaderData, `{}`)
	h.Set(webhook.HeaderParams, `{}`)
	h.Set(webhook.HeaderHTTPURL, "https://hooks.example.com/in")
	h.Set(webhook.HeaderHTTPMethod, "POST")
	h.Set(webhook.HeaderHTTPHeaders, `{}`)

	res, err := router.Dispatch(context.Background(), h, []byte(`{"a":1}`))
	require.NoError(t, err)
	require.Len(t, res.Events, 1)
	assert.Equal(t, "http.request.received", res.Events[0].Name)

	h.Set(webhook.HeaderKey, "other")
	_, err = router.Dispatch(context.Background(), h, nil)
	assert.ErrorIs(t, err, webhook.ErrUnknownSource)
}
