package main

import (
	"context"
	"encoding/json"

	"github.com/jobs/durable/internal/retry"
	"github.com/jobs/durable/internal/taskrun"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

type pingPayload struct {
	URL string `json:"url" validate:"required,url"`
}

// registerJobs adds the jobs this controller executes in-process.
func registerJobs(registry *taskrun.Registry) error {
	jobs := []*taskrun.Definition{
		{
			ID:       "durable.ping",
			Version:  "1.0.0",
			Validate: taskrun.SchemaOf[pingPayload](),
			Run:      runPing,
		},
	}
	for _, def := range jobs {
		if err := registry.Register(def); err != nil {
			return err
		}
	}
	return nil
}

// runPing fetches the payload URL with rate-limit aware retries and records
// the status it saw.
func runPing(ctx context.Context, payload json.RawMessage, io *taskrun.IO) (any, error) {
	var p pingPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, err
	}

	resp, err := io.BackgroundFetch(ctx, "fetch", taskrun.FetchRequest{URL: p.URL, Method: "GET"}, retry.FetchOptions{
		ByStatus: map[string]retry.FetchStrategy{
			"429": {
				Strategy: retry.StrategyHeaders,
				HeadersStrategy: retry.HeadersStrategy{
					LimitHeader:     "x-ratelimit-limit",
					RemainingHeader: "x-ratelimit-remaining",
					ResetHeader:     "x-ratelimit-reset",
					ResetFormat:     retry.ResetUnixTimestamp,
				},
			},
			"5xx": {Strategy: retry.StrategyBackoff, Options: retry.Options{Limit: lo.ToPtr(3)}},
		},
	}, nil)
	if err != nil {
		return nil, err
	}

	_, err = io.RunTask(ctx, "report", &taskrun.StepOptions{Name: "Report", Noop: true}, func(context.Context, *taskrun.Task) (any, error) {
		io.Logger().Info("ping finished", zap.String("url", p.URL), zap.Int("status", resp.Status))
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"url": p.URL, "status": resp.Status}, nil
}
