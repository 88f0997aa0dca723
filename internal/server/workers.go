package server

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"vetfleet/internal/app"
	"vetfleet/internal/notify"
)

const (
	defaultDispatchInterval = time.Minute
	defaultApplyInterval    = 2 * time.Minute
	defaultDeliverInterval  = 30 * time.Second
)

// Workers runs the periodic sweeps next to the API: the schedule dispatcher,
// the approved-proposal apply sweep and Slack delivery.
type Workers struct {
	App              *app.App
	DispatchInterval time.Duration
	ApplyInterval    time.Duration
	DeliverInterval  time.Duration
	logger           *slog.Logger
}

func NewWorkers(a *app.App) *Workers {
	return &Workers{
		App:              a,
		DispatchInterval: defaultDispatchInterval,
		ApplyInterval:    defaultApplyInterval,
		DeliverInterval:  defaultDeliverInterval,
		logger:           slog.Default().With("component", "server.workers"),
	}
}

// Start launches one goroutine per sweep. They stop when ctx is cancelled.
func (w *Workers) Start(ctx context.Context) {
	go w.loop(ctx, "dispatch", w.DispatchInterval, w.dispatch)
	go w.loop(ctx, "apply", w.ApplyInterval, w.apply)
	if w.App.Config.Notify.SlackToken != "" {
		go w.loop(ctx, "deliver", w.DeliverInterval, w.deliver)
	}
}

func (w *Workers) loop(ctx context.Context, name string, every time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	w.logger.InfoContext(ctx, "sweep started", "sweep", name, "interval", every)
	for {
		fn(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *Workers) dispatch(ctx context.Context) {
	res, err := w.App.Dispatcher.Tick(ctx)
	if err != nil {
		w.logger.WarnContext(ctx, "dispatch tick failed", "error", err)
		return
	}
	if res.AgentsDue > 0 {
		w.logger.InfoContext(ctx, "dispatch tick", "due", res.AgentsDue, "outcomes", len(res.Outcomes))
	}
}

func (w *Workers) apply(ctx context.Context) {
	if n := w.App.Appliers.ProcessApproved(ctx, w.App.Config.Appliers.BatchSize); n > 0 {
		w.logger.InfoContext(ctx, "apply sweep", "applied", n)
	}
}

func (w *Workers) deliver(ctx context.Context) {
	res, err := w.App.Deliverer.Run(ctx)
	if err != nil {
		if !errors.Is(err, notify.ErrSlackNotConfigured) {
			w.logger.WarnContext(ctx, "slack delivery failed", "error", err)
		}
		return
	}
	if res.Sent+res.Retried+res.Failed > 0 {
		w.logger.InfoContext(ctx, "slack delivery", "sent", res.Sent, "retried", res.Retried, "failed", res.Failed)
	}
}
