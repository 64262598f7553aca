package engine

import (
	"context"
	"time"

	"github.com/bluesky-social/automoderator/automod/store"
)

// Queue order within a processing cycle
var cycleQueues = []store.Queue{store.QueueReport, store.QueueSpam, store.QueueSubmission, store.QueueComment}

// Runs the processing loop until the context is cancelled.
//
// Initialization is retried until it succeeds. Each cycle checks the queues and the inbox; every Config.ReportEvery cycles the report queue is included too.
func (e *Engine) Run(ctx context.Context) error {
	cfg := e.config()
	for {
		err := e.Initialize(ctx, true)
		if err == nil {
			break
		}
		e.Logger.Error("failed to initialize engine, will retry", "err", err, "delay", cfg.InitRetryDelay)
		if err := sleepCtx(ctx, cfg.InitRetryDelay); err != nil {
			return err
		}
	}

	for cycle := 1; ; cycle++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		withReports := cycle%cfg.ReportEvery == 0
		err := e.RunCycle(ctx, withReports)
		if err != nil && ctx.Err() == nil {
			if IsPermissionError(err) {
				e.Logger.Info("re-initializing after permission error", "err", err)
				if err := e.Initialize(ctx, true); err != nil {
					e.Logger.Error("failed to re-initialize engine", "err", err)
				}
			} else {
				e.Logger.Error("processing cycle failed", "err", err)
			}
		}
		if withReports {
			e.Logger.Info("sleeping", "duration", cfg.ReportPause)
			if err := sleepCtx(ctx, cfg.ReportPause); err != nil {
				return err
			}
		}
	}
}

// A single pass over the queues and the inbox. Returns the first permission error, or an unrecoverable store error.
func (e *Engine) RunCycle(ctx context.Context, withReports bool) error {
	ctx, span := tracer.Start(ctx, "RunCycle")
	defer span.End()

	queues := cycleQueues
	if !withReports {
		queues = queues[1:]
	}
	if err := e.CheckQueues(ctx, queues); err != nil {
		return err
	}
	if withReports {
		e.Fragments.Invalidate()
	}

	changed, err := e.ProcessMessages(ctx)
	if changed {
		if ierr := e.Initialize(ctx, false); ierr != nil && err == nil {
			err = ierr
		}
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
