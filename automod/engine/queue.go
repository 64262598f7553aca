package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bluesky-social/automoderator/automod/condition"
	"github.com/bluesky-social/automoderator/automod/item"
	"github.com/bluesky-social/automoderator/automod/store"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("automod")

// Checks each of the given queues in order. The first permission error aborts the remaining queues.
func (e *Engine) CheckQueues(ctx context.Context, queues []store.Queue) error {
	for _, q := range queues {
		if err := e.CheckQueue(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

// Walks one moderation queue for every source with applicable conditions, in batches of sources.
//
// Batches run concurrently up to Config.Workers. A batch which fails with a transient error is logged and its watermarks are left as-is; a permission error is returned.
func (e *Engine) CheckQueue(ctx context.Context, q store.Queue) error {
	ctx, span := tracer.Start(ctx, "CheckQueue", trace.WithAttributes(attribute.String("queue", string(q))))
	defer span.End()

	cfg := e.config()
	names := e.SourcesForQueue(q)
	if len(names) == 0 {
		return nil
	}
	batches := BuildBatches(names, cfg.BatchNameLimit)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Workers)
	for _, batch := range batches {
		g.Go(func() error {
			err := e.checkBatch(gctx, q, batch)
			if err == nil {
				return nil
			}
			if IsPermissionError(err) {
				e.Logger.Error("permissions error while checking queue", "queue", q, "sources", strings.Join(batch, "+"), "err", err)
				return err
			}
			e.Logger.Error("failed to check queue batch", "queue", q, "sources", strings.Join(batch, "+"), "err", err)
			return nil
		})
	}
	return g.Wait()
}

// walk cutoff: items created before this end the walk
func (e *Engine) cutoff(q store.Queue, batch []string) time.Time {
	if q == store.QueueReport {
		return e.now().Add(-e.config().ReportBacklog)
	}
	var latest time.Time
	for _, name := range batch {
		if w := e.watermark(name, q); w.After(latest) {
			latest = w
		}
	}
	return latest
}

func (e *Engine) checkBatch(ctx context.Context, q store.Queue, batch []string) error {
	start := time.Now()
	defer func() {
		batchDuration.WithLabelValues(string(q)).Observe(time.Since(start).Seconds())
	}()

	cfg := e.config()
	cutoff := e.cutoff(q, batch)
	botName := e.Client.Username()
	updates := make(map[string]time.Time)
	count := 0

	err := e.Client.ListItems(ctx, q, batch, cfg.ListingLimit, func(it item.Item) error {
		base := it.Common()

		// reported-but-not-removed items also show up in the review queue
		if q == store.QueueSpam && !base.IsRemoved() {
			return nil
		}
		if botName != "" && strings.EqualFold(base.AuthorName(), botName) {
			return nil
		}

		keepOld := q == store.QueueSubmission && base.IsApproved()
		if base.CreatedAt.Before(cutoff) && !keepOld {
			return StopWalk
		}

		name := strings.ToLower(base.Source)
		st, ok := e.sourceState(name)
		if !ok {
			return nil
		}
		if q != store.QueueReport && !keepOld {
			if _, seen := updates[name]; !seen {
				updates[name] = base.CreatedAt
			}
		}

		probe := q == store.QueueSpam && !st.Source.ExcludeBannedModqueue && !cfg.DisableShadowbanProbe
		count++
		if err := e.ProcessItem(ctx, q, st, it, probe); err != nil {
			if IsPermissionError(err) {
				return err
			}
			itemErrorCount.WithLabelValues(string(q)).Inc()
			e.Logger.Error("failed to process item", "item", it.Fullname(), "queue", q, "err", err)
		}
		return nil
	})
	if err != nil && !errors.Is(err, StopWalk) {
		return fmt.Errorf("walking %s queue: %w", q, err)
	}

	for name, t := range updates {
		if err := e.advanceWatermark(ctx, name, q, t); err != nil {
			return fmt.Errorf("saving %s watermark for %s: %w", q, name, err)
		}
	}
	e.Logger.Debug("checked queue batch", "queue", q, "sources", len(batch), "items", count, "elapsed", time.Since(start))
	return nil
}

// Evaluates a single item against a source's conditions for the queue, and carries out whatever matches.
//
// Removal conditions go first; if one matches, nothing else is considered for the item. Returns errors wrapping ErrPermission as-is; transient failures of single conditions are logged and treated as non-matches.
func (e *Engine) ProcessItem(ctx context.Context, q store.Queue, st *SourceState, it item.Item, probe bool) (err error) {
	// similar to an HTTP server, recover any panics from rule execution
	defer func() {
		if r := recover(); r != nil {
			e.Logger.Error("automod item execution exception", "err", r, "item", it.Fullname(), "queue", q)
			err = fmt.Errorf("rule execution panic: %v", r)
		}
	}()

	unlock := e.lockItem(it.Fullname())
	defer unlock()

	itemsChecked.WithLabelValues(string(q)).Inc()
	ec := &evalContext{
		ctx:    ctx,
		engine: e,
		item:   it,
		source: st,
		queue:  q,
		probe:  probe,
		logger: e.Logger.With("item", it.Fullname(), "source", st.Source.Name, "queue", q),
	}
	ec.logger.Debug("checking item", "permalink", it.Permalink())

	var removals, others []*condition.Condition
	for _, c := range st.Conditions[q] {
		if c.Action.IsRemoval() {
			removals = append(removals, c)
		} else {
			others = append(others, c)
		}
	}

	matched, err := e.checkConditions(ec, removals, true)
	if err != nil || matched {
		return err
	}
	_, err = e.checkConditions(ec, others, false)
	return err
}

// Returns true if any condition matched
func (e *Engine) checkConditions(ec *evalContext, conds []*condition.Condition, stopAfterMatch bool) (bool, error) {
	isPost := ec.item.Kind() == item.KindPost
	var applicable []*condition.Condition
	for _, c := range conds {
		if c.AppliesTo(isPost) {
			applicable = append(applicable, c)
		}
	}
	sort.SliceStable(applicable, func(i, j int) bool {
		return applicable[i].Cost() < applicable[j].Cost()
	})

	anyMatched := false
	for _, c := range applicable {
		matched, err := e.checkCondition(ec, c)
		if err != nil {
			if IsPermissionError(err) {
				return anyMatched, err
			}
			conditionErrorCount.WithLabelValues(string(ec.queue)).Inc()
			ec.logger.Error("condition evaluation failed", "err", err, "condition", c.Signature)
			matched = false
		}
		anyMatched = anyMatched || matched
		if stopAfterMatch && anyMatched {
			break
		}
	}
	return anyMatched, nil
}

func (e *Engine) checkCondition(ec *evalContext, c *condition.Condition) (bool, error) {
	reason, err := e.skipReason(ec, c)
	if err != nil {
		return false, err
	}
	if reason != "" {
		ec.logger.Debug("skipping condition", "reason", reason)
		return false, nil
	}

	start := time.Now()
	matched, groups, err := e.evaluate(ec, c)
	if err != nil {
		return false, err
	}
	ec.logger.Debug("condition result", "matched", matched, "elapsed", time.Since(start), "condition", c.Signature)
	if !matched {
		return false, nil
	}
	blocked, err := e.approvalBlocked(ec, c)
	if err != nil {
		return false, err
	}
	if blocked {
		ec.logger.Debug("skipping condition", "reason", "shadowbanned")
		return false, nil
	}
	conditionMatchCount.WithLabelValues(string(ec.queue)).Inc()
	if err := e.execute(ec, c, groups); err != nil {
		return true, err
	}
	return true, nil
}
