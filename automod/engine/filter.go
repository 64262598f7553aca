package engine

import (
	"fmt"

	"github.com/bluesky-social/automoderator/automod/condition"
	"github.com/bluesky-social/automoderator/automod/countstore"
	"github.com/bluesky-social/automoderator/automod/item"
	"github.com/bluesky-social/automoderator/automod/store"
)

// Selects the conditions which make sense for a given moderation queue
func FilterForQueue(conds []*condition.Condition, q store.Queue) []*condition.Condition {
	var out []*condition.Condition
	for _, c := range conds {
		if keepForQueue(c, q) {
			out = append(out, c)
		}
	}
	return out
}

func keepForQueue(c *condition.Condition, q store.Queue) bool {
	switch q {
	case store.QueueSpam:
		return c.Reports < 1 && c.Action != condition.ActionReport
	case store.QueueReport:
		return c.Action != condition.ActionReport &&
			(c.Action != condition.ActionApprove || c.Reports > 0) &&
			!c.UserPolicy.RequiresShadowban()
	case store.QueueSubmission:
		return c.Type != condition.TypeComment &&
			c.Reports < 1 &&
			c.Action != condition.ActionApprove &&
			!c.UserPolicy.RequiresShadowban()
	case store.QueueComment:
		return c.Type != condition.TypePost &&
			c.Reports < 1 &&
			c.Action != condition.ActionApprove &&
			!c.UserPolicy.RequiresShadowban()
	}
	return false
}

// Groups source names for combined listing requests, keeping each group's joined length ("a+b+c") within limit. Greedy: names are added in order until the next would overflow.
func BuildBatches(names []string, limit int) [][]string {
	var out [][]string
	var cur []string
	curLen := 0
	for _, n := range names {
		if len(cur) > 0 && curLen+len(n)+1 > limit {
			out = append(out, cur)
			cur = nil
			curLen = 0
		}
		cur = append(cur, n)
		curLen += len(n) + 1
	}
	if len(cur) > 0 {
		out = append(out, cur)
	}
	return out
}

// Decides whether a condition should be passed over for an item, before any matching happens. Returns a short reason for debug logs.
func (e *Engine) skipReason(ec *evalContext, c *condition.Condition) (string, error) {
	ctx := ec.ctx
	base := ec.item.Common()
	fullname := ec.item.Fullname()

	// never remove anything a moderator approved
	if c.Action.IsRemoval() && base.IsApproved() {
		return "approved", nil
	}

	if c.Action != condition.ActionNone {
		done, err := e.Store.HasLoggedAction(ctx, fullname, string(c.Action))
		if err != nil {
			return "", err
		}
		if done {
			return "action already logged", nil
		}
	}

	// no repeat replies or messages
	if c.Notifies() {
		done, err := e.Store.HasLoggedCondition(ctx, fullname, c.Signature)
		if err != nil {
			return "", err
		}
		if done {
			return "notification already sent", nil
		}
	}

	// never overwrite existing flair
	if c.SetsLinkFlair() && ec.item.Kind() == item.KindPost {
		if text, class := ec.item.ItemFlair(); text != "" || class != "" {
			return "item flair already set", nil
		}
	}
	if c.SetsUserFlair() && (base.AuthorFlairText != "" || base.AuthorFlairClass != "") {
		return "author flair already set", nil
	}

	if c.Action.IsRemoval() {
		over, err := e.removalQuotaReached(ec)
		if err != nil {
			return "", err
		}
		if over {
			return "removal quota reached", nil
		}
	}
	return "", nil
}

// Shadow-banned authors' content is not approved, unless the condition is explicitly about them. Only checked once a condition has matched, since probing costs an API call.
func (e *Engine) approvalBlocked(ec *evalContext, c *condition.Condition) (bool, error) {
	if c.Action != condition.ActionApprove || !ec.probe || c.UserPolicy.RequiresShadowban() {
		return false, nil
	}
	return ec.shadowbanned()
}

const (
	actionCounter  = "automod-action"
	authorCounter  = "automod-author"
	removalCounter = "automod-quota"
)

// Circuit breaker on removals, across all sources
func (e *Engine) removalQuotaReached(ec *evalContext) (bool, error) {
	quota := e.Config.QuotaRemovalsDay
	if quota <= 0 {
		return false, nil
	}
	n, err := e.Counters.GetCount(ec.ctx, removalCounter, "removals", countstore.PeriodDay)
	if err != nil {
		return false, fmt.Errorf("checking removal quota: %w", err)
	}
	if n >= quota {
		ec.logger.Warn("CIRCUIT BREAKER: automod removals", "count", n, "quota", quota)
		circuitBreakCount.WithLabelValues("removal").Inc()
		return true, nil
	}
	return false, nil
}
