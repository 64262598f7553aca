package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/bluesky-social/automoderator/automod/condition"
	"github.com/bluesky-social/automoderator/automod/countstore"
	"github.com/bluesky-social/automoderator/automod/item"
	"github.com/bluesky-social/automoderator/automod/store"
)

// Audit log labels, besides the moderation action names themselves
const (
	LogLinkFlair = "link_flair"
	LogUserFlair = "user_flair"
	// a condition which only sends replies or messages
	LogNotifyOnly = "none"
)

// Carries out every effect of a matched condition, then records the performed categories in the audit log.
//
// If an effect fails part way through, whatever was already performed is still logged (so it is not repeated), and the error is returned.
func (e *Engine) execute(ec *evalContext, c *condition.Condition, groups []string) error {
	var performed []string
	err := e.applyEffects(ec, c, groups, &performed)
	if lerr := e.writeLog(ec, c, performed); lerr != nil && err == nil {
		err = lerr
	}

	ec.logger.Info("condition matched",
		"permalink", ec.item.Permalink(),
		"actions", performed,
		"age", e.now().Sub(ec.item.Common().CreatedAt).Round(1e9).String(),
	)
	return err
}

func (e *Engine) applyEffects(ec *evalContext, c *condition.Condition, groups []string, performed *[]string) error {
	ctx := ec.ctx
	it := ec.item
	base := it.Common()
	author := base.AuthorName()

	if c.Action != condition.ActionNone {
		if err := e.Client.PerformAction(ctx, it, c.Action); err != nil {
			return fmt.Errorf("performing %s: %w", c.Action, err)
		}
		*performed = append(*performed, string(c.Action))
		e.countAction(ec, string(c.Action))
	}

	if it.Kind() == item.KindPost && c.SetsLinkFlair() {
		text := ExpandPlaceholders(c.LinkFlairText, it, groups)
		class := strings.ToLower(ExpandPlaceholders(c.LinkFlairClass, it, groups))
		if err := e.Client.SetItemFlair(ctx, it, text, class); err != nil {
			return fmt.Errorf("setting item flair: %w", err)
		}
		*performed = append(*performed, LogLinkFlair)
		e.countAction(ec, LogLinkFlair)
	}

	if c.SetsUserFlair() && author != "" {
		text := ExpandPlaceholders(c.UserFlairText, it, groups)
		class := strings.ToLower(ExpandPlaceholders(c.UserFlairClass, it, groups))
		if err := e.Client.SetAuthorFlair(ctx, base.Source, author, text, class); err != nil {
			return fmt.Errorf("setting author flair: %w", err)
		}
		*performed = append(*performed, LogUserFlair)
		e.countAction(ec, LogUserFlair)
	}

	notified := false
	if c.Comment != "" {
		msg := e.buildMessage(c.Comment, it, groups, messageParts{intro: true, disclaimer: true})
		reply, err := e.Client.PostReply(ctx, it, msg)
		if err != nil {
			return fmt.Errorf("posting reply: %w", err)
		}
		notified = true
		if err := e.Client.Distinguish(ctx, reply); err != nil {
			e.noteNotified(c, notified, performed)
			return fmt.Errorf("distinguishing reply: %w", err)
		}
		e.countAction(ec, "comment")
	}

	if c.Modmail != "" {
		msg := e.buildMessage(c.Modmail, it, groups, messageParts{permalink: true})
		subject := ExpandPlaceholders(c.ModmailSubject, it, groups)
		if err := e.Client.SendMessage(ctx, "/r/"+base.Source, subject, msg); err != nil {
			e.noteNotified(c, notified, performed)
			return fmt.Errorf("sending modmail: %w", err)
		}
		notified = true
		e.countAction(ec, "modmail")
	}

	if c.Message != "" && author != "" {
		msg := e.buildMessage(c.Message, it, groups, messageParts{intro: true, disclaimer: true, permalink: true})
		subject := ExpandPlaceholders(c.MessageSubject, it, groups)
		if err := e.Client.SendMessage(ctx, author, subject, msg); err != nil {
			e.noteNotified(c, notified, performed)
			return fmt.Errorf("sending message: %w", err)
		}
		notified = true
		e.countAction(ec, "message")
	}

	e.noteNotified(c, notified, performed)
	return nil
}

// notification-only conditions still need an audit entry carrying their signature, to prevent repeats
func (e *Engine) noteNotified(c *condition.Condition, notified bool, performed *[]string) {
	if notified && c.Action == condition.ActionNone {
		*performed = append(*performed, LogNotifyOnly)
	}
}

func (e *Engine) writeLog(ec *evalContext, c *condition.Condition, performed []string) error {
	if len(performed) == 0 {
		return nil
	}
	now := e.now().UTC()
	entries := make([]store.AuditLogEntry, len(performed))
	for i, a := range performed {
		entries[i] = store.AuditLogEntry{
			ItemFullname:  ec.item.Fullname(),
			Action:        a,
			ConditionYAML: c.Signature,
			SignatureHash: store.HashOfString(c.Signature),
			Datetime:      now,
		}
	}
	if err := e.Store.AppendLog(ec.ctx, entries...); err != nil {
		return fmt.Errorf("writing audit log: %w", err)
	}
	return nil
}

func (e *Engine) countAction(ec *evalContext, action string) {
	actionCount.WithLabelValues(action).Inc()
	source := strings.ToLower(ec.item.Common().Source)
	if err := e.Counters.Increment(ec.ctx, actionCounter, source+":"+action); err != nil {
		ec.logger.Error("failed to increment action counter", "err", err)
	}
	if author := ec.item.Common().AuthorName(); author != "" {
		if err := e.Counters.IncrementDistinct(ec.ctx, authorCounter, source, author); err != nil {
			ec.logger.Error("failed to increment author counter", "err", err)
		} else if n, err := e.ActionedAuthors(ec.ctx, source); err != nil {
			ec.logger.Error("failed to read author counter", "err", err)
		} else {
			actionedAuthors.WithLabelValues(source).Set(float64(n))
		}
	}
	if action == string(condition.ActionRemove) || action == string(condition.ActionSpam) {
		if err := e.Counters.Increment(ec.ctx, removalCounter, "removals"); err != nil {
			ec.logger.Error("failed to increment removal counter", "err", err)
		}
	}
}

// Number of distinct authors with items acted on in a source during the current (UTC) day
func (e *Engine) ActionedAuthors(ctx context.Context, source string) (int, error) {
	return e.Counters.GetCountDistinct(ctx, authorCounter, strings.ToLower(source), countstore.PeriodDay)
}
