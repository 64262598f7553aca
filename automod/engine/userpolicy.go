package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bluesky-social/automoderator/automod/condition"
	"github.com/bluesky-social/automoderator/automod/item"
	"github.com/bluesky-social/automoderator/automod/store"
)

// Per-item evaluation state. Account details and shadow-ban status are fetched at most once per item, and only if some condition needs them.
type evalContext struct {
	ctx    context.Context
	engine *Engine
	item   item.Item
	source *SourceState
	queue  store.Queue
	// shadow-ban probing is allowed in this queue context
	probe  bool
	logger *slog.Logger

	accountLoaded bool
	account       *item.Account
	banLoaded     bool
	banned        bool
}

// nil if the item has no author, or the account could not be found
func (ec *evalContext) authorAccount() (*item.Account, error) {
	if ec.accountLoaded {
		return ec.account, nil
	}
	name := ec.item.Common().AuthorName()
	if name == "" {
		ec.accountLoaded = true
		return nil, nil
	}
	accountFetches.Inc()
	acct, err := ec.engine.Client.GetAccount(ec.ctx, name)
	if errors.Is(err, ErrNotFound) {
		ec.logger.Warn("author account not found", "author", name)
		acct, err = nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetching account %s: %w", name, err)
	}
	ec.account = acct
	ec.accountLoaded = true
	return acct, nil
}

// live check; callers must only use this when probing is enabled
func (ec *evalContext) shadowbanned() (bool, error) {
	if ec.banLoaded {
		return ec.banned, nil
	}
	name := ec.item.Common().AuthorName()
	if name == "" {
		ec.banLoaded = true
		return false, nil
	}
	shadowbanProbes.Inc()
	visible, err := ec.engine.Client.ProbeAuthorVisible(ec.ctx, name)
	if err != nil {
		return false, fmt.Errorf("probing author %s: %w", name, err)
	}
	ec.banned = !visible
	ec.banLoaded = true
	return ec.banned, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Numeric value of an account attribute for the item's author. Booleans are 1/0; absent authors are 0 for everything.
func (e *Engine) attributeValue(ec *evalContext, attr string) (int, error) {
	name := ec.item.Common().AuthorName()
	if name == "" {
		return 0, nil
	}

	switch attr {
	case condition.AttrRank:
		r, err := e.Ranks.Rank(ec.ctx, ec.item.Common().Source, name)
		if err != nil {
			return 0, err
		}
		return int(r), nil
	case condition.AttrShadowbanned:
		if !ec.probe {
			return 0, nil
		}
		b, err := ec.shadowbanned()
		return boolInt(b), err
	}

	acct, err := ec.authorAccount()
	if err != nil || acct == nil {
		return 0, err
	}
	switch attr {
	case condition.AttrAccountAge:
		return acct.AgeDays(e.now()), nil
	case condition.AttrCombinedKarma:
		return acct.LinkKarma + acct.CommentKarma, nil
	case condition.AttrCommentKarma:
		return acct.CommentKarma, nil
	case condition.AttrLinkKarma:
		return acct.LinkKarma, nil
	case condition.AttrIsGold:
		return boolInt(acct.IsGold), nil
	}
	return 0, fmt.Errorf("unknown account attribute: %s", attr)
}

// ALL mode is true iff every predicate holds; ANY mode iff at least one does. Evaluation short-circuits in both modes, so later predicates may never trigger fetches.
func (e *Engine) checkUserPolicy(ec *evalContext, up *condition.UserPolicy) (bool, error) {
	if up == nil || len(up.Predicates) == 0 {
		return true, nil
	}
	anyMode := up.Mode == condition.SatisfyAny
	for _, p := range up.Predicates {
		v, err := e.attributeValue(ec, p.Attribute)
		if err != nil {
			return false, err
		}
		ok := p.Compare(v)
		if anyMode && ok {
			return true, nil
		}
		if !anyMode && !ok {
			return false, nil
		}
	}
	return !anyMode, nil
}
