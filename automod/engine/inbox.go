package engine

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/bluesky-social/automoderator/automod/condition"
	"github.com/bluesky-social/automoderator/automod/item"
)

const inboxCursor = "inbox"

const invitePrefix = "invitation to moderate /r/"

// Reads new inbox messages, accepting moderator invitations and handling "update" requests from source moderators.
//
// Returns true if any source's rules were successfully updated, in which case the caller should re-initialize. The cursor is advanced past every message seen, even if handling one of them failed.
func (e *Engine) ProcessMessages(ctx context.Context) (bool, error) {
	ctx, span := tracer.Start(ctx, "ProcessMessages")
	defer span.End()

	stop, err := e.Store.GetCursor(ctx, inboxCursor)
	if err != nil {
		return false, fmt.Errorf("reading inbox cursor: %w", err)
	}

	var newest time.Time
	changed := false
	walkErr := e.Client.ReadInbox(ctx, func(msg Message) error {
		if !msg.CreatedAt.After(stop) {
			return StopWalk
		}
		if msg.WasComment {
			return nil
		}
		if newest.IsZero() {
			newest = msg.CreatedAt
		}

		logger := e.Logger.With("message", msg.Fullname, "author", msg.Author)
		switch {
		case msg.Author == "" && strings.HasPrefix(msg.Subject, invitePrefix):
			inboxMessageCount.WithLabelValues("invite").Inc()
			source := msg.Source
			if source == "" {
				source = strings.TrimPrefix(msg.Subject, invitePrefix)
			}
			if err := e.Client.AcceptModeratorInvite(ctx, source); err != nil {
				if IsPermissionError(err) || errors.Is(err, ErrNotFound) {
					logger.Warn("moderator invite could not be accepted", "source", source, "err", err)
					return nil
				}
				return err
			}
			e.markModerated(source)
			logger.Info("accepted moderator invite", "source", source)
		case strings.ToLower(strings.TrimSpace(msg.Body)) == "update":
			inboxMessageCount.WithLabelValues("update").Inc()
			ok, err := e.handleUpdate(ctx, msg)
			if err != nil {
				return err
			}
			changed = changed || ok
		default:
			inboxMessageCount.WithLabelValues("other").Inc()
		}
		return nil
	})

	if !newest.IsZero() {
		if err := e.Store.SetCursor(ctx, inboxCursor, newest); err != nil {
			return changed, fmt.Errorf("saving inbox cursor: %w", err)
		}
	}
	if walkErr != nil && !errors.Is(walkErr, StopWalk) {
		return changed, fmt.Errorf("reading inbox: %w", walkErr)
	}
	return changed, nil
}

// source name from an update request subject; tolerates eg "/r/name"
func subjectSource(subject string) string {
	subject = strings.TrimSpace(subject)
	if i := strings.LastIndex(subject, "/"); i >= 0 {
		return subject[i+1:]
	}
	return subject
}

func (e *Engine) handleUpdate(ctx context.Context, msg Message) (bool, error) {
	source := subjectSource(msg.Subject)
	mods, err := e.Client.ListModerators(ctx, source)
	if errors.Is(err, ErrNotFound) {
		return false, e.sendUpdateError(ctx, msg.Author, source, "The message's subject was not a valid subreddit")
	}
	if err != nil {
		return false, fmt.Errorf("listing moderators of %s: %w", source, err)
	}
	if !containsFold(mods, msg.Author) {
		return false, e.sendUpdateError(ctx, msg.Author, source, "You are not a moderator of that subreddit.")
	}
	e.Logger.Info("updating rules from page", "source", source, "requester", msg.Author)
	return e.UpdateRules(ctx, source, msg.Author)
}

// Replaces a source's stored rules with the current contents of its rule page, if every section is valid.
//
// The requester is told about the outcome by private message. Returns true if the stored rules changed; validation failures are reported to the requester and are not errors.
func (e *Engine) UpdateRules(ctx context.Context, source, requester string) (bool, error) {
	cfg := e.config()
	botName := e.Client.Username()

	raw, err := e.Client.ReadRulePage(ctx, source, cfg.RulePage)
	if err != nil {
		if IsPermissionError(err) {
			return false, err
		}
		e.Logger.Warn("rule page not accessible", "source", source, "err", err)
		ruleUpdateCount.WithLabelValues("page").Inc()
		return false, e.sendUpdateError(ctx, requester, source, fmt.Sprintf(
			"The wiki page could not be accessed. Please ensure the page %s/r/%s/wiki/%s exists and that %s has the \"wiki\" mod permission to be able to access it.",
			item.PermalinkHost, source, cfg.RulePage, botName))
	}
	text := html.UnescapeString(raw)

	sections, err := condition.ParseSections(text)
	if err != nil {
		ruleUpdateCount.WithLabelValues("syntax").Inc()
		return false, e.sendUpdateError(ctx, requester, source, "Error when reading conditions from wiki - "+syntaxProblem(err))
	}
	if err := condition.ValidateSections(ctx, sections, e.Fragments); err != nil {
		var ve *condition.ValidationError
		var ce *condition.CompileError
		if !errors.As(err, &ve) && !errors.As(err, &ce) {
			return false, err
		}
		ruleUpdateCount.WithLabelValues("invalid").Inc()
		return false, e.sendUpdateError(ctx, requester, source, err.Error())
	}

	if err := e.Store.SaveSourceRules(ctx, source, text); err != nil {
		return false, fmt.Errorf("saving rules for %s: %w", source, err)
	}
	e.Fragments.Invalidate()
	ruleUpdateCount.WithLabelValues("ok").Inc()

	if err := e.Client.SendMessage(ctx, requester,
		fmt.Sprintf("%s conditions updated", botName),
		fmt.Sprintf("%s's conditions were successfully updated for /r/%s", botName, source),
	); err != nil {
		e.Logger.Error("failed to send rule update confirmation", "source", source, "requester", requester, "err", err)
	}
	return true, nil
}

func syntaxProblem(err error) string {
	var ve *condition.ValidationError
	if errors.As(err, &ve) && ve.Syntax {
		return fmt.Sprintf("syntax invalid in section #%d:\n\n    %s", ve.Section, ve.Message)
	}
	return err.Error()
}

func (e *Engine) sendUpdateError(ctx context.Context, requester, source, problem string) error {
	err := e.Client.SendMessage(ctx, requester,
		fmt.Sprintf("Error updating from wiki in /r/%s", source),
		fmt.Sprintf("Encountered the following error:\n\n%s", problem),
	)
	if err != nil {
		return fmt.Errorf("sending update error message: %w", err)
	}
	return nil
}
