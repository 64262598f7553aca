package engine

import (
	"context"
	"time"

	"github.com/bluesky-social/automoderator/automod/condition"
	"github.com/bluesky-social/automoderator/automod/item"
	"github.com/bluesky-social/automoderator/automod/store"
)

// Private message in the bot's inbox
type Message struct {
	Fullname string
	// empty for system messages (eg, moderator invitations)
	Author  string
	Subject string
	Body    string
	// source the message relates to, if any (eg, for invitations)
	Source    string
	CreatedAt time.Time
	// replies to the bot's comments also show up in the inbox
	WasComment bool
}

// Collaborator which talks to the content platform: lists items, and carries out moderation actions.
//
// Calls may fail with an error wrapping ErrPermission (fatal to the current processing cycle) or any other (transient) error.
type Client interface {
	// account name the engine acts as
	Username() string

	// Walks a moderation queue for a group of sources, newest first. The walk ends when the listing is exhausted, the limit is reached (0 for unbounded), or fn returns an error; StopWalk ends it without error.
	ListItems(ctx context.Context, queue store.Queue, sources []string, limit int, fn func(item.Item) error) error

	PerformAction(ctx context.Context, it item.Item, action condition.Action) error
	SetItemFlair(ctx context.Context, it item.Item, text, class string) error
	SetAuthorFlair(ctx context.Context, source, author, text, class string) error
	// Posts a reply to an item, returning the fullname of the new reply
	PostReply(ctx context.Context, it item.Item, text string) (string, error)
	// Marks a reply posted by the engine as an official moderator response
	Distinguish(ctx context.Context, fullname string) error
	SendMessage(ctx context.Context, recipient, subject, body string) error

	ListModerators(ctx context.Context, source string) ([]string, error)
	// May return ErrNotFound for sources without contributor lists
	ListContributors(ctx context.Context, source string) ([]string, error)
	// Reports false if the author's public profile is not visible (ie, they are shadow-banned)
	ProbeAuthorVisible(ctx context.Context, author string) (bool, error)
	GetAccount(ctx context.Context, name string) (*item.Account, error)

	ListModeratedSources(ctx context.Context) ([]string, error)
	// Walks the inbox newest first; see ListItems for callback semantics
	ReadInbox(ctx context.Context, fn func(Message) error) error
	AcceptModeratorInvite(ctx context.Context, source string) error
	ReadRulePage(ctx context.Context, source, page string) (string, error)
}
