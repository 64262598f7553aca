package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bluesky-social/automoderator/automod/cachestore"
	"github.com/bluesky-social/automoderator/automod/condition"
	"github.com/bluesky-social/automoderator/automod/countstore"
	"github.com/bluesky-social/automoderator/automod/item"
	"github.com/bluesky-social/automoderator/automod/store"
)

type PerformedAction struct {
	Fullname string
	Action   condition.Action
}

type FlairChange struct {
	// item fullname for item flair; author name for author flair
	Target string
	Source string
	Text   string
	Class  string
}

type SentMessage struct {
	Recipient string
	Subject   string
	Body      string
}

type PostedReply struct {
	Parent   string
	Fullname string
	Text     string
}

// In-memory Client which serves canned listings and records every side effect. Safe for concurrent use.
type MockClient struct {
	User string

	// items per queue, newest first
	Queues       map[store.Queue][]item.Item
	Accounts     map[string]*item.Account
	Moderators   map[string][]string
	Contributors map[string][]string
	Shadowbanned map[string]bool
	Moderated    []string
	Inbox        []Message
	RulePages    map[string]string
	// if set, returned from every side-effecting call
	FailWith error

	lk            sync.Mutex
	Actions       []PerformedAction
	ItemFlair     []FlairChange
	AuthorFlair   []FlairChange
	Replies       []PostedReply
	Distinguished []string
	Messages      []SentMessage
	Invites       []string
	ModListCalls  int
	ProbeCalls    int
	AccountCalls  int
}

var _ Client = (*MockClient)(nil)

func NewMockClient() *MockClient {
	return &MockClient{
		User:         "automoderator",
		Queues:       make(map[store.Queue][]item.Item),
		Accounts:     make(map[string]*item.Account),
		Moderators:   make(map[string][]string),
		Contributors: make(map[string][]string),
		Shadowbanned: make(map[string]bool),
		RulePages:    make(map[string]string),
	}
}

func (mc *MockClient) Username() string {
	return mc.User
}

func (mc *MockClient) ListItems(ctx context.Context, queue store.Queue, sources []string, limit int, fn func(item.Item) error) error {
	want := make(map[string]bool, len(sources))
	for _, s := range sources {
		want[strings.ToLower(s)] = true
	}
	mc.lk.Lock()
	items := append([]item.Item(nil), mc.Queues[queue]...)
	mc.lk.Unlock()

	n := 0
	for _, it := range items {
		if !want[strings.ToLower(it.Common().Source)] {
			continue
		}
		if limit > 0 && n >= limit {
			break
		}
		n++
		if err := fn(it); err != nil {
			return err
		}
	}
	return nil
}

func (mc *MockClient) PerformAction(ctx context.Context, it item.Item, action condition.Action) error {
	mc.lk.Lock()
	defer mc.lk.Unlock()
	if mc.FailWith != nil {
		return mc.FailWith
	}
	mc.Actions = append(mc.Actions, PerformedAction{Fullname: it.Fullname(), Action: action})
	return nil
}

func (mc *MockClient) SetItemFlair(ctx context.Context, it item.Item, text, class string) error {
	mc.lk.Lock()
	defer mc.lk.Unlock()
	if mc.FailWith != nil {
		return mc.FailWith
	}
	mc.ItemFlair = append(mc.ItemFlair, FlairChange{Target: it.Fullname(), Source: it.Common().Source, Text: text, Class: class})
	return nil
}

func (mc *MockClient) SetAuthorFlair(ctx context.Context, source, author, text, class string) error {
	mc.lk.Lock()
	defer mc.lk.Unlock()
	if mc.FailWith != nil {
		return mc.FailWith
	}
	mc.AuthorFlair = append(mc.AuthorFlair, FlairChange{Target: author, Source: source, Text: text, Class: class})
	return nil
}

func (mc *MockClient) PostReply(ctx context.Context, it item.Item, text string) (string, error) {
	mc.lk.Lock()
	defer mc.lk.Unlock()
	if mc.FailWith != nil {
		return "", mc.FailWith
	}
	name := fmt.Sprintf("%sreply%d", item.CommentPrefix, len(mc.Replies)+1)
	mc.Replies = append(mc.Replies, PostedReply{Parent: it.Fullname(), Fullname: name, Text: text})
	return name, nil
}

func (mc *MockClient) Distinguish(ctx context.Context, fullname string) error {
	mc.lk.Lock()
	defer mc.lk.Unlock()
	if mc.FailWith != nil {
		return mc.FailWith
	}
	mc.Distinguished = append(mc.Distinguished, fullname)
	return nil
}

func (mc *MockClient) SendMessage(ctx context.Context, recipient, subject, body string) error {
	mc.lk.Lock()
	defer mc.lk.Unlock()
	if mc.FailWith != nil {
		return mc.FailWith
	}
	mc.Messages = append(mc.Messages, SentMessage{Recipient: recipient, Subject: subject, Body: body})
	return nil
}

func (mc *MockClient) ListModerators(ctx context.Context, source string) ([]string, error) {
	mc.lk.Lock()
	defer mc.lk.Unlock()
	mc.ModListCalls++
	mods, ok := mc.Moderators[strings.ToLower(source)]
	if !ok {
		return nil, fmt.Errorf("moderators of %s: %w", source, ErrNotFound)
	}
	return mods, nil
}

func (mc *MockClient) ListContributors(ctx context.Context, source string) ([]string, error) {
	mc.lk.Lock()
	defer mc.lk.Unlock()
	contribs, ok := mc.Contributors[strings.ToLower(source)]
	if !ok {
		return nil, ErrNotFound
	}
	return contribs, nil
}

func (mc *MockClient) ProbeAuthorVisible(ctx context.Context, author string) (bool, error) {
	mc.lk.Lock()
	defer mc.lk.Unlock()
	mc.ProbeCalls++
	return !mc.Shadowbanned[strings.ToLower(author)], nil
}

func (mc *MockClient) GetAccount(ctx context.Context, name string) (*item.Account, error) {
	mc.lk.Lock()
	defer mc.lk.Unlock()
	mc.AccountCalls++
	acct, ok := mc.Accounts[strings.ToLower(name)]
	if !ok {
		return nil, ErrNotFound
	}
	return acct, nil
}

func (mc *MockClient) ListModeratedSources(ctx context.Context) ([]string, error) {
	mc.lk.Lock()
	defer mc.lk.Unlock()
	return append([]string(nil), mc.Moderated...), nil
}

func (mc *MockClient) ReadInbox(ctx context.Context, fn func(Message) error) error {
	mc.lk.Lock()
	msgs := append([]Message(nil), mc.Inbox...)
	mc.lk.Unlock()
	for _, m := range msgs {
		if err := fn(m); err != nil {
			return err
		}
	}
	return nil
}

func (mc *MockClient) AcceptModeratorInvite(ctx context.Context, source string) error {
	mc.lk.Lock()
	defer mc.lk.Unlock()
	mc.Invites = append(mc.Invites, source)
	mc.Moderated = append(mc.Moderated, source)
	return nil
}

func (mc *MockClient) ReadRulePage(ctx context.Context, source, page string) (string, error) {
	mc.lk.Lock()
	defer mc.lk.Unlock()
	text, ok := mc.RulePages[strings.ToLower(source)]
	if !ok {
		return "", fmt.Errorf("page %s of %s: %w", page, source, ErrNotFound)
	}
	return text, nil
}

// resets recorded side effects
func (mc *MockClient) Reset() {
	mc.lk.Lock()
	defer mc.lk.Unlock()
	mc.Actions = nil
	mc.ItemFlair = nil
	mc.AuthorFlair = nil
	mc.Replies = nil
	mc.Distinguished = nil
	mc.Messages = nil
	mc.Invites = nil
}

// Engine over in-memory stores and a MockClient, with a fixed clock
func EngineTestFixture() *Engine {
	mc := NewMockClient()
	st := store.NewMemStore()
	cache := cachestore.NewMemCacheStore(100, time.Hour)
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	ranks := NewRankCache(mc, cache)
	ranks.Clock = clock
	return &Engine{
		Logger:    slog.Default(),
		Client:    mc,
		Store:     st,
		Counters:  countstore.NewMemCountStore(),
		Fragments: condition.NewFragmentCache(st),
		Ranks:     ranks,
		Config:    DefaultConfig(),
		Clock:     clock,
	}
}

// Compiles rule text and installs it as the only source known to the engine, bypassing the store
func (e *Engine) LoadTestSource(ctx context.Context, src store.Source) error {
	conds, errs := condition.CompilePage(ctx, src.ConditionsYAML, e.Fragments)
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	st := &SourceState{
		Source:     src,
		Conditions: make(map[store.Queue][]*condition.Condition, len(store.AllQueues)),
	}
	for _, q := range store.AllQueues {
		st.Conditions[q] = FilterForQueue(conds, q)
	}
	e.lk.Lock()
	defer e.lk.Unlock()
	if e.sources == nil {
		e.sources = make(map[string]*SourceState)
	}
	e.sources[strings.ToLower(src.Name)] = st
	return nil
}
