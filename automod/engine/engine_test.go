package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bluesky-social/automoderator/automod/condition"
	"github.com/bluesky-social/automoderator/automod/countstore"
	"github.com/bluesky-social/automoderator/automod/item"
	"github.com/bluesky-social/automoderator/automod/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testify's sentinel error; the package name is shadowed by local assert vars in tests
var anError = assert.AnError

func loadRules(t *testing.T, e *Engine, rules string) *SourceState {
	require.NoError(t, e.LoadTestSource(context.Background(), store.Source{Name: "pics", Enabled: true, ConditionsYAML: rules}))
	st, ok := e.sourceState("pics")
	require.True(t, ok)
	return st
}

func mockClient(e *Engine) *MockClient {
	return e.Client.(*MockClient)
}

func memStore(e *Engine) *store.MemStore {
	return e.Store.(*store.MemStore)
}

func testPost(e *Engine, id, title string) *item.Post {
	return &item.Post{
		Base: item.Base{
			ID:        item.PostPrefix + id,
			Author:    &item.Author{Name: "alice"},
			CreatedAt: e.now().Add(-time.Minute),
			Source:    "pics",
		},
		Title:         title,
		PermalinkPath: "/r/pics/comments/" + id + "/post/",
	}
}

func testComment(e *Engine, id, body string) *item.Comment {
	return &item.Comment{
		Base: item.Base{
			ID:        item.CommentPrefix + id,
			Author:    &item.Author{Name: "alice"},
			CreatedAt: e.now().Add(-time.Minute),
			Source:    "pics",
		},
		Body:      body,
		LinkID:    item.PostPrefix + "post1",
		LinkTitle: "a post",
		ParentID:  item.PostPrefix + "post1",
	}
}

func TestDomainRemoval(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	e := EngineTestFixture()
	st := loadRules(t, e, "domain: example.com\naction: remove\n")

	p := testPost(e, "abc", "a link")
	p.Domain = "www.example.com"
	assert.NoError(e.ProcessItem(ctx, store.QueueSubmission, st, p, false))

	mc := mockClient(e)
	assert.Equal([]PerformedAction{{Fullname: "t3_abc", Action: condition.ActionRemove}}, mc.Actions)
	entries := memStore(e).Entries()
	assert.Equal(1, len(entries))
	assert.Equal("remove", entries[0].Action)
	assert.Equal("t3_abc", entries[0].ItemFullname)
	assert.Equal(st.Conditions[store.QueueSubmission][0].Signature, entries[0].ConditionYAML)

	other := testPost(e, "def", "a link")
	other.Domain = "notexample.com"
	assert.NoError(e.ProcessItem(ctx, store.QueueSubmission, st, other, false))
	assert.Equal(1, len(mc.Actions))
}

func TestActionDedupe(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	e := EngineTestFixture()
	st := loadRules(t, e, "title: spam\naction: remove\n")

	p := testPost(e, "abc", "buy spam now")
	assert.NoError(e.ProcessItem(ctx, store.QueueSubmission, st, p, false))
	assert.NoError(e.ProcessItem(ctx, store.QueueSubmission, st, p, false))
	assert.Equal(1, len(mockClient(e).Actions))
	assert.Equal(1, len(memStore(e).Entries()))
}

func TestNotificationDedupe(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	e := EngineTestFixture()
	st := loadRules(t, e, "title: question\ncomment: Please read the FAQ.\n")

	p := testPost(e, "abc", "a question")
	assert.NoError(e.ProcessItem(ctx, store.QueueSubmission, st, p, false))
	assert.NoError(e.ProcessItem(ctx, store.QueueSubmission, st, p, false))

	mc := mockClient(e)
	assert.Equal(1, len(mc.Replies))
	assert.Equal([]string{mc.Replies[0].Fullname}, mc.Distinguished)
	entries := memStore(e).Entries()
	assert.Equal(1, len(entries))
	assert.Equal(LogNotifyOnly, entries[0].Action)
}

func TestRemovalShortCircuit(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	e := EngineTestFixture()
	st := loadRules(t, e, `
title: spam
action: remove
---
title: spam
link_flair_text: flagged
`)

	p := testPost(e, "abc", "spam spam")
	assert.NoError(e.ProcessItem(ctx, store.QueueSubmission, st, p, false))
	mc := mockClient(e)
	assert.Equal(1, len(mc.Actions))
	assert.Empty(mc.ItemFlair)

	// without a removal match, the flair condition applies
	p2 := testPost(e, "def", "spam spam")
	p2.ApprovedBy = "modname"
	assert.NoError(e.ProcessItem(ctx, store.QueueSubmission, st, p2, false))
	assert.Equal(1, len(mc.Actions))
	assert.Equal([]FlairChange{{Target: "t3_def", Source: "pics", Text: "flagged", Class: ""}}, mc.ItemFlair)
}

func TestFlairNotOverwritten(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	e := EngineTestFixture()
	st := loadRules(t, e, "title: help\nlink_flair_text: Help\nlink_flair_class: HELP\nuser_flair_text: asker\n")

	p := testPost(e, "abc", "help me")
	assert.NoError(e.ProcessItem(ctx, store.QueueSubmission, st, p, false))
	mc := mockClient(e)
	assert.Equal([]FlairChange{{Target: "t3_abc", Source: "pics", Text: "Help", Class: "help"}}, mc.ItemFlair)
	assert.Equal([]FlairChange{{Target: "alice", Source: "pics", Text: "asker", Class: ""}}, mc.AuthorFlair)

	mc.Reset()
	p2 := testPost(e, "def", "help me")
	p2.LinkFlairText = "Existing"
	assert.NoError(e.ProcessItem(ctx, store.QueueSubmission, st, p2, false))
	assert.Empty(mc.ItemFlair)
	assert.Empty(mc.AuthorFlair)
}

func TestCombinatorAndFields(t *testing.T) {
	assert := assert.New(t)
	e := EngineTestFixture()
	st := loadRules(t, e, "title+body: spam\ndomain: example.com\naction: report\n")

	type tc struct {
		title  string
		body   string
		domain string
		match  bool
	}
	cases := []tc{
		{"spam here", "", "example.com", true},
		{"nothing", "has spam inside", "example.com", true},
		{"spam", "spam", "other.com", false},
		{"ham", "ham", "example.com", false},
	}
	for i, c := range cases {
		p := testPost(e, string(rune('a'+i)), c.title)
		p.SelfText = c.body
		p.Domain = c.domain
		ok, _ := MatchFields(st.Conditions[store.QueueSubmission][0], p)
		assert.Equal(c.match, ok, "case %d", i)
	}
}

func TestInversePolarity(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	e := EngineTestFixture()
	conds, errs := condition.CompilePage(ctx, "title: [meta, question]\nmodifiers: [starts-with, inverse]\naction: report\n", nil)
	require.Empty(t, errs)
	require.Equal(t, 1, len(conds))
	c := conds[0]

	for _, title := range []string{"Meta: about the sub", "question: why"} {
		ok, _ := MatchFields(c, testPost(e, "a", title))
		assert.False(ok, title)
	}
	for _, title := range []string{"a cat picture", "not a question"} {
		ok, groups := MatchFields(c, testPost(e, "a", title))
		assert.True(ok, title)
		assert.Nil(groups)
	}
}

func TestIncludesWord(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	e := EngineTestFixture()
	st := loadRules(t, e, "body: banned word\nmodifiers: includes-word\naction: remove\n")
	conds := st.Conditions[store.QueueComment]
	require.Equal(t, 1, len(conds))

	ok, _ := MatchFields(conds[0], testComment(e, "a", "this is a banned-word-like term"))
	assert.False(ok)
	ok, _ = MatchFields(conds[0], testComment(e, "b", "this is banned word here"))
	assert.True(ok)

	st = loadRules(t, e, "body: café\nmodifiers: includes-word\naction: remove\n")
	ok, _ = MatchFields(st.Conditions[store.QueueComment][0], testComment(e, "d", "best cafés in town"))
	assert.False(ok)
	ok, _ = MatchFields(st.Conditions[store.QueueComment][0], testComment(e, "e", "le Café du coin"))
	assert.True(ok)

	assert.NoError(e.ProcessItem(ctx, store.QueueComment, st, testComment(e, "c", "Banned Word!"), false))
	assert.Equal(1, len(mockClient(e).Actions))
}

func TestIgnoreBlockquotes(t *testing.T) {
	assert := assert.New(t)
	e := EngineTestFixture()
	st := loadRules(t, e, "body: forbidden\nignore_blockquotes: true\naction: remove\n")
	c := st.Conditions[store.QueueComment][0]

	ok, _ := MatchFields(c, testComment(e, "a", "> someone said forbidden\n\nand I disagree"))
	assert.False(ok)
	ok, _ = MatchFields(c, testComment(e, "b", "> quoting\n\nforbidden reply"))
	assert.True(ok)
	// only "> " starts a quote
	ok, _ = MatchFields(c, testComment(e, "c", ">forbidden, unquoted"))
	assert.True(ok)
	assert.Equal("kept\n>", stripBlockquotes("> gone\nkept\n\n>"))
}

func TestReportsAndReplyFilters(t *testing.T) {
	assert := assert.New(t)
	e := EngineTestFixture()
	st := loadRules(t, e, "reports: 2\nis_reply: true\naction: remove\n")
	c := st.Conditions[store.QueueReport][0]

	cm := testComment(e, "a", "text")
	cm.NumReports = 2
	ok, _ := MatchFields(c, cm)
	assert.False(ok, "top-level comment")

	cm.ParentID = item.CommentPrefix + "parent"
	ok, _ = MatchFields(c, cm)
	assert.True(ok)

	cm.NumReports = 1
	ok, _ = MatchFields(c, cm)
	assert.False(ok, "not enough reports")
}

func TestAccountAgePolicy(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	e := EngineTestFixture()
	st := loadRules(t, e, "user_conditions:\n  account_age: < 7\n  must_satisfy: all\naction: report\n")
	mc := mockClient(e)
	mc.Accounts["alice"] = &item.Account{Name: "alice", CreatedAt: e.now().Add(-3 * 24 * time.Hour)}
	mc.Accounts["bob"] = &item.Account{Name: "bob", CreatedAt: e.now().Add(-30 * 24 * time.Hour)}

	young := testPost(e, "a", "hi")
	assert.NoError(e.ProcessItem(ctx, store.QueueSubmission, st, young, false))
	old := testPost(e, "b", "hi")
	old.Author = &item.Author{Name: "bob"}
	assert.NoError(e.ProcessItem(ctx, store.QueueSubmission, st, old, false))

	assert.Equal([]PerformedAction{{Fullname: "t3_a", Action: condition.ActionReport}}, mc.Actions)
}

func TestSatisfyAny(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	e := EngineTestFixture()
	mc := mockClient(e)
	mc.Accounts["alice"] = &item.Account{Name: "alice", CreatedAt: e.now().Add(-365 * 24 * time.Hour), CommentKarma: 5}

	conds, errs := condition.CompilePage(ctx, "user_conditions:\n  account_age: < 7\n  comment_karma: < 10\n  must_satisfy: any\naction: report\n", nil)
	require.Empty(t, errs)
	st := &SourceState{Source: store.Source{Name: "pics"}}
	ec := &evalContext{ctx: ctx, engine: e, item: testPost(e, "a", "x"), source: st, logger: e.Logger}
	ok, err := e.checkUserPolicy(ec, conds[0].UserPolicy)
	assert.NoError(err)
	assert.True(ok)

	mc.Accounts["alice"].CommentKarma = 50
	ec = &evalContext{ctx: ctx, engine: e, item: testPost(e, "a", "x"), source: st, logger: e.Logger}
	ok, err = e.checkUserPolicy(ec, conds[0].UserPolicy)
	assert.NoError(err)
	assert.False(ok)
	// account details fetched once per item
	assert.Equal(2, mc.AccountCalls)
}

func TestRankPolicy(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	e := EngineTestFixture()
	mc := mockClient(e)
	mc.Moderators["pics"] = []string{"ModPerson"}
	mc.Contributors["pics"] = []string{"alice"}
	st := loadRules(t, e, "user_conditions:\n  rank: < moderator\naction: report\n")

	assert.NoError(e.ProcessItem(ctx, store.QueueSubmission, st, testPost(e, "a", "x"), false))
	mod := testPost(e, "b", "x")
	mod.Author = &item.Author{Name: "modperson"}
	assert.NoError(e.ProcessItem(ctx, store.QueueSubmission, st, mod, false))

	assert.Equal([]PerformedAction{{Fullname: "t3_a", Action: condition.ActionReport}}, mc.Actions)
	assert.Equal(1, mc.ModListCalls)
}

func TestShadowbanProbe(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	e := EngineTestFixture()
	mc := mockClient(e)
	mc.Shadowbanned["alice"] = true
	st := loadRules(t, e, "title: ok\naction: approve\n")

	p := testPost(e, "a", "ok then")
	p.BannedBy = "true"
	// no approvals of shadow-banned authors in the review queue
	assert.NoError(e.ProcessItem(ctx, store.QueueSpam, st, p, true))
	assert.Empty(mc.Actions)
	assert.Equal(1, mc.ProbeCalls)

	// without probing, the status is unknown and the approval goes ahead
	assert.NoError(e.ProcessItem(ctx, store.QueueSpam, st, p, false))
	assert.Equal([]PerformedAction{{Fullname: "t3_a", Action: condition.ActionApprove}}, mc.Actions)
	assert.Equal(1, mc.ProbeCalls)

	// no shadow-ban lookups for items which fail field matching
	other := testPost(e, "b", "nothing to see")
	other.BannedBy = "true"
	assert.NoError(e.ProcessItem(ctx, store.QueueSpam, st, other, true))
	assert.Equal(1, mc.ProbeCalls)
	assert.Equal(1, len(mc.Actions))
}

func TestApprovedNotRemoved(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	e := EngineTestFixture()
	st := loadRules(t, e, "title: spam\naction: spam\n")

	p := testPost(e, "a", "spam")
	p.ApprovedBy = "somemod"
	assert.NoError(e.ProcessItem(ctx, store.QueueSubmission, st, p, false))
	assert.Empty(mockClient(e).Actions)
}

func TestMessages(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	e := EngineTestFixture()
	e.Config.Intro = "Hello!"
	e.Config.Disclaimer = "*I am a bot.*"
	st := loadRules(t, e, `
title: '(\d+) dollars'
modifiers: regex
modmail: "{{user}} mentioned {{match-2}} dollars"
modmail_subject: "money in {{subreddit}}"
message: "Your post about {{match-1}}"
`)

	p := testPost(e, "abc", "win 100 dollars")
	assert.NoError(e.ProcessItem(ctx, store.QueueSubmission, st, p, false))

	mc := mockClient(e)
	require.Equal(t, 2, len(mc.Messages))
	modmail := mc.Messages[0]
	assert.Equal("/r/pics", modmail.Recipient)
	assert.Equal("money in pics", modmail.Subject)
	assert.Equal("http://www.reddit.com/r/pics/comments/abc/post/\n\nalice mentioned 100 dollars", modmail.Body)

	pm := mc.Messages[1]
	assert.Equal("alice", pm.Recipient)
	assert.Equal(condition.DefaultSubject, pm.Subject)
	assert.Equal("http://www.reddit.com/r/pics/comments/abc/post/\n\nHello! Your post about 100 dollars\n\n*I am a bot.*", pm.Body)

	entries := memStore(e).Entries()
	assert.Equal(1, len(entries))
	assert.Equal(LogNotifyOnly, entries[0].Action)
}

func TestPermissionErrorPropagates(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	e := EngineTestFixture()
	st := loadRules(t, e, "title: spam\naction: remove\n---\ntitle: spam\naction: report\n")
	mc := mockClient(e)

	mc.FailWith = ErrPermission
	err := e.ProcessItem(ctx, store.QueueSubmission, st, testPost(e, "a", "spam"), false)
	assert.ErrorIs(err, ErrPermission)

	// transient errors are swallowed per condition
	mc.FailWith = anError
	assert.NoError(e.ProcessItem(ctx, store.QueueSubmission, st, testPost(e, "b", "spam"), false))
	assert.Empty(memStore(e).Entries())
}

func TestCheckQueueWatermarks(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	e := EngineTestFixture()
	mc := mockClient(e)
	now := e.now()
	start := now.Add(-time.Hour)
	require.NoError(t, e.LoadTestSource(ctx, store.Source{
		Name:           "pics",
		Enabled:        true,
		ConditionsYAML: "title: spam\naction: remove\n",
		LastSubmission: start,
	}))

	newest := testPost(e, "c", "spam three")
	newest.CreatedAt = now.Add(-time.Minute)
	own := testPost(e, "b", "spam by the bot")
	own.CreatedAt = now.Add(-2 * time.Minute)
	own.Author = &item.Author{Name: "AutoModerator"}
	approvedOld := testPost(e, "a", "spam but approved")
	approvedOld.CreatedAt = now.Add(-2 * time.Hour)
	approvedOld.ApprovedBy = "mod"
	old := testPost(e, "z", "old spam")
	old.CreatedAt = now.Add(-3 * time.Hour)
	older := testPost(e, "y", "older spam")
	older.CreatedAt = now.Add(-4 * time.Hour)
	mc.Queues[store.QueueSubmission] = []item.Item{newest, own, approvedOld, old, older}

	assert.NoError(e.CheckQueue(ctx, store.QueueSubmission))
	assert.Equal([]PerformedAction{{Fullname: "t3_c", Action: condition.ActionRemove}}, mc.Actions)
	assert.True(e.watermark("pics", store.QueueSubmission).Equal(newest.CreatedAt))

	// an older listing never moves the watermark backwards
	mc.Queues[store.QueueSubmission] = []item.Item{old}
	assert.NoError(e.CheckQueue(ctx, store.QueueSubmission))
	assert.True(e.watermark("pics", store.QueueSubmission).Equal(newest.CreatedAt))
}

func TestSpamQueueSkipsNonRemoved(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	e := EngineTestFixture()
	mc := mockClient(e)
	loadRules(t, e, "title: spam\naction: spam\n")

	reported := testPost(e, "a", "spam")
	removed := testPost(e, "b", "spam")
	removed.BannedBy = "true"
	mc.Queues[store.QueueSpam] = []item.Item{reported, removed}

	assert.NoError(e.CheckQueue(ctx, store.QueueSpam))
	assert.Equal([]PerformedAction{{Fullname: "t3_b", Action: condition.ActionSpam}}, mc.Actions)
}

func TestRemovalQuota(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	e := EngineTestFixture()
	e.Config.QuotaRemovalsDay = 2
	st := loadRules(t, e, "title: spam\naction: remove\n")

	for _, id := range []string{"a", "b", "c", "d"} {
		assert.NoError(e.ProcessItem(ctx, store.QueueSubmission, st, testPost(e, id, "spam"), false))
	}
	assert.Equal(2, len(mockClient(e).Actions))

	n, err := e.Counters.GetCount(ctx, actionCounter, "pics:remove", countstore.PeriodTotal)
	assert.NoError(err)
	assert.Equal(2, n)
}

func TestActionedAuthors(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	e := EngineTestFixture()
	st := loadRules(t, e, "title: spam\naction: report\n")

	for i, author := range []string{"alice", "bob", "alice", ""} {
		p := testPost(e, fmt.Sprintf("p%d", i), "spam")
		p.Author = nil
		if author != "" {
			p.Author = &item.Author{Name: author}
		}
		assert.NoError(e.ProcessItem(ctx, store.QueueSubmission, st, p, false))
	}
	assert.Equal(4, len(mockClient(e).Actions))

	n, err := e.ActionedAuthors(ctx, "Pics")
	assert.NoError(err)
	assert.Equal(2, n)
	n, err = e.ActionedAuthors(ctx, "other")
	assert.NoError(err)
	assert.Equal(0, n)
}

func TestInitialize(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	e := EngineTestFixture()
	mc := mockClient(e)
	ms := memStore(e)
	ms.PutSource(store.Source{Name: "Pics", Enabled: true, ConditionsYAML: "title: spam\naction: remove\n---\nnot a rule\n---\ntitle: '('\nmodifiers: regex\naction: remove\n"})
	ms.PutSource(store.Source{Name: "other", Enabled: true, ConditionsYAML: "title: spam\naction: remove\n"})
	mc.Moderated = []string{"pics"}

	assert.NoError(e.Initialize(ctx, true))
	assert.Equal([]string{"pics"}, e.SourcesForQueue(store.QueueSubmission))
	assert.Empty(e.SourcesForQueue(store.QueueComment))
	st, ok := e.sourceState("pics")
	assert.True(ok)
	assert.Equal(1, len(st.Conditions[store.QueueSubmission]))

	// the previously fetched moderated list is re-used
	mc.Moderated = nil
	assert.NoError(e.Initialize(ctx, false))
	assert.Equal([]string{"pics"}, e.SourcesForQueue(store.QueueSubmission))
	assert.NoError(e.Initialize(ctx, true))
	assert.Empty(e.SourcesForQueue(store.QueueSubmission))
}

func TestConcurrentDedupe(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	e := EngineTestFixture()
	st := loadRules(t, e, "title: spam\naction: remove\n")
	p := testPost(e, "abc", "spam")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(e.ProcessItem(ctx, store.QueueSubmission, st, p, false))
		}()
	}
	wg.Wait()
	assert.Equal(1, len(mockClient(e).Actions))
}
