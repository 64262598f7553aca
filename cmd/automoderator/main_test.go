package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bluesky-social/automoderator/automod/condition"
	"github.com/bluesky-social/automoderator/automod/engine"
	"github.com/bluesky-social/automoderator/automod/item"
	"github.com/bluesky-social/automoderator/automod/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateRuleText(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	frags := condition.StaticFragments{}

	n, err := validateRuleText(ctx, "title: spam\naction: remove\n---\njust some notes\n---\ndomain: example.com\naction: spam\n", frags)
	assert.NoError(err)
	assert.Equal(2, n)

	_, err = validateRuleText(ctx, "title: spam\naciton: remove\n", frags)
	var ve *condition.ValidationError
	assert.True(errors.As(err, &ve))

	_, err = validateRuleText(ctx, "title: [unclosed\n", frags)
	assert.Error(err)
}

func TestServerWiring(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	st := store.NewMemStore()
	require.NoError(t, st.SaveSourceRules(ctx, "pics", "title: spam\naction: remove\n"))
	mc := engine.NewMockClient()
	mc.Moderated = []string{"pics"}

	srv, err := NewServer(st, nil, mc, Config{Engine: engine.DefaultConfig()})
	require.NoError(t, err)
	defer srv.Close()
	assert.NoError(srv.Health(ctx))

	require.NoError(t, srv.Engine.Initialize(ctx, true))
	assert.Equal([]string{"pics"}, srv.Engine.SourcesForQueue(store.QueueSubmission))

	p := &item.Post{
		Base:  item.Base{ID: "t3_abc", Author: &item.Author{Name: "alice"}, Source: "pics", CreatedAt: st.Sources["pics"].LastSubmission.Add(1)},
		Title: "buy spam now",
	}
	mc.Queues[store.QueueSubmission] = []item.Item{p}
	assert.NoError(srv.Engine.RunCycle(ctx, false))
	require.Equal(t, 1, len(mc.Actions))
	assert.Equal(condition.ActionRemove, mc.Actions[0].Action)
}

func TestServerBadRedis(t *testing.T) {
	_, err := NewServer(store.NewMemStore(), nil, engine.NewMockClient(), Config{RedisURL: "not a url"})
	assert.Error(t, err)
}

func TestRewindSource(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	st := store.NewMemStore()
	require.NoError(t, st.SaveSourceRules(ctx, "pics", "title: spam\naction: remove\n"))
	later := time.Now().Add(time.Hour)
	require.NoError(t, st.UpdateWatermark(ctx, "pics", store.QueueSubmission, later))
	require.NoError(t, st.UpdateWatermark(ctx, "pics", store.QueueComment, later))

	to := time.Now().Add(-48 * time.Hour)
	assert.NoError(rewindSource(ctx, st, "Pics", to))
	src, err := st.GetSource(ctx, "pics")
	require.NoError(t, err)
	assert.True(src.LastSubmission.Equal(to))
	assert.True(src.LastComment.Equal(to))
	assert.True(src.LastSpam.Equal(to))
	assert.True(src.LastReport.Equal(to))

	assert.Error(rewindSource(ctx, st, "unknown", to))
}
