package automod

import (
	"context"
	"testing"

	"github.com/bluesky-social/automoderator/automod/engine"

	"github.com/stretchr/testify/assert"
)

func TestEngineThroughAliases(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	var eng *Engine = engine.EngineTestFixture()
	mc := eng.Client.(*engine.MockClient)
	mc.Moderated = []string{"pics"}
	assert.NoError(eng.Store.SaveSourceRules(ctx, "pics", "title: spam\naction: report\n"))
	assert.NoError(eng.Initialize(ctx, true))
	assert.Equal([]string{"pics"}, eng.SourcesForQueue(QueueSubmission))
	assert.Empty(eng.SourcesForQueue(QueueReport))
}
