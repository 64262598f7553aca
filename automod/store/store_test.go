package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func testGormStore(t *testing.T) *GormStore {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqldb, err := db.DB()
	require.NoError(t, err)
	// every connection to ":memory:" is a separate database
	sqldb.SetMaxOpenConns(1)
	s := NewGormStore(db)
	require.NoError(t, s.Migrate())
	return s
}

func storeImpls(t *testing.T) map[string]Store {
	return map[string]Store{
		"mem":  NewMemStore(),
		"gorm": testGormStore(t),
	}
}

func TestStoreSources(t *testing.T) {
	for name, s := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			ctx := context.Background()

			src, err := s.GetSource(ctx, "Pics")
			assert.NoError(err)
			assert.Nil(src)

			before := time.Now().UTC()
			assert.NoError(s.SaveSourceRules(ctx, "Pics", "title: spam\n"))
			src, err = s.GetSource(ctx, "pics")
			require.NoError(t, err)
			require.NotNil(t, src)
			assert.Equal("pics", src.Name)
			assert.True(src.Enabled)
			assert.Equal("title: spam\n", src.ConditionsYAML)
			for _, q := range AllQueues {
				assert.True(src.Watermark(q).Before(before.Add(-23*time.Hour)), q)
			}

			assert.NoError(s.SaveSourceRules(ctx, "PICS", "body: eggs\n"))
			src, err = s.GetSource(ctx, "pics")
			require.NoError(t, err)
			assert.Equal("body: eggs\n", src.ConditionsYAML)

			all, err := s.EnabledSources(ctx)
			assert.NoError(err)
			assert.Len(all, 1)
		})
	}
}

func TestStoreWatermarkMonotonic(t *testing.T) {
	for name, s := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			ctx := context.Background()

			require.NoError(t, s.SaveSourceRules(ctx, "pics", "title: spam\n"))
			t1 := time.Now().UTC().Truncate(time.Second)
			t0 := t1.Add(-time.Hour)

			assert.NoError(s.UpdateWatermark(ctx, "pics", QueueSubmission, t1))
			assert.NoError(s.UpdateWatermark(ctx, "pics", QueueSubmission, t0))
			src, err := s.GetSource(ctx, "pics")
			require.NoError(t, err)
			assert.True(src.LastSubmission.Equal(t1))

			assert.Error(s.UpdateWatermark(ctx, "pics", Queue("bogus"), t1))

			// forced re-initialization may move watermarks backwards
			assert.NoError(s.ResetWatermarks(ctx, "pics", t0))
			src, err = s.GetSource(ctx, "pics")
			require.NoError(t, err)
			assert.True(src.LastSubmission.Equal(t0))
			assert.True(src.LastReport.Equal(t0))
		})
	}
}

func TestStoreAuditLog(t *testing.T) {
	for name, s := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			ctx := context.Background()

			sig := "action: remove\ntitle: spam\n"
			ok, err := s.HasLoggedAction(ctx, "t3_abc", "remove")
			assert.NoError(err)
			assert.False(ok)

			assert.NoError(s.AppendLog(ctx,
				AuditLogEntry{ItemFullname: "t3_abc", Action: "remove", ConditionYAML: sig, Datetime: time.Now()},
				AuditLogEntry{ItemFullname: "t3_abc", Action: "link_flair", ConditionYAML: sig, Datetime: time.Now()},
			))
			assert.NoError(s.AppendLog(ctx))

			ok, err = s.HasLoggedAction(ctx, "t3_abc", "remove")
			assert.NoError(err)
			assert.True(ok)
			ok, err = s.HasLoggedAction(ctx, "t3_abc", "approve")
			assert.NoError(err)
			assert.False(ok)
			ok, err = s.HasLoggedAction(ctx, "t3_other", "remove")
			assert.NoError(err)
			assert.False(ok)

			ok, err = s.HasLoggedCondition(ctx, "t3_abc", sig)
			assert.NoError(err)
			assert.True(ok)
			ok, err = s.HasLoggedCondition(ctx, "t3_abc", "title: other\n")
			assert.NoError(err)
			assert.False(ok)
		})
	}
}

func TestStoreFragmentsAndCursors(t *testing.T) {
	for name, s := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			ctx := context.Background()

			assert.NoError(s.SaveFragment(ctx, "Image Hosts", "domain: [imgur.com]\n"))
			assert.NoError(s.SaveFragment(ctx, "image hosts", "domain: [flickr.com]\n"))
			frags, err := s.ListFragments(ctx)
			assert.NoError(err)
			assert.Equal(map[string]string{"image hosts": "domain: [flickr.com]\n"}, frags)

			c, err := s.GetCursor(ctx, "inbox")
			assert.NoError(err)
			assert.True(c.IsZero())
			now := time.Now().UTC().Truncate(time.Second)
			assert.NoError(s.SetCursor(ctx, "inbox", now))
			assert.NoError(s.SetCursor(ctx, "inbox", now.Add(time.Minute)))
			c, err = s.GetCursor(ctx, "inbox")
			assert.NoError(err)
			assert.True(c.Equal(now.Add(time.Minute)))
		})
	}
}

func TestHashOfString(t *testing.T) {
	assert := assert.New(t)
	assert.Equal("4e6f69c0e3d10992", HashOfString("dummy-value"))
}
