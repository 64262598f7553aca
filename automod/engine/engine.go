package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bluesky-social/automoderator/automod/condition"
	"github.com/bluesky-social/automoderator/automod/countstore"
	"github.com/bluesky-social/automoderator/automod/store"

	"github.com/puzpuzpuz/xsync/v3"
)

type Config struct {
	// prefixed to replies and private messages
	Intro string
	// appended to replies and private messages
	Disclaimer string
	// name of the per-source page holding rule text
	RulePage string
	// how far back the report queue is walked each time
	ReportBacklog time.Duration
	// upper bound on the joined length of source names in one listing request
	BatchNameLimit int
	// max items fetched per listing; 0 means no limit
	ListingLimit int
	// the report queue (and fragment cache refresh) happens every N cycles
	ReportEvery int
	// pause after each report cycle
	ReportPause time.Duration
	// delay between attempts to initialize at startup
	InitRetryDelay time.Duration
	// number of source batches processed concurrently
	Workers int
	// removals (across all sources) allowed per day; 0 disables the limit
	QuotaRemovalsDay int
	// never probe authors for shadow-ban status
	DisableShadowbanProbe bool
}

func DefaultConfig() Config {
	return Config{
		RulePage:       "automoderator",
		ReportBacklog:  24 * time.Hour,
		BatchNameLimit: 3000,
		ReportEvery:    10,
		ReportPause:    5 * time.Second,
		InitRetryDelay: 30 * time.Second,
		Workers:        1,
	}
}

// fills in zero values from DefaultConfig
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.RulePage == "" {
		c.RulePage = def.RulePage
	}
	if c.ReportBacklog <= 0 {
		c.ReportBacklog = def.ReportBacklog
	}
	if c.BatchNameLimit <= 0 {
		c.BatchNameLimit = def.BatchNameLimit
	}
	if c.ReportEvery <= 0 {
		c.ReportEvery = def.ReportEvery
	}
	if c.Workers <= 0 {
		c.Workers = def.Workers
	}
	return c
}

// Runtime for evaluating rules against moderation queues, recording actions, and handling operator requests.
//
// Logger, Client, Store, Counters, Fragments and Ranks must all be set; see EngineTestFixture for an example.
type Engine struct {
	Logger    *slog.Logger
	Client    Client
	Store     store.Store
	Counters  countstore.CountStore
	Fragments *condition.FragmentCache
	Ranks     *RankCache
	Config    Config
	// defaults to time.Now
	Clock func() time.Time

	lk        sync.RWMutex
	sources   map[string]*SourceState
	moderated map[string]bool

	initOnce  sync.Once
	itemLocks *xsync.MapOf[string, *itemLock]
}

// A moderated source along with its compiled conditions, filtered per queue
type SourceState struct {
	Source     store.Source
	Conditions map[store.Queue][]*condition.Condition
}

type itemLock struct {
	mu   sync.Mutex
	refs int
}

func (e *Engine) now() time.Time {
	if e.Clock != nil {
		return e.Clock()
	}
	return time.Now()
}

func (e *Engine) config() Config {
	return e.Config.withDefaults()
}

// Serializes processing of a single item, so that two concurrent evaluations can not both pass an audit-log check before either writes. Returns the unlock function.
func (e *Engine) lockItem(fullname string) func() {
	e.initOnce.Do(func() {
		e.itemLocks = xsync.NewMapOf[string, *itemLock]()
	})
	l, _ := e.itemLocks.Compute(fullname, func(old *itemLock, loaded bool) (*itemLock, bool) {
		if !loaded {
			old = &itemLock{}
		}
		old.refs++
		return old, false
	})
	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		e.itemLocks.Compute(fullname, func(old *itemLock, loaded bool) (*itemLock, bool) {
			old.refs--
			return old, old.refs <= 0
		})
	}
}

// Loads enabled sources from the store, keeps the ones the engine's account actually moderates, and compiles their rules.
//
// If reloadModerated is false, the previously fetched list of moderated sources is re-used (if any).
func (e *Engine) Initialize(ctx context.Context, reloadModerated bool) error {
	enabled, err := e.Store.EnabledSources(ctx)
	if err != nil {
		return err
	}

	e.lk.RLock()
	moderated := e.moderated
	e.lk.RUnlock()
	if reloadModerated || moderated == nil {
		e.Logger.Info("fetching list of moderated sources")
		names, err := e.Client.ListModeratedSources(ctx)
		if err != nil {
			return fmt.Errorf("listing moderated sources: %w", err)
		}
		moderated = make(map[string]bool, len(names))
		for _, n := range names {
			moderated[strings.ToLower(n)] = true
		}
	}

	sources := make(map[string]*SourceState, len(enabled))
	for _, src := range enabled {
		name := strings.ToLower(src.Name)
		if !moderated[name] {
			continue
		}
		conds, errs := condition.CompilePage(ctx, src.ConditionsYAML, e.Fragments)
		for _, err := range errs {
			e.Logger.Error("skipping rule section", "source", name, "err", err)
			conditionCompileErrors.Inc()
		}
		st := &SourceState{
			Source:     src,
			Conditions: make(map[store.Queue][]*condition.Condition, len(store.AllQueues)),
		}
		for _, q := range store.AllQueues {
			st.Conditions[q] = FilterForQueue(conds, q)
		}
		sources[name] = st
	}

	e.lk.Lock()
	e.sources = sources
	e.moderated = moderated
	e.lk.Unlock()
	e.Logger.Info("engine initialized", "sources", len(sources), "moderated", len(moderated))
	return nil
}

// Names of the sources with at least one applicable condition for the queue, sorted
func (e *Engine) SourcesForQueue(q store.Queue) []string {
	e.lk.RLock()
	defer e.lk.RUnlock()
	var out []string
	for name, st := range e.sources {
		if len(st.Conditions[q]) > 0 {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func (e *Engine) sourceState(name string) (*SourceState, bool) {
	e.lk.RLock()
	defer e.lk.RUnlock()
	st, ok := e.sources[strings.ToLower(name)]
	return st, ok
}

// current watermark for a source and queue, as tracked in memory
func (e *Engine) watermark(name string, q store.Queue) time.Time {
	e.lk.RLock()
	defer e.lk.RUnlock()
	st, ok := e.sources[name]
	if !ok {
		return time.Time{}
	}
	return st.Source.Watermark(q)
}

func (e *Engine) advanceWatermark(ctx context.Context, name string, q store.Queue, t time.Time) error {
	if err := e.Store.UpdateWatermark(ctx, name, q, t); err != nil {
		return err
	}
	e.lk.Lock()
	defer e.lk.Unlock()
	if st, ok := e.sources[name]; ok {
		st.Source.AdvanceWatermark(q, t)
	}
	return nil
}

func (e *Engine) markModerated(name string) {
	e.lk.Lock()
	defer e.lk.Unlock()
	if e.moderated == nil {
		e.moderated = make(map[string]bool)
	}
	e.moderated[strings.ToLower(name)] = true
}
