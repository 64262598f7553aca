package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var batchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name: "automod_batch_duration_sec",
	Help: "Total duration of walking one queue for a batch of sources",
}, []string{"queue"})

var itemsChecked = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "automod_items_checked",
	Help: "Number of queue items evaluated against conditions",
}, []string{"queue"})

var itemErrorCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "automod_item_errors",
	Help: "Number of items which failed processing",
}, []string{"queue"})

var conditionErrorCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "automod_condition_errors",
	Help: "Number of condition evaluations which failed with a transient error",
}, []string{"queue"})

var conditionMatchCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "automod_condition_matches",
	Help: "Number of conditions which matched an item",
}, []string{"queue"})

var actionCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "automod_actions",
	Help: "Number of actions performed, by type",
}, []string{"type"})

var actionedAuthors = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "automod_actioned_authors_day",
	Help: "Distinct authors with items acted on today, per source",
}, []string{"source"})

var circuitBreakCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "automod_circuit_breaks",
	Help: "Number of times automod actions were skipped due to circuit breaker quota",
}, []string{"type"})

var conditionCompileErrors = promauto.NewCounter(prometheus.CounterOpts{
	Name: "automod_condition_compile_errors",
	Help: "Number of stored rule sections which failed to compile",
})

var accountFetches = promauto.NewCounter(prometheus.CounterOpts{
	Name: "automod_account_fetches",
	Help: "Number of author account detail reads (API calls)",
})

var shadowbanProbes = promauto.NewCounter(prometheus.CounterOpts{
	Name: "automod_shadowban_probes",
	Help: "Number of author visibility probes (API calls)",
})

var rankFetches = promauto.NewCounter(prometheus.CounterOpts{
	Name: "automod_rank_fetches",
	Help: "Number of moderator and contributor list refreshes",
})

var ruleUpdateCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "automod_rule_updates",
	Help: "Number of rule update requests, by outcome",
}, []string{"status"})

var inboxMessageCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "automod_inbox_messages",
	Help: "Number of inbox messages handled, by kind",
}, []string{"kind"})
