package automod

import (
	"github.com/bluesky-social/automoderator/automod/condition"
	"github.com/bluesky-social/automoderator/automod/countstore"
	"github.com/bluesky-social/automoderator/automod/engine"
	"github.com/bluesky-social/automoderator/automod/item"
	"github.com/bluesky-social/automoderator/automod/store"
)

type Engine = engine.Engine
type EngineConfig = engine.Config
type Client = engine.Client
type Message = engine.Message
type RankCache = engine.RankCache

type Condition = condition.Condition
type Record = condition.Record
type Action = condition.Action
type ValidationError = condition.ValidationError
type CompileError = condition.CompileError

type Item = item.Item
type Post = item.Post
type Comment = item.Comment
type Account = item.Account

type Store = store.Store
type Source = store.Source
type Queue = store.Queue
type AuditLogEntry = store.AuditLogEntry

var (
	ErrPermission = engine.ErrPermission
	ErrNotFound   = engine.ErrNotFound

	ActionRemove  = condition.ActionRemove
	ActionSpam    = condition.ActionSpam
	ActionApprove = condition.ActionApprove
	ActionReport  = condition.ActionReport

	QueueReport     = store.QueueReport
	QueueSpam       = store.QueueSpam
	QueueSubmission = store.QueueSubmission
	QueueComment    = store.QueueComment

	PeriodTotal = countstore.PeriodTotal
	PeriodDay   = countstore.PeriodDay
	PeriodHour  = countstore.PeriodHour
)
