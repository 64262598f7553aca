package store

import (
	"fmt"
	"time"

	"github.com/spaolacci/murmur3"
)

// Moderation queues, each a distinct stream of items needing evaluation
type Queue string

var (
	QueueReport     Queue = "report"
	QueueSpam       Queue = "spam"
	QueueSubmission Queue = "submission"
	QueueComment    Queue = "comment"
)

// Processing order within a cycle
var AllQueues = []Queue{QueueReport, QueueSpam, QueueSubmission, QueueComment}

// A moderated community, with its raw rule text and per-queue progress watermarks
type Source struct {
	ID uint `gorm:"primarykey"`
	// lower-cased display name
	Name           string `gorm:"uniqueIndex;not null"`
	Enabled        bool   `gorm:"not null;default:true"`
	ConditionsYAML string `gorm:"column:conditions_yaml;type:text"`
	// don't probe for shadow-banned authors in the review queue
	ExcludeBannedModqueue bool `gorm:"not null;default:false"`

	LastReport     time.Time
	LastSpam       time.Time
	LastSubmission time.Time
	LastComment    time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (s *Source) Watermark(q Queue) time.Time {
	switch q {
	case QueueReport:
		return s.LastReport
	case QueueSpam:
		return s.LastSpam
	case QueueSubmission:
		return s.LastSubmission
	case QueueComment:
		return s.LastComment
	}
	return time.Time{}
}

// Moves the watermark for a queue forward; earlier timestamps are ignored
func (s *Source) AdvanceWatermark(q Queue, t time.Time) {
	if !t.After(s.Watermark(q)) {
		return
	}
	switch q {
	case QueueReport:
		s.LastReport = t
	case QueueSpam:
		s.LastSpam = t
	case QueueSubmission:
		s.LastSubmission = t
	case QueueComment:
		s.LastComment = t
	}
}

func watermarkColumn(q Queue) (string, error) {
	switch q {
	case QueueReport:
		return "last_report", nil
	case QueueSpam:
		return "last_spam", nil
	case QueueSubmission:
		return "last_submission", nil
	case QueueComment:
		return "last_comment", nil
	}
	return "", fmt.Errorf("unknown queue: %s", q)
}

// One performed action category for an item. Append-only.
type AuditLogEntry struct {
	ID           uint64 `gorm:"primarykey"`
	ItemFullname string `gorm:"index:idx_log_item_action;index:idx_log_item_signature;not null"`
	Action       string `gorm:"index:idx_log_item_action"`
	// canonical serialization of the condition which matched
	ConditionYAML string `gorm:"column:condition_yaml;type:text"`
	// short hash of ConditionYAML, for indexing
	SignatureHash string `gorm:"index:idx_log_item_signature"`
	Datetime      time.Time
}

func (AuditLogEntry) TableName() string {
	return "log"
}

// A named reusable fragment ("standard condition") which rules may inherit values from
type StandardCondition struct {
	ID   uint   `gorm:"primarykey"`
	Name string `gorm:"uniqueIndex;not null"`
	YAML string `gorm:"column:yaml;type:text"`
}

// Named progress marker, eg for the bot inbox
type Cursor struct {
	Name      string `gorm:"primarykey"`
	Value     time.Time
	UpdatedAt time.Time
}

// returns a fast, compact hash of a string: murmur3, default seed, hex encoded
func HashOfString(s string) string {
	return fmt.Sprintf("%016x", murmur3.Sum64([]byte(s)))
}
