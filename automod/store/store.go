// Persistent state for the rules engine: moderated sources (with their raw rule text and watermarks), the append-only audit log, reusable fragments, and cursors.
//
// GormStore is the durable implementation (sqlite or postgres); MemStore is an in-process implementation for tests and development.
package store

import (
	"context"
	"time"
)

// New sources start with watermarks this far in the past
var NewSourceBacklog = 24 * time.Hour

type Store interface {
	EnabledSources(ctx context.Context) ([]Source, error)
	// Returns nil (and no error) if the source is not known. Names are case-insensitive.
	GetSource(ctx context.Context, name string) (*Source, error)
	// Stores raw rule text for a source, creating (and enabling) it if necessary
	SaveSourceRules(ctx context.Context, name, text string) error
	// Moves a watermark forward; a timestamp at or before the current watermark is a no-op
	UpdateWatermark(ctx context.Context, name string, queue Queue, t time.Time) error
	// Forced full re-initialization of every watermark for a source
	ResetWatermarks(ctx context.Context, name string, t time.Time) error

	AppendLog(ctx context.Context, entries ...AuditLogEntry) error
	HasLoggedAction(ctx context.Context, fullname, action string) (bool, error)
	HasLoggedCondition(ctx context.Context, fullname, signature string) (bool, error)

	// map of fragment name to raw rule text
	ListFragments(ctx context.Context) (map[string]string, error)
	SaveFragment(ctx context.Context, name, text string) error

	// zero time if the cursor has never been set
	GetCursor(ctx context.Context, name string) (time.Time, error)
	SetCursor(ctx context.Context, name string, t time.Time) error
}

func newSource(name string, now time.Time) Source {
	start := now.Add(-NewSourceBacklog)
	return Source{
		Name:           name,
		Enabled:        true,
		LastReport:     start,
		LastSpam:       start,
		LastSubmission: start,
		LastComment:    start,
	}
}
