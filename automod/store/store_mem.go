package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

type MemStore struct {
	lk        sync.Mutex
	Sources   map[string]*Source
	Log       []AuditLogEntry
	Fragments map[string]string
	Cursors   map[string]time.Time
}

var _ Store = (*MemStore)(nil)

func NewMemStore() *MemStore {
	return &MemStore{
		Sources:   make(map[string]*Source),
		Fragments: make(map[string]string),
		Cursors:   make(map[string]time.Time),
	}
}

func (s *MemStore) EnabledSources(ctx context.Context) ([]Source, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	var out []Source
	for _, src := range s.Sources {
		if src.Enabled {
			out = append(out, *src)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemStore) GetSource(ctx context.Context, name string) (*Source, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	src, ok := s.Sources[strings.ToLower(name)]
	if !ok {
		return nil, nil
	}
	cp := *src
	return &cp, nil
}

// Inserts or replaces a source; helper for tests and tooling
func (s *MemStore) PutSource(src Source) {
	s.lk.Lock()
	defer s.lk.Unlock()
	src.Name = strings.ToLower(src.Name)
	s.Sources[src.Name] = &src
}

func (s *MemStore) SaveSourceRules(ctx context.Context, name, text string) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	name = strings.ToLower(name)
	src, ok := s.Sources[name]
	if !ok {
		n := newSource(name, time.Now().UTC())
		src = &n
		s.Sources[name] = src
	}
	src.ConditionsYAML = text
	return nil
}

func (s *MemStore) UpdateWatermark(ctx context.Context, name string, queue Queue, t time.Time) error {
	if _, err := watermarkColumn(queue); err != nil {
		return err
	}
	s.lk.Lock()
	defer s.lk.Unlock()
	if src, ok := s.Sources[strings.ToLower(name)]; ok {
		src.AdvanceWatermark(queue, t)
	}
	return nil
}

func (s *MemStore) ResetWatermarks(ctx context.Context, name string, t time.Time) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	if src, ok := s.Sources[strings.ToLower(name)]; ok {
		src.LastReport = t
		src.LastSpam = t
		src.LastSubmission = t
		src.LastComment = t
	}
	return nil
}

func (s *MemStore) AppendLog(ctx context.Context, entries ...AuditLogEntry) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	for _, e := range entries {
		if e.SignatureHash == "" {
			e.SignatureHash = HashOfString(e.ConditionYAML)
		}
		e.ID = uint64(len(s.Log) + 1)
		s.Log = append(s.Log, e)
	}
	return nil
}

func (s *MemStore) HasLoggedAction(ctx context.Context, fullname, action string) (bool, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	for _, e := range s.Log {
		if e.ItemFullname == fullname && e.Action == action {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemStore) HasLoggedCondition(ctx context.Context, fullname, signature string) (bool, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	for _, e := range s.Log {
		if e.ItemFullname == fullname && e.ConditionYAML == signature {
			return true, nil
		}
	}
	return false, nil
}

// Copy of every audit log entry, in append order
func (s *MemStore) Entries() []AuditLogEntry {
	s.lk.Lock()
	defer s.lk.Unlock()
	out := make([]AuditLogEntry, len(s.Log))
	copy(out, s.Log)
	return out
}

func (s *MemStore) ListFragments(ctx context.Context) (map[string]string, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	out := make(map[string]string, len(s.Fragments))
	for k, v := range s.Fragments {
		out[k] = v
	}
	return out, nil
}

func (s *MemStore) SaveFragment(ctx context.Context, name, text string) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	s.Fragments[strings.ToLower(name)] = text
	return nil
}

func (s *MemStore) GetCursor(ctx context.Context, name string) (time.Time, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	return s.Cursors[name], nil
}

func (s *MemStore) SetCursor(ctx context.Context, name string, t time.Time) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	s.Cursors[name] = t
	return nil
}
