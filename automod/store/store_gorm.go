package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type GormStore struct {
	DB *gorm.DB
}

var _ Store = (*GormStore)(nil)

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{DB: db}
}

// Creates or updates tables
func (s *GormStore) Migrate() error {
	return s.DB.AutoMigrate(&Source{}, &AuditLogEntry{}, &StandardCondition{}, &Cursor{})
}

func (s *GormStore) EnabledSources(ctx context.Context) ([]Source, error) {
	var out []Source
	if err := s.DB.WithContext(ctx).Where("enabled = ?", true).Order("name").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("listing sources: %w", err)
	}
	return out, nil
}

func (s *GormStore) GetSource(ctx context.Context, name string) (*Source, error) {
	var src Source
	err := s.DB.WithContext(ctx).Where("name = ?", strings.ToLower(name)).First(&src).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetching source %s: %w", name, err)
	}
	return &src, nil
}

func (s *GormStore) SaveSourceRules(ctx context.Context, name, text string) error {
	name = strings.ToLower(name)
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var src Source
		err := tx.Where("name = ?", name).First(&src).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			src = newSource(name, time.Now().UTC())
			src.ConditionsYAML = text
			return tx.Create(&src).Error
		}
		if err != nil {
			return err
		}
		return tx.Model(&src).Update("conditions_yaml", text).Error
	})
}

func (s *GormStore) UpdateWatermark(ctx context.Context, name string, queue Queue, t time.Time) error {
	col, err := watermarkColumn(queue)
	if err != nil {
		return err
	}
	// sqlite compares timestamps as text, so keep everything in UTC
	t = t.UTC()
	// the comparison in the WHERE clause makes this a no-op for stale timestamps
	res := s.DB.WithContext(ctx).Model(&Source{}).
		Where("name = ?", strings.ToLower(name)).
		Where(fmt.Sprintf("(%s IS NULL OR %s < ?)", col, col), t).
		Update(col, t)
	if res.Error != nil {
		return fmt.Errorf("updating %s watermark for %s: %w", queue, name, res.Error)
	}
	return nil
}

func (s *GormStore) ResetWatermarks(ctx context.Context, name string, t time.Time) error {
	t = t.UTC()
	return s.DB.WithContext(ctx).Model(&Source{}).
		Where("name = ?", strings.ToLower(name)).
		Updates(map[string]any{
			"last_report":     t,
			"last_spam":       t,
			"last_submission": t,
			"last_comment":    t,
		}).Error
}

func (s *GormStore) AppendLog(ctx context.Context, entries ...AuditLogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	for i := range entries {
		if entries[i].SignatureHash == "" {
			entries[i].SignatureHash = HashOfString(entries[i].ConditionYAML)
		}
	}
	if err := s.DB.WithContext(ctx).Create(&entries).Error; err != nil {
		return fmt.Errorf("appending audit log: %w", err)
	}
	return nil
}

func (s *GormStore) exists(ctx context.Context, query string, args ...any) (bool, error) {
	var n int64
	if err := s.DB.WithContext(ctx).Model(&AuditLogEntry{}).Where(query, args...).Count(&n).Error; err != nil {
		return false, fmt.Errorf("querying audit log: %w", err)
	}
	return n > 0, nil
}

func (s *GormStore) HasLoggedAction(ctx context.Context, fullname, action string) (bool, error) {
	return s.exists(ctx, "item_fullname = ? AND action = ?", fullname, action)
}

func (s *GormStore) HasLoggedCondition(ctx context.Context, fullname, signature string) (bool, error) {
	return s.exists(ctx, "item_fullname = ? AND signature_hash = ? AND condition_yaml = ?", fullname, HashOfString(signature), signature)
}

func (s *GormStore) ListFragments(ctx context.Context) (map[string]string, error) {
	var rows []StandardCondition
	if err := s.DB.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("listing standard conditions: %w", err)
	}
	out := make(map[string]string, len(rows))
	for _, r := range rows {
		out[strings.ToLower(r.Name)] = r.YAML
	}
	return out, nil
}

func (s *GormStore) SaveFragment(ctx context.Context, name, text string) error {
	row := StandardCondition{Name: strings.ToLower(name), YAML: text}
	return s.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"yaml"}),
	}).Create(&row).Error
}

func (s *GormStore) GetCursor(ctx context.Context, name string) (time.Time, error) {
	var c Cursor
	err := s.DB.WithContext(ctx).Where("name = ?", name).First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("fetching cursor %s: %w", name, err)
	}
	return c.Value, nil
}

func (s *GormStore) SetCursor(ctx context.Context, name string, t time.Time) error {
	c := Cursor{Name: name, Value: t}
	return s.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&c).Error
}
