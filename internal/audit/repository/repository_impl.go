package repository

import (
	"context"
	"strings"
	"time"

	"github.com/paintops/crewclock/internal/audit/domain"
	"gorm.io/gorm"
)

type repo struct {
	db *gorm.DB
}

func Provide(db *gorm.DB) domain.Repository {
	return &repo{db: db}
}

func (r *repo) Insert(ctx context.Context, entry *domain.SecurityEvent) error {
	if entry == nil {
		return nil
	}
	return r.db.WithContext(ctx).Create(entry).Error
}

func (r *repo) List(ctx context.Context, filter domain.ListFilter) ([]*domain.SecurityEvent, error) {
	var events []*domain.SecurityEvent
	stmt := r.db.WithContext(ctx).Model(&domain.SecurityEvent{}).
		Where("company_id = ?", filter.CompanyID)

	if eventType := strings.TrimSpace(filter.EventType); eventType != "" {
		stmt = stmt.Where("event_type = ?", eventType)
	}
	if actor := strings.TrimSpace(filter.ActorUID); actor != "" {
		stmt = stmt.Where("actor_uid = ?", actor)
	}
	if filter.StartAt != nil {
		stmt = stmt.Where("created_at >= ?", filter.StartAt.UTC())
	}
	if filter.EndAt != nil {
		stmt = stmt.Where("created_at <= ?", filter.EndAt.UTC())
	}

	stmt = stmt.Order("created_at desc, id desc")
	if filter.Limit > 0 {
		stmt = stmt.Limit(filter.Limit)
	}

	if err := stmt.Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}

func (r *repo) DeleteOlderThan(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("id IN (?)", r.db.Model(&domain.SecurityEvent{}).Select("id").Where("created_at < ?", cutoff.UTC()).Limit(limit)).
		Delete(&domain.SecurityEvent{})
	return result.RowsAffected, result.Error
}
