package audit

import (
	"context"

	"github.com/hqnguyen/devguard/model"
	"gorm.io/gorm"
)

type AuditEventRepository interface {
	RecordEvent(ctx context.Context, event *model.AuditEvent) error
	FindByDevice(ctx context.Context, deviceID uint, limit int) ([]*model.AuditEvent, error)
}

type AccessLogRepository interface {
	RecordAccess(ctx context.Context, entry *model.AccessLogEntry) error
	FindByDevice(ctx context.Context, deviceID uint, limit int) ([]*model.AccessLogEntry, error)
}

type auditEventRepository struct {
	db *gorm.DB
}

func (r *auditEventRepository) RecordEvent(ctx context.Context, event *model.AuditEvent) error {
	return r.db.WithContext(ctx).Create(event).Error
}

func (r *auditEventRepository) FindByDevice(ctx context.Context, deviceID uint, limit int) ([]*model.AuditEvent, error) {
	var events []*model.AuditEvent
	err := r.db.WithContext(ctx).
		Where("device_id = ?", deviceID).
		Order("created_at DESC").
		Limit(limit).
		Find(&events).Error
	return events, err
}

func NewAuditEventRepository(db *gorm.DB) AuditEventRepository {
	return &auditEventRepository{db: db}
}

type accessLogRepository struct {
	db *gorm.DB
}

func (r *accessLogRepository) RecordAccess(ctx context.Context, entry *model.AccessLogEntry) error {
	return r.db.WithContext(ctx).Create(entry).Error
}

func (r *accessLogRepository) FindByDevice(ctx context.Context, deviceID uint, limit int) ([]*model.AccessLogEntry, error) {
	var entries []*model.AccessLogEntry
	err := r.db.WithContext(ctx).
		Where("device_id = ?", deviceID).
		Order("created_at DESC").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}

func NewAccessLogRepository(db *gorm.DB) AccessLogRepository {
	return &accessLogRepository{db: db}
}
