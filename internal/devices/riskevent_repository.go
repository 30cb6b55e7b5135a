package devices

import (
	"context"

	"github.com/hqnguyen/devguard/model"
	"gorm.io/gorm"
)

type RiskEventRepository interface {
	Record(ctx context.Context, event *model.RiskEvent) error
	FindByDevice(ctx context.Context, deviceID uint, limit int) ([]*model.RiskEvent, error)
	Acknowledge(ctx context.Context, id uint64) error
}

type riskEventRepository struct {
	db *gorm.DB
}

func (r *riskEventRepository) Record(ctx context.Context, event *model.RiskEvent) error {
	return r.db.WithContext(ctx).Create(event).Error
}

func (r *riskEventRepository) FindByDevice(ctx context.Context, deviceID uint, limit int) ([]*model.RiskEvent, error) {
	var events []*model.RiskEvent
	err := r.db.WithContext(ctx).
		Where("device_id = ?", deviceID).
		Order("created_at DESC").
		Limit(limit).
		Find(&events).Error
	return events, err
}

func (r *riskEventRepository) Acknowledge(ctx context.Context, id uint64) error {
	return r.db.WithContext(ctx).Model(&model.RiskEvent{}).Where("id = ?", id).
		Update("acknowledged", true).Error
}

func NewRiskEventRepository(db *gorm.DB) RiskEventRepository {
	return &riskEventRepository{db: db}
}
