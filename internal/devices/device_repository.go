package devices

import (
	"context"
	"errors"
	"time"

	"github.com/hqnguyen/devguard/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type DeviceRepository interface {
	Create(ctx context.Context, device *model.Device) error
	GetByID(ctx context.Context, id uint) (*model.Device, error)
	GetByToken(ctx context.Context, token string) (*model.Device, error)
	ListByUser(ctx context.Context, username string) ([]*model.Device, error)
	ListByStatus(ctx context.Context, status model.DeviceStatus) ([]*model.Device, error)
	Updates(ctx context.Context, id uint, columns map[string]interface{}) error
	// UpdateLocked loads the device row under an exclusive lock, applies fn
	// and persists the returned column set in one transaction. It is the
	// serialized-write path for the mutable per-device counters.
	UpdateLocked(ctx context.Context, id uint, fn func(device *model.Device) (map[string]interface{}, error)) (*model.Device, error)
	ListOverdue(ctx context.Context, now time.Time) ([]*model.Device, error)
}

type deviceRepository struct {
	db *gorm.DB
}

func (r *deviceRepository) Create(ctx context.Context, device *model.Device) error {
	return r.db.WithContext(ctx).Create(device).Error
}

func (r *deviceRepository) GetByID(ctx context.Context, id uint) (*model.Device, error) {
	var device model.Device
	err := r.db.WithContext(ctx).First(&device, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrDeviceNotFound
	}
	return &device, err
}

func (r *deviceRepository) GetByToken(ctx context.Context, token string) (*model.Device, error) {
	var device model.Device
	err := r.db.WithContext(ctx).First(&device, "token = ?", token).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrDeviceNotFound
	}
	return &device, err
}

func (r *deviceRepository) ListByUser(ctx context.Context, username string) ([]*model.Device, error) {
	var out []*model.Device
	err := r.db.WithContext(ctx).Where("username = ?", username).Order("created_at DESC").Find(&out).Error
	return out, err
}

func (r *deviceRepository) ListByStatus(ctx context.Context, status model.DeviceStatus) ([]*model.Device, error) {
	var out []*model.Device
	err := r.db.WithContext(ctx).Where("status = ?", status).Order("created_at DESC").Find(&out).Error
	return out, err
}

func (r *deviceRepository) Updates(ctx context.Context, id uint, columns map[string]interface{}) error {
	return r.db.WithContext(ctx).Model(&model.Device{}).Where("id = ?", id).Updates(columns).Error
}

func (r *deviceRepository) UpdateLocked(ctx context.Context, id uint, fn func(device *model.Device) (map[string]interface{}, error)) (*model.Device, error) {
	var device model.Device
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&device, "id = ?", id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrDeviceNotFound
		}
		if err != nil {
			return err
		}
		columns, err := fn(&device)
		if err != nil {
			return err
		}
		if len(columns) == 0 {
			return nil
		}
		return tx.Model(&device).Updates(columns).Error
	})
	if err != nil {
		return nil, err
	}
	return &device, nil
}

func (r *deviceRepository) ListOverdue(ctx context.Context, now time.Time) ([]*model.Device, error) {
	var out []*model.Device
	err := r.db.WithContext(ctx).
		Where("status = ? AND expires_at IS NOT NULL AND expires_at < ?", model.StatusActive, now).
		Find(&out).Error
	return out, err
}

func NewDeviceRepository(db *gorm.DB) DeviceRepository {
	return &deviceRepository{db: db}
}
