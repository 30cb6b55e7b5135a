package mfa

import (
	"context"
	"errors"
	"time"

	"github.com/hqnguyen/devguard/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ChallengeRepository interface {
	Create(ctx context.Context, challenge *model.MFAChallenge) error
	GetActiveByDevice(ctx context.Context, deviceID uint) (*model.MFAChallenge, error)
	// IncrementAttempt adds one to the attempt counter, guarded so the
	// counter never passes max_attempts under concurrent verification.
	// Returns false when the challenge was already exhausted.
	IncrementAttempt(ctx context.Context, id uint) (bool, error)
	// MarkVerified stamps verified_at exactly once. Returns false when the
	// challenge was already verified.
	MarkVerified(ctx context.Context, id uint, at time.Time) (bool, error)
	SetOTPHash(ctx context.Context, id uint, hash string) error
}

type challengeRepository struct {
	db *gorm.DB
}

func (r *challengeRepository) Create(ctx context.Context, challenge *model.MFAChallenge) error {
	return r.db.WithContext(ctx).Create(challenge).Error
}

func (r *challengeRepository) GetActiveByDevice(ctx context.Context, deviceID uint) (*model.MFAChallenge, error) {
	var challenge model.MFAChallenge
	err := r.db.WithContext(ctx).
		Where("device_id = ?", deviceID).
		Order("created_at DESC").
		First(&challenge).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrChallengeNotFound
	}
	return &challenge, err
}

func (r *challengeRepository) IncrementAttempt(ctx context.Context, id uint) (bool, error) {
	result := r.db.WithContext(ctx).Model(&model.MFAChallenge{}).
		Where("id = ? AND attempts < max_attempts", id).
		Update("attempts", gorm.Expr("attempts + 1"))
	return result.RowsAffected > 0, result.Error
}

func (r *challengeRepository) MarkVerified(ctx context.Context, id uint, at time.Time) (bool, error) {
	result := r.db.WithContext(ctx).Model(&model.MFAChallenge{}).
		Where("id = ? AND verified_at IS NULL", id).
		Update("verified_at", at)
	return result.RowsAffected > 0, result.Error
}

func (r *challengeRepository) SetOTPHash(ctx context.Context, id uint, hash string) error {
	return r.db.WithContext(ctx).Model(&model.MFAChallenge{}).
		Where("id = ?", id).
		Update("otp_hash", hash).Error
}

func NewChallengeRepository(db *gorm.DB) ChallengeRepository {
	return &challengeRepository{db: db}
}

type UserFactorRepository interface {
	GetUserFactor(ctx context.Context, username string, factorType string) (*model.UserFactor, error)
	Upsert(ctx context.Context, factor *model.UserFactor) error
}

type userFactorRepository struct {
	db *gorm.DB
}

func (r *userFactorRepository) GetUserFactor(ctx context.Context, username string, factorType string) (*model.UserFactor, error) {
	var factor model.UserFactor
	err := r.db.WithContext(ctx).
		Where("username = ? AND type = ?", username, factorType).
		First(&factor).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrTOTPNotEnrolled
	}
	return &factor, err
}

func (r *userFactorRepository) Upsert(ctx context.Context, factor *model.UserFactor) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(factor).Error
}

func NewUserFactorRepository(db *gorm.DB) UserFactorRepository {
	return &userFactorRepository{db: db}
}
