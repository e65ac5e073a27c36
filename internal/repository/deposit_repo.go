package repository

import (
	"context"
	"errors"
	"time"

	"mpesagateway/internal/model"

	"gorm.io/gorm"
)

var ErrDuplicateDeposit = errors.New("入账记录已存在")

type DepositRepository struct {
	db *gorm.DB
}

func NewDepositRepository(db *gorm.DB) *DepositRepository {
	return &DepositRepository{db: db}
}

func (r *DepositRepository) Create(ctx context.Context, tx *gorm.DB, deposit *model.Deposit) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(deposit).Error
}

// GetByMpesaTransID 网关交易号查重：确认回调可能被重放
func (r *DepositRepository) GetByMpesaTransID(ctx context.Context, transID string) (*model.Deposit, error) {
	var deposit model.Deposit
	err := r.db.WithContext(ctx).Where("mpesa_trans_id = ?", transID).First(&deposit).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &deposit, nil
}

func (r *DepositRepository) Count(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&model.Deposit{}).Count(&count).Error
	return count, err
}

func (r *DepositRepository) SumAmountSince(ctx context.Context, since time.Time) (float64, error) {
	var total float64
	err := r.db.WithContext(ctx).
		Model(&model.Deposit{}).
		Where("created_at >= ?", since).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&total).Error
	return total, err
}

func (r *DepositRepository) SumAmount(ctx context.Context) (float64, error) {
	var total float64
	err := r.db.WithContext(ctx).
		Model(&model.Deposit{}).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&total).Error
	return total, err
}
