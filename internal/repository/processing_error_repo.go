package repository

import (
	"context"

	"mpesagateway/internal/model"

	"gorm.io/gorm"
)

type ProcessingErrorRepository struct {
	db *gorm.DB
}

func NewProcessingErrorRepository(db *gorm.DB) *ProcessingErrorRepository {
	return &ProcessingErrorRepository{db: db}
}

// Append 追加一条处理异常记录
func (r *ProcessingErrorRepository) Append(ctx context.Context, tx *gorm.DB, orderNo, message string) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(&model.ProcessingError{
		OrderNo: orderNo,
		Message: message,
	}).Error
}

// ListByOrderNo 按订单号查处理异常，按时间正序
func (r *ProcessingErrorRepository) ListByOrderNo(ctx context.Context, orderNo string) ([]*model.ProcessingError, error) {
	var errs []*model.ProcessingError
	err := r.db.WithContext(ctx).
		Where("order_no = ?", orderNo).
		Order("created_at ASC, id ASC").
		Find(&errs).Error
	return errs, err
}

func (r *ProcessingErrorRepository) CountByOrderNo(ctx context.Context, orderNo string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&model.ProcessingError{}).
		Where("order_no = ?", orderNo).
		Count(&count).Error
	return count, err
}
