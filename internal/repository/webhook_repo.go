package repository

import (
	"context"
	"errors"
	"time"

	"mpesagateway/internal/model"

	"gorm.io/gorm"
)

var ErrDeliveryNotFound = errors.New("投递记录不存在")

type WebhookRepository struct {
	db *gorm.DB
}

func NewWebhookRepository(db *gorm.DB) *WebhookRepository {
	return &WebhookRepository{db: db}
}

// Create 对账事务里调用，投递任务和订单状态一起落库
func (r *WebhookRepository) Create(ctx context.Context, tx *gorm.DB, delivery *model.WebhookDelivery) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(delivery).Error
}

// GetDue 捞取到期待投递的记录
func (r *WebhookRepository) GetDue(ctx context.Context, now time.Time, limit int) ([]*model.WebhookDelivery, error) {
	var deliveries []*model.WebhookDelivery
	err := r.db.WithContext(ctx).
		Where("status = ? AND next_retry_at <= ?", model.WebhookStatusPending, now).
		Order("next_retry_at ASC").
		Limit(limit).
		Find(&deliveries).Error
	return deliveries, err
}

func (r *WebhookRepository) GetLatestByOrderNo(ctx context.Context, orderNo string) (*model.WebhookDelivery, error) {
	var delivery model.WebhookDelivery
	err := r.db.WithContext(ctx).
		Where("order_no = ?", orderNo).
		Order("created_at DESC, id DESC").
		First(&delivery).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrDeliveryNotFound
		}
		return nil, err
	}
	return &delivery, nil
}

func (r *WebhookRepository) MarkDelivered(ctx context.Context, id int64, now time.Time) error {
	return r.db.WithContext(ctx).
		Model(&model.WebhookDelivery{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":          model.WebhookStatusDelivered,
			"attempt_count":   gorm.Expr("attempt_count + 1"),
			"last_attempt_at": now,
			"delivered_at":    now,
			"last_error":      "",
		}).Error
}

// RecordFailure 记一次失败并安排下次重试
func (r *WebhookRepository) RecordFailure(ctx context.Context, id int64, errMsg string, now, nextRetryAt time.Time) error {
	return r.db.WithContext(ctx).
		Model(&model.WebhookDelivery{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"attempt_count":   gorm.Expr("attempt_count + 1"),
			"last_attempt_at": now,
			"last_error":      errMsg,
			"next_retry_at":   nextRetryAt,
		}).Error
}

// MarkFailed 自动重试耗尽，进入终态，等人工重试
func (r *WebhookRepository) MarkFailed(ctx context.Context, id int64, errMsg string, now time.Time) error {
	return r.db.WithContext(ctx).
		Model(&model.WebhookDelivery{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":          model.WebhookStatusFailed,
			"attempt_count":   gorm.Expr("attempt_count + 1"),
			"last_attempt_at": now,
			"last_error":      errMsg,
		}).Error
}

// Rearm 人工重试：FAILED 的记录重新排队，只多给一次机会
//
// 条件更新限定 FAILED，避免把 DELIVERED 或排队中的记录重置。
func (r *WebhookRepository) Rearm(ctx context.Context, id int64, now time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&model.WebhookDelivery{}).
		Where("id = ? AND status = ?", id, model.WebhookStatusFailed).
		Updates(map[string]interface{}{
			"status":        model.WebhookStatusPending,
			"next_retry_at": now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrDeliveryNotFound
	}
	return nil
}

// DeliveryStats Webhook 投递统计
type DeliveryStats struct {
	Total     int64 `json:"total"`
	Attempts  int64 `json:"attempts"`
	Delivered int64 `json:"delivered"`
	Failed    int64 `json:"failed"`
	Pending   int64 `json:"pending"`
}

// Stats 统计投递情况；orderNo 为空时统计全局
func (r *WebhookRepository) Stats(ctx context.Context, orderNo string) (*DeliveryStats, error) {
	query := r.db.WithContext(ctx).Model(&model.WebhookDelivery{})
	if orderNo != "" {
		query = query.Where("order_no = ?", orderNo)
	}

	stats := &DeliveryStats{}

	type row struct {
		Status   string
		Count    int64
		Attempts int64
	}
	var rows []row
	err := query.
		Select("status, COUNT(*) AS count, COALESCE(SUM(attempt_count), 0) AS attempts").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	for _, r := range rows {
		stats.Total += r.Count
		stats.Attempts += r.Attempts
		switch r.Status {
		case model.WebhookStatusDelivered:
			stats.Delivered = r.Count
		case model.WebhookStatusFailed:
			stats.Failed = r.Count
		case model.WebhookStatusPending:
			stats.Pending = r.Count
		}
	}

	return stats, nil
}
