package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"mpesagateway/internal/infrastructure/lock"
	"mpesagateway/internal/model"
	"mpesagateway/internal/repository"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	ErrDeliveryInProgress = errors.New("该订单的投递正在进行中")
	ErrAlreadyDelivered   = errors.New("该订单的通知已投递成功")
)

// WebhookService Webhook 手动重试与统计
type WebhookService struct {
	webhookRepo *repository.WebhookRepository
	locker      lock.Locker
}

func NewWebhookService(db *gorm.DB, locker lock.Locker) *WebhookService {
	return &WebhookService{
		webhookRepo: repository.NewWebhookRepository(db),
		locker:      locker,
	}
}

// RetryDelivery 人工重试：FAILED 的投递记录重新排队，只多给一次机会
//
// 【关键点】和后台投递任务抢同一把按订单维度的锁：自动投递在路上时
// 手动重试直接被拒，避免同一个目标被并发打两次。
func (s *WebhookService) RetryDelivery(ctx context.Context, orderNo string) error {
	key := lock.WebhookDeliveryKey(orderNo)
	holder := uuid.NewString()

	ok, err := s.locker.TryLock(ctx, key, holder, 30*time.Second)
	if err != nil {
		return fmt.Errorf("获取投递锁失败: %w", err)
	}
	if !ok {
		return ErrDeliveryInProgress
	}
	defer func() {
		if err := s.locker.Unlock(ctx, key, holder); err != nil {
			log.Printf("[Webhook] 释放投递锁失败: orderNo=%s, err=%v", orderNo, err)
		}
	}()

	delivery, err := s.webhookRepo.GetLatestByOrderNo(ctx, orderNo)
	if err != nil {
		return err
	}

	switch delivery.Status {
	case model.WebhookStatusDelivered:
		return ErrAlreadyDelivered
	case model.WebhookStatusPending:
		// 还在自动重试队列里，没必要手动插队
		return ErrDeliveryInProgress
	}

	if err := s.webhookRepo.Rearm(ctx, delivery.ID, time.Now()); err != nil {
		return err
	}

	log.Printf("[Webhook] 手动重试已排队: orderNo=%s, deliveryID=%d, attempts=%d",
		orderNo, delivery.ID, delivery.AttemptCount)
	return nil
}

// Stats 投递统计；orderNo 为空时返回全局
func (s *WebhookService) Stats(ctx context.Context, orderNo string) (*repository.DeliveryStats, error) {
	return s.webhookRepo.Stats(ctx, orderNo)
}
