package job

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"mpesagateway/internal/config"
	"mpesagateway/internal/model"
	"mpesagateway/internal/repository"
	"mpesagateway/internal/service"

	"gorm.io/gorm"
)

// StaleReaper 滞留订单回收任务
//
// 回调可能永远不来。超过等待窗口仍停在 INITIATED/PENDING 且没收到
// 回调的订单，由这里统一标成 TIMEOUT。
//
// 【并发安全】标记用的是条件更新（非终态 + 未收到回调才生效），
// 和回调对账赛跑时谁先落库谁赢，输家影响行数为 0，互不覆盖。
// 任务本身幂等，多实例同时跑也只会各自认领还满足条件的行。
type StaleReaper struct {
	db          *gorm.DB
	cfg         *config.Config
	txRepo      *repository.TransactionRepository
	perrRepo    *repository.ProcessingErrorRepository
	webhookRepo *repository.WebhookRepository
	outboxRepo  *repository.OutboxRepository
	stopCh      chan struct{}
	interval    time.Duration
	batchSize   int
}

func NewStaleReaper(db *gorm.DB, cfg *config.Config) *StaleReaper {
	return &StaleReaper{
		db:          db,
		cfg:         cfg,
		txRepo:      repository.NewTransactionRepository(db),
		perrRepo:    repository.NewProcessingErrorRepository(db),
		webhookRepo: repository.NewWebhookRepository(db),
		outboxRepo:  repository.NewOutboxRepository(db),
		stopCh:      make(chan struct{}),
		interval:    time.Minute,
		batchSize:   100,
	}
}

func (j *StaleReaper) Start(ctx context.Context) {
	log.Println("[StaleReaper] 滞留订单回收任务启动")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[StaleReaper] 收到停止信号，任务退出")
			return
		case <-j.stopCh:
			log.Println("[StaleReaper] 任务停止")
			return
		case <-ticker.C:
			j.Sweep(ctx)
		}
	}
}

func (j *StaleReaper) Stop() {
	close(j.stopCh)
}

// Sweep 执行一轮回收
func (j *StaleReaper) Sweep(ctx context.Context) {
	window := time.Duration(j.cfg.Business.StaleTimeoutMinutes) * time.Minute
	cutoff := time.Now().Add(-window)

	transactions, err := j.txRepo.GetStale(ctx, cutoff, j.batchSize)
	if err != nil {
		log.Printf("[StaleReaper] 查询滞留订单失败: %v", err)
		return
	}

	if len(transactions) == 0 {
		return
	}

	log.Printf("[StaleReaper] 发现 %d 个滞留订单", len(transactions))

	reapedCount := 0
	for _, trans := range transactions {
		if j.reapOne(ctx, trans) {
			reapedCount++
		}
	}

	log.Printf("[StaleReaper] 本轮标记 %d 个超时订单", reapedCount)
}

func (j *StaleReaper) reapOne(ctx context.Context, trans *model.Transaction) bool {
	err := j.db.Transaction(func(tx *gorm.DB) error {
		if err := j.txRepo.MarkTimeout(ctx, tx, trans.OrderNo); err != nil {
			return err
		}

		msg := fmt.Sprintf("超过 %d 分钟未收到回调，标记为超时", j.cfg.Business.StaleTimeoutMinutes)
		if err := j.perrRepo.Append(ctx, tx, trans.OrderNo, msg); err != nil {
			return err
		}

		// 超时也是终局，照常通知外部系统
		payload := service.MarshalOutcome(trans, model.TxStatusTimeout)
		if trans.WebhookURL != "" {
			delivery := &model.WebhookDelivery{
				OrderNo:     trans.OrderNo,
				TargetURL:   trans.WebhookURL,
				Payload:     payload,
				Status:      model.WebhookStatusPending,
				NextRetryAt: time.Now(),
			}
			if err := j.webhookRepo.Create(ctx, tx, delivery); err != nil {
				return err
			}
		}

		outboxMsg := &model.OutboxMessage{
			MessageKey: trans.OrderNo,
			Topic:      j.cfg.Kafka.Topic.PayResult,
			Payload:    payload,
			Status:     model.OutboxStatusPending,
		}
		return j.outboxRepo.Create(ctx, tx, outboxMsg)
	})

	if err != nil {
		if errors.Is(err, repository.ErrStatusInvalid) {
			// 捞取和标记之间回调先到了，属于正常赛跑，跳过即可
			log.Printf("[StaleReaper] 订单已被推进终态，跳过: orderNo=%s", trans.OrderNo)
			return false
		}
		log.Printf("[StaleReaper] 标记超时失败: orderNo=%s, err=%v", trans.OrderNo, err)
		return false
	}

	log.Printf("[StaleReaper] 订单已标记超时: orderNo=%s, phone=%s, amount=%d",
		trans.OrderNo, trans.PhoneNumber, trans.Amount)
	return true
}
