package job

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"mpesagateway/internal/config"
	"mpesagateway/internal/infrastructure/lock"
	"mpesagateway/internal/model"
	"mpesagateway/internal/repository"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// WebhookDispatcher Webhook 投递任务
//
// 从 webhook_delivery 表捞到期记录逐条投递。失败按次数递增退避
// （第 n 次失败等 n*基数秒），打满上限标记 FAILED 交给人工重试。
// 投递完全独立于回调处理路径，给网关的应答早就返回了。
type WebhookDispatcher struct {
	db          *gorm.DB
	cfg         *config.Config
	webhookRepo *repository.WebhookRepository
	locker      lock.Locker
	httpClient  *http.Client
	stopCh      chan struct{}
	interval    time.Duration
	batchSize   int
}

func NewWebhookDispatcher(db *gorm.DB, cfg *config.Config, locker lock.Locker) *WebhookDispatcher {
	return &WebhookDispatcher{
		db:          db,
		cfg:         cfg,
		webhookRepo: repository.NewWebhookRepository(db),
		locker:      locker,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		stopCh:      make(chan struct{}),
		interval:    time.Second,
		batchSize:   50,
	}
}

func (d *WebhookDispatcher) Start(ctx context.Context) {
	log.Println("[WebhookDispatcher] Webhook 投递任务启动")

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[WebhookDispatcher] 收到停止信号，任务退出")
			return
		case <-d.stopCh:
			log.Println("[WebhookDispatcher] 任务停止")
			return
		case <-ticker.C:
			d.ProcessDueDeliveries(ctx)
		}
	}
}

func (d *WebhookDispatcher) Stop() {
	close(d.stopCh)
}

// ProcessDueDeliveries 投递一批到期记录
func (d *WebhookDispatcher) ProcessDueDeliveries(ctx context.Context) {
	deliveries, err := d.webhookRepo.GetDue(ctx, time.Now(), d.batchSize)
	if err != nil {
		log.Printf("[WebhookDispatcher] 查询待投递记录失败: %v", err)
		return
	}

	for _, delivery := range deliveries {
		d.Deliver(ctx, delivery)
	}
}

// Deliver 投递一条记录
//
// 按订单维度加锁：手动重试接口可能同时盯上这条记录，锁保证
// 同一目标不会被并发打两次。拿不到锁直接跳过，下一轮再来。
func (d *WebhookDispatcher) Deliver(ctx context.Context, delivery *model.WebhookDelivery) {
	key := lock.WebhookDeliveryKey(delivery.OrderNo)
	holder := uuid.NewString()

	ok, err := d.locker.TryLock(ctx, key, holder, 30*time.Second)
	if err != nil {
		log.Printf("[WebhookDispatcher] 获取投递锁失败: orderNo=%s, err=%v", delivery.OrderNo, err)
		return
	}
	if !ok {
		return
	}
	defer func() {
		if err := d.locker.Unlock(ctx, key, holder); err != nil {
			log.Printf("[WebhookDispatcher] 释放投递锁失败: orderNo=%s, err=%v", delivery.OrderNo, err)
		}
	}()

	now := time.Now()
	deliverErr := d.post(ctx, delivery)

	if deliverErr == nil {
		if err := d.webhookRepo.MarkDelivered(ctx, delivery.ID, now); err != nil {
			log.Printf("[WebhookDispatcher] 更新投递状态失败: id=%d, err=%v", delivery.ID, err)
			return
		}
		log.Printf("[WebhookDispatcher] 投递成功: orderNo=%s, url=%s, attempt=%d",
			delivery.OrderNo, delivery.TargetURL, delivery.AttemptCount+1)
		return
	}

	attempt := delivery.AttemptCount + 1
	log.Printf("[WebhookDispatcher] 投递失败: orderNo=%s, attempt=%d, err=%v",
		delivery.OrderNo, attempt, deliverErr)

	if attempt >= d.cfg.Business.WebhookMaxAttempts {
		if err := d.webhookRepo.MarkFailed(ctx, delivery.ID, deliverErr.Error(), now); err != nil {
			log.Printf("[WebhookDispatcher] 标记投递失败状态失败: id=%d, err=%v", delivery.ID, err)
		} else {
			log.Printf("[WebhookDispatcher] 自动重试耗尽，等待人工重试: orderNo=%s", delivery.OrderNo)
		}
		return
	}

	backoff := time.Duration(attempt*d.cfg.Business.WebhookBackoffSeconds) * time.Second
	if err := d.webhookRepo.RecordFailure(ctx, delivery.ID, deliverErr.Error(), now, now.Add(backoff)); err != nil {
		log.Printf("[WebhookDispatcher] 记录投递失败失败: id=%d, err=%v", delivery.ID, err)
	}
}

func (d *WebhookDispatcher) post(ctx context.Context, delivery *model.WebhookDelivery) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, delivery.TargetURL,
		bytes.NewReader([]byte(delivery.Payload)))
	if err != nil {
		return fmt.Errorf("构造请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Order-No", delivery.OrderNo)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("目标返回非 2xx 状态码: %d", resp.StatusCode)
	}
	return nil
}
