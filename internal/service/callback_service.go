package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"mpesagateway/internal/config"
	"mpesagateway/internal/model"
	"mpesagateway/internal/mpesa"
	"mpesagateway/internal/repository"

	"gorm.io/gorm"
)

// ErrUnknownOrder 回调关联不到本地订单。对调用方（HTTP 层）来说
// 这不是失败：照样回成功应答，只是不落任何记录。
var ErrUnknownOrder = errors.New("回调关联不到订单")

// CallbackService 回调对账服务
//
// 【重要】这里的错误语义和别处相反：本地处理失败不等于协议失败。
// 不管对账成败，HTTP 层都要给网关回固定的成功应答——网关没有
// "稍后重试"一说，不应答只会换来一堆重复回调。本地失败先尽力
// 写进 processing_error，再静默吞掉。
type CallbackService struct {
	db          *gorm.DB
	cfg         *config.Config
	txRepo      *repository.TransactionRepository
	perrRepo    *repository.ProcessingErrorRepository
	webhookRepo *repository.WebhookRepository
	outboxRepo  *repository.OutboxRepository
}

func NewCallbackService(db *gorm.DB, cfg *config.Config) *CallbackService {
	return &CallbackService{
		db:          db,
		cfg:         cfg,
		txRepo:      repository.NewTransactionRepository(db),
		perrRepo:    repository.NewProcessingErrorRepository(db),
		webhookRepo: repository.NewWebhookRepository(db),
		outboxRepo:  repository.NewOutboxRepository(db),
	}
}

// HandleCallback 处理一次 STK 回调
//
// 幂等：同一订单只有第一个回调能改状态和结算字段，后续的只往
// processing_error 里追加一条记录。
func (s *CallbackService) HandleCallback(ctx context.Context, orderNo string, cb *mpesa.STKCallback, raw string) error {
	trans, err := s.txRepo.GetByOrderNo(ctx, orderNo)
	if err != nil {
		if errors.Is(err, repository.ErrTransactionNotFound) {
			log.Printf("[Callback] 未知订单的回调: orderNo=%s, resultCode=%d", orderNo, cb.ResultCode)
			return ErrUnknownOrder
		}
		return fmt.Errorf("查询订单失败: %w", err)
	}

	// 重复回调：先看标志位，省一次必然失败的条件更新
	if trans.CallbackReceived {
		s.appendError(ctx, orderNo, fmt.Sprintf("重复回调被忽略: resultCode=%d, desc=%s", cb.ResultCode, cb.ResultDesc))
		log.Printf("[Callback] 重复回调: orderNo=%s", orderNo)
		return nil
	}

	finalStatus := deriveFinalStatus(cb.ResultCode)

	upd := &repository.CallbackUpdate{
		FinalStatus:     finalStatus,
		ResultCode:      cb.ResultCode,
		ResultDesc:      cb.ResultDesc,
		RawCallbackData: raw,
		ReceivedAt:      time.Now(),
	}

	// 结算元数据只在成功回调里有意义
	if finalStatus == model.TxStatusCompleted {
		upd.MpesaReceiptNumber, _ = cb.CallbackMetadata.StringValue("MpesaReceiptNumber")
		upd.TransactionDate, _ = cb.CallbackMetadata.StringValue("TransactionDate")
		upd.CallbackAmount, _ = cb.CallbackMetadata.FloatValue("Amount")
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.txRepo.ApplyCallback(ctx, tx, orderNo, upd); err != nil {
			return err
		}

		trans.ResultDesc = cb.ResultDesc
		trans.MpesaReceiptNumber = upd.MpesaReceiptNumber
		trans.TransactionDate = upd.TransactionDate
		payload := MarshalOutcome(trans, finalStatus)

		if trans.WebhookURL != "" {
			delivery := &model.WebhookDelivery{
				OrderNo:     orderNo,
				TargetURL:   trans.WebhookURL,
				Payload:     payload,
				Status:      model.WebhookStatusPending,
				NextRetryAt: time.Now(),
			}
			if err := s.webhookRepo.Create(ctx, tx, delivery); err != nil {
				return fmt.Errorf("写入 Webhook 投递任务失败: %w", err)
			}
		}

		msg := &model.OutboxMessage{
			MessageKey: orderNo,
			Topic:      s.cfg.Kafka.Topic.PayResult,
			Payload:    payload,
			Status:     model.OutboxStatusPending,
		}
		if err := s.outboxRepo.Create(ctx, tx, msg); err != nil {
			return fmt.Errorf("写入 outbox 消息失败: %w", err)
		}
		return nil
	})

	if err != nil {
		if errors.Is(err, repository.ErrCallbackAlreadyApplied) {
			// 并发回调输了比赛，或订单已被超时任务标成 TIMEOUT。
			// 终态不降级：已 TIMEOUT 的订单即使来了成功回调也只记录不生效。
			s.appendError(ctx, orderNo, fmt.Sprintf("回调未生效（重复或订单已终态）: resultCode=%d", cb.ResultCode))
			log.Printf("[Callback] 回调未生效: orderNo=%s, status=%s", orderNo, trans.Status)
			return nil
		}
		s.appendError(ctx, orderNo, fmt.Sprintf("回调对账失败: %v", err))
		return fmt.Errorf("回调对账失败: %w", err)
	}

	log.Printf("[Callback] 对账完成: orderNo=%s, status=%s, receipt=%s",
		orderNo, finalStatus, upd.MpesaReceiptNumber)
	return nil
}

// RecordFailure 本地处理失败时由 HTTP 层调用，尽力留痕
func (s *CallbackService) RecordFailure(ctx context.Context, orderNo, message string) {
	s.appendError(ctx, orderNo, message)
}

func (s *CallbackService) appendError(ctx context.Context, orderNo, message string) {
	if err := s.perrRepo.Append(ctx, nil, orderNo, message); err != nil {
		log.Printf("[Callback] 记录处理异常失败: orderNo=%s, err=%v", orderNo, err)
	}
}

// deriveFinalStatus 回调结果码到终态的映射
func deriveFinalStatus(resultCode int) string {
	switch resultCode {
	case mpesa.ResultCodeSuccess:
		return model.TxStatusCompleted
	case mpesa.ResultCodeTimeout:
		return model.TxStatusTimeout
	default:
		return model.TxStatusFailed
	}
}
