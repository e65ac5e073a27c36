package service

import (
	"context"
	"fmt"
	"log"
	"time"

	"mpesagateway/internal/config"
	"mpesagateway/internal/model"
	"mpesagateway/internal/mpesa"
	"mpesagateway/internal/repository"
	"mpesagateway/pkg/idgen"

	"gorm.io/gorm"
)

// StkPusher 出站 STK 调用抽象，测试里用假网关替换
type StkPusher interface {
	STKPush(ctx context.Context, phoneNumber string, amount int64, accountReference, orderNo string) (*mpesa.STKPushResponse, string, error)
}

// STKPushService 支付发起服务
type STKPushService struct {
	db          *gorm.DB
	cfg         *config.Config
	gen         *idgen.Generator
	pusher      StkPusher
	txRepo      *repository.TransactionRepository
	perrRepo    *repository.ProcessingErrorRepository
	webhookRepo *repository.WebhookRepository
	outboxRepo  *repository.OutboxRepository
}

func NewSTKPushService(db *gorm.DB, cfg *config.Config, gen *idgen.Generator, pusher StkPusher) *STKPushService {
	return &STKPushService{
		db:          db,
		cfg:         cfg,
		gen:         gen,
		pusher:      pusher,
		txRepo:      repository.NewTransactionRepository(db),
		perrRepo:    repository.NewProcessingErrorRepository(db),
		webhookRepo: repository.NewWebhookRepository(db),
		outboxRepo:  repository.NewOutboxRepository(db),
	}
}

type InitiateRequest struct {
	Amount           int64  `json:"amount" binding:"required,gt=0"`
	PhoneNumber      string `json:"phone_number" binding:"required"`
	AccountReference string `json:"account_reference" binding:"required"`
	BankName         string `json:"bank_name"`
	WebhookURL       string `json:"webhook_url" binding:"omitempty,url"`
}

type InitiateResponse struct {
	OrderNo         string `json:"order_no"`
	Status          string `json:"status"`
	CustomerMessage string `json:"customer_message,omitempty"`
	Message         string `json:"message,omitempty"`
}

// Initiate 发起 STK 支付
//
// 【关键点】先落库再出站：回调可能比同步应答先回来，订单记录必须在
// 发出请求之前就存在，否则早到的回调找不到可关联的记录。
func (s *STKPushService) Initiate(ctx context.Context, req *InitiateRequest) (*InitiateResponse, error) {
	orderNo := s.gen.GenerateOrderNo()

	trans := &model.Transaction{
		OrderNo:          orderNo,
		Amount:           req.Amount,
		PhoneNumber:      req.PhoneNumber,
		AccountReference: req.AccountReference,
		BankName:         req.BankName,
		WebhookURL:       req.WebhookURL,
		Status:           model.TxStatusInitiated,
	}
	if err := s.txRepo.Create(ctx, nil, trans); err != nil {
		return nil, fmt.Errorf("创建订单失败: %w", err)
	}

	resp, raw, err := s.pusher.STKPush(ctx, req.PhoneNumber, req.Amount, req.AccountReference, orderNo)
	if err != nil {
		// 完全没拿到同步应答：订单留在 INITIATED，等超时任务兜底
		s.appendError(ctx, orderNo, fmt.Sprintf("发起 STK 请求失败: %v", err))
		return nil, fmt.Errorf("发起支付失败: %w", err)
	}

	if resp.ResponseCode == mpesa.ResponseCodeAccepted {
		err = s.txRepo.SetAcknowledgement(ctx, nil, orderNo,
			resp.MerchantRequestID, resp.CheckoutRequestID, resp.CustomerMessage, raw)
		if err != nil {
			// 回调抢先落库把订单推进了终态，同步应答到手时已无事可做
			s.appendError(ctx, orderNo, fmt.Sprintf("同步应答晚于回调: %v", err))
			return s.currentState(ctx, orderNo)
		}

		log.Printf("[STKPush] 发起成功: orderNo=%s, checkoutRequestID=%s", orderNo, resp.CheckoutRequestID)
		return &InitiateResponse{
			OrderNo:         orderNo,
			Status:          model.TxStatusPending,
			CustomerMessage: resp.CustomerMessage,
		}, nil
	}

	// 同步应答被拒：终态 FAILED，属于协议层失败而不是本地异常
	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.txRepo.MarkInitiationFailed(ctx, tx, orderNo, resp.ResponseDescription, raw); err != nil {
			return err
		}
		trans.ResultDesc = resp.ResponseDescription
		return s.enqueueOutcome(ctx, tx, trans, model.TxStatusFailed)
	})
	if err != nil {
		s.appendError(ctx, orderNo, fmt.Sprintf("标记发起失败状态失败: %v", err))
		return s.currentState(ctx, orderNo)
	}

	log.Printf("[STKPush] 网关拒绝受理: orderNo=%s, code=%s, desc=%s",
		orderNo, resp.ResponseCode, resp.ResponseDescription)
	return &InitiateResponse{
		OrderNo: orderNo,
		Status:  model.TxStatusFailed,
		Message: resp.ResponseDescription,
	}, nil
}

// enqueueOutcome 在同一个事务里排队 Webhook 投递和 Kafka 事件
func (s *STKPushService) enqueueOutcome(ctx context.Context, tx *gorm.DB, trans *model.Transaction, status string) error {
	payload := MarshalOutcome(trans, status)

	if trans.WebhookURL != "" {
		delivery := &model.WebhookDelivery{
			OrderNo:     trans.OrderNo,
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
		MessageKey: trans.OrderNo,
		Topic:      s.cfg.Kafka.Topic.PayResult,
		Payload:    payload,
		Status:     model.OutboxStatusPending,
	}
	if err := s.outboxRepo.Create(ctx, tx, msg); err != nil {
		return fmt.Errorf("写入 outbox 消息失败: %w", err)
	}
	return nil
}

func (s *STKPushService) currentState(ctx context.Context, orderNo string) (*InitiateResponse, error) {
	trans, err := s.txRepo.GetByOrderNo(ctx, orderNo)
	if err != nil {
		return nil, err
	}
	return &InitiateResponse{
		OrderNo: trans.OrderNo,
		Status:  trans.Status,
		Message: trans.ResultDesc,
	}, nil
}

func (s *STKPushService) appendError(ctx context.Context, orderNo, message string) {
	if err := s.perrRepo.Append(ctx, nil, orderNo, message); err != nil {
		log.Printf("[STKPush] 记录处理异常失败: orderNo=%s, err=%v", orderNo, err)
	}
}
