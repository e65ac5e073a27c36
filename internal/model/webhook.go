package model

import (
	"time"
)

const (
	WebhookStatusPending   = "PENDING"
	WebhookStatusDelivered = "DELIVERED"
	WebhookStatusFailed    = "FAILED"
)

// WebhookDelivery 商户 Webhook 投递记录表
//
// 对账落库时与订单在同一个事务里写入（outbox 思路），投递由独立的
// 后台任务驱动，失败按次数递增退避重试，耗尽后标记 FAILED，
// 之后只能通过手动重试接口再触发一次。
type WebhookDelivery struct {
	ID            int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	OrderNo       string     `gorm:"type:varchar(64);index;not null" json:"order_no"`
	TargetURL     string     `gorm:"type:varchar(256);not null" json:"target_url"`
	Payload       string     `gorm:"type:text;not null" json:"payload"`
	Status        string     `gorm:"type:varchar(20);index;not null;default:PENDING" json:"status"`
	AttemptCount  int        `gorm:"not null;default:0" json:"attempt_count"`
	NextRetryAt   time.Time  `gorm:"index;not null" json:"next_retry_at"`
	LastError     string     `gorm:"type:varchar(512)" json:"last_error,omitempty"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	DeliveredAt   *time.Time `json:"delivered_at,omitempty"`
	CreatedAt     time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt     time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (WebhookDelivery) TableName() string {
	return "webhook_delivery"
}
