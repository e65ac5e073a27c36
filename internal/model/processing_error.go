package model

import (
	"time"
)

// ProcessingError 回调处理异常记录表
//
// 对账失败、重复回调、超时标记等都往这里追加一条，订单本身不丢弃。
// 流水式设计：只追加，不修改，不删除，便于事后排查。
type ProcessingError struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	OrderNo   string    `gorm:"type:varchar(64);index;not null" json:"order_no"`
	Message   string    `gorm:"type:varchar(512);not null" json:"message"`
	CreatedAt time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

func (ProcessingError) TableName() string {
	return "processing_error"
}
