package model

import (
	"time"
)

const (
	// DepositStatusCompleted C2B 确认回调到达时资金已经转移，记录即完成
	DepositStatusCompleted = "COMPLETED"
)

// Deposit C2B 直接入账记录表
//
// 付款方直接向商户短码付款（Paybill/Buy Goods），与 STK 主动发起的流程
// 平行。确认回调到达时钱已经到账，所以这里只做落库，不参与状态机。
type Deposit struct {
	ID            int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	DepositNo     string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"deposit_no"`
	MpesaTransID  string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"mpesa_trans_id"` // 网关分配的交易号
	TransTime     string    `gorm:"type:varchar(20)" json:"trans_time"`
	Amount        float64   `gorm:"type:decimal(12,2);not null" json:"amount"`
	Msisdn        string    `gorm:"type:varchar(20);index;not null" json:"msisdn"`
	BillRefNumber string    `gorm:"type:varchar(64);index" json:"bill_ref_number"`
	ShortCode     string    `gorm:"type:varchar(20);not null" json:"short_code"`
	PayerName     string    `gorm:"type:varchar(128)" json:"payer_name"`
	Status        string    `gorm:"type:varchar(20);index;not null" json:"status"`
	RawPayload    string    `gorm:"type:text" json:"raw_payload,omitempty"`
	CreatedAt     time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

func (Deposit) TableName() string {
	return "c2b_deposit"
}
