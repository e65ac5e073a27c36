package model

import (
	"time"
)

const (
	// TxStatusInitiated 本地订单已创建，STK 请求尚未得到网关同步应答
	TxStatusInitiated = "INITIATED"
	// TxStatusPending 网关已受理（ResponseCode=0），等待异步回调
	TxStatusPending = "PENDING"
	// TxStatusCompleted 回调确认支付成功（终态）
	TxStatusCompleted = "COMPLETED"
	// TxStatusFailed 同步应答被拒或回调确认失败（终态）
	TxStatusFailed = "FAILED"
	// TxStatusTimeout 超过回调等待窗口仍未收到回调，由超时任务标记（终态）
	TxStatusTimeout = "TIMEOUT"
)

// ValidStatusTransitions 状态机定义
//
// 【注意】INITIATED 可以直接跳到终态：M-Pesa 的异步回调可能比同步应答
// 先到达（网络抖动时真实发生过），此时订单还停留在 INITIATED。
// 终态之间不允许任何迁移，回调/超时任务谁先落库谁生效。
var ValidStatusTransitions = map[string][]string{
	TxStatusInitiated: {TxStatusPending, TxStatusCompleted, TxStatusFailed, TxStatusTimeout},
	TxStatusPending:   {TxStatusCompleted, TxStatusFailed, TxStatusTimeout},
}

func CanTransitionTo(currentStatus, targetStatus string) bool {
	allowedStatuses, exists := ValidStatusTransitions[currentStatus]
	if !exists {
		return false
	}
	for _, s := range allowedStatuses {
		if s == targetStatus {
			return true
		}
	}
	return false
}

// IsTerminalStatus 判断是否终态
func IsTerminalStatus(status string) bool {
	switch status {
	case TxStatusCompleted, TxStatusFailed, TxStatusTimeout:
		return true
	}
	return false
}

// NonTerminalStatuses 超时任务与回调的条件更新都以这组状态做过滤
var NonTerminalStatuses = []string{TxStatusInitiated, TxStatusPending}

// Transaction STK 支付订单表
//
// 【重要】设计原则：
// 1. order_no 由网关侧生成，创建后不可变，外部系统只用它引用订单
//    （M-Pesa 自己的 MerchantRequestID/CheckoutRequestID 要等同步应答才有）
// 2. amount/phone_number 创建时写入，之后不再修改
// 3. callback_received 只允许 false -> true 翻转一次，重复回调不再生效
// 4. 原始报文（raw_stk_response/raw_callback_data）仅留档，默认查询不返回
type Transaction struct {
	ID                 int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	OrderNo            string     `gorm:"type:varchar(64);uniqueIndex;not null" json:"order_no"`
	MerchantRequestID  string     `gorm:"type:varchar(64);index" json:"merchant_request_id"`  // 网关受理后回填
	CheckoutRequestID  string     `gorm:"type:varchar(64);index" json:"checkout_request_id"`  // 网关受理后回填
	Amount             int64      `gorm:"not null" json:"amount"`                             // 金额（KES 整数）
	PhoneNumber        string     `gorm:"type:varchar(20);index;not null" json:"phone_number"`
	AccountReference   string     `gorm:"type:varchar(64);not null" json:"account_reference"`
	BankName           string     `gorm:"type:varchar(64);index" json:"bank_name"` // 渠道标识
	WebhookURL         string     `gorm:"type:varchar(256)" json:"webhook_url,omitempty"`
	Status             string     `gorm:"type:varchar(20);index;not null" json:"status"`
	CustomerMessage    string     `gorm:"type:varchar(256)" json:"customer_message,omitempty"`
	CallbackReceived   bool       `gorm:"index;not null;default:false" json:"callback_received"`
	CallbackReceivedAt *time.Time `json:"callback_received_at,omitempty"`
	ResultCode         *int       `json:"result_code,omitempty"`   // 回调的 ResultCode
	ResultDesc         string     `gorm:"type:varchar(256)" json:"result_desc,omitempty"`
	MpesaReceiptNumber string     `gorm:"type:varchar(64);index" json:"mpesa_receipt_number,omitempty"` // 成功回调的收据号
	TransactionDate    string     `gorm:"type:varchar(20)" json:"transaction_date,omitempty"`           // 回调里的 yyyyMMddHHmmss
	CallbackAmount     float64    `gorm:"type:decimal(12,2);default:0" json:"callback_amount,omitempty"`
	RawStkResponse     string     `gorm:"type:text" json:"raw_stk_response,omitempty"`
	RawCallbackData    string     `gorm:"type:text" json:"raw_callback_data,omitempty"`
	CreatedAt          time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt          time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Transaction) TableName() string {
	return "mpesa_transaction"
}
