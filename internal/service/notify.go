package service

import (
	"encoding/json"
	"time"

	"mpesagateway/internal/model"
)

// MarshalOutcome 构造订单最终结果的通知报文
//
// Webhook 投递和 Kafka 支付结果事件共用同一份内容，
// 回调对账、同步拒绝、超时标记三条路径都从这里出。
func MarshalOutcome(trans *model.Transaction, status string) string {
	payload := map[string]interface{}{
		"order_no":     trans.OrderNo,
		"status":       status,
		"amount":       trans.Amount,
		"phone_number": trans.PhoneNumber,
		"bank_name":    trans.BankName,
		"notified_at":  time.Now().Format(time.RFC3339),
	}
	if trans.MpesaReceiptNumber != "" {
		payload["mpesa_receipt_number"] = trans.MpesaReceiptNumber
	}
	if trans.TransactionDate != "" {
		payload["transaction_date"] = trans.TransactionDate
	}
	if trans.ResultDesc != "" {
		payload["result_desc"] = trans.ResultDesc
	}

	data, _ := json.Marshal(payload)
	return string(data)
}
